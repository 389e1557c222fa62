package server_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gosuda/cloudhost/internal/config"
	"github.com/gosuda/cloudhost/internal/domain"
	"github.com/gosuda/cloudhost/internal/orchestrator"
	"github.com/gosuda/cloudhost/internal/registry"
	"github.com/gosuda/cloudhost/internal/server"
	"github.com/gosuda/cloudhost/internal/store/tomlfile"
)

const controlToken = "s3cret-control"

func newTestServer(t *testing.T, token string) http.Handler {
	t.Helper()

	ctx := context.Background()
	reg, err := registry.Open(ctx, tomlfile.New(filepath.Join(t.TempDir(), tomlfile.DefaultFileName)))
	require.NoError(t, err)
	require.NoError(t, reg.AddFolder(ctx, domain.Folder{Name: "docs", Path: t.TempDir()}))

	orch := orchestrator.New(reg, orchestrator.Options{Host: "127.0.0.1"})
	t.Cleanup(func() { orch.StopAll(context.Background()) })

	srv := server.New(config.ControlConfig{Addr: "127.0.0.1:0", Token: token}, orch)
	return srv.Handler()
}

func do(t *testing.T, h http.Handler, method, path, token, body string) *httptest.ResponseRecorder {
	t.Helper()

	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHealthz_NoToken(t *testing.T) {
	t.Parallel()

	h := newTestServer(t, controlToken)
	rec := do(t, h, http.MethodGet, "/healthz", "", "")

	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
	assert.InDelta(t, 0, body["running"], 0)
}

func TestControlAPI_RequiresToken(t *testing.T) {
	t.Parallel()

	h := newTestServer(t, controlToken)

	tests := []struct {
		name   string
		token  string
		status int
	}{
		{"missing", "", http.StatusUnauthorized},
		{"wrong", "nope", http.StatusUnauthorized},
		{"valid", controlToken, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			rec := do(t, h, http.MethodGet, "/api/v1/folders", tt.token, "")
			assert.Equal(t, tt.status, rec.Code)
		})
	}
}

func TestControlAPI_OpenWithoutToken(t *testing.T) {
	t.Parallel()

	h := newTestServer(t, "")
	rec := do(t, h, http.MethodGet, "/api/v1/clouds", "", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, "[]", rec.Body.String())
}

func TestControlAPI_CreateCloudEndToEnd(t *testing.T) {
	t.Parallel()

	h := newTestServer(t, controlToken)

	rec := do(t, h, http.MethodPost, "/api/v1/clouds", controlToken,
		`{"name":"family","folders":["docs"],"password":"correct-horse"}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = do(t, h, http.MethodGet, "/api/v1/clouds/family", controlToken, "")
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "family", body["name"])
	assert.Equal(t, true, body["has_password"])
	assert.NotContains(t, rec.Body.String(), "jwt_secret")

	rec = do(t, h, http.MethodPost, "/api/v1/clouds/family/stop", controlToken, "")
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestWS_RequiresTokenAndRunningCloud(t *testing.T) {
	t.Parallel()

	h := newTestServer(t, controlToken)

	rec := do(t, h, http.MethodGet, "/ws/clouds/family/logs", "", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = do(t, h, http.MethodGet, "/ws/clouds/family/logs", controlToken, "")
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestUnknownRoute(t *testing.T) {
	t.Parallel()

	h := newTestServer(t, "")
	rec := do(t, h, http.MethodGet, "/nope", "", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
