package orchestrator_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gosuda/cloudhost/internal/cloudserver"
	"github.com/gosuda/cloudhost/internal/debuglog"
	"github.com/gosuda/cloudhost/internal/domain"
	"github.com/gosuda/cloudhost/internal/orchestrator"
	"github.com/gosuda/cloudhost/internal/registry"
	redisstore "github.com/gosuda/cloudhost/internal/store/redis"
	"github.com/gosuda/cloudhost/internal/store/tomlfile"
)

const password = "correct-horse"

// ---------------------------------------------------------------------------
// Fixture
// ---------------------------------------------------------------------------

type recordingPublisher struct {
	mu   sync.Mutex
	msgs map[string][][]byte
}

func (p *recordingPublisher) Publish(_ context.Context, channel string, payload []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.msgs == nil {
		p.msgs = make(map[string][][]byte)
	}
	p.msgs[channel] = append(p.msgs[channel], payload)
	return nil
}

func (p *recordingPublisher) messages(channel string) [][]byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([][]byte(nil), p.msgs[channel]...)
}

type fixture struct {
	orch  *orchestrator.Orchestrator
	reg   *registry.Registry
	store *tomlfile.Store
	base  int
}

// freePort returns a port that was free a moment ago.
func freePort(t *testing.T) int {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())
	return port
}

func newFixtureAt(t *testing.T, base int, pub orchestrator.LogPublisher) *fixture {
	t.Helper()

	dir := t.TempDir()
	share := filepath.Join(dir, "share")
	require.NoError(t, os.MkdirAll(share, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(share, "hello.txt"), []byte("hi"), 0o644))

	ctx := context.Background()
	st := tomlfile.New(filepath.Join(dir, tomlfile.DefaultFileName))
	reg, err := registry.Open(ctx, st)
	require.NoError(t, err)
	require.NoError(t, reg.AddFolder(ctx, domain.Folder{Name: "docs", Path: share}))

	opts := orchestrator.Options{
		BasePort:    base,
		Host:        "127.0.0.1",
		TokenTTL:    time.Hour,
		HistorySize: 50,
		Server: cloudserver.Options{
			ShutdownTimeout: 2 * time.Second,
			TrashDir:        filepath.Join(dir, "trash"),
		},
	}
	if pub != nil {
		opts.Publisher = pub
	}

	o := orchestrator.New(reg, opts)
	t.Cleanup(func() { o.StopAll(context.Background()) })

	return &fixture{orch: o, reg: reg, store: st, base: base}
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	return newFixtureAt(t, freePort(t), nil)
}

func (f *fixture) addCloud(t *testing.T, name, pw string) {
	t.Helper()

	_, err := f.orch.CreateCloud(context.Background(), name, []string{"docs"}, pw)
	require.NoError(t, err)
}

func login(t *testing.T, port int, pw string) string {
	t.Helper()

	body, err := json.Marshal(map[string]string{"password": pw})
	require.NoError(t, err)

	resp, err := http.Post("http://127.0.0.1:"+strconv.Itoa(port)+"/api/login", "application/json", bytes.NewReader(body)) //nolint:noctx // test helper
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out struct {
		Token string `json:"token"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	require.NotEmpty(t, out.Token)
	return out.Token
}

func getIndex(t *testing.T, port int, token string) int {
	t.Helper()

	req, err := http.NewRequestWithContext(context.Background(), http.MethodGet, "http://127.0.0.1:"+strconv.Itoa(port)+"/api", nil)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	_ = resp.Body.Close()
	return resp.StatusCode
}

// ---------------------------------------------------------------------------
// Start / Stop
// ---------------------------------------------------------------------------

func TestStart_SequentialPorts(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.addCloud(t, "alpha", password)
	f.addCloud(t, "beta", password)
	ctx := context.Background()

	p1, err := f.orch.Start(ctx, "alpha")
	require.NoError(t, err)
	p2, err := f.orch.Start(ctx, "beta")
	require.NoError(t, err)

	assert.Equal(t, f.base, p1)
	assert.Equal(t, f.base+1, p2)
	assert.True(t, f.orch.IsRunning("alpha"))
	assert.True(t, f.orch.IsAnyRunning())
	assert.Equal(t, map[string]int{"alpha": p1, "beta": p2}, f.orch.Running())

	port, ok := f.orch.Port("beta")
	require.True(t, ok)
	assert.Equal(t, p2, port)

	url, ok := f.orch.ServerURL("alpha")
	require.True(t, ok)
	assert.Equal(t, "http://127.0.0.1:"+strconv.Itoa(p1), url)

	infos := f.orch.Instances()
	require.Len(t, infos, 2)
	assert.Equal(t, "alpha", infos[0].Name)
	assert.Equal(t, "running", infos[0].State)

	assert.Equal(t, http.StatusUnauthorized, getIndex(t, p1, ""))
	token := login(t, p1, password)
	assert.Equal(t, http.StatusOK, getIndex(t, p1, token))

	// A token for one cloud is useless on another.
	assert.Equal(t, http.StatusUnauthorized, getIndex(t, p2, token))
}

func TestStart_Errors(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.addCloud(t, "alpha", password)
	f.addCloud(t, "nopass", "")
	ctx := context.Background()

	_, err := f.orch.Start(ctx, "ghost")
	require.ErrorIs(t, err, domain.ErrNotFound)

	_, err = f.orch.Start(ctx, "nopass")
	require.ErrorIs(t, err, domain.ErrValidation)
	assert.False(t, f.orch.IsRunning("nopass"))

	port, err := f.orch.Start(ctx, "alpha")
	require.NoError(t, err)
	assert.Equal(t, f.base, port, "a rejected start must not consume a port")

	_, err = f.orch.Start(ctx, "alpha")
	require.ErrorIs(t, err, domain.ErrAlreadyRunning)
}

func TestStart_MissingFolderRollsBackPort(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.orch.AddFolder(ctx, domain.Folder{Name: "gone", Path: filepath.Join(t.TempDir(), "missing")}))
	_, err := f.orch.CreateCloud(ctx, "broken", []string{"gone"}, password)
	require.NoError(t, err)
	f.addCloud(t, "alpha", password)

	_, err = f.orch.Start(ctx, "broken")
	require.ErrorIs(t, err, domain.ErrValidation)
	assert.False(t, f.orch.IsRunning("broken"))

	port, err := f.orch.Start(ctx, "alpha")
	require.NoError(t, err)
	assert.Equal(t, f.base, port)
}

func TestStart_BindFailureSkipsPort(t *testing.T) {
	t.Parallel()

	busy, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = busy.Close() })
	base := busy.Addr().(*net.TCPAddr).Port

	f := newFixtureAt(t, base, nil)
	f.addCloud(t, "alpha", password)
	ctx := context.Background()

	_, err = f.orch.Start(ctx, "alpha")
	require.ErrorIs(t, err, domain.ErrBindFailure)
	assert.False(t, f.orch.IsRunning("alpha"))

	port, err := f.orch.Start(ctx, "alpha")
	require.NoError(t, err)
	assert.Equal(t, base+1, port)
}

func TestStop(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.addCloud(t, "alpha", password)
	ctx := context.Background()

	port, err := f.orch.Start(ctx, "alpha")
	require.NoError(t, err)

	require.NoError(t, f.orch.Stop(ctx, "alpha"))
	assert.False(t, f.orch.IsRunning("alpha"))
	assert.False(t, f.orch.IsAnyRunning())

	_, ok := f.orch.Port("alpha")
	assert.False(t, ok)

	// The port is released once Stop returns.
	ln, err := net.Listen("tcp", "127.0.0.1:"+strconv.Itoa(port))
	require.NoError(t, err)
	require.NoError(t, ln.Close())

	err = f.orch.Stop(ctx, "alpha")
	require.ErrorIs(t, err, domain.ErrNotRunning)
}

func TestStopAll_ResetsPorts(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.addCloud(t, "alpha", password)
	f.addCloud(t, "beta", password)
	ctx := context.Background()

	_, err := f.orch.Start(ctx, "alpha")
	require.NoError(t, err)
	_, err = f.orch.Start(ctx, "beta")
	require.NoError(t, err)

	f.orch.StopAll(ctx)
	assert.False(t, f.orch.IsAnyRunning())
	assert.Empty(t, f.orch.Running())

	port, err := f.orch.Start(ctx, "beta")
	require.NoError(t, err)
	assert.Equal(t, f.base, port)
}

func TestStart_ZeroOptionsIssueUsableTokens(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	ctx := context.Background()
	reg, err := registry.Open(ctx, tomlfile.New(filepath.Join(dir, tomlfile.DefaultFileName)))
	require.NoError(t, err)
	require.NoError(t, reg.AddFolder(ctx, domain.Folder{Name: "docs", Path: dir}))

	o := orchestrator.New(reg, orchestrator.Options{BasePort: freePort(t), Host: "127.0.0.1"})
	t.Cleanup(func() { o.StopAll(context.Background()) })

	_, err = o.CreateCloud(ctx, "family", []string{"docs"}, password)
	require.NoError(t, err)
	port, err := o.Start(ctx, "family")
	require.NoError(t, err)

	token := login(t, port, password)
	// Expiry has whole-second resolution.
	time.Sleep(1100 * time.Millisecond)
	assert.Equal(t, http.StatusOK, getIndex(t, port, token))
}

func TestStopAll_ConcurrentStartDoesNotReuseBoundPort(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.addCloud(t, "alpha", password)
	f.addCloud(t, "beta", password)
	f.addCloud(t, "gamma", password)
	ctx := context.Background()

	_, err := f.orch.Start(ctx, "alpha")
	require.NoError(t, err)
	_, err = f.orch.Start(ctx, "beta")
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		defer close(done)
		f.orch.StopAll(ctx)
	}()

	// gamma may land before or after the snapshot; either way it must not
	// be handed a port an old instance still holds.
	_, err = f.orch.Start(ctx, "gamma")
	require.NoError(t, err)
	<-done

	f.orch.StopAll(ctx)
	port, err := f.orch.Start(ctx, "alpha")
	require.NoError(t, err)
	assert.Equal(t, f.base, port)
}

// ---------------------------------------------------------------------------
// ReloadConfig
// ---------------------------------------------------------------------------

func TestReloadConfig_StopsRemovedRestartsSurvivors(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.addCloud(t, "alpha", password)
	f.addCloud(t, "beta", password)
	ctx := context.Background()

	first, err := f.orch.Start(ctx, "alpha")
	require.NoError(t, err)
	_, err = f.orch.Start(ctx, "beta")
	require.NoError(t, err)

	// Drop beta out of band.
	snap, err := f.store.Load(ctx)
	require.NoError(t, err)
	kept := snap.Clouds[:0]
	for _, c := range snap.Clouds {
		if c.Name != "beta" {
			kept = append(kept, c)
		}
	}
	snap.Clouds = kept
	require.NoError(t, tomlfile.New(f.store.Path()).Save(ctx, snap))

	require.NoError(t, f.orch.ReloadConfig(ctx))

	assert.False(t, f.orch.IsRunning("beta"))
	assert.True(t, f.orch.IsRunning("alpha"))

	port, ok := f.orch.Port("alpha")
	require.True(t, ok)
	assert.NotEqual(t, first, port, "survivors are restarted on a fresh port")

	_, err = f.orch.Cloud("beta")
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestReloadConfig_LoadFailure(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.addCloud(t, "alpha", password)
	ctx := context.Background()

	_, err := f.orch.Start(ctx, "alpha")
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(f.store.Path(), []byte("clouds = [[[ not toml"), 0o600))

	err = f.orch.ReloadConfig(ctx)
	require.ErrorIs(t, err, domain.ErrConfiguration)
	assert.True(t, f.orch.IsRunning("alpha"))

	_, err = f.orch.Cloud("alpha")
	require.NoError(t, err)
}

// ---------------------------------------------------------------------------
// Passwords
// ---------------------------------------------------------------------------

func TestSetPassword_RevokesLiveTokens(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.addCloud(t, "alpha", password)
	ctx := context.Background()

	port, err := f.orch.Start(ctx, "alpha")
	require.NoError(t, err)
	token := login(t, port, password)
	require.Equal(t, http.StatusOK, getIndex(t, port, token))

	require.NoError(t, f.orch.SetPassword(ctx, "alpha", "battery-staple"))

	assert.Equal(t, http.StatusUnauthorized, getIndex(t, port, token))
	assert.True(t, f.orch.VerifyPassword("alpha", "battery-staple"))
	assert.False(t, f.orch.VerifyPassword("alpha", password))

	fresh := login(t, port, "battery-staple")
	assert.Equal(t, http.StatusOK, getIndex(t, port, fresh))
}

func TestSetPassword_Errors(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.addCloud(t, "alpha", "")
	ctx := context.Background()

	require.ErrorIs(t, f.orch.SetPassword(ctx, "ghost", password), domain.ErrNotFound)
	require.ErrorIs(t, f.orch.SetPassword(ctx, "alpha", "short"), domain.ErrValidation)

	require.NoError(t, f.orch.SetPassword(ctx, "alpha", password))
	assert.True(t, f.orch.VerifyPassword("alpha", password))
	assert.False(t, f.orch.VerifyPassword("ghost", password))
}

// ---------------------------------------------------------------------------
// Cloud definitions
// ---------------------------------------------------------------------------

func TestCreateCloud(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()

	c, err := f.orch.CreateCloud(ctx, "family", []string{"docs"}, password)
	require.NoError(t, err)
	assert.True(t, c.HasPassword())
	assert.NotEmpty(t, c.JWTSecret)
	require.Len(t, c.Folders, 1)
	assert.Equal(t, "docs", c.Folders[0].Name)

	_, err = f.orch.CreateCloud(ctx, "family", []string{"docs"}, "")
	require.ErrorIs(t, err, domain.ErrConflict)

	_, err = f.orch.CreateCloud(ctx, "other", []string{"nope"}, "")
	require.ErrorIs(t, err, domain.ErrNotFound)

	_, err = f.orch.CreateCloud(ctx, "empty", nil, "")
	require.ErrorIs(t, err, domain.ErrValidation)

	_, err = f.orch.CreateCloud(ctx, "weak", []string{"docs"}, "short")
	require.ErrorIs(t, err, domain.ErrValidation)
}

func TestEditCloud_KeepsCredentials(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	original, err := f.orch.CreateCloud(ctx, "family", []string{"docs"}, password)
	require.NoError(t, err)

	require.NoError(t, f.orch.AddFolder(ctx, domain.Folder{Name: "photos", Path: t.TempDir()}))

	edited, err := f.orch.EditCloud(ctx, "family", "relatives", []string{"docs", "photos"})
	require.NoError(t, err)
	assert.Equal(t, "relatives", edited.Name)
	assert.Len(t, edited.Folders, 2)
	assert.Equal(t, original.JWTSecret, edited.JWTSecret)
	assert.True(t, f.orch.VerifyPassword("relatives", password))

	_, err = f.orch.Cloud("family")
	require.ErrorIs(t, err, domain.ErrNotFound)

	_, err = f.orch.EditCloud(ctx, "ghost", "x", []string{"docs"})
	require.ErrorIs(t, err, domain.ErrNotFound)
}

// ---------------------------------------------------------------------------
// Debug logs
// ---------------------------------------------------------------------------

func TestDebugLogs(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.addCloud(t, "alpha", password)
	ctx := context.Background()

	assert.Empty(t, f.orch.DebugLogs("alpha"))
	_, _, err := f.orch.SubscribeLogs("alpha", 8)
	require.ErrorIs(t, err, domain.ErrNotRunning)

	port, err := f.orch.Start(ctx, "alpha")
	require.NoError(t, err)

	history := f.orch.DebugLogs("alpha")
	require.NotEmpty(t, history)
	assert.Equal(t, "server", history[0].Source)

	entries, cancel, err := f.orch.SubscribeLogs("alpha", 16)
	require.NoError(t, err)
	defer cancel()

	getIndex(t, port, "")

	select {
	case e := <-entries:
		assert.Equal(t, "http", e.Source)
		assert.Contains(t, e.Message, "GET /api")
	case <-time.After(5 * time.Second):
		t.Fatal("no live entry received")
	}

	require.NoError(t, f.orch.Stop(ctx, "alpha"))

	// The subscription ends with the instance.
	deadline := time.After(5 * time.Second)
	for {
		select {
		case _, ok := <-entries:
			if !ok {
				assert.Empty(t, f.orch.DebugLogs("alpha"))
				return
			}
		case <-deadline:
			t.Fatal("subscription not closed after stop")
		}
	}
}

func TestPublisher_ForwardsLogsAndLifecycle(t *testing.T) {
	t.Parallel()

	pub := &recordingPublisher{}
	f := newFixtureAt(t, freePort(t), pub)
	f.addCloud(t, "alpha", password)
	ctx := context.Background()

	_, err := f.orch.Start(ctx, "alpha")
	require.NoError(t, err)
	require.NoError(t, f.orch.Stop(ctx, "alpha"))

	logs := pub.messages(redisstore.LogChannel("alpha"))
	require.NotEmpty(t, logs)
	var first debuglog.Entry
	require.NoError(t, json.Unmarshal(logs[0], &first))
	assert.Equal(t, "server", first.Source)

	events := pub.messages(redisstore.LifecycleChannel())
	require.Len(t, events, 2)

	var types []string
	for _, raw := range events {
		var evt struct {
			Type  string `json:"type"`
			Cloud string `json:"cloud"`
		}
		require.NoError(t, json.Unmarshal(raw, &evt))
		assert.Equal(t, "alpha", evt.Cloud)
		types = append(types, evt.Type)
	}
	assert.Equal(t, []string{"cloud_started", "cloud_stopped"}, types)
}
