package v1_test

import (
	"context"
	"encoding/json"
	"strconv"
	"testing"

	"github.com/danielgtaylor/huma/v2/humatest"
	"github.com/stretchr/testify/require"

	v1 "github.com/gosuda/cloudhost/internal/api/v1"
	"github.com/gosuda/cloudhost/internal/debuglog"
	"github.com/gosuda/cloudhost/internal/domain"
	"github.com/gosuda/cloudhost/internal/orchestrator"
)

// ---------------------------------------------------------------------------
// Mock CloudOrchestrator
// ---------------------------------------------------------------------------

// mockOrchestrator answers only the calls a test wires up. Unset query
// funcs report empty results; unset mutation funcs panic so an unexpected
// call fails loudly.
type mockOrchestrator struct {
	foldersFunc      func() []domain.Folder
	folderFunc       func(name string) (domain.Folder, error)
	addFolderFunc    func(ctx context.Context, f domain.Folder) error
	updateFolderFunc func(ctx context.Context, oldName string, f domain.Folder) error
	removeFolderFunc func(ctx context.Context, name string) error

	cloudsFunc      func() []domain.Cloud
	cloudFunc       func(name string) (domain.Cloud, error)
	createCloudFunc func(ctx context.Context, name string, folderNames []string, password string) (domain.Cloud, error)
	editCloudFunc   func(ctx context.Context, oldName, newName string, folderNames []string) (domain.Cloud, error)
	removeCloudFunc func(ctx context.Context, name string) error
	setPasswordFunc func(ctx context.Context, name, password string) error

	startFunc     func(ctx context.Context, name string) (int, error)
	stopFunc      func(ctx context.Context, name string) error
	stopAllFunc   func(ctx context.Context)
	reloadFunc    func(ctx context.Context) error
	running       map[string]int
	instancesFunc func() []orchestrator.InstanceInfo
	debugLogsFunc func(name string) []debuglog.Entry
}

func (m *mockOrchestrator) Folders() []domain.Folder {
	if m.foldersFunc == nil {
		return nil
	}
	return m.foldersFunc()
}

func (m *mockOrchestrator) Folder(name string) (domain.Folder, error) {
	return m.folderFunc(name)
}

func (m *mockOrchestrator) AddFolder(ctx context.Context, f domain.Folder) error {
	return m.addFolderFunc(ctx, f)
}

func (m *mockOrchestrator) UpdateFolder(ctx context.Context, oldName string, f domain.Folder) error {
	return m.updateFolderFunc(ctx, oldName, f)
}

func (m *mockOrchestrator) RemoveFolder(ctx context.Context, name string) error {
	return m.removeFolderFunc(ctx, name)
}

func (m *mockOrchestrator) Clouds() []domain.Cloud {
	if m.cloudsFunc == nil {
		return nil
	}
	return m.cloudsFunc()
}

func (m *mockOrchestrator) Cloud(name string) (domain.Cloud, error) {
	return m.cloudFunc(name)
}

func (m *mockOrchestrator) CreateCloud(ctx context.Context, name string, folderNames []string, password string) (domain.Cloud, error) {
	return m.createCloudFunc(ctx, name, folderNames, password)
}

func (m *mockOrchestrator) EditCloud(ctx context.Context, oldName, newName string, folderNames []string) (domain.Cloud, error) {
	return m.editCloudFunc(ctx, oldName, newName, folderNames)
}

func (m *mockOrchestrator) RemoveCloud(ctx context.Context, name string) error {
	return m.removeCloudFunc(ctx, name)
}

func (m *mockOrchestrator) SetPassword(ctx context.Context, name, password string) error {
	return m.setPasswordFunc(ctx, name, password)
}

func (m *mockOrchestrator) Start(ctx context.Context, name string) (int, error) {
	return m.startFunc(ctx, name)
}

func (m *mockOrchestrator) Stop(ctx context.Context, name string) error {
	return m.stopFunc(ctx, name)
}

func (m *mockOrchestrator) StopAll(ctx context.Context) {
	m.stopAllFunc(ctx)
}

func (m *mockOrchestrator) ReloadConfig(ctx context.Context) error {
	return m.reloadFunc(ctx)
}

func (m *mockOrchestrator) Port(name string) (int, bool) {
	port, ok := m.running[name]
	return port, ok
}

func (m *mockOrchestrator) ServerURL(name string) (string, bool) {
	port, ok := m.running[name]
	if !ok {
		return "", false
	}
	return "http://localhost:" + strconv.Itoa(port), true
}

func (m *mockOrchestrator) Instances() []orchestrator.InstanceInfo {
	if m.instancesFunc == nil {
		return nil
	}
	return m.instancesFunc()
}

func (m *mockOrchestrator) DebugLogs(name string) []debuglog.Entry {
	if m.debugLogsFunc == nil {
		return nil
	}
	return m.debugLogsFunc(name)
}

// ---------------------------------------------------------------------------
// helpers
// ---------------------------------------------------------------------------

func newTestAPI(t *testing.T) (humatest.TestAPI, *mockOrchestrator) {
	t.Helper()

	_, api := humatest.New(t)
	orch := &mockOrchestrator{running: map[string]int{}}

	v1.RegisterFolderRoutes(api, orch)
	v1.RegisterCloudRoutes(api, orch)
	v1.RegisterInstanceRoutes(api, orch)

	return api, orch
}

// parseErrorBody decodes the RFC 9457 problem detail from the response body.
func parseErrorBody(t *testing.T, raw []byte) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(raw, &body))
	return body
}
