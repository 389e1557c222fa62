package v1

import (
	"context"

	"github.com/gosuda/cloudhost/internal/debuglog"
	"github.com/gosuda/cloudhost/internal/domain"
	"github.com/gosuda/cloudhost/internal/orchestrator"
)

// CloudOrchestrator abstracts registry and instance operations for handler
// testing. *orchestrator.Orchestrator satisfies this interface.
type CloudOrchestrator interface {
	Folders() []domain.Folder
	Folder(name string) (domain.Folder, error)
	AddFolder(ctx context.Context, f domain.Folder) error
	UpdateFolder(ctx context.Context, oldName string, f domain.Folder) error
	RemoveFolder(ctx context.Context, name string) error

	Clouds() []domain.Cloud
	Cloud(name string) (domain.Cloud, error)
	CreateCloud(ctx context.Context, name string, folderNames []string, password string) (domain.Cloud, error)
	EditCloud(ctx context.Context, oldName, newName string, folderNames []string) (domain.Cloud, error)
	RemoveCloud(ctx context.Context, name string) error
	SetPassword(ctx context.Context, name, password string) error

	Start(ctx context.Context, name string) (int, error)
	Stop(ctx context.Context, name string) error
	StopAll(ctx context.Context)
	ReloadConfig(ctx context.Context) error
	Port(name string) (int, bool)
	ServerURL(name string) (string, bool)
	Instances() []orchestrator.InstanceInfo
	DebugLogs(name string) []debuglog.Entry
}
