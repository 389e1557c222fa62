package v1

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"github.com/gosuda/cloudhost/internal/debuglog"
	"github.com/gosuda/cloudhost/internal/orchestrator"
)

type ListInstancesInput struct{}

type ListInstancesOutput struct {
	Body []orchestrator.InstanceInfo
}

type CloudNameInput struct {
	Name string `path:"name" doc:"Cloud name"`
}

type StartCloudOutput struct {
	Body struct {
		Name string `json:"name"`
		Port int    `json:"port"`
		URL  string `json:"url"`
	}
}

type CloudLogsInput struct {
	Name  string `path:"name" doc:"Cloud name"`
	Limit int    `query:"limit" minimum:"0" maximum:"1000" doc:"Return only the most recent entries; 0 returns the full history"`
}

type CloudLogsOutput struct {
	Body struct {
		Cloud   string           `json:"cloud"`
		Running bool             `json:"running"`
		Entries []debuglog.Entry `json:"entries"`
	}
}

type StopAllInput struct{}

type ReloadConfigInput struct{}

type ReloadConfigOutput struct {
	Body struct {
		Status  string                      `json:"status"`
		Running []orchestrator.InstanceInfo `json:"running"`
	}
}

func RegisterInstanceRoutes(api huma.API, orch CloudOrchestrator) {
	huma.Register(api, huma.Operation{
		OperationID: "list-instances",
		Method:      http.MethodGet,
		Path:        "/instances",
		Summary:     "List running clouds",
		Tags:        []string{"Instances"},
	}, func(_ context.Context, _ *ListInstancesInput) (*ListInstancesOutput, error) {
		infos := orch.Instances()
		if infos == nil {
			infos = []orchestrator.InstanceInfo{}
		}
		return &ListInstancesOutput{Body: infos}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "start-cloud",
		Method:      http.MethodPost,
		Path:        "/clouds/{name}/start",
		Summary:     "Start serving a cloud on the next free port",
		Tags:        []string{"Instances"},
	}, func(ctx context.Context, input *CloudNameInput) (*StartCloudOutput, error) {
		port, err := orch.Start(ctx, input.Name)
		if err != nil {
			return nil, toHumaError(err, "cloud")
		}

		out := &StartCloudOutput{}
		out.Body.Name = input.Name
		out.Body.Port = port
		out.Body.URL, _ = orch.ServerURL(input.Name)
		return out, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "stop-cloud",
		Method:      http.MethodPost,
		Path:        "/clouds/{name}/stop",
		Summary:     "Stop a running cloud",
		Tags:        []string{"Instances"},
	}, func(ctx context.Context, input *CloudNameInput) (*struct{}, error) {
		if err := orch.Stop(ctx, input.Name); err != nil {
			return nil, toHumaError(err, "cloud")
		}
		return nil, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-cloud-logs",
		Method:      http.MethodGet,
		Path:        "/clouds/{name}/logs",
		Summary:     "Get a running cloud's debug history",
		Tags:        []string{"Instances"},
	}, func(_ context.Context, input *CloudLogsInput) (*CloudLogsOutput, error) {
		if _, err := orch.Cloud(input.Name); err != nil {
			return nil, toHumaError(err, "cloud")
		}

		entries := orch.DebugLogs(input.Name)
		if input.Limit > 0 && len(entries) > input.Limit {
			entries = entries[len(entries)-input.Limit:]
		}
		if entries == nil {
			entries = []debuglog.Entry{}
		}

		out := &CloudLogsOutput{}
		out.Body.Cloud = input.Name
		_, out.Body.Running = orch.Port(input.Name)
		out.Body.Entries = entries
		return out, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "stop-all-clouds",
		Method:      http.MethodPost,
		Path:        "/instances/stop-all",
		Summary:     "Stop every running cloud",
		Tags:        []string{"Instances"},
	}, func(ctx context.Context, _ *StopAllInput) (*struct{}, error) {
		orch.StopAll(ctx)
		return nil, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "reload-config",
		Method:      http.MethodPost,
		Path:        "/config/reload",
		Summary:     "Re-read the configuration and restart running clouds",
		Tags:        []string{"Instances"},
	}, func(ctx context.Context, _ *ReloadConfigInput) (*ReloadConfigOutput, error) {
		if err := orch.ReloadConfig(ctx); err != nil {
			return nil, toHumaError(err, "configuration")
		}

		out := &ReloadConfigOutput{}
		out.Body.Status = "reloaded"
		out.Body.Running = orch.Instances()
		if out.Body.Running == nil {
			out.Body.Running = []orchestrator.InstanceInfo{}
		}
		return out, nil
	})
}
