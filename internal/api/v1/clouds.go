package v1

import (
	"context"
	"net/http"
	"time"

	"github.com/danielgtaylor/huma/v2"

	"github.com/gosuda/cloudhost/internal/domain"
)

// CloudView is the public shape of a cloud. Secrets and hashes never leave
// the process.
type CloudView struct {
	Name              string          `json:"name"`
	Folders           []domain.Folder `json:"cloud_folders"`
	HasPassword       bool            `json:"has_password"`
	PasswordChangedAt *time.Time      `json:"password_changed_at,omitempty"`
	Running           bool            `json:"running"`
	Port              int             `json:"port,omitempty"`
	URL               string          `json:"url,omitempty"`
}

type ListCloudsInput struct{}

type ListCloudsOutput struct {
	Body []CloudView
}

type CreateCloudInput struct {
	Body struct {
		Name     string   `json:"name" minLength:"1" maxLength:"100" doc:"Cloud name"`
		Folders  []string `json:"folders" minItems:"1" doc:"Names of registered folders to share"`
		Password string   `json:"password,omitempty" doc:"Initial password; the cloud cannot start without one"`
	}
}

type CloudOutput struct {
	Body CloudView
}

type GetCloudInput struct {
	Name string `path:"name" doc:"Cloud name"`
}

type UpdateCloudInput struct {
	Name string `path:"name" doc:"Current cloud name"`
	Body struct {
		Name    string   `json:"name" minLength:"1" maxLength:"100" doc:"New cloud name"`
		Folders []string `json:"folders" minItems:"1" doc:"Names of registered folders to share"`
	}
}

type DeleteCloudInput struct {
	Name string `path:"name" doc:"Cloud name"`
}

type SetPasswordInput struct {
	Name string `path:"name" doc:"Cloud name"`
	Body struct {
		Password string `json:"password" doc:"New password"`
	}
}

func newCloudView(c domain.Cloud, orch CloudOrchestrator) CloudView {
	v := CloudView{
		Name:              c.Name,
		Folders:           c.Folders,
		HasPassword:       c.HasPassword(),
		PasswordChangedAt: c.PasswordChangedAt,
	}
	if v.Folders == nil {
		v.Folders = []domain.Folder{}
	}
	if port, ok := orch.Port(c.Name); ok {
		v.Running = true
		v.Port = port
		v.URL, _ = orch.ServerURL(c.Name)
	}
	return v
}

// RegisterCloudRoutes registers cloud definition management. Changes to a
// running cloud take effect on its next start.
func RegisterCloudRoutes(api huma.API, orch CloudOrchestrator) {
	huma.Register(api, huma.Operation{
		OperationID: "list-clouds",
		Method:      http.MethodGet,
		Path:        "/clouds",
		Summary:     "List clouds",
		Tags:        []string{"Clouds"},
	}, func(_ context.Context, _ *ListCloudsInput) (*ListCloudsOutput, error) {
		clouds := orch.Clouds()
		views := make([]CloudView, 0, len(clouds))
		for _, c := range clouds {
			views = append(views, newCloudView(c, orch))
		}
		return &ListCloudsOutput{Body: views}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "create-cloud",
		Method:        http.MethodPost,
		Path:          "/clouds",
		Summary:       "Define a cloud over registered folders",
		Tags:          []string{"Clouds"},
		DefaultStatus: http.StatusCreated,
	}, func(ctx context.Context, input *CreateCloudInput) (*CloudOutput, error) {
		c, err := orch.CreateCloud(ctx, input.Body.Name, input.Body.Folders, input.Body.Password)
		if err != nil {
			return nil, toHumaError(err, "cloud or folder")
		}
		return &CloudOutput{Body: newCloudView(c, orch)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-cloud",
		Method:      http.MethodGet,
		Path:        "/clouds/{name}",
		Summary:     "Get a cloud",
		Tags:        []string{"Clouds"},
	}, func(_ context.Context, input *GetCloudInput) (*CloudOutput, error) {
		c, err := orch.Cloud(input.Name)
		if err != nil {
			return nil, toHumaError(err, "cloud")
		}
		return &CloudOutput{Body: newCloudView(c, orch)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-cloud",
		Method:      http.MethodPut,
		Path:        "/clouds/{name}",
		Summary:     "Rename a cloud or change its folders",
		Tags:        []string{"Clouds"},
	}, func(ctx context.Context, input *UpdateCloudInput) (*CloudOutput, error) {
		c, err := orch.EditCloud(ctx, input.Name, input.Body.Name, input.Body.Folders)
		if err != nil {
			return nil, toHumaError(err, "cloud or folder")
		}
		return &CloudOutput{Body: newCloudView(c, orch)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-cloud",
		Method:      http.MethodDelete,
		Path:        "/clouds/{name}",
		Summary:     "Delete a cloud definition",
		Tags:        []string{"Clouds"},
	}, func(ctx context.Context, input *DeleteCloudInput) (*struct{}, error) {
		if err := orch.RemoveCloud(ctx, input.Name); err != nil {
			return nil, toHumaError(err, "cloud")
		}
		return nil, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "set-cloud-password",
		Method:      http.MethodPut,
		Path:        "/clouds/{name}/password",
		Summary:     "Set a cloud's password and revoke its sessions",
		Tags:        []string{"Clouds"},
	}, func(ctx context.Context, input *SetPasswordInput) (*struct{}, error) {
		if err := orch.SetPassword(ctx, input.Name, input.Body.Password); err != nil {
			return nil, toHumaError(err, "cloud")
		}
		return nil, nil
	})
}
