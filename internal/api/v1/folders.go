package v1

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"github.com/gosuda/cloudhost/internal/domain"
)

type FolderBody struct {
	Name string `json:"name" minLength:"1" maxLength:"100" doc:"Folder name, unique across the registry"`
	Path string `json:"folder_path" minLength:"1" doc:"Absolute path of the shared directory"`
}

type ListFoldersInput struct{}

type ListFoldersOutput struct {
	Body []domain.Folder
}

type CreateFolderInput struct {
	Body FolderBody
}

type FolderOutput struct {
	Body domain.Folder
}

type GetFolderInput struct {
	Name string `path:"name" doc:"Folder name"`
}

type UpdateFolderInput struct {
	Name string `path:"name" doc:"Current folder name"`
	Body FolderBody
}

type DeleteFolderInput struct {
	Name string `path:"name" doc:"Folder name"`
}

// RegisterFolderRoutes registers the shared-folder catalogue. Editing a
// folder does not change clouds that already share it.
func RegisterFolderRoutes(api huma.API, orch CloudOrchestrator) {
	huma.Register(api, huma.Operation{
		OperationID: "list-folders",
		Method:      http.MethodGet,
		Path:        "/folders",
		Summary:     "List shared folders",
		Tags:        []string{"Folders"},
	}, func(_ context.Context, _ *ListFoldersInput) (*ListFoldersOutput, error) {
		folders := orch.Folders()
		if folders == nil {
			folders = []domain.Folder{}
		}
		return &ListFoldersOutput{Body: folders}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "create-folder",
		Method:        http.MethodPost,
		Path:          "/folders",
		Summary:       "Register a shared folder",
		Tags:          []string{"Folders"},
		DefaultStatus: http.StatusCreated,
	}, func(ctx context.Context, input *CreateFolderInput) (*FolderOutput, error) {
		f := domain.Folder{Name: input.Body.Name, Path: input.Body.Path}
		if err := orch.AddFolder(ctx, f); err != nil {
			return nil, toHumaError(err, "folder")
		}
		return &FolderOutput{Body: f}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-folder",
		Method:      http.MethodGet,
		Path:        "/folders/{name}",
		Summary:     "Get a shared folder",
		Tags:        []string{"Folders"},
	}, func(_ context.Context, input *GetFolderInput) (*FolderOutput, error) {
		f, err := orch.Folder(input.Name)
		if err != nil {
			return nil, toHumaError(err, "folder")
		}
		return &FolderOutput{Body: f}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-folder",
		Method:      http.MethodPut,
		Path:        "/folders/{name}",
		Summary:     "Rename or repoint a shared folder",
		Tags:        []string{"Folders"},
	}, func(ctx context.Context, input *UpdateFolderInput) (*FolderOutput, error) {
		f := domain.Folder{Name: input.Body.Name, Path: input.Body.Path}
		if err := orch.UpdateFolder(ctx, input.Name, f); err != nil {
			return nil, toHumaError(err, "folder")
		}
		return &FolderOutput{Body: f}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-folder",
		Method:      http.MethodDelete,
		Path:        "/folders/{name}",
		Summary:     "Remove a shared folder",
		Tags:        []string{"Folders"},
	}, func(ctx context.Context, input *DeleteFolderInput) (*struct{}, error) {
		if err := orch.RemoveFolder(ctx, input.Name); err != nil {
			return nil, toHumaError(err, "folder")
		}
		return nil, nil
	})
}
