package server

import (
	"github.com/danielgtaylor/huma/v2"
	"github.com/go-chi/chi/v5"

	v1 "github.com/gosuda/cloudhost/internal/api/v1"
	"github.com/gosuda/cloudhost/internal/api/ws"
)

func registerAPIRoutes(api huma.API, orchestrator v1.CloudOrchestrator) {
	v1.RegisterFolderRoutes(api, orchestrator)
	v1.RegisterCloudRoutes(api, orchestrator)
	v1.RegisterInstanceRoutes(api, orchestrator)
}

func registerWSRoutes(r chi.Router, hub *ws.Hub) {
	r.Get("/clouds/{name}/logs", hub.ServeLogs)
}
