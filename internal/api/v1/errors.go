package v1

import (
	"errors"

	"github.com/danielgtaylor/huma/v2"

	"github.com/gosuda/cloudhost/internal/domain"
)

// toHumaError maps domain errors onto problem responses. what names the
// resource in client-facing messages, e.g. "cloud".
func toHumaError(err error, what string) error {
	switch {
	case errors.Is(err, domain.ErrValidation):
		return huma.Error400BadRequest(err.Error())
	case errors.Is(err, domain.ErrNotFound):
		return huma.Error404NotFound(what+" not found", err)
	case errors.Is(err, domain.ErrAlreadyRunning):
		return huma.Error409Conflict(what + " is already running")
	case errors.Is(err, domain.ErrNotRunning):
		return huma.Error409Conflict(what + " is not running")
	case errors.Is(err, domain.ErrConflict):
		return huma.Error409Conflict(what + " already exists")
	case errors.Is(err, domain.ErrBindFailure):
		return huma.Error500InternalServerError("failed to bind port", err)
	case errors.Is(err, domain.ErrConfiguration):
		return huma.Error500InternalServerError("failed to persist configuration", err)
	default:
		return huma.Error500InternalServerError("internal error", err)
	}
}
