package cloudserver

import (
	"errors"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/gosuda/cloudhost/internal/domain"
	"github.com/gosuda/cloudhost/internal/sandbox"
	"github.com/gosuda/cloudhost/internal/server/middleware"
)

// writeError maps err onto a status and a fixed message. Messages never
// include server-side paths.
func writeError(w http.ResponseWriter, logger zerolog.Logger, err error) {
	var tooLarge *http.MaxBytesError

	switch {
	case errors.As(err, &tooLarge):
		middleware.WriteError(w, http.StatusRequestEntityTooLarge, "PAYLOAD_TOO_LARGE", "upload exceeds the size limit")
	case errors.Is(err, sandbox.ErrEscape), errors.Is(err, domain.ErrForbidden):
		middleware.WriteError(w, http.StatusForbidden, "FORBIDDEN", "path is outside the cloud folder")
	case errors.Is(err, sandbox.ErrNotFound), errors.Is(err, domain.ErrNotFound):
		middleware.WriteError(w, http.StatusNotFound, "NOT_FOUND", "file or folder not found")
	case errors.Is(err, sandbox.ErrNotADirectory):
		middleware.WriteError(w, http.StatusBadRequest, "NOT_A_DIRECTORY", "target is not a directory")
	case errors.Is(err, sandbox.ErrIsADirectory):
		middleware.WriteError(w, http.StatusBadRequest, "IS_A_DIRECTORY", "target is a directory")
	case errors.Is(err, domain.ErrValidation):
		middleware.WriteError(w, http.StatusBadRequest, "BAD_REQUEST", validationMessage(err))
	case errors.Is(err, domain.ErrUnauthorized):
		middleware.WriteError(w, http.StatusUnauthorized, "UNAUTHORIZED", "invalid password")
	case errors.Is(err, domain.ErrConflict):
		middleware.WriteError(w, http.StatusConflict, "CONFLICT", "resource already exists")
	default:
		logger.Error().Err(err).Msg("request failed")
		middleware.WriteError(w, http.StatusInternalServerError, "INTERNAL", "internal server error")
	}
}

// validationMessage keeps only the text after the sentinel so callers see
// "no file in request" rather than the wrapped chain.
func validationMessage(err error) string {
	msg := err.Error()
	if i := strings.LastIndex(msg, domain.ErrValidation.Error()+": "); i >= 0 {
		return msg[i+len(domain.ErrValidation.Error())+2:]
	}
	return "invalid request"
}

// pathParam returns a decoded chi URL parameter. chi matches on RawPath
// when the request carried escapes such as %2F.
func pathParam(r *http.Request, key string) string {
	v := chi.URLParam(r, key)
	if r.URL.RawPath == "" {
		return v
	}
	if decoded, err := url.PathUnescape(v); err == nil {
		return decoded
	}
	return v
}

// escapePath percent-encodes each segment of a slash-separated path.
func escapePath(p string) string {
	segs := strings.Split(p, "/")
	for i, s := range segs {
		segs[i] = url.PathEscape(s)
	}
	return strings.Join(segs, "/")
}
