package domain

import "errors"

// Sentinel errors for the domain layer. Callers wrap them with context and
// transports map them onto status codes with errors.Is.
var (
	ErrValidation    = errors.New("domain: validation failed")
	ErrNotFound      = errors.New("domain: not found")
	ErrConflict      = errors.New("domain: conflict")
	ErrUnauthorized  = errors.New("domain: unauthorized")
	ErrForbidden     = errors.New("domain: forbidden")
	ErrConfiguration = errors.New("domain: configuration error")
	ErrInternal      = errors.New("domain: internal error")

	// Lifecycle errors raised by the orchestrator.
	ErrAlreadyRunning = errors.New("domain: cloud already running")
	ErrNotRunning     = errors.New("domain: cloud not running")
	ErrBindFailure    = errors.New("domain: failed to bind port")
)
