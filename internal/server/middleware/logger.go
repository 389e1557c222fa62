package middleware

import (
	"net/http"
	"time"

	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
)

// RequestInfo summarises a finished request.
type RequestInfo struct {
	Method   string
	Path     string
	Status   int
	Bytes    int
	Duration time.Duration
	Remote   string
}

// RequestLogger logs each request through logger once it completes. If
// hook is non-nil it receives the same summary.
func RequestLogger(logger zerolog.Logger, hook func(RequestInfo)) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()

			defer func() {
				info := RequestInfo{
					Method:   r.Method,
					Path:     r.URL.Path,
					Status:   ww.Status(),
					Bytes:    ww.BytesWritten(),
					Duration: time.Since(start),
					Remote:   r.RemoteAddr,
				}
				if info.Status == 0 {
					info.Status = http.StatusOK
				}

				ev := logger.Debug()
				if info.Status >= http.StatusInternalServerError {
					ev = logger.Warn()
				}
				ev.Str("request_id", chimw.GetReqID(r.Context())).
					Str("method", info.Method).
					Str("path", info.Path).
					Int("status", info.Status).
					Int("bytes", info.Bytes).
					Dur("duration", info.Duration).
					Str("remote", info.Remote).
					Msg("http request")

				if hook != nil {
					hook(info)
				}
			}()

			next.ServeHTTP(ww, r)
		})
	}
}
