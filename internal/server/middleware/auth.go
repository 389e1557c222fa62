package middleware

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/gosuda/cloudhost/internal/auth"
)

// AuthCookieName is the cookie a cloud's login sets and RequireToken reads.
const AuthCookieName = "auth_token"

// LoginURL is advertised to clients in 401 responses.
const LoginURL = "/api/login"

// TokenVerifier validates a bearer token for one cloud.
type TokenVerifier interface {
	VerifyToken(token string) (*auth.Claims, error)
}

// RequireToken accepts a token from the Authorization header or the
// auth_token cookie. The header is tried first; a bad header token does
// not block a good cookie.
func RequireToken(verifier TokenVerifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			for _, tok := range candidateTokens(r) {
				claims, err := verifier.VerifyToken(tok)
				if err != nil {
					log.Debug().Err(err).Str("path", r.URL.Path).Msg("middleware: token rejected")
					continue
				}
				ctx := context.WithValue(r.Context(), ContextKeyClaims, claims)
				next.ServeHTTP(w, r.WithContext(ctx))
				return
			}

			WriteJSON(w, http.StatusUnauthorized, map[string]string{
				"error":     "UNAUTHORIZED",
				"message":   "authentication required, provide a valid token",
				"login_url": LoginURL,
			})
		})
	}
}

// ControlToken guards the control API with a static bearer token. An empty
// token disables the check.
func ControlToken(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if token == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got := extractBearer(r)
			if got == "" || subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
				WriteError(w, http.StatusUnauthorized, "UNAUTHORIZED", "missing or invalid control token")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func candidateTokens(r *http.Request) []string {
	var out []string
	if tok := extractBearer(r); tok != "" {
		out = append(out, tok)
	}
	if c, err := r.Cookie(AuthCookieName); err == nil && c.Value != "" {
		out = append(out, c.Value)
	}
	return out
}

func extractBearer(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if len(auth) > 7 && strings.EqualFold(auth[:7], "bearer ") {
		return strings.TrimSpace(auth[7:])
	}
	return ""
}

// WriteError writes the {error, message} body used by every cloud route.
func WriteError(w http.ResponseWriter, status int, code, message string) {
	WriteJSON(w, status, map[string]string{"error": code, "message": message})
}

// WriteJSON encodes v with the given status.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Warn().Err(err).Msg("middleware: write json")
	}
}
