package middleware

import (
	"context"

	"github.com/gosuda/cloudhost/internal/auth"
)

type contextKey string

const (
	ContextKeyClaims contextKey = "claims"
)

func ClaimsFromContext(ctx context.Context) (*auth.Claims, bool) {
	v, ok := ctx.Value(ContextKeyClaims).(*auth.Claims)
	return v, ok && v != nil
}
