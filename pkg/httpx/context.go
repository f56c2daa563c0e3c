package httpx

import (
	"context"

	"github.com/aussiebroadwan/sessionkit/pkg/jwtx"
)

type ctxKey string

const (
	CtxKeyUserID ctxKey = "user_id"
	CtxKeyRole   ctxKey = "role"
	CtxKeyClaims ctxKey = "claims"
)

func contextWithPrincipal(ctx context.Context, p Principal) context.Context {
	ctx = context.WithValue(ctx, CtxKeyUserID, p.UserID)
	ctx = context.WithValue(ctx, CtxKeyRole, p.Role)
	if p.Claims != nil {
		ctx = context.WithValue(ctx, CtxKeyClaims, *p.Claims)
	}
	return ctx
}

// UserIDFromContext returns the user the guard let through, if any.
func UserIDFromContext(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(CtxKeyUserID).(string)
	return v, ok && v != ""
}

// RoleFromContext returns the role the guard let through, if any.
func RoleFromContext(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(CtxKeyRole).(string)
	return v, ok && v != ""
}

// ClaimsFromContext returns the unverified claims the guard read, if any.
func ClaimsFromContext(ctx context.Context) (jwtx.Claims, bool) {
	v, ok := ctx.Value(CtxKeyClaims).(jwtx.Claims)
	return v, ok
}
