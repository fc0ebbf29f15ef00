// Package auth implements the Duo bearer-token gate and the OAuth2
// authorization-code flow with PKCE.
package auth

import (
	"context"
	"strings"
	"time"
)

// Identity holds the claims of a caller whose bearer token passed
// introspection. It is derived per-request and never cached.
type Identity struct {
	Username    string
	DisplayName string
	Email       string
	ExpiresAt   time.Time
}

type ctxKey struct{}

// WithIdentity returns a context carrying the verified identity.
func WithIdentity(ctx context.Context, id *Identity) context.Context {
	return context.WithValue(ctx, ctxKey{}, id)
}

// IdentityFrom extracts the verified identity from the context, if any.
func IdentityFrom(ctx context.Context) (*Identity, bool) {
	id, ok := ctx.Value(ctxKey{}).(*Identity)
	return id, ok && id != nil
}

// BearerToken extracts the token from an "Authorization: Bearer <token>"
// header value. Returns false for absent or malformed headers.
func BearerToken(header string) (string, bool) {
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return "", false
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, prefix))
	if token == "" {
		return "", false
	}
	return token, true
}
