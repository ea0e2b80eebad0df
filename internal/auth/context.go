package auth

import (
	"context"

	"github.com/haasonsaas/campusgate/internal/access"
)

// How an Identity was established.
const (
	MethodJWT       = "jwt"
	MethodAPIKey    = "api_key"
	MethodHeader    = "header"
	MethodAnonymous = "anonymous"
)

// Identity is the resolved caller of a request.
type Identity struct {
	UserID string
	Name   string
	Role   access.Role
	// VerifiedAllow is the allow-list from a verified credential; nil when
	// the credential declares none.
	VerifiedAllow []string
	// HeaderAllow is the allow-list from plain headers. Only header
	// identities carry one.
	HeaderAllow []string
	Method      string
}

// Verified reports whether the identity came from a checked credential.
func (i *Identity) Verified() bool {
	return i != nil && (i.Method == MethodJWT || i.Method == MethodAPIKey)
}

// Caller converts the identity for access decisions.
func (i *Identity) Caller() access.Caller {
	if i == nil {
		return access.Caller{Role: access.RoleStudent}
	}
	return access.Caller{
		ID:            i.UserID,
		Role:          i.Role,
		VerifiedAllow: i.VerifiedAllow,
		HeaderAllow:   i.HeaderAllow,
	}
}

type identityContextKey struct{}

// WithIdentity attaches an identity to the context.
func WithIdentity(ctx context.Context, id *Identity) context.Context {
	if id == nil {
		return ctx
	}
	return context.WithValue(ctx, identityContextKey{}, id)
}

// IdentityFromContext retrieves the identity from the context.
func IdentityFromContext(ctx context.Context) (*Identity, bool) {
	id, ok := ctx.Value(identityContextKey{}).(*Identity)
	return id, ok
}

// CallerFromContext returns the access caller for ctx, falling back to an
// anonymous caller with the most restrictive role.
func CallerFromContext(ctx context.Context) access.Caller {
	id, _ := IdentityFromContext(ctx)
	return id.Caller()
}
