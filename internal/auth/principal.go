package auth

import (
	"context"
	"errors"
	"slices"
	"time"
)

// ErrUnauthenticated is returned when a request carries no valid credentials.
var ErrUnauthenticated = errors.New("not authenticated")

// Principal is the authenticated caller.
type Principal struct {
	ActorID         string    `json:"actor_id"`
	TenantID        string    `json:"tenant_id,omitempty"`
	Roles           []string  `json:"roles,omitempty"`
	AuthenticatedAt time.Time `json:"authenticated_at"`
}

// HasRole reports whether p holds role.
func (p *Principal) HasRole(role Role) bool {
	return p != nil && slices.Contains(p.Roles, string(role))
}

// Can reports whether any of p's roles grants perm.
func (p *Principal) Can(perm Permission) bool {
	if p == nil {
		return false
	}
	for _, r := range p.Roles {
		if HasRolePermission(Role(r), perm) {
			return true
		}
	}
	return false
}

type principalKey struct{}

// WithPrincipal returns a context carrying p.
func WithPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

// PrincipalFromContext returns the principal stored by WithPrincipal.
func PrincipalFromContext(ctx context.Context) (*Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(*Principal)
	return p, ok && p != nil
}
