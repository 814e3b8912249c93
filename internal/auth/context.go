package auth

import "context"

// Principal is the authenticated caller derived from a validated access
// token.
type Principal struct {
	UserID       string
	Username     string
	Roles        []string
	RolePriority int
}

// HasRole reports whether the principal carries the named role.
func (p Principal) HasRole(name string) bool {
	for _, r := range p.Roles {
		if r == name {
			return true
		}
	}
	return false
}

type contextKey int

const principalKey contextKey = iota

// ContextWithPrincipal attaches the principal to the context.
func ContextWithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey, p)
}

// PrincipalFromContext extracts the principal set by the authn
// middleware.
func PrincipalFromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey).(Principal)
	return p, ok
}
