// Package rbac resolves a user's effective roles from scoped grants and
// administers the role catalog.
package rbac

import (
	"context"
	"time"

	"veyra.id/internal/identity"
)

// Resolver computes the set of roles a user currently holds.
type Resolver struct {
	store identity.Store
	now   func() time.Time
}

// ResolverOption configures a Resolver.
type ResolverOption func(*Resolver)

// WithResolverClock overrides the time source, for tests.
func WithResolverClock(fn func() time.Time) ResolverOption {
	return func(r *Resolver) {
		if fn != nil {
			r.now = fn
		}
	}
}

// NewResolver constructs a Resolver over the given store.
func NewResolver(store identity.Store, opts ...ResolverOption) *Resolver {
	r := &Resolver{store: store, now: time.Now}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// EffectiveRoles returns the deduplicated roles behind the user's
// effective grants. Revoked and expired grants are skipped, as are
// grants whose role has been removed from the catalog.
func (r *Resolver) EffectiveRoles(ctx context.Context, userID string) ([]*identity.Role, error) {
	grants, err := r.store.Grants(ctx).GrantsForUser(ctx, userID)
	if err != nil {
		return nil, err
	}

	now := r.now()
	roles := r.store.Roles(ctx)
	seen := make(map[string]bool, len(grants))
	out := make([]*identity.Role, 0, len(grants))
	for _, grant := range grants {
		if !grant.Effective(now) || seen[grant.RoleID] {
			continue
		}
		seen[grant.RoleID] = true
		role, err := roles.Find(ctx, grant.RoleID)
		if err != nil {
			return nil, err
		}
		if role == nil {
			continue
		}
		out = append(out, role)
	}
	return out, nil
}
