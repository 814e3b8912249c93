package rbac

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"veyra.id/internal/audit"
	"veyra.id/internal/identity"
	"veyra.id/internal/ids"
	"veyra.id/internal/obs"
	"veyra.id/internal/policy"
)

// SnapshotPusher ships the authorization dataset to the policy
// evaluator after catalog mutations.
type SnapshotPusher interface {
	PushSnapshot(ctx context.Context, snap policy.Snapshot) error
}

// DecisionCache is the slice of the authorizer the admin needs for
// invalidation.
type DecisionCache interface {
	InvalidateSubject(subjectID string)
	InvalidateAll()
}

// Auditor records catalog mutations.
type Auditor interface {
	Submit(ev audit.Event)
}

// Admin mutates the role catalog and scoped grants. Every mutation
// invalidates affected cached decisions and pushes a fresh policy
// snapshot; the push is best effort and never fails the mutation.
type Admin struct {
	store    identity.Store
	resolver *Resolver
	pusher   SnapshotPusher
	cache    DecisionCache
	auditor  Auditor
	now      func() time.Time
}

// AdminOption configures an Admin.
type AdminOption func(*Admin)

// WithAdminClock overrides the time source, for tests.
func WithAdminClock(fn func() time.Time) AdminOption {
	return func(a *Admin) {
		if fn != nil {
			a.now = fn
		}
	}
}

// NewAdmin constructs an Admin. pusher, cache and auditor may be nil in
// tests; the corresponding side effects are skipped.
func NewAdmin(store identity.Store, pusher SnapshotPusher, cache DecisionCache, auditor Auditor, opts ...AdminOption) *Admin {
	a := &Admin{
		store:    store,
		resolver: NewResolver(store),
		pusher:   pusher,
		cache:    cache,
		auditor:  auditor,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// CreateRole adds a role to the catalog. Names are unique; a duplicate
// reports identity.ErrConflict. The parent, when set, must exist.
func (a *Admin) CreateRole(ctx context.Context, actorID, name string, priority int, parentID *string) (*identity.Role, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, fmt.Errorf("%w: role name is required", identity.ErrInvalidInput)
	}

	roles := a.store.Roles(ctx)
	if existing, err := roles.FindByName(ctx, name); err != nil {
		return nil, err
	} else if existing != nil {
		return nil, fmt.Errorf("%w: role %q exists", identity.ErrConflict, name)
	}
	if parentID != nil {
		parent, err := roles.Find(ctx, *parentID)
		if err != nil {
			return nil, err
		}
		if parent == nil {
			return nil, fmt.Errorf("%w: parent role %s", identity.ErrNotFound, *parentID)
		}
	}

	now := a.now().UTC()
	role := &identity.Role{
		ID:        ids.New(),
		Name:      name,
		Priority:  priority,
		ParentID:  parentID,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := roles.Create(ctx, role); err != nil {
		return nil, err
	}

	a.afterCatalogChange(ctx, actorID, "role.create", role.ID, "", roleJSON(role))
	return role, nil
}

// UpdateRole changes a role's name, priority or parent. System roles
// are immutable. Re-parenting that would close a cycle is rejected.
func (a *Admin) UpdateRole(ctx context.Context, actorID, roleID, name string, priority int, parentID *string) (*identity.Role, error) {
	roles := a.store.Roles(ctx)
	role, err := roles.Find(ctx, roleID)
	if err != nil {
		return nil, err
	}
	if role == nil {
		return nil, fmt.Errorf("%w: role %s", identity.ErrNotFound, roleID)
	}
	if role.IsSystem {
		return nil, identity.ErrSystemRole
	}

	name = strings.TrimSpace(name)
	if name == "" {
		return nil, fmt.Errorf("%w: role name is required", identity.ErrInvalidInput)
	}
	if other, err := roles.FindByName(ctx, name); err != nil {
		return nil, err
	} else if other != nil && other.ID != role.ID {
		return nil, fmt.Errorf("%w: role %q exists", identity.ErrConflict, name)
	}

	if parentID != nil {
		if err := a.checkNoCycle(ctx, role.ID, *parentID); err != nil {
			return nil, err
		}
	}

	before := roleJSON(role)
	role.Name = name
	role.Priority = priority
	role.ParentID = parentID
	role.UpdatedAt = a.now().UTC()
	if err := roles.Update(ctx, role); err != nil {
		return nil, err
	}

	a.afterCatalogChange(ctx, actorID, "role.update", role.ID, before, roleJSON(role))
	return role, nil
}

// DeleteRole removes a non-system role from the catalog. Grants that
// reference it stop resolving.
func (a *Admin) DeleteRole(ctx context.Context, actorID, roleID string) error {
	roles := a.store.Roles(ctx)
	role, err := roles.Find(ctx, roleID)
	if err != nil {
		return err
	}
	if role == nil {
		return fmt.Errorf("%w: role %s", identity.ErrNotFound, roleID)
	}
	if role.IsSystem {
		return identity.ErrSystemRole
	}
	if err := roles.Delete(ctx, roleID); err != nil {
		return err
	}

	a.afterCatalogChange(ctx, actorID, "role.delete", roleID, roleJSON(role), "")
	return nil
}

// ListRoles returns the full catalog ordered by priority.
func (a *Admin) ListRoles(ctx context.Context) ([]*identity.Role, error) {
	return a.store.Roles(ctx).List(ctx)
}

// Grant assigns a role to a user within a scope, optionally time-bound.
// An empty scope type defaults to the organization boundary.
func (a *Admin) Grant(ctx context.Context, actorID, userID, roleID, scope string, scopeType identity.ScopeType, expiresAt *time.Time) (*identity.RoleGrant, error) {
	if scopeType == "" {
		scopeType = identity.ScopeOrganization
	}
	if !scopeType.Valid() {
		return nil, fmt.Errorf("%w: scope type %q", identity.ErrInvalidInput, scopeType)
	}
	user, err := a.store.Users(ctx).FindByID(ctx, userID)
	if err != nil {
		return nil, err
	}
	if user == nil || user.DeletedAt != nil {
		return nil, fmt.Errorf("%w: user %s", identity.ErrNotFound, userID)
	}
	role, err := a.store.Roles(ctx).Find(ctx, roleID)
	if err != nil {
		return nil, err
	}
	if role == nil {
		return nil, fmt.Errorf("%w: role %s", identity.ErrNotFound, roleID)
	}

	grant := &identity.RoleGrant{
		UserID:    userID,
		RoleID:    roleID,
		Scope:     scope,
		ScopeType: scopeType,
		GrantedAt: a.now().UTC(),
		GrantedBy: actorID,
		ExpiresAt: expiresAt,
	}
	if err := a.store.Grants(ctx).Create(ctx, grant); err != nil {
		return nil, err
	}

	if a.cache != nil {
		a.cache.InvalidateSubject(userID)
	}
	a.submit(audit.Event{
		ActorID:    actorID,
		Action:     "grant.create",
		EntityType: "role_grant",
		EntityID:   userID + ":" + roleID,
		NewValue:   role.Name,
		Metadata:   map[string]any{"scope": scope, "scope_type": string(scopeType)},
	})
	return grant, nil
}

// RevokeGrant revokes a user's grant of the given role.
func (a *Admin) RevokeGrant(ctx context.Context, actorID, userID, roleID string) error {
	if err := a.store.Grants(ctx).Revoke(ctx, userID, roleID, a.now().UTC()); err != nil {
		return err
	}
	if a.cache != nil {
		a.cache.InvalidateSubject(userID)
	}
	a.submit(audit.Event{
		ActorID:    actorID,
		Action:     "grant.revoke",
		EntityType: "role_grant",
		EntityID:   userID + ":" + roleID,
	})
	return nil
}

// PushSnapshot assembles and ships the current catalog to the policy
// evaluator.
func (a *Admin) PushSnapshot(ctx context.Context) error {
	if a.pusher == nil {
		return nil
	}
	roles, err := a.store.Roles(ctx).List(ctx)
	if err != nil {
		return err
	}
	perms, err := a.store.Permissions(ctx).List(ctx)
	if err != nil {
		return err
	}
	links, err := a.store.Permissions(ctx).RolePermissions(ctx)
	if err != nil {
		return err
	}

	snap := policy.Snapshot{
		Roles:           make([]identity.Role, 0, len(roles)),
		Permissions:     make([]identity.Permission, 0, len(perms)),
		RolePermissions: make([]identity.RolePermission, 0, len(links)),
	}
	for _, r := range roles {
		snap.Roles = append(snap.Roles, *r)
	}
	for _, p := range perms {
		snap.Permissions = append(snap.Permissions, *p)
	}
	for _, l := range links {
		snap.RolePermissions = append(snap.RolePermissions, *l)
	}
	return a.pusher.PushSnapshot(ctx, snap)
}

// checkNoCycle walks the parent chain from candidate upward and fails
// if it reaches roleID.
func (a *Admin) checkNoCycle(ctx context.Context, roleID, candidateParent string) error {
	if candidateParent == roleID {
		return identity.ErrRoleCycle
	}
	roles := a.store.Roles(ctx)
	cursor := candidateParent
	for i := 0; i < 64; i++ {
		role, err := roles.Find(ctx, cursor)
		if err != nil {
			return err
		}
		if role == nil {
			return fmt.Errorf("%w: parent role %s", identity.ErrNotFound, cursor)
		}
		if role.ParentID == nil {
			return nil
		}
		if *role.ParentID == roleID {
			return identity.ErrRoleCycle
		}
		cursor = *role.ParentID
	}
	return identity.ErrRoleCycle
}

// afterCatalogChange runs the common post-mutation side effects: a
// global cache flush, a best-effort snapshot push and an audit event.
func (a *Admin) afterCatalogChange(ctx context.Context, actorID, action, entityID, oldValue, newValue string) {
	if a.cache != nil {
		a.cache.InvalidateAll()
	}
	if err := a.PushSnapshot(ctx); err != nil {
		obs.LogEvent(map[string]any{
			"event": "policy.snapshot_push_failed",
			"error": err.Error(),
		})
	}
	a.submit(audit.Event{
		ActorID:    actorID,
		Action:     action,
		EntityType: "role",
		EntityID:   entityID,
		OldValue:   oldValue,
		NewValue:   newValue,
	})
}

func (a *Admin) submit(ev audit.Event) {
	if a.auditor != nil {
		a.auditor.Submit(ev)
	}
}

func roleJSON(role *identity.Role) string {
	b, err := json.Marshal(map[string]any{
		"name":     role.Name,
		"priority": role.Priority,
		"parent":   role.ParentID,
	})
	if err != nil {
		return ""
	}
	return string(b)
}
