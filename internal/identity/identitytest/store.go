// Package identitytest provides an in-memory identity.Store for tests.
// It honors the same contracts as the SQL implementation: nil-on-missing
// lookups, atomic failed-login counting, and single-winner rotation.
package identitytest

import (
	"context"
	"sync"
	"time"

	"veyra.id/internal/identity"
)

// Store is a concurrency-safe in-memory identity.Store.
type Store struct {
	mu sync.Mutex

	users       map[string]*identity.User
	roles       map[string]*identity.Role
	grants      []*identity.RoleGrant
	tokens      map[string]*identity.RefreshToken
	permissions []*identity.Permission
	rolePerms   []*identity.RolePermission
}

// NewStore returns an empty Store.
func NewStore() *Store {
	return &Store{
		users:  map[string]*identity.User{},
		roles:  map[string]*identity.Role{},
		tokens: map[string]*identity.RefreshToken{},
	}
}

var _ identity.Store = (*Store)(nil)

func (s *Store) Users(context.Context) identity.UserStore          { return (*userStore)(s) }
func (s *Store) Roles(context.Context) identity.RoleStore          { return (*roleStore)(s) }
func (s *Store) Grants(context.Context) identity.GrantStore        { return (*grantStore)(s) }
func (s *Store) RefreshTokens(context.Context) identity.RefreshTokenStore {
	return (*tokenStore)(s)
}
func (s *Store) Permissions(context.Context) identity.PermissionStore { return (*permStore)(s) }

// SeedUser inserts a user directly.
func (s *Store) SeedUser(u *identity.User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *u
	s.users[u.ID] = &cp
}

// SeedRole inserts a role directly.
func (s *Store) SeedRole(r *identity.Role) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *r
	s.roles[r.ID] = &cp
}

// SeedGrant inserts a grant directly.
func (s *Store) SeedGrant(g *identity.RoleGrant) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *g
	s.grants = append(s.grants, &cp)
}

// SeedPermission inserts a permission directly.
func (s *Store) SeedPermission(p *identity.Permission) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *p
	s.permissions = append(s.permissions, &cp)
}

// User returns a copy of the stored user, or nil.
func (s *Store) User(id string) *identity.User {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return nil
	}
	cp := *u
	return &cp
}

// ActiveTokens counts non-revoked refresh tokens for a user.
func (s *Store) ActiveTokens(userID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, tok := range s.tokens {
		if tok.UserID == userID && tok.RevokedAt == nil {
			n++
		}
	}
	return n
}

type userStore Store

func (s *userStore) find(match func(*identity.User) bool) *identity.User {
	for _, u := range s.users {
		if match(u) {
			cp := *u
			return &cp
		}
	}
	return nil
}

func (s *userStore) FindByUsername(_ context.Context, username string) (*identity.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.find(func(u *identity.User) bool { return u.Username == username }), nil
}

func (s *userStore) FindByEmail(_ context.Context, email string) (*identity.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.find(func(u *identity.User) bool { return u.Email == email }), nil
}

func (s *userStore) FindByID(_ context.Context, id string) (*identity.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return nil, nil
	}
	cp := *u
	return &cp, nil
}

func (s *userStore) Create(_ context.Context, u *identity.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[u.ID]; ok {
		return identity.ErrConflict
	}
	cp := *u
	s.users[u.ID] = &cp
	return nil
}

func (s *userStore) SetMfaSecret(_ context.Context, userID, secret string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[userID]
	if !ok {
		return identity.ErrNotFound
	}
	u.MfaSecret = secret
	return nil
}

func (s *userStore) EnableMfa(_ context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[userID]
	if !ok {
		return identity.ErrNotFound
	}
	u.MfaEnabled = true
	return nil
}

func (s *userStore) RecordLoginFailure(_ context.Context, userID string, maxAttempts int, lockedUntil time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[userID]
	if !ok {
		return false, identity.ErrNotFound
	}
	u.LoginAttempts++
	if u.LoginAttempts >= maxAttempts {
		u.LockedUntil = &lockedUntil
		u.Status = identity.StatusLocked
		return true, nil
	}
	return false, nil
}

func (s *userStore) RecordLoginSuccess(_ context.Context, userID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[userID]
	if !ok {
		return identity.ErrNotFound
	}
	u.LoginAttempts = 0
	u.LockedUntil = nil
	u.Status = identity.StatusActive
	u.LastLoginAt = &at
	return nil
}

type roleStore Store

func (s *roleStore) Create(_ context.Context, role *identity.Role) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.roles[role.ID]; ok {
		return identity.ErrConflict
	}
	cp := *role
	s.roles[role.ID] = &cp
	return nil
}

func (s *roleStore) Find(_ context.Context, id string) (*identity.Role, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.roles[id]
	if !ok {
		return nil, nil
	}
	cp := *r
	return &cp, nil
}

func (s *roleStore) FindByName(_ context.Context, name string) (*identity.Role, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.roles {
		if r.Name == name {
			cp := *r
			return &cp, nil
		}
	}
	return nil, nil
}

func (s *roleStore) List(_ context.Context) ([]*identity.Role, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*identity.Role, 0, len(s.roles))
	for _, r := range s.roles {
		cp := *r
		out = append(out, &cp)
	}
	return out, nil
}

func (s *roleStore) Update(_ context.Context, role *identity.Role) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.roles[role.ID]; !ok {
		return identity.ErrNotFound
	}
	cp := *role
	s.roles[role.ID] = &cp
	return nil
}

func (s *roleStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.roles[id]; !ok {
		return identity.ErrNotFound
	}
	delete(s.roles, id)
	return nil
}

type grantStore Store

func (s *grantStore) Create(_ context.Context, grant *identity.RoleGrant) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *grant
	s.grants = append(s.grants, &cp)
	return nil
}

func (s *grantStore) GrantsForUser(_ context.Context, userID string) ([]*identity.RoleGrant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*identity.RoleGrant
	for _, g := range s.grants {
		if g.UserID == userID {
			cp := *g
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *grantStore) Revoke(_ context.Context, userID, roleID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	found := false
	for _, g := range s.grants {
		if g.UserID == userID && g.RoleID == roleID && g.RevokedAt == nil {
			t := at
			g.RevokedAt = &t
			found = true
		}
	}
	if !found {
		return identity.ErrNotFound
	}
	return nil
}

type tokenStore Store

func (s *tokenStore) Create(_ context.Context, tok *identity.RefreshToken) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *tok
	s.tokens[tok.TokenHash] = &cp
	return nil
}

func (s *tokenStore) FindByHash(_ context.Context, hash string) (*identity.RefreshToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tok, ok := s.tokens[hash]
	if !ok {
		return nil, nil
	}
	cp := *tok
	return &cp, nil
}

func (s *tokenStore) Rotate(_ context.Context, oldHash string, next *identity.RefreshToken) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	old, ok := s.tokens[oldHash]
	if !ok || old.RevokedAt != nil || !old.ExpiresAt.After(time.Now()) {
		return identity.ErrTokenRevoked
	}
	at := time.Now()
	old.RevokedAt = &at
	cp := *next
	s.tokens[next.TokenHash] = &cp
	return nil
}

func (s *tokenStore) Revoke(_ context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, tok := range s.tokens {
		if tok.ID == id {
			t := at
			tok.RevokedAt = &t
			return nil
		}
	}
	return identity.ErrNotFound
}

func (s *tokenStore) RevokeAllForUser(_ context.Context, userID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, tok := range s.tokens {
		if tok.UserID == userID && tok.RevokedAt == nil {
			t := at
			tok.RevokedAt = &t
		}
	}
	return nil
}

type permStore Store

func (s *permStore) List(_ context.Context) ([]*identity.Permission, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*identity.Permission, 0, len(s.permissions))
	for _, p := range s.permissions {
		cp := *p
		out = append(out, &cp)
	}
	return out, nil
}

func (s *permStore) RolePermissions(_ context.Context) ([]*identity.RolePermission, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*identity.RolePermission, 0, len(s.rolePerms))
	for _, l := range s.rolePerms {
		cp := *l
		out = append(out, &cp)
	}
	return out, nil
}
