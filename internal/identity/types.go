package identity

import "time"

// UserStatus is the lifecycle state of an account.
type UserStatus string

const (
	StatusPending  UserStatus = "PENDING"
	StatusActive   UserStatus = "ACTIVE"
	StatusInactive UserStatus = "INACTIVE"
	StatusLocked   UserStatus = "LOCKED"
)

// ScopeType is the organizational boundary a role grant applies within.
type ScopeType string

const (
	ScopeOrganization ScopeType = "ORGANIZATION"
	ScopeDepartment   ScopeType = "DEPARTMENT"
	ScopeTeam         ScopeType = "TEAM"
	ScopeProject      ScopeType = "PROJECT"
)

// Valid reports whether t is one of the defined scope boundaries.
func (t ScopeType) Valid() bool {
	switch t {
	case ScopeOrganization, ScopeDepartment, ScopeTeam, ScopeProject:
		return true
	}
	return false
}

// User is an account as the credential store returns it. Accounts are never
// physically deleted; DeletedAt is the tombstone.
type User struct {
	ID            string
	Username      string
	Email         string
	PasswordHash  string
	Status        UserStatus
	MfaEnabled    bool
	MfaSecret     string
	LoginAttempts int
	LockedUntil   *time.Time
	LastLoginAt   *time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
	DeletedAt     *time.Time
}

// LockActive reports whether the account is under an unexpired lockout.
// The LOCKED status is only meaningful together with a future LockedUntil;
// the orchestrator, not the storage layer, keeps the two in sync.
func (u *User) LockActive(now time.Time) bool {
	return u.LockedUntil != nil && u.LockedUntil.After(now)
}

// Role groups capabilities. System roles are immutable. The hierarchy is a
// single-parent tree; cycles are rejected at write time.
type Role struct {
	ID        string
	Name      string
	Priority  int
	IsSystem  bool
	ParentID  *string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// RoleGrant assigns a role to a user inside a scope, optionally time-bound.
type RoleGrant struct {
	UserID    string
	RoleID    string
	Scope     string
	ScopeType ScopeType
	GrantedAt time.Time
	GrantedBy string
	ExpiresAt *time.Time
	RevokedAt *time.Time
}

// Effective reports whether the grant is neither revoked nor expired at now.
func (g *RoleGrant) Effective(now time.Time) bool {
	if g.RevokedAt != nil {
		return false
	}
	return g.ExpiresAt == nil || g.ExpiresAt.After(now)
}

// RefreshToken is the persisted ledger entry for one refresh token. TokenHash
// is the SHA-256 of the raw token; the raw value never reaches storage.
type RefreshToken struct {
	ID        string
	UserID    string
	TokenHash string
	ExpiresAt time.Time
	RevokedAt *time.Time
	IPAddress string
	UserAgent string
	CreatedAt time.Time
}

// Active reports whether the entry is non-revoked and unexpired at now.
func (t *RefreshToken) Active(now time.Time) bool {
	return t.RevokedAt == nil && t.ExpiresAt.After(now)
}

// Permission is a fine-grained capability key pushed to the policy evaluator.
type Permission struct {
	ID          string
	Key         string
	Description string
	CreatedAt   time.Time
}

// RolePermission links roles to permissions for snapshot pushes.
type RolePermission struct {
	RoleID       string
	PermissionID string
}

// TokenPair is what a completed login or refresh hands back to the caller.
type TokenPair struct {
	AccessToken      string
	RefreshToken     string
	AccessExpiresAt  time.Time
	RefreshExpiresAt time.Time
}

// LoginResult is the outcome of a login attempt. MFA being required is a
// successful outcome, not an error: the temporary token stands in for the
// access/refresh pair until the second factor is verified.
type LoginResult struct {
	TokenPair

	RequiresMfa    bool
	TemporaryToken string
}
