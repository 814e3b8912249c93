package identity

import (
	"context"
	"time"
)

// Store describes the persistence operations the identity core consumes.
type Store interface {
	Users(ctx context.Context) UserStore
	Roles(ctx context.Context) RoleStore
	Grants(ctx context.Context) GrantStore
	RefreshTokens(ctx context.Context) RefreshTokenStore
	Permissions(ctx context.Context) PermissionStore
}

// UserStore manages accounts. The credential lookups surface "not found" as a
// nil user with a nil error, never as an error.
type UserStore interface {
	FindByUsername(ctx context.Context, username string) (*User, error)
	FindByEmail(ctx context.Context, email string) (*User, error)
	FindByID(ctx context.Context, id string) (*User, error)
	Create(ctx context.Context, u *User) error
	SetMfaSecret(ctx context.Context, userID, secret string) error
	EnableMfa(ctx context.Context, userID string) error

	// RecordLoginFailure bumps the attempt counter atomically and, when the
	// new count reaches maxAttempts, sets the lockout in the same statement.
	// It returns whether the account is now locked.
	RecordLoginFailure(ctx context.Context, userID string, maxAttempts int, lockedUntil time.Time) (bool, error)

	// RecordLoginSuccess resets attempts, clears the lockout, restores ACTIVE
	// status, and stamps last_login_at.
	RecordLoginSuccess(ctx context.Context, userID string, at time.Time) error
}

// RoleStore manages the role catalog. Find and FindByName follow the same
// nil-on-missing convention as the user lookups.
type RoleStore interface {
	Create(ctx context.Context, role *Role) error
	Find(ctx context.Context, id string) (*Role, error)
	FindByName(ctx context.Context, name string) (*Role, error)
	List(ctx context.Context) ([]*Role, error)
	Update(ctx context.Context, role *Role) error
	Delete(ctx context.Context, id string) error
}

// GrantStore manages scoped role grants. GrantsForUser returns every grant on
// record; effectiveness filtering belongs to the resolver.
type GrantStore interface {
	Create(ctx context.Context, grant *RoleGrant) error
	GrantsForUser(ctx context.Context, userID string) ([]*RoleGrant, error)
	Revoke(ctx context.Context, userID, roleID string, at time.Time) error
}

// RefreshTokenStore persists hashed refresh tokens.
type RefreshTokenStore interface {
	Create(ctx context.Context, tok *RefreshToken) error
	FindByHash(ctx context.Context, tokenHash string) (*RefreshToken, error)

	// Rotate revokes the entry matching oldHash and inserts next as one unit.
	// When the old entry is already revoked, expired, or missing, nothing is
	// inserted and ErrTokenRevoked is returned: under concurrent rotation of
	// the same token exactly one caller wins.
	Rotate(ctx context.Context, oldHash string, next *RefreshToken) error

	Revoke(ctx context.Context, id string, at time.Time) error
	RevokeAllForUser(ctx context.Context, userID string, at time.Time) error
}

// PermissionStore exposes the catalog needed for policy snapshot pushes.
type PermissionStore interface {
	List(ctx context.Context) ([]*Permission, error)
	RolePermissions(ctx context.Context) ([]*RolePermission, error)
}
