package pg

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"veyra.id/internal/identity"
)

type userStore struct {
	db *sql.DB
}

const userColumns = `id, username, email, password_hash, status, mfa_enabled, coalesce(mfa_secret, ''),
	login_attempts, locked_until, last_login_at, created_at, updated_at, deleted_at`

func (s *userStore) FindByUsername(ctx context.Context, username string) (*identity.User, error) {
	return s.findOne(ctx, `select `+userColumns+` from users where username=$1`, username)
}

func (s *userStore) FindByEmail(ctx context.Context, email string) (*identity.User, error) {
	return s.findOne(ctx, `select `+userColumns+` from users where email=$1`, email)
}

func (s *userStore) FindByID(ctx context.Context, id string) (*identity.User, error) {
	return s.findOne(ctx, `select `+userColumns+` from users where id=$1`, id)
}

func (s *userStore) findOne(ctx context.Context, query string, arg any) (*identity.User, error) {
	var u identity.User
	var lockedUntil, lastLoginAt, deletedAt sql.NullTime
	err := s.db.QueryRowContext(ctx, query, arg).Scan(
		&u.ID, &u.Username, &u.Email, &u.PasswordHash, &u.Status, &u.MfaEnabled, &u.MfaSecret,
		&u.LoginAttempts, &lockedUntil, &lastLoginAt, &u.CreatedAt, &u.UpdatedAt, &deletedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	u.LockedUntil = timePtr(lockedUntil)
	u.LastLoginAt = timePtr(lastLoginAt)
	u.DeletedAt = timePtr(deletedAt)
	return &u, nil
}

func (s *userStore) Create(ctx context.Context, u *identity.User) error {
	_, err := s.db.ExecContext(ctx, `
		insert into users(id, username, email, password_hash, status, mfa_enabled, mfa_secret,
			login_attempts, created_at, updated_at)
		values ($1,$2,$3,$4,$5,$6,$7,0,$8,$8)
	`, u.ID, u.Username, u.Email, u.PasswordHash, u.Status, u.MfaEnabled, nullString(u.MfaSecret), u.CreatedAt)
	return err
}

func (s *userStore) SetMfaSecret(ctx context.Context, userID, secret string) error {
	return s.exec(ctx, `
		update users set mfa_secret=$2, updated_at=now()
		where id=$1 and deleted_at is null
	`, userID, secret)
}

func (s *userStore) EnableMfa(ctx context.Context, userID string) error {
	return s.exec(ctx, `
		update users set mfa_enabled=true, updated_at=now()
		where id=$1 and deleted_at is null
	`, userID)
}

// RecordLoginFailure bumps login_attempts and applies the lockout in one
// statement; the returned flag reflects the post-increment count.
func (s *userStore) RecordLoginFailure(ctx context.Context, userID string, maxAttempts int, lockedUntil time.Time) (bool, error) {
	var locked bool
	err := s.db.QueryRowContext(ctx, `
		update users
		set login_attempts = login_attempts + 1,
			locked_until = case when login_attempts + 1 >= $2 then $3 else locked_until end,
			status = case when login_attempts + 1 >= $2 then 'LOCKED' else status end,
			updated_at = now()
		where id = $1 and deleted_at is null
		returning login_attempts >= $2
	`, userID, maxAttempts, lockedUntil).Scan(&locked)
	if errors.Is(err, sql.ErrNoRows) {
		return false, identity.ErrNotFound
	}
	if err != nil {
		return false, err
	}
	return locked, nil
}

func (s *userStore) RecordLoginSuccess(ctx context.Context, userID string, at time.Time) error {
	return s.exec(ctx, `
		update users
		set login_attempts = 0, locked_until = null, status = 'ACTIVE',
			last_login_at = $2, updated_at = now()
		where id = $1 and deleted_at is null
	`, userID, at)
}

func (s *userStore) exec(ctx context.Context, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return identity.ErrNotFound
	}
	return nil
}
