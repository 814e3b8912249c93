package pg

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"veyra.id/internal/identity"
)

type tokenStore struct {
	db *sql.DB
}

func (s *tokenStore) Create(ctx context.Context, tok *identity.RefreshToken) error {
	_, err := s.db.ExecContext(ctx, `
		insert into refresh_tokens(id, user_id, token_hash, expires_at, ip_address, user_agent, created_at)
		values ($1,$2,$3,$4,$5,$6,$7)
	`, tok.ID, tok.UserID, tok.TokenHash, tok.ExpiresAt,
		nullString(tok.IPAddress), nullString(tok.UserAgent), tok.CreatedAt)
	return err
}

func (s *tokenStore) FindByHash(ctx context.Context, tokenHash string) (*identity.RefreshToken, error) {
	var t identity.RefreshToken
	var revokedAt sql.NullTime
	var ip, ua sql.NullString
	err := s.db.QueryRowContext(ctx, `
		select id, user_id, token_hash, expires_at, revoked_at, ip_address, user_agent, created_at
		from refresh_tokens where token_hash=$1
	`, tokenHash).Scan(&t.ID, &t.UserID, &t.TokenHash, &t.ExpiresAt, &revokedAt, &ip, &ua, &t.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	t.RevokedAt = timePtr(revokedAt)
	t.IPAddress = stringVal(ip)
	t.UserAgent = stringVal(ua)
	return &t, nil
}

// Rotate revokes the old entry and inserts the replacement in one
// transaction. The conditional update is the arbiter: whichever caller
// revokes the live row wins, every other rotation of the same token
// sees zero rows and fails with ErrTokenRevoked.
func (s *tokenStore) Rotate(ctx context.Context, oldHash string, next *identity.RefreshToken) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
		update refresh_tokens set revoked_at = now()
		where token_hash=$1 and revoked_at is null and expires_at > now()
	`, oldHash)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return identity.ErrTokenRevoked
	}

	if _, err := tx.ExecContext(ctx, `
		insert into refresh_tokens(id, user_id, token_hash, expires_at, ip_address, user_agent, created_at)
		values ($1,$2,$3,$4,$5,$6,$7)
	`, next.ID, next.UserID, next.TokenHash, next.ExpiresAt,
		nullString(next.IPAddress), nullString(next.UserAgent), next.CreatedAt); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *tokenStore) Revoke(ctx context.Context, id string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		update refresh_tokens set revoked_at=$2 where id=$1 and revoked_at is null
	`, id, at)
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

func (s *tokenStore) RevokeAllForUser(ctx context.Context, userID string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		update refresh_tokens set revoked_at=$2 where user_id=$1 and revoked_at is null
	`, userID, at)
	return err
}
