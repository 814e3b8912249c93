package token

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"time"

	"veyra.id/internal/identity"
	"veyra.id/internal/ids"
)

// Ledger tracks issued refresh tokens by hash. The raw token never touches
// persistent storage; lookups and rotation operate on the SHA-256 digest.
type Ledger struct {
	store identity.RefreshTokenStore
	now   func() time.Time
}

// LedgerOption configures a Ledger.
type LedgerOption func(*Ledger)

// WithLedgerClock overrides the ledger time source, for tests.
func WithLedgerClock(fn func() time.Time) LedgerOption {
	return func(l *Ledger) {
		if fn != nil {
			l.now = fn
		}
	}
}

// NewLedger constructs a Ledger over the given store.
func NewLedger(store identity.RefreshTokenStore, opts ...LedgerOption) *Ledger {
	l := &Ledger{store: store, now: time.Now}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Hash derives the storage key for a raw refresh token.
func Hash(rawToken string) string {
	sum := sha256.Sum256([]byte(rawToken))
	return base64.StdEncoding.EncodeToString(sum[:])
}

// Record persists the ledger entry for a freshly issued refresh token.
func (l *Ledger) Record(ctx context.Context, userID, rawToken string, expiresAt time.Time, ip, userAgent string) (*identity.RefreshToken, error) {
	entry := &identity.RefreshToken{
		ID:        ids.New(),
		UserID:    userID,
		TokenHash: Hash(rawToken),
		ExpiresAt: expiresAt,
		IPAddress: ip,
		UserAgent: userAgent,
		CreatedAt: l.now().UTC(),
	}
	if err := l.store.Create(ctx, entry); err != nil {
		return nil, err
	}
	return entry, nil
}

// FindActive resolves a raw token to its ledger entry. Revoked and expired
// entries are indistinguishable from missing ones.
func (l *Ledger) FindActive(ctx context.Context, rawToken string) (*identity.RefreshToken, error) {
	entry, err := l.store.FindByHash(ctx, Hash(rawToken))
	if err != nil {
		return nil, err
	}
	if entry == nil || !entry.Active(l.now()) {
		return nil, identity.ErrTokenRevoked
	}
	return entry, nil
}

// Rotate revokes the old token's entry and records the new one as a single
// unit. If the old entry was already rotated away, the whole operation fails
// with identity.ErrTokenRevoked and the new token must not be handed out.
func (l *Ledger) Rotate(ctx context.Context, oldRawToken string, userID, newRawToken string, expiresAt time.Time, ip, userAgent string) error {
	next := &identity.RefreshToken{
		ID:        ids.New(),
		UserID:    userID,
		TokenHash: Hash(newRawToken),
		ExpiresAt: expiresAt,
		IPAddress: ip,
		UserAgent: userAgent,
		CreatedAt: l.now().UTC(),
	}
	return l.store.Rotate(ctx, Hash(oldRawToken), next)
}

// Revoke marks a single ledger entry revoked.
func (l *Ledger) Revoke(ctx context.Context, entry *identity.RefreshToken) error {
	return l.store.Revoke(ctx, entry.ID, l.now().UTC())
}

// RevokeAllForUser revokes every active entry a user holds, ending all of
// their sessions.
func (l *Ledger) RevokeAllForUser(ctx context.Context, userID string) error {
	return l.store.RevokeAllForUser(ctx, userID, l.now().UTC())
}
