package token

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"veyra.id/internal/identity"
)

const (
	defaultIssuer       = "veyra-id"
	defaultAccessTTL    = 15 * time.Minute
	defaultRefreshTTL   = 7 * 24 * time.Hour
	defaultTemporaryTTL = 5 * time.Minute
)

// Kind discriminates the three token shapes the issuer mints.
type Kind string

const (
	KindAccess    Kind = "access"
	KindRefresh   Kind = "refresh"
	KindTemporary Kind = "temporary"
)

// Claims is the strongly typed claim set. The raw JWT claim map is decoded
// into this struct at the validation boundary and never passed around untyped.
type Claims struct {
	Username     string   `json:"username,omitempty"`
	Email        string   `json:"email,omitempty"`
	Roles        []string `json:"roles,omitempty"`
	RolePriority int      `json:"role_priority,omitempty"`
	TokenType    string   `json:"type,omitempty"`
	jwt.RegisteredClaims
}

// Kind maps the type discriminator to a token kind. Access tokens carry no
// type claim.
func (c *Claims) Kind() Kind {
	switch c.TokenType {
	case "refresh":
		return KindRefresh
	case "mfa_temp":
		return KindTemporary
	default:
		return KindAccess
	}
}

// Issuer mints and validates HS256-signed tokens.
type Issuer struct {
	secret       []byte
	issuer       string
	accessTTL    time.Duration
	refreshTTL   time.Duration
	temporaryTTL time.Duration
	now          func() time.Time
}

// Option configures Issuer behavior.
type Option func(*Issuer)

// WithIssuer overrides the iss claim.
func WithIssuer(name string) Option {
	return func(i *Issuer) {
		if strings.TrimSpace(name) != "" {
			i.issuer = strings.TrimSpace(name)
		}
	}
}

// WithAccessTTL configures access token lifetime.
func WithAccessTTL(ttl time.Duration) Option {
	return func(i *Issuer) {
		if ttl > 0 {
			i.accessTTL = ttl
		}
	}
}

// WithRefreshTTL configures refresh token lifetime.
func WithRefreshTTL(ttl time.Duration) Option {
	return func(i *Issuer) {
		if ttl > 0 {
			i.refreshTTL = ttl
		}
	}
}

// WithTemporaryTTL configures the MFA temporary token lifetime.
func WithTemporaryTTL(ttl time.Duration) Option {
	return func(i *Issuer) {
		if ttl > 0 {
			i.temporaryTTL = ttl
		}
	}
}

// WithClock overrides the time source (useful for tests).
func WithClock(fn func() time.Time) Option {
	return func(i *Issuer) {
		if fn != nil {
			i.now = fn
		}
	}
}

// NewIssuer constructs an Issuer signing with the given symmetric secret.
func NewIssuer(secret []byte, opts ...Option) (*Issuer, error) {
	if len(secret) == 0 {
		return nil, errors.New("token: signing secret is required")
	}
	iss := &Issuer{
		secret:       secret,
		issuer:       defaultIssuer,
		accessTTL:    defaultAccessTTL,
		refreshTTL:   defaultRefreshTTL,
		temporaryTTL: defaultTemporaryTTL,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(iss)
	}
	return iss, nil
}

// AccessTTL returns the configured access token lifetime.
func (i *Issuer) AccessTTL() time.Duration { return i.accessTTL }

// RefreshTTL returns the configured refresh token lifetime.
func (i *Issuer) RefreshTTL() time.Duration { return i.refreshTTL }

// IssueAccess mints an access token embedding the subject's identity and its
// resolved role names plus the highest role priority.
func (i *Issuer) IssueAccess(user *identity.User, roles []*identity.Role) (string, time.Time, error) {
	names := make([]string, 0, len(roles))
	maxPriority := 0
	for _, r := range roles {
		if r == nil || r.Name == "" {
			continue
		}
		names = append(names, r.Name)
		if r.Priority > maxPriority {
			maxPriority = r.Priority
		}
	}
	return i.sign(Claims{
		Username:     user.Username,
		Email:        user.Email,
		Roles:        names,
		RolePriority: maxPriority,
	}, user.ID, i.accessTTL)
}

// IssueRefresh mints a refresh token carrying only the subject and type.
func (i *Issuer) IssueRefresh(user *identity.User) (string, time.Time, error) {
	return i.sign(Claims{TokenType: "refresh"}, user.ID, i.refreshTTL)
}

// IssueTemporary mints the short-lived capability token returned when login
// hits the MFA gate.
func (i *Issuer) IssueTemporary(user *identity.User) (string, time.Time, error) {
	return i.sign(Claims{TokenType: "mfa_temp"}, user.ID, i.temporaryTTL)
}

func (i *Issuer) sign(claims Claims, subject string, ttl time.Duration) (string, time.Time, error) {
	now := i.now().UTC()
	expiresAt := now.Add(ttl)
	claims.RegisteredClaims = jwt.RegisteredClaims{
		Issuer:    i.issuer,
		Subject:   subject,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(expiresAt),
		ID:        uuid.NewString(),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign token: %w", err)
	}
	return signed, expiresAt, nil
}

// Validate verifies signature, structure, and expiry. Every failure mode maps
// to identity.ErrInvalidToken so callers cannot branch on the cause.
func (i *Issuer) Validate(raw string) (*Claims, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, identity.ErrInvalidToken
	}
	parsed, err := jwt.ParseWithClaims(raw, &Claims{}, func(t *jwt.Token) (any, error) {
		if t.Method != jwt.SigningMethodHS256 {
			return nil, identity.ErrInvalidToken
		}
		return i.secret, nil
	}, jwt.WithTimeFunc(i.now))
	if err != nil {
		return nil, identity.ErrInvalidToken
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return nil, identity.ErrInvalidToken
	}
	if claims.Issuer != i.issuer || strings.TrimSpace(claims.Subject) == "" {
		return nil, identity.ErrInvalidToken
	}
	if claims.ExpiresAt == nil || claims.IssuedAt == nil {
		return nil, identity.ErrInvalidToken
	}
	return claims, nil
}

// ValidateKind validates the token and additionally requires a specific kind.
func (i *Issuer) ValidateKind(raw string, kind Kind) (*Claims, error) {
	claims, err := i.Validate(raw)
	if err != nil {
		return nil, err
	}
	if claims.Kind() != kind {
		return nil, identity.ErrInvalidToken
	}
	return claims, nil
}
