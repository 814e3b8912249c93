// Package auth is the login orchestrator: credential checks, lockout,
// per-IP throttling, the MFA gate, and token pair lifecycle.
package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"

	"veyra.id/internal/audit"
	"veyra.id/internal/identity"
	"veyra.id/internal/obs"
	"veyra.id/internal/token"
	"veyra.id/internal/totp"
)

const (
	defaultMaxLoginAttempts = 5
	defaultLockoutDuration  = time.Hour
	defaultRateLimitMax     = 10
	defaultRateLimitWindow  = 300 * time.Second
	defaultBcryptCost       = 12
)

// RateLimiter is the per-IP throttle consulted before credential work.
type RateLimiter interface {
	IsBlocked(ctx context.Context, key string, maxAttempts int) (bool, error)
	Increment(ctx context.Context, key string, window time.Duration) error
}

// Authorizer answers access questions and exposes per-subject cache
// invalidation for logout.
type Authorizer interface {
	IsAuthorized(ctx context.Context, subjectID, resource, action string, attrs map[string]any) (bool, error)
	InvalidateSubject(subjectID string)
}

// RoleResolver supplies the effective roles baked into access tokens.
type RoleResolver interface {
	EffectiveRoles(ctx context.Context, userID string) ([]*identity.Role, error)
}

// Auditor accepts fire-and-forget audit events.
type Auditor interface {
	Submit(ev audit.Event)
}

// Request carries the per-call client attribution threaded into tokens
// and audit events.
type Request struct {
	IP        string
	UserAgent string
}

// Service drives the authentication flows.
type Service struct {
	store      identity.Store
	issuer     *token.Issuer
	ledger     *token.Ledger
	limiter    RateLimiter
	authorizer Authorizer
	roles      RoleResolver
	auditor    Auditor

	maxLoginAttempts int
	lockoutDuration  time.Duration
	rateLimitMax     int
	rateLimitWindow  time.Duration
	bcryptCost       int
	now              func() time.Time
	mfaIssuerName    string
}

// Option configures a Service.
type Option func(*Service)

// WithClock overrides the time source, for tests.
func WithClock(fn func() time.Time) Option {
	return func(s *Service) {
		if fn != nil {
			s.now = fn
		}
	}
}

// WithLockoutPolicy overrides the failed-attempt threshold and lockout
// duration.
func WithLockoutPolicy(maxAttempts int, duration time.Duration) Option {
	return func(s *Service) {
		if maxAttempts > 0 {
			s.maxLoginAttempts = maxAttempts
		}
		if duration > 0 {
			s.lockoutDuration = duration
		}
	}
}

// WithRateLimitPolicy overrides the per-IP attempt budget and window.
func WithRateLimitPolicy(maxAttempts int, window time.Duration) Option {
	return func(s *Service) {
		if maxAttempts > 0 {
			s.rateLimitMax = maxAttempts
		}
		if window > 0 {
			s.rateLimitWindow = window
		}
	}
}

// WithBcryptCost overrides the hashing cost for new passwords.
func WithBcryptCost(cost int) Option {
	return func(s *Service) {
		if cost >= bcrypt.MinCost && cost <= bcrypt.MaxCost {
			s.bcryptCost = cost
		}
	}
}

// WithMfaIssuerName sets the issuer label in enrollment URIs.
func WithMfaIssuerName(name string) Option {
	return func(s *Service) {
		if strings.TrimSpace(name) != "" {
			s.mfaIssuerName = strings.TrimSpace(name)
		}
	}
}

// NewService wires the orchestrator. limiter, authorizer and auditor
// may be nil in tests; the corresponding gates degrade to no-ops.
func NewService(store identity.Store, issuer *token.Issuer, ledger *token.Ledger, limiter RateLimiter, authorizer Authorizer, roles RoleResolver, auditor Auditor, opts ...Option) *Service {
	s := &Service{
		store:      store,
		issuer:     issuer,
		ledger:     ledger,
		limiter:    limiter,
		authorizer: authorizer,
		roles:      roles,
		auditor:    auditor,

		maxLoginAttempts: defaultMaxLoginAttempts,
		lockoutDuration:  defaultLockoutDuration,
		rateLimitMax:     defaultRateLimitMax,
		rateLimitWindow:  defaultRateLimitWindow,
		bcryptCost:       defaultBcryptCost,
		now:              time.Now,
		mfaIssuerName:    "veyra-id",
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// HashPassword hashes a plaintext password for storage.
func (s *Service) HashPassword(plaintext string) (string, error) {
	hashed, err := bcrypt.GenerateFromPassword([]byte(plaintext), s.bcryptCost)
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}
	return string(hashed), nil
}

// Login runs the gate sequence: throttle, credential lookup, lockout,
// password check, MFA gate, token issue. The identifier may be a
// username or an email address. Failures against unknown accounts
// still count toward the caller's throttle budget.
func (s *Service) Login(ctx context.Context, identifier, password string, req Request) (*identity.LoginResult, error) {
	if s.throttled(ctx, req.IP) {
		obs.LoginsTotal.WithLabelValues("rate_limited").Inc()
		s.submit(audit.Event{
			Action:   "auth.login_rate_limited",
			IP:       req.IP,
			Metadata: map[string]any{"identifier": identifier},
		})
		return nil, identity.ErrRateLimited
	}

	user, err := s.lookup(ctx, identifier)
	if err != nil {
		return nil, err
	}
	if user == nil || user.DeletedAt != nil || user.Status == identity.StatusInactive {
		s.penalize(ctx, req.IP)
		obs.LoginsTotal.WithLabelValues("invalid_credentials").Inc()
		return nil, identity.ErrInvalidCredentials
	}

	now := s.now()
	if user.LockActive(now) {
		obs.LoginsTotal.WithLabelValues("locked").Inc()
		s.submit(audit.Event{
			ActorID:    user.ID,
			Action:     "auth.login_locked",
			EntityType: "user",
			EntityID:   user.ID,
			IP:         req.IP,
			UserAgent:  req.UserAgent,
		})
		return nil, identity.ErrAccountLocked
	}

	if bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)) != nil {
		s.penalize(ctx, req.IP)
		locked, ferr := s.store.Users(ctx).RecordLoginFailure(ctx, user.ID, s.maxLoginAttempts, now.Add(s.lockoutDuration))
		if ferr != nil {
			return nil, ferr
		}
		s.submit(audit.Event{
			ActorID:    user.ID,
			Action:     "auth.login_failed",
			EntityType: "user",
			EntityID:   user.ID,
			IP:         req.IP,
			UserAgent:  req.UserAgent,
		})
		if locked {
			obs.LoginsTotal.WithLabelValues("locked").Inc()
			s.submit(audit.Event{
				ActorID:    user.ID,
				Action:     "user.locked",
				EntityType: "user",
				EntityID:   user.ID,
				IP:         req.IP,
			})
			return nil, identity.ErrAccountLocked
		}
		obs.LoginsTotal.WithLabelValues("invalid_credentials").Inc()
		return nil, identity.ErrInvalidCredentials
	}

	// Success clears the account's failure state only. The per-IP
	// counter keeps running so a valid login cannot launder the
	// window for other accounts behind the same address.
	if err := s.store.Users(ctx).RecordLoginSuccess(ctx, user.ID, now.UTC()); err != nil {
		return nil, err
	}

	if user.MfaEnabled {
		temp, _, err := s.issuer.IssueTemporary(user)
		if err != nil {
			return nil, err
		}
		obs.LoginsTotal.WithLabelValues("mfa_required").Inc()
		s.submit(audit.Event{
			ActorID:    user.ID,
			Action:     "auth.mfa_challenge",
			EntityType: "user",
			EntityID:   user.ID,
			IP:         req.IP,
			UserAgent:  req.UserAgent,
		})
		return &identity.LoginResult{RequiresMfa: true, TemporaryToken: temp}, nil
	}

	pair, err := s.issuePair(ctx, user, req)
	if err != nil {
		return nil, err
	}
	obs.LoginsTotal.WithLabelValues("success").Inc()
	s.submit(audit.Event{
		ActorID:    user.ID,
		Action:     "auth.login",
		EntityType: "user",
		EntityID:   user.ID,
		IP:         req.IP,
		UserAgent:  req.UserAgent,
	})
	return &identity.LoginResult{TokenPair: *pair}, nil
}

// CompleteMfaLogin exchanges a temporary token plus a valid TOTP code
// for the real token pair.
func (s *Service) CompleteMfaLogin(ctx context.Context, temporaryToken, code string, req Request) (*identity.LoginResult, error) {
	claims, err := s.issuer.ValidateKind(temporaryToken, token.KindTemporary)
	if err != nil {
		return nil, err
	}
	user, err := s.store.Users(ctx).FindByID(ctx, claims.Subject)
	if err != nil {
		return nil, err
	}
	if user == nil || user.DeletedAt != nil {
		return nil, identity.ErrInvalidToken
	}
	if !user.MfaEnabled || user.MfaSecret == "" {
		return nil, identity.ErrMfaNotConfigured
	}

	if !totp.Verify(user.MfaSecret, code, s.now()) {
		s.penalize(ctx, req.IP)
		obs.LoginsTotal.WithLabelValues("mfa_failed").Inc()
		s.submit(audit.Event{
			ActorID:    user.ID,
			Action:     "auth.mfa_failed",
			EntityType: "user",
			EntityID:   user.ID,
			IP:         req.IP,
			UserAgent:  req.UserAgent,
		})
		return nil, identity.ErrInvalidMfaCode
	}

	pair, err := s.issuePair(ctx, user, req)
	if err != nil {
		return nil, err
	}
	obs.LoginsTotal.WithLabelValues("success").Inc()
	s.submit(audit.Event{
		ActorID:    user.ID,
		Action:     "auth.login",
		EntityType: "user",
		EntityID:   user.ID,
		IP:         req.IP,
		UserAgent:  req.UserAgent,
		Metadata:   map[string]any{"mfa": true},
	})
	return &identity.LoginResult{TokenPair: *pair}, nil
}

// Refresh exchanges an active refresh token for a fresh pair, rotating
// the ledger entry. Presenting an already-rotated token fails with
// ErrTokenRevoked and leaves an audit trail; under a concurrent race
// exactly one caller obtains the new pair.
func (s *Service) Refresh(ctx context.Context, rawRefresh string, req Request) (*identity.TokenPair, error) {
	claims, err := s.issuer.ValidateKind(rawRefresh, token.KindRefresh)
	if err != nil {
		return nil, err
	}
	user, err := s.store.Users(ctx).FindByID(ctx, claims.Subject)
	if err != nil {
		return nil, err
	}
	if user == nil || user.DeletedAt != nil || user.LockActive(s.now()) {
		return nil, identity.ErrInvalidToken
	}

	roles, err := s.effectiveRoles(ctx, user.ID)
	if err != nil {
		return nil, err
	}
	access, accessExp, err := s.issuer.IssueAccess(user, roles)
	if err != nil {
		return nil, err
	}
	refresh, refreshExp, err := s.issuer.IssueRefresh(user)
	if err != nil {
		return nil, err
	}

	if err := s.ledger.Rotate(ctx, rawRefresh, user.ID, refresh, refreshExp, req.IP, req.UserAgent); err != nil {
		if errors.Is(err, identity.ErrTokenRevoked) {
			obs.RefreshRotationsTotal.WithLabelValues("conflict").Inc()
			s.submit(audit.Event{
				ActorID:    user.ID,
				Action:     "token.reuse",
				EntityType: "user",
				EntityID:   user.ID,
				IP:         req.IP,
				UserAgent:  req.UserAgent,
			})
		}
		return nil, err
	}

	obs.RefreshRotationsTotal.WithLabelValues("success").Inc()
	s.submit(audit.Event{
		ActorID:    user.ID,
		Action:     "token.refresh",
		EntityType: "user",
		EntityID:   user.ID,
		IP:         req.IP,
		UserAgent:  req.UserAgent,
	})
	return &identity.TokenPair{
		AccessToken:      access,
		RefreshToken:     refresh,
		AccessExpiresAt:  accessExp,
		RefreshExpiresAt: refreshExp,
	}, nil
}

// Logout revokes the session behind the refresh token and drops the
// subject's cached policy decisions. It is idempotent and never fails
// on an invalid or already-revoked token.
func (s *Service) Logout(ctx context.Context, rawRefresh string, req Request) error {
	claims, err := s.issuer.ValidateKind(rawRefresh, token.KindRefresh)
	if err != nil {
		return nil
	}

	entry, err := s.ledger.FindActive(ctx, rawRefresh)
	if err == nil {
		if rerr := s.ledger.Revoke(ctx, entry); rerr != nil {
			return rerr
		}
	} else if !errors.Is(err, identity.ErrTokenRevoked) {
		return err
	}

	if s.authorizer != nil {
		s.authorizer.InvalidateSubject(claims.Subject)
	}
	s.submit(audit.Event{
		ActorID:    claims.Subject,
		Action:     "auth.logout",
		EntityType: "user",
		EntityID:   claims.Subject,
		IP:         req.IP,
		UserAgent:  req.UserAgent,
	})
	return nil
}

// SetupMfa provisions a fresh TOTP secret for the user and returns it
// with the enrollment URI. MFA stays disabled until ConfirmMfa sees a
// valid code.
func (s *Service) SetupMfa(ctx context.Context, userID string) (secret, uri string, err error) {
	user, err := s.store.Users(ctx).FindByID(ctx, userID)
	if err != nil {
		return "", "", err
	}
	if user == nil || user.DeletedAt != nil {
		return "", "", fmt.Errorf("%w: user %s", identity.ErrNotFound, userID)
	}

	secret, err = totp.GenerateSecret()
	if err != nil {
		return "", "", err
	}
	if err := s.store.Users(ctx).SetMfaSecret(ctx, userID, secret); err != nil {
		return "", "", err
	}

	s.submit(audit.Event{
		ActorID:    userID,
		Action:     "mfa.setup",
		EntityType: "user",
		EntityID:   userID,
	})
	return secret, totp.ProvisionURI(secret, s.mfaIssuerName, user.Email), nil
}

// ConfirmMfa enables MFA once the user proves possession of the
// enrolled secret.
func (s *Service) ConfirmMfa(ctx context.Context, userID, code string) error {
	user, err := s.store.Users(ctx).FindByID(ctx, userID)
	if err != nil {
		return err
	}
	if user == nil || user.DeletedAt != nil {
		return fmt.Errorf("%w: user %s", identity.ErrNotFound, userID)
	}
	if user.MfaSecret == "" {
		return identity.ErrMfaNotConfigured
	}
	if !totp.Verify(user.MfaSecret, code, s.now()) {
		return identity.ErrInvalidMfaCode
	}
	if err := s.store.Users(ctx).EnableMfa(ctx, userID); err != nil {
		return err
	}

	s.submit(audit.Event{
		ActorID:    userID,
		Action:     "mfa.enabled",
		EntityType: "user",
		EntityID:   userID,
	})
	return nil
}

// Authorize reports whether the subject may perform action on resource.
func (s *Service) Authorize(ctx context.Context, subjectID, resource, action string, attrs map[string]any) (bool, error) {
	if s.authorizer == nil {
		return false, identity.ErrPolicyUnavailable
	}
	return s.authorizer.IsAuthorized(ctx, subjectID, resource, action, attrs)
}

func (s *Service) issuePair(ctx context.Context, user *identity.User, req Request) (*identity.TokenPair, error) {
	roles, err := s.effectiveRoles(ctx, user.ID)
	if err != nil {
		return nil, err
	}
	access, accessExp, err := s.issuer.IssueAccess(user, roles)
	if err != nil {
		return nil, err
	}
	refresh, refreshExp, err := s.issuer.IssueRefresh(user)
	if err != nil {
		return nil, err
	}
	if _, err := s.ledger.Record(ctx, user.ID, refresh, refreshExp, req.IP, req.UserAgent); err != nil {
		return nil, err
	}
	return &identity.TokenPair{
		AccessToken:      access,
		RefreshToken:     refresh,
		AccessExpiresAt:  accessExp,
		RefreshExpiresAt: refreshExp,
	}, nil
}

func (s *Service) effectiveRoles(ctx context.Context, userID string) ([]*identity.Role, error) {
	if s.roles == nil {
		return nil, nil
	}
	return s.roles.EffectiveRoles(ctx, userID)
}

func (s *Service) lookup(ctx context.Context, identifier string) (*identity.User, error) {
	users := s.store.Users(ctx)
	user, err := users.FindByUsername(ctx, identifier)
	if err != nil {
		return nil, err
	}
	if user == nil && strings.Contains(identifier, "@") {
		user, err = users.FindByEmail(ctx, identifier)
		if err != nil {
			return nil, err
		}
	}
	return user, nil
}

// throttled consults the limiter; an unreachable limiter does not stop
// logins, it only loses throttling until the backend returns.
func (s *Service) throttled(ctx context.Context, ip string) bool {
	if s.limiter == nil || ip == "" {
		return false
	}
	blocked, err := s.limiter.IsBlocked(ctx, ip, s.rateLimitMax)
	if err != nil {
		s.logLimiterError("check", err)
		return false
	}
	return blocked
}

func (s *Service) penalize(ctx context.Context, ip string) {
	if s.limiter == nil || ip == "" {
		return
	}
	if err := s.limiter.Increment(ctx, ip, s.rateLimitWindow); err != nil {
		s.logLimiterError("increment", err)
	}
}

func (s *Service) logLimiterError(op string, err error) {
	obs.LogEvent(map[string]any{
		"event": "ratelimit.error",
		"op":    op,
		"error": err.Error(),
	})
}

func (s *Service) submit(ev audit.Event) {
	if s.auditor != nil {
		s.auditor.Submit(ev)
	}
}
