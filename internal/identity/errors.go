package identity

import "errors"

var (
	// ErrInvalidCredentials covers unknown user and wrong password alike so
	// responses never disclose whether an account exists.
	ErrInvalidCredentials = errors.New("identity: invalid credentials")

	// ErrRateLimited is returned when the per-IP attempt budget is exhausted.
	ErrRateLimited = errors.New("identity: too many attempts")

	// ErrAccountLocked is returned while an account lockout is active.
	ErrAccountLocked = errors.New("identity: account temporarily locked")

	// ErrInvalidMfaCode is returned for a wrong or replayed TOTP code.
	ErrInvalidMfaCode = errors.New("identity: invalid mfa code")

	// ErrMfaNotConfigured is returned when an MFA step runs for an account
	// without a provisioned secret.
	ErrMfaNotConfigured = errors.New("identity: mfa not configured")

	// ErrInvalidToken covers expired, malformed, bad-signature, and
	// wrong-type tokens; callers must treat all of those as unauthenticated.
	ErrInvalidToken = errors.New("identity: invalid token")

	// ErrTokenRevoked is returned for refresh tokens that lost a rotation
	// race or were explicitly revoked.
	ErrTokenRevoked = errors.New("identity: token revoked")

	// ErrPolicyUnavailable marks a policy evaluator outage; the caller-facing
	// decision is resolved by the configured fail-open/fail-closed policy.
	ErrPolicyUnavailable = errors.New("identity: policy evaluator unavailable")

	ErrNotFound     = errors.New("identity: not found")
	ErrConflict     = errors.New("identity: resource conflict")
	ErrInvalidInput = errors.New("identity: invalid input")
	ErrSystemRole   = errors.New("identity: system roles are immutable")
	ErrRoleCycle    = errors.New("identity: role hierarchy cycle")
)
