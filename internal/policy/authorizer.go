package policy

import (
	"context"
	"errors"

	"veyra.id/internal/identity"
	"veyra.id/internal/obs"
)

// Evaluator is the remote decision source consulted on cache misses.
type Evaluator interface {
	Evaluate(ctx context.Context, in Input) (bool, error)
}

// Authorizer answers allow/deny questions, consulting the decision
// cache before the evaluator. When the evaluator is unreachable the
// behavior depends on the failure mode: fail-closed denies, fail-open
// allows and logs.
type Authorizer struct {
	evaluator Evaluator
	cache     *Cache
	failOpen  bool
}

// AuthorizerOption configures an Authorizer.
type AuthorizerOption func(*Authorizer)

// WithFailOpen makes evaluator outages allow instead of deny. Off by
// default.
func WithFailOpen(failOpen bool) AuthorizerOption {
	return func(a *Authorizer) { a.failOpen = failOpen }
}

// WithCache replaces the decision cache.
func WithCache(c *Cache) AuthorizerOption {
	return func(a *Authorizer) { a.cache = c }
}

// NewAuthorizer returns an Authorizer backed by the given evaluator.
func NewAuthorizer(evaluator Evaluator, opts ...AuthorizerOption) *Authorizer {
	a := &Authorizer{
		evaluator: evaluator,
		cache:     NewCache(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// IsAuthorized reports whether subjectID may perform action on
// resource. Cached decisions are served without touching the
// evaluator; fresh decisions are cached on the way out.
func (a *Authorizer) IsAuthorized(ctx context.Context, subjectID, resource, action string, attrs map[string]any) (bool, error) {
	if allow, ok := a.cache.Get(subjectID, resource, action); ok {
		obs.PolicyDecisionsTotal.WithLabelValues("cache", decisionLabel(allow)).Inc()
		return allow, nil
	}

	allow, err := a.evaluator.Evaluate(ctx, Input{
		SubjectID: subjectID,
		Resource:  resource,
		Action:    action,
		Context:   attrs,
	})
	if err != nil {
		if errors.Is(err, identity.ErrPolicyUnavailable) && a.failOpen {
			obs.PolicyDecisionsTotal.WithLabelValues("fail_open", "allow").Inc()
			obs.LogEvent(map[string]any{
				"event":      "policy.fail_open",
				"subject_id": subjectID,
				"resource":   resource,
				"action":     action,
				"error":      err.Error(),
			})
			return true, nil
		}
		obs.PolicyDecisionsTotal.WithLabelValues("evaluator", "error").Inc()
		return false, err
	}

	a.cache.Set(subjectID, resource, action, allow)
	obs.PolicyDecisionsTotal.WithLabelValues("evaluator", decisionLabel(allow)).Inc()
	return allow, nil
}

// InvalidateSubject drops the subject's cached decisions, typically
// after a grant change or logout.
func (a *Authorizer) InvalidateSubject(subjectID string) {
	a.cache.InvalidateSubject(subjectID)
}

// InvalidateAll drops the whole decision cache, typically after a
// role or permission mutation.
func (a *Authorizer) InvalidateAll() {
	a.cache.InvalidateAll()
}

func decisionLabel(allow bool) string {
	if allow {
		return "allow"
	}
	return "deny"
}
