// Package httpapi is the HTTP boundary over the identity core.
package httpapi

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"veyra.id/internal/auth"
	"veyra.id/internal/identity"
	"veyra.id/internal/obs"
	"veyra.id/internal/rbac"
	"veyra.id/internal/token"
)

// ReadyProbe checks the downstream dependencies for /readyz.
type ReadyProbe struct {
	DB *sql.DB
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.DB == nil {
		return nil
	}
	return rp.DB.PingContext(ctx)
}

// API is the HTTP layer.
type API struct {
	mux        *http.ServeMux
	readyProbe ReadyProbe
	version    string

	service *auth.Service
	admin   *rbac.Admin
	issuer  *token.Issuer
}

func New(service *auth.Service, admin *rbac.Admin, issuer *token.Issuer, rp ReadyProbe, version string) *API {
	a := &API{
		mux:        http.NewServeMux(),
		readyProbe: rp,
		version:    version,
		service:    service,
		admin:      admin,
		issuer:     issuer,
	}

	a.mux.HandleFunc("/healthz", a.Healthz)
	a.mux.HandleFunc("/readyz", a.Ready)
	a.mux.Handle("/metrics", obs.Handler())

	a.mux.HandleFunc("/v1/auth/login", a.handleLogin)
	a.mux.HandleFunc("/v1/auth/refresh", a.handleRefresh)
	a.mux.HandleFunc("/v1/auth/logout", a.handleLogout)
	a.mux.HandleFunc("/v1/auth/mfa/login", a.handleMfaLogin)
	a.mux.HandleFunc("/v1/auth/mfa/setup", a.handleMfaSetup)
	a.mux.HandleFunc("/v1/auth/mfa/verify", a.handleMfaVerify)
	a.mux.HandleFunc("/v1/authz/check", a.handleAuthzCheck)

	a.mux.HandleFunc("/v1/roles", a.handleRoles)
	a.mux.HandleFunc("/v1/roles/", a.handleRoleResource)
	a.mux.HandleFunc("/v1/users/", a.handleUserResource)

	a.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})

	return a
}

// Handler wraps the mux with authn and metrics.
func (a *API) Handler() http.Handler {
	return obs.Instrument(a.withAuth(a.mux))
}

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": "veyra-id",
		"version": a.version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	if err := a.readyProbe.Check(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
	})
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]any{"error": msg})
}

func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return errors.New("invalid request body")
	}
	return nil
}

func methodNotAllowed(w http.ResponseWriter, allowed string) {
	w.Header().Set("Allow", allowed)
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

// handleIdentityError maps the domain sentinels onto status codes.
// Invalid credentials and unknown accounts are indistinguishable on the
// wire.
func handleIdentityError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, identity.ErrInvalidCredentials),
		errors.Is(err, identity.ErrInvalidToken),
		errors.Is(err, identity.ErrTokenRevoked),
		errors.Is(err, identity.ErrInvalidMfaCode):
		writeError(w, http.StatusUnauthorized, "authentication failed")
	case errors.Is(err, identity.ErrAccountLocked):
		writeError(w, http.StatusForbidden, "account locked")
	case errors.Is(err, identity.ErrRateLimited):
		writeError(w, http.StatusTooManyRequests, "too many attempts")
	case errors.Is(err, identity.ErrMfaNotConfigured):
		writeError(w, http.StatusBadRequest, "mfa not configured")
	case errors.Is(err, identity.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, identity.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, identity.ErrConflict):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, identity.ErrSystemRole):
		writeError(w, http.StatusForbidden, "system roles are immutable")
	case errors.Is(err, identity.ErrRoleCycle):
		writeError(w, http.StatusBadRequest, "role hierarchy cycle")
	case errors.Is(err, identity.ErrPolicyUnavailable):
		writeError(w, http.StatusServiceUnavailable, "policy evaluator unavailable")
	default:
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func requestMeta(r *http.Request) auth.Request {
	return auth.Request{
		IP:        clientIP(r),
		UserAgent: strings.TrimSpace(r.UserAgent()),
	}
}
