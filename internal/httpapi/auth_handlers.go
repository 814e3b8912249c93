package httpapi

import (
	"net/http"
	"strings"
	"time"

	"veyra.id/internal/auth"
	"veyra.id/internal/identity"
)

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

type mfaLoginRequest struct {
	TemporaryToken string `json:"temporary_token"`
	Code           string `json:"code"`
}

type mfaVerifyRequest struct {
	Code string `json:"code"`
}

type authzCheckRequest struct {
	Resource string         `json:"resource"`
	Action   string         `json:"action"`
	Context  map[string]any `json:"context"`
}

type tokenPairResponse struct {
	AccessToken      string    `json:"access_token"`
	RefreshToken     string    `json:"refresh_token"`
	AccessExpiresAt  time.Time `json:"access_expires_at"`
	RefreshExpiresAt time.Time `json:"refresh_expires_at"`
	TokenType        string    `json:"token_type"`
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, http.MethodPost)
		return
	}
	var req loginRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.Username) == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, "username and password are required")
		return
	}

	result, err := a.service.Login(r.Context(), req.Username, req.Password, requestMeta(r))
	if err != nil {
		handleIdentityError(w, err)
		return
	}
	if result.RequiresMfa {
		writeJSON(w, http.StatusOK, map[string]any{
			"mfa_required":    true,
			"temporary_token": result.TemporaryToken,
		})
		return
	}
	writeJSON(w, http.StatusOK, pairResponse(result.TokenPair))
}

func (a *API) handleRefresh(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, http.MethodPost)
		return
	}
	var req refreshRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	pair, err := a.service.Refresh(r.Context(), req.RefreshToken, requestMeta(r))
	if err != nil {
		handleIdentityError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, pairResponse(*pair))
}

func (a *API) handleLogout(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, http.MethodPost)
		return
	}
	var req refreshRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := a.service.Logout(r.Context(), req.RefreshToken, requestMeta(r)); err != nil {
		handleIdentityError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleMfaLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, http.MethodPost)
		return
	}
	var req mfaLoginRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	result, err := a.service.CompleteMfaLogin(r.Context(), req.TemporaryToken, req.Code, requestMeta(r))
	if err != nil {
		handleIdentityError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, pairResponse(result.TokenPair))
}

func (a *API) handleMfaSetup(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, http.MethodPost)
		return
	}
	principal, ok := auth.PrincipalFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}
	secret, uri, err := a.service.SetupMfa(r.Context(), principal.UserID)
	if err != nil {
		handleIdentityError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"secret":        secret,
		"otpauth_uri":   uri,
		"digits":        6,
		"period_second": 30,
	})
}

func (a *API) handleMfaVerify(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, http.MethodPost)
		return
	}
	principal, ok := auth.PrincipalFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}
	var req mfaVerifyRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := a.service.ConfirmMfa(r.Context(), principal.UserID, req.Code); err != nil {
		handleIdentityError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"mfa_enabled": true})
}

func (a *API) handleAuthzCheck(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, http.MethodPost)
		return
	}
	principal, ok := auth.PrincipalFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}
	var req authzCheckRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.Resource) == "" || strings.TrimSpace(req.Action) == "" {
		writeError(w, http.StatusBadRequest, "resource and action are required")
		return
	}

	allowed, err := a.service.Authorize(r.Context(), principal.UserID, req.Resource, req.Action, req.Context)
	if err != nil {
		handleIdentityError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"allowed": allowed})
}

func pairResponse(pair identity.TokenPair) tokenPairResponse {
	return tokenPairResponse{
		AccessToken:      pair.AccessToken,
		RefreshToken:     pair.RefreshToken,
		AccessExpiresAt:  pair.AccessExpiresAt,
		RefreshExpiresAt: pair.RefreshExpiresAt,
		TokenType:        "Bearer",
	}
}
