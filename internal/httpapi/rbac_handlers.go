package httpapi

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"veyra.id/internal/auth"
	"veyra.id/internal/identity"
)

type roleRequest struct {
	Name     string  `json:"name"`
	Priority int     `json:"priority"`
	ParentID *string `json:"parent_id"`
}

type grantRequest struct {
	RoleID    string     `json:"role_id"`
	Scope     string     `json:"scope"`
	ScopeType string     `json:"scope_type"`
	ExpiresAt *time.Time `json:"expires_at"`
}

type roleResponse struct {
	ID       string  `json:"id"`
	Name     string  `json:"name"`
	Priority int     `json:"priority"`
	IsSystem bool    `json:"is_system"`
	ParentID *string `json:"parent_id,omitempty"`
}

func toRoleResponse(role *identity.Role) roleResponse {
	return roleResponse{
		ID:       role.ID,
		Name:     role.Name,
		Priority: role.Priority,
		IsSystem: role.IsSystem,
		ParentID: role.ParentID,
	}
}

func (a *API) handleRoles(w http.ResponseWriter, r *http.Request) {
	if a.admin == nil {
		writeError(w, http.StatusServiceUnavailable, "role administration unavailable")
		return
	}
	switch r.Method {
	case http.MethodPost:
		if !a.ensureAuthorized(w, r, "roles", "manage") {
			return
		}
		var req roleRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		role, err := a.admin.CreateRole(r.Context(), actorID(r), req.Name, req.Priority, req.ParentID)
		if err != nil {
			handleIdentityError(w, err)
			return
		}
		w.Header().Set("Location", fmt.Sprintf("/v1/roles/%s", role.ID))
		writeJSON(w, http.StatusCreated, toRoleResponse(role))
	case http.MethodGet:
		if !a.ensureAuthorized(w, r, "roles", "read") {
			return
		}
		roles, err := a.admin.ListRoles(r.Context())
		if err != nil {
			handleIdentityError(w, err)
			return
		}
		out := make([]roleResponse, 0, len(roles))
		for _, role := range roles {
			out = append(out, toRoleResponse(role))
		}
		writeJSON(w, http.StatusOK, map[string]any{"roles": out})
	default:
		methodNotAllowed(w, "GET, POST")
	}
}

func (a *API) handleRoleResource(w http.ResponseWriter, r *http.Request) {
	if a.admin == nil {
		writeError(w, http.StatusServiceUnavailable, "role administration unavailable")
		return
	}
	roleID := strings.Trim(strings.TrimPrefix(r.URL.Path, "/v1/roles/"), "/")
	if roleID == "" || strings.Contains(roleID, "/") {
		writeError(w, http.StatusNotFound, "resource not found")
		return
	}

	switch r.Method {
	case http.MethodPut:
		if !a.ensureAuthorized(w, r, "roles", "manage") {
			return
		}
		var req roleRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		role, err := a.admin.UpdateRole(r.Context(), actorID(r), roleID, req.Name, req.Priority, req.ParentID)
		if err != nil {
			handleIdentityError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, toRoleResponse(role))
	case http.MethodDelete:
		if !a.ensureAuthorized(w, r, "roles", "manage") {
			return
		}
		if err := a.admin.DeleteRole(r.Context(), actorID(r), roleID); err != nil {
			handleIdentityError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		methodNotAllowed(w, "PUT, DELETE")
	}
}

func (a *API) handleUserResource(w http.ResponseWriter, r *http.Request) {
	if a.admin == nil {
		writeError(w, http.StatusServiceUnavailable, "role administration unavailable")
		return
	}
	path := strings.Trim(strings.TrimPrefix(r.URL.Path, "/v1/users/"), "/")
	parts := strings.Split(path, "/")
	if len(parts) < 2 || parts[0] == "" || parts[1] != "roles" {
		writeError(w, http.StatusNotFound, "resource not found")
		return
	}
	userID := parts[0]

	switch {
	case r.Method == http.MethodPost && len(parts) == 2:
		if !a.ensureAuthorized(w, r, "grants", "manage") {
			return
		}
		var req grantRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		if strings.TrimSpace(req.RoleID) == "" {
			writeError(w, http.StatusBadRequest, "role_id is required")
			return
		}
		grant, err := a.admin.Grant(r.Context(), actorID(r), userID, req.RoleID,
			req.Scope, identity.ScopeType(req.ScopeType), req.ExpiresAt)
		if err != nil {
			handleIdentityError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{
			"user_id":    grant.UserID,
			"role_id":    grant.RoleID,
			"scope":      grant.Scope,
			"scope_type": grant.ScopeType,
			"granted_at": grant.GrantedAt,
			"expires_at": grant.ExpiresAt,
		})
	case r.Method == http.MethodDelete && len(parts) == 3:
		if !a.ensureAuthorized(w, r, "grants", "manage") {
			return
		}
		if err := a.admin.RevokeGrant(r.Context(), actorID(r), userID, parts[2]); err != nil {
			handleIdentityError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		methodNotAllowed(w, "POST, DELETE")
	}
}

func actorID(r *http.Request) string {
	if principal, ok := auth.PrincipalFromContext(r.Context()); ok {
		return principal.UserID
	}
	return ""
}
