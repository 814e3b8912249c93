package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"veyra.id/internal/auth"
	"veyra.id/internal/identity"
	"veyra.id/internal/identity/identitytest"
	"veyra.id/internal/rbac"
	"veyra.id/internal/token"
)

// allowAll authorizes everything; individual tests swap in allowNone.
type fakeAuthorizer struct {
	allow bool
}

func (f *fakeAuthorizer) IsAuthorized(context.Context, string, string, string, map[string]any) (bool, error) {
	return f.allow, nil
}

func (f *fakeAuthorizer) InvalidateSubject(string) {}

type testAPI struct {
	handler    http.Handler
	store      *identitytest.Store
	issuer     *token.Issuer
	authorizer *fakeAuthorizer
}

func newTestAPI(t *testing.T) *testAPI {
	t.Helper()
	store := identitytest.NewStore()
	issuer, err := token.NewIssuer([]byte("0123456789abcdef0123456789abcdef"))
	if err != nil {
		t.Fatalf("NewIssuer: %v", err)
	}
	authorizer := &fakeAuthorizer{allow: true}
	service := auth.NewService(
		store, issuer, token.NewLedger(store.RefreshTokens(context.Background())),
		nil, authorizer, rbac.NewResolver(store), nil,
	)
	admin := rbac.NewAdmin(store, nil, nil, nil)
	api := New(service, admin, issuer, ReadyProbe{}, "test")
	return &testAPI{handler: api.Handler(), store: store, issuer: issuer, authorizer: authorizer}
}

func (ta *testAPI) seedUser(t *testing.T, username, password string) {
	t.Helper()
	hashed, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("bcrypt: %v", err)
	}
	ta.store.SeedUser(&identity.User{
		ID:           "u-" + username,
		Username:     username,
		Email:        username + "@example.com",
		PasswordHash: string(hashed),
		Status:       identity.StatusActive,
	})
}

func (ta *testAPI) do(t *testing.T, method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var rdr *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		rdr = bytes.NewReader(b)
	} else {
		rdr = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, rdr)
	req.RemoteAddr = "10.0.0.1:55555"
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	ta.handler.ServeHTTP(rec, req)
	return rec
}

func (ta *testAPI) login(t *testing.T, username, password string) tokenPairResponse {
	t.Helper()
	rec := ta.do(t, http.MethodPost, "/v1/auth/login", loginRequest{Username: username, Password: password}, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("login status = %d: %s", rec.Code, rec.Body.String())
	}
	var pair tokenPairResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &pair); err != nil {
		t.Fatalf("decode pair: %v", err)
	}
	return pair
}

func bearerHeader(raw string) map[string]string {
	return map[string]string{"Authorization": "Bearer " + raw}
}

func TestHealthz(t *testing.T) {
	ta := newTestAPI(t)
	rec := ta.do(t, http.MethodGet, "/healthz", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json; charset=utf-8" {
		t.Fatalf("content-type = %q", ct)
	}
}

func TestLoginEndpoint(t *testing.T) {
	ta := newTestAPI(t)
	ta.seedUser(t, "alice", "s3cret")

	pair := ta.login(t, "alice", "s3cret")
	if pair.AccessToken == "" || pair.RefreshToken == "" || pair.TokenType != "Bearer" {
		t.Fatalf("pair = %+v", pair)
	}

	rec := ta.do(t, http.MethodPost, "/v1/auth/login", loginRequest{Username: "alice", Password: "wrong"}, nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("wrong password status = %d", rec.Code)
	}

	rec = ta.do(t, http.MethodPost, "/v1/auth/login", map[string]any{"username": "alice"}, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("missing password status = %d", rec.Code)
	}

	rec = ta.do(t, http.MethodGet, "/v1/auth/login", nil, nil)
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("GET status = %d", rec.Code)
	}
}

func TestLoginMfaChallenge(t *testing.T) {
	ta := newTestAPI(t)
	hashed, _ := bcrypt.GenerateFromPassword([]byte("hunter2"), bcrypt.MinCost)
	ta.store.SeedUser(&identity.User{
		ID:           "u-bob",
		Username:     "bob",
		Email:        "bob@example.com",
		PasswordHash: string(hashed),
		Status:       identity.StatusActive,
		MfaEnabled:   true,
		MfaSecret:    "GEZDGNBVGY3TQOJQGEZDGNBVGY3TQOJQ",
	})

	rec := ta.do(t, http.MethodPost, "/v1/auth/login", loginRequest{Username: "bob", Password: "hunter2"}, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	var out struct {
		MfaRequired    bool   `json:"mfa_required"`
		TemporaryToken string `json:"temporary_token"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !out.MfaRequired || out.TemporaryToken == "" {
		t.Fatalf("out = %+v", out)
	}

	// A bad code on the follow-up is a 401.
	rec = ta.do(t, http.MethodPost, "/v1/auth/mfa/login",
		mfaLoginRequest{TemporaryToken: out.TemporaryToken, Code: "000000"}, nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("bad code status = %d", rec.Code)
	}
}

func TestRefreshEndpoint(t *testing.T) {
	ta := newTestAPI(t)
	ta.seedUser(t, "alice", "s3cret")
	pair := ta.login(t, "alice", "s3cret")

	rec := ta.do(t, http.MethodPost, "/v1/auth/refresh", refreshRequest{RefreshToken: pair.RefreshToken}, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("refresh status = %d: %s", rec.Code, rec.Body.String())
	}

	// The old token was rotated away.
	rec = ta.do(t, http.MethodPost, "/v1/auth/refresh", refreshRequest{RefreshToken: pair.RefreshToken}, nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("reuse status = %d", rec.Code)
	}
}

func TestLogoutEndpoint(t *testing.T) {
	ta := newTestAPI(t)
	ta.seedUser(t, "alice", "s3cret")
	pair := ta.login(t, "alice", "s3cret")

	rec := ta.do(t, http.MethodPost, "/v1/auth/logout", refreshRequest{RefreshToken: pair.RefreshToken}, nil)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("logout status = %d", rec.Code)
	}
	rec = ta.do(t, http.MethodPost, "/v1/auth/refresh", refreshRequest{RefreshToken: pair.RefreshToken}, nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("refresh after logout status = %d", rec.Code)
	}
}

func TestProtectedEndpointsRequireBearer(t *testing.T) {
	ta := newTestAPI(t)
	ta.seedUser(t, "alice", "s3cret")

	rec := ta.do(t, http.MethodPost, "/v1/auth/mfa/setup", nil, nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("no token status = %d", rec.Code)
	}
	rec = ta.do(t, http.MethodPost, "/v1/auth/mfa/setup", nil, bearerHeader("garbage"))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("garbage token status = %d", rec.Code)
	}

	pair := ta.login(t, "alice", "s3cret")
	rec = ta.do(t, http.MethodPost, "/v1/auth/mfa/setup", nil, bearerHeader(pair.AccessToken))
	if rec.Code != http.StatusOK {
		t.Fatalf("mfa setup status = %d: %s", rec.Code, rec.Body.String())
	}
	var out struct {
		Secret     string `json:"secret"`
		OtpauthURI string `json:"otpauth_uri"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.Secret == "" || out.OtpauthURI == "" {
		t.Fatalf("out = %+v", out)
	}

	// A refresh token is not an access token.
	rec = ta.do(t, http.MethodPost, "/v1/auth/mfa/setup", nil, bearerHeader(pair.RefreshToken))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("refresh-as-access status = %d", rec.Code)
	}
}

func TestAuthzCheckEndpoint(t *testing.T) {
	ta := newTestAPI(t)
	ta.seedUser(t, "alice", "s3cret")
	pair := ta.login(t, "alice", "s3cret")

	rec := ta.do(t, http.MethodPost, "/v1/authz/check",
		authzCheckRequest{Resource: "reports", Action: "read"}, bearerHeader(pair.AccessToken))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	var out struct {
		Allowed bool `json:"allowed"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !out.Allowed {
		t.Fatal("want allowed")
	}

	rec = ta.do(t, http.MethodPost, "/v1/authz/check",
		authzCheckRequest{Resource: "", Action: "read"}, bearerHeader(pair.AccessToken))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("empty resource status = %d", rec.Code)
	}
}

func TestRoleAdminEndpoints(t *testing.T) {
	ta := newTestAPI(t)
	ta.seedUser(t, "root", "adminpw")
	pair := ta.login(t, "root", "adminpw")
	hdr := bearerHeader(pair.AccessToken)

	rec := ta.do(t, http.MethodPost, "/v1/roles", roleRequest{Name: "AUDITOR", Priority: 50}, hdr)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create status = %d: %s", rec.Code, rec.Body.String())
	}
	var created roleResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if created.ID == "" || rec.Header().Get("Location") != "/v1/roles/"+created.ID {
		t.Fatalf("created = %+v, location = %q", created, rec.Header().Get("Location"))
	}

	rec = ta.do(t, http.MethodGet, "/v1/roles", nil, hdr)
	if rec.Code != http.StatusOK {
		t.Fatalf("list status = %d", rec.Code)
	}

	rec = ta.do(t, http.MethodPut, "/v1/roles/"+created.ID, roleRequest{Name: "AUDITOR", Priority: 60}, hdr)
	if rec.Code != http.StatusOK {
		t.Fatalf("update status = %d: %s", rec.Code, rec.Body.String())
	}

	// Grant it and revoke it.
	rec = ta.do(t, http.MethodPost, "/v1/users/u-root/roles",
		grantRequest{RoleID: created.ID, Scope: "org-1", ScopeType: "ORGANIZATION"}, hdr)
	if rec.Code != http.StatusCreated {
		t.Fatalf("grant status = %d: %s", rec.Code, rec.Body.String())
	}
	rec = ta.do(t, http.MethodDelete, "/v1/users/u-root/roles/"+created.ID, nil, hdr)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("revoke status = %d: %s", rec.Code, rec.Body.String())
	}

	rec = ta.do(t, http.MethodDelete, "/v1/roles/"+created.ID, nil, hdr)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("delete status = %d", rec.Code)
	}
}

func TestRoleAdminForbiddenWhenPolicyDenies(t *testing.T) {
	ta := newTestAPI(t)
	ta.seedUser(t, "alice", "s3cret")
	pair := ta.login(t, "alice", "s3cret")
	ta.authorizer.allow = false

	rec := ta.do(t, http.MethodPost, "/v1/roles", roleRequest{Name: "X", Priority: 1}, bearerHeader(pair.AccessToken))
	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", rec.Code)
	}
}

func TestSystemRoleImmutableOverHTTP(t *testing.T) {
	ta := newTestAPI(t)
	ta.seedUser(t, "root", "adminpw")
	ta.store.SeedRole(&identity.Role{
		ID: "r-sys", Name: "SUPER_ADMIN", Priority: 1000, IsSystem: true,
		CreatedAt: time.Now(), UpdatedAt: time.Now(),
	})
	pair := ta.login(t, "root", "adminpw")

	rec := ta.do(t, http.MethodDelete, "/v1/roles/r-sys", nil, bearerHeader(pair.AccessToken))
	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", rec.Code)
	}
}
