package policy

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"veyra.id/internal/identity"
)

func TestClientEvaluate(t *testing.T) {
	var got map[string]Input
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s, want POST", r.Method)
		}
		if r.URL.Path != "/v1/data/identity/authz" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode request: %v", err)
		}
		_, _ = w.Write([]byte(`{"result":{"allow":true}}`))
	}))
	defer srv.Close()

	client := NewClient(srv.URL)
	allow, err := client.Evaluate(context.Background(), Input{
		SubjectID: "user-1",
		Resource:  "reports",
		Action:    "read",
	})
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if !allow {
		t.Fatal("want allow")
	}

	in, ok := got["input"]
	if !ok {
		t.Fatal("request body missing input envelope")
	}
	if in.SubjectID != "user-1" || in.Resource != "reports" || in.Action != "read" {
		t.Fatalf("unexpected input: %+v", in)
	}
}

func TestClientEvaluateDeny(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"result":{"allow":false}}`))
	}))
	defer srv.Close()

	allow, err := NewClient(srv.URL).Evaluate(context.Background(), Input{})
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if allow {
		t.Fatal("want deny")
	}
}

func TestClientEvaluateServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	_, err := NewClient(srv.URL).Evaluate(context.Background(), Input{})
	if !errors.Is(err, identity.ErrPolicyUnavailable) {
		t.Fatalf("err = %v, want ErrPolicyUnavailable", err)
	}
}

func TestClientEvaluateUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close()

	_, err := NewClient(srv.URL).Evaluate(context.Background(), Input{})
	if !errors.Is(err, identity.ErrPolicyUnavailable) {
		t.Fatalf("err = %v, want ErrPolicyUnavailable", err)
	}
}

func TestClientPushSnapshot(t *testing.T) {
	var got Snapshot
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPut {
			t.Errorf("method = %s, want PUT", r.Method)
		}
		if r.URL.Path != "/v1/data/identity" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode request: %v", err)
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	snap := Snapshot{
		Roles:       []identity.Role{{ID: "r1", Name: "ADMIN", Priority: 100}},
		Permissions: []identity.Permission{{ID: "p1", Key: "reports:read"}},
	}
	if err := NewClient(srv.URL).PushSnapshot(context.Background(), snap); err != nil {
		t.Fatalf("PushSnapshot: %v", err)
	}
	if len(got.Roles) != 1 || got.Roles[0].Name != "ADMIN" {
		t.Fatalf("unexpected snapshot: %+v", got)
	}
}

func TestClientPushSnapshotServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	err := NewClient(srv.URL).PushSnapshot(context.Background(), Snapshot{})
	if !errors.Is(err, identity.ErrPolicyUnavailable) {
		t.Fatalf("err = %v, want ErrPolicyUnavailable", err)
	}
}
