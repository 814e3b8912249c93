package pg

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"veyra.id/internal/audit"
	"veyra.id/internal/identity"
)

func newMock(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return NewWithDB(db), mock
}

func userRows(u *identity.User) *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"id", "username", "email", "password_hash", "status", "mfa_enabled", "mfa_secret",
		"login_attempts", "locked_until", "last_login_at", "created_at", "updated_at", "deleted_at",
	}).AddRow(u.ID, u.Username, u.Email, u.PasswordHash, string(u.Status), u.MfaEnabled, u.MfaSecret,
		u.LoginAttempts, u.LockedUntil, u.LastLoginAt, u.CreatedAt, u.UpdatedAt, u.DeletedAt)
}

func TestFindByUsername(t *testing.T) {
	store, mock := newMock(t)
	now := time.Now()
	seed := &identity.User{
		ID: "u1", Username: "alice", Email: "alice@example.com", PasswordHash: "hash",
		Status: identity.StatusActive, CreatedAt: now, UpdatedAt: now,
	}
	mock.ExpectQuery("select (.+) from users where username=").
		WithArgs("alice").WillReturnRows(userRows(seed))

	user, err := store.Users(context.Background()).FindByUsername(context.Background(), "alice")
	if err != nil {
		t.Fatalf("FindByUsername: %v", err)
	}
	if user == nil || user.ID != "u1" || user.Status != identity.StatusActive {
		t.Fatalf("user = %+v", user)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestFindByUsernameMissing(t *testing.T) {
	store, mock := newMock(t)
	mock.ExpectQuery("select (.+) from users where username=").
		WithArgs("ghost").WillReturnError(sql.ErrNoRows)

	user, err := store.Users(context.Background()).FindByUsername(context.Background(), "ghost")
	if err != nil {
		t.Fatalf("FindByUsername: %v", err)
	}
	if user != nil {
		t.Fatalf("user = %+v, want nil on missing", user)
	}
}

func TestRecordLoginFailureLocks(t *testing.T) {
	store, mock := newMock(t)
	lockedUntil := time.Now().Add(time.Hour)

	mock.ExpectQuery("update users").
		WithArgs("u1", 5, lockedUntil).
		WillReturnRows(sqlmock.NewRows([]string{"locked"}).AddRow(true))

	locked, err := store.Users(context.Background()).RecordLoginFailure(context.Background(), "u1", 5, lockedUntil)
	if err != nil {
		t.Fatalf("RecordLoginFailure: %v", err)
	}
	if !locked {
		t.Fatal("want locked")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestRecordLoginFailureBelowThreshold(t *testing.T) {
	store, mock := newMock(t)
	lockedUntil := time.Now().Add(time.Hour)

	mock.ExpectQuery("update users").
		WithArgs("u1", 5, lockedUntil).
		WillReturnRows(sqlmock.NewRows([]string{"locked"}).AddRow(false))

	locked, err := store.Users(context.Background()).RecordLoginFailure(context.Background(), "u1", 5, lockedUntil)
	if err != nil {
		t.Fatalf("RecordLoginFailure: %v", err)
	}
	if locked {
		t.Fatal("want not locked")
	}
}

func TestRecordLoginSuccess(t *testing.T) {
	store, mock := newMock(t)
	at := time.Now()

	mock.ExpectExec("update users").
		WithArgs("u1", at).WillReturnResult(sqlmock.NewResult(0, 1))

	if err := store.Users(context.Background()).RecordLoginSuccess(context.Background(), "u1", at); err != nil {
		t.Fatalf("RecordLoginSuccess: %v", err)
	}
}

func TestRotateWinsConditionalUpdate(t *testing.T) {
	store, mock := newMock(t)
	next := &identity.RefreshToken{
		ID: "t2", UserID: "u1", TokenHash: "hash2",
		ExpiresAt: time.Now().Add(time.Hour), CreatedAt: time.Now(),
	}

	mock.ExpectBegin()
	mock.ExpectExec("update refresh_tokens set revoked_at").
		WithArgs("hash1").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("insert into refresh_tokens").
		WithArgs(next.ID, next.UserID, next.TokenHash, next.ExpiresAt,
			sqlmock.AnyArg(), sqlmock.AnyArg(), next.CreatedAt).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	if err := store.RefreshTokens(context.Background()).Rotate(context.Background(), "hash1", next); err != nil {
		t.Fatalf("Rotate: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestRotateLosesWhenAlreadyRevoked(t *testing.T) {
	store, mock := newMock(t)
	next := &identity.RefreshToken{ID: "t2", UserID: "u1", TokenHash: "hash2"}

	mock.ExpectBegin()
	mock.ExpectExec("update refresh_tokens set revoked_at").
		WithArgs("hash1").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	err := store.RefreshTokens(context.Background()).Rotate(context.Background(), "hash1", next)
	if !errors.Is(err, identity.ErrTokenRevoked) {
		t.Fatalf("err = %v, want ErrTokenRevoked", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestGrantsForUser(t *testing.T) {
	store, mock := newMock(t)
	now := time.Now()

	rows := sqlmock.NewRows([]string{
		"user_id", "role_id", "scope", "scope_type", "granted_at", "granted_by", "expires_at", "revoked_at",
	}).
		AddRow("u1", "r1", "org-1", "ORGANIZATION", now, "admin", nil, nil).
		AddRow("u1", "r2", "team-9", "TEAM", now, nil, now.Add(time.Hour), nil)
	mock.ExpectQuery("select (.+) from user_roles where user_id=").
		WithArgs("u1").WillReturnRows(rows)

	grants, err := store.Grants(context.Background()).GrantsForUser(context.Background(), "u1")
	if err != nil {
		t.Fatalf("GrantsForUser: %v", err)
	}
	if len(grants) != 2 {
		t.Fatalf("grants = %d, want 2", len(grants))
	}
	if grants[0].GrantedBy != "admin" || grants[1].GrantedBy != "" {
		t.Fatalf("granted_by = %q / %q", grants[0].GrantedBy, grants[1].GrantedBy)
	}
	if grants[1].ExpiresAt == nil {
		t.Fatal("expires_at must be populated")
	}
}

func TestRevokeGrantMissing(t *testing.T) {
	store, mock := newMock(t)
	at := time.Now()

	mock.ExpectExec("update user_roles set revoked_at").
		WithArgs("u1", "r1", at).WillReturnResult(sqlmock.NewResult(0, 0))

	err := store.Grants(context.Background()).Revoke(context.Background(), "u1", "r1", at)
	if !errors.Is(err, identity.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestRoleRoundTrip(t *testing.T) {
	store, mock := newMock(t)
	now := time.Now()
	parent := "r-parent"

	mock.ExpectExec("insert into roles").
		WithArgs("r1", "ADMIN", 100, false, parent, now, now).
		WillReturnResult(sqlmock.NewResult(1, 1))

	role := &identity.Role{ID: "r1", Name: "ADMIN", Priority: 100, ParentID: &parent, CreatedAt: now, UpdatedAt: now}
	if err := store.Roles(context.Background()).Create(context.Background(), role); err != nil {
		t.Fatalf("Create: %v", err)
	}

	mock.ExpectQuery("select (.+) from roles where id=").
		WithArgs("r1").
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "name", "priority", "is_system", "parent_id", "created_at", "updated_at",
		}).AddRow("r1", "ADMIN", 100, false, parent, now, now))

	found, err := store.Roles(context.Background()).Find(context.Background(), "r1")
	if err != nil {
		t.Fatalf("Find: %v", err)
	}
	if found == nil || found.ParentID == nil || *found.ParentID != parent {
		t.Fatalf("role = %+v", found)
	}
}

func TestAuditInsert(t *testing.T) {
	store, mock := newMock(t)
	at := time.Now()

	mock.ExpectExec("insert into audit_logs").
		WithArgs(sqlmock.AnyArg(), "u1", "auth.login", "user", "u1",
			sqlmock.AnyArg(), sqlmock.AnyArg(), "1.2.3.4", sqlmock.AnyArg(), sqlmock.AnyArg(), at).
		WillReturnResult(sqlmock.NewResult(1, 1))

	err := store.Audit().Insert(context.Background(), audit.Event{
		ActorID:    "u1",
		Action:     "auth.login",
		EntityType: "user",
		EntityID:   "u1",
		IP:         "1.2.3.4",
		OccurredAt: at,
	})
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}
