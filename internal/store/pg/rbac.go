package pg

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"veyra.id/internal/identity"
)

type roleStore struct {
	db *sql.DB
}

const roleColumns = `id, name, priority, is_system, parent_id, created_at, updated_at`

func (s *roleStore) Create(ctx context.Context, role *identity.Role) error {
	_, err := s.db.ExecContext(ctx, `
		insert into roles(id, name, priority, is_system, parent_id, created_at, updated_at)
		values ($1,$2,$3,$4,$5,$6,$7)
	`, role.ID, role.Name, role.Priority, role.IsSystem, nullStringPtr(role.ParentID), role.CreatedAt, role.UpdatedAt)
	return err
}

func (s *roleStore) Find(ctx context.Context, id string) (*identity.Role, error) {
	return s.findOne(ctx, `select `+roleColumns+` from roles where id=$1`, id)
}

func (s *roleStore) FindByName(ctx context.Context, name string) (*identity.Role, error) {
	return s.findOne(ctx, `select `+roleColumns+` from roles where name=$1`, name)
}

func (s *roleStore) findOne(ctx context.Context, query string, arg any) (*identity.Role, error) {
	var r identity.Role
	var parent sql.NullString
	err := s.db.QueryRowContext(ctx, query, arg).Scan(
		&r.ID, &r.Name, &r.Priority, &r.IsSystem, &parent, &r.CreatedAt, &r.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	r.ParentID = stringPtr(parent)
	return &r, nil
}

func (s *roleStore) List(ctx context.Context) ([]*identity.Role, error) {
	rows, err := s.db.QueryContext(ctx, `select `+roleColumns+` from roles order by priority desc, name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*identity.Role
	for rows.Next() {
		var r identity.Role
		var parent sql.NullString
		if err := rows.Scan(&r.ID, &r.Name, &r.Priority, &r.IsSystem, &parent, &r.CreatedAt, &r.UpdatedAt); err != nil {
			return nil, err
		}
		r.ParentID = stringPtr(parent)
		out = append(out, &r)
	}
	return out, rows.Err()
}

func (s *roleStore) Update(ctx context.Context, role *identity.Role) error {
	res, err := s.db.ExecContext(ctx, `
		update roles set name=$2, priority=$3, parent_id=$4, updated_at=$5
		where id=$1
	`, role.ID, role.Name, role.Priority, nullStringPtr(role.ParentID), role.UpdatedAt)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return identity.ErrNotFound
	}
	return nil
}

func (s *roleStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `delete from roles where id=$1`, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return identity.ErrNotFound
	}
	return nil
}

type grantStore struct {
	db *sql.DB
}

func (s *grantStore) Create(ctx context.Context, grant *identity.RoleGrant) error {
	_, err := s.db.ExecContext(ctx, `
		insert into user_roles(user_id, role_id, scope, scope_type, granted_at, granted_by, expires_at)
		values ($1,$2,$3,$4,$5,$6,$7)
	`, grant.UserID, grant.RoleID, grant.Scope, grant.ScopeType, grant.GrantedAt,
		nullString(grant.GrantedBy), nullTime(grant.ExpiresAt))
	return err
}

func (s *grantStore) GrantsForUser(ctx context.Context, userID string) ([]*identity.RoleGrant, error) {
	rows, err := s.db.QueryContext(ctx, `
		select user_id, role_id, scope, scope_type, granted_at, granted_by, expires_at, revoked_at
		from user_roles where user_id=$1
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*identity.RoleGrant
	for rows.Next() {
		var g identity.RoleGrant
		var grantedBy sql.NullString
		var expiresAt, revokedAt sql.NullTime
		if err := rows.Scan(&g.UserID, &g.RoleID, &g.Scope, &g.ScopeType, &g.GrantedAt,
			&grantedBy, &expiresAt, &revokedAt); err != nil {
			return nil, err
		}
		g.GrantedBy = stringVal(grantedBy)
		g.ExpiresAt = timePtr(expiresAt)
		g.RevokedAt = timePtr(revokedAt)
		out = append(out, &g)
	}
	return out, rows.Err()
}

func (s *grantStore) Revoke(ctx context.Context, userID, roleID string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		update user_roles set revoked_at=$3
		where user_id=$1 and role_id=$2 and revoked_at is null
	`, userID, roleID, at)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return identity.ErrNotFound
	}
	return nil
}

type permissionStore struct {
	db *sql.DB
}

func (s *permissionStore) List(ctx context.Context) ([]*identity.Permission, error) {
	rows, err := s.db.QueryContext(ctx, `
		select id, key, coalesce(description, ''), created_at from permissions order by key
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*identity.Permission
	for rows.Next() {
		var p identity.Permission
		if err := rows.Scan(&p.ID, &p.Key, &p.Description, &p.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, &p)
	}
	return out, rows.Err()
}

func (s *permissionStore) RolePermissions(ctx context.Context) ([]*identity.RolePermission, error) {
	rows, err := s.db.QueryContext(ctx, `select role_id, permission_id from role_permissions`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*identity.RolePermission
	for rows.Next() {
		var l identity.RolePermission
		if err := rows.Scan(&l.RoleID, &l.PermissionID); err != nil {
			return nil, err
		}
		out = append(out, &l)
	}
	return out, rows.Err()
}
