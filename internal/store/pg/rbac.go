package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"tourguide.org/internal/auth"
)

func (s *Store) RolesForIdentity(ctx context.Context, identityID string) ([]auth.RoleRecord, error) {
	if s.db == nil {
		return nil, errNoDB
	}
	rows, err := s.db.QueryContext(ctx, `
		select r.id, r.name, coalesce(r.description, ''), r.created_at
		from identity_roles ir
		join roles r on r.id = ir.role_id
		where ir.identity_id = $1
		order by r.name
	`, identityID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []auth.RoleRecord
	for rows.Next() {
		var role auth.RoleRecord
		if err := rows.Scan(&role.ID, &role.Name, &role.Description, &role.CreatedAt); err != nil {
			return nil, err
		}
		result = append(result, role)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func (s *Store) PermissionsForRole(ctx context.Context, roleID string) ([]auth.Permission, error) {
	if s.db == nil {
		return nil, errNoDB
	}
	rows, err := s.db.QueryContext(ctx, `
		select p.id, p.name, p.resource, p.action, coalesce(p.description, ''), p.created_at
		from role_permissions rp
		join permissions p on p.id = rp.permission_id
		where rp.role_id = $1
		order by p.name
	`, roleID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []auth.Permission
	for rows.Next() {
		var p auth.Permission
		if err := rows.Scan(&p.ID, &p.Name, &p.Resource, &p.Action, &p.Description, &p.CreatedAt); err != nil {
			return nil, err
		}
		result = append(result, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

// EnsurePermissions inserts the permissions whose names are not yet present.
func (s *Store) EnsurePermissions(ctx context.Context, perms []auth.Permission) error {
	if s.db == nil {
		return errNoDB
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	for _, p := range perms {
		if _, err := tx.ExecContext(ctx, `
			insert into permissions (id, name, resource, action, description, created_at)
			values ($1, $2, $3, $4, $5, $6)
			on conflict (name) do nothing
		`, p.ID, p.Name, p.Resource, p.Action, nullIfEmpty(p.Description), p.CreatedAt); err != nil {
			return fmt.Errorf("insert permission %s: %w", p.Name, err)
		}
	}
	return tx.Commit()
}

// EnsureRole inserts role unless one with the same name exists, then loads the stored row into role.
func (s *Store) EnsureRole(ctx context.Context, role *auth.RoleRecord) error {
	if s.db == nil {
		return errNoDB
	}
	if _, err := s.db.ExecContext(ctx, `
		insert into roles (id, name, description, created_at)
		values ($1, $2, $3, $4)
		on conflict (name) do nothing
	`, role.ID, role.Name, nullIfEmpty(role.Description), role.CreatedAt); err != nil {
		return err
	}
	stored, err := s.FindRoleByName(ctx, role.Name)
	if err != nil {
		return err
	}
	*role = *stored
	return nil
}

func (s *Store) FindRoleByName(ctx context.Context, name string) (*auth.RoleRecord, error) {
	if s.db == nil {
		return nil, errNoDB
	}
	var role auth.RoleRecord
	err := s.db.QueryRowContext(ctx, `
		select id, name, coalesce(description, ''), created_at
		from roles
		where name = $1
	`, name).Scan(&role.ID, &role.Name, &role.Description, &role.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, auth.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &role, nil
}

// SetRolePermissions replaces the grants of roleID with the named permissions.
func (s *Store) SetRolePermissions(ctx context.Context, roleID string, permissionNames []string) error {
	if s.db == nil {
		return errNoDB
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var exists int
	if err := tx.QueryRowContext(ctx, `select 1 from roles where id = $1`, roleID).Scan(&exists); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return auth.ErrNotFound
		}
		return err
	}

	if _, err := tx.ExecContext(ctx, `delete from role_permissions where role_id = $1`, roleID); err != nil {
		return err
	}
	for _, name := range permissionNames {
		var permID string
		err := tx.QueryRowContext(ctx, `select id from permissions where name = $1`, name).Scan(&permID)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("%w: permission %s not found", auth.ErrNotFound, name)
			}
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			insert into role_permissions (role_id, permission_id)
			values ($1, $2)
		`, roleID, permID); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *Store) AssignRole(ctx context.Context, identityID, roleID string) error {
	if s.db == nil {
		return errNoDB
	}
	_, err := s.db.ExecContext(ctx, `
		insert into identity_roles (identity_id, role_id, created_at)
		values ($1, $2, now())
	`, identityID, roleID)
	if err != nil {
		switch {
		case isUniqueViolation(err):
			return auth.ErrConflict
		case isForeignKeyViolation(err):
			return auth.ErrNotFound
		}
		return err
	}
	return nil
}

func (s *Store) RevokeRole(ctx context.Context, identityID, roleID string) error {
	if s.db == nil {
		return errNoDB
	}
	res, err := s.db.ExecContext(ctx, `
		delete from identity_roles
		where identity_id = $1 and role_id = $2
	`, identityID, roleID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return auth.ErrNotFound
	}
	return nil
}
