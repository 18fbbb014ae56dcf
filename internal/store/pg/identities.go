package pg

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"tourguide.org/internal/auth"
)

// Identities is the auth.IdentityStore view of Store.
type Identities struct{ s *Store }

const identityColumns = `id, email, password_hash, role, active, last_login_at, created_at, updated_at`

func scanIdentity(row interface{ Scan(...any) error }) (*auth.Identity, error) {
	var (
		i         auth.Identity
		role      string
		lastLogin sql.NullTime
	)
	if err := row.Scan(&i.ID, &i.Email, &i.PasswordHash, &role, &i.Active, &lastLogin, &i.CreatedAt, &i.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, auth.ErrNotFound
		}
		return nil, err
	}
	i.Role = auth.Role(role)
	if lastLogin.Valid {
		t := lastLogin.Time
		i.LastLoginAt = &t
	}
	return &i, nil
}

func (r Identities) FindByEmail(ctx context.Context, email string) (*auth.Identity, error) {
	if r.s.db == nil {
		return nil, errNoDB
	}
	return scanIdentity(r.s.db.QueryRowContext(ctx, `
		select `+identityColumns+`
		from identities
		where email = lower($1)
	`, email))
}

func (r Identities) FindByID(ctx context.Context, id string) (*auth.Identity, error) {
	if r.s.db == nil {
		return nil, errNoDB
	}
	return scanIdentity(r.s.db.QueryRowContext(ctx, `
		select `+identityColumns+`
		from identities
		where id = $1
	`, id))
}

func (r Identities) Create(ctx context.Context, identity *auth.Identity) error {
	if r.s.db == nil {
		return errNoDB
	}
	err := r.s.db.QueryRowContext(ctx, `
		insert into identities (id, email, password_hash, role, active, created_at, updated_at)
		values ($1, lower($2), $3, $4, $5, $6, $6)
		returning created_at, updated_at
	`, identity.ID, identity.Email, identity.PasswordHash, string(identity.Role), identity.Active, identity.CreatedAt).
		Scan(&identity.CreatedAt, &identity.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return auth.ErrConflict
		}
		return err
	}
	return nil
}

func (r Identities) Update(ctx context.Context, id string, upd auth.IdentityUpdate) (*auth.Identity, error) {
	if r.s.db == nil {
		return nil, errNoDB
	}
	var (
		email, hash, role sql.NullString
		active            sql.NullBool
	)
	if upd.Email != nil {
		email = sql.NullString{String: *upd.Email, Valid: true}
	}
	if upd.PasswordHash != nil {
		hash = sql.NullString{String: *upd.PasswordHash, Valid: true}
	}
	if upd.Role != nil {
		role = sql.NullString{String: string(*upd.Role), Valid: true}
	}
	if upd.Active != nil {
		active = sql.NullBool{Bool: *upd.Active, Valid: true}
	}
	identity, err := scanIdentity(r.s.db.QueryRowContext(ctx, `
		update identities
		set email = coalesce(lower($2), email),
		    password_hash = coalesce($3, password_hash),
		    role = coalesce($4, role),
		    active = coalesce($5, active),
		    updated_at = now()
		where id = $1
		returning `+identityColumns,
		id, email, hash, role, active))
	if err != nil {
		if isUniqueViolation(err) {
			return nil, auth.ErrConflict
		}
		return nil, err
	}
	return identity, nil
}

func (r Identities) Delete(ctx context.Context, id string) error {
	if r.s.db == nil {
		return errNoDB
	}
	res, err := r.s.db.ExecContext(ctx, `delete from identities where id = $1`, id)
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

func (r Identities) TouchLastLogin(ctx context.Context, id string, at time.Time) error {
	if r.s.db == nil {
		return errNoDB
	}
	res, err := r.s.db.ExecContext(ctx, `update identities set last_login_at = $2 where id = $1`, id, at)
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
