package pg

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"tourguide.org/internal/auth"
)

// Sessions is the auth.SessionStore view of Store.
type Sessions struct{ s *Store }

func (r Sessions) Create(ctx context.Context, session *auth.Session) error {
	if r.s.db == nil {
		return errNoDB
	}
	_, err := r.s.db.ExecContext(ctx, `
		insert into sessions (id, identity_id, fingerprint, origin_ip, user_agent, expires_at, created_at)
		values ($1, $2, $3, $4, $5, $6, $7)
	`, session.ID, session.IdentityID, session.Fingerprint,
		nullIfEmpty(session.OriginIP), nullIfEmpty(session.UserAgent),
		session.ExpiresAt, session.CreatedAt)
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

func (r Sessions) FindByFingerprint(ctx context.Context, fingerprint string) (*auth.Session, error) {
	if r.s.db == nil {
		return nil, errNoDB
	}
	var (
		sess         auth.Session
		originIP, ua sql.NullString
	)
	err := r.s.db.QueryRowContext(ctx, `
		select id, identity_id, fingerprint, origin_ip, user_agent, expires_at, created_at
		from sessions
		where fingerprint = $1
	`, fingerprint).Scan(&sess.ID, &sess.IdentityID, &sess.Fingerprint, &originIP, &ua, &sess.ExpiresAt, &sess.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, auth.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	sess.OriginIP = originIP.String
	sess.UserAgent = ua.String
	return &sess, nil
}

func (r Sessions) Delete(ctx context.Context, id string) error {
	if r.s.db == nil {
		return errNoDB
	}
	res, err := r.s.db.ExecContext(ctx, `delete from sessions where id = $1`, id)
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

func (r Sessions) DeleteByIdentity(ctx context.Context, identityID string) (int64, error) {
	if r.s.db == nil {
		return 0, errNoDB
	}
	res, err := r.s.db.ExecContext(ctx, `delete from sessions where identity_id = $1`, identityID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (r Sessions) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	if r.s.db == nil {
		return 0, errNoDB
	}
	res, err := r.s.db.ExecContext(ctx, `delete from sessions where expires_at <= $1`, now)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
