package auth

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"tourguide.org/internal/ids"
	"tourguide.org/internal/obs"
)

// DefaultSessionTTL is the validity window of a new session.
const DefaultSessionTTL = 24 * time.Hour

// SessionManager binds issued tokens to server-side session rows.
// Rows are located by an HMAC fingerprint of the raw token; raw tokens are never stored.
type SessionManager struct {
	sessions   SessionStore
	identities IdentityStore
	key        []byte
	ttl        time.Duration
	log        *slog.Logger
}

// SessionOption configures a SessionManager.
type SessionOption func(*SessionManager)

// WithSessionTTL configures the session validity window.
func WithSessionTTL(ttl time.Duration) SessionOption {
	return func(m *SessionManager) {
		if ttl > 0 {
			m.ttl = ttl
		}
	}
}

// WithSessionLogger sets the logger used for sweep and revocation messages.
func WithSessionLogger(log *slog.Logger) SessionOption {
	return func(m *SessionManager) {
		if log != nil {
			m.log = log
		}
	}
}

// NewSessionManager constructs a manager. fingerprintKey keys the token HMAC.
func NewSessionManager(sessions SessionStore, identities IdentityStore, fingerprintKey []byte, opts ...SessionOption) (*SessionManager, error) {
	if sessions == nil || identities == nil {
		return nil, errors.New("auth: session and identity stores are required")
	}
	if len(fingerprintKey) == 0 {
		return nil, ErrMissingSecret
	}
	m := &SessionManager{
		sessions:   sessions,
		identities: identities,
		key:        append([]byte(nil), fingerprintKey...),
		ttl:        DefaultSessionTTL,
		log:        obs.Logger(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Fingerprint derives the lookup key for rawToken.
func (m *SessionManager) Fingerprint(rawToken string) string {
	mac := hmac.New(sha256.New, m.key)
	mac.Write([]byte(rawToken))
	return hex.EncodeToString(mac.Sum(nil))
}

// Create stores a session for identity bound to rawToken, valid until now+TTL.
func (m *SessionManager) Create(ctx context.Context, identity *Identity, rawToken, originIP, userAgent string, now time.Time) (*Session, error) {
	if identity == nil || identity.ID == "" {
		return nil, fmt.Errorf("%w: identity is required", ErrInvalidInput)
	}
	if strings.TrimSpace(rawToken) == "" {
		return nil, authnError(MissingToken)
	}
	now = now.UTC()
	session := &Session{
		ID:          ids.NewAt(now),
		IdentityID:  identity.ID,
		Fingerprint: m.Fingerprint(rawToken),
		OriginIP:    originIP,
		UserAgent:   userAgent,
		ExpiresAt:   now.Add(m.ttl),
		CreatedAt:   now,
	}
	if err := m.sessions.Create(ctx, session); err != nil {
		if errors.Is(err, ErrConflict) {
			return nil, fmt.Errorf("create session: fingerprint already bound: %w", err)
		}
		return nil, storageError("create session", err)
	}
	return session, nil
}

// Validate returns the live session bound to rawToken and its identity.
func (m *SessionManager) Validate(ctx context.Context, rawToken string, now time.Time) (*Session, *Identity, error) {
	if strings.TrimSpace(rawToken) == "" {
		return nil, nil, authnError(MissingToken)
	}
	session, err := m.sessions.FindByFingerprint(ctx, m.Fingerprint(rawToken))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, nil, authnError(SessionNotFound)
		}
		return nil, nil, storageError("find session", err)
	}
	if session.Expired(now) {
		return nil, nil, authnError(SessionExpired)
	}
	identity, err := m.identities.FindByID(ctx, session.IdentityID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, nil, authnError(IdentityInactive)
		}
		return nil, nil, storageError("find identity", err)
	}
	if !identity.Active {
		return nil, nil, authnError(IdentityInactive)
	}
	return session, identity, nil
}

// Destroy removes a single session. Destroying a missing session is not an error.
func (m *SessionManager) Destroy(ctx context.Context, sessionID string) error {
	if strings.TrimSpace(sessionID) == "" {
		return fmt.Errorf("%w: session id is required", ErrInvalidInput)
	}
	if err := m.sessions.Delete(ctx, sessionID); err != nil && !errors.Is(err, ErrNotFound) {
		return storageError("delete session", err)
	}
	return nil
}

// DestroyAll removes every session of identityID and returns how many were removed.
func (m *SessionManager) DestroyAll(ctx context.Context, identityID string) (int64, error) {
	if strings.TrimSpace(identityID) == "" {
		return 0, fmt.Errorf("%w: identity id is required", ErrInvalidInput)
	}
	n, err := m.sessions.DeleteByIdentity(ctx, identityID)
	if err != nil {
		return 0, storageError("delete identity sessions", err)
	}
	if n > 0 {
		m.log.Info("sessions revoked", "identity_id", identityID, "count", n)
	}
	return n, nil
}

// SweepExpired removes every session with expiry <= now and returns the count.
func (m *SessionManager) SweepExpired(ctx context.Context, now time.Time) (int64, error) {
	n, err := m.sessions.DeleteExpired(ctx, now.UTC())
	if err != nil {
		return 0, storageError("sweep sessions", err)
	}
	obs.SessionsSwept(n)
	return n, nil
}
