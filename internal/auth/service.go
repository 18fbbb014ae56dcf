package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"tourguide.org/internal/ids"
	"tourguide.org/internal/obs"
)

// Service is the login/logout/authenticate façade over the token codec, session manager,
// permission resolver and guard.
type Service struct {
	identities IdentityStore
	roles      RoleAdminStore
	tokens     *TokenCodec
	sessions   *SessionManager
	resolver   *PermissionResolver
	guard      *Guard
	events     *emitter
	now        func() time.Time
	log        *slog.Logger
}

// ServiceOption configures Service behavior.
type ServiceOption func(*Service) error

// WithClock overrides the time source (useful for tests).
func WithClock(fn func() time.Time) ServiceOption {
	return func(s *Service) error {
		if fn != nil {
			s.now = fn
		}
		return nil
	}
}

// WithLogger sets the structured logger.
func WithLogger(log *slog.Logger) ServiceOption {
	return func(s *Service) error {
		if log != nil {
			s.log = log
		}
		return nil
	}
}

// WithAudit sends login, logout and denial events to sink.
func WithAudit(sink AuditSink) ServiceOption {
	return func(s *Service) error {
		s.events.sink = sink
		return nil
	}
}

// WithRoleAdmin lets Register assign the builtin role matching the identity role.
func WithRoleAdmin(roles RoleAdminStore) ServiceOption {
	return func(s *Service) error {
		s.roles = roles
		return nil
	}
}

// NewService constructs Service with optional configuration.
func NewService(identities IdentityStore, tokens *TokenCodec, sessions *SessionManager, resolver *PermissionResolver, opts ...ServiceOption) (*Service, error) {
	if identities == nil || tokens == nil || sessions == nil || resolver == nil {
		return nil, errors.New("auth: identities, tokens, sessions and resolver are required")
	}
	svc := &Service{
		identities: identities,
		tokens:     tokens,
		sessions:   sessions,
		resolver:   resolver,
		events:     newEmitter(),
		now:        time.Now,
		log:        obs.Logger(),
	}
	for _, opt := range opts {
		if err := opt(svc); err != nil {
			return nil, err
		}
	}
	svc.events.log = svc.log
	svc.events.now = svc.now
	guard, err := NewGuard(resolver,
		WithGuardAudit(svc.events.sink),
		WithGuardLogger(svc.log),
		WithGuardClock(svc.now),
	)
	if err != nil {
		return nil, err
	}
	svc.guard = guard
	return svc, nil
}

// Guard returns the authorization guard sharing this service's resolver and audit sink.
func (s *Service) Guard() *Guard { return s.guard }

// Sessions returns the session manager.
func (s *Service) Sessions() *SessionManager { return s.sessions }

// LoginRequest carries credentials and request metadata for Login.
type LoginRequest struct {
	Email     string
	Password  string
	OriginIP  string
	UserAgent string
}

// LoginResult is returned by a successful Login. Identity carries no password hash.
type LoginResult struct {
	Identity  Identity
	Token     string
	ExpiresAt time.Time
	Session   *Session
}

// dummyHash keeps the cost of a login for an unknown email close to that of a known one.
var dummyHash = sync.OnceValue(func() string {
	h, _ := HashPassword("tourguide-timing-equaliser")
	return h
})

// Login verifies credentials, issues a token and persists its session.
func (s *Service) Login(ctx context.Context, req LoginRequest) (*LoginResult, error) {
	now := s.now().UTC()
	email := normalizeEmail(req.Email)
	if email == "" || req.Password == "" {
		return nil, s.loginFailed(ctx, email, "", InvalidCredentials)
	}

	identity, err := s.identities.FindByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			_ = VerifyPassword(dummyHash(), req.Password)
			return nil, s.loginFailed(ctx, email, "", InvalidCredentials)
		}
		return nil, s.loginAborted(ctx, email, "", s.storageFailure("find identity by email", err))
	}
	if err := VerifyPassword(identity.PasswordHash, req.Password); err != nil {
		if !errors.Is(err, ErrPasswordMismatch) {
			s.log.Error("password verification failed", "identity_id", identity.ID, "error", err)
		}
		return nil, s.loginFailed(ctx, email, identity.ID, InvalidCredentials)
	}
	if !identity.Active {
		return nil, s.loginFailed(ctx, email, identity.ID, IdentityInactive)
	}

	token, expiresAt, err := s.tokens.Issue(identity, now)
	if err != nil {
		return nil, s.loginAborted(ctx, email, identity.ID, fmt.Errorf("issue token: %w", err))
	}
	session, err := s.sessions.Create(ctx, identity, token, req.OriginIP, req.UserAgent, now)
	if err != nil {
		return nil, s.loginAborted(ctx, email, identity.ID, s.storageFailure("create session", err))
	}
	if err := s.identities.TouchLastLogin(ctx, identity.ID, now); err != nil {
		s.log.Warn("update last login failed", "identity_id", identity.ID, "error", err)
	} else {
		identity.LastLoginAt = &now
	}

	obs.AuthDecision("login", true, "")
	s.events.emit(ctx, AuditEvent{
		Action:     "auth.login",
		Resource:   "session",
		ResourceID: session.ID,
		ActorID:    identity.ID,
		Details: map[string]string{
			"outcome":    "success",
			"origin_ip":  req.OriginIP,
			"user_agent": req.UserAgent,
		},
		OccurredAt: now,
	})
	s.log.Info("login succeeded", "identity_id", identity.ID, "session_id", session.ID)

	if session.ExpiresAt.Before(expiresAt) {
		expiresAt = session.ExpiresAt
	}
	return &LoginResult{
		Identity:  identity.Public(),
		Token:     token,
		ExpiresAt: expiresAt,
		Session:   session,
	}, nil
}

func (s *Service) loginFailed(ctx context.Context, email, identityID string, kind AuthnKind) error {
	obs.AuthDecision("login", false, string(kind))
	s.emitLoginFailure(ctx, email, identityID, string(kind))
	s.log.Warn("login failed", "email", email, "reason", kind)
	return authnError(kind)
}

// loginAborted records a login that failed for a reason other than the credentials.
func (s *Service) loginAborted(ctx context.Context, email, identityID string, err error) error {
	reason := failureReason(err)
	obs.AuthDecision("login", false, reason)
	s.emitLoginFailure(ctx, email, identityID, reason)
	return err
}

func (s *Service) emitLoginFailure(ctx context.Context, email, identityID, reason string) {
	s.events.emit(ctx, AuditEvent{
		Action:     "auth.login",
		Resource:   "identity",
		ResourceID: identityID,
		ActorID:    identityID,
		Details: map[string]string{
			"outcome": "failure",
			"reason":  reason,
			"email":   email,
		},
	})
}

// Logout destroys a session. The token bound to it no longer authenticates.
func (s *Service) Logout(ctx context.Context, sessionID string) error {
	actor, _ := IdentityIDFromContext(ctx)
	if err := s.sessions.Destroy(ctx, sessionID); err != nil {
		if errors.Is(err, ErrStorageUnavailable) {
			err = s.storageFailure("logout", err)
		}
		s.events.emit(ctx, AuditEvent{
			Action:     "auth.logout",
			Resource:   "session",
			ResourceID: sessionID,
			ActorID:    actor,
			Details:    map[string]string{"outcome": "failure", "reason": failureReason(err)},
		})
		return err
	}
	s.events.emit(ctx, AuditEvent{
		Action:     "auth.logout",
		Resource:   "session",
		ResourceID: sessionID,
		ActorID:    actor,
		Details:    map[string]string{"outcome": "success"},
	})
	return nil
}

// LogoutAll destroys every session of identityID and returns how many were removed.
func (s *Service) LogoutAll(ctx context.Context, identityID string) (int64, error) {
	actor, _ := IdentityIDFromContext(ctx)
	n, err := s.sessions.DestroyAll(ctx, identityID)
	if err != nil {
		if errors.Is(err, ErrStorageUnavailable) {
			err = s.storageFailure("logout all", err)
		}
		s.events.emit(ctx, AuditEvent{
			Action:     "auth.logout_all",
			Resource:   "identity",
			ResourceID: identityID,
			ActorID:    actor,
			Details:    map[string]string{"outcome": "failure", "reason": failureReason(err)},
		})
		return 0, err
	}
	s.events.emit(ctx, AuditEvent{
		Action:     "auth.logout_all",
		Resource:   "identity",
		ResourceID: identityID,
		ActorID:    actor,
		Details:    map[string]string{"outcome": "success", "revoked": fmt.Sprintf("%d", n)},
	})
	return n, nil
}

// Authenticate verifies rawToken and the live session bound to it.
func (s *Service) Authenticate(ctx context.Context, rawToken string) (*Principal, error) {
	now := s.now()
	claims, err := s.tokens.Verify(rawToken, now)
	if err != nil {
		obs.AuthDecision("authenticate", false, Kind(err))
		return nil, err
	}
	session, identity, err := s.sessions.Validate(ctx, rawToken, now)
	if err != nil {
		if errors.Is(err, ErrStorageUnavailable) {
			return nil, s.storageFailure("validate session", err)
		}
		obs.AuthDecision("authenticate", false, Kind(err))
		return nil, err
	}
	if session.IdentityID != claims.IdentityID() {
		obs.AuthDecision("authenticate", false, string(SessionNotFound))
		s.log.Warn("session identity does not match token subject",
			"session_id", session.ID, "subject", claims.IdentityID())
		return nil, authnError(SessionNotFound)
	}
	obs.AuthDecision("authenticate", true, "")
	return &Principal{Identity: identity, Session: session}, nil
}

// Permissions returns the resolved permission set of the principal.
func (s *Service) Permissions(ctx context.Context, p *Principal) (PermissionSet, error) {
	if err := authenticated(p); err != nil {
		return nil, err
	}
	set, err := s.resolver.Resolve(ctx, p.Identity.ID)
	if err != nil && errors.Is(err, ErrStorageUnavailable) {
		return nil, s.storageFailure("resolve permissions", err)
	}
	return set, err
}

// Register creates an active identity and assigns it the builtin role matching role.
func (s *Service) Register(ctx context.Context, email, password string, role Role) (*Identity, error) {
	email = normalizeEmail(email)
	if email == "" || !strings.Contains(email, "@") {
		return nil, fmt.Errorf("%w: valid email is required", ErrInvalidInput)
	}
	if strings.TrimSpace(password) == "" {
		return nil, fmt.Errorf("%w: password is required", ErrInvalidInput)
	}
	if role == "" {
		role = RoleUser
	}
	if _, ok := ParseRole(string(role)); !ok {
		return nil, fmt.Errorf("%w: unsupported role %s", ErrInvalidInput, role)
	}
	hash, err := HashPassword(password)
	if err != nil {
		return nil, err
	}
	now := s.now().UTC()
	identity := &Identity{
		ID:           ids.NewAt(now),
		Email:        email,
		PasswordHash: hash,
		Role:         role,
		Active:       true,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.identities.Create(ctx, identity); err != nil {
		if errors.Is(err, ErrConflict) {
			return nil, fmt.Errorf("%w: email already registered", ErrConflict)
		}
		return nil, s.storageFailure("create identity", err)
	}
	if s.roles != nil {
		if err := s.assignBuiltinRole(ctx, identity.ID, role); err != nil {
			return nil, err
		}
	}
	s.events.emit(ctx, AuditEvent{
		Action:     "identity.register",
		Resource:   "identity",
		ResourceID: identity.ID,
		ActorID:    identity.ID,
		Details:    map[string]string{"role": string(role)},
		OccurredAt: now,
	})
	public := identity.Public()
	return &public, nil
}

func (s *Service) assignBuiltinRole(ctx context.Context, identityID string, role Role) error {
	rec, err := s.roles.FindRoleByName(ctx, string(role))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			s.log.Warn("builtin role missing; identity left without assignment", "role", role)
			return nil
		}
		return s.storageFailure("find role", err)
	}
	if err := s.roles.AssignRole(ctx, identityID, rec.ID); err != nil && !errors.Is(err, ErrConflict) {
		return s.storageFailure("assign role", err)
	}
	return nil
}

// Deactivate marks the identity inactive. Its sessions stay in place until logout or expiry,
// and every token bound to them fails with IdentityInactive.
func (s *Service) Deactivate(ctx context.Context, identityID string) error {
	inactive := false
	if _, err := s.identities.Update(ctx, identityID, IdentityUpdate{Active: &inactive}); err != nil {
		if errors.Is(err, ErrNotFound) {
			return err
		}
		return s.storageFailure("deactivate identity", err)
	}
	s.resolver.Invalidate(identityID)
	actor, _ := IdentityIDFromContext(ctx)
	s.events.emit(ctx, AuditEvent{
		Action:     "identity.deactivate",
		Resource:   "identity",
		ResourceID: identityID,
		ActorID:    actor,
	})
	return nil
}

// ChangePassword verifies current, stores next and revokes every session of the identity.
func (s *Service) ChangePassword(ctx context.Context, identityID, current, next string) error {
	identity, err := s.identities.FindByID(ctx, identityID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return err
		}
		return s.storageFailure("find identity", err)
	}
	if err := VerifyPassword(identity.PasswordHash, current); err != nil {
		return authnError(InvalidCredentials)
	}
	if strings.TrimSpace(next) == "" {
		return fmt.Errorf("%w: password is required", ErrInvalidInput)
	}
	hash, err := HashPassword(next)
	if err != nil {
		return err
	}
	if _, err := s.identities.Update(ctx, identityID, IdentityUpdate{PasswordHash: &hash}); err != nil {
		return s.storageFailure("update password", err)
	}
	if _, err := s.sessions.DestroyAll(ctx, identityID); err != nil {
		return s.storageFailure("destroy sessions", err)
	}
	s.events.emit(ctx, AuditEvent{
		Action:     "identity.password_change",
		Resource:   "identity",
		ResourceID: identityID,
		ActorID:    identityID,
	})
	return nil
}

// storageFailure logs the full cause and returns an error that only says storage failed.
func (s *Service) storageFailure(op string, err error) error {
	s.log.Error("storage failure", "op", op, "error", err)
	return storageError(op, err)
}

// failureReason classifies err for audit details.
func failureReason(err error) string {
	switch {
	case errors.Is(err, ErrStorageUnavailable):
		return "storage_unavailable"
	case errors.Is(err, ErrInvalidInput):
		return "invalid_input"
	default:
		return Kind(err)
	}
}

func normalizeEmail(email string) string {
	return strings.TrimSpace(strings.ToLower(email))
}
