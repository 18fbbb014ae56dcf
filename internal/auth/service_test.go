package auth

import (
	"context"
	"errors"
	"slices"
	"testing"
	"time"
)

type serviceFixture struct {
	svc   *Service
	store *fakeStore
	clock *fixedClock
	rbac  *RBACService
}

func newServiceFixture(t *testing.T) *serviceFixture {
	t.Helper()
	store := newFakeStore()
	clock := newClock(time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC))
	tokens, err := NewTokenCodec(testSecret, WithTokenTTL(2*time.Hour))
	if err != nil {
		t.Fatalf("NewTokenCodec: %v", err)
	}
	sessions := newTestSessions(t, store, WithSessionTTL(time.Hour))
	resolver, err := NewPermissionResolver(store, WithResolverClock(clock.Now))
	if err != nil {
		t.Fatalf("NewPermissionResolver: %v", err)
	}
	rbac, err := NewRBACService(store, resolver)
	if err != nil {
		t.Fatalf("NewRBACService: %v", err)
	}
	if err := rbac.EnsureBuiltins(context.Background()); err != nil {
		t.Fatalf("EnsureBuiltins: %v", err)
	}
	svc, err := NewService(identityStore{store}, tokens, sessions, resolver,
		WithClock(clock.Now),
		WithAudit(store),
		WithRoleAdmin(store),
	)
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	return &serviceFixture{svc: svc, store: store, clock: clock, rbac: rbac}
}

func TestServiceLoginAuthenticateLogout(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()

	registered, err := f.svc.Register(ctx, " Guide@Example.com ", "s3cret-pass", RoleModerator)
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if registered.PasswordHash != "" {
		t.Fatalf("expected public identity without hash")
	}

	res, err := f.svc.Login(ctx, LoginRequest{Email: "guide@example.com", Password: "s3cret-pass", OriginIP: "10.1.1.1", UserAgent: "test"})
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if res.Token == "" || res.Identity.PasswordHash != "" {
		t.Fatalf("unexpected login result %+v", res)
	}
	// The session is shorter lived than the token; the earlier bound is reported.
	if !res.ExpiresAt.Equal(f.clock.Now().Add(time.Hour)) {
		t.Fatalf("unexpected expiry %v", res.ExpiresAt)
	}
	if f.store.touchCalls.Load() != 1 {
		t.Fatalf("expected last login to be recorded")
	}

	p, err := f.svc.Authenticate(ctx, res.Token)
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if p.Identity.ID != registered.ID || p.Session.ID != res.Session.ID {
		t.Fatalf("unexpected principal %+v", p)
	}

	guard := f.svc.Guard()
	if err := guard.Authorize(ctx, p, MustPermission("routes.update")); err != nil {
		t.Fatalf("expected moderator to update routes, got %v", err)
	}
	if err := guard.Authorize(ctx, p, MustPermission("routes.delete")); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected moderator denied delete, got %v", err)
	}

	if err := f.svc.Logout(ctx, p.Session.ID); err != nil {
		t.Fatalf("Logout: %v", err)
	}
	if _, err := f.svc.Authenticate(ctx, res.Token); !errors.Is(err, &AuthenticationError{Kind: SessionNotFound}) {
		t.Fatalf("expected session not found after logout, got %v", err)
	}

	actions := f.store.auditActions()
	for _, want := range []string{"identity.register", "auth.login", "authz.denied", "auth.logout"} {
		if !slices.Contains(actions, want) {
			t.Fatalf("expected audit action %s in %v", want, actions)
		}
	}
}

func TestServiceLoginFailures(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()
	if _, err := f.svc.Register(ctx, "user@example.com", "right-pass", RoleUser); err != nil {
		t.Fatalf("Register: %v", err)
	}

	cases := []struct {
		name     string
		email    string
		password string
	}{
		{"wrong password", "user@example.com", "wrong-pass"},
		{"unknown email", "nobody@example.com", "right-pass"},
		{"empty password", "user@example.com", ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.svc.Login(ctx, LoginRequest{Email: tc.email, Password: tc.password})
			if !errors.Is(err, &AuthenticationError{Kind: InvalidCredentials}) {
				t.Fatalf("expected invalid credentials, got %v", err)
			}
		})
	}
	if n := f.store.sessionCount(); n != 0 {
		t.Fatalf("expected no sessions after failed logins, got %d", n)
	}
}

func TestServiceExpiredSession(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()
	if _, err := f.svc.Register(ctx, "user@example.com", "pass", RoleUser); err != nil {
		t.Fatalf("Register: %v", err)
	}
	res, err := f.svc.Login(ctx, LoginRequest{Email: "user@example.com", Password: "pass"})
	if err != nil {
		t.Fatalf("Login: %v", err)
	}

	// Token lives two hours, session one.
	f.clock.Advance(90 * time.Minute)
	if _, err := f.svc.Authenticate(ctx, res.Token); !errors.Is(err, &AuthenticationError{Kind: SessionExpired}) {
		t.Fatalf("expected session expired, got %v", err)
	}
	f.clock.Advance(time.Hour)
	if _, err := f.svc.Authenticate(ctx, res.Token); !errors.Is(err, &AuthenticationError{Kind: ExpiredToken}) {
		t.Fatalf("expected expired token, got %v", err)
	}
}

func TestServiceDeactivate(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()
	identity, err := f.svc.Register(ctx, "user@example.com", "pass", RoleUser)
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	live, err := f.svc.Login(ctx, LoginRequest{Email: "user@example.com", Password: "pass"})
	if err != nil {
		t.Fatalf("Login: %v", err)
	}

	if err := f.svc.Deactivate(ctx, identity.ID); err != nil {
		t.Fatalf("Deactivate: %v", err)
	}
	if got := f.store.sessionCount(); got != 1 {
		t.Fatalf("expected the live session to survive deactivation, got %d sessions", got)
	}
	if _, err := f.svc.Authenticate(ctx, live.Token); !errors.Is(err, &AuthenticationError{Kind: IdentityInactive}) {
		t.Fatalf("expected identity inactive for the live token, got %v", err)
	}
	if _, err := f.svc.Login(ctx, LoginRequest{Email: "user@example.com", Password: "pass"}); !errors.Is(err, &AuthenticationError{Kind: IdentityInactive}) {
		t.Fatalf("expected identity inactive, got %v", err)
	}
	if err := f.svc.Deactivate(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestServiceLogoutAllAndChangePassword(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()
	identity, _ := f.svc.Register(ctx, "user@example.com", "old-pass", RoleUser)
	var tokens []string
	for range 3 {
		res, err := f.svc.Login(ctx, LoginRequest{Email: "user@example.com", Password: "old-pass"})
		if err != nil {
			t.Fatalf("Login: %v", err)
		}
		tokens = append(tokens, res.Token)
	}

	n, err := f.svc.LogoutAll(ctx, identity.ID)
	if err != nil {
		t.Fatalf("LogoutAll: %v", err)
	}
	if n != 3 {
		t.Fatalf("expected 3 revoked sessions, got %d", n)
	}
	for _, tok := range tokens {
		if _, err := f.svc.Authenticate(ctx, tok); !errors.Is(err, ErrUnauthenticated) {
			t.Fatalf("expected revoked token, got %v", err)
		}
	}

	if err := f.svc.ChangePassword(ctx, identity.ID, "bad-pass", "new-pass"); !errors.Is(err, &AuthenticationError{Kind: InvalidCredentials}) {
		t.Fatalf("expected invalid credentials, got %v", err)
	}
	if err := f.svc.ChangePassword(ctx, identity.ID, "old-pass", "new-pass"); err != nil {
		t.Fatalf("ChangePassword: %v", err)
	}
	if _, err := f.svc.Login(ctx, LoginRequest{Email: "user@example.com", Password: "old-pass"}); !errors.Is(err, ErrUnauthenticated) {
		t.Fatalf("expected old password rejected, got %v", err)
	}
	if _, err := f.svc.Login(ctx, LoginRequest{Email: "user@example.com", Password: "new-pass"}); err != nil {
		t.Fatalf("expected new password accepted, got %v", err)
	}
}

func TestServiceRegisterValidation(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()
	if _, err := f.svc.Register(ctx, "not-an-email", "pass", RoleUser); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected invalid input, got %v", err)
	}
	if _, err := f.svc.Register(ctx, "a@example.com", "pass", Role("root")); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected invalid role, got %v", err)
	}
	if _, err := f.svc.Register(ctx, "a@example.com", "pass", ""); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if _, err := f.svc.Register(ctx, "A@example.com", "pass", RoleUser); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
}

func TestServiceStorageFailureIsNotAuthFailure(t *testing.T) {
	f := newServiceFixture(t)
	f.store.err = errors.New("connection refused")
	_, err := f.svc.Login(context.Background(), LoginRequest{Email: "user@example.com", Password: "pass"})
	if !errors.Is(err, ErrStorageUnavailable) || errors.Is(err, ErrUnauthenticated) {
		t.Fatalf("expected storage unavailable, got %v", err)
	}
	ev := f.store.lastEvent()
	if ev.Action != "auth.login" || ev.Details["outcome"] != "failure" || ev.Details["reason"] != "storage_unavailable" {
		t.Fatalf("expected audited login failure, got %+v", ev)
	}
}

func TestServiceLogoutFailureIsAudited(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()
	identity, _ := f.svc.Register(ctx, "user@example.com", "pass", RoleUser)
	res, err := f.svc.Login(ctx, LoginRequest{Email: "user@example.com", Password: "pass"})
	if err != nil {
		t.Fatalf("Login: %v", err)
	}

	f.store.err = errors.New("connection refused")
	if err := f.svc.Logout(ctx, res.Session.ID); !errors.Is(err, ErrStorageUnavailable) {
		t.Fatalf("expected storage unavailable, got %v", err)
	}
	ev := f.store.lastEvent()
	if ev.Action != "auth.logout" || ev.ResourceID != res.Session.ID || ev.Details["reason"] != "storage_unavailable" {
		t.Fatalf("expected audited logout failure, got %+v", ev)
	}

	if _, err := f.svc.LogoutAll(ctx, identity.ID); !errors.Is(err, ErrStorageUnavailable) {
		t.Fatalf("expected storage unavailable, got %v", err)
	}
	if ev := f.store.lastEvent(); ev.Action != "auth.logout_all" || ev.Details["outcome"] != "failure" {
		t.Fatalf("expected audited logout_all failure, got %+v", ev)
	}

	f.store.err = nil
	if err := f.svc.Logout(ctx, " "); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected invalid input, got %v", err)
	}
	if ev := f.store.lastEvent(); ev.Action != "auth.logout" || ev.Details["reason"] != "invalid_input" {
		t.Fatalf("expected audited invalid logout, got %+v", ev)
	}
}

func TestServiceAuditFailureDoesNotChangeDecisions(t *testing.T) {
	store := newFakeStore()
	clock := newClock(time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC))
	tokens, err := NewTokenCodec(testSecret)
	if err != nil {
		t.Fatalf("NewTokenCodec: %v", err)
	}
	resolver, _ := NewPermissionResolver(store, WithResolverClock(clock.Now))
	sink := &failingSink{}
	svc, err := NewService(identityStore{store}, tokens, newTestSessions(t, store), resolver,
		WithClock(clock.Now),
		WithAudit(sink),
	)
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	ctx := context.Background()
	if _, err := svc.Register(ctx, "user@example.com", "pass", RoleUser); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if _, err := svc.Register(ctx, "admin@example.com", "pass", RoleAdmin); err != nil {
		t.Fatalf("Register admin: %v", err)
	}

	res, err := svc.Login(ctx, LoginRequest{Email: "user@example.com", Password: "pass"})
	if err != nil {
		t.Fatalf("expected login to succeed despite audit failure, got %v", err)
	}
	p, err := svc.Authenticate(ctx, res.Token)
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if err := svc.Guard().Authorize(ctx, p, MustPermission("routes.delete")); !errors.Is(err, &AuthorizationError{Kind: InsufficientPermission}) {
		t.Fatalf("expected insufficient permission, got %v", err)
	}

	adminRes, err := svc.Login(ctx, LoginRequest{Email: "admin@example.com", Password: "pass"})
	if err != nil {
		t.Fatalf("admin Login: %v", err)
	}
	admin, err := svc.Authenticate(ctx, adminRes.Token)
	if err != nil {
		t.Fatalf("admin Authenticate: %v", err)
	}
	if err := svc.Guard().Authorize(ctx, admin, MustPermission("routes.delete")); err != nil {
		t.Fatalf("expected admin to pass, got %v", err)
	}
	if _, err := svc.Login(ctx, LoginRequest{Email: "user@example.com", Password: "wrong"}); !errors.Is(err, &AuthenticationError{Kind: InvalidCredentials}) {
		t.Fatalf("expected invalid credentials, got %v", err)
	}
	if sink.calls.Load() < 3 {
		t.Fatalf("expected the sink to be tried for every event, got %d calls", sink.calls.Load())
	}
}
