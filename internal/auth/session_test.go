package auth

import (
	"context"
	"errors"
	"testing"
	"time"
)

func newTestSessions(t *testing.T, store *fakeStore, opts ...SessionOption) *SessionManager {
	t.Helper()
	m, err := NewSessionManager(sessionStore{store}, identityStore{store}, []byte("fingerprint-key"), opts...)
	if err != nil {
		t.Fatalf("NewSessionManager: %v", err)
	}
	return m
}

func TestSessionCreateAndValidate(t *testing.T) {
	store := newFakeStore()
	store.identities["id-1"] = &Identity{ID: "id-1", Email: "a@example.com", Role: RoleUser, Active: true}
	mgr := newTestSessions(t, store, WithSessionTTL(time.Hour))
	now := time.Date(2025, 5, 1, 8, 0, 0, 0, time.UTC)
	ctx := context.Background()

	session, err := mgr.Create(ctx, store.identities["id-1"], "raw-token", "10.0.0.1", "test-agent", now)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if session.Fingerprint == "raw-token" || session.Fingerprint != mgr.Fingerprint("raw-token") {
		t.Fatalf("expected hashed fingerprint, got %q", session.Fingerprint)
	}
	if !session.ExpiresAt.Equal(now.Add(time.Hour)) {
		t.Fatalf("unexpected expiry %v", session.ExpiresAt)
	}

	got, identity, err := mgr.Validate(ctx, "raw-token", now.Add(30*time.Minute))
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if got.ID != session.ID || identity.ID != "id-1" {
		t.Fatalf("unexpected session %+v identity %+v", got, identity)
	}

	if _, err := mgr.Create(ctx, store.identities["id-1"], "raw-token", "", "", now); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected conflict for a reused token, got %v", err)
	}
}

func TestSessionValidateFailures(t *testing.T) {
	store := newFakeStore()
	store.identities["active"] = &Identity{ID: "active", Active: true}
	store.identities["inactive"] = &Identity{ID: "inactive", Active: false}
	mgr := newTestSessions(t, store, WithSessionTTL(time.Hour))
	now := time.Date(2025, 5, 1, 8, 0, 0, 0, time.UTC)
	ctx := context.Background()

	if _, err := mgr.Create(ctx, &Identity{ID: "active"}, "tok-active", "", "", now); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := mgr.Create(ctx, &Identity{ID: "inactive"}, "tok-inactive", "", "", now); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := mgr.Create(ctx, &Identity{ID: "gone"}, "tok-gone", "", "", now); err != nil {
		t.Fatalf("Create: %v", err)
	}

	cases := []struct {
		name  string
		token string
		at    time.Time
		want  AuthnKind
	}{
		{"empty token", " ", now, MissingToken},
		{"unknown token", "tok-unknown", now, SessionNotFound},
		{"exactly at expiry", "tok-active", now.Add(time.Hour), SessionExpired},
		{"inactive identity", "tok-inactive", now, IdentityInactive},
		{"deleted identity", "tok-gone", now, IdentityInactive},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, _, err := mgr.Validate(ctx, tc.token, tc.at)
			if !errors.Is(err, &AuthenticationError{Kind: tc.want}) {
				t.Fatalf("expected %s, got %v", tc.want, err)
			}
		})
	}
}

func TestSessionDestroy(t *testing.T) {
	store := newFakeStore()
	store.identities["id-1"] = &Identity{ID: "id-1", Active: true}
	mgr := newTestSessions(t, store)
	now := time.Now()
	ctx := context.Background()

	first, _ := mgr.Create(ctx, store.identities["id-1"], "tok-1", "", "", now)
	if _, err := mgr.Create(ctx, store.identities["id-1"], "tok-2", "", "", now); err != nil {
		t.Fatalf("Create: %v", err)
	}

	if err := mgr.Destroy(ctx, first.ID); err != nil {
		t.Fatalf("Destroy: %v", err)
	}
	if err := mgr.Destroy(ctx, first.ID); err != nil {
		t.Fatalf("expected idempotent destroy, got %v", err)
	}
	if _, _, err := mgr.Validate(ctx, "tok-1", now); !errors.Is(err, &AuthenticationError{Kind: SessionNotFound}) {
		t.Fatalf("expected destroyed session to be gone, got %v", err)
	}

	n, err := mgr.DestroyAll(ctx, "id-1")
	if err != nil {
		t.Fatalf("DestroyAll: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 removed session, got %d", n)
	}
}

func TestSessionSweepExpired(t *testing.T) {
	store := newFakeStore()
	mgr := newTestSessions(t, store, WithSessionTTL(time.Hour))
	base := time.Date(2025, 5, 1, 0, 0, 0, 0, time.UTC)
	ctx := context.Background()

	for i, tok := range []string{"a", "b", "c"} {
		created := base.Add(time.Duration(i) * time.Hour)
		if _, err := mgr.Create(ctx, &Identity{ID: "id-1"}, tok, "", "", created); err != nil {
			t.Fatalf("Create: %v", err)
		}
	}

	// a expires at 01:00, b at 02:00, c at 03:00.
	n, err := mgr.SweepExpired(ctx, base.Add(2*time.Hour))
	if err != nil {
		t.Fatalf("SweepExpired: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 swept sessions, got %d", n)
	}
	if store.sessionCount() != 1 {
		t.Fatalf("expected 1 remaining session, got %d", store.sessionCount())
	}

	store.err = errors.New("connection reset")
	if _, err := mgr.SweepExpired(ctx, base); !errors.Is(err, ErrStorageUnavailable) {
		t.Fatalf("expected storage error, got %v", err)
	}
}

func TestSessionStorageFailure(t *testing.T) {
	store := newFakeStore()
	mgr := newTestSessions(t, store)
	store.err = errors.New("dial tcp: refused")
	_, _, err := mgr.Validate(context.Background(), "tok", time.Now())
	if !errors.Is(err, ErrStorageUnavailable) {
		t.Fatalf("expected storage error, got %v", err)
	}
	if errors.Is(err, ErrUnauthenticated) {
		t.Fatalf("storage failure must not be reported as an authentication failure")
	}
}
