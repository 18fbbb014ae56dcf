package auth

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"
)

type stubPermissions struct {
	set   PermissionSet
	err   error
	calls int
}

func (s *stubPermissions) Resolve(context.Context, string) (PermissionSet, error) {
	s.calls++
	return s.set, s.err
}

func principal(id string, role Role) *Principal {
	return &Principal{Identity: &Identity{ID: id, Role: role, Active: true}}
}

func TestGuardAuthorizeModerator(t *testing.T) {
	perms := &stubPermissions{set: NewPermissionSet(
		MustPermission("routes.read"),
		MustPermission("routes.update"),
	)}
	sink := newFakeStore()
	guard, err := NewGuard(perms, WithGuardAudit(sink))
	if err != nil {
		t.Fatalf("NewGuard: %v", err)
	}
	ctx := context.Background()
	mod := principal("mod-1", RoleModerator)

	if err := guard.Authorize(ctx, mod, MustPermission("routes.read")); err != nil {
		t.Fatalf("expected routes.read allowed, got %v", err)
	}
	if err := guard.Authorize(ctx, mod, MustPermission("routes.read"), MustPermission("routes.update")); err != nil {
		t.Fatalf("expected both permissions allowed, got %v", err)
	}

	err = guard.Authorize(ctx, mod, MustPermission("routes.read"), MustPermission("routes.delete"))
	var denied *AuthorizationError
	if !errors.As(err, &denied) || denied.Kind != InsufficientPermission {
		t.Fatalf("expected insufficient permission, got %v", err)
	}
	if !strings.Contains(denied.Detail, "routes.delete") || strings.Contains(denied.Detail, "routes.read") {
		t.Fatalf("expected detail to name only the missing permission, got %q", denied.Detail)
	}
	if !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden match")
	}
	if actions := sink.auditActions(); len(actions) != 1 || actions[0] != "authz.denied" {
		t.Fatalf("expected one denial audit event, got %v", actions)
	}
	ev := sink.lastEvent()
	if ev.Resource != "permission" || ev.ResourceID != "routes.read,routes.delete" || ev.ActorID != "mod-1" {
		t.Fatalf("expected denial to name the guarded permissions, got %+v", ev)
	}
}

func TestGuardAuthorizeAdminAndEmptyRequirements(t *testing.T) {
	perms := &stubPermissions{set: NewPermissionSet()}
	guard, _ := NewGuard(perms)
	ctx := context.Background()

	if err := guard.Authorize(ctx, principal("admin-1", RoleAdmin), MustPermission("users.manage"), MustPermission("spots.delete")); err != nil {
		t.Fatalf("expected admin bypass, got %v", err)
	}
	if perms.calls != 0 {
		t.Fatalf("expected admin bypass without resolving permissions")
	}
	if err := guard.Authorize(ctx, principal("user-1", RoleUser)); err != nil {
		t.Fatalf("expected empty requirement list to pass, got %v", err)
	}
	if err := guard.Authorize(ctx, nil, MustPermission("routes.read")); !errors.Is(err, &AuthenticationError{Kind: MissingToken}) {
		t.Fatalf("expected missing principal to be unauthenticated, got %v", err)
	}
}

func TestGuardAuthorizeResolverFailure(t *testing.T) {
	perms := &stubPermissions{err: storageError("roles", errors.New("dial tcp 10.0.0.5:5432: connection refused"))}
	var buf bytes.Buffer
	guard, _ := NewGuard(perms, WithGuardLogger(slog.New(slog.NewJSONHandler(&buf, nil))))
	err := guard.Authorize(context.Background(), principal("user-1", RoleUser), MustPermission("routes.read"))
	if !errors.Is(err, ErrStorageUnavailable) || errors.Is(err, ErrForbidden) {
		t.Fatalf("expected storage failure, got %v", err)
	}
	logged := buf.String()
	if !strings.Contains(logged, "storage failure") || !strings.Contains(logged, "10.0.0.5:5432: connection refused") {
		t.Fatalf("expected the cause to be logged, got %q", logged)
	}
	if !strings.Contains(logged, `"identity_id":"user-1"`) {
		t.Fatalf("expected identity in log line, got %q", logged)
	}
}

func TestGuardRequireRole(t *testing.T) {
	guard, _ := NewGuard(&stubPermissions{})
	ctx := context.Background()

	if err := guard.RequireRole(ctx, principal("mod-1", RoleModerator), RoleModerator, RoleAdmin); err != nil {
		t.Fatalf("expected moderator allowed, got %v", err)
	}
	err := guard.RequireRole(ctx, principal("admin-1", RoleAdmin), RoleModerator)
	if !errors.Is(err, &AuthorizationError{Kind: InsufficientRole}) {
		t.Fatalf("expected admin without listed role to be denied, got %v", err)
	}
	if err := guard.RequireRole(ctx, principal("user-1", RoleUser)); !errors.Is(err, &AuthorizationError{Kind: InsufficientRole}) {
		t.Fatalf("expected empty role list to deny, got %v", err)
	}
}

func TestGuardRequireOwnership(t *testing.T) {
	guard, _ := NewGuard(&stubPermissions{})
	ctx := context.Background()

	if err := guard.RequireOwnership(ctx, principal("user-1", RoleUser), Owner("user-1")); err != nil {
		t.Fatalf("expected owner allowed, got %v", err)
	}
	if err := guard.RequireOwnership(ctx, principal("admin-1", RoleAdmin), Owner("user-1")); err != nil {
		t.Fatalf("expected admin allowed, got %v", err)
	}
	err := guard.RequireOwnership(ctx, principal("user-2", RoleUser), Owner("user-1"))
	if !errors.Is(err, &AuthorizationError{Kind: NotOwner}) {
		t.Fatalf("expected not owner, got %v", err)
	}
	if err := guard.RequireOwnership(ctx, principal("user-2", RoleModerator), Owner("")); !errors.Is(err, &AuthorizationError{Kind: NotOwner}) {
		t.Fatalf("expected unowned resource to deny non-admins, got %v", err)
	}
}

func TestGuardDenialEventsNameTheGuardedResource(t *testing.T) {
	sink := newFakeStore()
	guard, _ := NewGuard(&stubPermissions{}, WithGuardAudit(sink))
	ctx := context.Background()

	_ = guard.RequireOwnership(ctx, principal("user-2", RoleUser), Owner("user-1"))
	ev := sink.lastEvent()
	if ev.Resource != "owned_resource" || ev.Details["owner_id"] != "user-1" || ev.ActorID != "user-2" {
		t.Fatalf("expected ownership denial to carry the owner, got %+v", ev)
	}
	if ev.Details["gate"] != "ownership" || ev.Details["reason"] != string(NotOwner) {
		t.Fatalf("unexpected ownership details %v", ev.Details)
	}

	_ = guard.RequireRole(ctx, principal("user-2", RoleUser), RoleModerator, RoleAdmin)
	ev = sink.lastEvent()
	if ev.Resource != "role" || ev.ResourceID != "moderator,admin" {
		t.Fatalf("expected role denial to name the allowed roles, got %+v", ev)
	}
}
