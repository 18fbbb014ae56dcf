package auth

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"strings"
	"time"

	"tourguide.org/internal/obs"
)

// Principal is an authenticated identity together with the session that proved it.
type Principal struct {
	Identity *Identity
	Session  *Session
}

// Owned is implemented by resources that report the identity that created them.
type Owned interface {
	OwnerID() string
}

// Owner adapts a bare owner id to Owned.
type Owner string

func (o Owner) OwnerID() string { return string(o) }

// PermissionSource supplies resolved permission sets.
type PermissionSource interface {
	Resolve(ctx context.Context, identityID string) (PermissionSet, error)
}

// Guard makes per-request authorization decisions for an authenticated principal.
type Guard struct {
	perms  PermissionSource
	events *emitter
}

// GuardOption configures a Guard.
type GuardOption func(*Guard)

// WithGuardAudit sends denial events to sink.
func WithGuardAudit(sink AuditSink) GuardOption {
	return func(g *Guard) { g.events.sink = sink }
}

// WithGuardLogger sets the logger used for audit and storage failures.
func WithGuardLogger(log *slog.Logger) GuardOption {
	return func(g *Guard) {
		if log != nil {
			g.events.log = log
		}
	}
}

// WithGuardClock overrides the time source of audit events.
func WithGuardClock(fn func() time.Time) GuardOption {
	return func(g *Guard) {
		if fn != nil {
			g.events.now = fn
		}
	}
}

// NewGuard constructs a guard resolving permissions through perms.
func NewGuard(perms PermissionSource, opts ...GuardOption) (*Guard, error) {
	if perms == nil {
		return nil, errors.New("auth: permission source is required")
	}
	g := &Guard{perms: perms, events: newEmitter()}
	for _, opt := range opts {
		opt(g)
	}
	return g, nil
}

// Authorize allows the principal iff it is an admin or holds every required permission.
// An empty requirement list always passes.
func (g *Guard) Authorize(ctx context.Context, p *Principal, required ...PermissionKey) error {
	const gate = "permission"
	if err := authenticated(p); err != nil {
		obs.AuthDecision(gate, false, Kind(err))
		return err
	}
	if p.Identity.IsAdmin() || len(required) == 0 {
		obs.AuthDecision(gate, true, "")
		return nil
	}
	set, err := g.perms.Resolve(ctx, p.Identity.ID)
	if err != nil {
		obs.AuthDecision(gate, false, failureReason(err))
		g.events.log.ErrorContext(ctx, "storage failure",
			"op", "resolve permissions", "identity_id", p.Identity.ID, "error", err)
		return err
	}
	missing := set.Missing(required)
	if len(missing) == 0 {
		obs.AuthDecision(gate, true, "")
		return nil
	}
	target := guarded{resource: "permission", id: keyNames(required)}
	return g.deny(ctx, gate, p, target, &AuthorizationError{
		Kind:   InsufficientPermission,
		Detail: "missing " + keyNames(missing),
	})
}

// RequireRole allows the principal iff its role is one of allowed. Admins are not exempt.
func (g *Guard) RequireRole(ctx context.Context, p *Principal, allowed ...Role) error {
	const gate = "role"
	if err := authenticated(p); err != nil {
		obs.AuthDecision(gate, false, Kind(err))
		return err
	}
	if slices.Contains(allowed, p.Identity.Role) {
		obs.AuthDecision(gate, true, "")
		return nil
	}
	names := make([]string, len(allowed))
	for i, r := range allowed {
		names[i] = string(r)
	}
	target := guarded{resource: "role", id: strings.Join(names, ",")}
	return g.deny(ctx, gate, p, target, &AuthorizationError{
		Kind:   InsufficientRole,
		Detail: "role " + string(p.Identity.Role),
	})
}

// RequireOwnership allows admins and the identity that owns resource.
func (g *Guard) RequireOwnership(ctx context.Context, p *Principal, resource Owned) error {
	const gate = "ownership"
	if err := authenticated(p); err != nil {
		obs.AuthDecision(gate, false, Kind(err))
		return err
	}
	if p.Identity.IsAdmin() {
		obs.AuthDecision(gate, true, "")
		return nil
	}
	var owner string
	if resource != nil {
		owner = resource.OwnerID()
	}
	if owner != "" && owner == p.Identity.ID {
		obs.AuthDecision(gate, true, "")
		return nil
	}
	return g.deny(ctx, gate, p, guarded{resource: "owned_resource", id: owner, ownerID: owner}, &AuthorizationError{Kind: NotOwner})
}

// guarded names what a denied check was protecting.
type guarded struct {
	resource string
	id       string
	ownerID  string
}

func (g *Guard) deny(ctx context.Context, gate string, p *Principal, target guarded, err *AuthorizationError) error {
	obs.AuthDecision(gate, false, string(err.Kind))
	details := map[string]string{
		"gate":        gate,
		"reason":      string(err.Kind),
		"identity_id": p.Identity.ID,
	}
	if err.Detail != "" {
		details["detail"] = err.Detail
	}
	if target.ownerID != "" {
		details["owner_id"] = target.ownerID
	}
	g.events.emit(ctx, AuditEvent{
		Action:     "authz.denied",
		Resource:   target.resource,
		ResourceID: target.id,
		ActorID:    p.Identity.ID,
		Details:    details,
	})
	return err
}

func keyNames(keys []PermissionKey) string {
	names := make([]string, len(keys))
	for i, k := range keys {
		names[i] = k.String()
	}
	return strings.Join(names, ",")
}

func authenticated(p *Principal) error {
	if p == nil || p.Identity == nil || p.Identity.ID == "" {
		return authnError(MissingToken)
	}
	return nil
}
