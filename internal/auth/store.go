package auth

import (
	"context"
	"time"
)

// IdentityStore persists identities. Lookups of missing rows return ErrNotFound.
type IdentityStore interface {
	FindByEmail(ctx context.Context, email string) (*Identity, error)
	FindByID(ctx context.Context, id string) (*Identity, error)
	Create(ctx context.Context, identity *Identity) error
	Update(ctx context.Context, id string, upd IdentityUpdate) (*Identity, error)
	Delete(ctx context.Context, id string) error
	TouchLastLogin(ctx context.Context, id string, at time.Time) error
}

// SessionStore persists sessions keyed by token fingerprint.
type SessionStore interface {
	Create(ctx context.Context, session *Session) error
	FindByFingerprint(ctx context.Context, fingerprint string) (*Session, error)
	Delete(ctx context.Context, id string) error
	DeleteByIdentity(ctx context.Context, identityID string) (int64, error)
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
}

// RoleStore resolves identity→role and role→permission relations.
type RoleStore interface {
	RolesForIdentity(ctx context.Context, identityID string) ([]RoleRecord, error)
	PermissionsForRole(ctx context.Context, roleID string) ([]Permission, error)
}

// RoleAdminStore manages the role and permission catalogue.
type RoleAdminStore interface {
	RoleStore
	EnsurePermissions(ctx context.Context, perms []Permission) error
	EnsureRole(ctx context.Context, role *RoleRecord) error
	FindRoleByName(ctx context.Context, name string) (*RoleRecord, error)
	SetRolePermissions(ctx context.Context, roleID string, permissionNames []string) error
	AssignRole(ctx context.Context, identityID, roleID string) error
	RevokeRole(ctx context.Context, identityID, roleID string) error
}

// AuditSink appends audit events. Implementations may drop events but must not block.
type AuditSink interface {
	Append(ctx context.Context, event AuditEvent) error
}
