package auth

import (
	"strings"
	"time"
)

// Role is the single coarse role carried on an identity.
type Role string

const (
	RoleAdmin     Role = "admin"
	RoleModerator Role = "moderator"
	RoleUser      Role = "user"
)

// ParseRole normalises a role name and reports whether it is known.
func ParseRole(s string) (Role, bool) {
	switch r := Role(strings.TrimSpace(strings.ToLower(s))); r {
	case RoleAdmin, RoleModerator, RoleUser:
		return r, true
	default:
		return "", false
	}
}

// Identity is an authenticated principal record.
type Identity struct {
	ID           string
	Email        string
	PasswordHash string
	Role         Role
	Active       bool
	LastLoginAt  *time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Public returns a copy of the identity without its password hash.
func (i Identity) Public() Identity {
	i.PasswordHash = ""
	return i
}

// IsAdmin reports whether the identity holds the super-admin role.
func (i Identity) IsAdmin() bool { return i.Role == RoleAdmin }

// IdentityUpdate lists the mutable identity fields; nil fields are left untouched.
type IdentityUpdate struct {
	Email        *string
	PasswordHash *string
	Role         *Role
	Active       *bool
}

// Session is server-side proof that an issued token is still valid.
type Session struct {
	ID          string
	IdentityID  string
	Fingerprint string
	OriginIP    string
	UserAgent   string
	ExpiresAt   time.Time
	CreatedAt   time.Time
}

// Expired reports whether the session is no longer valid at now.
func (s Session) Expired(now time.Time) bool {
	return !s.ExpiresAt.After(now)
}

// RoleRecord is a named bundle of permissions stored in the role tables.
type RoleRecord struct {
	ID          string
	Name        string
	Description string
	CreatedAt   time.Time
}

// Permission is an atomic (resource, action) capability.
type Permission struct {
	ID          string
	Name        string
	Resource    string
	Action      string
	Description string
	CreatedAt   time.Time
}

// Key returns the (resource, action) pair of the permission.
func (p Permission) Key() PermissionKey {
	return PermissionKey{Resource: p.Resource, Action: p.Action}
}

// RoleAssignment links an identity to a role.
type RoleAssignment struct {
	IdentityID string
	RoleID     string
	CreatedAt  time.Time
}

// RolePermission links a role to a permission.
type RolePermission struct {
	RoleID       string
	PermissionID string
}

// AuditEvent is an append-only record of a security relevant action.
type AuditEvent struct {
	ID         string
	Action     string
	Resource   string
	ResourceID string
	ActorID    string
	Details    map[string]string
	OccurredAt time.Time
}
