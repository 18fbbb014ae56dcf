package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"tourguide.org/internal/ids"
)

// RBACService manages the role catalogue and identity role assignments.
// Changes reach cached permission sets once their TTL lapses, or immediately for
// identities passed to the resolver's Invalidate.
type RBACService struct {
	store    RoleAdminStore
	resolver *PermissionResolver
	now      func() time.Time
}

// NewRBACService constructs the catalogue service. resolver may be nil.
func NewRBACService(store RoleAdminStore, resolver *PermissionResolver) (*RBACService, error) {
	if store == nil {
		return nil, errors.New("rbac store is required")
	}
	return &RBACService{store: store, resolver: resolver, now: time.Now}, nil
}

// EnsureBuiltins seeds the builtin permissions and roles with their default grants.
// It is idempotent and leaves extra grants made by operators on non-builtin roles alone.
func (s *RBACService) EnsureBuiltins(ctx context.Context) error {
	now := s.now().UTC()
	perms := make([]Permission, len(BuiltinPermissions))
	for i, p := range BuiltinPermissions {
		p.ID = ids.NewAt(now)
		p.CreatedAt = now
		perms[i] = p
	}
	if err := s.store.EnsurePermissions(ctx, perms); err != nil {
		return fmt.Errorf("ensure permissions: %w", err)
	}
	for _, role := range []Role{RoleAdmin, RoleModerator, RoleUser} {
		rec := &RoleRecord{
			ID:          ids.NewAt(now),
			Name:        string(role),
			Description: "builtin " + string(role) + " role",
			CreatedAt:   now,
		}
		if err := s.store.EnsureRole(ctx, rec); err != nil {
			return fmt.Errorf("ensure role %s: %w", role, err)
		}
		if err := s.store.SetRolePermissions(ctx, rec.ID, BuiltinRoleGrants[role]); err != nil {
			return fmt.Errorf("grant role %s: %w", role, err)
		}
	}
	return nil
}

// CreateRole registers a role by name, returning the existing record when present.
func (s *RBACService) CreateRole(ctx context.Context, name, description string) (*RoleRecord, error) {
	name = strings.TrimSpace(strings.ToLower(name))
	if name == "" {
		return nil, fmt.Errorf("%w: role name is required", ErrInvalidInput)
	}
	now := s.now().UTC()
	rec := &RoleRecord{
		ID:          ids.NewAt(now),
		Name:        name,
		Description: strings.TrimSpace(description),
		CreatedAt:   now,
	}
	if err := s.store.EnsureRole(ctx, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// FindRole looks a role up by its name.
func (s *RBACService) FindRole(ctx context.Context, name string) (*RoleRecord, error) {
	name = strings.TrimSpace(strings.ToLower(name))
	if name == "" {
		return nil, fmt.Errorf("%w: role name is required", ErrInvalidInput)
	}
	return s.store.FindRoleByName(ctx, name)
}

// SetRolePermissions replaces the permissions granted by roleID.
func (s *RBACService) SetRolePermissions(ctx context.Context, roleID string, permissions []string) error {
	roleID = strings.TrimSpace(roleID)
	if roleID == "" {
		return fmt.Errorf("%w: role_id is required", ErrInvalidInput)
	}
	names := dedupeStrings(permissions)
	for i, name := range names {
		key, err := ParsePermission(name)
		if err != nil {
			return err
		}
		names[i] = key.String()
	}
	return s.store.SetRolePermissions(ctx, roleID, names)
}

// AssignRole grants roleID to identityID and drops the identity's cached permissions.
func (s *RBACService) AssignRole(ctx context.Context, identityID, roleID string) error {
	identityID = strings.TrimSpace(identityID)
	roleID = strings.TrimSpace(roleID)
	if identityID == "" || roleID == "" {
		return fmt.Errorf("%w: identity_id and role_id are required", ErrInvalidInput)
	}
	if err := s.store.AssignRole(ctx, identityID, roleID); err != nil {
		return err
	}
	s.invalidate(identityID)
	return nil
}

// RevokeRole removes roleID from identityID and drops the identity's cached permissions.
func (s *RBACService) RevokeRole(ctx context.Context, identityID, roleID string) error {
	identityID = strings.TrimSpace(identityID)
	roleID = strings.TrimSpace(roleID)
	if identityID == "" || roleID == "" {
		return fmt.Errorf("%w: identity_id and role_id are required", ErrInvalidInput)
	}
	if err := s.store.RevokeRole(ctx, identityID, roleID); err != nil {
		return err
	}
	s.invalidate(identityID)
	return nil
}

// IdentityPermissions returns the uncached permission names reachable by identityID.
func (s *RBACService) IdentityPermissions(ctx context.Context, identityID string) ([]string, error) {
	identityID = strings.TrimSpace(identityID)
	if identityID == "" {
		return nil, fmt.Errorf("%w: identity_id is required", ErrInvalidInput)
	}
	roles, err := s.store.RolesForIdentity(ctx, identityID)
	if err != nil {
		return nil, err
	}
	set := make(PermissionSet)
	for _, role := range roles {
		perms, err := s.store.PermissionsForRole(ctx, role.ID)
		if err != nil {
			return nil, err
		}
		for _, p := range perms {
			set[p.Key()] = struct{}{}
		}
	}
	return set.Names(), nil
}

func (s *RBACService) invalidate(identityID string) {
	if s.resolver != nil {
		s.resolver.Invalidate(identityID)
	}
}

func dedupeStrings(values []string) []string {
	if len(values) == 0 {
		return nil
	}
	set := make(map[string]struct{}, len(values))
	result := make([]string, 0, len(values))
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		if _, ok := set[v]; ok {
			continue
		}
		set[v] = struct{}{}
		result = append(result, v)
	}
	return result
}
