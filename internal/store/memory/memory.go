// Package memory is a mutex guarded, process-local implementation of the access layer stores.
package memory

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"tourguide.org/internal/auth"
)

// Store keeps identities, sessions, the role catalogue and audit events in memory.
type Store struct {
	mu sync.RWMutex

	identities    map[string]auth.Identity
	emailIndex    map[string]string
	sessions      map[string]auth.Session
	fingerprints  map[string]string
	roles         map[string]auth.RoleRecord
	roleNames     map[string]string
	permissions   map[string]auth.Permission
	identityRoles map[string][]string
	rolePerms     map[string][]string
	events        []auth.AuditEvent
}

var (
	_ auth.RoleAdminStore = (*Store)(nil)
	_ auth.AuditSink      = (*Store)(nil)
	_ auth.IdentityStore  = Identities{}
	_ auth.SessionStore   = Sessions{}
)

// New returns an empty store.
func New() *Store {
	return &Store{
		identities:    make(map[string]auth.Identity),
		emailIndex:    make(map[string]string),
		sessions:      make(map[string]auth.Session),
		fingerprints:  make(map[string]string),
		roles:         make(map[string]auth.RoleRecord),
		roleNames:     make(map[string]string),
		permissions:   make(map[string]auth.Permission),
		identityRoles: make(map[string][]string),
		rolePerms:     make(map[string][]string),
	}
}

// Identities returns the identity store view.
func (s *Store) Identities() Identities { return Identities{s} }

// Sessions returns the session store view.
func (s *Store) Sessions() Sessions { return Sessions{s} }

// Ping always succeeds.
func (s *Store) Ping(context.Context) error { return nil }

// Identities is the auth.IdentityStore view of Store.
type Identities struct{ s *Store }

func (r Identities) FindByEmail(_ context.Context, email string) (*auth.Identity, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	id, ok := r.s.emailIndex[strings.ToLower(email)]
	if !ok {
		return nil, auth.ErrNotFound
	}
	identity := r.s.identities[id]
	return &identity, nil
}

func (r Identities) FindByID(_ context.Context, id string) (*auth.Identity, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	identity, ok := r.s.identities[id]
	if !ok {
		return nil, auth.ErrNotFound
	}
	return &identity, nil
}

func (r Identities) Create(_ context.Context, identity *auth.Identity) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	email := strings.ToLower(identity.Email)
	if _, ok := r.s.emailIndex[email]; ok {
		return auth.ErrConflict
	}
	if _, ok := r.s.identities[identity.ID]; ok {
		return auth.ErrConflict
	}
	stored := *identity
	stored.Email = email
	r.s.identities[stored.ID] = stored
	r.s.emailIndex[email] = stored.ID
	return nil
}

func (r Identities) Update(_ context.Context, id string, upd auth.IdentityUpdate) (*auth.Identity, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	identity, ok := r.s.identities[id]
	if !ok {
		return nil, auth.ErrNotFound
	}
	if upd.Email != nil {
		email := strings.ToLower(*upd.Email)
		if owner, taken := r.s.emailIndex[email]; taken && owner != id {
			return nil, auth.ErrConflict
		}
		delete(r.s.emailIndex, identity.Email)
		r.s.emailIndex[email] = id
		identity.Email = email
	}
	if upd.PasswordHash != nil {
		identity.PasswordHash = *upd.PasswordHash
	}
	if upd.Role != nil {
		identity.Role = *upd.Role
	}
	if upd.Active != nil {
		identity.Active = *upd.Active
	}
	identity.UpdatedAt = time.Now().UTC()
	r.s.identities[id] = identity
	return &identity, nil
}

func (r Identities) Delete(_ context.Context, id string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	identity, ok := r.s.identities[id]
	if !ok {
		return auth.ErrNotFound
	}
	delete(r.s.identities, id)
	delete(r.s.emailIndex, identity.Email)
	delete(r.s.identityRoles, id)
	return nil
}

func (r Identities) TouchLastLogin(_ context.Context, id string, at time.Time) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	identity, ok := r.s.identities[id]
	if !ok {
		return auth.ErrNotFound
	}
	identity.LastLoginAt = &at
	r.s.identities[id] = identity
	return nil
}

// Sessions is the auth.SessionStore view of Store.
type Sessions struct{ s *Store }

func (r Sessions) Create(_ context.Context, session *auth.Session) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, ok := r.s.fingerprints[session.Fingerprint]; ok {
		return auth.ErrConflict
	}
	if _, ok := r.s.sessions[session.ID]; ok {
		return auth.ErrConflict
	}
	r.s.sessions[session.ID] = *session
	r.s.fingerprints[session.Fingerprint] = session.ID
	return nil
}

func (r Sessions) FindByFingerprint(_ context.Context, fingerprint string) (*auth.Session, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	id, ok := r.s.fingerprints[fingerprint]
	if !ok {
		return nil, auth.ErrNotFound
	}
	session := r.s.sessions[id]
	return &session, nil
}

func (r Sessions) Delete(_ context.Context, id string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if !r.s.deleteSessionLocked(id) {
		return auth.ErrNotFound
	}
	return nil
}

func (r Sessions) DeleteByIdentity(_ context.Context, identityID string) (int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var n int64
	for id, session := range r.s.sessions {
		if session.IdentityID == identityID && r.s.deleteSessionLocked(id) {
			n++
		}
	}
	return n, nil
}

func (r Sessions) DeleteExpired(_ context.Context, now time.Time) (int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var n int64
	for id, session := range r.s.sessions {
		if session.Expired(now) && r.s.deleteSessionLocked(id) {
			n++
		}
	}
	return n, nil
}

func (s *Store) deleteSessionLocked(id string) bool {
	session, ok := s.sessions[id]
	if !ok {
		return false
	}
	delete(s.sessions, id)
	delete(s.fingerprints, session.Fingerprint)
	return true
}

func (s *Store) RolesForIdentity(_ context.Context, identityID string) ([]auth.RoleRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]auth.RoleRecord, 0, len(s.identityRoles[identityID]))
	for _, id := range s.identityRoles[identityID] {
		out = append(out, s.roles[id])
	}
	return out, nil
}

func (s *Store) PermissionsForRole(_ context.Context, roleID string) ([]auth.Permission, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]auth.Permission, 0, len(s.rolePerms[roleID]))
	for _, name := range s.rolePerms[roleID] {
		out = append(out, s.permissions[name])
	}
	return out, nil
}

func (s *Store) EnsurePermissions(_ context.Context, perms []auth.Permission) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range perms {
		if _, ok := s.permissions[p.Name]; !ok {
			s.permissions[p.Name] = p
		}
	}
	return nil
}

func (s *Store) EnsureRole(_ context.Context, role *auth.RoleRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.roleNames[role.Name]; ok {
		*role = s.roles[id]
		return nil
	}
	s.roles[role.ID] = *role
	s.roleNames[role.Name] = role.ID
	return nil
}

func (s *Store) FindRoleByName(_ context.Context, name string) (*auth.RoleRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.roleNames[name]
	if !ok {
		return nil, auth.ErrNotFound
	}
	role := s.roles[id]
	return &role, nil
}

func (s *Store) SetRolePermissions(_ context.Context, roleID string, names []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.roles[roleID]; !ok {
		return auth.ErrNotFound
	}
	for _, name := range names {
		if _, ok := s.permissions[name]; !ok {
			return fmt.Errorf("%w: permission %s not found", auth.ErrNotFound, name)
		}
	}
	s.rolePerms[roleID] = slices.Clone(names)
	return nil
}

func (s *Store) AssignRole(_ context.Context, identityID, roleID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.roles[roleID]; !ok {
		return auth.ErrNotFound
	}
	if slices.Contains(s.identityRoles[identityID], roleID) {
		return auth.ErrConflict
	}
	s.identityRoles[identityID] = append(s.identityRoles[identityID], roleID)
	return nil
}

func (s *Store) RevokeRole(_ context.Context, identityID, roleID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	roles := s.identityRoles[identityID]
	i := slices.Index(roles, roleID)
	if i < 0 {
		return auth.ErrNotFound
	}
	s.identityRoles[identityID] = slices.Delete(slices.Clone(roles), i, i+1)
	return nil
}

// Append records event.
func (s *Store) Append(_ context.Context, event auth.AuditEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
	return nil
}

// Events returns a copy of the recorded audit events in append order.
func (s *Store) Events() []auth.AuditEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.events)
}
