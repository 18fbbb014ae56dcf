package auth

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

// fakeStore is a map backed store for package tests. err, when set, fails every call.
type fakeStore struct {
	mu          sync.Mutex
	identities  map[string]*Identity
	sessions    map[string]*Session
	roles       map[string]*RoleRecord
	perms       map[string]Permission
	identityRol map[string][]string
	rolePerms   map[string][]string
	events      []AuditEvent

	err        error
	roleReads  atomic.Int64
	permReads  atomic.Int64
	loadGate   chan struct{}
	touchCalls atomic.Int64
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		identities:  make(map[string]*Identity),
		sessions:    make(map[string]*Session),
		roles:       make(map[string]*RoleRecord),
		perms:       make(map[string]Permission),
		identityRol: make(map[string][]string),
		rolePerms:   make(map[string][]string),
	}
}

// identityStore and sessionStore split the overlapping Create/Delete method names.
type identityStore struct{ *fakeStore }
type sessionStore struct{ *fakeStore }

func (f identityStore) FindByEmail(_ context.Context, email string) (*Identity, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	for _, i := range f.identities {
		if i.Email == email {
			cp := *i
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (f identityStore) FindByID(_ context.Context, id string) (*Identity, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	i, ok := f.identities[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *i
	return &cp, nil
}

func (f identityStore) Create(_ context.Context, identity *Identity) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	for _, i := range f.identities {
		if i.Email == identity.Email {
			return ErrConflict
		}
	}
	cp := *identity
	f.identities[identity.ID] = &cp
	return nil
}

func (f identityStore) Update(_ context.Context, id string, upd IdentityUpdate) (*Identity, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	i, ok := f.identities[id]
	if !ok {
		return nil, ErrNotFound
	}
	if upd.Email != nil {
		i.Email = *upd.Email
	}
	if upd.PasswordHash != nil {
		i.PasswordHash = *upd.PasswordHash
	}
	if upd.Role != nil {
		i.Role = *upd.Role
	}
	if upd.Active != nil {
		i.Active = *upd.Active
	}
	cp := *i
	return &cp, nil
}

func (f identityStore) Delete(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.identities[id]; !ok {
		return ErrNotFound
	}
	delete(f.identities, id)
	return nil
}

func (f identityStore) TouchLastLogin(_ context.Context, id string, at time.Time) error {
	f.touchCalls.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()
	i, ok := f.identities[id]
	if !ok {
		return ErrNotFound
	}
	i.LastLoginAt = &at
	return nil
}

func (f sessionStore) Create(_ context.Context, s *Session) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	for _, existing := range f.sessions {
		if existing.Fingerprint == s.Fingerprint {
			return ErrConflict
		}
	}
	cp := *s
	f.sessions[s.ID] = &cp
	return nil
}

func (f sessionStore) FindByFingerprint(_ context.Context, fp string) (*Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	for _, s := range f.sessions {
		if s.Fingerprint == fp {
			cp := *s
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (f sessionStore) Delete(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	if _, ok := f.sessions[id]; !ok {
		return ErrNotFound
	}
	delete(f.sessions, id)
	return nil
}

func (f sessionStore) DeleteByIdentity(_ context.Context, identityID string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return 0, f.err
	}
	var n int64
	for id, s := range f.sessions {
		if s.IdentityID == identityID {
			delete(f.sessions, id)
			n++
		}
	}
	return n, nil
}

func (f sessionStore) DeleteExpired(_ context.Context, now time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return 0, f.err
	}
	var n int64
	for id, s := range f.sessions {
		if s.Expired(now) {
			delete(f.sessions, id)
			n++
		}
	}
	return n, nil
}

func (f *fakeStore) sessionCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sessions)
}

func (f *fakeStore) RolesForIdentity(_ context.Context, identityID string) ([]RoleRecord, error) {
	f.roleReads.Add(1)
	if f.loadGate != nil {
		<-f.loadGate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	var out []RoleRecord
	for _, id := range f.identityRol[identityID] {
		out = append(out, *f.roles[id])
	}
	return out, nil
}

func (f *fakeStore) PermissionsForRole(_ context.Context, roleID string) ([]Permission, error) {
	f.permReads.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	var out []Permission
	for _, name := range f.rolePerms[roleID] {
		out = append(out, f.perms[name])
	}
	return out, nil
}

func (f *fakeStore) EnsurePermissions(_ context.Context, perms []Permission) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, p := range perms {
		if _, ok := f.perms[p.Name]; !ok {
			f.perms[p.Name] = p
		}
	}
	return nil
}

func (f *fakeStore) EnsureRole(_ context.Context, role *RoleRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, r := range f.roles {
		if r.Name == role.Name {
			*role = *r
			return nil
		}
	}
	cp := *role
	f.roles[role.ID] = &cp
	return nil
}

func (f *fakeStore) FindRoleByName(_ context.Context, name string) (*RoleRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, r := range f.roles {
		if r.Name == name {
			cp := *r
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (f *fakeStore) SetRolePermissions(_ context.Context, roleID string, names []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.roles[roleID]; !ok {
		return ErrNotFound
	}
	for _, n := range names {
		if _, ok := f.perms[n]; !ok {
			return errors.New("unknown permission " + n)
		}
	}
	f.rolePerms[roleID] = append([]string(nil), names...)
	return nil
}

func (f *fakeStore) AssignRole(_ context.Context, identityID, roleID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, id := range f.identityRol[identityID] {
		if id == roleID {
			return ErrConflict
		}
	}
	f.identityRol[identityID] = append(f.identityRol[identityID], roleID)
	return nil
}

func (f *fakeStore) RevokeRole(_ context.Context, identityID, roleID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	ids := f.identityRol[identityID]
	for i, id := range ids {
		if id == roleID {
			f.identityRol[identityID] = append(ids[:i:i], ids[i+1:]...)
			return nil
		}
	}
	return ErrNotFound
}

func (f *fakeStore) Append(_ context.Context, e AuditEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, e)
	return nil
}

func (f *fakeStore) lastEvent() AuditEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.events) == 0 {
		return AuditEvent{}
	}
	return f.events[len(f.events)-1]
}

// failingSink rejects every audit event.
type failingSink struct{ calls atomic.Int64 }

func (s *failingSink) Append(context.Context, AuditEvent) error {
	s.calls.Add(1)
	return errors.New("audit backend down")
}

func (f *fakeStore) auditActions() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.events))
	for i, e := range f.events {
		out[i] = e.Action
	}
	return out
}

// seedRole adds a role granting names and assigns it to identityIDs.
func (f *fakeStore) seedRole(id string, names []string, identityIDs ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.roles[id] = &RoleRecord{ID: id, Name: id}
	for _, n := range names {
		key := MustPermission(n)
		if _, ok := f.perms[n]; !ok {
			f.perms[n] = Permission{ID: "perm-" + n, Name: n, Resource: key.Resource, Action: key.Action}
		}
	}
	f.rolePerms[id] = append([]string(nil), names...)
	for _, identityID := range identityIDs {
		f.identityRol[identityID] = append(f.identityRol[identityID], id)
	}
}

// fixedClock is a manually advanced time source.
type fixedClock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock(t time.Time) *fixedClock { return &fixedClock{now: t} }

func (c *fixedClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fixedClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

var testSecret = []byte("0123456789abcdef0123456789abcdef")
