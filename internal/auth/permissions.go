package auth

import (
	"fmt"
	"sort"
	"strings"
)

// PermissionKey identifies a capability as a (resource, action) pair.
type PermissionKey struct {
	Resource string
	Action   string
}

// String renders the key in its canonical "resource.action" form.
func (k PermissionKey) String() string {
	return k.Resource + "." + k.Action
}

// ParsePermission parses a "resource.action" name. The action is the last dot segment.
func ParsePermission(name string) (PermissionKey, error) {
	name = strings.TrimSpace(strings.ToLower(name))
	idx := strings.LastIndex(name, ".")
	if idx <= 0 || idx == len(name)-1 {
		return PermissionKey{}, fmt.Errorf("%w: permission %q must be resource.action", ErrInvalidInput, name)
	}
	return PermissionKey{Resource: name[:idx], Action: name[idx+1:]}, nil
}

// MustPermission is ParsePermission for compile-time constants.
func MustPermission(name string) PermissionKey {
	k, err := ParsePermission(name)
	if err != nil {
		panic(err)
	}
	return k
}

// PermissionSet is an immutable set of permission keys.
type PermissionSet map[PermissionKey]struct{}

// NewPermissionSet builds a set from keys.
func NewPermissionSet(keys ...PermissionKey) PermissionSet {
	set := make(PermissionSet, len(keys))
	for _, k := range keys {
		set[k] = struct{}{}
	}
	return set
}

// Has reports whether key is in the set.
func (s PermissionSet) Has(key PermissionKey) bool {
	_, ok := s[key]
	return ok
}

// Missing returns the required keys absent from the set, in input order.
func (s PermissionSet) Missing(required []PermissionKey) []PermissionKey {
	var missing []PermissionKey
	for _, k := range required {
		if !s.Has(k) {
			missing = append(missing, k)
		}
	}
	return missing
}

// Names returns the sorted canonical names of the set.
func (s PermissionSet) Names() []string {
	out := make([]string, 0, len(s))
	for k := range s {
		out = append(out, k.String())
	}
	sort.Strings(out)
	return out
}

// Guarded resources and their actions.
const (
	ResourceRoutes      = "routes"
	ResourceMessages    = "messages"
	ResourceSpots       = "spots"
	ResourceVoiceGuides = "voice_guides"
	ResourceUsers       = "users"

	ActionCreate = "create"
	ActionRead   = "read"
	ActionUpdate = "update"
	ActionDelete = "delete"
	ActionManage = "manage"
)

var contentResources = []string{ResourceRoutes, ResourceMessages, ResourceSpots, ResourceVoiceGuides}

// BuiltinPermissions is the permission catalogue seeded by EnsureBuiltins.
var BuiltinPermissions = builtinPermissions()

func builtinPermissions() []Permission {
	var perms []Permission
	for _, res := range contentResources {
		for _, act := range []string{ActionCreate, ActionRead, ActionUpdate, ActionDelete} {
			perms = append(perms, Permission{
				Name:        res + "." + act,
				Resource:    res,
				Action:      act,
				Description: fmt.Sprintf("%s%s %s", strings.ToUpper(act[:1]), act[1:], strings.ReplaceAll(res, "_", " ")),
			})
		}
	}
	perms = append(perms, Permission{
		Name:        ResourceUsers + "." + ActionManage,
		Resource:    ResourceUsers,
		Action:      ActionManage,
		Description: "Manage identities and role assignments",
	})
	return perms
}

// BuiltinRoleGrants maps builtin role names to the permissions they receive by default.
// Admin needs no grants: it bypasses the permission gate.
var BuiltinRoleGrants = map[Role][]string{
	RoleAdmin: nil,
	RoleModerator: {
		"routes.read", "routes.update",
		"messages.read", "messages.update",
		"spots.read", "spots.update",
		"voice_guides.read", "voice_guides.update",
	},
	RoleUser: {
		"routes.read", "routes.create",
		"messages.read", "messages.create",
		"spots.read",
		"voice_guides.read",
	},
}
