package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"tourguide.org/internal/obs"
)

// DefaultPermissionTTL bounds how stale a cached permission set may be.
const DefaultPermissionTTL = 5 * time.Minute

const resolveTimeout = 10 * time.Second

// PermissionResolver computes the permissions reachable through an identity's roles.
// Results are cached for a TTL; role or permission changes become visible once the
// entry expires or Invalidate is called.
type PermissionResolver struct {
	roles RoleStore
	cache PermissionCache
	ttl   time.Duration
	now   func() time.Time
	group singleflight.Group
}

// ResolverOption configures a PermissionResolver.
type ResolverOption func(*PermissionResolver)

// WithPermissionTTL overrides the cache TTL.
func WithPermissionTTL(ttl time.Duration) ResolverOption {
	return func(r *PermissionResolver) {
		if ttl > 0 {
			r.ttl = ttl
		}
	}
}

// WithPermissionCache replaces the default in-process cache.
func WithPermissionCache(cache PermissionCache) ResolverOption {
	return func(r *PermissionResolver) {
		if cache != nil {
			r.cache = cache
		}
	}
}

// WithResolverClock overrides the time source used for cache expiry.
func WithResolverClock(fn func() time.Time) ResolverOption {
	return func(r *PermissionResolver) {
		if fn != nil {
			r.now = fn
		}
	}
}

// NewPermissionResolver constructs a resolver over roles.
func NewPermissionResolver(roles RoleStore, opts ...ResolverOption) (*PermissionResolver, error) {
	if roles == nil {
		return nil, errors.New("auth: role store is required")
	}
	r := &PermissionResolver{
		roles: roles,
		cache: NewMemoryCache(),
		ttl:   DefaultPermissionTTL,
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Resolve returns the permission set of identityID, from cache when fresh.
func (r *PermissionResolver) Resolve(ctx context.Context, identityID string) (PermissionSet, error) {
	identityID = strings.TrimSpace(identityID)
	if identityID == "" {
		return nil, fmt.Errorf("%w: identity id is required", ErrInvalidInput)
	}
	if set, ok := r.cache.Get(identityID, r.now()); ok {
		obs.PermissionCacheLookup(true)
		return set, nil
	}
	obs.PermissionCacheLookup(false)

	// Concurrent misses for one identity share a single load. The shared load is
	// detached from any one caller's cancellation; each caller still returns on its own ctx.
	ch := r.group.DoChan(identityID, func() (any, error) {
		loadCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), resolveTimeout)
		defer cancel()
		set, err := r.load(loadCtx, identityID)
		if err != nil {
			return nil, err
		}
		r.cache.Set(identityID, set, r.now().Add(r.ttl))
		return set, nil
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(PermissionSet), nil
	}
}

// Invalidate drops the cached set of identityID.
func (r *PermissionResolver) Invalidate(identityID string) {
	r.cache.Delete(identityID)
}

func (r *PermissionResolver) load(ctx context.Context, identityID string) (PermissionSet, error) {
	roles, err := r.roles.RolesForIdentity(ctx, identityID)
	if err != nil {
		return nil, storageError("roles for identity", err)
	}
	byID := make(map[string]PermissionKey)
	for _, role := range roles {
		perms, err := r.roles.PermissionsForRole(ctx, role.ID)
		if err != nil {
			return nil, storageError("permissions for role", err)
		}
		for _, p := range perms {
			byID[p.ID] = p.Key()
		}
	}
	set := make(PermissionSet, len(byID))
	for _, k := range byID {
		set[k] = struct{}{}
	}
	return set, nil
}
