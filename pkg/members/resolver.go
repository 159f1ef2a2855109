package members

import (
	"context"
	"time"

	"github.com/depotlab/commons/pkg/access"
	"github.com/depotlab/commons/pkg/auth"
	"github.com/depotlab/commons/pkg/cache"
)

// Resolver resolves the community-role needs a user provides, backed by the
// member store through the identity cache. It implements access.NeedResolver.
type Resolver struct {
	store *Store
	cache *cache.IdentityCache
}

// NewResolver creates a need resolver.
func NewResolver(store *Store, identityCache *cache.IdentityCache) *Resolver {
	return &Resolver{store: store, cache: identityCache}
}

// ResolveNeeds returns one CommunityRoleNeed per active membership of the
// user, direct or through a group.
func (r *Resolver) ResolveNeeds(ctx context.Context, identity *auth.Identity) (access.NeedSet, error) {
	if identity == nil || identity.Type != auth.ActorUser || identity.ID == "" {
		return access.NewNeedSet(), nil
	}

	snap, err := r.cache.GetOrLoad(ctx, identity.ID, r.load)
	if err != nil {
		return nil, err
	}

	needs := access.NewNeedSet()
	for _, m := range snap.Memberships {
		needs.Add(access.CommunityRoleNeed(m.Community, m.Role))
	}
	return needs, nil
}

func (r *Resolver) load(ctx context.Context, userID string) (*cache.Snapshot, error) {
	memberships, err := r.store.ListMemberships(ctx, nil, userID)
	if err != nil {
		return nil, err
	}
	return &cache.Snapshot{
		UserID:      userID,
		Memberships: memberships,
		CachedAt:    time.Now().UTC(),
	}, nil
}
