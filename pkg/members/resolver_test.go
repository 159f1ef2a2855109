package members

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/depotlab/commons/pkg/access"
	"github.com/depotlab/commons/pkg/auth"
	"github.com/depotlab/commons/pkg/cache"
)

func TestResolverNeeds(t *testing.T) {
	store, mock := newMockStore(t)
	identityCache := cache.NewIdentityCache(nil, 16, time.Minute, nil, nil)
	resolver := NewResolver(store, identityCache)

	// One database read; the second resolution is served from the cache.
	mock.ExpectQuery(`SELECT community_id, role FROM members`).
		WithArgs("u1").
		WillReturnRows(sqlmock.NewRows([]string{"community_id", "role"}).
			AddRow("c1", "owner").
			AddRow("c2", "reader"))

	needs, err := resolver.ResolveNeeds(context.Background(), auth.UserIdentity("u1"))
	require.NoError(t, err)
	assert.True(t, needs.Has(access.CommunityRoleNeed("c1", "owner")))
	assert.True(t, needs.Has(access.CommunityRoleNeed("c2", "reader")))

	again, err := resolver.ResolveNeeds(context.Background(), auth.UserIdentity("u1"))
	require.NoError(t, err)
	assert.True(t, again.Has(access.CommunityRoleNeed("c1", "owner")))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestResolverNonUserIdentities(t *testing.T) {
	store, _ := newMockStore(t)
	resolver := NewResolver(store, cache.NewIdentityCache(nil, 16, time.Minute, nil, nil))

	needs, err := resolver.ResolveNeeds(context.Background(), auth.Anonymous())
	require.NoError(t, err)
	assert.Empty(t, needs)

	needs, err = resolver.ResolveNeeds(context.Background(), auth.System())
	require.NoError(t, err)
	assert.Empty(t, needs)
}

func TestResolverInvalidationForcesReload(t *testing.T) {
	store, mock := newMockStore(t)
	identityCache := cache.NewIdentityCache(nil, 16, time.Minute, nil, nil)
	resolver := NewResolver(store, identityCache)

	mock.ExpectQuery(`SELECT community_id, role FROM members`).
		WithArgs("u1").
		WillReturnRows(sqlmock.NewRows([]string{"community_id", "role"}).
			AddRow("c1", "reader"))

	_, err := resolver.ResolveNeeds(context.Background(), auth.UserIdentity("u1"))
	require.NoError(t, err)

	require.NoError(t, identityCache.Invalidate(context.Background(), "u1"))

	// The role changed under the cache; the reload sees the new state.
	mock.ExpectQuery(`SELECT community_id, role FROM members`).
		WithArgs("u1").
		WillReturnRows(sqlmock.NewRows([]string{"community_id", "role"}).
			AddRow("c1", "owner"))

	needs, err := resolver.ResolveNeeds(context.Background(), auth.UserIdentity("u1"))
	require.NoError(t, err)
	assert.True(t, needs.Has(access.CommunityRoleNeed("c1", "owner")))
	assert.False(t, needs.Has(access.CommunityRoleNeed("c1", "reader")))
}
