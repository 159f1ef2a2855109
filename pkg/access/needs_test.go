package access

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/depotlab/commons/pkg/auth"
)

func TestNeedSetOperations(t *testing.T) {
	s := NewNeedSet(AnyUserNeed(), CommunityRoleNeed("c1", "reader"))

	assert.True(t, s.Has(AnyUserNeed()))
	assert.True(t, s.Has(CommunityRoleNeed("c1", "reader")))
	assert.False(t, s.Has(CommunityRoleNeed("c1", "owner")))
	assert.False(t, s.Has(CommunityRoleNeed("c2", "reader")))

	assert.True(t, s.Intersects(NewNeedSet(CommunityRoleNeed("c1", "reader"))))
	assert.False(t, s.Intersects(NewNeedSet(SystemProcessNeed())))
	assert.False(t, s.Intersects(NewNeedSet()))

	assert.Len(t, s.Slice(), 2)
}

func TestBaseNeeds(t *testing.T) {
	anon := BaseNeeds(auth.Anonymous())
	assert.True(t, anon.Has(AnyUserNeed()))
	assert.False(t, anon.Has(AuthenticatedUserNeed()))

	user := BaseNeeds(auth.UserIdentity("u1"))
	assert.True(t, user.Has(AnyUserNeed()))
	assert.True(t, user.Has(AuthenticatedUserNeed()))
	assert.True(t, user.Has(UserNeed("u1")))
	assert.False(t, user.Has(SystemProcessNeed()))

	system := BaseNeeds(auth.System())
	assert.True(t, system.Has(SystemProcessNeed()))
	assert.True(t, system.Has(AuthenticatedUserNeed()))

	assert.True(t, BaseNeeds(nil).Has(AnyUserNeed()))
}

func TestNeedString(t *testing.T) {
	assert.Equal(t, "community_role(c1:owner)", CommunityRoleNeed("c1", "owner").String())
	assert.Equal(t, "user(u1)", UserNeed("u1").String())
	assert.Equal(t, "system_process", SystemProcessNeed().String())
}
