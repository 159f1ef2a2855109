package access

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/depotlab/commons/pkg/auth"
	"github.com/depotlab/commons/pkg/roles"
)

// fakeRecord is a minimal community view for generator tests.
type fakeRecord struct {
	id      string
	fields  map[string]string
	deleted bool
}

func (r *fakeRecord) RecordID() string { return r.id }
func (r *fakeRecord) AccessField(field string) string {
	return r.fields[field]
}
func (r *fakeRecord) Deleted() bool { return r.deleted }

func publicRecord() *fakeRecord {
	return &fakeRecord{id: "c1", fields: map[string]string{"visibility": "public"}}
}

func restrictedRecord() *fakeRecord {
	return &fakeRecord{id: "c1", fields: map[string]string{"visibility": "restricted"}}
}

// staticResolver maps user ids to the community roles they hold.
func staticResolver(byUser map[string][]Need) NeedResolver {
	return NeedResolverFunc(func(_ context.Context, identity *auth.Identity) (NeedSet, error) {
		return NewNeedSet(byUser[identity.ID]...), nil
	})
}

func newTestPolicy(t *testing.T, byUser map[string][]Need, opts PolicyOptions) *Policy {
	t.Helper()
	return NewPolicy(roles.Default(), staticResolver(byUser), opts)
}

func TestReadPublicCommunity(t *testing.T) {
	policy := newTestPolicy(t, nil, PolicyOptions{})
	pctx := Context{Record: publicRecord()}

	assert.NoError(t, policy.Allows(context.Background(), auth.Anonymous(), ActionRead, pctx))
	assert.NoError(t, policy.Allows(context.Background(), auth.UserIdentity("u1"), ActionRead, pctx))
}

func TestReadRestrictedCommunity(t *testing.T) {
	policy := newTestPolicy(t, map[string][]Need{
		"member": {CommunityRoleNeed("c1", "reader")},
	}, PolicyOptions{})
	pctx := Context{Record: restrictedRecord()}

	err := policy.Allows(context.Background(), auth.Anonymous(), ActionRead, pctx)
	assert.True(t, IsPermissionDenied(err))

	err = policy.Allows(context.Background(), auth.UserIdentity("stranger"), ActionRead, pctx)
	assert.True(t, IsPermissionDenied(err))

	assert.NoError(t, policy.Allows(context.Background(), auth.UserIdentity("member"), ActionRead, pctx))
	assert.NoError(t, policy.Allows(context.Background(), auth.System(), ActionRead, pctx))
}

func TestReadDeletedCommunity(t *testing.T) {
	policy := newTestPolicy(t, map[string][]Need{
		"owner": {CommunityRoleNeed("c1", "owner")},
	}, PolicyOptions{})
	rec := publicRecord()
	rec.deleted = true
	pctx := Context{Record: rec}

	// A tombstoned community is unreadable in full even for its owner.
	err := policy.Allows(context.Background(), auth.UserIdentity("owner"), ActionRead, pctx)
	assert.True(t, IsPermissionDenied(err))
	assert.NoError(t, policy.Allows(context.Background(), auth.System(), ActionRead, pctx))
}

func TestDeleteRequiresOwner(t *testing.T) {
	policy := newTestPolicy(t, map[string][]Need{
		"o1": {CommunityRoleNeed("c1", "owner")},
		"m1": {CommunityRoleNeed("c1", "manager")},
	}, PolicyOptions{})
	pctx := Context{Record: publicRecord()}

	assert.NoError(t, policy.Allows(context.Background(), auth.UserIdentity("o1"), ActionDelete, pctx))

	err := policy.Allows(context.Background(), auth.UserIdentity("m1"), ActionDelete, pctx)
	assert.True(t, IsPermissionDenied(err))

	// Managers may still update.
	assert.NoError(t, policy.Allows(context.Background(), auth.UserIdentity("m1"), ActionUpdate, pctx))
}

func TestInviteGrantsByManagedRole(t *testing.T) {
	policy := newTestPolicy(t, map[string][]Need{
		"m1": {CommunityRoleNeed("c1", "manager")},
	}, PolicyOptions{})

	// A manager can invite readers but cannot hand out ownership.
	pctx := Context{Record: publicRecord(), TargetRole: "reader", MemberTypes: []string{"user"}}
	assert.NoError(t, policy.Allows(context.Background(), auth.UserIdentity("m1"), ActionMembersInvite, pctx))

	pctx.TargetRole = "owner"
	err := policy.Allows(context.Background(), auth.UserIdentity("m1"), ActionMembersInvite, pctx)
	assert.True(t, IsPermissionDenied(err))
}

func TestRoleChangeNeedsBothManagerSets(t *testing.T) {
	policy := newTestPolicy(t, map[string][]Need{
		"m1": {CommunityRoleNeed("c1", "manager")},
		"o1": {CommunityRoleNeed("c1", "owner")},
	}, PolicyOptions{})

	// Demoting an owner to reader crosses the owner manager set, which a
	// manager is not in.
	pctx := Context{Record: publicRecord(), CurrentRole: "owner", TargetRole: "reader"}
	err := policy.Allows(context.Background(), auth.UserIdentity("m1"), ActionMembersUpdate, pctx)
	assert.True(t, IsPermissionDenied(err))

	assert.NoError(t, policy.Allows(context.Background(), auth.UserIdentity("o1"), ActionMembersUpdate, pctx))
}

func TestMemberActsOnOwnMembership(t *testing.T) {
	policy := newTestPolicy(t, map[string][]Need{
		"u2": {CommunityRoleNeed("c1", "reader")},
	}, PolicyOptions{})

	// A plain member may update or remove their own membership row, e.g. to
	// make it visible or to leave the community.
	pctx := Context{Record: publicRecord(), CurrentRole: "reader", TargetUserID: "u2"}
	assert.NoError(t, policy.Allows(context.Background(), auth.UserIdentity("u2"), ActionMembersUpdate, pctx))
	assert.NoError(t, policy.Allows(context.Background(), auth.UserIdentity("u2"), ActionMembersDelete, pctx))

	// The self grant does not extend to other members' rows.
	err := policy.Allows(context.Background(), auth.UserIdentity("u3"), ActionMembersUpdate, pctx)
	assert.True(t, IsPermissionDenied(err))
	err = policy.Allows(context.Background(), auth.UserIdentity("u3"), ActionMembersDelete, pctx)
	assert.True(t, IsPermissionDenied(err))
}

func TestBulkMemberActionsNeedManageCapability(t *testing.T) {
	policy := newTestPolicy(t, map[string][]Need{
		"m1": {CommunityRoleNeed("c1", "manager")},
		"u2": {CommunityRoleNeed("c1", "reader")},
	}, PolicyOptions{})
	pctx := Context{Record: publicRecord()}

	assert.NoError(t, policy.Allows(context.Background(), auth.UserIdentity("m1"), ActionMembersBulkUpdate, pctx))
	assert.NoError(t, policy.Allows(context.Background(), auth.UserIdentity("m1"), ActionMembersBulkDelete, pctx))

	err := policy.Allows(context.Background(), auth.UserIdentity("u2"), ActionMembersBulkUpdate, pctx)
	assert.True(t, IsPermissionDenied(err))
	err = policy.Allows(context.Background(), auth.UserIdentity("u2"), ActionMembersBulkDelete, pctx)
	assert.True(t, IsPermissionDenied(err))
}

func TestDirectAddRestrictedToGroups(t *testing.T) {
	policy := newTestPolicy(t, map[string][]Need{
		"m1": {CommunityRoleNeed("c1", "manager")},
	}, PolicyOptions{})

	pctx := Context{Record: publicRecord(), TargetRole: "reader", MemberTypes: []string{"group"}}
	assert.NoError(t, policy.Allows(context.Background(), auth.UserIdentity("m1"), ActionMembersAdd, pctx))

	// Adding a user directly is excluded for everyone but the system; users
	// join through invitations.
	pctx.MemberTypes = []string{"user"}
	err := policy.Allows(context.Background(), auth.UserIdentity("m1"), ActionMembersAdd, pctx)
	assert.True(t, IsPermissionDenied(err))
	assert.NoError(t, policy.Allows(context.Background(), auth.System(), ActionMembersAdd, pctx))
}

func TestRequestMembershipFeatureFlag(t *testing.T) {
	open := &fakeRecord{id: "c1", fields: map[string]string{"member_policy": "open"}}

	disabled := newTestPolicy(t, nil, PolicyOptions{})
	err := disabled.Allows(context.Background(), auth.UserIdentity("u1"), ActionRequestMembership, Context{Record: open})
	assert.True(t, IsPermissionDenied(err))

	enabled := newTestPolicy(t, nil, PolicyOptions{MembershipRequestsEnabled: true})
	assert.NoError(t, enabled.Allows(context.Background(), auth.UserIdentity("u1"), ActionRequestMembership, Context{Record: open}))

	// A closed member policy keeps the door shut even with the flag on.
	closed := &fakeRecord{id: "c1", fields: map[string]string{"member_policy": "closed"}}
	err = enabled.Allows(context.Background(), auth.UserIdentity("u1"), ActionRequestMembership, Context{Record: closed})
	assert.True(t, IsPermissionDenied(err))
}

func TestUnknownActionDenies(t *testing.T) {
	policy := newTestPolicy(t, nil, PolicyOptions{})
	err := policy.Allows(context.Background(), auth.System(), Action("fly"), Context{})
	require.Error(t, err)
	assert.True(t, IsPermissionDenied(err))
}
