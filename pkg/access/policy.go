package access

import (
	"context"
	"fmt"

	"github.com/depotlab/commons/pkg/auth"
	"github.com/depotlab/commons/pkg/roles"
)

// Action names a permission-checked operation.
type Action string

const (
	ActionCreate              Action = "create"
	ActionRead                Action = "read"
	ActionReadDeleted         Action = "read_deleted"
	ActionUpdate              Action = "update"
	ActionDelete              Action = "delete"
	ActionPurge               Action = "purge"
	ActionManageAccess        Action = "manage_access"
	ActionManageParent        Action = "manage_parent"
	ActionManageChildren      Action = "manage_children"
	ActionRequestMembership   Action = "request_membership"
	ActionMembersAdd          Action = "members_add"
	ActionMembersInvite       Action = "members_invite"
	ActionMembersUpdate       Action = "members_update"
	ActionMembersDelete       Action = "members_delete"
	ActionMembersBulkUpdate   Action = "members_bulk_update"
	ActionMembersBulkDelete   Action = "members_bulk_delete"
	ActionMembersSearch       Action = "members_search"
	ActionMembersSearchPublic Action = "members_search_public"
	ActionSearchInvitations   Action = "search_invitations"
)

// PermissionDeniedError is returned when an identity lacks the needs an
// action requires. It intentionally carries no information about whether the
// underlying resource exists.
type PermissionDeniedError struct {
	Action Action
}

func (e *PermissionDeniedError) Error() string {
	return fmt.Sprintf("permission denied: %s", e.Action)
}

// IsPermissionDenied reports whether err is a PermissionDeniedError.
func IsPermissionDenied(err error) bool {
	_, ok := err.(*PermissionDeniedError)
	return ok
}

// PolicyOptions tune the generated action table.
type PolicyOptions struct {
	// MembershipRequestsEnabled gates the request_membership action.
	MembershipRequestsEnabled bool
}

// Policy maps actions to generator lists and evaluates authorization
// decisions against the needs an identity provides.
type Policy struct {
	generators map[Action][]Generator
	resolver   NeedResolver
}

// NewPolicy builds the default action table for the given role registry.
// The resolver supplies community-role needs; base needs (any user,
// authenticated, system) are derived from the identity directly.
func NewPolicy(reg *roles.Registry, resolver NeedResolver, opts PolicyOptions) *Policy {
	system := SystemProcess{}
	managers := CommunityRoles{Registry: reg, Capability: roles.CapabilityManage}
	viewers := CommunityRoles{Registry: reg, Capability: roles.CapabilityView}
	owners := CommunityOwners{Registry: reg}
	managersForRole := CommunityManagersForRole{Registry: reg}

	// Reading a public community is open to everyone; a restricted one only
	// to members with view capability. A deleted community is readable in
	// full only with read_deleted; everyone else gets the masked tombstone.
	read := IfCommunityDeleted{
		Then: []Generator{system},
		Else: []Generator{IfRestricted("visibility",
			[]Generator{viewers, system},
			[]Generator{AnyUser{}},
		)},
	}

	var requestMembership []Generator
	if opts.MembershipRequestsEnabled {
		requestMembership = []Generator{IfMemberPolicyClosed(
			nil,
			[]Generator{AuthenticatedUser{}},
		)}
	} else {
		requestMembership = []Generator{Disable{}}
	}

	table := map[Action][]Generator{
		ActionCreate:            {AuthenticatedUser{}, system},
		ActionRead:              {read},
		ActionReadDeleted:       {system},
		ActionUpdate:            {managers, system},
		ActionDelete:            {owners, system},
		ActionPurge:             {system},
		ActionManageAccess:      {owners, system},
		ActionManageParent:      {owners, system},
		ActionManageChildren:    {owners, system},
		ActionRequestMembership: requestMembership,

		ActionMembersAdd: {
			managersForRole,
			AllowedMemberTypes{Types: []string{"group"}},
		},
		ActionMembersInvite: {
			managersForRole,
			AllowedMemberTypes{Types: []string{"user"}},
		},
		ActionMembersUpdate:     {managersForRole, MemberSelf{}, system},
		ActionMembersDelete:     {managersForRole, MemberSelf{}, system},
		ActionMembersBulkUpdate: {managers, system},
		ActionMembersBulkDelete: {managers, system},
		ActionMembersSearch:     {managers, system},
		ActionMembersSearchPublic: {IfRestricted("visibility",
			[]Generator{viewers, system},
			[]Generator{AnyUser{}},
		)},
		ActionSearchInvitations: {managers, system},
	}

	return &Policy{generators: table, resolver: resolver}
}

// Generators returns the generator list configured for an action. Unknown
// actions have no generators and therefore deny everything.
func (p *Policy) Generators(action Action) []Generator {
	return p.generators[action]
}

// Provides resolves the full need set an identity provides: its base needs
// plus the community-role needs from the resolver.
func (p *Policy) Provides(ctx context.Context, identity *auth.Identity) (NeedSet, error) {
	provided := BaseNeeds(identity)
	if p.resolver != nil && identity != nil && identity.Type == auth.ActorUser {
		resolved, err := p.resolver.ResolveNeeds(ctx, identity)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve needs: %w", err)
		}
		for n := range resolved {
			provided[n] = struct{}{}
		}
	}
	return provided, nil
}

// Allows checks whether the identity may perform the action in the given
// context. It returns nil when authorized and *PermissionDeniedError when
// not; any other error is an infrastructure failure.
func (p *Policy) Allows(ctx context.Context, identity *auth.Identity, action Action, pctx Context) error {
	gens, ok := p.generators[action]
	if !ok || len(gens) == 0 {
		return &PermissionDeniedError{Action: action}
	}

	provided, err := p.Provides(ctx, identity)
	if err != nil {
		return err
	}

	grants := NewNeedSet()
	excludes := NewNeedSet()
	for _, g := range gens {
		grants.Add(g.Needs(pctx)...)
		excludes.Add(g.Excludes(pctx)...)
	}

	if provided.Intersects(excludes) && !provided.Has(SystemProcessNeed()) {
		return &PermissionDeniedError{Action: action}
	}
	if !provided.Intersects(grants) {
		return &PermissionDeniedError{Action: action}
	}
	return nil
}
