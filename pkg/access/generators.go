package access

import (
	"github.com/depotlab/commons/pkg/roles"
)

// Record is the minimal view of a community a generator may inspect.
// Permission checks can run without a loaded record (link rendering, list
// filtering), so every generator must tolerate a nil Record.
type Record interface {
	// RecordID returns the community id.
	RecordID() string
	// AccessField returns the value of an access policy field
	// ("visibility", "member_policy", "record_policy").
	AccessField(field string) string
	// Deleted reports whether the community is soft-deleted.
	Deleted() bool
}

// Context carries everything a generator may need to compute its needs.
type Context struct {
	Record Record

	// TargetRole is the role being assigned by an add/invite/update call.
	TargetRole string
	// CurrentRole is the role an existing member holds, set on updates.
	CurrentRole string
	// TargetUserID is the user id behind the member row being updated or
	// removed. Empty for group members and for calls without a single
	// member target.
	TargetUserID string
	// MemberTypes are the member types ("user", "group") present in an
	// add/invite payload.
	MemberTypes []string
}

// Generator computes the needs an action grants to, or withholds from, an
// identity. Both methods must be pure.
type Generator interface {
	// Needs returns the needs that authorize the action.
	Needs(ctx Context) []Need
	// Excludes returns needs that forbid the action for any identity
	// providing them, regardless of grants.
	Excludes(ctx Context) []Need
}

// SystemProcess grants the action to the system identity only.
type SystemProcess struct{}

func (SystemProcess) Needs(Context) []Need    { return []Need{SystemProcessNeed()} }
func (SystemProcess) Excludes(Context) []Need { return nil }

// AuthenticatedUser grants the action to any logged-in user.
type AuthenticatedUser struct{}

func (AuthenticatedUser) Needs(Context) []Need    { return []Need{AuthenticatedUserNeed()} }
func (AuthenticatedUser) Excludes(Context) []Need { return nil }

// AnyUser grants the action to everyone, including anonymous callers.
type AnyUser struct{}

func (AnyUser) Needs(Context) []Need    { return []Need{AnyUserNeed()} }
func (AnyUser) Excludes(Context) []Need { return nil }

// Disable grants the action to nobody. Used when a feature flag turns an
// action off.
type Disable struct{}

func (Disable) Needs(Context) []Need    { return nil }
func (Disable) Excludes(Context) []Need { return nil }

// CommunityRoles grants the action to holders of any role carrying the given
// capability flag in the context community.
type CommunityRoles struct {
	Registry   *roles.Registry
	Capability string
}

func (g CommunityRoles) Needs(ctx Context) []Need {
	if ctx.Record == nil {
		return nil
	}
	community := ctx.Record.RecordID()
	roleList := g.Registry.Can(g.Capability)
	needs := make([]Need, 0, len(roleList))
	for _, r := range roleList {
		needs = append(needs, CommunityRoleNeed(community, r.Name))
	}
	return needs
}

func (CommunityRoles) Excludes(Context) []Need { return nil }

// CommunityOwners grants the action to holders of the owner role.
type CommunityOwners struct {
	Registry *roles.Registry
}

func (g CommunityOwners) Needs(ctx Context) []Need {
	if ctx.Record == nil {
		return nil
	}
	return []Need{CommunityRoleNeed(ctx.Record.RecordID(), g.Registry.Owner().Name)}
}

func (CommunityOwners) Excludes(Context) []Need { return nil }

// CommunityManagersForRole grants member mutations to the roles allowed to
// manage the roles involved. For an add/invite only TargetRole is set and the
// grant is the manager set of that role. For a role change both TargetRole
// and CurrentRole are set and the grant is the intersection of the two
// manager sets, so a single update cannot both demote a member and escalate
// the caller. For an update that does not change the role only CurrentRole
// is set.
type CommunityManagersForRole struct {
	Registry *roles.Registry
}

func (g CommunityManagersForRole) Needs(ctx Context) []Need {
	if ctx.Record == nil {
		return nil
	}

	var managers []roles.Role
	switch {
	case ctx.TargetRole != "" && ctx.CurrentRole != "" && ctx.TargetRole != ctx.CurrentRole:
		managers = g.Registry.ManagerRolesFor(ctx.CurrentRole, ctx.TargetRole)
	case ctx.TargetRole != "":
		managers = g.Registry.ManagerRoles(ctx.TargetRole)
	case ctx.CurrentRole != "":
		managers = g.Registry.ManagerRoles(ctx.CurrentRole)
	default:
		return nil
	}

	community := ctx.Record.RecordID()
	needs := make([]Need, 0, len(managers))
	for _, r := range managers {
		needs = append(needs, CommunityRoleNeed(community, r.Name))
	}
	return needs
}

func (CommunityManagersForRole) Excludes(Context) []Need { return nil }

// MemberSelf grants a member mutation to the user behind the target member
// row. It lets a member make their own membership visible and leave a
// community without holding any management role; the service layer still
// rejects self role changes, and the owner invariant keeps a sole owner from
// leaving.
type MemberSelf struct{}

func (MemberSelf) Needs(ctx Context) []Need {
	if ctx.TargetUserID == "" {
		return nil
	}
	return []Need{UserNeed(ctx.TargetUserID)}
}

func (MemberSelf) Excludes(Context) []Need { return nil }

// AllowedMemberTypes forbids the action for everyone except the system
// process when the payload contains a member type outside the allowed set.
// It is how direct adds are restricted to group accounts while users must go
// through an invitation.
type AllowedMemberTypes struct {
	Types []string
}

func (g AllowedMemberTypes) Needs(Context) []Need {
	return []Need{SystemProcessNeed()}
}

func (g AllowedMemberTypes) Excludes(ctx Context) []Need {
	for _, t := range ctx.MemberTypes {
		if !g.allows(t) {
			return []Need{AnyUserNeed()}
		}
	}
	return nil
}

func (g AllowedMemberTypes) allows(memberType string) bool {
	for _, t := range g.Types {
		if t == memberType {
			return true
		}
	}
	return false
}

// IfAccessField branches on an access policy field of the context record.
// A nil record evaluates the Else branch, because checks may run before any
// record is loaded.
type IfAccessField struct {
	Field string
	Value string
	Then  []Generator
	Else  []Generator
}

func (g IfAccessField) branch(ctx Context) []Generator {
	if ctx.Record == nil || ctx.Record.AccessField(g.Field) != g.Value {
		return g.Else
	}
	return g.Then
}

func (g IfAccessField) Needs(ctx Context) []Need {
	var needs []Need
	for _, inner := range g.branch(ctx) {
		needs = append(needs, inner.Needs(ctx)...)
	}
	return needs
}

func (g IfAccessField) Excludes(ctx Context) []Need {
	var needs []Need
	for _, inner := range g.branch(ctx) {
		needs = append(needs, inner.Excludes(ctx)...)
	}
	return needs
}

// IfRestricted branches on whether an access field equals "restricted".
func IfRestricted(field string, then, els []Generator) IfAccessField {
	return IfAccessField{Field: field, Value: "restricted", Then: then, Else: els}
}

// IfMemberPolicyClosed branches on whether the member policy is "closed".
func IfMemberPolicyClosed(then, els []Generator) IfAccessField {
	return IfAccessField{Field: "member_policy", Value: "closed", Then: then, Else: els}
}

// IfCommunityDeleted branches on the deletion status of the context record.
// A nil record evaluates the Else branch.
type IfCommunityDeleted struct {
	Then []Generator
	Else []Generator
}

func (g IfCommunityDeleted) branch(ctx Context) []Generator {
	if ctx.Record != nil && ctx.Record.Deleted() {
		return g.Then
	}
	return g.Else
}

func (g IfCommunityDeleted) Needs(ctx Context) []Need {
	var needs []Need
	for _, inner := range g.branch(ctx) {
		needs = append(needs, inner.Needs(ctx)...)
	}
	return needs
}

func (g IfCommunityDeleted) Excludes(ctx Context) []Need {
	var needs []Need
	for _, inner := range g.branch(ctx) {
		needs = append(needs, inner.Excludes(ctx)...)
	}
	return needs
}
