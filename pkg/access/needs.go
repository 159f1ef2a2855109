package access

import (
	"context"
	"fmt"

	"github.com/depotlab/commons/pkg/auth"
)

// NeedKind enumerates the kinds of capability tokens.
type NeedKind string

const (
	KindSystemProcess     NeedKind = "system_process"
	KindAuthenticatedUser NeedKind = "authenticated_user"
	KindAnyUser           NeedKind = "any_user"
	KindUser              NeedKind = "user"
	KindCommunityRole     NeedKind = "community_role"
)

// Need is an opaque capability token. Needs are comparable and safe to use
// as map keys; two needs are the same capability iff all fields are equal.
type Need struct {
	Kind      NeedKind `json:"kind"`
	Value     string   `json:"value,omitempty"`
	Community string   `json:"community,omitempty"`
	Role      string   `json:"role,omitempty"`
}

func (n Need) String() string {
	switch n.Kind {
	case KindCommunityRole:
		return fmt.Sprintf("%s(%s:%s)", n.Kind, n.Community, n.Role)
	case KindUser:
		return fmt.Sprintf("%s(%s)", n.Kind, n.Value)
	default:
		return string(n.Kind)
	}
}

// SystemProcessNeed is provided only by the system identity.
func SystemProcessNeed() Need { return Need{Kind: KindSystemProcess} }

// AuthenticatedUserNeed is provided by any logged-in user.
func AuthenticatedUserNeed() Need { return Need{Kind: KindAuthenticatedUser} }

// AnyUserNeed is provided by every identity, including anonymous callers.
func AnyUserNeed() Need { return Need{Kind: KindAnyUser} }

// UserNeed identifies one specific user.
func UserNeed(userID string) Need { return Need{Kind: KindUser, Value: userID} }

// CommunityRoleNeed is provided by an identity holding the given role in the
// given community.
func CommunityRoleNeed(communityID, role string) Need {
	return Need{Kind: KindCommunityRole, Community: communityID, Role: role}
}

// NeedSet is an unordered set of needs.
type NeedSet map[Need]struct{}

// NewNeedSet builds a set from the given needs.
func NewNeedSet(needs ...Need) NeedSet {
	s := make(NeedSet, len(needs))
	s.Add(needs...)
	return s
}

// Add inserts needs into the set.
func (s NeedSet) Add(needs ...Need) {
	for _, n := range needs {
		s[n] = struct{}{}
	}
}

// Has reports whether the set contains the need.
func (s NeedSet) Has(n Need) bool {
	_, ok := s[n]
	return ok
}

// Intersects reports whether any need is in both sets.
func (s NeedSet) Intersects(other NeedSet) bool {
	small, large := s, other
	if len(large) < len(small) {
		small, large = large, small
	}
	for n := range small {
		if _, ok := large[n]; ok {
			return true
		}
	}
	return false
}

// Slice returns the needs in unspecified order, for serialization.
func (s NeedSet) Slice() []Need {
	out := make([]Need, 0, len(s))
	for n := range s {
		out = append(out, n)
	}
	return out
}

// BaseNeeds returns the needs every identity provides by virtue of what it
// is, before any membership lookup.
func BaseNeeds(identity *auth.Identity) NeedSet {
	needs := NewNeedSet(AnyUserNeed())
	if identity == nil {
		return needs
	}
	if identity.IsSystem() {
		needs.Add(SystemProcessNeed(), AuthenticatedUserNeed())
		return needs
	}
	if identity.IsAuthenticated() {
		needs.Add(AuthenticatedUserNeed(), UserNeed(identity.ID))
	}
	return needs
}

// NeedResolver resolves the community-role needs an identity provides. The
// members package implements it on top of the membership store and the
// identity cache.
type NeedResolver interface {
	ResolveNeeds(ctx context.Context, identity *auth.Identity) (NeedSet, error)
}

// NeedResolverFunc adapts a function to the NeedResolver interface.
type NeedResolverFunc func(ctx context.Context, identity *auth.Identity) (NeedSet, error)

// ResolveNeeds implements NeedResolver.
func (f NeedResolverFunc) ResolveNeeds(ctx context.Context, identity *auth.Identity) (NeedSet, error) {
	return f(ctx, identity)
}
