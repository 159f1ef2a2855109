package members

import (
	"context"

	"github.com/depotlab/commons/pkg/access"
	"github.com/depotlab/commons/pkg/auth"
)

// SearchFilters are the term filters supported by member listings.
type SearchFilters struct {
	Active        *bool  `json:"active,omitempty"`
	Visible       *bool  `json:"visible,omitempty"`
	Role          string `json:"role,omitempty"`
	RequestStatus string `json:"request_status,omitempty"`
}

// Searcher is the member index query surface. The search package implements
// it; when no searcher is wired, listings fall back to the store.
type Searcher interface {
	SearchMembers(ctx context.Context, communityID string, f SearchFilters) ([]*Member, error)
}

// SetSearcher wires the member index. Called once during startup, after the
// index has been constructed on top of this service's store.
func (s *Service) SetSearcher(searcher Searcher) {
	s.searcher = searcher
}

// SearchMembers lists a community's members for its managers.
func (s *Service) SearchMembers(ctx context.Context, identity *auth.Identity, communityID string, f SearchFilters) ([]*Member, error) {
	community, err := s.communities.Get(ctx, nil, communityID)
	if err != nil {
		return nil, err
	}
	if err := s.policy.Allows(ctx, identity, access.ActionMembersSearch, access.Context{Record: community}); err != nil {
		return nil, err
	}
	return s.search(ctx, communityID, f)
}

// SearchPublic lists the visible active members of a community. On a
// restricted community only members may list; on a public one anyone may.
func (s *Service) SearchPublic(ctx context.Context, identity *auth.Identity, communityID string) ([]*Member, error) {
	community, err := s.communities.Get(ctx, nil, communityID)
	if err != nil {
		return nil, err
	}
	if err := s.policy.Allows(ctx, identity, access.ActionMembersSearchPublic, access.Context{Record: community}); err != nil {
		return nil, err
	}
	active, visible := true, true
	return s.search(ctx, communityID, SearchFilters{Active: &active, Visible: &visible})
}

// SearchInvitations lists a community's unresolved invitations.
func (s *Service) SearchInvitations(ctx context.Context, identity *auth.Identity, communityID string) ([]*Member, error) {
	community, err := s.communities.Get(ctx, nil, communityID)
	if err != nil {
		return nil, err
	}
	if err := s.policy.Allows(ctx, identity, access.ActionSearchInvitations, access.Context{Record: community}); err != nil {
		return nil, err
	}
	active := false
	return s.search(ctx, communityID, SearchFilters{Active: &active, RequestStatus: "submitted"})
}

func (s *Service) search(ctx context.Context, communityID string, f SearchFilters) ([]*Member, error) {
	if s.searcher != nil {
		return s.searcher.SearchMembers(ctx, communityID, f)
	}

	all, err := s.store.ListByCommunity(ctx, nil, communityID)
	if err != nil {
		return nil, err
	}
	var out []*Member
	for _, m := range all {
		if f.Active != nil && m.Active != *f.Active {
			continue
		}
		if f.Visible != nil && m.Visible != *f.Visible {
			continue
		}
		if f.Role != "" && m.Role != f.Role {
			continue
		}
		if f.RequestStatus != "" && m.RequestID == nil {
			continue
		}
		out = append(out, m)
	}
	return out, nil
}
