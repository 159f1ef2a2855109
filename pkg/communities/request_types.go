package communities

import (
	"context"
	"time"

	"github.com/depotlab/commons/pkg/access"
	"github.com/depotlab/commons/pkg/auth"
	"github.com/depotlab/commons/pkg/requests"
	"github.com/depotlab/commons/pkg/storage"
	"github.com/depotlab/commons/pkg/validation"
)

// SubcommunityRequestTypeID names the request type that asks a parent
// community to adopt a child community.
const SubcommunityRequestTypeID = "subcommunity-request"

// SubcommunityRequestType builds the request type declaration for
// subcommunity requests. On accept, the child community is reparented under
// the receiver community.
func (s *Service) SubcommunityRequestType(ttl time.Duration) *requests.Type {
	return &requests.Type{
		ID:            SubcommunityRequestTypeID,
		DefaultStatus: requests.StatusSubmitted,
		Statuses: []requests.Status{
			requests.StatusSubmitted, requests.StatusAccepted,
			requests.StatusDeclined, requests.StatusCancelled, requests.StatusExpired,
		},
		DefaultTTL: ttl,
		Actions: map[string]requests.ActionSpec{
			"accept": {
				From:    []requests.Status{requests.StatusSubmitted},
				To:      requests.StatusAccepted,
				Allowed: s.parentManagerPermission(),
				Execute: func(ctx context.Context, uow *storage.UnitOfWork, identity *auth.Identity, req *requests.Request, payload map[string]string) error {
					return s.reparentIn(ctx, uow, req.Topic.ID, req.Receiver.ID)
				},
			},
			"decline": {
				From:    []requests.Status{requests.StatusSubmitted},
				To:      requests.StatusDeclined,
				Allowed: s.parentManagerPermission(),
			},
			"cancel": {
				From:    []requests.Status{requests.StatusSubmitted},
				To:      requests.StatusCancelled,
				Allowed: func(ctx context.Context, identity *auth.Identity, req *requests.Request) error {
					// The requesting user may withdraw their own request.
					if identity.Type == auth.ActorUser && identity.ID == req.CreatedBy.ID {
						return nil
					}
					if identity.IsSystem() {
						return nil
					}
					child, err := s.store.Get(ctx, nil, req.Topic.ID)
					if err != nil {
						return err
					}
					return s.policy.Allows(ctx, identity, access.ActionManageParent, access.Context{Record: child})
				},
			},
			"expire": {
				From:           []requests.Status{requests.StatusSubmitted},
				To:             requests.StatusExpired,
				TolerateClosed: true,
			},
		},
	}
}

// RequestSubcommunity opens a subcommunity request from a child community's
// owner to a prospective parent.
func (s *Service) RequestSubcommunity(ctx context.Context, reqSvc *requests.Service, identity *auth.Identity, childID, parentID, message string) (*requests.Request, error) {
	if childID == parentID {
		return nil, validation.NewError("parent_id", "a community cannot be its own parent")
	}

	child, err := s.store.Get(ctx, nil, childID)
	if err != nil {
		return nil, err
	}
	if _, err := s.store.Get(ctx, nil, parentID); err != nil {
		return nil, err
	}
	if err := s.policy.Allows(ctx, identity, access.ActionManageParent, access.Context{Record: child}); err != nil {
		return nil, err
	}

	uow, err := storage.Begin(ctx, s.db, s.logger)
	if err != nil {
		return nil, err
	}
	defer uow.Rollback()

	req := &requests.Request{
		Type:      SubcommunityRequestTypeID,
		CreatedBy: requests.EntityRef{Type: string(identity.Type), ID: identity.ID},
		Receiver:  requests.EntityRef{Type: "community", ID: parentID},
		Topic:     requests.EntityRef{Type: "community", ID: childID},
	}
	if err := reqSvc.Open(ctx, uow, req); err != nil {
		return nil, err
	}
	if message != "" {
		if err := reqSvc.Comment(ctx, uow.Tx(), identity, req.ID, message); err != nil {
			return nil, err
		}
	}

	if err := uow.Commit(ctx); err != nil {
		return nil, err
	}
	return req, nil
}

func (s *Service) parentManagerPermission() requests.PermissionFunc {
	return func(ctx context.Context, identity *auth.Identity, req *requests.Request) error {
		parent, err := s.store.Get(ctx, nil, req.Receiver.ID)
		if err != nil {
			return err
		}
		return s.policy.Allows(ctx, identity, access.ActionManageChildren, access.Context{Record: parent})
	}
}

// reparentIn applies the parent change inside an existing unit of work,
// re-checking the hierarchy invariants under the transaction's locks.
func (s *Service) reparentIn(ctx context.Context, uow *storage.UnitOfWork, childID, parentID string) error {
	child, err := s.store.GetForUpdate(ctx, uow.Tx(), childID)
	if err != nil {
		return err
	}
	parent, err := s.store.GetForUpdate(ctx, uow.Tx(), parentID)
	if err != nil {
		return err
	}

	if child.Deleted() || parent.Deleted() {
		return validation.NewError("parent_id", "deleted communities cannot be reparented")
	}
	if parent.ParentID != nil {
		return validation.NewError("parent_id", "parent community is itself a subcommunity")
	}
	children, err := s.store.CountChildren(ctx, uow.Tx(), child.ID)
	if err != nil {
		return err
	}
	if children > 0 {
		return validation.NewError("parent_id", "a community with subcommunities cannot become a subcommunity")
	}

	if err := s.store.SetParent(ctx, uow.Tx(), child.ID, &parent.ID); err != nil {
		return err
	}
	child.ParentID = &parent.ID
	s.deferIndex(uow, child)
	return nil
}
