package members

import (
	"context"
	"time"

	"github.com/depotlab/commons/pkg/access"
	"github.com/depotlab/commons/pkg/auth"
	"github.com/depotlab/commons/pkg/requests"
	"github.com/depotlab/commons/pkg/storage"
)

// Request type ids registered by the membership service.
const (
	InvitationRequestTypeID = "community-invitation"
	MembershipRequestTypeID = "membership-request"
)

var invitationStatuses = []requests.Status{
	requests.StatusSubmitted, requests.StatusAccepted,
	requests.StatusDeclined, requests.StatusCancelled, requests.StatusExpired,
}

// InvitationRequestType builds the request type for community invitations.
// The community invites a user; only the invitee may accept or decline, and
// community managers may cancel.
func (s *Service) InvitationRequestType(ttl time.Duration) *requests.Type {
	return &requests.Type{
		ID:            InvitationRequestTypeID,
		DefaultStatus: requests.StatusSubmitted,
		Statuses:      invitationStatuses,
		DefaultTTL:    ttl,
		Actions: map[string]requests.ActionSpec{
			"accept": {
				From:    []requests.Status{requests.StatusSubmitted},
				To:      requests.StatusAccepted,
				Allowed: s.inviteePermission(),
				Execute: func(ctx context.Context, uow *storage.UnitOfWork, identity *auth.Identity, req *requests.Request, payload map[string]string) error {
					if err := s.AcceptMemberRequest(ctx, uow, req.ID); err != nil {
						return err
					}
					s.notifyRequest(uow, "invitation-accepted", req)
					return nil
				},
			},
			"decline": {
				From:    []requests.Status{requests.StatusSubmitted},
				To:      requests.StatusDeclined,
				Allowed: s.inviteePermission(),
				Execute: s.closePlaceholder("declined", "invitation-declined"),
			},
			"cancel": {
				From:    []requests.Status{requests.StatusSubmitted},
				To:      requests.StatusCancelled,
				Allowed: s.communityManagerPermission(access.ActionMembersDelete, receiverFromCreator),
				Execute: s.closePlaceholder("cancelled", "invitation-cancelled"),
			},
			"expire": {
				From:           []requests.Status{requests.StatusSubmitted},
				To:             requests.StatusExpired,
				TolerateClosed: true,
				Execute:        s.closePlaceholder("expired", "invitation-expired"),
			},
		},
	}
}

// MembershipRequestType builds the request type for user-initiated
// membership requests. The user asks to join; community managers approve or
// decline, and the requester may cancel.
func (s *Service) MembershipRequestType(ttl time.Duration) *requests.Type {
	return &requests.Type{
		ID:            MembershipRequestTypeID,
		DefaultStatus: requests.StatusSubmitted,
		Statuses:      invitationStatuses,
		DefaultTTL:    ttl,
		Actions: map[string]requests.ActionSpec{
			"accept": {
				From:    []requests.Status{requests.StatusSubmitted},
				To:      requests.StatusAccepted,
				Allowed: s.communityManagerPermission(access.ActionMembersUpdate, receiverCommunity),
				Execute: func(ctx context.Context, uow *storage.UnitOfWork, identity *auth.Identity, req *requests.Request, payload map[string]string) error {
					if err := s.AcceptMemberRequest(ctx, uow, req.ID); err != nil {
						return err
					}
					s.notifyRequest(uow, "membership-request-accepted", req)
					return nil
				},
			},
			"decline": {
				From:    []requests.Status{requests.StatusSubmitted},
				To:      requests.StatusDeclined,
				Allowed: s.communityManagerPermission(access.ActionMembersUpdate, receiverCommunity),
				Execute: s.closePlaceholder("declined", "membership-request-declined"),
			},
			"cancel": {
				From:    []requests.Status{requests.StatusSubmitted},
				To:      requests.StatusCancelled,
				Allowed: creatorPermission,
				Execute: s.closePlaceholder("cancelled", "membership-request-cancelled"),
			},
			"expire": {
				From:           []requests.Status{requests.StatusSubmitted},
				To:             requests.StatusExpired,
				TolerateClosed: true,
				Execute:        s.closePlaceholder("expired", "membership-request-expired"),
			},
		},
	}
}

// inviteePermission allows only the invited user (or the system process).
func (s *Service) inviteePermission() requests.PermissionFunc {
	return func(ctx context.Context, identity *auth.Identity, req *requests.Request) error {
		if identity.IsSystem() {
			return nil
		}
		if identity.Type == auth.ActorUser && identity.ID == req.Receiver.ID {
			return nil
		}
		return &access.PermissionDeniedError{Action: "request_action"}
	}
}

// creatorPermission allows the user who opened the request, or the system.
func creatorPermission(ctx context.Context, identity *auth.Identity, req *requests.Request) error {
	if identity.IsSystem() {
		return nil
	}
	if identity.Type == auth.ActorUser && identity.ID == req.CreatedBy.ID {
		return nil
	}
	return &access.PermissionDeniedError{Action: "request_action"}
}

// receiverCommunity and receiverFromCreator pick the community id out of a
// request, depending on which side of it the community sits.
func receiverCommunity(req *requests.Request) string { return req.Receiver.ID }
func receiverFromCreator(req *requests.Request) string { return req.CreatedBy.ID }

// communityManagerPermission gates an action behind a member-management
// permission on the request's community, with the request's role payload as
// the role under management.
func (s *Service) communityManagerPermission(action access.Action, communityID func(*requests.Request) string) requests.PermissionFunc {
	return func(ctx context.Context, identity *auth.Identity, req *requests.Request) error {
		community, err := s.communities.Get(ctx, nil, communityID(req))
		if err != nil {
			return err
		}
		pctx := access.Context{Record: community}
		if role, ok := req.Payload["role"]; ok {
			pctx.TargetRole = role
			pctx.CurrentRole = role
		}
		return s.policy.Allows(ctx, identity, action, pctx)
	}
}

// closePlaceholder archives the request's member placeholder with the given
// outcome and emits a notification.
func (s *Service) closePlaceholder(outcome, notificationKind string) requests.SideEffect {
	return func(ctx context.Context, uow *storage.UnitOfWork, identity *auth.Identity, req *requests.Request, payload map[string]string) error {
		if err := s.CloseMemberRequest(ctx, uow, req.ID, outcome); err != nil {
			return err
		}
		s.notifyRequest(uow, notificationKind, req)
		return nil
	}
}

func (s *Service) notifyRequest(uow *storage.UnitOfWork, kind string, req *requests.Request) {
	n := Notification{Kind: kind, RequestID: req.ID}
	switch {
	case req.Receiver.Type == "user":
		n.UserID = req.Receiver.ID
		n.CommunityID = req.CreatedBy.ID
	default:
		n.UserID = req.CreatedBy.ID
		n.CommunityID = req.Receiver.ID
	}
	s.notify(uow, n)
}
