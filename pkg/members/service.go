package members

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/depotlab/commons/pkg/access"
	"github.com/depotlab/commons/pkg/auth"
	"github.com/depotlab/commons/pkg/cache"
	"github.com/depotlab/commons/pkg/communities"
	"github.com/depotlab/commons/pkg/observability"
	"github.com/depotlab/commons/pkg/requests"
	"github.com/depotlab/commons/pkg/roles"
	"github.com/depotlab/commons/pkg/storage"
	"github.com/depotlab/commons/pkg/validation"
)

// Indexer is the slice of the member search index the service needs. Index
// updates ride on the unit of work; Refresh supports flows that read their
// own writes immediately.
type Indexer interface {
	IndexMember(ctx context.Context, m *Member) error
	DeleteMember(ctx context.Context, id string) error
	Refresh(ctx context.Context) error
}

// Notification is one membership event for the notification dispatcher.
type Notification struct {
	Kind        string            `json:"kind"`
	UserID      string            `json:"user_id,omitempty"`
	CommunityID string            `json:"community_id"`
	RequestID   string            `json:"request_id,omitempty"`
	Data        map[string]string `json:"data,omitempty"`
}

// Notifier delivers membership notifications. Deliveries are enqueued on the
// unit of work so a rollback never notifies.
type Notifier interface {
	Send(ctx context.Context, n Notification) error
}

// AuditLog records committed mutations. Rows are written through the
// mutation's own transaction.
type AuditLog interface {
	Write(ctx context.Context, tx *sql.Tx, actor, action, communityID, target string, success bool, detail string) error
}

// Service orchestrates membership mutations: direct adds, invitations,
// membership requests, bulk updates and removals.
type Service struct {
	db          *sql.DB
	store       *Store
	communities *communities.Store
	policy      *access.Policy
	registry    *roles.Registry
	requests    *requests.Service
	cache       *cache.IdentityCache
	indexer     Indexer
	notifier    Notifier
	searcher    Searcher
	auditLog    AuditLog
	logger      *observability.Logger
	metrics     *observability.Metrics
}

// NewService creates the membership service. The indexer and notifier may be
// nil in tests.
func NewService(db *sql.DB, store *Store, communityStore *communities.Store, policy *access.Policy,
	registry *roles.Registry, requestService *requests.Service, identityCache *cache.IdentityCache,
	indexer Indexer, notifier Notifier, logger *observability.Logger, metrics *observability.Metrics) *Service {
	return &Service{
		db:          db,
		store:       store,
		communities: communityStore,
		policy:      policy,
		registry:    registry,
		requests:    requestService,
		cache:       identityCache,
		indexer:     indexer,
		notifier:    notifier,
		logger:      logger,
		metrics:     metrics,
	}
}

// Store exposes the member store for collaborating services.
func (s *Service) Store() *Store {
	return s.store
}

// SetAuditLog attaches the audit trail. Constructed after the service
// because the trail package sits above the domain packages.
func (s *Service) SetAuditLog(a AuditLog) {
	s.auditLog = a
}

// AddInput is the payload for directly adding members.
type AddInput struct {
	Members []MemberRef `json:"members"`
	Role    string      `json:"role"`
	Visible bool        `json:"visible"`
}

// InviteInput is the payload for inviting user members.
type InviteInput struct {
	Members []MemberRef `json:"members"`
	Role    string      `json:"role"`
	Message string      `json:"message,omitempty"`
}

// UpdateInput is the payload for a bulk member update. Nil fields are left
// unchanged.
type UpdateInput struct {
	Members []MemberRef `json:"members"`
	Role    *string     `json:"role,omitempty"`
	Visible *bool       `json:"visible,omitempty"`
}

// DeleteInput is the payload for a bulk member removal.
type DeleteInput struct {
	Members []MemberRef `json:"members"`
}

// Add directly creates active members. Non-system identities may only add
// group accounts; users join through an invitation.
func (s *Service) Add(ctx context.Context, identity *auth.Identity, communityID string, input AddInput) (result []*Member, err error) {
	defer func() { s.count("add", err) }()

	community, err := s.communities.Get(ctx, nil, communityID)
	if err != nil {
		return nil, err
	}
	if err := s.validateTargets(input.Members); err != nil {
		return nil, err
	}
	if err := s.validateRole(input.Role); err != nil {
		return nil, err
	}

	pctx := access.Context{Record: community, TargetRole: input.Role, MemberTypes: memberTypes(input.Members)}
	if err := s.policy.Allows(ctx, identity, access.ActionMembersAdd, pctx); err != nil {
		return nil, err
	}

	uow, err := storage.Begin(ctx, s.db, s.logger)
	if err != nil {
		return nil, err
	}
	defer uow.Rollback()

	var created []*Member
	var touched []string
	for _, ref := range input.Members {
		m := &Member{
			CommunityID: communityID,
			Role:        input.Role,
			Active:      true,
			Visible:     input.Visible,
		}
		if ref.Type == TypeUser {
			id := ref.ID
			m.UserID = &id
		} else {
			id := ref.ID
			m.GroupID = &id
		}
		if err := s.store.Create(ctx, uow.Tx(), m); err != nil {
			return nil, err
		}
		created = append(created, m)
		users, err := s.touchedUsers(ctx, uow.Tx(), m)
		if err != nil {
			return nil, err
		}
		touched = append(touched, users...)
		s.deferIndex(uow, m)
		if err := s.audit(ctx, uow.Tx(), identity, "members.add", communityID, refString(ref), "role "+input.Role); err != nil {
			return nil, err
		}
	}

	s.deferInvalidate(uow, touched)
	if err := uow.Commit(ctx); err != nil {
		return nil, err
	}
	return created, nil
}

// Invite creates one community invitation per target user: an open request
// plus an inactive member placeholder referencing it. Only user accounts can
// be invited.
func (s *Service) Invite(ctx context.Context, identity *auth.Identity, communityID string, input InviteInput) (result []*requests.Request, err error) {
	defer func() { s.count("invite", err) }()

	community, err := s.communities.Get(ctx, nil, communityID)
	if err != nil {
		return nil, err
	}
	if err := s.validateTargets(input.Members); err != nil {
		return nil, err
	}
	if err := s.validateRole(input.Role); err != nil {
		return nil, err
	}
	for _, ref := range input.Members {
		if ref.Type != TypeUser {
			return nil, &InvalidMemberError{MemberType: ref.Type, MemberID: ref.ID,
				Reason: "only user accounts can be invited"}
		}
	}

	pctx := access.Context{Record: community, TargetRole: input.Role, MemberTypes: memberTypes(input.Members)}
	if err := s.policy.Allows(ctx, identity, access.ActionMembersInvite, pctx); err != nil {
		return nil, err
	}

	uow, err := storage.Begin(ctx, s.db, s.logger)
	if err != nil {
		return nil, err
	}
	defer uow.Rollback()

	var opened []*requests.Request
	for _, ref := range input.Members {
		if _, err := s.store.GetBySubject(ctx, uow.Tx(), communityID, ref); err == nil {
			return nil, &AlreadyMemberError{CommunityID: communityID, MemberType: ref.Type, MemberID: ref.ID}
		} else if !IsInvalidMember(err) {
			return nil, err
		}

		req := &requests.Request{
			Type:      InvitationRequestTypeID,
			CreatedBy: requests.EntityRef{Type: "community", ID: communityID},
			Receiver:  requests.EntityRef{Type: "user", ID: ref.ID},
			Topic:     requests.EntityRef{Type: "community", ID: communityID},
			Payload:   map[string]string{"role": input.Role},
		}
		if err := s.requests.Open(ctx, uow, req); err != nil {
			return nil, err
		}
		if input.Message != "" {
			if err := s.requests.Comment(ctx, uow.Tx(), identity, req.ID, input.Message); err != nil {
				return nil, err
			}
		}

		userID := ref.ID
		m := &Member{
			CommunityID: communityID,
			UserID:      &userID,
			Role:        input.Role,
			Active:      false,
			Visible:     false,
			RequestID:   &req.ID,
		}
		if err := s.store.Create(ctx, uow.Tx(), m); err != nil {
			return nil, err
		}

		opened = append(opened, req)
		s.deferIndex(uow, m)
		if err := s.audit(ctx, uow.Tx(), identity, "members.invite", communityID, refString(ref), "request "+req.ID); err != nil {
			return nil, err
		}
		s.notify(uow, Notification{
			Kind:        "invitation-submitted",
			UserID:      ref.ID,
			CommunityID: communityID,
			RequestID:   req.ID,
			Data:        map[string]string{"role": input.Role},
		})
	}

	s.deferRefresh(uow)
	if err := uow.Commit(ctx); err != nil {
		return nil, err
	}
	return opened, nil
}

// Update applies a bulk role or visibility change. All targets are updated or
// none are: the active-owner invariant is re-checked over the whole community
// before the transaction commits.
func (s *Service) Update(ctx context.Context, identity *auth.Identity, communityID string, input UpdateInput) (err error) {
	defer func() { s.count("update", err) }()

	community, err := s.communities.Get(ctx, nil, communityID)
	if err != nil {
		return err
	}
	if err := s.validateTargets(input.Members); err != nil {
		return err
	}
	if input.Role == nil && input.Visible == nil {
		return validation.NewError("", "nothing to update")
	}
	if input.Role != nil {
		if err := s.validateRole(*input.Role); err != nil {
			return err
		}
	}

	// Touching more than one member at once requires management capability
	// on the community; the per-member checks below then refine by role.
	if len(input.Members) > 1 {
		if err := s.policy.Allows(ctx, identity, access.ActionMembersBulkUpdate, access.Context{Record: community}); err != nil {
			return err
		}
	}

	uow, err := storage.Begin(ctx, s.db, s.logger)
	if err != nil {
		return err
	}
	defer uow.Rollback()

	if err := s.store.LockCommunitySet(ctx, uow.Tx(), communityID); err != nil {
		return err
	}

	var touched []string
	for _, ref := range input.Members {
		m, err := s.store.GetBySubject(ctx, uow.Tx(), communityID, ref)
		if err != nil {
			return err
		}

		if input.Role != nil && m.UserID != nil &&
			identity.Type == auth.ActorUser && identity.ID == *m.UserID {
			return validation.NewError("role", "members cannot change their own role")
		}
		if input.Visible != nil && *input.Visible && m.UserID != nil &&
			!identity.IsSystem() && !(identity.Type == auth.ActorUser && identity.ID == *m.UserID) {
			return validation.NewError("visible", "only the member itself can make its membership visible")
		}

		pctx := access.Context{Record: community, CurrentRole: m.Role}
		if input.Role != nil {
			pctx.TargetRole = *input.Role
		}
		if m.UserID != nil {
			pctx.TargetUserID = *m.UserID
		}
		if err := s.policy.Allows(ctx, identity, access.ActionMembersUpdate, pctx); err != nil {
			return err
		}

		if input.Role != nil && *input.Role != m.Role {
			// A role change on an unresolved invitation is recorded on the
			// request so the invitee sees what they are accepting.
			if m.RequestID != nil {
				note := fmt.Sprintf("Role changed from %q to %q while the invitation was pending", m.Role, *input.Role)
				if err := s.requests.Comment(ctx, uow.Tx(), identity, *m.RequestID, note); err != nil {
					return err
				}
			}
			m.Role = *input.Role
		}
		if input.Visible != nil {
			m.Visible = *input.Visible
		}

		if err := s.store.Update(ctx, uow.Tx(), m); err != nil {
			return err
		}
		users, err := s.touchedUsers(ctx, uow.Tx(), m)
		if err != nil {
			return err
		}
		touched = append(touched, users...)
		s.deferIndex(uow, m)
		if err := s.audit(ctx, uow.Tx(), identity, "members.update", communityID, refString(ref), updateDetail(input)); err != nil {
			return err
		}
	}

	if err := s.checkOwnerInvariant(ctx, uow.Tx(), communityID); err != nil {
		return err
	}

	s.deferInvalidate(uow, touched)
	return uow.Commit(ctx)
}

func updateDetail(input UpdateInput) string {
	switch {
	case input.Role != nil && input.Visible != nil:
		return fmt.Sprintf("role %s, visible %t", *input.Role, *input.Visible)
	case input.Role != nil:
		return "role " + *input.Role
	case input.Visible != nil:
		return fmt.Sprintf("visible %t", *input.Visible)
	}
	return ""
}

// Delete removes members in bulk, re-checking the active-owner invariant
// before commit.
func (s *Service) Delete(ctx context.Context, identity *auth.Identity, communityID string, input DeleteInput) (err error) {
	defer func() { s.count("delete", err) }()

	community, err := s.communities.Get(ctx, nil, communityID)
	if err != nil {
		return err
	}
	if err := s.validateTargets(input.Members); err != nil {
		return err
	}

	if len(input.Members) > 1 {
		if err := s.policy.Allows(ctx, identity, access.ActionMembersBulkDelete, access.Context{Record: community}); err != nil {
			return err
		}
	}

	uow, err := storage.Begin(ctx, s.db, s.logger)
	if err != nil {
		return err
	}
	defer uow.Rollback()

	if err := s.store.LockCommunitySet(ctx, uow.Tx(), communityID); err != nil {
		return err
	}

	var touched []string
	for _, ref := range input.Members {
		m, err := s.store.GetBySubject(ctx, uow.Tx(), communityID, ref)
		if err != nil {
			return err
		}

		pctx := access.Context{Record: community, CurrentRole: m.Role}
		if m.UserID != nil {
			pctx.TargetUserID = *m.UserID
		}
		if err := s.policy.Allows(ctx, identity, access.ActionMembersDelete, pctx); err != nil {
			return err
		}

		users, err := s.touchedUsers(ctx, uow.Tx(), m)
		if err != nil {
			return err
		}
		touched = append(touched, users...)

		if err := s.store.Delete(ctx, uow.Tx(), m.ID); err != nil {
			return err
		}
		s.deferDeleteIndex(uow, m.ID)
		if err := s.audit(ctx, uow.Tx(), identity, "members.delete", communityID, refString(ref), ""); err != nil {
			return err
		}
	}

	if err := s.checkOwnerInvariant(ctx, uow.Tx(), communityID); err != nil {
		return err
	}

	s.deferInvalidate(uow, touched)
	return uow.Commit(ctx)
}

// RequestMembership opens a membership request from an authenticated user to
// an open community, together with an inactive member placeholder.
func (s *Service) RequestMembership(ctx context.Context, identity *auth.Identity, communityID, message string) (req *requests.Request, err error) {
	defer func() { s.count("request_membership", err) }()

	community, err := s.communities.Get(ctx, nil, communityID)
	if err != nil {
		return nil, err
	}
	if err := s.policy.Allows(ctx, identity, access.ActionRequestMembership, access.Context{Record: community}); err != nil {
		return nil, err
	}

	ref := MemberRef{Type: TypeUser, ID: identity.ID}
	if _, err := s.store.GetBySubject(ctx, nil, communityID, ref); err == nil {
		return nil, &AlreadyMemberError{CommunityID: communityID, MemberType: TypeUser, MemberID: identity.ID}
	} else if !IsInvalidMember(err) {
		return nil, err
	}

	role := s.defaultRequestRole()

	uow, err := storage.Begin(ctx, s.db, s.logger)
	if err != nil {
		return nil, err
	}
	defer uow.Rollback()

	req = &requests.Request{
		Type:      MembershipRequestTypeID,
		CreatedBy: requests.EntityRef{Type: "user", ID: identity.ID},
		Receiver:  requests.EntityRef{Type: "community", ID: communityID},
		Topic:     requests.EntityRef{Type: "community", ID: communityID},
		Payload:   map[string]string{"role": role},
	}
	if err := s.requests.Open(ctx, uow, req); err != nil {
		return nil, err
	}
	if message != "" {
		if err := s.requests.Comment(ctx, uow.Tx(), identity, req.ID, message); err != nil {
			return nil, err
		}
	}

	userID := identity.ID
	m := &Member{
		CommunityID: communityID,
		UserID:      &userID,
		Role:        role,
		Active:      false,
		Visible:     false,
		RequestID:   &req.ID,
	}
	if err := s.store.Create(ctx, uow.Tx(), m); err != nil {
		return nil, err
	}

	s.deferIndex(uow, m)
	if err := s.audit(ctx, uow.Tx(), identity, "members.request", communityID, "user:"+identity.ID, "request "+req.ID); err != nil {
		return nil, err
	}
	s.notify(uow, Notification{
		Kind:        "membership-request-submitted",
		UserID:      identity.ID,
		CommunityID: communityID,
		RequestID:   req.ID,
	})

	if err := uow.Commit(ctx); err != nil {
		return nil, err
	}
	return req, nil
}

// ReadMemberships returns the caller's own active memberships.
func (s *Service) ReadMemberships(ctx context.Context, identity *auth.Identity) ([]cache.Membership, error) {
	if identity == nil || identity.Type != auth.ActorUser {
		return nil, &access.PermissionDeniedError{Action: "read_memberships"}
	}
	return s.store.ListMemberships(ctx, nil, identity.ID)
}

// SeedOwner creates the creator's active owner membership inside the
// community creation transaction. Without it a user-created community would
// start with no one able to manage its members.
func (s *Service) SeedOwner(ctx context.Context, uow *storage.UnitOfWork, communityID, userID string) error {
	id := userID
	m := &Member{
		CommunityID: communityID,
		UserID:      &id,
		Role:        s.registry.Owner().Name,
		Active:      true,
		Visible:     true,
	}
	if err := s.store.Create(ctx, uow.Tx(), m); err != nil {
		return err
	}
	s.deferIndex(uow, m)
	s.deferInvalidate(uow, []string{userID})
	return s.audit(ctx, uow.Tx(), auth.UserIdentity(userID), "members.add", communityID,
		"user:"+userID, "owner seeded on creation")
}

// AcceptMemberRequest activates the member placeholder of a request. Invoked
// by request actions inside their unit of work.
func (s *Service) AcceptMemberRequest(ctx context.Context, uow *storage.UnitOfWork, requestID string) error {
	m, err := s.store.GetByRequest(ctx, uow.Tx(), requestID)
	if err != nil {
		return err
	}
	m.Active = true
	m.RequestID = nil
	if err := s.store.Update(ctx, uow.Tx(), m); err != nil {
		return err
	}
	s.deferIndex(uow, m)
	users, err := s.touchedUsers(ctx, uow.Tx(), m)
	if err != nil {
		return err
	}
	s.deferInvalidate(uow, users)
	return nil
}

// CloseMemberRequest archives the member placeholder of a request with the
// given outcome. A request without a placeholder is a no-op. Invoked by
// request actions inside their unit of work.
func (s *Service) CloseMemberRequest(ctx context.Context, uow *storage.UnitOfWork, requestID, outcome string) error {
	m, err := s.store.GetByRequest(ctx, uow.Tx(), requestID)
	if IsInvalidMember(err) {
		return nil
	}
	if err != nil {
		return err
	}
	users, err := s.touchedUsers(ctx, uow.Tx(), m)
	if err != nil {
		return err
	}
	if err := s.store.Archive(ctx, uow.Tx(), m, outcome); err != nil {
		return err
	}
	s.deferDeleteIndex(uow, m.ID)
	s.deferInvalidate(uow, users)
	return nil
}

// checkOwnerInvariant verifies the community retains at least one active
// owner, reading through the same transaction as the mutation.
func (s *Service) checkOwnerInvariant(ctx context.Context, tx *sql.Tx, communityID string) error {
	count, err := s.store.ActiveOwnerCount(ctx, tx, communityID, s.registry.Owner().Name)
	if err != nil {
		return err
	}
	if count == 0 {
		if s.metrics != nil {
			s.metrics.OwnerInvariantDenials.Inc()
		}
		return validation.NewError("members", "community must retain at least one active owner")
	}
	return nil
}

// touchedUsers returns the user ids whose cached needs a mutation of this
// member may change.
func (s *Service) touchedUsers(ctx context.Context, tx *sql.Tx, m *Member) ([]string, error) {
	if m.UserID != nil {
		return []string{*m.UserID}, nil
	}
	return s.store.GroupUserIDs(ctx, tx, *m.GroupID)
}

func (s *Service) deferInvalidate(uow *storage.UnitOfWork, userIDs []string) {
	if len(userIDs) == 0 || s.cache == nil {
		return
	}
	ids := append([]string(nil), userIDs...)
	uow.Defer("identity cache invalidation", func(ctx context.Context) error {
		return s.cache.InvalidateMany(ctx, ids)
	})
}

func (s *Service) deferIndex(uow *storage.UnitOfWork, m *Member) {
	if s.indexer == nil {
		return
	}
	snapshot := *m
	uow.Defer("member index", func(ctx context.Context) error {
		return s.indexer.IndexMember(ctx, &snapshot)
	})
}

func (s *Service) deferDeleteIndex(uow *storage.UnitOfWork, memberID string) {
	if s.indexer == nil {
		return
	}
	uow.Defer("member index delete", func(ctx context.Context) error {
		return s.indexer.DeleteMember(ctx, memberID)
	})
}

// deferRefresh schedules a synchronous index refresh so callers can list
// invitations immediately after creating them.
func (s *Service) deferRefresh(uow *storage.UnitOfWork) {
	if s.indexer == nil {
		return
	}
	uow.DeferSync("member index refresh", func(ctx context.Context) error {
		return s.indexer.Refresh(ctx)
	})
}

func (s *Service) notify(uow *storage.UnitOfWork, n Notification) {
	if s.notifier == nil {
		return
	}
	uow.Defer("notification", func(ctx context.Context) error {
		return s.notifier.Send(ctx, n)
	})
}

// audit writes a trail row inside the mutation's transaction. A write
// failure aborts the mutation; the trail is part of the committed state.
func (s *Service) audit(ctx context.Context, tx *sql.Tx, identity *auth.Identity, action, communityID, target, detail string) error {
	if s.auditLog == nil {
		return nil
	}
	return s.auditLog.Write(ctx, tx, identity.Ref(), action, communityID, target, true, detail)
}

func refString(ref MemberRef) string {
	return ref.Type + ":" + ref.ID
}

func (s *Service) count(operation string, err error) {
	if s.metrics == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	s.metrics.MemberMutationsTotal.WithLabelValues(operation, status).Inc()
}

// defaultRequestRole picks the role granted by an accepted membership
// request: the least privileged viewing role in the registry.
func (s *Service) defaultRequestRole() string {
	for _, r := range s.registry.Roles() {
		if r.CanView && !r.CanCurate && !r.CanManage {
			return r.Name
		}
	}
	all := s.registry.Roles()
	return all[len(all)-1].Name
}

func (s *Service) validateTargets(refs []MemberRef) error {
	if len(refs) == 0 {
		return validation.NewError("members", "at least one member is required")
	}
	for _, ref := range refs {
		if err := validation.ValidateChoice("members.type", ref.Type, []string{TypeUser, TypeGroup}); err != nil {
			return err
		}
		if ref.ID == "" {
			return validation.NewError("members.id", "member id is required")
		}
	}
	return nil
}

func (s *Service) validateRole(role string) error {
	if _, ok := s.registry.Get(role); !ok {
		return validation.NewError("role", "unknown role %q", role)
	}
	return nil
}

func memberTypes(refs []MemberRef) []string {
	seen := make(map[string]struct{}, 2)
	var out []string
	for _, ref := range refs {
		if _, ok := seen[ref.Type]; ok {
			continue
		}
		seen[ref.Type] = struct{}{}
		out = append(out, ref.Type)
	}
	return out
}
