package communities

import (
	"context"
	"database/sql"

	"github.com/depotlab/commons/pkg/access"
	"github.com/depotlab/commons/pkg/auth"
	"github.com/depotlab/commons/pkg/observability"
	"github.com/depotlab/commons/pkg/requests"
	"github.com/depotlab/commons/pkg/storage"
	"github.com/depotlab/commons/pkg/validation"
)

// Indexer is the slice of the search index the community service needs.
// Index updates ride on the unit of work and run after commit.
type Indexer interface {
	IndexCommunity(ctx context.Context, c *Community) error
	DeleteCommunity(ctx context.Context, id string) error
}

// VocabularyResolver resolves a removal reason reference to its title.
type VocabularyResolver interface {
	Resolve(ctx context.Context, vocabularyType, id string) (title string, err error)
}

// AuditLog records committed mutations. Rows are written through the
// mutation's own transaction.
type AuditLog interface {
	Write(ctx context.Context, tx *sql.Tx, actor, action, communityID, target string, success bool, detail string) error
}

// MemberSeeder creates the creator's owner membership when a user creates a
// community. Implemented by the member service and attached after
// construction because members sits above communities.
type MemberSeeder interface {
	SeedOwner(ctx context.Context, uow *storage.UnitOfWork, communityID, userID string) error
}

// Service orchestrates community CRUD, hierarchy management and the
// deletion lifecycle.
type Service struct {
	db       *sql.DB
	store    *Store
	policy   *access.Policy
	requests *requests.Store
	vocab    VocabularyResolver
	indexer  Indexer
	auditLog AuditLog
	seeder   MemberSeeder
	logos    LogoStore
	logger   *observability.Logger
	metrics  *observability.Metrics
}

// NewService creates the community service. The indexer and vocabulary
// resolver may be nil in tests.
func NewService(db *sql.DB, store *Store, policy *access.Policy, requestStore *requests.Store,
	vocab VocabularyResolver, indexer Indexer, logger *observability.Logger, metrics *observability.Metrics) *Service {
	return &Service{
		db:       db,
		store:    store,
		policy:   policy,
		requests: requestStore,
		vocab:    vocab,
		indexer:  indexer,
		logger:   logger,
		metrics:  metrics,
	}
}

// Store exposes the community store for collaborating services.
func (s *Service) Store() *Store {
	return s.store
}

// SetAuditLog attaches the audit trail. Constructed after the service
// because the trail package sits above the domain packages.
func (s *Service) SetAuditLog(a AuditLog) {
	s.auditLog = a
}

// SetMemberSeeder attaches the owner-seeding hook of the member service.
func (s *Service) SetMemberSeeder(m MemberSeeder) {
	s.seeder = m
}

// audit writes a trail row inside the mutation's transaction.
func (s *Service) audit(ctx context.Context, tx *sql.Tx, identity *auth.Identity, action, communityID, detail string) error {
	if s.auditLog == nil {
		return nil
	}
	return s.auditLog.Write(ctx, tx, identity.Ref(), action, communityID, "", true, detail)
}

// CreateInput is the payload for creating a community.
type CreateInput struct {
	Slug        string          `json:"slug"`
	Title       string          `json:"title"`
	Description string          `json:"description,omitempty"`
	Access      *AccessSettings `json:"access,omitempty"`
}

// UpdateInput is the payload for updating community metadata.
type UpdateInput struct {
	Title       *string `json:"title,omitempty"`
	Description *string `json:"description,omitempty"`
}

// Create validates and persists a new community.
func (s *Service) Create(ctx context.Context, identity *auth.Identity, input CreateInput) (*Community, error) {
	if err := s.policy.Allows(ctx, identity, access.ActionCreate, access.Context{}); err != nil {
		return nil, err
	}
	if err := validation.ValidateSlug(input.Slug); err != nil {
		return nil, err
	}
	if err := validation.ValidateTitle(input.Title); err != nil {
		return nil, err
	}

	accessSettings := DefaultAccess()
	if input.Access != nil {
		accessSettings = *input.Access
		if err := validateAccess(accessSettings); err != nil {
			return nil, err
		}
	}

	c := &Community{
		Slug:        input.Slug,
		Title:       input.Title,
		Description: input.Description,
		Access:      accessSettings,
		State:       StatePublished,
	}

	uow, err := storage.Begin(ctx, s.db, s.logger)
	if err != nil {
		return nil, err
	}
	defer uow.Rollback()

	if err := s.store.Create(ctx, uow.Tx(), c); err != nil {
		return nil, err
	}
	// The creator becomes the first active owner. System-created communities
	// are left empty; the system adds owners directly.
	if s.seeder != nil && identity.Type == auth.ActorUser {
		if err := s.seeder.SeedOwner(ctx, uow, c.ID, identity.ID); err != nil {
			return nil, err
		}
	}
	s.deferIndex(uow, c)
	if err := s.audit(ctx, uow.Tx(), identity, "communities.create", c.ID, "slug "+c.Slug); err != nil {
		return nil, err
	}

	if err := uow.Commit(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

// Read returns a community. Deleted communities are returned in full only to
// callers with read_deleted; everyone else receives the masked tombstone
// view.
func (s *Service) Read(ctx context.Context, identity *auth.Identity, id string) (*Community, error) {
	c, err := s.store.Get(ctx, nil, id)
	if err != nil {
		return nil, err
	}

	if c.Deleted() {
		if err := s.policy.Allows(ctx, identity, access.ActionReadDeleted, access.Context{Record: c}); err != nil {
			if access.IsPermissionDenied(err) {
				return c.Masked(), nil
			}
			return nil, err
		}
		return c, nil
	}

	if err := s.policy.Allows(ctx, identity, access.ActionRead, access.Context{Record: c}); err != nil {
		return nil, err
	}
	return c, nil
}

// ReadBySlug is Read keyed by slug.
func (s *Service) ReadBySlug(ctx context.Context, identity *auth.Identity, slug string) (*Community, error) {
	c, err := s.store.GetBySlug(ctx, nil, slug)
	if err != nil {
		return nil, err
	}
	return s.Read(ctx, identity, c.ID)
}

// Update applies metadata changes to a published community.
func (s *Service) Update(ctx context.Context, identity *auth.Identity, id string, input UpdateInput) (*Community, error) {
	uow, err := storage.Begin(ctx, s.db, s.logger)
	if err != nil {
		return nil, err
	}
	defer uow.Rollback()

	c, err := s.store.GetForUpdate(ctx, uow.Tx(), id)
	if err != nil {
		return nil, err
	}
	if err := s.policy.Allows(ctx, identity, access.ActionUpdate, access.Context{Record: c}); err != nil {
		return nil, err
	}
	if c.Deleted() {
		return nil, &DeletionStatusError{Action: "update", Expected: []DeletionState{StatePublished}, Actual: c.State}
	}

	if input.Title != nil {
		if err := validation.ValidateTitle(*input.Title); err != nil {
			return nil, err
		}
		c.Title = *input.Title
	}
	if input.Description != nil {
		c.Description = *input.Description
	}

	if err := s.store.Update(ctx, uow.Tx(), c); err != nil {
		return nil, err
	}
	s.deferIndex(uow, c)
	if err := s.audit(ctx, uow.Tx(), identity, "communities.update", c.ID, ""); err != nil {
		return nil, err
	}

	if err := uow.Commit(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

// UpdateAccess changes a community's access policy.
func (s *Service) UpdateAccess(ctx context.Context, identity *auth.Identity, id string, settings AccessSettings) (*Community, error) {
	if err := validateAccess(settings); err != nil {
		return nil, err
	}

	uow, err := storage.Begin(ctx, s.db, s.logger)
	if err != nil {
		return nil, err
	}
	defer uow.Rollback()

	c, err := s.store.GetForUpdate(ctx, uow.Tx(), id)
	if err != nil {
		return nil, err
	}
	if err := s.policy.Allows(ctx, identity, access.ActionManageAccess, access.Context{Record: c}); err != nil {
		return nil, err
	}
	if c.Deleted() {
		return nil, &DeletionStatusError{Action: "manage_access", Expected: []DeletionState{StatePublished}, Actual: c.State}
	}

	c.Access = settings
	if err := s.store.Update(ctx, uow.Tx(), c); err != nil {
		return nil, err
	}
	s.deferIndex(uow, c)
	if err := s.audit(ctx, uow.Tx(), identity, "communities.manage_access", c.ID,
		"visibility "+settings.Visibility+", member_policy "+settings.MemberPolicy); err != nil {
		return nil, err
	}

	if err := uow.Commit(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

// SetParent moves a community under a parent community. The hierarchy is a
// two-level tree: a parent cannot itself have a parent, and a community with
// children cannot become a child.
func (s *Service) SetParent(ctx context.Context, identity *auth.Identity, id, parentID string) error {
	if id == parentID {
		return validation.NewError("parent_id", "a community cannot be its own parent")
	}

	uow, err := storage.Begin(ctx, s.db, s.logger)
	if err != nil {
		return err
	}
	defer uow.Rollback()

	child, err := s.store.Get(ctx, uow.Tx(), id)
	if err != nil {
		return err
	}
	parent, err := s.store.Get(ctx, uow.Tx(), parentID)
	if err != nil {
		return err
	}

	if err := s.policy.Allows(ctx, identity, access.ActionManageParent, access.Context{Record: child}); err != nil {
		return err
	}
	if err := s.policy.Allows(ctx, identity, access.ActionManageChildren, access.Context{Record: parent}); err != nil {
		return err
	}

	if err := s.reparentIn(ctx, uow, child.ID, parent.ID); err != nil {
		return err
	}
	if err := s.audit(ctx, uow.Tx(), identity, "communities.set_parent", child.ID, "parent "+parent.ID); err != nil {
		return err
	}

	return uow.Commit(ctx)
}

// RemoveParent detaches a community from its parent.
func (s *Service) RemoveParent(ctx context.Context, identity *auth.Identity, id string) error {
	uow, err := storage.Begin(ctx, s.db, s.logger)
	if err != nil {
		return err
	}
	defer uow.Rollback()

	child, err := s.store.GetForUpdate(ctx, uow.Tx(), id)
	if err != nil {
		return err
	}
	if err := s.policy.Allows(ctx, identity, access.ActionManageParent, access.Context{Record: child}); err != nil {
		return err
	}
	if child.ParentID == nil {
		return validation.NewError("parent_id", "community has no parent")
	}

	if err := s.store.SetParent(ctx, uow.Tx(), child.ID, nil); err != nil {
		return err
	}
	child.ParentID = nil
	s.deferIndex(uow, child)
	if err := s.audit(ctx, uow.Tx(), identity, "communities.remove_parent", child.ID, ""); err != nil {
		return err
	}

	return uow.Commit(ctx)
}

func (s *Service) deferIndex(uow *storage.UnitOfWork, c *Community) {
	if s.indexer == nil {
		return
	}
	snapshot := *c
	uow.Defer("community index", func(ctx context.Context) error {
		return s.indexer.IndexCommunity(ctx, &snapshot)
	})
}

func validateAccess(a AccessSettings) error {
	if err := validation.ValidateChoice("access.visibility", a.Visibility,
		[]string{VisibilityPublic, VisibilityRestricted}); err != nil {
		return err
	}
	if err := validation.ValidateChoice("access.member_policy", a.MemberPolicy,
		[]string{MemberPolicyOpen, MemberPolicyClosed}); err != nil {
		return err
	}
	return validation.ValidateChoice("access.record_policy", a.RecordPolicy,
		[]string{RecordPolicyOpen, RecordPolicyClosed})
}
