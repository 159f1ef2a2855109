package communities

import (
	"context"
	"errors"
	"time"

	"github.com/depotlab/commons/pkg/access"
	"github.com/depotlab/commons/pkg/auth"
	"github.com/depotlab/commons/pkg/storage"
	"github.com/depotlab/commons/pkg/validation"
)

// ErrPurgeReserved marks the purge transition, which is declared in the
// lifecycle but has no defined side effects yet.
var ErrPurgeReserved = errors.New("purge is reserved and not implemented")

// TombstoneInput is the caller-supplied part of a tombstone.
type TombstoneInput struct {
	RemovalReasonID string `json:"removal_reason_id,omitempty"`
	Note            string `json:"note,omitempty"`
	CitationText    string `json:"citation_text,omitempty"`
	IsVisible       bool   `json:"is_visible"`
}

// Delete soft-deletes a published community, setting its tombstone. It fails
// when the community still has open requests outstanding.
func (s *Service) Delete(ctx context.Context, identity *auth.Identity, id string, input TombstoneInput) error {
	return s.transition(ctx, identity, id, "delete", access.ActionDelete,
		[]DeletionState{StatePublished}, StateDeleted,
		func(ctx context.Context, uow *storage.UnitOfWork, c *Community) (*Tombstone, error) {
			open, err := s.requests.CountOpenByTopic(ctx, uow.Tx(), "community", c.ID)
			if err != nil {
				return nil, err
			}
			if open > 0 {
				return nil, validation.NewError("", "community has %d open requests outstanding", open)
			}
			return s.buildTombstone(ctx, identity, input)
		})
}

// Restore returns a deleted community to the published state and clears its
// tombstone.
func (s *Service) Restore(ctx context.Context, identity *auth.Identity, id string) error {
	return s.transition(ctx, identity, id, "restore", access.ActionDelete,
		[]DeletionState{StateDeleted}, StatePublished, nil)
}

// Mark flags a deleted community for purging. The tombstone is kept.
func (s *Service) Mark(ctx context.Context, identity *auth.Identity, id string) error {
	return s.transition(ctx, identity, id, "mark", access.ActionPurge,
		[]DeletionState{StateDeleted}, StateMarked, keepTombstone)
}

// Unmark returns a marked community to the deleted state. The tombstone is
// kept.
func (s *Service) Unmark(ctx context.Context, identity *auth.Identity, id string) error {
	return s.transition(ctx, identity, id, "unmark", access.ActionPurge,
		[]DeletionState{StateMarked}, StateDeleted, keepTombstone)
}

// Purge is the reserved hard-delete of a marked community. The transition
// exists in the lifecycle but its side effects are not defined; callers
// always receive ErrPurgeReserved once the state check passes.
func (s *Service) Purge(ctx context.Context, identity *auth.Identity, id string) error {
	c, err := s.store.Get(ctx, nil, id)
	if err != nil {
		return err
	}
	if err := s.policy.Allows(ctx, identity, access.ActionPurge, access.Context{Record: c}); err != nil {
		return err
	}
	if c.State != StateMarked {
		return &DeletionStatusError{Action: "purge", Expected: []DeletionState{StateMarked}, Actual: c.State}
	}
	return ErrPurgeReserved
}

// UpdateTombstone edits the tombstone of a deleted or marked community.
func (s *Service) UpdateTombstone(ctx context.Context, identity *auth.Identity, id string, input TombstoneInput) error {
	uow, err := storage.Begin(ctx, s.db, s.logger)
	if err != nil {
		return err
	}
	defer uow.Rollback()

	c, err := s.store.GetForUpdate(ctx, uow.Tx(), id)
	if err != nil {
		return err
	}
	if err := s.policy.Allows(ctx, identity, access.ActionPurge, access.Context{Record: c}); err != nil {
		return err
	}
	if !c.Deleted() {
		return &DeletionStatusError{Action: "update_tombstone",
			Expected: []DeletionState{StateDeleted, StateMarked}, Actual: c.State}
	}

	t, err := s.buildTombstone(ctx, identity, input)
	if err != nil {
		return err
	}
	// Keep the original removal actor and date; only the descriptive fields
	// are editable.
	if c.Tombstone != nil {
		t.RemovedByType = c.Tombstone.RemovedByType
		t.RemovedByID = c.Tombstone.RemovedByID
		t.RemovalDate = c.Tombstone.RemovalDate
	}

	if err := s.store.SetDeletionState(ctx, uow.Tx(), c.ID, c.State, t); err != nil {
		return err
	}
	if err := s.audit(ctx, uow.Tx(), identity, "communities.update_tombstone", c.ID, ""); err != nil {
		return err
	}
	return uow.Commit(ctx)
}

type tombstoneFunc func(ctx context.Context, uow *storage.UnitOfWork, c *Community) (*Tombstone, error)

// keepTombstone carries the existing tombstone through a transition.
func keepTombstone(ctx context.Context, uow *storage.UnitOfWork, c *Community) (*Tombstone, error) {
	return c.Tombstone, nil
}

func (s *Service) transition(ctx context.Context, identity *auth.Identity, id, name string,
	action access.Action, from []DeletionState, to DeletionState, tombstone tombstoneFunc) error {

	uow, err := storage.Begin(ctx, s.db, s.logger)
	if err != nil {
		return err
	}
	defer uow.Rollback()

	c, err := s.store.GetForUpdate(ctx, uow.Tx(), id)
	if err != nil {
		return err
	}
	if err := s.policy.Allows(ctx, identity, action, access.Context{Record: c}); err != nil {
		s.countTransition(name, "denied")
		return err
	}
	if !stateIn(c.State, from) {
		s.countTransition(name, "invalid")
		return &DeletionStatusError{Action: name, Expected: from, Actual: c.State}
	}

	var t *Tombstone
	if tombstone != nil {
		if t, err = tombstone(ctx, uow, c); err != nil {
			s.countTransition(name, "error")
			return err
		}
	}

	if err := s.store.SetDeletionState(ctx, uow.Tx(), c.ID, to, t); err != nil {
		s.countTransition(name, "error")
		return err
	}

	c.State = to
	c.Tombstone = t
	s.deferIndex(uow, c)
	if err := s.audit(ctx, uow.Tx(), identity, "communities."+name, c.ID, "state "+string(to)); err != nil {
		s.countTransition(name, "error")
		return err
	}

	if err := uow.Commit(ctx); err != nil {
		s.countTransition(name, "error")
		return err
	}
	s.countTransition(name, "success")
	return nil
}

func (s *Service) buildTombstone(ctx context.Context, identity *auth.Identity, input TombstoneInput) (*Tombstone, error) {
	t := &Tombstone{
		RemovalReasonID: input.RemovalReasonID,
		Note:            input.Note,
		RemovedByType:   string(identity.Type),
		RemovedByID:     identity.ID,
		RemovalDate:     time.Now().UTC(),
		CitationText:    input.CitationText,
		IsVisible:       input.IsVisible,
	}
	if input.RemovalReasonID != "" && s.vocab != nil {
		title, err := s.vocab.Resolve(ctx, "removal_reasons", input.RemovalReasonID)
		if err != nil {
			return nil, validation.NewError("removal_reason_id", "unknown removal reason %q", input.RemovalReasonID)
		}
		t.RemovalReasonTitle = title
	}
	return t, nil
}

func (s *Service) countTransition(action, status string) {
	if s.metrics != nil {
		s.metrics.LifecycleTransitionsTotal.WithLabelValues(action, status).Inc()
	}
}

func stateIn(state DeletionState, list []DeletionState) bool {
	for _, s := range list {
		if s == state {
			return true
		}
	}
	return false
}
