package requests

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/depotlab/commons/pkg/auth"
	"github.com/depotlab/commons/pkg/observability"
	"github.com/depotlab/commons/pkg/storage"
)

// AuditLog records executed request actions. Rows are written through the
// action's own transaction.
type AuditLog interface {
	Write(ctx context.Context, tx *sql.Tx, actor, action, communityID, target string, success bool, detail string) error
}

// Service executes request actions against the registered type tables.
type Service struct {
	db       *sql.DB
	store    *Store
	types    map[string]*Type
	auditLog AuditLog
	logger   *observability.Logger
	metrics  *observability.Metrics
}

// NewService creates the request service. Types are registered afterwards by
// the packages owning their side effects.
func NewService(db *sql.DB, store *Store, logger *observability.Logger, metrics *observability.Metrics) *Service {
	return &Service{
		db:      db,
		store:   store,
		types:   make(map[string]*Type),
		logger:  logger,
		metrics: metrics,
	}
}

// SetAuditLog attaches the audit trail.
func (s *Service) SetAuditLog(a AuditLog) {
	s.auditLog = a
}

// Register adds a request type. Registering an invalid or duplicate type is
// a programming error and fails.
func (s *Service) Register(t *Type) error {
	if err := t.Validate(); err != nil {
		return err
	}
	if _, exists := s.types[t.ID]; exists {
		return fmt.Errorf("request type %s already registered", t.ID)
	}
	s.types[t.ID] = t
	return nil
}

// TypeOf returns the registered type declaration for a request.
func (s *Service) TypeOf(req *Request) (*Type, error) {
	t, ok := s.types[req.Type]
	if !ok {
		return nil, fmt.Errorf("unknown request type %q", req.Type)
	}
	return t, nil
}

// Store exposes the underlying store for callers creating requests inside
// their own unit of work.
func (s *Service) Store() *Store {
	return s.store
}

// Open creates a new request of a registered type inside the caller's unit
// of work, applying the type's default status and TTL.
func (s *Service) Open(ctx context.Context, uow *storage.UnitOfWork, req *Request) error {
	t, ok := s.types[req.Type]
	if !ok {
		return fmt.Errorf("unknown request type %q", req.Type)
	}

	req.Status = t.DefaultStatus
	if req.ExpiresAt == nil && t.DefaultTTL > 0 {
		expires := time.Now().UTC().Add(t.DefaultTTL)
		req.ExpiresAt = &expires
	}
	return s.store.Create(ctx, uow.Tx(), req)
}

// Execute runs a named action on a request: permission check, side effect,
// status transition and event log entry, all in one transaction.
func (s *Service) Execute(ctx context.Context, identity *auth.Identity, requestID, action string, payload map[string]string) error {
	uow, err := storage.Begin(ctx, s.db, s.logger)
	if err != nil {
		return err
	}
	defer uow.Rollback()

	if err := s.ExecuteIn(ctx, uow, identity, requestID, action, payload); err != nil {
		return err
	}

	return uow.Commit(ctx)
}

// ExecuteIn is Execute running inside a caller-supplied unit of work. The
// caller commits or rolls back.
func (s *Service) ExecuteIn(ctx context.Context, uow *storage.UnitOfWork, identity *auth.Identity, requestID, action string, payload map[string]string) (err error) {
	req, err := s.store.GetForUpdate(ctx, uow.Tx(), requestID)
	if err != nil {
		return err
	}
	defer func() {
		outcome := "success"
		if err != nil {
			outcome = "error"
		}
		s.count(req.Type, action, outcome)
	}()

	t, ok := s.types[req.Type]
	if !ok {
		return fmt.Errorf("unknown request type %q", req.Type)
	}
	spec, ok := t.Actions[action]
	if !ok {
		return &ActionError{RequestID: requestID, Action: action, Status: req.Status, Reason: "unknown action"}
	}

	if !statusIn(req.Status, spec.From) {
		// The expiry sweeper races human actors; losing the race is fine.
		if spec.TolerateClosed && req.Status.IsClosed() {
			return nil
		}
		return &ActionError{RequestID: requestID, Action: action, Status: req.Status}
	}

	if spec.Allowed == nil {
		if !identity.IsSystem() {
			return &ActionError{RequestID: requestID, Action: action, Status: req.Status, Reason: "system only"}
		}
	} else if err := spec.Allowed(ctx, identity, req); err != nil {
		return err
	}

	if spec.Execute != nil {
		if err := spec.Execute(ctx, uow, identity, req, payload); err != nil {
			return err
		}
	}

	if err := s.store.UpdateStatus(ctx, uow.Tx(), req.ID, spec.To); err != nil {
		return err
	}

	event := &Event{
		RequestID: req.ID,
		ActorType: string(identity.Type),
		ActorID:   identity.ID,
		Kind:      action,
	}
	if msg, ok := payload["message"]; ok {
		event.Content = msg
	}
	if err := s.store.AddEvent(ctx, uow.Tx(), event); err != nil {
		return err
	}

	if s.auditLog != nil {
		communityID := ""
		if req.Topic.Type == "community" {
			communityID = req.Topic.ID
		}
		if err := s.auditLog.Write(ctx, uow.Tx(), identity.Ref(), "requests."+action,
			communityID, req.ID, true, "type "+req.Type); err != nil {
			return err
		}
	}

	return nil
}

// Comment appends a standalone comment to a request's event log.
func (s *Service) Comment(ctx context.Context, q storage.Querier, identity *auth.Identity, requestID, content string) error {
	return s.store.AddEvent(ctx, q, &Event{
		RequestID: requestID,
		ActorType: string(identity.Type),
		ActorID:   identity.ID,
		Kind:      "comment",
		Content:   content,
	})
}

// ExpireDue closes every open request whose expiry has passed, in batches,
// acting as the system identity. Requests already closed by a human actor in
// the meantime are skipped silently.
func (s *Service) ExpireDue(ctx context.Context, limit int) (int, error) {
	ids, err := s.store.ListExpired(ctx, nil, time.Now().UTC(), limit)
	if err != nil {
		return 0, err
	}

	system := auth.System()
	expired := 0
	for _, id := range ids {
		if err := s.Execute(ctx, system, id, "expire", nil); err != nil {
			s.logger.WithError(err).WithField("request_id", id).Error("Failed to expire request")
			continue
		}
		expired++
		if s.metrics != nil {
			s.metrics.RequestsExpiredTotal.Inc()
		}
	}
	return expired, nil
}

func (s *Service) count(requestType, action, status string) {
	if s.metrics != nil {
		s.metrics.RequestActionsTotal.WithLabelValues(requestType, action, status).Inc()
	}
}

func statusIn(status Status, list []Status) bool {
	for _, s := range list {
		if s == status {
			return true
		}
	}
	return false
}
