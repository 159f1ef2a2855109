package requests

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/depotlab/commons/pkg/storage"
)

// ErrNotFound is returned when a request id does not exist.
var ErrNotFound = errors.New("request not found")

// Store persists requests and their event log.
type Store struct {
	db *sql.DB
}

// NewStore creates a request store.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

func (s *Store) querier(q storage.Querier) storage.Querier {
	if q == nil {
		return s.db
	}
	return q
}

const requestColumns = `id, type, status, created_by_type, created_by_id,
	       receiver_type, receiver_id, topic_type, topic_id,
	       payload, expires_at, created_at, updated_at`

// Create inserts a new request. Missing id, status and timestamps are
// filled in.
func (s *Store) Create(ctx context.Context, q storage.Querier, req *Request) error {
	if req.ID == "" {
		req.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	if req.CreatedAt.IsZero() {
		req.CreatedAt = now
	}
	req.UpdatedAt = now

	payload, err := json.Marshal(req.Payload)
	if err != nil {
		return fmt.Errorf("failed to marshal request payload: %w", err)
	}

	query := `
		INSERT INTO requests (id, type, status, created_by_type, created_by_id,
		                      receiver_type, receiver_id, topic_type, topic_id,
		                      payload, expires_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`
	_, err = s.querier(q).ExecContext(ctx, query,
		req.ID, req.Type, req.Status,
		req.CreatedBy.Type, req.CreatedBy.ID,
		req.Receiver.Type, req.Receiver.ID,
		req.Topic.Type, req.Topic.ID,
		payload, req.ExpiresAt, req.CreatedAt, req.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	return nil
}

func scanRequest(scan func(dest ...interface{}) error) (*Request, error) {
	req := &Request{}
	var payload []byte
	var expiresAt sql.NullTime
	if err := scan(
		&req.ID, &req.Type, &req.Status,
		&req.CreatedBy.Type, &req.CreatedBy.ID,
		&req.Receiver.Type, &req.Receiver.ID,
		&req.Topic.Type, &req.Topic.ID,
		&payload, &expiresAt, &req.CreatedAt, &req.UpdatedAt,
	); err != nil {
		return nil, err
	}
	if expiresAt.Valid {
		req.ExpiresAt = &expiresAt.Time
	}
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &req.Payload); err != nil {
			return nil, fmt.Errorf("failed to unmarshal request payload: %w", err)
		}
	}
	return req, nil
}

// Get retrieves a request by id.
func (s *Store) Get(ctx context.Context, q storage.Querier, id string) (*Request, error) {
	query := `SELECT ` + requestColumns + ` FROM requests WHERE id = $1`
	req, err := scanRequest(s.querier(q).QueryRowContext(ctx, query, id).Scan)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get request: %w", err)
	}
	return req, nil
}

// GetForUpdate retrieves a request by id with a row lock, serializing
// concurrent actions on the same request.
func (s *Store) GetForUpdate(ctx context.Context, q storage.Querier, id string) (*Request, error) {
	query := `SELECT ` + requestColumns + ` FROM requests WHERE id = $1 FOR UPDATE`
	req, err := scanRequest(s.querier(q).QueryRowContext(ctx, query, id).Scan)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get request: %w", err)
	}
	return req, nil
}

// UpdateStatus applies a status transition.
func (s *Store) UpdateStatus(ctx context.Context, q storage.Querier, id string, status Status) error {
	query := `UPDATE requests SET status = $1, updated_at = $2 WHERE id = $3`
	result, err := s.querier(q).ExecContext(ctx, query, status, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to update request status: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// CountOpenByTopic counts open requests whose topic is the given reference.
// Community deletion uses this to refuse deleting a community with
// outstanding requests.
func (s *Store) CountOpenByTopic(ctx context.Context, q storage.Querier, topicType, topicID string) (int, error) {
	query := `
		SELECT COUNT(*) FROM requests
		WHERE topic_type = $1 AND topic_id = $2
		  AND status NOT IN ('accepted', 'declined', 'cancelled', 'expired')
	`
	var count int
	if err := s.querier(q).QueryRowContext(ctx, query, topicType, topicID).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count open requests: %w", err)
	}
	return count, nil
}

// ListExpired returns ids of open requests whose expiry has passed, oldest
// first, bounded by limit.
func (s *Store) ListExpired(ctx context.Context, q storage.Querier, now time.Time, limit int) ([]string, error) {
	query := `
		SELECT id FROM requests
		WHERE expires_at IS NOT NULL AND expires_at < $1
		  AND status NOT IN ('accepted', 'declined', 'cancelled', 'expired')
		ORDER BY expires_at ASC
		LIMIT $2
	`
	rows, err := s.querier(q).QueryContext(ctx, query, now, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list expired requests: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan request id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// AddEvent appends an entry to a request's event log.
func (s *Store) AddEvent(ctx context.Context, q storage.Querier, event *Event) error {
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}

	query := `
		INSERT INTO request_events (id, request_id, actor_type, actor_id, kind, content, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	_, err := s.querier(q).ExecContext(ctx, query,
		event.ID, event.RequestID, event.ActorType, event.ActorID,
		event.Kind, event.Content, event.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to add request event: %w", err)
	}
	return nil
}

// ListEvents returns a request's event log, oldest first.
func (s *Store) ListEvents(ctx context.Context, q storage.Querier, requestID string) ([]*Event, error) {
	query := `
		SELECT id, request_id, actor_type, actor_id, kind, content, created_at
		FROM request_events
		WHERE request_id = $1
		ORDER BY created_at ASC
	`
	rows, err := s.querier(q).QueryContext(ctx, query, requestID)
	if err != nil {
		return nil, fmt.Errorf("failed to list request events: %w", err)
	}
	defer rows.Close()

	var events []*Event
	for rows.Next() {
		event := &Event{}
		var actorID sql.NullString
		var content sql.NullString
		if err := rows.Scan(
			&event.ID, &event.RequestID, &event.ActorType, &actorID,
			&event.Kind, &content, &event.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan request event: %w", err)
		}
		if actorID.Valid {
			event.ActorID = actorID.String
		}
		if content.Valid {
			event.Content = content.String
		}
		events = append(events, event)
	}
	return events, rows.Err()
}
