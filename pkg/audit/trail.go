package audit

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// Event is one recorded action.
type Event struct {
	ID          int64     `json:"id"`
	Actor       string    `json:"actor"`
	Action      string    `json:"action"`
	CommunityID string    `json:"community_id,omitempty"`
	Target      string    `json:"target,omitempty"`
	Success     bool      `json:"success"`
	Detail      string    `json:"detail,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// Filter narrows a trail search. Zero fields are ignored.
type Filter struct {
	Actor       string
	Actions     []string
	CommunityID string
	Target      string
	Success     *bool
	Since       *time.Time
	Until       *time.Time
	Limit       int
	Offset      int
}

// Trail reads and writes audit rows.
type Trail struct {
	db *sql.DB
}

// NewTrail creates an audit trail on the given database.
func NewTrail(db *sql.DB) *Trail {
	return &Trail{db: db}
}

type querier interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

func (t *Trail) querier(tx *sql.Tx) querier {
	if tx != nil {
		return tx
	}
	return t.db
}

// Write records an action. When tx is non-nil the row joins the caller's
// transaction and is discarded on rollback.
func (t *Trail) Write(ctx context.Context, tx *sql.Tx, actor, action, communityID, target string, success bool, detail string) error {
	query := `
		INSERT INTO audit_log (actor, action, community_id, target, success, detail, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	_, err := t.querier(tx).ExecContext(ctx, query,
		actor, action, communityID, target, success, detail, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to write audit entry: %w", err)
	}
	return nil
}

// Search returns matching events, newest first.
func (t *Trail) Search(ctx context.Context, filter Filter) ([]*Event, error) {
	query := `
		SELECT id, actor, action, community_id, target, success, detail, created_at
		FROM audit_log
		WHERE 1=1
	`
	args := []interface{}{}
	argCount := 1

	if filter.Actor != "" {
		query += fmt.Sprintf(" AND actor = $%d", argCount)
		args = append(args, filter.Actor)
		argCount++
	}
	if len(filter.Actions) > 0 {
		query += fmt.Sprintf(" AND action = ANY($%d)", argCount)
		args = append(args, pq.Array(filter.Actions))
		argCount++
	}
	if filter.CommunityID != "" {
		query += fmt.Sprintf(" AND community_id = $%d", argCount)
		args = append(args, filter.CommunityID)
		argCount++
	}
	if filter.Target != "" {
		query += fmt.Sprintf(" AND target = $%d", argCount)
		args = append(args, filter.Target)
		argCount++
	}
	if filter.Success != nil {
		query += fmt.Sprintf(" AND success = $%d", argCount)
		args = append(args, *filter.Success)
		argCount++
	}
	if filter.Since != nil {
		query += fmt.Sprintf(" AND created_at >= $%d", argCount)
		args = append(args, *filter.Since)
		argCount++
	}
	if filter.Until != nil {
		query += fmt.Sprintf(" AND created_at <= $%d", argCount)
		args = append(args, *filter.Until)
		argCount++
	}

	query += " ORDER BY created_at DESC"

	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argCount)
		args = append(args, filter.Limit)
		argCount++
	}
	if filter.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argCount)
		args = append(args, filter.Offset)
	}

	rows, err := t.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to search audit log: %w", err)
	}
	defer rows.Close()

	var events []*Event
	for rows.Next() {
		e := &Event{}
		if err := rows.Scan(&e.ID, &e.Actor, &e.Action, &e.CommunityID, &e.Target,
			&e.Success, &e.Detail, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan audit entry: %w", err)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// CountByAction aggregates the trail over an optional time window.
func (t *Trail) CountByAction(ctx context.Context, since, until *time.Time) (map[string]int64, error) {
	query := "SELECT action, COUNT(*) FROM audit_log WHERE 1=1"
	args := []interface{}{}
	argCount := 1

	if since != nil {
		query += fmt.Sprintf(" AND created_at >= $%d", argCount)
		args = append(args, *since)
		argCount++
	}
	if until != nil {
		query += fmt.Sprintf(" AND created_at <= $%d", argCount)
		args = append(args, *until)
	}
	query += " GROUP BY action"

	rows, err := t.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate audit log: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int64)
	for rows.Next() {
		var action string
		var count int64
		if err := rows.Scan(&action, &count); err != nil {
			return nil, fmt.Errorf("failed to scan audit aggregate: %w", err)
		}
		counts[action] = count
	}
	return counts, rows.Err()
}
