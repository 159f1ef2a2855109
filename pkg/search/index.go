package search

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/depotlab/commons/pkg/async"
	"github.com/depotlab/commons/pkg/communities"
	"github.com/depotlab/commons/pkg/members"
	"github.com/depotlab/commons/pkg/observability"
)

// rebuildConcurrency bounds the parallelism of a full reindex.
const rebuildConcurrency = 4

// Index is the member index. It implements members.Indexer,
// members.Searcher and communities.Indexer.
type Index struct {
	db      *sql.DB
	logger  *observability.Logger
	metrics *observability.Metrics

	mu      sync.Mutex
	pending []*members.Member
}

// NewIndex creates a member index on the given database.
func NewIndex(db *sql.DB, logger *observability.Logger, metrics *observability.Metrics) *Index {
	if logger == nil {
		logger = observability.NewLogger(observability.InfoLevel, nil)
	}
	return &Index{db: db, logger: logger, metrics: metrics}
}

// IndexMember buffers an upsert for the member and flushes in the
// background. Listings observe the write after the next flush or Refresh.
func (i *Index) IndexMember(ctx context.Context, m *members.Member) error {
	snapshot := *m
	i.mu.Lock()
	i.pending = append(i.pending, &snapshot)
	i.mu.Unlock()

	async.SafeGo(context.WithoutCancel(ctx), 10*time.Second, "index flush", func(ctx context.Context) error {
		return i.flush(ctx)
	})
	return nil
}

// DeleteMember removes a member from the index, including any buffered
// upsert for it.
func (i *Index) DeleteMember(ctx context.Context, memberID string) error {
	i.mu.Lock()
	kept := i.pending[:0]
	for _, m := range i.pending {
		if m.ID != memberID {
			kept = append(kept, m)
		}
	}
	i.pending = kept
	i.mu.Unlock()

	_, err := i.db.ExecContext(ctx, `DELETE FROM member_index WHERE member_id = $1`, memberID)
	if err != nil {
		i.count("delete", "error")
		return fmt.Errorf("failed to delete from member index: %w", err)
	}
	i.count("delete", "success")
	return nil
}

// Refresh flushes all buffered writes synchronously.
func (i *Index) Refresh(ctx context.Context) error {
	start := time.Now()
	err := i.flush(ctx)
	if i.metrics != nil {
		i.metrics.IndexRefreshDuration.Observe(time.Since(start).Seconds())
	}
	return err
}

func (i *Index) flush(ctx context.Context) error {
	i.mu.Lock()
	batch := i.pending
	i.pending = nil
	i.mu.Unlock()

	for _, m := range batch {
		if err := i.upsert(ctx, m); err != nil {
			i.count("index", "error")
			// Requeue the remainder so a transient failure loses nothing.
			i.mu.Lock()
			i.pending = append(i.pending, m)
			i.mu.Unlock()
			return err
		}
		i.count("index", "success")
	}
	return nil
}

func (i *Index) upsert(ctx context.Context, m *members.Member) error {
	query := `
		INSERT INTO member_index (member_id, community_id, user_id, group_id,
		                          role, active, visible, request_id, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (member_id) DO UPDATE
		SET role = EXCLUDED.role, active = EXCLUDED.active,
		    visible = EXCLUDED.visible, request_id = EXCLUDED.request_id,
		    updated_at = EXCLUDED.updated_at
	`
	_, err := i.db.ExecContext(ctx, query,
		m.ID, m.CommunityID, m.UserID, m.GroupID,
		m.Role, m.Active, m.Visible, m.RequestID, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert member index row: %w", err)
	}
	return nil
}

// IndexCommunity records a community's deletion state on its index rows so
// member listings can exclude deleted communities without a join.
func (i *Index) IndexCommunity(ctx context.Context, c *communities.Community) error {
	query := `UPDATE member_index SET deletion_state = $1 WHERE community_id = $2`
	if _, err := i.db.ExecContext(ctx, query, c.State, c.ID); err != nil {
		i.count("index_community", "error")
		return fmt.Errorf("failed to update community index rows: %w", err)
	}
	i.count("index_community", "success")
	return nil
}

// DeleteCommunity drops every index row of a community.
func (i *Index) DeleteCommunity(ctx context.Context, communityID string) error {
	_, err := i.db.ExecContext(ctx, `DELETE FROM member_index WHERE community_id = $1`, communityID)
	if err != nil {
		i.count("delete_community", "error")
		return fmt.Errorf("failed to delete community index rows: %w", err)
	}
	i.count("delete_community", "success")
	return nil
}

// Rebuild repopulates the index for the given communities from the
// authoritative member rows.
func (i *Index) Rebuild(ctx context.Context, communityIDs []string) error {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(rebuildConcurrency)

	for _, id := range communityIDs {
		id := id
		g.Go(func() error {
			return i.rebuildCommunity(ctx, id)
		})
	}
	return g.Wait()
}

func (i *Index) rebuildCommunity(ctx context.Context, communityID string) error {
	tx, err := i.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin reindex transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM member_index WHERE community_id = $1`, communityID); err != nil {
		return fmt.Errorf("failed to clear community index rows: %w", err)
	}

	query := `
		INSERT INTO member_index (member_id, community_id, user_id, group_id,
		                          role, active, visible, request_id, deletion_state, updated_at)
		SELECT m.id, m.community_id, m.user_id, m.group_id,
		       m.role, m.active, m.visible, m.request_id, c.deletion_state, $2
		FROM members m
		JOIN communities c ON c.id = m.community_id
		WHERE m.community_id = $1
	`
	if _, err := tx.ExecContext(ctx, query, communityID, time.Now().UTC()); err != nil {
		return fmt.Errorf("failed to rebuild community index rows: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit reindex: %w", err)
	}
	i.count("rebuild", "success")
	return nil
}

func (i *Index) count(operation, status string) {
	if i.metrics != nil {
		i.metrics.IndexOperationsTotal.WithLabelValues(operation, status).Inc()
	}
}
