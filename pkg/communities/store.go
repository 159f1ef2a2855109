package communities

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/depotlab/commons/pkg/storage"
	"github.com/depotlab/commons/pkg/validation"
)

// Store persists communities.
type Store struct {
	db *sql.DB
}

// NewStore creates a community store.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

func (s *Store) querier(q storage.Querier) storage.Querier {
	if q == nil {
		return s.db
	}
	return q
}

const communityColumns = `id, slug, title, description, parent_id,
	       visibility, member_policy, record_policy, deletion_state,
	       removal_reason_id, removal_reason_title, removal_note,
	       removed_by_type, removed_by_id, removal_date, citation_text,
	       tombstone_visible, logo_key, created_at, updated_at`

// Create inserts a new community. A duplicate slug surfaces as a
// ValidationError on the slug field.
func (s *Store) Create(ctx context.Context, q storage.Querier, c *Community) error {
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	c.CreatedAt = now
	c.UpdatedAt = now
	if c.State == "" {
		c.State = StatePublished
	}

	query := `
		INSERT INTO communities (id, slug, title, description, parent_id,
		                         visibility, member_policy, record_policy,
		                         deletion_state, logo_key, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`
	_, err := s.querier(q).ExecContext(ctx, query,
		c.ID, c.Slug, c.Title, c.Description, c.ParentID,
		c.Access.Visibility, c.Access.MemberPolicy, c.Access.RecordPolicy,
		c.State, c.LogoKey, c.CreatedAt, c.UpdatedAt,
	)
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
			return validation.NewError("slug", "slug %q is already taken", c.Slug)
		}
		return fmt.Errorf("failed to create community: %w", err)
	}
	return nil
}

func scanCommunity(scan func(dest ...interface{}) error) (*Community, error) {
	c := &Community{}
	var parentID sql.NullString
	var description, logoKey sql.NullString
	var reasonID, reasonTitle, note, removedByType, removedByID, citation sql.NullString
	var removalDate sql.NullTime
	var tombstoneVisible sql.NullBool

	if err := scan(
		&c.ID, &c.Slug, &c.Title, &description, &parentID,
		&c.Access.Visibility, &c.Access.MemberPolicy, &c.Access.RecordPolicy, &c.State,
		&reasonID, &reasonTitle, &note,
		&removedByType, &removedByID, &removalDate, &citation,
		&tombstoneVisible, &logoKey, &c.CreatedAt, &c.UpdatedAt,
	); err != nil {
		return nil, err
	}

	if description.Valid {
		c.Description = description.String
	}
	if parentID.Valid {
		c.ParentID = &parentID.String
	}
	if logoKey.Valid {
		c.LogoKey = logoKey.String
	}
	if removalDate.Valid {
		c.Tombstone = &Tombstone{
			RemovalReasonID:    reasonID.String,
			RemovalReasonTitle: reasonTitle.String,
			Note:               note.String,
			RemovedByType:      removedByType.String,
			RemovedByID:        removedByID.String,
			RemovalDate:        removalDate.Time,
			CitationText:       citation.String,
			IsVisible:          tombstoneVisible.Bool,
		}
	}
	return c, nil
}

// Get retrieves a community by id.
func (s *Store) Get(ctx context.Context, q storage.Querier, id string) (*Community, error) {
	query := `SELECT ` + communityColumns + ` FROM communities WHERE id = $1`
	c, err := scanCommunity(s.querier(q).QueryRowContext(ctx, query, id).Scan)
	if err == sql.ErrNoRows {
		return nil, &NotFoundError{ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get community: %w", err)
	}
	return c, nil
}

// GetBySlug retrieves a community by its slug.
func (s *Store) GetBySlug(ctx context.Context, q storage.Querier, slug string) (*Community, error) {
	query := `SELECT ` + communityColumns + ` FROM communities WHERE slug = $1`
	c, err := scanCommunity(s.querier(q).QueryRowContext(ctx, query, slug).Scan)
	if err == sql.ErrNoRows {
		return nil, &NotFoundError{ID: slug}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get community: %w", err)
	}
	return c, nil
}

// GetForUpdate retrieves a community with a row lock. Lifecycle transitions
// and parent changes lock the row to serialize concurrent writers.
func (s *Store) GetForUpdate(ctx context.Context, q storage.Querier, id string) (*Community, error) {
	query := `SELECT ` + communityColumns + ` FROM communities WHERE id = $1 FOR UPDATE`
	c, err := scanCommunity(s.querier(q).QueryRowContext(ctx, query, id).Scan)
	if err == sql.ErrNoRows {
		return nil, &NotFoundError{ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get community: %w", err)
	}
	return c, nil
}

// Update persists metadata and access policy changes.
func (s *Store) Update(ctx context.Context, q storage.Querier, c *Community) error {
	c.UpdatedAt = time.Now().UTC()
	query := `
		UPDATE communities
		SET title = $1, description = $2, visibility = $3, member_policy = $4,
		    record_policy = $5, logo_key = $6, updated_at = $7
		WHERE id = $8
	`
	result, err := s.querier(q).ExecContext(ctx, query,
		c.Title, c.Description, c.Access.Visibility, c.Access.MemberPolicy,
		c.Access.RecordPolicy, c.LogoKey, c.UpdatedAt, c.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update community: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected == 0 {
		return &NotFoundError{ID: c.ID}
	}
	return nil
}

// SetDeletionState persists a lifecycle transition together with its
// tombstone. A nil tombstone clears all tombstone columns.
func (s *Store) SetDeletionState(ctx context.Context, q storage.Querier, id string, state DeletionState, t *Tombstone) error {
	var (
		reasonID, reasonTitle, note, removedByType, removedByID, citation interface{}
		removalDate                                                       interface{}
		visible                                                           interface{}
	)
	if t != nil {
		reasonID, reasonTitle, note = nullable(t.RemovalReasonID), nullable(t.RemovalReasonTitle), nullable(t.Note)
		removedByType, removedByID = nullable(t.RemovedByType), nullable(t.RemovedByID)
		removalDate = t.RemovalDate
		citation = nullable(t.CitationText)
		visible = t.IsVisible
	}

	query := `
		UPDATE communities
		SET deletion_state = $1, removal_reason_id = $2, removal_reason_title = $3,
		    removal_note = $4, removed_by_type = $5, removed_by_id = $6,
		    removal_date = $7, citation_text = $8, tombstone_visible = $9,
		    updated_at = $10
		WHERE id = $11
	`
	result, err := s.querier(q).ExecContext(ctx, query,
		state, reasonID, reasonTitle, note, removedByType, removedByID,
		removalDate, citation, visible, time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("failed to update deletion state: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected == 0 {
		return &NotFoundError{ID: id}
	}
	return nil
}

// SetParent moves a community under a parent. A nil parentID detaches it.
func (s *Store) SetParent(ctx context.Context, q storage.Querier, id string, parentID *string) error {
	query := `UPDATE communities SET parent_id = $1, updated_at = $2 WHERE id = $3`
	result, err := s.querier(q).ExecContext(ctx, query, parentID, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to set community parent: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected == 0 {
		return &NotFoundError{ID: id}
	}
	return nil
}

// CountChildren counts a community's direct subcommunities.
func (s *Store) CountChildren(ctx context.Context, q storage.Querier, id string) (int, error) {
	var count int
	query := `SELECT COUNT(*) FROM communities WHERE parent_id = $1`
	if err := s.querier(q).QueryRowContext(ctx, query, id).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count children: %w", err)
	}
	return count, nil
}

// ListChildren returns a community's direct subcommunities ordered by slug.
func (s *Store) ListChildren(ctx context.Context, q storage.Querier, id string) ([]*Community, error) {
	query := `SELECT ` + communityColumns + ` FROM communities WHERE parent_id = $1 ORDER BY slug ASC`
	rows, err := s.querier(q).QueryContext(ctx, query, id)
	if err != nil {
		return nil, fmt.Errorf("failed to list children: %w", err)
	}
	defer rows.Close()

	var children []*Community
	for rows.Next() {
		c, err := scanCommunity(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("failed to scan community: %w", err)
		}
		children = append(children, c)
	}
	return children, rows.Err()
}

func nullable(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
