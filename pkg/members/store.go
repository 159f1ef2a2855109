package members

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/depotlab/commons/pkg/cache"
	"github.com/depotlab/commons/pkg/storage"
)

// Store persists members, archived invitations and group resolution.
type Store struct {
	db *sql.DB
}

// NewStore creates a member store.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

func (s *Store) querier(q storage.Querier) storage.Querier {
	if q == nil {
		return s.db
	}
	return q
}

const memberColumns = `id, community_id, user_id, group_id, role, active, visible,
		       request_id, created_at, updated_at`

// Create inserts a member row. A duplicate community/subject pair surfaces as
// an AlreadyMemberError.
func (s *Store) Create(ctx context.Context, q storage.Querier, m *Member) error {
	if m.ID == "" {
		m.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	m.CreatedAt = now
	m.UpdatedAt = now

	query := `
		INSERT INTO members (id, community_id, user_id, group_id, role, active,
		                     visible, request_id, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`
	_, err := s.querier(q).ExecContext(ctx, query,
		m.ID, m.CommunityID, m.UserID, m.GroupID, m.Role, m.Active,
		m.Visible, m.RequestID, m.CreatedAt, m.UpdatedAt,
	)
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
			return &AlreadyMemberError{CommunityID: m.CommunityID, MemberType: m.Type(), MemberID: m.SubjectID()}
		}
		return fmt.Errorf("failed to create member: %w", err)
	}
	return nil
}

func scanMember(scan func(dest ...interface{}) error) (*Member, error) {
	m := &Member{}
	var userID, groupID, requestID sql.NullString

	if err := scan(
		&m.ID, &m.CommunityID, &userID, &groupID, &m.Role, &m.Active, &m.Visible,
		&requestID, &m.CreatedAt, &m.UpdatedAt,
	); err != nil {
		return nil, err
	}

	if userID.Valid {
		m.UserID = &userID.String
	}
	if groupID.Valid {
		m.GroupID = &groupID.String
	}
	if requestID.Valid {
		m.RequestID = &requestID.String
	}
	return m, nil
}

// Get retrieves a member row by id.
func (s *Store) Get(ctx context.Context, q storage.Querier, id string) (*Member, error) {
	query := `SELECT ` + memberColumns + ` FROM members WHERE id = $1`
	m, err := scanMember(s.querier(q).QueryRowContext(ctx, query, id).Scan)
	if err == sql.ErrNoRows {
		return nil, &InvalidMemberError{MemberID: id, Reason: "not found"}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get member: %w", err)
	}
	return m, nil
}

// GetBySubject retrieves the member row for a user or group in a community.
func (s *Store) GetBySubject(ctx context.Context, q storage.Querier, communityID string, ref MemberRef) (*Member, error) {
	column := "user_id"
	if ref.Type == TypeGroup {
		column = "group_id"
	}
	query := `SELECT ` + memberColumns + ` FROM members WHERE community_id = $1 AND ` + column + ` = $2`
	m, err := scanMember(s.querier(q).QueryRowContext(ctx, query, communityID, ref.ID).Scan)
	if err == sql.ErrNoRows {
		return nil, &InvalidMemberError{MemberType: ref.Type, MemberID: ref.ID, Reason: "not a member"}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get member: %w", err)
	}
	return m, nil
}

// GetByRequest retrieves the member placeholder referencing a request.
func (s *Store) GetByRequest(ctx context.Context, q storage.Querier, requestID string) (*Member, error) {
	query := `SELECT ` + memberColumns + ` FROM members WHERE request_id = $1`
	m, err := scanMember(s.querier(q).QueryRowContext(ctx, query, requestID).Scan)
	if err == sql.ErrNoRows {
		return nil, &InvalidMemberError{MemberID: requestID, Reason: "no member references this request"}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get member: %w", err)
	}
	return m, nil
}

// LockCommunitySet locks every member row of a community. Bulk mutations take
// this lock first so two concurrent removals cannot each see the other's
// owner as still present.
func (s *Store) LockCommunitySet(ctx context.Context, q storage.Querier, communityID string) error {
	query := `SELECT id FROM members WHERE community_id = $1 FOR UPDATE`
	rows, err := s.querier(q).QueryContext(ctx, query, communityID)
	if err != nil {
		return fmt.Errorf("failed to lock member set: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return fmt.Errorf("failed to lock member set: %w", err)
		}
	}
	return rows.Err()
}

// Update persists role, active, visible and request reference changes.
func (s *Store) Update(ctx context.Context, q storage.Querier, m *Member) error {
	m.UpdatedAt = time.Now().UTC()
	query := `
		UPDATE members
		SET role = $1, active = $2, visible = $3, request_id = $4, updated_at = $5
		WHERE id = $6
	`
	result, err := s.querier(q).ExecContext(ctx, query,
		m.Role, m.Active, m.Visible, m.RequestID, m.UpdatedAt, m.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update member: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected == 0 {
		return &InvalidMemberError{MemberID: m.ID, Reason: "not found"}
	}
	return nil
}

// Delete removes a member row.
func (s *Store) Delete(ctx context.Context, q storage.Querier, id string) error {
	result, err := s.querier(q).ExecContext(ctx, `DELETE FROM members WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete member: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected == 0 {
		return &InvalidMemberError{MemberID: id, Reason: "not found"}
	}
	return nil
}

// ListByCommunity returns all member rows of a community.
func (s *Store) ListByCommunity(ctx context.Context, q storage.Querier, communityID string) ([]*Member, error) {
	query := `SELECT ` + memberColumns + ` FROM members WHERE community_id = $1 ORDER BY created_at ASC`
	rows, err := s.querier(q).QueryContext(ctx, query, communityID)
	if err != nil {
		return nil, fmt.Errorf("failed to list members: %w", err)
	}
	defer rows.Close()

	var out []*Member
	for rows.Next() {
		m, err := scanMember(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("failed to scan member: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// ActiveOwnerCount counts the active owner members of a community. Direct
// user owners always count; a group owner counts only while its group
// resolves to at least one user.
func (s *Store) ActiveOwnerCount(ctx context.Context, q storage.Querier, communityID, ownerRole string) (int, error) {
	query := `
		SELECT COUNT(*) FROM members m
		WHERE m.community_id = $1 AND m.role = $2 AND m.active
		  AND (m.user_id IS NOT NULL
		       OR EXISTS (SELECT 1 FROM group_members g WHERE g.group_id = m.group_id))
	`
	var count int
	if err := s.querier(q).QueryRowContext(ctx, query, communityID, ownerRole).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count active owners: %w", err)
	}
	return count, nil
}

// Archive copies a member row into archived_invitations with the given
// outcome and deletes the live row.
func (s *Store) Archive(ctx context.Context, q storage.Querier, m *Member, outcome string) error {
	requestID := ""
	if m.RequestID != nil {
		requestID = *m.RequestID
	}
	query := `
		INSERT INTO archived_invitations (id, community_id, user_id, group_id,
		                                  role, visible, request_id, outcome, archived_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`
	_, err := s.querier(q).ExecContext(ctx, query,
		uuid.New().String(), m.CommunityID, m.UserID, m.GroupID,
		m.Role, m.Visible, requestID, outcome, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to archive member: %w", err)
	}
	return s.Delete(ctx, q, m.ID)
}

// GroupUserIDs resolves a group to its current user ids.
func (s *Store) GroupUserIDs(ctx context.Context, q storage.Querier, groupID string) ([]string, error) {
	rows, err := s.querier(q).QueryContext(ctx,
		`SELECT user_id FROM group_members WHERE group_id = $1`, groupID)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve group: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to resolve group: %w", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// ListMemberships returns a user's active memberships, both direct and
// through groups. This feeds the identity cache.
func (s *Store) ListMemberships(ctx context.Context, q storage.Querier, userID string) ([]cache.Membership, error) {
	query := `
		SELECT community_id, role FROM members
		WHERE active AND user_id = $1
		UNION
		SELECT m.community_id, m.role FROM members m
		JOIN group_members g ON g.group_id = m.group_id
		WHERE m.active AND g.user_id = $1
	`
	rows, err := s.querier(q).QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list memberships: %w", err)
	}
	defer rows.Close()

	var out []cache.Membership
	for rows.Next() {
		var m cache.Membership
		if err := rows.Scan(&m.Community, &m.Role); err != nil {
			return nil, fmt.Errorf("failed to scan membership: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}
