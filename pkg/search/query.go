package search

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"

	"github.com/depotlab/commons/pkg/members"
)

// SearchMembers queries the index with the given term filters. The
// request_status filter joins the requests table so a listing can select,
// for example, only unresolved invitations.
func (i *Index) SearchMembers(ctx context.Context, communityID string, f members.SearchFilters) ([]*members.Member, error) {
	var sb strings.Builder
	sb.WriteString(`
		SELECT i.member_id, i.community_id, i.user_id, i.group_id,
		       i.role, i.active, i.visible, i.request_id
		FROM member_index i`)

	args := []interface{}{communityID}
	conditions := []string{"i.community_id = $1"}

	if f.RequestStatus != "" {
		sb.WriteString(`
		JOIN requests r ON r.id = i.request_id`)
		args = append(args, f.RequestStatus)
		conditions = append(conditions, "r.status = $"+strconv.Itoa(len(args)))
	}
	if f.Active != nil {
		args = append(args, *f.Active)
		conditions = append(conditions, "i.active = $"+strconv.Itoa(len(args)))
	}
	if f.Visible != nil {
		args = append(args, *f.Visible)
		conditions = append(conditions, "i.visible = $"+strconv.Itoa(len(args)))
	}
	if f.Role != "" {
		args = append(args, f.Role)
		conditions = append(conditions, "i.role = $"+strconv.Itoa(len(args)))
	}

	sb.WriteString("\n\t\tWHERE ")
	sb.WriteString(strings.Join(conditions, " AND "))
	sb.WriteString("\n\t\tORDER BY i.updated_at ASC")

	rows, err := i.db.QueryContext(ctx, sb.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to search member index: %w", err)
	}
	defer rows.Close()

	var out []*members.Member
	for rows.Next() {
		m := &members.Member{}
		var userID, groupID, requestID sql.NullString
		if err := rows.Scan(&m.ID, &m.CommunityID, &userID, &groupID,
			&m.Role, &m.Active, &m.Visible, &requestID); err != nil {
			return nil, fmt.Errorf("failed to scan member index row: %w", err)
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
		out = append(out, m)
	}
	return out, rows.Err()
}
