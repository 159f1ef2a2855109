package members

import (
	"time"
)

// Member types addressable in add/invite/update/delete payloads.
const (
	TypeUser  = "user"
	TypeGroup = "group"
)

// MemberRef addresses one member in a mutation payload.
type MemberRef struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

// Member is one membership row: either an accepted membership or, while
// RequestID is set, a pending invitation or membership request. Exactly one
// of UserID and GroupID is set; the database enforces the same with a check
// constraint.
type Member struct {
	ID          string    `json:"id"`
	CommunityID string    `json:"community_id"`
	UserID      *string   `json:"user_id,omitempty"`
	GroupID     *string   `json:"group_id,omitempty"`
	Role        string    `json:"role"`
	Active      bool      `json:"active"`
	Visible     bool      `json:"visible"`
	RequestID   *string   `json:"request_id,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Type returns the member type, "user" or "group".
func (m *Member) Type() string {
	if m.UserID != nil {
		return TypeUser
	}
	return TypeGroup
}

// SubjectID returns the user or group id the row belongs to.
func (m *Member) SubjectID() string {
	if m.UserID != nil {
		return *m.UserID
	}
	if m.GroupID != nil {
		return *m.GroupID
	}
	return ""
}

// Ref returns the member as a payload reference.
func (m *Member) Ref() MemberRef {
	return MemberRef{Type: m.Type(), ID: m.SubjectID()}
}

// ArchivedInvitation is the immutable copy of a member row kept after its
// request closed and the live row was deleted.
type ArchivedInvitation struct {
	ID          string    `json:"id"`
	CommunityID string    `json:"community_id"`
	UserID      *string   `json:"user_id,omitempty"`
	GroupID     *string   `json:"group_id,omitempty"`
	Role        string    `json:"role"`
	Visible     bool      `json:"visible"`
	RequestID   string    `json:"request_id"`
	Outcome     string    `json:"outcome"`
	ArchivedAt  time.Time `json:"archived_at"`
}
