package communities

import (
	"time"

	"github.com/depotlab/commons/pkg/auth"
)

// Visibility values of a community's access policy.
const (
	VisibilityPublic     = "public"
	VisibilityRestricted = "restricted"
)

// Member policy values: open communities accept membership requests, closed
// ones are invitation-only.
const (
	MemberPolicyOpen   = "open"
	MemberPolicyClosed = "closed"
)

// Record policy values mirror the member policy for record submissions.
const (
	RecordPolicyOpen   = "open"
	RecordPolicyClosed = "closed"
)

// DeletionState is the lifecycle state of a community.
type DeletionState string

const (
	StatePublished DeletionState = "published"
	StateDeleted   DeletionState = "deleted"
	StateMarked    DeletionState = "marked"
)

// AccessSettings is a community's access policy.
type AccessSettings struct {
	Visibility   string `json:"visibility"`
	MemberPolicy string `json:"member_policy"`
	RecordPolicy string `json:"record_policy"`
}

// DefaultAccess returns the access policy applied to new communities.
func DefaultAccess() AccessSettings {
	return AccessSettings{
		Visibility:   VisibilityPublic,
		MemberPolicy: MemberPolicyClosed,
		RecordPolicy: RecordPolicyOpen,
	}
}

// Tombstone records why, when and by whom a community was deleted. It is set
// on delete and cleared on restore.
type Tombstone struct {
	RemovalReasonID    string    `json:"removal_reason_id,omitempty"`
	RemovalReasonTitle string    `json:"removal_reason_title,omitempty"`
	Note               string    `json:"note,omitempty"`
	RemovedByType      string    `json:"removed_by_type,omitempty"`
	RemovedByID        string    `json:"removed_by_id,omitempty"`
	// RemovedByDisplay is the anonymized actor label shown in masked views.
	RemovedByDisplay string    `json:"removed_by,omitempty"`
	RemovalDate      time.Time `json:"removal_date"`
	CitationText     string    `json:"citation_text,omitempty"`
	IsVisible        bool      `json:"is_visible"`
}

// MaskedRemovedBy returns the actor description exposed to callers without
// read_deleted. The real actor id is never revealed.
func (t *Tombstone) MaskedRemovedBy() string {
	switch auth.ActorType(t.RemovedByType) {
	case auth.ActorSystem:
		return "System (automatic)"
	case auth.ActorUser:
		return "Admin"
	default:
		return "Unknown"
	}
}

// Community is a collaborative space in the repository.
type Community struct {
	ID          string         `json:"id"`
	Slug        string         `json:"slug"`
	Title       string         `json:"title"`
	Description string         `json:"description,omitempty"`
	ParentID    *string        `json:"parent_id,omitempty"`
	Access      AccessSettings `json:"access"`
	State       DeletionState  `json:"deletion_state"`
	Tombstone   *Tombstone     `json:"tombstone,omitempty"`
	LogoKey     string         `json:"logo_key,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

// RecordID implements access.Record.
func (c *Community) RecordID() string { return c.ID }

// AccessField implements access.Record.
func (c *Community) AccessField(field string) string {
	switch field {
	case "visibility":
		return c.Access.Visibility
	case "member_policy":
		return c.Access.MemberPolicy
	case "record_policy":
		return c.Access.RecordPolicy
	}
	return ""
}

// Deleted implements access.Record. Marked communities remain deleted.
func (c *Community) Deleted() bool {
	return c.State == StateDeleted || c.State == StateMarked
}

// maskedTitle replaces the title of a deleted community for callers who may
// not read it.
const maskedTitle = "Deleted community"

// Masked returns the tombstone-safe view of a deleted community: identifiers
// and tombstone metadata only, with the removing actor anonymized.
func (c *Community) Masked() *Community {
	masked := &Community{
		ID:        c.ID,
		Slug:      c.Slug,
		Title:     maskedTitle,
		State:     c.State,
		CreatedAt: c.CreatedAt,
		UpdatedAt: c.UpdatedAt,
	}
	if c.Tombstone != nil {
		masked.Tombstone = &Tombstone{
			RemovalReasonID:    c.Tombstone.RemovalReasonID,
			RemovalReasonTitle: c.Tombstone.RemovalReasonTitle,
			Note:               c.Tombstone.Note,
			RemovedByDisplay:   c.Tombstone.MaskedRemovedBy(),
			RemovalDate:        c.Tombstone.RemovalDate,
			CitationText:       c.Tombstone.CitationText,
			IsVisible:          c.Tombstone.IsVisible,
		}
	}
	return masked
}
