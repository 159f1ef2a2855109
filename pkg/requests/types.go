package requests

import (
	"context"
	"fmt"
	"time"

	"github.com/depotlab/commons/pkg/auth"
	"github.com/depotlab/commons/pkg/storage"
)

// Status is a type-specific request status.
type Status string

const (
	StatusOpen      Status = "open"
	StatusSubmitted Status = "submitted"
	StatusAccepted  Status = "accepted"
	StatusDeclined  Status = "declined"
	StatusCancelled Status = "cancelled"
	StatusExpired   Status = "expired"
)

// IsClosed reports whether a status belongs to the closed half of the
// lattice. Closed requests never transition again.
func (s Status) IsClosed() bool {
	switch s {
	case StatusAccepted, StatusDeclined, StatusCancelled, StatusExpired:
		return true
	}
	return false
}

// IsOpen reports whether a status belongs to the open half of the lattice.
func (s Status) IsOpen() bool { return !s.IsClosed() }

// EntityRef is a typed reference to a request participant or topic.
type EntityRef struct {
	Type string `json:"type"` // "user", "group", "community", "system"
	ID   string `json:"id"`
}

// Request is a generic request instance.
type Request struct {
	ID        string            `json:"id"`
	Type      string            `json:"type"`
	Status    Status            `json:"status"`
	CreatedBy EntityRef         `json:"created_by"`
	Receiver  EntityRef         `json:"receiver"`
	Topic     EntityRef         `json:"topic"`
	Payload   map[string]string `json:"payload,omitempty"`
	ExpiresAt *time.Time        `json:"expires_at,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
	UpdatedAt time.Time         `json:"updated_at"`
}

// Event is an audit entry attached to a request: comments supplied with an
// action, and the action outcomes themselves.
type Event struct {
	ID        string    `json:"id"`
	RequestID string    `json:"request_id"`
	ActorType string    `json:"actor_type"`
	ActorID   string    `json:"actor_id,omitempty"`
	Kind      string    `json:"kind"` // action name or "comment"
	Content   string    `json:"content,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// PermissionFunc decides whether an identity may run an action on a request.
// Return nil to allow. The system identity is checked like any other actor;
// actions that are system-only must say so here.
type PermissionFunc func(ctx context.Context, identity *auth.Identity, req *Request) error

// SideEffect runs the action's domain mutation inside the caller's unit of
// work. The status transition is applied by the service after the side
// effect succeeds; both commit or roll back together.
type SideEffect func(ctx context.Context, uow *storage.UnitOfWork, identity *auth.Identity, req *Request, payload map[string]string) error

// ActionSpec declares one legal transition of a request type.
type ActionSpec struct {
	// From lists the statuses this action may fire from.
	From []Status
	// To is the resulting status.
	To Status
	// Allowed gates the action per actor. Nil means system-only.
	Allowed PermissionFunc
	// Execute is the side effect, run before the status transition. May be
	// nil for pure transitions.
	Execute SideEffect
	// TolerateClosed makes the action a silent no-op when the request is
	// already closed. Used by expire, which races human actors.
	TolerateClosed bool
}

// Type is the static declaration of a request type.
type Type struct {
	// ID names the type ("community-invitation", "community-membership-request").
	ID string
	// DefaultStatus is assigned on creation.
	DefaultStatus Status
	// Statuses lists every status the type may hold.
	Statuses []Status
	// Actions maps action names to their specs.
	Actions map[string]ActionSpec
	// DefaultTTL is applied when a request is created without an expiry.
	DefaultTTL time.Duration
}

// Validate checks the type table for internal consistency.
func (t *Type) Validate() error {
	if t.ID == "" {
		return fmt.Errorf("request type id is required")
	}
	legal := make(map[Status]bool, len(t.Statuses))
	for _, s := range t.Statuses {
		legal[s] = true
	}
	if !legal[t.DefaultStatus] {
		return fmt.Errorf("request type %s: default status %q not in status list", t.ID, t.DefaultStatus)
	}
	for name, spec := range t.Actions {
		if len(spec.From) == 0 {
			return fmt.Errorf("request type %s: action %q has no from statuses", t.ID, name)
		}
		for _, s := range spec.From {
			if !legal[s] {
				return fmt.Errorf("request type %s: action %q fires from unknown status %q", t.ID, name, s)
			}
			if s.IsClosed() {
				return fmt.Errorf("request type %s: action %q fires from closed status %q", t.ID, name, s)
			}
		}
		if !legal[spec.To] {
			return fmt.Errorf("request type %s: action %q lands in unknown status %q", t.ID, name, spec.To)
		}
	}
	return nil
}

// ActionError reports an action that is not legal for the request's current
// status, or an unknown action or type.
type ActionError struct {
	RequestID string
	Action    string
	Status    Status
	Reason    string
}

func (e *ActionError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("request %s: action %q not allowed: %s", e.RequestID, e.Action, e.Reason)
	}
	return fmt.Sprintf("request %s: action %q not allowed from status %q", e.RequestID, e.Action, e.Status)
}

// IsActionError reports whether err is an ActionError.
func IsActionError(err error) bool {
	_, ok := err.(*ActionError)
	return ok
}
