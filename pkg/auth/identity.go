package auth

// ActorType distinguishes the kinds of principals that can act on a
// community or appear as a member.
type ActorType string

const (
	ActorUser      ActorType = "user"
	ActorGroup     ActorType = "group"
	ActorSystem    ActorType = "system"
	ActorAnonymous ActorType = "anonymous"
)

// Identity is the acting principal for a single operation. It carries no
// permissions itself; the access package resolves the needs an identity
// provides.
type Identity struct {
	Type ActorType `json:"type"`
	ID   string    `json:"id,omitempty"`
}

// Anonymous is the identity of an unauthenticated caller.
func Anonymous() *Identity {
	return &Identity{Type: ActorAnonymous}
}

// System is the identity of the service itself. It is the only actor allowed
// to expire requests and to call the member archive/activate entry points.
func System() *Identity {
	return &Identity{Type: ActorSystem, ID: "system"}
}

// UserIdentity returns the identity of an authenticated user.
func UserIdentity(userID string) *Identity {
	return &Identity{Type: ActorUser, ID: userID}
}

// IsAuthenticated reports whether the identity belongs to a logged-in user
// or the system process.
func (i *Identity) IsAuthenticated() bool {
	return i != nil && (i.Type == ActorUser || i.Type == ActorSystem) && i.ID != ""
}

// Ref returns a stable "type:id" string for audit rows.
func (i *Identity) Ref() string {
	if i == nil {
		return string(ActorAnonymous)
	}
	if i.ID == "" {
		return string(i.Type)
	}
	return string(i.Type) + ":" + i.ID
}

// IsSystem reports whether the identity is the system process.
func (i *Identity) IsSystem() bool {
	return i != nil && i.Type == ActorSystem
}
