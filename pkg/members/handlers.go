package members

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/depotlab/commons/pkg/access"
	"github.com/depotlab/commons/pkg/communities"
	"github.com/depotlab/commons/pkg/contextkeys"
	"github.com/depotlab/commons/pkg/httputil"
	"github.com/depotlab/commons/pkg/observability"
	"github.com/depotlab/commons/pkg/requests"
	"github.com/depotlab/commons/pkg/validation"
)

// Handlers provides the HTTP surface of the membership service.
type Handlers struct {
	service *Service
}

// NewHandlers creates membership handlers.
func NewHandlers(service *Service) *Handlers {
	return &Handlers{service: service}
}

// RegisterRoutes registers all membership routes.
func (h *Handlers) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/api/communities/{id}/members", h.Add).Methods("POST")
	r.HandleFunc("/api/communities/{id}/members", h.Update).Methods("PUT")
	r.HandleFunc("/api/communities/{id}/members", h.Delete).Methods("DELETE")
	r.HandleFunc("/api/communities/{id}/members", h.Search).Methods("GET")
	r.HandleFunc("/api/communities/{id}/members/public", h.SearchPublic).Methods("GET")
	r.HandleFunc("/api/communities/{id}/invitations", h.Invite).Methods("POST")
	r.HandleFunc("/api/communities/{id}/invitations", h.SearchInvitations).Methods("GET")
	r.HandleFunc("/api/communities/{id}/membership-requests", h.RequestMembership).Methods("POST")
	r.HandleFunc("/api/user/memberships", h.ReadMemberships).Methods("GET")
}

// Add handles POST /api/communities/{id}/members.
func (h *Handlers) Add(w http.ResponseWriter, r *http.Request) {
	var input AddInput
	if !httputil.ParseJSONOrError(w, r, &input) {
		return
	}

	created, err := h.service.Add(r.Context(), contextkeys.GetIdentity(r.Context()), mux.Vars(r)["id"], input)
	if err != nil {
		writeError(w, r, err)
		return
	}
	httputil.WriteCreated(w, created)
}

// Invite handles POST /api/communities/{id}/invitations.
func (h *Handlers) Invite(w http.ResponseWriter, r *http.Request) {
	var input InviteInput
	if !httputil.ParseJSONOrError(w, r, &input) {
		return
	}

	opened, err := h.service.Invite(r.Context(), contextkeys.GetIdentity(r.Context()), mux.Vars(r)["id"], input)
	if err != nil {
		writeError(w, r, err)
		return
	}
	httputil.WriteCreated(w, opened)
}

// Update handles PUT /api/communities/{id}/members.
func (h *Handlers) Update(w http.ResponseWriter, r *http.Request) {
	var input UpdateInput
	if !httputil.ParseJSONOrError(w, r, &input) {
		return
	}

	if err := h.service.Update(r.Context(), contextkeys.GetIdentity(r.Context()), mux.Vars(r)["id"], input); err != nil {
		writeError(w, r, err)
		return
	}
	httputil.WriteNoContent(w)
}

// Delete handles DELETE /api/communities/{id}/members.
func (h *Handlers) Delete(w http.ResponseWriter, r *http.Request) {
	var input DeleteInput
	if !httputil.ParseJSONOrError(w, r, &input) {
		return
	}

	if err := h.service.Delete(r.Context(), contextkeys.GetIdentity(r.Context()), mux.Vars(r)["id"], input); err != nil {
		writeError(w, r, err)
		return
	}
	httputil.WriteNoContent(w)
}

// Search handles GET /api/communities/{id}/members.
func (h *Handlers) Search(w http.ResponseWriter, r *http.Request) {
	f := SearchFilters{
		Role:          r.URL.Query().Get("role"),
		RequestStatus: r.URL.Query().Get("request_status"),
	}
	if r.URL.Query().Has("active") {
		active := httputil.ParseQueryBool(r, "active", true)
		f.Active = &active
	}
	if r.URL.Query().Has("visible") {
		visible := httputil.ParseQueryBool(r, "visible", true)
		f.Visible = &visible
	}

	found, err := h.service.SearchMembers(r.Context(), contextkeys.GetIdentity(r.Context()), mux.Vars(r)["id"], f)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeMembers(w, found)
}

// SearchPublic handles GET /api/communities/{id}/members/public.
func (h *Handlers) SearchPublic(w http.ResponseWriter, r *http.Request) {
	found, err := h.service.SearchPublic(r.Context(), contextkeys.GetIdentity(r.Context()), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeMembers(w, found)
}

// SearchInvitations handles GET /api/communities/{id}/invitations.
func (h *Handlers) SearchInvitations(w http.ResponseWriter, r *http.Request) {
	found, err := h.service.SearchInvitations(r.Context(), contextkeys.GetIdentity(r.Context()), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeMembers(w, found)
}

// RequestMembership handles POST /api/communities/{id}/membership-requests.
func (h *Handlers) RequestMembership(w http.ResponseWriter, r *http.Request) {
	var input struct {
		Message string `json:"message,omitempty"`
	}
	if r.Body != nil && r.ContentLength > 0 {
		if !httputil.ParseJSONOrError(w, r, &input) {
			return
		}
	}

	req, err := h.service.RequestMembership(r.Context(), contextkeys.GetIdentity(r.Context()), mux.Vars(r)["id"], input.Message)
	if err != nil {
		writeError(w, r, err)
		return
	}
	httputil.WriteCreated(w, req)
}

// ReadMemberships handles GET /api/user/memberships.
func (h *Handlers) ReadMemberships(w http.ResponseWriter, r *http.Request) {
	memberships, err := h.service.ReadMemberships(r.Context(), contextkeys.GetIdentity(r.Context()))
	if err != nil {
		writeError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, memberships)
}

func writeMembers(w http.ResponseWriter, found []*Member) {
	if found == nil {
		found = []*Member{}
	}
	httputil.WriteSuccess(w, found)
}

// writeError maps domain errors onto HTTP status codes.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case access.IsPermissionDenied(err):
		httputil.WriteForbidden(w, err.Error())
	case IsAlreadyMember(err):
		httputil.WriteConflict(w, err.Error())
	case IsInvalidMember(err):
		httputil.WriteErrorMessage(w, http.StatusUnprocessableEntity, err.Error())
	case communities.IsNotFound(err):
		httputil.WriteNotFound(w, err.Error())
	case validation.IsValidationError(err):
		httputil.WriteBadRequest(w, err.Error())
	case requests.IsActionError(err):
		httputil.WriteConflict(w, err.Error())
	default:
		observability.FromContext(r.Context()).WithError(err).Error("Membership request failed")
		httputil.WriteInternalError(w)
	}
}
