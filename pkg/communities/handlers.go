package communities

import (
	"context"
	"errors"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/depotlab/commons/pkg/access"
	"github.com/depotlab/commons/pkg/auth"
	"github.com/depotlab/commons/pkg/contextkeys"
	"github.com/depotlab/commons/pkg/httputil"
	"github.com/depotlab/commons/pkg/observability"
	"github.com/depotlab/commons/pkg/requests"
	"github.com/depotlab/commons/pkg/validation"
)

// Handlers provides the HTTP surface of the community service.
type Handlers struct {
	service  *Service
	requests *requests.Service
}

// NewHandlers creates community handlers. The request service executes the
// subcommunity request flow.
func NewHandlers(service *Service, requestService *requests.Service) *Handlers {
	return &Handlers{service: service, requests: requestService}
}

// RegisterRoutes registers all community routes.
func (h *Handlers) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/api/communities", h.Create).Methods("POST")
	r.HandleFunc("/api/communities/{id}", h.Read).Methods("GET")
	r.HandleFunc("/api/communities/{id}", h.Update).Methods("PUT")
	r.HandleFunc("/api/communities/{id}", h.Delete).Methods("DELETE")
	r.HandleFunc("/api/communities/{id}/access", h.UpdateAccess).Methods("PUT")
	r.HandleFunc("/api/communities/{id}/restore", h.Restore).Methods("POST")
	r.HandleFunc("/api/communities/{id}/mark", h.Mark).Methods("POST")
	r.HandleFunc("/api/communities/{id}/unmark", h.Unmark).Methods("POST")
	r.HandleFunc("/api/communities/{id}/purge", h.Purge).Methods("POST")
	r.HandleFunc("/api/communities/{id}/tombstone", h.UpdateTombstone).Methods("PUT")
	r.HandleFunc("/api/communities/{id}/parent", h.SetParent).Methods("PUT")
	r.HandleFunc("/api/communities/{id}/parent", h.RemoveParent).Methods("DELETE")
	r.HandleFunc("/api/communities/{id}/children", h.ListChildren).Methods("GET")
	r.HandleFunc("/api/communities/{id}/subcommunity-requests", h.RequestSubcommunity).Methods("POST")
	r.HandleFunc("/api/communities/{id}/logo", h.UploadLogo).Methods("PUT")
	r.HandleFunc("/api/communities/{id}/logo", h.ReadLogo).Methods("GET")
	r.HandleFunc("/api/communities/{id}/logo", h.DeleteLogo).Methods("DELETE")
}

// Create handles POST /api/communities.
func (h *Handlers) Create(w http.ResponseWriter, r *http.Request) {
	var input CreateInput
	if !httputil.ParseJSONOrError(w, r, &input) {
		return
	}

	c, err := h.service.Create(r.Context(), contextkeys.GetIdentity(r.Context()), input)
	if err != nil {
		writeError(w, r, err)
		return
	}
	httputil.WriteCreated(w, c)
}

// Read handles GET /api/communities/{id}.
func (h *Handlers) Read(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	c, err := h.service.Read(r.Context(), contextkeys.GetIdentity(r.Context()), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, c)
}

// Update handles PUT /api/communities/{id}.
func (h *Handlers) Update(w http.ResponseWriter, r *http.Request) {
	var input UpdateInput
	if !httputil.ParseJSONOrError(w, r, &input) {
		return
	}

	c, err := h.service.Update(r.Context(), contextkeys.GetIdentity(r.Context()), mux.Vars(r)["id"], input)
	if err != nil {
		writeError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, c)
}

// UpdateAccess handles PUT /api/communities/{id}/access.
func (h *Handlers) UpdateAccess(w http.ResponseWriter, r *http.Request) {
	var settings AccessSettings
	if !httputil.ParseJSONOrError(w, r, &settings) {
		return
	}

	c, err := h.service.UpdateAccess(r.Context(), contextkeys.GetIdentity(r.Context()), mux.Vars(r)["id"], settings)
	if err != nil {
		writeError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, c)
}

// Delete handles DELETE /api/communities/{id}.
func (h *Handlers) Delete(w http.ResponseWriter, r *http.Request) {
	var input TombstoneInput
	if r.Body != nil && r.ContentLength > 0 {
		if !httputil.ParseJSONOrError(w, r, &input) {
			return
		}
	}

	if err := h.service.Delete(r.Context(), contextkeys.GetIdentity(r.Context()), mux.Vars(r)["id"], input); err != nil {
		writeError(w, r, err)
		return
	}
	httputil.WriteNoContent(w)
}

// Restore handles POST /api/communities/{id}/restore.
func (h *Handlers) Restore(w http.ResponseWriter, r *http.Request) {
	h.lifecycle(w, r, h.service.Restore)
}

// Mark handles POST /api/communities/{id}/mark.
func (h *Handlers) Mark(w http.ResponseWriter, r *http.Request) {
	h.lifecycle(w, r, h.service.Mark)
}

// Unmark handles POST /api/communities/{id}/unmark.
func (h *Handlers) Unmark(w http.ResponseWriter, r *http.Request) {
	h.lifecycle(w, r, h.service.Unmark)
}

// Purge handles POST /api/communities/{id}/purge.
func (h *Handlers) Purge(w http.ResponseWriter, r *http.Request) {
	h.lifecycle(w, r, h.service.Purge)
}

func (h *Handlers) lifecycle(w http.ResponseWriter, r *http.Request,
	fn func(ctx context.Context, identity *auth.Identity, id string) error) {
	if err := fn(r.Context(), contextkeys.GetIdentity(r.Context()), mux.Vars(r)["id"]); err != nil {
		writeError(w, r, err)
		return
	}
	httputil.WriteNoContent(w)
}

// UpdateTombstone handles PUT /api/communities/{id}/tombstone.
func (h *Handlers) UpdateTombstone(w http.ResponseWriter, r *http.Request) {
	var input TombstoneInput
	if !httputil.ParseJSONOrError(w, r, &input) {
		return
	}

	if err := h.service.UpdateTombstone(r.Context(), contextkeys.GetIdentity(r.Context()), mux.Vars(r)["id"], input); err != nil {
		writeError(w, r, err)
		return
	}
	httputil.WriteNoContent(w)
}

// SetParent handles PUT /api/communities/{id}/parent.
func (h *Handlers) SetParent(w http.ResponseWriter, r *http.Request) {
	var input struct {
		ParentID string `json:"parent_id"`
	}
	if !httputil.ParseJSONOrError(w, r, &input) {
		return
	}

	if err := h.service.SetParent(r.Context(), contextkeys.GetIdentity(r.Context()), mux.Vars(r)["id"], input.ParentID); err != nil {
		writeError(w, r, err)
		return
	}
	httputil.WriteNoContent(w)
}

// RemoveParent handles DELETE /api/communities/{id}/parent.
func (h *Handlers) RemoveParent(w http.ResponseWriter, r *http.Request) {
	if err := h.service.RemoveParent(r.Context(), contextkeys.GetIdentity(r.Context()), mux.Vars(r)["id"]); err != nil {
		writeError(w, r, err)
		return
	}
	httputil.WriteNoContent(w)
}

// RequestSubcommunity handles POST /api/communities/{id}/subcommunity-requests.
// The path id is the child community asking to be adopted.
func (h *Handlers) RequestSubcommunity(w http.ResponseWriter, r *http.Request) {
	var input struct {
		ParentID string `json:"parent_id"`
		Message  string `json:"message,omitempty"`
	}
	if !httputil.ParseJSONOrError(w, r, &input) {
		return
	}

	req, err := h.service.RequestSubcommunity(r.Context(), h.requests,
		contextkeys.GetIdentity(r.Context()), mux.Vars(r)["id"], input.ParentID, input.Message)
	if err != nil {
		writeError(w, r, err)
		return
	}
	httputil.WriteCreated(w, req)
}

// ListChildren handles GET /api/communities/{id}/children.
func (h *Handlers) ListChildren(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	identity := contextkeys.GetIdentity(r.Context())

	// Children are listed through the parent's read permission.
	if _, err := h.service.Read(r.Context(), identity, id); err != nil {
		writeError(w, r, err)
		return
	}

	children, err := h.service.Store().ListChildren(r.Context(), nil, id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if children == nil {
		children = []*Community{}
	}
	httputil.WriteSuccess(w, children)
}

// writeError maps domain errors onto HTTP status codes.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case access.IsPermissionDenied(err):
		httputil.WriteForbidden(w, err.Error())
	case IsNotFound(err):
		httputil.WriteNotFound(w, err.Error())
	case IsDeletionStatusError(err):
		httputil.WriteConflict(w, err.Error())
	case validation.IsValidationError(err):
		httputil.WriteBadRequest(w, err.Error())
	case errors.Is(err, ErrPurgeReserved):
		httputil.WriteErrorMessage(w, http.StatusNotImplemented, err.Error())
	default:
		observability.FromContext(r.Context()).WithError(err).Error("Community request failed")
		httputil.WriteInternalError(w)
	}
}
