package requests

import (
	"errors"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/depotlab/commons/pkg/access"
	"github.com/depotlab/commons/pkg/auth"
	"github.com/depotlab/commons/pkg/contextkeys"
	"github.com/depotlab/commons/pkg/httputil"
	"github.com/depotlab/commons/pkg/observability"
)

// Handlers provides the HTTP surface of the request engine. Reads are
// restricted to participants; mutations go through the type's own
// permission table.
type Handlers struct {
	service *Service
}

// NewHandlers creates request handlers.
func NewHandlers(service *Service) *Handlers {
	return &Handlers{service: service}
}

// RegisterRoutes registers all request routes.
func (h *Handlers) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/api/requests/{id}", h.Read).Methods("GET")
	r.HandleFunc("/api/requests/{id}/events", h.ListEvents).Methods("GET")
	r.HandleFunc("/api/requests/{id}/actions/{action}", h.ExecuteAction).Methods("POST")
	r.HandleFunc("/api/requests/{id}/comments", h.AddComment).Methods("POST")
}

// canView reports whether an identity may read a request. Participants and
// the system qualify; requests received by a community are read through the
// community's own listing endpoints instead.
func canView(identity *auth.Identity, req *Request) bool {
	if identity.IsSystem() {
		return true
	}
	if identity.Type != auth.ActorUser || identity.ID == "" {
		return false
	}
	if req.CreatedBy.Type == "user" && req.CreatedBy.ID == identity.ID {
		return true
	}
	if req.Receiver.Type == "user" && req.Receiver.ID == identity.ID {
		return true
	}
	return false
}

func (h *Handlers) load(w http.ResponseWriter, r *http.Request) (*Request, bool) {
	req, err := h.service.Store().Get(r.Context(), nil, mux.Vars(r)["id"])
	if err != nil {
		writeRequestError(w, r, err)
		return nil, false
	}
	if !canView(contextkeys.GetIdentity(r.Context()), req) {
		// Mask existence from non-participants.
		httputil.WriteNotFound(w, ErrNotFound.Error())
		return nil, false
	}
	return req, true
}

// Read handles GET /api/requests/{id}.
func (h *Handlers) Read(w http.ResponseWriter, r *http.Request) {
	req, ok := h.load(w, r)
	if !ok {
		return
	}
	httputil.WriteSuccess(w, req)
}

// ListEvents handles GET /api/requests/{id}/events.
func (h *Handlers) ListEvents(w http.ResponseWriter, r *http.Request) {
	req, ok := h.load(w, r)
	if !ok {
		return
	}

	events, err := h.service.Store().ListEvents(r.Context(), nil, req.ID)
	if err != nil {
		writeRequestError(w, r, err)
		return
	}
	if events == nil {
		events = []*Event{}
	}
	httputil.WriteSuccess(w, events)
}

// ExecuteAction handles POST /api/requests/{id}/actions/{action}.
func (h *Handlers) ExecuteAction(w http.ResponseWriter, r *http.Request) {
	var input struct {
		Payload map[string]string `json:"payload"`
	}
	if r.Body != nil && r.ContentLength > 0 {
		if !httputil.ParseJSONOrError(w, r, &input) {
			return
		}
	}

	vars := mux.Vars(r)
	err := h.service.Execute(r.Context(), contextkeys.GetIdentity(r.Context()), vars["id"], vars["action"], input.Payload)
	if err != nil {
		writeRequestError(w, r, err)
		return
	}
	httputil.WriteNoContent(w)
}

// AddComment handles POST /api/requests/{id}/comments.
func (h *Handlers) AddComment(w http.ResponseWriter, r *http.Request) {
	var input struct {
		Content string `json:"content"`
	}
	if !httputil.ParseJSONOrError(w, r, &input) {
		return
	}
	if input.Content == "" {
		httputil.WriteBadRequest(w, "comment content is required")
		return
	}

	req, ok := h.load(w, r)
	if !ok {
		return
	}

	identity := contextkeys.GetIdentity(r.Context())
	if err := h.service.Comment(r.Context(), nil, identity, req.ID, input.Content); err != nil {
		writeRequestError(w, r, err)
		return
	}
	httputil.WriteNoContent(w)
}

// writeRequestError maps request engine errors onto HTTP status codes.
func writeRequestError(w http.ResponseWriter, r *http.Request, err error) {
	var actionErr *ActionError
	switch {
	case errors.Is(err, ErrNotFound):
		httputil.WriteNotFound(w, err.Error())
	case access.IsPermissionDenied(err):
		httputil.WriteForbidden(w, err.Error())
	case errors.As(err, &actionErr):
		httputil.WriteConflict(w, err.Error())
	default:
		observability.FromContext(r.Context()).WithError(err).Error("Request operation failed")
		httputil.WriteInternalError(w)
	}
}
