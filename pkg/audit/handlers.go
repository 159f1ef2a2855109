package audit

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/depotlab/commons/pkg/contextkeys"
	"github.com/depotlab/commons/pkg/httputil"
	"github.com/depotlab/commons/pkg/observability"
)

const defaultSearchLimit = 100

// Handlers exposes the trail to operators. Every endpoint is system-only;
// audit data never leaves the service boundary for regular users.
type Handlers struct {
	trail *Trail
}

// NewHandlers creates audit handlers.
func NewHandlers(trail *Trail) *Handlers {
	return &Handlers{trail: trail}
}

// RegisterRoutes registers the audit routes.
func (h *Handlers) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/api/audit", h.Search).Methods("GET")
	r.HandleFunc("/api/audit/stats", h.Stats).Methods("GET")
}

func systemOnly(w http.ResponseWriter, r *http.Request) bool {
	if contextkeys.GetIdentity(r.Context()).IsSystem() {
		return true
	}
	httputil.WriteForbidden(w, "audit access is restricted")
	return false
}

// Search handles GET /api/audit. Filters arrive as query parameters.
func (h *Handlers) Search(w http.ResponseWriter, r *http.Request) {
	if !systemOnly(w, r) {
		return
	}

	filter, err := parseFilter(r)
	if err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}

	events, err := h.trail.Search(r.Context(), filter)
	if err != nil {
		observability.FromContext(r.Context()).WithError(err).Error("Audit search failed")
		httputil.WriteInternalError(w)
		return
	}
	if events == nil {
		events = []*Event{}
	}
	httputil.WriteSuccess(w, events)
}

// Stats handles GET /api/audit/stats, returning per-action counts over an
// optional time window.
func (h *Handlers) Stats(w http.ResponseWriter, r *http.Request) {
	if !systemOnly(w, r) {
		return
	}

	since, err := parseTime(r.URL.Query().Get("since"))
	if err != nil {
		httputil.WriteBadRequest(w, "invalid since timestamp")
		return
	}
	until, err := parseTime(r.URL.Query().Get("until"))
	if err != nil {
		httputil.WriteBadRequest(w, "invalid until timestamp")
		return
	}

	counts, err := h.trail.CountByAction(r.Context(), since, until)
	if err != nil {
		observability.FromContext(r.Context()).WithError(err).Error("Audit aggregation failed")
		httputil.WriteInternalError(w)
		return
	}
	httputil.WriteSuccess(w, counts)
}

func parseFilter(r *http.Request) (Filter, error) {
	q := r.URL.Query()

	filter := Filter{
		Actor:       q.Get("actor"),
		CommunityID: q.Get("community_id"),
		Target:      q.Get("target"),
		Limit:       defaultSearchLimit,
	}
	if actions := q.Get("actions"); actions != "" {
		filter.Actions = strings.Split(actions, ",")
	}
	if success := q.Get("success"); success != "" {
		v := success == "true"
		filter.Success = &v
	}

	var err error
	if filter.Since, err = parseTime(q.Get("since")); err != nil {
		return filter, err
	}
	if filter.Until, err = parseTime(q.Get("until")); err != nil {
		return filter, err
	}

	if limit := q.Get("limit"); limit != "" {
		n, err := strconv.Atoi(limit)
		if err != nil {
			return filter, fmt.Errorf("invalid limit %q", limit)
		}
		if n > 0 {
			filter.Limit = n
		}
	}
	if offset := q.Get("offset"); offset != "" {
		n, err := strconv.Atoi(offset)
		if err != nil || n < 0 {
			return filter, fmt.Errorf("invalid offset %q", offset)
		}
		filter.Offset = n
	}
	return filter, nil
}

func parseTime(value string) (*time.Time, error) {
	if value == "" {
		return nil, nil
	}
	ts, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return nil, err
	}
	return &ts, nil
}
