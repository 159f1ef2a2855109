package communities

import (
	"errors"
	"io"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/depotlab/commons/pkg/contextkeys"
	"github.com/depotlab/commons/pkg/files"
	"github.com/depotlab/commons/pkg/httputil"
	"github.com/depotlab/commons/pkg/observability"
)

// UploadLogo handles PUT /api/communities/{id}/logo. The request body is the
// raw image; the Content-Type header is stored alongside it.
func (h *Handlers) UploadLogo(w http.ResponseWriter, r *http.Request) {
	contentType := r.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	err := h.service.UploadLogo(r.Context(), contextkeys.GetIdentity(r.Context()), mux.Vars(r)["id"], r.Body, contentType)
	if err != nil {
		writeLogoError(w, r, err)
		return
	}
	httputil.WriteNoContent(w)
}

// ReadLogo handles GET /api/communities/{id}/logo.
func (h *Handlers) ReadLogo(w http.ResponseWriter, r *http.Request) {
	content, contentType, err := h.service.ReadLogo(r.Context(), contextkeys.GetIdentity(r.Context()), mux.Vars(r)["id"])
	if err != nil {
		writeLogoError(w, r, err)
		return
	}
	defer content.Close()

	if contentType != "" {
		w.Header().Set("Content-Type", contentType)
	}
	if _, err := io.Copy(w, content); err != nil {
		observability.FromContext(r.Context()).WithError(err).Warn("Logo stream interrupted")
	}
}

// DeleteLogo handles DELETE /api/communities/{id}/logo.
func (h *Handlers) DeleteLogo(w http.ResponseWriter, r *http.Request) {
	err := h.service.DeleteLogo(r.Context(), contextkeys.GetIdentity(r.Context()), mux.Vars(r)["id"])
	if err != nil {
		writeLogoError(w, r, err)
		return
	}
	httputil.WriteNoContent(w)
}

func writeLogoError(w http.ResponseWriter, r *http.Request, err error) {
	var tooLarge *files.TooLargeError
	var notFound *files.NotFoundError
	switch {
	case errors.Is(err, ErrLogoStorageDisabled):
		httputil.WriteErrorMessage(w, http.StatusNotImplemented, err.Error())
	case errors.As(err, &tooLarge):
		httputil.WriteErrorMessage(w, http.StatusRequestEntityTooLarge, err.Error())
	case errors.As(err, &notFound):
		httputil.WriteNotFound(w, err.Error())
	default:
		writeError(w, r, err)
	}
}
