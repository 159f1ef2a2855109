package communities

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/depotlab/commons/pkg/auth"
	"github.com/depotlab/commons/pkg/contextkeys"
)

func doRequest(router *mux.Router, identity *auth.Identity, method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req = req.WithContext(contextkeys.WithIdentity(req.Context(), identity))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestRequestSubcommunityOverHTTP(t *testing.T) {
	s, reqSvc, mock := newRequestTestService(t, ownerOf("child"))
	router := mux.NewRouter()
	NewHandlers(s, reqSvc).RegisterRoutes(router)

	mock.ExpectQuery(`SELECT (.+) FROM communities WHERE id = \$1`).
		WithArgs("child").
		WillReturnRows(publishedRow("child", "child-slug"))
	mock.ExpectQuery(`SELECT (.+) FROM communities WHERE id = \$1`).
		WithArgs("parent").
		WillReturnRows(publishedRow("parent", "parent-slug"))
	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO requests`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	rec := doRequest(router, auth.UserIdentity("u-owner"), http.MethodPost,
		"/api/communities/child/subcommunity-requests", `{"parent_id":"parent"}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Contains(t, rec.Body.String(), SubcommunityRequestTypeID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRequestSubcommunityOverHTTPForbidden(t *testing.T) {
	s, reqSvc, mock := newRequestTestService(t, ownerOf("child"))
	router := mux.NewRouter()
	NewHandlers(s, reqSvc).RegisterRoutes(router)

	mock.ExpectQuery(`SELECT (.+) FROM communities WHERE id = \$1`).
		WithArgs("child").
		WillReturnRows(publishedRow("child", "child-slug"))
	mock.ExpectQuery(`SELECT (.+) FROM communities WHERE id = \$1`).
		WithArgs("parent").
		WillReturnRows(publishedRow("parent", "parent-slug"))

	rec := doRequest(router, auth.UserIdentity("u-stranger"), http.MethodPost,
		"/api/communities/child/subcommunity-requests", `{"parent_id":"parent"}`)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}
