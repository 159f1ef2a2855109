package requests

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/depotlab/commons/pkg/auth"
	"github.com/depotlab/commons/pkg/contextkeys"
)

func newHandlerRouter(t *testing.T) (*mux.Router, sqlmock.Sqlmock, *Service) {
	t.Helper()

	s, mock, _ := newMockService(t)
	r := mux.NewRouter()
	NewHandlers(s).RegisterRoutes(r)
	return r, mock, s
}

func doRequest(router *mux.Router, identity *auth.Identity, method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req = req.WithContext(contextkeys.WithIdentity(req.Context(), identity))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestReadRequestAsReceiver(t *testing.T) {
	router, mock, _ := newHandlerRouter(t)

	mock.ExpectQuery(`SELECT (.+) FROM requests WHERE id = \$1`).
		WithArgs("r1").
		WillReturnRows(requestRows("r1", "test-request", StatusOpen))

	rec := doRequest(router, auth.UserIdentity("u1"), http.MethodGet, "/api/requests/r1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"id":"r1"`)
	assert.Contains(t, rec.Body.String(), `"status":"open"`)
}

func TestReadRequestHiddenFromStranger(t *testing.T) {
	router, mock, _ := newHandlerRouter(t)

	mock.ExpectQuery(`SELECT (.+) FROM requests WHERE id = \$1`).
		WithArgs("r1").
		WillReturnRows(requestRows("r1", "test-request", StatusOpen))

	rec := doRequest(router, auth.UserIdentity("intruder"), http.MethodGet, "/api/requests/r1", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestReadRequestNotFound(t *testing.T) {
	router, mock, _ := newHandlerRouter(t)

	mock.ExpectQuery(`SELECT (.+) FROM requests WHERE id = \$1`).
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	rec := doRequest(router, auth.System(), http.MethodGet, "/api/requests/missing", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestListRequestEvents(t *testing.T) {
	router, mock, _ := newHandlerRouter(t)

	mock.ExpectQuery(`SELECT (.+) FROM requests WHERE id = \$1`).
		WithArgs("r1").
		WillReturnRows(requestRows("r1", "test-request", StatusOpen))
	mock.ExpectQuery(`SELECT (.+) FROM request_events`).
		WithArgs("r1").
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "request_id", "actor_type", "actor_id", "kind", "content", "created_at",
		}).AddRow("e1", "r1", "user", "u1", "comment", "hello", time.Now().UTC()))

	rec := doRequest(router, auth.UserIdentity("u1"), http.MethodGet, "/api/requests/r1/events", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"kind":"comment"`)
}

func TestExecuteActionOverHTTP(t *testing.T) {
	router, mock, s := newHandlerRouter(t)
	executed := false
	registerTestType(t, s, &executed)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT (.+) FROM requests WHERE id = \$1 FOR UPDATE`).
		WithArgs("r1").
		WillReturnRows(requestRows("r1", "test-request", StatusOpen))
	mock.ExpectExec(`UPDATE requests SET status = \$1`).
		WithArgs(StatusAccepted, sqlmock.AnyArg(), "r1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO request_events`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	rec := doRequest(router, auth.UserIdentity("u1"), http.MethodPost, "/api/requests/r1/actions/accept", "")
	require.Equal(t, http.StatusNoContent, rec.Code)
	assert.True(t, executed)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestExecuteIllegalActionConflicts(t *testing.T) {
	router, mock, s := newHandlerRouter(t)
	registerTestType(t, s, nil)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT (.+) FROM requests WHERE id = \$1 FOR UPDATE`).
		WithArgs("r1").
		WillReturnRows(requestRows("r1", "test-request", StatusAccepted))
	mock.ExpectRollback()

	rec := doRequest(router, auth.UserIdentity("u1"), http.MethodPost, "/api/requests/r1/actions/accept", "")
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestAddCommentOverHTTP(t *testing.T) {
	router, mock, _ := newHandlerRouter(t)

	mock.ExpectQuery(`SELECT (.+) FROM requests WHERE id = \$1`).
		WithArgs("r1").
		WillReturnRows(requestRows("r1", "test-request", StatusOpen))
	mock.ExpectExec(`INSERT INTO request_events`).
		WithArgs(sqlmock.AnyArg(), "r1", "user", "u1", "comment", "any update?", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	rec := doRequest(router, auth.UserIdentity("u1"), http.MethodPost, "/api/requests/r1/comments",
		`{"content":"any update?"}`)
	require.Equal(t, http.StatusNoContent, rec.Code)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAddCommentRequiresContent(t *testing.T) {
	router, _, _ := newHandlerRouter(t)

	rec := doRequest(router, auth.UserIdentity("u1"), http.MethodPost, "/api/requests/r1/comments", `{}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
