package requests

import (
	"context"
	"database/sql"
	"fmt"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/depotlab/commons/pkg/auth"
	"github.com/depotlab/commons/pkg/observability"
	"github.com/depotlab/commons/pkg/storage"
)

func newMockService(t *testing.T) (*Service, sqlmock.Sqlmock, *sql.DB) {
	t.Helper()

	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	logger := observability.NewLogger(observability.ErrorLevel, nil)
	return NewService(db, NewStore(db), logger, nil), mock, db
}

func requestRows(id, reqType string, status Status) *sqlmock.Rows {
	now := time.Now().UTC()
	return sqlmock.NewRows([]string{
		"id", "type", "status", "created_by_type", "created_by_id",
		"receiver_type", "receiver_id", "topic_type", "topic_id",
		"payload", "expires_at", "created_at", "updated_at",
	}).AddRow(id, reqType, status, "community", "c1", "user", "u1", "community", "c1",
		[]byte(`{"role":"reader"}`), nil, now, now)
}

func registerTestType(t *testing.T, s *Service, executed *bool) {
	t.Helper()

	tp := &Type{
		ID:            "test-request",
		DefaultStatus: StatusOpen,
		Statuses:      []Status{StatusOpen, StatusAccepted, StatusDeclined, StatusExpired},
		Actions: map[string]ActionSpec{
			"accept": {
				From: []Status{StatusOpen},
				To:   StatusAccepted,
				Allowed: func(ctx context.Context, identity *auth.Identity, req *Request) error {
					if identity.Type == auth.ActorUser && identity.ID == req.Receiver.ID {
						return nil
					}
					if identity.IsSystem() {
						return nil
					}
					return &ActionError{RequestID: req.ID, Action: "accept", Status: req.Status, Reason: "not the receiver"}
				},
				Execute: func(ctx context.Context, uow *storage.UnitOfWork, identity *auth.Identity, req *Request, payload map[string]string) error {
					if executed != nil {
						*executed = true
					}
					return nil
				},
			},
			"expire": {
				From:           []Status{StatusOpen},
				To:             StatusExpired,
				TolerateClosed: true,
			},
		},
	}
	require.NoError(t, s.Register(tp))
}

func TestRegisterRejectsDuplicates(t *testing.T) {
	s, _, _ := newMockService(t)
	registerTestType(t, s, nil)

	err := s.Register(&Type{
		ID:            "test-request",
		DefaultStatus: StatusOpen,
		Statuses:      []Status{StatusOpen},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already registered")
}

func TestExecuteHappyPath(t *testing.T) {
	s, mock, _ := newMockService(t)
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
		WithArgs(sqlmock.AnyArg(), "r1", "user", "u1", "accept", "sounds great", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := s.Execute(context.Background(), auth.UserIdentity("u1"), "r1", "accept",
		map[string]string{"message": "sounds great"})
	require.NoError(t, err)
	assert.True(t, executed)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestExecuteDeniedForWrongActor(t *testing.T) {
	s, mock, _ := newMockService(t)
	registerTestType(t, s, nil)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT (.+) FROM requests WHERE id = \$1 FOR UPDATE`).
		WithArgs("r1").
		WillReturnRows(requestRows("r1", "test-request", StatusOpen))
	mock.ExpectRollback()

	err := s.Execute(context.Background(), auth.UserIdentity("intruder"), "r1", "accept", nil)
	require.Error(t, err)
	assert.True(t, IsActionError(err))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestExecuteClosedRequestFails(t *testing.T) {
	s, mock, _ := newMockService(t)
	registerTestType(t, s, nil)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT (.+) FROM requests WHERE id = \$1 FOR UPDATE`).
		WithArgs("r1").
		WillReturnRows(requestRows("r1", "test-request", StatusAccepted))
	mock.ExpectRollback()

	err := s.Execute(context.Background(), auth.UserIdentity("u1"), "r1", "accept", nil)
	require.Error(t, err)
	assert.True(t, IsActionError(err))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestExpireToleratesAlreadyClosed(t *testing.T) {
	s, mock, _ := newMockService(t)
	registerTestType(t, s, nil)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT (.+) FROM requests WHERE id = \$1 FOR UPDATE`).
		WithArgs("r1").
		WillReturnRows(requestRows("r1", "test-request", StatusDeclined))
	mock.ExpectCommit()

	// A human actor declined first; the sweeper losing the race is a no-op.
	err := s.Execute(context.Background(), auth.System(), "r1", "expire", nil)
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestExpireIsSystemOnly(t *testing.T) {
	s, mock, _ := newMockService(t)
	registerTestType(t, s, nil)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT (.+) FROM requests WHERE id = \$1 FOR UPDATE`).
		WithArgs("r1").
		WillReturnRows(requestRows("r1", "test-request", StatusOpen))
	mock.ExpectRollback()

	err := s.Execute(context.Background(), auth.UserIdentity("u1"), "r1", "expire", nil)
	require.Error(t, err)
	assert.True(t, IsActionError(err))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestExecuteUnknownAction(t *testing.T) {
	s, mock, _ := newMockService(t)
	registerTestType(t, s, nil)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT (.+) FROM requests WHERE id = \$1 FOR UPDATE`).
		WithArgs("r1").
		WillReturnRows(requestRows("r1", "test-request", StatusOpen))
	mock.ExpectRollback()

	err := s.Execute(context.Background(), auth.System(), "r1", "escalate", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown action")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestOpenAppliesDefaults(t *testing.T) {
	s, mock, db := newMockService(t)
	tp := &Type{
		ID:            "ttl-request",
		DefaultStatus: StatusSubmitted,
		Statuses:      []Status{StatusSubmitted, StatusExpired},
		Actions: map[string]ActionSpec{
			"expire": {From: []Status{StatusSubmitted}, To: StatusExpired, TolerateClosed: true},
		},
		DefaultTTL: 24 * time.Hour,
	}
	require.NoError(t, s.Register(tp))

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO requests`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	logger := observability.NewLogger(observability.ErrorLevel, nil)
	uow, err := storage.Begin(context.Background(), db, logger)
	require.NoError(t, err)

	req := &Request{
		Type:      "ttl-request",
		CreatedBy: EntityRef{Type: "user", ID: "u1"},
		Receiver:  EntityRef{Type: "community", ID: "c1"},
		Topic:     EntityRef{Type: "community", ID: "c1"},
	}
	require.NoError(t, s.Open(context.Background(), uow, req))
	require.NoError(t, uow.Commit(context.Background()))

	assert.Equal(t, StatusSubmitted, req.Status)
	require.NotNil(t, req.ExpiresAt)
	assert.WithinDuration(t, time.Now().Add(24*time.Hour), *req.ExpiresAt, time.Minute)
	assert.NotEmpty(t, req.ID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestExpireDue(t *testing.T) {
	s, mock, _ := newMockService(t)
	registerTestType(t, s, nil)

	mock.ExpectQuery(`SELECT id FROM requests`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("r1").AddRow("r2"))

	for _, id := range []string{"r1", "r2"} {
		mock.ExpectBegin()
		mock.ExpectQuery(`SELECT (.+) FROM requests WHERE id = \$1 FOR UPDATE`).
			WithArgs(id).
			WillReturnRows(requestRows(id, "test-request", StatusOpen))
		mock.ExpectExec(`UPDATE requests SET status = \$1`).
			WithArgs(StatusExpired, sqlmock.AnyArg(), id).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec(`INSERT INTO request_events`).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()
	}

	expired, err := s.ExpireDue(context.Background(), 100)
	require.NoError(t, err)
	assert.Equal(t, 2, expired)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestExpireDueContinuesPastFailures(t *testing.T) {
	s, mock, _ := newMockService(t)
	registerTestType(t, s, nil)

	mock.ExpectQuery(`SELECT id FROM requests`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("r1").AddRow("r2"))

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT (.+) FROM requests WHERE id = \$1 FOR UPDATE`).
		WithArgs("r1").
		WillReturnError(fmt.Errorf("connection reset"))
	mock.ExpectRollback()

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT (.+) FROM requests WHERE id = \$1 FOR UPDATE`).
		WithArgs("r2").
		WillReturnRows(requestRows("r2", "test-request", StatusOpen))
	mock.ExpectExec(`UPDATE requests SET status = \$1`).
		WithArgs(StatusExpired, sqlmock.AnyArg(), "r2").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO request_events`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	expired, err := s.ExpireDue(context.Background(), 100)
	require.NoError(t, err)
	assert.Equal(t, 1, expired)
	require.NoError(t, mock.ExpectationsWereMet())
}
