package audit

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMockTrail(t *testing.T) (*Trail, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewTrail(db), mock
}

func TestWrite(t *testing.T) {
	trail, mock := newMockTrail(t)

	mock.ExpectExec(`INSERT INTO audit_log \(actor, action, community_id, target, success, detail, created_at\)`).
		WithArgs("u1", "members.add", "c1", "group:g1", true, "role owner", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))

	err := trail.Write(context.Background(), nil, "u1", "members.add", "c1", "group:g1", true, "role owner")
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestWriteInTransaction(t *testing.T) {
	trail, mock := newMockTrail(t)

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO audit_log`).
		WithArgs("system", "requests.expire", "c1", "req-1", true, "", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectRollback()

	tx, err := trail.db.Begin()
	require.NoError(t, err)
	require.NoError(t, trail.Write(context.Background(), tx, "system", "requests.expire", "c1", "req-1", true, ""))
	require.NoError(t, tx.Rollback())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSearchWithFilters(t *testing.T) {
	trail, mock := newMockTrail(t)
	now := time.Now().UTC()

	mock.ExpectQuery(`SELECT id, actor, action, community_id, target, success, detail, created_at FROM audit_log WHERE 1=1 AND actor = \$1 AND action = ANY\(\$2\) AND community_id = \$3 ORDER BY created_at DESC LIMIT \$4`).
		WithArgs("u1", sqlmock.AnyArg(), "c1", 10).
		WillReturnRows(sqlmock.NewRows([]string{"id", "actor", "action", "community_id", "target", "success", "detail", "created_at"}).
			AddRow(int64(2), "u1", "members.delete", "c1", "user:u2", true, "", now).
			AddRow(int64(1), "u1", "members.add", "c1", "user:u2", true, "", now.Add(-time.Hour)))

	events, err := trail.Search(context.Background(), Filter{
		Actor:       "u1",
		Actions:     []string{"members.add", "members.delete"},
		CommunityID: "c1",
		Limit:       10,
	})
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "members.delete", events[0].Action)
	assert.Equal(t, int64(2), events[0].ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSearchNoFilters(t *testing.T) {
	trail, mock := newMockTrail(t)

	mock.ExpectQuery(`SELECT id, actor, action, community_id, target, success, detail, created_at FROM audit_log WHERE 1=1 ORDER BY created_at DESC`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "actor", "action", "community_id", "target", "success", "detail", "created_at"}))

	events, err := trail.Search(context.Background(), Filter{})
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestCountByAction(t *testing.T) {
	trail, mock := newMockTrail(t)
	since := time.Now().UTC().Add(-24 * time.Hour)

	mock.ExpectQuery(`SELECT action, COUNT\(\*\) FROM audit_log WHERE 1=1 AND created_at >= \$1 GROUP BY action`).
		WithArgs(since).
		WillReturnRows(sqlmock.NewRows([]string{"action", "count"}).
			AddRow("members.add", int64(4)).
			AddRow("communities.delete", int64(1)))

	counts, err := trail.CountByAction(context.Background(), &since, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(4), counts["members.add"])
	assert.Equal(t, int64(1), counts["communities.delete"])
}
