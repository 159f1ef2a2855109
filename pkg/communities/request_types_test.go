package communities

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/depotlab/commons/pkg/access"
	"github.com/depotlab/commons/pkg/auth"
	"github.com/depotlab/commons/pkg/observability"
	"github.com/depotlab/commons/pkg/requests"
	"github.com/depotlab/commons/pkg/validation"
)

func newRequestTestService(t *testing.T, resolver access.NeedResolver) (*Service, *requests.Service, sqlmock.Sqlmock) {
	t.Helper()

	s, mock, db := newTestService(t, resolver)
	logger := observability.NewLogger(observability.ErrorLevel, nil)
	reqSvc := requests.NewService(db, requests.NewStore(db), logger, nil)
	require.NoError(t, reqSvc.Register(s.SubcommunityRequestType(30*24*time.Hour)))
	return s, reqSvc, mock
}

func subcommunityRequestRow(id, childID, parentID string, status requests.Status) *sqlmock.Rows {
	now := time.Now().UTC()
	return sqlmock.NewRows([]string{
		"id", "type", "status", "created_by_type", "created_by_id",
		"receiver_type", "receiver_id", "topic_type", "topic_id",
		"payload", "expires_at", "created_at", "updated_at",
	}).AddRow(id, SubcommunityRequestTypeID, status, "user", "u-owner", "community", parentID,
		"community", childID, []byte(`{}`), nil, now, now)
}

func TestRequestSubcommunity(t *testing.T) {
	s, reqSvc, mock := newRequestTestService(t, ownerOf("child"))

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

	req, err := s.RequestSubcommunity(context.Background(), reqSvc,
		auth.UserIdentity("u-owner"), "child", "parent", "")
	require.NoError(t, err)
	assert.Equal(t, SubcommunityRequestTypeID, req.Type)
	assert.Equal(t, "parent", req.Receiver.ID)
	assert.Equal(t, "child", req.Topic.ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRequestSubcommunityRejectsSelf(t *testing.T) {
	s, reqSvc, _ := newRequestTestService(t, nil)

	_, err := s.RequestSubcommunity(context.Background(), reqSvc,
		auth.UserIdentity("u1"), "c1", "c1", "")
	assert.True(t, validation.IsValidationError(err))
}

func TestRequestSubcommunityDeniedForNonOwner(t *testing.T) {
	s, reqSvc, mock := newRequestTestService(t, ownerOf("child"))

	mock.ExpectQuery(`SELECT (.+) FROM communities WHERE id = \$1`).
		WithArgs("child").
		WillReturnRows(publishedRow("child", "child-slug"))
	mock.ExpectQuery(`SELECT (.+) FROM communities WHERE id = \$1`).
		WithArgs("parent").
		WillReturnRows(publishedRow("parent", "parent-slug"))

	_, err := s.RequestSubcommunity(context.Background(), reqSvc,
		auth.UserIdentity("u-stranger"), "child", "parent", "")
	assert.True(t, access.IsPermissionDenied(err))
}

func TestSubcommunityRequestAcceptReparents(t *testing.T) {
	_, reqSvc, mock := newRequestTestService(t, nil)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT (.+) FROM requests WHERE id = \$1 FOR UPDATE`).
		WithArgs("r1").
		WillReturnRows(subcommunityRequestRow("r1", "child", "parent", requests.StatusSubmitted))
	mock.ExpectQuery(`SELECT (.+) FROM communities WHERE id = \$1`).
		WithArgs("parent").
		WillReturnRows(publishedRow("parent", "parent-slug"))
	mock.ExpectQuery(`SELECT (.+) FROM communities WHERE id = \$1 FOR UPDATE`).
		WithArgs("child").
		WillReturnRows(publishedRow("child", "child-slug"))
	mock.ExpectQuery(`SELECT (.+) FROM communities WHERE id = \$1 FOR UPDATE`).
		WithArgs("parent").
		WillReturnRows(publishedRow("parent", "parent-slug"))
	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM communities WHERE parent_id = \$1`).
		WithArgs("child").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))
	mock.ExpectExec(`UPDATE communities SET parent_id = \$1`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE requests`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO request_events`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := reqSvc.Execute(context.Background(), auth.System(), "r1", "accept", nil)
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSubcommunityRequestAcceptRejectsNestedParent(t *testing.T) {
	_, reqSvc, mock := newRequestTestService(t, nil)

	now := time.Now().UTC()
	nestedParent := func() *sqlmock.Rows {
		return sqlmock.NewRows(communityCols).AddRow(
			"parent", "parent-slug", "Test Community", nil, "grandparent",
			VisibilityPublic, MemberPolicyClosed, RecordPolicyOpen, StatePublished,
			nil, nil, nil, nil, nil, nil, nil, nil, nil, now, now,
		)
	}

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT (.+) FROM requests WHERE id = \$1 FOR UPDATE`).
		WithArgs("r1").
		WillReturnRows(subcommunityRequestRow("r1", "child", "parent", requests.StatusSubmitted))
	mock.ExpectQuery(`SELECT (.+) FROM communities WHERE id = \$1`).
		WithArgs("parent").
		WillReturnRows(nestedParent())
	mock.ExpectQuery(`SELECT (.+) FROM communities WHERE id = \$1 FOR UPDATE`).
		WithArgs("child").
		WillReturnRows(publishedRow("child", "child-slug"))
	mock.ExpectQuery(`SELECT (.+) FROM communities WHERE id = \$1 FOR UPDATE`).
		WithArgs("parent").
		WillReturnRows(nestedParent())
	mock.ExpectRollback()

	err := reqSvc.Execute(context.Background(), auth.System(), "r1", "accept", nil)
	assert.True(t, validation.IsValidationError(err))
}
