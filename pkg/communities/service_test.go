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
	"github.com/depotlab/commons/pkg/storage"
	"github.com/depotlab/commons/pkg/validation"
)

// fakeSeeder records the owner membership the service asked for.
type fakeSeeder struct {
	communityID string
	userID      string
}

func (f *fakeSeeder) SeedOwner(_ context.Context, _ *storage.UnitOfWork, communityID, userID string) error {
	f.communityID = communityID
	f.userID = userID
	return nil
}

func TestCreate(t *testing.T) {
	s, mock, _ := newTestService(t, nil)

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO communities`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	c, err := s.Create(context.Background(), auth.UserIdentity("u1"), CreateInput{
		Slug:  "ocean-data",
		Title: "Ocean Data",
	})
	require.NoError(t, err)
	assert.NotEmpty(t, c.ID)
	assert.Equal(t, StatePublished, c.State)
	assert.Equal(t, DefaultAccess(), c.Access)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateSeedsCreatorAsOwner(t *testing.T) {
	s, mock, _ := newTestService(t, nil)
	seeder := &fakeSeeder{}
	s.SetMemberSeeder(seeder)

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO communities`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	c, err := s.Create(context.Background(), auth.UserIdentity("u1"), CreateInput{
		Slug:  "ocean-data",
		Title: "Ocean Data",
	})
	require.NoError(t, err)
	assert.Equal(t, c.ID, seeder.communityID)
	assert.Equal(t, "u1", seeder.userID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateBySystemSkipsSeeding(t *testing.T) {
	s, mock, _ := newTestService(t, nil)
	seeder := &fakeSeeder{}
	s.SetMemberSeeder(seeder)

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO communities`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	_, err := s.Create(context.Background(), auth.System(), CreateInput{
		Slug:  "ocean-data",
		Title: "Ocean Data",
	})
	require.NoError(t, err)
	assert.Empty(t, seeder.userID)
}

func TestCreateRejectsAnonymous(t *testing.T) {
	s, _, _ := newTestService(t, nil)

	_, err := s.Create(context.Background(), auth.Anonymous(), CreateInput{
		Slug:  "ocean-data",
		Title: "Ocean Data",
	})
	assert.True(t, access.IsPermissionDenied(err))
}

func TestCreateRejectsBadSlug(t *testing.T) {
	s, _, _ := newTestService(t, nil)

	_, err := s.Create(context.Background(), auth.UserIdentity("u1"), CreateInput{
		Slug:  "Not A Slug!",
		Title: "Ocean Data",
	})
	assert.True(t, validation.IsValidationError(err))
}

func TestReadDeletedReturnsMaskedView(t *testing.T) {
	s, mock, _ := newTestService(t, nil)

	mock.ExpectQuery(`SELECT (.+) FROM communities WHERE id = \$1`).
		WithArgs("c1").
		WillReturnRows(deletedRow("c1", "astro", StateDeleted))

	c, err := s.Read(context.Background(), auth.UserIdentity("u-random"), "c1")
	require.NoError(t, err)
	assert.Equal(t, maskedTitle, c.Title)
	require.NotNil(t, c.Tombstone)
	assert.Equal(t, "Admin", c.Tombstone.RemovedByDisplay)
	assert.Empty(t, c.Tombstone.RemovedByID)
}

func TestReadDeletedFullViewForSystem(t *testing.T) {
	s, mock, _ := newTestService(t, nil)

	mock.ExpectQuery(`SELECT (.+) FROM communities WHERE id = \$1`).
		WithArgs("c1").
		WillReturnRows(deletedRow("c1", "astro", StateDeleted))

	c, err := s.Read(context.Background(), auth.System(), "c1")
	require.NoError(t, err)
	assert.Equal(t, "Test Community", c.Title)
	require.NotNil(t, c.Tombstone)
	assert.Equal(t, "u-owner", c.Tombstone.RemovedByID)
}

func TestReadRestrictedDeniesAnonymous(t *testing.T) {
	s, mock, _ := newTestService(t, nil)

	now := time.Now().UTC()
	restricted := sqlmock.NewRows(communityCols).AddRow(
		"c1", "astro", "Test Community", nil, nil,
		VisibilityRestricted, MemberPolicyClosed, RecordPolicyOpen, StatePublished,
		nil, nil, nil, nil, nil, nil, nil, nil, nil, now, now,
	)
	mock.ExpectQuery(`SELECT (.+) FROM communities WHERE id = \$1`).
		WithArgs("c1").
		WillReturnRows(restricted)

	_, err := s.Read(context.Background(), auth.Anonymous(), "c1")
	assert.True(t, access.IsPermissionDenied(err))
}

func TestUpdateDeletedCommunity(t *testing.T) {
	s, mock, _ := newTestService(t, nil)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT (.+) FROM communities WHERE id = \$1 FOR UPDATE`).
		WithArgs("c1").
		WillReturnRows(deletedRow("c1", "astro", StateDeleted))
	mock.ExpectRollback()

	title := "New Title"
	_, err := s.Update(context.Background(), auth.System(), "c1", UpdateInput{Title: &title})
	assert.True(t, IsDeletionStatusError(err))
}

func TestSetParent(t *testing.T) {
	s, mock, _ := newTestService(t, nil)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT (.+) FROM communities WHERE id = \$1`).
		WithArgs("child").
		WillReturnRows(publishedRow("child", "child-slug"))
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
	mock.ExpectCommit()

	err := s.SetParent(context.Background(), auth.System(), "child", "parent")
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSetParentRejectsSelf(t *testing.T) {
	s, _, _ := newTestService(t, nil)

	err := s.SetParent(context.Background(), auth.System(), "c1", "c1")
	assert.True(t, validation.IsValidationError(err))
}

func TestSetParentRejectsNestedParent(t *testing.T) {
	s, mock, _ := newTestService(t, nil)

	now := time.Now().UTC()
	nestedParent := func() *sqlmock.Rows {
		return sqlmock.NewRows(communityCols).AddRow(
			"parent", "parent-slug", "Test Community", nil, "grandparent",
			VisibilityPublic, MemberPolicyClosed, RecordPolicyOpen, StatePublished,
			nil, nil, nil, nil, nil, nil, nil, nil, nil, now, now,
		)
	}

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT (.+) FROM communities WHERE id = \$1`).
		WithArgs("child").
		WillReturnRows(publishedRow("child", "child-slug"))
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

	err := s.SetParent(context.Background(), auth.System(), "child", "parent")
	assert.True(t, validation.IsValidationError(err))
}

func TestSetParentRejectsChildWithChildren(t *testing.T) {
	s, mock, _ := newTestService(t, nil)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT (.+) FROM communities WHERE id = \$1`).
		WithArgs("child").
		WillReturnRows(publishedRow("child", "child-slug"))
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
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(3))
	mock.ExpectRollback()

	err := s.SetParent(context.Background(), auth.System(), "child", "parent")
	assert.True(t, validation.IsValidationError(err))
}

func TestRemoveParentWithoutParent(t *testing.T) {
	s, mock, _ := newTestService(t, nil)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT (.+) FROM communities WHERE id = \$1 FOR UPDATE`).
		WithArgs("c1").
		WillReturnRows(publishedRow("c1", "astro"))
	mock.ExpectRollback()

	err := s.RemoveParent(context.Background(), auth.System(), "c1")
	assert.True(t, validation.IsValidationError(err))
}
