package vocabulary

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewStore(db), mock
}

func TestResolve(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery(`SELECT title FROM vocabularies WHERE type = \$1 AND id = \$2`).
		WithArgs("removal_reasons", "spam").
		WillReturnRows(sqlmock.NewRows([]string{"title"}).AddRow("Spam"))

	title, err := store.Resolve(context.Background(), "removal_reasons", "spam")
	require.NoError(t, err)
	assert.Equal(t, "Spam", title)
}

func TestResolveNotFound(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery(`SELECT title FROM vocabularies`).
		WithArgs("removal_reasons", "nope").
		WillReturnRows(sqlmock.NewRows([]string{"title"}))

	_, err := store.Resolve(context.Background(), "removal_reasons", "nope")
	var notFound *NotFoundError
	require.ErrorAs(t, err, &notFound)
	assert.Equal(t, "nope", notFound.ID)
}

func TestList(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery(`SELECT type, id, title FROM vocabularies WHERE type = \$1`).
		WithArgs("removal_reasons").
		WillReturnRows(sqlmock.NewRows([]string{"type", "id", "title"}).
			AddRow("removal_reasons", "duplicate", "Duplicate").
			AddRow("removal_reasons", "spam", "Spam"))

	entries, err := store.List(context.Background(), "removal_reasons")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "Duplicate", entries[0].Title)
}
