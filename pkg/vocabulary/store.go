package vocabulary

import (
	"context"
	"database/sql"
	"fmt"
)

// Entry is one controlled vocabulary value.
type Entry struct {
	Type  string `json:"type"`
	ID    string `json:"id"`
	Title string `json:"title"`
}

// NotFoundError is returned when a vocabulary entry does not exist.
type NotFoundError struct {
	Type string
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("vocabulary entry %s/%s not found", e.Type, e.ID)
}

// Store resolves vocabulary entries. It implements the vocabulary resolver
// consumed by the community deletion lifecycle.
type Store struct {
	db *sql.DB
}

// NewStore creates a vocabulary store.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Resolve returns the title of a vocabulary entry.
func (s *Store) Resolve(ctx context.Context, vocabularyType, id string) (string, error) {
	var title string
	err := s.db.QueryRowContext(ctx,
		`SELECT title FROM vocabularies WHERE type = $1 AND id = $2`,
		vocabularyType, id).Scan(&title)
	if err == sql.ErrNoRows {
		return "", &NotFoundError{Type: vocabularyType, ID: id}
	}
	if err != nil {
		return "", fmt.Errorf("failed to resolve vocabulary entry: %w", err)
	}
	return title, nil
}

// List returns all entries of a vocabulary type ordered by title.
func (s *Store) List(ctx context.Context, vocabularyType string) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT type, id, title FROM vocabularies WHERE type = $1 ORDER BY title ASC`,
		vocabularyType)
	if err != nil {
		return nil, fmt.Errorf("failed to list vocabulary entries: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.Type, &e.ID, &e.Title); err != nil {
			return nil, fmt.Errorf("failed to scan vocabulary entry: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Upsert creates or updates a vocabulary entry. Deployments seed removal
// reasons with this at startup.
func (s *Store) Upsert(ctx context.Context, e Entry) error {
	query := `
		INSERT INTO vocabularies (type, id, title)
		VALUES ($1, $2, $3)
		ON CONFLICT (type, id) DO UPDATE SET title = EXCLUDED.title
	`
	if _, err := s.db.ExecContext(ctx, query, e.Type, e.ID, e.Title); err != nil {
		return fmt.Errorf("failed to upsert vocabulary entry: %w", err)
	}
	return nil
}
