package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/migadu/mailfilter/consts"
	"github.com/migadu/mailfilter/filterenv"
)

// CreateTag registers a tag and returns it with its new ID.
func (s *SQLiteStore) CreateTag(ctx context.Context, name string) (filterenv.Tag, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return filterenv.Tag{}, fmt.Errorf("tag name must not be empty")
	}
	t := filterenv.Tag{ID: uuid.New().String(), Name: name}
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO tags (id, name, created_at) VALUES (?, ?, ?)",
		t.ID, t.Name, time.Now().UTC(),
	)
	if err != nil {
		return filterenv.Tag{}, fmt.Errorf("%w: tag %q: %v", consts.ErrDBInsertFailed, name, err)
	}
	return t, nil
}

// Tag resolves a tag by ID, or by name for hand-written configurations.
func (s *SQLiteStore) Tag(ctx context.Context, id string) (filterenv.Tag, bool, error) {
	var t filterenv.Tag
	err := s.db.QueryRowxContext(ctx,
		"SELECT id, name FROM tags WHERE id = ? OR name = ? COLLATE NOCASE ORDER BY id = ? DESC LIMIT 1", id, id, id,
	).Scan(&t.ID, &t.Name)
	if errors.Is(err, sql.ErrNoRows) {
		return filterenv.Tag{}, false, nil
	}
	if err != nil {
		return filterenv.Tag{}, false, fmt.Errorf("looking up tag %q: %w", id, err)
	}
	return t, true, nil
}

func (s *SQLiteStore) Tags(ctx context.Context) ([]filterenv.Tag, error) {
	rows, err := s.db.QueryxContext(ctx, "SELECT id, name FROM tags ORDER BY name")
	if err != nil {
		return nil, fmt.Errorf("querying tags: %w", err)
	}
	defer rows.Close()

	var tags []filterenv.Tag
	for rows.Next() {
		var t filterenv.Tag
		if err := rows.Scan(&t.ID, &t.Name); err != nil {
			return nil, fmt.Errorf("scanning tag row: %w", err)
		}
		tags = append(tags, t)
	}
	return tags, rows.Err()
}

func (s *SQLiteStore) DeleteTag(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM tags WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("deleting tag %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("tag %s: %w", id, consts.ErrUnknownTag)
	}
	return nil
}
