package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/migadu/mailfilter/consts"
	"github.com/migadu/mailfilter/filterenv"
	"github.com/migadu/mailfilter/helpers"
)

// Collection is an address book folder.
type Collection struct {
	ID        string    `db:"id"`
	Name      string    `db:"name"`
	CreatedAt time.Time `db:"created_at"`
}

type contactRow struct {
	ID           string    `db:"id"`
	CollectionID string    `db:"collection_id"`
	Name         string    `db:"name"`
	Email        string    `db:"email"`
	Categories   string    `db:"categories"`
	CreatedAt    time.Time `db:"created_at"`
}

func (r contactRow) contact() filterenv.Contact {
	c := filterenv.Contact{ID: r.ID, Name: r.Name, Email: r.Email}
	_ = json.Unmarshal([]byte(r.Categories), &c.Categories)
	return c
}

// CreateCollection adds an address book folder and returns its ID.
func (s *SQLiteStore) CreateCollection(ctx context.Context, name string) (string, error) {
	if strings.TrimSpace(name) == "" {
		return "", fmt.Errorf("collection name must not be empty")
	}
	id := uuid.New().String()
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO collections (id, name, created_at) VALUES (?, ?, ?)",
		id, name, time.Now().UTC(),
	)
	if err != nil {
		return "", fmt.Errorf("creating collection %q: %w", name, err)
	}
	return id, nil
}

func (s *SQLiteStore) Collections(ctx context.Context) ([]Collection, error) {
	var cols []Collection
	if err := s.db.SelectContext(ctx, &cols, "SELECT id, name, created_at FROM collections ORDER BY name"); err != nil {
		return nil, fmt.Errorf("querying collections: %w", err)
	}
	return cols, nil
}

// collectionID resolves a collection by ID or name.
func (s *SQLiteStore) collectionID(ctx context.Context, collection string) (string, error) {
	var id string
	err := s.db.GetContext(ctx, &id,
		"SELECT id FROM collections WHERE id = ? OR name = ? LIMIT 1", collection, collection)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("%q: %w", collection, consts.ErrCollectionNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("looking up collection %q: %w", collection, err)
	}
	return id, nil
}

func (s *SQLiteStore) HasCollection(ctx context.Context, collection string) (bool, error) {
	_, err := s.collectionID(ctx, collection)
	if errors.Is(err, consts.ErrCollectionNotFound) {
		return false, nil
	}
	return err == nil, err
}

// FindByEmail returns the contacts with the given address in any
// collection. Results are cached for the lookup TTL.
func (s *SQLiteStore) FindByEmail(ctx context.Context, email string) ([]filterenv.Contact, error) {
	key := helpers.NormalizeEmail(email)
	if key == "" {
		return nil, nil
	}
	contacts, _, err := s.lookups.GetOrLoad(ctx, key, func(ctx context.Context) ([]filterenv.Contact, bool, error) {
		var rows []contactRow
		err := s.db.SelectContext(ctx, &rows,
			"SELECT id, collection_id, name, email, categories, created_at FROM contacts WHERE email = ? ORDER BY created_at, id", key)
		if err != nil {
			return nil, false, fmt.Errorf("querying contacts for %s: %w", key, err)
		}
		out := make([]filterenv.Contact, 0, len(rows))
		for _, r := range rows {
			out = append(out, r.contact())
		}
		return out, len(out) > 0, nil
	})
	return contacts, err
}

// CreateContact adds c to collection. Adding an address that already
// exists in the collection is a no-op.
func (s *SQLiteStore) CreateContact(ctx context.Context, collection string, c filterenv.Contact) error {
	email := helpers.NormalizeEmail(c.Email)
	if email == "" {
		return fmt.Errorf("contact has no email address")
	}
	colID, err := s.collectionID(ctx, collection)
	if err != nil {
		return err
	}
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	cats, err := json.Marshal(nonNil(c.Categories))
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO contacts (id, collection_id, name, email, categories, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT (collection_id, email) DO NOTHING`,
		c.ID, colID, c.Name, email, string(cats), time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("%w: contact %s: %v", consts.ErrDBInsertFailed, email, err)
	}
	s.lookups.Invalidate(email)
	return nil
}

// Contacts lists the contacts of a collection ordered by address.
func (s *SQLiteStore) Contacts(ctx context.Context, collection string) ([]filterenv.Contact, error) {
	colID, err := s.collectionID(ctx, collection)
	if err != nil {
		return nil, err
	}
	var rows []contactRow
	err = s.db.SelectContext(ctx, &rows,
		"SELECT id, collection_id, name, email, categories, created_at FROM contacts WHERE collection_id = ? ORDER BY email", colID)
	if err != nil {
		return nil, fmt.Errorf("querying contacts: %w", err)
	}
	out := make([]filterenv.Contact, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.contact())
	}
	return out, nil
}

func (s *SQLiteStore) DeleteContact(ctx context.Context, id string) error {
	var email string
	if err := s.db.GetContext(ctx, &email, "SELECT email FROM contacts WHERE id = ?", id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("contact %s: %w", id, consts.ErrDBNotFound)
		}
		return err
	}
	if _, err := s.db.ExecContext(ctx, "DELETE FROM contacts WHERE id = ?", id); err != nil {
		return fmt.Errorf("deleting contact %s: %w", id, err)
	}
	s.lookups.Invalidate(email)
	return nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
