package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/migadu/mailfilter/consts"
	"github.com/migadu/mailfilter/filter"
	"github.com/migadu/mailfilter/logger"
	"github.com/migadu/mailfilter/search"
)

// LoadFilters returns the filters of accountID in their stored order.
// Entries that no longer describe a usable action are skipped and logged.
func (db *Database) LoadFilters(ctx context.Context, accountID string) ([]*filter.Filter, error) {
	ctx, cancel := db.withTimeout(ctx)
	defer cancel()

	rows, err := db.Pool.Query(ctx, `
		SELECT f.filter_id, c.key, c.value
		FROM filters f
		LEFT JOIN filter_configs c ON c.account_id = f.account_id AND c.filter_id = f.filter_id
		WHERE f.account_id = $1
		ORDER BY f.position, f.filter_id
	`, accountID)
	if err != nil {
		observe("load_filters", err)
		return nil, fmt.Errorf("failed to query filters: %w", err)
	}
	defer rows.Close()

	var order []string
	groups := make(map[string]search.MapGroup)
	for rows.Next() {
		var id string
		var key, value *string
		if err := rows.Scan(&id, &key, &value); err != nil {
			observe("load_filters", err)
			return nil, fmt.Errorf("failed to scan filter entry: %w", err)
		}
		g, ok := groups[id]
		if !ok {
			g = search.MapGroup{}
			groups[id] = g
			order = append(order, id)
		}
		if key != nil && value != nil {
			g[*key] = *value
		}
	}
	if err := rows.Err(); err != nil {
		observe("load_filters", err)
		return nil, fmt.Errorf("failed to read filters: %w", err)
	}
	observe("load_filters", nil)

	return filtersFromGroups(accountID, order, groups), nil
}

func filtersFromGroups(accountID string, order []string, groups map[string]search.MapGroup) []*filter.Filter {
	filters := make([]*filter.Filter, 0, len(order))
	for _, id := range order {
		f := filter.New(id, "")
		if notes := f.ReadConfig(groups[id]); notes != "" {
			logger.Warn("DB: stored filter has problems", "account", accountID, "filter", id, "problems", notes)
		}
		f.ID = id
		filters = append(filters, f)
	}
	return filters
}

// filterGroup renders f as the flat entries stored for it.
func filterGroup(f *filter.Filter) search.MapGroup {
	g := search.MapGroup{}
	f.WriteConfig(g)
	return g
}

// SaveFilters replaces every stored filter of accountID with filters.
func (db *Database) SaveFilters(ctx context.Context, accountID string, filters []*filter.Filter) error {
	seen := make(map[string]bool, len(filters))
	for _, f := range filters {
		if f.ID == "" {
			return fmt.Errorf("filter %q has no id", f.Name)
		}
		if seen[f.ID] {
			return fmt.Errorf("duplicate filter id %q", f.ID)
		}
		seen[f.ID] = true
	}

	ctx, cancel := db.withTimeout(ctx)
	defer cancel()

	err := pgx.BeginFunc(ctx, db.Pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `DELETE FROM filters WHERE account_id = $1`, accountID); err != nil {
			return fmt.Errorf("failed to clear filters: %w", err)
		}
		for i, f := range filters {
			if err := insertFilter(ctx, tx, accountID, f, i); err != nil {
				return err
			}
		}
		return nil
	})
	observe("save_filters", err)
	if err == nil {
		logger.Info("DB: filters saved", "account", accountID, "count", len(filters))
	}
	return err
}

// SaveFilter stores f, keeping its position if it exists and appending it
// otherwise.
func (db *Database) SaveFilter(ctx context.Context, accountID string, f *filter.Filter) error {
	if f.ID == "" {
		return fmt.Errorf("filter %q has no id", f.Name)
	}

	ctx, cancel := db.withTimeout(ctx)
	defer cancel()

	err := pgx.BeginFunc(ctx, db.Pool, func(tx pgx.Tx) error {
		var position int
		err := tx.QueryRow(ctx, `
			SELECT position FROM filters WHERE account_id = $1 AND filter_id = $2
		`, accountID, f.ID).Scan(&position)
		switch {
		case errors.Is(err, pgx.ErrNoRows):
			if err := tx.QueryRow(ctx, `
				SELECT COALESCE(MAX(position) + 1, 0) FROM filters WHERE account_id = $1
			`, accountID).Scan(&position); err != nil {
				return fmt.Errorf("failed to find filter position: %w", err)
			}
		case err != nil:
			return fmt.Errorf("failed to look up filter: %w", err)
		default:
			if _, err := tx.Exec(ctx, `
				DELETE FROM filters WHERE account_id = $1 AND filter_id = $2
			`, accountID, f.ID); err != nil {
				return fmt.Errorf("failed to replace filter: %w", err)
			}
		}
		return insertFilter(ctx, tx, accountID, f, position)
	})
	observe("save_filter", err)
	return err
}

func insertFilter(ctx context.Context, tx pgx.Tx, accountID string, f *filter.Filter, position int) error {
	if _, err := tx.Exec(ctx, `
		INSERT INTO filters (account_id, filter_id, position, updated_at) VALUES ($1, $2, $3, now())
	`, accountID, f.ID, position); err != nil {
		return fmt.Errorf("failed to insert filter %q: %w", f.ID, err)
	}

	g := filterGroup(f)
	rows := make([][]any, 0, len(g))
	for _, k := range g.Keys() {
		rows = append(rows, []any{accountID, f.ID, k, g[k]})
	}
	if _, err := tx.CopyFrom(ctx,
		pgx.Identifier{"filter_configs"},
		[]string{"account_id", "filter_id", "key", "value"},
		pgx.CopyFromRows(rows),
	); err != nil {
		return fmt.Errorf("failed to store entries of filter %q: %w", f.ID, err)
	}
	return nil
}

// DeleteFilter removes one filter and its entries.
func (db *Database) DeleteFilter(ctx context.Context, accountID, filterID string) error {
	ctx, cancel := db.withTimeout(ctx)
	defer cancel()

	tag, err := db.Pool.Exec(ctx, `
		DELETE FROM filters WHERE account_id = $1 AND filter_id = $2
	`, accountID, filterID)
	observe("delete_filter", err)
	if err != nil {
		return fmt.Errorf("failed to delete filter: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", consts.ErrFilterNotFound, filterID)
	}
	return nil
}

// Accounts lists the accounts that have stored filters.
func (db *Database) Accounts(ctx context.Context) ([]string, error) {
	ctx, cancel := db.withTimeout(ctx)
	defer cancel()

	rows, err := db.Pool.Query(ctx, `SELECT DISTINCT account_id FROM filters ORDER BY account_id`)
	if err != nil {
		observe("accounts", err)
		return nil, fmt.Errorf("failed to query accounts: %w", err)
	}
	accounts, err := pgx.CollectRows(rows, pgx.RowTo[string])
	observe("accounts", err)
	return accounts, err
}
