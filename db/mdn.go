package db

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/migadu/mailfilter/filterenv"
)

// MDNTracker records sent disposition notifications for one account.
type MDNTracker struct {
	db        *Database
	accountID string
}

var _ filterenv.MDNTracker = (*MDNTracker)(nil)

func (db *Database) MDNTracker(accountID string) *MDNTracker {
	return &MDNTracker{db: db, accountID: accountID}
}

// RecordMDN stores that a notification for messageID was sent. It reports
// false when one had already been recorded. Messages without a Message-ID
// cannot be tracked and always report true.
func (t *MDNTracker) RecordMDN(ctx context.Context, messageID, disposition string) (bool, error) {
	messageID = strings.TrimSpace(messageID)
	if messageID == "" {
		return true, nil
	}

	ctx, cancel := t.db.withTimeout(ctx)
	defer cancel()

	tag, err := t.db.Pool.Exec(ctx, `
		INSERT INTO mdn_responses (account_id, message_id, disposition, sent_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (account_id, message_id) DO NOTHING
	`, t.accountID, messageID, disposition)
	observe("record_mdn", err)
	if err != nil {
		return false, fmt.Errorf("failed to record MDN: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// HasMDN reports whether a notification for messageID was recorded.
func (t *MDNTracker) HasMDN(ctx context.Context, messageID string) (bool, error) {
	ctx, cancel := t.db.withTimeout(ctx)
	defer cancel()

	var exists bool
	err := t.db.Pool.QueryRow(ctx, `
		SELECT EXISTS(SELECT 1 FROM mdn_responses WHERE account_id = $1 AND message_id = $2)
	`, t.accountID, strings.TrimSpace(messageID)).Scan(&exists)
	observe("has_mdn", err)
	return exists, err
}

// CleanupOldMDNResponses drops records older than olderThan for every
// account.
func (db *Database) CleanupOldMDNResponses(ctx context.Context, olderThan time.Duration) (int64, error) {
	ctx, cancel := db.withTimeout(ctx)
	defer cancel()

	tag, err := db.Pool.Exec(ctx, `DELETE FROM mdn_responses WHERE sent_at < $1`, time.Now().Add(-olderThan))
	observe("cleanup_mdn", err)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
