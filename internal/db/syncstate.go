package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/relaymail/relaymail/internal/models"
)

// GetMailboxSyncState returns the poller high-water mark for an inbox,
// or nil if the mailbox has never been synced.
func GetMailboxSyncState(ctx context.Context, q DBTX, inboxID string) (*models.MailboxSyncState, error) {
	var state models.MailboxSyncState

	err := q.QueryRow(ctx, `
		SELECT inbox_id, last_seen_uid, uid_validity, synced_at
		FROM mailbox_sync_state
		WHERE inbox_id = $1
	`, inboxID).Scan(&state.InboxID, &state.LastSeenUID, &state.UIDValidity, &state.SyncedAt)

	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}

	if err != nil {
		return nil, fmt.Errorf("failed to get mailbox sync state: %w", err)
	}

	return &state, nil
}

// SetMailboxSyncState advances the persisted high-water mark. Called only
// after ingest returns success for a message, so a crash in between means at
// most a redundant re-delivery next cycle, never a skipped message.
func SetMailboxSyncState(ctx context.Context, q DBTX, inboxID string, lastSeenUID, uidValidity int64) error {
	_, err := q.Exec(ctx, `
		INSERT INTO mailbox_sync_state (inbox_id, last_seen_uid, uid_validity, synced_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (inbox_id) DO UPDATE SET
			last_seen_uid = EXCLUDED.last_seen_uid,
			uid_validity = EXCLUDED.uid_validity,
			synced_at = now()
	`, inboxID, lastSeenUID, uidValidity)

	if err != nil {
		return fmt.Errorf("failed to set mailbox sync state: %w", err)
	}

	return nil
}

// ResetMailboxSyncState rewinds the high-water mark to zero for a new
// UIDVALIDITY generation. The deduplicator absorbs the resulting re-delivery.
func ResetMailboxSyncState(ctx context.Context, q DBTX, inboxID string, uidValidity int64) error {
	_, err := q.Exec(ctx, `
		INSERT INTO mailbox_sync_state (inbox_id, last_seen_uid, uid_validity, synced_at)
		VALUES ($1, 0, $2, now())
		ON CONFLICT (inbox_id) DO UPDATE SET
			last_seen_uid = 0,
			uid_validity = EXCLUDED.uid_validity,
			synced_at = now()
	`, inboxID, uidValidity)

	if err != nil {
		return fmt.Errorf("failed to reset mailbox sync state: %w", err)
	}

	return nil
}
