package db

import (
	"context"
	"testing"

	"github.com/relaymail/relaymail/internal/testutil"
)

func TestMailboxSyncState(t *testing.T) {
	pool := testutil.NewTestDB(t)
	defer pool.Close()

	ctx := context.Background()
	inbox := createInboxForTest(t, pool, "imap@nw.local")

	t.Run("nil state before first sync", func(t *testing.T) {
		state, err := GetMailboxSyncState(ctx, pool, inbox.ID)
		if err != nil {
			t.Fatalf("GetMailboxSyncState failed: %v", err)
		}
		if state != nil {
			t.Errorf("Expected nil state, got %+v", state)
		}
	})

	t.Run("advances the high-water mark", func(t *testing.T) {
		if err := SetMailboxSyncState(ctx, pool, inbox.ID, 42, 7); err != nil {
			t.Fatalf("SetMailboxSyncState failed: %v", err)
		}

		state, err := GetMailboxSyncState(ctx, pool, inbox.ID)
		if err != nil {
			t.Fatalf("GetMailboxSyncState failed: %v", err)
		}
		if state.LastSeenUID != 42 || state.UIDValidity != 7 {
			t.Errorf("Expected uid 42 validity 7, got %d/%d", state.LastSeenUID, state.UIDValidity)
		}
	})

	t.Run("reset rewinds for a new uidvalidity generation", func(t *testing.T) {
		if err := ResetMailboxSyncState(ctx, pool, inbox.ID, 8); err != nil {
			t.Fatalf("ResetMailboxSyncState failed: %v", err)
		}

		state, err := GetMailboxSyncState(ctx, pool, inbox.ID)
		if err != nil {
			t.Fatalf("GetMailboxSyncState failed: %v", err)
		}
		if state.LastSeenUID != 0 {
			t.Errorf("Expected rewound uid 0, got %d", state.LastSeenUID)
		}
		if state.UIDValidity != 8 {
			t.Errorf("Expected uidvalidity 8, got %d", state.UIDValidity)
		}
	})
}
