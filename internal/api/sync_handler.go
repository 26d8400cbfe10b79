package api

import (
	"errors"
	"net/http"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/relaymail/relaymail/internal/db"
	"github.com/relaymail/relaymail/internal/poller"
)

// SyncHandler triggers an on-demand IMAP poll for one inbox.
type SyncHandler struct {
	pool   *pgxpool.Pool
	poller *poller.Poller
	logger *zap.Logger
}

// NewSyncHandler creates a new SyncHandler instance.
func NewSyncHandler(pool *pgxpool.Pool, p *poller.Poller, logger *zap.Logger) *SyncHandler {
	return &SyncHandler{pool: pool, poller: p, logger: logger}
}

// SyncInbox handles POST /api/v1/sync/{inbox_id}. The poll runs
// synchronously so the caller knows new mail is ingested when the call
// returns.
func (h *SyncHandler) SyncInbox(w http.ResponseWriter, r *http.Request, inboxID string) {
	ctx := r.Context()

	inbox, err := db.GetInboxByID(ctx, h.pool, inboxID)
	if err != nil {
		if errors.Is(err, db.ErrInboxNotFound) {
			http.Error(w, "Inbox not found", http.StatusNotFound)
			return
		}
		h.logger.Error("failed to look up inbox", zap.Error(err))
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	if err := h.poller.SyncInbox(ctx, inbox); err != nil {
		if errors.Is(err, poller.ErrNotIMAPBacked) {
			http.Error(w, "Inbox is not backed by an IMAP mailbox", http.StatusBadRequest)
			return
		}
		h.logger.Error("manual sync failed",
			zap.String("inbox_id", inboxID),
			zap.Error(err))
		http.Error(w, "Sync failed", http.StatusBadGateway)
		return
	}

	WriteJSON(w, h.logger, http.StatusOK, map[string]string{"status": "synced"})
}
