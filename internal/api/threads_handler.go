package api

import (
	"errors"
	"net/http"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/relaymail/relaymail/internal/db"
	"github.com/relaymail/relaymail/internal/models"
)

// ThreadsHandler serves thread listings and single threads with their
// messages.
type ThreadsHandler struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewThreadsHandler creates a new ThreadsHandler instance.
func NewThreadsHandler(pool *pgxpool.Pool, logger *zap.Logger) *ThreadsHandler {
	return &ThreadsHandler{pool: pool, logger: logger}
}

// ListThreads returns a page of threads for an inbox, newest activity first.
func (h *ThreadsHandler) ListThreads(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	inboxID := r.URL.Query().Get("inbox_id")
	if inboxID == "" {
		http.Error(w, "inbox_id query parameter is required", http.StatusBadRequest)
		return
	}

	if _, err := db.GetInboxByID(ctx, h.pool, inboxID); err != nil {
		if errors.Is(err, db.ErrInboxNotFound) {
			http.Error(w, "Inbox not found", http.StatusNotFound)
			return
		}
		h.logger.Error("failed to look up inbox", zap.Error(err))
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	page, limit := ParsePaginationParams(r, 50)
	offset := (page - 1) * limit

	threads, err := db.ListThreadsForInbox(ctx, h.pool, inboxID, limit, offset)
	if err != nil {
		h.logger.Error("failed to list threads",
			zap.String("inbox_id", inboxID),
			zap.Error(err))
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	WriteJSON(w, h.logger, http.StatusOK, map[string]any{
		"threads": threads,
		"page":    page,
		"limit":   limit,
	})
}

type threadResponse struct {
	Thread   *models.Thread    `json:"thread"`
	Messages []*models.Message `json:"messages"`
}

// GetThread returns one thread with its messages and their attachment
// metadata, oldest message first.
func (h *ThreadsHandler) GetThread(w http.ResponseWriter, r *http.Request, threadID string) {
	ctx := r.Context()

	thread, err := db.GetThreadByID(ctx, h.pool, threadID)
	if err != nil {
		if errors.Is(err, db.ErrThreadNotFound) {
			http.Error(w, "Thread not found", http.StatusNotFound)
			return
		}
		h.logger.Error("failed to get thread",
			zap.String("thread_id", threadID),
			zap.Error(err))
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	messages, err := db.GetMessagesForThread(ctx, h.pool, threadID)
	if err != nil {
		h.logger.Error("failed to get thread messages",
			zap.String("thread_id", threadID),
			zap.Error(err))
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	for _, message := range messages {
		attachments, err := db.GetAttachmentsForMessage(ctx, h.pool, message.ID)
		if err != nil {
			h.logger.Error("failed to get message attachments",
				zap.String("message_id", message.ID),
				zap.Error(err))
			http.Error(w, "Internal server error", http.StatusInternalServerError)
			return
		}
		for _, attachment := range attachments {
			message.Attachments = append(message.Attachments, *attachment)
		}
	}

	WriteJSON(w, h.logger, http.StatusOK, threadResponse{Thread: thread, Messages: messages})
}
