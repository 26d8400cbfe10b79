package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/mail"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/relaymail/relaymail/internal/db"
	"github.com/relaymail/relaymail/internal/models"
)

// InboxesHandler handles inbox provisioning requests.
type InboxesHandler struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewInboxesHandler creates a new InboxesHandler instance.
func NewInboxesHandler(pool *pgxpool.Pool, logger *zap.Logger) *InboxesHandler {
	return &InboxesHandler{pool: pool, logger: logger}
}

// ListInboxes returns all provisioned inboxes.
func (h *InboxesHandler) ListInboxes(w http.ResponseWriter, r *http.Request) {
	inboxes, err := db.ListInboxes(r.Context(), h.pool)
	if err != nil {
		h.logger.Error("failed to list inboxes", zap.Error(err))
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	WriteJSON(w, h.logger, http.StatusOK, map[string]any{"inboxes": inboxes})
}

type createInboxRequest struct {
	EmailAddress   string          `json:"email_address"`
	DisplayName    string          `json:"display_name"`
	ProviderConfig json.RawMessage `json:"provider_config"`
}

// CreateInbox provisions a new receiving address.
func (h *InboxesHandler) CreateInbox(w http.ResponseWriter, r *http.Request) {
	var req createInboxRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	address, err := mail.ParseAddress(req.EmailAddress)
	if err != nil {
		http.Error(w, "Invalid email address", http.StatusBadRequest)
		return
	}

	inbox := &models.Inbox{
		EmailAddress:   strings.ToLower(address.Address),
		DisplayName:    req.DisplayName,
		ProviderConfig: req.ProviderConfig,
	}
	if err := db.CreateInbox(r.Context(), h.pool, inbox); err != nil {
		if db.IsUniqueViolation(err) {
			http.Error(w, "Inbox address already exists", http.StatusConflict)
			return
		}
		h.logger.Error("failed to create inbox", zap.Error(err))
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	WriteJSON(w, h.logger, http.StatusCreated, inbox)
}

// DeleteInbox removes an inbox and everything under it.
func (h *InboxesHandler) DeleteInbox(w http.ResponseWriter, r *http.Request, inboxID string) {
	if err := db.DeleteInbox(r.Context(), h.pool, inboxID); err != nil {
		if errors.Is(err, db.ErrInboxNotFound) {
			http.Error(w, "Inbox not found", http.StatusNotFound)
			return
		}
		h.logger.Error("failed to delete inbox",
			zap.String("inbox_id", inboxID),
			zap.Error(err))
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
