package api

import (
	"errors"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/relaymail/relaymail/internal/ingest"
	"github.com/relaymail/relaymail/internal/provider"
)

// WebhooksHandler receives inbound mail webhooks and feeds them to the
// ingestion engine. Every outcome the engine can report deliberately maps to
// 200 so providers do not retry messages we have already dealt with.
type WebhooksHandler struct {
	engine   *ingest.Engine
	registry *provider.Registry
	logger   *zap.Logger
}

// NewWebhooksHandler creates a new WebhooksHandler instance.
func NewWebhooksHandler(engine *ingest.Engine, registry *provider.Registry, logger *zap.Logger) *WebhooksHandler {
	return &WebhooksHandler{
		engine:   engine,
		registry: registry,
		logger:   logger,
	}
}

// Handle processes POST /webhooks/{provider}.
func (h *WebhooksHandler) Handle(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	name := strings.TrimPrefix(r.URL.Path, "/webhooks/")
	adapter := h.registry.Get(name)
	if adapter == nil {
		http.Error(w, "Unknown provider", http.StatusNotFound)
		return
	}

	in, err := adapter.Parse(r)
	if err != nil {
		switch {
		case errors.Is(err, provider.ErrUnauthorized):
			h.logger.Warn("webhook rejected", zap.String("provider", name))
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
		case errors.Is(err, provider.ErrNotMail):
			WriteJSON(w, h.logger, http.StatusOK, map[string]string{"status": "ignored"})
		default:
			h.logger.Warn("failed to parse webhook payload",
				zap.String("provider", name),
				zap.Error(err))
			http.Error(w, "Bad request", http.StatusBadRequest)
		}
		return
	}

	result, err := h.engine.Ingest(r.Context(), in)
	if err != nil {
		h.logger.Error("ingest failed",
			zap.String("provider", name),
			zap.Error(err))
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	WriteJSON(w, h.logger, http.StatusOK, result)
}
