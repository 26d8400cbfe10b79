package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"go.uber.org/zap"
)

// WriteJSON serializes v and writes it with the given status. Encoding
// failures are logged; headers are already out by then.
// This is a shared helper used across handlers for consistent responses.
func WriteJSON(w http.ResponseWriter, logger *zap.Logger, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Error("failed to encode response", zap.Error(err))
	}
}

// maxPageLimit caps how many rows one page may request.
const maxPageLimit = 200

// ParsePaginationParams parses page and limit from query parameters,
// falling back to page=1 and the given default limit. The limit never
// exceeds maxPageLimit regardless of what the caller asks for.
func ParsePaginationParams(r *http.Request, defaultLimit int) (page, limit int) {
	page = 1
	limit = defaultLimit

	if parsed, ok := positiveIntParam(r, "page"); ok {
		page = parsed
	}
	if parsed, ok := positiveIntParam(r, "limit"); ok {
		limit = parsed
	}
	if limit > maxPageLimit {
		limit = maxPageLimit
	}
	return page, limit
}

func positiveIntParam(r *http.Request, name string) (int, bool) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return 0, false
	}
	value, err := strconv.Atoi(raw)
	if err != nil || value <= 0 {
		return 0, false
	}
	return value, true
}
