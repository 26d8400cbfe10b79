package api

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"

	"github.com/relaymail/relaymail/internal/db"
	"github.com/relaymail/relaymail/internal/ingest"
	"github.com/relaymail/relaymail/internal/models"
	"github.com/relaymail/relaymail/internal/provider"
	"github.com/relaymail/relaymail/internal/storage"
	"github.com/relaymail/relaymail/internal/testutil"
)

func newWebhooksHandler(t *testing.T) (*WebhooksHandler, *pgxpool.Pool) {
	t.Helper()

	pool := testutil.NewTestDB(t)
	t.Cleanup(pool.Close)

	blobs, err := storage.NewFSStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFSStore failed: %v", err)
	}

	engine := ingest.NewEngine(pool, blobs, 0, zap.NewNop())
	registry := provider.NewRegistry(provider.NewMailgunAdapter(""))
	return NewWebhooksHandler(engine, registry, zap.NewNop()), pool
}

func mailgunForm(t *testing.T, fields map[string]string) *http.Request {
	t.Helper()

	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	for key, value := range fields {
		if err := writer.WriteField(key, value); err != nil {
			t.Fatalf("failed to write field: %v", err)
		}
	}
	if err := writer.Close(); err != nil {
		t.Fatalf("failed to close writer: %v", err)
	}

	r := httptest.NewRequest(http.MethodPost, "/webhooks/mailgun", &body)
	r.Header.Set("Content-Type", writer.FormDataContentType())
	return r
}

func TestWebhooksHandler(t *testing.T) {
	handler, pool := newWebhooksHandler(t)
	ctx := context.Background()

	inbox := &models.Inbox{EmailAddress: "support@nw.local", DisplayName: "Support"}
	if err := db.CreateInbox(ctx, pool, inbox); err != nil {
		t.Fatalf("CreateInbox failed: %v", err)
	}

	fields := map[string]string{
		"recipient":  "support@nw.local",
		"sender":     "alice@example.com",
		"subject":    "Broken widget",
		"body-plain": "It broke.",
		"Message-Id": "<wh-1@example.com>",
		"Date":       "Mon, 15 Jan 2024 10:30:00 +0000",
	}

	t.Run("created", func(t *testing.T) {
		w := httptest.NewRecorder()
		handler.Handle(w, mailgunForm(t, fields))
		assert.Equal(t, http.StatusOK, w.Code)

		var result ingest.IngestResult
		assert.NoError(t, json.Unmarshal(w.Body.Bytes(), &result))
		assert.Equal(t, ingest.OutcomeCreated, result.Outcome)
		assert.NotEmpty(t, result.ThreadID)
	})

	t.Run("redelivery is acknowledged as duplicate", func(t *testing.T) {
		w := httptest.NewRecorder()
		handler.Handle(w, mailgunForm(t, fields))
		assert.Equal(t, http.StatusOK, w.Code)

		var result ingest.IngestResult
		assert.NoError(t, json.Unmarshal(w.Body.Bytes(), &result))
		assert.Equal(t, ingest.OutcomeDuplicate, result.Outcome)
	})

	t.Run("unknown recipient is acknowledged", func(t *testing.T) {
		other := map[string]string{}
		for k, v := range fields {
			other[k] = v
		}
		other["recipient"] = "nobody@nw.local"
		other["Message-Id"] = "<wh-2@example.com>"

		w := httptest.NewRecorder()
		handler.Handle(w, mailgunForm(t, other))
		assert.Equal(t, http.StatusOK, w.Code)

		var result ingest.IngestResult
		assert.NoError(t, json.Unmarshal(w.Body.Bytes(), &result))
		assert.Equal(t, ingest.OutcomeNoInbox, result.Outcome)
	})

	t.Run("unknown provider", func(t *testing.T) {
		w := httptest.NewRecorder()
		r := httptest.NewRequest(http.MethodPost, "/webhooks/nope", nil)
		handler.Handle(w, r)
		assert.Equal(t, http.StatusNotFound, w.Code)
	})

	t.Run("method not allowed", func(t *testing.T) {
		w := httptest.NewRecorder()
		r := httptest.NewRequest(http.MethodGet, "/webhooks/mailgun", nil)
		handler.Handle(w, r)
		assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
	})
}
