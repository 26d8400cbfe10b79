package main

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/relaymail/relaymail/internal/api"
	"github.com/relaymail/relaymail/internal/config"
	"github.com/relaymail/relaymail/internal/crypto"
	"github.com/relaymail/relaymail/internal/db"
	"github.com/relaymail/relaymail/internal/ingest"
	"github.com/relaymail/relaymail/internal/poller"
	"github.com/relaymail/relaymail/internal/provider"
	"github.com/relaymail/relaymail/internal/storage"
	"github.com/relaymail/relaymail/internal/summarize"
)

func main() {
	logger, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer func() { _ = logger.Sync() }()

	cfg, err := config.NewConfig()
	if err != nil {
		logger.Fatal("failed to load config", zap.Error(err))
	}

	ctx := context.Background()
	pool, err := db.NewConnection(ctx, cfg)
	if err != nil {
		logger.Fatal("failed to connect to database", zap.Error(err))
	}
	defer db.CloseConnection(pool)

	logger.Info("connected to database")

	server, p := NewServer(cfg, pool, logger)

	pollCtx, cancelPoll := context.WithCancel(ctx)
	defer cancelPoll()
	go p.Run(pollCtx)

	address := ":" + cfg.Port
	logger.Info("relaymail server starting",
		zap.String("address", address),
		zap.String("environment", cfg.Environment))

	if err := http.ListenAndServe(address, server); err != nil {
		logger.Fatal("server failed to start", zap.Error(err))
	}
}

// NewServer builds the HTTP handler and the background poller. The poller is
// returned unstarted so tests can drive it directly.
func NewServer(cfg *config.Config, dbPool *pgxpool.Pool, logger *zap.Logger) (http.Handler, *poller.Poller) {
	encryptor, err := crypto.NewEncryptor(cfg.EncryptionKeyBase64)
	if err != nil {
		logger.Fatal("failed to create encryptor", zap.Error(err))
	}

	blobs, err := storage.NewFSStore(cfg.AttachmentDir)
	if err != nil {
		logger.Fatal("failed to create attachment store", zap.Error(err))
	}

	lookback := time.Duration(cfg.ThreadLookbackDays) * 24 * time.Hour
	engine := ingest.NewEngine(dbPool, blobs, lookback, logger)

	if cfg.OpenAIAPIKey != "" {
		engine.RegisterHook(summarize.New(cfg.OpenAIAPIKey, cfg.OpenAIModel, dbPool, logger))
	}

	p := poller.New(dbPool, engine, encryptor,
		time.Duration(cfg.PollIntervalSeconds)*time.Second, logger)

	registry := provider.NewRegistry(
		provider.NewMailgunAdapter(cfg.MailgunSigningKey),
		provider.NewSendGridAdapter(),
		provider.NewPostmarkAdapter(cfg.WebhookBasicUser, cfg.WebhookBasicPass),
		provider.NewSESAdapter(),
	)

	webhooksHandler := api.NewWebhooksHandler(engine, registry, logger)
	inboxesHandler := api.NewInboxesHandler(dbPool, logger)
	threadsHandler := api.NewThreadsHandler(dbPool, logger)
	syncHandler := api.NewSyncHandler(dbPool, p, logger)

	mux := http.NewServeMux()

	mux.HandleFunc("/", handleRoot)

	mux.Handle("/webhooks/", http.HandlerFunc(webhooksHandler.Handle))

	mux.Handle("/api/v1/inboxes", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			inboxesHandler.ListInboxes(w, r)
		case http.MethodPost:
			inboxesHandler.CreateInbox(w, r)
		default:
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		}
	}))

	// Handle /api/v1/inboxes/{inbox_id}
	mux.Handle("/api/v1/inboxes/", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		inboxID := strings.TrimPrefix(r.URL.Path, "/api/v1/inboxes/")
		if inboxID == "" {
			http.Error(w, "inbox_id is required", http.StatusBadRequest)
			return
		}
		if r.Method != http.MethodDelete {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		inboxesHandler.DeleteInbox(w, r, inboxID)
	}))

	mux.Handle("/api/v1/threads", http.HandlerFunc(threadsHandler.ListThreads))

	// Handle /api/v1/threads/{thread_id}
	mux.Handle("/api/v1/threads/", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		threadID := strings.TrimPrefix(r.URL.Path, "/api/v1/threads/")
		if threadID == "" {
			http.Error(w, "thread_id is required", http.StatusBadRequest)
			return
		}
		threadsHandler.GetThread(w, r, threadID)
	}))

	// Handle POST /api/v1/sync/{inbox_id}
	mux.Handle("/api/v1/sync/", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		inboxID := strings.TrimPrefix(r.URL.Path, "/api/v1/sync/")
		if inboxID == "" {
			http.Error(w, "inbox_id is required", http.StatusBadRequest)
			return
		}
		syncHandler.SyncInbox(w, r, inboxID)
	}))

	return mux, p
}

func handleRoot(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	_, _ = fmt.Fprintf(w, "RelayMail API is running")
}
