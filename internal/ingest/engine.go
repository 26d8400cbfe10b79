// Package ingest is the ingestion and threading engine: one entry point,
// Engine.Ingest, shared by every webhook adapter and the mailbox poller, so
// all sources converge on identical semantics.
package ingest

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/relaymail/relaymail/internal/db"
	"github.com/relaymail/relaymail/internal/models"
	"github.com/relaymail/relaymail/internal/sanitize"
	"github.com/relaymail/relaymail/internal/storage"
	"go.uber.org/zap"
)

// DefaultLookback is the fallback-threading window when none is configured.
const DefaultLookback = 30 * 24 * time.Hour

// hookTimeout bounds each detached post-ingest hook invocation.
const hookTimeout = 2 * time.Minute

// Engine turns an InboundMessage into a durably stored, threaded,
// de-duplicated, sanitized conversation record. It is stateless between
// calls; the uniqueness constraint on (inbox_id, provider_message_id) is the
// only shared mutable state relied upon under concurrency.
type Engine struct {
	pool     *pgxpool.Pool
	blobs    storage.BlobStore
	logger   *zap.Logger
	lookback time.Duration
	hooks    []Hook
}

// NewEngine creates an ingestion engine. A non-positive lookback selects
// DefaultLookback.
func NewEngine(pool *pgxpool.Pool, blobs storage.BlobStore, lookback time.Duration, logger *zap.Logger) *Engine {
	if lookback <= 0 {
		lookback = DefaultLookback
	}
	return &Engine{
		pool:     pool,
		blobs:    blobs,
		logger:   logger,
		lookback: lookback,
	}
}

// RegisterHook adds a post-ingest hook. Hooks run detached after a successful
// commit; registration is wiring-time only and not safe during Ingest calls.
func (e *Engine) RegisterHook(hook Hook) {
	e.hooks = append(e.hooks, hook)
}

// Ingest processes one inbound message end to end:
// resolve inbox → check duplicate → resolve thread → sanitize → persist →
// dispatch hooks. Only storage failures escape as errors; NoInbox and
// Duplicate are normal outcomes carried in the result.
func (e *Engine) Ingest(ctx context.Context, in *InboundMessage) (*IngestResult, error) {
	inbox, err := db.GetInboxByAddress(ctx, e.pool, in.To)
	if errors.Is(err, db.ErrInboxNotFound) {
		e.logger.Info("ingest: no matching inbox",
			zap.String("to", in.To),
			zap.String("provider_message_id", in.MessageID))
		return &IngestResult{Outcome: OutcomeNoInbox}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to resolve inbox: %w", err)
	}

	key := idempotencyKey(in)

	existingID, err := db.GetMessageIDByProviderID(ctx, e.pool, inbox.ID, key)
	if err == nil {
		return &IngestResult{Outcome: OutcomeDuplicate, MessageID: existingID}, nil
	}
	if !errors.Is(err, db.ErrMessageNotFound) {
		return nil, fmt.Errorf("failed to check for duplicate: %w", err)
	}

	thread, err := e.resolveThread(ctx, inbox.ID, in)
	if err != nil {
		return nil, err
	}

	sanitized := sanitize.Sanitize(in.BodyHTML, in.BodyPlain)
	if sanitized.Degraded {
		e.logger.Warn("ingest: sanitization degraded to tag stripping",
			zap.String("inbox_id", inbox.ID),
			zap.String("provider_message_id", key))
	}

	// Attachment bytes go to the blob store before the transaction so no
	// network call happens inside it.
	attachments, err := e.storeAttachments(ctx, in)
	if err != nil {
		return nil, err
	}

	result, err := e.persist(ctx, inbox.ID, key, thread, in, sanitized, attachments)
	if err != nil {
		e.logger.Error("ingest: persistence failed",
			zap.String("inbox_id", inbox.ID),
			zap.String("provider_message_id", key),
			zap.Error(err))
		return nil, err
	}

	if result.Outcome == OutcomeCreated {
		e.dispatchHooks(result.ThreadID)
	}

	return result, nil
}

// resolveThread runs the deterministic thread-assignment algorithm:
// header-chain match first, subject/participant fallback second, nil (new
// thread) last.
func (e *Engine) resolveThread(ctx context.Context, inboxID string, in *InboundMessage) (*models.Thread, error) {
	chain := headerChain(in)
	if len(chain) > 0 {
		matches, err := db.FindMessagesByProviderIDs(ctx, e.pool, inboxID, chain)
		if err != nil {
			return nil, fmt.Errorf("failed header-chain search: %w", err)
		}
		if len(matches) > 0 {
			return e.pickThreadFromMatches(ctx, in, matches)
		}
	}

	participants := participantSet(in, nil)
	thread, err := db.FindThreadByFallback(ctx, e.pool, inboxID,
		normalizeSubject(in.Subject),
		participantHash(participants),
		in.Timestamp.Add(-e.lookback),
	)
	if errors.Is(err, db.ErrThreadNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed fallback thread search: %w", err)
	}

	return thread, nil
}

// pickThreadFromMatches prefers the message referenced by In-Reply-To (the
// most direct parent), then the matched reference listed latest in the
// References chain (the most recent ancestor).
func (e *Engine) pickThreadFromMatches(ctx context.Context, in *InboundMessage, matches []db.HeaderMatch) (*models.Thread, error) {
	byProviderID := make(map[string]db.HeaderMatch, len(matches))
	for _, m := range matches {
		byProviderID[m.ProviderMessageID] = m
	}

	if parent, ok := byProviderID[strings.TrimSpace(in.InReplyTo)]; ok {
		return db.GetThreadByID(ctx, e.pool, parent.ThreadID)
	}

	for i := len(in.References) - 1; i >= 0; i-- {
		if ancestor, ok := byProviderID[strings.TrimSpace(in.References[i])]; ok {
			return db.GetThreadByID(ctx, e.pool, ancestor.ThreadID)
		}
	}

	return db.GetThreadByID(ctx, e.pool, matches[0].ThreadID)
}

// storeAttachments writes attachment bytes to the blob store and returns the
// metadata rows to persist. Message IDs are filled in after the insert.
func (e *Engine) storeAttachments(ctx context.Context, in *InboundMessage) ([]models.Attachment, error) {
	if len(in.Attachments) == 0 {
		return nil, nil
	}

	attachments := make([]models.Attachment, 0, len(in.Attachments))
	for _, att := range in.Attachments {
		key := uuid.NewString() + strings.ToLower(filepath.Ext(att.Filename))
		put, err := e.blobs.Put(ctx, key, bytes.NewReader(att.Content))
		if err != nil {
			return nil, fmt.Errorf("failed to store attachment %q: %w", att.Filename, err)
		}

		attachments = append(attachments, models.Attachment{
			Filename:    att.Filename,
			ContentType: att.ContentType,
			SizeBytes:   put.Size,
			StorageKey:  put.Location,
			ContentHash: put.SHA256Hex,
		})
	}

	return attachments, nil
}

// persist commits message, thread, and attachment metadata in a single
// transaction. A unique violation on the message insert means a concurrent
// call won the race; the transaction rolls back and the outcome becomes
// Duplicate, never an error.
func (e *Engine) persist(
	ctx context.Context,
	inboxID, providerMessageID string,
	thread *models.Thread,
	in *InboundMessage,
	sanitized sanitize.Result,
	attachments []models.Attachment,
) (*IngestResult, error) {
	tx, err := e.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	var existingParticipants []string
	if thread != nil {
		existingParticipants = thread.Participants
	}
	participants := participantSet(in, existingParticipants)
	hash := participantHash(participants)

	var threadID string
	if thread == nil {
		newThread := &models.Thread{
			InboxID:           inboxID,
			Subject:           in.Subject,
			NormalizedSubject: normalizeSubject(in.Subject),
			Participants:      participants,
			ParticipantHash:   hash,
			LastMessageAt:     in.Timestamp,
		}
		if err := db.CreateThread(ctx, tx, newThread); err != nil {
			return nil, err
		}
		threadID = newThread.ID
	} else {
		threadID = thread.ID
		if err := db.TouchThread(ctx, tx, threadID, participants, hash, in.Timestamp); err != nil {
			return nil, err
		}
	}

	message := &models.Message{
		ThreadID:          threadID,
		InboxID:           inboxID,
		ProviderMessageID: providerMessageID,
		Direction:         models.DirectionInbound,
		FromAddress:       in.From,
		ToAddresses:       []string{in.To},
		CCAddresses:       in.CC,
		BCCAddresses:      in.BCC,
		Subject:           in.Subject,
		BodyPlain:         in.BodyPlain,
		BodyHTML:          in.BodyHTML,
		CleanText:         sanitized.CleanText,
		ExtractedText:     sanitized.ExtractedText,
		InReplyTo:         in.InReplyTo,
		References:        in.References,
		SentAt:            in.Timestamp,
		SizeBytes:         messageSize(in),
	}

	if err := db.InsertMessage(ctx, tx, message); err != nil {
		if errors.Is(err, db.ErrDuplicateMessage) {
			_ = tx.Rollback(ctx)
			existingID, lookupErr := db.GetMessageIDByProviderID(ctx, e.pool, inboxID, providerMessageID)
			if lookupErr != nil {
				return nil, fmt.Errorf("failed to load duplicate after conflict: %w", lookupErr)
			}
			return &IngestResult{Outcome: OutcomeDuplicate, MessageID: existingID}, nil
		}
		return nil, err
	}

	for i := range attachments {
		attachments[i].MessageID = message.ID
		if err := db.InsertAttachment(ctx, tx, &attachments[i]); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit ingest transaction: %w", err)
	}

	return &IngestResult{
		Outcome:   OutcomeCreated,
		MessageID: message.ID,
		ThreadID:  threadID,
	}, nil
}

// dispatchHooks runs every registered hook in its own goroutine with a
// detached context. Hook errors and panics are contained and logged here;
// they never affect the Ingest result.
func (e *Engine) dispatchHooks(threadID string) {
	for _, hook := range e.hooks {
		go func(h Hook) {
			defer func() {
				if r := recover(); r != nil {
					e.logger.Error("post-ingest hook panicked",
						zap.String("hook", h.Name()),
						zap.String("thread_id", threadID),
						zap.Any("panic", r))
				}
			}()

			ctx, cancel := context.WithTimeout(context.Background(), hookTimeout)
			defer cancel()

			if err := h.AfterIngest(ctx, threadID); err != nil {
				e.logger.Warn("post-ingest hook failed",
					zap.String("hook", h.Name()),
					zap.String("thread_id", threadID),
					zap.Error(err))
			}
		}(hook)
	}
}

func messageSize(in *InboundMessage) int64 {
	size := int64(len(in.BodyPlain) + len(in.BodyHTML))
	for _, att := range in.Attachments {
		size += int64(len(att.Content))
	}
	return size
}
