package ingest

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/relaymail/relaymail/internal/db"
	"github.com/relaymail/relaymail/internal/models"
	"github.com/relaymail/relaymail/internal/sanitize"
	"github.com/relaymail/relaymail/internal/storage"
	"github.com/relaymail/relaymail/internal/testutil"
	"go.uber.org/zap"
)

func newTestEngine(t *testing.T) (*Engine, *pgxpool.Pool) {
	t.Helper()

	pool := testutil.NewTestDB(t)
	t.Cleanup(pool.Close)

	blobs, err := storage.NewFSStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFSStore failed: %v", err)
	}

	return NewEngine(pool, blobs, 0, zap.NewNop()), pool
}

func createTestInbox(t *testing.T, pool *pgxpool.Pool, address string) *models.Inbox {
	t.Helper()

	inbox := &models.Inbox{EmailAddress: address, DisplayName: "Support"}
	if err := db.CreateInbox(context.Background(), pool, inbox); err != nil {
		t.Fatalf("CreateInbox failed: %v", err)
	}
	return inbox
}

func inbound(messageID, from, to, subject string, at time.Time) *InboundMessage {
	return &InboundMessage{
		To:        to,
		From:      from,
		Subject:   subject,
		BodyPlain: "Hello from " + from,
		MessageID: messageID,
		Timestamp: at,
	}
}

func TestIngestNoInbox(t *testing.T) {
	engine, pool := newTestEngine(t)
	ctx := context.Background()

	result, err := engine.Ingest(ctx, inbound("<1@x>", "alice@example.com", "unknown@nowhere.local", "Hi", time.Now()))
	if err != nil {
		t.Fatalf("Ingest failed: %v", err)
	}

	if result.Outcome != OutcomeNoInbox {
		t.Errorf("Expected no_inbox outcome, got %s", result.Outcome)
	}

	var count int
	if err := pool.QueryRow(ctx, `SELECT COUNT(*) FROM messages`).Scan(&count); err != nil {
		t.Fatalf("count query failed: %v", err)
	}
	if count != 0 {
		t.Errorf("Expected zero message rows, got %d", count)
	}
}

func TestIngestIdempotence(t *testing.T) {
	engine, pool := newTestEngine(t)
	ctx := context.Background()
	createTestInbox(t, pool, "support@nw.local")

	msg := inbound("<1@x>", "alice@example.com", "support@nw.local", "Pricing", time.Now())

	first, err := engine.Ingest(ctx, msg)
	if err != nil {
		t.Fatalf("first Ingest failed: %v", err)
	}
	if first.Outcome != OutcomeCreated {
		t.Fatalf("Expected created, got %s", first.Outcome)
	}

	second, err := engine.Ingest(ctx, msg)
	if err != nil {
		t.Fatalf("second Ingest failed: %v", err)
	}
	if second.Outcome != OutcomeDuplicate {
		t.Errorf("Expected duplicate, got %s", second.Outcome)
	}
	if second.MessageID != first.MessageID {
		t.Errorf("Expected duplicate to reference %s, got %s", first.MessageID, second.MessageID)
	}

	var count int
	if err := pool.QueryRow(ctx, `SELECT COUNT(*) FROM messages`).Scan(&count); err != nil {
		t.Fatalf("count query failed: %v", err)
	}
	if count != 1 {
		t.Errorf("Expected exactly one message row, got %d", count)
	}
}

func TestIngestHeaderThreading(t *testing.T) {
	engine, pool := newTestEngine(t)
	ctx := context.Background()
	createTestInbox(t, pool, "support@nw.local")

	now := time.Now()

	a, err := engine.Ingest(ctx, inbound("<1@x>", "alice@example.com", "support@nw.local", "Pricing", now))
	if err != nil {
		t.Fatalf("Ingest A failed: %v", err)
	}

	reply := inbound("<2@x>", "support@nw.local", "support@nw.local", "Re: Pricing", now.Add(time.Hour))
	reply.InReplyTo = "<1@x>"

	b, err := engine.Ingest(ctx, reply)
	if err != nil {
		t.Fatalf("Ingest B failed: %v", err)
	}

	if a.ThreadID != b.ThreadID {
		t.Errorf("Expected both messages in one thread, got %s and %s", a.ThreadID, b.ThreadID)
	}
}

func TestIngestReferencesThreading(t *testing.T) {
	engine, pool := newTestEngine(t)
	ctx := context.Background()
	createTestInbox(t, pool, "support@nw.local")

	now := time.Now()

	a, err := engine.Ingest(ctx, inbound("<1@x>", "alice@example.com", "support@nw.local", "Pricing", now))
	if err != nil {
		t.Fatalf("Ingest A failed: %v", err)
	}

	// No In-Reply-To, only a References chain mentioning an unknown root and
	// the stored ancestor.
	reply := inbound("<3@x>", "bob@example.com", "support@nw.local", "Re: Pricing", now.Add(time.Hour))
	reply.References = []string{"<0@elsewhere>", "<1@x>"}

	b, err := engine.Ingest(ctx, reply)
	if err != nil {
		t.Fatalf("Ingest B failed: %v", err)
	}

	if a.ThreadID != b.ThreadID {
		t.Errorf("Expected references match to join thread %s, got %s", a.ThreadID, b.ThreadID)
	}
}

func TestIngestSubjectParticipantFallback(t *testing.T) {
	engine, pool := newTestEngine(t)
	ctx := context.Background()
	createTestInbox(t, pool, "support@nw.local")

	now := time.Now()

	t.Run("groups messages with same subject and participants", func(t *testing.T) {
		a, err := engine.Ingest(ctx, inbound("<f1@x>", "alice@example.com", "support@nw.local", "Invoice question", now))
		if err != nil {
			t.Fatalf("Ingest A failed: %v", err)
		}

		b, err := engine.Ingest(ctx, inbound("<f2@x>", "alice@example.com", "support@nw.local", "Re: Invoice question", now.Add(time.Hour)))
		if err != nil {
			t.Fatalf("Ingest B failed: %v", err)
		}

		if a.ThreadID != b.ThreadID {
			t.Errorf("Expected fallback to group into thread %s, got %s", a.ThreadID, b.ThreadID)
		}
	})

	t.Run("rejects mismatched participants", func(t *testing.T) {
		a, err := engine.Ingest(ctx, inbound("<f3@x>", "carol@example.com", "support@nw.local", "Pricing", now))
		if err != nil {
			t.Fatalf("Ingest A failed: %v", err)
		}

		b, err := engine.Ingest(ctx, inbound("<f4@x>", "mallory@other.com", "support@nw.local", "Re: Pricing", now.Add(time.Hour)))
		if err != nil {
			t.Fatalf("Ingest B failed: %v", err)
		}

		if a.ThreadID == b.ThreadID {
			t.Error("Expected a different sender to start a new thread")
		}
	})

	t.Run("rejects matches outside the lookback window", func(t *testing.T) {
		old := now.Add(-60 * 24 * time.Hour)

		a, err := engine.Ingest(ctx, inbound("<f5@x>", "dave@example.com", "support@nw.local", "Old topic", old))
		if err != nil {
			t.Fatalf("Ingest A failed: %v", err)
		}

		b, err := engine.Ingest(ctx, inbound("<f6@x>", "dave@example.com", "support@nw.local", "Re: Old topic", now))
		if err != nil {
			t.Fatalf("Ingest B failed: %v", err)
		}

		if a.ThreadID == b.ThreadID {
			t.Error("Expected a stale thread to be skipped by the lookback window")
		}
	})
}

func TestIngestDerivedKeyDedup(t *testing.T) {
	engine, pool := newTestEngine(t)
	ctx := context.Background()
	createTestInbox(t, pool, "support@nw.local")

	at := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	msg := inbound("", "noid@example.com", "support@nw.local", "No message id", at)

	first, err := engine.Ingest(ctx, msg)
	if err != nil {
		t.Fatalf("first Ingest failed: %v", err)
	}
	if first.Outcome != OutcomeCreated {
		t.Fatalf("Expected created, got %s", first.Outcome)
	}

	second, err := engine.Ingest(ctx, msg)
	if err != nil {
		t.Fatalf("second Ingest failed: %v", err)
	}
	if second.Outcome != OutcomeDuplicate {
		t.Errorf("Expected duplicate via derived key, got %s", second.Outcome)
	}
}

func TestIngestSanitizedTexts(t *testing.T) {
	engine, pool := newTestEngine(t)
	ctx := context.Background()
	createTestInbox(t, pool, "support@nw.local")

	msg := inbound("<s1@x>", "alice@example.com", "support@nw.local", "Thanks", time.Now())
	msg.BodyPlain = "Thanks!\n\nOn Jan 1, 2024, Jane wrote:\n> original"

	result, err := engine.Ingest(ctx, msg)
	if err != nil {
		t.Fatalf("Ingest failed: %v", err)
	}

	var cleanText, extractedText string
	err = pool.QueryRow(ctx, `SELECT clean_text, extracted_text FROM messages WHERE id = $1`, result.MessageID).
		Scan(&cleanText, &extractedText)
	if err != nil {
		t.Fatalf("query failed: %v", err)
	}

	if cleanText != msg.BodyPlain {
		t.Errorf("Expected clean text to retain full body, got %q", cleanText)
	}
	if extractedText != "Thanks!" {
		t.Errorf("Expected extracted text %q, got %q", "Thanks!", extractedText)
	}
}

func TestIngestAttachments(t *testing.T) {
	engine, pool := newTestEngine(t)
	ctx := context.Background()
	createTestInbox(t, pool, "support@nw.local")

	msg := inbound("<a1@x>", "alice@example.com", "support@nw.local", "With attachment", time.Now())
	msg.Attachments = []InboundAttachment{
		{Filename: "report.pdf", ContentType: "application/pdf", Content: []byte("%PDF-1.4 fake")},
	}

	result, err := engine.Ingest(ctx, msg)
	if err != nil {
		t.Fatalf("Ingest failed: %v", err)
	}

	attachments, err := db.GetAttachmentsForMessage(ctx, pool, result.MessageID)
	if err != nil {
		t.Fatalf("GetAttachmentsForMessage failed: %v", err)
	}

	if len(attachments) != 1 {
		t.Fatalf("Expected one attachment row, got %d", len(attachments))
	}
	if attachments[0].Filename != "report.pdf" {
		t.Errorf("Expected filename report.pdf, got %s", attachments[0].Filename)
	}
	if attachments[0].StorageKey == "" {
		t.Error("Expected a storage key")
	}
	if attachments[0].ContentHash == "" {
		t.Error("Expected a content hash")
	}
}

func TestIngestHookDispatch(t *testing.T) {
	engine, pool := newTestEngine(t)
	ctx := context.Background()
	createTestInbox(t, pool, "support@nw.local")

	done := make(chan string, 1)
	engine.RegisterHook(&recordingHook{done: done})

	result, err := engine.Ingest(ctx, inbound("<h1@x>", "alice@example.com", "support@nw.local", "Hi", time.Now()))
	if err != nil {
		t.Fatalf("Ingest failed: %v", err)
	}

	select {
	case threadID := <-done:
		if threadID != result.ThreadID {
			t.Errorf("Expected hook to receive thread %s, got %s", result.ThreadID, threadID)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Hook was not dispatched")
	}
}

func TestIngestHookFailureDoesNotAffectResult(t *testing.T) {
	engine, pool := newTestEngine(t)
	ctx := context.Background()
	createTestInbox(t, pool, "support@nw.local")

	engine.RegisterHook(&panickingHook{})

	result, err := engine.Ingest(ctx, inbound("<h2@x>", "alice@example.com", "support@nw.local", "Hi", time.Now()))
	if err != nil {
		t.Fatalf("Ingest failed despite hook panic: %v", err)
	}
	if result.Outcome != OutcomeCreated {
		t.Errorf("Expected created outcome, got %s", result.Outcome)
	}
}

func TestIngestEndToEndScenario(t *testing.T) {
	engine, pool := newTestEngine(t)
	ctx := context.Background()
	createTestInbox(t, pool, "support@nw.local")

	start := time.Now().Truncate(time.Second)

	// First message opens a new thread.
	first := inbound("<1@x>", "alice@example.com", "support@nw.local", "Pricing", start)
	r1, err := engine.Ingest(ctx, first)
	if err != nil {
		t.Fatalf("Ingest first failed: %v", err)
	}
	if r1.Outcome != OutcomeCreated {
		t.Fatalf("Expected created, got %s", r1.Outcome)
	}

	thread, err := db.GetThreadByID(ctx, pool, r1.ThreadID)
	if err != nil {
		t.Fatalf("GetThreadByID failed: %v", err)
	}
	if thread.Subject != "Pricing" {
		t.Errorf("Expected thread subject Pricing, got %s", thread.Subject)
	}

	// Reply joins the same thread and advances last_message_at.
	reply := inbound("<2@x>", "alice@example.com", "support@nw.local", "Re: Pricing", start.Add(time.Hour))
	reply.InReplyTo = "<1@x>"

	r2, err := engine.Ingest(ctx, reply)
	if err != nil {
		t.Fatalf("Ingest reply failed: %v", err)
	}
	if r2.ThreadID != r1.ThreadID {
		t.Errorf("Expected reply in thread %s, got %s", r1.ThreadID, r2.ThreadID)
	}

	thread, err = db.GetThreadByID(ctx, pool, r1.ThreadID)
	if err != nil {
		t.Fatalf("GetThreadByID failed: %v", err)
	}
	if !thread.LastMessageAt.After(start) {
		t.Errorf("Expected last_message_at advanced past %v, got %v", start, thread.LastMessageAt)
	}

	// Re-ingest the first payload unchanged.
	r3, err := engine.Ingest(ctx, first)
	if err != nil {
		t.Fatalf("Re-ingest failed: %v", err)
	}
	if r3.Outcome != OutcomeDuplicate {
		t.Errorf("Expected duplicate on re-ingest, got %s", r3.Outcome)
	}

	count, err := db.CountMessagesForThread(ctx, pool, r1.ThreadID)
	if err != nil {
		t.Fatalf("CountMessagesForThread failed: %v", err)
	}
	if count != 2 {
		t.Errorf("Expected the thread to hold exactly two messages, got %d", count)
	}
}

func TestIngestLastMessageAtMonotonic(t *testing.T) {
	engine, pool := newTestEngine(t)
	ctx := context.Background()
	createTestInbox(t, pool, "support@nw.local")

	now := time.Now().Truncate(time.Second)

	r1, err := engine.Ingest(ctx, inbound("<m1@x>", "alice@example.com", "support@nw.local", "Topic", now))
	if err != nil {
		t.Fatalf("Ingest failed: %v", err)
	}

	// A late-arriving older reply threads correctly but must not rewind
	// last_message_at.
	late := inbound("<m2@x>", "alice@example.com", "support@nw.local", "Re: Topic", now.Add(-time.Hour))
	late.InReplyTo = "<m1@x>"
	if _, err := engine.Ingest(ctx, late); err != nil {
		t.Fatalf("Ingest late failed: %v", err)
	}

	thread, err := db.GetThreadByID(ctx, pool, r1.ThreadID)
	if err != nil {
		t.Fatalf("GetThreadByID failed: %v", err)
	}

	if thread.LastMessageAt.Before(now) {
		t.Errorf("Expected last_message_at to stay at %v, got %v", now, thread.LastMessageAt)
	}
}

func TestIngestInsertConflictBecomesDuplicate(t *testing.T) {
	engine, pool := newTestEngine(t)
	ctx := context.Background()
	createTestInbox(t, pool, "support@nw.local")

	in := inbound("<race-1@x>", "alice@example.com", "support@nw.local", "Race", time.Now())

	winner, err := engine.Ingest(ctx, in)
	if err != nil {
		t.Fatalf("Ingest failed: %v", err)
	}

	// Two ingests racing on the same message both pass the duplicate
	// pre-check before either inserts. The winner has committed above; run
	// the loser's persistence step directly so the unique violation fires.
	inbox, err := db.GetInboxByAddress(ctx, pool, in.To)
	if err != nil {
		t.Fatalf("GetInboxByAddress failed: %v", err)
	}
	sanitized := sanitize.Sanitize(in.BodyHTML, in.BodyPlain)

	result, err := engine.persist(ctx, inbox.ID, idempotencyKey(in), nil, in, sanitized, nil)
	if err != nil {
		t.Fatalf("Expected conflict to resolve as duplicate, got error: %v", err)
	}
	if result.Outcome != OutcomeDuplicate {
		t.Errorf("Expected outcome %q, got %q", OutcomeDuplicate, result.Outcome)
	}
	if result.MessageID != winner.MessageID {
		t.Errorf("Expected winner's message ID %s, got %s", winner.MessageID, result.MessageID)
	}

	// The loser's transaction rolled back whole: no second message, and no
	// speculative thread left behind.
	var messages, threads int
	if err := pool.QueryRow(ctx, `SELECT COUNT(*) FROM messages`).Scan(&messages); err != nil {
		t.Fatalf("Count messages failed: %v", err)
	}
	if err := pool.QueryRow(ctx, `SELECT COUNT(*) FROM threads`).Scan(&threads); err != nil {
		t.Fatalf("Count threads failed: %v", err)
	}
	if messages != 1 || threads != 1 {
		t.Errorf("Expected 1 message and 1 thread, got %d and %d", messages, threads)
	}
}

type recordingHook struct {
	done chan string
}

func (h *recordingHook) Name() string { return "recording" }

func (h *recordingHook) AfterIngest(_ context.Context, threadID string) error {
	h.done <- threadID
	return nil
}

type panickingHook struct{}

func (h *panickingHook) Name() string { return "panicking" }

func (h *panickingHook) AfterIngest(context.Context, string) error {
	panic("hook exploded")
}
