package ingest

import (
	"context"
	"time"
)

// InboundMessage is the provider-agnostic input of the engine. Every webhook
// adapter and the mailbox poller produce this shape; the engine never sees a
// provider-specific payload. It is transient and never persisted as-is.
type InboundMessage struct {
	To          string
	From        string
	CC          []string
	BCC         []string
	Subject     string
	BodyPlain   string
	BodyHTML    string
	MessageID   string
	InReplyTo   string
	References  []string
	Timestamp   time.Time
	Attachments []InboundAttachment
	SPFResult   string
	DKIMResult  string
	DMARCResult string
}

// InboundAttachment carries raw attachment bytes from an adapter to the
// engine. The engine hands the bytes to the blob store and persists only the
// returned key and hash.
type InboundAttachment struct {
	Filename    string
	ContentType string
	Size        int64
	Content     []byte
}

// Outcome of one Ingest call.
type Outcome string

const (
	// OutcomeCreated means a new message (and possibly thread) was committed.
	OutcomeCreated Outcome = "created"
	// OutcomeDuplicate means the message was already ingested; no rows written.
	OutcomeDuplicate Outcome = "duplicate"
	// OutcomeNoInbox means the recipient address matches no configured inbox.
	OutcomeNoInbox Outcome = "no_inbox"
)

// IngestResult is the value returned by Engine.Ingest. Only infrastructure
// failures are returned as errors; every normal outcome is represented here.
type IngestResult struct {
	Outcome   Outcome `json:"outcome"`
	MessageID string  `json:"message_id,omitempty"`
	ThreadID  string  `json:"thread_id,omitempty"`
}

// Hook is post-ingest downstream work, dispatched fire-and-forget after a
// successful commit. A hook error is logged at the dispatch boundary and
// never reaches the Ingest caller.
type Hook interface {
	Name() string
	AfterIngest(ctx context.Context, threadID string) error
}
