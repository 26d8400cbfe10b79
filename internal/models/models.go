package models

import (
	"encoding/json"
	"time"
)

// Direction of a message relative to the owning inbox.
const (
	DirectionInbound  = "inbound"
	DirectionOutbound = "outbound"
)

// Inbox is a provisioned receiving address. Inboxes are created through the
// admin API only; ingestion never creates one.
type Inbox struct {
	ID             string          `json:"id"`
	EmailAddress   string          `json:"email_address"`
	DisplayName    string          `json:"display_name"`
	ProviderConfig json.RawMessage `json:"provider_config,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
}

// Thread is a conversation within one inbox. The summary is written by the
// summarization hook after ingest, never by the ingestion engine itself.
type Thread struct {
	ID                string    `json:"id"`
	InboxID           string    `json:"inbox_id"`
	Subject           string    `json:"subject"`
	NormalizedSubject string    `json:"normalized_subject"`
	Participants      []string  `json:"participants"`
	ParticipantHash   string    `json:"participant_hash"`
	LastMessageAt     time.Time `json:"last_message_at"`
	Summary           *string   `json:"summary,omitempty"`
	CreatedAt         time.Time `json:"created_at"`
}

// Message is one email, inbound or outbound. Immutable once ingested.
// ProviderMessageID holds the protocol Message-ID header, or a derived
// digest key when the sender omitted one.
type Message struct {
	ID                string       `json:"id"`
	ThreadID          string       `json:"thread_id"`
	InboxID           string       `json:"inbox_id"`
	ProviderMessageID string       `json:"provider_message_id"`
	Direction         string       `json:"direction"`
	FromAddress       string       `json:"from_address"`
	ToAddresses       []string     `json:"to_addresses"`
	CCAddresses       []string     `json:"cc_addresses"`
	BCCAddresses      []string     `json:"bcc_addresses"`
	Subject           string       `json:"subject"`
	BodyPlain         string       `json:"body_plain"`
	BodyHTML          string       `json:"body_html"`
	CleanText         string       `json:"clean_text"`
	ExtractedText     string       `json:"extracted_text"`
	InReplyTo         string       `json:"in_reply_to"`
	References        []string     `json:"references"`
	SentAt            time.Time    `json:"sent_at"`
	SizeBytes         int64        `json:"size_bytes"`
	CreatedAt         time.Time    `json:"created_at"`
	Attachments       []Attachment `json:"attachments,omitempty"`
}

// Attachment is stored metadata only; the bytes live in the blob store
// under StorageKey.
type Attachment struct {
	ID          string `json:"id"`
	MessageID   string `json:"message_id"`
	Filename    string `json:"filename"`
	ContentType string `json:"content_type"`
	SizeBytes   int64  `json:"size_bytes"`
	StorageKey  string `json:"storage_key"`
	ContentHash string `json:"content_hash"`
}

// MailboxSyncState is the per-mailbox poller high-water mark.
type MailboxSyncState struct {
	InboxID     string    `json:"inbox_id"`
	LastSeenUID int64     `json:"last_seen_uid"`
	UIDValidity int64     `json:"uid_validity"`
	SyncedAt    time.Time `json:"synced_at"`
}

// IMAPConfig is the shape of an inbox's provider_config when the inbox is
// backed by a polled mailbox rather than a webhook provider.
type IMAPConfig struct {
	Type                    string `json:"type"`
	Host                    string `json:"host"`
	Username                string `json:"username"`
	EncryptedPasswordBase64 string `json:"encrypted_password_base64"`
	UseTLS                  bool   `json:"use_tls"`
}
