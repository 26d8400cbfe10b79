package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/relaymail/relaymail/internal/models"
)

// ErrMessageNotFound is returned when a requested message cannot be found.
var ErrMessageNotFound = errors.New("message not found")

// ErrDuplicateMessage is returned by InsertMessage when the
// (inbox_id, provider_message_id) uniqueness guard rejects the row.
var ErrDuplicateMessage = errors.New("duplicate message")

// InsertMessage inserts a message row and populates its ID and CreatedAt.
// A unique violation on (inbox_id, provider_message_id) is returned as
// ErrDuplicateMessage so the caller can reinterpret the race as a duplicate.
func InsertMessage(ctx context.Context, q DBTX, message *models.Message) error {
	err := q.QueryRow(ctx, `
		INSERT INTO messages (
			thread_id,
			inbox_id,
			provider_message_id,
			direction,
			from_address,
			to_addresses,
			cc_addresses,
			bcc_addresses,
			subject,
			body_plain,
			body_html,
			clean_text,
			extracted_text,
			in_reply_to,
			references_list,
			sent_at,
			size_bytes
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
		RETURNING id, created_at
	`,
		message.ThreadID,
		message.InboxID,
		message.ProviderMessageID,
		message.Direction,
		message.FromAddress,
		textArray(message.ToAddresses),
		textArray(message.CCAddresses),
		textArray(message.BCCAddresses),
		message.Subject,
		message.BodyPlain,
		message.BodyHTML,
		message.CleanText,
		message.ExtractedText,
		message.InReplyTo,
		textArray(message.References),
		message.SentAt,
		message.SizeBytes,
	).Scan(&message.ID, &message.CreatedAt)

	if err != nil {
		if IsUniqueViolation(err) {
			return ErrDuplicateMessage
		}
		return fmt.Errorf("failed to insert message: %w", err)
	}

	return nil
}

// textArray guards the NOT NULL array columns; pgx encodes a nil slice as
// SQL NULL.
func textArray(values []string) []string {
	if values == nil {
		return []string{}
	}
	return values
}

// GetMessageIDByProviderID returns the ID of the message in this inbox that
// carries the given provider message identifier, or ErrMessageNotFound.
// This is the dedup pre-check; the unique index is the final guard.
func GetMessageIDByProviderID(ctx context.Context, q DBTX, inboxID, providerMessageID string) (string, error) {
	var id string

	err := q.QueryRow(ctx, `
		SELECT id
		FROM messages
		WHERE inbox_id = $1 AND provider_message_id = $2
	`, inboxID, providerMessageID).Scan(&id)

	if errors.Is(err, pgx.ErrNoRows) {
		return "", ErrMessageNotFound
	}

	if err != nil {
		return "", fmt.Errorf("failed to look up message by provider ID: %w", err)
	}

	return id, nil
}

// HeaderMatch is a message located through the In-Reply-To/References chain.
type HeaderMatch struct {
	MessageID         string
	ThreadID          string
	ProviderMessageID string
}

// FindMessagesByProviderIDs returns the messages in this inbox whose provider
// message identifier is in the given set.
func FindMessagesByProviderIDs(ctx context.Context, q DBTX, inboxID string, providerMessageIDs []string) ([]HeaderMatch, error) {
	if len(providerMessageIDs) == 0 {
		return nil, nil
	}

	rows, err := q.Query(ctx, `
		SELECT id, thread_id, provider_message_id
		FROM messages
		WHERE inbox_id = $1 AND provider_message_id = ANY($2)
	`, inboxID, providerMessageIDs)

	if err != nil {
		return nil, fmt.Errorf("failed to find messages by provider IDs: %w", err)
	}
	defer rows.Close()

	var matches []HeaderMatch
	for rows.Next() {
		var m HeaderMatch
		if err := rows.Scan(&m.MessageID, &m.ThreadID, &m.ProviderMessageID); err != nil {
			return nil, fmt.Errorf("failed to scan header match: %w", err)
		}
		matches = append(matches, m)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating header matches: %w", err)
	}

	return matches, nil
}

// GetMessagesForThread returns all messages in a thread in sent order.
// Enumeration goes through this indexed query; threads never hold a live
// message collection.
func GetMessagesForThread(ctx context.Context, q DBTX, threadID string) ([]*models.Message, error) {
	rows, err := q.Query(ctx, `
		SELECT id, thread_id, inbox_id, provider_message_id, direction,
			from_address, to_addresses, cc_addresses, bcc_addresses,
			subject, body_plain, body_html, clean_text, extracted_text,
			in_reply_to, references_list, sent_at, size_bytes, created_at
		FROM messages
		WHERE thread_id = $1
		ORDER BY sent_at
	`, threadID)

	if err != nil {
		return nil, fmt.Errorf("failed to get messages: %w", err)
	}
	defer rows.Close()

	var messages []*models.Message
	for rows.Next() {
		var msg models.Message
		if err := rows.Scan(
			&msg.ID,
			&msg.ThreadID,
			&msg.InboxID,
			&msg.ProviderMessageID,
			&msg.Direction,
			&msg.FromAddress,
			&msg.ToAddresses,
			&msg.CCAddresses,
			&msg.BCCAddresses,
			&msg.Subject,
			&msg.BodyPlain,
			&msg.BodyHTML,
			&msg.CleanText,
			&msg.ExtractedText,
			&msg.InReplyTo,
			&msg.References,
			&msg.SentAt,
			&msg.SizeBytes,
			&msg.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		messages = append(messages, &msg)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating messages: %w", err)
	}

	return messages, nil
}

// GetRecentExtractedTexts returns the extracted texts of the newest messages
// in a thread, oldest first. Used by the summarization hook.
func GetRecentExtractedTexts(ctx context.Context, q DBTX, threadID string, limit int) ([]string, error) {
	rows, err := q.Query(ctx, `
		SELECT extracted_text
		FROM (
			SELECT extracted_text, sent_at
			FROM messages
			WHERE thread_id = $1
			ORDER BY sent_at DESC
			LIMIT $2
		) recent
		ORDER BY sent_at
	`, threadID, limit)

	if err != nil {
		return nil, fmt.Errorf("failed to get extracted texts: %w", err)
	}
	defer rows.Close()

	var texts []string
	for rows.Next() {
		var text string
		if err := rows.Scan(&text); err != nil {
			return nil, fmt.Errorf("failed to scan extracted text: %w", err)
		}
		texts = append(texts, text)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating extracted texts: %w", err)
	}

	return texts, nil
}

// CountMessagesForThread returns the number of messages in a thread.
func CountMessagesForThread(ctx context.Context, q DBTX, threadID string) (int, error) {
	var count int
	err := q.QueryRow(ctx, `SELECT COUNT(*) FROM messages WHERE thread_id = $1`, threadID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count messages: %w", err)
	}
	return count, nil
}

// InsertAttachment records attachment metadata for a message. The bytes
// themselves already live in the blob store under StorageKey.
func InsertAttachment(ctx context.Context, q DBTX, attachment *models.Attachment) error {
	err := q.QueryRow(ctx, `
		INSERT INTO attachments (message_id, filename, content_type, size_bytes, storage_key, content_hash)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id
	`,
		attachment.MessageID,
		attachment.Filename,
		attachment.ContentType,
		attachment.SizeBytes,
		attachment.StorageKey,
		attachment.ContentHash,
	).Scan(&attachment.ID)

	if err != nil {
		return fmt.Errorf("failed to insert attachment: %w", err)
	}

	return nil
}

// GetAttachmentsForMessage returns all attachment metadata rows for a message.
func GetAttachmentsForMessage(ctx context.Context, q DBTX, messageID string) ([]*models.Attachment, error) {
	rows, err := q.Query(ctx, `
		SELECT id, message_id, filename, content_type, size_bytes, storage_key, content_hash
		FROM attachments
		WHERE message_id = $1
	`, messageID)

	if err != nil {
		return nil, fmt.Errorf("failed to get attachments: %w", err)
	}
	defer rows.Close()

	var attachments []*models.Attachment
	for rows.Next() {
		var att models.Attachment
		if err := rows.Scan(
			&att.ID,
			&att.MessageID,
			&att.Filename,
			&att.ContentType,
			&att.SizeBytes,
			&att.StorageKey,
			&att.ContentHash,
		); err != nil {
			return nil, fmt.Errorf("failed to scan attachment: %w", err)
		}
		attachments = append(attachments, &att)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating attachments: %w", err)
	}

	return attachments, nil
}
