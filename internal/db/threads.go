package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/relaymail/relaymail/internal/models"
)

// ErrThreadNotFound is returned when a requested thread cannot be found.
var ErrThreadNotFound = errors.New("thread not found")

// CreateThread inserts a new thread and populates its ID and CreatedAt.
func CreateThread(ctx context.Context, q DBTX, thread *models.Thread) error {
	err := q.QueryRow(ctx, `
		INSERT INTO threads (inbox_id, subject, normalized_subject, participants, participant_hash, last_message_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, created_at
	`,
		thread.InboxID,
		thread.Subject,
		thread.NormalizedSubject,
		textArray(thread.Participants),
		thread.ParticipantHash,
		thread.LastMessageAt,
	).Scan(&thread.ID, &thread.CreatedAt)

	if err != nil {
		return fmt.Errorf("failed to create thread: %w", err)
	}

	return nil
}

// TouchThread refreshes a thread on arrival of a new message: the participant
// set and hash are replaced with the caller's recomputed union, and
// last_message_at only ever moves forward. A late-arriving old message never
// rewinds it.
func TouchThread(ctx context.Context, q DBTX, threadID string, participants []string, participantHash string, messageAt time.Time) error {
	tag, err := q.Exec(ctx, `
		UPDATE threads
		SET participants = $2,
			participant_hash = $3,
			last_message_at = GREATEST(last_message_at, $4)
		WHERE id = $1
	`, threadID, textArray(participants), participantHash, messageAt)

	if err != nil {
		return fmt.Errorf("failed to touch thread: %w", err)
	}

	if tag.RowsAffected() == 0 {
		return ErrThreadNotFound
	}

	return nil
}

// GetThreadByID returns a thread by its database ID.
func GetThreadByID(ctx context.Context, q DBTX, threadID string) (*models.Thread, error) {
	var thread models.Thread

	err := q.QueryRow(ctx, `
		SELECT id, inbox_id, subject, normalized_subject, participants, participant_hash,
			last_message_at, summary, created_at
		FROM threads
		WHERE id = $1
	`, threadID).Scan(
		&thread.ID,
		&thread.InboxID,
		&thread.Subject,
		&thread.NormalizedSubject,
		&thread.Participants,
		&thread.ParticipantHash,
		&thread.LastMessageAt,
		&thread.Summary,
		&thread.CreatedAt,
	)

	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrThreadNotFound
	}

	if err != nil {
		return nil, fmt.Errorf("failed to get thread: %w", err)
	}

	return &thread, nil
}

// FindThreadByFallback finds the most recently active thread in the inbox with
// an identical normalized subject and participant hash whose last activity
// falls after the cutoff. Returns ErrThreadNotFound when nothing qualifies.
func FindThreadByFallback(ctx context.Context, q DBTX, inboxID, normalizedSubject, participantHash string, activeSince time.Time) (*models.Thread, error) {
	var thread models.Thread

	err := q.QueryRow(ctx, `
		SELECT id, inbox_id, subject, normalized_subject, participants, participant_hash,
			last_message_at, summary, created_at
		FROM threads
		WHERE inbox_id = $1
			AND normalized_subject = $2
			AND participant_hash = $3
			AND last_message_at >= $4
		ORDER BY last_message_at DESC
		LIMIT 1
	`, inboxID, normalizedSubject, participantHash, activeSince).Scan(
		&thread.ID,
		&thread.InboxID,
		&thread.Subject,
		&thread.NormalizedSubject,
		&thread.Participants,
		&thread.ParticipantHash,
		&thread.LastMessageAt,
		&thread.Summary,
		&thread.CreatedAt,
	)

	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrThreadNotFound
	}

	if err != nil {
		return nil, fmt.Errorf("failed to find thread by fallback: %w", err)
	}

	return &thread, nil
}

// ListThreadsForInbox returns threads for an inbox ordered by recency.
func ListThreadsForInbox(ctx context.Context, q DBTX, inboxID string, limit, offset int) ([]*models.Thread, error) {
	rows, err := q.Query(ctx, `
		SELECT id, inbox_id, subject, normalized_subject, participants, participant_hash,
			last_message_at, summary, created_at
		FROM threads
		WHERE inbox_id = $1
		ORDER BY last_message_at DESC
		LIMIT $2 OFFSET $3
	`, inboxID, limit, offset)

	if err != nil {
		return nil, fmt.Errorf("failed to list threads: %w", err)
	}
	defer rows.Close()

	var threads []*models.Thread
	for rows.Next() {
		var thread models.Thread
		if err := rows.Scan(
			&thread.ID,
			&thread.InboxID,
			&thread.Subject,
			&thread.NormalizedSubject,
			&thread.Participants,
			&thread.ParticipantHash,
			&thread.LastMessageAt,
			&thread.Summary,
			&thread.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan thread: %w", err)
		}
		threads = append(threads, &thread)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating threads: %w", err)
	}

	return threads, nil
}

// UpdateThreadSummary writes the summary for a thread. Only the summarization
// hook calls this; the ingestion engine never touches the column.
func UpdateThreadSummary(ctx context.Context, q DBTX, threadID, summary string) error {
	tag, err := q.Exec(ctx, `UPDATE threads SET summary = $2 WHERE id = $1`, threadID, summary)
	if err != nil {
		return fmt.Errorf("failed to update thread summary: %w", err)
	}

	if tag.RowsAffected() == 0 {
		return ErrThreadNotFound
	}

	return nil
}
