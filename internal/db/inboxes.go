package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/relaymail/relaymail/internal/models"
)

// ErrInboxNotFound is returned when no inbox matches the lookup.
var ErrInboxNotFound = errors.New("inbox not found")

// CreateInbox inserts a new inbox and populates its ID and CreatedAt.
func CreateInbox(ctx context.Context, q DBTX, inbox *models.Inbox) error {
	providerConfig := inbox.ProviderConfig
	if len(providerConfig) == 0 {
		providerConfig = []byte("{}")
	}

	err := q.QueryRow(ctx, `
		INSERT INTO inboxes (email_address, display_name, provider_config)
		VALUES ($1, $2, $3)
		RETURNING id, created_at
	`, inbox.EmailAddress, inbox.DisplayName, providerConfig).Scan(&inbox.ID, &inbox.CreatedAt)

	if err != nil {
		if IsUniqueViolation(err) {
			return fmt.Errorf("inbox address %s already exists: %w", inbox.EmailAddress, err)
		}
		return fmt.Errorf("failed to create inbox: %w", err)
	}

	return nil
}

// GetInboxByAddress looks up an inbox by exact, case-insensitive address match.
func GetInboxByAddress(ctx context.Context, q DBTX, address string) (*models.Inbox, error) {
	var inbox models.Inbox

	err := q.QueryRow(ctx, `
		SELECT id, email_address, display_name, provider_config, created_at
		FROM inboxes
		WHERE lower(email_address) = lower($1)
	`, address).Scan(
		&inbox.ID,
		&inbox.EmailAddress,
		&inbox.DisplayName,
		&inbox.ProviderConfig,
		&inbox.CreatedAt,
	)

	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrInboxNotFound
	}

	if err != nil {
		return nil, fmt.Errorf("failed to get inbox: %w", err)
	}

	return &inbox, nil
}

// GetInboxByID returns an inbox by its database ID.
func GetInboxByID(ctx context.Context, q DBTX, inboxID string) (*models.Inbox, error) {
	var inbox models.Inbox

	err := q.QueryRow(ctx, `
		SELECT id, email_address, display_name, provider_config, created_at
		FROM inboxes
		WHERE id = $1
	`, inboxID).Scan(
		&inbox.ID,
		&inbox.EmailAddress,
		&inbox.DisplayName,
		&inbox.ProviderConfig,
		&inbox.CreatedAt,
	)

	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrInboxNotFound
	}

	if err != nil {
		return nil, fmt.Errorf("failed to get inbox by ID: %w", err)
	}

	return &inbox, nil
}

// ListInboxes returns all configured inboxes ordered by creation time.
func ListInboxes(ctx context.Context, q DBTX) ([]*models.Inbox, error) {
	rows, err := q.Query(ctx, `
		SELECT id, email_address, display_name, provider_config, created_at
		FROM inboxes
		ORDER BY created_at
	`)

	if err != nil {
		return nil, fmt.Errorf("failed to list inboxes: %w", err)
	}
	defer rows.Close()

	var inboxes []*models.Inbox
	for rows.Next() {
		var inbox models.Inbox
		if err := rows.Scan(
			&inbox.ID,
			&inbox.EmailAddress,
			&inbox.DisplayName,
			&inbox.ProviderConfig,
			&inbox.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan inbox: %w", err)
		}
		inboxes = append(inboxes, &inbox)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating inboxes: %w", err)
	}

	return inboxes, nil
}

// DeleteInbox removes an inbox. Threads, messages, attachment metadata, and
// sync state cascade at the schema level.
func DeleteInbox(ctx context.Context, q DBTX, inboxID string) error {
	tag, err := q.Exec(ctx, `DELETE FROM inboxes WHERE id = $1`, inboxID)
	if err != nil {
		return fmt.Errorf("failed to delete inbox: %w", err)
	}

	if tag.RowsAffected() == 0 {
		return ErrInboxNotFound
	}

	return nil
}
