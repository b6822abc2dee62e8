package dao

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/vadim/omni-inbox/internal/domain/inbox/entity"
)

// ConversationPostgres implements conversation repository for PostgreSQL
type ConversationPostgres struct {
	pool *pgxpool.Pool
}

// NewConversationPostgres creates a new PostgreSQL conversation repository
func NewConversationPostgres(pool *pgxpool.Pool) *ConversationPostgres {
	return &ConversationPostgres{pool: pool}
}

// GetOrCreate finds the thread for (account, customer) or creates it.
// Concurrent webhook deliveries race here, so the insert is an upsert
// and the canonical row is returned either way. A non-empty customer
// name refreshes a previously empty one but never blanks it.
func (r *ConversationPostgres) GetOrCreate(ctx context.Context, conv *entity.Conversation) (*entity.Conversation, error) {
	query := `
		INSERT INTO conversations (
			id, account_id, channel, customer_id, customer_name,
			customer_avatar_url, unread_count, archived, extended_window,
			created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, 0, FALSE, FALSE, $7, $7)
		ON CONFLICT (account_id, customer_id) DO UPDATE SET
			customer_name = COALESCE(NULLIF(EXCLUDED.customer_name, ''), conversations.customer_name),
			customer_avatar_url = COALESCE(NULLIF(EXCLUDED.customer_avatar_url, ''), conversations.customer_avatar_url),
			updated_at = EXCLUDED.updated_at
		RETURNING ` + conversationColumns

	now := time.Now()
	row := r.pool.QueryRow(ctx, query,
		conv.ID,
		conv.AccountID,
		conv.Channel,
		conv.CustomerID,
		conv.CustomerName,
		conv.CustomerAvatarURL,
		now,
	)
	return r.scanConversation(row)
}

// GetByID retrieves a conversation by ID
func (r *ConversationPostgres) GetByID(ctx context.Context, id string) (*entity.Conversation, error) {
	row := r.pool.QueryRow(ctx, "SELECT "+conversationColumns+" FROM conversations WHERE id = $1", id)
	conv, err := r.scanConversation(row)
	if err != nil {
		return nil, err
	}
	if conv == nil {
		return nil, entity.ErrConversationNotFound
	}
	return conv, nil
}

// ListByAccount retrieves conversations for an account, most recent
// activity first
func (r *ConversationPostgres) ListByAccount(ctx context.Context, accountID string, limit, offset int) ([]entity.Conversation, error) {
	query := `
		SELECT ` + conversationColumns + `
		FROM conversations
		WHERE account_id = $1 AND NOT archived
		ORDER BY last_message_at DESC NULLS LAST, updated_at DESC
		LIMIT $2 OFFSET $3
	`

	rows, err := r.pool.Query(ctx, query, accountID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("querying conversations: %w", err)
	}
	defer rows.Close()

	return r.scanConversations(rows)
}

// ListByAccounts retrieves conversations across several accounts, the
// unified inbox view
func (r *ConversationPostgres) ListByAccounts(ctx context.Context, accountIDs []string, limit, offset int) ([]entity.Conversation, error) {
	query := `
		SELECT ` + conversationColumns + `
		FROM conversations
		WHERE account_id = ANY($1) AND NOT archived
		ORDER BY last_message_at DESC NULLS LAST, updated_at DESC
		LIMIT $2 OFFSET $3
	`

	rows, err := r.pool.Query(ctx, query, accountIDs, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("querying conversations: %w", err)
	}
	defer rows.Close()

	return r.scanConversations(rows)
}

// RecordActivity refreshes the list preview after a message lands.
// Inbound messages also bump the unread counter and the reply-window
// anchor.
func (r *ConversationPostgres) RecordActivity(ctx context.Context, id, previewText string, at time.Time, inbound bool) error {
	query := `
		UPDATE conversations SET
			last_message_text = $2,
			last_message_at = $3,
			last_inbound_at = CASE WHEN $4 THEN $3 ELSE last_inbound_at END,
			unread_count = unread_count + CASE WHEN $4 THEN 1 ELSE 0 END,
			updated_at = $5
		WHERE id = $1
	`
	_, err := r.pool.Exec(ctx, query, id, previewText, at, inbound, time.Now())
	if err != nil {
		return fmt.Errorf("recording conversation activity: %w", err)
	}
	return nil
}

// MarkRead resets the unread counter
func (r *ConversationPostgres) MarkRead(ctx context.Context, id string) error {
	tag, err := r.pool.Exec(ctx,
		"UPDATE conversations SET unread_count = 0, updated_at = $2 WHERE id = $1",
		id, time.Now(),
	)
	if err != nil {
		return fmt.Errorf("marking conversation read: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return entity.ErrConversationNotFound
	}
	return nil
}

// MarkExtendedWindow records that the thread was escalated past the
// standard reply window. The flag is sticky: the first escalation wins
// and keeps its reason and timestamp.
func (r *ConversationPostgres) MarkExtendedWindow(ctx context.Context, id, reason string, at time.Time) error {
	query := `
		UPDATE conversations SET
			extended_window = TRUE,
			extended_window_reason = $2,
			extended_window_at = $3,
			updated_at = $4
		WHERE id = $1 AND NOT extended_window
	`
	_, err := r.pool.Exec(ctx, query, id, reason, at, time.Now())
	if err != nil {
		return fmt.Errorf("marking extended window: %w", err)
	}
	return nil
}

// SetArchived toggles the archived flag
func (r *ConversationPostgres) SetArchived(ctx context.Context, id string, archived bool) error {
	tag, err := r.pool.Exec(ctx,
		"UPDATE conversations SET archived = $2, updated_at = $3 WHERE id = $1",
		id, archived, time.Now(),
	)
	if err != nil {
		return fmt.Errorf("archiving conversation: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return entity.ErrConversationNotFound
	}
	return nil
}

const conversationColumns = `id, account_id, channel, customer_id, customer_name,
	customer_avatar_url, last_message_text, last_message_at, last_inbound_at,
	unread_count, archived, extended_window, extended_window_reason,
	extended_window_at, created_at, updated_at`

func (r *ConversationPostgres) scanConversation(row pgx.Row) (*entity.Conversation, error) {
	var conv entity.Conversation
	var lastMessageAt, lastInboundAt, extendedAt *time.Time
	var extendedReason *string

	err := row.Scan(
		&conv.ID,
		&conv.AccountID,
		&conv.Channel,
		&conv.CustomerID,
		&conv.CustomerName,
		&conv.CustomerAvatarURL,
		&conv.LastMessageText,
		&lastMessageAt,
		&lastInboundAt,
		&conv.UnreadCount,
		&conv.Archived,
		&conv.ExtendedWindow,
		&extendedReason,
		&extendedAt,
		&conv.CreatedAt,
		&conv.UpdatedAt,
	)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scanning conversation: %w", err)
	}

	conv.LastMessageAt = lastMessageAt
	conv.LastInboundAt = lastInboundAt
	conv.ExtendedWindowAt = extendedAt
	if extendedReason != nil {
		conv.ExtendedWindowReason = *extendedReason
	}
	return &conv, nil
}

func (r *ConversationPostgres) scanConversations(rows pgx.Rows) ([]entity.Conversation, error) {
	var conversations []entity.Conversation

	for rows.Next() {
		var conv entity.Conversation
		var lastMessageAt, lastInboundAt, extendedAt *time.Time
		var extendedReason *string

		err := rows.Scan(
			&conv.ID,
			&conv.AccountID,
			&conv.Channel,
			&conv.CustomerID,
			&conv.CustomerName,
			&conv.CustomerAvatarURL,
			&conv.LastMessageText,
			&lastMessageAt,
			&lastInboundAt,
			&conv.UnreadCount,
			&conv.Archived,
			&conv.ExtendedWindow,
			&extendedReason,
			&extendedAt,
			&conv.CreatedAt,
			&conv.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scanning conversation row: %w", err)
		}

		conv.LastMessageAt = lastMessageAt
		conv.LastInboundAt = lastInboundAt
		conv.ExtendedWindowAt = extendedAt
		if extendedReason != nil {
			conv.ExtendedWindowReason = *extendedReason
		}
		conversations = append(conversations, conv)
	}

	return conversations, nil
}
