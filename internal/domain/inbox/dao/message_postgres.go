package dao

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/vadim/omni-inbox/internal/domain/inbox/entity"
)

// MessagePostgres implements message repository for PostgreSQL
type MessagePostgres struct {
	pool *pgxpool.Pool
}

// NewMessagePostgres creates a new PostgreSQL message repository
func NewMessagePostgres(pool *pgxpool.Pool) *MessagePostgres {
	return &MessagePostgres{pool: pool}
}

// Insert stores a message. The unique index on (conversation_id,
// native_id) makes webhook redelivery a no-op; the returned flag says
// whether a row was actually written.
func (r *MessagePostgres) Insert(ctx context.Context, msg *entity.Message) (bool, error) {
	query := `
		INSERT INTO messages (
			id, conversation_id, native_id, direction, type, text, media_url,
			status, sent_at, delivered_at, read_at, failed_at, error_message,
			metadata, ts, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
		ON CONFLICT (conversation_id, native_id) DO NOTHING
	`

	tag, err := r.pool.Exec(ctx, query,
		msg.ID,
		msg.ConversationID,
		msg.NativeID,
		msg.Direction,
		msg.Type,
		msg.Text,
		msg.MediaURL,
		msg.Status,
		msg.SentAt,
		msg.DeliveredAt,
		msg.ReadAt,
		msg.FailedAt,
		msg.ErrorMessage,
		msg.Metadata,
		msg.Timestamp,
		time.Now(),
	)
	if err != nil {
		return false, fmt.Errorf("inserting message: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// GetByID retrieves a message by ID
func (r *MessagePostgres) GetByID(ctx context.Context, id string) (*entity.Message, error) {
	row := r.pool.QueryRow(ctx, "SELECT "+messageColumns+" FROM messages WHERE id = $1", id)
	msg, err := r.scanMessage(row)
	if err != nil {
		return nil, err
	}
	if msg == nil {
		return nil, entity.ErrMessageNotFound
	}
	return msg, nil
}

// GetByNativeID finds a message by its provider id within one account.
// Status receipts carry only the native id, so the lookup goes through
// the conversation to stay scoped to the receiving account.
func (r *MessagePostgres) GetByNativeID(ctx context.Context, accountID, nativeID string) (*entity.Message, error) {
	query := `
		SELECT ` + prefixedMessageColumns + `
		FROM messages m
		JOIN conversations c ON c.id = m.conversation_id
		WHERE c.account_id = $1 AND m.native_id = $2
	`
	row := r.pool.QueryRow(ctx, query, accountID, nativeID)
	return r.scanMessage(row)
}

// ListByConversation retrieves messages of a conversation, newest first
func (r *MessagePostgres) ListByConversation(ctx context.Context, conversationID string, limit, offset int) ([]entity.Message, error) {
	query := `
		SELECT ` + messageColumns + `
		FROM messages
		WHERE conversation_id = $1
		ORDER BY ts DESC, created_at DESC
		LIMIT $2 OFFSET $3
	`

	rows, err := r.pool.Query(ctx, query, conversationID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("querying messages: %w", err)
	}
	defer rows.Close()

	var messages []entity.Message
	for rows.Next() {
		msg, err := r.scanMessage(rows)
		if err != nil {
			return nil, err
		}
		messages = append(messages, *msg)
	}
	return messages, nil
}

// Count returns the number of messages in a conversation
func (r *MessagePostgres) Count(ctx context.Context, conversationID string) (int64, error) {
	var count int64
	err := r.pool.QueryRow(ctx, "SELECT COUNT(*) FROM messages WHERE conversation_id = $1", conversationID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("counting messages: %w", err)
	}
	return count, nil
}

// ConfirmSend records the provider acknowledgement on an optimistic
// row: the real native id, sent status and any send metadata such as
// the messaging tag that was applied
func (r *MessagePostgres) ConfirmSend(ctx context.Context, id, nativeID string, sentAt time.Time, extra map[string]string) error {
	query := `
		UPDATE messages SET
			native_id = $2,
			status = $3,
			sent_at = $4,
			metadata = COALESCE(metadata, '{}'::jsonb) || COALESCE($5, '{}'::jsonb)
		WHERE id = $1
	`
	tag, err := r.pool.Exec(ctx, query, id, nativeID, entity.StatusSent, sentAt, extra)
	if err != nil {
		return fmt.Errorf("confirming send: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return entity.ErrMessageNotFound
	}
	return nil
}

// ApplyStatus records a delivery receipt. The timestamp column for the
// incoming status is written unconditionally (receipts arrive out of
// order and each carries its own clock); the status column only moves
// when advance is true.
func (r *MessagePostgres) ApplyStatus(ctx context.Context, id string, status entity.DeliveryStatus, at time.Time, errMsg string, advance bool) error {
	query := `
		UPDATE messages SET
			status = CASE WHEN $5 THEN $2 ELSE status END,
			sent_at = CASE WHEN $2 = 'sent' THEN $3 ELSE sent_at END,
			delivered_at = CASE WHEN $2 = 'delivered' THEN $3 ELSE delivered_at END,
			read_at = CASE WHEN $2 = 'read' THEN $3 ELSE read_at END,
			failed_at = CASE WHEN $2 = 'failed' THEN $3 ELSE failed_at END,
			error_message = CASE WHEN $2 = 'failed' AND $4 <> '' THEN $4 ELSE error_message END
		WHERE id = $1
	`
	tag, err := r.pool.Exec(ctx, query, id, status, at, errMsg, advance)
	if err != nil {
		return fmt.Errorf("applying message status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return entity.ErrMessageNotFound
	}
	return nil
}

const messageColumns = `id, conversation_id, native_id, direction, type, text, media_url,
	status, sent_at, delivered_at, read_at, failed_at, error_message, metadata, ts, created_at`

const prefixedMessageColumns = `m.id, m.conversation_id, m.native_id, m.direction, m.type, m.text, m.media_url,
	m.status, m.sent_at, m.delivered_at, m.read_at, m.failed_at, m.error_message, m.metadata, m.ts, m.created_at`

func (r *MessagePostgres) scanMessage(row pgx.Row) (*entity.Message, error) {
	var msg entity.Message
	var sentAt, deliveredAt, readAt, failedAt *time.Time

	err := row.Scan(
		&msg.ID,
		&msg.ConversationID,
		&msg.NativeID,
		&msg.Direction,
		&msg.Type,
		&msg.Text,
		&msg.MediaURL,
		&msg.Status,
		&sentAt,
		&deliveredAt,
		&readAt,
		&failedAt,
		&msg.ErrorMessage,
		&msg.Metadata,
		&msg.Timestamp,
		&msg.CreatedAt,
	)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scanning message: %w", err)
	}

	msg.SentAt = sentAt
	msg.DeliveredAt = deliveredAt
	msg.ReadAt = readAt
	msg.FailedAt = failedAt
	return &msg, nil
}
