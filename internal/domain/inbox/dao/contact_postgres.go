package dao

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/vadim/omni-inbox/internal/domain/inbox/entity"
)

// ContactPostgres implements contact repository for PostgreSQL
type ContactPostgres struct {
	pool *pgxpool.Pool
}

// NewContactPostgres creates a new PostgreSQL contact repository
func NewContactPostgres(pool *pgxpool.Pool) *ContactPostgres {
	return &ContactPostgres{pool: pool}
}

// Touch upserts a contact on inbound activity: the message counter is
// incremented and profile fields refresh only when non-empty
func (r *ContactPostgres) Touch(ctx context.Context, contact *entity.Contact) error {
	query := `
		INSERT INTO contacts (
			id, tenant_id, channel, customer_id, name, avatar_url,
			messages_received, last_activity_at, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, 1, $7, $7, $7)
		ON CONFLICT (tenant_id, channel, customer_id) DO UPDATE SET
			name = COALESCE(NULLIF(EXCLUDED.name, ''), contacts.name),
			avatar_url = COALESCE(NULLIF(EXCLUDED.avatar_url, ''), contacts.avatar_url),
			messages_received = contacts.messages_received + 1,
			last_activity_at = EXCLUDED.last_activity_at,
			updated_at = EXCLUDED.updated_at
	`

	now := time.Now()
	_, err := r.pool.Exec(ctx, query,
		contact.ID,
		contact.TenantID,
		contact.Channel,
		contact.CustomerID,
		contact.Name,
		contact.AvatarURL,
		now,
	)
	if err != nil {
		return fmt.Errorf("touching contact: %w", err)
	}
	return nil
}

// GetByCustomer retrieves a contact by its channel-native customer id
func (r *ContactPostgres) GetByCustomer(ctx context.Context, tenantID, channel, customerID string) (*entity.Contact, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT id, tenant_id, channel, customer_id, name, avatar_url,
		       messages_received, last_activity_at, created_at, updated_at
		FROM contacts
		WHERE tenant_id = $1 AND channel = $2 AND customer_id = $3
	`, tenantID, channel, customerID)

	var contact entity.Contact
	err := row.Scan(
		&contact.ID,
		&contact.TenantID,
		&contact.Channel,
		&contact.CustomerID,
		&contact.Name,
		&contact.AvatarURL,
		&contact.MessagesReceived,
		&contact.LastActivityAt,
		&contact.CreatedAt,
		&contact.UpdatedAt,
	)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scanning contact: %w", err)
	}
	return &contact, nil
}
