package dao

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/vadim/omni-inbox/internal/domain/account/entity"
)

// OAuthPostgres implements OAuth connection repository for PostgreSQL
type OAuthPostgres struct {
	pool *pgxpool.Pool
}

// NewOAuthPostgres creates a new PostgreSQL OAuth connection repository
func NewOAuthPostgres(pool *pgxpool.Pool) *OAuthPostgres {
	return &OAuthPostgres{pool: pool}
}

// Upsert inserts or updates the grant for a (tenant, channel) pair
func (r *OAuthPostgres) Upsert(ctx context.Context, conn *entity.OAuthConnection) error {
	query := `
		INSERT INTO oauth_connections (
			id, tenant_id, channel, scopes, access_token,
			token_expires_at, business_account_id, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $8)
		ON CONFLICT (tenant_id, channel) DO UPDATE SET
			scopes = EXCLUDED.scopes,
			access_token = EXCLUDED.access_token,
			token_expires_at = EXCLUDED.token_expires_at,
			business_account_id = EXCLUDED.business_account_id,
			updated_at = EXCLUDED.updated_at
	`

	now := time.Now()
	_, err := r.pool.Exec(ctx, query,
		conn.ID,
		conn.TenantID,
		conn.Channel,
		conn.Scopes,
		conn.AccessToken,
		conn.TokenExpiresAt,
		conn.BusinessAccountID,
		now,
	)
	if err != nil {
		return fmt.Errorf("upserting oauth connection: %w", err)
	}

	conn.UpdatedAt = now
	return nil
}

// GetByTenantChannel retrieves the grant for a (tenant, channel) pair
func (r *OAuthPostgres) GetByTenantChannel(ctx context.Context, tenantID, channel string) (*entity.OAuthConnection, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT id, tenant_id, channel, scopes, access_token,
		       token_expires_at, business_account_id, created_at, updated_at
		FROM oauth_connections
		WHERE tenant_id = $1 AND channel = $2
	`, tenantID, channel)

	var conn entity.OAuthConnection
	var expiresAt *time.Time

	err := row.Scan(
		&conn.ID,
		&conn.TenantID,
		&conn.Channel,
		&conn.Scopes,
		&conn.AccessToken,
		&expiresAt,
		&conn.BusinessAccountID,
		&conn.CreatedAt,
		&conn.UpdatedAt,
	)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scanning oauth connection: %w", err)
	}

	conn.TokenExpiresAt = expiresAt
	return &conn, nil
}

// Delete removes the grant for a (tenant, channel) pair
func (r *OAuthPostgres) Delete(ctx context.Context, tenantID, channel string) error {
	_, err := r.pool.Exec(ctx,
		"DELETE FROM oauth_connections WHERE tenant_id = $1 AND channel = $2",
		tenantID, channel,
	)
	if err != nil {
		return fmt.Errorf("deleting oauth connection: %w", err)
	}
	return nil
}
