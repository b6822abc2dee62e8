package dao

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/vadim/omni-inbox/internal/domain/account/entity"
)

// AccountPostgres implements connected account repository for PostgreSQL
type AccountPostgres struct {
	pool *pgxpool.Pool
}

// NewAccountPostgres creates a new PostgreSQL connected account repository
func NewAccountPostgres(pool *pgxpool.Pool) *AccountPostgres {
	return &AccountPostgres{pool: pool}
}

// Replace deactivates any prior active row for the same (channel,
// resource id) and inserts the account as the new active one, in a
// single transaction. A reconnect therefore never duplicates an account.
func (r *AccountPostgres) Replace(ctx context.Context, acc *entity.ConnectedAccount) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning replace transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	now := time.Now()

	_, err = tx.Exec(ctx, `
		UPDATE connected_accounts
		SET active = FALSE, updated_at = $3
		WHERE channel = $1 AND resource_id = $2 AND active
	`, acc.Channel, acc.ResourceID, now)
	if err != nil {
		return fmt.Errorf("deactivating prior account: %w", err)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO connected_accounts (
			id, tenant_id, channel, resource_id, access_token, token_kind,
			token_expires_at, metadata, active, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, TRUE, $9, $9)
	`,
		acc.ID,
		acc.TenantID,
		acc.Channel,
		acc.ResourceID,
		acc.AccessToken,
		acc.TokenKind,
		acc.TokenExpiresAt,
		acc.Metadata,
		now,
	)
	if err != nil {
		return fmt.Errorf("inserting account: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("committing replace transaction: %w", err)
	}

	acc.Active = true
	acc.CreatedAt = now
	acc.UpdatedAt = now
	return nil
}

// GetByID retrieves a connected account by ID
func (r *AccountPostgres) GetByID(ctx context.Context, id string) (*entity.ConnectedAccount, error) {
	row := r.pool.QueryRow(ctx, selectAccount+" WHERE id = $1", id)
	return r.scanAccount(row)
}

// GetActiveByResource retrieves the active account addressed by a
// channel resource id (phone-number id, page id or IG-scoped id)
func (r *AccountPostgres) GetActiveByResource(ctx context.Context, channel, resourceID string) (*entity.ConnectedAccount, error) {
	row := r.pool.QueryRow(ctx, selectAccount+" WHERE channel = $1 AND resource_id = $2 AND active", channel, resourceID)
	return r.scanAccount(row)
}

// GetActiveByMetadata retrieves the active account whose cached metadata
// holds the given value. Used for the Instagram page-id fallback where a
// webhook addresses the page rather than the IG-scoped id.
func (r *AccountPostgres) GetActiveByMetadata(ctx context.Context, channel, key, value string) (*entity.ConnectedAccount, error) {
	row := r.pool.QueryRow(ctx, selectAccount+" WHERE channel = $1 AND metadata->>$2 = $3 AND active", channel, key, value)
	return r.scanAccount(row)
}

// ListByTenant retrieves all accounts of a tenant, active first
func (r *AccountPostgres) ListByTenant(ctx context.Context, tenantID string) ([]entity.ConnectedAccount, error) {
	rows, err := r.pool.Query(ctx, selectAccount+`
		WHERE tenant_id = $1
		ORDER BY active DESC, channel, created_at DESC
	`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("querying accounts: %w", err)
	}
	defer rows.Close()

	return r.scanAccounts(rows)
}

// ListActive retrieves every active account across tenants
func (r *AccountPostgres) ListActive(ctx context.Context) ([]entity.ConnectedAccount, error) {
	rows, err := r.pool.Query(ctx, selectAccount+" WHERE active ORDER BY channel, created_at")
	if err != nil {
		return nil, fmt.Errorf("querying active accounts: %w", err)
	}
	defer rows.Close()

	return r.scanAccounts(rows)
}

// Deactivate marks an account inactive
func (r *AccountPostgres) Deactivate(ctx context.Context, id string) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE connected_accounts SET active = FALSE, updated_at = $2 WHERE id = $1
	`, id, time.Now())
	if err != nil {
		return fmt.Errorf("deactivating account: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return entity.ErrAccountNotFound
	}
	return nil
}

// UpdateToken refreshes the stored access token and its expiry
func (r *AccountPostgres) UpdateToken(ctx context.Context, id, accessToken string, expiresAt *time.Time) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE connected_accounts
		SET access_token = $2, token_expires_at = $3, updated_at = $4
		WHERE id = $1
	`, id, accessToken, expiresAt, time.Now())
	if err != nil {
		return fmt.Errorf("updating account token: %w", err)
	}
	return nil
}

const selectAccount = `
	SELECT id, tenant_id, channel, resource_id, access_token, token_kind,
	       token_expires_at, metadata, active, created_at, updated_at
	FROM connected_accounts`

func (r *AccountPostgres) scanAccount(row pgx.Row) (*entity.ConnectedAccount, error) {
	var acc entity.ConnectedAccount
	var expiresAt *time.Time

	err := row.Scan(
		&acc.ID,
		&acc.TenantID,
		&acc.Channel,
		&acc.ResourceID,
		&acc.AccessToken,
		&acc.TokenKind,
		&expiresAt,
		&acc.Metadata,
		&acc.Active,
		&acc.CreatedAt,
		&acc.UpdatedAt,
	)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scanning account: %w", err)
	}

	acc.TokenExpiresAt = expiresAt
	return &acc, nil
}

func (r *AccountPostgres) scanAccounts(rows pgx.Rows) ([]entity.ConnectedAccount, error) {
	var accounts []entity.ConnectedAccount

	for rows.Next() {
		var acc entity.ConnectedAccount
		var expiresAt *time.Time

		err := rows.Scan(
			&acc.ID,
			&acc.TenantID,
			&acc.Channel,
			&acc.ResourceID,
			&acc.AccessToken,
			&acc.TokenKind,
			&expiresAt,
			&acc.Metadata,
			&acc.Active,
			&acc.CreatedAt,
			&acc.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scanning account row: %w", err)
		}

		acc.TokenExpiresAt = expiresAt
		accounts = append(accounts, acc)
	}

	return accounts, nil
}
