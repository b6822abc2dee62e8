package entity

import "time"

// TokenKind distinguishes user-level from page-level access tokens.
// Sending on Messenger/Instagram requires the page token.
type TokenKind string

const (
	TokenKindUser TokenKind = "user"
	TokenKindPage TokenKind = "page"
)

// ConnectedAccount binds a tenant's channel to the provider resource id
// used to address it: phone-number id for WhatsApp, page id for
// Messenger, IG-scoped id for Instagram. At most one active row exists
// per (channel, resource id); reconnecting deactivates the prior row.
type ConnectedAccount struct {
	ID             string            `json:"id"`
	TenantID       string            `json:"tenant_id"`
	Channel        string            `json:"channel"`
	ResourceID     string            `json:"resource_id"`
	AccessToken    string            `json:"-"`
	TokenKind      TokenKind         `json:"token_kind"`
	TokenExpiresAt *time.Time        `json:"token_expires_at,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
	Active         bool              `json:"active"`
	CreatedAt      time.Time         `json:"created_at"`
	UpdatedAt      time.Time         `json:"updated_at"`
}

// Metadata keys cached on a connected account
const (
	MetaWABAID     = "waba_id"
	MetaPageID     = "page_id"
	MetaPageName   = "page_name"
	MetaIGUsername = "ig_username"
)

// OAuthConnection is the business-level grant for a (tenant, channel)
// pair. It is separate from ConnectedAccount because one grant can cover
// several channels and the business id (e.g. WABA id) differs from the
// sendable resource id (e.g. phone-number id).
type OAuthConnection struct {
	ID                string     `json:"id"`
	TenantID          string     `json:"tenant_id"`
	Channel           string     `json:"channel"`
	Scopes            []string   `json:"scopes"`
	AccessToken       string     `json:"-"`
	TokenExpiresAt    *time.Time `json:"token_expires_at,omitempty"`
	BusinessAccountID string     `json:"business_account_id,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
}
