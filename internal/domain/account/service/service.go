package service

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/oauth2"

	"github.com/vadim/omni-inbox/internal/channel"
	"github.com/vadim/omni-inbox/internal/domain/account/entity"
	"github.com/vadim/omni-inbox/internal/httpx/upstream/meta"
)

// AccountRepository defines the interface for connected account storage
type AccountRepository interface {
	Replace(ctx context.Context, acc *entity.ConnectedAccount) error
	GetByID(ctx context.Context, id string) (*entity.ConnectedAccount, error)
	GetActiveByResource(ctx context.Context, channel, resourceID string) (*entity.ConnectedAccount, error)
	GetActiveByMetadata(ctx context.Context, channel, key, value string) (*entity.ConnectedAccount, error)
	ListByTenant(ctx context.Context, tenantID string) ([]entity.ConnectedAccount, error)
	ListActive(ctx context.Context) ([]entity.ConnectedAccount, error)
	Deactivate(ctx context.Context, id string) error
	UpdateToken(ctx context.Context, id, accessToken string, expiresAt *time.Time) error
}

// OAuthRepository defines the interface for OAuth grant storage
type OAuthRepository interface {
	Upsert(ctx context.Context, conn *entity.OAuthConnection) error
	GetByTenantChannel(ctx context.Context, tenantID, channel string) (*entity.OAuthConnection, error)
	Delete(ctx context.Context, tenantID, channel string) error
}

// Config carries the Meta app credentials and the optional
// pre-configured ids used as resolution hints during discovery
type Config struct {
	AppID       string
	AppSecret   string
	RedirectURL string
	AuthBaseURL string
	APIVersion  string

	// BusinessID is the Meta Business Manager id, when known up front
	BusinessID string
	// WhatsAppNumberID is a configured candidate id whose meaning is
	// ambiguous: operators paste either the WABA id or the phone-number
	// id here. The resolver chain disambiguates it.
	WhatsAppNumberID string

	StateTTL time.Duration
}

// Discovery connects channels for a tenant: it exchanges OAuth codes,
// introspects granted scopes and resolves the concrete resource ids
// that sending requires.
type Discovery struct {
	graph    *meta.Client
	accounts AccountRepository
	grants   OAuthRepository
	cfg      Config
	logger   *slog.Logger
	now      func() time.Time
}

// NewDiscovery creates a credential discovery service
func NewDiscovery(graph *meta.Client, accounts AccountRepository, grants OAuthRepository, cfg Config, logger *slog.Logger) *Discovery {
	if cfg.StateTTL == 0 {
		cfg.StateTTL = 10 * time.Minute
	}
	if cfg.APIVersion == "" {
		cfg.APIVersion = "v21.0"
	}
	if cfg.AuthBaseURL == "" {
		cfg.AuthBaseURL = "https://www.facebook.com"
	}
	return &Discovery{
		graph:    graph,
		accounts: accounts,
		grants:   grants,
		cfg:      cfg,
		logger:   logger,
		now:      time.Now,
	}
}

// requestedScopes is everything the app asks for; the provider returns
// only what the operator actually approved
var requestedScopes = []string{
	"whatsapp_business_messaging",
	"whatsapp_business_management",
	"pages_messaging",
	"pages_show_list",
	"pages_manage_metadata",
	"instagram_basic",
	"instagram_manage_messages",
	"business_management",
}

func (d *Discovery) oauthConfig() *oauth2.Config {
	return &oauth2.Config{
		ClientID:     d.cfg.AppID,
		ClientSecret: d.cfg.AppSecret,
		RedirectURL:  d.cfg.RedirectURL,
		Scopes:       requestedScopes,
		Endpoint: oauth2.Endpoint{
			AuthURL:  d.cfg.AuthBaseURL + "/" + d.cfg.APIVersion + "/dialog/oauth",
			TokenURL: d.graph.Endpoint("oauth/access_token"),
		},
	}
}

// AuthURL builds the provider consent URL for a tenant. The state
// parameter is signed and expires after Config.StateTTL.
func (d *Discovery) AuthURL(tenantID string) string {
	return d.oauthConfig().AuthCodeURL(d.encodeState(tenantID))
}

// HandleCallbackInput represents the OAuth redirect parameters
type HandleCallbackInput struct {
	Code  string
	State string
}

// HandleCallbackOutput represents the result of a completed connect flow
type HandleCallbackOutput struct {
	TenantID  string
	Channels  []string
	Connected []entity.ConnectedAccount
}

// HandleCallback completes the connect flow: code exchange, long-lived
// token exchange, scope introspection, grant persistence and resource
// discovery. The grant is persisted before any enrichment call so a
// partial discovery never loses the token.
func (d *Discovery) HandleCallback(ctx context.Context, in HandleCallbackInput) (*HandleCallbackOutput, error) {
	tenantID, err := d.decodeState(in.State)
	if err != nil {
		return nil, err
	}
	if in.Code == "" {
		return nil, entity.ErrGrantDenied
	}

	tok, err := d.oauthConfig().Exchange(ctx, in.Code)
	if err != nil {
		return nil, fmt.Errorf("exchanging authorization code: %w", err)
	}

	longLived, expiresAt, err := d.exchangeLongLived(ctx, tok.AccessToken)
	if err != nil {
		// the short-lived token still works, just expires sooner
		d.logger.Warn("long-lived token exchange failed, keeping short-lived token", "error", err)
		longLived = tok.AccessToken
		if !tok.Expiry.IsZero() {
			expiry := tok.Expiry
			expiresAt = &expiry
		}
	}

	scopes, err := d.introspectScopes(ctx, longLived)
	if err != nil {
		return nil, fmt.Errorf("introspecting token scopes: %w", err)
	}

	channels := channelsFromScopes(scopes)
	if len(channels) == 0 {
		return nil, fmt.Errorf("%w: no messaging scopes granted", entity.ErrGrantDenied)
	}

	out := &HandleCallbackOutput{TenantID: tenantID, Channels: channels}

	for _, ch := range channels {
		grant := &entity.OAuthConnection{
			ID:             uuid.New().String(),
			TenantID:       tenantID,
			Channel:        ch,
			Scopes:         scopes,
			AccessToken:    longLived,
			TokenExpiresAt: expiresAt,
		}
		if ch == string(channel.TypeWhatsApp) {
			grant.BusinessAccountID = d.cfg.BusinessID
		}
		if err := d.grants.Upsert(ctx, grant); err != nil {
			return nil, fmt.Errorf("persisting grant for %s: %w", ch, err)
		}
	}

	// Enrichment is per channel and best effort: a failing channel is
	// reported in logs while the others still connect.
	for _, ch := range channels {
		accounts, err := d.discoverChannel(ctx, tenantID, ch, longLived, expiresAt)
		if err != nil {
			d.logger.Error("resource discovery failed", "channel", ch, "tenant_id", tenantID, "error", err)
			continue
		}
		out.Connected = append(out.Connected, accounts...)
	}

	return out, nil
}

func (d *Discovery) discoverChannel(ctx context.Context, tenantID, ch, token string, expiresAt *time.Time) ([]entity.ConnectedAccount, error) {
	switch ch {
	case string(channel.TypeWhatsApp):
		return d.discoverWhatsApp(ctx, tenantID, token, expiresAt)
	case string(channel.TypeMessenger), string(channel.TypeInstagram):
		return d.discoverPages(ctx, tenantID, ch, token, expiresAt)
	default:
		return nil, fmt.Errorf("unknown channel %q", ch)
	}
}

// channelsFromScopes partitions granted scopes into the channels they
// unlock
func channelsFromScopes(scopes []string) []string {
	var whatsapp, messenger, instagram bool
	for _, s := range scopes {
		switch {
		case strings.HasPrefix(s, "whatsapp_business"):
			whatsapp = true
		case s == "pages_messaging":
			messenger = true
		case s == "instagram_manage_messages":
			instagram = true
		}
	}

	var channels []string
	if whatsapp {
		channels = append(channels, string(channel.TypeWhatsApp))
	}
	if messenger {
		channels = append(channels, string(channel.TypeMessenger))
	}
	if instagram {
		channels = append(channels, string(channel.TypeInstagram))
	}
	return channels
}

// ListAccountsInput represents input for listing connected accounts
type ListAccountsInput struct {
	TenantID string
}

// ListAccounts returns all accounts of a tenant
func (d *Discovery) ListAccounts(ctx context.Context, in ListAccountsInput) ([]entity.ConnectedAccount, error) {
	return d.accounts.ListByTenant(ctx, in.TenantID)
}

// Disconnect deactivates every account of a channel and removes the
// grant. Historical conversations are kept.
func (d *Discovery) Disconnect(ctx context.Context, tenantID, ch string) error {
	accounts, err := d.accounts.ListByTenant(ctx, tenantID)
	if err != nil {
		return fmt.Errorf("listing accounts: %w", err)
	}

	found := false
	for _, acc := range accounts {
		if acc.Channel != ch || !acc.Active {
			continue
		}
		found = true
		if err := d.accounts.Deactivate(ctx, acc.ID); err != nil {
			return fmt.Errorf("deactivating account %s: %w", acc.ID, err)
		}
	}
	if !found {
		return entity.ErrNotConnected
	}

	if err := d.grants.Delete(ctx, tenantID, ch); err != nil {
		return fmt.Errorf("removing grant: %w", err)
	}

	d.logger.Info("channel disconnected", "tenant_id", tenantID, "channel", ch)
	return nil
}
