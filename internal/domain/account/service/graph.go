package service

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"

	"github.com/vadim/omni-inbox/internal/channel"
	"github.com/vadim/omni-inbox/internal/domain/account/entity"
	"github.com/vadim/omni-inbox/internal/httpx/upstream/meta"
)

// exchangeLongLived trades a short-lived user token for a ~60 day one
func (d *Discovery) exchangeLongLived(ctx context.Context, shortLived string) (string, *time.Time, error) {
	var resp struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int64  `json:"expires_in"`
	}

	query := url.Values{}
	query.Set("grant_type", "fb_exchange_token")
	query.Set("client_id", d.cfg.AppID)
	query.Set("client_secret", d.cfg.AppSecret)
	query.Set("fb_exchange_token", shortLived)

	err := d.graph.DoInto(ctx, meta.Request{
		Method: http.MethodGet,
		Path:   "oauth/access_token",
		Query:  query,
	}, &resp)
	if err != nil {
		return "", nil, err
	}
	if resp.AccessToken == "" {
		return "", nil, fmt.Errorf("exchange response missing access token")
	}

	var expiresAt *time.Time
	if resp.ExpiresIn > 0 {
		t := d.now().Add(time.Duration(resp.ExpiresIn) * time.Second)
		expiresAt = &t
	}
	return resp.AccessToken, expiresAt, nil
}

// introspectScopes asks the provider which scopes a token actually
// carries. Never trust the scopes requested in the consent URL: the
// operator can untick any of them.
func (d *Discovery) introspectScopes(ctx context.Context, token string) ([]string, error) {
	var resp struct {
		Data struct {
			IsValid bool     `json:"is_valid"`
			Scopes  []string `json:"scopes"`
		} `json:"data"`
	}

	query := url.Values{}
	query.Set("input_token", token)

	err := d.graph.DoInto(ctx, meta.Request{
		Method:      http.MethodGet,
		Path:        "debug_token",
		AccessToken: d.cfg.AppID + "|" + d.cfg.AppSecret,
		Query:       query,
	}, &resp)
	if err != nil {
		return nil, err
	}
	if !resp.Data.IsValid {
		return nil, entity.ErrTokenUnavailable
	}
	return resp.Data.Scopes, nil
}

type pageAccount struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	AccessToken string `json:"access_token"`
	Instagram   *struct {
		ID       string `json:"id"`
		Username string `json:"username"`
	} `json:"instagram_business_account"`
}

// listPages enumerates every page the user manages, following paging
// cursors until the edge is exhausted
func (d *Discovery) listPages(ctx context.Context, token string) ([]pageAccount, error) {
	var pages []pageAccount
	after := ""

	for {
		var resp struct {
			Data   []pageAccount `json:"data"`
			Paging struct {
				Cursors struct {
					After string `json:"after"`
				} `json:"cursors"`
				Next string `json:"next"`
			} `json:"paging"`
		}

		query := url.Values{}
		query.Set("fields", "id,name,access_token,instagram_business_account{id,username}")
		query.Set("limit", "100")
		if after != "" {
			query.Set("after", after)
		}

		err := d.graph.DoInto(ctx, meta.Request{
			Method:      http.MethodGet,
			Path:        "me/accounts",
			AccessToken: token,
			Query:       query,
		}, &resp)
		if err != nil {
			return nil, fmt.Errorf("listing pages: %w", err)
		}

		pages = append(pages, resp.Data...)
		if resp.Paging.Next == "" || resp.Paging.Cursors.After == "" {
			break
		}
		after = resp.Paging.Cursors.After
	}

	return pages, nil
}

// discoverPages bridges pages (and the IG accounts behind them) into
// connected accounts. Page tokens are stored because sending on these
// channels requires them, not the user token.
func (d *Discovery) discoverPages(ctx context.Context, tenantID, ch, token string, expiresAt *time.Time) ([]entity.ConnectedAccount, error) {
	pages, err := d.listPages(ctx, token)
	if err != nil {
		return nil, err
	}
	if len(pages) == 0 {
		return nil, fmt.Errorf("%w: no pages on grant", entity.ErrNoSendableID)
	}

	var connected []entity.ConnectedAccount
	for _, page := range pages {
		if page.AccessToken == "" {
			d.logger.Warn("page has no access token, skipping", "page_id", page.ID)
			continue
		}

		var acc *entity.ConnectedAccount
		switch ch {
		case string(channel.TypeMessenger):
			acc = &entity.ConnectedAccount{
				ID:          uuid.New().String(),
				TenantID:    tenantID,
				Channel:     ch,
				ResourceID:  page.ID,
				AccessToken: page.AccessToken,
				TokenKind:   entity.TokenKindPage,
				Metadata:    map[string]string{entity.MetaPageName: page.Name},
			}
		case string(channel.TypeInstagram):
			if page.Instagram == nil {
				continue
			}
			// webhooks may address either the IG-scoped id or the
			// owning page id, so both are recorded
			acc = &entity.ConnectedAccount{
				ID:          uuid.New().String(),
				TenantID:    tenantID,
				Channel:     ch,
				ResourceID:  page.Instagram.ID,
				AccessToken: page.AccessToken,
				TokenKind:   entity.TokenKindPage,
				Metadata: map[string]string{
					entity.MetaPageID:     page.ID,
					entity.MetaPageName:   page.Name,
					entity.MetaIGUsername: page.Instagram.Username,
				},
			}
		}
		if acc == nil {
			continue
		}

		acc.TokenExpiresAt = expiresAt
		if err := d.accounts.Replace(ctx, acc); err != nil {
			return nil, fmt.Errorf("bridging page %s: %w", page.ID, err)
		}
		connected = append(connected, *acc)
	}

	if len(connected) == 0 {
		return nil, entity.ErrNoSendableID
	}
	return connected, nil
}
