package service

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/vadim/omni-inbox/internal/channel"
	accountentity "github.com/vadim/omni-inbox/internal/domain/account/entity"
	"github.com/vadim/omni-inbox/internal/httpx/upstream/meta"
)

// GraphProfiles fetches customer display profiles from the Graph API,
// cached for a while since profile reads count against the same rate
// budget as everything else
type GraphProfiles struct {
	graph *meta.Client
	cache *gocache.Cache
}

// NewGraphProfiles creates a cached profile fetcher
func NewGraphProfiles(graph *meta.Client) *GraphProfiles {
	return &GraphProfiles{
		graph: graph,
		cache: gocache.New(15*time.Minute, 30*time.Minute),
	}
}

// Fetch returns the customer profile, or nil when the channel does not
// expose one. WhatsApp names arrive inside the webhook itself, so there
// is nothing to fetch there.
func (p *GraphProfiles) Fetch(ctx context.Context, account *accountentity.ConnectedAccount, customerID string) (*Profile, error) {
	if account.Channel == string(channel.TypeWhatsApp) {
		return nil, nil
	}

	key := account.Channel + ":" + customerID
	if cached, ok := p.cache.Get(key); ok {
		return cached.(*Profile), nil
	}

	fields := "first_name,last_name,profile_pic"
	if account.Channel == string(channel.TypeInstagram) {
		fields = "name,username,profile_pic"
	}

	var resp struct {
		Name       string `json:"name"`
		FirstName  string `json:"first_name"`
		LastName   string `json:"last_name"`
		Username   string `json:"username"`
		ProfilePic string `json:"profile_pic"`
	}

	query := url.Values{}
	query.Set("fields", fields)

	err := p.graph.DoInto(ctx, meta.Request{
		Method:      http.MethodGet,
		Path:        customerID,
		AccessToken: account.AccessToken,
		Query:       query,
	}, &resp)
	if err != nil {
		return nil, err
	}

	name := resp.Name
	if name == "" {
		name = strings.TrimSpace(resp.FirstName + " " + resp.LastName)
	}
	if name == "" {
		name = resp.Username
	}

	prof := &Profile{Name: name, AvatarURL: resp.ProfilePic}
	p.cache.Set(key, prof, gocache.DefaultExpiration)
	return prof, nil
}
