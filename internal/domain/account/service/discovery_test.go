package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vadim/omni-inbox/internal/domain/account/entity"
	"github.com/vadim/omni-inbox/internal/httpx/upstream/meta"
)

type fakeAccounts struct {
	byID        map[string]*entity.ConnectedAccount
	deactivated []string
	events      *[]string
}

func newFakeAccounts(events *[]string) *fakeAccounts {
	return &fakeAccounts{byID: make(map[string]*entity.ConnectedAccount), events: events}
}

func (f *fakeAccounts) Replace(_ context.Context, acc *entity.ConnectedAccount) error {
	copied := *acc
	copied.Active = true
	f.byID[acc.ID] = &copied
	if f.events != nil {
		*f.events = append(*f.events, "replace:"+acc.Channel+":"+acc.ResourceID)
	}
	return nil
}

func (f *fakeAccounts) GetByID(_ context.Context, id string) (*entity.ConnectedAccount, error) {
	return f.byID[id], nil
}

func (f *fakeAccounts) GetActiveByResource(_ context.Context, channel, resourceID string) (*entity.ConnectedAccount, error) {
	for _, acc := range f.byID {
		if acc.Channel == channel && acc.ResourceID == resourceID && acc.Active {
			return acc, nil
		}
	}
	return nil, nil
}

func (f *fakeAccounts) GetActiveByMetadata(_ context.Context, channel, key, value string) (*entity.ConnectedAccount, error) {
	for _, acc := range f.byID {
		if acc.Channel == channel && acc.Active && acc.Metadata[key] == value {
			return acc, nil
		}
	}
	return nil, nil
}

func (f *fakeAccounts) ListByTenant(_ context.Context, tenantID string) ([]entity.ConnectedAccount, error) {
	var out []entity.ConnectedAccount
	for _, acc := range f.byID {
		if acc.TenantID == tenantID {
			out = append(out, *acc)
		}
	}
	return out, nil
}

func (f *fakeAccounts) ListActive(_ context.Context) ([]entity.ConnectedAccount, error) {
	var out []entity.ConnectedAccount
	for _, acc := range f.byID {
		if acc.Active {
			out = append(out, *acc)
		}
	}
	return out, nil
}

func (f *fakeAccounts) Deactivate(_ context.Context, id string) error {
	acc, ok := f.byID[id]
	if !ok {
		return entity.ErrAccountNotFound
	}
	acc.Active = false
	f.deactivated = append(f.deactivated, id)
	return nil
}

func (f *fakeAccounts) UpdateToken(_ context.Context, id, token string, expiresAt *time.Time) error {
	if acc, ok := f.byID[id]; ok {
		acc.AccessToken = token
		acc.TokenExpiresAt = expiresAt
	}
	return nil
}

type fakeGrants struct {
	grants map[string]*entity.OAuthConnection
	events *[]string
}

func newFakeGrants(events *[]string) *fakeGrants {
	return &fakeGrants{grants: make(map[string]*entity.OAuthConnection), events: events}
}

func (f *fakeGrants) Upsert(_ context.Context, conn *entity.OAuthConnection) error {
	copied := *conn
	f.grants[conn.TenantID+"/"+conn.Channel] = &copied
	if f.events != nil {
		*f.events = append(*f.events, "grant:"+conn.Channel)
	}
	return nil
}

func (f *fakeGrants) GetByTenantChannel(_ context.Context, tenantID, channel string) (*entity.OAuthConnection, error) {
	return f.grants[tenantID+"/"+channel], nil
}

func (f *fakeGrants) Delete(_ context.Context, tenantID, channel string) error {
	delete(f.grants, tenantID+"/"+channel)
	return nil
}

func graphError(w http.ResponseWriter, status, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{"message": msg, "type": "OAuthException", "code": code},
	})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func newDiscovery(t *testing.T, handler http.Handler, cfg Config, events *[]string) (*Discovery, *fakeAccounts, *fakeGrants) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	cfg.AppID = "app-1"
	cfg.AppSecret = "secret-1"
	cfg.RedirectURL = "https://inbox.example/oauth/meta/callback"
	cfg.APIVersion = "v21.0"

	accounts := newFakeAccounts(events)
	grants := newFakeGrants(events)
	graph := meta.New(meta.WithBaseURL(srv.URL), meta.WithAPIVersion("v21.0"), meta.WithMaxAttempts(1))
	d := NewDiscovery(graph, accounts, grants, cfg, slog.New(slog.NewTextHandler(testWriter{t}, nil)))
	return d, accounts, grants
}

type testWriter struct{ t *testing.T }

func (w testWriter) Write(p []byte) (int, error) {
	w.t.Log(string(p))
	return len(p), nil
}

// tokenEndpoints answers both the authorization-code exchange and the
// long-lived token exchange
func tokenEndpoints(mux *http.ServeMux, scopes []string) {
	mux.HandleFunc("/v21.0/oauth/access_token", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("grant_type") == "fb_exchange_token" {
			writeJSON(w, map[string]any{"access_token": "long-lived-token", "expires_in": 5184000})
			return
		}
		writeJSON(w, map[string]any{"access_token": "short-lived-token", "token_type": "bearer", "expires_in": 3600})
	})
	mux.HandleFunc("/v21.0/debug_token", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{"data": map[string]any{"is_valid": true, "scopes": scopes}})
	})
}

func TestCallbackResolvesConfiguredPhoneNumberID(t *testing.T) {
	// the configured candidate is actually a phone-number id: reading it
	// as a WABA fails, the reverse edge then names the owning WABA
	mux := http.NewServeMux()
	tokenEndpoints(mux, []string{"whatsapp_business_messaging", "whatsapp_business_management"})
	mux.HandleFunc("/v21.0/555000111/phone_numbers", func(w http.ResponseWriter, r *http.Request) {
		graphError(w, http.StatusBadRequest, 100, "Unsupported get request")
	})
	mux.HandleFunc("/v21.0/555000111", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{
			"id":                        "555000111",
			"display_phone_number":      "15550001111",
			"whatsapp_business_account": map[string]any{"id": "waba-77"},
		})
	})

	var events []string
	d, accounts, grants := newDiscovery(t, mux, Config{WhatsAppNumberID: "555000111"}, &events)

	out, err := d.HandleCallback(context.Background(), HandleCallbackInput{
		Code:  "auth-code",
		State: d.encodeState("tenant-1"),
	})
	require.NoError(t, err)

	assert.Equal(t, "tenant-1", out.TenantID)
	assert.Equal(t, []string{"whatsapp"}, out.Channels)
	require.Len(t, out.Connected, 1)

	acc := out.Connected[0]
	assert.Equal(t, "555000111", acc.ResourceID, "account must be keyed by phone-number id")
	assert.Equal(t, "waba-77", acc.Metadata[entity.MetaWABAID])
	assert.Equal(t, "long-lived-token", acc.AccessToken)

	stored, err := accounts.GetActiveByResource(context.Background(), "whatsapp", "555000111")
	require.NoError(t, err)
	require.NotNil(t, stored)

	grant, err := grants.GetByTenantChannel(context.Background(), "tenant-1", "whatsapp")
	require.NoError(t, err)
	require.NotNil(t, grant)
	assert.Contains(t, grant.Scopes, "whatsapp_business_messaging")

	// the grant must be durable before any enrichment write
	require.GreaterOrEqual(t, len(events), 2)
	assert.Equal(t, "grant:whatsapp", events[0])
	assert.Equal(t, "replace:whatsapp:555000111", events[1])
}

func TestCallbackBridgesPagesAndInstagram(t *testing.T) {
	mux := http.NewServeMux()
	tokenEndpoints(mux, []string{"pages_messaging", "instagram_manage_messages"})
	mux.HandleFunc("/v21.0/me/accounts", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{
			"data": []map[string]any{
				{"id": "page-1", "name": "Acme Support", "access_token": "page-token-1"},
				{"id": "page-2", "name": "Acme Store", "access_token": "page-token-2",
					"instagram_business_account": map[string]any{"id": "ig-9", "username": "acmestore"}},
			},
		})
	})

	d, accounts, _ := newDiscovery(t, mux, Config{}, nil)

	out, err := d.HandleCallback(context.Background(), HandleCallbackInput{
		Code:  "auth-code",
		State: d.encodeState("tenant-1"),
	})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"messenger", "instagram"}, out.Channels)
	require.Len(t, out.Connected, 3, "two messenger pages plus one instagram account")

	ig, err := accounts.GetActiveByResource(context.Background(), "instagram", "ig-9")
	require.NoError(t, err)
	require.NotNil(t, ig)
	assert.Equal(t, entity.TokenKindPage, ig.TokenKind)
	assert.Equal(t, "page-token-2", ig.AccessToken)
	assert.Equal(t, "page-2", ig.Metadata[entity.MetaPageID])
	assert.Equal(t, "acmestore", ig.Metadata[entity.MetaIGUsername])

	// the page-id fallback lookup used by webhook routing
	byPage, err := accounts.GetActiveByMetadata(context.Background(), "instagram", entity.MetaPageID, "page-2")
	require.NoError(t, err)
	require.NotNil(t, byPage)
	assert.Equal(t, "ig-9", byPage.ResourceID)
}

func TestCallbackRejectsExpiredState(t *testing.T) {
	mux := http.NewServeMux()
	d, _, _ := newDiscovery(t, mux, Config{}, nil)

	state := d.encodeState("tenant-1")
	d.now = func() time.Time { return time.Now().Add(11 * time.Minute) }

	_, err := d.HandleCallback(context.Background(), HandleCallbackInput{Code: "c", State: state})
	assert.ErrorIs(t, err, entity.ErrStateExpired)
}

func TestCallbackRejectsTamperedState(t *testing.T) {
	mux := http.NewServeMux()
	d, _, _ := newDiscovery(t, mux, Config{}, nil)

	state := d.encodeState("tenant-1")
	tampered := state[:len(state)-2] + "xx"

	_, err := d.HandleCallback(context.Background(), HandleCallbackInput{Code: "c", State: tampered})
	assert.ErrorIs(t, err, entity.ErrStateInvalid)
}

func TestChannelsFromScopes(t *testing.T) {
	cases := []struct {
		scopes []string
		want   []string
	}{
		{[]string{"whatsapp_business_messaging"}, []string{"whatsapp"}},
		{[]string{"pages_messaging", "pages_show_list"}, []string{"messenger"}},
		{[]string{"instagram_basic"}, nil},
		{[]string{"instagram_manage_messages", "pages_messaging"}, []string{"messenger", "instagram"}},
		{[]string{"email"}, nil},
	}

	for _, tc := range cases {
		assert.Equal(t, tc.want, channelsFromScopes(tc.scopes), "scopes %v", tc.scopes)
	}
}

func TestCheckAccountRepairsDriftedPhoneNumber(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v21.0/waba-77/phone_numbers", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{
			"data": []map[string]any{{"id": "new-phone-id", "display_phone_number": "15550002222"}},
		})
	})

	d, accounts, _ := newDiscovery(t, mux, Config{WhatsAppNumberID: "waba-77"}, nil)

	stale := &entity.ConnectedAccount{
		ID:          "acc-stale",
		TenantID:    "tenant-1",
		Channel:     "whatsapp",
		ResourceID:  "old-phone-id",
		AccessToken: "tok",
		TokenKind:   entity.TokenKindUser,
		Metadata:    map[string]string{entity.MetaWABAID: "waba-77"},
		Active:      true,
	}
	accounts.byID[stale.ID] = stale

	out, err := d.CheckAccount(context.Background(), "acc-stale")
	require.NoError(t, err)
	assert.Equal(t, StatusRepaired, out.Status)

	assert.Contains(t, accounts.deactivated, "acc-stale")
	repaired, err := accounts.GetActiveByResource(context.Background(), "whatsapp", "new-phone-id")
	require.NoError(t, err)
	require.NotNil(t, repaired)
	assert.Equal(t, "tenant-1", repaired.TenantID)
	assert.Equal(t, "waba-77", repaired.Metadata[entity.MetaWABAID])

	// the old row must no longer resolve
	gone, err := accounts.GetActiveByResource(context.Background(), "whatsapp", "old-phone-id")
	require.NoError(t, err)
	assert.Nil(t, gone)
}

func TestCheckAccountHealthyWhenIDMatches(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v21.0/waba-77/phone_numbers", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{"data": []map[string]any{{"id": "phone-1"}}})
	})

	d, accounts, _ := newDiscovery(t, mux, Config{WhatsAppNumberID: "waba-77"}, nil)
	accounts.byID["acc-1"] = &entity.ConnectedAccount{
		ID: "acc-1", TenantID: "t1", Channel: "whatsapp",
		ResourceID: "phone-1", AccessToken: "tok", Active: true,
	}

	out, err := d.CheckAccount(context.Background(), "acc-1")
	require.NoError(t, err)
	assert.Equal(t, StatusHealthy, out.Status)
	assert.Empty(t, accounts.deactivated)
}

func TestDisconnectDeactivatesAndRemovesGrant(t *testing.T) {
	d, accounts, grants := newDiscovery(t, http.NewServeMux(), Config{}, nil)

	accounts.byID["a1"] = &entity.ConnectedAccount{ID: "a1", TenantID: "t1", Channel: "messenger", ResourceID: "p1", Active: true}
	accounts.byID["a2"] = &entity.ConnectedAccount{ID: "a2", TenantID: "t1", Channel: "whatsapp", ResourceID: "w1", Active: true}
	grants.grants["t1/messenger"] = &entity.OAuthConnection{TenantID: "t1", Channel: "messenger"}

	require.NoError(t, d.Disconnect(context.Background(), "t1", "messenger"))

	assert.False(t, accounts.byID["a1"].Active)
	assert.True(t, accounts.byID["a2"].Active, "other channels stay connected")
	assert.Nil(t, grants.grants["t1/messenger"])

	err := d.Disconnect(context.Background(), "t1", "messenger")
	assert.ErrorIs(t, err, entity.ErrNotConnected)
}

func TestResolverPrefersOwnedWABAs(t *testing.T) {
	var hits []string
	mux := http.NewServeMux()
	mux.HandleFunc("/v21.0/biz-1/owned_whatsapp_business_accounts", func(w http.ResponseWriter, r *http.Request) {
		hits = append(hits, "owned")
		writeJSON(w, map[string]any{"data": []map[string]any{{"id": "waba-owned"}}})
	})
	mux.HandleFunc("/v21.0/waba-owned/phone_numbers", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{"data": []map[string]any{{"id": "phone-owned"}}})
	})
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		hits = append(hits, r.URL.Path)
		graphError(w, http.StatusBadRequest, 100, "should not be reached")
	})

	d, _, _ := newDiscovery(t, mux, Config{BusinessID: "biz-1", WhatsAppNumberID: "ignored-candidate"}, nil)

	res, err := d.resolveWhatsApp(context.Background(), "tok")
	require.NoError(t, err)
	assert.Equal(t, "waba-owned", res.WABAID)
	assert.Equal(t, "phone-owned", res.PhoneNumberID)
	assert.Equal(t, []string{"owned"}, hits, "later strategies must not run once one wins")
}

func TestResolverExhaustedReturnsNoSendableID(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		graphError(w, http.StatusBadRequest, 100, "Unsupported get request")
	})

	d, _, _ := newDiscovery(t, mux, Config{BusinessID: "biz-1", WhatsAppNumberID: "cand-1"}, nil)

	_, err := d.resolveWhatsApp(context.Background(), "tok")
	assert.ErrorIs(t, err, entity.ErrNoSendableID)
}

func TestAuthURLCarriesSignedState(t *testing.T) {
	d, _, _ := newDiscovery(t, http.NewServeMux(), Config{AuthBaseURL: "https://www.facebook.com"}, nil)

	u := d.AuthURL("tenant-9")
	assert.Contains(t, u, "https://www.facebook.com/v21.0/dialog/oauth")
	assert.Contains(t, u, "state=")
	assert.Contains(t, u, fmt.Sprintf("client_id=%s", "app-1"))
}

func TestStateRoundTripsTenantWithColon(t *testing.T) {
	d, _, _ := newDiscovery(t, http.NewServeMux(), Config{}, nil)

	tenantID := "org:eu-west:42"
	got, err := d.decodeState(d.encodeState(tenantID))
	require.NoError(t, err)
	assert.Equal(t, tenantID, got)
}
