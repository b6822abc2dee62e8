package service

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"

	"github.com/vadim/omni-inbox/internal/channel"
	"github.com/vadim/omni-inbox/internal/domain/account/entity"
	"github.com/vadim/omni-inbox/internal/httpx/upstream/meta"
)

// waResolution is a fully disambiguated WhatsApp identity: the business
// account that owns the number and the phone-number id used to send
type waResolution struct {
	WABAID        string
	PhoneNumberID string
	DisplayNumber string
}

// waResolver is one strategy for turning configured hints into a
// resolution. Returning (nil, nil) means "not mine, try the next one".
type waResolver struct {
	name    string
	resolve func(ctx context.Context, token string) (*waResolution, error)
}

// resolveWhatsApp walks the resolver chain in order and returns the
// first hit. The configured candidate id may be a WABA id or a
// phone-number id; the chain tries both readings before giving up.
func (d *Discovery) resolveWhatsApp(ctx context.Context, token string) (*waResolution, error) {
	chain := []waResolver{
		{name: "owned_wabas", resolve: d.resolveOwnedWABAs},
		{name: "candidate_as_waba", resolve: d.resolveCandidateAsWABA},
		{name: "candidate_as_phone_number", resolve: d.resolveCandidateAsPhoneNumber},
		{name: "client_wabas", resolve: d.resolveClientWABAs},
	}

	for _, r := range chain {
		res, err := r.resolve(ctx, token)
		if err != nil {
			if meta.IsCapabilityError(err) {
				d.logger.Debug("whatsapp resolver lacks permission, trying next", "strategy", r.name, "error", err)
				continue
			}
			return nil, fmt.Errorf("whatsapp resolver %s: %w", r.name, err)
		}
		if res == nil {
			continue
		}

		d.logger.Info("resolved whatsapp sending number",
			"strategy", r.name,
			"waba_id", res.WABAID,
			"phone_number_id", res.PhoneNumberID,
		)
		return res, nil
	}

	return nil, entity.ErrNoSendableID
}

// resolveOwnedWABAs lists the WABAs owned by the configured business
func (d *Discovery) resolveOwnedWABAs(ctx context.Context, token string) (*waResolution, error) {
	if d.cfg.BusinessID == "" {
		return nil, nil
	}
	return d.firstWABAFromEdge(ctx, token, d.cfg.BusinessID+"/owned_whatsapp_business_accounts")
}

// resolveCandidateAsWABA reads the configured candidate id as a WABA id
// and asks for its phone numbers
func (d *Discovery) resolveCandidateAsWABA(ctx context.Context, token string) (*waResolution, error) {
	if d.cfg.WhatsAppNumberID == "" {
		return nil, nil
	}

	phone, err := d.firstPhoneNumber(ctx, token, d.cfg.WhatsAppNumberID)
	if err != nil {
		if isUnknownNode(err) {
			return nil, nil
		}
		return nil, err
	}
	if phone == nil {
		return nil, nil
	}

	return &waResolution{
		WABAID:        d.cfg.WhatsAppNumberID,
		PhoneNumberID: phone.ID,
		DisplayNumber: phone.DisplayPhoneNumber,
	}, nil
}

// resolveCandidateAsPhoneNumber reads the configured candidate id as a
// phone-number id and reverse-resolves the owning WABA
func (d *Discovery) resolveCandidateAsPhoneNumber(ctx context.Context, token string) (*waResolution, error) {
	if d.cfg.WhatsAppNumberID == "" {
		return nil, nil
	}

	var resp struct {
		ID                 string `json:"id"`
		DisplayPhoneNumber string `json:"display_phone_number"`
		WABA               *struct {
			ID string `json:"id"`
		} `json:"whatsapp_business_account"`
	}

	query := url.Values{}
	query.Set("fields", "id,display_phone_number,whatsapp_business_account{id}")

	err := d.graph.DoInto(ctx, meta.Request{
		Method:      http.MethodGet,
		Path:        d.cfg.WhatsAppNumberID,
		AccessToken: token,
		Query:       query,
	}, &resp)
	if err != nil {
		if isUnknownNode(err) {
			return nil, nil
		}
		return nil, err
	}
	if resp.WABA == nil || resp.WABA.ID == "" {
		return nil, nil
	}

	return &waResolution{
		WABAID:        resp.WABA.ID,
		PhoneNumberID: resp.ID,
		DisplayNumber: resp.DisplayPhoneNumber,
	}, nil
}

// resolveClientWABAs lists WABAs shared with the business by a client,
// the last resort for agency-style setups
func (d *Discovery) resolveClientWABAs(ctx context.Context, token string) (*waResolution, error) {
	if d.cfg.BusinessID == "" {
		return nil, nil
	}
	return d.firstWABAFromEdge(ctx, token, d.cfg.BusinessID+"/client_whatsapp_business_accounts")
}

func (d *Discovery) firstWABAFromEdge(ctx context.Context, token, path string) (*waResolution, error) {
	var resp struct {
		Data []struct {
			ID string `json:"id"`
		} `json:"data"`
	}

	err := d.graph.DoInto(ctx, meta.Request{
		Method:      http.MethodGet,
		Path:        path,
		AccessToken: token,
	}, &resp)
	if err != nil {
		if isUnknownNode(err) {
			return nil, nil
		}
		return nil, err
	}
	if len(resp.Data) == 0 {
		return nil, nil
	}

	wabaID := resp.Data[0].ID
	phone, err := d.firstPhoneNumber(ctx, token, wabaID)
	if err != nil {
		return nil, err
	}
	if phone == nil {
		return nil, nil
	}

	return &waResolution{
		WABAID:        wabaID,
		PhoneNumberID: phone.ID,
		DisplayNumber: phone.DisplayPhoneNumber,
	}, nil
}

type waPhoneNumber struct {
	ID                 string `json:"id"`
	DisplayPhoneNumber string `json:"display_phone_number"`
}

func (d *Discovery) firstPhoneNumber(ctx context.Context, token, wabaID string) (*waPhoneNumber, error) {
	var resp struct {
		Data []waPhoneNumber `json:"data"`
	}

	err := d.graph.DoInto(ctx, meta.Request{
		Method:      http.MethodGet,
		Path:        wabaID + "/phone_numbers",
		AccessToken: token,
	}, &resp)
	if err != nil {
		return nil, err
	}
	if len(resp.Data) == 0 {
		return nil, nil
	}
	return &resp.Data[0], nil
}

// isUnknownNode reports whether the error is the Graph "unsupported get
// request" answer, which is what asking a node for an edge it does not
// have returns. A candidate id of the wrong kind produces exactly this.
func isUnknownNode(err error) bool {
	var apiErr *meta.APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	return apiErr.Code == 100 || apiErr.IsCapability()
}

// discoverWhatsApp resolves the sendable phone-number id and bridges it
// into a connected account keyed by that id, never by the WABA id
func (d *Discovery) discoverWhatsApp(ctx context.Context, tenantID, token string, expiresAt *time.Time) ([]entity.ConnectedAccount, error) {
	res, err := d.resolveWhatsApp(ctx, token)
	if err != nil {
		return nil, err
	}

	acc := &entity.ConnectedAccount{
		ID:             uuid.New().String(),
		TenantID:       tenantID,
		Channel:        string(channel.TypeWhatsApp),
		ResourceID:     res.PhoneNumberID,
		AccessToken:    token,
		TokenKind:      entity.TokenKindUser,
		TokenExpiresAt: expiresAt,
		Metadata:       map[string]string{entity.MetaWABAID: res.WABAID},
	}
	if res.DisplayNumber != "" {
		acc.Metadata["display_phone_number"] = res.DisplayNumber
	}

	if err := d.accounts.Replace(ctx, acc); err != nil {
		return nil, fmt.Errorf("bridging whatsapp number: %w", err)
	}
	return []entity.ConnectedAccount{*acc}, nil
}
