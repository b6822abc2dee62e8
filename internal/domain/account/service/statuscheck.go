package service

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/vadim/omni-inbox/internal/channel"
	"github.com/vadim/omni-inbox/internal/domain/account/entity"
	"github.com/vadim/omni-inbox/internal/httpx/upstream/meta"
)

// AccountStatus is the outcome of a status check
type AccountStatus string

const (
	StatusHealthy  AccountStatus = "healthy"
	StatusRepaired AccountStatus = "repaired"
	StatusBroken   AccountStatus = "broken"
)

// CheckAccountOutput represents the result of checking one account
type CheckAccountOutput struct {
	AccountID string        `json:"account_id"`
	Channel   string        `json:"channel"`
	Status    AccountStatus `json:"status"`
	Detail    string        `json:"detail,omitempty"`
}

// CheckAccount verifies that an account's stored resource id and token
// still work against the provider. WhatsApp accounts are re-resolved
// and self-healed when the phone-number id drifted, e.g. after a number
// migration. In-flight sends racing a repair complete against the stale
// row and surface the provider rejection; they are not replayed.
func (d *Discovery) CheckAccount(ctx context.Context, accountID string) (*CheckAccountOutput, error) {
	acc, err := d.accounts.GetByID(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("loading account: %w", err)
	}
	if acc == nil {
		return nil, entity.ErrAccountNotFound
	}
	if !acc.Active {
		return &CheckAccountOutput{AccountID: acc.ID, Channel: acc.Channel, Status: StatusBroken, Detail: "account is inactive"}, nil
	}

	if acc.Channel == string(channel.TypeWhatsApp) {
		return d.checkWhatsApp(ctx, acc)
	}
	return d.checkPageBacked(ctx, acc)
}

// CheckAll runs a status check over every active account, returning per
// account outcomes. Errors on one account do not stop the sweep.
func (d *Discovery) CheckAll(ctx context.Context) ([]CheckAccountOutput, error) {
	accounts, err := d.accounts.ListActive(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing active accounts: %w", err)
	}

	results := make([]CheckAccountOutput, 0, len(accounts))
	for _, acc := range accounts {
		out, err := d.CheckAccount(ctx, acc.ID)
		if err != nil {
			d.logger.Error("account status check failed", "account_id", acc.ID, "error", err)
			results = append(results, CheckAccountOutput{
				AccountID: acc.ID,
				Channel:   acc.Channel,
				Status:    StatusBroken,
				Detail:    err.Error(),
			})
			continue
		}
		results = append(results, *out)
	}
	return results, nil
}

func (d *Discovery) checkWhatsApp(ctx context.Context, acc *entity.ConnectedAccount) (*CheckAccountOutput, error) {
	out := &CheckAccountOutput{AccountID: acc.ID, Channel: acc.Channel}

	res, err := d.resolveWhatsApp(ctx, acc.AccessToken)
	if err != nil {
		if errors.Is(err, entity.ErrNoSendableID) || meta.IsCapabilityError(err) {
			out.Status = StatusBroken
			out.Detail = err.Error()
			return out, nil
		}
		return nil, err
	}

	if res.PhoneNumberID == acc.ResourceID {
		out.Status = StatusHealthy
		return out, nil
	}

	// The sendable id drifted. Deactivate the stale row first, then
	// bridge the fresh one; Replace only deactivates rows sharing the
	// new resource id.
	if err := d.accounts.Deactivate(ctx, acc.ID); err != nil {
		return nil, fmt.Errorf("deactivating stale account: %w", err)
	}

	repaired := &entity.ConnectedAccount{
		ID:             uuid.New().String(),
		TenantID:       acc.TenantID,
		Channel:        acc.Channel,
		ResourceID:     res.PhoneNumberID,
		AccessToken:    acc.AccessToken,
		TokenKind:      acc.TokenKind,
		TokenExpiresAt: acc.TokenExpiresAt,
		Metadata:       map[string]string{entity.MetaWABAID: res.WABAID},
	}
	if res.DisplayNumber != "" {
		repaired.Metadata["display_phone_number"] = res.DisplayNumber
	}
	if err := d.accounts.Replace(ctx, repaired); err != nil {
		return nil, fmt.Errorf("inserting repaired account: %w", err)
	}

	d.logger.Warn("whatsapp account repaired",
		"account_id", acc.ID,
		"stale_phone_number_id", acc.ResourceID,
		"phone_number_id", res.PhoneNumberID,
	)

	out.AccountID = repaired.ID
	out.Status = StatusRepaired
	out.Detail = fmt.Sprintf("phone-number id moved from %s to %s", acc.ResourceID, res.PhoneNumberID)
	return out, nil
}

// checkPageBacked verifies the stored page token still reads its node
func (d *Discovery) checkPageBacked(ctx context.Context, acc *entity.ConnectedAccount) (*CheckAccountOutput, error) {
	out := &CheckAccountOutput{AccountID: acc.ID, Channel: acc.Channel}

	var resp struct {
		ID string `json:"id"`
	}
	err := d.graph.DoInto(ctx, meta.Request{
		Method:      http.MethodGet,
		Path:        acc.ResourceID,
		AccessToken: acc.AccessToken,
	}, &resp)
	if err != nil {
		var apiErr *meta.APIError
		if errors.As(err, &apiErr) {
			out.Status = StatusBroken
			out.Detail = apiErr.Message
			return out, nil
		}
		return nil, err
	}

	if acc.TokenExpiresAt != nil && acc.TokenExpiresAt.Before(d.now().Add(72*time.Hour)) {
		out.Status = StatusHealthy
		out.Detail = "token expires within 72h"
		return out, nil
	}

	out.Status = StatusHealthy
	return out, nil
}
