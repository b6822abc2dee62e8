package channel

import (
	"context"
	"fmt"

	"github.com/vadim/omni-inbox/internal/httpx/upstream/meta"
)

// InstagramAdapter translates to and from the Instagram Direct wire
// format. Instagram messaging rides the same Send API and webhook shape
// as Messenger but is addressed by the IG-scoped account id and reports
// `object: "instagram"` on its webhooks.
type InstagramAdapter struct {
	client *meta.Client
}

// NewInstagram creates an Instagram adapter
func NewInstagram(client *meta.Client) *InstagramAdapter {
	return &InstagramAdapter{client: client}
}

func (a *InstagramAdapter) Type() Type { return TypeInstagram }

// SendText sends a text message via the Send API with the page token
func (a *InstagramAdapter) SendText(ctx context.Context, account SendAccount, msg OutboundMessage) (*SendResult, error) {
	req := buildSendRequest(msg)
	req.Message.Text = msg.Content
	return executeSend(ctx, a.client, account, req)
}

// SendMedia sends a media attachment via the Send API
func (a *InstagramAdapter) SendMedia(ctx context.Context, account SendAccount, msg OutboundMessage) (*SendResult, error) {
	if msg.MediaURL == "" {
		return nil, fmt.Errorf("media url is required")
	}
	req := buildSendRequest(msg)
	req.Message.Attachment = buildSendAttachment(msg)
	return executeSend(ctx, a.client, account, req)
}

// ParseWebhook extracts normalized events from an instagram webhook
// delivery
func (a *InstagramAdapter) ParseWebhook(payload *Notifications) *WebhookResult {
	return parseMessagingEntries(TypeInstagram, payload)
}
