package channel

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/vadim/omni-inbox/internal/httpx/upstream/meta"
)

// Message tags accepted by the Send API. HUMAN_AGENT lifts the standard
// 24-hour response window to 7 days and must only be used for actual
// human replies.
const (
	messagingTypeResponse = "RESPONSE"
	messagingTypeTag      = "MESSAGE_TAG"
	tagHumanAgent         = "HUMAN_AGENT"
)

// Sticker ID substitutions for the thumbs-up sticker sizes
var stickerIDToEmoji = map[int64]string{
	369239263222822: "👍",
	369239343222814: "👍",
	369239383222810: "👍",
}

// Messaging is one entry[].messaging[] item, shared by Messenger and
// Instagram webhooks
type Messaging struct {
	Sender struct {
		ID      string `json:"id"`
		UserRef string `json:"user_ref,omitempty"`
	} `json:"sender"`
	Recipient struct {
		ID string `json:"id"`
	} `json:"recipient"`
	Timestamp int64 `json:"timestamp"`

	Message *struct {
		MID         string `json:"mid"`
		Text        string `json:"text"`
		IsEcho      bool   `json:"is_echo"`
		IsDeleted   bool   `json:"is_deleted"`
		Attachments []struct {
			Type    string `json:"type"`
			Payload *struct {
				URL         string `json:"url"`
				StickerID   int64  `json:"sticker_id"`
				Coordinates *struct {
					Lat  float64 `json:"lat"`
					Long float64 `json:"long"`
				} `json:"coordinates"`
			} `json:"payload"`
		} `json:"attachments"`
	} `json:"message"`

	Delivery *struct {
		MIDs      []string `json:"mids"`
		Watermark int64    `json:"watermark"`
	} `json:"delivery"`

	Read *struct {
		Watermark int64 `json:"watermark"`
	} `json:"read"`

	Postback *struct {
		Title   string `json:"title"`
		Payload string `json:"payload"`
	} `json:"postback"`
}

// sendRequest is the Send API request body for Messenger and Instagram
type sendRequest struct {
	MessagingType string `json:"messaging_type,omitempty"`
	Tag           string `json:"tag,omitempty"`
	Recipient     struct {
		ID string `json:"id"`
	} `json:"recipient"`
	Message struct {
		Text       string          `json:"text,omitempty"`
		Attachment *sendAttachment `json:"attachment,omitempty"`
	} `json:"message"`
}

type sendAttachment struct {
	Type    string `json:"type"`
	Payload struct {
		URL        string `json:"url"`
		IsReusable bool   `json:"is_reusable"`
	} `json:"payload"`
}

// sendResponse is the Send API acknowledgement
type sendResponse struct {
	RecipientID string `json:"recipient_id"`
	MessageID   string `json:"message_id"`
}

// MessengerAdapter translates to and from the Facebook Messenger wire
// format
type MessengerAdapter struct {
	client *meta.Client
}

// NewMessenger creates a Messenger adapter
func NewMessenger(client *meta.Client) *MessengerAdapter {
	return &MessengerAdapter{client: client}
}

func (a *MessengerAdapter) Type() Type { return TypeMessenger }

// SendText sends a text message via the Send API
func (a *MessengerAdapter) SendText(ctx context.Context, account SendAccount, msg OutboundMessage) (*SendResult, error) {
	req := buildSendRequest(msg)
	req.Message.Text = msg.Content
	return executeSend(ctx, a.client, account, req)
}

// SendMedia sends a media attachment via the Send API
func (a *MessengerAdapter) SendMedia(ctx context.Context, account SendAccount, msg OutboundMessage) (*SendResult, error) {
	if msg.MediaURL == "" {
		return nil, fmt.Errorf("media url is required")
	}
	req := buildSendRequest(msg)
	req.Message.Attachment = buildSendAttachment(msg)
	return executeSend(ctx, a.client, account, req)
}

// ParseWebhook extracts normalized events from a page webhook delivery
func (a *MessengerAdapter) ParseWebhook(payload *Notifications) *WebhookResult {
	return parseMessagingEntries(TypeMessenger, payload)
}

func buildSendRequest(msg OutboundMessage) *sendRequest {
	req := &sendRequest{MessagingType: messagingTypeResponse}
	req.Recipient.ID = msg.RecipientID
	if msg.ExtendedWindow {
		req.MessagingType = messagingTypeTag
		req.Tag = tagHumanAgent
	}
	return req
}

func buildSendAttachment(msg OutboundMessage) *sendAttachment {
	attType := strings.Split(msg.MediaType, "/")[0]
	switch attType {
	case "image", "video", "audio":
	default:
		attType = "file"
	}
	att := &sendAttachment{Type: attType}
	att.Payload.URL = msg.MediaURL
	att.Payload.IsReusable = true
	return att
}

// executeSend posts to me/messages with the page access token
func executeSend(ctx context.Context, client *meta.Client, account SendAccount, req *sendRequest) (*SendResult, error) {
	var resp sendResponse
	err := client.DoInto(ctx, meta.Request{
		Method:      http.MethodPost,
		Path:        "me/messages",
		AccessToken: account.AccessToken,
		Body:        req,
	}, &resp)
	if err != nil {
		return nil, err
	}
	if resp.MessageID == "" {
		return nil, fmt.Errorf("send response missing message id")
	}
	return &SendResult{
		NativeMessageID: resp.MessageID,
		RecipientID:     resp.RecipientID,
		Tag:             req.Tag,
	}, nil
}

// parseMessagingEntries normalizes entry[].messaging[] items for both
// Messenger and Instagram. Echoes, deletions and unknown item types are
// skipped without failing the rest of the batch.
func parseMessagingEntries(channelType Type, payload *Notifications) *WebhookResult {
	result := &WebhookResult{}

	for _, entry := range payload.Entry {
		for _, item := range entry.Messaging {
			accountID := item.Recipient.ID
			if accountID == "" {
				accountID = entry.ID
			}

			sender := item.Sender.ID
			if sender == "" {
				sender = item.Sender.UserRef
			}

			switch {
			case item.Message != nil:
				if item.Message.IsEcho || item.Message.IsDeleted {
					continue
				}
				if sender == "" || item.Message.MID == "" {
					result.Skipped = append(result.Skipped, "messaging item missing sender or mid")
					continue
				}

				msg, ok := normalizeMessagingMessage(item)
				if !ok {
					result.Skipped = append(result.Skipped, fmt.Sprintf("unsupported message %s", item.Message.MID))
					continue
				}

				result.Events = append(result.Events, InboundEvent{
					Channel:    channelType,
					AccountID:  accountID,
					CustomerID: sender,
					Message:    msg,
				})

			case item.Delivery != nil:
				for _, mid := range item.Delivery.MIDs {
					result.Statuses = append(result.Statuses, StatusUpdate{
						Channel:         channelType,
						AccountID:       accountID,
						NativeMessageID: mid,
						Status:          StatusDelivered,
						Timestamp:       parseTimestamp(item.Timestamp),
					})
				}

			case item.Read != nil, item.Postback != nil:
				// read receipts are watermark-based (no message id) and
				// postbacks carry no message content; neither maps to a
				// message or status record
				continue

			default:
				result.Skipped = append(result.Skipped, "unknown messaging item type")
			}
		}
	}

	return result
}

// normalizeMessagingMessage converts one messaging message into the
// normalized shape. Returns false when the item carries nothing usable.
func normalizeMessagingMessage(item Messaging) (InboundMessage, bool) {
	m := item.Message
	msg := InboundMessage{
		NativeID:  m.MID,
		Type:      ContentTypeText,
		Text:      m.Text,
		Timestamp: parseTimestamp(item.Timestamp),
	}

	for _, att := range m.Attachments {
		switch att.Type {
		case "image", "video", "audio", "file":
			if att.Payload != nil && att.Payload.StickerID != 0 {
				msg.Type = ContentTypeSticker
				if emoji, ok := stickerIDToEmoji[att.Payload.StickerID]; ok {
					msg.Text = emoji
				}
				continue
			}
			if att.Payload != nil && strings.HasPrefix(att.Payload.URL, "http") {
				msg.Type = ContentTypeMedia
				msg.MediaURL = att.Payload.URL
				if msg.Metadata == nil {
					msg.Metadata = map[string]string{}
				}
				msg.Metadata["media_type"] = att.Type
			}
		case "like_heart":
			msg.Text = "❤️"
		case "location":
			if att.Payload != nil && att.Payload.Coordinates != nil {
				msg.Type = ContentTypeLocation
				msg.MediaURL = fmt.Sprintf("geo:%f,%f", att.Payload.Coordinates.Lat, att.Payload.Coordinates.Long)
			}
		case "story_mention", "fallback":
			// nothing we can render
			continue
		}
	}

	if msg.Text == "" && msg.MediaURL == "" {
		return msg, false
	}
	return msg, true
}
