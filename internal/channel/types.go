package channel

import (
	"context"
	"time"
)

// Type identifies a messaging channel
type Type string

const (
	TypeWhatsApp  Type = "whatsapp"
	TypeMessenger Type = "messenger"
	TypeInstagram Type = "instagram"
)

// ContentType represents the kind of message content
type ContentType string

const (
	ContentTypeText     ContentType = "text"
	ContentTypeMedia    ContentType = "media"
	ContentTypeSticker  ContentType = "sticker"
	ContentTypeLocation ContentType = "location"
)

// Status is a delivery status reported by the provider
type Status string

const (
	StatusSent      Status = "sent"
	StatusDelivered Status = "delivered"
	StatusRead      Status = "read"
	StatusFailed    Status = "failed"
)

// SendAccount is the addressable side of an outbound send: the provider
// resource id (phone-number id, page id or IG-scoped id) plus the token
// that is allowed to send from it.
type SendAccount struct {
	ResourceID  string
	AccessToken string
}

// OutboundMessage is the channel-agnostic outbound request
type OutboundMessage struct {
	RecipientID string
	Content     string
	ContentType ContentType
	MediaURL    string
	MediaType   string // image/video/audio/file for media messages

	// ExtendedWindow requests the human-agent response window. Adapters
	// apply the provider tag only when this is set, never by default.
	ExtendedWindow bool
}

// TemplateMessage is a pre-approved WhatsApp template send
type TemplateMessage struct {
	RecipientID string
	Name        string
	Language    string
	BodyParams  []string
}

// SendResult is the provider acknowledgement of an outbound send
type SendResult struct {
	NativeMessageID string
	RecipientID     string
	// Tag records the message tag that was applied, if any
	Tag string
}

// InboundMessage is one normalized customer message
type InboundMessage struct {
	NativeID  string
	Type      ContentType
	Text      string
	MediaURL  string
	Timestamp time.Time
	Metadata  map[string]string
}

// InboundEvent is one normalized webhook message event
type InboundEvent struct {
	Channel      Type
	AccountID    string // provider resource id of the receiving account
	CustomerID   string
	CustomerName string // only some channels include it in the payload
	Message      InboundMessage
}

// StatusUpdate is a normalized delivery-status callback keyed by the
// channel-native message id
type StatusUpdate struct {
	Channel         Type
	AccountID       string
	NativeMessageID string
	Status          Status
	Timestamp       time.Time
	ErrorCode       int
	ErrorMessage    string
}

// WebhookResult is everything extracted from one webhook delivery.
// Skipped lists items that could not be parsed; the caller logs them and
// keeps going, since one malformed item must not fail the batch.
type WebhookResult struct {
	Events   []InboundEvent
	Statuses []StatusUpdate
	Skipped  []string
}

// Notifications is the webhook envelope shared by all Meta channels
type Notifications struct {
	Object string  `json:"object"`
	Entry  []Entry `json:"entry"`
}

// Entry is one webhook entry; Changes is used by WhatsApp,
// Messaging by Messenger and Instagram
type Entry struct {
	ID        string      `json:"id"`
	Time      int64       `json:"time"`
	Changes   []Change    `json:"changes"`
	Messaging []Messaging `json:"messaging"`
}

// Adapter translates between the normalized message model and one
// channel's wire shapes
type Adapter interface {
	Type() Type
	SendText(ctx context.Context, account SendAccount, msg OutboundMessage) (*SendResult, error)
	SendMedia(ctx context.Context, account SendAccount, msg OutboundMessage) (*SendResult, error)
	ParseWebhook(payload *Notifications) *WebhookResult
}

// parseTimestamp converts a Facebook timestamp to time.Time; Facebook
// sends milliseconds in some payloads and seconds in others.
func parseTimestamp(ts int64) time.Time {
	if ts >= 1_000_000_000_000 {
		return time.Unix(0, ts*int64(time.Millisecond)).UTC()
	}
	return time.Unix(ts, 0).UTC()
}
