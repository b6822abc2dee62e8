package entity

import "time"

// Direction of a message relative to the business
type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
)

// DeliveryStatus is the lifecycle of an outbound message
type DeliveryStatus string

const (
	StatusSending   DeliveryStatus = "sending"
	StatusSent      DeliveryStatus = "sent"
	StatusDelivered DeliveryStatus = "delivered"
	StatusRead      DeliveryStatus = "read"
	StatusFailed    DeliveryStatus = "failed"
)

// statusRank orders the forward-only part of the lifecycle. Failed sits
// outside the ranking: it is terminal and reachable from any state.
var statusRank = map[DeliveryStatus]int{
	StatusSending:   0,
	StatusSent:      1,
	StatusDelivered: 2,
	StatusRead:      3,
}

// Advances reports whether moving from to next is a legal transition.
// Receipts arrive out of order, so a late "delivered" after "read" must
// not regress the status.
func (s DeliveryStatus) Advances(next DeliveryStatus) bool {
	if next == StatusFailed {
		return s != StatusFailed
	}
	cur, ok := statusRank[s]
	if !ok {
		return false
	}
	nextRank, ok := statusRank[next]
	if !ok {
		return false
	}
	return nextRank > cur
}

// Message is one item of a conversation. NativeID is the provider's
// message id and is unique per conversation, which is what makes
// webhook redelivery idempotent.
type Message struct {
	ID             string            `json:"id"`
	ConversationID string            `json:"conversation_id"`
	NativeID       string            `json:"native_id,omitempty"`
	Direction      Direction         `json:"direction"`
	Type           string            `json:"type"`
	Text           string            `json:"text,omitempty"`
	MediaURL       string            `json:"media_url,omitempty"`
	Status         DeliveryStatus    `json:"status,omitempty"`
	SentAt         *time.Time        `json:"sent_at,omitempty"`
	DeliveredAt    *time.Time        `json:"delivered_at,omitempty"`
	ReadAt         *time.Time        `json:"read_at,omitempty"`
	FailedAt       *time.Time        `json:"failed_at,omitempty"`
	ErrorMessage   string            `json:"error_message,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
	Timestamp      time.Time         `json:"timestamp"`
	CreatedAt      time.Time         `json:"created_at"`
}

const maxMessageLength = 4096

// ValidateText checks an outbound text body
func ValidateText(text string) error {
	if text == "" {
		return ErrEmptyMessage
	}
	if len(text) > maxMessageLength {
		return ErrMessageTooLong
	}
	return nil
}
