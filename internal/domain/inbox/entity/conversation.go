package entity

import "time"

// Conversation is one customer thread on one connected account. The
// thread is keyed by the channel-native customer id, so replays of the
// same webhook land on the same row.
type Conversation struct {
	ID                string     `json:"id"`
	AccountID         string     `json:"account_id"`
	Channel           string     `json:"channel"`
	CustomerID        string     `json:"customer_id"`
	CustomerName      string     `json:"customer_name,omitempty"`
	CustomerAvatarURL string     `json:"customer_avatar_url,omitempty"`
	LastMessageText   string     `json:"last_message_text,omitempty"`
	LastMessageAt     *time.Time `json:"last_message_at,omitempty"`
	// LastInboundAt drives the 24-hour reply window math
	LastInboundAt *time.Time `json:"last_inbound_at,omitempty"`
	UnreadCount   int        `json:"unread_count"`
	Archived      bool       `json:"archived"`
	// ExtendedWindow marks a thread escalated past the standard reply
	// window; the flag is sticky, later sends stay eligible without the
	// caller opting in again
	ExtendedWindow       bool       `json:"extended_window"`
	ExtendedWindowReason string     `json:"extended_window_reason,omitempty"`
	ExtendedWindowAt     *time.Time `json:"extended_window_at,omitempty"`
	CreatedAt            time.Time  `json:"created_at"`
	UpdatedAt            time.Time  `json:"updated_at"`
}

// ReplyWindowOpen reports whether a free-form reply is still allowed:
// the provider accepts them for 24 hours after the last customer
// message
func (c *Conversation) ReplyWindowOpen(now time.Time) bool {
	if c.LastInboundAt == nil {
		return false
	}
	return now.Sub(*c.LastInboundAt) < 24*time.Hour
}

// Contact is the cross-conversation identity of a customer on a channel
type Contact struct {
	ID               string    `json:"id"`
	TenantID         string    `json:"tenant_id"`
	Channel          string    `json:"channel"`
	CustomerID       string    `json:"customer_id"`
	Name             string    `json:"name,omitempty"`
	AvatarURL        string    `json:"avatar_url,omitempty"`
	MessagesReceived int       `json:"messages_received"`
	LastActivityAt   time.Time `json:"last_activity_at"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}
