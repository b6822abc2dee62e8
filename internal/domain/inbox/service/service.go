package service

import (
	"context"
	"fmt"
	"time"

	accountentity "github.com/vadim/omni-inbox/internal/domain/account/entity"
	"github.com/vadim/omni-inbox/internal/domain/inbox/entity"
)

// ConversationRepository defines the interface for conversation storage
type ConversationRepository interface {
	GetOrCreate(ctx context.Context, conv *entity.Conversation) (*entity.Conversation, error)
	GetByID(ctx context.Context, id string) (*entity.Conversation, error)
	ListByAccount(ctx context.Context, accountID string, limit, offset int) ([]entity.Conversation, error)
	ListByAccounts(ctx context.Context, accountIDs []string, limit, offset int) ([]entity.Conversation, error)
	RecordActivity(ctx context.Context, id, previewText string, at time.Time, inbound bool) error
	MarkRead(ctx context.Context, id string) error
	SetArchived(ctx context.Context, id string, archived bool) error
	MarkExtendedWindow(ctx context.Context, id, reason string, at time.Time) error
}

// MessageRepository defines the interface for message storage
type MessageRepository interface {
	Insert(ctx context.Context, msg *entity.Message) (bool, error)
	GetByID(ctx context.Context, id string) (*entity.Message, error)
	GetByNativeID(ctx context.Context, accountID, nativeID string) (*entity.Message, error)
	ListByConversation(ctx context.Context, conversationID string, limit, offset int) ([]entity.Message, error)
	Count(ctx context.Context, conversationID string) (int64, error)
	ConfirmSend(ctx context.Context, id, nativeID string, sentAt time.Time, extra map[string]string) error
	ApplyStatus(ctx context.Context, id string, status entity.DeliveryStatus, at time.Time, errMsg string, advance bool) error
}

// ContactRepository defines the interface for contact storage
type ContactRepository interface {
	Touch(ctx context.Context, contact *entity.Contact) error
	GetByCustomer(ctx context.Context, tenantID, channel, customerID string) (*entity.Contact, error)
}

// AccountDirectory resolves connected accounts for routing and sending
type AccountDirectory interface {
	GetByID(ctx context.Context, id string) (*accountentity.ConnectedAccount, error)
	GetActiveByResource(ctx context.Context, channel, resourceID string) (*accountentity.ConnectedAccount, error)
	GetActiveByMetadata(ctx context.Context, channel, key, value string) (*accountentity.ConnectedAccount, error)
	ListByTenant(ctx context.Context, tenantID string) ([]accountentity.ConnectedAccount, error)
}

// Profile is the displayable identity of a customer
type Profile struct {
	Name      string
	AvatarURL string
}

// ProfileFetcher enriches conversations with customer names and avatars
type ProfileFetcher interface {
	Fetch(ctx context.Context, account *accountentity.ConnectedAccount, customerID string) (*Profile, error)
}

// MediaMirror copies short-lived provider media to durable storage and
// returns the durable URL
type MediaMirror interface {
	Mirror(ctx context.Context, srcURL, mediaType string) (string, error)
}

// Inbox serves the read side of the unified inbox
type Inbox struct {
	accounts AccountDirectory
	convRepo ConversationRepository
	msgRepo  MessageRepository
}

// NewInbox creates an inbox query service
func NewInbox(accounts AccountDirectory, convRepo ConversationRepository, msgRepo MessageRepository) *Inbox {
	return &Inbox{accounts: accounts, convRepo: convRepo, msgRepo: msgRepo}
}

// ListConversationsInput represents input for listing conversations
type ListConversationsInput struct {
	TenantID  string
	AccountID string // optional filter to one account
	Limit     int
	Offset    int
}

// ListConversationsOutput represents output from listing conversations
type ListConversationsOutput struct {
	Conversations []entity.Conversation `json:"conversations"`
	HasMore       bool                  `json:"has_more"`
}

// ListConversations returns the unified conversation list across every
// connected channel of a tenant, newest activity first
func (s *Inbox) ListConversations(ctx context.Context, in ListConversationsInput) (*ListConversationsOutput, error) {
	limit := in.Limit
	if limit <= 0 {
		limit = 50
	}

	if in.AccountID != "" {
		conversations, err := s.convRepo.ListByAccount(ctx, in.AccountID, limit, in.Offset)
		if err != nil {
			return nil, fmt.Errorf("listing conversations: %w", err)
		}
		return &ListConversationsOutput{Conversations: conversations, HasMore: len(conversations) == limit}, nil
	}

	accounts, err := s.accounts.ListByTenant(ctx, in.TenantID)
	if err != nil {
		return nil, fmt.Errorf("listing accounts: %w", err)
	}

	ids := make([]string, 0, len(accounts))
	for _, acc := range accounts {
		ids = append(ids, acc.ID)
	}
	if len(ids) == 0 {
		return &ListConversationsOutput{}, nil
	}

	conversations, err := s.convRepo.ListByAccounts(ctx, ids, limit, in.Offset)
	if err != nil {
		return nil, fmt.Errorf("listing conversations: %w", err)
	}
	return &ListConversationsOutput{Conversations: conversations, HasMore: len(conversations) == limit}, nil
}

// ListMessagesInput represents input for listing messages
type ListMessagesInput struct {
	ConversationID string
	Limit          int
	Offset         int
	MarkRead       bool
}

// ListMessagesOutput represents output from listing messages
type ListMessagesOutput struct {
	Messages []entity.Message `json:"messages"`
	Total    int64            `json:"total"`
	HasMore  bool             `json:"has_more"`
}

// ListMessages returns messages of a conversation, optionally clearing
// the unread counter
func (s *Inbox) ListMessages(ctx context.Context, in ListMessagesInput) (*ListMessagesOutput, error) {
	limit := in.Limit
	if limit <= 0 {
		limit = 50
	}

	if _, err := s.convRepo.GetByID(ctx, in.ConversationID); err != nil {
		return nil, err
	}

	messages, err := s.msgRepo.ListByConversation(ctx, in.ConversationID, limit, in.Offset)
	if err != nil {
		return nil, fmt.Errorf("listing messages: %w", err)
	}

	total, err := s.msgRepo.Count(ctx, in.ConversationID)
	if err != nil {
		return nil, fmt.Errorf("counting messages: %w", err)
	}

	if in.MarkRead {
		if err := s.convRepo.MarkRead(ctx, in.ConversationID); err != nil {
			return nil, fmt.Errorf("clearing unread counter: %w", err)
		}
	}

	return &ListMessagesOutput{
		Messages: messages,
		Total:    total,
		HasMore:  int64(in.Offset+len(messages)) < total,
	}, nil
}
