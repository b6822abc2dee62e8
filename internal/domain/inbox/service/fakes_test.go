package service

import (
	"context"
	"sort"
	"sync"
	"time"

	accountentity "github.com/vadim/omni-inbox/internal/domain/account/entity"
	"github.com/vadim/omni-inbox/internal/domain/inbox/entity"
)

// In-memory repositories mirroring the PostgreSQL semantics closely
// enough for service-level tests: upsert conflict targets, preview
// updates and the status timestamp rules.

type memConversations struct {
	mu       sync.Mutex
	byID     map[string]*entity.Conversation
	byThread map[string]string
}

func newMemConversations() *memConversations {
	return &memConversations{byID: make(map[string]*entity.Conversation), byThread: make(map[string]string)}
}

func threadKey(accountID, customerID string) string { return accountID + "/" + customerID }

func (m *memConversations) GetOrCreate(_ context.Context, conv *entity.Conversation) (*entity.Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if id, ok := m.byThread[threadKey(conv.AccountID, conv.CustomerID)]; ok {
		existing := m.byID[id]
		if conv.CustomerName != "" {
			existing.CustomerName = conv.CustomerName
		}
		if conv.CustomerAvatarURL != "" {
			existing.CustomerAvatarURL = conv.CustomerAvatarURL
		}
		copied := *existing
		return &copied, nil
	}

	stored := *conv
	stored.CreatedAt = time.Now()
	stored.UpdatedAt = stored.CreatedAt
	m.byID[stored.ID] = &stored
	m.byThread[threadKey(stored.AccountID, stored.CustomerID)] = stored.ID
	copied := stored
	return &copied, nil
}

func (m *memConversations) GetByID(_ context.Context, id string) (*entity.Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	conv, ok := m.byID[id]
	if !ok {
		return nil, entity.ErrConversationNotFound
	}
	copied := *conv
	return &copied, nil
}

func (m *memConversations) list(filter func(*entity.Conversation) bool, limit, offset int) []entity.Conversation {
	var out []entity.Conversation
	for _, conv := range m.byID {
		if filter(conv) && !conv.Archived {
			out = append(out, *conv)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		ti, tj := time.Time{}, time.Time{}
		if out[i].LastMessageAt != nil {
			ti = *out[i].LastMessageAt
		}
		if out[j].LastMessageAt != nil {
			tj = *out[j].LastMessageAt
		}
		return ti.After(tj)
	})
	if offset >= len(out) {
		return nil
	}
	out = out[offset:]
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}

func (m *memConversations) ListByAccount(_ context.Context, accountID string, limit, offset int) ([]entity.Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.list(func(c *entity.Conversation) bool { return c.AccountID == accountID }, limit, offset), nil
}

func (m *memConversations) ListByAccounts(_ context.Context, accountIDs []string, limit, offset int) ([]entity.Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make(map[string]bool, len(accountIDs))
	for _, id := range accountIDs {
		ids[id] = true
	}
	return m.list(func(c *entity.Conversation) bool { return ids[c.AccountID] }, limit, offset), nil
}

func (m *memConversations) RecordActivity(_ context.Context, id, previewText string, at time.Time, inbound bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	conv, ok := m.byID[id]
	if !ok {
		return entity.ErrConversationNotFound
	}
	conv.LastMessageText = previewText
	conv.LastMessageAt = &at
	if inbound {
		conv.LastInboundAt = &at
		conv.UnreadCount++
	}
	conv.UpdatedAt = time.Now()
	return nil
}

func (m *memConversations) MarkRead(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	conv, ok := m.byID[id]
	if !ok {
		return entity.ErrConversationNotFound
	}
	conv.UnreadCount = 0
	return nil
}

func (m *memConversations) MarkExtendedWindow(_ context.Context, id, reason string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	conv, ok := m.byID[id]
	if !ok {
		return entity.ErrConversationNotFound
	}
	if conv.ExtendedWindow {
		return nil
	}
	conv.ExtendedWindow = true
	conv.ExtendedWindowReason = reason
	conv.ExtendedWindowAt = &at
	return nil
}

func (m *memConversations) SetArchived(_ context.Context, id string, archived bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	conv, ok := m.byID[id]
	if !ok {
		return entity.ErrConversationNotFound
	}
	conv.Archived = archived
	return nil
}

type memMessages struct {
	mu       sync.Mutex
	byID     map[string]*entity.Message
	byNative map[string]string
	convs    *memConversations
	countErr error
}

func newMemMessages(convs *memConversations) *memMessages {
	return &memMessages{byID: make(map[string]*entity.Message), byNative: make(map[string]string), convs: convs}
}

func nativeKey(conversationID, nativeID string) string { return conversationID + "/" + nativeID }

func (m *memMessages) Insert(_ context.Context, msg *entity.Message) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := nativeKey(msg.ConversationID, msg.NativeID)
	if _, ok := m.byNative[key]; ok {
		return false, nil
	}

	stored := *msg
	stored.CreatedAt = time.Now()
	m.byID[stored.ID] = &stored
	m.byNative[key] = stored.ID
	return true, nil
}

func (m *memMessages) GetByID(_ context.Context, id string) (*entity.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	msg, ok := m.byID[id]
	if !ok {
		return nil, entity.ErrMessageNotFound
	}
	copied := *msg
	return &copied, nil
}

func (m *memMessages) GetByNativeID(_ context.Context, accountID, nativeID string) (*entity.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, msg := range m.byID {
		if msg.NativeID != nativeID {
			continue
		}
		conv := m.convs.byID[msg.ConversationID]
		if conv != nil && conv.AccountID == accountID {
			copied := *msg
			return &copied, nil
		}
	}
	return nil, nil
}

func (m *memMessages) ListByConversation(_ context.Context, conversationID string, limit, offset int) ([]entity.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []entity.Message
	for _, msg := range m.byID {
		if msg.ConversationID == conversationID {
			out = append(out, *msg)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })
	if offset >= len(out) {
		return nil, nil
	}
	out = out[offset:]
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memMessages) Count(_ context.Context, conversationID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.countErr != nil {
		return 0, m.countErr
	}
	var n int64
	for _, msg := range m.byID {
		if msg.ConversationID == conversationID {
			n++
		}
	}
	return n, nil
}

func (m *memMessages) ConfirmSend(_ context.Context, id, nativeID string, sentAt time.Time, extra map[string]string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	msg, ok := m.byID[id]
	if !ok {
		return entity.ErrMessageNotFound
	}
	delete(m.byNative, nativeKey(msg.ConversationID, msg.NativeID))
	msg.NativeID = nativeID
	msg.Status = entity.StatusSent
	msg.SentAt = &sentAt
	if msg.Metadata == nil && len(extra) > 0 {
		msg.Metadata = make(map[string]string)
	}
	for k, v := range extra {
		msg.Metadata[k] = v
	}
	m.byNative[nativeKey(msg.ConversationID, nativeID)] = id
	return nil
}

func (m *memMessages) ApplyStatus(_ context.Context, id string, status entity.DeliveryStatus, at time.Time, errMsg string, advance bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	msg, ok := m.byID[id]
	if !ok {
		return entity.ErrMessageNotFound
	}
	switch status {
	case entity.StatusSent:
		msg.SentAt = &at
	case entity.StatusDelivered:
		msg.DeliveredAt = &at
	case entity.StatusRead:
		msg.ReadAt = &at
	case entity.StatusFailed:
		msg.FailedAt = &at
		if errMsg != "" {
			msg.ErrorMessage = errMsg
		}
	}
	if advance {
		msg.Status = status
	}
	return nil
}

type memContacts struct {
	mu    sync.Mutex
	byKey map[string]*entity.Contact
}

func newMemContacts() *memContacts {
	return &memContacts{byKey: make(map[string]*entity.Contact)}
}

func contactKey(tenantID, channel, customerID string) string {
	return tenantID + "/" + channel + "/" + customerID
}

func (m *memContacts) Touch(_ context.Context, contact *entity.Contact) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := contactKey(contact.TenantID, contact.Channel, contact.CustomerID)
	if existing, ok := m.byKey[key]; ok {
		existing.MessagesReceived++
		if contact.Name != "" {
			existing.Name = contact.Name
		}
		existing.LastActivityAt = time.Now()
		return nil
	}

	stored := *contact
	stored.MessagesReceived = 1
	stored.LastActivityAt = time.Now()
	m.byKey[key] = &stored
	return nil
}

func (m *memContacts) GetByCustomer(_ context.Context, tenantID, channel, customerID string) (*entity.Contact, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	contact, ok := m.byKey[contactKey(tenantID, channel, customerID)]
	if !ok {
		return nil, nil
	}
	copied := *contact
	return &copied, nil
}

type memAccounts struct {
	accounts []accountentity.ConnectedAccount
}

func (m *memAccounts) GetByID(_ context.Context, id string) (*accountentity.ConnectedAccount, error) {
	for i := range m.accounts {
		if m.accounts[i].ID == id {
			copied := m.accounts[i]
			return &copied, nil
		}
	}
	return nil, nil
}

func (m *memAccounts) GetActiveByResource(_ context.Context, channel, resourceID string) (*accountentity.ConnectedAccount, error) {
	for i := range m.accounts {
		acc := m.accounts[i]
		if acc.Channel == channel && acc.ResourceID == resourceID && acc.Active {
			return &acc, nil
		}
	}
	return nil, nil
}

func (m *memAccounts) GetActiveByMetadata(_ context.Context, channel, key, value string) (*accountentity.ConnectedAccount, error) {
	for i := range m.accounts {
		acc := m.accounts[i]
		if acc.Channel == channel && acc.Active && acc.Metadata[key] == value {
			return &acc, nil
		}
	}
	return nil, nil
}

func (m *memAccounts) ListByTenant(_ context.Context, tenantID string) ([]accountentity.ConnectedAccount, error) {
	var out []accountentity.ConnectedAccount
	for _, acc := range m.accounts {
		if acc.TenantID == tenantID {
			out = append(out, acc)
		}
	}
	return out, nil
}
