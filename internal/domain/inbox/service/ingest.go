package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/vadim/omni-inbox/internal/channel"
	accountentity "github.com/vadim/omni-inbox/internal/domain/account/entity"
	"github.com/vadim/omni-inbox/internal/domain/inbox/entity"
)

// WhatsAppMediaResolver exchanges webhook media ids for downloadable
// URLs
type WhatsAppMediaResolver interface {
	ResolveMediaURL(ctx context.Context, accessToken, mediaID string) (string, error)
}

// Ingestor turns verified webhook payloads into conversations and
// messages. Parsing failures and unknown recipients are logged and
// skipped; the webhook batch as a whole always succeeds so the provider
// does not replay it forever.
type Ingestor struct {
	adapters    map[string]channel.Adapter
	waMedia     WhatsAppMediaResolver
	accounts    AccountDirectory
	convRepo    ConversationRepository
	msgRepo     MessageRepository
	contactRepo ContactRepository
	profiles    ProfileFetcher
	media       MediaMirror
	logger      *slog.Logger
}

// IngestorOption configures optional ingestion features
type IngestorOption func(*Ingestor)

// WithProfiles enables best-effort customer profile enrichment
func WithProfiles(p ProfileFetcher) IngestorOption {
	return func(s *Ingestor) { s.profiles = p }
}

// WithMediaMirror enables mirroring of inbound media to durable storage
func WithMediaMirror(m MediaMirror) IngestorOption {
	return func(s *Ingestor) { s.media = m }
}

// WithWhatsAppMedia enables resolution of WhatsApp media ids
func WithWhatsAppMedia(r WhatsAppMediaResolver) IngestorOption {
	return func(s *Ingestor) { s.waMedia = r }
}

// NewIngestor creates a webhook ingestion service
func NewIngestor(
	adapters []channel.Adapter,
	accounts AccountDirectory,
	convRepo ConversationRepository,
	msgRepo MessageRepository,
	contactRepo ContactRepository,
	logger *slog.Logger,
	opts ...IngestorOption,
) *Ingestor {
	byObject := make(map[string]channel.Adapter, len(adapters))
	for _, a := range adapters {
		byObject[webhookObject(a.Type())] = a
	}

	s := &Ingestor{
		adapters:    byObject,
		accounts:    accounts,
		convRepo:    convRepo,
		msgRepo:     msgRepo,
		contactRepo: contactRepo,
		logger:      logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// webhookObject maps a channel to the top-level "object" field of its
// webhook deliveries
func webhookObject(t channel.Type) string {
	switch t {
	case channel.TypeWhatsApp:
		return "whatsapp_business_account"
	case channel.TypeMessenger:
		return "page"
	case channel.TypeInstagram:
		return "instagram"
	default:
		return string(t)
	}
}

// HandleWebhook ingests one verified webhook delivery
func (s *Ingestor) HandleWebhook(ctx context.Context, payload *channel.Notifications) error {
	adapter, ok := s.adapters[payload.Object]
	if !ok {
		s.logger.Warn("webhook for unknown object, ignoring", "object", payload.Object)
		return nil
	}

	result := adapter.ParseWebhook(payload)
	for _, reason := range result.Skipped {
		s.logger.Debug("webhook item skipped", "object", payload.Object, "reason", reason)
	}

	for _, event := range result.Events {
		if err := s.ingestMessage(ctx, event); err != nil {
			s.logger.Error("ingesting inbound message failed",
				"channel", event.Channel,
				"native_id", event.Message.NativeID,
				"error", err,
			)
		}
	}

	for _, update := range result.Statuses {
		if err := s.applyStatus(ctx, update); err != nil {
			s.logger.Error("applying status update failed",
				"channel", update.Channel,
				"native_id", update.NativeMessageID,
				"error", err,
			)
		}
	}

	return nil
}

func (s *Ingestor) ingestMessage(ctx context.Context, event channel.InboundEvent) error {
	account, err := s.resolveAccount(ctx, event.Channel, event.AccountID)
	if err != nil {
		return err
	}

	name, avatar := event.CustomerName, ""
	if name == "" && s.profiles != nil {
		if prof, err := s.profiles.Fetch(ctx, account, event.CustomerID); err != nil {
			s.logger.Debug("profile fetch failed", "customer_id", event.CustomerID, "error", err)
		} else if prof != nil {
			name, avatar = prof.Name, prof.AvatarURL
		}
	}

	conv, err := s.convRepo.GetOrCreate(ctx, &entity.Conversation{
		ID:                uuid.New().String(),
		AccountID:         account.ID,
		Channel:           string(event.Channel),
		CustomerID:        event.CustomerID,
		CustomerName:      name,
		CustomerAvatarURL: avatar,
	})
	if err != nil {
		return fmt.Errorf("resolving conversation: %w", err)
	}

	msg := &entity.Message{
		ID:             uuid.New().String(),
		ConversationID: conv.ID,
		NativeID:       event.Message.NativeID,
		Direction:      entity.DirectionInbound,
		Type:           string(event.Message.Type),
		Text:           event.Message.Text,
		MediaURL:       event.Message.MediaURL,
		Metadata:       event.Message.Metadata,
		Timestamp:      event.Message.Timestamp,
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}

	s.attachMedia(ctx, account, msg)

	inserted, err := s.msgRepo.Insert(ctx, msg)
	if err != nil {
		return fmt.Errorf("storing message: %w", err)
	}
	if !inserted {
		// redelivery of something already stored; side effects such as
		// unread counters must not run twice
		s.logger.Debug("duplicate webhook message", "native_id", msg.NativeID)
		return nil
	}

	if err := s.convRepo.RecordActivity(ctx, conv.ID, previewText(msg), msg.Timestamp, true); err != nil {
		return fmt.Errorf("recording activity: %w", err)
	}

	contact := &entity.Contact{
		ID:         uuid.New().String(),
		TenantID:   account.TenantID,
		Channel:    string(event.Channel),
		CustomerID: event.CustomerID,
		Name:       name,
		AvatarURL:  avatar,
	}
	if err := s.contactRepo.Touch(ctx, contact); err != nil {
		// contacts are denormalized convenience data, not worth failing
		// the ingest over
		s.logger.Warn("contact upsert failed", "customer_id", event.CustomerID, "error", err)
	}

	return nil
}

// attachMedia resolves WhatsApp media ids and mirrors provider CDN
// links to durable storage. Everything here is best effort: a message
// with a dead media link is still worth keeping.
func (s *Ingestor) attachMedia(ctx context.Context, account *accountentity.ConnectedAccount, msg *entity.Message) {
	mediaID := msg.Metadata["media_id"]
	if mediaID != "" && msg.MediaURL == "" && s.waMedia != nil {
		url, err := s.waMedia.ResolveMediaURL(ctx, account.AccessToken, mediaID)
		if err != nil {
			s.logger.Warn("media url resolution failed", "media_id", mediaID, "error", err)
			return
		}
		msg.MediaURL = url
	}

	if msg.MediaURL == "" || s.media == nil {
		return
	}

	durable, err := s.media.Mirror(ctx, msg.MediaURL, msg.Metadata["media_type"])
	if err != nil {
		s.logger.Warn("media mirror failed, keeping provider url", "error", err)
		return
	}
	msg.MediaURL = durable
}

func (s *Ingestor) applyStatus(ctx context.Context, update channel.StatusUpdate) error {
	account, err := s.resolveAccount(ctx, update.Channel, update.AccountID)
	if err != nil {
		return err
	}

	msg, err := s.msgRepo.GetByNativeID(ctx, account.ID, update.NativeMessageID)
	if err != nil {
		return fmt.Errorf("looking up message: %w", err)
	}
	if msg == nil {
		// receipts for messages sent before this system existed, or for
		// optimistic rows whose confirm lost the race; nothing to do
		s.logger.Debug("status for unknown message", "native_id", update.NativeMessageID)
		return nil
	}

	status := entity.DeliveryStatus(update.Status)
	at := update.Timestamp
	if at.IsZero() {
		at = time.Now()
	}

	errMsg := update.ErrorMessage
	if update.ErrorCode != 0 {
		errMsg = fmt.Sprintf("%s (code %d)", update.ErrorMessage, update.ErrorCode)
	}

	advance := msg.Status.Advances(status)
	if err := s.msgRepo.ApplyStatus(ctx, msg.ID, status, at, errMsg, advance); err != nil {
		return fmt.Errorf("applying status: %w", err)
	}
	return nil
}

func (s *Ingestor) resolveAccount(ctx context.Context, ch channel.Type, resourceID string) (*accountentity.ConnectedAccount, error) {
	account, err := s.accounts.GetActiveByResource(ctx, string(ch), resourceID)
	if err != nil {
		return nil, fmt.Errorf("resolving account: %w", err)
	}
	if account == nil && ch == channel.TypeInstagram {
		// Instagram webhooks sometimes address the owning page instead
		// of the IG-scoped id
		account, err = s.accounts.GetActiveByMetadata(ctx, string(ch), accountentity.MetaPageID, resourceID)
		if err != nil {
			return nil, fmt.Errorf("resolving account by page id: %w", err)
		}
	}
	if account == nil {
		return nil, fmt.Errorf("%w: %s %s", entity.ErrUnknownAccount, ch, resourceID)
	}
	return account, nil
}

func previewText(msg *entity.Message) string {
	if msg.Text != "" {
		return msg.Text
	}
	switch msg.Type {
	case string(channel.ContentTypeMedia):
		return "[media]"
	case string(channel.ContentTypeSticker):
		return "[sticker]"
	case string(channel.ContentTypeLocation):
		return "[location]"
	default:
		return "[message]"
	}
}
