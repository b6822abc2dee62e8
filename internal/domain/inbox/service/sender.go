package service

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/vadim/omni-inbox/internal/channel"
	"github.com/vadim/omni-inbox/internal/domain/inbox/entity"
)

// SendRequest is one outbound delivery attempt
type SendRequest struct {
	Account    channel.SendAccount
	MessageID  string
	Outbound   channel.OutboundMessage
	WindowOpen bool
}

// SendOutcome is the provider acknowledgement plus anything worth
// remembering about how the send was performed
type SendOutcome struct {
	NativeMessageID string
	Metadata        map[string]string
}

// MessageSender is the delivery strategy behind the orchestrator. The
// live implementation talks to the provider; the simulated one fakes
// acknowledgements for demo environments without Meta credentials.
type MessageSender interface {
	Send(ctx context.Context, req SendRequest) (*SendOutcome, error)
}

// LiveSender delivers through a channel adapter. On WhatsApp it picks
// between free-form and template sends based on the reply window.
type LiveSender struct {
	adapter channel.Adapter
	wa      *channel.WhatsAppAdapter

	// TemplateName is the pre-approved template used when the WhatsApp
	// window is closed; empty means attempt free-form and surface the
	// provider rejection
	TemplateName string
	TemplateLang string
}

// NewLiveSender creates a live sender for one channel
func NewLiveSender(adapter channel.Adapter) *LiveSender {
	s := &LiveSender{adapter: adapter}
	if wa, ok := adapter.(*channel.WhatsAppAdapter); ok {
		s.wa = wa
	}
	return s
}

func (s *LiveSender) Send(ctx context.Context, req SendRequest) (*SendOutcome, error) {
	if s.wa != nil && !req.WindowOpen && s.TemplateName != "" {
		result, err := s.wa.SendTemplate(ctx, req.Account, channel.TemplateMessage{
			RecipientID: req.Outbound.RecipientID,
			Name:        s.TemplateName,
			Language:    s.TemplateLang,
			BodyParams:  []string{req.Outbound.Content},
		})
		if err != nil {
			return nil, err
		}
		return &SendOutcome{
			NativeMessageID: result.NativeMessageID,
			Metadata:        map[string]string{"template": s.TemplateName},
		}, nil
	}

	var result *channel.SendResult
	var err error
	if req.Outbound.MediaURL != "" {
		result, err = s.adapter.SendMedia(ctx, req.Account, req.Outbound)
	} else {
		result, err = s.adapter.SendText(ctx, req.Account, req.Outbound)
	}
	if err != nil {
		return nil, err
	}

	outcome := &SendOutcome{NativeMessageID: result.NativeMessageID}
	if result.Tag != "" {
		outcome.Metadata = map[string]string{"tag": result.Tag}
	}
	return outcome, nil
}

// SimulatedSender acknowledges sends locally and walks the delivery
// lifecycle on a timer, so the inbox is demonstrable without provider
// credentials
type SimulatedSender struct {
	msgRepo MessageRepository
	logger  *slog.Logger

	// DeliverAfter and ReadAfter pace the fake receipts
	DeliverAfter time.Duration
	ReadAfter    time.Duration
}

// NewSimulatedSender creates a sender that fakes provider receipts
func NewSimulatedSender(msgRepo MessageRepository, logger *slog.Logger) *SimulatedSender {
	return &SimulatedSender{
		msgRepo:      msgRepo,
		logger:       logger,
		DeliverAfter: 2 * time.Second,
		ReadAfter:    5 * time.Second,
	}
}

func (s *SimulatedSender) Send(_ context.Context, req SendRequest) (*SendOutcome, error) {
	nativeID := "sim." + uuid.New().String()

	go s.advance(req.MessageID)

	return &SendOutcome{
		NativeMessageID: nativeID,
		Metadata:        map[string]string{"simulated": "true"},
	}, nil
}

// advance runs detached from the request: receipts would arrive via
// webhook long after the send call returned
func (s *SimulatedSender) advance(messageID string) {
	ctx := context.Background()

	time.Sleep(s.DeliverAfter)
	if err := s.msgRepo.ApplyStatus(ctx, messageID, entity.StatusDelivered, time.Now(), "", true); err != nil {
		s.logger.Debug("simulated delivery receipt failed", "message_id", messageID, "error", err)
		return
	}

	time.Sleep(s.ReadAfter)
	if err := s.msgRepo.ApplyStatus(ctx, messageID, entity.StatusRead, time.Now(), "", true); err != nil {
		s.logger.Debug("simulated read receipt failed", "message_id", messageID, "error", err)
	}
}
