package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/vadim/omni-inbox/internal/channel"
	"github.com/vadim/omni-inbox/internal/domain/inbox/entity"
	"github.com/vadim/omni-inbox/internal/httpx/upstream/meta"
)

// Send failure classes surfaced to API clients
const (
	SendErrValidation        = "validation"
	SendErrNotConnected      = "not_connected"
	SendErrCapabilityMissing = "capability_missing"
	SendErrRateLimited       = "rate_limited"
	SendErrProvider          = "provider_error"
)

// SendError classifies a failed send and carries an operator hint
type SendError struct {
	Code string `json:"code"`
	Hint string `json:"hint,omitempty"`
	Err  error  `json:"-"`
}

func (e *SendError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Code, e.Err)
	}
	return e.Code
}

func (e *SendError) Unwrap() error { return e.Err }

// Orchestrator coordinates outbound sends: it records an optimistic
// sending row first so the UI shows the message immediately, then
// reconciles it with the provider acknowledgement or failure
type Orchestrator struct {
	accounts AccountDirectory
	convRepo ConversationRepository
	msgRepo  MessageRepository
	senders  map[channel.Type]MessageSender
	logger   *slog.Logger
	now      func() time.Time
}

// NewOrchestrator creates a send orchestrator
func NewOrchestrator(
	accounts AccountDirectory,
	convRepo ConversationRepository,
	msgRepo MessageRepository,
	senders map[channel.Type]MessageSender,
	logger *slog.Logger,
) *Orchestrator {
	return &Orchestrator{
		accounts: accounts,
		convRepo: convRepo,
		msgRepo:  msgRepo,
		senders:  senders,
		logger:   logger,
		now:      time.Now,
	}
}

// SendInput represents input for sending a message
type SendInput struct {
	ConversationID string
	Text           string
	MediaURL       string
	MediaType      string
	// AllowExtendedWindow opts into the human-agent escalation tag when
	// the standard window already closed
	AllowExtendedWindow bool
}

// SendOutput represents the stored message after the send attempt
type SendOutput struct {
	Message entity.Message `json:"message"`
}

// Send delivers a message into a conversation
func (o *Orchestrator) Send(ctx context.Context, in SendInput) (*SendOutput, error) {
	if in.MediaURL == "" {
		if err := entity.ValidateText(in.Text); err != nil {
			return nil, &SendError{Code: SendErrValidation, Hint: err.Error(), Err: err}
		}
	}

	conv, err := o.convRepo.GetByID(ctx, in.ConversationID)
	if err != nil {
		return nil, err
	}

	account, err := o.accounts.GetByID(ctx, conv.AccountID)
	if err != nil {
		return nil, fmt.Errorf("loading account: %w", err)
	}
	if account == nil || !account.Active {
		return nil, &SendError{
			Code: SendErrNotConnected,
			Hint: "the channel behind this conversation is disconnected, reconnect it first",
		}
	}

	sender, ok := o.senders[channel.Type(conv.Channel)]
	if !ok {
		return nil, &SendError{Code: SendErrNotConnected, Hint: fmt.Sprintf("no sender for channel %s", conv.Channel)}
	}

	now := o.now()
	windowOpen := conv.ReplyWindowOpen(now)
	// a thread escalated once stays eligible; the caller flag only has
	// to be set the first time
	escalate := (in.AllowExtendedWindow || conv.ExtendedWindow) && !windowOpen

	msg := &entity.Message{
		ID:             uuid.New().String(),
		ConversationID: conv.ID,
		Direction:      entity.DirectionOutbound,
		Type:           string(channel.ContentTypeText),
		Text:           in.Text,
		MediaURL:       in.MediaURL,
		Status:         entity.StatusSending,
		Timestamp:      now,
	}
	if in.MediaURL != "" {
		msg.Type = string(channel.ContentTypeMedia)
	}
	// the provider id is unknown until the acknowledgement; the local
	// id keeps the per-conversation uniqueness constraint satisfied
	msg.NativeID = "local." + msg.ID

	if _, err := o.msgRepo.Insert(ctx, msg); err != nil {
		return nil, fmt.Errorf("recording optimistic message: %w", err)
	}

	outcome, err := sender.Send(ctx, SendRequest{
		Account:   channel.SendAccount{ResourceID: account.ResourceID, AccessToken: account.AccessToken},
		MessageID: msg.ID,
		Outbound: channel.OutboundMessage{
			RecipientID:    conv.CustomerID,
			Content:        in.Text,
			ContentType:    channel.ContentType(msg.Type),
			MediaURL:       in.MediaURL,
			MediaType:      in.MediaType,
			ExtendedWindow: escalate,
		},
		WindowOpen: windowOpen,
	})
	if err != nil {
		sendErr := classifySendError(err)
		if applyErr := o.msgRepo.ApplyStatus(ctx, msg.ID, entity.StatusFailed, o.now(), sendErr.Hint, true); applyErr != nil {
			o.logger.Error("marking message failed", "message_id", msg.ID, "error", applyErr)
		}
		o.logger.Warn("send failed",
			"conversation_id", conv.ID,
			"channel", conv.Channel,
			"code", sendErr.Code,
			"error", err,
		)
		return nil, sendErr
	}

	sentAt := o.now()
	if err := o.msgRepo.ConfirmSend(ctx, msg.ID, outcome.NativeMessageID, sentAt, outcome.Metadata); err != nil {
		return nil, fmt.Errorf("confirming send: %w", err)
	}
	if err := o.convRepo.RecordActivity(ctx, conv.ID, previewText(msg), sentAt, false); err != nil {
		o.logger.Warn("recording activity failed", "conversation_id", conv.ID, "error", err)
	}
	if escalate && !conv.ExtendedWindow {
		if err := o.convRepo.MarkExtendedWindow(ctx, conv.ID, escalationReason(outcome), sentAt); err != nil {
			o.logger.Warn("recording escalation failed", "conversation_id", conv.ID, "error", err)
		}
	}

	stored, err := o.msgRepo.GetByID(ctx, msg.ID)
	if err != nil {
		return nil, err
	}
	return &SendOutput{Message: *stored}, nil
}

// escalationReason names how the send got past the closed window, taken
// from the acknowledged delivery metadata
func escalationReason(outcome *SendOutcome) string {
	if name, ok := outcome.Metadata["template"]; ok {
		return "template:" + name
	}
	if tag, ok := outcome.Metadata["tag"]; ok {
		return tag
	}
	return "human_agent"
}

// classifySendError folds transport errors into the stable failure
// classes the API exposes
func classifySendError(err error) *SendError {
	if wait, ok := meta.IsRateLimit(err); ok {
		return &SendError{
			Code: SendErrRateLimited,
			Hint: fmt.Sprintf("provider throttled the account, retry after %s", wait),
			Err:  err,
		}
	}
	if meta.IsCapabilityError(err) {
		return &SendError{
			Code: SendErrCapabilityMissing,
			Hint: "the grant lacks a permission this send needs, reconnect the channel approving all requested scopes",
			Err:  err,
		}
	}

	var apiErr *meta.APIError
	if errors.As(err, &apiErr) {
		return &SendError{Code: SendErrProvider, Hint: apiErr.Message, Err: err}
	}
	return &SendError{Code: SendErrProvider, Hint: err.Error(), Err: err}
}
