package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/vadim/omni-inbox/internal/domain/inbox/entity"
	"github.com/vadim/omni-inbox/internal/domain/inbox/service"
	"github.com/vadim/omni-inbox/internal/httpx/response"
)

// InboxService defines the interface for inbox queries
type InboxService interface {
	ListConversations(ctx context.Context, in service.ListConversationsInput) (*service.ListConversationsOutput, error)
	ListMessages(ctx context.Context, in service.ListMessagesInput) (*service.ListMessagesOutput, error)
}

// SendService defines the interface for outbound sends
type SendService interface {
	Send(ctx context.Context, in service.SendInput) (*service.SendOutput, error)
}

// InboxHandler handles HTTP requests for the unified inbox
type InboxHandler struct {
	inbox    InboxService
	sender   SendService
	validate *validator.Validate
}

// NewInboxHandler creates a new inbox handler
func NewInboxHandler(inbox InboxService, sender SendService) *InboxHandler {
	return &InboxHandler{
		inbox:    inbox,
		sender:   sender,
		validate: validator.New(),
	}
}

// RegisterRoutes registers inbox routes
func (h *InboxHandler) RegisterRoutes(r chi.Router) {
	r.Get("/conversations", h.ListConversations())
	r.Get("/conversations/{conversationId}/messages", h.ListMessages())
	r.Post("/conversations/{conversationId}/messages", h.SendMessage())
}

// ListConversations handles GET /conversations
func (h *InboxHandler) ListConversations() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tenantID := r.URL.Query().Get("tenant_id")
		if tenantID == "" {
			response.BadRequest(w, "tenant_id is required")
			return
		}

		limit, offset := pagination(r)
		result, err := h.inbox.ListConversations(r.Context(), service.ListConversationsInput{
			TenantID:  tenantID,
			AccountID: r.URL.Query().Get("account_id"),
			Limit:     limit,
			Offset:    offset,
		})
		if err != nil {
			response.InternalError(w, "failed to list conversations")
			return
		}

		response.OK(w, result)
	}
}

// ListMessages handles GET /conversations/{conversationId}/messages
func (h *InboxHandler) ListMessages() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit, offset := pagination(r)

		result, err := h.inbox.ListMessages(r.Context(), service.ListMessagesInput{
			ConversationID: chi.URLParam(r, "conversationId"),
			Limit:          limit,
			Offset:         offset,
			MarkRead:       r.URL.Query().Get("mark_read") == "true",
		})
		if err != nil {
			if errors.Is(err, entity.ErrConversationNotFound) {
				response.NotFound(w, "conversation not found")
				return
			}
			response.InternalError(w, "failed to list messages")
			return
		}

		response.OK(w, result)
	}
}

// SendMessageRequest represents the request body for sending a message
type SendMessageRequest struct {
	Text                string `json:"text" validate:"required_without=MediaURL,max=4096"`
	MediaURL            string `json:"media_url" validate:"omitempty,url"`
	MediaType           string `json:"media_type" validate:"omitempty,oneof=image video audio file"`
	AllowExtendedWindow bool   `json:"allow_extended_window"`
}

// SendMessage handles POST /conversations/{conversationId}/messages
func (h *InboxHandler) SendMessage() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req SendMessageRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			response.BadRequest(w, "invalid request body")
			return
		}
		if err := h.validate.Struct(&req); err != nil {
			response.BadRequest(w, err.Error())
			return
		}

		out, err := h.sender.Send(r.Context(), service.SendInput{
			ConversationID:      chi.URLParam(r, "conversationId"),
			Text:                req.Text,
			MediaURL:            req.MediaURL,
			MediaType:           req.MediaType,
			AllowExtendedWindow: req.AllowExtendedWindow,
		})
		if err != nil {
			writeSendError(w, err)
			return
		}

		response.Created(w, out)
	}
}

// writeSendError maps classified send failures onto HTTP statuses
func writeSendError(w http.ResponseWriter, err error) {
	if errors.Is(err, entity.ErrConversationNotFound) {
		response.NotFound(w, "conversation not found")
		return
	}

	var sendErr *service.SendError
	if !errors.As(err, &sendErr) {
		response.InternalError(w, "send failed")
		return
	}

	switch sendErr.Code {
	case service.SendErrValidation:
		response.ClassifiedError(w, http.StatusBadRequest, sendErr.Code, sendErr.Hint)
	case service.SendErrNotConnected:
		response.ClassifiedError(w, http.StatusConflict, sendErr.Code, sendErr.Hint)
	case service.SendErrCapabilityMissing:
		response.ClassifiedError(w, http.StatusForbidden, sendErr.Code, sendErr.Hint)
	case service.SendErrRateLimited:
		response.ClassifiedError(w, http.StatusTooManyRequests, sendErr.Code, sendErr.Hint)
	default:
		response.ClassifiedError(w, http.StatusBadGateway, sendErr.Code, sendErr.Hint)
	}
}

func pagination(r *http.Request) (limit, offset int) {
	limit = 50
	if l := r.URL.Query().Get("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
			if limit > 100 {
				limit = 100
			}
		}
	}
	if o := r.URL.Query().Get("offset"); o != "" {
		if parsed, err := strconv.Atoi(o); err == nil && parsed >= 0 {
			offset = parsed
		}
	}
	return limit, offset
}
