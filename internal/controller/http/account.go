package http

import (
	"context"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/vadim/omni-inbox/internal/domain/account/entity"
	"github.com/vadim/omni-inbox/internal/domain/account/service"
	"github.com/vadim/omni-inbox/internal/httpx/response"
)

// AccountService defines the interface for connected account operations
type AccountService interface {
	ListAccounts(ctx context.Context, in service.ListAccountsInput) ([]entity.ConnectedAccount, error)
	CheckAccount(ctx context.Context, accountID string) (*service.CheckAccountOutput, error)
	CheckAll(ctx context.Context) ([]service.CheckAccountOutput, error)
	Disconnect(ctx context.Context, tenantID, channel string) error
}

// AccountHandler handles HTTP requests for connected accounts
type AccountHandler struct {
	accounts AccountService
}

// NewAccountHandler creates a new account handler
func NewAccountHandler(accounts AccountService) *AccountHandler {
	return &AccountHandler{accounts: accounts}
}

// RegisterRoutes registers account routes
func (h *AccountHandler) RegisterRoutes(r chi.Router) {
	r.Get("/accounts", h.List())
	r.Post("/accounts/check", h.CheckAll())
	r.Post("/accounts/{id}/check", h.Check())
	r.Delete("/channels/{channel}", h.Disconnect())
}

// List handles GET /accounts
func (h *AccountHandler) List() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tenantID := r.URL.Query().Get("tenant_id")
		if tenantID == "" {
			response.BadRequest(w, "tenant_id is required")
			return
		}

		accounts, err := h.accounts.ListAccounts(r.Context(), service.ListAccountsInput{TenantID: tenantID})
		if err != nil {
			response.InternalError(w, "failed to list accounts")
			return
		}

		response.OK(w, map[string]interface{}{
			"accounts": accounts,
			"total":    len(accounts),
		})
	}
}

// Check handles POST /accounts/{id}/check
func (h *AccountHandler) Check() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		out, err := h.accounts.CheckAccount(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			if errors.Is(err, entity.ErrAccountNotFound) {
				response.NotFound(w, "account not found")
				return
			}
			response.InternalError(w, "status check failed")
			return
		}

		response.OK(w, out)
	}
}

// CheckAll handles POST /accounts/check
func (h *AccountHandler) CheckAll() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		results, err := h.accounts.CheckAll(r.Context())
		if err != nil {
			response.InternalError(w, "status check failed")
			return
		}

		response.OK(w, map[string]interface{}{"results": results})
	}
}

// Disconnect handles DELETE /channels/{channel}
func (h *AccountHandler) Disconnect() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tenantID := r.URL.Query().Get("tenant_id")
		if tenantID == "" {
			response.BadRequest(w, "tenant_id is required")
			return
		}

		err := h.accounts.Disconnect(r.Context(), tenantID, chi.URLParam(r, "channel"))
		if err != nil {
			if errors.Is(err, entity.ErrNotConnected) {
				response.NotFound(w, "channel is not connected")
				return
			}
			response.InternalError(w, "disconnect failed")
			return
		}

		response.NoContent(w)
	}
}
