package http

import (
	"context"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/vadim/omni-inbox/internal/domain/account/service"
	"github.com/vadim/omni-inbox/internal/httpx/response"
)

// CredentialDiscovery defines the interface for the connect flow
type CredentialDiscovery interface {
	AuthURL(tenantID string) string
	HandleCallback(ctx context.Context, in service.HandleCallbackInput) (*service.HandleCallbackOutput, error)
}

// OAuthHandler handles the channel connect flow
type OAuthHandler struct {
	discovery CredentialDiscovery
	// uiURL is where the operator lands after the flow; empty means
	// answer with JSON instead of redirecting
	uiURL string
}

// NewOAuthHandler creates a new OAuth handler
func NewOAuthHandler(discovery CredentialDiscovery, uiURL string) *OAuthHandler {
	return &OAuthHandler{discovery: discovery, uiURL: uiURL}
}

// RegisterRoutes registers OAuth routes
func (h *OAuthHandler) RegisterRoutes(r chi.Router) {
	r.Get("/oauth/meta/connect", h.Connect())
	r.Get("/oauth/meta/callback", h.Callback())
}

// Connect handles GET /oauth/meta/connect: sends the operator to the
// provider consent screen
func (h *OAuthHandler) Connect() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tenantID := r.URL.Query().Get("tenant_id")
		if tenantID == "" {
			response.BadRequest(w, "tenant_id is required")
			return
		}

		http.Redirect(w, r, h.discovery.AuthURL(tenantID), http.StatusFound)
	}
}

// Callback handles GET /oauth/meta/callback
func (h *OAuthHandler) Callback() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		query := r.URL.Query()

		if reason := query.Get("error"); reason != "" {
			// the operator cancelled or the app is misconfigured
			h.finish(w, r, url.Values{
				"connected": {"error"},
				"reason":    {query.Get("error_description")},
			}, http.StatusBadRequest, map[string]string{"error": reason})
			return
		}

		out, err := h.discovery.HandleCallback(r.Context(), service.HandleCallbackInput{
			Code:  query.Get("code"),
			State: query.Get("state"),
		})
		if err != nil {
			h.finish(w, r, url.Values{
				"connected": {"error"},
				"reason":    {err.Error()},
			}, http.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		}

		h.finish(w, r, url.Values{
			"connected": {strings.Join(out.Channels, ",")},
		}, http.StatusOK, out)
	}
}

// finish redirects back to the UI when one is configured, otherwise
// answers with JSON
func (h *OAuthHandler) finish(w http.ResponseWriter, r *http.Request, params url.Values, status int, body any) {
	if h.uiURL == "" {
		response.JSON(w, status, body)
		return
	}
	http.Redirect(w, r, h.uiURL+"?"+params.Encode(), http.StatusFound)
}
