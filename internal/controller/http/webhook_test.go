package http

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vadim/omni-inbox/internal/channel"
)

type recordingIngestor struct {
	payloads []*channel.Notifications
}

func (r *recordingIngestor) HandleWebhook(_ context.Context, payload *channel.Notifications) error {
	r.payloads = append(r.payloads, payload)
	return nil
}

func newWebhookRouter(ingestor WebhookIngestor) chi.Router {
	r := chi.NewRouter()
	h := NewWebhookHandler(ingestor, "app-secret", "verify-me", slog.New(slog.NewTextHandler(io.Discard, nil)))
	h.RegisterRoutes(r)
	return r
}

func sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func TestWebhookVerifyHandshake(t *testing.T) {
	router := newWebhookRouter(&recordingIngestor{})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet,
		"/webhooks/meta?hub.mode=subscribe&hub.verify_token=verify-me&hub.challenge=42abc", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "42abc", rec.Body.String(), "challenge must be echoed verbatim")

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet,
		"/webhooks/meta?hub.mode=subscribe&hub.verify_token=wrong&hub.challenge=42abc", nil))
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestWebhookSignatureEnforced(t *testing.T) {
	ingestor := &recordingIngestor{}
	router := newWebhookRouter(ingestor)
	body := []byte(`{"object":"page","entry":[]}`)

	req := httptest.NewRequest(http.MethodPost, "/webhooks/meta", bytes.NewReader(body))
	req.Header.Set("X-Hub-Signature-256", sign("wrong-secret", body))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Empty(t, ingestor.payloads, "unverified payloads never reach the ingestor")

	req = httptest.NewRequest(http.MethodPost, "/webhooks/meta", bytes.NewReader(body))
	req.Header.Set("X-Hub-Signature-256", sign("app-secret", body))
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, ingestor.payloads, 1)
	assert.Equal(t, "page", ingestor.payloads[0].Object)
}

func TestWebhookMalformedBodyRejected(t *testing.T) {
	router := newWebhookRouter(&recordingIngestor{})
	body := []byte(`{not json`)

	req := httptest.NewRequest(http.MethodPost, "/webhooks/meta", bytes.NewReader(body))
	req.Header.Set("X-Hub-Signature-256", sign("app-secret", body))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
