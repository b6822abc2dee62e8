package e2e

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"testing"
	"time"
)

// These tests run against a locally started server in demo mode:
//
//	DEMO_MODE=true WEBHOOK_VERIFY_TOKEN=verify-me go run ./cmd/api
//
// The database must hold one active WhatsApp account for tenantID with
// resourceID as its phone-number id. META_APP_SECRET must be unset so
// webhook deliveries do not require a signature.
const (
	rootURL     = "http://localhost:8080"
	baseURL     = rootURL + "/api/v1"
	verifyToken = "verify-me"
	tenantID    = "e2e-tenant"
	resourceID  = "106540352242922"
)

type Conversation struct {
	ID           string `json:"id"`
	AccountID    string `json:"account_id"`
	Channel      string `json:"channel"`
	CustomerID   string `json:"customer_id"`
	CustomerName string `json:"customer_name,omitempty"`
	UnreadCount  int    `json:"unread_count"`
}

type Message struct {
	ID        string `json:"id"`
	NativeID  string `json:"native_id,omitempty"`
	Direction string `json:"direction"`
	Text      string `json:"text,omitempty"`
	Status    string `json:"status,omitempty"`
}

type ConversationList struct {
	Conversations []Conversation `json:"conversations"`
	HasMore       bool           `json:"has_more"`
}

type MessageList struct {
	Messages []Message `json:"messages"`
	Total    int64     `json:"total"`
}

type SendRequest struct {
	Text                string `json:"text,omitempty"`
	MediaURL            string `json:"media_url,omitempty"`
	AllowExtendedWindow bool   `json:"allow_extended_window,omitempty"`
}

type SendResponse struct {
	Message Message `json:"message"`
}

// Helper to deliver a WhatsApp text webhook for the given customer
func deliverInbound(t *testing.T, customerID, nativeID, text string) {
	t.Helper()

	payload := fmt.Sprintf(`{
		"object": "whatsapp_business_account",
		"entry": [{
			"id": "waba-1",
			"changes": [{
				"field": "messages",
				"value": {
					"messaging_product": "whatsapp",
					"metadata": {"display_phone_number": "15550001111", "phone_number_id": %q},
					"contacts": [{"profile": {"name": "E2E Customer"}, "wa_id": %q}],
					"messages": [{
						"from": %q,
						"id": %q,
						"timestamp": "%d",
						"type": "text",
						"text": {"body": %q}
					}]
				}
			}]
		}]
	}`, resourceID, customerID, customerID, nativeID, time.Now().Unix(), text)

	resp, err := http.Post(rootURL+"/webhooks/meta", "application/json", bytes.NewReader([]byte(payload)))
	if err != nil {
		t.Fatalf("Failed to deliver webhook: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		t.Fatalf("Expected status 200, got %d: %s", resp.StatusCode, string(respBody))
	}
}

// Helper to find the conversation for a customer, polling briefly
func findConversation(t *testing.T, customerID string) Conversation {
	t.Helper()

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		resp, err := http.Get(fmt.Sprintf("%s/conversations?tenant_id=%s", baseURL, tenantID))
		if err != nil {
			t.Fatalf("Failed to list conversations: %v", err)
		}

		var list ConversationList
		if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
			resp.Body.Close()
			t.Fatalf("Failed to decode response: %v", err)
		}
		resp.Body.Close()

		for _, conv := range list.Conversations {
			if conv.CustomerID == customerID {
				return conv
			}
		}
		time.Sleep(200 * time.Millisecond)
	}

	t.Fatalf("Conversation for customer %s never appeared", customerID)
	return Conversation{}
}

func listMessages(t *testing.T, conversationID string) MessageList {
	t.Helper()

	resp, err := http.Get(fmt.Sprintf("%s/conversations/%s/messages", baseURL, conversationID))
	if err != nil {
		t.Fatalf("Failed to list messages: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		t.Fatalf("Expected status 200, got %d: %s", resp.StatusCode, string(respBody))
	}

	var list MessageList
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	return list
}

// TestWebhookVerify tests the GET /webhooks/meta subscription handshake
func TestWebhookVerify(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping e2e test in short mode")
	}

	resp, err := http.Get(fmt.Sprintf(
		"%s/webhooks/meta?hub.mode=subscribe&hub.verify_token=%s&hub.challenge=e2e-challenge",
		rootURL, verifyToken))
	if err != nil {
		t.Fatalf("Failed to make request: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", resp.StatusCode)
	}

	body, _ := io.ReadAll(resp.Body)
	if string(body) != "e2e-challenge" {
		t.Errorf("Expected challenge to be echoed, got '%s'", string(body))
	}
}

// TestInboundMessageFlow tests webhook ingestion end to end
func TestInboundMessageFlow(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping e2e test in short mode")
	}

	customerID := fmt.Sprintf("1555%d", time.Now().UnixNano()%1_000_000_000)
	nativeID := fmt.Sprintf("wamid.e2e-%d", time.Now().UnixNano())

	deliverInbound(t, customerID, nativeID, "Hello from e2e")
	conv := findConversation(t, customerID)

	if conv.Channel != "whatsapp" {
		t.Errorf("Expected channel 'whatsapp', got '%s'", conv.Channel)
	}
	if conv.UnreadCount != 1 {
		t.Errorf("Expected unread count 1, got %d", conv.UnreadCount)
	}

	msgs := listMessages(t, conv.ID)
	if len(msgs.Messages) != 1 {
		t.Fatalf("Expected 1 message, got %d", len(msgs.Messages))
	}
	if msgs.Messages[0].Text != "Hello from e2e" {
		t.Errorf("Expected message text to round-trip, got '%s'", msgs.Messages[0].Text)
	}
	if msgs.Messages[0].Direction != "inbound" {
		t.Errorf("Expected direction 'inbound', got '%s'", msgs.Messages[0].Direction)
	}

	// Redelivery of the same native id must not create a second row
	deliverInbound(t, customerID, nativeID, "Hello from e2e")
	msgs = listMessages(t, conv.ID)
	if len(msgs.Messages) != 1 {
		t.Errorf("Expected redelivery to be deduplicated, got %d messages", len(msgs.Messages))
	}

	t.Logf("Ingested conversation: ID=%s, Customer=%s", conv.ID, conv.CustomerName)
}

// TestSendAndDeliveryLifecycle tests POST /conversations/{id}/messages
// with the simulated sender
func TestSendAndDeliveryLifecycle(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping e2e test in short mode")
	}

	customerID := fmt.Sprintf("1556%d", time.Now().UnixNano()%1_000_000_000)
	deliverInbound(t, customerID, fmt.Sprintf("wamid.e2e-%d", time.Now().UnixNano()), "Need help")
	conv := findConversation(t, customerID)

	body, _ := json.Marshal(SendRequest{Text: "On it, one moment"})
	resp, err := http.Post(
		fmt.Sprintf("%s/conversations/%s/messages", baseURL, conv.ID),
		"application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("Failed to send message: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		respBody, _ := io.ReadAll(resp.Body)
		t.Fatalf("Expected status 201, got %d: %s", resp.StatusCode, string(respBody))
	}

	var sent SendResponse
	if err := json.NewDecoder(resp.Body).Decode(&sent); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if sent.Message.Status != "sent" {
		t.Errorf("Expected status 'sent' after confirmation, got '%s'", sent.Message.Status)
	}

	// The simulated sender walks the row through delivered and read
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		msgs := listMessages(t, conv.ID)
		for _, msg := range msgs.Messages {
			if msg.ID == sent.Message.ID && msg.Status == "read" {
				t.Logf("Sent message reached 'read': ID=%s", msg.ID)
				return
			}
		}
		time.Sleep(500 * time.Millisecond)
	}
	t.Error("Sent message never reached 'read' status")
}

// TestSendValidation tests rejection of empty sends
func TestSendValidation(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping e2e test in short mode")
	}

	customerID := fmt.Sprintf("1557%d", time.Now().UnixNano()%1_000_000_000)
	deliverInbound(t, customerID, fmt.Sprintf("wamid.e2e-%d", time.Now().UnixNano()), "hi")
	conv := findConversation(t, customerID)

	body, _ := json.Marshal(SendRequest{})
	resp, err := http.Post(
		fmt.Sprintf("%s/conversations/%s/messages", baseURL, conv.ID),
		"application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("Failed to make request: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("Expected status 400, got %d", resp.StatusCode)
	}
}
