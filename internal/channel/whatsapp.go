package channel

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/vadim/omni-inbox/internal/httpx/upstream/meta"
)

// Change is one entry[].changes[] item of a WhatsApp Cloud webhook
type Change struct {
	Field string `json:"field"`
	Value struct {
		MessagingProduct string `json:"messaging_product"`
		Metadata         struct {
			DisplayPhoneNumber string `json:"display_phone_number"`
			PhoneNumberID      string `json:"phone_number_id"`
		} `json:"metadata"`
		Contacts []struct {
			Profile struct {
				Name string `json:"name"`
			} `json:"profile"`
			WaID string `json:"wa_id"`
		} `json:"contacts"`
		Messages []waMessage `json:"messages"`
		Statuses []waStatus  `json:"statuses"`
		Errors   []waError   `json:"errors"`
	} `json:"value"`
}

type waMedia struct {
	ID      string `json:"id"`
	Caption string `json:"caption"`
	Link    string `json:"link"`
}

type waMessage struct {
	From      string `json:"from"`
	ID        string `json:"id"`
	Timestamp string `json:"timestamp"`
	Type      string `json:"type"`
	Text      struct {
		Body string `json:"body"`
	} `json:"text"`
	Image    *waMedia `json:"image"`
	Video    *waMedia `json:"video"`
	Audio    *waMedia `json:"audio"`
	Voice    *waMedia `json:"voice"`
	Document *waMedia `json:"document"`
	Sticker  *waMedia `json:"sticker"`
	Location *struct {
		Latitude  float64 `json:"latitude"`
		Longitude float64 `json:"longitude"`
	} `json:"location"`
	Errors []waError `json:"errors"`
}

type waStatus struct {
	ID          string    `json:"id"`
	RecipientID string    `json:"recipient_id"`
	Status      string    `json:"status"`
	Timestamp   string    `json:"timestamp"`
	Errors      []waError `json:"errors"`
}

type waError struct {
	Code  int    `json:"code"`
	Title string `json:"title"`
}

var waStatusMapping = map[string]Status{
	"sent":      StatusSent,
	"delivered": StatusDelivered,
	"read":      StatusRead,
	"failed":    StatusFailed,
}

// statuses the provider sends but we have no use for
var waIgnoreStatuses = map[string]bool{
	"deleted": true,
	"warning": true,
}

// waSendRequest is the Cloud API request body posted to
// {phone-number-id}/messages
type waSendRequest struct {
	MessagingProduct string `json:"messaging_product"`
	RecipientType    string `json:"recipient_type"`
	To               string `json:"to"`
	Type             string `json:"type"`

	Text     *waTextBody     `json:"text,omitempty"`
	Image    *waMediaBody    `json:"image,omitempty"`
	Video    *waMediaBody    `json:"video,omitempty"`
	Audio    *waMediaBody    `json:"audio,omitempty"`
	Document *waMediaBody    `json:"document,omitempty"`
	Template *waTemplateBody `json:"template,omitempty"`
}

type waTextBody struct {
	Body       string `json:"body"`
	PreviewURL bool   `json:"preview_url"`
}

type waMediaBody struct {
	Link    string `json:"link"`
	Caption string `json:"caption,omitempty"`
}

type waTemplateBody struct {
	Name     string `json:"name"`
	Language struct {
		Code string `json:"code"`
	} `json:"language"`
	Components []waTemplateComponent `json:"components,omitempty"`
}

type waTemplateComponent struct {
	Type       string                `json:"type"`
	Parameters []waTemplateParameter `json:"parameters"`
}

type waTemplateParameter struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// waSendResponse is the Cloud API acknowledgement
type waSendResponse struct {
	Messages []struct {
		ID string `json:"id"`
	} `json:"messages"`
	Contacts []struct {
		WaID string `json:"wa_id"`
	} `json:"contacts"`
}

// WhatsAppAdapter translates to and from the WhatsApp Cloud API wire
// format. WhatsApp is addressed by phone-number id and nests webhook
// payloads under entry[].changes[].value.
type WhatsAppAdapter struct {
	client *meta.Client
}

// NewWhatsApp creates a WhatsApp adapter
func NewWhatsApp(client *meta.Client) *WhatsAppAdapter {
	return &WhatsAppAdapter{client: client}
}

func (a *WhatsAppAdapter) Type() Type { return TypeWhatsApp }

// SendText sends a free-form text message. Free-form sends only reach
// customers inside the 24-hour service window; outside it the caller
// must use SendTemplate.
func (a *WhatsAppAdapter) SendText(ctx context.Context, account SendAccount, msg OutboundMessage) (*SendResult, error) {
	req := &waSendRequest{
		MessagingProduct: "whatsapp",
		RecipientType:    "individual",
		To:               msg.RecipientID,
		Type:             "text",
		Text:             &waTextBody{Body: msg.Content},
	}
	return a.send(ctx, account, req)
}

// SendMedia sends a media message by link
func (a *WhatsAppAdapter) SendMedia(ctx context.Context, account SendAccount, msg OutboundMessage) (*SendResult, error) {
	if msg.MediaURL == "" {
		return nil, fmt.Errorf("media url is required")
	}

	body := &waMediaBody{Link: msg.MediaURL, Caption: msg.Content}
	req := &waSendRequest{
		MessagingProduct: "whatsapp",
		RecipientType:    "individual",
		To:               msg.RecipientID,
	}

	switch msg.MediaType {
	case "image":
		req.Type = "image"
		req.Image = body
	case "video":
		req.Type = "video"
		req.Video = body
	case "audio":
		req.Type = "audio"
		req.Audio = &waMediaBody{Link: msg.MediaURL} // audio takes no caption
	default:
		req.Type = "document"
		req.Document = body
	}

	return a.send(ctx, account, req)
}

// SendTemplate sends a pre-approved template message, the only way to
// reach a customer outside the service window
func (a *WhatsAppAdapter) SendTemplate(ctx context.Context, account SendAccount, tpl TemplateMessage) (*SendResult, error) {
	if tpl.Name == "" {
		return nil, fmt.Errorf("template name is required")
	}

	body := &waTemplateBody{Name: tpl.Name}
	body.Language.Code = tpl.Language
	if body.Language.Code == "" {
		body.Language.Code = "en"
	}
	if len(tpl.BodyParams) > 0 {
		comp := waTemplateComponent{Type: "body"}
		for _, p := range tpl.BodyParams {
			comp.Parameters = append(comp.Parameters, waTemplateParameter{Type: "text", Text: p})
		}
		body.Components = append(body.Components, comp)
	}

	req := &waSendRequest{
		MessagingProduct: "whatsapp",
		RecipientType:    "individual",
		To:               tpl.RecipientID,
		Type:             "template",
		Template:         body,
	}
	return a.send(ctx, account, req)
}

func (a *WhatsAppAdapter) send(ctx context.Context, account SendAccount, req *waSendRequest) (*SendResult, error) {
	var resp waSendResponse
	err := a.client.DoInto(ctx, meta.Request{
		Method:      http.MethodPost,
		Path:        account.ResourceID + "/messages",
		AccessToken: account.AccessToken,
		Body:        req,
	}, &resp)
	if err != nil {
		return nil, err
	}
	if len(resp.Messages) == 0 || resp.Messages[0].ID == "" {
		return nil, fmt.Errorf("send response missing message id")
	}

	result := &SendResult{NativeMessageID: resp.Messages[0].ID}
	if len(resp.Contacts) > 0 {
		result.RecipientID = resp.Contacts[0].WaID
	}
	return result, nil
}

// ResolveMediaURL exchanges a webhook media id for a downloadable URL.
// The URL is short-lived and served from the provider's CDN.
func (a *WhatsAppAdapter) ResolveMediaURL(ctx context.Context, accessToken, mediaID string) (string, error) {
	var resp struct {
		URL string `json:"url"`
	}
	err := a.client.DoInto(ctx, meta.Request{
		Method:      http.MethodGet,
		Path:        mediaID,
		AccessToken: accessToken,
	}, &resp)
	if err != nil {
		return "", fmt.Errorf("resolving media url: %w", err)
	}
	return resp.URL, nil
}

// ParseWebhook extracts normalized events from a whatsapp_business_account
// webhook delivery
func (a *WhatsAppAdapter) ParseWebhook(payload *Notifications) *WebhookResult {
	result := &WebhookResult{}

	for _, entry := range payload.Entry {
		for _, change := range entry.Changes {
			if change.Field != "messages" {
				continue
			}

			accountID := change.Value.Metadata.PhoneNumberID
			if accountID == "" {
				result.Skipped = append(result.Skipped, "change missing phone_number_id")
				continue
			}

			contactNames := make(map[string]string, len(change.Value.Contacts))
			for _, contact := range change.Value.Contacts {
				contactNames[contact.WaID] = contact.Profile.Name
			}

			for _, msg := range change.Value.Messages {
				event, ok := a.normalizeMessage(accountID, msg, contactNames)
				if !ok {
					result.Skipped = append(result.Skipped, fmt.Sprintf("unsupported message type %q", msg.Type))
					continue
				}
				result.Events = append(result.Events, event)
			}

			for _, status := range change.Value.Statuses {
				mapped, found := waStatusMapping[status.Status]
				if !found {
					if !waIgnoreStatuses[status.Status] {
						result.Skipped = append(result.Skipped, fmt.Sprintf("unknown status %q", status.Status))
					}
					continue
				}

				update := StatusUpdate{
					Channel:         TypeWhatsApp,
					AccountID:       accountID,
					NativeMessageID: status.ID,
					Status:          mapped,
					Timestamp:       parseUnixString(status.Timestamp),
				}
				if len(status.Errors) > 0 {
					update.ErrorCode = status.Errors[0].Code
					update.ErrorMessage = status.Errors[0].Title
				}
				result.Statuses = append(result.Statuses, update)
			}
		}
	}

	return result
}

func (a *WhatsAppAdapter) normalizeMessage(accountID string, msg waMessage, contactNames map[string]string) (InboundEvent, bool) {
	event := InboundEvent{
		Channel:      TypeWhatsApp,
		AccountID:    accountID,
		CustomerID:   msg.From,
		CustomerName: contactNames[msg.From],
	}
	if msg.From == "" || msg.ID == "" {
		return event, false
	}

	normalized := InboundMessage{
		NativeID:  msg.ID,
		Timestamp: parseUnixString(msg.Timestamp),
	}

	media := func(m *waMedia, mediaType string) {
		normalized.Type = ContentTypeMedia
		normalized.Text = m.Caption
		normalized.Metadata = map[string]string{"media_id": m.ID, "media_type": mediaType}
	}

	switch {
	case msg.Type == "text":
		normalized.Type = ContentTypeText
		normalized.Text = msg.Text.Body
	case msg.Type == "image" && msg.Image != nil:
		media(msg.Image, "image")
	case msg.Type == "video" && msg.Video != nil:
		media(msg.Video, "video")
	case msg.Type == "audio" && msg.Audio != nil:
		media(msg.Audio, "audio")
	case msg.Type == "voice" && msg.Voice != nil:
		media(msg.Voice, "audio")
	case msg.Type == "document" && msg.Document != nil:
		media(msg.Document, "file")
	case msg.Type == "sticker" && msg.Sticker != nil:
		normalized.Type = ContentTypeSticker
		normalized.Metadata = map[string]string{"media_id": msg.Sticker.ID}
	case msg.Type == "location" && msg.Location != nil:
		normalized.Type = ContentTypeLocation
		normalized.MediaURL = fmt.Sprintf("geo:%f,%f", msg.Location.Latitude, msg.Location.Longitude)
	default:
		return event, false
	}

	event.Message = normalized
	return event, true
}

func parseUnixString(ts string) time.Time {
	secs, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return time.Time{}
	}
	return parseTimestamp(secs)
}
