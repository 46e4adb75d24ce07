package gateway

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"immortal-chat/internal/adapters/dto"
	"immortal-chat/internal/core/domain"
	"immortal-chat/internal/core/ports"
)

// Errors for the provider A Cloud API, grounded on the same shape as the
// provider B sentinels so callers of Send can react identically
// regardless of which provider raised them.
var (
	ErrProviderAAuth      = errors.New("provider a access token expired or invalid")
	ErrProviderARateLimit = errors.New("provider a rate limit exceeded")
	ErrProviderAForbidden = errors.New("provider a permission denied")
)

// ProviderAClient talks to a WhatsApp-style Cloud API, grounded on
// Abraxas-365-relay's whatsapp channel adapter for the request/response
// shapes and on the teacher's FacebookClient for the retry/backoff
// skeleton it shares with ProviderBClient.
type ProviderAClient struct {
	httpClient *http.Client
	apiVersion string
	baseURL    string
}

func NewProviderAClient() *ProviderAClient {
	return &ProviderAClient{
		httpClient: &http.Client{Timeout: 10 * time.Second},
		apiVersion: "v19.0",
		baseURL:    "https://graph.facebook.com",
	}
}

var _ ports.ProviderAdapter = (*ProviderAClient)(nil)

func (c *ProviderAClient) Provider() domain.Provider { return domain.ProviderA }

func (c *ProviderAClient) VerifySignature(rawBody []byte, signatureHeader, secret string) bool {
	const prefix = "sha256="
	if !strings.HasPrefix(signatureHeader, prefix) {
		return false
	}
	expected := strings.TrimPrefix(signatureHeader, prefix)

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(rawBody)
	computed := hex.EncodeToString(mac.Sum(nil))

	return hmac.Equal([]byte(computed), []byte(expected))
}

func (c *ProviderAClient) VerifyHandshake(mode, token, challenge, secret string) (string, bool) {
	if mode == "subscribe" && token == secret {
		return challenge, true
	}
	return "", false
}

// ParseWebhook normalizes a WhatsApp-style Cloud API notification. A single
// value payload carries either inbound messages or status callbacks, never
// both, per the Cloud API's own shape.
func (c *ProviderAClient) ParseWebhook(rawBody []byte) (*ports.NormalizedPayload, error) {
	var payload dto.ProviderAWebhookRequest
	if err := json.Unmarshal(rawBody, &payload); err != nil {
		return nil, fmt.Errorf("decode provider a webhook: %w", err)
	}

	result := &ports.NormalizedPayload{}

	for _, entry := range payload.Entry {
		for _, change := range entry.Changes {
			v := change.Value
			if result.AddressingID == "" && v.Metadata.PhoneNumberID != "" {
				result.AddressingID = v.Metadata.PhoneNumberID
			}

			contactNames := make(map[string]string, len(v.Contacts))
			for _, c := range v.Contacts {
				contactNames[c.WAID] = c.Profile.Name
			}

			for _, m := range v.Messages {
				result.Messages = append(result.Messages, normalizeProviderAMessage(m, contactNames))
			}

			for _, s := range v.Statuses {
				status, ok := providerAStatusToDomain(s.Status)
				if !ok {
					continue
				}
				result.Callbacks = append(result.Callbacks, ports.StatusCallback{
					ProviderMessageID: s.ID,
					Status:            status,
				})
			}
		}
	}

	return result, nil
}

func normalizeProviderAMessage(m dto.ProviderAMessage, contactNames map[string]string) ports.InboundMessage {
	msg := ports.InboundMessage{
		ProviderMessageID: m.ID,
		ContactProviderID: m.From,
		Type:              providerAMessageType(m.Type),
	}

	if name, ok := contactNames[m.From]; ok && name != "" {
		msg.ContactName = &name
	}

	switch {
	case m.Text != nil && m.Text.Body != "":
		body := m.Text.Body
		msg.Body = &body
	case m.Image != nil:
		msg.MediaRef = &m.Image.ID
	case m.Audio != nil:
		msg.MediaRef = &m.Audio.ID
	case m.Video != nil:
		msg.MediaRef = &m.Video.ID
	case m.Document != nil:
		msg.MediaRef = &m.Document.ID
	case m.Location != nil:
		body := fmt.Sprintf("%f,%f", m.Location.Latitude, m.Location.Longitude)
		msg.Body = &body
	}

	return msg
}

func providerAMessageType(t string) domain.MessageType {
	switch t {
	case "text":
		return domain.MessageTypeText
	case "image":
		return domain.MessageTypeImage
	case "audio":
		return domain.MessageTypeAudio
	case "video":
		return domain.MessageTypeVideo
	case "document":
		return domain.MessageTypeDocument
	case "location":
		return domain.MessageTypeLocation
	default:
		return domain.MessageTypeFallback
	}
}

func providerAStatusToDomain(status string) (domain.MessageStatus, bool) {
	switch status {
	case "sent":
		return domain.MessageStatusSent, true
	case "delivered":
		return domain.MessageStatusDelivered, true
	case "read":
		return domain.MessageStatusRead, true
	case "failed":
		return domain.MessageStatusFailed, true
	default:
		return "", false
	}
}

type providerAChannelConfig struct {
	PhoneNumberID string `json:"phoneNumberId"`
	AccessToken   string `json:"accessToken"`
}

type providerASendRequest struct {
	MessagingProduct string             `json:"messaging_product"`
	To               string             `json:"to"`
	Type             string             `json:"type"`
	Text             *providerASendText `json:"text,omitempty"`
}

type providerASendText struct {
	Body string `json:"body"`
}

type providerASendResponse struct {
	Messages []struct {
		ID string `json:"id"`
	} `json:"messages"`
}

type providerAErrorBody struct {
	Error struct {
		Message   string `json:"message"`
		Code      int    `json:"code"`
		Subcode   int    `json:"error_subcode"`
		FBTraceID string `json:"fbtrace_id"`
	} `json:"error"`
}

func (c *ProviderAClient) Send(ctx context.Context, req ports.OutboundRequest) (*ports.OutboundResult, error) {
	var cfg providerAChannelConfig
	if err := json.Unmarshal(req.ChannelConfig, &cfg); err != nil {
		return nil, fmt.Errorf("decode provider a channel config: %w", err)
	}

	text := ""
	if req.Body != nil {
		text = *req.Body
	}

	const maxRetries = 3
	var lastErr error
	for attempt := 1; attempt <= maxRetries; attempt++ {
		result, err := c.sendAttempt(ctx, cfg.PhoneNumberID, cfg.AccessToken, req.RecipientRef, text, attempt)
		if err == nil {
			return result, nil
		}
		lastErr = err

		if errors.Is(err, ErrProviderAAuth) || errors.Is(err, ErrProviderAForbidden) || errors.Is(err, ErrProviderARateLimit) {
			return nil, err
		}

		if attempt < maxRetries {
			backoff := time.Duration(attempt) * 500 * time.Millisecond
			slog.Warn("retrying provider a send", "attempt", attempt, "backoff_ms", backoff.Milliseconds(), "error", err)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
	}

	return nil, fmt.Errorf("provider a send failed after %d attempts: %w", maxRetries, lastErr)
}

func (c *ProviderAClient) sendAttempt(ctx context.Context, phoneNumberID, accessToken, recipientRef, text string, attempt int) (*ports.OutboundResult, error) {
	url := fmt.Sprintf("%s/%s/%s/messages", c.baseURL, c.apiVersion, phoneNumberID)

	payload := providerASendRequest{
		MessagingProduct: "whatsapp",
		To:               recipientRef,
		Type:             "text",
		Text:             &providerASendText{Body: text},
	}

	jsonData, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal provider a request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewBuffer(jsonData))
	if err != nil {
		return nil, fmt.Errorf("build provider a request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+accessToken)

	slog.Info("sending message to provider a", "recipient", recipientRef, "text_length", len(text), "attempt", attempt)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		slog.Error("provider a request failed", "error", err, "attempt", attempt)
		return nil, fmt.Errorf("provider a request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read provider a response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		var errBody providerAErrorBody
		if err := json.Unmarshal(body, &errBody); err != nil {
			return nil, fmt.Errorf("provider a error %d: %s", resp.StatusCode, string(body))
		}

		slog.Error("provider a api error",
			"status_code", resp.StatusCode,
			"error_code", errBody.Error.Code,
			"error_message", errBody.Error.Message,
			"fbtrace_id", errBody.Error.FBTraceID,
		)

		switch errBody.Error.Code {
		case 190:
			return nil, ErrProviderAAuth
		case 4, 80007, 131048, 131056:
			return nil, ErrProviderARateLimit
		case 10, 200, 368:
			return nil, ErrProviderAForbidden
		default:
			return nil, fmt.Errorf("provider a error (code %d): %s", errBody.Error.Code, errBody.Error.Message)
		}
	}

	var sendResp providerASendResponse
	if err := json.Unmarshal(body, &sendResp); err != nil || len(sendResp.Messages) == 0 {
		slog.Warn("failed to parse provider a success response", "error", err)
		return &ports.OutboundResult{}, nil
	}

	providerMessageID := sendResp.Messages[0].ID
	slog.Info("message sent via provider a", "recipient", recipientRef, "message_id", providerMessageID, "attempt", attempt)
	return &ports.OutboundResult{ProviderMessageID: providerMessageID}, nil
}
