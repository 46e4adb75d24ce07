// Package gateway implements the Provider Adapter: per-provider
// send/receive translation, signature verification, and payload
// normalization, behind ports.ProviderAdapter. ProviderBClient is adapted
// from the teacher's FacebookClient (facebook_client.go).
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

// Errors specific to provider B API failures, kept as sentinels per the
// teacher's own ErrTokenExpired/ErrRateLimited/ErrPermissionDenied idiom
// so callers can react (e.g. deactivate the channel) without string
// matching.
var (
	ErrTokenExpired     = errors.New("provider b access token expired or invalid")
	ErrRateLimited      = errors.New("provider b rate limit exceeded")
	ErrPermissionDenied = errors.New("provider b permission denied")
)

// ProviderBClient talks to a Messenger-style Graph API.
type ProviderBClient struct {
	httpClient *http.Client
	apiVersion string
	baseURL    string
}

// NewProviderBClient creates a new provider B API client.
func NewProviderBClient() *ProviderBClient {
	return &ProviderBClient{
		httpClient: &http.Client{Timeout: 10 * time.Second},
		apiVersion: "v19.0",
		baseURL:    "https://graph.facebook.com",
	}
}

var _ ports.ProviderAdapter = (*ProviderBClient)(nil)

func (c *ProviderBClient) Provider() domain.Provider { return domain.ProviderB }

// VerifySignature validates the HMAC SHA256 signature the provider sends
// as "sha256=<hex>", constant-time, exactly as the teacher's
// validateSignature (webhook.go) does.
func (c *ProviderBClient) VerifySignature(rawBody []byte, signatureHeader, secret string) bool {
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

func (c *ProviderBClient) VerifyHandshake(mode, token, challenge, secret string) (string, bool) {
	if mode == "subscribe" && token == secret {
		return challenge, true
	}
	return "", false
}

type providerBChannelConfig struct {
	PageID      string `json:"pageId"`
	AccessToken string `json:"accessToken"`
}

// ParseWebhook normalizes a Messenger-style webhook body, mirroring the
// teacher's Dispatcher.ProcessWebhook loop over entries/messaging that used
// to live in dispatcher.go, but without the persistence side effects —
// this is pure translation, the Webhook Processor owns persistence.
func (c *ProviderBClient) ParseWebhook(rawBody []byte) (*ports.NormalizedPayload, error) {
	var payload dto.ProviderBWebhookRequest
	if err := json.Unmarshal(rawBody, &payload); err != nil {
		return nil, fmt.Errorf("decode provider b webhook: %w", err)
	}

	result := &ports.NormalizedPayload{}

	for _, entry := range payload.Entry {
		if result.AddressingID == "" {
			result.AddressingID = entry.ID
		}

		for _, m := range entry.Messaging {
			switch {
			case m.IsUserMessage():
				result.Messages = append(result.Messages, normalizeProviderBMessage(m))
			case m.Delivery != nil:
				for _, mid := range m.Delivery.MIDs {
					result.Callbacks = append(result.Callbacks, ports.StatusCallback{
						ProviderMessageID: mid,
						Status:            domain.MessageStatusDelivered,
					})
				}
			case m.Read != nil:
				watermark := m.Read.Watermark
				result.Callbacks = append(result.Callbacks, ports.StatusCallback{
					Status:            domain.MessageStatusRead,
					Watermark:         &watermark,
					ContactProviderID: m.Sender.ID,
				})
			}
		}
	}

	return result, nil
}

func normalizeProviderBMessage(m dto.ProviderBMessaging) ports.InboundMessage {
	msg := ports.InboundMessage{
		ProviderMessageID: m.Message.MID,
		ContactProviderID: m.Sender.ID,
		Type:              domain.MessageTypeText,
	}

	if m.Message.Text != "" {
		text := m.Message.Text
		msg.Body = &text
	}

	if len(m.Message.Attachments) > 0 {
		att := m.Message.Attachments[0]
		msg.Type = providerBAttachmentType(att.Type)
		if att.Payload.URL != "" {
			url := att.Payload.URL
			msg.MediaRef = &url
		}
	}

	return msg
}

func providerBAttachmentType(t string) domain.MessageType {
	switch t {
	case "image":
		return domain.MessageTypeImage
	case "audio":
		return domain.MessageTypeAudio
	case "video":
		return domain.MessageTypeVideo
	case "file":
		return domain.MessageTypeDocument
	case "location":
		return domain.MessageTypeLocation
	default:
		return domain.MessageTypeFallback
	}
}

func (c *ProviderBClient) Send(ctx context.Context, req ports.OutboundRequest) (*ports.OutboundResult, error) {
	var cfg providerBChannelConfig
	if err := json.Unmarshal(req.ChannelConfig, &cfg); err != nil {
		return nil, fmt.Errorf("decode provider b channel config: %w", err)
	}

	text := ""
	if req.Body != nil {
		text = *req.Body
	}

	const maxRetries = 3
	var lastErr error
	for attempt := 1; attempt <= maxRetries; attempt++ {
		result, err := c.sendAttempt(ctx, cfg.AccessToken, req.RecipientRef, text, attempt)
		if err == nil {
			return result, nil
		}
		lastErr = err

		if errors.Is(err, ErrTokenExpired) || errors.Is(err, ErrPermissionDenied) || errors.Is(err, ErrRateLimited) {
			return nil, err
		}

		if attempt < maxRetries {
			backoff := time.Duration(attempt) * 500 * time.Millisecond
			slog.Warn("retrying provider b send", "attempt", attempt, "backoff_ms", backoff.Milliseconds(), "error", err)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
	}

	return nil, fmt.Errorf("provider b send failed after %d attempts: %w", maxRetries, lastErr)
}

type sendMessageRequest struct {
	Recipient struct {
		ID string `json:"id"`
	} `json:"recipient"`
	Message struct {
		Text string `json:"text"`
	} `json:"message"`
	MessagingType string `json:"messaging_type"`
}

type sendMessageResponse struct {
	RecipientID string `json:"recipient_id"`
	MessageID   string `json:"message_id"`
}

type providerBError struct {
	Message      string `json:"message"`
	Type         string `json:"type"`
	Code         int    `json:"code"`
	ErrorSubcode int    `json:"error_subcode"`
	FBTraceID    string `json:"fbtrace_id"`
}

func (c *ProviderBClient) sendAttempt(ctx context.Context, accessToken, recipientRef, text string, attempt int) (*ports.OutboundResult, error) {
	url := fmt.Sprintf("%s/%s/me/messages", c.baseURL, c.apiVersion)

	payload := sendMessageRequest{MessagingType: "RESPONSE"}
	payload.Recipient.ID = recipientRef
	payload.Message.Text = text

	jsonData, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal provider b request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewBuffer(jsonData))
	if err != nil {
		return nil, fmt.Errorf("build provider b request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.URL.RawQuery = "access_token=" + accessToken

	slog.Info("sending message to provider b", "recipient", recipientRef, "text_length", len(text), "attempt", attempt)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		slog.Error("provider b request failed", "error", err, "attempt", attempt)
		return nil, fmt.Errorf("provider b request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read provider b response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		var wrapped struct {
			Error providerBError `json:"error"`
		}
		if err := json.Unmarshal(body, &wrapped); err != nil {
			return nil, fmt.Errorf("provider b error %d: %s", resp.StatusCode, string(body))
		}

		slog.Error("provider b api error",
			"status_code", resp.StatusCode,
			"error_code", wrapped.Error.Code,
			"error_message", wrapped.Error.Message,
			"fbtrace_id", wrapped.Error.FBTraceID,
		)

		switch wrapped.Error.Code {
		case 190:
			return nil, ErrTokenExpired
		case 4, 17, 32, 613:
			return nil, ErrRateLimited
		case 10, 200, 299:
			return nil, ErrPermissionDenied
		default:
			return nil, fmt.Errorf("provider b error (code %d): %s", wrapped.Error.Code, wrapped.Error.Message)
		}
	}

	var sendResp sendMessageResponse
	if err := json.Unmarshal(body, &sendResp); err != nil {
		slog.Warn("failed to parse provider b success response", "error", err)
		return &ports.OutboundResult{}, nil
	}

	slog.Info("message sent via provider b", "recipient", recipientRef, "message_id", sendResp.MessageID, "attempt", attempt)
	return &ports.OutboundResult{ProviderMessageID: sendResp.MessageID}, nil
}
