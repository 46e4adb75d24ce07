// Package handler implements HTTP request handlers.
// Following Hexagonal Architecture: Adapters translate HTTP to domain logic.
package handler

import (
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"immortal-chat/internal/core/domain"
	"immortal-chat/internal/core/ports"
	"immortal-chat/internal/core/services"
)

// WebhookHandler handles provider webhook verification and event delivery
// for both Provider A and Provider B, generalizing the teacher's
// single-provider HandleFacebookVerify/HandleFacebookEvent pair into one
// per-provider-adapter-dispatched handler, keeping the same "HMAC first,
// 200 immediately, process async with panic recovery" shape (§4.2).
type WebhookHandler struct {
	channels       ports.ChannelRepository
	dispatcher     *services.Dispatcher
	adapters       map[domain.Provider]ports.ProviderAdapter
	defaultSecrets map[domain.Provider]string
}

func NewWebhookHandler(channels ports.ChannelRepository, dispatcher *services.Dispatcher, adapters map[domain.Provider]ports.ProviderAdapter, defaultSecrets map[domain.Provider]string) *WebhookHandler {
	return &WebhookHandler{channels: channels, dispatcher: dispatcher, adapters: adapters, defaultSecrets: defaultSecrets}
}

func (h *WebhookHandler) resolve(r *http.Request) (*domain.Channel, ports.ProviderAdapter, string, bool) {
	providerParam := domain.Provider(chi.URLParam(r, "provider"))
	channelID := chi.URLParam(r, "channelId")

	adapter, ok := h.adapters[providerParam]
	if !ok {
		return nil, nil, "", false
	}
	channel, err := h.channels.GetByID(r.Context(), channelID)
	if err != nil || channel == nil || channel.Provider != providerParam {
		return nil, nil, "", false
	}
	secret := channel.WebhookSecret
	if secret == "" {
		secret = h.defaultSecrets[providerParam]
	}
	return channel, adapter, secret, true
}

// Verify handles GET /webhooks/{provider}/{channelId} — the provider's
// subscribe-challenge handshake.
func (h *WebhookHandler) Verify(w http.ResponseWriter, r *http.Request) {
	_, adapter, secret, ok := h.resolve(r)
	if !ok {
		http.Error(w, "unknown channel", http.StatusBadRequest)
		return
	}

	q := r.URL.Query()
	echo, ok := adapter.VerifyHandshake(q.Get("hub.mode"), q.Get("hub.verify_token"), q.Get("hub.challenge"), secret)
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(echo))
}

// Deliver handles POST /webhooks/{provider}/{channelId} — the provider's
// event delivery callback. Always responds 200 once the signature is
// valid, per §4.2's fire-and-forget contract; processing happens
// asynchronously on the Dispatcher's worker pool.
func (h *WebhookHandler) Deliver(w http.ResponseWriter, r *http.Request) {
	channel, adapter, secret, ok := h.resolve(r)
	if !ok {
		http.Error(w, "unknown channel", http.StatusBadRequest)
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	defer r.Body.Close()

	signature := r.Header.Get("X-Hub-Signature-256")
	if signature == "" || !adapter.VerifySignature(body, signature, secret) {
		slog.Warn("webhook signature rejected", "channel_id", channel.ID, "provider", channel.Provider)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	payload, err := adapter.ParseWebhook(body)
	if err != nil {
		slog.Error("failed to parse webhook payload", "error", err, "channel_id", channel.ID)
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("EVENT_RECEIVED"))
		return
	}

	w.WriteHeader(http.StatusOK)
	w.Write([]byte("EVENT_RECEIVED"))

	h.dispatcher.Enqueue(channel, services.WebhookJob{ChannelID: channel.ID, Payload: *payload})
}
