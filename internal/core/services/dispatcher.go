// Package services contains core business logic.
// Following Hexagonal Architecture: Services orchestrate domain logic
// using ports.
package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"immortal-chat/internal/core/apperr"
	"immortal-chat/internal/core/domain"
	"immortal-chat/internal/core/ports"
)

// WebhookJob is one normalized inbound delivery queued for the Dispatcher's
// worker pool.
type WebhookJob struct {
	ChannelID string
	Payload   ports.NormalizedPayload
}

// Dispatcher orchestrates webhook processing: contact upsert,
// conversation create-or-reopen, message append, status callback
// application, and event fan-out. Keeps the teacher's panic-recovering,
// dedup-then-persist-then-event shape from the original
// dispatcher.go, generalized from a single-tenant Facebook-only flow
// into the full multi-provider contact/conversation/message pipeline.
type Dispatcher struct {
	channels      ports.ChannelRepository
	contacts      ports.ContactRepository
	conversations ports.ConversationRepository
	messages      ports.MessageRepository
	deadLetters   ports.WebhookJobRepository
	dedup         ports.DedupStore
	bus           *EventBus

	queue       chan queuedJob
	maxAttempts int
	baseBackoff time.Duration
}

type queuedJob struct {
	channel *domain.Channel
	job     WebhookJob
	attempt int
}

// NewDispatcher creates a new dispatcher instance with dependencies
// injected and starts its bounded worker pool.
func NewDispatcher(
	channels ports.ChannelRepository,
	contacts ports.ContactRepository,
	conversations ports.ConversationRepository,
	messages ports.MessageRepository,
	deadLetters ports.WebhookJobRepository,
	dedup ports.DedupStore,
	bus *EventBus,
	workers, maxAttempts int,
	baseBackoff time.Duration,
) *Dispatcher {
	d := &Dispatcher{
		channels:      channels,
		contacts:      contacts,
		conversations: conversations,
		messages:      messages,
		deadLetters:   deadLetters,
		dedup:         dedup,
		bus:           bus,
		queue:         make(chan queuedJob, workers*4),
		maxAttempts:   maxAttempts,
		baseBackoff:   baseBackoff,
	}

	for i := 0; i < workers; i++ {
		go d.runWorker(i)
	}

	return d
}

// Enqueue queues a normalized webhook payload for async processing and
// returns immediately; the HTTP handler must respond 200 as soon as this
// call returns, per the fire-and-forget ingest contract.
func (d *Dispatcher) Enqueue(channel *domain.Channel, job WebhookJob) {
	select {
	case d.queue <- queuedJob{channel: channel, job: job, attempt: 1}:
	default:
		slog.Error("webhook ingest queue full, dropping job", "channel_id", channel.ID)
	}
}

func (d *Dispatcher) runWorker(id int) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("PANIC in webhook worker, restarting", "panic", r, "worker_id", id)
			go d.runWorker(id)
		}
	}()

	for qj := range d.queue {
		d.process(qj)
	}
}

func (d *Dispatcher) process(qj queuedJob) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("PANIC recovered in webhook job processing", "panic", r, "channel_id", qj.channel.ID)
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := d.processPayload(ctx, qj.channel, qj.job.Payload); err != nil {
		if !apperr.IsRetryable(err) {
			slog.Error("webhook job failed terminally", "error", err, "channel_id", qj.channel.ID)
			d.deadLetter(qj, err)
			return
		}

		if qj.attempt >= d.maxAttempts {
			slog.Error("webhook job exhausted retries", "error", err, "channel_id", qj.channel.ID, "attempt", qj.attempt)
			d.deadLetter(qj, err)
			return
		}

		backoff := d.baseBackoff * time.Duration(qj.attempt)
		slog.Warn("webhook job failed, retrying", "error", err, "attempt", qj.attempt, "backoff", backoff)
		time.Sleep(backoff)

		qj.attempt++
		select {
		case d.queue <- qj:
		default:
			slog.Error("webhook ingest queue full on retry, dead-lettering", "channel_id", qj.channel.ID)
			d.deadLetter(qj, err)
		}
	}
}

func (d *Dispatcher) deadLetter(qj queuedJob, cause error) {
	raw, _ := json.Marshal(qj.job.Payload)
	bgCtx := context.Background()
	if err := d.deadLetters.SaveDeadLetter(bgCtx, qj.channel.ID, raw, cause.Error()); err != nil {
		slog.Error("failed to persist webhook dead letter", "error", err, "channel_id", qj.channel.ID)
	}
}

// processPayload runs the full contact-upsert / conversation-create-or-
// reopen / message-append / event-fanout flow for one normalized payload,
// per the Webhook Processor contract.
func (d *Dispatcher) processPayload(ctx context.Context, channel *domain.Channel, payload ports.NormalizedPayload) error {
	for _, m := range payload.Messages {
		if err := d.processInboundMessage(ctx, channel, m); err != nil {
			return err
		}
	}

	for _, cb := range payload.Callbacks {
		if err := d.processStatusCallback(ctx, channel, cb); err != nil {
			return err
		}
	}

	return nil
}

func (d *Dispatcher) processInboundMessage(ctx context.Context, channel *domain.Channel, m ports.InboundMessage) error {
	dedupKey := fmt.Sprintf("%s:%s", channel.Provider, m.ProviderMessageID)
	isDup, err := d.dedup.IsDuplicate(ctx, dedupKey)
	if err != nil {
		return apperr.Transient("dedup check failed", err)
	}
	if isDup {
		slog.Info("duplicate inbound message, skipping", "provider_message_id", m.ProviderMessageID)
		return nil
	}

	contact, err := d.contacts.UpsertSeen(ctx, channel.OrganizationID, channel.Provider, m.ContactProviderID, m.ContactName)
	if err != nil {
		return apperr.Transient("upsert contact failed", err)
	}

	conv, created, reopened, err := d.findOrCreateConversation(ctx, channel, contact)
	if err != nil {
		return err
	}

	msg := &domain.Message{
		ConversationID:    conv.ID,
		Direction:         domain.DirectionInbound,
		Type:              m.Type,
		Body:              m.Body,
		MediaRef:          m.MediaRef,
		ProviderMessageID: &m.ProviderMessageID,
		Status:            domain.MessageStatusDelivered,
		CreatedAt:         time.Now(),
	}

	if err := d.messages.Insert(ctx, msg); err != nil {
		// A uniqueness violation here means another worker already
		// delivered this message; treat it as a successful no-op.
		if !errors.Is(err, ports.ErrDuplicateMessage) {
			return apperr.Transient("insert message failed", err)
		}
		slog.Info("message already persisted, treating as no-op", "provider_message_id", m.ProviderMessageID)
		return nil
	}

	if err := d.conversations.AdvanceLastMessageAt(ctx, conv.ID, msg.CreatedAt); err != nil {
		slog.Warn("failed to advance last message timestamp", "error", err, "conversation_id", conv.ID)
	}

	if reopened {
		d.appendEvent(ctx, conv.ID, domain.EventReopened, nil, nil)
	}
	d.appendEvent(ctx, conv.ID, domain.EventMessageReceived, nil, eventMeta(map[string]any{"messageId": msg.ID}))

	if err := d.dedup.MarkProcessed(ctx, dedupKey, 24*time.Hour); err != nil {
		slog.Warn("failed to mark inbound message processed in dedup cache", "error", err, "provider_message_id", m.ProviderMessageID)
	}

	d.bus.Publish(ctx, OrgRoom(channel.OrganizationID), "message.new", msg)
	if created {
		d.bus.Publish(ctx, OrgRoom(channel.OrganizationID), "conversation.new", conv)
	} else if reopened {
		d.bus.Publish(ctx, OrgRoom(channel.OrganizationID), "conversation.updated", conv)
	}
	d.bus.Publish(ctx, ConvRoom(conv.ID), "message.new", msg)

	return nil
}

// findOrCreateConversation implements spec §4.2 step 2: find the active
// conversation for (org, channel, contact); if the only match is
// COMPLETED, reopen it; otherwise create a fresh PENDING one. Returns
// (conv, created, reopened, err) so the caller can gate `conversation.new`
// / `conversation.updated` fan-out on the actual outcome rather than an
// inferred heuristic.
func (d *Dispatcher) findOrCreateConversation(ctx context.Context, channel *domain.Channel, contact *domain.Contact) (*domain.Conversation, bool, bool, error) {
	active, err := d.conversations.FindActiveByScope(ctx, channel.OrganizationID, channel.ID, contact.ID)
	if err != nil {
		return nil, false, false, apperr.Transient("find active conversation failed", err)
	}
	if active != nil {
		return active, false, false, nil
	}

	latest, err := d.conversations.FindLatestByScope(ctx, channel.OrganizationID, channel.ID, contact.ID)
	if err != nil {
		return nil, false, false, apperr.Transient("find latest conversation failed", err)
	}

	if latest != nil && latest.Status == domain.ConversationStatusCompleted {
		ok, err := d.conversations.CompareAndSwapStatus(ctx, latest.ID, domain.ConversationStatusCompleted, domain.ConversationStatusPending, nil)
		if err != nil {
			return nil, false, false, apperr.Transient("reopen conversation failed", err)
		}
		if ok {
			latest.Status = domain.ConversationStatusPending
			latest.AssignedAgentID = nil
			return latest, false, true, nil
		}
		// Lost the race to another worker reopening the same
		// conversation; re-read and fall through to that row.
		refreshed, err := d.conversations.GetByID(ctx, latest.ID)
		if err != nil {
			return nil, false, false, apperr.Transient("re-read conversation after cas failure", err)
		}
		return refreshed, false, false, nil
	}

	conv := &domain.Conversation{
		OrganizationID: channel.OrganizationID,
		ChannelID:      channel.ID,
		ContactID:      contact.ID,
		Status:         domain.ConversationStatusPending,
		CreatedAt:      time.Now(),
	}
	if err := d.conversations.Create(ctx, conv); err != nil {
		return nil, false, false, apperr.Transient("create conversation failed", err)
	}
	d.appendEvent(ctx, conv.ID, domain.EventCreated, nil, nil)

	return conv, true, false, nil
}

func (d *Dispatcher) processStatusCallback(ctx context.Context, channel *domain.Channel, cb ports.StatusCallback) error {
	if cb.Watermark != nil {
		return d.processWatermarkCallback(ctx, channel, cb)
	}

	msg, err := d.messages.GetByProviderMessageID(ctx, cb.ProviderMessageID)
	if err != nil {
		return apperr.Transient("lookup message for status callback failed", err)
	}
	if msg == nil {
		slog.Warn("status callback for unknown message, dropping", "provider_message_id", cb.ProviderMessageID)
		return nil
	}

	if !msg.Status.CanAdvanceTo(cb.Status) {
		slog.Debug("dropping non-monotone status callback", "message_id", msg.ID, "from", msg.Status, "to", cb.Status)
		return nil
	}

	ok, err := d.messages.UpdateStatus(ctx, msg.ID, cb.Status, nil, nil, nil)
	if err != nil {
		return apperr.Transient("update message status failed", err)
	}
	if !ok {
		return nil
	}

	d.bus.Publish(ctx, ConvRoom(msg.ConversationID), "message.updated", msg)
	d.appendEvent(ctx, msg.ConversationID, statusEventType(cb.Status), nil, eventMeta(map[string]any{"messageId": msg.ID}))

	return nil
}

// processWatermarkCallback implements the optional read-receipt
// propagation for provider-B-style watermarks (spec §9 open question),
// resolving the sender's conversation and advancing every eligible
// message in it up to the watermark timestamp in one statement.
func (d *Dispatcher) processWatermarkCallback(ctx context.Context, channel *domain.Channel, cb ports.StatusCallback) error {
	if cb.ContactProviderID == "" {
		slog.Warn("watermark callback without sender id, dropping")
		return nil
	}

	contact, err := d.contacts.UpsertSeen(ctx, channel.OrganizationID, channel.Provider, cb.ContactProviderID, nil)
	if err != nil {
		return apperr.Transient("resolve contact for watermark callback failed", err)
	}

	conv, err := d.conversations.FindLatestByScope(ctx, channel.OrganizationID, channel.ID, contact.ID)
	if err != nil {
		return apperr.Transient("resolve conversation for watermark callback failed", err)
	}
	if conv == nil {
		slog.Warn("watermark callback for unknown conversation, dropping", "contact_provider_id", cb.ContactProviderID)
		return nil
	}

	watermark := time.Unix(*cb.Watermark, 0)
	n, err := d.messages.UpdateStatusUpToWatermark(ctx, conv.ID, watermark)
	if err != nil {
		return apperr.Transient("watermark status update failed", err)
	}
	if n > 0 {
		d.bus.Publish(ctx, ConvRoom(conv.ID), "message.updated", map[string]any{"watermark": watermark, "count": n})
	}
	return nil
}

func (d *Dispatcher) appendEvent(ctx context.Context, conversationID string, eventType domain.EventType, actorID *string, metadata json.RawMessage) {
	event := &domain.ConversationEvent{
		ConversationID: conversationID,
		EventType:      eventType,
		ActorID:        actorID,
		Metadata:       metadata,
		CreatedAt:      time.Now(),
	}
	if err := d.conversations.AppendEvent(ctx, event); err != nil {
		slog.Error("failed to append conversation event", "error", err, "conversation_id", conversationID, "event_type", eventType)
	}
}

func eventMeta(m map[string]any) json.RawMessage {
	raw, err := json.Marshal(m)
	if err != nil {
		return nil
	}
	return raw
}

func statusEventType(status domain.MessageStatus) domain.EventType {
	switch status {
	case domain.MessageStatusDelivered:
		return domain.EventMessageDelivered
	case domain.MessageStatusRead:
		return domain.EventMessageRead
	case domain.MessageStatusFailed:
		return domain.EventMessageFailed
	default:
		return domain.EventMessageDelivered
	}
}
