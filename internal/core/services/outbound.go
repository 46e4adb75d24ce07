package services

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"immortal-chat/internal/core/apperr"
	"immortal-chat/internal/core/domain"
	"immortal-chat/internal/core/ports"
)

// OutboundJob is one queued send.
type OutboundJob struct {
	MessageID string
}

// OutboundPipeline is the queued PENDING->worker->SENT/FAILED send path
// (§4.5), generalizing the teacher's synchronous
// gateway.FacebookClient.SendReply call (invoked inline from its
// dashboard handler) into a bounded worker pool with retry/backoff,
// reusing the same provider-call idiom inside each worker attempt.
type OutboundPipeline struct {
	messages      ports.MessageRepository
	conversations ports.ConversationRepository
	channels      ports.ChannelRepository
	contacts      ports.ContactRepository
	adapters      map[domain.Provider]ports.ProviderAdapter
	bus           *EventBus
	pause         *PauseSwitch

	queue       chan queuedOutbound
	maxAttempts int
	baseBackoff time.Duration
}

type queuedOutbound struct {
	job     OutboundJob
	attempt int
}

func NewOutboundPipeline(
	messages ports.MessageRepository,
	conversations ports.ConversationRepository,
	channels ports.ChannelRepository,
	contacts ports.ContactRepository,
	adapters map[domain.Provider]ports.ProviderAdapter,
	bus *EventBus,
	pause *PauseSwitch,
	workers, maxAttempts int,
	baseBackoff time.Duration,
) *OutboundPipeline {
	p := &OutboundPipeline{
		messages:      messages,
		conversations: conversations,
		channels:      channels,
		contacts:      contacts,
		adapters:      adapters,
		bus:           bus,
		pause:         pause,
		queue:         make(chan queuedOutbound, workers*4),
		maxAttempts:   maxAttempts,
		baseBackoff:   baseBackoff,
	}

	for i := 0; i < workers; i++ {
		go p.runWorker(i)
	}

	return p
}

// Send persists an OUTBOUND PENDING message for conversationID and
// enqueues the send job, returning the created message immediately per
// §4.5's async contract. If idempotencyKey is non-nil and a message was
// already inserted for (conversationID, idempotencyKey) — e.g. a client
// retry after a timed-out request — Send returns that existing message
// instead of creating a duplicate (spec.md §9 outbound idempotency).
func (p *OutboundPipeline) Send(ctx context.Context, conversationID, agentID string, body, mediaRef, idempotencyKey *string) (*domain.Message, error) {
	if idempotencyKey != nil {
		existing, err := p.messages.GetByIdempotencyKey(ctx, conversationID, *idempotencyKey)
		if err != nil {
			return nil, apperr.Transient("idempotency lookup failed", err)
		}
		if existing != nil {
			return existing, nil
		}
	}

	msg := &domain.Message{
		ConversationID: conversationID,
		Direction:      domain.DirectionOutbound,
		AgentID:        &agentID,
		Type:           domain.MessageTypeText,
		Body:           body,
		MediaRef:       mediaRef,
		IdempotencyKey: idempotencyKey,
		Status:         domain.MessageStatusPending,
		CreatedAt:      time.Now(),
	}
	if mediaRef != nil {
		msg.Type = domain.MessageTypeDocument
	}

	if err := p.messages.Insert(ctx, msg); err != nil {
		if errors.Is(err, ports.ErrDuplicateMessage) && idempotencyKey != nil {
			// Lost a race to a concurrent retry carrying the same key.
			existing, getErr := p.messages.GetByIdempotencyKey(ctx, conversationID, *idempotencyKey)
			if getErr == nil && existing != nil {
				return existing, nil
			}
		}
		return nil, apperr.Transient("persist outbound message failed", err)
	}

	if err := p.conversations.SetFirstResponseAtIfNull(ctx, conversationID, msg.CreatedAt); err != nil {
		slog.Warn("failed to set first response timestamp", "error", err, "conversation_id", conversationID)
	}
	if err := p.conversations.AdvanceLastMessageAt(ctx, conversationID, msg.CreatedAt); err != nil {
		slog.Warn("failed to advance last message timestamp", "error", err, "conversation_id", conversationID)
	}

	actor := agentID
	if err := p.conversations.AppendEvent(ctx, &domain.ConversationEvent{
		ConversationID: conversationID,
		EventType:      domain.EventMessageSent,
		ActorID:        &actor,
		CreatedAt:      msg.CreatedAt,
	}); err != nil {
		slog.Warn("failed to append message sent event", "error", err, "conversation_id", conversationID)
	}

	// message.new is scoped to "conv + org" per §4.6; mirror the inbound
	// path's dual publish.
	if conv, err := p.conversations.GetByID(ctx, conversationID); err != nil || conv == nil {
		slog.Warn("failed to load conversation for org-room fan-out", "error", err, "conversation_id", conversationID)
	} else {
		p.bus.Publish(ctx, OrgRoom(conv.OrganizationID), "message.new", msg)
	}
	p.bus.Publish(ctx, ConvRoom(conversationID), "message.new", msg)

	select {
	case p.queue <- queuedOutbound{job: OutboundJob{MessageID: msg.ID}, attempt: 1}:
	default:
		slog.Error("outbound send queue full, message will remain PENDING", "message_id", msg.ID)
	}

	return msg, nil
}

func (p *OutboundPipeline) runWorker(id int) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("PANIC in outbound worker, restarting", "panic", r, "worker_id", id)
			go p.runWorker(id)
		}
	}()

	for qj := range p.queue {
		if p.pause.IsPaused() {
			slog.Info("outbound pipeline paused, requeuing job", "message_id", qj.job.MessageID)
			time.Sleep(p.baseBackoff)
			p.requeue(qj)
			continue
		}
		p.process(qj)
	}
}

func (p *OutboundPipeline) requeue(qj queuedOutbound) {
	select {
	case p.queue <- qj:
	default:
		slog.Error("outbound send queue full on requeue", "message_id", qj.job.MessageID)
	}
}

func (p *OutboundPipeline) process(qj queuedOutbound) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("PANIC recovered in outbound job processing", "panic", r, "message_id", qj.job.MessageID)
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	err := p.attemptSend(ctx, qj.job.MessageID)
	if err == nil {
		return
	}

	if !apperr.IsRetryable(err) {
		slog.Error("outbound send failed terminally", "error", err, "message_id", qj.job.MessageID)
		p.markFailed(context.Background(), qj.job.MessageID, err)
		return
	}

	if qj.attempt >= p.maxAttempts {
		slog.Error("outbound send exhausted retries", "error", err, "message_id", qj.job.MessageID, "attempt", qj.attempt)
		p.markFailed(context.Background(), qj.job.MessageID, err)
		return
	}

	backoff := p.baseBackoff * time.Duration(qj.attempt)
	slog.Warn("outbound send failed, retrying", "error", err, "attempt", qj.attempt, "backoff", backoff)
	time.Sleep(backoff)

	qj.attempt++
	p.requeue(qj)
}

func (p *OutboundPipeline) attemptSend(ctx context.Context, messageID string) error {
	msg, err := p.messages.GetByID(ctx, messageID)
	if err != nil {
		return apperr.Transient("load outbound message failed", err)
	}
	if msg == nil || msg.Status != domain.MessageStatusPending {
		return nil
	}

	conv, err := p.conversations.GetByID(ctx, msg.ConversationID)
	if err != nil {
		return apperr.Transient("load conversation for outbound send failed", err)
	}
	if conv == nil {
		return apperr.Fatal("conversation not found for outbound message", nil)
	}

	channel, err := p.channels.GetByID(ctx, conv.ChannelID)
	if err != nil {
		return apperr.Transient("load channel for outbound send failed", err)
	}
	if channel == nil {
		return apperr.Fatal("channel not found for outbound message", nil)
	}

	contact, err := p.contacts.GetByID(ctx, conv.ContactID)
	if err != nil {
		return apperr.Transient("load contact for outbound send failed", err)
	}
	if contact == nil {
		return apperr.Fatal("contact not found for outbound message", nil)
	}

	adapter, ok := p.adapters[channel.Provider]
	if !ok {
		return apperr.Fatal("no provider adapter registered", nil)
	}

	result, err := adapter.Send(ctx, ports.OutboundRequest{
		ChannelConfig: channel.Config,
		RecipientRef:  contact.ProviderID,
		Body:          msg.Body,
		MediaRef:      msg.MediaRef,
	})
	if err != nil {
		return p.handleSendFailure(ctx, msg, err)
	}

	if _, err := p.messages.UpdateStatus(ctx, msg.ID, domain.MessageStatusSent, &result.ProviderMessageID, nil, nil); err != nil {
		slog.Error("failed to persist provider message id", "error", err, "message_id", msg.ID)
	}

	msg.Status = domain.MessageStatusSent
	msg.ProviderMessageID = &result.ProviderMessageID
	p.bus.Publish(ctx, ConvRoom(conv.ID), "message.updated", msg)

	return nil
}

// handleSendFailure marks msg FAILED immediately for non-retryable
// provider errors; retryable errors are returned so the worker's normal
// backoff/requeue path handles them.
func (p *OutboundPipeline) handleSendFailure(ctx context.Context, msg *domain.Message, sendErr error) error {
	if !apperr.IsRetryable(sendErr) {
		p.markFailed(ctx, msg.ID, sendErr)
		return nil
	}
	return sendErr
}

func (p *OutboundPipeline) markFailed(ctx context.Context, messageID string, cause error) {
	errMsg := cause.Error()
	code := string(apperr.KindOf(cause))

	msg, err := p.messages.GetByID(ctx, messageID)
	if err != nil || msg == nil {
		slog.Error("failed to load message while marking failed", "error", err, "message_id", messageID)
		return
	}

	if !msg.Status.CanAdvanceTo(domain.MessageStatusFailed) {
		return
	}

	if _, err := p.messages.UpdateStatus(ctx, messageID, domain.MessageStatusFailed, nil, &code, &errMsg); err != nil {
		slog.Error("failed to mark message failed", "error", err, "message_id", messageID)
		return
	}

	msg.Status = domain.MessageStatusFailed
	msg.ErrorCode = &code
	msg.ErrorMessage = &errMsg

	if err := p.conversations.AppendEvent(ctx, &domain.ConversationEvent{
		ConversationID: msg.ConversationID,
		EventType:      domain.EventMessageFailed,
		CreatedAt:      time.Now(),
	}); err != nil {
		slog.Warn("failed to append message failed event", "error", err, "conversation_id", msg.ConversationID)
	}

	p.bus.Publish(ctx, ConvRoom(msg.ConversationID), "message.updated", msg)
}
