package services

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"immortal-chat/internal/core/apperr"
	"immortal-chat/internal/core/domain"
	"immortal-chat/internal/core/ports"
)

// acceptLockTTL is the sole named distributed lock's TTL: long enough to
// cover the re-read-then-CAS window, short enough that a crashed holder
// does not wedge the conversation.
const acceptLockTTL = 5 * time.Second

// ConversationService implements the accept/release/complete/reopen state
// machine (§4.3), new relative to the teacher (which never modeled agent
// assignment) but grounded in the teacher's Coordination Store client and
// in 2389-research-coven-gateway's ensureThread race-recovery idiom: take
// the lock, re-read from the source of truth, act, release.
type ConversationService struct {
	conversations ports.ConversationRepository
	coord         ports.CoordinationStore
	bus           *EventBus
}

func NewConversationService(conversations ports.ConversationRepository, coord ports.CoordinationStore, bus *EventBus) *ConversationService {
	return &ConversationService{conversations: conversations, coord: coord, bus: bus}
}

// Accept runs the distributed-lock accept protocol: acquire
// lock:conversation:{id}, re-read the conversation to rule out a change
// that happened before the lock was held, CAS PENDING->ASSIGNED, release
// the lock, emit events. Exactly one concurrent caller succeeds; the rest
// observe apperr.KindConflict.
func (s *ConversationService) Accept(ctx context.Context, conversationID, agentID string) (*domain.Conversation, error) {
	lockKey := fmt.Sprintf("lock:conversation:%s", conversationID)

	acquired, err := s.coord.TryLock(ctx, lockKey, acceptLockTTL, agentID)
	if err != nil {
		return nil, apperr.Transient("acquire accept lock failed", err)
	}
	if !acquired {
		return nil, apperr.Conflict("conversation is being accepted by another agent")
	}
	defer func() {
		if err := s.coord.Unlock(ctx, lockKey, agentID); err != nil {
			slog.Warn("failed to release accept lock", "error", err, "conversation_id", conversationID)
		}
	}()

	// Re-reading after acquiring the lock is mandatory: the lock admits
	// entrance but does not by itself guarantee the prior state.
	conv, err := s.conversations.GetByID(ctx, conversationID)
	if err != nil {
		return nil, apperr.Transient("read conversation failed", err)
	}
	if conv == nil {
		return nil, apperr.NotFound("conversation not found")
	}
	if conv.Status != domain.ConversationStatusPending {
		return nil, apperr.Conflict("conversation is not pending")
	}

	ok, err := s.conversations.CompareAndSwapStatus(ctx, conversationID, domain.ConversationStatusPending, domain.ConversationStatusAssigned, &agentID)
	if err != nil {
		return nil, apperr.Transient("accept conversation failed", err)
	}
	if !ok {
		// Someone else's CAS won the DB-level race even though we held
		// the lock (e.g. a non-lock-path caller). Strictly stronger than
		// the lock alone, per §9's alternative note — report conflict.
		return nil, apperr.Conflict("conversation is not pending")
	}

	conv.Status = domain.ConversationStatusAssigned
	conv.AssignedAgentID = &agentID

	actorID := agentID
	s.appendEvent(ctx, conversationID, domain.EventAccepted, &actorID, nil)

	s.bus.Publish(ctx, OrgRoom(conv.OrganizationID), "conversation.assigned", conv)
	s.bus.Publish(ctx, ConvRoom(conv.ID), "conversation.assigned", conv)

	return conv, nil
}

// Release returns an ASSIGNED conversation to PENDING. Only the assigned
// agent may release it.
func (s *ConversationService) Release(ctx context.Context, conversationID, agentID string) (*domain.Conversation, error) {
	conv, err := s.conversations.GetByID(ctx, conversationID)
	if err != nil {
		return nil, apperr.Transient("read conversation failed", err)
	}
	if conv == nil {
		return nil, apperr.NotFound("conversation not found")
	}
	if conv.Status != domain.ConversationStatusAssigned {
		return nil, apperr.Conflict("conversation is not assigned")
	}
	if conv.AssignedAgentID == nil || *conv.AssignedAgentID != agentID {
		return nil, apperr.Authz("conversation is not assigned to this agent")
	}

	ok, err := s.conversations.CompareAndSwapStatus(ctx, conversationID, domain.ConversationStatusAssigned, domain.ConversationStatusPending, nil)
	if err != nil {
		return nil, apperr.Transient("release conversation failed", err)
	}
	if !ok {
		return nil, apperr.Conflict("conversation is not assigned")
	}

	conv.Status = domain.ConversationStatusPending
	conv.AssignedAgentID = nil

	actorID := agentID
	s.appendEvent(ctx, conversationID, domain.EventReleased, &actorID, nil)
	s.bus.Publish(ctx, OrgRoom(conv.OrganizationID), "conversation.released", conv)
	s.bus.Publish(ctx, ConvRoom(conv.ID), "conversation.released", conv)

	return conv, nil
}

// Complete transitions an ASSIGNED conversation to COMPLETED. Only the
// assigned agent may complete it.
func (s *ConversationService) Complete(ctx context.Context, conversationID, agentID string) (*domain.Conversation, error) {
	conv, err := s.conversations.GetByID(ctx, conversationID)
	if err != nil {
		return nil, apperr.Transient("read conversation failed", err)
	}
	if conv == nil {
		return nil, apperr.NotFound("conversation not found")
	}
	if conv.Status != domain.ConversationStatusAssigned {
		return nil, apperr.Conflict("conversation is not assigned")
	}
	if conv.AssignedAgentID == nil || *conv.AssignedAgentID != agentID {
		return nil, apperr.Authz("conversation is not assigned to this agent")
	}

	ok, err := s.conversations.CompareAndSwapStatus(ctx, conversationID, domain.ConversationStatusAssigned, domain.ConversationStatusCompleted, nil)
	if err != nil {
		return nil, apperr.Transient("complete conversation failed", err)
	}
	if !ok {
		return nil, apperr.Conflict("conversation is not assigned")
	}

	conv.Status = domain.ConversationStatusCompleted
	conv.AssignedAgentID = nil

	actorID := agentID
	s.appendEvent(ctx, conversationID, domain.EventCompleted, &actorID, nil)
	s.bus.Publish(ctx, OrgRoom(conv.OrganizationID), "conversation.completed", conv)
	s.bus.Publish(ctx, ConvRoom(conv.ID), "conversation.completed", conv)

	return conv, nil
}

// ReleaseByAgent transitions every conversation assigned to agentID back
// to PENDING, used by the disconnect path and the stale-session reaper.
func (s *ConversationService) ReleaseByAgent(ctx context.Context, agentID string) error {
	ids, err := s.conversations.ReleaseAllByAgent(ctx, agentID)
	if err != nil {
		return apperr.Transient("release conversations by agent failed", err)
	}

	for _, id := range ids {
		actorID := agentID
		s.appendEvent(ctx, id, domain.EventAgentDisconnected, &actorID, nil)
		conv, err := s.conversations.GetByID(ctx, id)
		if err != nil || conv == nil {
			continue
		}
		s.bus.Publish(ctx, OrgRoom(conv.OrganizationID), "conversation.updated", conv)
		s.bus.Publish(ctx, ConvRoom(conv.ID), "conversation.updated", conv)
	}

	if len(ids) > 0 {
		slog.Info("released conversations for disconnected agent", "agent_id", agentID, "count", len(ids))
	}

	return nil
}

func (s *ConversationService) appendEvent(ctx context.Context, conversationID string, eventType domain.EventType, actorID *string, metadata []byte) {
	event := &domain.ConversationEvent{
		ConversationID: conversationID,
		EventType:      eventType,
		ActorID:        actorID,
		Metadata:       metadata,
		CreatedAt:      time.Now(),
	}
	if err := s.conversations.AppendEvent(ctx, event); err != nil {
		slog.Error("failed to append conversation event", "error", err, "conversation_id", conversationID, "event_type", eventType)
	}
}
