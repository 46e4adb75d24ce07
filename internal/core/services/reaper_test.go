package services

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"

	"immortal-chat/internal/core/domain"
)

type MockAgentSessionRepository struct {
	mock.Mock
}

func (m *MockAgentSessionRepository) Upsert(ctx context.Context, s *domain.AgentSession) error {
	args := m.Called(ctx, s)
	return args.Error(0)
}

func (m *MockAgentSessionRepository) Touch(ctx context.Context, connectionID string, at time.Time) error {
	args := m.Called(ctx, connectionID, at)
	return args.Error(0)
}

func (m *MockAgentSessionRepository) Remove(ctx context.Context, connectionID string) error {
	args := m.Called(ctx, connectionID)
	return args.Error(0)
}

func (m *MockAgentSessionRepository) ListStale(ctx context.Context, olderThan time.Time) ([]domain.AgentSession, error) {
	args := m.Called(ctx, olderThan)
	if v := args.Get(0); v != nil {
		return v.([]domain.AgentSession), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockAgentSessionRepository) MarkOffline(ctx context.Context, connectionID string) error {
	args := m.Called(ctx, connectionID)
	return args.Error(0)
}

// TestReaper_Sweep_ReleasesConversationsForEachDistinctAgentOnce verifies
// the stale-session sweep marks every stale session offline but only
// invokes releaseByAgent once per distinct agent even when that agent
// holds multiple stale sessions (multi-device).
func TestReaper_Sweep_ReleasesConversationsForEachDistinctAgentOnce(t *testing.T) {
	sessions := new(MockAgentSessionRepository)
	conversations := new(MockConversationRepository)
	bus := newTestBus()
	convSvc := NewConversationService(conversations, newFakeCoordStore(), bus)
	reaper := NewReaper(sessions, convSvc, time.Minute, time.Hour)

	stale := []domain.AgentSession{
		{AgentID: "a1", ConnectionID: "conn1"},
		{AgentID: "a1", ConnectionID: "conn2"},
		{AgentID: "a2", ConnectionID: "conn3"},
	}
	sessions.On("ListStale", mock.Anything, mock.Anything).Return(stale, nil)
	sessions.On("MarkOffline", mock.Anything, "conn1").Return(nil)
	sessions.On("MarkOffline", mock.Anything, "conn2").Return(nil)
	sessions.On("MarkOffline", mock.Anything, "conn3").Return(nil)
	conversations.On("ReleaseAllByAgent", mock.Anything, "a1").Return([]string{"c1"}, nil).Once()
	conversations.On("ReleaseAllByAgent", mock.Anything, "a2").Return([]string{}, nil).Once()
	conversations.On("AppendEvent", mock.Anything, mock.Anything).Return(nil)
	conversations.On("GetByID", mock.Anything, "c1").Return(&domain.Conversation{ID: "c1", OrganizationID: "org1"}, nil)

	reaper.sweep(context.Background())

	sessions.AssertExpectations(t)
	conversations.AssertExpectations(t)
}

func TestReaper_Sweep_NoStaleSessions_NoOp(t *testing.T) {
	sessions := new(MockAgentSessionRepository)
	conversations := new(MockConversationRepository)
	convSvc := NewConversationService(conversations, newFakeCoordStore(), newTestBus())
	reaper := NewReaper(sessions, convSvc, time.Minute, time.Hour)

	sessions.On("ListStale", mock.Anything, mock.Anything).Return([]domain.AgentSession{}, nil)

	reaper.sweep(context.Background())

	sessions.AssertNotCalled(t, "MarkOffline", mock.Anything, mock.Anything)
	conversations.AssertNotCalled(t, "ReleaseAllByAgent", mock.Anything, mock.Anything)
}
