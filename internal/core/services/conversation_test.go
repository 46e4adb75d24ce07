package services

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"immortal-chat/internal/core/apperr"
	"immortal-chat/internal/core/domain"
	"immortal-chat/internal/core/ports"
)

// ============================================================================
// Mocks
// ============================================================================

// MockConversationRepository mocks ports.ConversationRepository.
type MockConversationRepository struct {
	mock.Mock
}

func (m *MockConversationRepository) GetByID(ctx context.Context, id string) (*domain.Conversation, error) {
	args := m.Called(ctx, id)
	if c := args.Get(0); c != nil {
		return c.(*domain.Conversation), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockConversationRepository) GetWithRelations(ctx context.Context, id string) (*domain.ConversationWithRelations, error) {
	args := m.Called(ctx, id)
	if c := args.Get(0); c != nil {
		return c.(*domain.ConversationWithRelations), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockConversationRepository) List(ctx context.Context, filter ports.ConversationFilter) ([]domain.ConversationWithRelations, int, error) {
	args := m.Called(ctx, filter)
	var rows []domain.ConversationWithRelations
	if r := args.Get(0); r != nil {
		rows = r.([]domain.ConversationWithRelations)
	}
	return rows, args.Int(1), args.Error(2)
}

func (m *MockConversationRepository) FindActiveByScope(ctx context.Context, organizationID, channelID, contactID string) (*domain.Conversation, error) {
	args := m.Called(ctx, organizationID, channelID, contactID)
	if c := args.Get(0); c != nil {
		return c.(*domain.Conversation), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockConversationRepository) FindLatestByScope(ctx context.Context, organizationID, channelID, contactID string) (*domain.Conversation, error) {
	args := m.Called(ctx, organizationID, channelID, contactID)
	if c := args.Get(0); c != nil {
		return c.(*domain.Conversation), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockConversationRepository) Create(ctx context.Context, conv *domain.Conversation) error {
	args := m.Called(ctx, conv)
	return args.Error(0)
}

func (m *MockConversationRepository) CompareAndSwapStatus(ctx context.Context, id string, from, to domain.ConversationStatus, assignedAgentID *string) (bool, error) {
	args := m.Called(ctx, id, from, to, assignedAgentID)
	return args.Bool(0), args.Error(1)
}

func (m *MockConversationRepository) ReleaseAllByAgent(ctx context.Context, agentID string) ([]string, error) {
	args := m.Called(ctx, agentID)
	if ids := args.Get(0); ids != nil {
		return ids.([]string), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockConversationRepository) AdvanceLastMessageAt(ctx context.Context, id string, at time.Time) error {
	args := m.Called(ctx, id, at)
	return args.Error(0)
}

func (m *MockConversationRepository) SetFirstResponseAtIfNull(ctx context.Context, id string, at time.Time) error {
	args := m.Called(ctx, id, at)
	return args.Error(0)
}

func (m *MockConversationRepository) AppendEvent(ctx context.Context, event *domain.ConversationEvent) error {
	args := m.Called(ctx, event)
	return args.Error(0)
}

func (m *MockConversationRepository) ListEvents(ctx context.Context, conversationID string, page, limit int) ([]domain.ConversationEvent, error) {
	args := m.Called(ctx, conversationID, page, limit)
	if evts := args.Get(0); evts != nil {
		return evts.([]domain.ConversationEvent), args.Error(1)
	}
	return nil, args.Error(1)
}

// fakeCoordStore is a real (non-mock) in-memory implementation of the
// TryLock/Unlock/Publish/Subscribe contract, used for the accept
// exclusivity concurrency property test where a mock's internal locking
// would defeat the point of the test.
type fakeCoordStore struct {
	mu    sync.Mutex
	locks map[string]string
}

func newFakeCoordStore() *fakeCoordStore {
	return &fakeCoordStore{locks: make(map[string]string)}
}

func (f *fakeCoordStore) TryLock(ctx context.Context, key string, ttl time.Duration, owner string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, held := f.locks[key]; held {
		return false, nil
	}
	f.locks[key] = owner
	return true, nil
}

func (f *fakeCoordStore) Unlock(ctx context.Context, key string, owner string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.locks[key] == owner {
		delete(f.locks, key)
	}
	return nil
}

func (f *fakeCoordStore) SetSession(ctx context.Context, userID string, ttl time.Duration, payload []byte) error {
	return nil
}
func (f *fakeCoordStore) GetSession(ctx context.Context, userID string) ([]byte, error) {
	return nil, nil
}
func (f *fakeCoordStore) DeleteSession(ctx context.Context, userID string) error { return nil }
func (f *fakeCoordStore) Publish(ctx context.Context, channel string, payload []byte) error {
	return nil
}
func (f *fakeCoordStore) Subscribe(ctx context.Context, channel string) (<-chan []byte, error) {
	ch := make(chan []byte)
	return ch, nil
}

func newTestBus() *EventBus {
	return NewEventBus(newFakeCoordStore(), "test-instance")
}

// ============================================================================
// Tests
// ============================================================================

func TestConversationService_Accept_Success(t *testing.T) {
	repo := new(MockConversationRepository)
	bus := newTestBus()
	svc := NewConversationService(repo, newFakeCoordStore(), bus)

	conv := &domain.Conversation{ID: "c1", OrganizationID: "org1", Status: domain.ConversationStatusPending}
	repo.On("GetByID", mock.Anything, "c1").Return(conv, nil)
	repo.On("CompareAndSwapStatus", mock.Anything, "c1", domain.ConversationStatusPending, domain.ConversationStatusAssigned, mock.Anything).Return(true, nil)
	repo.On("AppendEvent", mock.Anything, mock.MatchedBy(func(e *domain.ConversationEvent) bool {
		return e.EventType == domain.EventAccepted
	})).Return(nil)

	got, err := svc.Accept(context.Background(), "c1", "a1")
	require.NoError(t, err)
	assert.Equal(t, domain.ConversationStatusAssigned, got.Status)
	assert.Equal(t, "a1", *got.AssignedAgentID)
	repo.AssertExpectations(t)
}

func TestConversationService_Accept_NotPending(t *testing.T) {
	repo := new(MockConversationRepository)
	svc := NewConversationService(repo, newFakeCoordStore(), newTestBus())

	agent := "a0"
	conv := &domain.Conversation{ID: "c1", Status: domain.ConversationStatusAssigned, AssignedAgentID: &agent}
	repo.On("GetByID", mock.Anything, "c1").Return(conv, nil)

	_, err := svc.Accept(context.Background(), "c1", "a1")
	require.Error(t, err)
	assert.Equal(t, apperr.KindConflict, apperr.KindOf(err))
}

func TestConversationService_Accept_NotFound(t *testing.T) {
	repo := new(MockConversationRepository)
	svc := NewConversationService(repo, newFakeCoordStore(), newTestBus())

	repo.On("GetByID", mock.Anything, "missing").Return(nil, nil)

	_, err := svc.Accept(context.Background(), "missing", "a1")
	require.Error(t, err)
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))
}

// TestConversationService_AcceptExclusivity is property (3) from §8: given
// N concurrent accept() calls on a PENDING conversation, exactly one
// succeeds and the rest observe Conflict, with the lock held on a single
// shared fakeCoordStore (not per-call mocks) so the race is real.
func TestConversationService_AcceptExclusivity(t *testing.T) {
	const n = 20

	repo := new(MockConversationRepository)
	coord := newFakeCoordStore()
	bus := newTestBus()
	svc := NewConversationService(repo, coord, bus)

	conv := &domain.Conversation{ID: "c1", OrganizationID: "org1", Status: domain.ConversationStatusPending}
	repo.On("GetByID", mock.Anything, "c1").Return(conv, nil)
	repo.On("CompareAndSwapStatus", mock.Anything, "c1", domain.ConversationStatusPending, domain.ConversationStatusAssigned, mock.Anything).Return(true, nil).Once()
	repo.On("AppendEvent", mock.Anything, mock.Anything).Return(nil)

	var successes int32
	var conflicts int32
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		agentID := "agent"
		go func(id int) {
			defer wg.Done()
			_, err := svc.Accept(context.Background(), "c1", agentID)
			if err == nil {
				atomic.AddInt32(&successes, 1)
			} else if apperr.KindOf(err) == apperr.KindConflict {
				atomic.AddInt32(&conflicts, 1)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), successes, "exactly one accept call must succeed")
	assert.Equal(t, int32(n-1), conflicts, "all other calls must observe Conflict")
}

func TestConversationService_Release_Success(t *testing.T) {
	repo := new(MockConversationRepository)
	svc := NewConversationService(repo, newFakeCoordStore(), newTestBus())

	agent := "a1"
	conv := &domain.Conversation{ID: "c1", OrganizationID: "org1", Status: domain.ConversationStatusAssigned, AssignedAgentID: &agent}
	repo.On("GetByID", mock.Anything, "c1").Return(conv, nil)
	repo.On("CompareAndSwapStatus", mock.Anything, "c1", domain.ConversationStatusAssigned, domain.ConversationStatusPending, (*string)(nil)).Return(true, nil)
	repo.On("AppendEvent", mock.Anything, mock.MatchedBy(func(e *domain.ConversationEvent) bool {
		return e.EventType == domain.EventReleased
	})).Return(nil)

	got, err := svc.Release(context.Background(), "c1", "a1")
	require.NoError(t, err)
	assert.Equal(t, domain.ConversationStatusPending, got.Status)
	assert.Nil(t, got.AssignedAgentID)
}

// TestConversationService_Release_WrongAgent is scenario S6: a non-owner
// agent attempting release must get Authz, and the repository must never
// see a CAS attempt.
func TestConversationService_Release_WrongAgent(t *testing.T) {
	repo := new(MockConversationRepository)
	svc := NewConversationService(repo, newFakeCoordStore(), newTestBus())

	owner := "a1"
	conv := &domain.Conversation{ID: "c1", Status: domain.ConversationStatusAssigned, AssignedAgentID: &owner}
	repo.On("GetByID", mock.Anything, "c1").Return(conv, nil)

	_, err := svc.Release(context.Background(), "c1", "a2")
	require.Error(t, err)
	assert.Equal(t, apperr.KindAuthz, apperr.KindOf(err))
	repo.AssertNotCalled(t, "CompareAndSwapStatus", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

// TestConversationService_Complete_Success is testable property (2): a
// completed conversation must clear assignedAgentId, not just change status.
func TestConversationService_Complete_Success(t *testing.T) {
	repo := new(MockConversationRepository)
	svc := NewConversationService(repo, newFakeCoordStore(), newTestBus())

	agent := "a1"
	conv := &domain.Conversation{ID: "c1", OrganizationID: "org1", Status: domain.ConversationStatusAssigned, AssignedAgentID: &agent}
	repo.On("GetByID", mock.Anything, "c1").Return(conv, nil)
	repo.On("CompareAndSwapStatus", mock.Anything, "c1", domain.ConversationStatusAssigned, domain.ConversationStatusCompleted, (*string)(nil)).Return(true, nil)
	repo.On("AppendEvent", mock.Anything, mock.MatchedBy(func(e *domain.ConversationEvent) bool {
		return e.EventType == domain.EventCompleted
	})).Return(nil)

	got, err := svc.Complete(context.Background(), "c1", "a1")
	require.NoError(t, err)
	assert.Equal(t, domain.ConversationStatusCompleted, got.Status)
	assert.Nil(t, got.AssignedAgentID)
}

func TestConversationService_Complete_WrongAgent(t *testing.T) {
	repo := new(MockConversationRepository)
	svc := NewConversationService(repo, newFakeCoordStore(), newTestBus())

	owner := "a1"
	conv := &domain.Conversation{ID: "c1", Status: domain.ConversationStatusAssigned, AssignedAgentID: &owner}
	repo.On("GetByID", mock.Anything, "c1").Return(conv, nil)

	_, err := svc.Complete(context.Background(), "c1", "a2")
	require.Error(t, err)
	assert.Equal(t, apperr.KindAuthz, apperr.KindOf(err))
}

func TestConversationService_Complete_NotAssigned(t *testing.T) {
	repo := new(MockConversationRepository)
	svc := NewConversationService(repo, newFakeCoordStore(), newTestBus())

	conv := &domain.Conversation{ID: "c1", Status: domain.ConversationStatusPending}
	repo.On("GetByID", mock.Anything, "c1").Return(conv, nil)

	_, err := svc.Complete(context.Background(), "c1", "a1")
	require.Error(t, err)
	assert.Equal(t, apperr.KindConflict, apperr.KindOf(err))
}

// TestConversationService_ReleaseByAgent is property (9): disconnecting an
// agent with an assigned set releases every conversation in it and appends
// AGENT_DISCONNECTED for each.
func TestConversationService_ReleaseByAgent(t *testing.T) {
	repo := new(MockConversationRepository)
	svc := NewConversationService(repo, newFakeCoordStore(), newTestBus())

	repo.On("ReleaseAllByAgent", mock.Anything, "a1").Return([]string{"c1", "c2"}, nil)
	repo.On("AppendEvent", mock.Anything, mock.MatchedBy(func(e *domain.ConversationEvent) bool {
		return e.EventType == domain.EventAgentDisconnected
	})).Return(nil).Twice()
	repo.On("GetByID", mock.Anything, "c1").Return(&domain.Conversation{ID: "c1", OrganizationID: "org1"}, nil)
	repo.On("GetByID", mock.Anything, "c2").Return(&domain.Conversation{ID: "c2", OrganizationID: "org1"}, nil)

	err := svc.ReleaseByAgent(context.Background(), "a1")
	require.NoError(t, err)
	repo.AssertExpectations(t)
}
