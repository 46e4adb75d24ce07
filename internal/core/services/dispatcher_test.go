package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"immortal-chat/internal/core/domain"
	"immortal-chat/internal/core/ports"
)

// ============================================================================
// Mocks
// ============================================================================

type MockDedupStore struct {
	mock.Mock
}

func (m *MockDedupStore) IsDuplicate(ctx context.Context, key string) (bool, error) {
	args := m.Called(ctx, key)
	return args.Bool(0), args.Error(1)
}

func (m *MockDedupStore) MarkProcessed(ctx context.Context, key string, ttl time.Duration) error {
	args := m.Called(ctx, key, ttl)
	return args.Error(0)
}

type MockWebhookJobRepository struct {
	mock.Mock
}

func (m *MockWebhookJobRepository) SaveDeadLetter(ctx context.Context, channelID string, rawPayload []byte, lastError string) error {
	args := m.Called(ctx, channelID, rawPayload, lastError)
	return args.Error(0)
}

// ============================================================================
// Test helpers
// ============================================================================

type dispatcherFixture struct {
	channels      *MockChannelRepository
	contacts      *MockContactRepository
	conversations *MockConversationRepository
	messages      *MockMessageRepository
	deadLetters   *MockWebhookJobRepository
	dedup         *MockDedupStore
	dispatcher    *Dispatcher
}

func newDispatcherFixture() *dispatcherFixture {
	f := &dispatcherFixture{
		channels:      new(MockChannelRepository),
		contacts:      new(MockContactRepository),
		conversations: new(MockConversationRepository),
		messages:      new(MockMessageRepository),
		deadLetters:   new(MockWebhookJobRepository),
		dedup:         new(MockDedupStore),
	}
	f.dispatcher = NewDispatcher(f.channels, f.contacts, f.conversations, f.messages, f.deadLetters, f.dedup, newTestBus(), 2, 3, time.Millisecond)
	return f
}

func testChannel() *domain.Channel {
	return &domain.Channel{ID: "ch1", OrganizationID: "org1", Provider: domain.ProviderA}
}

// ============================================================================
// Tests
// ============================================================================

// TestDispatcher_NewInboundMessage_CreatesConversation covers the "no
// active conversation exists" branch of §4.2 step 2.
func TestDispatcher_NewInboundMessage_CreatesConversation(t *testing.T) {
	f := newDispatcherFixture()
	channel := testChannel()
	contact := &domain.Contact{ID: "ct1", OrganizationID: "org1", ProviderID: "+15559876543"}

	f.dedup.On("IsDuplicate", mock.Anything, mock.Anything).Return(false, nil)
	f.contacts.On("UpsertSeen", mock.Anything, "org1", domain.ProviderA, "+15559876543", (*string)(nil)).Return(contact, nil)
	f.conversations.On("FindActiveByScope", mock.Anything, "org1", "ch1", "ct1").Return(nil, nil)
	f.conversations.On("FindLatestByScope", mock.Anything, "org1", "ch1", "ct1").Return(nil, nil)
	f.conversations.On("Create", mock.Anything, mock.MatchedBy(func(c *domain.Conversation) bool {
		return c.Status == domain.ConversationStatusPending
	})).Return(nil)
	f.conversations.On("AppendEvent", mock.Anything, mock.MatchedBy(func(e *domain.ConversationEvent) bool {
		return e.EventType == domain.EventCreated || e.EventType == domain.EventMessageReceived
	})).Return(nil)
	f.messages.On("Insert", mock.Anything, mock.MatchedBy(func(m *domain.Message) bool {
		return m.Direction == domain.DirectionInbound && m.Status == domain.MessageStatusDelivered
	})).Return(nil)
	f.conversations.On("AdvanceLastMessageAt", mock.Anything, mock.Anything, mock.Anything).Return(nil)
	f.dedup.On("MarkProcessed", mock.Anything, mock.Anything, 24*time.Hour).Return(nil)

	payload := ports.NormalizedPayload{
		Messages: []ports.InboundMessage{{
			ProviderMessageID: "wamid.XYZ",
			ContactProviderID: "+15559876543",
			Type:              domain.MessageTypeText,
			Body:              strPtr("Hello"),
		}},
	}

	f.dispatcher.Enqueue(channel, WebhookJob{ChannelID: channel.ID, Payload: payload})
	time.Sleep(150 * time.Millisecond)

	f.conversations.AssertCalled(t, "Create", mock.Anything, mock.Anything)
	f.messages.AssertExpectations(t)
}

// TestDispatcher_ExistingActiveConversation_DoesNotReemitConversationNew
// covers §4.2 step 7's "conversation.new if step 2 created it": a second
// inbound message landing on an already-active PENDING conversation must
// publish conversation.updated-shaped fan-out from message.new alone, not
// a second conversation.new, which would mislead a console into treating
// an existing conversation as brand new.
func TestDispatcher_ExistingActiveConversation_DoesNotReemitConversationNew(t *testing.T) {
	f := newDispatcherFixture()
	channel := testChannel()
	contact := &domain.Contact{ID: "ct1", OrganizationID: "org1", ProviderID: "+15559876543"}
	active := &domain.Conversation{ID: "c1", OrganizationID: "org1", Status: domain.ConversationStatusPending}

	bus := f.dispatcher.bus
	events, unsubscribe := bus.Subscribe(OrgRoom("org1"))
	defer unsubscribe()

	f.dedup.On("IsDuplicate", mock.Anything, mock.Anything).Return(false, nil)
	f.contacts.On("UpsertSeen", mock.Anything, "org1", domain.ProviderA, "+15559876543", (*string)(nil)).Return(contact, nil)
	f.conversations.On("FindActiveByScope", mock.Anything, "org1", "ch1", "ct1").Return(active, nil)
	f.conversations.On("AppendEvent", mock.Anything, mock.MatchedBy(func(e *domain.ConversationEvent) bool {
		return e.EventType == domain.EventMessageReceived
	})).Return(nil)
	f.messages.On("Insert", mock.Anything, mock.Anything).Return(nil)
	f.conversations.On("AdvanceLastMessageAt", mock.Anything, "c1", mock.Anything).Return(nil)
	f.dedup.On("MarkProcessed", mock.Anything, mock.Anything, 24*time.Hour).Return(nil)

	payload := ports.NormalizedPayload{
		Messages: []ports.InboundMessage{{
			ProviderMessageID: "wamid.SECOND",
			ContactProviderID: "+15559876543",
			Type:              domain.MessageTypeText,
			Body:              strPtr("still here"),
		}},
	}

	f.dispatcher.Enqueue(channel, WebhookJob{ChannelID: channel.ID, Payload: payload})

	var types []string
	timeout := time.After(300 * time.Millisecond)
	collecting := true
	for collecting {
		select {
		case evt := <-events:
			types = append(types, evt.Type)
		case <-timeout:
			collecting = false
		}
	}

	f.conversations.AssertNotCalled(t, "Create", mock.Anything, mock.Anything)
	for _, typ := range types {
		assert.NotEqual(t, "conversation.new", typ, "existing active conversation must not re-emit conversation.new")
	}
	assert.Contains(t, types, "message.new")
}

// TestDispatcher_DuplicateWebhook is property (4): delivering the same
// payload when the dedup cache already holds the key must not create a
// message or touch the conversation repository.
func TestDispatcher_DuplicateWebhook(t *testing.T) {
	f := newDispatcherFixture()
	channel := testChannel()

	f.dedup.On("IsDuplicate", mock.Anything, mock.Anything).Return(true, nil)

	payload := ports.NormalizedPayload{
		Messages: []ports.InboundMessage{{
			ProviderMessageID: "wamid.DUP",
			ContactProviderID: "+15559876543",
			Type:              domain.MessageTypeText,
			Body:              strPtr("dup"),
		}},
	}

	f.dispatcher.Enqueue(channel, WebhookJob{ChannelID: channel.ID, Payload: payload})
	time.Sleep(100 * time.Millisecond)

	f.contacts.AssertNotCalled(t, "UpsertSeen", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	f.messages.AssertNotCalled(t, "Insert", mock.Anything, mock.Anything)
}

// TestDispatcher_InsertDuplicateMessage_TreatedAsNoOp covers the
// uniqueness-violation-on-insert path: the dedup cache missed it (e.g. a
// concurrent worker already inserted) but the DB constraint catches it.
func TestDispatcher_InsertDuplicateMessage_TreatedAsNoOp(t *testing.T) {
	f := newDispatcherFixture()
	channel := testChannel()
	contact := &domain.Contact{ID: "ct1", OrganizationID: "org1", ProviderID: "+15559876543"}
	active := &domain.Conversation{ID: "c1", Status: domain.ConversationStatusAssigned}

	f.dedup.On("IsDuplicate", mock.Anything, mock.Anything).Return(false, nil)
	f.contacts.On("UpsertSeen", mock.Anything, "org1", domain.ProviderA, "+15559876543", (*string)(nil)).Return(contact, nil)
	f.conversations.On("FindActiveByScope", mock.Anything, "org1", "ch1", "ct1").Return(active, nil)
	f.messages.On("Insert", mock.Anything, mock.Anything).Return(ports.ErrDuplicateMessage)

	payload := ports.NormalizedPayload{
		Messages: []ports.InboundMessage{{
			ProviderMessageID: "wamid.DUP2",
			ContactProviderID: "+15559876543",
			Type:              domain.MessageTypeText,
			Body:              strPtr("dup2"),
		}},
	}

	f.dispatcher.Enqueue(channel, WebhookJob{ChannelID: channel.ID, Payload: payload})
	time.Sleep(100 * time.Millisecond)

	f.conversations.AssertNotCalled(t, "AdvanceLastMessageAt", mock.Anything, mock.Anything, mock.Anything)
}

// TestDispatcher_ReopenOnInbound is property (6): an inbound message
// arriving for a COMPLETED conversation reopens it to PENDING before the
// MESSAGE_RECEIVED event is appended.
func TestDispatcher_ReopenOnInbound(t *testing.T) {
	f := newDispatcherFixture()
	channel := testChannel()
	contact := &domain.Contact{ID: "ct1", OrganizationID: "org1", ProviderID: "+15559876543"}
	completed := &domain.Conversation{ID: "c3", Status: domain.ConversationStatusCompleted}

	var order []domain.EventType

	f.dedup.On("IsDuplicate", mock.Anything, mock.Anything).Return(false, nil)
	f.contacts.On("UpsertSeen", mock.Anything, "org1", domain.ProviderA, "+15559876543", (*string)(nil)).Return(contact, nil)
	f.conversations.On("FindActiveByScope", mock.Anything, "org1", "ch1", "ct1").Return(nil, nil)
	f.conversations.On("FindLatestByScope", mock.Anything, "org1", "ch1", "ct1").Return(completed, nil)
	f.conversations.On("CompareAndSwapStatus", mock.Anything, "c3", domain.ConversationStatusCompleted, domain.ConversationStatusPending, (*string)(nil)).Return(true, nil)
	f.conversations.On("AppendEvent", mock.Anything, mock.MatchedBy(func(e *domain.ConversationEvent) bool {
		order = append(order, e.EventType)
		return true
	})).Return(nil)
	f.messages.On("Insert", mock.Anything, mock.Anything).Return(nil)
	f.conversations.On("AdvanceLastMessageAt", mock.Anything, "c3", mock.Anything).Return(nil)
	f.dedup.On("MarkProcessed", mock.Anything, mock.Anything, 24*time.Hour).Return(nil)

	payload := ports.NormalizedPayload{
		Messages: []ports.InboundMessage{{
			ProviderMessageID: "wamid.REOPEN",
			ContactProviderID: "+15559876543",
			Type:              domain.MessageTypeText,
			Body:              strPtr("back again"),
		}},
	}

	f.dispatcher.Enqueue(channel, WebhookJob{ChannelID: channel.ID, Payload: payload})
	time.Sleep(150 * time.Millisecond)

	require.Len(t, order, 2)
	assert.Equal(t, domain.EventReopened, order[0])
	assert.Equal(t, domain.EventMessageReceived, order[1])
}

func TestDispatcher_StatusCallback_DropsRegression(t *testing.T) {
	f := newDispatcherFixture()
	channel := testChannel()

	msg := &domain.Message{ID: "m1", ConversationID: "c1", Status: domain.MessageStatusRead}
	f.messages.On("GetByProviderMessageID", mock.Anything, "wamid.sent1").Return(msg, nil)

	payload := ports.NormalizedPayload{
		Callbacks: []ports.StatusCallback{{ProviderMessageID: "wamid.sent1", Status: domain.MessageStatusDelivered}},
	}

	f.dispatcher.Enqueue(channel, WebhookJob{ChannelID: channel.ID, Payload: payload})
	time.Sleep(100 * time.Millisecond)

	f.messages.AssertNotCalled(t, "UpdateStatus", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestDispatcher_StatusCallback_ExhaustsRetriesToDeadLetter(t *testing.T) {
	f := newDispatcherFixture()
	channel := testChannel()

	f.messages.On("GetByProviderMessageID", mock.Anything, "wamid.err").Return(nil, errors.New("db unreachable"))
	f.deadLetters.On("SaveDeadLetter", mock.Anything, "ch1", mock.Anything, mock.Anything).Return(nil)

	payload := ports.NormalizedPayload{
		Callbacks: []ports.StatusCallback{{ProviderMessageID: "wamid.err", Status: domain.MessageStatusDelivered}},
	}

	f.dispatcher.Enqueue(channel, WebhookJob{ChannelID: channel.ID, Payload: payload})
	time.Sleep(500 * time.Millisecond)

	f.deadLetters.AssertCalled(t, "SaveDeadLetter", mock.Anything, "ch1", mock.Anything, mock.Anything)
}

func strPtr(s string) *string { return &s }
