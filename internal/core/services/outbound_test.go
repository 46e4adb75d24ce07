package services

import (
	"context"
	"errors"
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

type MockMessageRepository struct {
	mock.Mock
}

func (m *MockMessageRepository) Insert(ctx context.Context, msg *domain.Message) error {
	args := m.Called(ctx, msg)
	return args.Error(0)
}

func (m *MockMessageRepository) GetByID(ctx context.Context, id string) (*domain.Message, error) {
	args := m.Called(ctx, id)
	if v := args.Get(0); v != nil {
		return v.(*domain.Message), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockMessageRepository) GetByProviderMessageID(ctx context.Context, providerMessageID string) (*domain.Message, error) {
	args := m.Called(ctx, providerMessageID)
	if v := args.Get(0); v != nil {
		return v.(*domain.Message), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockMessageRepository) GetByIdempotencyKey(ctx context.Context, conversationID, idempotencyKey string) (*domain.Message, error) {
	args := m.Called(ctx, conversationID, idempotencyKey)
	if v := args.Get(0); v != nil {
		return v.(*domain.Message), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockMessageRepository) UpdateStatus(ctx context.Context, id string, status domain.MessageStatus, providerMessageID, errorCode, errorMessage *string) (bool, error) {
	args := m.Called(ctx, id, status, providerMessageID, errorCode, errorMessage)
	return args.Bool(0), args.Error(1)
}

func (m *MockMessageRepository) UpdateStatusUpToWatermark(ctx context.Context, conversationID string, watermark time.Time) (int64, error) {
	args := m.Called(ctx, conversationID, watermark)
	return int64(args.Int(0)), args.Error(1)
}

func (m *MockMessageRepository) ListByConversation(ctx context.Context, conversationID string, cursor *string, limit int) (ports.MessagePage, error) {
	args := m.Called(ctx, conversationID, cursor, limit)
	if v := args.Get(0); v != nil {
		return v.(ports.MessagePage), args.Error(1)
	}
	return ports.MessagePage{}, args.Error(1)
}

type MockChannelRepository struct {
	mock.Mock
}

func (m *MockChannelRepository) GetByID(ctx context.Context, id string) (*domain.Channel, error) {
	args := m.Called(ctx, id)
	if v := args.Get(0); v != nil {
		return v.(*domain.Channel), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockChannelRepository) FindByAddressingID(ctx context.Context, provider domain.Provider, addressingID string) (*domain.Channel, error) {
	args := m.Called(ctx, provider, addressingID)
	if v := args.Get(0); v != nil {
		return v.(*domain.Channel), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockChannelRepository) UpdateStatus(ctx context.Context, id string, status domain.ChannelStatus) error {
	args := m.Called(ctx, id, status)
	return args.Error(0)
}

type MockContactRepository struct {
	mock.Mock
}

func (m *MockContactRepository) UpsertSeen(ctx context.Context, organizationID string, provider domain.Provider, providerID string, displayName *string) (*domain.Contact, error) {
	args := m.Called(ctx, organizationID, provider, providerID, displayName)
	if v := args.Get(0); v != nil {
		return v.(*domain.Contact), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockContactRepository) GetByID(ctx context.Context, id string) (*domain.Contact, error) {
	args := m.Called(ctx, id)
	if v := args.Get(0); v != nil {
		return v.(*domain.Contact), args.Error(1)
	}
	return nil, args.Error(1)
}

type MockProviderAdapter struct {
	mock.Mock
	provider domain.Provider
}

func (m *MockProviderAdapter) Provider() domain.Provider { return m.provider }

func (m *MockProviderAdapter) VerifySignature(rawBody []byte, signatureHeader, secret string) bool {
	args := m.Called(rawBody, signatureHeader, secret)
	return args.Bool(0)
}

func (m *MockProviderAdapter) VerifyHandshake(mode, token, challenge, secret string) (string, bool) {
	args := m.Called(mode, token, challenge, secret)
	return args.String(0), args.Bool(1)
}

func (m *MockProviderAdapter) ParseWebhook(rawBody []byte) (*ports.NormalizedPayload, error) {
	args := m.Called(rawBody)
	if v := args.Get(0); v != nil {
		return v.(*ports.NormalizedPayload), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockProviderAdapter) Send(ctx context.Context, req ports.OutboundRequest) (*ports.OutboundResult, error) {
	args := m.Called(ctx, req)
	if v := args.Get(0); v != nil {
		return v.(*ports.OutboundResult), args.Error(1)
	}
	return nil, args.Error(1)
}

// ============================================================================
// Tests
// ============================================================================

func newTestOutboundPipeline(messages *MockMessageRepository, conversations *MockConversationRepository, channels *MockChannelRepository, contacts *MockContactRepository, adapter *MockProviderAdapter) *OutboundPipeline {
	adapters := map[domain.Provider]ports.ProviderAdapter{adapter.provider: adapter}
	return NewOutboundPipeline(messages, conversations, channels, contacts, adapters, newTestBus(), NewPauseSwitch(), 1, 3, time.Millisecond)
}

func TestOutboundPipeline_Send_PersistsPendingAndEnqueues(t *testing.T) {
	messages := new(MockMessageRepository)
	conversations := new(MockConversationRepository)
	channels := new(MockChannelRepository)
	contacts := new(MockContactRepository)
	adapter := &MockProviderAdapter{provider: domain.ProviderA}

	channel := &domain.Channel{ID: "ch1", Provider: domain.ProviderA}
	contact := &domain.Contact{ID: "ct1", ProviderID: "+1555"}
	result := &ports.OutboundResult{ProviderMessageID: "wamid.sent1"}

	messages.On("Insert", mock.Anything, mock.MatchedBy(func(msg *domain.Message) bool {
		return msg.Direction == domain.DirectionOutbound && msg.Status == domain.MessageStatusPending
	})).Return(nil)
	conversations.On("SetFirstResponseAtIfNull", mock.Anything, "c1", mock.Anything).Return(nil)
	conversations.On("AdvanceLastMessageAt", mock.Anything, "c1", mock.Anything).Return(nil)
	conversations.On("AppendEvent", mock.Anything, mock.MatchedBy(func(e *domain.ConversationEvent) bool {
		return e.EventType == domain.EventMessageSent
	})).Return(nil)

	// async worker path
	messages.On("GetByID", mock.Anything, mock.Anything).Return(&domain.Message{ID: "m1", ConversationID: "c1", Status: domain.MessageStatusPending}, nil)
	conversations.On("GetByID", mock.Anything, "c1").Return(&domain.Conversation{ID: "c1", ChannelID: "ch1", ContactID: "ct1"}, nil)
	channels.On("GetByID", mock.Anything, "ch1").Return(channel, nil)
	contacts.On("GetByID", mock.Anything, "ct1").Return(contact, nil)
	adapter.On("Send", mock.Anything, mock.Anything).Return(result, nil)
	messages.On("UpdateStatus", mock.Anything, "m1", domain.MessageStatusSent, &result.ProviderMessageID, (*string)(nil), (*string)(nil)).Return(true, nil)

	pipe := newTestOutboundPipeline(messages, conversations, channels, contacts, adapter)

	body := "Hello"
	msg, err := pipe.Send(context.Background(), "c1", "a1", &body, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, domain.MessageStatusPending, msg.Status)

	time.Sleep(100 * time.Millisecond)
	adapter.AssertExpectations(t)
}

func TestOutboundPipeline_Send_IdempotentReturnsExisting(t *testing.T) {
	messages := new(MockMessageRepository)
	conversations := new(MockConversationRepository)
	channels := new(MockChannelRepository)
	contacts := new(MockContactRepository)
	adapter := &MockProviderAdapter{provider: domain.ProviderA}

	existing := &domain.Message{ID: "m-existing", Status: domain.MessageStatusSent}
	key := "client-key-1"
	messages.On("GetByIdempotencyKey", mock.Anything, "c1", key).Return(existing, nil)

	pipe := newTestOutboundPipeline(messages, conversations, channels, contacts, adapter)

	body := "Hello again"
	msg, err := pipe.Send(context.Background(), "c1", "a1", &body, nil, &key)
	require.NoError(t, err)
	assert.Equal(t, existing, msg)
	messages.AssertNotCalled(t, "Insert", mock.Anything, mock.Anything)
}

func TestOutboundPipeline_ProviderFailure_MarksFailed(t *testing.T) {
	messages := new(MockMessageRepository)
	conversations := new(MockConversationRepository)
	channels := new(MockChannelRepository)
	contacts := new(MockContactRepository)
	adapter := &MockProviderAdapter{provider: domain.ProviderA}

	channel := &domain.Channel{ID: "ch1", Provider: domain.ProviderA}
	contact := &domain.Contact{ID: "ct1", ProviderID: "+1555"}

	messages.On("Insert", mock.Anything, mock.Anything).Return(nil)
	conversations.On("SetFirstResponseAtIfNull", mock.Anything, "c1", mock.Anything).Return(nil)
	conversations.On("AdvanceLastMessageAt", mock.Anything, "c1", mock.Anything).Return(nil)
	conversations.On("AppendEvent", mock.Anything, mock.Anything).Return(nil)

	pendingMsg := &domain.Message{ID: "m1", ConversationID: "c1", Status: domain.MessageStatusPending}
	messages.On("GetByID", mock.Anything, mock.Anything).Return(pendingMsg, nil)
	conversations.On("GetByID", mock.Anything, "c1").Return(&domain.Conversation{ID: "c1", ChannelID: "ch1", ContactID: "ct1"}, nil)
	channels.On("GetByID", mock.Anything, "ch1").Return(channel, nil)
	contacts.On("GetByID", mock.Anything, "ct1").Return(contact, nil)
	adapter.On("Send", mock.Anything, mock.Anything).Return(nil, apperr.Provider("rate_limited", "provider rejected message"))
	messages.On("UpdateStatus", mock.Anything, "m1", domain.MessageStatusFailed, (*string)(nil), mock.AnythingOfType("*string"), mock.AnythingOfType("*string")).Return(true, nil)

	pipe := newTestOutboundPipeline(messages, conversations, channels, contacts, adapter)

	body := "will fail"
	_, err := pipe.Send(context.Background(), "c1", "a1", &body, nil, nil)
	require.NoError(t, err)

	time.Sleep(200 * time.Millisecond)
	messages.AssertCalled(t, "UpdateStatus", mock.Anything, "m1", domain.MessageStatusFailed, (*string)(nil), mock.AnythingOfType("*string"), mock.AnythingOfType("*string"))
}

func TestOutboundPipeline_Send_InsertError(t *testing.T) {
	messages := new(MockMessageRepository)
	conversations := new(MockConversationRepository)
	channels := new(MockChannelRepository)
	contacts := new(MockContactRepository)
	adapter := &MockProviderAdapter{provider: domain.ProviderA}

	messages.On("Insert", mock.Anything, mock.Anything).Return(errors.New("db down"))

	pipe := newTestOutboundPipeline(messages, conversations, channels, contacts, adapter)

	body := "x"
	_, err := pipe.Send(context.Background(), "c1", "a1", &body, nil, nil)
	require.Error(t, err)
	assert.Equal(t, apperr.KindTransient, apperr.KindOf(err))
}
