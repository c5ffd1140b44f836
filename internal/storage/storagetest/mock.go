// Package storagetest provides a testify mock of storage.Storage.
package storagetest

import (
	"context"
	"time"

	"marketchat/internal/models"
	"marketchat/internal/storage"

	"github.com/stretchr/testify/mock"
)

type MockStorage struct {
	mock.Mock
}

var _ storage.Storage = (*MockStorage)(nil)

// User operations
func (m *MockStorage) SaveUser(ctx context.Context, user *models.User) error {
	args := m.Called(ctx, user)
	return args.Error(0)
}

// Conversation operations
func (m *MockStorage) EnsureConversation(ctx context.Context, conv *models.ConversationRecord) error {
	args := m.Called(ctx, conv)
	return args.Error(0)
}

func (m *MockStorage) GetConversation(ctx context.Context, id string) (*models.ConversationRecord, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.ConversationRecord), args.Error(1)
}

func (m *MockStorage) ListConversations(ctx context.Context, userID string) ([]models.ConversationRecord, error) {
	args := m.Called(ctx, userID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]models.ConversationRecord), args.Error(1)
}

// Message operations
func (m *MockStorage) NextSeq(ctx context.Context, conversationID string) (int64, error) {
	args := m.Called(ctx, conversationID)
	return args.Get(0).(int64), args.Error(1)
}

func (m *MockStorage) SaveMessage(ctx context.Context, msg *models.MessageRecord) error {
	args := m.Called(ctx, msg)
	return args.Error(0)
}

func (m *MockStorage) FindByClientID(ctx context.Context, senderID, clientMessageID string) (*models.MessageRecord, error) {
	args := m.Called(ctx, senderID, clientMessageID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.MessageRecord), args.Error(1)
}

func (m *MockStorage) GetMessages(ctx context.Context, conversationID string, limit int) ([]models.MessageRecord, error) {
	args := m.Called(ctx, conversationID, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]models.MessageRecord), args.Error(1)
}

func (m *MockStorage) MarkDelivered(ctx context.Context, conversationID, messageID string) error {
	args := m.Called(ctx, conversationID, messageID)
	return args.Error(0)
}

func (m *MockStorage) MarkRead(ctx context.Context, conversationID, readerID, upToMessageID string) (int64, error) {
	args := m.Called(ctx, conversationID, readerID, upToMessageID)
	return args.Get(0).(int64), args.Error(1)
}

// Presence operations
func (m *MockStorage) SetOnline(ctx context.Context, userID string) error {
	args := m.Called(ctx, userID)
	return args.Error(0)
}

func (m *MockStorage) SetOffline(ctx context.Context, userID string, at time.Time) error {
	args := m.Called(ctx, userID, at)
	return args.Error(0)
}

func (m *MockStorage) IsOnline(ctx context.Context, userID string) (bool, error) {
	args := m.Called(ctx, userID)
	return args.Bool(0), args.Error(1)
}

func (m *MockStorage) LastSeen(ctx context.Context, userID string) (time.Time, error) {
	args := m.Called(ctx, userID)
	return args.Get(0).(time.Time), args.Error(1)
}

// Defaults registers permissive expectations for the presence calls every
// hub makes. Register specific expectations before calling it so they take
// precedence.
func (m *MockStorage) Defaults() {
	m.On("SetOnline", mock.Anything, mock.Anything).Return(nil).Maybe()
	m.On("SetOffline", mock.Anything, mock.Anything, mock.Anything).Return(nil).Maybe()
	m.On("ListConversations", mock.Anything, mock.Anything).Return([]models.ConversationRecord{}, nil).Maybe()
	m.On("IsOnline", mock.Anything, mock.Anything).Return(false, nil).Maybe()
	m.On("LastSeen", mock.Anything, mock.Anything).Return(time.Time{}, nil).Maybe()
}
