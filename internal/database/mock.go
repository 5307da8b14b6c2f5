package database

import (
	"context"

	"github.com/stretchr/testify/mock"
)

type MockRepository struct {
	mock.Mock
}

func (m *MockRepository) Ping(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}
func (m *MockRepository) Close() error {
	args := m.Called()
	return args.Error(0)
}
func (m *MockRepository) GetUser(ctx context.Context, id string) (User, error) {
	args := m.Called(ctx, id)
	return args.Get(0).(User), args.Error(1)
}
func (m *MockRepository) GetRoom(ctx context.Context, id string) (Room, error) {
	args := m.Called(ctx, id)
	return args.Get(0).(Room), args.Error(1)
}
func (m *MockRepository) ListRoomsForUser(ctx context.Context, userId string) ([]Room, error) {
	args := m.Called(ctx, userId)
	if rooms, ok := args.Get(0).([]Room); ok {
		return rooms, args.Error(1)
	}
	return nil, args.Error(1)
}
func (m *MockRepository) CreateRoom(ctx context.Context, params CreateRoomParams) (Room, error) {
	args := m.Called(ctx, params)
	return args.Get(0).(Room), args.Error(1)
}
func (m *MockRepository) SaveMessage(ctx context.Context, params CreateMessageParams) (Message, error) {
	args := m.Called(ctx, params)
	return args.Get(0).(Message), args.Error(1)
}
func (m *MockRepository) ResetUnread(ctx context.Context, roomId, userId string) error {
	args := m.Called(ctx, roomId, userId)
	return args.Error(0)
}
func (m *MockRepository) MarkMessagesRead(ctx context.Context, roomId, userId string) (int, error) {
	args := m.Called(ctx, roomId, userId)
	return args.Int(0), args.Error(1)
}
func (m *MockRepository) ListMessages(ctx context.Context, params ListMessagesParams) ([]Message, error) {
	args := m.Called(ctx, params)
	if msgs, ok := args.Get(0).([]Message); ok {
		return msgs, args.Error(1)
	}
	return nil, args.Error(1)
}
func (m *MockRepository) CreateNotification(ctx context.Context, params CreateNotificationParams) (Notification, error) {
	args := m.Called(ctx, params)
	return args.Get(0).(Notification), args.Error(1)
}
func (m *MockRepository) ListNotifications(ctx context.Context, recipientId string, limit int) ([]Notification, error) {
	args := m.Called(ctx, recipientId, limit)
	if ns, ok := args.Get(0).([]Notification); ok {
		return ns, args.Error(1)
	}
	return nil, args.Error(1)
}
