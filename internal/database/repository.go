package database

import (
	"context"
	"errors"
)

const DefaultPageSize = 50

var (
	ErrNotFound  = errors.New("not found")
	ErrConflict  = errors.New("already exists")
	ErrForbidden = errors.New("forbidden")
)

type UserStore interface {
	GetUser(ctx context.Context, id string) (User, error)
}

type RoomStore interface {
	GetRoom(ctx context.Context, id string) (Room, error)
	ListRoomsForUser(ctx context.Context, userId string) ([]Room, error)
	CreateRoom(ctx context.Context, params CreateRoomParams) (Room, error)
	// SaveMessage persists the message, points the room's last message at it
	// and increments the unread counter of every participant except the sender.
	SaveMessage(ctx context.Context, params CreateMessageParams) (Message, error)
	ResetUnread(ctx context.Context, roomId, userId string) error
	// MarkMessagesRead adds userId to the readers of every message in the room
	// not sent by userId. It returns the number of messages changed.
	MarkMessagesRead(ctx context.Context, roomId, userId string) (int, error)
	ListMessages(ctx context.Context, params ListMessagesParams) ([]Message, error)
}

type NotificationStore interface {
	CreateNotification(ctx context.Context, params CreateNotificationParams) (Notification, error)
	ListNotifications(ctx context.Context, recipientId string, limit int) ([]Notification, error)
}

type Repository interface {
	UserStore
	RoomStore
	NotificationStore
	Ping(ctx context.Context) error
	Close() error
}

func pageSize(limit int) int {
	if limit <= 0 || limit > DefaultPageSize*4 {
		return DefaultPageSize
	}
	return limit
}
