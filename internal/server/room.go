package server

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/agrolink/realtime/internal/database"
	"github.com/agrolink/realtime/internal/notify"
	"github.com/agrolink/realtime/internal/stats"
	"github.com/agrolink/realtime/internal/types"
	"go.uber.org/zap"
)

const (
	defaultMessageType   = "text"
	notificationTypeChat = "message"
)

// assertParticipant loads the room and checks that userId belongs to it.
func (cs *ChatServer) assertParticipant(ctx context.Context, roomId, userId string) (database.Room, error) {
	room, err := cs.rooms.GetRoom(ctx, roomId)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return database.Room{}, ErrRoomNotFound(roomId)
		}
		return database.Room{}, ErrPersistence("failed to load room", err)
	}

	if !room.HasParticipant(userId) {
		return database.Room{}, ErrNotParticipant(roomId)
	}
	return room, nil
}

// joinRoom subscribes c to a room it became a participant of after it
// authenticated.
func (cs *ChatServer) joinRoom(ctx context.Context, c *Client, roomId string) error {
	user := c.getUser()
	if _, err := cs.assertParticipant(ctx, roomId, user.Id); err != nil {
		return err
	}

	cs.subscribe(c, roomChannel(roomId))
	cs.log.Debug("joined room", zap.String("user_id", user.Id), zap.String("room_id", roomId))
	return nil
}

func (cs *ChatServer) leaveRoom(c *Client, roomId string) {
	cs.unsubscribe(c, roomChannel(roomId))
	cs.log.Debug("left room", zap.String("user_id", c.getUser().Id), zap.String("room_id", roomId))
}

// sendMessage persists a message, broadcasts it to the room and notifies the
// other participants. Nothing is broadcast unless the message was stored.
func (cs *ChatServer) sendMessage(ctx context.Context, c *Client, req SendMessage) error {
	sender := c.getUser()

	if strings.TrimSpace(req.Content) == "" && len(req.Attachments) == 0 {
		return ErrValidation("message content or attachments required", nil)
	}

	room, err := cs.assertParticipant(ctx, req.RoomId, sender.Id)
	if err != nil {
		return err
	}

	attachments, err := decodeAttachments(req.Attachments)
	if err != nil {
		return ErrValidation("invalid attachment", err)
	}

	messageType := req.MessageType
	if messageType == "" {
		messageType = defaultMessageType
	}

	saved, err := cs.rooms.SaveMessage(ctx, database.CreateMessageParams{
		RoomId:      room.Id,
		SenderId:    sender.Id,
		Content:     req.Content,
		MessageType: messageType,
		Attachments: attachments,
	})
	if err != nil {
		return storeError("failed to send message", err)
	}

	cs.publish(roomChannel(room.Id), NewEvent(EventNewMessage, ToWireMessage(saved, *sender)), nil)
	cs.stats.Incr(stats.MessagesSent)

	cs.notifyParticipants(ctx, room, *sender)
	return nil
}

// notifyParticipants records a notification for every participant except the
// sender and pushes it to the ones online. Failures are logged per recipient.
func (cs *ChatServer) notifyParticipants(ctx context.Context, room database.Room, sender types.User) {
	text := fmt.Sprintf("%s sent you a message", displayName(sender))
	link := "/messages/" + room.Id

	for _, p := range room.Participants {
		if p == sender.Id {
			continue
		}

		n, err := cs.notifier.Create(ctx, database.CreateNotificationParams{
			RecipientId: p,
			SenderId:    sender.Id,
			Type:        notificationTypeChat,
			Message:     text,
			Link:        link,
		})
		if err != nil {
			cs.log.Error("create notification",
				zap.String("room_id", room.Id),
				zap.String("recipient_id", p),
				zap.Error(err),
			)
			continue
		}
		cs.stats.Incr(stats.NotificationsCreated)

		if cs.IsOnline(p) {
			cs.sendToUser(p, NewEvent(EventNewNotification, notify.ToWire(n)))
		}
	}
}

func (cs *ChatServer) typing(c *Client, req Typing) {
	user := c.getUser()
	cs.publish(roomChannel(req.RoomId), NewEvent(EventUserTyping, UserTyping{
		RoomId:   req.RoomId,
		UserId:   user.Id,
		IsTyping: req.IsTyping,
	}), c)
}

// markRead resets the reader's unread counter and records the read receipts.
// The two updates are independent; a failure of either is logged and the
// receipt is still broadcast.
func (cs *ChatServer) markRead(ctx context.Context, c *Client, roomId string) error {
	user := c.getUser()

	if _, err := cs.assertParticipant(ctx, roomId, user.Id); err != nil {
		return err
	}

	if err := cs.rooms.ResetUnread(ctx, roomId, user.Id); err != nil {
		cs.log.Error("reset unread", zap.String("room_id", roomId), zap.String("user_id", user.Id), zap.Error(err))
	}

	n, err := cs.rooms.MarkMessagesRead(ctx, roomId, user.Id)
	if err != nil {
		cs.log.Error("mark messages read", zap.String("room_id", roomId), zap.String("user_id", user.Id), zap.Error(err))
	} else {
		cs.log.Debug("marked messages read", zap.String("room_id", roomId), zap.Int("count", n))
	}

	cs.publish(roomChannel(roomId), NewEvent(EventMessageRead, MessageRead{
		RoomId:    roomId,
		UserId:    user.Id,
		Timestamp: Now(),
	}), c)
	return nil
}

func displayName(u types.User) string {
	if u.Name != "" {
		return u.Name
	}
	return u.Username
}

func ToWireUser(u database.User) types.User {
	return types.User{
		Id:       u.Id,
		Username: u.Username,
		Name:     u.Name,
		Avatar:   u.Avatar,
	}
}

func ToWireMessage(m database.Message, sender types.User) types.Message {
	readBy := m.ReadBy
	if readBy == nil {
		readBy = []string{}
	}

	return types.Message{
		Id:          m.Id,
		RoomId:      m.RoomId,
		Sender:      sender,
		Content:     m.Content,
		Attachments: encodeAttachments(m.Attachments),
		MessageType: m.MessageType,
		ReadBy:      readBy,
		CreatedAt:   m.CreatedAt,
	}
}

func ToWireRoom(r database.Room) types.Room {
	unread := r.UnreadCounts
	if unread == nil {
		unread = map[string]int{}
	}

	return types.Room{
		Id:           r.Id,
		Name:         r.Name,
		IsGroup:      r.IsGroup,
		Participants: r.Participants,
		LastMessage:  r.LastMessageId,
		UnreadCounts: unread,
		CreatedAt:    r.CreatedAt,
		UpdatedAt:    r.UpdatedAt,
	}
}
