package database

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryRepository keeps every record in process memory. It backs local
// development and tests; all data is lost on restart.
type MemoryRepository struct {
	mu            sync.Mutex
	users         map[string]User
	rooms         map[string]*Room
	messages      map[string][]*Message
	notifications []Notification
	now           func() time.Time
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		users:    make(map[string]User),
		rooms:    make(map[string]*Room),
		messages: make(map[string][]*Message),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// AddUser inserts or replaces a user.
func (m *MemoryRepository) AddUser(u User) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.users[u.Id] = u
}

func (m *MemoryRepository) Ping(context.Context) error { return nil }

func (m *MemoryRepository) Close() error { return nil }

func (m *MemoryRepository) GetUser(_ context.Context, id string) (User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	u, ok := m.users[id]
	if !ok {
		return User{}, fmt.Errorf("user %q: %w", id, ErrNotFound)
	}
	return u, nil
}

func (m *MemoryRepository) GetRoom(_ context.Context, id string) (Room, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.rooms[id]
	if !ok {
		return Room{}, fmt.Errorf("room %q: %w", id, ErrNotFound)
	}
	return copyRoom(r), nil
}

func (m *MemoryRepository) ListRoomsForUser(_ context.Context, userId string) ([]Room, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var rooms []Room
	for _, r := range m.rooms {
		if r.HasParticipant(userId) {
			rooms = append(rooms, copyRoom(r))
		}
	}

	sort.Slice(rooms, func(i, j int) bool {
		return rooms[i].UpdatedAt.After(rooms[j].UpdatedAt)
	})
	return rooms, nil
}

func (m *MemoryRepository) CreateRoom(_ context.Context, params CreateRoomParams) (Room, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.rooms[params.Id]; ok {
		return Room{}, fmt.Errorf("room %q: %w", params.Id, ErrConflict)
	}

	for _, p := range params.Participants {
		if _, ok := m.users[p]; !ok {
			return Room{}, fmt.Errorf("participant %q: %w", p, ErrNotFound)
		}
	}

	now := m.now()
	r := &Room{
		Id:           params.Id,
		Name:         params.Name,
		IsGroup:      len(params.Participants) > 2,
		Participants: slices.Clone(params.Participants),
		UnreadCounts: make(map[string]int),
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	m.rooms[r.Id] = r

	return copyRoom(r), nil
}

func (m *MemoryRepository) SaveMessage(_ context.Context, params CreateMessageParams) (Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.rooms[params.RoomId]
	if !ok {
		return Message{}, fmt.Errorf("room %q: %w", params.RoomId, ErrNotFound)
	}

	msg := &Message{
		Id:          uuid.NewString(),
		RoomId:      params.RoomId,
		SenderId:    params.SenderId,
		Content:     params.Content,
		MessageType: params.MessageType,
		Attachments: copyAttachments(params.Attachments),
		ReadBy:      []string{},
		CreatedAt:   m.now(),
	}
	m.messages[r.Id] = append(m.messages[r.Id], msg)

	r.LastMessageId = msg.Id
	r.UpdatedAt = msg.CreatedAt
	if r.UnreadCounts == nil {
		r.UnreadCounts = make(map[string]int)
	}
	for _, p := range r.Participants {
		if p != params.SenderId {
			r.UnreadCounts[p]++
		}
	}

	return copyMessage(msg), nil
}

func (m *MemoryRepository) ResetUnread(_ context.Context, roomId, userId string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.rooms[roomId]
	if !ok {
		return fmt.Errorf("room %q: %w", roomId, ErrNotFound)
	}

	if r.UnreadCounts[userId] != 0 {
		r.UnreadCounts[userId] = 0
	}
	return nil
}

func (m *MemoryRepository) MarkMessagesRead(_ context.Context, roomId, userId string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.rooms[roomId]; !ok {
		return 0, fmt.Errorf("room %q: %w", roomId, ErrNotFound)
	}

	var n int
	for _, msg := range m.messages[roomId] {
		if msg.SenderId == userId || slices.Contains(msg.ReadBy, userId) {
			continue
		}
		msg.ReadBy = append(msg.ReadBy, userId)
		n++
	}
	return n, nil
}

func (m *MemoryRepository) ListMessages(_ context.Context, params ListMessagesParams) ([]Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.rooms[params.RoomId]; !ok {
		return nil, fmt.Errorf("room %q: %w", params.RoomId, ErrNotFound)
	}

	limit := pageSize(params.Limit)
	all := m.messages[params.RoomId]

	// newest first until the page is full, then restore chronological order
	var page []Message
	for i := len(all) - 1; i >= 0 && len(page) < limit; i-- {
		if !params.Before.IsZero() && !all[i].CreatedAt.Before(params.Before) {
			continue
		}
		page = append(page, copyMessage(all[i]))
	}
	slices.Reverse(page)

	return page, nil
}

func (m *MemoryRepository) CreateNotification(_ context.Context, params CreateNotificationParams) (Notification, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := Notification{
		Id:          uuid.NewString(),
		RecipientId: params.RecipientId,
		SenderId:    params.SenderId,
		Type:        params.Type,
		Message:     params.Message,
		Link:        params.Link,
		CreatedAt:   m.now(),
	}
	m.notifications = append(m.notifications, n)

	return n, nil
}

func (m *MemoryRepository) ListNotifications(_ context.Context, recipientId string, limit int) ([]Notification, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	limit = pageSize(limit)
	var out []Notification
	for i := len(m.notifications) - 1; i >= 0 && len(out) < limit; i-- {
		if m.notifications[i].RecipientId == recipientId {
			out = append(out, m.notifications[i])
		}
	}
	return out, nil
}

func copyRoom(r *Room) Room {
	c := *r
	c.Participants = slices.Clone(r.Participants)
	c.UnreadCounts = make(map[string]int, len(r.UnreadCounts))
	for k, v := range r.UnreadCounts {
		c.UnreadCounts[k] = v
	}
	return c
}

func copyMessage(msg *Message) Message {
	c := *msg
	c.Attachments = copyAttachments(msg.Attachments)
	c.ReadBy = slices.Clone(msg.ReadBy)
	if c.ReadBy == nil {
		c.ReadBy = []string{}
	}
	return c
}

func copyAttachments(in []Attachment) []Attachment {
	if in == nil {
		return nil
	}
	out := make([]Attachment, len(in))
	for i, a := range in {
		out[i] = a
		out[i].Data = slices.Clone(a.Data)
	}
	return out
}
