package database

import "time"

type User struct {
	Id       string
	Username string
	Name     string
	Avatar   string
}

// DisplayName is the name shown to other users.
func (u User) DisplayName() string {
	if u.Name != "" {
		return u.Name
	}
	return u.Username
}

type Room struct {
	Id            string
	Name          string
	IsGroup       bool
	Participants  []string
	LastMessageId string
	UnreadCounts  map[string]int
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

func (r Room) HasParticipant(userId string) bool {
	for _, p := range r.Participants {
		if p == userId {
			return true
		}
	}
	return false
}

// Attachment is a persisted attachment. Either Data or Url is set.
type Attachment struct {
	Data        []byte
	Url         string
	ContentType string
	Type        string
	Name        string
	Size        int64
}

type Message struct {
	Id          string
	RoomId      string
	SenderId    string
	Content     string
	MessageType string
	Attachments []Attachment
	ReadBy      []string
	CreatedAt   time.Time
}

type Notification struct {
	Id          string
	RecipientId string
	SenderId    string
	Type        string
	Message     string
	Link        string
	Read        bool
	CreatedAt   time.Time
}

type CreateRoomParams struct {
	Id           string
	Name         string
	Participants []string
}

type CreateMessageParams struct {
	RoomId      string
	SenderId    string
	Content     string
	MessageType string
	Attachments []Attachment
}

type CreateNotificationParams struct {
	RecipientId string
	SenderId    string
	Type        string
	Message     string
	Link        string
}

type ListMessagesParams struct {
	RoomId string
	Before time.Time
	Limit  int
}
