package types

import (
	"time"
)

type User struct {
	Id       string `json:"id"`
	Username string `json:"username"`
	Name     string `json:"name,omitempty"`
	Avatar   string `json:"avatar,omitempty"`
}

type Room struct {
	Id           string         `json:"id"`
	Name         string         `json:"name,omitempty"`
	IsGroup      bool           `json:"isGroup"`
	Participants []string       `json:"participants"`
	LastMessage  string         `json:"lastMessage,omitempty"`
	UnreadCounts map[string]int `json:"unreadCounts"`
	CreatedAt    time.Time      `json:"createdAt,omitempty"`
	UpdatedAt    time.Time      `json:"updatedAt,omitempty"`
}

// Attachment is the transport shape of a message attachment. Exactly one of
// Data (standard base64) or Url is set; a present but empty Data is a zero
// byte file. Url may be absolute or a server path.
type Attachment struct {
	Data        *string `json:"data,omitempty" validate:"required_without=Url,excluded_with=Url"`
	Url         string  `json:"url,omitempty" validate:"omitempty,uri"`
	ContentType string  `json:"contentType"`
	Type        string  `json:"type"`
	Name        string  `json:"name"`
	Size        int64   `json:"size" validate:"gte=0"`
}

type Message struct {
	Id          string       `json:"id"`
	RoomId      string       `json:"roomId"`
	Sender      User         `json:"sender"`
	Content     string       `json:"content"`
	Attachments []Attachment `json:"attachments"`
	MessageType string       `json:"messageType"`
	ReadBy      []string     `json:"readBy"`
	CreatedAt   time.Time    `json:"createdAt"`
}

type Notification struct {
	Id          string    `json:"id"`
	RecipientId string    `json:"recipientId"`
	SenderId    string    `json:"senderId"`
	Type        string    `json:"type"`
	Message     string    `json:"message"`
	Link        string    `json:"link,omitempty"`
	Read        bool      `json:"read"`
	CreatedAt   time.Time `json:"createdAt"`
}

type Presence struct {
	UserId   string     `json:"userId"`
	Online   bool       `json:"online"`
	LastSeen *time.Time `json:"lastSeen,omitempty"`
}
