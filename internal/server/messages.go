package server

import (
	"encoding/json"
	"time"

	"github.com/agrolink/realtime/internal/types"
)

// Inbound events.
const (
	EventAuthenticate = "authenticate"
	EventJoinRoom     = "join_room"
	EventLeaveRoom    = "leave_room"
	EventSendMessage  = "send_message"
	EventTyping       = "typing"
	EventMarkRead     = "mark_read"
	EventCallRequest  = "call_request"
	EventCallResponse = "call_response"
	EventWebrtcSignal = "webrtc_signal"
	EventEndCall      = "end_call"
)

// Outbound events.
const (
	EventNewMessage       = "new_message"
	EventNewNotification  = "new_notification"
	EventUserTyping       = "user_typing"
	EventMessageRead      = "message_read"
	EventUserStatusChange = "user_status_change"
	EventActiveUsers      = "active_users"
	EventIncomingCall     = "incoming_call"
	EventCallFailed       = "call_failed"
	EventCallAnswered     = "call_answered"
	EventCallEnded        = "call_ended"
	EventError            = "error"
)

const (
	StatusOnline  = "online"
	StatusOffline = "offline"

	CallFailedOffline = "offline"
)

type BaseMessage struct {
	Id        int       `json:"id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

type ClientMessage struct {
	Id    int             `json:"id,omitempty"`
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type ServerMessage struct {
	BaseMessage
	Event string `json:"event"`
	Data  any    `json:"data,omitempty"`
}

type Authenticate struct {
	UserId string `json:"userId" validate:"required"`
}

type RoomRef struct {
	RoomId string `json:"roomId" validate:"required"`
}

type SendMessage struct {
	RoomId      string             `json:"roomId" validate:"required"`
	Content     string             `json:"content"`
	Attachments []types.Attachment `json:"attachments" validate:"dive"`
	MessageType string             `json:"messageType"`
}

type Typing struct {
	RoomId   string `json:"roomId" validate:"required"`
	IsTyping bool   `json:"isTyping"`
}

type CallRequest struct {
	RecipientId string `json:"recipientId" validate:"required"`
	CallType    string `json:"callType"`
}

type CallResponse struct {
	CallerId string `json:"callerId" validate:"required"`
	Accepted bool   `json:"accepted"`
}

// Signal is both the inbound webrtc_signal payload (UserId is the target) and
// the outbound one (UserId is the sender).
type Signal struct {
	UserId string          `json:"userId" validate:"required"`
	Signal json.RawMessage `json:"signal"`
}

type EndCall struct {
	UserId string `json:"userId" validate:"required"`
}

type UserTyping struct {
	RoomId   string `json:"roomId"`
	UserId   string `json:"userId"`
	IsTyping bool   `json:"isTyping"`
}

type MessageRead struct {
	RoomId    string    `json:"roomId"`
	UserId    string    `json:"userId"`
	Timestamp time.Time `json:"timestamp"`
}

type StatusChange struct {
	UserId   string     `json:"userId"`
	Status   string     `json:"status"`
	LastSeen *time.Time `json:"lastSeen,omitempty"`
}

type IncomingCall struct {
	CallerId   string `json:"callerId"`
	CallerName string `json:"callerName,omitempty"`
	CallType   string `json:"callType"`
}

type CallFailed struct {
	Reason string `json:"reason"`
}

type CallAnswered struct {
	Accepted bool   `json:"accepted"`
	UserId   string `json:"userId"`
}

type CallEnded struct {
	UserId string `json:"userId"`
}

type ErrorPayload struct {
	Message string `json:"message"`
}

func NewEvent(event string, data any) *ServerMessage {
	return &ServerMessage{
		BaseMessage: BaseMessage{
			Timestamp: Now(),
		},
		Event: event,
		Data:  data,
	}
}

func ErrMessage(id int, message string) *ServerMessage {
	msg := NewEvent(EventError, ErrorPayload{Message: message})
	if id > 0 {
		msg.Id = id
	}
	return msg
}

func ErrInvalidMessage(id int) *ServerMessage {
	return ErrMessage(id, "invalid message format")
}

func ErrNotAuthenticated(id int) *ServerMessage {
	return ErrMessage(id, "not authenticated")
}

func ErrInternalError(id int) *ServerMessage {
	return ErrMessage(id, "internal server error")
}

func Now() time.Time {
	return time.Now().UTC().Round(time.Millisecond)
}
