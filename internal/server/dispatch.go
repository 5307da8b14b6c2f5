package server

import (
	"encoding/json"
	"errors"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"
)

var errUnknownEvent = errors.New("unknown event")

// decodePayload unmarshals and validates the data of msg into v.
func (cs *ChatServer) decodePayload(msg *ClientMessage, v any) error {
	if len(msg.Data) == 0 {
		return errors.New("missing data")
	}
	if err := json.Unmarshal(msg.Data, v); err != nil {
		return err
	}
	return cs.validate.Struct(v)
}

// dispatch runs the handler for one inbound event and answers the sender with
// an error event when the handler fails.
func (cs *ChatServer) dispatch(c *Client, msg *ClientMessage) {
	log := cs.log.With(zap.String("event", msg.Event))

	if msg.Event != EventAuthenticate && !cs.hasSession(c) {
		c.queueMessage(ErrNotAuthenticated(msg.Id))
		return
	}

	ctx, cancel := cs.opContext()
	defer cancel()

	var err error
	switch msg.Event {
	case EventAuthenticate:
		var req Authenticate
		if err = cs.decodePayload(msg, &req); err == nil {
			err = cs.authenticate(ctx, c, req.UserId)
		}
	case EventJoinRoom:
		var req RoomRef
		if err = cs.decodePayload(msg, &req); err == nil {
			err = cs.joinRoom(ctx, c, req.RoomId)
		}
	case EventLeaveRoom:
		var req RoomRef
		if err = cs.decodePayload(msg, &req); err == nil {
			cs.leaveRoom(c, req.RoomId)
		}
	case EventSendMessage:
		var req SendMessage
		if err = cs.decodePayload(msg, &req); err == nil {
			err = cs.sendMessage(ctx, c, req)
		}
	case EventTyping:
		var req Typing
		if err = cs.decodePayload(msg, &req); err == nil {
			cs.typing(c, req)
		}
	case EventMarkRead:
		var req RoomRef
		if err = cs.decodePayload(msg, &req); err == nil {
			err = cs.markRead(ctx, c, req.RoomId)
		}
	case EventCallRequest:
		var req CallRequest
		if err = cs.decodePayload(msg, &req); err == nil {
			cs.callRequest(c, req)
		}
	case EventCallResponse:
		var req CallResponse
		if err = cs.decodePayload(msg, &req); err == nil {
			cs.callResponse(c, req)
		}
	case EventWebrtcSignal:
		var req Signal
		if err = cs.decodePayload(msg, &req); err == nil {
			cs.webrtcSignal(c, req)
		}
	case EventEndCall:
		var req EndCall
		if err = cs.decodePayload(msg, &req); err == nil {
			cs.endCall(c, req)
		}
	default:
		err = errUnknownEvent
	}

	if err == nil {
		return
	}

	var (
		he      *HubError
		invalid validator.ValidationErrors
	)
	switch {
	case errors.As(err, &he):
		if he.Kind == KindPersistence {
			log.Error("operation failed", zap.Error(err))
		} else {
			log.Debug("operation rejected", zap.Stringer("kind", he.Kind), zap.Error(err))
		}
		c.queueMessage(errorEvent(msg.Id, err))
	case errors.As(err, &invalid):
		log.Debug("invalid payload", zap.Error(err))
		c.queueMessage(errorEvent(msg.Id, ErrValidation("invalid payload", err)))
	default:
		log.Debug("invalid message", zap.Error(err))
		c.queueMessage(ErrInvalidMessage(msg.Id))
	}
}

// hasSession reports whether c is the registered connection of its user.
func (cs *ChatServer) hasSession(c *Client) bool {
	user := c.getUser()
	if user == nil {
		return false
	}
	return cs.session(user.Id) == c
}
