package server

import "go.uber.org/zap"

// Call signaling is relayed between personal channels. No call state is kept,
// so answers and signals for calls that already ended are relayed as well.

func (cs *ChatServer) callRequest(c *Client, req CallRequest) {
	caller := c.getUser()

	if !cs.IsOnline(req.RecipientId) {
		cs.log.Debug("call target offline", zap.String("caller_id", caller.Id), zap.String("recipient_id", req.RecipientId))
		c.queueMessage(NewEvent(EventCallFailed, CallFailed{Reason: CallFailedOffline}))
		return
	}

	cs.sendToUser(req.RecipientId, NewEvent(EventIncomingCall, IncomingCall{
		CallerId:   caller.Id,
		CallerName: displayName(*caller),
		CallType:   req.CallType,
	}))
}

func (cs *ChatServer) callResponse(c *Client, req CallResponse) {
	cs.relay(req.CallerId, NewEvent(EventCallAnswered, CallAnswered{
		Accepted: req.Accepted,
		UserId:   c.getUser().Id,
	}))
}

func (cs *ChatServer) webrtcSignal(c *Client, req Signal) {
	cs.relay(req.UserId, NewEvent(EventWebrtcSignal, Signal{
		UserId: c.getUser().Id,
		Signal: req.Signal,
	}))
}

func (cs *ChatServer) endCall(c *Client, req EndCall) {
	cs.relay(req.UserId, NewEvent(EventCallEnded, CallEnded{UserId: c.getUser().Id}))
}

// relay delivers msg to userId if it is online and drops it otherwise.
func (cs *ChatServer) relay(userId string, msg *ServerMessage) {
	if !cs.IsOnline(userId) {
		cs.log.Debug("relay target offline", zap.String("event", msg.Event), zap.String("user_id", userId))
		return
	}
	cs.sendToUser(userId, msg)
}
