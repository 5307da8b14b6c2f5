package server

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func Test_callRequest(t *testing.T) {
	t.Run("offline recipient", func(t *testing.T) {
		f := newFixture(t)
		alice := f.login(t, "u1")
		carol := f.login(t, "u3")
		drain(alice)

		dispatchEvent(t, alice, EventCallRequest, CallRequest{RecipientId: "u2", CallType: "video"})

		replies := drain(alice)
		require.Len(t, replies, 1)
		assert.Equal(t, EventCallFailed, replies[0].Event)
		assert.Equal(t, CallFailed{Reason: CallFailedOffline}, replies[0].Data)
		assert.Empty(t, drain(carol))
	})

	t.Run("online recipient", func(t *testing.T) {
		f := newFixture(t)
		alice := f.login(t, "u1")
		carol := f.login(t, "u3")
		drain(alice)

		dispatchEvent(t, alice, EventCallRequest, CallRequest{RecipientId: "u3", CallType: "video"})

		assert.Empty(t, drain(alice))
		got := drain(carol)
		require.Len(t, got, 1)
		assert.Equal(t, EventIncomingCall, got[0].Event)
		assert.Equal(t, IncomingCall{CallerId: "u1", CallerName: "Alice", CallType: "video"}, got[0].Data)
	})
}

func Test_callRelay(t *testing.T) {
	f := newFixture(t)
	alice := f.login(t, "u1")
	carol := f.login(t, "u3")
	drain(alice)

	dispatchEvent(t, carol, EventCallResponse, CallResponse{CallerId: "u1", Accepted: true})
	got := drain(alice)
	require.Len(t, got, 1)
	assert.Equal(t, EventCallAnswered, got[0].Event)
	assert.Equal(t, CallAnswered{Accepted: true, UserId: "u3"}, got[0].Data)

	offer := json.RawMessage(`{"type":"offer","sdp":"v=0"}`)
	dispatchEvent(t, alice, EventWebrtcSignal, Signal{UserId: "u3", Signal: offer})
	got = drain(carol)
	require.Len(t, got, 1)
	assert.Equal(t, EventWebrtcSignal, got[0].Event)
	signal := got[0].Data.(Signal)
	assert.Equal(t, "u1", signal.UserId, "expected the sender as userId")
	assert.JSONEq(t, string(offer), string(signal.Signal))

	dispatchEvent(t, alice, EventEndCall, EndCall{UserId: "u3"})
	got = drain(carol)
	require.Len(t, got, 1)
	assert.Equal(t, CallEnded{UserId: "u1"}, got[0].Data)

	// relays to offline users are dropped silently
	dispatchEvent(t, alice, EventEndCall, EndCall{UserId: "u2"})
	dispatchEvent(t, alice, EventWebrtcSignal, Signal{UserId: "u2", Signal: offer})
	dispatchEvent(t, alice, EventCallResponse, CallResponse{CallerId: "u2"})
	assert.Empty(t, drain(alice))
	assert.Empty(t, drain(carol))
}
