package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/agrolink/realtime/internal/config"
	"github.com/agrolink/realtime/internal/database"
	"github.com/agrolink/realtime/internal/notify"
	"github.com/agrolink/realtime/internal/presence"
	"github.com/agrolink/realtime/internal/server"
	"github.com/agrolink/realtime/internal/stats"
	"github.com/agrolink/realtime/internal/testutil"
	"github.com/agrolink/realtime/internal/types"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

var testSigningKey = []byte("test-signing-key")

type testApp struct {
	app      *App
	repo     *database.MemoryRepository
	cs       *server.ChatServer
	presence *presence.MemoryTracker
}

func newTestApp(t *testing.T) *testApp {
	t.Helper()

	logger := testutil.TestLogger(t)
	repo := database.NewMemoryRepository()
	repo.AddUser(database.User{Id: "u1", Username: "alice", Name: "Alice"})
	repo.AddUser(database.User{Id: "u2", Username: "bob"})
	repo.AddUser(database.User{Id: "u3", Username: "carol"})
	_, err := repo.CreateRoom(context.Background(), database.CreateRoomParams{Id: "r1", Participants: []string{"u1", "u2"}})
	require.NoError(t, err)

	tracker := presence.NewMemoryTracker()
	cs, err := server.NewChatServer(logger, server.Options{
		Users:    repo,
		Rooms:    repo,
		Notifier: notify.NewSink(logger, repo, nil),
		Presence: tracker,
		Stats:    stats.Permissive(),
	})
	require.NoError(t, err)

	app := NewApp(http.NewServeMux(), logger, cs, repo, &config.Config{
		ServerAddr:     "localhost:0",
		SigningKey:     testSigningKey,
		AllowedOrigins: []string{"http://localhost:3000"},
	})

	return &testApp{app: app, repo: repo, cs: cs, presence: tracker}
}

func (ta *testApp) do(t *testing.T, method, target, userId, body string) *httptest.ResponseRecorder {
	t.Helper()

	req := httptest.NewRequest(method, target, strings.NewReader(body))
	if userId != "" {
		token, err := NewToken(testSigningKey, userId, time.Hour)
		require.NoError(t, err)
		req.Header.Set("Authorization", "Bearer "+token)
	}

	rr := httptest.NewRecorder()
	ta.app.Handler().ServeHTTP(rr, req)
	return rr
}

func decode[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()

	var v T
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&v), rr.Body.String())
	return v
}

func Test_healthCheck(t *testing.T) {
	tcases := []struct {
		name     string
		mockErr  error
		expected int
	}{
		{name: "successful health check", expected: http.StatusOK},
		{name: "failed health check", mockErr: errors.New("db error"), expected: http.StatusServiceUnavailable},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			mockRepo := &database.MockRepository{}
			mockRepo.On("Ping", mock.Anything).Return(tc.mockErr).Once()
			defer mockRepo.AssertExpectations(t)

			app := NewApp(http.NewServeMux(), testutil.TestLogger(t), nil, mockRepo, &config.Config{})
			rr := httptest.NewRecorder()
			app.healthCheck(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))

			assert.Equal(t, tc.expected, rr.Code)
			if tc.mockErr == nil {
				assert.Equal(t, "OK", rr.Body.String())
			} else {
				errResp := decode[ApiError](t, rr)
				assert.Equal(t, "service unavailable", errResp.Message)
				assert.NotContains(t, rr.Body.String(), "db error", "expected internal detail to stay out of the response")
			}
		})
	}
}

func Test_securityHeaders(t *testing.T) {
	ta := newTestApp(t)
	rr := ta.do(t, http.MethodGet, "/healthz", "", "")

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "DENY", rr.Header().Get("X-Frame-Options"))
	assert.Equal(t, "nosniff", rr.Header().Get("X-Content-Type-Options"))
}

func Test_listRooms(t *testing.T) {
	ta := newTestApp(t)
	_, err := ta.repo.SaveMessage(context.Background(), database.CreateMessageParams{RoomId: "r1", SenderId: "u1", Content: "hi"})
	require.NoError(t, err)

	rr := ta.do(t, http.MethodGet, "/api/rooms", "u2", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "no-store, no-cache, must-revalidate, private", rr.Header().Get("Cache-Control"))

	rooms := decode[[]types.Room](t, rr)
	require.Len(t, rooms, 1)
	assert.Equal(t, "r1", rooms[0].Id)
	assert.Equal(t, 1, rooms[0].UnreadCounts["u2"])
	assert.NotEmpty(t, rooms[0].LastMessage)

	rr = ta.do(t, http.MethodGet, "/api/rooms", "u3", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `[]`, rr.Body.String())
}

func Test_createRoom(t *testing.T) {
	tcases := []struct {
		name       string
		body       string
		shortIdErr error
		expected   int
	}{
		{name: "direct room", body: `{"participants":["u2"]}`, expected: http.StatusCreated},
		{name: "group room", body: `{"name":"crew","participants":["u2","u3","u2"]}`, expected: http.StatusCreated},
		{name: "only the caller", body: `{"participants":["u1"]}`, expected: http.StatusBadRequest},
		{name: "no participants", body: `{"participants":[]}`, expected: http.StatusBadRequest},
		{name: "malformed body", body: `{`, expected: http.StatusBadRequest},
		{name: "unknown participant", body: `{"participants":["ghost"]}`, expected: http.StatusBadRequest},
		{name: "id generation fails", body: `{"participants":["u2"]}`, shortIdErr: errors.New("entropy"), expected: http.StatusInternalServerError},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			ta := newTestApp(t)
			ta.app.generateShortId = func() (string, error) {
				return "EoGKUXPHgz", tc.shortIdErr
			}

			rr := ta.do(t, http.MethodPost, "/api/rooms", "u1", tc.body)
			require.Equal(t, tc.expected, rr.Code, rr.Body.String())
			if tc.expected != http.StatusCreated {
				return
			}

			room := decode[types.Room](t, rr)
			assert.Equal(t, "EoGKUXPHgz", room.Id)
			assert.Equal(t, "u1", room.Participants[0], "expected the caller to be included")
			assert.Equal(t, len(room.Participants) > 2, room.IsGroup)

			stored, err := ta.repo.GetRoom(context.Background(), "EoGKUXPHgz")
			require.NoError(t, err)
			assert.Equal(t, room.Participants, stored.Participants)
		})
	}

	t.Run("duplicate id", func(t *testing.T) {
		ta := newTestApp(t)
		ta.app.generateShortId = func() (string, error) { return "r1", nil }

		rr := ta.do(t, http.MethodPost, "/api/rooms", "u1", `{"participants":["u3"]}`)
		assert.Equal(t, http.StatusConflict, rr.Code)
	})
}

func Test_getMessages(t *testing.T) {
	ta := newTestApp(t)
	ctx := context.Background()
	for _, content := range []string{"one", "two", "three"} {
		_, err := ta.repo.SaveMessage(ctx, database.CreateMessageParams{RoomId: "r1", SenderId: "u1", Content: content, MessageType: "text"})
		require.NoError(t, err)
	}

	rr := ta.do(t, http.MethodGet, "/api/rooms/r1/messages?limit=2", "u2", "")
	require.Equal(t, http.StatusOK, rr.Code)
	msgs := decode[[]types.Message](t, rr)
	require.Len(t, msgs, 2)
	assert.Equal(t, "two", msgs[0].Content)
	assert.Equal(t, "three", msgs[1].Content)
	assert.Equal(t, "Alice", msgs[0].Sender.Name)

	future := time.Now().Add(time.Hour).UTC().Format(time.RFC3339)
	rr = ta.do(t, http.MethodGet, "/api/rooms/r1/messages?before="+future, "u1", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Len(t, decode[[]types.Message](t, rr), 3)

	for target, expected := range map[string]int{
		"/api/rooms/r1/messages?before=yesterday": http.StatusBadRequest,
		"/api/rooms/r1/messages?limit=ten":        http.StatusBadRequest,
		"/api/rooms/nope/messages":                http.StatusNotFound,
	} {
		assert.Equal(t, expected, ta.do(t, http.MethodGet, target, "u1", "").Code, target)
	}

	assert.Equal(t, http.StatusForbidden, ta.do(t, http.MethodGet, "/api/rooms/r1/messages", "u3", "").Code)
	assert.Equal(t, http.StatusUnauthorized, ta.do(t, http.MethodGet, "/api/rooms/r1/messages", "", "").Code)
}

func Test_listNotifications(t *testing.T) {
	ta := newTestApp(t)
	_, err := ta.repo.CreateNotification(context.Background(), database.CreateNotificationParams{
		RecipientId: "u2",
		SenderId:    "u1",
		Type:        "message",
		Message:     "Alice sent you a message",
		Link:        "/messages/r1",
	})
	require.NoError(t, err)

	rr := ta.do(t, http.MethodGet, "/api/notifications?limit=10", "u2", "")
	require.Equal(t, http.StatusOK, rr.Code)
	got := decode[[]types.Notification](t, rr)
	require.Len(t, got, 1)
	assert.Equal(t, "Alice sent you a message", got[0].Message)
	assert.Equal(t, "/messages/r1", got[0].Link)

	assert.JSONEq(t, `[]`, ta.do(t, http.MethodGet, "/api/notifications", "u1", "").Body.String())
	assert.Equal(t, http.StatusBadRequest, ta.do(t, http.MethodGet, "/api/notifications?limit=x", "u2", "").Code)
}

func Test_getPresence(t *testing.T) {
	ta := newTestApp(t)
	lastSeen := time.Date(2024, 3, 2, 10, 0, 0, 0, time.UTC)
	require.NoError(t, ta.presence.SetLastSeen(context.Background(), "u2", lastSeen))

	rr := ta.do(t, http.MethodGet, "/api/users/u2/presence", "u1", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `{"userId":"u2","online":false,"lastSeen":"2024-03-02T10:00:00Z"}`, rr.Body.String())

	rr = ta.do(t, http.MethodGet, "/api/users/u3/presence", "u1", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `{"userId":"u3","online":false}`, rr.Body.String())

	assert.Equal(t, http.StatusNotFound, ta.do(t, http.MethodGet, "/api/users/ghost/presence", "u1", "").Code)
}

func Test_serveWs(t *testing.T) {
	ta := newTestApp(t)
	go ta.cs.Run()
	defer ta.cs.Shutdown(context.Background())

	srv := httptest.NewServer(ta.app.Handler())
	defer srv.Close()
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"

	t.Run("rejects unknown origin", func(t *testing.T) {
		_, resp, err := websocket.DefaultDialer.Dial(wsURL, http.Header{"Origin": {"http://evil.example.com"}})
		require.Error(t, err)
		require.NotNil(t, resp)
		assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	})

	t.Run("authenticates over the socket", func(t *testing.T) {
		conn, _, err := websocket.DefaultDialer.Dial(wsURL, http.Header{"Origin": {"http://localhost:3000"}})
		require.NoError(t, err)
		defer conn.Close()

		require.NoError(t, conn.WriteJSON(map[string]any{"event": "authenticate", "data": map[string]string{"userId": "u1"}}))
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))

		var msg struct {
			Event string   `json:"event"`
			Data  []string `json:"data"`
		}
		require.NoError(t, conn.ReadJSON(&msg))
		assert.Equal(t, "active_users", msg.Event)
		assert.Equal(t, []string{"u1"}, msg.Data)

		rr := ta.do(t, http.MethodGet, "/api/users/u1/presence", "u2", "")
		assert.JSONEq(t, `{"userId":"u1","online":true}`, rr.Body.String())
	})

	t.Run("rejects an invalid token", func(t *testing.T) {
		_, resp, err := websocket.DefaultDialer.Dial(wsURL, http.Header{
			"Origin":        {"http://localhost:3000"},
			"Authorization": {"Bearer garbage"},
		})
		require.Error(t, err)
		require.NotNil(t, resp)
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	})

	t.Run("token pins the socket identity", func(t *testing.T) {
		token, err := NewToken(testSigningKey, "u3", time.Minute)
		require.NoError(t, err)

		conn, _, err := websocket.DefaultDialer.Dial(wsURL, http.Header{
			"Origin":        {"http://localhost:3000"},
			"Authorization": {bearerPrefix + token},
		})
		require.NoError(t, err)
		defer conn.Close()
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))

		require.NoError(t, conn.WriteJSON(map[string]any{"id": 1, "event": "authenticate", "data": map[string]string{"userId": "u2"}}))

		var msg struct {
			Event string `json:"event"`
			Data  struct {
				Message string `json:"message"`
			} `json:"data"`
		}
		require.NoError(t, conn.ReadJSON(&msg))
		assert.Equal(t, "error", msg.Event)
		assert.Equal(t, "user id does not match token", msg.Data.Message)
		assert.False(t, ta.cs.IsOnline("u2"))
	})
}
