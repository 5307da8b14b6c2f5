package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"slices"
	"strconv"
	"time"

	"github.com/agrolink/realtime/internal/database"
	"github.com/agrolink/realtime/internal/notify"
	"github.com/agrolink/realtime/internal/server"
	"github.com/agrolink/realtime/internal/types"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

type CreateRoomRequest struct {
	Name         string   `json:"name"`
	Participants []string `json:"participants" validate:"required,min=1,dive,required"`
}

func (s *App) writeJson(w http.ResponseWriter, statusCode int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if v == nil {
		return
	}

	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Error("json encode", zap.Error(err))
	}
}

func (s *App) writeError(w http.ResponseWriter, r *http.Request, errResp *ApiError) {
	if errResp.StatusCode >= http.StatusInternalServerError {
		s.log.Error("request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Error(errResp),
		)
	}
	s.writeJson(w, errResp.StatusCode, errResp)
}

func (s *App) healthCheck(w http.ResponseWriter, r *http.Request) {
	if err := s.repo.Ping(r.Context()); err != nil {
		s.writeError(w, r, NewServiceUnavailableError(err))
		return
	}

	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

func (s *App) listRooms(w http.ResponseWriter, r *http.Request) {
	userId, ok := UserId(r.Context())
	if !ok {
		s.writeError(w, r, NewUnauthorizedError())
		return
	}

	dbRooms, err := s.repo.ListRoomsForUser(r.Context(), userId)
	if err != nil {
		s.writeError(w, r, NewInternalServerError(err))
		return
	}

	rooms := make([]types.Room, 0, len(dbRooms))
	for _, room := range dbRooms {
		rooms = append(rooms, server.ToWireRoom(room))
	}

	s.writeJson(w, http.StatusOK, rooms)
}

func (s *App) createRoom(w http.ResponseWriter, r *http.Request) {
	userId, ok := UserId(r.Context())
	if !ok {
		s.writeError(w, r, NewUnauthorizedError())
		return
	}

	var req CreateRoomRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, r, NewBadRequestError())
		return
	}
	if err := s.validate.Struct(req); err != nil {
		s.writeError(w, r, NewBadRequestError())
		return
	}

	participants := []string{userId}
	for _, p := range req.Participants {
		if !slices.Contains(participants, p) {
			participants = append(participants, p)
		}
	}
	if len(participants) < 2 {
		s.writeError(w, r, NewBadRequestError())
		return
	}

	sid, err := s.generateShortId()
	if err != nil {
		s.writeError(w, r, NewInternalServerError(err))
		return
	}

	room, err := s.repo.CreateRoom(r.Context(), database.CreateRoomParams{
		Id:           sid,
		Name:         req.Name,
		Participants: participants,
	})
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			// an unknown participant
			s.writeError(w, r, NewBadRequestError())
			return
		}
		s.writeError(w, r, storeError(err))
		return
	}

	s.cs.AddRoom(room)
	s.log.Info("room created", zap.String("room_id", room.Id), zap.String("user_id", userId))

	s.writeJson(w, http.StatusCreated, server.ToWireRoom(room))
}

func (s *App) getMessages(w http.ResponseWriter, r *http.Request) {
	userId, ok := UserId(r.Context())
	if !ok {
		s.writeError(w, r, NewUnauthorizedError())
		return
	}

	room, err := s.repo.GetRoom(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, storeError(err))
		return
	}
	if !room.HasParticipant(userId) {
		s.writeError(w, r, NewForbiddenError())
		return
	}

	params := database.ListMessagesParams{RoomId: room.Id}
	if v := r.URL.Query().Get("before"); v != "" {
		params.Before, err = time.Parse(time.RFC3339, v)
		if err != nil {
			s.writeError(w, r, NewBadRequestError())
			return
		}
	}
	if v := r.URL.Query().Get("limit"); v != "" {
		params.Limit, err = strconv.Atoi(v)
		if err != nil {
			s.writeError(w, r, NewBadRequestError())
			return
		}
	}

	messages, err := s.repo.ListMessages(r.Context(), params)
	if err != nil {
		s.writeError(w, r, NewInternalServerError(err))
		return
	}

	senders := make(map[string]types.User)
	out := make([]types.Message, 0, len(messages))
	for _, msg := range messages {
		sender, ok := senders[msg.SenderId]
		if !ok {
			u, err := s.repo.GetUser(r.Context(), msg.SenderId)
			switch {
			case err == nil:
				sender = server.ToWireUser(u)
			case errors.Is(err, database.ErrNotFound):
				sender = types.User{Id: msg.SenderId}
			default:
				s.writeError(w, r, NewInternalServerError(err))
				return
			}
			senders[msg.SenderId] = sender
		}

		out = append(out, server.ToWireMessage(msg, sender))
	}

	s.writeJson(w, http.StatusOK, out)
}

func (s *App) listNotifications(w http.ResponseWriter, r *http.Request) {
	userId, ok := UserId(r.Context())
	if !ok {
		s.writeError(w, r, NewUnauthorizedError())
		return
	}

	var limit int
	if v := r.URL.Query().Get("limit"); v != "" {
		var err error
		if limit, err = strconv.Atoi(v); err != nil {
			s.writeError(w, r, NewBadRequestError())
			return
		}
	}

	dbNotifications, err := s.repo.ListNotifications(r.Context(), userId, limit)
	if err != nil {
		s.writeError(w, r, NewInternalServerError(err))
		return
	}

	out := make([]types.Notification, 0, len(dbNotifications))
	for _, n := range dbNotifications {
		out = append(out, notify.ToWire(n))
	}

	s.writeJson(w, http.StatusOK, out)
}

func (s *App) getPresence(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := s.repo.GetUser(r.Context(), id); err != nil {
		s.writeError(w, r, storeError(err))
		return
	}

	p := types.Presence{UserId: id, Online: s.cs.IsOnline(id)}
	if !p.Online {
		at, found, err := s.cs.LastSeen(r.Context(), id)
		if err != nil {
			s.log.Warn("lookup last seen", zap.String("user_id", id), zap.Error(err))
		} else if found {
			p.LastSeen = &at
		}
	}

	s.writeJson(w, http.StatusOK, p)
}

func (s *App) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}

	return slices.Contains(s.allowedOrigins, origin)
}

// serveWs upgrades the connection. The session is bound later by the
// authenticate event. A token is optional; when one is sent it must be valid
// and pins the user the socket may authenticate as.
func (s *App) serveWs(w http.ResponseWriter, r *http.Request) {
	var tokenUserId string
	if token, err := tokenFromRequest(r); err == nil {
		tokenUserId, err = s.extractUserIdFromToken(token)
		if err != nil {
			s.log.Debug("rejecting websocket with invalid token", zap.Error(err))
			s.writeError(w, r, NewUnauthorizedError())
			return
		}
	}

	upgrader := websocket.Upgrader{CheckOrigin: s.checkOrigin}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Debug("error upgrading connection", zap.Error(err))
		return
	}

	client := server.NewClient(conn, s.cs, s.log.With(zap.String("remote_addr", r.RemoteAddr)))
	if tokenUserId != "" {
		client.BindToken(tokenUserId)
	}

	s.cs.RegisterClient(client)
	go client.Write()
	go client.Read()
}
