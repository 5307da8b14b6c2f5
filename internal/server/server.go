package server

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/agrolink/realtime/internal/database"
	"github.com/agrolink/realtime/internal/presence"
	"github.com/agrolink/realtime/internal/stats"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"
)

const defaultStoreTimeout = 5 * time.Second

// Notifier durably records a notification.
type Notifier interface {
	Create(ctx context.Context, params database.CreateNotificationParams) (database.Notification, error)
}

type Options struct {
	Users        database.UserStore
	Rooms        database.RoomStore
	Notifier     Notifier
	Presence     presence.Tracker
	Stats        stats.StatsProvider
	StoreTimeout time.Duration
}

type stopReq struct {
	done chan struct{}
}

type ChatServer struct {
	log          *zap.Logger
	users        database.UserStore
	rooms        database.RoomStore
	notifier     Notifier
	presence     presence.Tracker
	stats        stats.StatsProvider
	validate     *validator.Validate
	storeTimeout time.Duration

	// sessions maps a user id to the connection currently bound to it.
	sessions     map[string]*Client
	sessionsLock sync.RWMutex

	// channels maps a channel key to its subscribers. Client.channels is the
	// reverse index; both are guarded by subsLock.
	channels map[string]map[*Client]struct{}
	subsLock sync.Mutex

	clients     map[*Client]struct{}
	clientsLock sync.Mutex

	registerChan   chan *Client
	deRegisterChan chan *Client
	stop           chan stopReq
	done           chan struct{}
}

func NewChatServer(logger *zap.Logger, opts Options) (*ChatServer, error) {
	if opts.Users == nil || opts.Rooms == nil || opts.Notifier == nil || opts.Stats == nil {
		return nil, errors.New("user store, room store, notifier and stats are required")
	}
	if opts.Presence == nil {
		opts.Presence = presence.NewMemoryTracker()
	}
	if opts.StoreTimeout <= 0 {
		opts.StoreTimeout = defaultStoreTimeout
	}

	cs := &ChatServer{
		log:            logger,
		users:          opts.Users,
		rooms:          opts.Rooms,
		notifier:       opts.Notifier,
		presence:       opts.Presence,
		stats:          opts.Stats,
		validate:       validator.New(),
		storeTimeout:   opts.StoreTimeout,
		sessions:       make(map[string]*Client),
		channels:       make(map[string]map[*Client]struct{}),
		clients:        make(map[*Client]struct{}),
		registerChan:   make(chan *Client),
		deRegisterChan: make(chan *Client),
		stop:           make(chan stopReq),
		done:           make(chan struct{}),
	}

	for _, name := range []string{
		stats.ActiveConnections,
		stats.ActiveSessions,
		stats.MessagesSent,
		stats.NotificationsCreated,
	} {
		cs.stats.RegisterMetric(name)
	}

	return cs, nil
}

func (cs *ChatServer) Run() {
	defer close(cs.done)

	for {
		select {
		case client := <-cs.registerChan:
			cs.addClient(client)
		case client := <-cs.deRegisterChan:
			cs.removeClient(client)
		case req := <-cs.stop:
			cs.log.Info("stopping clients")
			cs.clientsLock.Lock()
			for c := range cs.clients {
				c.stopClient()
			}
			cs.clientsLock.Unlock()

			close(req.done)
			return
		}
	}
}

func (cs *ChatServer) Shutdown(ctx context.Context) error {
	cs.log.Info("received shutdown signal")

	req := stopReq{done: make(chan struct{})}
	select {
	case cs.stop <- req:
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case <-req.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RegisterClient hands a new connection to the run loop.
func (cs *ChatServer) RegisterClient(c *Client) {
	select {
	case cs.registerChan <- c:
	case <-cs.done:
		c.stopClient()
	}
}

func (cs *ChatServer) deRegisterClient(c *Client) {
	select {
	case cs.deRegisterChan <- c:
	case <-cs.done:
	}
}

func (cs *ChatServer) addClient(c *Client) {
	cs.clientsLock.Lock()
	defer cs.clientsLock.Unlock()

	if _, ok := cs.clients[c]; ok {
		return
	}
	cs.clients[c] = struct{}{}
	cs.stats.Incr(stats.ActiveConnections)
}

func (cs *ChatServer) removeClient(c *Client) {
	cs.clientsLock.Lock()
	defer cs.clientsLock.Unlock()

	if _, ok := cs.clients[c]; !ok {
		return
	}
	delete(cs.clients, c)
	cs.stats.Decr(stats.ActiveConnections)
}

func (cs *ChatServer) opContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), cs.storeTimeout)
}

// IsOnline reports whether userId has a registered session.
func (cs *ChatServer) IsOnline(userId string) bool {
	cs.sessionsLock.RLock()
	defer cs.sessionsLock.RUnlock()
	_, ok := cs.sessions[userId]
	return ok
}

// OnlineUsers returns the ids of all registered sessions, sorted.
func (cs *ChatServer) OnlineUsers() []string {
	cs.sessionsLock.RLock()
	ids := make([]string, 0, len(cs.sessions))
	for id := range cs.sessions {
		ids = append(ids, id)
	}
	cs.sessionsLock.RUnlock()

	sort.Strings(ids)
	return ids
}

func (cs *ChatServer) LastSeen(ctx context.Context, userId string) (time.Time, bool, error) {
	return cs.presence.LastSeen(ctx, userId)
}

func (cs *ChatServer) session(userId string) *Client {
	cs.sessionsLock.RLock()
	defer cs.sessionsLock.RUnlock()
	return cs.sessions[userId]
}

// authenticate binds c to userId. Unknown users are ignored without a reply.
func (cs *ChatServer) authenticate(ctx context.Context, c *Client, userId string) error {
	if c.tokenUserId != "" && c.tokenUserId != userId {
		return ErrIdentityMismatch(userId)
	}

	dbUser, err := cs.users.GetUser(ctx, userId)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			cs.log.Debug("authenticate for unknown user", zap.String("user_id", userId))
			return nil
		}
		return ErrPersistence("failed to authenticate", err)
	}

	rooms, err := cs.rooms.ListRoomsForUser(ctx, userId)
	if err != nil {
		return ErrPersistence("failed to load rooms", err)
	}

	if prev := c.getUser(); prev != nil && prev.Id != userId {
		cs.disconnect(c)
	}

	user := ToWireUser(dbUser)
	c.setUser(&user)

	// swap the registry entry and the subscriptions together so a superseded
	// connection cannot end up subscribed again
	cs.sessionsLock.Lock()
	old, hadSession := cs.sessions[userId]
	cs.sessions[userId] = c
	cs.subsLock.Lock()
	if old != nil && old != c {
		for channel := range old.channels {
			cs.unsubscribeLocked(old, channel)
		}
	}
	cs.subscribeLocked(c, userChannel(userId))
	for _, r := range rooms {
		cs.subscribeLocked(c, roomChannel(r.Id))
	}
	cs.subsLock.Unlock()
	cs.sessionsLock.Unlock()

	if old != nil && old != c {
		cs.log.Info("session superseded", zap.String("user_id", userId))
	}
	if !hadSession {
		cs.stats.Incr(stats.ActiveSessions)
	}

	cs.broadcastToOthers(c, NewEvent(EventUserStatusChange, StatusChange{
		UserId: userId,
		Status: StatusOnline,
	}))
	c.queueMessage(NewEvent(EventActiveUsers, cs.OnlineUsers()))

	cs.log.Info("session opened", zap.String("user_id", userId), zap.Int("rooms", len(rooms)))
	return nil
}

// disconnect releases everything c holds. The registry entry is removed only
// when it still points at c.
func (cs *ChatServer) disconnect(c *Client) {
	cs.unsubscribeAll(c)

	user := c.getUser()
	if user == nil {
		return
	}

	cs.sessionsLock.Lock()
	current, ok := cs.sessions[user.Id]
	if !ok || current != c {
		cs.sessionsLock.Unlock()
		return
	}
	delete(cs.sessions, user.Id)
	cs.sessionsLock.Unlock()

	cs.stats.Decr(stats.ActiveSessions)

	lastSeen := Now()
	ctx, cancel := cs.opContext()
	defer cancel()
	if err := cs.presence.SetLastSeen(ctx, user.Id, lastSeen); err != nil {
		cs.log.Warn("record last seen", zap.String("user_id", user.Id), zap.Error(err))
	}

	cs.broadcastToOthers(c, NewEvent(EventUserStatusChange, StatusChange{
		UserId:   user.Id,
		Status:   StatusOffline,
		LastSeen: &lastSeen,
	}))

	cs.log.Info("session closed", zap.String("user_id", user.Id))
}

// broadcastToOthers sends msg to every registered session except skip.
func (cs *ChatServer) broadcastToOthers(skip *Client, msg *ServerMessage) {
	cs.sessionsLock.RLock()
	targets := make([]*Client, 0, len(cs.sessions))
	for _, c := range cs.sessions {
		if c != skip {
			targets = append(targets, c)
		}
	}
	cs.sessionsLock.RUnlock()

	for _, c := range targets {
		c.queueMessage(msg)
	}
}

func userChannel(userId string) string {
	return "user:" + userId
}

func roomChannel(roomId string) string {
	return "room:" + roomId
}

func (cs *ChatServer) subscribe(c *Client, channel string) {
	cs.subsLock.Lock()
	defer cs.subsLock.Unlock()
	cs.subscribeLocked(c, channel)
}

func (cs *ChatServer) subscribeLocked(c *Client, channel string) {
	subs, ok := cs.channels[channel]
	if !ok {
		subs = make(map[*Client]struct{})
		cs.channels[channel] = subs
	}
	subs[c] = struct{}{}
	c.channels[channel] = struct{}{}
}

func (cs *ChatServer) unsubscribe(c *Client, channel string) {
	cs.subsLock.Lock()
	defer cs.subsLock.Unlock()
	cs.unsubscribeLocked(c, channel)
}

func (cs *ChatServer) unsubscribeLocked(c *Client, channel string) {
	delete(c.channels, channel)
	if subs, ok := cs.channels[channel]; ok {
		delete(subs, c)
		if len(subs) == 0 {
			delete(cs.channels, channel)
		}
	}
}

func (cs *ChatServer) unsubscribeAll(c *Client) {
	cs.subsLock.Lock()
	defer cs.subsLock.Unlock()

	for channel := range c.channels {
		cs.unsubscribeLocked(c, channel)
	}
}

func (cs *ChatServer) isSubscribed(c *Client, channel string) bool {
	cs.subsLock.Lock()
	defer cs.subsLock.Unlock()
	_, ok := c.channels[channel]
	return ok
}

// publish enqueues msg for every subscriber of channel except skip. The lock
// is held for the whole fan-out so subscribers see one channel's events in
// emission order.
func (cs *ChatServer) publish(channel string, msg *ServerMessage, skip *Client) int {
	cs.subsLock.Lock()
	defer cs.subsLock.Unlock()

	var n int
	for c := range cs.channels[channel] {
		if c == skip {
			continue
		}
		if c.queueMessage(msg) {
			n++
		}
	}
	return n
}

// sendToUser delivers msg on the personal channel of userId.
func (cs *ChatServer) sendToUser(userId string, msg *ServerMessage) bool {
	return cs.publish(userChannel(userId), msg, nil) > 0
}

// AddRoom subscribes the online participants of a room created after they
// authenticated.
func (cs *ChatServer) AddRoom(room database.Room) {
	cs.sessionsLock.RLock()
	defer cs.sessionsLock.RUnlock()
	cs.subsLock.Lock()
	defer cs.subsLock.Unlock()

	for _, p := range room.Participants {
		if c, ok := cs.sessions[p]; ok {
			cs.subscribeLocked(c, roomChannel(room.Id))
		}
	}
}
