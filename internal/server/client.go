package server

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/agrolink/realtime/internal/types"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingInterval   = (pongWait * 9) / 10
	maxMessageSize = 8 << 20
	sendBufferSize = 256
)

type Client struct {
	conn       *websocket.Conn
	chatServer *ChatServer
	log        *zap.Logger
	send       chan *ServerMessage
	stop       chan struct{}
	stopOnce   sync.Once

	user     *types.User
	userLock sync.RWMutex

	// tokenUserId is the user proven by the upgrade request, if any. It is set
	// before the pumps start and never changes.
	tokenUserId string

	// channels is guarded by chatServer.subsLock.
	channels map[string]struct{}
}

func NewClient(conn *websocket.Conn, cs *ChatServer, l *zap.Logger) *Client {
	return &Client{
		conn:       conn,
		chatServer: cs,
		log:        l,
		send:       make(chan *ServerMessage, sendBufferSize),
		stop:       make(chan struct{}),
		channels:   make(map[string]struct{}),
	}
}

// BindToken restricts the connection to authenticating as userId. It must be
// called before the client is registered.
func (c *Client) BindToken(userId string) {
	c.tokenUserId = userId
}

func (c *Client) getUser() *types.User {
	c.userLock.RLock()
	defer c.userLock.RUnlock()
	return c.user
}

func (c *Client) setUser(u *types.User) {
	c.userLock.Lock()
	defer c.userLock.Unlock()
	c.user = u
}

func (c *Client) Write() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
		c.log.Debug("write exiting")
	}()

	for {
		select {
		case msg := <-c.send:
			bytes, err := serializeMessage(msg)
			if err != nil {
				c.log.Error("failed to serialize message", zap.String("event", msg.Event), zap.Error(err))
				continue
			}

			if !c.sendMessage(websocket.TextMessage, bytes) {
				return
			}
		case <-c.stop:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"))
			return
		case <-ticker.C:
			if !c.sendMessage(websocket.PingMessage, nil) {
				return
			}
		}
	}
}

func (c *Client) Read() {
	defer func() {
		c.conn.Close()
		c.cleanup()
		c.log.Debug("read exiting")
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(appData string) error { c.conn.SetReadDeadline(time.Now().Add(pongWait)); return nil })
	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure,
				websocket.CloseNormalClosure) {
				c.log.Warn("ws: read", zap.Error(err))
			}
			break
		}

		c.handle(raw)
	}
}

// handle decodes one frame and dispatches it. Frames from one connection are
// handled in order.
func (c *Client) handle(raw []byte) {
	var msg ClientMessage
	if err := json.Unmarshal(raw, &msg); err != nil || msg.Event == "" {
		c.log.Debug("error parsing message", zap.Error(err))
		c.queueMessage(ErrInvalidMessage(msg.Id))
		return
	}

	c.chatServer.dispatch(c, &msg)
}

func (c *Client) queueMessage(msg *ServerMessage) bool {
	select {
	case c.send <- msg:
	default:
		c.log.Warn("failed to send message to client, channel is full", zap.String("event", msg.Event))
		return false
	}

	return true
}

func serializeMessage(msg *ServerMessage) ([]byte, error) {
	return json.Marshal(msg)
}

func (c *Client) sendMessage(msgType int, msg []byte) bool {
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))

	if err := c.conn.WriteMessage(msgType, msg); err != nil {
		if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure,
			websocket.CloseNormalClosure) {
			c.log.Warn("write message", zap.Error(err))
		}
		return false
	}

	return true
}

func (c *Client) stopClient() {
	c.stopOnce.Do(func() { close(c.stop) })
}

func (c *Client) cleanup() {
	c.chatServer.disconnect(c)
	c.chatServer.deRegisterClient(c)
	c.stopClient()
}
