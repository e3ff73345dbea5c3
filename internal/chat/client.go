package chat

import (
	"encoding/json"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingInterval   = 30 * time.Second
	maxMessageSize = 4096
	sendQueueSize  = 256
)

// Client is one live direct-chat session for a user. A user may hold
// several sessions at once; fan-out reaches all of them.
type Client struct {
	sessionId string
	conn      *websocket.Conn
	cs        *ChatServer
	log       *log.Logger
	userId    int
	username  string
	send      chan any
	stop      chan struct{}
	stopOnce  sync.Once
	closed    atomic.Bool
}

func NewClient(cs *ChatServer, conn *websocket.Conn, userId int, username string, l *log.Logger) *Client {
	return &Client{
		sessionId: uuid.NewString(),
		conn:      conn,
		cs:        cs,
		log:       l,
		userId:    userId,
		username:  username,
		send:      make(chan any, sendQueueSize),
		stop:      make(chan struct{}),
	}
}

func (c *Client) SessionId() string {
	return c.sessionId
}

// SendConnected queues the greeting frame carrying the session id.
func (c *Client) SendConnected() {
	c.queueFrame(newConnectedFrame(c.sessionId))
}

func (c *Client) Write() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			if !ok {
				return
			}

			bytes, err := json.Marshal(msg)
			if err != nil {
				c.log.Println("failed to serialize frame:", err)
				continue
			}

			if !c.writeMessage(websocket.TextMessage, bytes) {
				return
			}
		case <-c.stop:
			return
		case <-ticker.C:
			if !c.writeMessage(websocket.PingMessage, nil) {
				return
			}
		}
	}
}

func (c *Client) Read() {
	defer func() {
		c.conn.Close()
		c.cleanup()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(appData string) error { c.conn.SetReadDeadline(time.Now().Add(pongWait)); return nil })
	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure,
				websocket.CloseNormalClosure) {
				c.log.Printf("ws: read: %v", err)
			}
			break
		}

		var frame ClientFrame
		if err := json.Unmarshal(raw, &frame); err != nil {
			c.log.Println("error parsing frame:", err)
			c.queueFrame(newErrorFrame(errInvalidMessage))
			continue
		}

		c.route(&frame)
	}
}

func (c *Client) route(frame *ClientFrame) {
	switch frame.Type {
	case TypePrivateMessage:
		c.cs.handlePrivateMessage(c, frame)
	case TypeFriendRequest:
		c.cs.handleFriendRequest(c, frame)
	case TypeFriendRequestResponse:
		c.cs.handleFriendRequestResponse(c, frame)
	case TypePing:
		c.queueFrame(newPongFrame())
	default:
		c.log.Printf("ignoring unknown frame type %q from %q", frame.Type, c.username)
	}
}

func (c *Client) queueFrame(msg any) bool {
	select {
	case c.send <- msg:
	default:
		c.log.Printf("send queue full for session %q, dropping frame", c.sessionId)
		return false
	}

	return true
}

func (c *Client) closeWith(code int, reason string) {
	if c.conn == nil {
		return
	}

	deadline := time.Now().Add(writeWait)
	if err := c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline); err != nil {
		c.log.Printf("write close frame: %v", err)
	}
	c.conn.Close()
}

func (c *Client) writeMessage(msgType int, msg []byte) bool {
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))

	if err := c.conn.WriteMessage(msgType, msg); err != nil {
		if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure,
			websocket.CloseNormalClosure) {
			c.log.Printf("write message: %s", err)
		}
		return false
	}

	return true
}

func (c *Client) stopClient() {
	c.stopOnce.Do(func() {
		close(c.stop)
	})
}

func (c *Client) cleanup() {
	c.closed.Store(true)
	c.cs.Detach(c)
	c.stopClient()
}
