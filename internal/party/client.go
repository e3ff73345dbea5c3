package party

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

// Client is one live watch-party session. The room code is fixed at
// the gateway; the session joins at most one room.
type Client struct {
	sessionId string
	conn      *websocket.Conn
	ps        *PartyServer
	log       *log.Logger
	userId    int
	username  string
	roomCode  string
	send      chan any
	stop      chan struct{}
	stopOnce  sync.Once
	room      *Room
	roomLock  sync.RWMutex
	closed    atomic.Bool
}

func NewClient(ps *PartyServer, conn *websocket.Conn, userId int, username, roomCode string, l *log.Logger) *Client {
	return &Client{
		sessionId: uuid.NewString(),
		conn:      conn,
		ps:        ps,
		log:       l,
		userId:    userId,
		username:  username,
		roomCode:  roomCode,
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
	case TypeJoin:
		select {
		case c.ps.joinChan <- &joinReq{frame: frame, client: c}:
		default:
			c.log.Println("join channel full")
			c.queueFrame(newErrorFrame(errServiceUnavailable))
		}
	case TypePing:
		c.queueFrame(newPongFrame())
	case TypeLeave:
		r := c.getRoom()
		if r == nil {
			c.queueFrame(newErrorFrame(errNotInRoom))
			return
		}

		select {
		case r.leaveChan <- &command{frame: frame, client: c}:
		default:
			c.log.Printf("leave channel full on room %q", r.code)
			c.queueFrame(newErrorFrame(errServiceUnavailable))
		}
	case TypeChatMessage, TypePlaybackUpdate, TypeSyncRequest, TypeParticipantsRequest,
		TypeInviteUser, TypeRemoveParticipant, TypePromoteToCohost, TypeTransferHost:
		r := c.getRoom()
		if r == nil {
			c.queueFrame(newErrorFrame(errNotInRoom))
			return
		}

		select {
		case r.cmdChan <- &command{frame: frame, client: c}:
		default:
			c.log.Printf("command channel full on room %q", r.code)
			c.queueFrame(newErrorFrame(errServiceUnavailable))
		}
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

// closeWith sends a close control frame so the peer can distinguish a
// kick or a shutdown from a plain disconnect, then closes the
// transport. Safe to call from any goroutine.
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
	c.ps.removeClient(c)

	if r := c.getRoom(); r != nil {
		r.leaveChan <- &command{frame: &ClientFrame{Type: TypeLeave}, client: c}
	}

	c.stopClient()
}

func (c *Client) setRoom(r *Room) {
	c.roomLock.Lock()
	defer c.roomLock.Unlock()

	c.room = r
}

func (c *Client) clearRoom() {
	c.roomLock.Lock()
	defer c.roomLock.Unlock()

	c.room = nil
}

func (c *Client) getRoom() *Room {
	c.roomLock.RLock()
	defer c.roomLock.RUnlock()

	return c.room
}
