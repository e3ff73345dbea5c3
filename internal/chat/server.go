package chat

import (
	"context"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/acuervo/go-watchparty/internal/database"
	"github.com/acuervo/go-watchparty/internal/stats"
)

const (
	reapInterval    = 60 * time.Second
	replayLimit     = 10
	shutdownMessage = "El servidor se está cerrando"
)

type stopReq struct {
	done chan struct{}
}

type onlineUser struct {
	username string
	sessions map[string]*Client
}

// ChatServer is the presence registry and direct-messaging pipeline.
// A user is online iff it has at least one live session; the 0<->1
// transitions are mirrored to the store.
type ChatServer struct {
	log   *log.Logger
	db    database.Store
	stats stats.StatsProvider

	online     map[int]*onlineUser
	onlineLock sync.Mutex

	stop chan stopReq
}

func NewChatServer(logger *log.Logger, db database.Store, su stats.StatsProvider) (*ChatServer, error) {
	cs := &ChatServer{
		log:    logger,
		db:     db,
		stats:  su,
		online: make(map[int]*onlineUser),
		stop:   make(chan stopReq),
	}

	su.RegisterMetric(stats.NumOnlineUsers)
	su.RegisterMetric(stats.NumChatSessions)
	su.RegisterMetric(stats.NumDirectMessages)

	return cs, nil
}

func (cs *ChatServer) Run() {
	reaper := time.NewTicker(reapInterval)
	defer reaper.Stop()

	for {
		select {
		case <-reaper.C:
			cs.reap()
		case req := <-cs.stop:
			cs.shutdown()
			close(req.done)
			return
		}
	}
}

// Attach adds a session to the user's set. The online transition is
// written to the store after the registry lock is released.
func (cs *ChatServer) Attach(c *Client) {
	cs.onlineLock.Lock()
	ou, ok := cs.online[c.userId]
	if !ok {
		ou = &onlineUser{username: c.username, sessions: make(map[string]*Client)}
		cs.online[c.userId] = ou
	}
	ou.sessions[c.sessionId] = c
	cs.onlineLock.Unlock()

	cs.stats.Incr(stats.NumChatSessions)

	if !ok {
		cs.stats.Incr(stats.NumOnlineUsers)
		if err := cs.db.UpdateUserPresence(c.userId, true); err != nil {
			cs.log.Printf("record online transition: %v", err)
		}
	}
}

// Detach removes a session; when the user's set empties, the offline
// transition and last-seen are recorded.
func (cs *ChatServer) Detach(c *Client) {
	cs.onlineLock.Lock()
	ou, ok := cs.online[c.userId]
	if !ok {
		cs.onlineLock.Unlock()
		return
	}

	if _, ok := ou.sessions[c.sessionId]; !ok {
		cs.onlineLock.Unlock()
		return
	}
	delete(ou.sessions, c.sessionId)

	last := len(ou.sessions) == 0
	if last {
		delete(cs.online, c.userId)
	}
	cs.onlineLock.Unlock()

	cs.stats.Decr(stats.NumChatSessions)

	if last {
		cs.stats.Decr(stats.NumOnlineUsers)
		if err := cs.db.UpdateUserPresence(c.userId, false); err != nil {
			cs.log.Printf("record offline transition: %v", err)
		}
	}
}

func (cs *ChatServer) IsOnline(userId int) bool {
	cs.onlineLock.Lock()
	defer cs.onlineLock.Unlock()

	_, ok := cs.online[userId]
	return ok
}

func (cs *ChatServer) sessionsOf(userId int) []*Client {
	cs.onlineLock.Lock()
	defer cs.onlineLock.Unlock()

	ou, ok := cs.online[userId]
	if !ok {
		return nil
	}

	sessions := make([]*Client, 0, len(ou.sessions))
	for _, c := range ou.sessions {
		sessions = append(sessions, c)
	}

	return sessions
}

func (cs *ChatServer) OnlineCount() int {
	cs.onlineLock.Lock()
	defer cs.onlineLock.Unlock()

	return len(cs.online)
}

func (cs *ChatServer) deliverToUser(userId int, frame any) {
	for _, c := range cs.sessionsOf(userId) {
		c.queueFrame(frame)
	}
}

// handlePrivateMessage persists the message, then fans it out to every
// session of an online receiver. A store failure degrades to live-only
// delivery rather than dropping the message.
func (cs *ChatServer) handlePrivateMessage(c *Client, frame *ClientFrame) {
	body := strings.TrimSpace(frame.Message)
	if body == "" {
		c.queueFrame(newErrorFrame(errEmptyMessage))
		return
	}

	if frame.To == 0 {
		c.queueFrame(newErrorFrame(errMissingRecipient))
		return
	}

	out := &PrivateMessageFrame{
		Type:       TypePrivateMessage,
		SenderId:   c.userId,
		SenderName: c.username,
		Message:    body,
		Timestamp:  nowMillis(),
	}

	row, err := cs.db.CreateDirectMessage(c.userId, frame.To, body)
	if err != nil {
		cs.log.Printf("save direct message: %v", err)
	} else {
		out.Id = row.Id
		out.Timestamp = row.CreatedAt.UnixMilli()
	}

	cs.deliverToUser(frame.To, out)
	cs.stats.Incr(stats.NumDirectMessages)
}

// handleFriendRequest pushes the live notification; the request row
// itself is persisted by the external API.
func (cs *ChatServer) handleFriendRequest(c *Client, frame *ClientFrame) {
	if frame.To == 0 {
		c.queueFrame(newErrorFrame(errMissingRecipient))
		return
	}

	cs.deliverToUser(frame.To, &FriendRequestFrame{
		Type:         TypeFriendRequest,
		FromUserId:   c.userId,
		FromUsername: c.username,
		Timestamp:    nowMillis(),
	})
}

func (cs *ChatServer) handleFriendRequestResponse(c *Client, frame *ClientFrame) {
	if frame.To == 0 {
		c.queueFrame(newErrorFrame(errMissingRecipient))
		return
	}

	cs.deliverToUser(frame.To, &FriendRequestResponseFrame{
		Type:       TypeFriendRequestResponse,
		RequestId:  frame.RequestId,
		FromUserId: c.userId,
		Status:     frame.Status,
		Timestamp:  nowMillis(),
	})
}

// Replay queues the user's pending items, newest first, on the
// session. Frames already queued to it stay ahead of them, so live
// traffic delivered between Attach and Replay precedes the replayed
// items. Best effort on store errors.
func (cs *ChatServer) Replay(c *Client) {
	messages, err := cs.db.UnreadDirectMessages(c.userId, replayLimit)
	if err != nil {
		cs.log.Printf("replay unread messages: %v", err)
	} else {
		for _, msg := range messages {
			c.queueFrame(&PrivateMessageFrame{
				Type:       TypePrivateMessage,
				Id:         msg.Id,
				SenderId:   msg.SenderId,
				SenderName: msg.SenderName,
				Message:    msg.Body,
				Timestamp:  msg.CreatedAt.UnixMilli(),
			})
		}
	}

	requests, err := cs.db.PendingFriendRequests(c.userId, replayLimit)
	if err != nil {
		cs.log.Printf("replay friend requests: %v", err)
		return
	}

	for _, req := range requests {
		c.queueFrame(&FriendRequestFrame{
			Type:         TypeFriendRequest,
			Id:           req.Id,
			FromUserId:   req.UserId,
			FromUsername: req.SenderName,
			Timestamp:    req.CreatedAt.UnixMilli(),
		})
	}
}

// reap drops sessions whose transport is gone, covering teardowns
// that never ran.
func (cs *ChatServer) reap() {
	cs.onlineLock.Lock()
	var dead []*Client
	for _, ou := range cs.online {
		for _, c := range ou.sessions {
			if c.closed.Load() {
				dead = append(dead, c)
			}
		}
	}
	cs.onlineLock.Unlock()

	for _, c := range dead {
		cs.Detach(c)
	}
}

func (cs *ChatServer) shutdown() {
	cs.onlineLock.Lock()
	var sessions []*Client
	for _, ou := range cs.online {
		for _, c := range ou.sessions {
			sessions = append(sessions, c)
		}
	}
	cs.online = make(map[int]*onlineUser)
	cs.onlineLock.Unlock()

	for _, c := range sessions {
		c.closeWith(websocket.CloseNormalClosure, shutdownMessage)
		c.stopClient()
	}
}

func (cs *ChatServer) Shutdown(ctx context.Context) error {
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
