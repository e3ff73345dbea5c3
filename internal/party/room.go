package party

import (
	"fmt"
	"log"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/samber/lo"

	"github.com/acuervo/go-watchparty/internal/database"
	"github.com/acuervo/go-watchparty/internal/stats"
)

const (
	maxChatHistory         = 200
	maxPlaybackHistory     = 50
	chatReplayCount        = 50
	defaultMaxParticipants = 10
	emptyRoomGrace         = 5 * time.Minute
	idleRoomTimeout        = 10 * time.Minute
	playbackPersistEvery   = time.Second
)

type exitReq struct {
	reason string
	done   chan struct{}
}

type joinReq struct {
	frame  *ClientFrame
	client *Client
}

type command struct {
	frame  *ClientFrame
	client *Client
}

type Participant struct {
	client   *Client
	userId   int
	username string
	joinedAt time.Time
	lastSeen time.Time
	isHost   bool
}

// Room owns all mutable watch-party state for one room code. Every
// mutation runs on the room's own goroutine, so broadcasts go out in
// the order the mutations were applied.
type Room struct {
	id              string
	code            string
	name            string
	hostId          int
	hostName        string
	videoId         string
	maxParticipants int
	isPrivate       bool
	createdAt       time.Time

	currentTime float64
	isPlaying   bool
	lastPersist time.Time

	participants    map[int]*Participant
	messages        []ChatMessage
	playbackHistory []PlaybackEvent
	nextMsgId       int64

	ps  *PartyServer
	log *log.Logger

	joinChan  chan *joinReq
	leaveChan chan *command
	cmdChan   chan *command
	exit      chan exitReq

	killTimer *time.Timer

	// emptySince is the unix-nano instant the room last became empty,
	// zero while occupied. Read by the reaper outside the room loop.
	emptySince atomic.Int64
	summary    atomic.Value
}

// RoomSummary is the lock-free snapshot served by /public-rooms.
type RoomSummary struct {
	RoomCode         string `json:"room_code"`
	RoomName         string `json:"room_name"`
	HostUsername     string `json:"host_username"`
	ParticipantCount int    `json:"participant_count"`
	MaxParticipants  int    `json:"max_participants"`
	VideoId          string `json:"video_id"`
	CreatedAt        int64  `json:"created_at"`
	IsPrivate        bool   `json:"-"`
}

func (r *Room) start() {
	r.log.Printf("starting room %q", r.code)
	r.hydrate()

	// a freshly created room is empty until its creator's join is
	// processed; keep the grace timer armed so a failed join cannot
	// leak the room
	r.killTimer = time.NewTimer(emptyRoomGrace)
	r.emptySince.Store(time.Now().UnixNano())
	r.updateSummary()

	for {
		select {
		case jr := <-r.joinChan:
			r.handleJoin(jr)
		case cmd := <-r.leaveChan:
			r.handleLeave(cmd.client, true)
		case cmd := <-r.cmdChan:
			r.dispatch(cmd)
		case <-r.killTimer.C:
			r.handleRoomTimeout()
		case e := <-r.exit:
			r.handleRoomExit(e)
			return
		}
	}
}

// hydrate loads a persisted watch party for this code when one exists:
// its name replaces the display name when set, its video id fills in a
// missing one, and its position and playing flag seed the playback
// state. Best effort.
func (r *Room) hydrate() {
	wp, err := r.ps.db.WatchPartyByCode(r.code)
	if err != nil {
		return
	}

	if wp.Name != "" {
		r.name = wp.Name
	}
	if r.videoId == "" {
		r.videoId = wp.VideoId
	}
	r.currentTime = wp.VideoCurrentTime
	r.isPlaying = wp.IsPlaying
}

func (r *Room) dispatch(cmd *command) {
	switch cmd.frame.Type {
	case TypeChatMessage:
		r.handleChatMessage(cmd.client, cmd.frame)
	case TypePlaybackUpdate:
		r.handlePlaybackUpdate(cmd.client, cmd.frame)
	case TypeSyncRequest:
		cmd.client.queueFrame(&PlaybackFrame{
			Type:        TypePlaybackSync,
			CurrentTime: r.currentTime,
			IsPlaying:   r.isPlaying,
			Timestamp:   nowMillis(),
		})
	case TypeParticipantsRequest:
		cmd.client.queueFrame(&ParticipantsFrame{
			Type:         TypeParticipantsList,
			Participants: r.participantList(),
			Count:        len(r.participants),
			Timestamp:    nowMillis(),
		})
	case TypeInviteUser:
		r.handleInviteUser(cmd.client, cmd.frame)
	case TypeRemoveParticipant:
		r.handleRemoveParticipant(cmd.client, cmd.frame)
	case TypePromoteToCohost:
		r.handlePromoteToCohost(cmd.client, cmd.frame)
	case TypeTransferHost:
		r.handleTransferHost(cmd.client, cmd.frame)
	default:
		r.log.Printf("room %q: unhandled command %q", r.code, cmd.frame.Type)
	}
}

func (r *Room) handleJoin(jr *joinReq) {
	c := jr.client

	// a reconnect for a user already in the room replaces the session
	// handle instead of counting as a second participant
	if p, ok := r.participants[c.userId]; ok {
		p.client = c
		p.username = c.username
		p.lastSeen = time.Now()
		c.setRoom(r)
		r.sendJoinReplies(c, p.isHost)
		r.broadcastParticipants()
		return
	}

	if len(r.participants) >= r.maxParticipants {
		c.queueFrame(newErrorFrame(errRoomFull))
		return
	}

	// the create flag is ignored on an existing room, so it cannot be
	// used to slip past privacy; only the host may come back in
	if r.isPrivate && c.userId != r.hostId {
		c.queueFrame(newErrorFrame(errPrivateRoom))
		return
	}

	now := time.Now()
	isHost := c.userId == r.hostId || len(r.participants) == 0
	if isHost && c.userId != r.hostId {
		r.hostId = c.userId
		r.hostName = c.username
	}

	r.participants[c.userId] = &Participant{
		client:   c,
		userId:   c.userId,
		username: c.username,
		joinedAt: now,
		lastSeen: now,
		isHost:   isHost,
	}
	r.killTimer.Stop()
	r.emptySince.Store(0)
	c.setRoom(r)

	r.sendJoinReplies(c, isHost)
	r.broadcast(newUserEventFrame(TypeUserJoined, c.userId, c.username), c)
	r.broadcastParticipants()
	r.updateSummary()

	go func() {
		if err := r.ps.db.TouchPartyParticipant(r.code, c.userId); err != nil {
			r.log.Printf("touch participant: %v", err)
		}
	}()
}

func (r *Room) sendJoinReplies(c *Client, isHost bool) {
	c.queueFrame(&RoomJoinedFrame{
		Type:            TypeRoomJoined,
		RoomCode:        r.code,
		RoomName:        r.name,
		IsHost:          isHost,
		HostUsername:    r.hostName,
		VideoId:         r.videoId,
		MaxParticipants: r.maxParticipants,
		IsPrivate:       r.isPrivate,
		Timestamp:       nowMillis(),
	})

	history := r.messages
	if len(history) > chatReplayCount {
		history = history[len(history)-chatReplayCount:]
	}
	replay := make([]ChatMessage, len(history))
	copy(replay, history)
	c.queueFrame(&ChatHistoryFrame{Type: TypeChatHistory, Messages: replay, Timestamp: nowMillis()})

	c.queueFrame(&PlaybackFrame{
		Type:        TypePlaybackSync,
		CurrentTime: r.currentTime,
		IsPlaying:   r.isPlaying,
		Timestamp:   nowMillis(),
	})
}

func (r *Room) handleLeave(c *Client, notify bool) {
	p, ok := r.participants[c.userId]
	if !ok || p.client != c {
		// a stale session of a user who rejoined; membership is owned
		// by the newer session
		c.clearRoom()
		return
	}

	delete(r.participants, c.userId)
	c.clearRoom()

	if notify {
		r.broadcast(newUserEventFrame(TypeUserLeft, c.userId, c.username), nil)
	}

	if p.isHost && len(r.participants) > 0 {
		r.promoteSuccessor()
	}

	r.broadcastParticipants()
	r.updateSummary()

	if len(r.participants) == 0 {
		r.log.Printf("room %q is empty, starting grace timer", r.code)
		r.emptySince.Store(time.Now().UnixNano())
		r.killTimer.Reset(emptyRoomGrace)
	}
}

// promoteSuccessor reassigns the host to the longest-present
// participant, breaking joined-at ties by user id.
func (r *Room) promoteSuccessor() {
	next := lo.MinBy(lo.Values(r.participants), func(a, b *Participant) bool {
		if a.joinedAt.Equal(b.joinedAt) {
			return a.userId < b.userId
		}
		return a.joinedAt.Before(b.joinedAt)
	})

	next.isHost = true
	r.hostId = next.userId
	r.hostName = next.username
	r.broadcast(newSystemMessageFrame(fmt.Sprintf("%s es ahora el anfitrión", next.username)), nil)
}

func (r *Room) handleChatMessage(c *Client, frame *ClientFrame) {
	p, ok := r.participants[c.userId]
	if !ok || p.client != c {
		c.queueFrame(newErrorFrame(errNotInRoom))
		return
	}

	body := strings.TrimSpace(frame.Message)
	if body == "" {
		c.queueFrame(newErrorFrame(errEmptyMessage))
		return
	}

	r.nextMsgId++
	msg := ChatMessage{
		Id:        r.nextMsgId,
		UserId:    c.userId,
		Username:  p.username,
		Message:   body,
		Timestamp: nowMillis(),
	}

	r.messages = append(r.messages, msg)
	if len(r.messages) > maxChatHistory {
		r.messages = r.messages[len(r.messages)-maxChatHistory:]
	}
	p.lastSeen = time.Now()

	// the sender is included so every client observes the same order
	out := msg
	out.Type = TypeChatMessage
	r.broadcast(&out, nil)
	r.ps.stats.Incr(stats.NumRoomMessages)

	go func() {
		if err := r.ps.db.CreatePartyMessage(database.PartyMessage{
			RoomCode:  r.code,
			UserId:    msg.UserId,
			Username:  msg.Username,
			Body:      msg.Message,
			CreatedAt: time.UnixMilli(msg.Timestamp).UTC(),
		}); err != nil {
			r.log.Printf("save room message: %v", err)
		}
	}()
}

func (r *Room) handlePlaybackUpdate(c *Client, frame *ClientFrame) {
	p, ok := r.participants[c.userId]
	if !ok || p.client != c {
		c.queueFrame(newErrorFrame(errNotInRoom))
		return
	}

	eventType := frame.EventType
	if eventType == "" {
		eventType = "update"
	}

	r.currentTime = frame.CurrentTime
	r.isPlaying = frame.IsPlaying
	p.lastSeen = time.Now()

	event := PlaybackEvent{
		UserId:      c.userId,
		CurrentTime: frame.CurrentTime,
		IsPlaying:   frame.IsPlaying,
		EventType:   eventType,
		Timestamp:   nowMillis(),
	}
	r.playbackHistory = append(r.playbackHistory, event)
	if len(r.playbackHistory) > maxPlaybackHistory {
		r.playbackHistory = r.playbackHistory[len(r.playbackHistory)-maxPlaybackHistory:]
	}

	r.broadcast(&PlaybackFrame{
		Type:        TypePlaybackUpdate,
		UserId:      c.userId,
		CurrentTime: event.CurrentTime,
		IsPlaying:   event.IsPlaying,
		EventType:   event.EventType,
		Timestamp:   event.Timestamp,
	}, c)

	// in-memory state is always current; the store write is debounced
	// so a scrubbing client cannot saturate the pool
	if time.Since(r.lastPersist) >= playbackPersistEvery {
		r.lastPersist = time.Now()
		position, playing := r.currentTime, r.isPlaying
		go func() {
			if err := r.ps.db.UpdatePlaybackState(r.code, position, playing); err != nil {
				r.log.Printf("persist playback state: %v", err)
			}
		}()
	}
}

func (r *Room) handleInviteUser(c *Client, frame *ClientFrame) {
	if !r.requireHost(c) {
		return
	}

	r.broadcast(&AnnouncementFrame{
		Type:      TypeInvitationSent,
		Message:   fmt.Sprintf("%s ha invitado a %s a la sala", r.hostName, frame.TargetName),
		Username:  frame.TargetName,
		Timestamp: nowMillis(),
	}, nil)
}

func (r *Room) handleRemoveParticipant(c *Client, frame *ClientFrame) {
	if !r.requireHost(c) {
		return
	}

	if frame.TargetId == c.userId {
		c.queueFrame(newErrorFrame(errUnknownParticipant))
		return
	}

	target, ok := r.participants[frame.TargetId]
	if !ok {
		c.queueFrame(newErrorFrame(errUnknownParticipant))
		return
	}

	delete(r.participants, target.userId)
	target.client.clearRoom()
	target.client.closeWith(websocket.CloseNormalClosure, "Has sido eliminado de la sala")

	r.broadcast(newSystemMessageFrame(fmt.Sprintf("%s fue eliminado de la sala", target.username)), nil)
	r.broadcastParticipants()
	r.updateSummary()

	if len(r.participants) == 0 {
		r.emptySince.Store(time.Now().UnixNano())
		r.killTimer.Reset(emptyRoomGrace)
	}
}

func (r *Room) handlePromoteToCohost(c *Client, frame *ClientFrame) {
	if !r.requireHost(c) {
		return
	}

	target, ok := r.participants[frame.TargetId]
	if !ok {
		c.queueFrame(newErrorFrame(errUnknownParticipant))
		return
	}

	// cohost status is informational; authority stays with the host
	r.broadcast(newSystemMessageFrame(fmt.Sprintf("%s ahora es co-anfitrión", target.username)), nil)
}

func (r *Room) handleTransferHost(c *Client, frame *ClientFrame) {
	if !r.requireHost(c) {
		return
	}

	target, ok := r.participants[frame.TargetId]
	if !ok {
		c.queueFrame(newErrorFrame(errUnknownParticipant))
		return
	}

	if prev, ok := r.participants[r.hostId]; ok {
		prev.isHost = false
	}
	target.isHost = true
	r.hostId = target.userId
	r.hostName = target.username

	r.broadcast(newSystemMessageFrame(fmt.Sprintf("%s es ahora el anfitrión", target.username)), nil)
	r.broadcastParticipants()
	r.updateSummary()
}

func (r *Room) requireHost(c *Client) bool {
	p, ok := r.participants[c.userId]
	if !ok || p.client != c || !p.isHost {
		c.queueFrame(newErrorFrame(errNotHost))
		return false
	}

	return true
}

func (r *Room) handleRoomTimeout() {
	if r.emptySince.Load() == 0 {
		return
	}

	r.log.Printf("room %q timed out", r.code)
	select {
	case r.ps.unloadRoomChan <- r.code:
	default:
		r.killTimer.Reset(emptyRoomGrace)
	}
}

func (r *Room) handleRoomExit(e exitReq) {
	r.log.Printf("room %q is exiting", r.code)
	r.killTimer.Stop()

	for _, p := range r.participants {
		p.client.clearRoom()
		if e.reason != "" {
			p.client.closeWith(websocket.CloseNormalClosure, e.reason)
		}
	}
	r.participants = make(map[int]*Participant)

	if e.done != nil {
		close(e.done)
	}
}

func (r *Room) participantList() []ParticipantInfo {
	list := lo.Map(lo.Values(r.participants), func(p *Participant, _ int) ParticipantInfo {
		return ParticipantInfo{
			UserId:   p.userId,
			Username: p.username,
			IsHost:   p.isHost,
			JoinedAt: p.joinedAt.UnixMilli(),
		}
	})

	sort.Slice(list, func(i, j int) bool {
		if list[i].JoinedAt == list[j].JoinedAt {
			return list[i].UserId < list[j].UserId
		}
		return list[i].JoinedAt < list[j].JoinedAt
	})

	return list
}

func (r *Room) broadcastParticipants() {
	r.broadcast(&ParticipantsFrame{
		Type:         TypeParticipantsUpdate,
		Participants: r.participantList(),
		Count:        len(r.participants),
		Timestamp:    nowMillis(),
	}, nil)
}

// broadcast fans a frame out to every participant session, skipping
// the excluded client when set. A full send queue only costs the slow
// peer its frame.
func (r *Room) broadcast(frame any, skip *Client) {
	for _, p := range r.participants {
		if p.client == skip {
			continue
		}

		p.client.queueFrame(frame)
	}
}

func (r *Room) updateSummary() {
	r.summary.Store(RoomSummary{
		RoomCode:         r.code,
		RoomName:         r.name,
		HostUsername:     r.hostName,
		ParticipantCount: len(r.participants),
		MaxParticipants:  r.maxParticipants,
		VideoId:          r.videoId,
		CreatedAt:        r.createdAt.UnixMilli(),
		IsPrivate:        r.isPrivate,
	})
}

// Summary returns the last published snapshot of the room.
func (r *Room) Summary() RoomSummary {
	s, _ := r.summary.Load().(RoomSummary)
	return s
}
