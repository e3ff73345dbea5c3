package party

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/teris-io/shortid"

	"github.com/acuervo/go-watchparty/internal/database"
	"github.com/acuervo/go-watchparty/internal/stats"
)

const (
	reapInterval    = 60 * time.Second
	roomChanSize    = 256
	joinChanSize    = 256
	shutdownMessage = "El servidor se está cerrando"
)

type stopReq struct {
	done chan struct{}
}

// PartyServer owns the room registry and the session table for the
// watch-party endpoint. Room mutations never run here; the run loop
// only routes joins, unloads and reaper ticks.
type PartyServer struct {
	log   *log.Logger
	db    database.Store
	stats stats.StatsProvider

	rooms     map[string]*Room
	roomsLock sync.RWMutex

	clients     map[string]*Client
	clientsLock sync.Mutex

	joinChan       chan *joinReq
	unloadRoomChan chan string
	stop           chan stopReq
}

func NewPartyServer(logger *log.Logger, db database.Store, su stats.StatsProvider) (*PartyServer, error) {
	ps := &PartyServer{
		log:            logger,
		db:             db,
		stats:          su,
		rooms:          make(map[string]*Room),
		clients:        make(map[string]*Client),
		joinChan:       make(chan *joinReq, joinChanSize),
		unloadRoomChan: make(chan string, roomChanSize),
		stop:           make(chan stopReq),
	}

	su.RegisterMetric(stats.NumConnections)
	su.RegisterMetric(stats.NumActiveRooms)
	su.RegisterMetric(stats.NumRoomMessages)

	return ps, nil
}

func (ps *PartyServer) Run() {
	reaper := time.NewTicker(reapInterval)
	defer reaper.Stop()

	for {
		select {
		case jr := <-ps.joinChan:
			ps.handleJoin(jr)
		case code := <-ps.unloadRoomChan:
			ps.unloadRoom(code, "")
		case <-reaper.C:
			ps.reap()
		case req := <-ps.stop:
			ps.shutdown()
			close(req.done)
			return
		}
	}
}

func (ps *PartyServer) handleJoin(jr *joinReq) {
	code := jr.client.roomCode

	if room, ok := ps.getRoom(code); ok {
		select {
		case room.joinChan <- jr:
		default:
			ps.log.Printf("join channel full on room %q", code)
			jr.client.queueFrame(newErrorFrame(errServiceUnavailable))
		}
		return
	}

	if !jr.frame.Create {
		jr.client.queueFrame(newErrorFrame(errRoomNotFound))
		return
	}

	room := ps.createRoom(code, jr)
	ps.addRoom(room)
	room.joinChan <- jr

	go room.start()
}

// createRoom constructs a room with the connecting session as host.
// The host identity always comes from the session, never from frame
// fields, so a forged host id cannot take over a new room.
func (ps *PartyServer) createRoom(code string, jr *joinReq) *Room {
	name := jr.frame.RoomName
	if name == "" {
		name = fmt.Sprintf("Sala de %s", jr.client.username)
	}

	max := jr.frame.MaxParticipants
	if max < 1 {
		max = defaultMaxParticipants
	}

	id, err := shortid.Generate()
	if err != nil {
		ps.log.Printf("generate room id: %v", err)
		id = code
	}

	room := &Room{
		id:              id,
		code:            code,
		name:            name,
		hostId:          jr.client.userId,
		hostName:        jr.client.username,
		videoId:         jr.frame.VideoId,
		maxParticipants: max,
		isPrivate:       jr.frame.IsPrivate,
		createdAt:       time.Now(),
		participants:    make(map[int]*Participant),
		ps:              ps,
		log:             ps.log,
		joinChan:        make(chan *joinReq, roomChanSize),
		leaveChan:       make(chan *command, roomChanSize),
		cmdChan:         make(chan *command, roomChanSize),
		exit:            make(chan exitReq),
	}
	room.updateSummary()

	return room
}

func (ps *PartyServer) addRoom(r *Room) {
	ps.roomsLock.Lock()
	defer ps.roomsLock.Unlock()

	ps.rooms[r.code] = r
	ps.stats.Incr(stats.NumActiveRooms)
}

func (ps *PartyServer) getRoom(code string) (*Room, bool) {
	ps.roomsLock.RLock()
	defer ps.roomsLock.RUnlock()

	room, ok := ps.rooms[code]
	return room, ok
}

func (ps *PartyServer) unloadRoom(code, reason string) {
	ps.roomsLock.Lock()
	room, ok := ps.rooms[code]
	if ok {
		delete(ps.rooms, code)
	}
	ps.roomsLock.Unlock()

	if !ok {
		return
	}

	ps.log.Printf("removing room %q", code)
	done := make(chan struct{})
	room.exit <- exitReq{reason: reason, done: done}
	<-done

	ps.stats.Decr(stats.NumActiveRooms)
}

// reap drops sessions whose transport is gone and evicts rooms that
// have sat empty past the idle threshold. The 10 minute sweep is the
// backstop behind each room's own 5 minute grace timer.
func (ps *PartyServer) reap() {
	ps.clientsLock.Lock()
	for id, c := range ps.clients {
		if c.closed.Load() {
			delete(ps.clients, id)
			ps.stats.Decr(stats.NumConnections)
		}
	}
	ps.clientsLock.Unlock()

	ps.roomsLock.RLock()
	var idle []string
	for code, room := range ps.rooms {
		if es := room.emptySince.Load(); es != 0 && time.Since(time.Unix(0, es)) > idleRoomTimeout {
			idle = append(idle, code)
		}
	}
	ps.roomsLock.RUnlock()

	for _, code := range idle {
		ps.unloadRoom(code, "")
	}
}

func (ps *PartyServer) shutdown() {
	ps.log.Println("shutting down rooms")

	ps.roomsLock.Lock()
	rooms := ps.rooms
	ps.rooms = make(map[string]*Room)
	ps.roomsLock.Unlock()

	for code, room := range rooms {
		ps.log.Printf("shutting down room %q", code)
		done := make(chan struct{})
		room.exit <- exitReq{reason: shutdownMessage, done: done}
		<-done
	}

	ps.clientsLock.Lock()
	defer ps.clientsLock.Unlock()
	for _, c := range ps.clients {
		c.closeWith(websocket.CloseNormalClosure, shutdownMessage)
		c.stopClient()
	}
}

func (ps *PartyServer) Shutdown(ctx context.Context) error {
	req := stopReq{done: make(chan struct{})}

	select {
	case ps.stop <- req:
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

func (ps *PartyServer) RegisterClient(c *Client) {
	ps.clientsLock.Lock()
	defer ps.clientsLock.Unlock()

	ps.clients[c.sessionId] = c
	ps.stats.Incr(stats.NumConnections)
}

func (ps *PartyServer) removeClient(c *Client) {
	ps.clientsLock.Lock()
	defer ps.clientsLock.Unlock()

	if _, ok := ps.clients[c.sessionId]; ok {
		delete(ps.clients, c.sessionId)
		ps.stats.Decr(stats.NumConnections)
	}
}

func (ps *PartyServer) ConnectionCount() int {
	ps.clientsLock.Lock()
	defer ps.clientsLock.Unlock()

	return len(ps.clients)
}

func (ps *PartyServer) RoomCount() int {
	ps.roomsLock.RLock()
	defer ps.roomsLock.RUnlock()

	return len(ps.rooms)
}

// PublicRooms lists non-private rooms with at least one participant,
// for the discovery endpoint.
func (ps *PartyServer) PublicRooms() []RoomSummary {
	ps.roomsLock.RLock()
	defer ps.roomsLock.RUnlock()

	summaries := make([]RoomSummary, 0, len(ps.rooms))
	for _, room := range ps.rooms {
		s := room.Summary()
		if s.IsPrivate || s.ParticipantCount < 1 {
			continue
		}
		summaries = append(summaries, s)
	}

	return summaries
}
