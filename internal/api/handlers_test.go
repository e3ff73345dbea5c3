package api

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/acuervo/go-watchparty/internal/chat"
	"github.com/acuervo/go-watchparty/internal/config"
	"github.com/acuervo/go-watchparty/internal/database"
	"github.com/acuervo/go-watchparty/internal/party"
	"github.com/acuervo/go-watchparty/internal/stats"
	"github.com/acuervo/go-watchparty/internal/testutil"
)

func newLooseStore() *database.MockStore {
	db := &database.MockStore{}
	db.On("WatchPartyByCode", mock.Anything).Return(database.WatchParty{}, sql.ErrNoRows).Maybe()
	db.On("TouchPartyParticipant", mock.Anything, mock.Anything).Return(nil).Maybe()
	db.On("CreatePartyMessage", mock.Anything).Return(nil).Maybe()
	db.On("UpdatePlaybackState", mock.Anything, mock.Anything, mock.Anything).Return(nil).Maybe()
	db.On("UpdateUserPresence", mock.Anything, mock.Anything).Return(nil).Maybe()
	db.On("CreateDirectMessage", mock.Anything, mock.Anything, mock.Anything).
		Return(database.DirectMessage{Id: 1, CreatedAt: time.Now()}, nil).Maybe()
	db.On("UnreadDirectMessages", mock.Anything, mock.Anything).Return([]database.DirectMessage{}, nil).Maybe()
	db.On("PendingFriendRequests", mock.Anything, mock.Anything).Return([]database.FriendRequest{}, nil).Maybe()
	return db
}

func newTestApp(t *testing.T, db database.Store, signingKey []byte) *httptest.Server {
	logger := testutil.TestLogger(t)
	mux := http.NewServeMux()

	su := &stats.MockStatsUpdater{}
	su.On("RegisterMetric", mock.Anything).Maybe()
	su.On("Incr", mock.Anything).Maybe()
	su.On("Decr", mock.Anything).Maybe()

	ps, err := party.NewPartyServer(logger, db, su)
	require.NoError(t, err)
	cs, err := chat.NewChatServer(logger, db, su)
	require.NoError(t, err)

	cfg := &config.Config{
		ServerAddr:  "localhost:0",
		DatabaseDSN: "unused",
		SigningKey:  signingKey,
	}
	s := NewServer(mux, logger, ps, cs, db, cfg)

	go ps.Run()
	go cs.Run()

	ts := httptest.NewServer(s.mux.Handler)
	t.Cleanup(func() {
		ts.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = ps.Shutdown(ctx)
		_ = cs.Shutdown(ctx)
	})

	return ts
}

func wsURL(ts *httptest.Server, pathAndQuery string) string {
	return "ws" + strings.TrimPrefix(ts.URL, "http") + pathAndQuery
}

func dial(t *testing.T, ts *httptest.Server, pathAndQuery string) *websocket.Conn {
	conn, _, err := websocket.DefaultDialer.Dial(wsURL(ts, pathAndQuery), nil)
	require.NoError(t, err, "expected the dial to succeed")
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) map[string]any {
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, raw, err := conn.ReadMessage()
	require.NoError(t, err, "expected a frame before the deadline")

	var frame map[string]any
	require.NoError(t, json.Unmarshal(raw, &frame))
	return frame
}

// waitForType reads frames until one with the wanted type arrives.
func waitForType(t *testing.T, conn *websocket.Conn, frameType string) map[string]any {
	for i := 0; i < 20; i++ {
		frame := readFrame(t, conn)
		if frame["type"] == frameType {
			return frame
		}
	}

	t.Fatalf("no %q frame arrived", frameType)
	return nil
}

func sendFrame(t *testing.T, conn *websocket.Conn, frame map[string]any) {
	require.NoError(t, conn.WriteJSON(frame))
}

func Test_health(t *testing.T) {
	ts := newTestApp(t, newLooseStore(), nil)

	resp, err := http.Get(ts.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var health HealthResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&health))
	assert.Equal(t, "ok", health.Status)
	assert.Zero(t, health.Rooms)
	assert.Zero(t, health.Connections)
	assert.Zero(t, health.Online)
}

func Test_publicRooms(t *testing.T) {
	ts := newTestApp(t, newLooseStore(), nil)

	resp, err := http.Get(ts.URL + "/public-rooms")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var rooms PublicRoomsResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&rooms))
	assert.True(t, rooms.Success)
	assert.NotNil(t, rooms.Rooms, "expected rooms to serialize as an array")
	assert.Empty(t, rooms.Rooms)
}

func Test_watchParty_paramValidation(t *testing.T) {
	ts := newTestApp(t, newLooseStore(), nil)

	tcases := []struct {
		name  string
		query string
	}{
		{name: "missing user", query: "/watch-party?room=abc"},
		{name: "non-numeric user", query: "/watch-party?room=abc&user=bogus"},
		{name: "missing room", query: "/watch-party?user=1&username=Alice"},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			conn := dial(t, ts, tc.query)

			conn.SetReadDeadline(time.Now().Add(3 * time.Second))
			_, _, err := conn.ReadMessage()
			assert.True(t, websocket.IsCloseError(err, websocket.ClosePolicyViolation),
				"expected a 1008 close, got %v", err)
		})
	}
}

func Test_chat_paramValidation(t *testing.T) {
	ts := newTestApp(t, newLooseStore(), nil)

	conn := dial(t, ts, "/chat?username=Alice")
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, _, err := conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.ClosePolicyViolation),
		"expected a 1008 close, got %v", err)
}

func Test_watchParty_roomLifecycle(t *testing.T) {
	ts := newTestApp(t, newLooseStore(), nil)

	// Alice creates the room; the lower-case code is normalized
	alice := dial(t, ts, "/watch-party?room=abc&user=1&username=Alice")
	connected := waitForType(t, alice, "connected")
	assert.NotEmpty(t, connected["session_id"], "expected a session id")

	sendFrame(t, alice, map[string]any{
		"type":             "join",
		"create":           true,
		"video_id":         "vX",
		"max_participants": 10,
		"is_private":       false,
	})

	joined := waitForType(t, alice, "room_joined")
	assert.Equal(t, "ABC", joined["room_code"], "expected the room code to be upper-cased")
	assert.Equal(t, true, joined["is_host"], "expected Alice to be host")

	history := waitForType(t, alice, "chat_history")
	assert.Empty(t, history["messages"], "expected empty history")
	waitForType(t, alice, "playback_sync")

	update := waitForType(t, alice, "participants_update")
	assert.Equal(t, float64(1), update["count"], "expected Alice alone at first")

	// Bob joins with the upper-case spelling of the same code
	bob := dial(t, ts, "/watch-party?room=ABC&user=2&username=Bob")
	waitForType(t, bob, "connected")
	sendFrame(t, bob, map[string]any{"type": "join"})

	bobJoined := waitForType(t, bob, "room_joined")
	assert.Equal(t, false, bobJoined["is_host"], "expected Bob not to be host")
	waitForType(t, bob, "chat_history")

	joinedEvent := waitForType(t, alice, "user_joined")
	assert.Equal(t, float64(2), joinedEvent["user_id"], "expected Bob's arrival announced to Alice")

	update = waitForType(t, alice, "participants_update")
	assert.Equal(t, float64(2), update["count"], "expected both users listed")

	// chat fan-out reaches sender and peers with the authoritative id
	sendFrame(t, bob, map[string]any{"type": "chat_message", "message": " hello "})

	for name, conn := range map[string]*websocket.Conn{"alice": alice, "bob": bob} {
		msg := waitForType(t, conn, "chat_message")
		assert.Equal(t, float64(1), msg["id"], "expected message id 1 for %s", name)
		assert.Equal(t, float64(2), msg["user_id"], "expected Bob as author for %s", name)
		assert.Equal(t, "Bob", msg["username"])
		assert.Equal(t, "hello", msg["message"], "expected the trimmed body for %s", name)
	}

	// playback excludes the sender and drives later syncs
	sendFrame(t, alice, map[string]any{
		"type":         "playback_update",
		"current_time": 42,
		"is_playing":   true,
		"event_type":   "play",
	})

	playback := waitForType(t, bob, "playback_update")
	assert.Equal(t, float64(42), playback["current_time"])
	assert.Equal(t, true, playback["is_playing"])
	assert.Equal(t, "play", playback["event_type"])

	sendFrame(t, bob, map[string]any{"type": "sync_request"})
	sync := waitForType(t, bob, "playback_sync")
	assert.Equal(t, float64(42), sync["current_time"])
	assert.Equal(t, true, sync["is_playing"])

	// the room shows up on discovery
	resp, err := http.Get(ts.URL + "/public-rooms")
	require.NoError(t, err)
	defer resp.Body.Close()
	var rooms PublicRoomsResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&rooms))
	require.Len(t, rooms.Rooms, 1)
	assert.Equal(t, "ABC", rooms.Rooms[0].RoomCode)
	assert.Equal(t, 2, rooms.Rooms[0].ParticipantCount)
	assert.Equal(t, "Alice", rooms.Rooms[0].HostUsername)

	// host succession when Alice vanishes without notice
	alice.Close()

	left := waitForType(t, bob, "user_left")
	assert.Equal(t, float64(1), left["user_id"], "expected Alice to be announced as gone")

	system := waitForType(t, bob, "system_message")
	assert.Contains(t, system["message"], "Bob", "expected Bob to be announced as the new host")
}

func Test_watchParty_privateAndFullRooms(t *testing.T) {
	ts := newTestApp(t, newLooseStore(), nil)

	// private room refusal
	carol := dial(t, ts, "/watch-party?room=priv&user=3&username=Carol")
	waitForType(t, carol, "connected")
	sendFrame(t, carol, map[string]any{"type": "join", "create": true, "is_private": true})
	waitForType(t, carol, "room_joined")

	dave := dial(t, ts, "/watch-party?room=priv&user=4&username=Dave")
	waitForType(t, dave, "connected")
	sendFrame(t, dave, map[string]any{"type": "join"})

	errFrame := waitForType(t, dave, "error")
	assert.Contains(t, errFrame["message"], "privada", "expected the privacy refusal")

	// retrying with the create flag must not slip past privacy either
	sendFrame(t, dave, map[string]any{"type": "join", "create": true})
	errFrame = waitForType(t, dave, "error")
	assert.Contains(t, errFrame["message"], "privada", "expected the create flag to be ignored")

	// capacity refusal
	erin := dial(t, ts, "/watch-party?room=full&user=5&username=Erin")
	waitForType(t, erin, "connected")
	sendFrame(t, erin, map[string]any{"type": "join", "create": true, "max_participants": 1})
	waitForType(t, erin, "room_joined")

	frank := dial(t, ts, "/watch-party?room=full&user=6&username=Frank")
	waitForType(t, frank, "connected")
	sendFrame(t, frank, map[string]any{"type": "join"})

	errFrame = waitForType(t, frank, "error")
	assert.Equal(t, "La sala está llena", errFrame["message"])
}

func Test_chat_replayOnConnect(t *testing.T) {
	db := &database.MockStore{}
	db.On("UpdateUserPresence", mock.Anything, mock.Anything).Return(nil).Maybe()
	newer := time.Date(2025, 3, 2, 9, 0, 0, 0, time.UTC)
	older := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	db.On("UnreadDirectMessages", 7, mock.Anything).Return([]database.DirectMessage{
		{Id: 12, SenderId: 2, SenderName: "bob", Body: "segundo", CreatedAt: newer},
		{Id: 11, SenderId: 2, SenderName: "bob", Body: "primero", CreatedAt: older},
	}, nil).Maybe()
	db.On("PendingFriendRequests", 7, mock.Anything).Return([]database.FriendRequest{}, nil).Maybe()

	ts := newTestApp(t, db, nil)

	conn := dial(t, ts, "/chat?user=7&username=Xavi")
	waitForType(t, conn, "connected")

	first := waitForType(t, conn, "private_message")
	assert.Equal(t, float64(12), first["id"], "expected the newest message first")
	assert.Equal(t, float64(newer.UnixMilli()), first["timestamp"], "expected the original timestamp")

	second := waitForType(t, conn, "private_message")
	assert.Equal(t, float64(11), second["id"])
}

func Test_chat_privateMessageDelivery(t *testing.T) {
	ts := newTestApp(t, newLooseStore(), nil)

	alice := dial(t, ts, "/chat?user=1&username=Alice")
	waitForType(t, alice, "connected")
	bob := dial(t, ts, "/chat?user=2&username=Bob")
	waitForType(t, bob, "connected")

	sendFrame(t, alice, map[string]any{"type": "private_message", "to": 2, "message": "hola"})

	msg := waitForType(t, bob, "private_message")
	assert.Equal(t, float64(1), msg["sender_id"])
	assert.Equal(t, "Alice", msg["sender_name"])
	assert.Equal(t, "hola", msg["message"])
}

func Test_tokenVerification(t *testing.T) {
	key := []byte("test-signing-key")

	makeToken := func(t *testing.T, userId int) string {
		token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
			userIdClaim: userId,
			"exp":       time.Now().Add(time.Hour).Unix(),
		})
		signed, err := token.SignedString(key)
		require.NoError(t, err)
		return signed
	}

	ts := newTestApp(t, newLooseStore(), key)

	t.Run("missing token is rejected", func(t *testing.T) {
		conn := dial(t, ts, "/chat?user=1&username=Alice")
		conn.SetReadDeadline(time.Now().Add(3 * time.Second))
		_, _, err := conn.ReadMessage()
		assert.True(t, websocket.IsCloseError(err, websocket.ClosePolicyViolation),
			"expected a 1008 close, got %v", err)
	})

	t.Run("token for another user is rejected", func(t *testing.T) {
		conn := dial(t, ts, "/chat?user=1&username=Alice&token="+makeToken(t, 99))
		conn.SetReadDeadline(time.Now().Add(3 * time.Second))
		_, _, err := conn.ReadMessage()
		assert.True(t, websocket.IsCloseError(err, websocket.ClosePolicyViolation),
			"expected a 1008 close, got %v", err)
	})

	t.Run("matching token is accepted", func(t *testing.T) {
		conn := dial(t, ts, "/chat?user=1&username=Alice&token="+makeToken(t, 1))
		connected := waitForType(t, conn, "connected")
		assert.NotEmpty(t, connected["session_id"])
	})
}

func Test_pingPong(t *testing.T) {
	ts := newTestApp(t, newLooseStore(), nil)

	conn := dial(t, ts, "/chat?user=1&username=Alice")
	waitForType(t, conn, "connected")

	sendFrame(t, conn, map[string]any{"type": "ping"})
	pong := waitForType(t, conn, "pong")
	assert.NotZero(t, pong["timestamp"])
}
