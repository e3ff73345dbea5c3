package api

import (
	"encoding/json"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/acuervo/go-watchparty/internal/chat"
	"github.com/acuervo/go-watchparty/internal/party"
)

const defaultUsername = "Usuario"

type HealthResponse struct {
	Status      string `json:"status"`
	Rooms       int    `json:"rooms"`
	Connections int    `json:"connections"`
	Online      int    `json:"online"`
}

type PublicRoomsResponse struct {
	Success bool                `json:"success"`
	Rooms   []party.RoomSummary `json:"rooms"`
}

func (s *Server) writeJson(w http.ResponseWriter, statusCode int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if v == nil {
		return
	}

	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Printf("json encode: %v", err)
	}
}

func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	s.writeJson(w, http.StatusOK, HealthResponse{
		Status:      "ok",
		Rooms:       s.party.RoomCount(),
		Connections: s.party.ConnectionCount(),
		Online:      s.chat.OnlineCount(),
	})
}

func (s *Server) publicRooms(w http.ResponseWriter, _ *http.Request) {
	s.writeJson(w, http.StatusOK, PublicRoomsResponse{
		Success: true,
		Rooms:   s.party.PublicRooms(),
	})
}

func (s *Server) upgrader() websocket.Upgrader {
	return websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			if len(s.allowedOrigins) == 0 {
				return true
			}

			origin := r.Header.Get("Origin")
			if origin == "" {
				return true
			}

			return slices.Contains(s.allowedOrigins, origin)
		},
	}
}

// sessionParams pulls the common identity parameters off the query
// string. The username falls back to a placeholder; room handling is
// endpoint-specific.
func sessionParams(r *http.Request) (userId int, username string, err error) {
	q := r.URL.Query()

	userStr := strings.TrimSpace(q.Get("user"))
	if userStr == "" {
		return 0, "", errMissingUser
	}

	userId, convErr := strconv.Atoi(userStr)
	if convErr != nil {
		return 0, "", errMissingUser
	}

	username = strings.TrimSpace(q.Get("username"))
	if username == "" {
		username = defaultUsername
	}

	return userId, username, nil
}

var (
	errMissingUser = &paramError{"Falta el parámetro user"}
	errMissingRoom = &paramError{"Falta el parámetro room"}
	errBadToken    = &paramError{"Token inválido"}
)

type paramError struct {
	reason string
}

func (e *paramError) Error() string {
	return e.reason
}

// closePolicyViolation rejects a freshly upgraded session with a 1008
// close frame and a human-readable reason.
func (s *Server) closePolicyViolation(conn *websocket.Conn, reason string) {
	deadline := time.Now().Add(10 * time.Second)
	msg := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, reason)
	if err := conn.WriteControl(websocket.CloseMessage, msg, deadline); err != nil {
		s.log.Printf("write close frame: %v", err)
	}
	conn.Close()
}

// checkToken enforces token verification when a signing key is
// configured: the token must verify and its subject must match the
// user query parameter.
func (s *Server) checkToken(r *http.Request, userId int) error {
	if s.signingKey == nil {
		return nil
	}

	tokenUser, err := s.userIdFromToken(r.URL.Query().Get("token"))
	if err != nil || tokenUser != userId {
		return errBadToken
	}

	return nil
}

func (s *Server) serveWatchParty(w http.ResponseWriter, r *http.Request) {
	up := s.upgrader()
	conn, err := up.Upgrade(w, r, nil)
	if err != nil {
		s.log.Println("error upgrading connection:", err)
		return
	}

	userId, username, err := sessionParams(r)
	if err != nil {
		s.closePolicyViolation(conn, err.Error())
		return
	}

	roomCode := strings.ToUpper(strings.TrimSpace(r.URL.Query().Get("room")))
	if roomCode == "" {
		s.closePolicyViolation(conn, errMissingRoom.Error())
		return
	}

	if err := s.checkToken(r, userId); err != nil {
		s.closePolicyViolation(conn, err.Error())
		return
	}

	client := party.NewClient(s.party, conn, userId, username, roomCode, s.log)
	s.party.RegisterClient(client)
	client.SendConnected()

	go client.Write()
	go client.Read()
}

func (s *Server) serveChat(w http.ResponseWriter, r *http.Request) {
	up := s.upgrader()
	conn, err := up.Upgrade(w, r, nil)
	if err != nil {
		s.log.Println("error upgrading connection:", err)
		return
	}

	userId, username, err := sessionParams(r)
	if err != nil {
		s.closePolicyViolation(conn, err.Error())
		return
	}

	if err := s.checkToken(r, userId); err != nil {
		s.closePolicyViolation(conn, err.Error())
		return
	}

	client := chat.NewClient(s.chat, conn, userId, username, s.log)
	s.chat.Attach(client)
	client.SendConnected()
	s.chat.Replay(client)

	go client.Write()
	go client.Read()
}
