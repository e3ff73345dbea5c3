package database

import (
	"time"
)

func (db *PgStore) UpdateUserPresence(userId int, online bool) error {
	_, err := db.conn.Exec(
		"UPDATE users SET is_online = $2, last_seen = $3 WHERE id = $1",
		userId,
		online,
		time.Now().UTC(),
	)

	return err
}

func (db *PgStore) CreateDirectMessage(senderId, receiverId int, body string) (DirectMessage, error) {
	res := db.conn.QueryRow(
		"INSERT INTO chat_messages (sender_id, receiver_id, message, is_read, timestamp) "+
			"VALUES ($1, $2, $3, false, $4) RETURNING id, sender_id, receiver_id, message, timestamp",
		senderId,
		receiverId,
		body,
		time.Now().UTC(),
	)

	var msg DirectMessage
	err := res.Scan(
		&msg.Id,
		&msg.SenderId,
		&msg.ReceiverId,
		&msg.Body,
		&msg.CreatedAt,
	)

	return msg, err
}

func (db *PgStore) UnreadDirectMessages(receiverId, limit int) ([]DirectMessage, error) {
	if limit <= 0 {
		limit = 10
	}

	rows, err := db.conn.Query(
		"SELECT cm.id, cm.sender_id, cm.receiver_id, u.username, cm.message, cm.timestamp "+
			"FROM chat_messages cm JOIN users u ON cm.sender_id = u.id "+
			"WHERE cm.receiver_id = $1 AND cm.is_read = false ORDER BY cm.timestamp DESC LIMIT $2",
		receiverId,
		limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var messages = make([]DirectMessage, 0, limit)
	for rows.Next() {
		var msg DirectMessage
		if err = rows.Scan(&msg.Id, &msg.SenderId, &msg.ReceiverId, &msg.SenderName, &msg.Body, &msg.CreatedAt); err != nil {
			break
		}

		messages = append(messages, msg)
	}

	return messages, err
}

func (db *PgStore) PendingFriendRequests(userId, limit int) ([]FriendRequest, error) {
	if limit <= 0 {
		limit = 10
	}

	rows, err := db.conn.Query(
		"SELECT f.id, f.user_id, f.friend_id, u.username, f.status, f.created_at "+
			"FROM friends f JOIN users u ON f.user_id = u.id "+
			"WHERE f.friend_id = $1 AND f.status = 'pending' ORDER BY f.created_at DESC LIMIT $2",
		userId,
		limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var requests = make([]FriendRequest, 0, limit)
	for rows.Next() {
		var req FriendRequest
		if err = rows.Scan(&req.Id, &req.UserId, &req.FriendId, &req.SenderName, &req.Status, &req.CreatedAt); err != nil {
			break
		}

		requests = append(requests, req)
	}

	return requests, err
}

func (db *PgStore) WatchPartyByCode(roomCode string) (WatchParty, error) {
	row := db.conn.QueryRow(
		"SELECT id, room_code, name, host_id, video_id, video_current_time, is_playing, created_at, updated_at "+
			"FROM watch_parties WHERE room_code = $1 LIMIT 1",
		roomCode,
	)

	var wp WatchParty
	err := row.Scan(
		&wp.Id,
		&wp.RoomCode,
		&wp.Name,
		&wp.HostId,
		&wp.VideoId,
		&wp.VideoCurrentTime,
		&wp.IsPlaying,
		&wp.CreatedAt,
		&wp.UpdatedAt,
	)

	return wp, err
}

func (db *PgStore) UpdatePlaybackState(roomCode string, position float64, playing bool) error {
	_, err := db.conn.Exec(
		"UPDATE watch_parties SET video_current_time = $2, is_playing = $3, updated_at = $4 WHERE room_code = $1",
		roomCode,
		position,
		playing,
		time.Now().UTC(),
	)

	return err
}

func (db *PgStore) CreatePartyMessage(msg PartyMessage) error {
	_, err := db.conn.Exec(
		"INSERT INTO watch_party_messages (room_code, user_id, username, message, created_at) "+
			"VALUES ($1, $2, $3, $4, $5)",
		msg.RoomCode,
		msg.UserId,
		msg.Username,
		msg.Body,
		msg.CreatedAt,
	)

	return err
}

func (db *PgStore) TouchPartyParticipant(roomCode string, userId int) error {
	_, err := db.conn.Exec(
		"UPDATE watch_party_participants SET last_seen = $3 WHERE room_code = $1 AND user_id = $2",
		roomCode,
		userId,
		time.Now().UTC(),
	)

	return err
}
