package database

import "time"

type User struct {
	Id       int
	Username string
	IsOnline bool
	LastSeen time.Time
}

type DirectMessage struct {
	Id         int
	SenderId   int
	ReceiverId int
	SenderName string
	Body       string
	CreatedAt  time.Time
}

type FriendRequest struct {
	Id         int
	UserId     int
	FriendId   int
	SenderName string
	Status     string
	CreatedAt  time.Time
}

type WatchParty struct {
	Id               int
	RoomCode         string
	Name             string
	HostId           int
	VideoId          string
	VideoCurrentTime float64
	IsPlaying        bool
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

type PartyMessage struct {
	RoomCode  string
	UserId    int
	Username  string
	Body      string
	CreatedAt time.Time
}
