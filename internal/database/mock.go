package database

import (
	"github.com/stretchr/testify/mock"
)

type MockStore struct {
	mock.Mock
}

func (m *MockStore) Ping() error {
	args := m.Called()
	return args.Error(0)
}
func (m *MockStore) UpdateUserPresence(userId int, online bool) error {
	args := m.Called(userId, online)
	return args.Error(0)
}
func (m *MockStore) CreateDirectMessage(senderId, receiverId int, body string) (DirectMessage, error) {
	args := m.Called(senderId, receiverId, body)
	return args.Get(0).(DirectMessage), args.Error(1)
}
func (m *MockStore) UnreadDirectMessages(receiverId, limit int) ([]DirectMessage, error) {
	args := m.Called(receiverId, limit)
	return args.Get(0).([]DirectMessage), args.Error(1)
}
func (m *MockStore) PendingFriendRequests(userId, limit int) ([]FriendRequest, error) {
	args := m.Called(userId, limit)
	return args.Get(0).([]FriendRequest), args.Error(1)
}
func (m *MockStore) WatchPartyByCode(roomCode string) (WatchParty, error) {
	args := m.Called(roomCode)
	return args.Get(0).(WatchParty), args.Error(1)
}
func (m *MockStore) UpdatePlaybackState(roomCode string, position float64, playing bool) error {
	args := m.Called(roomCode, position, playing)
	return args.Error(0)
}
func (m *MockStore) CreatePartyMessage(msg PartyMessage) error {
	args := m.Called(msg)
	return args.Error(0)
}
func (m *MockStore) TouchPartyParticipant(roomCode string, userId int) error {
	args := m.Called(roomCode, userId)
	return args.Error(0)
}
