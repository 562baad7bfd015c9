package websocket

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(manager *Manager, userID string) *Client {
	return &Client{
		ID:        uuid.New(),
		UserID:    userID,
		send:      make(chan []byte, writeBufferSize),
		manager:   manager,
		closeChan: make(chan struct{}),
	}
}

func TestAddAndRemoveClient(t *testing.T) {
	m := NewManager()
	defer m.Shutdown()

	userID := uuid.New().String()
	client := newTestClient(m, userID)

	m.AddClient(client)
	assert.True(t, m.IsOnline(userID))

	m.RemoveClient(client.ID)
	assert.False(t, m.IsOnline(userID))
}

func TestRemoveUnknownClient(t *testing.T) {
	m := NewManager()
	defer m.Shutdown()

	// Удаление несуществующего клиента не должно паниковать
	m.RemoveClient(uuid.New())
}

func TestSendToUserDeliversToAllConnections(t *testing.T) {
	m := NewManager()
	defer m.Shutdown()

	userID := uuid.New().String()
	first := newTestClient(m, userID)
	second := newTestClient(m, userID)
	m.AddClient(first)
	m.AddClient(second)

	m.SendToUser(userID, Event{Type: EventExchangeAccepted, ExchangeID: uuid.New().String()})

	for _, client := range []*Client{first, second} {
		payload := <-client.send
		assert.Contains(t, string(payload), string(EventExchangeAccepted))
	}
}

func TestSendToUserOffline(t *testing.T) {
	m := NewManager()
	defer m.Shutdown()

	// Пользователь не в сети: событие молча отбрасывается
	m.SendToUser(uuid.New().String(), Event{Type: EventNewMessage})
	m.SendToUser("", Event{Type: EventNewMessage})
}

func TestSendToUsers(t *testing.T) {
	m := NewManager()
	defer m.Shutdown()

	firstUser := uuid.New().String()
	secondUser := uuid.New().String()
	first := newTestClient(m, firstUser)
	second := newTestClient(m, secondUser)
	m.AddClient(first)
	m.AddClient(second)

	m.SendToUsers([]string{firstUser, secondUser}, Event{Type: EventExchangeCompleted})

	for _, client := range []*Client{first, second} {
		payload := <-client.send
		require.Contains(t, string(payload), string(EventExchangeCompleted))
	}
}

func TestShutdownClearsClients(t *testing.T) {
	m := NewManager()

	userID := uuid.New().String()
	m.AddClient(newTestClient(m, userID))

	m.Shutdown()
	assert.False(t, m.IsOnline(userID))
}

func TestEventTimestampSetOnSend(t *testing.T) {
	m := NewManager()
	defer m.Shutdown()

	userID := uuid.New().String()
	client := newTestClient(m, userID)
	m.AddClient(client)

	m.SendToUser(userID, Event{Type: EventNewMessage})

	payload := <-client.send
	assert.Contains(t, string(payload), "timestamp")
}
