package ws

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"messaging-service/internal/models"
)

func newTestClient() *Client {
	return &Client{
		id:    uuid.NewString(),
		log:   zap.NewNop(),
		send:  make(chan models.ServerEvent, 16),
		done:  make(chan struct{}),
		rooms: make(map[int]struct{}),
	}
}

func drain(c *Client) []models.ServerEvent {
	var events []models.ServerEvent
	for {
		select {
		case ev := <-c.send:
			events = append(events, ev)
		default:
			return events
		}
	}
}

func eventNames(events []models.ServerEvent) []string {
	names := make([]string, 0, len(events))
	for _, ev := range events {
		names = append(names, ev.Event)
	}
	return names
}

func TestJoinConversationIdempotent(t *testing.T) {
	hub := NewHub()
	c := newTestClient()
	hub.Register(c)

	hub.JoinConversation(c, 5)
	hub.JoinConversation(c, 5)
	hub.JoinConversation(c, 5)

	hub.EmitToConversation(5, models.ServerEvent{Event: models.EventNewMessage})

	events := drain(c)
	require.Len(t, events, 1)
}

func TestEmitToConversationFanOut(t *testing.T) {
	hub := NewHub()
	members := []*Client{newTestClient(), newTestClient(), newTestClient()}
	outsider := newTestClient()

	for _, c := range members {
		hub.Register(c)
		hub.JoinConversation(c, 9)
	}
	hub.Register(outsider)

	hub.EmitToConversation(9, models.ServerEvent{Event: models.EventNewMessage})

	for _, c := range members {
		require.Len(t, drain(c), 1)
	}
	assert.Empty(t, drain(outsider))
}

func TestEmitToConversationExceptSkipsOne(t *testing.T) {
	hub := NewHub()
	sender := newTestClient()
	other := newTestClient()
	for _, c := range []*Client{sender, other} {
		hub.Register(c)
		hub.JoinConversation(c, 3)
	}

	hub.EmitToConversationExcept(3, sender, models.ServerEvent{Event: models.EventTyping})

	assert.Empty(t, drain(sender))
	require.Len(t, drain(other), 1)
}

func TestEmitToUserMultiDevice(t *testing.T) {
	hub := NewHub()
	phone := newTestClient()
	laptop := newTestClient()
	for _, c := range []*Client{phone, laptop} {
		hub.Register(c)
		hub.BindUser(c, 42)
	}

	hub.EmitToUser(42, models.ServerEvent{Event: models.EventUnreadCount})

	require.Len(t, drain(phone), 1)
	require.Len(t, drain(laptop), 1)
}

func TestEmitToEmptyRoomIsNoOp(t *testing.T) {
	hub := NewHub()
	hub.EmitToUser(99, models.ServerEvent{Event: models.EventUnreadCount})
	hub.EmitToConversation(99, models.ServerEvent{Event: models.EventNewMessage})
}

func TestUnregisterLeavesEveryRoom(t *testing.T) {
	hub := NewHub()
	c := newTestClient()
	hub.Register(c)
	hub.BindUser(c, 7)
	hub.JoinConversation(c, 1)
	hub.JoinConversation(c, 2)

	hub.Unregister(c)

	hub.EmitToUser(7, models.ServerEvent{Event: models.EventUnreadCount})
	hub.EmitToConversation(1, models.ServerEvent{Event: models.EventNewMessage})
	hub.EmitToConversation(2, models.ServerEvent{Event: models.EventNewMessage})
	assert.Empty(t, drain(c))

	hub.mu.RLock()
	defer hub.mu.RUnlock()
	assert.Empty(t, hub.personalRooms)
	assert.Empty(t, hub.convRooms)
}

func TestBroadcastAllReachesAnonymousConnections(t *testing.T) {
	hub := NewHub()
	identified := newTestClient()
	anonymous := newTestClient()
	hub.Register(identified)
	hub.Register(anonymous)
	hub.BindUser(identified, 1)

	hub.BroadcastAll(models.ServerEvent{Event: models.EventUserOnline})

	require.Len(t, drain(identified), 1)
	require.Len(t, drain(anonymous), 1)
}

func TestEnqueueDropsWhenBufferFull(t *testing.T) {
	c := newTestClient()
	c.send = make(chan models.ServerEvent, 1)

	require.True(t, c.enqueue(models.ServerEvent{Event: models.EventNewMessage}))
	assert.False(t, c.enqueue(models.ServerEvent{Event: models.EventNewMessage}))

	events := drain(c)
	require.Len(t, events, 1)
	assert.Equal(t, []string{models.EventNewMessage}, eventNames(events))
}
