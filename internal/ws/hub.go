package ws

import (
	"sync"

	"messaging-service/internal/models"
)

// Hub tracks live connections and their room memberships. Personal rooms
// are keyed by user id, conversation rooms by conversation id. All
// membership maps are guarded by one RWMutex; emits snapshot the member
// set under the read lock and enqueue outside it, so no lock is held
// while touching a connection's send buffer.
type Hub struct {
	mu            sync.RWMutex
	clients       map[*Client]struct{}
	personalRooms map[int]map[*Client]struct{}
	convRooms     map[int]map[*Client]struct{}
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{
		clients:       make(map[*Client]struct{}),
		personalRooms: make(map[int]map[*Client]struct{}),
		convRooms:     make(map[int]map[*Client]struct{}),
	}
}

// Register adds an unauthenticated connection.
func (h *Hub) Register(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[c] = struct{}{}
}

// Unregister removes the connection from every room it joined. The
// personal room and any conversation rooms are garbage collected when
// they empty out.
func (h *Hub) Unregister(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	delete(h.clients, c)

	if c.userID != 0 {
		if room, ok := h.personalRooms[c.userID]; ok {
			delete(room, c)
			if len(room) == 0 {
				delete(h.personalRooms, c.userID)
			}
		}
	}

	for convID := range c.rooms {
		if room, ok := h.convRooms[convID]; ok {
			delete(room, c)
			if len(room) == 0 {
				delete(h.convRooms, convID)
			}
		}
	}
	c.rooms = make(map[int]struct{})
}

// BindUser records the connection's identity and joins its personal
// room. A user may hold several bindings at once (multi-device); each
// connection joins the same personal room independently.
func (h *Hub) BindUser(c *Client, userID int) {
	h.mu.Lock()
	defer h.mu.Unlock()

	c.userID = userID
	if _, ok := h.personalRooms[userID]; !ok {
		h.personalRooms[userID] = make(map[*Client]struct{})
	}
	h.personalRooms[userID][c] = struct{}{}
}

// JoinConversation adds the connection to a conversation room. Joining
// twice is a no-op, so repeated joins never double deliveries.
func (h *Hub) JoinConversation(c *Client, conversationID int) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.convRooms[conversationID]; !ok {
		h.convRooms[conversationID] = make(map[*Client]struct{})
	}
	h.convRooms[conversationID][c] = struct{}{}
	c.rooms[conversationID] = struct{}{}
}

// EmitToUser delivers the event to every connection in the user's
// personal room. No-op when the user has no live connections; offline
// users catch up from the conversation-list/unread push on their next
// register, not from queued events.
func (h *Hub) EmitToUser(userID int, event models.ServerEvent) {
	h.mu.RLock()
	members := snapshot(h.personalRooms[userID], nil)
	h.mu.RUnlock()

	for _, c := range members {
		c.enqueue(event)
	}
}

// EmitToConversation delivers the event to every connection joined to
// the conversation room.
func (h *Hub) EmitToConversation(conversationID int, event models.ServerEvent) {
	h.mu.RLock()
	members := snapshot(h.convRooms[conversationID], nil)
	h.mu.RUnlock()

	for _, c := range members {
		c.enqueue(event)
	}
}

// EmitToConversationExcept delivers to the conversation room while
// skipping one connection (broadcast-to-others, used for typing).
func (h *Hub) EmitToConversationExcept(conversationID int, skip *Client, event models.ServerEvent) {
	h.mu.RLock()
	members := snapshot(h.convRooms[conversationID], skip)
	h.mu.RUnlock()

	for _, c := range members {
		c.enqueue(event)
	}
}

// BroadcastAll delivers the event to every live connection, identified
// or not.
func (h *Hub) BroadcastAll(event models.ServerEvent) {
	h.mu.RLock()
	members := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		members = append(members, c)
	}
	h.mu.RUnlock()

	for _, c := range members {
		c.enqueue(event)
	}
}

func snapshot(room map[*Client]struct{}, skip *Client) []*Client {
	if len(room) == 0 {
		return nil
	}
	members := make([]*Client, 0, len(room))
	for c := range room {
		if c != skip {
			members = append(members, c)
		}
	}
	return members
}
