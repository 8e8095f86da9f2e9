package ws

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"messaging-service/internal/models"
	"messaging-service/internal/observability"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingInterval   = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
	sendBufSize    = 256
)

// Client is one live websocket connection. It starts unauthenticated;
// a register event binds it to a user. Inbound events are dispatched
// sequentially from the read pump, so handlers for the same connection
// never run concurrently. userID and rooms are written by the hub under
// its lock (rooms) or from the read pump (userID via BindUser) before
// any emit can observe them.
type Client struct {
	id          string
	conn        *websocket.Conn
	hub         *Hub
	gateway     *Gateway
	log         *zap.Logger
	send        chan models.ServerEvent
	done        chan struct{}
	closeOnce   sync.Once
	connectedAt time.Time

	userID int
	rooms  map[int]struct{}
}

func newClient(conn *websocket.Conn, hub *Hub, gateway *Gateway, log *zap.Logger) *Client {
	id := uuid.NewString()
	return &Client{
		id:          id,
		conn:        conn,
		hub:         hub,
		gateway:     gateway,
		log:         log.With(zap.String("conn_id", id)),
		send:        make(chan models.ServerEvent, sendBufSize),
		done:        make(chan struct{}),
		connectedAt: time.Now(),
		rooms:       make(map[int]struct{}),
	}
}

func (c *Client) readPump() {
	defer func() {
		c.hub.Unregister(c)
		c.gateway.HandleDisconnect(context.Background(), c)
		observability.DecWSActive()
		c.close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.log.Warn("websocket read error", zap.Error(err))
			}
			return
		}

		var event models.ClientEvent
		if err := json.Unmarshal(raw, &event); err != nil {
			c.log.Warn("malformed client event", zap.Error(err))
			continue
		}

		c.gateway.Dispatch(context.Background(), c, event)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case <-c.done:
			return
		case event := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(event); err != nil {
				c.log.Warn("websocket write error", zap.Error(err))
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// enqueue hands the event to the write pump. A full buffer drops the
// event rather than blocking the emitter; a client that cannot drain its
// buffer will fail the liveness check shortly after.
func (c *Client) enqueue(event models.ServerEvent) bool {
	select {
	case c.send <- event:
		observability.IncWSDelivery(event.Event)
		return true
	default:
		observability.IncWSDropped()
		c.log.Warn("send buffer full, dropping event", zap.String("event", event.Event))
		return false
	}
}

func (c *Client) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.conn.Close()
	})
}
