package ws

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"messaging-service/internal/observability"
)

// Handler upgrades HTTP requests into gateway connections. No identity
// is required at upgrade time; the client binds one with a register
// event afterwards.
type Handler struct {
	hub     *Hub
	gateway *Gateway
	log     *zap.Logger
}

// NewHandler constructs a Handler.
func NewHandler(hub *Hub, gateway *Gateway, log *zap.Logger) *Handler {
	return &Handler{hub: hub, gateway: gateway, log: log}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Handle upgrades the connection and starts its pumps.
func (h *Handler) Handle(c *gin.Context) {
	ctx, span := otel.Tracer("messaging-service/ws").Start(c.Request.Context(), "ws.handshake")
	defer span.End()
	c.Request = c.Request.WithContext(ctx)

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	client := newClient(conn, h.hub, h.gateway, h.log)
	h.hub.Register(client)
	observability.IncWSActive()
	client.log.Info("connection opened",
		zap.String("ip", observability.IPFromRequest(c.Request)),
		zap.String("device_id", observability.DeviceIDFromRequest(c.Request)))

	go client.writePump()
	go client.readPump()
}
