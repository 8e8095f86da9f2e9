package ws

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"messaging-service/internal/models"
	"messaging-service/internal/observability"
	"messaging-service/internal/rabbitmq"
	"messaging-service/internal/repositories"
)

// Gateway owns the realtime event surface: it dispatches inbound events
// to handlers, performs room joins and fan-out, and keeps presence and
// unread state in sync with the stores. Every handler is wrapped so that
// no failure escapes to the transport loop; store errors are logged and,
// where the client supplied an ack id, reported through the ack.
type Gateway struct {
	hub       *Hub
	users     repositories.UserRepository
	convs     repositories.ConversationRepository
	msgs      repositories.MessageRepository
	publisher rabbitmq.Publisher
	log       *zap.Logger
}

// NewGateway constructs a Gateway.
func NewGateway(hub *Hub, users repositories.UserRepository, convs repositories.ConversationRepository,
	msgs repositories.MessageRepository, publisher rabbitmq.Publisher, log *zap.Logger) *Gateway {
	return &Gateway{
		hub:       hub,
		users:     users,
		convs:     convs,
		msgs:      msgs,
		publisher: publisher,
		log:       log,
	}
}

// Dispatch routes one inbound event. Called sequentially per connection
// from the read pump; nothing serializes dispatches across connections.
func (g *Gateway) Dispatch(ctx context.Context, c *Client, event models.ClientEvent) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Error("event handler panic", zap.String("event", event.Event), zap.Any("panic", r))
		}
	}()

	observability.IncWSEvent(event.Event)

	switch event.Event {
	case models.EventRegister:
		g.handleRegister(ctx, c, event)
	case models.EventJoinConversation:
		g.handleJoinConversation(ctx, c, event)
	case models.EventSendMessage:
		g.handleSendMessage(ctx, c, event)
	case models.EventGetMessages:
		g.handleGetMessages(ctx, c, event)
	case models.EventMarkAsRead:
		g.handleMarkAsRead(ctx, c, event)
	case models.EventCreateGroup:
		g.handleCreateGroup(ctx, c, event)
	case models.EventTyping:
		g.handleTyping(ctx, c, event)
	default:
		c.log.Warn("unknown event", zap.String("event", event.Event))
	}
}

// handleRegister binds the connection to a user, marks them online and
// pushes the initial conversation list and unread snapshot. Store errors
// are logged only; the connection stays open either way.
func (g *Gateway) handleRegister(ctx context.Context, c *Client, event models.ClientEvent) {
	var payload models.RegisterPayload
	if err := json.Unmarshal(event.Data, &payload); err != nil || payload.UserID == 0 {
		c.log.Warn("register without userId")
		return
	}

	g.hub.BindUser(c, payload.UserID)
	c.log.Info("user registered", zap.Int("user_id", payload.UserID))

	if err := g.users.SetOnline(ctx, payload.UserID); err != nil {
		c.log.Error("mark online failed", zap.Int("user_id", payload.UserID), zap.Error(err))
	}

	g.pushConversationList(ctx, payload.UserID)
	g.pushUnread(ctx, payload.UserID)

	// Online presence is announced to every connection, while offline is
	// scoped to conversation peers on disconnect. The asymmetry matches
	// the observed behavior of the wire protocol's reference clients.
	g.hub.BroadcastAll(models.ServerEvent{
		Event: models.EventUserOnline,
		Data:  models.PresencePayload{UserID: payload.UserID},
	})
	g.publishPresence(ctx, "presence.online", "user_online", payload.UserID)
}

func (g *Gateway) handleJoinConversation(_ context.Context, c *Client, event models.ClientEvent) {
	var payload models.JoinConversationPayload
	if err := json.Unmarshal(event.Data, &payload); err != nil || payload.ConversationID == 0 {
		c.log.Warn("joinConversation without conversationId")
		return
	}
	g.hub.JoinConversation(c, payload.ConversationID)
}

// handleSendMessage resolves or lazily creates the conversation,
// persists the message and fans it out: newMessage to the conversation
// room, a fresh unread snapshot to the receiver, refreshed conversation
// lists to every participant. The result is reported exactly once via
// the ack.
func (g *Gateway) handleSendMessage(ctx context.Context, c *Client, event models.ClientEvent) {
	var payload models.SendMessagePayload
	if err := json.Unmarshal(event.Data, &payload); err != nil {
		g.ackError(c, event.ID, "invalid payload")
		return
	}
	if payload.SenderID == 0 {
		g.ackError(c, event.ID, "senderId is required")
		return
	}
	if payload.ConversationID == 0 && payload.ReceiverID == 0 {
		g.ackError(c, event.ID, "conversationId or receiverId is required")
		return
	}

	var (
		conv    models.Conversation
		created bool
		err     error
	)
	if payload.ConversationID != 0 {
		conv, err = g.convs.GetConversation(ctx, payload.ConversationID)
	} else {
		conv, created, err = g.convs.GetOrCreateDirect(ctx, payload.SenderID, payload.ReceiverID)
	}
	if err != nil {
		c.log.Error("resolve conversation failed", zap.Error(err))
		g.ackError(c, event.ID, err.Error())
		return
	}

	view, err := g.convs.GetConversationView(ctx, conv.ID)
	if err != nil {
		c.log.Error("load conversation view failed", zap.Int("conversation_id", conv.ID), zap.Error(err))
		g.ackError(c, event.ID, err.Error())
		return
	}

	if created {
		for _, userID := range []int{payload.SenderID, payload.ReceiverID} {
			g.hub.EmitToUser(userID, models.ServerEvent{Event: models.EventNewConversation, Data: view})
		}
	}

	var receiverID *int
	if payload.ReceiverID != 0 {
		receiverID = &payload.ReceiverID
	}
	msg, err := g.msgs.CreateMessage(ctx, repositories.CreateMessageParams{
		ConversationID: conv.ID,
		SenderID:       payload.SenderID,
		ReceiverID:     receiverID,
		Body:           payload.Text,
		FileURL:        payload.FileURL,
		ReplyTo:        payload.ReplyTo,
	})
	if err != nil {
		c.log.Error("store message failed", zap.Int("conversation_id", conv.ID), zap.Error(err))
		g.ackError(c, event.ID, err.Error())
		return
	}

	if err := g.convs.Touch(ctx, conv.ID); err != nil {
		c.log.Error("touch conversation failed", zap.Int("conversation_id", conv.ID), zap.Error(err))
	}

	msgView := g.messageView(ctx, msg)
	participantIDs, err := g.convs.ParticipantIDs(ctx, conv.ID)
	if err != nil {
		c.log.Error("load participants failed", zap.Int("conversation_id", conv.ID), zap.Error(err))
	}
	g.NotifyNewMessage(ctx, msgView, participantIDs)

	g.ack(c, event.ID, models.Ack{Success: true, Message: &msgView, Conversation: &view})
}

// handleGetMessages returns the conversation's messages oldest first and,
// when the connection is identified, marks everything addressed to that
// identity as read and pushes the refreshed unread snapshot.
func (g *Gateway) handleGetMessages(ctx context.Context, c *Client, event models.ClientEvent) {
	var payload models.GetMessagesPayload
	if err := json.Unmarshal(event.Data, &payload); err != nil || payload.ConversationID == 0 {
		g.ackError(c, event.ID, "conversationId is required")
		return
	}

	msgs, err := g.msgs.ListByConversation(ctx, payload.ConversationID)
	if err != nil {
		c.log.Error("load messages failed", zap.Int("conversation_id", payload.ConversationID), zap.Error(err))
		g.ackError(c, event.ID, err.Error())
		return
	}

	views, err := g.messageViews(ctx, msgs)
	if err != nil {
		c.log.Error("load senders failed", zap.Int("conversation_id", payload.ConversationID), zap.Error(err))
		g.ackError(c, event.ID, err.Error())
		return
	}

	if c.userID != 0 {
		if err := g.msgs.MarkConversationRead(ctx, payload.ConversationID, c.userID); err != nil {
			c.log.Error("mark read failed", zap.Int("conversation_id", payload.ConversationID), zap.Error(err))
			g.ackError(c, event.ID, err.Error())
			return
		}
		g.pushUnread(ctx, c.userID)
	}

	g.ack(c, event.ID, models.Ack{Success: true, Messages: views})
}

// handleMarkAsRead is fire-and-forget: a malformed payload or store
// error is logged and otherwise dropped.
func (g *Gateway) handleMarkAsRead(ctx context.Context, c *Client, event models.ClientEvent) {
	var payload models.MarkAsReadPayload
	if err := json.Unmarshal(event.Data, &payload); err != nil || payload.ConversationID == 0 || payload.UserID == 0 {
		c.log.Warn("markAsRead without conversationId or userId")
		return
	}

	if err := g.msgs.MarkConversationRead(ctx, payload.ConversationID, payload.UserID); err != nil {
		c.log.Error("mark read failed", zap.Int("conversation_id", payload.ConversationID), zap.Error(err))
		return
	}
	g.pushUnread(ctx, payload.UserID)
}

// handleCreateGroup creates a group conversation and pushes groupCreated
// plus a refreshed conversation list to every participant.
func (g *Gateway) handleCreateGroup(ctx context.Context, c *Client, event models.ClientEvent) {
	var payload models.CreateGroupPayload
	if err := json.Unmarshal(event.Data, &payload); err != nil ||
		payload.Name == "" || payload.CreatedBy == 0 || len(payload.Participants) == 0 {
		g.ackError(c, event.ID, "name, participants and createdBy are required")
		return
	}

	conv, err := g.convs.CreateGroup(ctx, payload.Name, payload.CreatedBy, payload.Participants)
	if err != nil {
		c.log.Error("create group failed", zap.Error(err))
		g.ackError(c, event.ID, err.Error())
		return
	}

	view, err := g.convs.GetConversationView(ctx, conv.ID)
	if err != nil {
		c.log.Error("load group view failed", zap.Int("conversation_id", conv.ID), zap.Error(err))
		g.ackError(c, event.ID, err.Error())
		return
	}

	g.NotifyGroupCreated(ctx, view)

	g.ack(c, event.ID, models.Ack{Success: true, Conversation: &view})
}

// handleTyping relays the indicator to everyone else in the room. The
// sender's own connection is excluded.
func (g *Gateway) handleTyping(_ context.Context, c *Client, event models.ClientEvent) {
	var payload models.TypingPayload
	if err := json.Unmarshal(event.Data, &payload); err != nil || payload.ConversationID == 0 {
		return
	}
	g.hub.EmitToConversationExcept(payload.ConversationID, c, models.ServerEvent{
		Event: models.EventTyping,
		Data:  map[string]int{"senderId": payload.SenderID},
	})
}

// HandleDisconnect runs after the connection has left all rooms. An
// identified user is marked offline and every conversation peer is told;
// an anonymous connection just goes away.
func (g *Gateway) HandleDisconnect(ctx context.Context, c *Client) {
	if c.userID == 0 {
		c.log.Info("connection closed before register")
		return
	}

	if err := g.users.SetOffline(ctx, c.userID, time.Now()); err != nil {
		c.log.Error("mark offline failed", zap.Int("user_id", c.userID), zap.Error(err))
	}

	peers, err := g.convs.PeerIDs(ctx, c.userID)
	if err != nil {
		c.log.Error("load peers failed", zap.Int("user_id", c.userID), zap.Error(err))
	}
	for _, peer := range peers {
		g.hub.EmitToUser(peer, models.ServerEvent{
			Event: models.EventUserOffline,
			Data:  models.PresencePayload{UserID: c.userID},
		})
	}

	g.publishPresence(ctx, "presence.offline", "user_offline", c.userID)
	c.log.Info("user disconnected", zap.Int("user_id", c.userID),
		zap.Duration("connected_for", time.Since(c.connectedAt)))
}

// NotifyNewMessage fans a persisted message out: newMessage to the
// conversation room, a fresh unread snapshot to the receiver and
// refreshed conversation lists to every participant. The REST adapter
// calls this so wire-API sends look identical to realtime sends.
func (g *Gateway) NotifyNewMessage(ctx context.Context, msgView models.MessageView, participantIDs []int) {
	g.hub.EmitToConversation(msgView.ConversationID, models.ServerEvent{Event: models.EventNewMessage, Data: msgView})

	if msgView.ReceiverID != nil {
		g.pushUnread(ctx, *msgView.ReceiverID)
	}
	for _, userID := range participantIDs {
		g.pushConversationList(ctx, userID)
	}
}

// NotifyConversationCreated pushes newConversation plus a refreshed
// conversation list to each participant's personal room.
func (g *Gateway) NotifyConversationCreated(ctx context.Context, view models.ConversationView, participantIDs []int) {
	for _, userID := range participantIDs {
		g.hub.EmitToUser(userID, models.ServerEvent{Event: models.EventNewConversation, Data: view})
		g.pushConversationList(ctx, userID)
	}
}

// NotifyGroupCreated pushes groupCreated plus a refreshed conversation
// list to each participant's personal room.
func (g *Gateway) NotifyGroupCreated(ctx context.Context, view models.ConversationView) {
	for _, member := range view.Participants {
		g.pushConversationList(ctx, member.ID)
		g.hub.EmitToUser(member.ID, models.ServerEvent{Event: models.EventGroupCreated, Data: view})
	}
}

// PushUnread recomputes and delivers the user's unread snapshot.
func (g *Gateway) PushUnread(ctx context.Context, userID int) {
	g.pushUnread(ctx, userID)
}

// pushConversationList sends the user's populated conversation list to
// their personal room. Called after every mutation that can reorder or
// extend the list.
func (g *Gateway) pushConversationList(ctx context.Context, userID int) {
	views, err := g.convs.ListViewsForUser(ctx, userID)
	if err != nil {
		g.log.Error("load conversation list failed", zap.Int("user_id", userID), zap.Error(err))
		return
	}
	g.hub.EmitToUser(userID, models.ServerEvent{Event: models.EventConversationList, Data: views})
}

// pushUnread recomputes the user's unread snapshot from the message
// store and sends it to their personal room.
func (g *Gateway) pushUnread(ctx context.Context, userID int) {
	snapshot, err := g.msgs.UnreadSnapshot(ctx, userID)
	if err != nil {
		g.log.Error("unread snapshot failed", zap.Int("user_id", userID), zap.Error(err))
		return
	}
	g.hub.EmitToUser(userID, models.ServerEvent{Event: models.EventUnreadCount, Data: snapshot})
}

func (g *Gateway) messageView(ctx context.Context, msg models.Message) models.MessageView {
	view := models.MessageView{Message: msg}
	sender, err := g.users.GetUser(ctx, msg.SenderID)
	if err != nil {
		g.log.Error("load sender failed", zap.Int("user_id", msg.SenderID), zap.Error(err))
		return view
	}
	view.Sender = &sender
	return view
}

func (g *Gateway) messageViews(ctx context.Context, msgs []models.Message) ([]models.MessageView, error) {
	senderIDs := make([]int, 0, len(msgs))
	seen := map[int]struct{}{}
	for _, m := range msgs {
		if _, ok := seen[m.SenderID]; !ok {
			seen[m.SenderID] = struct{}{}
			senderIDs = append(senderIDs, m.SenderID)
		}
	}

	users, err := g.users.BulkUsers(ctx, senderIDs)
	if err != nil {
		return nil, err
	}
	byID := make(map[int]models.User, len(users))
	for _, u := range users {
		byID[u.ID] = u
	}

	views := make([]models.MessageView, 0, len(msgs))
	for _, m := range msgs {
		view := models.MessageView{Message: m}
		if sender, ok := byID[m.SenderID]; ok {
			s := sender
			view.Sender = &s
		}
		views = append(views, view)
	}
	return views, nil
}

// ack reports a request's outcome exactly once. Requests without an id
// are fire-and-forget and receive nothing.
func (g *Gateway) ack(c *Client, id int64, ack models.Ack) {
	if id == 0 {
		return
	}
	c.enqueue(models.ServerEvent{Event: models.EventAck, ID: id, Data: ack})
}

func (g *Gateway) ackError(c *Client, id int64, message string) {
	g.ack(c, id, models.Ack{Success: false, Error: message})
}

func (g *Gateway) publishPresence(ctx context.Context, routingKey, eventName string, userID int) {
	if g.publisher == nil {
		return
	}
	envelope := observability.EventEnvelope{
		EventType: "presence",
		EventName: eventName,
		Payload:   models.PresencePayload{UserID: userID},
	}
	if err := g.publisher.Publish(ctx, routingKey, envelope); err != nil {
		g.log.Error("presence publish failed", zap.String("event", eventName), zap.Error(err))
	}
}
