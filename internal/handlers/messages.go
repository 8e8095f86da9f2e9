package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"messaging-service/internal/models"
	"messaging-service/internal/repositories"
	"messaging-service/internal/telemetry"
	"messaging-service/internal/ws"
)

// MessageHandler manages message endpoints. Like ConversationHandler it
// degrades to persistence-only when no gateway is attached.
type MessageHandler struct {
	convs   repositories.ConversationRepository
	msgs    repositories.MessageRepository
	users   repositories.UserRepository
	gateway *ws.Gateway
	audit   *telemetry.AuditEmitter
}

// NewMessageHandler builds a MessageHandler.
func NewMessageHandler(convs repositories.ConversationRepository, msgs repositories.MessageRepository, users repositories.UserRepository, gateway *ws.Gateway, audit *telemetry.AuditEmitter) *MessageHandler {
	return &MessageHandler{
		convs:   convs,
		msgs:    msgs,
		users:   users,
		gateway: gateway,
		audit:   audit,
	}
}

// PostMessage persists a message and fans it out to connected clients.
// Either conversationId or receiverId must be present; the latter
// resolves (or creates) the 1:1 conversation with that user.
func (h *MessageHandler) PostMessage(c *gin.Context) {
	userID := c.GetInt("userID")

	var req struct {
		ConversationID int     `json:"conversationId"`
		ReceiverID     int     `json:"receiverId"`
		Text           string  `json:"text"`
		FileURL        *string `json:"fileUrl"`
		ReplyTo        *int    `json:"replyTo"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		emitAudit(c, h.audit, "ERROR", "invalid request payload")
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.Text == "" && req.FileURL == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "message text or file required"})
		return
	}

	ctx := c.Request.Context()
	var (
		conv    models.Conversation
		created bool
		err     error
	)
	switch {
	case req.ConversationID != 0:
		conv, err = h.convs.GetConversation(ctx, req.ConversationID)
		if err != nil {
			status := http.StatusInternalServerError
			if errors.Is(err, repositories.ErrConversationNotFound) {
				status = http.StatusNotFound
			}
			c.JSON(status, gin.H{"error": "conversation not found"})
			return
		}
	case req.ReceiverID != 0:
		if req.ReceiverID == userID {
			c.JSON(http.StatusBadRequest, gin.H{"error": "cannot message yourself"})
			return
		}
		conv, created, err = h.convs.GetOrCreateDirect(ctx, userID, req.ReceiverID)
		if err != nil {
			emitAudit(c, h.audit, "ERROR", "internal error")
			c.JSON(http.StatusInternalServerError, gin.H{"error": "could not resolve conversation"})
			return
		}
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "conversationId or receiverId required"})
		return
	}

	participantIDs, err := h.convs.ParticipantIDs(ctx, conv.ID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to verify membership"})
		return
	}
	if !containsID(participantIDs, userID) {
		emitAudit(c, h.audit, "ERROR", "not allowed")
		c.JSON(http.StatusForbidden, gin.H{"error": "not a conversation member"})
		return
	}

	var receiverID *int
	if !conv.IsGroup {
		for _, id := range participantIDs {
			if id != userID {
				peer := id
				receiverID = &peer
				break
			}
		}
	}

	msg, err := h.msgs.CreateMessage(ctx, repositories.CreateMessageParams{
		ConversationID: conv.ID,
		SenderID:       userID,
		ReceiverID:     receiverID,
		Body:           req.Text,
		FileURL:        req.FileURL,
		ReplyTo:        req.ReplyTo,
	})
	if err != nil {
		emitAudit(c, h.audit, "ERROR", "internal error")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to store message"})
		return
	}

	// Keep the conversation list ordered by latest activity.
	h.convs.Touch(ctx, conv.ID)

	msgView := models.MessageView{Message: msg}
	if sender, err := h.users.GetUser(ctx, userID); err == nil {
		msgView.Sender = &sender
	}

	if h.gateway != nil {
		if created {
			if view, err := h.convs.GetConversationView(ctx, conv.ID); err == nil {
				h.gateway.NotifyConversationCreated(ctx, view, participantIDs)
			}
		}
		h.gateway.NotifyNewMessage(ctx, msgView, participantIDs)
	}

	emitAudit(c, h.audit, "INFO", "Message sent")
	c.JSON(http.StatusCreated, msgView)
}

// ListMessages returns the conversation history oldest first and marks
// everything addressed to the caller as read.
func (h *MessageHandler) ListMessages(c *gin.Context) {
	conversationID, err := strconv.Atoi(c.Param("conversation_id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid conversation id"})
		return
	}

	ctx := c.Request.Context()
	userID := c.GetInt("userID")

	if _, err := h.convs.GetConversation(ctx, conversationID); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, repositories.ErrConversationNotFound) {
			status = http.StatusNotFound
		}
		c.JSON(status, gin.H{"error": "conversation not found"})
		return
	}

	participantIDs, err := h.convs.ParticipantIDs(ctx, conversationID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to verify membership"})
		return
	}
	if !containsID(participantIDs, userID) {
		emitAudit(c, h.audit, "ERROR", "not allowed")
		c.JSON(http.StatusForbidden, gin.H{"error": "not a conversation member"})
		return
	}

	msgs, err := h.msgs.ListByConversation(ctx, conversationID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load messages"})
		return
	}

	senderIDs := make([]int, 0, len(msgs))
	seen := map[int]struct{}{}
	for _, m := range msgs {
		if _, ok := seen[m.SenderID]; !ok {
			seen[m.SenderID] = struct{}{}
			senderIDs = append(senderIDs, m.SenderID)
		}
	}

	senderByID := map[int]models.User{}
	if len(senderIDs) > 0 {
		senders, err := h.users.BulkUsers(ctx, senderIDs)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load senders"})
			return
		}
		for _, sender := range senders {
			senderByID[sender.ID] = sender
		}
	}

	views := make([]models.MessageView, 0, len(msgs))
	for _, m := range msgs {
		view := models.MessageView{Message: m}
		if sender, ok := senderByID[m.SenderID]; ok {
			senderCopy := sender
			view.Sender = &senderCopy
		}
		views = append(views, view)
	}

	if err := h.msgs.MarkConversationRead(ctx, conversationID, userID); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to mark messages read"})
		return
	}
	if h.gateway != nil {
		h.gateway.PushUnread(ctx, userID)
	}

	c.JSON(http.StatusOK, gin.H{"messages": views})
}

// MarkRead flips the caller's unread messages in a conversation.
func (h *MessageHandler) MarkRead(c *gin.Context) {
	userID := c.GetInt("userID")

	var req struct {
		ConversationID int `json:"conversationId" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := h.msgs.MarkConversationRead(c.Request.Context(), req.ConversationID, userID); err != nil {
		emitAudit(c, h.audit, "ERROR", "internal error")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to mark messages read"})
		return
	}
	if h.gateway != nil {
		h.gateway.PushUnread(c.Request.Context(), userID)
	}

	c.JSON(http.StatusOK, gin.H{"success": true})
}
