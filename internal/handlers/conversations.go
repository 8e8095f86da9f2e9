package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"messaging-service/internal/repositories"
	"messaging-service/internal/telemetry"
	"messaging-service/internal/ws"
)

// ConversationHandler manages conversation endpoints. The gateway is
// optional; when nil the handlers persist without realtime fan-out.
type ConversationHandler struct {
	convs   repositories.ConversationRepository
	users   repositories.UserRepository
	gateway *ws.Gateway
	audit   *telemetry.AuditEmitter
}

// NewConversationHandler builds a ConversationHandler.
func NewConversationHandler(convs repositories.ConversationRepository, users repositories.UserRepository, gateway *ws.Gateway, audit *telemetry.AuditEmitter) *ConversationHandler {
	return &ConversationHandler{
		convs:   convs,
		users:   users,
		gateway: gateway,
		audit:   audit,
	}
}

// ListConversations returns the caller's populated conversation list,
// most recently active first.
func (h *ConversationHandler) ListConversations(c *gin.Context) {
	userID := c.GetInt("userID")

	views, err := h.convs.ListViewsForUser(c.Request.Context(), userID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load conversations"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"conversations": views})
}

// StartDirect creates or returns the unique 1:1 conversation between the
// caller and another user.
func (h *ConversationHandler) StartDirect(c *gin.Context) {
	var req struct {
		ParticipantID int `json:"participantId" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		emitAudit(c, h.audit, "ERROR", "invalid request payload")
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	userID := c.GetInt("userID")
	if userID == req.ParticipantID {
		c.JSON(http.StatusBadRequest, gin.H{"error": "cannot start conversation with yourself"})
		return
	}

	if _, err := h.users.GetUser(c.Request.Context(), req.ParticipantID); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, repositories.ErrUserNotFound) {
			status = http.StatusNotFound
		}
		c.JSON(status, gin.H{"error": "participant not found"})
		return
	}

	conv, created, err := h.convs.GetOrCreateDirect(c.Request.Context(), userID, req.ParticipantID)
	if err != nil {
		emitAudit(c, h.audit, "ERROR", "internal error")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not create conversation"})
		return
	}

	view, err := h.convs.GetConversationView(c.Request.Context(), conv.ID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load conversation"})
		return
	}

	if created && h.gateway != nil {
		h.gateway.NotifyConversationCreated(c.Request.Context(), view, []int{userID, req.ParticipantID})
	}

	status := http.StatusOK
	if created {
		emitAudit(c, h.audit, "INFO", "Conversation started")
		status = http.StatusCreated
	}
	c.JSON(status, view)
}

// CreateGroup creates a group conversation with the caller as creator.
func (h *ConversationHandler) CreateGroup(c *gin.Context) {
	userID := c.GetInt("userID")

	var req struct {
		Name           string `json:"name" binding:"required"`
		ParticipantIDs []int  `json:"participantIds"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		emitAudit(c, h.audit, "ERROR", "invalid request payload")
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if len(req.ParticipantIDs) > 0 {
		members, err := h.users.BulkUsers(c.Request.Context(), req.ParticipantIDs)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to validate members"})
			return
		}
		known := map[int]struct{}{}
		for _, member := range members {
			known[member.ID] = struct{}{}
		}
		for _, id := range req.ParticipantIDs {
			if _, ok := known[id]; !ok {
				c.JSON(http.StatusBadRequest, gin.H{"error": "unknown participant"})
				return
			}
		}
	}

	conv, err := h.convs.CreateGroup(c.Request.Context(), req.Name, userID, req.ParticipantIDs)
	if err != nil {
		emitAudit(c, h.audit, "ERROR", "internal error")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not create group"})
		return
	}

	view, err := h.convs.GetConversationView(c.Request.Context(), conv.ID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load group"})
		return
	}

	if h.gateway != nil {
		h.gateway.NotifyGroupCreated(c.Request.Context(), view)
	}

	emitAudit(c, h.audit, "INFO", "Group created")
	c.JSON(http.StatusCreated, view)
}
