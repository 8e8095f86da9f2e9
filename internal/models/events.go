package models

import "encoding/json"

// Realtime event names, inbound and outbound.
const (
	EventRegister         = "register"
	EventJoinConversation = "joinConversation"
	EventSendMessage      = "sendMessage"
	EventGetMessages      = "getMessages"
	EventMarkAsRead       = "markAsRead"
	EventCreateGroup      = "createGroup"
	EventTyping           = "typing"

	EventAck              = "ack"
	EventConversationList = "conversationList"
	EventUnreadCount      = "unreadCount"
	EventNewMessage       = "newMessage"
	EventNewConversation  = "newConversation"
	EventGroupCreated     = "groupCreated"
	EventUserOnline       = "userOnline"
	EventUserOffline      = "userOffline"
)

// ClientEvent is the inbound wire envelope. ID correlates an ack; zero
// means the client sent fire-and-forget.
type ClientEvent struct {
	Event string          `json:"event"`
	ID    int64           `json:"id,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// ServerEvent is the outbound wire envelope.
type ServerEvent struct {
	Event string `json:"event"`
	ID    int64  `json:"id,omitempty"`
	Data  any    `json:"data,omitempty"`
}

// Ack is resolved exactly once per inbound request that carried an id.
type Ack struct {
	Success      bool              `json:"success"`
	Error        string            `json:"error,omitempty"`
	Message      *MessageView      `json:"message,omitempty"`
	Messages     []MessageView     `json:"messages,omitempty"`
	Conversation *ConversationView `json:"conversation,omitempty"`
}

type RegisterPayload struct {
	UserID int `json:"userId"`
}

type JoinConversationPayload struct {
	ConversationID int `json:"conversationId"`
}

type SendMessagePayload struct {
	ConversationID int     `json:"conversationId,omitempty"`
	SenderID       int     `json:"senderId"`
	ReceiverID     int     `json:"receiverId,omitempty"`
	Text           string  `json:"text,omitempty"`
	FileURL        *string `json:"fileUrl,omitempty"`
	ReplyTo        *int    `json:"replyTo,omitempty"`
}

type GetMessagesPayload struct {
	ConversationID int `json:"conversationId"`
}

type MarkAsReadPayload struct {
	ConversationID int `json:"conversationId"`
	UserID         int `json:"userId"`
}

type CreateGroupPayload struct {
	Name         string `json:"name"`
	Participants []int  `json:"participants"`
	CreatedBy    int    `json:"createdBy"`
}

type TypingPayload struct {
	ConversationID int `json:"conversationId"`
	SenderID       int `json:"senderId"`
}

// PresencePayload announces a user's online/offline transition.
type PresencePayload struct {
	UserID int `json:"userId"`
}
