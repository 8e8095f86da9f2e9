package models

import "time"

// Message belongs to exactly one conversation. ReceiverID is the 1:1
// convenience field driving unread accounting; it is unset for group
// messages. Messages are never deleted, only flipped to read.
type Message struct {
	ID             int       `db:"id" json:"id"`
	ConversationID int       `db:"conversation_id" json:"conversationId"`
	SenderID       int       `db:"sender_id" json:"senderId"`
	ReceiverID     *int      `db:"receiver_id" json:"receiverId,omitempty"`
	Body           string    `db:"body" json:"text"`
	FileURL        *string   `db:"file_url" json:"fileUrl,omitempty"`
	ReplyTo        *int      `db:"reply_to" json:"replyTo,omitempty"`
	IsRead         bool      `db:"is_read" json:"isRead"`
	CreatedAt      time.Time `db:"created_at" json:"createdAt"`
}

// MessageView is a message with its sender's display fields attached.
type MessageView struct {
	Message
	Sender *User `json:"sender,omitempty"`
}

// UnreadSnapshot is the derived unread state for one user: the total
// count of unread messages addressed to them plus a per-conversation
// breakdown. Always recomputed from the message store, never cached.
type UnreadSnapshot struct {
	TotalUnread    int         `json:"totalUnread"`
	ByConversation map[int]int `json:"byConversation"`
}
