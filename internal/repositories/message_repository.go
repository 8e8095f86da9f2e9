package repositories

import (
	"context"
	"errors"

	"github.com/jmoiron/sqlx"

	"messaging-service/internal/models"
)

var ErrMessageNotFound = errors.New("message not found")

// CreateMessageParams carries the writable fields of a new message.
type CreateMessageParams struct {
	ConversationID int
	SenderID       int
	ReceiverID     *int
	Body           string
	FileURL        *string
	ReplyTo        *int
}

// MessageRepository defines interactions with the append-only message store.
type MessageRepository interface {
	CreateMessage(ctx context.Context, params CreateMessageParams) (models.Message, error)
	ListByConversation(ctx context.Context, conversationID int) ([]models.Message, error)
	MarkConversationRead(ctx context.Context, conversationID, userID int) error
	UnreadSnapshot(ctx context.Context, userID int) (models.UnreadSnapshot, error)
}

// MessageRepo is a sqlx-backed repository.
type MessageRepo struct {
	db *sqlx.DB
}

// NewMessageRepo constructs a MessageRepo.
func NewMessageRepo(db *sqlx.DB) *MessageRepo {
	return &MessageRepo{db: db}
}

// CreateMessage appends a message to its conversation, unread by default.
func (r *MessageRepo) CreateMessage(ctx context.Context, params CreateMessageParams) (models.Message, error) {
	var msg models.Message
	err := r.db.QueryRowxContext(ctx,
		`INSERT INTO messages (conversation_id, sender_id, receiver_id, body, file_url, reply_to)
         VALUES ($1, $2, $3, $4, $5, $6)
         RETURNING id, conversation_id, sender_id, receiver_id, body, file_url, reply_to, is_read, created_at`,
		params.ConversationID, params.SenderID, params.ReceiverID, params.Body, params.FileURL, params.ReplyTo).
		StructScan(&msg)
	return msg, err
}

// ListByConversation returns the conversation's messages oldest first.
func (r *MessageRepo) ListByConversation(ctx context.Context, conversationID int) ([]models.Message, error) {
	var msgs []models.Message
	err := r.db.SelectContext(ctx, &msgs,
		`SELECT id, conversation_id, sender_id, receiver_id, body, file_url, reply_to, is_read, created_at
         FROM messages WHERE conversation_id=$1 ORDER BY created_at ASC`, conversationID)
	return msgs, err
}

// MarkConversationRead flips every unread message addressed to the user
// in the conversation. The column update is atomic per row; no
// application-level coordination is needed.
func (r *MessageRepo) MarkConversationRead(ctx context.Context, conversationID, userID int) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE messages SET is_read = TRUE WHERE conversation_id=$1 AND receiver_id=$2 AND is_read = FALSE`,
		conversationID, userID)
	return err
}

// UnreadSnapshot recomputes the user's unread state with a full scan of
// unaddressed messages. The partial index on (receiver_id) WHERE is_read
// = FALSE keeps the scan bounded to actually-unread rows.
func (r *MessageRepo) UnreadSnapshot(ctx context.Context, userID int) (models.UnreadSnapshot, error) {
	rows, err := r.db.QueryxContext(ctx,
		`SELECT conversation_id, COUNT(*) AS unread
         FROM messages WHERE receiver_id=$1 AND is_read = FALSE
         GROUP BY conversation_id`, userID)
	if err != nil {
		return models.UnreadSnapshot{}, err
	}
	defer rows.Close()

	snapshot := models.UnreadSnapshot{ByConversation: map[int]int{}}
	for rows.Next() {
		var conversationID, unread int
		if err := rows.Scan(&conversationID, &unread); err != nil {
			return models.UnreadSnapshot{}, err
		}
		snapshot.ByConversation[conversationID] = unread
		snapshot.TotalUnread += unread
	}
	return snapshot, rows.Err()
}
