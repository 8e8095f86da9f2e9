package repositories

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"messaging-service/internal/models"
)

var ErrConversationNotFound = errors.New("conversation not found")

// ConversationRepository abstracts conversation persistence.
type ConversationRepository interface {
	GetOrCreateDirect(ctx context.Context, userID, peerID int) (models.Conversation, bool, error)
	CreateGroup(ctx context.Context, name string, createdBy int, participantIDs []int) (models.Conversation, error)
	GetConversation(ctx context.Context, conversationID int) (models.Conversation, error)
	GetConversationView(ctx context.Context, conversationID int) (models.ConversationView, error)
	ListViewsForUser(ctx context.Context, userID int) ([]models.ConversationView, error)
	ParticipantIDs(ctx context.Context, conversationID int) ([]int, error)
	PeerIDs(ctx context.Context, userID int) ([]int, error)
	Touch(ctx context.Context, conversationID int) error
}

// ConversationRepo is a sqlx implementation of ConversationRepository.
type ConversationRepo struct {
	db *sqlx.DB
}

// NewConversationRepo constructs a ConversationRepo.
func NewConversationRepo(db *sqlx.DB) *ConversationRepo {
	return &ConversationRepo{db: db}
}

// directPairKey is the stored identity of a 1:1 thread, unordered.
func directPairKey(a, b int) string {
	if a > b {
		a, b = b, a
	}
	return fmt.Sprintf("%d:%d", a, b)
}

// GetOrCreateDirect returns the unique non-group conversation for the
// pair, creating it when absent. Concurrent first-contact sends race past
// the lookup; the unique index on pair_key turns the loser's insert into
// a 23505, resolved by re-fetching the winner's row. The bool reports
// whether this call created the conversation.
func (r *ConversationRepo) GetOrCreateDirect(ctx context.Context, userID, peerID int) (models.Conversation, bool, error) {
	if userID == peerID {
		return models.Conversation{}, false, errors.New("cannot start conversation with self")
	}
	pairKey := directPairKey(userID, peerID)

	conv, err := r.findByPairKey(ctx, pairKey)
	if err == nil {
		return conv, false, nil
	}
	if !errors.Is(err, ErrConversationNotFound) {
		return models.Conversation{}, false, err
	}

	conv, err = r.createDirect(ctx, pairKey, userID, peerID)
	if err == nil {
		return conv, true, nil
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		conv, err = r.findByPairKey(ctx, pairKey)
		return conv, false, err
	}
	return models.Conversation{}, false, err
}

func (r *ConversationRepo) findByPairKey(ctx context.Context, pairKey string) (models.Conversation, error) {
	var conv models.Conversation
	err := r.db.GetContext(ctx, &conv,
		`SELECT id, is_group, name, created_by, pair_key, created_at, updated_at FROM conversations WHERE pair_key=$1`, pairKey)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Conversation{}, ErrConversationNotFound
	}
	return conv, err
}

func (r *ConversationRepo) createDirect(ctx context.Context, pairKey string, userID, peerID int) (models.Conversation, error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return models.Conversation{}, err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	var conv models.Conversation
	if err = tx.QueryRowxContext(ctx,
		`INSERT INTO conversations (is_group, pair_key) VALUES (FALSE, $1)
         RETURNING id, is_group, name, created_by, pair_key, created_at, updated_at`, pairKey).
		StructScan(&conv); err != nil {
		return models.Conversation{}, err
	}

	for _, id := range []int{userID, peerID} {
		if _, err = tx.ExecContext(ctx,
			`INSERT INTO conversation_participants (conversation_id, user_id) VALUES ($1, $2)`, conv.ID, id); err != nil {
			return models.Conversation{}, err
		}
	}

	if err = tx.Commit(); err != nil {
		return models.Conversation{}, err
	}
	return conv, nil
}

// CreateGroup creates a group conversation and its member rows
// atomically. The creator is always a participant.
func (r *ConversationRepo) CreateGroup(ctx context.Context, name string, createdBy int, participantIDs []int) (models.Conversation, error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return models.Conversation{}, err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	var conv models.Conversation
	if err = tx.QueryRowxContext(ctx,
		`INSERT INTO conversations (is_group, name, created_by) VALUES (TRUE, $1, $2)
         RETURNING id, is_group, name, created_by, pair_key, created_at, updated_at`, name, createdBy).
		StructScan(&conv); err != nil {
		return models.Conversation{}, err
	}

	memberSet := map[int]struct{}{createdBy: {}}
	for _, id := range participantIDs {
		memberSet[id] = struct{}{}
	}
	ids := make([]int, 0, len(memberSet))
	for id := range memberSet {
		ids = append(ids, id)
	}
	sort.Ints(ids)

	for _, id := range ids {
		if _, err = tx.ExecContext(ctx,
			`INSERT INTO conversation_participants (conversation_id, user_id) VALUES ($1, $2)`, conv.ID, id); err != nil {
			return models.Conversation{}, err
		}
	}

	if err = tx.Commit(); err != nil {
		return models.Conversation{}, err
	}
	return conv, nil
}

// GetConversation fetches a conversation by id.
func (r *ConversationRepo) GetConversation(ctx context.Context, conversationID int) (models.Conversation, error) {
	var conv models.Conversation
	err := r.db.GetContext(ctx, &conv,
		`SELECT id, is_group, name, created_by, pair_key, created_at, updated_at FROM conversations WHERE id=$1`, conversationID)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Conversation{}, ErrConversationNotFound
	}
	return conv, err
}

// GetConversationView fetches a conversation populated with all
// participant display fields and the resolved creator.
func (r *ConversationRepo) GetConversationView(ctx context.Context, conversationID int) (models.ConversationView, error) {
	conv, err := r.GetConversation(ctx, conversationID)
	if err != nil {
		return models.ConversationView{}, err
	}

	participants, err := r.participants(ctx, []int{conv.ID})
	if err != nil {
		return models.ConversationView{}, err
	}

	view := models.ConversationView{Conversation: conv, Participants: participants[conv.ID]}
	view.Creator = resolveCreator(conv, view.Participants)
	return view, nil
}

// ListViewsForUser returns the populated conversations the user belongs
// to, most recently updated first, with the user's own entry stripped
// from each participant list.
func (r *ConversationRepo) ListViewsForUser(ctx context.Context, userID int) ([]models.ConversationView, error) {
	var convs []models.Conversation
	err := r.db.SelectContext(ctx, &convs,
		`SELECT c.id, c.is_group, c.name, c.created_by, c.pair_key, c.created_at, c.updated_at
         FROM conversations c
         INNER JOIN conversation_participants cp ON cp.conversation_id = c.id
         WHERE cp.user_id=$1
         ORDER BY c.updated_at DESC`, userID)
	if err != nil {
		return nil, err
	}
	if len(convs) == 0 {
		return []models.ConversationView{}, nil
	}

	ids := make([]int, 0, len(convs))
	for _, c := range convs {
		ids = append(ids, c.ID)
	}
	participants, err := r.participants(ctx, ids)
	if err != nil {
		return nil, err
	}

	views := make([]models.ConversationView, 0, len(convs))
	for _, conv := range convs {
		view := models.ConversationView{Conversation: conv, Participants: []models.User{}}
		view.Creator = resolveCreator(conv, participants[conv.ID])
		for _, p := range participants[conv.ID] {
			if p.ID != userID {
				view.Participants = append(view.Participants, p)
			}
		}
		views = append(views, view)
	}
	return views, nil
}

type participantRow struct {
	ConversationID int `db:"conversation_id"`
	models.User
}

func (r *ConversationRepo) participants(ctx context.Context, conversationIDs []int) (map[int][]models.User, error) {
	query, args, err := sqlx.In(
		`SELECT cp.conversation_id, u.id, u.name, u.email, u.avatar, u.is_online, u.last_seen
         FROM conversation_participants cp
         INNER JOIN users u ON u.id = cp.user_id
         WHERE cp.conversation_id IN (?)`, conversationIDs)
	if err != nil {
		return nil, err
	}

	var rows []participantRow
	if err := r.db.SelectContext(ctx, &rows, r.db.Rebind(query), args...); err != nil {
		return nil, err
	}

	result := make(map[int][]models.User, len(conversationIDs))
	for _, row := range rows {
		result[row.ConversationID] = append(result[row.ConversationID], row.User)
	}
	return result, nil
}

func resolveCreator(conv models.Conversation, participants []models.User) *models.User {
	if conv.CreatedBy == nil {
		return nil
	}
	for i := range participants {
		if participants[i].ID == *conv.CreatedBy {
			creator := participants[i]
			return &creator
		}
	}
	return nil
}

// ParticipantIDs returns the ids of everyone in the conversation.
func (r *ConversationRepo) ParticipantIDs(ctx context.Context, conversationID int) ([]int, error) {
	var ids []int
	err := r.db.SelectContext(ctx, &ids,
		`SELECT user_id FROM conversation_participants WHERE conversation_id=$1 ORDER BY user_id`, conversationID)
	return ids, err
}

// PeerIDs returns every distinct user who shares at least one
// conversation with the given user.
func (r *ConversationRepo) PeerIDs(ctx context.Context, userID int) ([]int, error) {
	var ids []int
	err := r.db.SelectContext(ctx, &ids,
		`SELECT DISTINCT other.user_id
         FROM conversation_participants own
         INNER JOIN conversation_participants other ON other.conversation_id = own.conversation_id
         WHERE own.user_id=$1 AND other.user_id<>$1
         ORDER BY other.user_id`, userID)
	return ids, err
}

// Touch bumps updated_at so list projections order by latest activity.
func (r *ConversationRepo) Touch(ctx context.Context, conversationID int) error {
	_, err := r.db.ExecContext(ctx, `UPDATE conversations SET updated_at = NOW() WHERE id=$1`, conversationID)
	return err
}
