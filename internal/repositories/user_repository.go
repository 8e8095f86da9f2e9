package repositories

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"

	"messaging-service/internal/models"
)

var ErrUserNotFound = errors.New("user not found")

// UserRepository is the narrow seam to the identity collaborator: display
// reads plus presence writes. Nothing else about users is mutated here.
type UserRepository interface {
	GetUser(ctx context.Context, userID int) (models.User, error)
	BulkUsers(ctx context.Context, userIDs []int) ([]models.User, error)
	SetOnline(ctx context.Context, userID int) error
	SetOffline(ctx context.Context, userID int, lastSeen time.Time) error
}

// UserRepo is a sqlx implementation of UserRepository.
type UserRepo struct {
	db *sqlx.DB
}

// NewUserRepo constructs a UserRepo.
func NewUserRepo(db *sqlx.DB) *UserRepo {
	return &UserRepo{db: db}
}

// GetUser fetches a user's display and presence fields.
func (r *UserRepo) GetUser(ctx context.Context, userID int) (models.User, error) {
	var user models.User
	err := r.db.GetContext(ctx, &user, `SELECT id, name, email, avatar, is_online, last_seen FROM users WHERE id=$1`, userID)
	if errors.Is(err, sql.ErrNoRows) {
		return models.User{}, ErrUserNotFound
	}
	return user, err
}

// BulkUsers fetches several users in one query.
func (r *UserRepo) BulkUsers(ctx context.Context, userIDs []int) ([]models.User, error) {
	if len(userIDs) == 0 {
		return []models.User{}, nil
	}
	query, args, err := sqlx.In(`SELECT id, name, email, avatar, is_online, last_seen FROM users WHERE id IN (?)`, userIDs)
	if err != nil {
		return nil, err
	}
	var users []models.User
	err = r.db.SelectContext(ctx, &users, r.db.Rebind(query), args...)
	return users, err
}

// SetOnline marks the user online and clears last_seen.
func (r *UserRepo) SetOnline(ctx context.Context, userID int) error {
	_, err := r.db.ExecContext(ctx, `UPDATE users SET is_online = TRUE, last_seen = NULL WHERE id=$1`, userID)
	return err
}

// SetOffline marks the user offline and records when they were last seen.
func (r *UserRepo) SetOffline(ctx context.Context, userID int, lastSeen time.Time) error {
	_, err := r.db.ExecContext(ctx, `UPDATE users SET is_online = FALSE, last_seen = $2 WHERE id=$1`, userID, lastSeen)
	return err
}
