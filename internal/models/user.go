package models

import "time"

// User is the display and presence projection of an identity. The full
// account record is owned by the HR service; this service only reads
// display fields and writes the presence columns.
type User struct {
	ID       int        `db:"id" json:"id"`
	Name     string     `db:"name" json:"name"`
	Email    string     `db:"email" json:"email"`
	Avatar   string     `db:"avatar" json:"avatar,omitempty"`
	IsOnline bool       `db:"is_online" json:"isOnline"`
	LastSeen *time.Time `db:"last_seen" json:"lastSeen"`
}
