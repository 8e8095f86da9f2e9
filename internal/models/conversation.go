package models

import "time"

// Conversation is a 1:1 thread or a named group.
type Conversation struct {
	ID        int       `db:"id" json:"id"`
	IsGroup   bool      `db:"is_group" json:"isGroup"`
	Name      *string   `db:"name" json:"name,omitempty"`
	CreatedBy *int      `db:"created_by" json:"createdBy,omitempty"`
	PairKey   *string   `db:"pair_key" json:"-"`
	CreatedAt time.Time `db:"created_at" json:"createdAt"`
	UpdatedAt time.Time `db:"updated_at" json:"updatedAt"`
}

// ConversationView is the populated response shape: participants carry
// display fields and the creator is resolved. List projections strip the
// requesting user from Participants.
type ConversationView struct {
	Conversation
	Participants []User `json:"participants"`
	Creator      *User  `json:"creator,omitempty"`
}
