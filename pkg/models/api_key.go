package models

import (
	"time"

	"github.com/google/uuid"
)

// APIKey authenticates a portal caller. Raw keys are shown once at creation;
// only the bcrypt hash is stored. The key carries the caller's approver identity.
type APIKey struct {
	ID         uuid.UUID  `db:"id"           json:"id"`
	ActorID    string     `db:"actor_id"     json:"actor_id"`
	ActorName  string     `db:"actor_name"   json:"actor_name"`
	Groups     []string   `db:"groups"       json:"groups"`
	Name       string     `db:"name"         json:"name"`
	KeyHash    string     `db:"key_hash"     json:"-"`
	KeyPrefix  string     `db:"key_prefix"   json:"key_prefix"`
	Scopes     []string   `db:"scopes"       json:"scopes"`
	LastUsedAt *time.Time `db:"last_used_at" json:"last_used_at,omitempty"`
	DeletedAt  *time.Time `db:"deleted_at"   json:"-"`
	CreatedAt  time.Time  `db:"created_at"   json:"created_at"`
	UpdatedAt  time.Time  `db:"updated_at"   json:"updated_at"`
}

// Identity returns the approver identity bound to the key.
func (k APIKey) Identity() Identity {
	return Identity{ID: k.ActorID, Name: k.ActorName, Groups: k.Groups}
}
