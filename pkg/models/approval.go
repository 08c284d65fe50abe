package models

import "time"

// LevelState is the outcome of a single approval level.
type LevelState string

const (
	LevelPending            LevelState = "pending"
	LevelReleased           LevelState = "released"
	LevelRejected           LevelState = "rejected"
	LevelAwaitingPriorLevel LevelState = "awaiting_prior_level"
)

// Valid reports whether s is one of the four level states.
func (s LevelState) Valid() bool {
	switch s {
	case LevelPending, LevelReleased, LevelRejected, LevelAwaitingPriorLevel:
		return true
	}
	return false
}

// DocumentStatus is the aggregate approval status of a document.
type DocumentStatus string

const (
	DocumentPending  DocumentStatus = "pending"
	DocumentReleased DocumentStatus = "released"
	DocumentRejected DocumentStatus = "rejected"
)

// ApprovalLevel is one entry of a document's approval hierarchy.
// Only the workflow engine mutates it.
type ApprovalLevel struct {
	Order        int        `json:"order"`
	ApproverID   string     `json:"approverId"`
	ApproverName string     `json:"approverName"`
	Approvers    []string   `json:"approvers,omitempty"`
	Groups       []string   `json:"groups,omitempty"`
	State        LevelState `json:"state"`
	Comment      string     `json:"comment,omitempty"`
	ReleasedAt   *time.Time `json:"releasedAt,omitempty"`
}

// ClearDecision resets the level to a state with no recorded decision.
func (l *ApprovalLevel) ClearDecision(state LevelState) {
	l.State = state
	l.Comment = ""
	l.ReleasedAt = nil
}

// Identity is the caller acting on a document.
type Identity struct {
	ID     string   `json:"id"`
	Name   string   `json:"name"`
	Groups []string `json:"groups,omitempty"`
}
