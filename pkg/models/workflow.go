package models

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// StateKind names a workflow state without its level.
type StateKind string

const (
	StateDraft          StateKind = "draft"
	StatePendingAtLevel StateKind = "pending_at_level"
	StateApproved       StateKind = "approved"
	StateRejected       StateKind = "rejected"
)

// WorkflowState is the workflow position of a document. Level is set only
// for StatePendingAtLevel.
type WorkflowState struct {
	Kind  StateKind `json:"kind"`
	Level int       `json:"level,omitempty"`
}

// Draft is the state before submission and after a send-back to level 0.
func Draft() WorkflowState { return WorkflowState{Kind: StateDraft} }

// PendingAtLevel is the state awaiting a decision at level n.
func PendingAtLevel(n int) WorkflowState { return WorkflowState{Kind: StatePendingAtLevel, Level: n} }

// Approved is the terminal state after the last level is released.
func Approved() WorkflowState { return WorkflowState{Kind: StateApproved} }

// Rejected is the terminal state after any level is rejected.
func Rejected() WorkflowState { return WorkflowState{Kind: StateRejected} }

// IsTerminal reports whether no further transitions are allowed.
func (s WorkflowState) IsTerminal() bool {
	return s.Kind == StateApproved || s.Kind == StateRejected
}

// IsPendingAt reports whether the workflow awaits a decision at level n.
func (s WorkflowState) IsPendingAt(n int) bool {
	return s.Kind == StatePendingAtLevel && s.Level == n
}

func (s WorkflowState) String() string {
	switch s.Kind {
	case StatePendingAtLevel:
		return fmt.Sprintf("PendingAtLevel(%d)", s.Level)
	case StateDraft:
		return "Draft"
	case StateApproved:
		return "Approved"
	case StateRejected:
		return "Rejected"
	}
	return string(s.Kind)
}

// SendBack records the last send-back applied to an instance.
type SendBack struct {
	TargetLevel int       `json:"targetLevel"`
	Reason      string    `json:"reason"`
	ActorID     string    `json:"actorId"`
	At          time.Time `json:"at"`
}

// WorkflowInstance is the persisted approval state of one document.
type WorkflowInstance struct {
	ID           uuid.UUID       `json:"id"`
	Ref          DocumentRef     `json:"ref"`
	TemplateID   string          `json:"templateId"`
	State        WorkflowState   `json:"state"`
	Levels       []ApprovalLevel `json:"levels"`
	LastSendBack *SendBack       `json:"lastSendBack,omitempty"`
	Version      int             `json:"version"`
	CreatedAt    time.Time       `json:"createdAt"`
	UpdatedAt    time.Time       `json:"updatedAt"`
}

// Level returns a pointer to the level with the given order.
func (w *WorkflowInstance) Level(order int) (*ApprovalLevel, bool) {
	for i := range w.Levels {
		if w.Levels[i].Order == order {
			return &w.Levels[i], true
		}
	}
	return nil, false
}

// WorkflowTemplate configures the approval levels of a document template.
type WorkflowTemplate struct {
	ID     string          `json:"id"`
	Name   string          `json:"name"`
	Levels []TemplateLevel `json:"levels"`
}

// TemplateLevel is one configured approval level. Next overrides the level
// the engine moves to once this level is released; nil means Order+1.
type TemplateLevel struct {
	Order        int      `json:"order"`
	ApproverID   string   `json:"approverId"`
	ApproverName string   `json:"approverName"`
	Approvers    []string `json:"approvers"`
	Groups       []string `json:"groups"`
	Next         *int     `json:"next,omitempty"`
}

// HasEligible reports whether anyone can act at this level.
func (l TemplateLevel) HasEligible() bool {
	return l.ApproverID != "" || l.ApproverName != "" || len(l.Approvers) > 0 || len(l.Groups) > 0
}

// Workflow event types.
const (
	EventStarted   = "started"
	EventSubmitted = "submitted"
	EventApproved  = "approved"
	EventRejected  = "rejected"
	EventSentBack  = "sent_back"
)

// WorkflowEvent describes one committed transition. Recipients are the
// approvers of the level the document now waits on.
type WorkflowEvent struct {
	Type       string        `json:"type"`
	InstanceID uuid.UUID     `json:"instanceId"`
	Ref        DocumentRef   `json:"ref"`
	From       WorkflowState `json:"from"`
	To         WorkflowState `json:"to"`
	Level      int           `json:"level,omitempty"`
	ActorID    string        `json:"actorId"`
	Comment    string        `json:"comment,omitempty"`
	Recipients []string      `json:"recipients,omitempty"`
	Version    int           `json:"version"`
	At         time.Time     `json:"at"`
}
