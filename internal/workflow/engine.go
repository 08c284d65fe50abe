// Package workflow implements the per-document approval state machine.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/approvalhub/internal/apperr"
	"github.com/kiranshivaraju/approvalhub/internal/approval"
	"github.com/kiranshivaraju/approvalhub/internal/metrics"
	"github.com/kiranshivaraju/approvalhub/pkg/models"
)

// DefaultMaxSteps bounds how many levels one advancement may walk.
const DefaultMaxSteps = 100

// Repository persists workflow instances. Transition must run fn against the
// current instance inside one serializable unit and persist the result with
// an incremented version, or persist nothing if fn fails. Errors returned by
// fn are passed through unchanged.
type Repository interface {
	CreateInstance(ctx context.Context, inst *models.WorkflowInstance) error
	GetInstance(ctx context.Context, ref models.DocumentRef) (*models.WorkflowInstance, error)
	Transition(ctx context.Context, ref models.DocumentRef, fn func(inst *models.WorkflowInstance) error) (*models.WorkflowInstance, error)
}

// TemplateStore loads workflow templates.
type TemplateStore interface {
	GetTemplate(ctx context.Context, id string) (*models.WorkflowTemplate, error)
}

// Notifier receives committed transitions. Implementations must not block.
type Notifier interface {
	Notify(ctx context.Context, ev models.WorkflowEvent)
}

// Engine drives workflow instances through their approval levels.
type Engine struct {
	repo      Repository
	templates TemplateStore
	notifier  Notifier
	metrics   *metrics.Metrics
	maxSteps  int
	now       func() time.Time
}

// NewEngine creates a new Engine. maxSteps <= 0 selects DefaultMaxSteps.
// notifier and m may be nil.
func NewEngine(repo Repository, templates TemplateStore, notifier Notifier, m *metrics.Metrics, maxSteps int) *Engine {
	if maxSteps <= 0 {
		maxSteps = DefaultMaxSteps
	}
	return &Engine{
		repo:      repo,
		templates: templates,
		notifier:  notifier,
		metrics:   m,
		maxSteps:  maxSteps,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Get returns the instance for ref.
func (e *Engine) Get(ctx context.Context, ref models.DocumentRef) (*models.WorkflowInstance, error) {
	return e.repo.GetInstance(ctx, ref)
}

// Start creates the instance for ref from a template and walks it to its
// first pending level.
func (e *Engine) Start(ctx context.Context, ref models.DocumentRef, templateID string, actor models.Identity) (*models.WorkflowInstance, error) {
	tmpl, err := e.templates.GetTemplate(ctx, templateID)
	if err != nil {
		return nil, err
	}
	if err := ValidateTemplate(tmpl); err != nil {
		return nil, err
	}

	now := e.now()
	inst := &models.WorkflowInstance{
		ID:         uuid.New(),
		Ref:        ref,
		TemplateID: tmpl.ID,
		State:      models.Draft(),
		Levels:     levelsFromTemplate(tmpl),
		Version:    1,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := e.advance(inst, tmpl, tmpl.Levels[0].Order); err != nil {
		e.record(ctx, models.EventStarted, err)
		return nil, err
	}

	if err := e.repo.CreateInstance(ctx, inst); err != nil {
		e.record(ctx, models.EventStarted, err)
		return nil, err
	}

	e.committed(ctx, inst, models.WorkflowEvent{
		Type:    models.EventStarted,
		From:    models.Draft(),
		ActorID: actor.ID,
	})
	return inst, nil
}

// Submit moves a Draft instance to its first pending level.
func (e *Engine) Submit(ctx context.Context, ref models.DocumentRef, actor models.Identity) (*models.WorkflowInstance, error) {
	return e.transition(ctx, ref, models.EventSubmitted, actor, func(inst *models.WorkflowInstance, tmpl *models.WorkflowTemplate, ev *models.WorkflowEvent) error {
		if inst.State.Kind != models.StateDraft {
			return apperr.Conflict("workflow %s is %s, not Draft", inst.Ref, inst.State)
		}
		for i := range inst.Levels {
			inst.Levels[i].ClearDecision(models.LevelAwaitingPriorLevel)
		}
		return e.advance(inst, tmpl, tmpl.Levels[0].Order)
	})
}

// Approve releases level n and advances to the next routed level, or to
// Approved when none is left.
func (e *Engine) Approve(ctx context.Context, ref models.DocumentRef, n int, actor models.Identity, comment string) (*models.WorkflowInstance, error) {
	return e.transition(ctx, ref, models.EventApproved, actor, func(inst *models.WorkflowInstance, tmpl *models.WorkflowTemplate, ev *models.WorkflowEvent) error {
		level, err := actionableLevel(inst, n, actor)
		if err != nil {
			return err
		}
		now := e.now()
		level.State = models.LevelReleased
		level.Comment = strings.TrimSpace(comment)
		level.ReleasedAt = &now
		ev.Level, ev.Comment = n, level.Comment

		next, err := nextOrder(tmpl, n)
		if err != nil {
			return err
		}
		return e.advance(inst, tmpl, next)
	})
}

// Reject rejects level n. Rejected is terminal.
func (e *Engine) Reject(ctx context.Context, ref models.DocumentRef, n int, actor models.Identity, comment string) (*models.WorkflowInstance, error) {
	return e.transition(ctx, ref, models.EventRejected, actor, func(inst *models.WorkflowInstance, tmpl *models.WorkflowTemplate, ev *models.WorkflowEvent) error {
		level, err := actionableLevel(inst, n, actor)
		if err != nil {
			return err
		}
		level.State = models.LevelRejected
		level.Comment = strings.TrimSpace(comment)
		level.ReleasedAt = nil
		inst.State = models.Rejected()
		ev.Level, ev.Comment = n, level.Comment
		return nil
	})
}

// SendBack returns the instance to level target, or to Draft when target is
// 0. Every level after target loses its decision; earlier levels keep theirs.
// Only an approver of the current level may send back, and reason is required.
func (e *Engine) SendBack(ctx context.Context, ref models.DocumentRef, target int, actor models.Identity, reason string) (*models.WorkflowInstance, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return nil, apperr.Validation("a reason is required to send back a document")
	}
	if target < 0 {
		return nil, apperr.Validation("send-back target level must not be negative, got %d", target)
	}

	return e.transition(ctx, ref, models.EventSentBack, actor, func(inst *models.WorkflowInstance, tmpl *models.WorkflowTemplate, ev *models.WorkflowEvent) error {
		if inst.State.IsTerminal() {
			return apperr.Conflict("workflow %s is already %s", inst.Ref, inst.State)
		}
		if inst.State.Kind != models.StatePendingAtLevel {
			return apperr.Conflict("workflow %s is %s and cannot be sent back", inst.Ref, inst.State)
		}
		current := inst.State.Level
		if _, err := actionableLevel(inst, current, actor); err != nil {
			return err
		}
		if target >= current {
			return apperr.Validation("send-back target %d must precede current level %d", target, current)
		}
		if target > 0 {
			if _, ok := inst.Level(target); !ok {
				return apperr.Validation("send-back target %d is not a level of this workflow", target)
			}
		}

		for i := range inst.Levels {
			l := &inst.Levels[i]
			switch {
			case l.Order == target:
				l.ClearDecision(models.LevelPending)
			case l.Order > target:
				l.ClearDecision(models.LevelAwaitingPriorLevel)
			}
		}

		if target == 0 {
			inst.State = models.Draft()
		} else {
			inst.State = models.PendingAtLevel(target)
		}
		inst.LastSendBack = &models.SendBack{
			TargetLevel: target,
			Reason:      reason,
			ActorID:     actor.ID,
			At:          e.now(),
		}
		ev.Level, ev.Comment = target, reason
		return nil
	})
}

type mutateFunc func(inst *models.WorkflowInstance, tmpl *models.WorkflowTemplate, ev *models.WorkflowEvent) error

func (e *Engine) transition(ctx context.Context, ref models.DocumentRef, action string, actor models.Identity, mutate mutateFunc) (*models.WorkflowInstance, error) {
	ev := models.WorkflowEvent{Type: action, ActorID: actor.ID}

	inst, err := e.repo.Transition(ctx, ref, func(inst *models.WorkflowInstance) error {
		tmpl, err := e.templates.GetTemplate(ctx, inst.TemplateID)
		if err != nil {
			return fmt.Errorf("loading template %s: %w", inst.TemplateID, err)
		}
		if err := ValidateTemplate(tmpl); err != nil {
			return err
		}
		ev.From = inst.State
		if err := mutate(inst, tmpl, &ev); err != nil {
			return err
		}
		inst.UpdatedAt = e.now()
		return nil
	})
	if err != nil {
		e.record(ctx, action, err)
		slog.WarnContext(ctx, "workflow transition refused",
			"action", action,
			"document", ref.String(),
			"actor_id", actor.ID,
			"error", err,
		)
		return nil, err
	}

	e.committed(ctx, inst, ev)
	return inst, nil
}

// committed runs after a transition is durable: audit line, metrics, event.
func (e *Engine) committed(ctx context.Context, inst *models.WorkflowInstance, ev models.WorkflowEvent) {
	ev.InstanceID = inst.ID
	ev.Ref = inst.Ref
	ev.To = inst.State
	ev.Version = inst.Version
	ev.At = inst.UpdatedAt
	if inst.State.Kind == models.StatePendingAtLevel {
		if l, ok := inst.Level(inst.State.Level); ok {
			ev.Recipients = recipients(*l)
		}
	}

	slog.LogAttrs(ctx, slog.LevelInfo, "audit_event",
		slog.String("event_type", "workflow"),
		slog.String("action", ev.Type),
		slog.String("result", "success"),
		slog.String("document", ev.Ref.String()),
		slog.String("actor_id", ev.ActorID),
		slog.String("from", ev.From.String()),
		slog.String("to", ev.To.String()),
		slog.Int("version", ev.Version),
	)
	e.record(ctx, ev.Type, nil)
	if e.notifier != nil {
		e.notifier.Notify(ctx, ev)
	}
}

func (e *Engine) record(ctx context.Context, action string, err error) {
	e.metrics.Transition(ctx, action, Outcome(err))
}

// Outcome names the class of a transition error for metrics and reports.
func Outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, apperr.ErrConflict):
		return "conflict"
	case errors.Is(err, apperr.ErrAuthorization):
		return "forbidden"
	case errors.Is(err, apperr.ErrValidation):
		return "invalid"
	case errors.Is(err, apperr.ErrConfiguration):
		return "misconfigured"
	case errors.Is(err, apperr.ErrNotFound):
		return "not_found"
	}
	return "error"
}

// actionableLevel checks that inst waits on level n and that actor may act there.
func actionableLevel(inst *models.WorkflowInstance, n int, actor models.Identity) (*models.ApprovalLevel, error) {
	if inst.State.IsTerminal() {
		return nil, apperr.Conflict("workflow %s is already %s", inst.Ref, inst.State)
	}
	if !inst.State.IsPendingAt(n) {
		return nil, apperr.Conflict("workflow %s is %s, not pending at level %d", inst.Ref, inst.State, n)
	}
	level, ok := inst.Level(n)
	if !ok {
		return nil, apperr.Configuration("workflow %s has no level %d", inst.Ref, n)
	}
	if !approval.IsEligible(*level, actor) {
		return nil, apperr.Authorization("%s is not an approver of level %d", actorLabel(actor), n)
	}
	return level, nil
}

// advance walks the template routing from order start until it reaches a
// level that still needs a decision, or runs off the end (Approved).
func (e *Engine) advance(inst *models.WorkflowInstance, tmpl *models.WorkflowTemplate, start int) error {
	byOrder := make(map[int]models.TemplateLevel, len(tmpl.Levels))
	last := 0
	for _, l := range tmpl.Levels {
		byOrder[l.Order] = l
		last = max(last, l.Order)
	}

	order := start
	for step := 1; ; step++ {
		if step > e.maxSteps {
			return apperr.Configuration("template %s: advancement exceeded %d steps, check level routing for cycles", tmpl.ID, e.maxSteps)
		}

		tl, ok := byOrder[order]
		if !ok {
			if order > last {
				inst.State = models.Approved()
				return nil
			}
			return apperr.Configuration("template %s routes to unknown level %d", tmpl.ID, order)
		}

		level, ok := inst.Level(order)
		if !ok {
			return apperr.Configuration("workflow %s has no level %d", inst.Ref, order)
		}

		if level.State == models.LevelReleased {
			next, err := nextOrder(tmpl, order)
			if err != nil {
				return err
			}
			order = next
			continue
		}

		if !tl.HasEligible() {
			return apperr.Configuration("template %s level %d has no eligible approvers", tmpl.ID, order)
		}
		level.ClearDecision(models.LevelPending)
		inst.State = models.PendingAtLevel(order)
		return nil
	}
}

// nextOrder returns the level routed to after order. Without an explicit
// route that is the next higher order in the template, so gaps between
// orders are skipped; past the last level it returns an order above every
// level. Explicit routes must name an existing level.
func nextOrder(tmpl *models.WorkflowTemplate, order int) (int, error) {
	for i, l := range tmpl.Levels {
		if l.Order != order {
			continue
		}
		if l.Next == nil {
			if i+1 < len(tmpl.Levels) {
				return tmpl.Levels[i+1].Order, nil
			}
			return order + 1, nil
		}
		for _, t := range tmpl.Levels {
			if t.Order == *l.Next {
				return *l.Next, nil
			}
		}
		return 0, apperr.Configuration("template %s level %d routes to unknown level %d", tmpl.ID, order, *l.Next)
	}
	return 0, apperr.Configuration("template %s has no level %d", tmpl.ID, order)
}

// ValidateTemplate checks the static shape of a template: at least one level,
// positive unique orders sorted ascending.
func ValidateTemplate(tmpl *models.WorkflowTemplate) error {
	if tmpl == nil || len(tmpl.Levels) == 0 {
		return apperr.Configuration("template has no levels")
	}
	seen := make(map[int]bool, len(tmpl.Levels))
	for i, l := range tmpl.Levels {
		if l.Order < 1 {
			return apperr.Configuration("template %s level %d: order must be positive", tmpl.ID, l.Order)
		}
		if seen[l.Order] {
			return apperr.Configuration("template %s: duplicate level order %d", tmpl.ID, l.Order)
		}
		if i > 0 && l.Order < tmpl.Levels[i-1].Order {
			return apperr.Configuration("template %s: levels must be sorted by order", tmpl.ID)
		}
		seen[l.Order] = true
	}
	return nil
}

// ValidateRouting checks what advancement would otherwise only discover at
// run time: every explicit route names an existing level, and every level
// has someone who can act on it. Cycles are still caught by the step cap.
func ValidateRouting(tmpl *models.WorkflowTemplate) error {
	if err := ValidateTemplate(tmpl); err != nil {
		return err
	}
	for _, l := range tmpl.Levels {
		if !l.HasEligible() {
			return apperr.Configuration("template %s level %d has no eligible approvers", tmpl.ID, l.Order)
		}
		if _, err := nextOrder(tmpl, l.Order); err != nil {
			return err
		}
	}
	return nil
}

func levelsFromTemplate(tmpl *models.WorkflowTemplate) []models.ApprovalLevel {
	levels := make([]models.ApprovalLevel, len(tmpl.Levels))
	for i, tl := range tmpl.Levels {
		levels[i] = models.ApprovalLevel{
			Order:        tl.Order,
			ApproverID:   tl.ApproverID,
			ApproverName: tl.ApproverName,
			Approvers:    slices.Clone(tl.Approvers),
			Groups:       slices.Clone(tl.Groups),
			State:        models.LevelAwaitingPriorLevel,
		}
	}
	return levels
}

func recipients(l models.ApprovalLevel) []string {
	out := make([]string, 0, len(l.Approvers)+1)
	if l.ApproverID != "" {
		out = append(out, l.ApproverID)
	}
	for _, a := range l.Approvers {
		if !slices.Contains(out, a) {
			out = append(out, a)
		}
	}
	return out
}

func actorLabel(actor models.Identity) string {
	if actor.ID != "" {
		return actor.ID
	}
	if actor.Name != "" {
		return actor.Name
	}
	return "caller"
}
