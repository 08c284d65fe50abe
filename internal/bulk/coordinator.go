// Package bulk applies one approval action to many documents, each in its
// own transition.
package bulk

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"github.com/kiranshivaraju/approvalhub/internal/apperr"
	"github.com/kiranshivaraju/approvalhub/internal/approval"
	"github.com/kiranshivaraju/approvalhub/internal/metrics"
	"github.com/kiranshivaraju/approvalhub/internal/workflow"
	"github.com/kiranshivaraju/approvalhub/pkg/models"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultWorkers = 8
	MaxBatch       = 500
)

var errDuplicate = errors.New("duplicate")

// Action is a bulk approval action.
type Action string

const (
	ActionApprove Action = "approve"
	ActionReject  Action = "reject"
)

// Engine is the subset of the workflow engine bulk actions drive.
type Engine interface {
	Get(ctx context.Context, ref models.DocumentRef) (*models.WorkflowInstance, error)
	Approve(ctx context.Context, ref models.DocumentRef, n int, actor models.Identity, comment string) (*models.WorkflowInstance, error)
	Reject(ctx context.Context, ref models.DocumentRef, n int, actor models.Identity, comment string) (*models.WorkflowInstance, error)
}

// Failure is one document the action could not be applied to.
type Failure struct {
	ID     string `json:"id"`
	Reason string `json:"reason"`
}

// Result lists succeeded and failed ids in input order. A partly failed
// batch is a normal result.
type Result struct {
	Succeeded []string  `json:"succeeded"`
	Failed    []Failure `json:"failed"`
}

// Coordinator runs bulk actions on a bounded worker pool.
type Coordinator struct {
	engine  Engine
	workers int
	metrics *metrics.Metrics
}

func NewCoordinator(engine Engine, workers int, m *metrics.Metrics) *Coordinator {
	if workers < 1 {
		workers = DefaultWorkers
	}
	return &Coordinator{engine: engine, workers: workers, metrics: m}
}

// ApplyMany applies action to every id independently. Eligibility is
// re-derived from the stored instance; the caller's selection is not trusted.
func (c *Coordinator) ApplyMany(ctx context.Context, action Action, ids []string, actor models.Identity, comment string) (Result, error) {
	switch action {
	case ActionApprove:
	case ActionReject:
		if strings.TrimSpace(comment) == "" {
			return Result{}, apperr.Validation("reject requires a comment")
		}
	default:
		return Result{}, apperr.Validation("unknown action %q", action)
	}
	if len(ids) == 0 {
		return Result{}, apperr.Validation("ids must not be empty")
	}
	if len(ids) > MaxBatch {
		return Result{}, apperr.Validation("at most %d ids per batch", MaxBatch)
	}

	errs := make([]error, len(ids))
	seen := make(map[string]bool, len(ids))

	var g errgroup.Group
	g.SetLimit(c.workers)
	for i, id := range ids {
		key := strings.TrimSpace(id)
		if seen[key] {
			errs[i] = errDuplicate
			continue
		}
		seen[key] = true

		g.Go(func() error {
			errs[i] = c.apply(ctx, action, key, actor, comment)
			return nil
		})
	}
	_ = g.Wait()

	res := Result{Succeeded: []string{}, Failed: []Failure{}}
	for i, id := range ids {
		outcome := "ok"
		if err := errs[i]; err != nil {
			outcome = workflow.Outcome(err)
			res.Failed = append(res.Failed, Failure{ID: id, Reason: err.Error()})
		} else {
			res.Succeeded = append(res.Succeeded, id)
		}
		c.metrics.BulkItem(ctx, string(action), outcome)
	}

	slog.InfoContext(ctx, "bulk action applied",
		"action", action,
		"actor", actor.ID,
		"requested", len(ids),
		"succeeded", len(res.Succeeded),
		"failed", len(res.Failed),
	)
	return res, nil
}

func (c *Coordinator) apply(ctx context.Context, action Action, id string, actor models.Identity, comment string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	ref, err := models.ParseDocumentRef(id)
	if err != nil {
		return apperr.Validation("%v", err)
	}

	inst, err := c.engine.Get(ctx, ref)
	if err != nil {
		return err
	}
	if inst.State.IsTerminal() {
		return apperr.Conflict("document is already %s", inst.State)
	}

	level, match := approval.CurrentStatusFor(inst.Levels, actor)
	if match != approval.MatchCaller || !inst.State.IsPendingAt(level.Order) {
		return apperr.Authorization("caller is not an approver of the pending level (%s)", inst.State)
	}

	switch action {
	case ActionApprove:
		_, err = c.engine.Approve(ctx, ref, level.Order, actor, comment)
	case ActionReject:
		_, err = c.engine.Reject(ctx, ref, level.Order, actor, comment)
	}
	return err
}
