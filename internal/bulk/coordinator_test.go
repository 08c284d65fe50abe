package bulk_test

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/kiranshivaraju/approvalhub/internal/apperr"
	"github.com/kiranshivaraju/approvalhub/internal/bulk"
	"github.com/kiranshivaraju/approvalhub/internal/metrics"
	"github.com/kiranshivaraju/approvalhub/internal/telemetry"
	"github.com/kiranshivaraju/approvalhub/internal/workflow"
	"github.com/kiranshivaraju/approvalhub/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace"
)

var (
	alice = models.Identity{ID: "alice", Name: "Alice"}
	bob   = models.Identity{ID: "bob", Name: "Bob"}
)

func ref(n string) models.DocumentRef {
	return models.DocumentRef{Tenant: "BR", Branch: "01", Number: n}
}

func setup(t *testing.T, numbers ...string) *workflow.Engine {
	t.Helper()
	repo := workflow.NewMemoryRepository()
	repo.PutTemplate(models.WorkflowTemplate{
		ID: "po",
		Levels: []models.TemplateLevel{
			{Order: 1, ApproverID: "alice"},
			{Order: 2, ApproverID: "bob"},
		},
	})
	e := workflow.NewEngine(repo, repo, nil, metrics.Noop(), 0)
	for _, n := range numbers {
		_, err := e.Start(context.Background(), ref(n), "po", models.Identity{ID: "buyer"})
		require.NoError(t, err)
	}
	return e
}

func TestApplyMany_SkipsIneligibleDocument(t *testing.T) {
	e := setup(t, "D1", "D2", "D3")
	ctx := context.Background()

	// D2 moved on after the caller selected it.
	_, err := e.Approve(ctx, ref("D2"), 1, alice, "approved elsewhere")
	require.NoError(t, err)

	c := bulk.NewCoordinator(e, 2, metrics.Noop())
	res, err := c.ApplyMany(ctx, bulk.ActionApprove, []string{"BR:01:D1", "BR:01:D2", "BR:01:D3"}, alice, "")
	require.NoError(t, err)

	assert.Equal(t, []string{"BR:01:D1", "BR:01:D3"}, res.Succeeded)
	require.Len(t, res.Failed, 1)
	assert.Equal(t, "BR:01:D2", res.Failed[0].ID)
	assert.NotEmpty(t, res.Failed[0].Reason)

	for _, n := range []string{"D1", "D3"} {
		inst, err := e.Get(ctx, ref(n))
		require.NoError(t, err)
		assert.Equal(t, models.PendingAtLevel(2), inst.State)
		assert.Equal(t, models.LevelReleased, inst.Levels[0].State)
	}
	inst, err := e.Get(ctx, ref("D2"))
	require.NoError(t, err)
	assert.Equal(t, models.PendingAtLevel(2), inst.State)
	assert.Equal(t, 2, inst.Version, "ineligible document untouched")
}

func TestApplyMany_Reject(t *testing.T) {
	e := setup(t, "D1", "D2")
	c := bulk.NewCoordinator(e, 4, nil)

	res, err := c.ApplyMany(context.Background(), bulk.ActionReject, []string{"BR:01:D1", "BR:01:D2"}, alice, "price too high")
	require.NoError(t, err)
	assert.Len(t, res.Succeeded, 2)
	assert.Empty(t, res.Failed)

	inst, err := e.Get(context.Background(), ref("D1"))
	require.NoError(t, err)
	assert.Equal(t, models.Rejected(), inst.State)
	assert.Equal(t, "price too high", inst.Levels[0].Comment)
}

func TestApplyMany_PerItemFailures(t *testing.T) {
	e := setup(t, "D1", "D2", "D3")
	ctx := context.Background()
	_, err := e.Reject(ctx, ref("D3"), 1, alice, "no")
	require.NoError(t, err)

	c := bulk.NewCoordinator(e, 3, nil)
	ids := []string{"BR:01:D1", "garbage", "BR:01:D1", "BR:01:NOPE", "BR:01:D3", "BR:01:D2"}
	res, err := c.ApplyMany(ctx, bulk.ActionApprove, ids, alice, "")
	require.NoError(t, err)

	assert.Equal(t, []string{"BR:01:D1", "BR:01:D2"}, res.Succeeded)
	require.Len(t, res.Failed, 4)
	assert.Equal(t, "garbage", res.Failed[0].ID)
	assert.Equal(t, bulk.Failure{ID: "BR:01:D1", Reason: "duplicate"}, res.Failed[1])
	assert.Equal(t, "BR:01:NOPE", res.Failed[2].ID)
	assert.Equal(t, "BR:01:D3", res.Failed[3].ID)
	assert.Contains(t, res.Failed[3].Reason, "Rejected")
}

func TestApplyMany_WrongLevelApprover(t *testing.T) {
	e := setup(t, "D1")
	c := bulk.NewCoordinator(e, 1, nil)

	res, err := c.ApplyMany(context.Background(), bulk.ActionApprove, []string{"BR:01:D1"}, bob, "")
	require.NoError(t, err)
	assert.Empty(t, res.Succeeded)
	require.Len(t, res.Failed, 1)
	assert.Contains(t, res.Failed[0].Reason, "authorization")
}

func TestApplyMany_Validation(t *testing.T) {
	e := setup(t)
	c := bulk.NewCoordinator(e, 1, nil)
	ctx := context.Background()

	tests := []struct {
		name    string
		action  bulk.Action
		ids     []string
		comment string
	}{
		{"unknown action", "escalate", []string{"BR:01:D1"}, ""},
		{"reject without comment", bulk.ActionReject, []string{"BR:01:D1"}, "   "},
		{"no ids", bulk.ActionApprove, nil, ""},
		{"too many ids", bulk.ActionApprove, make([]string, bulk.MaxBatch+1), ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := c.ApplyMany(ctx, tt.action, tt.ids, alice, tt.comment)
			assert.ErrorIs(t, err, apperr.ErrValidation)
		})
	}
}

// slowEngine counts concurrent calls to Get.
type slowEngine struct {
	bulk.Engine
	mu      sync.Mutex
	active  int
	maxSeen int
}

func (s *slowEngine) Get(ctx context.Context, r models.DocumentRef) (*models.WorkflowInstance, error) {
	s.mu.Lock()
	s.active++
	if s.active > s.maxSeen {
		s.maxSeen = s.active
	}
	s.mu.Unlock()

	time.Sleep(20 * time.Millisecond)

	s.mu.Lock()
	s.active--
	s.mu.Unlock()
	return s.Engine.Get(ctx, r)
}

func TestApplyMany_BoundedWorkers(t *testing.T) {
	var numbers, ids []string
	for i := 0; i < 12; i++ {
		n := fmt.Sprintf("D%02d", i)
		numbers = append(numbers, n)
		ids = append(ids, "BR:01:"+n)
	}
	eng := &slowEngine{Engine: setup(t, numbers...)}

	c := bulk.NewCoordinator(eng, 3, nil)
	res, err := c.ApplyMany(context.Background(), bulk.ActionApprove, ids, alice, "")
	require.NoError(t, err)

	assert.Equal(t, ids, res.Succeeded)
	assert.LessOrEqual(t, eng.maxSeen, 3)
	assert.Greater(t, eng.maxSeen, 1)
}

func TestApplyMany_CancelledContext(t *testing.T) {
	e := setup(t, "D1")
	c := bulk.NewCoordinator(e, 1, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res, err := c.ApplyMany(ctx, bulk.ActionApprove, []string{"BR:01:D1"}, alice, "")
	require.NoError(t, err)
	assert.Empty(t, res.Succeeded)
	assert.Len(t, res.Failed, 1)
}

func TestApplyMany_SummaryLogCarriesTrace(t *testing.T) {
	var buf bytes.Buffer
	prev := slog.Default()
	slog.SetDefault(slog.New(telemetry.NewTraceHandler(slog.NewJSONHandler(&buf, nil))))
	t.Cleanup(func() { slog.SetDefault(prev) })

	sc := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    trace.TraceID{0x4b, 0xf9, 0x2f, 0x35, 0x77, 0xb3, 0x4d, 0xa6, 0xa3, 0xce, 0x92, 0x9d, 0x0e, 0x0e, 0x47, 0x36},
		SpanID:     trace.SpanID{0x00, 0xf0, 0x67, 0xaa, 0x0b, 0xa9, 0x02, 0xb7},
		TraceFlags: trace.FlagsSampled,
	})
	ctx := trace.ContextWithSpanContext(context.Background(), sc)

	e := setup(t, "D1")
	_, err := bulk.NewCoordinator(e, 1, nil).ApplyMany(ctx, bulk.ActionApprove, []string{"BR:01:D1"}, alice, "")
	require.NoError(t, err)

	var summary map[string]any
	lines := bufio.NewScanner(&buf)
	for lines.Scan() {
		var line map[string]any
		require.NoError(t, json.Unmarshal(lines.Bytes(), &line))
		if line["msg"] == "bulk action applied" {
			summary = line
		}
	}
	require.NotNil(t, summary)
	assert.Equal(t, "4bf92f3577b34da6a3ce929d0e0e4736", summary["trace_id"])
	assert.Equal(t, "00f067aa0ba902b7", summary["span_id"])
}
