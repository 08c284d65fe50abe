package workflow

import (
	"context"
	"slices"
	"strings"
	"sync"

	"github.com/kiranshivaraju/approvalhub/internal/apperr"
	"github.com/kiranshivaraju/approvalhub/pkg/models"
)

// MemoryRepository is an in-process Repository and TemplateStore. Instance
// transitions are serialized by a single mutex.
type MemoryRepository struct {
	mu        sync.Mutex
	instances map[models.DocumentRef]*models.WorkflowInstance

	tmu       sync.RWMutex
	templates map[string]*models.WorkflowTemplate
}

// NewMemoryRepository returns an empty MemoryRepository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		instances: make(map[models.DocumentRef]*models.WorkflowInstance),
		templates: make(map[string]*models.WorkflowTemplate),
	}
}

// PutTemplate stores or replaces a template.
func (r *MemoryRepository) PutTemplate(tmpl models.WorkflowTemplate) {
	r.tmu.Lock()
	defer r.tmu.Unlock()
	tmpl.Levels = slices.Clone(tmpl.Levels)
	r.templates[tmpl.ID] = &tmpl
}

// UpsertTemplate is PutTemplate behind the store's signature.
func (r *MemoryRepository) UpsertTemplate(_ context.Context, tmpl *models.WorkflowTemplate) error {
	r.PutTemplate(*tmpl)
	return nil
}

// ListTemplates returns every template sorted by id.
func (r *MemoryRepository) ListTemplates(_ context.Context) ([]*models.WorkflowTemplate, error) {
	r.tmu.RLock()
	defer r.tmu.RUnlock()
	out := make([]*models.WorkflowTemplate, 0, len(r.templates))
	for _, t := range r.templates {
		cp := *t
		cp.Levels = slices.Clone(t.Levels)
		out = append(out, &cp)
	}
	slices.SortFunc(out, func(a, b *models.WorkflowTemplate) int { return strings.Compare(a.ID, b.ID) })
	return out, nil
}

func (r *MemoryRepository) GetTemplate(_ context.Context, id string) (*models.WorkflowTemplate, error) {
	r.tmu.RLock()
	defer r.tmu.RUnlock()
	t, ok := r.templates[id]
	if !ok {
		return nil, apperr.NotFound("workflow template %q", id)
	}
	cp := *t
	cp.Levels = slices.Clone(t.Levels)
	return &cp, nil
}

func (r *MemoryRepository) CreateInstance(_ context.Context, inst *models.WorkflowInstance) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.instances[inst.Ref]; ok {
		return apperr.Conflict("workflow for %s already exists", inst.Ref)
	}
	r.instances[inst.Ref] = cloneInstance(inst)
	return nil
}

func (r *MemoryRepository) GetInstance(_ context.Context, ref models.DocumentRef) (*models.WorkflowInstance, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	inst, ok := r.instances[ref]
	if !ok {
		return nil, apperr.NotFound("workflow for %s", ref)
	}
	return cloneInstance(inst), nil
}

func (r *MemoryRepository) Transition(ctx context.Context, ref models.DocumentRef, fn func(inst *models.WorkflowInstance) error) (*models.WorkflowInstance, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	cur, ok := r.instances[ref]
	if !ok {
		return nil, apperr.NotFound("workflow for %s", ref)
	}

	work := cloneInstance(cur)
	if err := fn(work); err != nil {
		return nil, err
	}
	work.Version = cur.Version + 1
	r.instances[ref] = work
	return cloneInstance(work), nil
}

func cloneInstance(inst *models.WorkflowInstance) *models.WorkflowInstance {
	cp := *inst
	cp.Levels = make([]models.ApprovalLevel, len(inst.Levels))
	for i, l := range inst.Levels {
		l.Approvers = slices.Clone(l.Approvers)
		l.Groups = slices.Clone(l.Groups)
		if l.ReleasedAt != nil {
			t := *l.ReleasedAt
			l.ReleasedAt = &t
		}
		cp.Levels[i] = l
	}
	if inst.LastSendBack != nil {
		sb := *inst.LastSendBack
		cp.LastSendBack = &sb
	}
	return &cp
}

var (
	_ Repository    = (*MemoryRepository)(nil)
	_ TemplateStore = (*MemoryRepository)(nil)
)
