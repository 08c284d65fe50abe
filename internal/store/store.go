package store

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/approvalhub/internal/apperr"
	"github.com/kiranshivaraju/approvalhub/pkg/models"
)

var (
	ErrNotFound     = fmt.Errorf("%w: resource not found", apperr.ErrNotFound)
	ErrDuplicateKey = fmt.Errorf("%w: duplicate key violation", apperr.ErrConflict)
)

// Store is the data access interface. All database operations go through here.
type Store interface {
	Ping(ctx context.Context) error

	GetAPIKeyByPrefix(ctx context.Context, prefix string) ([]*models.APIKey, error)
	UpdateAPIKeyLastUsed(ctx context.Context, id uuid.UUID) error
	CreateAPIKey(ctx context.Context, key *models.APIKey) error
	ListAPIKeys(ctx context.Context, actorID string) ([]*models.APIKey, error)
	RevokeAPIKey(ctx context.Context, id uuid.UUID) error

	CreateTenant(ctx context.Context, t *models.Tenant) error
	UpdateTenant(ctx context.Context, t *models.Tenant) error
	GetTenant(ctx context.Context, code string) (*models.Tenant, error)
	ListTenants(ctx context.Context, activeOnly bool) ([]*models.Tenant, error)
	DeactivateTenant(ctx context.Context, code string) error

	UpsertTemplate(ctx context.Context, tmpl *models.WorkflowTemplate) error
	GetTemplate(ctx context.Context, id string) (*models.WorkflowTemplate, error)
	ListTemplates(ctx context.Context) ([]*models.WorkflowTemplate, error)

	CreateInstance(ctx context.Context, inst *models.WorkflowInstance) error
	GetInstance(ctx context.Context, ref models.DocumentRef) (*models.WorkflowInstance, error)
	Transition(ctx context.Context, ref models.DocumentRef, fn func(inst *models.WorkflowInstance) error) (*models.WorkflowInstance, error)
}
