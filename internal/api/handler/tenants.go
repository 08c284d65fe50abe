package handler

import (
	"context"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/kiranshivaraju/approvalhub/internal/api/response"
	"github.com/kiranshivaraju/approvalhub/internal/tenant"
	"github.com/kiranshivaraju/approvalhub/pkg/models"
)

// TenantAdmin manages tenant records.
type TenantAdmin interface {
	Create(ctx context.Context, in tenant.Input) (models.TenantView, error)
	Update(ctx context.Context, code string, in tenant.Input) (models.TenantView, error)
	Get(ctx context.Context, code string) (models.TenantView, error)
	List(ctx context.Context) ([]models.TenantView, error)
	Deactivate(ctx context.Context, code string) error
	TestConnection(ctx context.Context, in tenant.Input) tenant.TestResult
}

// NewListTenantsHandler returns GET /api/v1/admin/tenants.
func NewListTenantsHandler(svc TenantAdmin) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		views, err := svc.List(r.Context())
		if err != nil {
			response.FromError(w, r, err)
			return
		}
		response.Collection(w, views, response.PaginationMeta{
			Page:  1,
			Limit: len(views),
			Total: len(views),
		})
	}
}

// NewCreateTenantHandler returns POST /api/v1/admin/tenants.
func NewCreateTenantHandler(svc TenantAdmin) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var in tenant.Input
		if !decode(w, r, &in) {
			return
		}
		view, err := svc.Create(r.Context(), in)
		if err != nil {
			response.FromError(w, r, err)
			return
		}
		response.Created(w, view)
	}
}

// NewGetTenantHandler returns GET /api/v1/admin/tenants/{code}.
func NewGetTenantHandler(svc TenantAdmin) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		view, err := svc.Get(r.Context(), tenantCode(r))
		if err != nil {
			response.FromError(w, r, err)
			return
		}
		response.JSON(w, view)
	}
}

// NewUpdateTenantHandler returns PUT /api/v1/admin/tenants/{code}. Omitted
// passwords keep their stored values.
func NewUpdateTenantHandler(svc TenantAdmin) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var in tenant.Input
		if !decode(w, r, &in) {
			return
		}
		view, err := svc.Update(r.Context(), tenantCode(r), in)
		if err != nil {
			response.FromError(w, r, err)
			return
		}
		response.JSON(w, view)
	}
}

// NewDeactivateTenantHandler returns POST /api/v1/admin/tenants/{code}/deactivate.
func NewDeactivateTenantHandler(svc TenantAdmin) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		code := tenantCode(r)
		if err := svc.Deactivate(r.Context(), code); err != nil {
			response.FromError(w, r, err)
			return
		}
		response.JSON(w, map[string]any{"code": code, "isActive": false})
	}
}

// NewTestConnectionHandler returns POST /api/v1/admin/tenants/test-connection.
// Nothing is persisted.
func NewTestConnectionHandler(svc TenantAdmin) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var in tenant.Input
		if !decode(w, r, &in) {
			return
		}
		response.Raw(w, http.StatusOK, svc.TestConnection(r.Context(), in))
	}
}

func tenantCode(r *http.Request) string {
	return strings.ToUpper(strings.TrimSpace(chi.URLParam(r, "code")))
}
