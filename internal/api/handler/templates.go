package handler

import (
	"context"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/kiranshivaraju/approvalhub/internal/api/response"
	"github.com/kiranshivaraju/approvalhub/internal/apperr"
	"github.com/kiranshivaraju/approvalhub/internal/workflow"
	"github.com/kiranshivaraju/approvalhub/pkg/models"
)

// TemplateAdmin stores workflow templates.
type TemplateAdmin interface {
	UpsertTemplate(ctx context.Context, tmpl *models.WorkflowTemplate) error
	GetTemplate(ctx context.Context, id string) (*models.WorkflowTemplate, error)
	ListTemplates(ctx context.Context) ([]*models.WorkflowTemplate, error)
}

// NewListTemplatesHandler returns GET /api/v1/admin/templates.
func NewListTemplatesHandler(svc TemplateAdmin) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tmpls, err := svc.ListTemplates(r.Context())
		if err != nil {
			response.FromError(w, r, err)
			return
		}
		response.Collection(w, tmpls, response.PaginationMeta{Page: 1, Limit: len(tmpls), Total: len(tmpls)})
	}
}

// NewGetTemplateHandler returns GET /api/v1/admin/templates/{id}.
func NewGetTemplateHandler(svc TemplateAdmin) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tmpl, err := svc.GetTemplate(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			response.FromError(w, r, err)
			return
		}
		response.JSON(w, tmpl)
	}
}

// NewPutTemplateHandler returns PUT /api/v1/admin/templates/{id}. The
// template is checked for routing mistakes before it is stored; instances
// already started keep their own copy of the levels.
func NewPutTemplateHandler(svc TemplateAdmin) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var tmpl models.WorkflowTemplate
		if !decode(w, r, &tmpl) {
			return
		}
		tmpl.ID = strings.TrimSpace(chi.URLParam(r, "id"))
		tmpl.Name = strings.TrimSpace(tmpl.Name)

		if err := checkTemplate(&tmpl); err != nil {
			response.FromError(w, r, err)
			return
		}
		if err := svc.UpsertTemplate(r.Context(), &tmpl); err != nil {
			response.FromError(w, r, err)
			return
		}
		response.JSON(w, tmpl)
	}
}

func checkTemplate(tmpl *models.WorkflowTemplate) error {
	if tmpl.ID == "" || len(tmpl.ID) > 64 {
		return apperr.Validation("template id must be 1 to 64 characters")
	}
	if tmpl.Name == "" {
		return apperr.Validation("template name is required")
	}
	return workflow.ValidateRouting(tmpl)
}
