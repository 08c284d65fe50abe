package handler

import (
	"context"
	"net/http"

	"github.com/kiranshivaraju/approvalhub/internal/api/response"
	"github.com/kiranshivaraju/approvalhub/internal/bulk"
	"github.com/kiranshivaraju/approvalhub/pkg/models"
)

// BulkApplier applies one action to many documents.
type BulkApplier interface {
	ApplyMany(ctx context.Context, action bulk.Action, ids []string, actor models.Identity, comment string) (bulk.Result, error)
}

// NewBulkHandler returns POST /api/v1/bulk. Per-document failures are
// reported in the body of a 200.
func NewBulkHandler(svc BulkApplier) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actor, ok := identity(w, r)
		if !ok {
			return
		}
		var req struct {
			Action  bulk.Action `json:"action"`
			IDs     []string    `json:"ids"`
			Comment string      `json:"comment"`
		}
		if !decode(w, r, &req) {
			return
		}

		res, err := svc.ApplyMany(r.Context(), req.Action, req.IDs, actor, req.Comment)
		if err != nil {
			response.FromError(w, r, err)
			return
		}
		response.JSON(w, res)
	}
}
