package handler

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/kiranshivaraju/approvalhub/internal/api/response"
	"github.com/kiranshivaraju/approvalhub/internal/document"
	"github.com/kiranshivaraju/approvalhub/pkg/models"
)

const maxQueryBody = 1 << 20

// DocumentQuerier runs a multi-tenant document query.
type DocumentQuerier interface {
	Query(ctx context.Context, spec document.FilterSpec) (*models.AggregateQueryResult, error)
}

// NewQueryDocumentsHandler returns POST /api/v1/documents/query. Partial
// tenant failure is a 200 with hasErrors set.
func NewQueryDocumentsHandler(svc DocumentQuerier) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var spec document.FilterSpec
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxQueryBody)).Decode(&spec); err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body", nil)
			return
		}

		result, err := svc.Query(r.Context(), spec)
		if err != nil {
			response.FromError(w, r, err)
			return
		}
		response.Raw(w, http.StatusOK, result)
	}
}
