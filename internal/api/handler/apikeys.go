package handler

import (
	"context"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	mw "github.com/kiranshivaraju/approvalhub/internal/api/middleware"
	"github.com/kiranshivaraju/approvalhub/internal/api/response"
	"github.com/kiranshivaraju/approvalhub/pkg/models"
)

// KeyAdmin stores API keys.
type KeyAdmin interface {
	CreateAPIKey(ctx context.Context, key *models.APIKey) error
	ListAPIKeys(ctx context.Context, actorID string) ([]*models.APIKey, error)
	RevokeAPIKey(ctx context.Context, id uuid.UUID) error
}

type issuedKey struct {
	*models.APIKey
	Secret string `json:"secret"`
}

// NewCreateAPIKeyHandler returns POST /api/v1/admin/api-keys. The response
// is the only place the raw key ever appears.
func NewCreateAPIKeyHandler(svc KeyAdmin) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			ActorID   string   `json:"actorId"`
			ActorName string   `json:"actorName"`
			Groups    []string `json:"groups"`
			Name      string   `json:"name"`
			Scopes    []string `json:"scopes"`
		}
		if !decode(w, r, &req) {
			return
		}

		actor := models.Identity{ID: strings.TrimSpace(req.ActorID), Name: req.ActorName, Groups: req.Groups}
		raw, key, err := mw.IssueAPIKey(actor, req.Name, req.Scopes)
		if err != nil {
			response.FromError(w, r, err)
			return
		}
		if err := svc.CreateAPIKey(r.Context(), key); err != nil {
			response.FromError(w, r, err)
			return
		}
		response.Created(w, issuedKey{APIKey: key, Secret: raw})
	}
}

// NewListAPIKeysHandler returns GET /api/v1/admin/api-keys?actorId=.
func NewListAPIKeysHandler(svc KeyAdmin) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actorID := strings.TrimSpace(r.URL.Query().Get("actorId"))
		if actorID == "" {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "actorId query parameter is required", nil)
			return
		}
		keys, err := svc.ListAPIKeys(r.Context(), actorID)
		if err != nil {
			response.FromError(w, r, err)
			return
		}
		if keys == nil {
			keys = []*models.APIKey{}
		}
		response.Collection(w, keys, response.PaginationMeta{Page: 1, Limit: len(keys), Total: len(keys)})
	}
}

// NewRevokeAPIKeyHandler returns DELETE /api/v1/admin/api-keys/{id}.
func NewRevokeAPIKeyHandler(svc KeyAdmin) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := uuid.Parse(chi.URLParam(r, "id"))
		if err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "id must be a UUID", nil)
			return
		}
		if err := svc.RevokeAPIKey(r.Context(), id); err != nil {
			response.FromError(w, r, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}
