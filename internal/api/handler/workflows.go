package handler

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	mw "github.com/kiranshivaraju/approvalhub/internal/api/middleware"
	"github.com/kiranshivaraju/approvalhub/internal/api/response"
	"github.com/kiranshivaraju/approvalhub/internal/approval"
	"github.com/kiranshivaraju/approvalhub/pkg/models"
)

// WorkflowService drives per-document approval workflows.
type WorkflowService interface {
	Get(ctx context.Context, ref models.DocumentRef) (*models.WorkflowInstance, error)
	Start(ctx context.Context, ref models.DocumentRef, templateID string, actor models.Identity) (*models.WorkflowInstance, error)
	Submit(ctx context.Context, ref models.DocumentRef, actor models.Identity) (*models.WorkflowInstance, error)
	Approve(ctx context.Context, ref models.DocumentRef, n int, actor models.Identity, comment string) (*models.WorkflowInstance, error)
	Reject(ctx context.Context, ref models.DocumentRef, n int, actor models.Identity, comment string) (*models.WorkflowInstance, error)
	SendBack(ctx context.Context, ref models.DocumentRef, target int, actor models.Identity, reason string) (*models.WorkflowInstance, error)
}

// workflowView is an instance as seen by the calling approver.
type workflowView struct {
	*models.WorkflowInstance
	Status      models.DocumentStatus `json:"status"`
	CallerLevel *models.ApprovalLevel `json:"callerLevel,omitempty"`
	CallerMatch string                `json:"callerMatch"`
	CanAct      bool                  `json:"canAct"`
}

func viewFor(inst *models.WorkflowInstance, caller models.Identity) workflowView {
	v := workflowView{WorkflowInstance: inst, Status: approval.AggregateStatus(inst.Levels)}
	level, match := approval.CurrentStatusFor(inst.Levels, caller)
	v.CallerMatch = match.String()
	if match != approval.MatchNone {
		v.CallerLevel = &level
	}
	v.CanAct = match == approval.MatchCaller && inst.State.IsPendingAt(level.Order)
	return v
}

// NewGetWorkflowHandler returns GET /api/v1/workflows/{ref}.
func NewGetWorkflowHandler(svc WorkflowService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actor, ref, ok := workflowRequest(w, r)
		if !ok {
			return
		}
		inst, err := svc.Get(r.Context(), ref)
		if err != nil {
			response.FromError(w, r, err)
			return
		}
		response.JSON(w, viewFor(inst, actor))
	}
}

// NewStartWorkflowHandler returns POST /api/v1/workflows.
func NewStartWorkflowHandler(svc WorkflowService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actor, ok := identity(w, r)
		if !ok {
			return
		}
		var req struct {
			ID         string `json:"id"`
			TemplateID string `json:"templateId"`
		}
		if !decode(w, r, &req) {
			return
		}
		ref, err := models.ParseDocumentRef(req.ID)
		if err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_DOCUMENT_ID", err.Error(), nil)
			return
		}
		if req.TemplateID == "" {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "templateId is required", nil)
			return
		}

		inst, err := svc.Start(r.Context(), ref, req.TemplateID, actor)
		if err != nil {
			response.FromError(w, r, err)
			return
		}
		response.Created(w, viewFor(inst, actor))
	}
}

// NewSubmitHandler returns POST /api/v1/workflows/{ref}/submit.
func NewSubmitHandler(svc WorkflowService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actor, ref, ok := workflowRequest(w, r)
		if !ok {
			return
		}
		inst, err := svc.Submit(r.Context(), ref, actor)
		if err != nil {
			response.FromError(w, r, err)
			return
		}
		response.JSON(w, viewFor(inst, actor))
	}
}

type decisionRequest struct {
	Level   int    `json:"level"`
	Comment string `json:"comment"`
}

// NewApproveHandler returns POST /api/v1/workflows/{ref}/approve.
func NewApproveHandler(svc WorkflowService) http.HandlerFunc {
	return decisionHandler(svc.Approve)
}

// NewRejectHandler returns POST /api/v1/workflows/{ref}/reject.
func NewRejectHandler(svc WorkflowService) http.HandlerFunc {
	return decisionHandler(svc.Reject)
}

type decisionFunc func(ctx context.Context, ref models.DocumentRef, n int, actor models.Identity, comment string) (*models.WorkflowInstance, error)

func decisionHandler(decide decisionFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actor, ref, ok := workflowRequest(w, r)
		if !ok {
			return
		}
		var req decisionRequest
		if !decode(w, r, &req) {
			return
		}
		if req.Level < 1 {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "level must be at least 1", nil)
			return
		}

		inst, err := decide(r.Context(), ref, req.Level, actor, req.Comment)
		if err != nil {
			response.FromError(w, r, err)
			return
		}
		response.JSON(w, viewFor(inst, actor))
	}
}

// NewSendBackHandler returns POST /api/v1/workflows/{ref}/send-back.
func NewSendBackHandler(svc WorkflowService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actor, ref, ok := workflowRequest(w, r)
		if !ok {
			return
		}
		var req struct {
			TargetLevel int    `json:"targetLevel"`
			Reason      string `json:"reason"`
		}
		if !decode(w, r, &req) {
			return
		}

		inst, err := svc.SendBack(r.Context(), ref, req.TargetLevel, actor, req.Reason)
		if err != nil {
			response.FromError(w, r, err)
			return
		}
		response.JSON(w, viewFor(inst, actor))
	}
}

func workflowRequest(w http.ResponseWriter, r *http.Request) (models.Identity, models.DocumentRef, bool) {
	actor, ok := identity(w, r)
	if !ok {
		return models.Identity{}, models.DocumentRef{}, false
	}
	ref, err := models.ParseDocumentRef(chi.URLParam(r, "ref"))
	if err != nil {
		response.Error(w, http.StatusBadRequest, "INVALID_DOCUMENT_ID", err.Error(), nil)
		return models.Identity{}, models.DocumentRef{}, false
	}
	return actor, ref, true
}

func identity(w http.ResponseWriter, r *http.Request) (models.Identity, bool) {
	actor, ok := mw.GetIdentity(r)
	if !ok || actor.ID == "" {
		response.Error(w, http.StatusUnauthorized, "INVALID_TOKEN", "Missing caller identity", nil)
		return models.Identity{}, false
	}
	return actor, true
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxQueryBody)).Decode(v); err != nil {
		response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body", nil)
		return false
	}
	return true
}
