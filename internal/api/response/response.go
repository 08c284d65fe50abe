// Package response writes the portal's JSON bodies: {data}, {data, meta} and
// {error: {code, message, details}}.
package response

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/kiranshivaraju/approvalhub/internal/apperr"
)

type envelope struct {
	Data any             `json:"data"`
	Meta *PaginationMeta `json:"meta,omitempty"`
}

type errorEnvelope struct {
	Error errorBody `json:"error"`
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

type PaginationMeta struct {
	Page    int  `json:"page"`
	Limit   int  `json:"limit"`
	Total   int  `json:"total"`
	HasNext bool `json:"has_next"`
}

// errorClass pairs an apperr sentinel with how it is reported.
type errorClass struct {
	kind   error
	status int
	code   string
}

var errorClasses = []errorClass{
	{apperr.ErrValidation, http.StatusBadRequest, "VALIDATION_ERROR"},
	{apperr.ErrAuthorization, http.StatusForbidden, "FORBIDDEN"},
	{apperr.ErrNotFound, http.StatusNotFound, "RESOURCE_NOT_FOUND"},
	{apperr.ErrConflict, http.StatusConflict, "CONFLICT"},
	{apperr.ErrConfiguration, http.StatusUnprocessableEntity, "CONFIGURATION_ERROR"},
	{apperr.ErrConnection, http.StatusBadGateway, "UPSTREAM_ERROR"},
}

func JSON(w http.ResponseWriter, data any) {
	writeJSON(w, http.StatusOK, envelope{Data: data})
}

func Created(w http.ResponseWriter, data any) {
	writeJSON(w, http.StatusCreated, envelope{Data: data})
}

func Collection(w http.ResponseWriter, data any, meta PaginationMeta) {
	writeJSON(w, http.StatusOK, envelope{Data: data, Meta: &meta})
}

// Raw writes v without the data envelope, for bodies whose shape is fixed
// by their consumers.
func Raw(w http.ResponseWriter, status int, v any) {
	writeJSON(w, status, v)
}

func Error(w http.ResponseWriter, status int, code, message string, details any) {
	writeJSON(w, status, errorEnvelope{Error: errorBody{
		Code:    code,
		Message: message,
		Details: details,
	}})
}

// FromError reports a classified error with its message. Anything else is
// logged and answered with a generic 500 carrying the request id, so callers
// never see driver or ERP error text.
func FromError(w http.ResponseWriter, r *http.Request, err error) {
	for _, c := range errorClasses {
		if errors.Is(err, c.kind) {
			Error(w, c.status, c.code, err.Error(), nil)
			return
		}
	}

	reqID := chimw.GetReqID(r.Context())
	slog.ErrorContext(r.Context(), "unhandled error",
		"error", err, "method", r.Method, "path", r.URL.Path, "request_id", reqID)

	var details any
	if reqID != "" {
		details = map[string]string{"requestId": reqID}
	}
	Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "An unexpected error occurred", details)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("write response body", "status", status, "error", err)
	}
}
