package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	mw "github.com/kiranshivaraju/approvalhub/internal/api/middleware"
	"github.com/kiranshivaraju/approvalhub/internal/api/response"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// Dependencies holds all handler and middleware dependencies for the router.
type Dependencies struct {
	Auth      *mw.Auth
	RateLimit *mw.RateLimit

	LiveHandler   http.HandlerFunc
	ReadyHandler  http.HandlerFunc
	HealthHandler http.HandlerFunc

	QueryDocuments http.HandlerFunc

	GetWorkflow   http.HandlerFunc
	StartWorkflow http.HandlerFunc
	Submit        http.HandlerFunc
	Approve       http.HandlerFunc
	Reject        http.HandlerFunc
	SendBack      http.HandlerFunc
	Bulk          http.HandlerFunc

	ListTenants      http.HandlerFunc
	CreateTenant     http.HandlerFunc
	GetTenant        http.HandlerFunc
	UpdateTenant     http.HandlerFunc
	DeactivateTenant http.HandlerFunc
	TestConnection   http.HandlerFunc

	ListTemplates http.HandlerFunc
	GetTemplate   http.HandlerFunc
	PutTemplate   http.HandlerFunc

	CreateAPIKey http.HandlerFunc
	ListAPIKeys  http.HandlerFunc
	RevokeAPIKey http.HandlerFunc
}

// NewRouter builds the Chi router with middleware stack and all routes.
// Every request is wrapped in an otelhttp span; RouteSpan renames it after
// the matched route.
func NewRouter(deps Dependencies) http.Handler {
	r := chi.NewRouter()

	r.Use(mw.RouteSpan)
	r.Use(chimw.RequestID)
	r.Use(mw.Logger)
	r.Use(mw.Recovery)

	r.Get("/health/live", orNotImplemented(deps.LiveHandler))
	r.Get("/health/ready", orNotImplemented(deps.ReadyHandler))
	r.Get("/health", orNotImplemented(deps.HealthHandler))

	r.Group(func(r chi.Router) {
		r.Use(deps.Auth.Authenticate)
		r.Use(deps.RateLimit.Limit)

		r.Post("/api/v1/documents/query", orNotImplemented(deps.QueryDocuments))
		r.Get("/api/v1/workflows/{ref}", orNotImplemented(deps.GetWorkflow))

		r.Group(func(r chi.Router) {
			r.Use(deps.Auth.RequireScope(mw.ScopeApprove))

			r.Post("/api/v1/workflows", orNotImplemented(deps.StartWorkflow))
			r.Post("/api/v1/workflows/{ref}/submit", orNotImplemented(deps.Submit))
			r.Post("/api/v1/workflows/{ref}/approve", orNotImplemented(deps.Approve))
			r.Post("/api/v1/workflows/{ref}/reject", orNotImplemented(deps.Reject))
			r.Post("/api/v1/workflows/{ref}/send-back", orNotImplemented(deps.SendBack))
			r.Post("/api/v1/bulk", orNotImplemented(deps.Bulk))
		})

		r.Group(func(r chi.Router) {
			r.Use(deps.Auth.RequireScope(mw.ScopeAdmin))

			r.Get("/api/v1/admin/tenants", orNotImplemented(deps.ListTenants))
			r.Post("/api/v1/admin/tenants", orNotImplemented(deps.CreateTenant))
			r.Post("/api/v1/admin/tenants/test-connection", orNotImplemented(deps.TestConnection))
			r.Get("/api/v1/admin/tenants/{code}", orNotImplemented(deps.GetTenant))
			r.Put("/api/v1/admin/tenants/{code}", orNotImplemented(deps.UpdateTenant))
			r.Post("/api/v1/admin/tenants/{code}/deactivate", orNotImplemented(deps.DeactivateTenant))

			r.Get("/api/v1/admin/templates", orNotImplemented(deps.ListTemplates))
			r.Get("/api/v1/admin/templates/{id}", orNotImplemented(deps.GetTemplate))
			r.Put("/api/v1/admin/templates/{id}", orNotImplemented(deps.PutTemplate))

			r.Get("/api/v1/admin/api-keys", orNotImplemented(deps.ListAPIKeys))
			r.Post("/api/v1/admin/api-keys", orNotImplemented(deps.CreateAPIKey))
			r.Delete("/api/v1/admin/api-keys/{id}", orNotImplemented(deps.RevokeAPIKey))
		})
	})

	return otelhttp.NewHandler(r, "http_request",
		otelhttp.WithSpanNameFormatter(func(_ string, req *http.Request) string {
			return req.Method
		}),
	)
}

// orNotImplemented returns the handler if non-nil, or a 501 placeholder.
func orNotImplemented(h http.HandlerFunc) http.HandlerFunc {
	if h != nil {
		return h
	}
	return func(w http.ResponseWriter, r *http.Request) {
		response.Error(w, http.StatusNotImplemented, "NOT_IMPLEMENTED", "Endpoint not yet implemented", nil)
	}
}
