// Package api assembles the pharmacy HTTP API.
package api

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/vietcare/rxpay/internal/api/handlers"
	"github.com/vietcare/rxpay/internal/api/middleware"
	"github.com/vietcare/rxpay/internal/observability/metrics"
)

// Permission strings the API gates on. The RBAC service owns their meaning.
const (
	PermPrescriptions = "prescription:manage"
	PermDispensing    = "dispensing:manage"
	PermPayments      = "payment:manage"
)

// Deps carries everything the router mounts.
type Deps struct {
	Prescriptions *handlers.PrescriptionHandler
	Dispensing    *handlers.DispensingHandler
	Payments      *handlers.PaymentHandler
	Callbacks     *handlers.CallbackHandler
	Permissions   middleware.PermissionChecker
	Pool          *pgxpool.Pool
	Logger        *zap.Logger
	ServiceName   string
}

// NewRouter builds the full route tree. Staff routes sit behind the SSO user
// context and RBAC gates; gateway callbacks are mounted openly because the
// parameter signature is their authentication.
func NewRouter(d Deps) *chi.Mux {
	logger := d.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	perms := d.Permissions
	if perms == nil {
		perms = allowAll{}
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recover(logger))
	r.Use(middleware.Tracing(d.ServiceName))
	r.Use(middleware.Logger(logger))
	r.Use(middleware.CORS)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ok"}`))
	})
	r.Get("/readyz", func(w http.ResponseWriter, req *http.Request) {
		if d.Pool != nil {
			if err := d.Pool.Ping(req.Context()); err != nil {
				http.Error(w, `{"status":"database unreachable"}`, http.StatusServiceUnavailable)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ready"}`))
	})
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(middleware.UserContext)
			r.With(middleware.RequirePermission(perms, PermPrescriptions)).
				Mount("/prescriptions", d.Prescriptions.Routes())
			r.With(middleware.RequirePermission(perms, PermDispensing)).
				Mount("/dispensing", d.Dispensing.Routes())
			r.With(middleware.RequirePermission(perms, PermPayments)).
				Mount("/payments", d.Payments.Routes())
		})
		r.Mount("/callbacks", d.Callbacks.Routes())
	})

	return r
}

// allowAll is the development fallback when no RBAC service is configured.
type allowAll struct{}

func (allowAll) HasPermission(context.Context, string, string) (bool, error) {
	return true, nil
}
