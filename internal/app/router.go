package app

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/freelancehq/portal/internal/billing"
	"github.com/freelancehq/portal/internal/clients"
	"github.com/freelancehq/portal/internal/notify"
	"github.com/freelancehq/portal/internal/observability"
	"github.com/freelancehq/portal/internal/platform/httpx"
	"github.com/freelancehq/portal/jobs"
)

// Pinger reports whether a backing store is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// RouterParams groups dependencies for building the HTTP router.
type RouterParams struct {
	Logger         *slog.Logger
	Config         *Config
	BillingHandler *billing.Handler
	ClientHandler  *clients.Handler
	NotifyHandler  *notify.Handler
	JobHandler     *jobs.Handler
	Database       Pinger
	Metrics        *observability.Metrics
}

// NewRouter constructs the chi.Router with portal defaults.
func NewRouter(params RouterParams) http.Handler {
	if params.Logger == nil {
		params.Logger = slog.Default()
	}
	r := chi.NewRouter()

	for _, mw := range MiddlewareStack(MiddlewareConfig{
		Logger:  params.Logger,
		Config:  params.Config,
		Metrics: params.Metrics,
	}) {
		r.Use(mw)
	}

	r.Use(chimw.Logger)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		status := map[string]string{"status": "ok", "database": "skipped"}
		code := http.StatusOK
		if params.Database != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			if err := params.Database.Ping(ctx); err != nil {
				params.Logger.Warn("health check database", slog.Any("error", err))
				status["status"], status["database"] = "degraded", "unreachable"
				code = http.StatusServiceUnavailable
			} else {
				status["database"] = "ok"
			}
		}
		httpx.JSON(w, code, status)
	})

	r.Route("/api", func(r chi.Router) {
		r.Use(chimw.AllowContentType("application/json"))
		if params.BillingHandler != nil {
			r.Route("/invoices", params.BillingHandler.MountRoutes)
		}
		if params.ClientHandler != nil {
			r.Route("/clients", func(r chi.Router) {
				var nested func(chi.Router)
				if params.NotifyHandler != nil {
					nested = params.NotifyHandler.MountClientRoutes
				}
				params.ClientHandler.MountRoutes(r, nested)
			})
		}
		if params.NotifyHandler != nil {
			r.Route("/notifications", params.NotifyHandler.MountRoutes)
		}
	})

	if params.JobHandler != nil {
		r.Route("/jobs", params.JobHandler.MountRoutes)
	}
	if params.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", params.Metrics.Handler())
	}

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		httpx.Problem(w, http.StatusNotFound, "Not found", "no route for "+r.Method+" "+r.URL.Path)
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		httpx.Problem(w, http.StatusMethodNotAllowed, "Method not allowed", r.Method+" is not supported here")
	})

	return r
}
