package app

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/rtmx-ai/rtmx-trust/internal/audit"
	"github.com/rtmx-ai/rtmx-trust/internal/converge"
	"github.com/rtmx-ai/rtmx-trust/internal/grant"
	"github.com/rtmx-ai/rtmx-trust/internal/observability"
	"github.com/rtmx-ai/rtmx-trust/internal/requirement"
	"github.com/rtmx-ai/rtmx-trust/internal/shadow"
	"github.com/rtmx-ai/rtmx-trust/internal/token"
	"github.com/rtmx-ai/rtmx-trust/jobs"
)

// RouterParams groups dependencies for building the HTTP router.
type RouterParams struct {
	Logger             *slog.Logger
	Config             *Config
	Validator          *token.Validator
	GrantHandler       *grant.Handler
	RequirementHandler *shadow.Handler
	RemotesHandler     *requirement.RemotesHandler
	SyncHandler        *converge.Handler
	AuditHandler       *audit.Handler
	JobsHandler        *jobs.Handler
	Metrics            *observability.Metrics
}

// NewRouter constructs the chi.Router for the trust service. The token
// surface covers everything except health, metrics, and the
// peer-authenticated sync routes.
func NewRouter(params RouterParams) http.Handler {
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
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	if params.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", params.Metrics.Handler())
	}

	if params.SyncHandler != nil {
		r.Route("/sync", func(r chi.Router) {
			r.Use(PeerAuthenticator(params.Config.PeerToken, params.Logger))
			params.SyncHandler.MountRoutes(r)
		})
	}

	r.Group(func(r chi.Router) {
		r.Use(Authenticator(params.Validator, params.Logger))

		if params.GrantHandler != nil {
			r.Route("/grants", params.GrantHandler.MountRoutes)
		}
		if params.RequirementHandler != nil {
			r.Route("/requirements", params.RequirementHandler.MountRoutes)
		}
		if params.RemotesHandler != nil {
			r.Route("/remotes", params.RemotesHandler.MountRoutes)
		}
		if params.AuditHandler != nil {
			r.Route("/audit", params.AuditHandler.MountRoutes)
		}
		if params.JobsHandler != nil {
			r.Route("/jobs", params.JobsHandler.MountRoutes)
		}
	})

	return r
}
