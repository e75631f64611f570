package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/dumpkeep-io/dumpkeep/internal/dbadapter"
	"github.com/dumpkeep-io/dumpkeep/internal/metrics"
	"github.com/dumpkeep-io/dumpkeep/internal/notify"
	"github.com/dumpkeep-io/dumpkeep/internal/repositories"
	"github.com/dumpkeep-io/dumpkeep/internal/runner"
	"github.com/dumpkeep-io/dumpkeep/internal/scheduler"
	"github.com/dumpkeep-io/dumpkeep/internal/storage"
	"github.com/dumpkeep-io/dumpkeep/internal/websocket"
)

// RouterConfig carries everything the HTTP layer depends on. All fields are
// required unless noted.
type RouterConfig struct {
	Logger *zap.Logger

	Keys         repositories.APIKeyRepository
	Sources      repositories.SourceRepository
	Destinations repositories.DestinationRepository
	Channels     repositories.ChannelRepository
	Profiles     repositories.ProfileRepository
	Jobs         repositories.JobRepository
	Executions   repositories.ExecutionRepository
	Snapshots    repositories.SnapshotRepository
	Settings     repositories.SettingsRepository

	Scheduler  *scheduler.Scheduler
	Runner     *runner.Runner
	Hub        *websocket.Hub
	Dispatcher *notify.Dispatcher
	Limiter    *RateLimiter

	StorageAdapters *storage.Registry
	DBAdapters      *dbadapter.Registry
}

// NewRouter builds the full HTTP handler: health and metrics at the root,
// everything else under /api/v1 behind API-key authentication.
func NewRouter(cfg RouterConfig) http.Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	sources := NewSourceHandler(cfg.Sources, cfg.DBAdapters, logger)
	destinations := NewDestinationHandler(cfg.Destinations, cfg.Snapshots, cfg.StorageAdapters, logger)
	channels := NewChannelHandler(cfg.Channels, cfg.Dispatcher, logger)
	profiles := NewProfileHandler(cfg.Profiles, logger)
	jobs := NewJobHandler(cfg.Jobs, cfg.Scheduler, cfg.Runner, logger)
	var progress ProgressSource
	if cfg.Runner != nil {
		progress = cfg.Runner
	}
	executions := NewExecutionHandler(cfg.Executions, progress, logger)
	apikeys := NewAPIKeyHandler(cfg.Keys, logger)
	settings := NewSettingsHandler(cfg.Settings, cfg.Limiter, logger)
	ws := NewWSHandler(cfg.Hub, cfg.Keys, logger)

	rl := cfg.Limiter

	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(RequestLogger(logger))
	r.Use(chimiddleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		Ok(w, map[string]string{"status": "ok"})
	})
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		// WebSocket authenticates via query parameter inside the handler.
		r.With(rl.Limit(ClassAuth)).Get("/ws", ws.Serve)

		r.Group(func(r chi.Router) {
			r.Use(Authenticate(cfg.Keys, logger))

			// Read endpoints.
			r.Group(func(r chi.Router) {
				r.Use(RequireCapability(CapJobsRead))
				r.Use(rl.Limit(ClassRead))

				r.Get("/sources", sources.List)
				r.Get("/sources/{id}", sources.GetByID)
				r.Get("/sources/{id}/databases", sources.Databases)

				r.Get("/destinations", destinations.List)
				r.Get("/destinations/{id}", destinations.GetByID)
				r.Get("/destinations/{id}/snapshots", destinations.Snapshots)

				r.Get("/channels", channels.List)
				r.Get("/channels/{id}", channels.GetByID)

				r.Get("/profiles", profiles.List)
				r.Get("/profiles/{id}", profiles.GetByID)

				r.Get("/jobs", jobs.List)
				r.Get("/jobs/{id}", jobs.GetByID)

				r.Get("/executions", executions.List)
				r.Get("/executions/{id}", executions.GetByID)
			})

			// Run triggers.
			r.Group(func(r chi.Router) {
				r.Use(RequireCapability(CapJobsExecute))
				r.Use(rl.Limit(ClassMutate))

				r.Post("/jobs/{id}/run", jobs.Run)
				r.Post("/jobs/{id}/restore", jobs.Restore)
			})

			// Admin mutations.
			r.Group(func(r chi.Router) {
				r.Use(RequireCapability(CapAdmin))
				r.Use(rl.Limit(ClassMutate))

				r.Post("/sources", sources.Create)
				r.Patch("/sources/{id}", sources.Update)
				r.Delete("/sources/{id}", sources.Delete)
				r.Post("/sources/{id}/test", sources.Test)

				r.Post("/destinations", destinations.Create)
				r.Patch("/destinations/{id}", destinations.Update)
				r.Delete("/destinations/{id}", destinations.Delete)
				r.Post("/destinations/{id}/test", destinations.Test)

				r.Post("/channels", channels.Create)
				r.Patch("/channels/{id}", channels.Update)
				r.Delete("/channels/{id}", channels.Delete)
				r.Post("/channels/{id}/test", channels.Test)

				r.Post("/profiles", profiles.Create)
				r.Patch("/profiles/{id}", profiles.Update)
				r.Delete("/profiles/{id}", profiles.Delete)

				r.Post("/jobs", jobs.Create)
				r.Patch("/jobs/{id}", jobs.Update)
				r.Delete("/jobs/{id}", jobs.Delete)

				r.Get("/apikeys", apikeys.List)
				r.Post("/apikeys", apikeys.Create)
				r.Delete("/apikeys/{id}", apikeys.Delete)

				r.Get("/settings", settings.List)
				r.Put("/settings", settings.Set)
			})
		})
	})

	return r
}
