package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/dbkeep-io/dbkeep/internal/auth"
	"github.com/dbkeep-io/dbkeep/internal/backup"
	"github.com/dbkeep-io/dbkeep/internal/metrics"
	"github.com/dbkeep-io/dbkeep/internal/repositories"
	"github.com/dbkeep-io/dbkeep/internal/restore"
	"github.com/dbkeep-io/dbkeep/internal/scheduler"
	"github.com/dbkeep-io/dbkeep/internal/storage"
)

// RouterConfig holds all dependencies needed to build the HTTP router.
// It is populated in main.go after all components are initialized and
// passed to NewRouter as a single struct to keep the constructor signature
// manageable as the number of dependencies grows.
type RouterConfig struct {
	Verifier  auth.Verifier
	Logger    *zap.Logger
	Scheduler *scheduler.Scheduler
	Metrics   *metrics.Metrics

	Targets      repositories.TargetRepository
	Destinations repositories.DestinationRepository
	Schedules    repositories.ScheduleRepository
	Runs         repositories.RunRepository

	Backups  *backup.Pipeline
	Restores *restore.Pipeline
	Resolver *backup.Resolver
	Factory  *storage.Factory
}

// NewRouter builds and returns the fully configured Chi router. The
// automation resources live under /automation, the built-in local
// destination under /backup. Every route except /health and /metrics
// requires a Bearer token with the backup:* role noted on the route.
func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	// --- Global middleware ---
	// RequestID generates a unique ID for each request, used in logs and
	// response headers for tracing.
	r.Use(middleware.RequestID)

	// RealIP extracts the real client IP from X-Forwarded-For or X-Real-IP
	// headers when the server runs behind a reverse proxy.
	r.Use(middleware.RealIP)

	// RequestLogger logs every request with method, path, status and latency.
	r.Use(RequestLogger(cfg.Logger))

	// Recoverer catches panics in handlers, logs them, and returns a 500
	// instead of crashing the server.
	r.Use(middleware.Recoverer)

	// --- Initialize handlers ---
	targetHandler := NewTargetHandler(cfg.Targets, cfg.Logger)
	destinationHandler := NewDestinationHandler(cfg.Destinations, cfg.Factory, cfg.Logger)
	scheduleHandler := NewScheduleHandler(cfg.Schedules, cfg.Targets, cfg.Destinations, cfg.Scheduler, cfg.Logger)
	runHandler := NewRunHandler(cfg.Runs, cfg.Logger)
	backupHandler := NewBackupHandler(cfg.Resolver, cfg.Targets, cfg.Logger)
	operationsHandler := NewOperationsHandler(cfg.Targets, cfg.Schedules, cfg.Backups, cfg.Restores, cfg.Logger)

	// --- Public routes (no authentication required) ---
	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		Ok(w, map[string]string{"status": "ok"})
	})
	if cfg.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", cfg.Metrics.Handler())
	}

	// --- Authenticated routes (valid Bearer token required) ---
	r.Group(func(r chi.Router) {
		r.Use(Authenticate(cfg.Verifier))

		r.Route("/automation", func(r chi.Router) {

			// Targets
			r.With(RequireRole(auth.RoleRead)).Get("/targets", targetHandler.List)
			r.With(RequireRole(auth.RoleCreate)).Post("/targets", targetHandler.Create)
			r.With(RequireRole(auth.RoleConfigure)).Post("/targets/test-connection", targetHandler.TestConnection)
			r.With(RequireRole(auth.RoleRead)).Get("/targets/{id}", targetHandler.GetByID)
			r.With(RequireRole(auth.RoleConfigure)).Put("/targets/{id}", targetHandler.Update)
			r.With(RequireRole(auth.RoleDelete)).Delete("/targets/{id}", targetHandler.Delete)

			// Destinations
			r.With(RequireRole(auth.RoleRead)).Get("/destinations", destinationHandler.List)
			r.With(RequireRole(auth.RoleCreate)).Post("/destinations", destinationHandler.Create)
			r.With(RequireRole(auth.RoleConfigure)).Post("/destinations/test-connection", destinationHandler.TestConnection)
			r.With(RequireRole(auth.RoleRead)).Get("/destinations/{id}", destinationHandler.GetByID)
			r.With(RequireRole(auth.RoleConfigure)).Put("/destinations/{id}", destinationHandler.Update)
			r.With(RequireRole(auth.RoleDelete)).Delete("/destinations/{id}", destinationHandler.Delete)

			// Stored artifacts at a destination
			r.With(RequireRole(auth.RoleRead)).Get("/destinations/{id}/backups", backupHandler.ListByDestination)
			r.With(RequireRole(auth.RoleRead)).Get("/destinations/{id}/backups/download", backupHandler.Download)
			r.With(RequireRole(auth.RoleDelete)).Delete("/destinations/{id}/backups/delete", backupHandler.DeleteBackup)

			// Schedules
			r.With(RequireRole(auth.RoleRead)).Get("/schedules", scheduleHandler.List)
			r.With(RequireRole(auth.RoleCreate)).Post("/schedules", scheduleHandler.Create)
			r.With(RequireRole(auth.RoleRun)).Post("/schedules/run-enabled-now", operationsHandler.RunEnabledNow)
			r.With(RequireRole(auth.RoleRead)).Get("/schedules/{id}", scheduleHandler.GetByID)
			r.With(RequireRole(auth.RoleConfigure)).Put("/schedules/{id}", scheduleHandler.Update)
			r.With(RequireRole(auth.RoleDelete)).Delete("/schedules/{id}", scheduleHandler.Delete)
			r.With(RequireRole(auth.RoleRun)).Post("/schedules/{id}/run-now", operationsHandler.RunNow)

			// Imperative operations
			r.With(RequireRole(auth.RoleRun)).Post("/backup-now", operationsHandler.BackupNow)
			r.With(RequireRole(auth.RoleRestore)).Post("/restore-now", operationsHandler.RestoreNow)

			// Audit history
			r.With(RequireRole(auth.RoleRead)).Get("/audit", runHandler.List)
			r.With(RequireRole(auth.RoleRead)).Get("/audit/{id}", runHandler.GetByID)
		})

		// Built-in local destination
		r.Route("/backup", func(r chi.Router) {
			r.With(RequireRole(auth.RoleRead)).Get("/list", backupHandler.LocalList)
			r.With(RequireRole(auth.RoleRead)).Get("/download/{filename}", backupHandler.LocalDownload)
			r.With(RequireRole(auth.RoleDelete)).Delete("/delete/{filename}", backupHandler.LocalDelete)
		})
	})

	return r
}
