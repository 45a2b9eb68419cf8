package rest

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// RouterOptions configures the cross-cutting parts of [NewRouter]. The zero
// value serves the API without authentication, CORS or metrics.
type RouterOptions struct {
	// JWT enables bearer-token authentication on /api when non-nil.
	JWT *JWTConfig

	// CORSOrigins lists the browser origins allowed to call the API.
	CORSOrigins []string

	// Instrument, when set, wraps every request (e.g. metrics.Middleware).
	Instrument func(http.Handler) http.Handler

	// MetricsPath and MetricsHandler mount a scrape endpoint outside /api.
	MetricsPath    string
	MetricsHandler http.Handler

	// Live, when set, serves the WebSocket change feed at /api/changes/live.
	Live http.Handler

	// Logger enables per-request access logging when non-nil.
	Logger *slog.Logger
}

// NewRouter returns a configured chi.Router for the Tracer API.
//
// Route layout:
//
//	GET    /healthz                    – liveness check (no authentication)
//	GET    /metrics                    – Prometheus scrape (when configured)
//	POST   /api/folders/add            – start watching a directory
//	GET    /api/folders                – list watch folders
//	GET    /api/folders/{id}           – one watch folder
//	PATCH  /api/folders/{id}           – change patterns / recursion
//	DELETE /api/folders/{id}           – stop watching and forget a folder
//	POST   /api/folders/{id}/toggle    – flip a folder's active flag
//	GET    /api/watchers               – live watch set
//	GET    /api/changes                – filtered, paginated change history
//	GET    /api/changes/live           – WebSocket feed (when configured)
//	GET    /api/changes/date/{date}    – all changes on one day
//	GET    /api/changes/{id}           – one change
//	POST   /api/logs                   – ingest parsed shell-history records
//	GET    /api/logs                   – filtered, paginated command history
//	GET    /api/logs/filter-options    – distinct users and directories
//	GET    /api/logs/date/{date}       – all commands on one day
func NewRouter(srv *Server, opts RouterOptions) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	if opts.Logger != nil {
		r.Use(RequestLogger(opts.Logger))
	}
	r.Use(middleware.Recoverer)
	if opts.Instrument != nil {
		r.Use(opts.Instrument)
	}
	if len(opts.CORSOrigins) > 0 {
		r.Use(CORS(opts.CORSOrigins))
	}

	r.Get("/healthz", srv.handleHealthz)
	if opts.MetricsHandler != nil && opts.MetricsPath != "" {
		r.Method(http.MethodGet, opts.MetricsPath, opts.MetricsHandler)
	}

	r.Route("/api", func(r chi.Router) {
		if opts.JWT != nil {
			r.Use(JWTMiddleware(*opts.JWT))
		}

		r.Route("/folders", func(r chi.Router) {
			r.Post("/add", srv.handleAddFolder)
			r.Get("/", srv.handleListFolders)
			r.Get("/{id}", srv.handleGetFolder)
			r.Patch("/{id}", srv.handleUpdateFolder)
			r.Delete("/{id}", srv.handleDeleteFolder)
			r.Post("/{id}/toggle", srv.handleToggleFolder)
		})

		r.Get("/watchers", srv.handleWatchers)

		r.Route("/changes", func(r chi.Router) {
			r.Get("/", srv.handleListChanges)
			if opts.Live != nil {
				r.Method(http.MethodGet, "/live", opts.Live)
			}
			r.Get("/date/{date}", srv.handleChangesForDate)
			r.Get("/{id}", srv.handleGetChange)
		})

		r.Route("/logs", func(r chi.Router) {
			r.Post("/", srv.handleIngestLogs)
			r.Get("/", srv.handleListLogs)
			r.Get("/filter-options", srv.handleLogFilterOptions)
			r.Get("/date/{date}", srv.handleLogsForDate)
		})
	})

	return r
}
