package http

import (
	"net/http"
	"time"

	"github.com/atinyakov/PlayLedger/internal/metrics"
	"github.com/atinyakov/PlayLedger/internal/middleware"
	"go.uber.org/zap"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// Handlers groups the endpoint handlers mounted by NewRouter.
type Handlers struct {
	Auth     *AuthHandler
	Gameplay *GameplayHandler
	Backup   *BackupHandler
	Device   *DeviceHandler
}

// RouterOptions holds the cross-cutting settings of the router.
type RouterOptions struct {
	CORSOrigins    []string
	RequestTimeout time.Duration
	// Limiter throttles device requests; nil disables throttling.
	Limiter *middleware.RateLimiter
	// FailureLimiter throttles rejected credentials per client address
	// ahead of login and both authentication middlewares; nil disables it.
	FailureLimiter *middleware.RateLimiter
	Metrics        metrics.Recorder
	// MetricsHandler is mounted at /metrics when set.
	MetricsHandler http.Handler
}

// Authenticators resolves user sessions and device API keys.
type Authenticators interface {
	middleware.SessionAuthorizer
	middleware.DeviceAuthenticator
}

// NewRouter constructs the HTTP handler that serves the PlayLedger API.
//
// Routes:
//
//	POST   /api/auth/register              → Auth.Register
//	POST   /api/auth/login                 → Auth.Login
//	GET    /api/gameplay/public/{username} → Gameplay.PublicProfile
//
//	session token (Authorization: Bearer <jwt>):
//	GET    /api/auth/me                    → Auth.Me
//	PATCH  /api/auth/profile               → Auth.UpdateProfile
//	POST   /api/auth/regenerate-api-key    → Auth.RegenerateAPIKey
//	GET    /api/gameplay/stats             → Gameplay.Stats
//	GET    /api/backup/list                → Backup.List
//	GET    /api/backup/download/{id}       → Backup.Download
//	DELETE /api/backup/{id}                → Backup.Delete
//	GET    /api/device/list                → Device.List
//
//	device API key (X-API-Key or Authorization: Bearer plk_...), rate limited:
//	POST   /api/gameplay/session           → Gameplay.RecordSession
//	POST   /api/gameplay/sessions          → Gameplay.RecordSessions
//	POST   /api/backup/upload              → Backup.Upload
func NewRouter(h Handlers, auth Authenticators, opts RouterOptions, logger *zap.Logger) http.Handler {
	rec := opts.Metrics
	if rec == nil {
		rec = metrics.Noop{}
	}
	timeout := opts.RequestTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	r := chi.NewRouter()
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(middleware.WithRequestLogging(logger))
	r.Use(chiMiddleware.Recoverer)
	r.Use(metrics.Middleware(rec))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   opts.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", middleware.APIKeyHeader},
		ExposedHeaders:   []string{"Content-Disposition", "X-Checksum-Sha256"},
		AllowCredentials: false,
		MaxAge:           300,
	}))
	r.Use(chiMiddleware.Timeout(timeout))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if opts.MetricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", opts.MetricsHandler)
	}

	jsonOnly := chiMiddleware.AllowContentType("application/json")

	r.Route("/api", func(r chi.Router) {
		// Public endpoints
		r.With(jsonOnly).Post("/auth/register", h.Auth.Register)
		r.With(opts.FailureLimiter.FailureGuard, jsonOnly).Post("/auth/login", h.Auth.Login)
		r.Get("/gameplay/public/{username}", h.Gameplay.PublicProfile)

		// Dashboard endpoints: require a session token
		r.Group(func(r chi.Router) {
			r.Use(opts.FailureLimiter.FailureGuard)
			r.Use(middleware.SessionAuth(auth))

			r.Get("/auth/me", h.Auth.Me)
			r.With(jsonOnly).Patch("/auth/profile", h.Auth.UpdateProfile)
			r.Post("/auth/regenerate-api-key", h.Auth.RegenerateAPIKey)
			r.Get("/gameplay/stats", h.Gameplay.Stats)
			r.Get("/backup/list", h.Backup.List)
			r.Get("/backup/download/{id}", h.Backup.Download)
			r.Delete("/backup/{id}", h.Backup.Delete)
			r.Get("/device/list", h.Device.List)
		})

		// Device endpoints: require an API key
		r.Group(func(r chi.Router) {
			r.Use(opts.FailureLimiter.FailureGuard)
			r.Use(middleware.DeviceAuth(auth))
			r.Use(opts.Limiter.Middleware)

			r.With(jsonOnly).Post("/gameplay/session", h.Gameplay.RecordSession)
			r.With(jsonOnly).Post("/gameplay/sessions", h.Gameplay.RecordSessions)
			r.With(chiMiddleware.AllowContentType("multipart/form-data")).Post("/backup/upload", h.Backup.Upload)
		})
	})

	return r
}
