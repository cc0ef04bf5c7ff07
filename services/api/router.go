// Package api is the HTTP boundary of the collaboration manager.
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"collabmgr/services/files"
	"collabmgr/services/pipelines"
	"collabmgr/services/sessions"
)

const (
	// UserHeader carries the authenticated user, set by the auth proxy in front.
	UserHeader = "X-Forwarded-User"

	defaultRateLimit      = 100
	defaultRequestTimeout = 60 * time.Second
)

// Config controls runtime behaviour for the API handlers.
type Config struct {
	// AllowedOrigins enables CORS for the listed origins. Empty disables CORS.
	AllowedOrigins []string
	// RateLimit is the number of requests per minute and client IP.
	RateLimit      int
	RequestTimeout time.Duration
}

// Check reports whether a dependency is ready to serve.
type Check func(ctx context.Context) error

// Dependencies wires the API. Files may be nil, in which case the file
// endpoints answer 501.
type Dependencies struct {
	Sessions  *sessions.Manager
	Pipelines *pipelines.Service
	Files     *files.Service
	Checks    map[string]Check
	Logger    zerolog.Logger
}

// API wires dependencies and configuration for HTTP handlers.
type API struct {
	sessions  *sessions.Manager
	pipelines *pipelines.Service
	files     *files.Service
	checks    map[string]Check
	config    Config
	logger    zerolog.Logger
}

func New(deps Dependencies, cfg Config) (*API, error) {
	if deps.Sessions == nil {
		return nil, errors.New("session manager is required")
	}
	if deps.Pipelines == nil {
		return nil, errors.New("pipeline service is required")
	}
	if cfg.RateLimit <= 0 {
		cfg.RateLimit = defaultRateLimit
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}
	return &API{
		sessions:  deps.Sessions,
		pipelines: deps.Pipelines,
		files:     deps.Files,
		checks:    deps.Checks,
		config:    cfg,
		logger:    deps.Logger.With().Str("component", "api").Logger(),
	}, nil
}

// Routes constructs the chi router containing all API endpoints.
func (a *API) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	if len(a.config.AllowedOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins:   a.config.AllowedOrigins,
			AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
			AllowedHeaders:   []string{"Accept", "Content-Type", UserHeader},
			AllowCredentials: true,
			MaxAge:           int((10 * time.Minute).Seconds()),
		}))
	}

	r.Get("/healthz", a.handleHealth)
	r.Get("/readyz", a.handleReady)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Use(httprate.LimitByIP(a.config.RateLimit, time.Minute))
		r.Use(middleware.Timeout(a.config.RequestTimeout))
		r.Use(requireUser)

		r.Route("/sessions", func(r chi.Router) {
			r.Post("/", a.handleCreateSession)
			r.Get("/", a.handleListSessions)
			r.Route("/{sessionID}", func(r chi.Router) {
				r.Get("/", a.handleGetSession)
				r.Delete("/", a.handleTerminateSession)
				r.Get("/connection", a.handleConnectSession)
				r.Post("/files", a.handleUploadFiles)
				r.Post("/export", a.handleExport)
			})
		})

		r.Route("/pipelines/{pipelineID}", func(r chi.Router) {
			r.Put("/nightly", a.handleSetNightly)
			r.Get("/runs", a.handleListRuns)
			r.Post("/runs", a.handleTriggerRun)
			r.Get("/runs/{runID}", a.handleGetRun)
			r.Get("/runs/{runID}/logs", a.handleRunLogs)
		})
	})

	return r
}

type userKey struct{}

func requireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user := r.Header.Get(UserHeader)
		if user == "" {
			respondError(w, http.StatusUnauthorized, errors.New("missing "+UserHeader+" header"))
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), userKey{}, user)))
	})
}

func userFrom(ctx context.Context) string {
	user, _ := ctx.Value(userKey{}).(string)
	return user
}
