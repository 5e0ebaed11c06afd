package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/mattjoyce/darkroom/internal/events"
	"github.com/mattjoyce/darkroom/internal/history"
	"github.com/mattjoyce/darkroom/internal/policy"
	"github.com/mattjoyce/darkroom/internal/registry"
)

// Scopes is the slice of registry.Registry the API drives.
type Scopes interface {
	Open(userID string) (*registry.Scope, error)
	Get(userID string) (*registry.Scope, error)
	Close(userID string) error
	List() []string
}

// PolicyController is the slice of policy.Aggregator the API drives. It
// doubles as the environment monitor's entry point.
type PolicyController interface {
	Current() policy.Aggregate
	Sources() []policy.SourceStatus
	OnEventChange(ev policy.EventType, value int)
	SetIgnored(name string, ignored bool) error
}

// HistoryReader serves /users/{user}/history.
type HistoryReader interface {
	List(ctx context.Context, userID string, limit int) ([]history.Entry, error)
}

// Config holds API server configuration
type Config struct {
	Listen string
	// APIKey is the bearer token required outside /healthz. Empty disables auth.
	APIKey string
}

// Server represents the HTTP API server
type Server struct {
	config    Config
	scopes    Scopes
	policy    PolicyController
	history   HistoryReader
	events    *events.Hub
	logger    *slog.Logger
	server    *http.Server
	startedAt time.Time
}

// New creates a new API server instance. hist may be nil, in which case
// the history endpoint reports 503.
func New(config Config, scopes Scopes, pol PolicyController, hist HistoryReader, hub *events.Hub, logger *slog.Logger) *Server {
	if hub == nil {
		hub = events.NewHub(256)
	}
	return &Server{
		config:    config,
		scopes:    scopes,
		policy:    pol,
		history:   hist,
		events:    hub,
		logger:    logger,
		startedAt: time.Now(),
	}
}

// Start starts the HTTP server and blocks until ctx is done or the
// listener fails.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:        s.config.Listen,
		Handler:     s.setupRoutes(),
		ReadTimeout: 10 * time.Second,
		// No WriteTimeout: /events streams for as long as the client stays.
		IdleTimeout: 60 * time.Second,
		// Streams end with the daemon rather than holding Shutdown open.
		BaseContext: func(net.Listener) context.Context { return ctx },
	}

	s.logger.Info("API server starting", "listen", s.config.Listen)

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("API server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}
		return nil
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}
}

func (s *Server) setupRoutes() *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealthz)

	r.Group(func(r chi.Router) {
		r.Use(s.authMiddleware)

		r.Get("/openapi.json", s.handleOpenAPI)
		r.Get("/events", s.handleEvents)

		r.Get("/users", s.handleListUsers)
		r.Route("/users/{user}", func(r chi.Router) {
			r.Post("/", s.handleOpenUser)
			r.Delete("/", s.handleCloseUser)
			r.Get("/history", s.handleHistory)

			r.Get("/jobs", s.handleListJobs)
			r.Post("/jobs", s.handleAddJob)
			r.Get("/jobs/{id}", s.handleGetJob)
			r.Delete("/jobs/{id}", s.handleRemoveJob)
			r.Post("/jobs/{id}/restore", s.handleRestoreJob)
			r.Post("/jobs/{id}/prioritize", s.handlePrioritizeJob)
		})

		r.Get("/policy", s.handleGetPolicy)
		r.Post("/policy/events", s.handlePolicyEvent)
		r.Put("/policy/sources/{name}/ignore", s.handleIgnoreSource)
		r.Delete("/policy/sources/{name}/ignore", s.handleIgnoreSource)
	})

	return r
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}
