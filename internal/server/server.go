// Package server exposes a running task graph over HTTP.
package server

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/me/tasker/internal/journal"
	"github.com/me/tasker/internal/logging"
	"github.com/me/tasker/pkg/tasker"
)

// Version is reported by the health and discovery endpoints.
const Version = "0.1.0"

// Server is the tasker status API.
type Server struct {
	router    chi.Router
	logger    *slog.Logger
	startTime time.Time
	runner    *tasker.Runner
	journal   *journal.Journal // optional
	runID     string
	heartbeat time.Duration
}

// Option configures optional Server dependencies.
type Option func(*Server)

// WithJournal enables the history endpoint for the given journal run.
func WithJournal(j *journal.Journal, runID string) Option {
	return func(s *Server) {
		s.journal = j
		s.runID = runID
	}
}

// WithHeartbeat sets the idle interval between SSE heartbeat comments.
func WithHeartbeat(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.heartbeat = d
		}
	}
}

// New creates a Server for runner with all routes registered.
func New(runner *tasker.Runner, logger *slog.Logger, opts ...Option) *Server {
	logger = logging.OrDiscard(logger)
	s := &Server{
		router:    chi.NewRouter(),
		logger:    logger.With("component", "server"),
		startTime: time.Now(),
		runner:    runner,
		heartbeat: 15 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.routes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Handler returns the http.Handler for this server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) routes() {
	r := s.router

	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(s.logger))

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/", s.handleDiscovery)
		r.Get("/health", s.handleHealth)
		r.Get("/snapshot", s.handleSnapshot)
		r.Get("/order", s.handleOrder)
		r.Get("/history", s.handleHistory)
		r.Get("/events", s.handleEvents)

		r.Route("/tasks", func(r chi.Router) {
			r.Get("/", s.handleListTasks)
			r.Route("/{name}", func(r chi.Router) {
				r.Get("/", s.handleGetTask)
				r.Post("/cancel", s.handleCancelTask)
				r.Post("/restart", s.handleRestartTask)
			})
		})
	})
}
