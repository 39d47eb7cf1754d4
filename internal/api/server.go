// Package api exposes a worker over HTTP.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/mattjoyce/ocrbridge/internal/dispatch"
	"github.com/mattjoyce/ocrbridge/internal/engine"
	"github.com/mattjoyce/ocrbridge/internal/events"
	"github.com/mattjoyce/ocrbridge/internal/journal"
	"github.com/mattjoyce/ocrbridge/internal/lifecycle"
)

// Worker is the slice of *worker.Worker the API drives.
type Worker interface {
	ID() string
	State() lifecycle.State
	Languages() []string
	Mode() engine.Mode
	Pending() int
	Recognize(ctx context.Context, image []byte, opts engine.RecognizeOptions, output engine.OutputSpec, jobOpts ...dispatch.SubmitOption) (*engine.RecognizeResult, error)
	Detect(ctx context.Context, image []byte, jobOpts ...dispatch.SubmitOption) (*engine.DetectResult, error)
	Reinitialize(ctx context.Context, langs []string, opts ...lifecycle.ReinitOption) error
	SetParameters(ctx context.Context, params engine.Settings) error
}

// JobLister lists journaled jobs.
type JobLister interface {
	List(ctx context.Context, f journal.Filter) ([]journal.Entry, error)
}

// Config holds API server configuration.
type Config struct {
	Listen string
	// APIKey is the bearer token; empty disables auth.
	APIKey string
	// MaxBodyBytes bounds request bodies, images included.
	MaxBodyBytes int64
}

// Server serves one worker.
type Server struct {
	config    Config
	worker    Worker
	hub       *events.Hub
	jobs      JobLister
	logger    *slog.Logger
	server    *http.Server
	startedAt time.Time
}

// New creates a server. hub and jobs may be nil, which disables /events
// and /jobs respectively.
func New(config Config, worker Worker, hub *events.Hub, jobs JobLister, logger *slog.Logger) *Server {
	if config.MaxBodyBytes <= 0 {
		config.MaxBodyBytes = 32 << 20
	}
	return &Server{
		config:    config,
		worker:    worker,
		hub:       hub,
		jobs:      jobs,
		logger:    logger,
		startedAt: time.Now(),
	}
}

// Start serves until ctx is canceled.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:        s.config.Listen,
		Handler:     s.Handler(),
		ReadTimeout: 30 * time.Second,
		// Recognition of large images can take minutes.
		WriteTimeout: 10 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("API server starting", "listen", s.config.Listen, "auth", s.config.APIKey != "")

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

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealthz)
	r.Get("/openapi.json", s.handleOpenAPI)

	r.Group(func(r chi.Router) {
		r.Use(s.authMiddleware)
		r.Use(middleware.RequestSize(s.config.MaxBodyBytes))
		r.Get("/worker", s.handleWorker)
		r.Post("/recognize", s.handleRecognize)
		r.Post("/detect", s.handleDetect)
		r.Post("/reinitialize", s.handleReinitialize)
		r.Post("/parameters", s.handleParameters)
		r.Get("/jobs", s.handleJobs)
		r.Get("/events", s.handleEvents)
	})
	return r
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}
