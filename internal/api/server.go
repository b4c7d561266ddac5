package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/jsperling/grabdeck/internal/config"
	"github.com/jsperling/grabdeck/internal/metrics"
	"github.com/jsperling/grabdeck/internal/queue"
	"github.com/jsperling/grabdeck/internal/storage"
	"github.com/jsperling/grabdeck/internal/ytdlp"
)

// Server is the HTTP control plane: enqueue and lifecycle endpoints, the
// gallery and index views, file serving, and the health and metrics
// surface.
type Server struct {
	store    *storage.Storage
	manager  *queue.Manager
	recorder *metrics.Recorder
	runner   ytdlp.Runner
	logger   *slog.Logger
	settings *config.Settings

	router *chi.Mux
	http   *http.Server
}

func NewServer(store *storage.Storage, manager *queue.Manager, recorder *metrics.Recorder, runner ytdlp.Runner, logger *slog.Logger, settings *config.Settings) *Server {
	s := &Server{
		store:    store,
		manager:  manager,
		recorder: recorder,
		runner:   runner,
		logger:   logger,
		settings: settings,
		router:   chi.NewRouter(),
	}
	s.setupRoutes()
	s.http = &http.Server{
		Addr:    settings.HTTPAddr,
		Handler: s.router,
	}
	return s
}

// Router exposes the handler tree, mainly for tests.
func (s *Server) Router() http.Handler {
	return s.router
}

func (s *Server) setupRoutes() {
	s.router.Use(s.requestID)
	s.router.Use(s.instrument)
	s.router.Use(middleware.Recoverer)

	s.router.Get("/", s.handleIndex)
	s.router.Get("/gallery", s.handleGallery)
	s.router.Get("/files/*", s.handleServeFile)

	s.router.Post("/download", s.handleDownload)
	s.router.Post("/delete", s.handleLegacyDelete)

	s.router.Get("/api/status/{jobID}", s.handleJobStatus)
	s.router.Get("/api/jobs", s.handleListJobs)
	s.router.Post("/api/jobs/{jobID}/pause", s.handlePause)
	s.router.Post("/api/jobs/{jobID}/resume", s.handleResume)
	s.router.Post("/api/jobs/{jobID}/retry", s.handleRetry)
	s.router.Delete("/api/jobs/{jobID}", s.handleDeleteJob)
	s.router.Get("/api/presets", s.handlePresets)
	s.router.Get("/api/probe", s.handleProbe)

	s.router.Method(http.MethodGet, "/metrics", s.recorder.Handler())
	s.router.Get("/readyz", s.handleReadyz)
	s.router.Get("/healthz", s.handleHealthz)

	// Any other GET path may be a pasted URL; see handleCatchAll.
	s.router.NotFound(s.handleCatchAll)
}

// Start serves until Shutdown or a listener error.
func (s *Server) Start() error {
	err := s.http.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests until the context expires.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}
