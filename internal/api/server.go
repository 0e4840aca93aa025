package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/dgnsrekt/narrator-go/internal/config"
	"github.com/dgnsrekt/narrator-go/internal/integrity"
	"github.com/dgnsrekt/narrator-go/internal/ledger"
	"github.com/dgnsrekt/narrator-go/internal/logging"
	"github.com/dgnsrekt/narrator-go/internal/observe"
	"github.com/dgnsrekt/narrator-go/internal/pipeline"
	"github.com/dgnsrekt/narrator-go/internal/progress"
)

// Narrator runs renders. *pipeline.Orchestrator implements it.
type Narrator interface {
	Run(ctx context.Context, req pipeline.Request, sink progress.Sink) (*pipeline.Result, error)
	Start(ctx context.Context, req pipeline.Request, sink progress.Sink) <-chan pipeline.Outcome
}

// RenderStore looks up recorded renders. *ledger.Store implements it.
type RenderStore interface {
	Get(ctx context.Context, id string) (*ledger.Render, error)
	Ping(ctx context.Context) error
}

// HealthChecker reports a dependency's connection state.
type HealthChecker interface {
	Healthy() bool
}

// Deps are the server's collaborators. Narrator is required.
type Deps struct {
	Narrator Narrator
	Renders  RenderStore
	// Notifier is checked by readyz when NATS_URL is configured.
	Notifier HealthChecker
	Analyzer *integrity.Analyzer
	Metrics  *observe.Metrics
	// MetricsHandler is served at /metrics when set.
	MetricsHandler http.Handler
	// Media serves stored audio under /media/ when set.
	Media http.Handler
}

// Server handles HTTP API requests.
type Server struct {
	cfg    *config.Config
	logger *slog.Logger
	server *http.Server
	deps   Deps
}

// New creates a new API server.
func New(cfg *config.Config, logger *slog.Logger, deps Deps) *Server {
	logger = logging.OrDiscard(logger)
	if deps.Metrics == nil {
		deps.Metrics = observe.DefaultMetrics()
	}
	if deps.Analyzer == nil {
		deps.Analyzer = integrity.NewAnalyzer(integrity.DefaultOptions(), logger)
	}

	s := &Server{
		cfg:    cfg,
		logger: logger,
		deps:   deps,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/healthz", s.handleHealthz)
	mux.HandleFunc("GET /v1/readyz", s.handleReadyz)
	mux.HandleFunc("POST /v1/narrations", s.withAuth(s.handleNarrate))
	mux.HandleFunc("GET /v1/narrations/{id}", s.handleGetNarration)
	mux.HandleFunc("POST /v1/integrity", s.withAuth(s.handleIntegrity))
	if deps.MetricsHandler != nil {
		mux.Handle("GET /metrics", deps.MetricsHandler)
	}
	if deps.Media != nil {
		mux.Handle("GET /media/", http.StripPrefix("/media", deps.Media))
	}

	// No WriteTimeout: streaming renders hold the response open for minutes.
	s.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler:           observe.Middleware(deps.Metrics, logger)(mux),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	return s
}

// Handler returns the fully wrapped request handler.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// Start begins listening for HTTP requests.
func (s *Server) Start() error {
	s.logger.Info("starting HTTP server", "addr", s.server.Addr)
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("http server error: %w", err)
	}
	return nil
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP server")
	return s.server.Shutdown(ctx)
}
