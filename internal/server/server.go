// Package server provides the admin HTTP server of the promoter.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/devrev/pairdb/promoter/internal/health"
	"github.com/devrev/pairdb/promoter/internal/middleware"
)

// Config holds admin server configuration
type Config struct {
	Host         string
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
	// PromoteRPS limits promote requests; zero disables the limit
	PromoteRPS   float64
	PromoteBurst int
	MetricsPath  string
}

// Server represents the admin HTTP server.
type Server struct {
	router     *mux.Router
	httpServer *http.Server
	admin      *AdminHandler
	health     *health.HealthChecker
	gatherer   prometheus.Gatherer
	cfg        *Config
	logger     *zap.Logger
}

// NewServer creates a new admin server. A nil gatherer serves the default
// Prometheus registry.
func NewServer(cfg *Config, promoter Promoter, hc *health.HealthChecker, gatherer prometheus.Gatherer, logger *zap.Logger) *Server {
	if cfg.MetricsPath == "" {
		cfg.MetricsPath = "/metrics"
	}
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	router := mux.NewRouter()
	s := &Server{
		router: router,
		httpServer: &http.Server{
			Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
			Handler:      router,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
			IdleTimeout:  cfg.IdleTimeout,
		},
		admin:    NewAdminHandler(promoter, logger),
		health:   hc,
		gatherer: gatherer,
		cfg:      cfg,
		logger:   logger,
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(middleware.Chain(
		middleware.Recovery(s.logger),
		middleware.RequestID,
		middleware.Logging(s.logger),
	))

	s.router.HandleFunc("/health/live", s.health.LivenessHandler).Methods(http.MethodGet)
	s.router.HandleFunc("/health/ready", s.health.ReadinessHandler).Methods(http.MethodGet)
	s.router.Handle(s.cfg.MetricsPath, promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)

	v1 := s.router.PathPrefix("/v1").Subrouter()

	var promote http.Handler = http.HandlerFunc(s.admin.Promote)
	if s.cfg.PromoteRPS > 0 {
		promote = middleware.NewRateLimiter(s.cfg.PromoteRPS, s.cfg.PromoteBurst, s.logger).Limit(promote)
	}
	v1.Handle("/partitions/{partition_id}/promote", promote).Methods(http.MethodPost)
	v1.HandleFunc("/partitions/{partition_id}/episodes", s.admin.ListEpisodes).Methods(http.MethodGet)
	v1.HandleFunc("/episodes/{episode_id}", s.admin.GetEpisode).Methods(http.MethodGet)

	s.router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusNotFound, ErrorResponse{
			Status:    "error",
			ErrorCode: "NOT_FOUND",
			Message:   "endpoint not found",
			RequestID: r.Header.Get(middleware.RequestIDHeader),
		})
	})
}

// Handler returns the server's http.Handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start serves until Shutdown is called.
func (s *Server) Start() error {
	s.logger.Info("Starting admin HTTP server", zap.String("address", s.httpServer.Addr))

	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("failed to start admin HTTP server: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down admin HTTP server")
	return s.httpServer.Shutdown(ctx)
}
