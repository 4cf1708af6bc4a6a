// Package api exposes the engine's HTTP surface: strategy start/stop, status
// listing, trade queries and stats, health, and Prometheus metrics. Request
// authentication happens upstream; the authenticated user id arrives in the
// X-User-Id header.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/tradebaas/engine/internal/manager"
	"github.com/tradebaas/engine/internal/metrics"
	"github.com/tradebaas/engine/pkg/types"
)

// Server is the HTTP API server.
type Server struct {
	logger     *zap.Logger
	cfg        types.Config
	router     *mux.Router
	httpServer *http.Server
	manager    *manager.Manager
}

// NewServer creates the API server and wires its routes.
func NewServer(logger *zap.Logger, cfg types.Config, mgr *manager.Manager, m *metrics.Metrics) *Server {
	s := &Server{
		logger:  logger.Named("api"),
		cfg:     cfg,
		router:  mux.NewRouter(),
		manager: mgr,
	}

	s.router.HandleFunc("/api/v1/health", s.handleHealth).Methods(http.MethodGet)
	s.router.HandleFunc("/api/v1/strategies/start", s.handleStartStrategy).Methods(http.MethodPost)
	s.router.HandleFunc("/api/v1/strategies/stop", s.handleStopStrategy).Methods(http.MethodPost)
	s.router.HandleFunc("/api/v1/strategies", s.handleListStrategies).Methods(http.MethodGet)
	s.router.HandleFunc("/api/v1/trades", s.handleQueryTrades).Methods(http.MethodGet)
	s.router.HandleFunc("/api/v1/trades/stats", s.handleTradeStats).Methods(http.MethodGet)
	s.router.Handle(cfg.MetricsPath, promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})).Methods(http.MethodGet)

	handler := cors.New(cors.Options{
		AllowedMethods: []string{http.MethodGet, http.MethodPost},
		AllowedHeaders: []string{"Content-Type", "X-User-Id"},
	}).Handler(s.router)

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:      handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	return s
}

// Start serves until Stop is called.
func (s *Server) Start() error {
	s.logger.Info("API server listening", zap.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Stop shuts the server down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// Router exposes the mux for tests.
func (s *Server) Router() *mux.Router {
	return s.router
}
