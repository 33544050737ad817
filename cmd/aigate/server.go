package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/brightquery/aigate/config"
	"github.com/brightquery/aigate/gateway"
	"github.com/brightquery/aigate/internal/metrics"
	"github.com/brightquery/aigate/internal/telemetry"
)

// Server hosts the gateway plus its ops endpoints and the periodic
// rate-tuning ticker.
type Server struct {
	cfg    *config.Config
	logger *zap.Logger
	client *gateway.Client

	httpServer *http.Server
	providers  *telemetry.Providers
	stopTicker chan struct{}
}

// NewServer wires the gateway around the stub provider. Production
// embedders construct gateway.Client directly with their own provider.
func NewServer(cfg *config.Config, logger *zap.Logger) (*Server, error) {
	providers, err := telemetry.Init(cfg.Telemetry, logger)
	if err != nil {
		logger.Warn("failed to initialize telemetry", zap.Error(err))
	}

	collector := metrics.NewCollector("aigate", logger)

	client, err := gateway.New(cfg, stubProvider, stubExtractor,
		gateway.WithLogger(logger),
		gateway.WithMetricsCollector(collector),
	)
	if err != nil {
		return nil, err
	}

	s := &Server{
		cfg:        cfg,
		logger:     logger,
		client:     client,
		providers:  providers,
		stopTicker: make(chan struct{}),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/usage", s.handleUsage)
	mux.Handle("/metrics", promhttp.Handler())

	s.httpServer = &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.HTTPPort),
		Handler: mux,
	}

	return s, nil
}

// Start launches the HTTP listener and the adjust ticker.
func (s *Server) Start() error {
	go func() {
		s.logger.Info("http server listening", zap.String("addr", s.httpServer.Addr))
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("http server failed", zap.Error(err))
		}
	}()

	go s.runAdjustTicker()
	return nil
}

// WaitForShutdown blocks until SIGINT/SIGTERM, then drains everything.
func (s *Server) WaitForShutdown() {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	s.logger.Info("shutdown signal received")
	close(s.stopTicker)

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.logger.Warn("http shutdown incomplete", zap.Error(err))
	}
	if err := s.providers.Shutdown(ctx); err != nil {
		s.logger.Warn("telemetry shutdown incomplete", zap.Error(err))
	}
}

// runAdjustTicker drives adaptive tuning outside the request hot path.
func (s *Server) runAdjustTicker() {
	interval := s.cfg.Server.AdjustInterval
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopTicker:
			return
		case <-ticker.C:
			s.client.AdjustRates()
		}
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	health := s.client.HealthCheck()

	status := http.StatusOK
	if health.Status == gateway.StatusUnhealthy {
		status = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(health)
}

func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(struct {
		Usage     gateway.UsageSnapshot `json:"usage"`
		DailyCost float64               `json:"daily_cost"`
	}{
		Usage:     s.client.CurrentUsage(),
		DailyCost: s.client.DailyCost(),
	})
}
