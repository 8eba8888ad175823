// Package http exposes the model server over HTTP and websocket.
package http

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"go.uber.org/zap"

	"modelops/config"
	"modelops/monitoring"
)

const (
	healthPath = "/health"
	streamPath = "/ws/predict"

	// leaves room to send the timeout reply after a handler overruns
	writeGrace = 5 * time.Second
)

// Server is the inference HTTP server.
type Server struct {
	server *http.Server
	config config.HttpConfig
	logger *zap.Logger
}

// NewServer wires the routes behind the middleware chain.
func NewServer(cfg config.HttpConfig, predictor Predictor, metrics *monitoring.MetricsCollector, version string, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("http")
	if metrics == nil {
		metrics = monitoring.NewMetricsCollector(0)
	}

	mux := http.NewServeMux()
	RegisterHandlers(mux, NewAPI(predictor, metrics, logger, version, cfg.AllowedOrigins))

	chain := Chain(
		RecoveryMiddleware(logger),
		LoggerMiddleware(logger, metrics),
		Except(RateLimitMiddleware(cfg.RateLimit, cfg.RateBurst), healthPath),
		SecurityHeadersMiddleware,
		CORSMiddleware(cfg.AllowedOrigins),
		RequestSizeMiddleware(cfg.MaxBodyBytes),
		Except(GzipMiddleware, streamPath),
		Except(TimeoutMiddleware(cfg.Timeout), streamPath),
	)

	return &Server{
		server: &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Port),
			Handler:           chain(mux),
			ReadHeaderTimeout: cfg.Timeout,
			ReadTimeout:       cfg.Timeout,
			WriteTimeout:      cfg.Timeout + writeGrace,
			IdleTimeout:       120 * time.Second,
		},
		config: cfg,
		logger: logger,
	}
}

// Start blocks until the server stops. A clean Shutdown returns nil.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.server.Addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.server.Addr, err)
	}
	return s.Serve(ln)
}

// Serve accepts connections on ln until Shutdown.
func (s *Server) Serve(ln net.Listener) error {
	s.logger.Info("starting HTTP server",
		zap.String("addr", ln.Addr().String()),
		zap.String("websocket", streamPath))
	if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server failed: %w", err)
	}
	return nil
}

// Shutdown drains in-flight requests until ctx expires.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP server")
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}
	return nil
}

func (s *Server) Addr() string {
	return s.server.Addr
}

// Handler exposes the full middleware-wrapped handler.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}
