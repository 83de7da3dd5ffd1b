package metrics

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/marmos91/dittoshare/internal/logger"
)

const defaultServerPort = 9090

// StatusFunc reports a JSON-encodable snapshot of the peer, served at
// /status.
type StatusFunc func() any

// ServerConfig configures the metrics HTTP server.
type ServerConfig struct {
	// Port to listen on. Default: 9090
	Port int

	// ShutdownTimeout bounds graceful shutdown after the serving context
	// ends. Default: 5s
	ShutdownTimeout time.Duration
}

// Server exposes the registry over HTTP.
//
// Endpoints:
//   - GET /metrics: Prometheus text or OpenMetrics
//   - GET /status: peer snapshot from SetStatus, 404 until one is set
//   - GET /healthz: liveness
type Server struct {
	server          *http.Server
	port            int
	shutdownTimeout time.Duration
	status          atomic.Pointer[StatusFunc]
	stopOnce        sync.Once
}

// NewServer creates a stopped server. Call Start to serve.
func NewServer(config ServerConfig) *Server {
	if config.Port <= 0 {
		config.Port = defaultServerPort
	}
	if config.ShutdownTimeout <= 0 {
		config.ShutdownTimeout = 5 * time.Second
	}

	s := &Server{port: config.Port, shutdownTimeout: config.ShutdownTimeout}

	mux := http.NewServeMux()
	mux.Handle("GET /metrics", metricsHandler())
	mux.HandleFunc("GET /status", s.handleStatus)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		_, _ = fmt.Fprintln(w, "ok")
	})

	s.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", config.Port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return s
}

func metricsHandler() http.Handler {
	if reg := GetRegistry(); IsEnabled() && reg != nil {
		return promhttp.HandlerFor(reg, promhttp.HandlerOpts{EnableOpenMetrics: true})
	}
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "metrics collection is disabled", http.StatusServiceUnavailable)
	})
}

// SetStatus installs the snapshot served at /status. It may be called
// while the server is running.
func (s *Server) SetStatus(fn StatusFunc) {
	s.status.Store(&fn)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	fn := s.status.Load()
	if fn == nil || *fn == nil {
		http.NotFound(w, r)
		return
	}

	body, err := json.Marshal((*fn)())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(body)
}

// Start serves until ctx is cancelled, then shuts down gracefully.
// It returns nil after a clean shutdown.
func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		logger.Info("Metrics server listening on port %d", s.port)
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		// ctx is already done; shutdown needs its own deadline.
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
		defer cancel()
		return s.Stop(shutdownCtx)
	case err := <-errCh:
		return fmt.Errorf("metrics server failed: %w", err)
	}
}

// Stop shuts the server down. Safe to call more than once.
func (s *Server) Stop(ctx context.Context) error {
	var err error
	s.stopOnce.Do(func() {
		if err = s.server.Shutdown(ctx); err != nil {
			err = fmt.Errorf("metrics server shutdown: %w", err)
			return
		}
		logger.Debug("Metrics server stopped")
	})
	return err
}

// Port returns the configured port.
func (s *Server) Port() int {
	return s.port
}
