// Package server exposes the analysis loop over HTTP. Streams are
// server-sent events; every stream belongs to exactly one loop invocation
// and closes when that invocation pauses or terminates.
package server

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/quarrylabs/quarry/internal/metrics"
	"github.com/quarrylabs/quarry/pkg/loop"
)

// ServerOptions configures the HTTP server.
type ServerOptions struct {
	Host string
	Port int

	// RequestBudget bounds a single loop invocation. It must sit below
	// intermediary idle timeouts so a slow model pauses cleanly instead of
	// having the stream cut mid-event.
	RequestBudget time.Duration
}

// Server is the analysis HTTP server.
type Server struct {
	options      ServerOptions
	server       *http.Server
	orchestrator *loop.Orchestrator
	logger       zerolog.Logger
	startTime    time.Time

	isShuttingDown bool
	shutdownMu     sync.RWMutex
	inFlightReqs   sync.WaitGroup
}

// NewServer creates the HTTP server around an orchestrator.
func NewServer(options ServerOptions, orchestrator *loop.Orchestrator, logger zerolog.Logger) (*Server, error) {
	if options.Port == 0 {
		options.Port = 8787
	}
	if options.Host == "" {
		options.Host = "0.0.0.0"
	}
	if options.RequestBudget == 0 {
		options.RequestBudget = 55 * time.Second
	}
	if orchestrator == nil {
		return nil, fmt.Errorf("orchestrator is required")
	}

	return &Server{
		options:      options,
		orchestrator: orchestrator,
		logger:       logger,
		startTime:    time.Now(),
	}, nil
}

// Handler returns the routed handler. Split out so tests can drive it with
// httptest without binding a port.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/analyze", s.guard(s.handleAnalyze))
	mux.HandleFunc("/api/analyze/resume", s.guard(s.handleResume))
	mux.HandleFunc("/api/analyze/tool-result", s.guard(s.handleToolResult))
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.Handle("/metrics", metrics.Handler())
	return mux
}

// Start starts the server and blocks until it stops.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:    fmt.Sprintf("%s:%d", s.options.Host, s.options.Port),
		Handler: s.Handler(),
		// No WriteTimeout: SSE streams outlive any fixed write deadline; the
		// request budget bounds them instead.
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.logger.Info().
		Str("host", s.options.Host).
		Int("port", s.options.Port).
		Msg("Starting analysis server")

	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("failed to start analysis server: %w", err)
	}
	return nil
}

// Stop gracefully stops the server, waiting for in-flight streams.
func (s *Server) Stop() error {
	s.shutdownMu.Lock()
	s.isShuttingDown = true
	s.shutdownMu.Unlock()

	s.logger.Info().Msg("Shutting down analysis server")

	done := make(chan struct{})
	go func() {
		s.inFlightReqs.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info().Msg("All in-flight requests completed")
	case <-time.After(s.options.RequestBudget + 5*time.Second):
		s.logger.Warn().Msg("Shutdown timeout reached, forcing close")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if s.server != nil {
		if err := s.server.Shutdown(ctx); err != nil {
			return fmt.Errorf("failed to shutdown analysis server: %w", err)
		}
	}

	s.logger.Info().Msg("Analysis server stopped")
	return nil
}

// guard rejects requests during shutdown and tracks in-flight ones.
func (s *Server) guard(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.shutdownMu.RLock()
		if s.isShuttingDown {
			s.shutdownMu.RUnlock()
			http.Error(w, "Server is shutting down", http.StatusServiceUnavailable)
			return
		}
		s.shutdownMu.RUnlock()

		s.inFlightReqs.Add(1)
		defer s.inFlightReqs.Done()

		next(w, r)
	}
}
