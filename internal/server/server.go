// Package server exposes a running offload over HTTP: a JSON progress
// snapshot, a server-sent event stream of progress, and the run history.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/BadgerOps/offload/internal/engine"
	"github.com/BadgerOps/offload/internal/store"
)

// ProgressSource returns the tracker of the current or last run, or nil.
type ProgressSource interface {
	ActiveProgress() *engine.OffloadTracker
}

// Server is a read-only HTTP view of an offload.
type Server struct {
	progress   ProgressSource
	store      *store.Store
	logger     *slog.Logger
	httpServer *http.Server
}

// NewServer creates a new Server instance. st may be nil when run history
// is disabled.
func NewServer(progress ProgressSource, st *store.Store, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		progress: progress,
		store:    st,
		logger:   logger,
	}
}

// Start listens on listenAddr and serves until Shutdown. The listener is
// bound before Start returns so a bad address is reported immediately.
func (s *Server) Start(listenAddr string) (<-chan error, error) {
	ln, err := net.Listen("tcp", listenAddr)
	if err != nil {
		return nil, fmt.Errorf("listening on %s: %w", listenAddr, err)
	}

	s.httpServer = &http.Server{
		Handler:     s.Handler(),
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
		// no WriteTimeout: the event stream stays open for the whole run
	}

	s.logger.Info("starting HTTP server", "addr", ln.Addr().String())
	errc := make(chan error, 1)
	go func() {
		defer close(errc)
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- fmt.Errorf("server error: %w", err)
		}
	}()
	return errc, nil
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	s.logger.Info("shutting down HTTP server")
	return s.httpServer.Shutdown(ctx)
}

// Handler returns the routes without binding a listener.
func (s *Server) Handler() http.Handler {
	return s.setupRoutes()
}

// setupRoutes registers all HTTP routes on a new ServeMux.
// Uses Go 1.22+ enhanced routing with method prefixes and path variables.
func (s *Server) setupRoutes() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/progress", s.handleAPIProgress)
	mux.HandleFunc("GET /api/progress/stream", s.handleProgressStream)
	mux.HandleFunc("GET /api/runs", s.handleAPIRuns)
	mux.HandleFunc("GET /api/runs/{id}", s.handleAPIRun)

	return mux
}
