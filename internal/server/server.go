// Package server exposes the orchestrator's HTTP surface: pipeline
// submission, run creation, run inspection, the live event stream and
// health. Request dispatch stays on net/http's standard mux; scheduling
// semantics live entirely in the packages behind it.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/meridian-orchestrator/meridian/internal/app"
	"github.com/meridian-orchestrator/meridian/internal/common"
)

// Server wraps the HTTP server and application reference.
type Server struct {
	app    *app.App
	server *http.Server
	logger *common.Logger
}

// NewServer creates the REST API server.
func NewServer(a *app.App) *Server {
	s := &Server{
		app:    a,
		logger: a.Logger,
	}

	mux := http.NewServeMux()
	s.registerRoutes(mux)

	handler := applyMiddleware(mux, a.Logger)

	host := a.Config.Server.Host
	port := a.Config.Server.Port

	s.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", host, port),
		Handler:      handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 300 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// registerRoutes sets up all REST API routes on the mux.
func (s *Server) registerRoutes(mux *http.ServeMux) {
	// Pipelines
	mux.HandleFunc("/pipelines/", s.routePipelines) // handles {id}/run
	mux.HandleFunc("/pipelines", s.handlePipelineCreate)
	mux.HandleFunc("/pipeline", s.handlePipelineGet)

	// Runs
	mux.HandleFunc("/runs/", s.handleRunGet)

	// Event stream
	mux.HandleFunc("/events", s.handleEvents)

	// System
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/version", s.handleVersion)
}

// Handler returns the HTTP handler for testing.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// Start starts the HTTP server (blocking).
func (s *Server) Start() error {
	s.logger.Info().
		Str("addr", s.server.Addr).
		Msg("Starting REST API server")
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}
