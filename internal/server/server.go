// Package server exposes the REST API and the job event WebSocket.
package server

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/mfinch/spyglass/internal/common"
	"github.com/mfinch/spyglass/internal/interfaces"
)

// Server wraps the HTTP server and its dependencies.
type Server struct {
	config    *common.Config
	logger    *common.Logger
	storage   interfaces.StorageManager
	scheduler interfaces.Scheduler
	watchdog  interfaces.Watchdog
	llm       interfaces.LLM
	limiter   interfaces.RateLimiter
	hub       *JobEventHub
	server    *http.Server
}

// New creates the REST API server.
func New(config *common.Config, logger *common.Logger, storage interfaces.StorageManager,
	scheduler interfaces.Scheduler, watchdog interfaces.Watchdog, llm interfaces.LLM,
	limiter interfaces.RateLimiter, hub *JobEventHub) *Server {

	s := &Server{
		config:    config,
		logger:    logger,
		storage:   storage,
		scheduler: scheduler,
		watchdog:  watchdog,
		llm:       llm,
		limiter:   limiter,
		hub:       hub,
	}

	mux := http.NewServeMux()
	s.registerRoutes(mux)

	s.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", config.Server.Host, config.Server.Port),
		Handler:      applyMiddleware(mux, logger),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 300 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

func (s *Server) registerRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/api/jobs", s.handleListJobs)
	mux.HandleFunc("/api/jobs/executions", s.handleListExecutions)
	mux.HandleFunc("/api/jobs/retries", s.handleListRetries)
	mux.HandleFunc("/api/jobs/trigger", s.handleTrigger)
	mux.HandleFunc("/api/watchdog/run", s.handleWatchdogRun)
	mux.HandleFunc("/api/watchlist", s.handleWatchlist)
	mux.HandleFunc("/api/models", s.handleListModels)
	if s.hub != nil {
		mux.HandleFunc("/ws/jobs", s.hub.ServeWS)
	}
}

// Handler returns the HTTP handler for testing.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// Start starts the HTTP server (blocking).
func (s *Server) Start() error {
	s.logger.Info().Str("addr", s.server.Addr).Msg("Starting REST API server")
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

// clientKey identifies the caller for rate limiting.
func clientKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
