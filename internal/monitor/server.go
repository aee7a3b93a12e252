// Package monitor exposes a small HTTP surface over a running batch: a
// liveness probe, the current job state distribution and the Prometheus
// scrape endpoint.
package monitor

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"reconbatch/internal/job"
	"reconbatch/internal/orchestrator"
)

// Summarizer reports the current job state distribution.
type Summarizer interface {
	Summary() orchestrator.Summary
}

// Server is the HTTP server for batch monitoring.
type Server struct {
	httpServer *http.Server
}

// StatusResponse is the wire form of GET /status.
type StatusResponse struct {
	Counts              map[job.Status]int `json:"counts"`
	ConsolidationFailed int                `json:"consolidation_failed"`
}

// New creates a monitoring server. metrics is the Prometheus scrape handler
// and may be nil, which disables the /metrics route.
func New(addr string, sum Summarizer, metrics http.Handler) *Server {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		respondJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
	})

	mux.HandleFunc("GET /status", func(w http.ResponseWriter, r *http.Request) {
		s := sum.Summary()
		respondJSON(w, http.StatusOK, StatusResponse{
			Counts:              s.Counts,
			ConsolidationFailed: s.ConsolidationFailed,
		})
	})

	if metrics != nil {
		mux.Handle("GET /metrics", metrics)
	}

	return &Server{
		httpServer: &http.Server{
			Addr:         addr,
			Handler:      mux,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
		},
	}
}

// Handler exposes the routing table, used by tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Run starts the HTTP server. It blocks until the context is cancelled.
func (s *Server) Run(ctx context.Context) error {
	serverErr := make(chan error, 1)

	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	select {
	case err := <-serverErr:
		return err
	case <-ctx.Done():
		shutDownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		return s.Shutdown(shutDownCtx)
	}
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func respondJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}
