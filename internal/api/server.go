// Package api exposes the engine's caller-facing operations over HTTP:
// sandbox create/stop/delete, command execution as an NDJSON event
// stream, an interactive websocket terminal, project file access,
// preview URLs, and resource usage.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/hkuds/appbox/internal/sandbox"
)

// Engine bundles the components the API serves.
type Engine struct {
	Manager  *sandbox.Manager
	Streamer *sandbox.Streamer
	Monitor  *sandbox.Monitor
}

// Server is the HTTP front of the engine.
type Server struct {
	engine Engine
	logger *slog.Logger
	http   *http.Server
}

// NewServer builds the HTTP server on the given address.
func NewServer(addr string, engine Engine, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		engine: engine,
		logger: logger.With("component", "api"),
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)

	r.Get("/healthz", s.handleHealthz)
	r.Route("/v1", func(r chi.Router) {
		r.Get("/sandboxes", s.handleListSandboxes)
		r.Route("/projects/{projectID}", func(r chi.Router) {
			r.Post("/sandbox", s.handleCreateSandbox)
			r.Get("/sandbox", s.handleGetSandbox)
			r.Post("/sandbox/stop", s.handleStopSandbox)
			r.Delete("/sandbox", s.handleDeleteSandbox)
			r.Post("/exec", s.handleExec)
			r.Get("/terminal", s.handleTerminal)
			r.Get("/files", s.handleReadFile)
			r.Put("/files", s.handleWriteFile)
			r.Get("/files/list", s.handleListFiles)
			r.Get("/preview", s.handlePreview)
			r.Get("/usage", s.handleUsage)
		})
	})

	s.http = &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler returns the router, for tests.
func (s *Server) Handler() http.Handler {
	return s.http.Handler
}

// ListenAndServe runs the server until Shutdown.
func (s *Server) ListenAndServe() error {
	s.logger.Info("api listening", "addr", s.http.Addr)
	err := s.http.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// respondJSON writes a JSON response body.
func respondJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// respondError writes a structured error body.
func respondError(w http.ResponseWriter, status int, format string, args ...any) {
	respondJSON(w, status, map[string]string{"error": fmt.Sprintf(format, args...)})
}
