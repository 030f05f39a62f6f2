package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hkuds/appbox/internal/sandbox"
)

// createSandboxRequest is the body of POST /v1/projects/{id}/sandbox.
type createSandboxRequest struct {
	UserID string `json:"userId"`
	Kind   string `json:"kind"`
}

// execRequest is the body of POST /v1/projects/{id}/exec.
type execRequest struct {
	UserID     string `json:"userId"`
	Kind       string `json:"kind"`
	Command    string `json:"command"`
	TimeoutSec int    `json:"timeoutSec"`
}

func (s *Server) handleCreateSandbox(w http.ResponseWriter, r *http.Request) {
	projectID := chi.URLParam(r, "projectID")
	var req createSandboxRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body: %v", err)
		return
	}
	if req.UserID == "" {
		respondError(w, http.StatusBadRequest, "userId is required")
		return
	}

	sb, err := s.engine.Manager.Create(r.Context(), projectID, req.UserID, sandbox.Kind(req.Kind), nil)
	if err != nil {
		if errors.Is(err, sandbox.ErrPortsExhausted) {
			respondError(w, http.StatusServiceUnavailable, "no host ports available: %v", err)
			return
		}
		respondError(w, http.StatusInternalServerError, "create sandbox: %v", err)
		return
	}
	respondJSON(w, http.StatusOK, sb.Snapshot())
}

func (s *Server) handleGetSandbox(w http.ResponseWriter, r *http.Request) {
	projectID := chi.URLParam(r, "projectID")
	sb, ok := s.engine.Manager.Get(projectID)
	if !ok {
		respondError(w, http.StatusNotFound, "no sandbox for project %s", projectID)
		return
	}
	body := map[string]any{"sandbox": sb.Snapshot()}
	if s.engine.Monitor != nil {
		if h, ok := s.engine.Monitor.Snapshot(sb.ID); ok {
			body["health"] = h
		}
	}
	respondJSON(w, http.StatusOK, body)
}

func (s *Server) handleListSandboxes(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{"sandboxes": s.engine.Manager.List()})
}

func (s *Server) handleStopSandbox(w http.ResponseWriter, r *http.Request) {
	projectID := chi.URLParam(r, "projectID")
	if err := s.engine.Manager.Stop(r.Context(), projectID); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, sandbox.ErrSandboxNotFound) {
			status = http.StatusNotFound
		}
		respondError(w, status, "stop sandbox: %v", err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "stopped"})
}

func (s *Server) handleDeleteSandbox(w http.ResponseWriter, r *http.Request) {
	projectID := chi.URLParam(r, "projectID")
	deleteFiles := r.URL.Query().Get("files") == "true"
	if err := s.engine.Manager.Delete(r.Context(), projectID, deleteFiles); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, sandbox.ErrSandboxNotFound) {
			status = http.StatusNotFound
		}
		respondError(w, status, "delete sandbox: %v", err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"status": "deleted", "filesRemoved": deleteFiles})
}

// handleExec validates and runs a command, streaming events as NDJSON.
// A blocked command gets a 422 with the full validation verdict and no
// sandbox is touched.
func (s *Server) handleExec(w http.ResponseWriter, r *http.Request) {
	projectID := chi.URLParam(r, "projectID")
	var req execRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body: %v", err)
		return
	}
	if strings.TrimSpace(req.Command) == "" {
		respondError(w, http.StatusBadRequest, "command is required")
		return
	}

	verdict := s.engine.Streamer.Validate(req.Command)
	if !verdict.Valid {
		respondJSON(w, http.StatusUnprocessableEntity, verdict)
		return
	}

	timeout := time.Duration(req.TimeoutSec) * time.Second
	events, err := s.engine.Streamer.Run(r.Context(), projectID, req.UserID, sandbox.Kind(req.Kind), req.Command, timeout)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "exec: %v", err)
		return
	}

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.WriteHeader(http.StatusOK)
	flusher, _ := w.(http.Flusher)
	enc := json.NewEncoder(w)
	for evt := range events {
		if err := enc.Encode(evt); err != nil {
			return
		}
		if flusher != nil {
			flusher.Flush()
		}
	}
}

func (s *Server) handleReadFile(w http.ResponseWriter, r *http.Request) {
	projectID := chi.URLParam(r, "projectID")
	path := r.URL.Query().Get("path")
	data, err := s.engine.Manager.ReadFile(projectID, path)
	if err != nil {
		respondError(w, fileErrStatus(err), "read file: %v", err)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	_, _ = w.Write(data)
}

func (s *Server) handleWriteFile(w http.ResponseWriter, r *http.Request) {
	projectID := chi.URLParam(r, "projectID")
	path := r.URL.Query().Get("path")
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 32<<20))
	if err != nil {
		respondError(w, http.StatusBadRequest, "read body: %v", err)
		return
	}
	if err := s.engine.Manager.WriteFile(projectID, path, data); err != nil {
		respondError(w, fileErrStatus(err), "write file: %v", err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"path": path, "bytes": len(data)})
}

func (s *Server) handleListFiles(w http.ResponseWriter, r *http.Request) {
	projectID := chi.URLParam(r, "projectID")
	path := r.URL.Query().Get("path")
	if path == "" {
		path = "."
	}
	entries, err := s.engine.Manager.ListFiles(projectID, path)
	if err != nil {
		respondError(w, fileErrStatus(err), "list files: %v", err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

func (s *Server) handlePreview(w http.ResponseWriter, r *http.Request) {
	projectID := chi.URLParam(r, "projectID")
	port, _ := strconv.Atoi(r.URL.Query().Get("port"))
	url, err := s.engine.Manager.PreviewURL(projectID, port)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, sandbox.ErrSandboxNotFound) {
			status = http.StatusNotFound
		}
		respondError(w, status, "preview: %v", err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"url": url})
}

func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request) {
	projectID := chi.URLParam(r, "projectID")
	stats, err := s.engine.Manager.Usage(r.Context(), projectID)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, sandbox.ErrSandboxNotFound) {
			status = http.StatusNotFound
		}
		respondError(w, status, "usage: %v", err)
		return
	}
	respondJSON(w, http.StatusOK, stats)
}

// fileErrStatus maps file operation failures to HTTP statuses: path
// rejections are the caller's fault, a missing sandbox is 404.
func fileErrStatus(err error) int {
	if errors.Is(err, sandbox.ErrSandboxNotFound) {
		return http.StatusNotFound
	}
	msg := err.Error()
	if strings.Contains(msg, "rejected") || strings.Contains(msg, "escapes") || strings.Contains(msg, "empty path") {
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}
