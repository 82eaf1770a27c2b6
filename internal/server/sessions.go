// Package server provides HTTP route handlers.
package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/workspace/agentd/internal/registry"
)

// createSessionRequest is the body of POST /sessions. The task payload is
// opaque and delivered to the agent verbatim on stdin.
type createSessionRequest struct {
	Task               string `json:"task"`
	TimeoutSeconds     int    `json:"timeoutSeconds,omitempty"`
	GracePeriodSeconds int    `json:"gracePeriodSeconds,omitempty"`
}

// handleCreateSession admits a new session. Admission is fail-fast: when
// the concurrency limit is reached the caller gets 429 immediately rather
// than queueing.
func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var body createSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if body.Task == "" {
		writeError(w, http.StatusBadRequest, "task is required")
		return
	}
	if body.TimeoutSeconds < 0 || body.GracePeriodSeconds < 0 {
		writeError(w, http.StatusBadRequest, "timeouts must be non-negative")
		return
	}

	id, err := s.registry.Admit(registry.AdmitRequest{
		Payload: []byte(body.Task),
		Timeout: time.Duration(body.TimeoutSeconds) * time.Second,
		Grace:   time.Duration(body.GracePeriodSeconds) * time.Second,
	})
	if err != nil {
		if errors.Is(err, registry.ErrOverloaded) {
			writeError(w, http.StatusTooManyRequests, "at capacity, retry later")
			return
		}
		slog.Error("Failed to admit session", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to admit session")
		return
	}

	snap, err := s.registry.Get(id)
	if err != nil {
		// The session retired between admit and get; report the id anyway.
		snap = registry.Snapshot{ID: id}
	}

	w.Header().Set("Location", fmt.Sprintf("/sessions/%s", id))
	writeJSON(w, http.StatusCreated, snap)
}

// handleGetSession returns the current snapshot of a session, falling back
// to persisted history for sessions already purged from memory.
func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("sessionId")

	snap, err := s.registry.Get(id)
	if err != nil {
		if errors.Is(err, registry.ErrNotFound) {
			writeError(w, http.StatusNotFound, "session not found")
			return
		}
		slog.Error("Failed to look up session", "sessionId", id, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to look up session")
		return
	}

	writeJSON(w, http.StatusOK, snap)
}

// handleListSessions lists all sessions currently tracked in memory.
func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"sessions": s.registry.List(),
		"active":   s.registry.ActiveCount(),
		"draining": s.registry.Draining(),
	})
}

// handleCancelSession requests cooperative cancellation of a session.
// Cancelling a session that is already finished is a conflict; repeating a
// cancel on a live session is a no-op and still returns 202.
func (s *Server) handleCancelSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("sessionId")

	if err := s.registry.Cancel(id); err != nil {
		switch {
		case errors.Is(err, registry.ErrNotFound):
			writeError(w, http.StatusNotFound, "session not found")
		case errors.Is(err, registry.ErrInvalidState):
			writeError(w, http.StatusConflict, "session is not cancellable")
		default:
			slog.Error("Failed to cancel session", "sessionId", id, "error", err)
			writeError(w, http.StatusInternalServerError, "failed to cancel session")
		}
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"sessionId": id,
		"status":    "cancelling",
	})
}

// handleRetireSession purges a retired session from the in-memory
// registry ahead of its retention deadline.
func (s *Server) handleRetireSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("sessionId")

	if err := s.registry.Retire(id); err != nil {
		switch {
		case errors.Is(err, registry.ErrNotFound):
			writeError(w, http.StatusNotFound, "session not found")
		case errors.Is(err, registry.ErrInvalidState):
			writeError(w, http.StatusConflict, "session is still active")
		default:
			slog.Error("Failed to retire session", "sessionId", id, "error", err)
			writeError(w, http.StatusInternalServerError, "failed to retire session")
		}
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// writeError writes an error response.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{
		"error": message,
	})
}
