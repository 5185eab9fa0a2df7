package api

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/mattjoyce/agent-runner/internal/events"
	"github.com/mattjoyce/agent-runner/internal/history"
	"github.com/mattjoyce/agent-runner/internal/protocol"
	"github.com/mattjoyce/agent-runner/internal/queue"
)

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, HealthzResponse{
		Status:        "ok",
		Queue:         s.queue.Status(),
		UptimeSeconds: int64(time.Since(s.startedAt).Seconds()),
	})
}

// handleExecute admits an execution request. It returns as soon as the request
// is queued; results go to the callback URL.
func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, s.config.MaxBodySize+1))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "failed to read request body")
		return
	}
	if int64(len(body)) > s.config.MaxBodySize {
		s.writeError(w, http.StatusRequestEntityTooLarge, fmt.Sprintf("request body exceeds %d bytes", s.config.MaxBodySize))
		return
	}

	req, err := protocol.DecodeRequest(bytes.NewReader(body))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := s.queue.Submit(req); err != nil {
		if errors.Is(err, queue.ErrClosed) {
			s.writeError(w, http.StatusServiceUnavailable, "service is shutting down")
			return
		}
		s.logger.Error("failed to submit execution", "execution_id", req.ID, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to submit execution")
		return
	}

	s.events.Publish(events.TypeAccepted, req.ID, map[string]any{
		"source":    "http",
		"workspace": req.Workspace.Kind(),
		"queue":     s.queue.Status(),
	})
	s.logger.Info("execution accepted", "execution_id", req.ID, "workspace", req.Workspace.Kind(), "principal", principalName(r))
	respondJSON(w, http.StatusAccepted, protocol.AcceptedResponse{ID: req.ID, Status: "accepted"})
}

func (s *Server) handleGetExecution(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		s.writeError(w, http.StatusNotFound, "execution history is disabled")
		return
	}

	id := chi.URLParam(r, "executionID")
	rec, err := s.history.Get(r.Context(), id)
	if errors.Is(err, history.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "execution not found")
		return
	}
	if err != nil {
		s.logger.Error("failed to read execution", "execution_id", id, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to read execution")
		return
	}
	respondJSON(w, http.StatusOK, rec)
}
