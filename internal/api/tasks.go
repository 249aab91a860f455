package api

import (
	"errors"
	"net"
	"net/http"

	"github.com/tamv/isabella/internal/core"
	"github.com/tamv/isabella/internal/sentinel"
)

// TaskRequest is the body of POST /v1/tasks
type TaskRequest struct {
	Input any `json:"input"`

	// Session overrides the server's creator session for this call
	Session *core.CreatorSessionContext `json:"session,omitempty"`

	// TelemetrySession feeds that session's pattern into the security decision
	TelemetrySession string `json:"telemetrySession,omitempty"`
}

// TaskResponse wraps the finalized task
type TaskResponse struct {
	Task core.AgentTask `json:"task"`
}

// handleExecuteTask signs, evaluates and finalizes one task.
// Blocked tasks are still 201: the task record was created, the verdict is in its status.
// POST /v1/tasks
func (s *Server) handleExecuteTask(w http.ResponseWriter, r *http.Request) {
	var req TaskRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	if req.Session != nil && !s.creatorSessions {
		respondError(w, http.StatusBadRequest, "per-request creator sessions are not accepted by this server")
		return
	}

	ctx := sentinel.ContextWithSubject(r.Context(), clientSubject(r))
	if req.TelemetrySession != "" {
		pattern, ok := s.sessions.Pattern(req.TelemetrySession)
		if !ok {
			respondError(w, http.StatusNotFound, core.ErrSessionNotFound.Error())
			return
		}
		ctx = sentinel.ContextWithPattern(ctx, pattern)
	}

	var (
		task core.AgentTask
		err  error
	)
	if req.Session != nil {
		task, err = s.orchestrator.ExecuteTaskWithSession(ctx, req.Input, req.Session)
	} else {
		task, err = s.orchestrator.ExecuteTask(ctx, req.Input)
	}
	if errors.Is(err, core.ErrEvaluatorFailed) {
		respond(w, r, http.StatusBadGateway, map[string]any{
			"error": err.Error(),
			"task":  task,
		})
		return
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	respond(w, r, http.StatusCreated, TaskResponse{Task: task})
}

// clientSubject keys reputation on the caller. RemoteAddr has already been
// rewritten by the RealIP middleware.
func clientSubject(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	return "ip:" + host
}
