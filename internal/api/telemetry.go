package api

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/tamv/isabella/internal/core"
)

// ActionRequest is the body of POST /v1/sessions/{id}/actions
type ActionRequest struct {
	Action    core.CrumAction `json:"action"`
	Credits   float64         `json:"credits"`
	Intensity *float64        `json:"intensity,omitempty"`
}

// POST /v1/sessions/{id}/actions
func (s *Server) handleTrackAction(w http.ResponseWriter, r *http.Request) {
	var req ActionRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if !req.Action.Valid() {
		respondError(w, http.StatusBadRequest, core.ErrUnknownCrumAct.Error()+": "+string(req.Action))
		return
	}

	id := chi.URLParam(r, "id")
	var intensity []float64
	if req.Intensity != nil {
		intensity = append(intensity, *req.Intensity)
	}
	crum, err := s.sessions.Track(id, req.Action, req.Credits, intensity...)
	if errors.Is(err, core.ErrTooManySessions) {
		respondError(w, http.StatusTooManyRequests, err.Error())
		return
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	respond(w, r, http.StatusCreated, crum)
}

// GET /v1/sessions/{id}/telemetry
func (s *Server) handleGetTelemetry(w http.ResponseWriter, r *http.Request) {
	snap, err := s.sessions.Snapshot(chi.URLParam(r, "id"))
	if errors.Is(err, core.ErrSessionNotFound) {
		respondError(w, http.StatusNotFound, err.Error())
		return
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respond(w, r, http.StatusOK, snap)
}

// DELETE /v1/sessions/{id}
func (s *Server) handleEndSession(w http.ResponseWriter, r *http.Request) {
	if !s.sessions.End(chi.URLParam(r, "id")) {
		respondError(w, http.StatusNotFound, core.ErrSessionNotFound.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
