package main

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/oszuidwest/zwfm-talkback/internal/server"
	"github.com/oszuidwest/zwfm-talkback/internal/session"
)

// API response helpers

func (s *Server) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("failed to encode JSON response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}

// validateRequest validates v with the WebSocket command rules and writes a
// 400 listing the rejected fields. It reports false when v is invalid.
func (s *Server) validateRequest(w http.ResponseWriter, v any) bool {
	verr := server.Validate(v)
	if verr == nil {
		return true
	}
	s.writeJSON(w, http.StatusBadRequest, map[string]any{"error": verr.Error(), "fields": verr.Errors})
	return false
}

// parseJSON reads, parses and validates a JSON request body. An empty body
// yields the zero value. It reports false after writing an error response.
func parseJSON[T any](s *Server, w http.ResponseWriter, r *http.Request) (T, bool) {
	var v T
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&v); err != nil && !errors.Is(err, io.EOF) {
			s.writeError(w, http.StatusBadRequest, "Invalid JSON: "+err.Error())
			return v, false
		}
	}
	return v, s.validateRequest(w, &v)
}

// allowMethod writes 405 and reports false unless r uses one of methods.
func (s *Server) allowMethod(w http.ResponseWriter, r *http.Request, methods ...string) bool {
	for _, m := range methods {
		if r.Method == m {
			return true
		}
	}
	s.writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
	return false
}

// sessionErrorStatus maps session errors to HTTP status codes.
func sessionErrorStatus(err error) int {
	switch {
	case errors.Is(err, session.ErrAlreadyListening), errors.Is(err, session.ErrNotListening):
		return http.StatusConflict
	case errors.Is(err, session.ErrClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// handleHealthz reports liveness.
// GET /healthz
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleAPIStatus returns the session status.
// GET /api/status
func (s *Server) handleAPIStatus(w http.ResponseWriter, r *http.Request) {
	if !s.allowMethod(w, r, http.MethodGet) {
		return
	}
	s.writeJSON(w, http.StatusOK, s.session.Status())
}

// handleAPIDevices returns the available capture and playback devices.
// GET /api/devices
func (s *Server) handleAPIDevices(w http.ResponseWriter, r *http.Request) {
	if !s.allowMethod(w, r, http.MethodGet) {
		return
	}
	s.writeJSON(w, http.StatusOK, s.listDevices())
}

// handleAPIListen opens the microphone.
// POST /api/listen {"use_detector": bool}
func (s *Server) handleAPIListen(w http.ResponseWriter, r *http.Request) {
	if !s.allowMethod(w, r, http.MethodPost) {
		return
	}
	req, ok := parseJSON[server.ListenRequest](s, w, r)
	if !ok {
		return
	}
	useDetector := s.config.Snapshot().UseDetector
	if req.UseDetector != nil {
		useDetector = *req.UseDetector
	}

	if err := s.session.Listen(useDetector); err != nil {
		s.writeError(w, sessionErrorStatus(err), err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"status": "listening", "use_detector": useDetector})
}

// handleAPIStop closes the microphone; the utterance in progress is completed.
// POST /api/stop
func (s *Server) handleAPIStop(w http.ResponseWriter, r *http.Request) {
	if !s.allowMethod(w, r, http.MethodPost) {
		return
	}
	if err := s.session.StopListening(); err != nil {
		s.writeError(w, sessionErrorStatus(err), err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "stopped"})
}

// handleAPICancel drops the capture without completing the utterance.
// POST /api/cancel
func (s *Server) handleAPICancel(w http.ResponseWriter, r *http.Request) {
	if !s.allowMethod(w, r, http.MethodPost) {
		return
	}
	if err := s.session.CancelListening(); err != nil {
		s.writeError(w, sessionErrorStatus(err), err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}

// handleAPIAbort stops playback and drops queued clips.
// POST /api/abort
func (s *Server) handleAPIAbort(w http.ResponseWriter, r *http.Request) {
	if !s.allowMethod(w, r, http.MethodPost) {
		return
	}
	s.session.AbortPlayback()
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "aborted"})
}

// handleAPIDetector returns or updates the detector settings.
// GET /api/detector, POST /api/detector {"enabled", "voicing_threshold", "energy_range"}
func (s *Server) handleAPIDetector(w http.ResponseWriter, r *http.Request) {
	if !s.allowMethod(w, r, http.MethodGet, http.MethodPost) {
		return
	}
	if r.Method == http.MethodPost {
		req, ok := parseJSON[server.DetectorUpdateRequest](s, w, r)
		if !ok {
			return
		}
		if err := server.ApplyDetectorUpdate(s.session, &req); err != nil {
			s.writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}
	cfg := s.config.Snapshot()
	s.writeJSON(w, http.StatusOK, cfg.DetectorSettings())
}

// handleAPIEvents returns a page of the event log, newest first.
// GET /api/events?filter=speech&limit=50&offset=0
func (s *Server) handleAPIEvents(w http.ResponseWriter, r *http.Request) {
	if !s.allowMethod(w, r, http.MethodGet) {
		return
	}
	q := r.URL.Query()
	req := server.EventsRequest{Filter: q.Get("filter")}
	var err error
	if v := q.Get("limit"); v != "" {
		if req.Limit, err = strconv.Atoi(v); err != nil {
			s.writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
	}
	if v := q.Get("offset"); v != "" {
		if req.Offset, err = strconv.Atoi(v); err != nil {
			s.writeError(w, http.StatusBadRequest, "invalid offset")
			return
		}
	}
	if !s.validateRequest(w, &req) {
		return
	}

	page, err := server.ReadEvents(s.eventsPath, req)
	if err != nil {
		s.writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, page)
}
