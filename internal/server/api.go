package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"path/filepath"

	"robohead/internal/camera"
)

type positionRequest struct {
	DX float64 `json:"dx"`
	DY float64 `json:"dy"`
}

type positionResponse struct {
	Success bool    `json:"success"`
	X       float64 `json:"x"`
	Y       float64 `json:"y"`
}

type trackingRequest struct {
	Tracking bool `json:"tracking"`
}

type trackingParamsRequest struct {
	Gain     *float64 `json:"gain"`
	Deadzone *float64 `json:"deadzone"`
}

type keyboardRequest struct {
	Key    string `json:"key"`
	State  bool   `json:"state"`
	Action string `json:"action"`
}

// handlePosition handles POST /api/position
//
// Example request:
//
//	{"dx": 12, "dy": -4}
//
// Example response:
//
//	{"success": true, "x": 112, "y": -4}
func (s *Server) handlePosition(w http.ResponseWriter, r *http.Request) {
	var req positionRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	pos := s.deps.Head.Nudge(req.DX, req.DY)
	writeJSON(w, http.StatusOK, positionResponse{Success: true, X: pos.X, Y: pos.Y})
	s.broadcastStatus()
}

// handleReset handles POST /api/reset
func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	pos := s.deps.Head.Reset()
	writeJSON(w, http.StatusOK, positionResponse{Success: true, X: pos.X, Y: pos.Y})
	s.broadcastStatus()
}

// handleStatus handles GET /api/status
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.status())
}

// handleTracking handles POST /api/tracking
func (s *Server) handleTracking(w http.ResponseWriter, r *http.Request) {
	var req trackingRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	s.deps.Tracker.SetEnabled(req.Tracking)
	writeJSON(w, http.StatusOK, map[string]any{
		"success":  true,
		"tracking": s.deps.Tracker.Enabled(),
	})
	s.broadcastStatus()
}

// handleGetTrackingParams handles GET /api/tracking/params
func (s *Server) handleGetTrackingParams(w http.ResponseWriter, r *http.Request) {
	p := s.deps.Tracker.Parameters()
	writeJSON(w, http.StatusOK, map[string]any{
		"success":  true,
		"gain":     p.Gain,
		"deadzone": p.Deadzone,
	})
}

// handleSetTrackingParams handles POST /api/tracking/params. Omitted
// fields keep their current value.
//
// Example request:
//
//	{"gain": 0.8, "deadzone": 0.03}
func (s *Server) handleSetTrackingParams(w http.ResponseWriter, r *http.Request) {
	var req trackingParamsRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	p := s.deps.Tracker.Parameters()
	if req.Gain != nil {
		p.Gain = *req.Gain
	}
	if req.Deadzone != nil {
		p.Deadzone = *req.Deadzone
	}
	if err := s.deps.Tracker.SetParameters(p.Gain, p.Deadzone); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success":  true,
		"gain":     p.Gain,
		"deadzone": p.Deadzone,
	})
	s.broadcastStatus()
}

// handleKeyboard handles POST /api/keyboard. Unknown keys are accepted
// and ignored.
//
// Example request:
//
//	{"key": "w", "state": true, "action": "press"}
func (s *Server) handleKeyboard(w http.ResponseWriter, r *http.Request) {
	var req keyboardRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if s.deps.Drive != nil {
		if _, err := s.deps.Drive.SetKey(req.Key, req.State); err != nil {
			s.logger.Warnf("Drive update for key %q failed: %v", req.Key, err)
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"key":     req.Key,
		"state":   req.State,
		"action":  req.Action,
	})
	s.broadcastStatus()
}

// handleCapture handles POST /api/capture
func (s *Server) handleCapture(w http.ResponseWriter, r *http.Request) {
	if s.deps.Capturer == nil {
		writeError(w, http.StatusServiceUnavailable, camera.ErrNoFrame.Error())
		return
	}

	path, err := s.deps.Capturer.Capture()
	switch {
	case errors.Is(err, camera.ErrCaptureDisabled):
		writeError(w, http.StatusConflict, err.Error())
		return
	case errors.Is(err, camera.ErrNoFrame):
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	case err != nil:
		s.logger.Errorf("Capture failed: %v", err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	s.logger.Infof("Captured %s", path)
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"message": "Image captured successfully",
		"file":    filepath.Base(path),
	})
}

// handleVideo handles GET /video_feed
func (s *Server) handleVideo(w http.ResponseWriter, r *http.Request) {
	if s.deps.Video == nil {
		writeError(w, http.StatusServiceUnavailable, "no camera configured")
		return
	}
	s.deps.Video.ServeHTTP(w, r)
}

// decodeBody decodes a JSON request body; an empty body leaves v unchanged
func decodeBody(r *http.Request, v any) error {
	err := json.NewDecoder(r.Body).Decode(v)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError writes {"success": false, "error": msg}
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"success": false, "error": msg})
}
