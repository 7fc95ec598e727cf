package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/BTreeMap/WellnessCoach/internal/flow"
	"github.com/BTreeMap/WellnessCoach/internal/models"
)

type rootStatus struct {
	Status string `json:"status"`
}

func (s *Server) rootHandler(w http.ResponseWriter, r *http.Request) {
	writeJSONResponse(w, http.StatusOK, rootStatus{Status: "WellnessCoach AI Server is running"})
}

func (s *Server) chatHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	if s.coach == nil {
		slog.Error("Server.chatHandler: chat handler not initialized")
		writeError(w, http.StatusServiceUnavailable, ErrNotReady.Error())
		return
	}

	var req models.ChatRequest
	body := http.MaxBytesReader(w, r.Body, s.opts.MaxBodyBytes)
	if err := json.NewDecoder(body).Decode(&req); err != nil {
		slog.Warn("Server.chatHandler: failed to decode JSON", "error", err)
		writeError(w, http.StatusBadRequest, "Invalid JSON format")
		return
	}
	slog.Debug("Server.chatHandler: parsed chat request", "userID", req.UserID, "sessionID", req.SessionID, "hasHealthData", req.HealthData != nil)

	resp, err := s.coach.HandleChat(r.Context(), req)
	switch {
	case err == nil:
		writeJSONResponse(w, http.StatusOK, resp)
	case errors.Is(err, flow.ErrInvalidRequest):
		slog.Warn("Server.chatHandler: invalid request", "error", err)
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, flow.ErrLockTimeout):
		slog.Warn("Server.chatHandler: user busy", "userID", req.UserID, "error", err)
		writeError(w, http.StatusTooManyRequests, "Previous request for this user is still in progress")
	default:
		slog.Error("Server.chatHandler: chat failed", "userID", req.UserID, "error", err)
		writeError(w, http.StatusInternalServerError, "Internal server error")
	}
}
