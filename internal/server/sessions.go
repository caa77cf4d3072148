package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"slices"
	"strings"

	"github.com/google/uuid"
)

type chatRequest struct {
	Message   string `json:"message"`
	SessionID string `json:"session_id"`
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]any{"error": "method not allowed"})
		return
	}
	var request chatRequest
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "Invalid JSON body."})
		return
	}
	if strings.TrimSpace(request.Message) == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "message is required."})
		return
	}
	sessionID := strings.TrimSpace(request.SessionID)
	if sessionID == "" {
		sessionID = uuid.NewString()
	}

	s.history.Append(sessionID, "user", request.Message)

	writeJSON(w, http.StatusOK, map[string]any{
		"session_id": sessionID,
		"message":    fmt.Sprintf("Conversation ready, stream the reply from /api/stream/%s", sessionID),
	})
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]any{"error": "method not allowed"})
		return
	}
	sessions := s.knownSessions()
	writeJSON(w, http.StatusOK, map[string]any{
		"sessions": sessions,
		"count":    len(sessions),
	})
}

// knownSessions is the sorted union of started tokens and logged sessions.
func (s *Server) knownSessions() []string {
	all := append(s.registry.Tokens(), s.history.Sessions()...)
	slices.Sort(all)
	return slices.Compact(all)
}

func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodDelete {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]any{"error": "method not allowed"})
		return
	}
	sessionID, ok := sessionParam(w, r)
	if !ok {
		return
	}
	started := s.registry.HasStarted(sessionID)
	logged := s.history.Delete(sessionID)
	if !started && !logged {
		writeJSON(w, http.StatusNotFound, map[string]any{"error": "Session not found"})
		return
	}
	s.registry.Reset(sessionID)
	s.logger.Info("session deleted", "session_id", sessionID)
	writeJSON(w, http.StatusOK, map[string]any{"message": fmt.Sprintf("Session %s deleted", sessionID)})
}

func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]any{"error": "method not allowed"})
		return
	}
	sessionID, ok := sessionParam(w, r)
	if !ok {
		return
	}
	if !s.history.Has(sessionID) && !s.registry.HasStarted(sessionID) {
		writeJSON(w, http.StatusNotFound, map[string]any{"error": "Session not found"})
		return
	}
	messages := s.history.ReadAfter(sessionID, r.URL.Query().Get("after"))
	writeJSON(w, http.StatusOK, map[string]any{
		"session_id": sessionID,
		"messages":   messages,
	})
}
