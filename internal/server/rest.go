package server

import (
	"encoding/json"
	"net/http"

	"github.com/sebastianm/agentdeck/internal/protocol"
	"github.com/sebastianm/agentdeck/internal/session"
)

type createSessionRequest struct {
	Name       string `json:"name"`
	WorkingDir string `json:"workingDir"`
}

type sendMessageRequest struct {
	Content string `json:"content"`
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	sess, err := s.mgr.Create(r.Context(), session.CreateOptions{
		Name:       req.Name,
		WorkingDir: req.WorkingDir,
	})
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	s.watchSession(sess)
	s.broadcast(protocol.TypeSessionUpdate, sessionUpdatePayload(sess))

	writeJSON(w, http.StatusCreated, sess)
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.mgr.Sessions())
}

func (s *Server) handleRecentSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.mgr.MostRecent(r.Context())
	if err != nil {
		writeError(w, http.StatusNotFound, "no sessions")
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.mgr.Get(r.PathValue("id"))
	if !ok {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) handleGetHistory(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, ok := s.mgr.Get(id); !ok {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}

	// Make sure buffered output is visible before reading it back.
	s.mgr.FlushOutputs()

	hist, err := s.mgr.History(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, hist)
}

func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, ok := s.mgr.Get(id); !ok {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}

	var req sendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Content == "" {
		writeError(w, http.StatusBadRequest, "content is required")
		return
	}

	if err := s.mgr.SendMessage(r.Context(), id, req.Content); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleDestroySession(w http.ResponseWriter, r *http.Request) {
	s.destroySession(r.Context(), r.PathValue("id"))
	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// decodePayload fills p from a validated message; validation already
// checked the shape, so decode errors cannot occur here.
func decodePayload(msg *protocol.Message, p any) {
	_ = json.Unmarshal(msg.Payload, p)
}
