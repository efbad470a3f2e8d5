package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/nerrad567/deerma-bridge/internal/session"
)

// authenticateRequest is the request body for POST /auth/session.
type authenticateRequest struct {
	Mode   string `json:"mode"`
	Phone  string `json:"phone"`
	Secret string `json:"secret"`
}

// requestCodeRequest is the request body for POST /auth/code.
type requestCodeRequest struct {
	Phone string `json:"phone"`
}

// sessionResponse describes the current cloud session. Tokens are never
// returned.
type sessionResponse struct {
	Authenticated bool             `json:"authenticated"`
	Valid         bool             `json:"valid"`
	Session       *session.Session `json:"session,omitempty"`
}

func (s *Server) requireSessions(w http.ResponseWriter) bool {
	if s.sessions == nil {
		writeError(w, http.StatusServiceUnavailable, ErrCodeUnavailable, "session manager not configured")
		return false
	}
	return true
}

// handleSessionStatus reports whether the bridge holds a cloud session.
func (s *Server) handleSessionStatus(w http.ResponseWriter, _ *http.Request) {
	if !s.requireSessions(w) {
		return
	}
	cur, ok := s.sessions.Current()
	resp := sessionResponse{Authenticated: ok}
	if ok {
		resp.Valid = !cur.Expired(time.Now())
		resp.Session = &cur
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleAuthenticate logs in to the cloud with a password or an SMS code
// and installs the resulting session.
func (s *Server) handleAuthenticate(w http.ResponseWriter, r *http.Request) {
	if !s.requireSessions(w) {
		return
	}

	var req authenticateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	if req.Phone == "" || req.Secret == "" {
		writeBadRequest(w, "phone and secret are required")
		return
	}
	mode, err := session.ParseMode(req.Mode)
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}

	sess, err := s.sessions.Authenticate(r.Context(), mode, req.Phone, req.Secret)
	if err != nil {
		s.logger.Warn("interactive login failed", "mode", mode, "error", err)
		writeDomainError(w, err)
		return
	}

	s.logger.Info("interactive login succeeded", "account", sess.Account, "expires_at", sess.ExpiresAt)
	writeJSON(w, http.StatusOK, sessionResponse{Authenticated: true, Valid: true, Session: &sess})
}

// handleRequestCode asks the cloud to send an SMS login code.
func (s *Server) handleRequestCode(w http.ResponseWriter, r *http.Request) {
	if !s.requireSessions(w) {
		return
	}

	var req requestCodeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	if req.Phone == "" {
		writeBadRequest(w, "phone is required")
		return
	}

	if err := s.sessions.RequestCode(r.Context(), req.Phone); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "code_sent"})
}
