package httpserver

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"
)

type createKeyRequest struct {
	Name   string   `json:"name"`
	Scopes []string `json:"scopes"`
	// ExpiresIn is a Go duration string; empty means the key never expires.
	ExpiresIn string `json:"expires_in"`
}

type createKeyResponse struct {
	ID        int64      `json:"id"`
	Name      string     `json:"name"`
	Scopes    []string   `json:"scopes"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
	// Secret is returned exactly once, at creation; only its hash is stored.
	Secret string `json:"secret"`
}

// handleCreateAPIKey mints an API key for the authenticated caller. With
// authentication disabled the key is bound to the root admin account.
func (s *Server) handleCreateAPIKey(w http.ResponseWriter, r *http.Request) {
	user, _, err := s.authenticateRequest(r)
	if err != nil {
		s.respondError(w, http.StatusUnauthorized, err)
		return
	}
	if s.identity == nil {
		s.respondError(w, http.StatusNotImplemented, errors.New("identity store unavailable"))
		return
	}
	if user == nil {
		user = s.rootUser
	}
	if user == nil {
		s.respondError(w, http.StatusNotImplemented, errors.New("no account to bind the key to"))
		return
	}

	var req createKeyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		s.respondError(w, http.StatusBadRequest, err)
		return
	}

	var expiresAt *time.Time
	if req.ExpiresIn != "" {
		ttl, err := time.ParseDuration(req.ExpiresIn)
		if err != nil {
			s.respondError(w, http.StatusBadRequest, err)
			return
		}
		t := time.Now().UTC().Add(ttl)
		expiresAt = &t
	}

	key, secret, err := s.identity.CreateAPIKey(r.Context(), user.ID, req.Name, req.Scopes, expiresAt)
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err)
		return
	}
	if s.logger != nil {
		s.logger.Printf("api key created id=%d user_id=%d name=%s", key.ID, key.UserID, key.Name)
	}
	s.respondJSON(w, http.StatusCreated, createKeyResponse{
		ID:        key.ID,
		Name:      key.Name,
		Scopes:    key.Scopes,
		ExpiresAt: key.ExpiresAt,
		Secret:    secret,
	})
}
