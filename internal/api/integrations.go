package api

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/worldwideservice/ai-agent-platform/internal/gcal"
	"github.com/worldwideservice/ai-agent-platform/internal/kommo"
	"github.com/worldwideservice/ai-agent-platform/internal/store"
)

// kommoStatus maps the sync service's sentinel errors onto HTTP statuses.
// Anything unrecognized is an internal error.
func kommoStatus(err error) (int, string) {
	switch {
	case errors.Is(err, kommo.ErrAgentNotFound):
		return http.StatusNotFound, "agent not found"
	case errors.Is(err, kommo.ErrIntegrationNotFound):
		return http.StatusNotFound, "integration not found"
	case errors.Is(err, kommo.ErrForbidden):
		return http.StatusForbidden, "forbidden"
	case errors.Is(err, kommo.ErrNotConnected):
		return http.StatusBadRequest, "integration is not connected"
	case errors.Is(err, kommo.ErrSyncInProgress):
		return http.StatusConflict, "sync already in progress"
	default:
		return 0, ""
	}
}

func (s *Server) handleListIntegrations(w http.ResponseWriter, r *http.Request) {
	agent := s.ownedAgent(w, r)
	if agent == nil {
		return
	}
	integrations, err := s.store.ListIntegrations(r.Context(), agent.ID)
	if err != nil {
		s.logger.Error("list integrations failed", "error", err)
		writeError(w, http.StatusInternalServerError, "list failed")
		return
	}
	writeJSON(w, http.StatusOK, integrations)
}

// --- kommo ---

// handleKommoAuthURL returns the Kommo OAuth authorization URL. The agent ID
// rides along as the state parameter so the UI can route the code back to
// the right connect call.
func (s *Server) handleKommoAuthURL(w http.ResponseWriter, r *http.Request) {
	agent := s.ownedAgent(w, r)
	if agent == nil {
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"url": s.kommoClient.AuthorizeURL(agent.ID),
	})
}

func (s *Server) handleKommoConnect(w http.ResponseWriter, r *http.Request) {
	agent := s.ownedAgent(w, r)
	if agent == nil {
		return
	}

	var req struct {
		BaseDomain string `json:"base_domain"`
		Code       string `json:"code"`
	}
	if !s.decodeJSON(w, r, &req) {
		return
	}
	if req.BaseDomain == "" || req.Code == "" {
		writeError(w, http.StatusBadRequest, "base_domain and code are required")
		return
	}

	identity := getIdentityFromContext(r.Context())
	integ, err := s.sync.Connect(r.Context(), identity.UserID, agent.ID, req.BaseDomain, req.Code)
	if err != nil {
		if status, msg := kommoStatus(err); status != 0 {
			writeError(w, status, msg)
			return
		}
		var upstream *kommo.UpstreamError
		if errors.As(err, &upstream) {
			s.logger.Error("kommo authorization rejected", "status", upstream.Status)
			writeError(w, http.StatusBadRequest, "kommo rejected the authorization code")
			return
		}
		s.logger.Error("kommo connect failed", "error", err)
		writeError(w, http.StatusInternalServerError, "connect failed")
		return
	}
	writeJSON(w, http.StatusOK, integ)
}

func (s *Server) handleKommoDisconnect(w http.ResponseWriter, r *http.Request) {
	agent := s.ownedAgent(w, r)
	if agent == nil {
		return
	}
	identity := getIdentityFromContext(r.Context())
	if err := s.sync.Disconnect(r.Context(), identity.UserID, agent.ID); err != nil {
		if status, msg := kommoStatus(err); status != 0 {
			writeError(w, status, msg)
			return
		}
		s.logger.Error("kommo disconnect failed", "error", err)
		writeError(w, http.StatusInternalServerError, "disconnect failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (s *Server) handleKommoSync(w http.ResponseWriter, r *http.Request) {
	agent := s.ownedAgent(w, r)
	if agent == nil {
		return
	}
	identity := getIdentityFromContext(r.Context())

	result, err := s.sync.Sync(r.Context(), identity.UserID, agent.ID)
	if err != nil {
		if status, msg := kommoStatus(err); status != 0 {
			writeError(w, status, msg)
			return
		}
		// Upstream fetch failures surface as a failed sync result so the UI
		// can show the message without treating it as a client error.
		s.logger.Error("kommo sync failed", "agent_id", agent.ID, "error", err)
		msg := "sync failed"
		var upstream *kommo.UpstreamError
		if errors.As(err, &upstream) {
			msg = fmt.Sprintf("sync failed: upstream returned %d", upstream.Status)
		}
		writeJSON(w, http.StatusInternalServerError, kommo.SyncResult{
			Success: false,
			Message: msg,
		})
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleKommoStats(w http.ResponseWriter, r *http.Request) {
	agent := s.ownedAgent(w, r)
	if agent == nil {
		return
	}
	identity := getIdentityFromContext(r.Context())

	stats, err := s.sync.Stats(r.Context(), identity.UserID, agent.ID)
	if err != nil {
		if status, msg := kommoStatus(err); status != 0 {
			writeError(w, status, msg)
			return
		}
		s.logger.Error("kommo stats failed", "error", err)
		writeError(w, http.StatusInternalServerError, "stats failed")
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// --- google ---

func gcalStatus(err error) (int, string) {
	switch {
	case errors.Is(err, gcal.ErrAgentNotFound):
		return http.StatusNotFound, "agent not found"
	case errors.Is(err, gcal.ErrForbidden):
		return http.StatusForbidden, "forbidden"
	case errors.Is(err, gcal.ErrNotConnected):
		return http.StatusBadRequest, "integration is not connected"
	default:
		return 0, ""
	}
}

func (s *Server) handleGoogleAuthURL(w http.ResponseWriter, r *http.Request) {
	agent := s.ownedAgent(w, r)
	if agent == nil {
		return
	}
	if !s.gcal.Enabled() {
		writeError(w, http.StatusBadRequest, "google integration is not configured")
		return
	}
	identity := getIdentityFromContext(r.Context())
	state, err := s.auth.IssueOAuthState(identity.UserID, agent.ID)
	if err != nil {
		s.logger.Error("google auth state failed", "error", err)
		writeError(w, http.StatusInternalServerError, "auth url failed")
		return
	}
	url, err := s.gcal.AuthURL(state)
	if err != nil {
		s.logger.Error("google auth url failed", "error", err)
		writeError(w, http.StatusInternalServerError, "auth url failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"url": url})
}

// handleGoogleCallback completes the OAuth flow. Google redirects the browser
// here without credentials, so the route is public and the signed state
// parameter issued by handleGoogleAuthURL identifies the user and agent.
func (s *Server) handleGoogleCallback(w http.ResponseWriter, r *http.Request) {
	state := r.URL.Query().Get("state")
	code := r.URL.Query().Get("code")
	if state == "" || code == "" {
		writeError(w, http.StatusBadRequest, "state and code are required")
		return
	}

	userID, agentID, err := s.auth.ValidateOAuthState(state)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "invalid or expired state")
		return
	}

	integ, err := s.gcal.HandleCallback(r.Context(), userID, agentID, code)
	if err != nil {
		if status, msg := gcalStatus(err); status != 0 {
			writeError(w, status, msg)
			return
		}
		s.logger.Error("google callback failed", "error", err)
		writeError(w, http.StatusBadRequest, "google token exchange failed")
		return
	}
	writeJSON(w, http.StatusOK, integ)
}

func (s *Server) handleGoogleDisconnect(w http.ResponseWriter, r *http.Request) {
	agent := s.ownedAgent(w, r)
	if agent == nil {
		return
	}
	identity := getIdentityFromContext(r.Context())
	if err := s.gcal.Disconnect(r.Context(), identity.UserID, agent.ID); err != nil {
		if status, msg := gcalStatus(err); status != 0 {
			writeError(w, status, msg)
			return
		}
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "integration not found")
			return
		}
		s.logger.Error("google disconnect failed", "error", err)
		writeError(w, http.StatusInternalServerError, "disconnect failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}
