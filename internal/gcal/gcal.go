// Package gcal connects agents to Google Calendar via OAuth.
package gcal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"

	"github.com/worldwideservice/ai-agent-platform/internal/config"
	"github.com/worldwideservice/ai-agent-platform/internal/store"
)

var (
	ErrAgentNotFound = errors.New("agent not found")
	ErrForbidden     = errors.New("agent does not belong to caller")
	ErrNotConnected  = errors.New("google integration is not connected")
)

// calendarScope grants read/write access to the user's calendars.
const calendarScope = "https://www.googleapis.com/auth/calendar"

// Service manages the Google Calendar OAuth lifecycle per agent.
type Service struct {
	store  store.Store
	oauth  *oauth2.Config
	logger *slog.Logger
}

// NewService creates a Google Calendar service. Returns a disabled service
// when no OAuth client is configured.
func NewService(s store.Store, cfg config.GoogleConfig, logger *slog.Logger) *Service {
	var oc *oauth2.Config
	if cfg.ClientID != "" {
		oc = &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURL,
			Scopes:       []string{calendarScope},
			Endpoint:     google.Endpoint,
		}
	}
	return &Service{store: s, oauth: oc, logger: logger}
}

// Enabled reports whether an OAuth client is configured.
func (s *Service) Enabled() bool { return s.oauth != nil }

// AuthURL returns the consent URL carrying the caller-supplied signed state.
func (s *Service) AuthURL(state string) (string, error) {
	if s.oauth == nil {
		return "", errors.New("google oauth is not configured")
	}
	return s.oauth.AuthCodeURL(state,
		oauth2.AccessTypeOffline,
		oauth2.SetAuthURLParam("prompt", "consent"),
	), nil
}

func (s *Service) resolveAgent(ctx context.Context, userID, agentID string) (*store.Agent, error) {
	agent, err := s.store.GetAgent(ctx, agentID)
	if err != nil {
		return nil, fmt.Errorf("get agent: %w", err)
	}
	if agent == nil {
		return nil, ErrAgentNotFound
	}
	if agent.UserID != userID {
		// Admins may act on any agent, same as the HTTP layer.
		user, err := s.store.GetUserByID(ctx, userID)
		if err != nil {
			return nil, fmt.Errorf("get user: %w", err)
		}
		if user == nil || user.Role != "admin" {
			return nil, ErrForbidden
		}
	}
	return agent, nil
}

// HandleCallback exchanges the authorization code and stores the token,
// creating the integration row when needed.
func (s *Service) HandleCallback(ctx context.Context, userID, agentID, code string) (*store.Integration, error) {
	if s.oauth == nil {
		return nil, errors.New("google oauth is not configured")
	}
	if _, err := s.resolveAgent(ctx, userID, agentID); err != nil {
		return nil, err
	}

	tok, err := s.oauth.Exchange(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("exchange code: %w", err)
	}

	integ, err := s.store.GetIntegration(ctx, agentID, store.IntegrationGoogle)
	if err != nil {
		return nil, fmt.Errorf("get integration: %w", err)
	}
	now := time.Now()
	if integ == nil {
		integ = &store.Integration{
			ID:        uuid.NewString(),
			AgentID:   agentID,
			Type:      store.IntegrationGoogle,
			IsActive:  true,
			CreatedAt: now,
			UpdatedAt: now,
		}
		if err := s.store.UpsertIntegration(ctx, integ); err != nil {
			return nil, fmt.Errorf("create integration: %w", err)
		}
	}

	raw, err := json.Marshal(tok)
	if err != nil {
		return nil, fmt.Errorf("encode token: %w", err)
	}
	if err := s.store.UpsertGoogleToken(ctx, &store.GoogleToken{
		IntegrationID: integ.ID,
		Token:         raw,
		UpdatedAt:     now,
	}); err != nil {
		return nil, fmt.Errorf("persist token: %w", err)
	}
	if err := s.store.SetIntegrationConnected(ctx, integ.ID, true, now); err != nil {
		return nil, err
	}

	s.logger.Info("google calendar connected", "agent_id", agentID)
	return s.store.GetIntegrationByID(ctx, integ.ID)
}

// Disconnect marks the integration disconnected and drops the stored token.
func (s *Service) Disconnect(ctx context.Context, userID, agentID string) error {
	if _, err := s.resolveAgent(ctx, userID, agentID); err != nil {
		return err
	}
	integ, err := s.store.GetIntegration(ctx, agentID, store.IntegrationGoogle)
	if err != nil {
		return fmt.Errorf("get integration: %w", err)
	}
	if integ == nil {
		return ErrNotConnected
	}
	if err := s.store.SetIntegrationConnected(ctx, integ.ID, false, time.Now()); err != nil {
		return err
	}
	return s.store.DeleteGoogleToken(ctx, integ.ID)
}

// HTTPClient returns an authorized client for the agent's calendar. Token
// refreshes performed by the oauth2 transport are persisted back through the
// wrapping token source.
func (s *Service) HTTPClient(ctx context.Context, userID, agentID string) (*http.Client, error) {
	if s.oauth == nil {
		return nil, errors.New("google oauth is not configured")
	}
	if _, err := s.resolveAgent(ctx, userID, agentID); err != nil {
		return nil, err
	}

	integ, err := s.store.GetIntegration(ctx, agentID, store.IntegrationGoogle)
	if err != nil {
		return nil, fmt.Errorf("get integration: %w", err)
	}
	if integ == nil || !integ.IsConnected {
		return nil, ErrNotConnected
	}

	stored, err := s.store.GetGoogleToken(ctx, integ.ID)
	if err != nil {
		return nil, fmt.Errorf("get token: %w", err)
	}
	if stored == nil {
		return nil, ErrNotConnected
	}

	var tok oauth2.Token
	if err := json.Unmarshal(stored.Token, &tok); err != nil {
		return nil, fmt.Errorf("decode token: %w", err)
	}

	src := &persistingSource{
		ctx:           ctx,
		store:         s.store,
		integrationID: integ.ID,
		inner:         s.oauth.TokenSource(ctx, &tok),
		last:          &tok,
	}
	return oauth2.NewClient(ctx, src), nil
}

// persistingSource writes refreshed tokens back to the store so the next
// process start reuses them.
type persistingSource struct {
	ctx           context.Context
	store         store.Store
	integrationID string
	inner         oauth2.TokenSource
	last          *oauth2.Token
}

func (p *persistingSource) Token() (*oauth2.Token, error) {
	tok, err := p.inner.Token()
	if err != nil {
		return nil, err
	}
	if tok.AccessToken != p.last.AccessToken {
		raw, err := json.Marshal(tok)
		if err == nil {
			_ = p.store.UpsertGoogleToken(p.ctx, &store.GoogleToken{
				IntegrationID: p.integrationID,
				Token:         raw,
				UpdatedAt:     time.Now(),
			})
		}
		p.last = tok
	}
	return tok, nil
}
