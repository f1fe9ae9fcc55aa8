package kommo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sourcegraph/conc/pool"

	"github.com/worldwideservice/ai-agent-platform/internal/notify"
	"github.com/worldwideservice/ai-agent-platform/internal/store"
)

var (
	ErrAgentNotFound       = errors.New("agent not found")
	ErrIntegrationNotFound = errors.New("kommo integration not found")
	ErrNotConnected        = errors.New("kommo integration is not connected")
	ErrForbidden           = errors.New("agent does not belong to caller")
	ErrSyncInProgress      = errors.New("sync already in progress for this agent")
)

// Notifier publishes user-facing events. Satisfied by *notify.Hub.
type Notifier interface {
	Publish(userID string, ev notify.Event)
}

// SyncStats summarizes one completed sync.
type SyncStats struct {
	Pipelines     int   `json:"pipelines"`
	DealFields    int   `json:"dealFields"`
	ContactFields int   `json:"contactFields"`
	Users         int   `json:"users"`
	Salesbots     int   `json:"salesbots"`
	SyncTimeMS    int64 `json:"syncTime"`
}

// SyncResult is the response payload of a successful sync.
type SyncResult struct {
	Success    bool      `json:"success"`
	Message    string    `json:"message"`
	LastSynced time.Time `json:"lastSynced"`
	Stats      SyncStats `json:"stats"`
}

// IntegrationStats is the read-side summary derived from stored state.
type IntegrationStats struct {
	Pipelines     int        `json:"pipelines"`
	Stages        int        `json:"stages"`
	Users         int        `json:"users"`
	DealFields    int        `json:"dealFields"`
	ContactFields int        `json:"contactFields"`
	Channels      int        `json:"channels"`
	LastSync      *time.Time `json:"lastSync"`
}

// SyncService orchestrates CRM snapshot synchronization for agents.
type SyncService struct {
	store    store.Store
	client   *Client
	notifier Notifier
	logger   *slog.Logger

	mu       sync.Mutex
	inflight map[string]struct{} // agent ids with a sync running
}

// NewSyncService creates a sync service.
func NewSyncService(s store.Store, c *Client, n Notifier, logger *slog.Logger) *SyncService {
	return &SyncService{
		store:    s,
		client:   c,
		notifier: n,
		logger:   logger,
		inflight: make(map[string]struct{}),
	}
}

func (s *SyncService) begin(agentID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, busy := s.inflight[agentID]; busy {
		return false
	}
	s.inflight[agentID] = struct{}{}
	return true
}

func (s *SyncService) end(agentID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.inflight, agentID)
}

// authorizeAgent loads the agent and enforces ownership. Admins may act on
// any agent, same as the HTTP layer.
func (s *SyncService) authorizeAgent(ctx context.Context, userID, agentID string) (*store.Agent, error) {
	agent, err := s.store.GetAgent(ctx, agentID)
	if err != nil {
		return nil, fmt.Errorf("get agent: %w", err)
	}
	if agent == nil {
		return nil, ErrAgentNotFound
	}
	if agent.UserID != userID {
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

// resolve loads the agent and its kommo integration, enforcing ownership.
func (s *SyncService) resolve(ctx context.Context, userID, agentID string) (*store.Agent, *store.Integration, error) {
	agent, err := s.authorizeAgent(ctx, userID, agentID)
	if err != nil {
		return nil, nil, err
	}

	integ, err := s.store.GetIntegration(ctx, agentID, store.IntegrationKommo)
	if err != nil {
		return nil, nil, fmt.Errorf("get integration: %w", err)
	}
	if integ == nil {
		return nil, nil, ErrIntegrationNotFound
	}
	return agent, integ, nil
}

// Sync fetches the remote CRM configuration, transforms it in memory, and
// replaces the agent's snapshot in one transaction. The whole document is
// built before any write happens, so a failed sync never leaves a partial
// snapshot behind.
func (s *SyncService) Sync(ctx context.Context, userID, agentID string) (*SyncResult, error) {
	agent, integ, err := s.resolve(ctx, userID, agentID)
	if err != nil {
		return nil, err
	}
	if !integ.IsConnected {
		return nil, ErrNotConnected
	}

	if !s.begin(agentID) {
		return nil, ErrSyncInProgress
	}
	defer s.end(agentID)

	started := time.Now()
	s.logger.Info("kommo sync started", "agent_id", agentID, "user_id", userID)

	snap, err := s.fetchAndTransform(ctx, integ.ID)
	if err != nil {
		s.logger.Error("kommo sync failed", "agent_id", agentID, "error", err)
		s.notifyError(userID, err)
		return nil, err
	}

	data, err := json.Marshal(snap)
	if err != nil {
		return nil, fmt.Errorf("encode snapshot: %w", err)
	}
	settings, err := json.Marshal(snap.Counts())
	if err != nil {
		return nil, fmt.Errorf("encode settings: %w", err)
	}

	synced := time.Now()
	err = s.store.SaveCRMSnapshot(ctx, store.SnapshotWrite{
		AgentID:       agent.ID,
		IntegrationID: integ.ID,
		CRMType:       store.IntegrationKommo,
		Data:          data,
		Settings:      settings,
		LastSynced:    synced,
	})
	if err != nil {
		s.logger.Error("kommo snapshot write failed", "agent_id", agentID, "error", err)
		s.notifyError(userID, err)
		return nil, fmt.Errorf("save snapshot: %w", err)
	}

	stats := SyncStats{
		Pipelines:     len(snap.Pipelines),
		DealFields:    len(snap.DealFields),
		ContactFields: len(snap.ContactFields),
		Users:         len(snap.Users),
		Salesbots:     len(snap.Salesbots),
		SyncTimeMS:    time.Since(started).Milliseconds(),
	}
	s.logger.Info("kommo sync finished",
		"agent_id", agentID,
		"pipelines", stats.Pipelines,
		"deal_fields", stats.DealFields,
		"contact_fields", stats.ContactFields,
		"duration_ms", stats.SyncTimeMS,
	)

	msg := fmt.Sprintf("Kommo sync complete: %d pipelines, %d deal fields, %d contact fields, %d users",
		stats.Pipelines, stats.DealFields, stats.ContactFields, stats.Users)
	if s.notifier != nil {
		s.notifier.Publish(userID, notify.Event{
			Type:    "integration.sync",
			Level:   "info",
			Message: msg,
		})
	}

	return &SyncResult{
		Success:    true,
		Message:    msg,
		LastSynced: synced,
		Stats:      stats,
	}, nil
}

// fetchAndTransform runs the seven upstream fetches concurrently and builds
// the snapshot. The shared limiter inside Client keeps the request rate under
// the upstream limit; the pool cancels the remaining fetches when one fails.
func (s *SyncService) fetchAndTransform(ctx context.Context, integrationID string) (*Snapshot, error) {
	tok, err := s.client.ValidToken(ctx, integrationID)
	if err != nil {
		return nil, err
	}

	var raw RawData
	p := pool.New().WithContext(ctx).WithCancelOnError()
	p.Go(func(ctx context.Context) error {
		var err error
		raw.Pipelines, err = s.client.FetchPipelines(ctx, tok)
		return err
	})
	p.Go(func(ctx context.Context) error {
		var err error
		raw.LeadFields, err = s.client.FetchLeadFields(ctx, tok)
		return err
	})
	p.Go(func(ctx context.Context) error {
		var err error
		raw.ContactFields, err = s.client.FetchContactFields(ctx, tok)
		return err
	})
	p.Go(func(ctx context.Context) error {
		var err error
		raw.Users, err = s.client.FetchUsers(ctx, tok)
		return err
	})
	p.Go(func(ctx context.Context) error {
		var err error
		raw.TaskTypes, err = s.client.FetchTaskTypes(ctx, tok)
		return err
	})
	p.Go(func(ctx context.Context) error {
		var err error
		raw.Salesbots, err = s.client.FetchSalesbots(ctx, tok)
		return err
	})
	p.Go(func(ctx context.Context) error {
		var err error
		raw.Sources, err = s.client.FetchSources(ctx, tok)
		return err
	})
	if err := p.Wait(); err != nil {
		return nil, err
	}

	return BuildSnapshot(raw), nil
}

func (s *SyncService) notifyError(userID string, err error) {
	if s.notifier == nil {
		return
	}
	s.notifier.Publish(userID, notify.Event{
		Type:    "integration.sync",
		Level:   "error",
		Message: "Kommo sync failed: " + err.Error(),
	})
}

// Stats derives the read-side integration summary from stored state.
func (s *SyncService) Stats(ctx context.Context, userID, agentID string) (*IntegrationStats, error) {
	agent, integ, err := s.resolve(ctx, userID, agentID)
	if err != nil {
		return nil, err
	}

	out := &IntegrationStats{LastSync: integ.LastSynced}
	if len(agent.CRMData) > 0 {
		var snap Snapshot
		if err := json.Unmarshal(agent.CRMData, &snap); err != nil {
			return nil, fmt.Errorf("decode snapshot: %w", err)
		}
		out.Pipelines = len(snap.Pipelines)
		out.Stages = snap.StageCount()
		out.Users = len(snap.Users)
		out.DealFields = len(snap.DealFields)
		out.ContactFields = len(snap.ContactFields)
		out.Channels = len(snap.Channels)
	}
	return out, nil
}

// Connect records the OAuth callback for an agent: it upserts the
// integration row, exchanges the code, and marks the integration connected.
func (s *SyncService) Connect(ctx context.Context, userID, agentID, baseDomain, code string) (*store.Integration, error) {
	if _, err := s.authorizeAgent(ctx, userID, agentID); err != nil {
		return nil, err
	}

	integ, err := s.store.GetIntegration(ctx, agentID, store.IntegrationKommo)
	if err != nil {
		return nil, fmt.Errorf("get integration: %w", err)
	}
	now := time.Now()
	if integ == nil {
		integ = &store.Integration{
			ID:        uuid.NewString(),
			AgentID:   agentID,
			Type:      store.IntegrationKommo,
			IsActive:  true,
			CreatedAt: now,
			UpdatedAt: now,
		}
		if err := s.store.UpsertIntegration(ctx, integ); err != nil {
			return nil, fmt.Errorf("create integration: %w", err)
		}
	}

	if _, err := s.client.ExchangeCode(ctx, integ.ID, baseDomain, code); err != nil {
		return nil, err
	}
	if err := s.store.SetIntegrationConnected(ctx, integ.ID, true, now); err != nil {
		return nil, err
	}
	return s.store.GetIntegrationByID(ctx, integ.ID)
}

// Disconnect marks the integration disconnected. Stored tokens are kept so a
// reconnect can reuse the refresh token if the provider still honors it.
func (s *SyncService) Disconnect(ctx context.Context, userID, agentID string) error {
	_, integ, err := s.resolve(ctx, userID, agentID)
	if err != nil {
		return err
	}
	return s.store.SetIntegrationConnected(ctx, integ.ID, false, time.Now())
}
