package kommo

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/worldwideservice/ai-agent-platform/internal/config"
	"github.com/worldwideservice/ai-agent-platform/internal/notify"
	"github.com/worldwideservice/ai-agent-platform/internal/store"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeKommo serves the seven v4 endpoints with fixed payloads.
func fakeKommo(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	write := func(w http.ResponseWriter, v any) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(v)
	}
	mux.HandleFunc("/api/v4/leads/pipelines", func(w http.ResponseWriter, r *http.Request) {
		write(w, map[string]any{"_embedded": map[string]any{"pipelines": []map[string]any{
			{"id": 1, "name": "Sales", "_embedded": map[string]any{"statuses": []map[string]any{
				{"id": 11, "name": "New", "sort": 10, "color": "#fff"},
				{"id": 12, "name": "Won", "sort": 20, "color": "#0f0"},
			}}},
			{"id": 2, "name": "Empty", "_embedded": map[string]any{"statuses": []map[string]any{}}},
		}}})
	})
	mux.HandleFunc("/api/v4/leads/custom_fields", func(w http.ResponseWriter, r *http.Request) {
		write(w, map[string]any{"_embedded": map[string]any{"custom_fields": []map[string]any{
			{"id": 100, "name": "Budget range", "type": "price"},
		}}})
	})
	mux.HandleFunc("/api/v4/contacts/custom_fields", func(w http.ResponseWriter, r *http.Request) {
		write(w, map[string]any{"_embedded": map[string]any{"custom_fields": []map[string]any{
			{"id": 200, "name": "Mobile", "type": "text", "code": "PHONE"},
			{"id": 201, "name": "Birthday", "type": "birthday"},
		}}})
	})
	mux.HandleFunc("/api/v4/users", func(w http.ResponseWriter, r *http.Request) {
		write(w, map[string]any{"_embedded": map[string]any{"users": []map[string]any{
			{"id": 7, "name": "Worker", "email": "w@x.com", "rights": map[string]any{"is_active": true}},
			{"id": 8, "name": "Idle", "email": "i@x.com", "rights": map[string]any{"is_active": false}},
		}}})
	})
	mux.HandleFunc("/api/v4/account", func(w http.ResponseWriter, r *http.Request) {
		write(w, map[string]any{"_embedded": map[string]any{"task_types": []map[string]any{
			{"id": 1, "name": "Call", "code": "CALL"},
		}}})
	})
	mux.HandleFunc("/api/v4/salesbots", func(w http.ResponseWriter, r *http.Request) {
		write(w, map[string]any{"_embedded": map[string]any{"salesbots": []map[string]any{
			{"id": 3, "name": "Greeter", "is_active": true},
		}}})
	})
	mux.HandleFunc("/api/v4/sources", func(w http.ResponseWriter, r *http.Request) {
		// No sources configured; the sync must fall back to the fixed channels.
		w.WriteHeader(http.StatusNoContent)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

type syncFixture struct {
	store    *store.SQLiteStore
	svc      *SyncService
	user     *store.User
	agent    *store.Agent
	integ    *store.Integration
	upstream *httptest.Server
}

func newSyncFixture(t *testing.T, connected bool) *syncFixture {
	t.Helper()
	s, err := store.NewSQLite(":memory:")
	if err != nil {
		t.Fatalf("NewSQLite: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	ctx := context.Background()
	now := time.Now()

	user := &store.User{ID: uuid.NewString(), Email: uuid.NewString() + "@x.com", PasswordHash: "h", Role: "user", CreatedAt: now}
	if err := s.CreateUser(ctx, user); err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	agent := &store.Agent{ID: uuid.NewString(), UserID: user.ID, Name: "A", IsActive: true, CreatedAt: now, UpdatedAt: now}
	if err := s.CreateAgent(ctx, agent); err != nil {
		t.Fatalf("CreateAgent: %v", err)
	}

	upstream := fakeKommo(t)

	integ := &store.Integration{
		ID: uuid.NewString(), AgentID: agent.ID, Type: store.IntegrationKommo,
		IsActive: true, IsConnected: connected,
		CreatedAt: now, UpdatedAt: now,
	}
	if connected {
		at := now
		integ.ConnectedAt = &at
	}
	if err := s.UpsertIntegration(ctx, integ); err != nil {
		t.Fatalf("UpsertIntegration: %v", err)
	}
	tok := &store.KommoToken{
		ID: uuid.NewString(), IntegrationID: integ.ID,
		AccessToken: "at", RefreshToken: "rt",
		ExpiresAt:  now.Add(time.Hour),
		BaseDomain: upstream.URL, APIDomain: upstream.URL,
		CreatedAt: now, UpdatedAt: now,
	}
	if err := s.UpsertKommoToken(ctx, tok); err != nil {
		t.Fatalf("UpsertKommoToken: %v", err)
	}

	logger := testLogger()
	client := NewClient(s, config.KommoConfig{ClientID: "id", ClientSecret: "secret"},
		config.SyncConfig{UpstreamRPS: 100}, logger)
	svc := NewSyncService(s, client, notify.NewHub(logger), logger)

	return &syncFixture{store: s, svc: svc, user: user, agent: agent, integ: integ, upstream: upstream}
}

func TestSyncHappyPath(t *testing.T) {
	f := newSyncFixture(t, true)
	ctx := context.Background()

	res, err := f.svc.Sync(ctx, f.user.ID, f.agent.ID)
	if err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if !res.Success {
		t.Error("result not successful")
	}
	if res.Stats.Pipelines != 2 || res.Stats.DealFields != 3 || res.Stats.ContactFields != 5 {
		t.Errorf("stats = %+v", res.Stats)
	}

	agent, err := f.store.GetAgent(ctx, f.agent.ID)
	if err != nil {
		t.Fatalf("GetAgent: %v", err)
	}
	if !agent.CRMConnected || agent.CRMType != store.IntegrationKommo {
		t.Errorf("agent CRM flags: connected=%v type=%q", agent.CRMConnected, agent.CRMType)
	}

	var snap Snapshot
	if err := json.Unmarshal(agent.CRMData, &snap); err != nil {
		t.Fatalf("decode snapshot: %v", err)
	}
	if len(snap.Channels) != 5 {
		t.Errorf("got %d channels, want 5 fallback entries", len(snap.Channels))
	}
	// Two pipelines but only one has stages, so exactly one change_stage action.
	stageActions := 0
	for _, a := range snap.Actions {
		if a.Type == "change_stage" {
			stageActions++
		}
	}
	if stageActions != 1 {
		t.Errorf("got %d change_stage actions, want 1", stageActions)
	}

	stats, err := f.svc.Stats(ctx, f.user.ID, f.agent.ID)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.Pipelines != 2 || stats.Stages != 2 || stats.Channels != 5 {
		t.Errorf("derived stats = %+v", stats)
	}
	if stats.LastSync == nil {
		t.Error("LastSync not recorded")
	}
}

func TestSyncIdempotent(t *testing.T) {
	f := newSyncFixture(t, true)
	ctx := context.Background()

	if _, err := f.svc.Sync(ctx, f.user.ID, f.agent.ID); err != nil {
		t.Fatalf("first Sync: %v", err)
	}
	first, _ := f.store.GetAgent(ctx, f.agent.ID)

	if _, err := f.svc.Sync(ctx, f.user.ID, f.agent.ID); err != nil {
		t.Fatalf("second Sync: %v", err)
	}
	second, _ := f.store.GetAgent(ctx, f.agent.ID)

	if string(first.CRMData) != string(second.CRMData) {
		t.Error("unchanged upstream data produced different snapshot bytes")
	}
}

func TestSyncDisconnectedWritesNothing(t *testing.T) {
	f := newSyncFixture(t, false)
	ctx := context.Background()

	if _, err := f.svc.Sync(ctx, f.user.ID, f.agent.ID); err != ErrNotConnected {
		t.Fatalf("err = %v, want ErrNotConnected", err)
	}

	agent, _ := f.store.GetAgent(ctx, f.agent.ID)
	if agent.CRMData != nil {
		t.Errorf("crm_data written for disconnected integration: %s", agent.CRMData)
	}
}

func TestSyncOwnershipAndPresence(t *testing.T) {
	f := newSyncFixture(t, true)
	ctx := context.Background()

	if _, err := f.svc.Sync(ctx, "someone-else", f.agent.ID); err != ErrForbidden {
		t.Errorf("foreign caller err = %v, want ErrForbidden", err)
	}
	if _, err := f.svc.Sync(ctx, f.user.ID, "missing-agent"); err != ErrAgentNotFound {
		t.Errorf("missing agent err = %v, want ErrAgentNotFound", err)
	}

	if err := f.store.DeleteIntegration(ctx, f.integ.ID); err != nil {
		t.Fatalf("DeleteIntegration: %v", err)
	}
	if _, err := f.svc.Sync(ctx, f.user.ID, f.agent.ID); err != ErrIntegrationNotFound {
		t.Errorf("missing integration err = %v, want ErrIntegrationNotFound", err)
	}
}

func TestSyncInFlightGuard(t *testing.T) {
	f := newSyncFixture(t, true)

	if !f.svc.begin(f.agent.ID) {
		t.Fatal("first begin refused")
	}
	if _, err := f.svc.Sync(context.Background(), f.user.ID, f.agent.ID); err != ErrSyncInProgress {
		t.Errorf("err = %v, want ErrSyncInProgress", err)
	}
	f.svc.end(f.agent.ID)

	if _, err := f.svc.Sync(context.Background(), f.user.ID, f.agent.ID); err != nil {
		t.Errorf("Sync after release: %v", err)
	}
}
