package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/worldwideservice/ai-agent-platform/internal/auth"
	"github.com/worldwideservice/ai-agent-platform/internal/config"
	"github.com/worldwideservice/ai-agent-platform/internal/gcal"
	"github.com/worldwideservice/ai-agent-platform/internal/kommo"
	"github.com/worldwideservice/ai-agent-platform/internal/notify"
	"github.com/worldwideservice/ai-agent-platform/internal/store"
)

const (
	testAdminEmail    = "admin@example.com"
	testAdminPassword = "admin-password-1"
)

func newTestServer(t *testing.T) (*httptest.Server, store.Store) {
	t.Helper()

	st, err := store.NewSQLite(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	authSvc := auth.NewService(st, config.AuthConfig{
		JWTSecret: "0123456789abcdef0123456789abcdef",
		JWTExpiry: config.Duration{Duration: time.Hour},
		InitialAdmin: &config.InitialAdmin{
			Email:    testAdminEmail,
			Password: testAdminPassword,
		},
	})
	if err := authSvc.Bootstrap(context.Background()); err != nil {
		t.Fatalf("bootstrap: %v", err)
	}

	hub := notify.NewHub(logger)
	client := kommo.NewClient(st, config.KommoConfig{
		ClientID:     "test-client",
		ClientSecret: "test-secret",
		RedirectURL:  "http://localhost/callback",
	}, config.SyncConfig{UpstreamRPS: 100}, logger)
	syncSvc := kommo.NewSyncService(st, client, hub, logger)
	gcalSvc := gcal.NewService(st, config.GoogleConfig{}, logger)

	srv := NewServer(config.ServerConfig{}, config.RateLimitConfig{RequestsPerSecond: 1000, Burst: 1000}, Deps{
		Logger:      logger,
		Store:       st,
		Auth:        authSvc,
		Sync:        syncSvc,
		KommoClient: client,
		GCal:        gcalSvc,
		Hub:         hub,
	})

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts, st
}

func doJSON(t *testing.T, ts *httptest.Server, method, path, token string, body any) (*http.Response, []byte) {
	t.Helper()

	var buf io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		buf = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, ts.URL+path, buf)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return resp, data
}

func login(t *testing.T, ts *httptest.Server, email, password string) string {
	t.Helper()
	resp, body := doJSON(t, ts, http.MethodPost, "/api/auth/login", "", map[string]string{
		"email":    email,
		"password": password,
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("login %s: status %d: %s", email, resp.StatusCode, body)
	}
	var out struct {
		Token string `json:"token"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		t.Fatalf("decode login response: %v", err)
	}
	if out.Token == "" {
		t.Fatal("login returned empty token")
	}
	return out.Token
}

// createUser registers a second account through the admin endpoint and logs
// it in.
func createUser(t *testing.T, ts *httptest.Server, adminToken, email string) string {
	t.Helper()
	resp, body := doJSON(t, ts, http.MethodPost, "/api/users", adminToken, map[string]string{
		"email":    email,
		"name":     "Test User",
		"password": "user-password-1",
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create user: status %d: %s", resp.StatusCode, body)
	}
	return login(t, ts, email, "user-password-1")
}

func createAgent(t *testing.T, ts *httptest.Server, token, name string) store.Agent {
	t.Helper()
	resp, body := doJSON(t, ts, http.MethodPost, "/api/agents", token, map[string]any{
		"name":  name,
		"model": "gpt-4o",
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create agent: status %d: %s", resp.StatusCode, body)
	}
	var agent store.Agent
	if err := json.Unmarshal(body, &agent); err != nil {
		t.Fatalf("decode agent: %v", err)
	}
	return agent
}

func TestHealthEndpoints(t *testing.T) {
	ts, _ := newTestServer(t)

	resp, _ := doJSON(t, ts, http.MethodGet, "/healthz", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("healthz status = %d, want 200", resp.StatusCode)
	}
	resp, _ = doJSON(t, ts, http.MethodGet, "/readyz", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("readyz status = %d, want 200", resp.StatusCode)
	}
}

func TestLoginAndMe(t *testing.T) {
	ts, _ := newTestServer(t)
	token := login(t, ts, testAdminEmail, testAdminPassword)

	resp, body := doJSON(t, ts, http.MethodGet, "/api/me", token, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("me: status %d: %s", resp.StatusCode, body)
	}
	var user store.User
	if err := json.Unmarshal(body, &user); err != nil {
		t.Fatalf("decode user: %v", err)
	}
	if user.Email != testAdminEmail {
		t.Errorf("email = %q, want %q", user.Email, testAdminEmail)
	}
	if user.Role != "admin" {
		t.Errorf("role = %q, want admin", user.Role)
	}
}

func TestLoginRejectsBadPassword(t *testing.T) {
	ts, _ := newTestServer(t)
	resp, _ := doJSON(t, ts, http.MethodPost, "/api/auth/login", "", map[string]string{
		"email":    testAdminEmail,
		"password": "wrong",
	})
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", resp.StatusCode)
	}
}

func TestAuthRequired(t *testing.T) {
	ts, _ := newTestServer(t)

	resp, _ := doJSON(t, ts, http.MethodGet, "/api/agents", "", nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("no token: status = %d, want 401", resp.StatusCode)
	}
	resp, _ = doJSON(t, ts, http.MethodGet, "/api/agents", "not-a-jwt", nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("garbage token: status = %d, want 401", resp.StatusCode)
	}
}

func TestUserEndpointsRequireAdmin(t *testing.T) {
	ts, _ := newTestServer(t)
	admin := login(t, ts, testAdminEmail, testAdminPassword)
	user := createUser(t, ts, admin, "plain@example.com")

	resp, _ := doJSON(t, ts, http.MethodPost, "/api/users", user, map[string]string{
		"email": "x@example.com", "password": "pw-long-enough",
	})
	if resp.StatusCode != http.StatusForbidden {
		t.Errorf("non-admin create user: status = %d, want 403", resp.StatusCode)
	}
	resp, _ = doJSON(t, ts, http.MethodGet, "/api/users", user, nil)
	if resp.StatusCode != http.StatusForbidden {
		t.Errorf("non-admin list users: status = %d, want 403", resp.StatusCode)
	}
}

func TestAgentCRUD(t *testing.T) {
	ts, _ := newTestServer(t)
	token := login(t, ts, testAdminEmail, testAdminPassword)

	agent := createAgent(t, ts, token, "Support Bot")

	resp, body := doJSON(t, ts, http.MethodPut, "/api/agents/"+agent.ID, token, map[string]any{
		"instructions": "Be helpful.",
		"is_active":    true,
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("update: status %d: %s", resp.StatusCode, body)
	}
	var updated store.Agent
	if err := json.Unmarshal(body, &updated); err != nil {
		t.Fatalf("decode updated: %v", err)
	}
	if updated.Instructions != "Be helpful." || !updated.IsActive {
		t.Errorf("update not applied: %+v", updated)
	}
	if updated.Name != "Support Bot" {
		t.Errorf("untouched field changed: name = %q", updated.Name)
	}

	resp, body = doJSON(t, ts, http.MethodGet, "/api/agents", token, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("list: status %d", resp.StatusCode)
	}
	var agents []store.Agent
	if err := json.Unmarshal(body, &agents); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if len(agents) != 1 {
		t.Fatalf("len(agents) = %d, want 1", len(agents))
	}

	resp, _ = doJSON(t, ts, http.MethodDelete, "/api/agents/"+agent.ID, token, nil)
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("delete: status = %d, want 204", resp.StatusCode)
	}
	resp, _ = doJSON(t, ts, http.MethodGet, "/api/agents/"+agent.ID, token, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("get after delete: status = %d, want 404", resp.StatusCode)
	}
}

func TestAgentOwnership(t *testing.T) {
	ts, _ := newTestServer(t)
	admin := login(t, ts, testAdminEmail, testAdminPassword)
	owner := createUser(t, ts, admin, "owner@example.com")
	other := createUser(t, ts, admin, "other@example.com")

	agent := createAgent(t, ts, owner, "Private Bot")

	resp, _ := doJSON(t, ts, http.MethodGet, "/api/agents/"+agent.ID, other, nil)
	if resp.StatusCode != http.StatusForbidden {
		t.Errorf("other user get: status = %d, want 403", resp.StatusCode)
	}
	resp, _ = doJSON(t, ts, http.MethodDelete, "/api/agents/"+agent.ID, other, nil)
	if resp.StatusCode != http.StatusForbidden {
		t.Errorf("other user delete: status = %d, want 403", resp.StatusCode)
	}

	// Admins can see any agent.
	resp, _ = doJSON(t, ts, http.MethodGet, "/api/agents/"+agent.ID, admin, nil)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("admin get: status = %d, want 200", resp.StatusCode)
	}

	// Listing stays scoped to the caller.
	resp, body := doJSON(t, ts, http.MethodGet, "/api/agents", other, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("list: status %d", resp.StatusCode)
	}
	var agents []store.Agent
	if err := json.Unmarshal(body, &agents); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if len(agents) != 0 {
		t.Errorf("other user sees %d agents, want 0", len(agents))
	}
}

func TestTriggerLifecycle(t *testing.T) {
	ts, _ := newTestServer(t)
	token := login(t, ts, testAdminEmail, testAdminPassword)
	agent := createAgent(t, ts, token, "Bot")
	base := "/api/agents/" + agent.ID + "/triggers"

	resp, body := doJSON(t, ts, http.MethodPost, base, token, map[string]any{
		"name":  "Greet",
		"event": "message.incoming",
		"actions": []map[string]any{
			{"type": "send_message", "params": map[string]string{"text": "hi"}},
			{"type": "add_tag", "params": map[string]string{"tag": "new"}},
		},
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create: status %d: %s", resp.StatusCode, body)
	}
	var tr store.Trigger
	if err := json.Unmarshal(body, &tr); err != nil {
		t.Fatalf("decode trigger: %v", err)
	}
	if len(tr.Actions) != 2 {
		t.Fatalf("len(actions) = %d, want 2", len(tr.Actions))
	}

	// Replacing the action list drops the old actions.
	resp, body = doJSON(t, ts, http.MethodPut, base+"/"+tr.ID, token, map[string]any{
		"actions": []map[string]any{
			{"type": "ai_reply"},
		},
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("update: status %d: %s", resp.StatusCode, body)
	}
	var updated store.Trigger
	if err := json.Unmarshal(body, &updated); err != nil {
		t.Fatalf("decode updated: %v", err)
	}
	if len(updated.Actions) != 1 || updated.Actions[0].Type != "ai_reply" {
		t.Errorf("actions not replaced: %+v", updated.Actions)
	}
	if updated.Name != "Greet" {
		t.Errorf("untouched name changed: %q", updated.Name)
	}

	resp, _ = doJSON(t, ts, http.MethodDelete, base+"/"+tr.ID, token, nil)
	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("delete: status = %d, want 204", resp.StatusCode)
	}
	resp, _ = doJSON(t, ts, http.MethodDelete, base+"/"+tr.ID, token, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("double delete: status = %d, want 404", resp.StatusCode)
	}
}

func TestChainLifecycle(t *testing.T) {
	ts, _ := newTestServer(t)
	token := login(t, ts, testAdminEmail, testAdminPassword)
	agent := createAgent(t, ts, token, "Bot")
	base := "/api/agents/" + agent.ID + "/chains"

	resp, body := doJSON(t, ts, http.MethodPost, base, token, map[string]any{
		"name": "Follow up",
		"conditions": []map[string]any{
			{"field": "price", "operator": "eq", "value": "0"},
		},
		"steps": []map[string]any{
			{"name": "First touch", "delay_min": 0, "actions": []map[string]any{
				{"type": "send_message"},
			}},
			{"name": "Reminder", "delay_min": 60, "actions": []map[string]any{
				{"type": "send_message"},
				{"type": "add_note"},
			}},
		},
		"schedules": []map[string]any{
			{"weekday": 1, "start_time": "09:00", "end_time": "18:00"},
		},
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create: status %d: %s", resp.StatusCode, body)
	}
	var ch store.Chain
	if err := json.Unmarshal(body, &ch); err != nil {
		t.Fatalf("decode chain: %v", err)
	}
	if len(ch.Steps) != 2 || len(ch.Conditions) != 1 || len(ch.Schedules) != 1 {
		t.Fatalf("children = %d/%d/%d, want 2/1/1", len(ch.Steps), len(ch.Conditions), len(ch.Schedules))
	}
	if len(ch.Steps[1].Actions) != 2 {
		t.Errorf("step 2 actions = %d, want 2", len(ch.Steps[1].Actions))
	}

	resp, body = doJSON(t, ts, http.MethodPut, base+"/"+ch.ID, token, map[string]any{
		"is_active": false,
		"steps": []map[string]any{
			{"name": "Only step", "actions": []map[string]any{{"type": "ai_reply"}}},
		},
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("update: status %d: %s", resp.StatusCode, body)
	}
	var updated store.Chain
	if err := json.Unmarshal(body, &updated); err != nil {
		t.Fatalf("decode updated: %v", err)
	}
	if updated.IsActive {
		t.Error("is_active not cleared")
	}
	if len(updated.Steps) != 1 || len(updated.Conditions) != 1 || len(updated.Schedules) != 1 {
		t.Errorf("children after step replace = %d/%d/%d, want 1/1/1",
			len(updated.Steps), len(updated.Conditions), len(updated.Schedules))
	}

	// Clearing a list requires sending it explicitly empty.
	resp, body = doJSON(t, ts, http.MethodPut, base+"/"+ch.ID, token, map[string]any{
		"conditions": []map[string]any{},
		"schedules":  []map[string]any{},
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("clear: status %d: %s", resp.StatusCode, body)
	}
	if err := json.Unmarshal(body, &updated); err != nil {
		t.Fatalf("decode cleared: %v", err)
	}
	if len(updated.Steps) != 1 || len(updated.Conditions) != 0 || len(updated.Schedules) != 0 {
		t.Errorf("children after clear = %d/%d/%d, want 1/0/0",
			len(updated.Steps), len(updated.Conditions), len(updated.Schedules))
	}

	resp, _ = doJSON(t, ts, http.MethodDelete, base+"/"+ch.ID, token, nil)
	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("delete: status = %d, want 204", resp.StatusCode)
	}
}

func TestKnowledgeBaseLifecycle(t *testing.T) {
	ts, _ := newTestServer(t)
	token := login(t, ts, testAdminEmail, testAdminPassword)

	resp, body := doJSON(t, ts, http.MethodPost, "/api/kb/categories", token, map[string]any{
		"name": "FAQ",
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create category: status %d: %s", resp.StatusCode, body)
	}
	var cat store.KBCategory
	if err := json.Unmarshal(body, &cat); err != nil {
		t.Fatalf("decode category: %v", err)
	}

	resp, body = doJSON(t, ts, http.MethodPost, "/api/kb/categories/"+cat.ID+"/articles", token, map[string]any{
		"title":        "Shipping",
		"content":      "We ship worldwide.",
		"is_published": true,
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create article: status %d: %s", resp.StatusCode, body)
	}
	var art store.KBArticle
	if err := json.Unmarshal(body, &art); err != nil {
		t.Fatalf("decode article: %v", err)
	}

	resp, body = doJSON(t, ts, http.MethodPut, "/api/kb/articles/"+art.ID, token, map[string]any{
		"is_published": false,
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("update article: status %d: %s", resp.StatusCode, body)
	}
	var updated store.KBArticle
	if err := json.Unmarshal(body, &updated); err != nil {
		t.Fatalf("decode updated: %v", err)
	}
	if updated.IsPublished {
		t.Error("is_published not cleared")
	}
	if updated.Title != "Shipping" {
		t.Errorf("untouched title changed: %q", updated.Title)
	}

	// Deleting the category cascades to its articles.
	resp, _ = doJSON(t, ts, http.MethodDelete, "/api/kb/categories/"+cat.ID, token, nil)
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("delete category: status = %d, want 204", resp.StatusCode)
	}
	resp, _ = doJSON(t, ts, http.MethodPut, "/api/kb/articles/"+art.ID, token, map[string]any{})
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("update orphan article: status = %d, want 404", resp.StatusCode)
	}
}

func TestKBCategoryOwnership(t *testing.T) {
	ts, _ := newTestServer(t)
	admin := login(t, ts, testAdminEmail, testAdminPassword)
	owner := createUser(t, ts, admin, "owner@example.com")
	other := createUser(t, ts, admin, "other@example.com")

	resp, body := doJSON(t, ts, http.MethodPost, "/api/kb/categories", owner, map[string]any{"name": "Private"})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create: status %d: %s", resp.StatusCode, body)
	}
	var cat store.KBCategory
	if err := json.Unmarshal(body, &cat); err != nil {
		t.Fatalf("decode: %v", err)
	}

	resp, _ = doJSON(t, ts, http.MethodDelete, "/api/kb/categories/"+cat.ID, other, nil)
	if resp.StatusCode != http.StatusForbidden {
		t.Errorf("other user delete: status = %d, want 403", resp.StatusCode)
	}
}

func TestContactAndDealEndpoints(t *testing.T) {
	ts, _ := newTestServer(t)
	token := login(t, ts, testAdminEmail, testAdminPassword)
	agent := createAgent(t, ts, token, "Bot")

	resp, body := doJSON(t, ts, http.MethodPost, "/api/agents/"+agent.ID+"/contacts", token, map[string]any{
		"name":  "Maria",
		"phone": "+15550100",
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create contact: status %d: %s", resp.StatusCode, body)
	}
	var c store.Contact
	if err := json.Unmarshal(body, &c); err != nil {
		t.Fatalf("decode contact: %v", err)
	}

	resp, body = doJSON(t, ts, http.MethodPost, "/api/agents/"+agent.ID+"/deals", token, map[string]any{
		"title": "First order",
		"price": 129.5,
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create deal: status %d: %s", resp.StatusCode, body)
	}
	var d store.Deal
	if err := json.Unmarshal(body, &d); err != nil {
		t.Fatalf("decode deal: %v", err)
	}

	resp, body = doJSON(t, ts, http.MethodPut, "/api/agents/"+agent.ID+"/deals/"+d.ID, token, map[string]any{
		"price": 200.0,
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("update deal: status %d: %s", resp.StatusCode, body)
	}
	var updated store.Deal
	if err := json.Unmarshal(body, &updated); err != nil {
		t.Fatalf("decode updated deal: %v", err)
	}
	if updated.Price != 200.0 {
		t.Errorf("price = %v, want 200", updated.Price)
	}
	if updated.Title != "First order" {
		t.Errorf("untouched title changed: %q", updated.Title)
	}

	// Children of one agent are invisible under another.
	stranger := createAgent(t, ts, token, "Other Bot")
	resp, _ = doJSON(t, ts, http.MethodPut, "/api/agents/"+stranger.ID+"/contacts/"+c.ID, token, map[string]any{})
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("cross-agent contact update: status = %d, want 404", resp.StatusCode)
	}
}

func TestKommoSyncRequiresConnection(t *testing.T) {
	ts, _ := newTestServer(t)
	token := login(t, ts, testAdminEmail, testAdminPassword)
	agent := createAgent(t, ts, token, "Bot")

	resp, _ := doJSON(t, ts, http.MethodPost, "/api/agents/"+agent.ID+"/integrations/kommo/sync", token, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("sync without integration: status = %d, want 404", resp.StatusCode)
	}

	resp, _ = doJSON(t, ts, http.MethodGet, "/api/agents/"+agent.ID+"/integrations/kommo/stats", token, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("stats without integration: status = %d, want 404", resp.StatusCode)
	}
}

func TestKommoSyncDisconnectedIntegration(t *testing.T) {
	ts, st := newTestServer(t)
	token := login(t, ts, testAdminEmail, testAdminPassword)
	agent := createAgent(t, ts, token, "Bot")

	err := st.UpsertIntegration(context.Background(), &store.Integration{
		ID:      "integ-1",
		AgentID: agent.ID,
		Type:    store.IntegrationKommo,
	})
	if err != nil {
		t.Fatalf("seed integration: %v", err)
	}

	resp, _ := doJSON(t, ts, http.MethodPost, "/api/agents/"+agent.ID+"/integrations/kommo/sync", token, nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("sync disconnected: status = %d, want 400", resp.StatusCode)
	}
}

func TestGoogleAuthURLUnconfigured(t *testing.T) {
	ts, _ := newTestServer(t)
	token := login(t, ts, testAdminEmail, testAdminPassword)
	agent := createAgent(t, ts, token, "Bot")

	resp, _ := doJSON(t, ts, http.MethodGet, "/api/agents/"+agent.ID+"/integrations/google/authurl", token, nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}

func TestKommoAuthURL(t *testing.T) {
	ts, _ := newTestServer(t)
	token := login(t, ts, testAdminEmail, testAdminPassword)
	agent := createAgent(t, ts, token, "Bot")

	resp, body := doJSON(t, ts, http.MethodGet, "/api/agents/"+agent.ID+"/integrations/kommo/authurl", token, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d: %s", resp.StatusCode, body)
	}
	var out struct {
		URL string `json:"url"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.URL == "" {
		t.Error("empty authorization url")
	}
}

// The Google redirect arrives with no Authorization header, so the callback
// must answer without a bearer token and reject anything but a state it
// issued itself.
func TestGoogleCallbackIsPublic(t *testing.T) {
	ts, _ := newTestServer(t)

	resp, body := doJSON(t, ts, http.MethodGet, "/api/integrations/google/callback", "", nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("missing params: status %d, want 400: %s", resp.StatusCode, body)
	}

	resp, _ = doJSON(t, ts, http.MethodGet,
		"/api/integrations/google/callback?state=agent-1&code=abc", "", nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("unsigned state: status %d, want 401", resp.StatusCode)
	}
}

func TestAdminCanReadOtherUsersKommoStats(t *testing.T) {
	ts, st := newTestServer(t)
	adminToken := login(t, ts, testAdminEmail, testAdminPassword)
	userToken := createUser(t, ts, adminToken, "owner@example.com")
	agent := createAgent(t, ts, userToken, "Owner bot")

	err := st.UpsertIntegration(context.Background(), &store.Integration{
		ID:      "integ-admin",
		AgentID: agent.ID,
		Type:    store.IntegrationKommo,
	})
	if err != nil {
		t.Fatalf("seed integration: %v", err)
	}

	resp, body := doJSON(t, ts, http.MethodGet,
		"/api/agents/"+agent.ID+"/integrations/kommo/stats", adminToken, nil)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("admin stats: status %d, want 200: %s", resp.StatusCode, body)
	}

	otherToken := createUser(t, ts, adminToken, "stranger@example.com")
	resp, _ = doJSON(t, ts, http.MethodGet,
		"/api/agents/"+agent.ID+"/integrations/kommo/stats", otherToken, nil)
	if resp.StatusCode != http.StatusForbidden {
		t.Errorf("stranger stats: status %d, want 403", resp.StatusCode)
	}
}
