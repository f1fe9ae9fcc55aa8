// Package kommo integrates with the Kommo CRM: an OAuth-authenticated API
// client, pure payload transformers, and the synchronization service that
// snapshots remote CRM configuration onto an agent.
package kommo

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/worldwideservice/ai-agent-platform/internal/config"
	"github.com/worldwideservice/ai-agent-platform/internal/store"
)

// tokenRefreshSkew refreshes tokens this long before their recorded expiry.
const tokenRefreshSkew = 5 * time.Minute

// UpstreamError carries the status and body of a failed Kommo API call.
type UpstreamError struct {
	Status int
	Body   string
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("kommo upstream error: status %d: %s", e.Status, e.Body)
}

// baseURL prefixes the domain with https unless a scheme is already present.
func baseURL(domain string) string {
	if strings.Contains(domain, "://") {
		return domain
	}
	return "https://" + domain
}

// Client calls the Kommo v4 API. All requests share one rate limiter so the
// process as a whole stays under the published per-second limit.
type Client struct {
	httpClient   *http.Client
	limiter      *rate.Limiter
	store        store.Store
	logger       *slog.Logger
	clientID     string
	clientSecret string
	redirectURL  string
	timeout      time.Duration

	refreshMu sync.Mutex // serializes token refresh per client
}

// NewClient creates a Kommo API client.
func NewClient(s store.Store, cfg config.KommoConfig, syncCfg config.SyncConfig, logger *slog.Logger) *Client {
	rps := syncCfg.UpstreamRPS
	if rps <= 0 {
		rps = 7
	}
	timeout := syncCfg.RequestTimeout.Duration
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Client{
		httpClient:   &http.Client{Timeout: timeout},
		limiter:      rate.NewLimiter(rate.Limit(rps), int(rps)),
		store:        s,
		logger:       logger,
		clientID:     cfg.ClientID,
		clientSecret: cfg.ClientSecret,
		redirectURL:  cfg.RedirectURL,
		timeout:      timeout,
	}
}

// AuthorizeURL returns the Kommo OAuth consent URL for a tenant subdomain.
func (c *Client) AuthorizeURL(state string) string {
	q := url.Values{
		"client_id":     {c.clientID},
		"state":         {state},
		"mode":          {"post_message"},
		"response_type": {"code"},
	}
	return "https://www.kommo.com/oauth?" + q.Encode()
}

// ExchangeCode trades an authorization code for tokens and persists them for
// the integration.
func (c *Client) ExchangeCode(ctx context.Context, integrationID, baseDomain, code string) (*store.KommoToken, error) {
	resp, err := c.oauthRequest(ctx, baseDomain, url.Values{
		"client_id":     {c.clientID},
		"client_secret": {c.clientSecret},
		"grant_type":    {"authorization_code"},
		"code":          {code},
		"redirect_uri":  {c.redirectURL},
	})
	if err != nil {
		return nil, err
	}

	now := time.Now()
	tok := &store.KommoToken{
		ID:            uuid.NewString(),
		IntegrationID: integrationID,
		AccessToken:   resp.AccessToken,
		RefreshToken:  resp.RefreshToken,
		ExpiresAt:     now.Add(time.Duration(resp.ExpiresIn) * time.Second),
		BaseDomain:    baseDomain,
		APIDomain:     baseDomain,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := c.store.UpsertKommoToken(ctx, tok); err != nil {
		return nil, fmt.Errorf("persist token: %w", err)
	}
	return tok, nil
}

// ValidToken returns a usable token for the integration, refreshing and
// persisting it when the stored one is expired or close to expiry.
func (c *Client) ValidToken(ctx context.Context, integrationID string) (*store.KommoToken, error) {
	tok, err := c.store.GetKommoToken(ctx, integrationID)
	if err != nil {
		return nil, fmt.Errorf("get token: %w", err)
	}
	if tok == nil {
		return nil, fmt.Errorf("no token stored for integration %s", integrationID)
	}
	if time.Until(tok.ExpiresAt) > tokenRefreshSkew {
		return tok, nil
	}

	c.refreshMu.Lock()
	defer c.refreshMu.Unlock()

	// Another caller may have refreshed while we waited for the lock.
	tok, err = c.store.GetKommoToken(ctx, integrationID)
	if err != nil {
		return nil, fmt.Errorf("get token: %w", err)
	}
	if tok == nil {
		return nil, fmt.Errorf("no token stored for integration %s", integrationID)
	}
	if time.Until(tok.ExpiresAt) > tokenRefreshSkew {
		return tok, nil
	}

	c.logger.Info("refreshing kommo token", "integration_id", integrationID)
	resp, err := c.oauthRequest(ctx, tok.BaseDomain, url.Values{
		"client_id":     {c.clientID},
		"client_secret": {c.clientSecret},
		"grant_type":    {"refresh_token"},
		"refresh_token": {tok.RefreshToken},
		"redirect_uri":  {c.redirectURL},
	})
	if err != nil {
		return nil, fmt.Errorf("refresh token: %w", err)
	}

	tok.AccessToken = resp.AccessToken
	tok.RefreshToken = resp.RefreshToken
	tok.ExpiresAt = time.Now().Add(time.Duration(resp.ExpiresIn) * time.Second)
	tok.UpdatedAt = time.Now()
	if err := c.store.UpsertKommoToken(ctx, tok); err != nil {
		return nil, fmt.Errorf("persist refreshed token: %w", err)
	}
	return tok, nil
}

func (c *Client) oauthRequest(ctx context.Context, baseDomain string, form url.Values) (*tokenResponse, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	endpoint := baseURL(baseDomain) + "/oauth2/access_token"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint,
		strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("oauth request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &UpstreamError{Status: resp.StatusCode, Body: string(body)}
	}

	var tr tokenResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return nil, fmt.Errorf("decode token response: %w", err)
	}
	return &tr, nil
}

// get performs a rate-limited authorized GET and decodes the body into out.
func (c *Client) get(ctx context.Context, tok *store.KommoToken, path string, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL(tok.APIDomain)+path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+tok.AccessToken)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("GET %s: %w", path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return err
	}
	// 204 means the account has none of the requested resource.
	if resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &UpstreamError{Status: resp.StatusCode, Body: string(body)}
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

// FetchPipelines returns the account's lead pipelines with stages.
func (c *Client) FetchPipelines(ctx context.Context, tok *store.KommoToken) ([]Pipeline, error) {
	var env pipelinesEnvelope
	if err := c.get(ctx, tok, "/api/v4/leads/pipelines", &env); err != nil {
		return nil, err
	}
	return env.Embedded.Pipelines, nil
}

// FetchLeadFields returns the custom fields defined on leads.
func (c *Client) FetchLeadFields(ctx context.Context, tok *store.KommoToken) ([]CustomField, error) {
	var env customFieldsEnvelope
	if err := c.get(ctx, tok, "/api/v4/leads/custom_fields", &env); err != nil {
		return nil, err
	}
	return env.Embedded.CustomFields, nil
}

// FetchContactFields returns the custom fields defined on contacts.
func (c *Client) FetchContactFields(ctx context.Context, tok *store.KommoToken) ([]CustomField, error) {
	var env customFieldsEnvelope
	if err := c.get(ctx, tok, "/api/v4/contacts/custom_fields", &env); err != nil {
		return nil, err
	}
	return env.Embedded.CustomFields, nil
}

// FetchUsers returns the account members.
func (c *Client) FetchUsers(ctx context.Context, tok *store.KommoToken) ([]User, error) {
	var env usersEnvelope
	if err := c.get(ctx, tok, "/api/v4/users", &env); err != nil {
		return nil, err
	}
	return env.Embedded.Users, nil
}

// FetchTaskTypes returns the task categories configured in the account.
func (c *Client) FetchTaskTypes(ctx context.Context, tok *store.KommoToken) ([]TaskType, error) {
	var env accountEnvelope
	if err := c.get(ctx, tok, "/api/v4/account?with=task_types", &env); err != nil {
		return nil, err
	}
	return env.Embedded.TaskTypes, nil
}

// FetchSalesbots returns the automation bots configured in the account.
func (c *Client) FetchSalesbots(ctx context.Context, tok *store.KommoToken) ([]Salesbot, error) {
	var env salesbotsEnvelope
	if err := c.get(ctx, tok, "/api/v4/salesbots", &env); err != nil {
		return nil, err
	}
	return env.Embedded.Salesbots, nil
}

// FetchSources returns the inbound communication sources.
func (c *Client) FetchSources(ctx context.Context, tok *store.KommoToken) ([]Source, error) {
	var env sourcesEnvelope
	if err := c.get(ctx, tok, "/api/v4/sources", &env); err != nil {
		return nil, err
	}
	return env.Embedded.Sources, nil
}
