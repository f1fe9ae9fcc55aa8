// Package store defines the persistence interface for the platform and
// provides SQLite and PostgreSQL implementations.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// ErrNotFound is returned by updates and deletes that matched no row.
// Lookups signal absence with a nil entity instead.
var ErrNotFound = errors.New("not found")

// Store is the persistence interface for the platform.
//
// Conventions: Get* returns (nil, nil) when the row does not exist; List*
// returns rows in a stable documented order; Update* applies only the fields
// whose pointers are non-nil and always refreshes updated_at.
type Store interface {
	// Users
	CreateUser(ctx context.Context, user *User) error
	GetUserByID(ctx context.Context, id string) (*User, error)
	GetUserByEmail(ctx context.Context, email string) (*User, error)
	ListUsers(ctx context.Context) ([]User, error)
	DeleteUser(ctx context.Context, id string) error

	// Agents
	CreateAgent(ctx context.Context, agent *Agent) error
	GetAgent(ctx context.Context, id string) (*Agent, error)
	ListAgents(ctx context.Context, userID string) ([]Agent, error)
	UpdateAgent(ctx context.Context, id string, upd AgentUpdate) (*Agent, error)
	DeleteAgent(ctx context.Context, id string) error

	// Integrations (one row per (agent, type) pair)
	UpsertIntegration(ctx context.Context, in *Integration) error
	GetIntegration(ctx context.Context, agentID, typ string) (*Integration, error)
	GetIntegrationByID(ctx context.Context, id string) (*Integration, error)
	ListIntegrations(ctx context.Context, agentID string) ([]Integration, error)
	SetIntegrationConnected(ctx context.Context, id string, connected bool, at time.Time) error
	DeleteIntegration(ctx context.Context, id string) error

	// Kommo OAuth tokens (one per integration)
	UpsertKommoToken(ctx context.Context, tok *KommoToken) error
	GetKommoToken(ctx context.Context, integrationID string) (*KommoToken, error)

	// Google OAuth tokens (one per integration)
	UpsertGoogleToken(ctx context.Context, tok *GoogleToken) error
	GetGoogleToken(ctx context.Context, integrationID string) (*GoogleToken, error)
	DeleteGoogleToken(ctx context.Context, integrationID string) error

	// CRM snapshot persistence. Updates the integration's settings counters and
	// lastSynced together with the agent's crm_data in a single transaction so
	// a crash can never leave the pair inconsistent.
	SaveCRMSnapshot(ctx context.Context, w SnapshotWrite) error

	// Triggers (child actions are created with the parent; updates append)
	CreateTrigger(ctx context.Context, tr *Trigger) error
	GetTrigger(ctx context.Context, id string) (*Trigger, error)
	ListTriggers(ctx context.Context, agentID string) ([]Trigger, error)
	UpdateTrigger(ctx context.Context, id string, upd TriggerUpdate) (*Trigger, error)
	DeleteTriggerActions(ctx context.Context, triggerID string) error
	DeleteTrigger(ctx context.Context, id string) error

	// Chains (steps, step actions, conditions, schedules are created with the
	// parent; updates append; replacing a list requires the matching delete
	// first, so callers can swap one list without touching the others)
	CreateChain(ctx context.Context, ch *Chain) error
	GetChain(ctx context.Context, id string) (*Chain, error)
	ListChains(ctx context.Context, agentID string) ([]Chain, error)
	UpdateChain(ctx context.Context, id string, upd ChainUpdate) (*Chain, error)
	DeleteChainConditions(ctx context.Context, chainID string) error
	DeleteChainSteps(ctx context.Context, chainID string) error
	DeleteChainSchedules(ctx context.Context, chainID string) error
	DeleteChain(ctx context.Context, id string) error

	// Knowledge base
	CreateKBCategory(ctx context.Context, cat *KBCategory) error
	GetKBCategory(ctx context.Context, id string) (*KBCategory, error)
	ListKBCategories(ctx context.Context, userID string) ([]KBCategory, error)
	UpdateKBCategory(ctx context.Context, id string, upd KBCategoryUpdate) (*KBCategory, error)
	DeleteKBCategory(ctx context.Context, id string) error
	CreateKBArticle(ctx context.Context, art *KBArticle) error
	GetKBArticle(ctx context.Context, id string) (*KBArticle, error)
	ListKBArticles(ctx context.Context, categoryID string) ([]KBArticle, error)
	UpdateKBArticle(ctx context.Context, id string, upd KBArticleUpdate) (*KBArticle, error)
	DeleteKBArticle(ctx context.Context, id string) error

	// Contacts
	CreateContact(ctx context.Context, c *Contact) error
	GetContact(ctx context.Context, id string) (*Contact, error)
	ListContacts(ctx context.Context, agentID string) ([]Contact, error)
	UpdateContact(ctx context.Context, id string, upd ContactUpdate) (*Contact, error)
	DeleteContact(ctx context.Context, id string) error

	// Deals
	CreateDeal(ctx context.Context, d *Deal) error
	GetDeal(ctx context.Context, id string) (*Deal, error)
	ListDeals(ctx context.Context, agentID string) ([]Deal, error)
	UpdateDeal(ctx context.Context, id string, upd DealUpdate) (*Deal, error)
	DeleteDeal(ctx context.Context, id string) error

	// Health
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// Integration type tags.
const (
	IntegrationKommo  = "kommo"
	IntegrationGoogle = "google"
)

// User represents a platform user.
type User struct {
	ID           string    `json:"id"`
	Email        string    `json:"email"`
	Name         string    `json:"name"`
	PasswordHash string    `json:"-"`
	Role         string    `json:"role"` // "admin" or "user"
	CreatedAt    time.Time `json:"created_at"`
}

// Agent represents a configured conversational agent.
type Agent struct {
	ID                string          `json:"id"`
	UserID            string          `json:"user_id"`
	Name              string          `json:"name"`
	IsActive          bool            `json:"is_active"`
	Model             string          `json:"model"`
	Instructions      string          `json:"instructions"`
	PipelineSettings  json.RawMessage `json:"pipeline_settings,omitempty"`
	ChannelSettings   json.RawMessage `json:"channel_settings,omitempty"`
	KnowledgeSettings json.RawMessage `json:"knowledge_settings,omitempty"`
	CRMType           string          `json:"crm_type,omitempty"`
	CRMConnected      bool            `json:"crm_connected"`
	CRMData           json.RawMessage `json:"crm_data,omitempty"`
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
}

// AgentUpdate is a partial update; nil fields are left untouched.
type AgentUpdate struct {
	Name              *string
	IsActive          *bool
	Model             *string
	Instructions      *string
	PipelineSettings  *json.RawMessage
	ChannelSettings   *json.RawMessage
	KnowledgeSettings *json.RawMessage
}

// Integration represents one third-party connection of an agent.
type Integration struct {
	ID          string          `json:"id"`
	AgentID     string          `json:"agent_id"`
	Type        string          `json:"type"` // "kommo" or "google"
	IsActive    bool            `json:"is_active"`
	IsConnected bool            `json:"is_connected"`
	ConnectedAt *time.Time      `json:"connected_at,omitempty"`
	LastSynced  *time.Time      `json:"last_synced,omitempty"`
	Settings    json.RawMessage `json:"settings,omitempty"` // summary counters from the last sync
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// KommoToken holds the OAuth credentials for a Kommo integration.
type KommoToken struct {
	ID            string    `json:"id"`
	IntegrationID string    `json:"integration_id"`
	AccessToken   string    `json:"-"`
	RefreshToken  string    `json:"-"`
	ExpiresAt     time.Time `json:"expires_at"`
	BaseDomain    string    `json:"base_domain"` // e.g. "example.kommo.com"
	APIDomain     string    `json:"api_domain"`  // host for API calls, usually same as BaseDomain
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// GoogleToken holds the serialized OAuth2 token for a Google integration.
type GoogleToken struct {
	IntegrationID string          `json:"integration_id"`
	Token         json.RawMessage `json:"-"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// SnapshotWrite carries everything SaveCRMSnapshot persists atomically.
// Data and Settings are JSON documents produced by the caller; the store
// writes them verbatim and never re-encodes.
type SnapshotWrite struct {
	AgentID       string
	IntegrationID string
	CRMType       string
	Data          json.RawMessage // the full CRM snapshot
	Settings      json.RawMessage // summary counters
	LastSynced    time.Time
}

// Trigger fires agent actions on a CRM event.
type Trigger struct {
	ID        string          `json:"id"`
	AgentID   string          `json:"agent_id"`
	Name      string          `json:"name"`
	Event     string          `json:"event"` // e.g. "lead.stage_changed", "message.incoming"
	IsActive  bool            `json:"is_active"`
	Actions   []TriggerAction `json:"actions"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// TriggerAction is one ordered action of a trigger.
type TriggerAction struct {
	ID        string          `json:"id"`
	TriggerID string          `json:"trigger_id"`
	Type      string          `json:"type"`
	Position  int             `json:"position"`
	Params    json.RawMessage `json:"params,omitempty"`
}

// TriggerUpdate is a partial update. AppendActions are inserted after any
// existing actions; existing actions are never implicitly replaced.
type TriggerUpdate struct {
	Name          *string
	Event         *string
	IsActive      *bool
	AppendActions []TriggerAction
}

// Chain is a multi-step automation sequence.
type Chain struct {
	ID         string           `json:"id"`
	AgentID    string           `json:"agent_id"`
	Name       string           `json:"name"`
	IsActive   bool             `json:"is_active"`
	Conditions []ChainCondition `json:"conditions"`
	Steps      []ChainStep      `json:"steps"`
	Schedules  []ChainSchedule  `json:"schedules"`
	CreatedAt  time.Time        `json:"created_at"`
	UpdatedAt  time.Time        `json:"updated_at"`
}

// ChainStep is one ordered step of a chain with its own ordered actions.
type ChainStep struct {
	ID       string            `json:"id"`
	ChainID  string            `json:"chain_id"`
	Name     string            `json:"name"`
	Position int               `json:"position"`
	DelayMin int               `json:"delay_min"` // minutes to wait before this step
	Actions  []ChainStepAction `json:"actions"`
}

// ChainStepAction is one ordered action of a chain step.
type ChainStepAction struct {
	ID       string          `json:"id"`
	StepID   string          `json:"step_id"`
	Type     string          `json:"type"`
	Position int             `json:"position"`
	Params   json.RawMessage `json:"params,omitempty"`
}

// ChainCondition gates chain execution on a deal/contact field.
type ChainCondition struct {
	ID       string `json:"id"`
	ChainID  string `json:"chain_id"`
	Field    string `json:"field"`
	Operator string `json:"operator"` // "eq", "neq", "contains"
	Value    string `json:"value"`
}

// ChainSchedule restricts a chain to a weekly time window.
type ChainSchedule struct {
	ID        string `json:"id"`
	ChainID   string `json:"chain_id"`
	Weekday   int    `json:"weekday"`    // 0=Sunday .. 6=Saturday
	StartTime string `json:"start_time"` // "HH:MM"
	EndTime   string `json:"end_time"`
}

// ChainUpdate is a partial update; appended children follow the same
// append-only convention as triggers.
type ChainUpdate struct {
	Name             *string
	IsActive         *bool
	AppendConditions []ChainCondition
	AppendSteps      []ChainStep
	AppendSchedules  []ChainSchedule
}

// KBCategory groups knowledge-base articles.
type KBCategory struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	Name      string    `json:"name"`
	Position  int       `json:"position"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// KBCategoryUpdate is a partial update.
type KBCategoryUpdate struct {
	Name     *string
	Position *int
}

// KBArticle is one knowledge-base document.
type KBArticle struct {
	ID          string    `json:"id"`
	CategoryID  string    `json:"category_id"`
	Title       string    `json:"title"`
	Content     string    `json:"content"`
	IsPublished bool      `json:"is_published"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// KBArticleUpdate is a partial update.
type KBArticleUpdate struct {
	Title       *string
	Content     *string
	IsPublished *bool
}

// Contact is an agent-owned mirror of a CRM contact.
type Contact struct {
	ID           string    `json:"id"`
	AgentID      string    `json:"agent_id"`
	Name         string    `json:"name"`
	Phone        string    `json:"phone,omitempty"`
	Email        string    `json:"email,omitempty"`
	CRMContactID string    `json:"crm_contact_id,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// ContactUpdate is a partial update.
type ContactUpdate struct {
	Name         *string
	Phone        *string
	Email        *string
	CRMContactID *string
}

// Deal is an agent-owned mirror of a CRM deal.
type Deal struct {
	ID         string    `json:"id"`
	AgentID    string    `json:"agent_id"`
	Title      string    `json:"title"`
	Price      float64   `json:"price"`
	PipelineID string    `json:"pipeline_id,omitempty"`
	StageID    string    `json:"stage_id,omitempty"`
	CRMDealID  string    `json:"crm_deal_id,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// DealUpdate is a partial update.
type DealUpdate struct {
	Title      *string
	Price      *float64
	PipelineID *string
	StageID    *string
	CRMDealID  *string
}
