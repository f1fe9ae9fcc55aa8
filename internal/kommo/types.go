package kommo

// Raw Kommo API v4 payloads. Every list endpoint wraps its resources in a
// top-level _embedded envelope.

type pipelinesEnvelope struct {
	Embedded struct {
		Pipelines []Pipeline `json:"pipelines"`
	} `json:"_embedded"`
}

// Pipeline is a Kommo sales pipeline with its stages.
type Pipeline struct {
	ID       int64  `json:"id"`
	Name     string `json:"name"`
	Sort     int    `json:"sort"`
	Embedded struct {
		Statuses []Stage `json:"statuses"`
	} `json:"_embedded"`
}

// Stage is a pipeline status as Kommo reports it.
type Stage struct {
	ID    int64  `json:"id"`
	Name  string `json:"name"`
	Sort  int    `json:"sort"`
	Color string `json:"color"`
}

type customFieldsEnvelope struct {
	Embedded struct {
		CustomFields []CustomField `json:"custom_fields"`
	} `json:"_embedded"`
}

// CustomField is a user-defined lead or contact field.
type CustomField struct {
	ID        int64  `json:"id"`
	Name      string `json:"name"`
	FieldType string `json:"type"` // numeric, price, date, checkbox, ...
	Code      string `json:"code"` // PHONE, EMAIL, or empty
}

type usersEnvelope struct {
	Embedded struct {
		Users []User `json:"users"`
	} `json:"_embedded"`
}

// User is a Kommo account member.
type User struct {
	ID     int64  `json:"id"`
	Name   string `json:"name"`
	Email  string `json:"email"`
	Rights struct {
		IsActive bool `json:"is_active"`
	} `json:"rights"`
}

type accountEnvelope struct {
	Embedded struct {
		TaskTypes []TaskType `json:"task_types"`
	} `json:"_embedded"`
}

// TaskType is a task category configured in the account.
type TaskType struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
	Code string `json:"code"`
}

type salesbotsEnvelope struct {
	Embedded struct {
		Salesbots []Salesbot `json:"salesbots"`
	} `json:"_embedded"`
}

// Salesbot is an automation bot configured in the account.
type Salesbot struct {
	ID       int64  `json:"id"`
	Name     string `json:"name"`
	IsActive bool   `json:"is_active"`
}

type sourcesEnvelope struct {
	Embedded struct {
		Sources []Source `json:"sources"`
	} `json:"_embedded"`
}

// Source is an inbound communication channel (chat integration, form, ...).
type Source struct {
	ID         int64  `json:"id"`
	Name       string `json:"name"`
	Type       string `json:"type"`
	PipelineID int64  `json:"pipeline_id"`
	Service    string `json:"service"`
}

// tokenResponse is the OAuth token endpoint payload.
type tokenResponse struct {
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
}

// RawData collects the seven upstream payloads one sync needs.
type RawData struct {
	Pipelines     []Pipeline
	LeadFields    []CustomField
	ContactFields []CustomField
	Users         []User
	TaskTypes     []TaskType
	Salesbots     []Salesbot
	Sources       []Source
}

// Snapshot is the denormalized CRM document stored on the agent. It fully
// replaces the previous snapshot on every sync.
type Snapshot struct {
	Pipelines     []SnapshotPipeline `json:"pipelines"`
	DealFields    []SnapshotField    `json:"dealFields"`
	ContactFields []SnapshotField    `json:"contactFields"`
	Actions       []SnapshotAction   `json:"actions"`
	Users         []SnapshotUser     `json:"users"`
	Channels      []SnapshotChannel  `json:"channels"`
	Salesbots     []SnapshotBot      `json:"salesbots"`
}

type SnapshotPipeline struct {
	ID     int64           `json:"id"`
	Name   string          `json:"name"`
	Stages []SnapshotStage `json:"stages"`
}

type SnapshotStage struct {
	ID    int64  `json:"id"`
	Name  string `json:"name"`
	Sort  int    `json:"sort"`
	Color string `json:"color,omitempty"`
}

type SnapshotField struct {
	ID    string `json:"id"`
	Key   string `json:"key"`
	Label string `json:"label"`
	Type  string `json:"type"`
}

type SnapshotAction struct {
	ID           string         `json:"id"`
	Name         string         `json:"name"`
	Type         string         `json:"type"`
	PipelineID   int64          `json:"pipelineId,omitempty"`
	PipelineName string         `json:"pipelineName,omitempty"`
	Options      []ActionOption `json:"options,omitempty"`
}

type ActionOption struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

type SnapshotUser struct {
	ID    int64  `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email"`
}

type SnapshotChannel struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	Type       string `json:"type"`
	PipelineID int64  `json:"pipelineId,omitempty"`
	Service    string `json:"service,omitempty"`
}

type SnapshotBot struct {
	ID       int64  `json:"id"`
	Name     string `json:"name"`
	IsActive bool   `json:"isActive"`
}

// SettingsCounts is the summary stored in Integration.Settings after a sync.
type SettingsCounts struct {
	Pipelines     int `json:"pipelines"`
	DealFields    int `json:"dealFields"`
	ContactFields int `json:"contactFields"`
	Channels      int `json:"channels"`
	Actions       int `json:"actions"`
	Users         int `json:"users"`
	Salesbots     int `json:"salesbots"`
}
