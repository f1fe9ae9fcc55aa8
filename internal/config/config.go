// Package config handles platform configuration loading and validation.
package config

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// knownWeakSecrets is a blocklist of secrets that must never be used in production.
var knownWeakSecrets = map[string]bool{
	"local-dev-secret-for-testing-only-32chars!": true,
	"changeme": true,
	"secret":   true,
}

// GenerateRandomSecret returns a cryptographically random 64-character hex string
// suitable for use as a JWT secret.
func GenerateRandomSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate secret: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// Config is the top-level platform configuration.
type Config struct {
	Server    ServerConfig    `json:"server"`
	Auth      AuthConfig      `json:"auth"`
	Storage   StorageConfig   `json:"storage"`
	Logging   LoggingConfig   `json:"logging"`
	RateLimit RateLimitConfig `json:"rate_limit,omitempty"`
	Kommo     KommoConfig     `json:"kommo,omitempty"`
	Google    GoogleConfig    `json:"google,omitempty"`
	Sync      SyncConfig      `json:"sync,omitempty"`
}

// ServerConfig defines the HTTP listener settings.
type ServerConfig struct {
	Addr           string   `json:"addr"` // e.g. ":8080"
	TLSCert        string   `json:"tls_cert,omitempty"`
	TLSKey         string   `json:"tls_key,omitempty"`
	UIStaticDir    string   `json:"ui_static_dir,omitempty"`   // path to built SPA files
	AllowedOrigins []string `json:"allowed_origins,omitempty"` // CORS origins; default ["*"]
	MaxBodyBytes   int64    `json:"max_body_bytes,omitempty"`  // max request body size; default 1MB
	PublicURL      string   `json:"public_url,omitempty"`      // externally reachable base URL for OAuth redirects
}

// AuthConfig defines authentication settings.
type AuthConfig struct {
	JWTSecret    string        `json:"jwt_secret"`
	JWTExpiry    Duration      `json:"jwt_expiry,omitempty"`
	InitialAdmin *InitialAdmin `json:"initial_admin,omitempty"`
}

// InitialAdmin is used to bootstrap the first admin user.
type InitialAdmin struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// StorageConfig defines database settings.
type StorageConfig struct {
	Driver string `json:"driver"` // "sqlite" (default) or "postgres"
	DSN    string `json:"dsn"`    // e.g. "platform.db" or ":memory:"
}

// LoggingConfig defines logging settings.
type LoggingConfig struct {
	Level  string `json:"level,omitempty"`
	Format string `json:"format,omitempty"` // "json" or "text"
}

// RateLimitConfig defines per-user API rate limiting settings.
type RateLimitConfig struct {
	RequestsPerSecond float64 `json:"requests_per_second,omitempty"` // default 10
	Burst             int     `json:"burst,omitempty"`               // default 20
}

// KommoConfig defines the Kommo CRM OAuth application settings.
type KommoConfig struct {
	ClientID     string `json:"client_id,omitempty"`
	ClientSecret string `json:"client_secret,omitempty"`
	RedirectURL  string `json:"redirect_url,omitempty"`
}

// GoogleConfig defines the Google Calendar OAuth application settings.
type GoogleConfig struct {
	ClientID     string `json:"client_id,omitempty"`
	ClientSecret string `json:"client_secret,omitempty"`
	RedirectURL  string `json:"redirect_url,omitempty"`
}

// SyncConfig tunes the CRM synchronization pipeline.
type SyncConfig struct {
	UpstreamRPS    float64  `json:"upstream_rps,omitempty"`    // Kommo publishes ~7 req/s; default 7
	RequestTimeout Duration `json:"request_timeout,omitempty"` // per upstream call; default 15s
}

// secretOverrides are environment-variable overrides for values that should not
// live in the config file.
type secretOverrides struct {
	JWTSecret          string `envconfig:"JWT_SECRET"`
	KommoClientSecret  string `envconfig:"KOMMO_CLIENT_SECRET"`
	GoogleClientSecret string `envconfig:"GOOGLE_CLIENT_SECRET"`
}

// Duration is a JSON-friendly time.Duration.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	switch val := v.(type) {
	case string:
		dur, err := time.ParseDuration(val)
		if err != nil {
			return err
		}
		d.Duration = dur
	case float64:
		d.Duration = time.Duration(val) * time.Second
	default:
		return fmt.Errorf("invalid duration: %v", v)
	}
	return nil
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

// Load reads and validates a config file, applying environment overrides.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	var sec secretOverrides
	if err := envconfig.Process("agentd", &sec); err != nil {
		return nil, fmt.Errorf("read env overrides: %w", err)
	}
	if sec.JWTSecret != "" {
		cfg.Auth.JWTSecret = sec.JWTSecret
	}
	if sec.KommoClientSecret != "" {
		cfg.Kommo.ClientSecret = sec.KommoClientSecret
	}
	if sec.GoogleClientSecret != "" {
		cfg.Google.ClientSecret = sec.GoogleClientSecret
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	cfg.applyDefaults()
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("server.addr is required")
	}
	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret is required")
	}
	if len(c.Auth.JWTSecret) < 32 {
		return fmt.Errorf("auth.jwt_secret must be at least 32 characters")
	}
	if knownWeakSecrets[c.Auth.JWTSecret] {
		return fmt.Errorf("auth.jwt_secret is a well-known weak secret, generate a new one")
	}
	if c.Kommo.ClientID != "" && c.Kommo.ClientSecret == "" {
		return fmt.Errorf("kommo.client_secret is required when kommo.client_id is set")
	}
	if c.Google.ClientID != "" && c.Google.ClientSecret == "" {
		return fmt.Errorf("google.client_secret is required when google.client_id is set")
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.Auth.JWTExpiry.Duration == 0 {
		c.Auth.JWTExpiry.Duration = 24 * time.Hour
	}
	if c.Storage.Driver == "" {
		c.Storage.Driver = "sqlite"
	}
	if c.Storage.DSN == "" {
		c.Storage.DSN = "platform.db"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if c.RateLimit.RequestsPerSecond == 0 {
		c.RateLimit.RequestsPerSecond = 10
	}
	if c.RateLimit.Burst == 0 {
		c.RateLimit.Burst = 20
	}
	if c.Server.MaxBodyBytes == 0 {
		c.Server.MaxBodyBytes = 1024 * 1024 // 1MB
	}
	if len(c.Server.AllowedOrigins) == 0 {
		c.Server.AllowedOrigins = []string{"*"}
	}
	if c.Sync.UpstreamRPS == 0 {
		c.Sync.UpstreamRPS = 7
	}
	if c.Sync.RequestTimeout.Duration == 0 {
		c.Sync.RequestTimeout.Duration = 15 * time.Second
	}
}
