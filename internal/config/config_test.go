package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeTempConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write temp config: %v", err)
	}
	return path
}

func TestLoadConfig(t *testing.T) {
	configJSON := `{
		"server": {
			"addr": ":8080",
			"allowed_origins": ["http://localhost:3000"],
			"public_url": "https://platform.example.com"
		},
		"auth": {
			"jwt_secret": "my-super-secret-jwt-key-at-least-32",
			"jwt_expiry": "2h",
			"initial_admin": {
				"email": "admin@example.com",
				"password": "admin123"
			}
		},
		"storage": {
			"driver": "sqlite",
			"dsn": "test.db"
		},
		"logging": {
			"level": "debug",
			"format": "text"
		},
		"rate_limit": {
			"requests_per_second": 20,
			"burst": 40
		},
		"kommo": {
			"client_id": "kommo-id",
			"client_secret": "kommo-secret",
			"redirect_url": "https://platform.example.com/cb"
		},
		"sync": {
			"upstream_rps": 5,
			"request_timeout": "20s"
		}
	}`

	path := writeTempConfig(t, configJSON)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Server.Addr != ":8080" {
		t.Errorf("Server.Addr: got %q, want %q", cfg.Server.Addr, ":8080")
	}
	if len(cfg.Server.AllowedOrigins) != 1 || cfg.Server.AllowedOrigins[0] != "http://localhost:3000" {
		t.Errorf("Server.AllowedOrigins: got %v, want [http://localhost:3000]", cfg.Server.AllowedOrigins)
	}
	if cfg.Server.PublicURL != "https://platform.example.com" {
		t.Errorf("Server.PublicURL: got %q", cfg.Server.PublicURL)
	}

	if cfg.Auth.JWTSecret != "my-super-secret-jwt-key-at-least-32" {
		t.Errorf("Auth.JWTSecret: got %q", cfg.Auth.JWTSecret)
	}
	if cfg.Auth.JWTExpiry.Duration != 2*time.Hour {
		t.Errorf("Auth.JWTExpiry: got %v, want 2h", cfg.Auth.JWTExpiry.Duration)
	}
	if cfg.Auth.InitialAdmin == nil {
		t.Fatal("Auth.InitialAdmin is nil")
	}
	if cfg.Auth.InitialAdmin.Email != "admin@example.com" {
		t.Errorf("InitialAdmin.Email: got %q", cfg.Auth.InitialAdmin.Email)
	}

	if cfg.Storage.Driver != "sqlite" {
		t.Errorf("Storage.Driver: got %q, want %q", cfg.Storage.Driver, "sqlite")
	}
	if cfg.Storage.DSN != "test.db" {
		t.Errorf("Storage.DSN: got %q, want %q", cfg.Storage.DSN, "test.db")
	}

	if cfg.Logging.Level != "debug" {
		t.Errorf("Logging.Level: got %q, want %q", cfg.Logging.Level, "debug")
	}
	if cfg.Logging.Format != "text" {
		t.Errorf("Logging.Format: got %q, want %q", cfg.Logging.Format, "text")
	}

	if cfg.RateLimit.RequestsPerSecond != 20 {
		t.Errorf("RateLimit.RequestsPerSecond: got %f, want 20", cfg.RateLimit.RequestsPerSecond)
	}
	if cfg.RateLimit.Burst != 40 {
		t.Errorf("RateLimit.Burst: got %d, want 40", cfg.RateLimit.Burst)
	}

	if cfg.Kommo.ClientID != "kommo-id" {
		t.Errorf("Kommo.ClientID: got %q", cfg.Kommo.ClientID)
	}
	if cfg.Sync.UpstreamRPS != 5 {
		t.Errorf("Sync.UpstreamRPS: got %f, want 5", cfg.Sync.UpstreamRPS)
	}
	if cfg.Sync.RequestTimeout.Duration != 20*time.Second {
		t.Errorf("Sync.RequestTimeout: got %v, want 20s", cfg.Sync.RequestTimeout.Duration)
	}
}

func TestValidateRequired(t *testing.T) {
	noAddr := `{
		"server": {},
		"auth": {"jwt_secret": "some-secret-value-long-enough-xx"}
	}`
	if _, err := Load(writeTempConfig(t, noAddr)); err == nil {
		t.Fatal("expected error for missing server.addr, got nil")
	}

	noSecret := `{
		"server": {"addr": ":8080"},
		"auth": {}
	}`
	if _, err := Load(writeTempConfig(t, noSecret)); err == nil {
		t.Fatal("expected error for missing auth.jwt_secret, got nil")
	}

	shortSecret := `{
		"server": {"addr": ":8080"},
		"auth": {"jwt_secret": "too-short"}
	}`
	if _, err := Load(writeTempConfig(t, shortSecret)); err == nil {
		t.Fatal("expected error for short auth.jwt_secret, got nil")
	}

	kommoNoSecret := `{
		"server": {"addr": ":8080"},
		"auth": {"jwt_secret": "my-secret-key-for-testing-purposes"},
		"kommo": {"client_id": "id-without-secret"}
	}`
	if _, err := Load(writeTempConfig(t, kommoNoSecret)); err == nil {
		t.Fatal("expected error for kommo client_id without client_secret, got nil")
	}
}

func TestApplyDefaults(t *testing.T) {
	minimal := `{
		"server": {"addr": ":8080"},
		"auth": {"jwt_secret": "my-secret-key-for-testing-purposes"}
	}`

	cfg, err := Load(writeTempConfig(t, minimal))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Auth.JWTExpiry.Duration != 24*time.Hour {
		t.Errorf("default JWTExpiry: got %v, want 24h", cfg.Auth.JWTExpiry.Duration)
	}
	if cfg.Storage.Driver != "sqlite" {
		t.Errorf("default Storage.Driver: got %q, want %q", cfg.Storage.Driver, "sqlite")
	}
	if cfg.Storage.DSN != "platform.db" {
		t.Errorf("default Storage.DSN: got %q, want %q", cfg.Storage.DSN, "platform.db")
	}
	if cfg.Logging.Level != "info" {
		t.Errorf("default Logging.Level: got %q, want %q", cfg.Logging.Level, "info")
	}
	if cfg.Logging.Format != "json" {
		t.Errorf("default Logging.Format: got %q, want %q", cfg.Logging.Format, "json")
	}
	if len(cfg.Server.AllowedOrigins) != 1 || cfg.Server.AllowedOrigins[0] != "*" {
		t.Errorf("default AllowedOrigins: got %v, want [*]", cfg.Server.AllowedOrigins)
	}
	if cfg.RateLimit.RequestsPerSecond != 10 {
		t.Errorf("default RateLimit.RequestsPerSecond: got %f, want 10", cfg.RateLimit.RequestsPerSecond)
	}
	if cfg.RateLimit.Burst != 20 {
		t.Errorf("default RateLimit.Burst: got %d, want 20", cfg.RateLimit.Burst)
	}
	if cfg.Server.MaxBodyBytes != 1024*1024 {
		t.Errorf("default Server.MaxBodyBytes: got %d, want %d", cfg.Server.MaxBodyBytes, 1024*1024)
	}
	if cfg.Sync.UpstreamRPS != 7 {
		t.Errorf("default Sync.UpstreamRPS: got %f, want 7", cfg.Sync.UpstreamRPS)
	}
	if cfg.Sync.RequestTimeout.Duration != 15*time.Second {
		t.Errorf("default Sync.RequestTimeout: got %v, want 15s", cfg.Sync.RequestTimeout.Duration)
	}
}

func TestEnvSecretOverrides(t *testing.T) {
	t.Setenv("AGENTD_JWT_SECRET", "env-override-secret-long-enough-xx")

	minimal := `{
		"server": {"addr": ":8080"},
		"auth": {"jwt_secret": "file-secret-key-for-testing-purpose"}
	}`
	cfg, err := Load(writeTempConfig(t, minimal))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Auth.JWTSecret != "env-override-secret-long-enough-xx" {
		t.Errorf("JWTSecret: got %q, want env override", cfg.Auth.JWTSecret)
	}
}
