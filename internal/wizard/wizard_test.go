package wizard

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/worldwideservice/ai-agent-platform/internal/config"
	"github.com/worldwideservice/ai-agent-platform/pkg/cli"
)

func runWizard(t *testing.T, input string) config.Config {
	t.Helper()

	out := &bytes.Buffer{}
	p := &cli.Prompter{In: strings.NewReader(input), Out: out}

	outputPath := filepath.Join(t.TempDir(), "agentd.json")
	if err := New(p).Run(outputPath); err != nil {
		t.Fatalf("wizard.Run() error: %v", err)
	}

	data, err := os.ReadFile(outputPath)
	if err != nil {
		t.Fatalf("read config: %v", err)
	}
	var cfg config.Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		t.Fatalf("unmarshal config: %v", err)
	}
	return cfg
}

func TestWizard_SQLite(t *testing.T) {
	input := strings.Join([]string{
		":9090",            // listen address
		"boss@example.com", // admin email
		"secretpass",       // admin password
		"1",                // storage: sqlite
		"./data/agentd.db", // sqlite path
		"",                 // kommo client id (skip)
		"",                 // google client id (skip)
	}, "\n") + "\n"

	cfg := runWizard(t, input)

	if cfg.Server.Addr != ":9090" {
		t.Errorf("server.addr = %q, want %q", cfg.Server.Addr, ":9090")
	}
	if len(cfg.Auth.JWTSecret) < 32 {
		t.Errorf("auth.jwt_secret length = %d, want >= 32", len(cfg.Auth.JWTSecret))
	}
	if cfg.Auth.InitialAdmin == nil {
		t.Fatal("auth.initial_admin is nil")
	}
	if cfg.Auth.InitialAdmin.Email != "boss@example.com" {
		t.Errorf("admin email = %q, want %q", cfg.Auth.InitialAdmin.Email, "boss@example.com")
	}
	if cfg.Storage.Driver != "sqlite" {
		t.Errorf("storage.driver = %q, want %q", cfg.Storage.Driver, "sqlite")
	}
	if cfg.Storage.DSN != "./data/agentd.db" {
		t.Errorf("storage.dsn = %q, want %q", cfg.Storage.DSN, "./data/agentd.db")
	}
	if cfg.Kommo.ClientID != "" {
		t.Errorf("kommo.client_id = %q, want empty", cfg.Kommo.ClientID)
	}
}

func TestWizard_PostgresWithKommo(t *testing.T) {
	input := strings.Join([]string{
		":8080",         // listen address
		"a@example.com", // admin email
		"pass123",       // admin password
		"2",             // storage: postgres
		"postgres://platform:pass@db:5432/platform", // DSN
		"kommo-client",           // kommo client id
		"kommo-secret",           // kommo client secret
		"https://example.com/cb", // kommo redirect
		"",                       // google client id (skip)
	}, "\n") + "\n"

	cfg := runWizard(t, input)

	if cfg.Storage.Driver != "postgres" {
		t.Errorf("storage.driver = %q, want %q", cfg.Storage.Driver, "postgres")
	}
	if cfg.Kommo.ClientID != "kommo-client" {
		t.Errorf("kommo.client_id = %q, want %q", cfg.Kommo.ClientID, "kommo-client")
	}
	if cfg.Kommo.ClientSecret != "kommo-secret" {
		t.Errorf("kommo.client_secret = %q, want %q", cfg.Kommo.ClientSecret, "kommo-secret")
	}
	if cfg.Kommo.RedirectURL != "https://example.com/cb" {
		t.Errorf("kommo.redirect_url = %q", cfg.Kommo.RedirectURL)
	}
}

func TestWizard_Defaults(t *testing.T) {
	t.Setenv("AGENTD_ADDR", ":7070")
	t.Setenv("AGENTD_ADMIN_EMAIL", "ops@example.com")
	t.Setenv("AGENTD_ADMIN_PASSWORD", "env-password")
	t.Setenv("AGENTD_STORAGE_DRIVER", "sqlite")
	t.Setenv("AGENTD_STORAGE_DSN", "env.db")

	out := &bytes.Buffer{}
	p := &cli.Prompter{In: strings.NewReader(""), Out: out}

	outputPath := filepath.Join(t.TempDir(), "agentd.json")
	if err := New(p).RunDefaults(outputPath); err != nil {
		t.Fatalf("wizard.RunDefaults() error: %v", err)
	}

	data, err := os.ReadFile(outputPath)
	if err != nil {
		t.Fatalf("read config: %v", err)
	}
	var cfg config.Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		t.Fatalf("unmarshal config: %v", err)
	}

	if cfg.Server.Addr != ":7070" {
		t.Errorf("server.addr = %q, want %q", cfg.Server.Addr, ":7070")
	}
	if cfg.Auth.InitialAdmin == nil || cfg.Auth.InitialAdmin.Password != "env-password" {
		t.Error("admin password not taken from env")
	}
	if cfg.Storage.DSN != "env.db" {
		t.Errorf("storage.dsn = %q, want %q", cfg.Storage.DSN, "env.db")
	}
	if cfg.Auth.JWTSecret == "" {
		t.Error("jwt secret not generated")
	}
}
