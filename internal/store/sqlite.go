package store

import (
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	sqlStore
}

// NewSQLite creates a new SQLite store and runs migrations.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	// For in-memory databases, use shared cache so all connections in the pool
	// see the same data. Without this, each pooled connection gets a separate
	// empty database.
	if dsn == ":memory:" {
		dsn = "file::memory:?cache=shared"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// Enable WAL mode for better concurrent read/write.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}

	s := &SQLiteStore{sqlStore{db: db}}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

func (s *SQLiteStore) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id TEXT PRIMARY KEY,
			email TEXT UNIQUE NOT NULL,
			name TEXT NOT NULL DEFAULT '',
			password_hash TEXT NOT NULL,
			role TEXT NOT NULL DEFAULT 'user',
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS agents (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
			name TEXT NOT NULL,
			is_active INTEGER NOT NULL DEFAULT 1,
			model TEXT NOT NULL DEFAULT '',
			instructions TEXT NOT NULL DEFAULT '',
			pipeline_settings TEXT NOT NULL DEFAULT '{}',
			channel_settings TEXT NOT NULL DEFAULT '{}',
			knowledge_settings TEXT NOT NULL DEFAULT '{}',
			crm_type TEXT NOT NULL DEFAULT '',
			crm_connected INTEGER NOT NULL DEFAULT 0,
			crm_data TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_agents_user_id ON agents(user_id)`,
		`CREATE TABLE IF NOT EXISTS integrations (
			id TEXT PRIMARY KEY,
			agent_id TEXT NOT NULL REFERENCES agents(id) ON DELETE CASCADE,
			type TEXT NOT NULL,
			is_active INTEGER NOT NULL DEFAULT 1,
			is_connected INTEGER NOT NULL DEFAULT 0,
			connected_at DATETIME,
			last_synced DATETIME,
			settings TEXT NOT NULL DEFAULT '{}',
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			UNIQUE(agent_id, type)
		)`,
		`CREATE TABLE IF NOT EXISTS kommo_tokens (
			id TEXT PRIMARY KEY,
			integration_id TEXT UNIQUE NOT NULL REFERENCES integrations(id) ON DELETE CASCADE,
			access_token TEXT NOT NULL,
			refresh_token TEXT NOT NULL,
			expires_at DATETIME NOT NULL,
			base_domain TEXT NOT NULL DEFAULT '',
			api_domain TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS google_tokens (
			integration_id TEXT PRIMARY KEY REFERENCES integrations(id) ON DELETE CASCADE,
			token TEXT NOT NULL,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS triggers (
			id TEXT PRIMARY KEY,
			agent_id TEXT NOT NULL REFERENCES agents(id) ON DELETE CASCADE,
			name TEXT NOT NULL,
			event TEXT NOT NULL,
			is_active INTEGER NOT NULL DEFAULT 1,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_triggers_agent_id ON triggers(agent_id)`,
		`CREATE TABLE IF NOT EXISTS trigger_actions (
			id TEXT PRIMARY KEY,
			trigger_id TEXT NOT NULL REFERENCES triggers(id) ON DELETE CASCADE,
			type TEXT NOT NULL,
			position INTEGER NOT NULL DEFAULT 0,
			params TEXT NOT NULL DEFAULT '{}'
		)`,
		`CREATE INDEX IF NOT EXISTS idx_trigger_actions_trigger_id ON trigger_actions(trigger_id)`,
		`CREATE TABLE IF NOT EXISTS chains (
			id TEXT PRIMARY KEY,
			agent_id TEXT NOT NULL REFERENCES agents(id) ON DELETE CASCADE,
			name TEXT NOT NULL,
			is_active INTEGER NOT NULL DEFAULT 1,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_chains_agent_id ON chains(agent_id)`,
		`CREATE TABLE IF NOT EXISTS chain_conditions (
			id TEXT PRIMARY KEY,
			chain_id TEXT NOT NULL REFERENCES chains(id) ON DELETE CASCADE,
			field TEXT NOT NULL,
			operator TEXT NOT NULL,
			value TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE TABLE IF NOT EXISTS chain_steps (
			id TEXT PRIMARY KEY,
			chain_id TEXT NOT NULL REFERENCES chains(id) ON DELETE CASCADE,
			name TEXT NOT NULL DEFAULT '',
			position INTEGER NOT NULL DEFAULT 0,
			delay_min INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_chain_steps_chain_id ON chain_steps(chain_id)`,
		`CREATE TABLE IF NOT EXISTS chain_step_actions (
			id TEXT PRIMARY KEY,
			step_id TEXT NOT NULL REFERENCES chain_steps(id) ON DELETE CASCADE,
			type TEXT NOT NULL,
			position INTEGER NOT NULL DEFAULT 0,
			params TEXT NOT NULL DEFAULT '{}'
		)`,
		`CREATE TABLE IF NOT EXISTS chain_schedules (
			id TEXT PRIMARY KEY,
			chain_id TEXT NOT NULL REFERENCES chains(id) ON DELETE CASCADE,
			weekday INTEGER NOT NULL,
			start_time TEXT NOT NULL,
			end_time TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS kb_categories (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
			name TEXT NOT NULL,
			position INTEGER NOT NULL DEFAULT 0,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS kb_articles (
			id TEXT PRIMARY KEY,
			category_id TEXT NOT NULL REFERENCES kb_categories(id) ON DELETE CASCADE,
			title TEXT NOT NULL,
			content TEXT NOT NULL DEFAULT '',
			is_published INTEGER NOT NULL DEFAULT 0,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_kb_articles_category_id ON kb_articles(category_id)`,
		`CREATE TABLE IF NOT EXISTS contacts (
			id TEXT PRIMARY KEY,
			agent_id TEXT NOT NULL REFERENCES agents(id) ON DELETE CASCADE,
			name TEXT NOT NULL,
			phone TEXT NOT NULL DEFAULT '',
			email TEXT NOT NULL DEFAULT '',
			crm_contact_id TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_contacts_agent_id ON contacts(agent_id)`,
		`CREATE TABLE IF NOT EXISTS deals (
			id TEXT PRIMARY KEY,
			agent_id TEXT NOT NULL REFERENCES agents(id) ON DELETE CASCADE,
			title TEXT NOT NULL,
			price REAL NOT NULL DEFAULT 0,
			pipeline_id TEXT NOT NULL DEFAULT '',
			stage_id TEXT NOT NULL DEFAULT '',
			crm_deal_id TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_deals_agent_id ON deals(agent_id)`,
	}

	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("migration failed: %w\n  SQL: %s", err, m)
		}
	}
	return nil
}
