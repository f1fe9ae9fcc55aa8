package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"strconv"
	"strings"
	"time"
)

// sqlStore holds the CRUD logic shared by the SQLite and Postgres drivers.
// Queries are written with ? placeholders; rebind rewrites them to $N for
// Postgres.
type sqlStore struct {
	db *sql.DB
	pg bool
}

// q rewrites placeholders for the active driver.
func (s *sqlStore) q(query string) string {
	if !s.pg {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

func (s *sqlStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *sqlStore) Close() error {
	return s.db.Close()
}

// rawOrEmpty converts a TEXT column to a RawMessage, treating the empty
// string as absent.
func rawOrEmpty(v string) json.RawMessage {
	if v == "" {
		return nil
	}
	return json.RawMessage(v)
}

// docOrDefault serializes a JSON document column, defaulting to "{}".
func docOrDefault(v json.RawMessage) string {
	if len(v) == 0 {
		return "{}"
	}
	return string(v)
}

// --- Users ---

func (s *sqlStore) CreateUser(ctx context.Context, user *User) error {
	_, err := s.db.ExecContext(ctx,
		s.q("INSERT INTO users (id, email, name, password_hash, role, created_at) VALUES (?, ?, ?, ?, ?, ?)"),
		user.ID, user.Email, user.Name, user.PasswordHash, user.Role, user.CreatedAt,
	)
	return err
}

func scanUser(row *sql.Row) (*User, error) {
	var u User
	err := row.Scan(&u.ID, &u.Email, &u.Name, &u.PasswordHash, &u.Role, &u.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

func (s *sqlStore) GetUserByID(ctx context.Context, id string) (*User, error) {
	return scanUser(s.db.QueryRowContext(ctx,
		s.q("SELECT id, email, name, password_hash, role, created_at FROM users WHERE id = ?"), id))
}

func (s *sqlStore) GetUserByEmail(ctx context.Context, email string) (*User, error) {
	return scanUser(s.db.QueryRowContext(ctx,
		s.q("SELECT id, email, name, password_hash, role, created_at FROM users WHERE email = ?"), email))
}

func (s *sqlStore) ListUsers(ctx context.Context) ([]User, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, email, name, role, created_at FROM users ORDER BY created_at")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var users []User
	for rows.Next() {
		var u User
		if err := rows.Scan(&u.ID, &u.Email, &u.Name, &u.Role, &u.CreatedAt); err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

func (s *sqlStore) DeleteUser(ctx context.Context, id string) error {
	return s.execExpectingRow(ctx, "DELETE FROM users WHERE id = ?", id)
}

// --- Agents ---

func (s *sqlStore) CreateAgent(ctx context.Context, agent *Agent) error {
	_, err := s.db.ExecContext(ctx,
		s.q(`INSERT INTO agents (id, user_id, name, is_active, model, instructions,
		   pipeline_settings, channel_settings, knowledge_settings,
		   crm_type, crm_connected, crm_data, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		agent.ID, agent.UserID, agent.Name, agent.IsActive, agent.Model, agent.Instructions,
		docOrDefault(agent.PipelineSettings), docOrDefault(agent.ChannelSettings), docOrDefault(agent.KnowledgeSettings),
		agent.CRMType, agent.CRMConnected, string(agent.CRMData), agent.CreatedAt, agent.UpdatedAt,
	)
	return err
}

const agentCols = `id, user_id, name, is_active, model, instructions,
	pipeline_settings, channel_settings, knowledge_settings,
	crm_type, crm_connected, crm_data, created_at, updated_at`

func scanAgent(scan func(dest ...any) error) (*Agent, error) {
	var a Agent
	var ps, cs, ks, crmData string
	err := scan(&a.ID, &a.UserID, &a.Name, &a.IsActive, &a.Model, &a.Instructions,
		&ps, &cs, &ks, &a.CRMType, &a.CRMConnected, &crmData, &a.CreatedAt, &a.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	a.PipelineSettings = rawOrEmpty(ps)
	a.ChannelSettings = rawOrEmpty(cs)
	a.KnowledgeSettings = rawOrEmpty(ks)
	a.CRMData = rawOrEmpty(crmData)
	return &a, nil
}

func (s *sqlStore) GetAgent(ctx context.Context, id string) (*Agent, error) {
	row := s.db.QueryRowContext(ctx, s.q("SELECT "+agentCols+" FROM agents WHERE id = ?"), id)
	return scanAgent(row.Scan)
}

func (s *sqlStore) ListAgents(ctx context.Context, userID string) ([]Agent, error) {
	rows, err := s.db.QueryContext(ctx,
		s.q("SELECT "+agentCols+" FROM agents WHERE user_id = ? ORDER BY created_at"), userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var agents []Agent
	for rows.Next() {
		a, err := scanAgent(rows.Scan)
		if err != nil {
			return nil, err
		}
		agents = append(agents, *a)
	}
	return agents, rows.Err()
}

func (s *sqlStore) UpdateAgent(ctx context.Context, id string, upd AgentUpdate) (*Agent, error) {
	sets := []string{"updated_at = ?"}
	args := []any{time.Now()}
	if upd.Name != nil {
		sets = append(sets, "name = ?")
		args = append(args, *upd.Name)
	}
	if upd.IsActive != nil {
		sets = append(sets, "is_active = ?")
		args = append(args, *upd.IsActive)
	}
	if upd.Model != nil {
		sets = append(sets, "model = ?")
		args = append(args, *upd.Model)
	}
	if upd.Instructions != nil {
		sets = append(sets, "instructions = ?")
		args = append(args, *upd.Instructions)
	}
	if upd.PipelineSettings != nil {
		sets = append(sets, "pipeline_settings = ?")
		args = append(args, docOrDefault(*upd.PipelineSettings))
	}
	if upd.ChannelSettings != nil {
		sets = append(sets, "channel_settings = ?")
		args = append(args, docOrDefault(*upd.ChannelSettings))
	}
	if upd.KnowledgeSettings != nil {
		sets = append(sets, "knowledge_settings = ?")
		args = append(args, docOrDefault(*upd.KnowledgeSettings))
	}
	args = append(args, id)
	if err := s.execExpectingRow(ctx,
		"UPDATE agents SET "+strings.Join(sets, ", ")+" WHERE id = ?", args...); err != nil {
		return nil, err
	}
	return s.GetAgent(ctx, id)
}

func (s *sqlStore) DeleteAgent(ctx context.Context, id string) error {
	return s.execExpectingRow(ctx, "DELETE FROM agents WHERE id = ?", id)
}

// --- Integrations ---

func (s *sqlStore) UpsertIntegration(ctx context.Context, in *Integration) error {
	_, err := s.db.ExecContext(ctx,
		s.q(`INSERT INTO integrations (id, agent_id, type, is_active, is_connected, connected_at, last_synced, settings, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(agent_id, type) DO UPDATE SET
		   is_active = excluded.is_active,
		   is_connected = excluded.is_connected,
		   connected_at = excluded.connected_at,
		   settings = excluded.settings,
		   updated_at = excluded.updated_at`),
		in.ID, in.AgentID, in.Type, in.IsActive, in.IsConnected,
		nullTime(in.ConnectedAt), nullTime(in.LastSynced), docOrDefault(in.Settings),
		in.CreatedAt, in.UpdatedAt,
	)
	return err
}

const integrationCols = "id, agent_id, type, is_active, is_connected, connected_at, last_synced, settings, created_at, updated_at"

func scanIntegration(scan func(dest ...any) error) (*Integration, error) {
	var in Integration
	var connectedAt, lastSynced sql.NullTime
	var settings string
	err := scan(&in.ID, &in.AgentID, &in.Type, &in.IsActive, &in.IsConnected,
		&connectedAt, &lastSynced, &settings, &in.CreatedAt, &in.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if connectedAt.Valid {
		in.ConnectedAt = &connectedAt.Time
	}
	if lastSynced.Valid {
		in.LastSynced = &lastSynced.Time
	}
	in.Settings = rawOrEmpty(settings)
	return &in, nil
}

func (s *sqlStore) GetIntegration(ctx context.Context, agentID, typ string) (*Integration, error) {
	row := s.db.QueryRowContext(ctx,
		s.q("SELECT "+integrationCols+" FROM integrations WHERE agent_id = ? AND type = ?"), agentID, typ)
	return scanIntegration(row.Scan)
}

func (s *sqlStore) GetIntegrationByID(ctx context.Context, id string) (*Integration, error) {
	row := s.db.QueryRowContext(ctx,
		s.q("SELECT "+integrationCols+" FROM integrations WHERE id = ?"), id)
	return scanIntegration(row.Scan)
}

func (s *sqlStore) ListIntegrations(ctx context.Context, agentID string) ([]Integration, error) {
	rows, err := s.db.QueryContext(ctx,
		s.q("SELECT "+integrationCols+" FROM integrations WHERE agent_id = ? ORDER BY type"), agentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ins []Integration
	for rows.Next() {
		in, err := scanIntegration(rows.Scan)
		if err != nil {
			return nil, err
		}
		ins = append(ins, *in)
	}
	return ins, rows.Err()
}

func (s *sqlStore) SetIntegrationConnected(ctx context.Context, id string, connected bool, at time.Time) error {
	var connectedAt any
	if connected {
		connectedAt = at
	}
	return s.execExpectingRow(ctx,
		"UPDATE integrations SET is_connected = ?, connected_at = ?, updated_at = ? WHERE id = ?",
		connected, connectedAt, at, id)
}

func (s *sqlStore) DeleteIntegration(ctx context.Context, id string) error {
	return s.execExpectingRow(ctx, "DELETE FROM integrations WHERE id = ?", id)
}

// --- Kommo tokens ---

func (s *sqlStore) UpsertKommoToken(ctx context.Context, tok *KommoToken) error {
	_, err := s.db.ExecContext(ctx,
		s.q(`INSERT INTO kommo_tokens (id, integration_id, access_token, refresh_token, expires_at, base_domain, api_domain, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(integration_id) DO UPDATE SET
		   access_token = excluded.access_token,
		   refresh_token = excluded.refresh_token,
		   expires_at = excluded.expires_at,
		   base_domain = excluded.base_domain,
		   api_domain = excluded.api_domain,
		   updated_at = excluded.updated_at`),
		tok.ID, tok.IntegrationID, tok.AccessToken, tok.RefreshToken, tok.ExpiresAt,
		tok.BaseDomain, tok.APIDomain, tok.CreatedAt, tok.UpdatedAt,
	)
	return err
}

func (s *sqlStore) GetKommoToken(ctx context.Context, integrationID string) (*KommoToken, error) {
	var t KommoToken
	err := s.db.QueryRowContext(ctx,
		s.q(`SELECT id, integration_id, access_token, refresh_token, expires_at, base_domain, api_domain, created_at, updated_at
		 FROM kommo_tokens WHERE integration_id = ?`), integrationID,
	).Scan(&t.ID, &t.IntegrationID, &t.AccessToken, &t.RefreshToken, &t.ExpiresAt,
		&t.BaseDomain, &t.APIDomain, &t.CreatedAt, &t.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// --- Google tokens ---

func (s *sqlStore) UpsertGoogleToken(ctx context.Context, tok *GoogleToken) error {
	_, err := s.db.ExecContext(ctx,
		s.q(`INSERT INTO google_tokens (integration_id, token, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(integration_id) DO UPDATE SET token = excluded.token, updated_at = excluded.updated_at`),
		tok.IntegrationID, string(tok.Token), tok.UpdatedAt,
	)
	return err
}

func (s *sqlStore) GetGoogleToken(ctx context.Context, integrationID string) (*GoogleToken, error) {
	var t GoogleToken
	var raw string
	err := s.db.QueryRowContext(ctx,
		s.q("SELECT integration_id, token, updated_at FROM google_tokens WHERE integration_id = ?"), integrationID,
	).Scan(&t.IntegrationID, &raw, &t.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	t.Token = json.RawMessage(raw)
	return &t, nil
}

func (s *sqlStore) DeleteGoogleToken(ctx context.Context, integrationID string) error {
	_, err := s.db.ExecContext(ctx,
		s.q("DELETE FROM google_tokens WHERE integration_id = ?"), integrationID)
	return err
}

// --- CRM snapshot ---

// SaveCRMSnapshot commits the integration settings and the agent's CRM data
// in one transaction so a failed sync never leaves the two halves split.
func (s *sqlStore) SaveCRMSnapshot(ctx context.Context, w SnapshotWrite) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	now := time.Now()
	res, err := tx.ExecContext(ctx,
		s.q("UPDATE integrations SET settings = ?, last_synced = ?, is_connected = ?, updated_at = ? WHERE id = ?"),
		docOrDefault(w.Settings), w.LastSynced, true, now, w.IntegrationID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}

	res, err = tx.ExecContext(ctx,
		s.q("UPDATE agents SET crm_data = ?, crm_type = ?, crm_connected = ?, updated_at = ? WHERE id = ?"),
		string(w.Data), w.CRMType, true, now, w.AgentID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}

	return tx.Commit()
}

// --- Triggers ---

func (s *sqlStore) CreateTrigger(ctx context.Context, tr *Trigger) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		s.q("INSERT INTO triggers (id, agent_id, name, event, is_active, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?, ?)"),
		tr.ID, tr.AgentID, tr.Name, tr.Event, tr.IsActive, tr.CreatedAt, tr.UpdatedAt,
	); err != nil {
		return err
	}
	for _, a := range tr.Actions {
		if _, err := tx.ExecContext(ctx,
			s.q("INSERT INTO trigger_actions (id, trigger_id, type, position, params) VALUES (?, ?, ?, ?, ?)"),
			a.ID, tr.ID, a.Type, a.Position, docOrDefault(a.Params),
		); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *sqlStore) loadTriggerActions(ctx context.Context, triggerIDs []string) (map[string][]TriggerAction, error) {
	if len(triggerIDs) == 0 {
		return map[string][]TriggerAction{}, nil
	}
	placeholders := strings.Repeat("?,", len(triggerIDs))
	placeholders = placeholders[:len(placeholders)-1]
	args := make([]any, len(triggerIDs))
	for i, id := range triggerIDs {
		args[i] = id
	}
	rows, err := s.db.QueryContext(ctx,
		s.q("SELECT id, trigger_id, type, position, params FROM trigger_actions WHERE trigger_id IN ("+placeholders+") ORDER BY position, id"),
		args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string][]TriggerAction)
	for rows.Next() {
		var a TriggerAction
		var params string
		if err := rows.Scan(&a.ID, &a.TriggerID, &a.Type, &a.Position, &params); err != nil {
			return nil, err
		}
		a.Params = rawOrEmpty(params)
		out[a.TriggerID] = append(out[a.TriggerID], a)
	}
	return out, rows.Err()
}

func (s *sqlStore) GetTrigger(ctx context.Context, id string) (*Trigger, error) {
	var tr Trigger
	err := s.db.QueryRowContext(ctx,
		s.q("SELECT id, agent_id, name, event, is_active, created_at, updated_at FROM triggers WHERE id = ?"), id,
	).Scan(&tr.ID, &tr.AgentID, &tr.Name, &tr.Event, &tr.IsActive, &tr.CreatedAt, &tr.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	actions, err := s.loadTriggerActions(ctx, []string{id})
	if err != nil {
		return nil, err
	}
	tr.Actions = actions[id]
	return &tr, nil
}

func (s *sqlStore) ListTriggers(ctx context.Context, agentID string) ([]Trigger, error) {
	rows, err := s.db.QueryContext(ctx,
		s.q("SELECT id, agent_id, name, event, is_active, created_at, updated_at FROM triggers WHERE agent_id = ? ORDER BY created_at"), agentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var triggers []Trigger
	var ids []string
	for rows.Next() {
		var tr Trigger
		if err := rows.Scan(&tr.ID, &tr.AgentID, &tr.Name, &tr.Event, &tr.IsActive, &tr.CreatedAt, &tr.UpdatedAt); err != nil {
			return nil, err
		}
		triggers = append(triggers, tr)
		ids = append(ids, tr.ID)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	actions, err := s.loadTriggerActions(ctx, ids)
	if err != nil {
		return nil, err
	}
	for i := range triggers {
		triggers[i].Actions = actions[triggers[i].ID]
	}
	return triggers, nil
}

func (s *sqlStore) UpdateTrigger(ctx context.Context, id string, upd TriggerUpdate) (*Trigger, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	sets := []string{"updated_at = ?"}
	args := []any{time.Now()}
	if upd.Name != nil {
		sets = append(sets, "name = ?")
		args = append(args, *upd.Name)
	}
	if upd.Event != nil {
		sets = append(sets, "event = ?")
		args = append(args, *upd.Event)
	}
	if upd.IsActive != nil {
		sets = append(sets, "is_active = ?")
		args = append(args, *upd.IsActive)
	}
	args = append(args, id)
	res, err := tx.ExecContext(ctx, s.q("UPDATE triggers SET "+strings.Join(sets, ", ")+" WHERE id = ?"), args...)
	if err != nil {
		return nil, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, ErrNotFound
	}
	for _, a := range upd.AppendActions {
		if _, err := tx.ExecContext(ctx,
			s.q("INSERT INTO trigger_actions (id, trigger_id, type, position, params) VALUES (?, ?, ?, ?, ?)"),
			a.ID, id, a.Type, a.Position, docOrDefault(a.Params),
		); err != nil {
			return nil, err
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return s.GetTrigger(ctx, id)
}

func (s *sqlStore) DeleteTriggerActions(ctx context.Context, triggerID string) error {
	_, err := s.db.ExecContext(ctx, s.q("DELETE FROM trigger_actions WHERE trigger_id = ?"), triggerID)
	return err
}

func (s *sqlStore) DeleteTrigger(ctx context.Context, id string) error {
	return s.execExpectingRow(ctx, "DELETE FROM triggers WHERE id = ?", id)
}

// --- Chains ---

func (s *sqlStore) insertChainChildren(ctx context.Context, tx *sql.Tx, chainID string,
	conditions []ChainCondition, steps []ChainStep, schedules []ChainSchedule) error {
	for _, c := range conditions {
		if _, err := tx.ExecContext(ctx,
			s.q("INSERT INTO chain_conditions (id, chain_id, field, operator, value) VALUES (?, ?, ?, ?, ?)"),
			c.ID, chainID, c.Field, c.Operator, c.Value,
		); err != nil {
			return err
		}
	}
	for _, st := range steps {
		if _, err := tx.ExecContext(ctx,
			s.q("INSERT INTO chain_steps (id, chain_id, name, position, delay_min) VALUES (?, ?, ?, ?, ?)"),
			st.ID, chainID, st.Name, st.Position, st.DelayMin,
		); err != nil {
			return err
		}
		for _, a := range st.Actions {
			if _, err := tx.ExecContext(ctx,
				s.q("INSERT INTO chain_step_actions (id, step_id, type, position, params) VALUES (?, ?, ?, ?, ?)"),
				a.ID, st.ID, a.Type, a.Position, docOrDefault(a.Params),
			); err != nil {
				return err
			}
		}
	}
	for _, sc := range schedules {
		if _, err := tx.ExecContext(ctx,
			s.q("INSERT INTO chain_schedules (id, chain_id, weekday, start_time, end_time) VALUES (?, ?, ?, ?, ?)"),
			sc.ID, chainID, sc.Weekday, sc.StartTime, sc.EndTime,
		); err != nil {
			return err
		}
	}
	return nil
}

func (s *sqlStore) CreateChain(ctx context.Context, ch *Chain) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		s.q("INSERT INTO chains (id, agent_id, name, is_active, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?)"),
		ch.ID, ch.AgentID, ch.Name, ch.IsActive, ch.CreatedAt, ch.UpdatedAt,
	); err != nil {
		return err
	}
	if err := s.insertChainChildren(ctx, tx, ch.ID, ch.Conditions, ch.Steps, ch.Schedules); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *sqlStore) hydrateChain(ctx context.Context, ch *Chain) error {
	if err := s.collectRows(ctx,
		"SELECT id, chain_id, field, operator, value FROM chain_conditions WHERE chain_id = ? ORDER BY id",
		[]any{ch.ID},
		func(rows *sql.Rows) error {
			var c ChainCondition
			if err := rows.Scan(&c.ID, &c.ChainID, &c.Field, &c.Operator, &c.Value); err != nil {
				return err
			}
			ch.Conditions = append(ch.Conditions, c)
			return nil
		}); err != nil {
		return err
	}

	if err := s.collectRows(ctx,
		"SELECT id, chain_id, name, position, delay_min FROM chain_steps WHERE chain_id = ? ORDER BY position, id",
		[]any{ch.ID},
		func(rows *sql.Rows) error {
			var st ChainStep
			if err := rows.Scan(&st.ID, &st.ChainID, &st.Name, &st.Position, &st.DelayMin); err != nil {
				return err
			}
			ch.Steps = append(ch.Steps, st)
			return nil
		}); err != nil {
		return err
	}

	for i := range ch.Steps {
		step := &ch.Steps[i]
		if err := s.collectRows(ctx,
			"SELECT id, step_id, type, position, params FROM chain_step_actions WHERE step_id = ? ORDER BY position, id",
			[]any{step.ID},
			func(rows *sql.Rows) error {
				var a ChainStepAction
				var params string
				if err := rows.Scan(&a.ID, &a.StepID, &a.Type, &a.Position, &params); err != nil {
					return err
				}
				a.Params = rawOrEmpty(params)
				step.Actions = append(step.Actions, a)
				return nil
			}); err != nil {
			return err
		}
	}

	return s.collectRows(ctx,
		"SELECT id, chain_id, weekday, start_time, end_time FROM chain_schedules WHERE chain_id = ? ORDER BY weekday, start_time",
		[]any{ch.ID},
		func(rows *sql.Rows) error {
			var sc ChainSchedule
			if err := rows.Scan(&sc.ID, &sc.ChainID, &sc.Weekday, &sc.StartTime, &sc.EndTime); err != nil {
				return err
			}
			ch.Schedules = append(ch.Schedules, sc)
			return nil
		})
}

// collectRows runs a query and feeds each row to fn.
func (s *sqlStore) collectRows(ctx context.Context, query string, args []any, fn func(*sql.Rows) error) error {
	rows, err := s.db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		if err := fn(rows); err != nil {
			return err
		}
	}
	return rows.Err()
}

func (s *sqlStore) GetChain(ctx context.Context, id string) (*Chain, error) {
	var ch Chain
	err := s.db.QueryRowContext(ctx,
		s.q("SELECT id, agent_id, name, is_active, created_at, updated_at FROM chains WHERE id = ?"), id,
	).Scan(&ch.ID, &ch.AgentID, &ch.Name, &ch.IsActive, &ch.CreatedAt, &ch.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if err := s.hydrateChain(ctx, &ch); err != nil {
		return nil, err
	}
	return &ch, nil
}

func (s *sqlStore) ListChains(ctx context.Context, agentID string) ([]Chain, error) {
	var chains []Chain
	if err := s.collectRows(ctx,
		"SELECT id, agent_id, name, is_active, created_at, updated_at FROM chains WHERE agent_id = ? ORDER BY created_at",
		[]any{agentID},
		func(rows *sql.Rows) error {
			var ch Chain
			if err := rows.Scan(&ch.ID, &ch.AgentID, &ch.Name, &ch.IsActive, &ch.CreatedAt, &ch.UpdatedAt); err != nil {
				return err
			}
			chains = append(chains, ch)
			return nil
		}); err != nil {
		return nil, err
	}
	for i := range chains {
		if err := s.hydrateChain(ctx, &chains[i]); err != nil {
			return nil, err
		}
	}
	return chains, nil
}

func (s *sqlStore) UpdateChain(ctx context.Context, id string, upd ChainUpdate) (*Chain, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	sets := []string{"updated_at = ?"}
	args := []any{time.Now()}
	if upd.Name != nil {
		sets = append(sets, "name = ?")
		args = append(args, *upd.Name)
	}
	if upd.IsActive != nil {
		sets = append(sets, "is_active = ?")
		args = append(args, *upd.IsActive)
	}
	args = append(args, id)
	res, err := tx.ExecContext(ctx, s.q("UPDATE chains SET "+strings.Join(sets, ", ")+" WHERE id = ?"), args...)
	if err != nil {
		return nil, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, ErrNotFound
	}
	if err := s.insertChainChildren(ctx, tx, id, upd.AppendConditions, upd.AppendSteps, upd.AppendSchedules); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return s.GetChain(ctx, id)
}

func (s *sqlStore) DeleteChainConditions(ctx context.Context, chainID string) error {
	_, err := s.db.ExecContext(ctx, s.q("DELETE FROM chain_conditions WHERE chain_id = ?"), chainID)
	return err
}

// DeleteChainSteps also removes step actions through the FK cascade.
func (s *sqlStore) DeleteChainSteps(ctx context.Context, chainID string) error {
	_, err := s.db.ExecContext(ctx, s.q("DELETE FROM chain_steps WHERE chain_id = ?"), chainID)
	return err
}

func (s *sqlStore) DeleteChainSchedules(ctx context.Context, chainID string) error {
	_, err := s.db.ExecContext(ctx, s.q("DELETE FROM chain_schedules WHERE chain_id = ?"), chainID)
	return err
}

func (s *sqlStore) DeleteChain(ctx context.Context, id string) error {
	return s.execExpectingRow(ctx, "DELETE FROM chains WHERE id = ?", id)
}

// --- Knowledge base ---

func (s *sqlStore) CreateKBCategory(ctx context.Context, cat *KBCategory) error {
	_, err := s.db.ExecContext(ctx,
		s.q("INSERT INTO kb_categories (id, user_id, name, position, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?)"),
		cat.ID, cat.UserID, cat.Name, cat.Position, cat.CreatedAt, cat.UpdatedAt,
	)
	return err
}

func (s *sqlStore) GetKBCategory(ctx context.Context, id string) (*KBCategory, error) {
	var c KBCategory
	err := s.db.QueryRowContext(ctx,
		s.q("SELECT id, user_id, name, position, created_at, updated_at FROM kb_categories WHERE id = ?"), id,
	).Scan(&c.ID, &c.UserID, &c.Name, &c.Position, &c.CreatedAt, &c.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *sqlStore) ListKBCategories(ctx context.Context, userID string) ([]KBCategory, error) {
	var cats []KBCategory
	err := s.collectRows(ctx,
		"SELECT id, user_id, name, position, created_at, updated_at FROM kb_categories WHERE user_id = ? ORDER BY position, created_at",
		[]any{userID},
		func(rows *sql.Rows) error {
			var c KBCategory
			if err := rows.Scan(&c.ID, &c.UserID, &c.Name, &c.Position, &c.CreatedAt, &c.UpdatedAt); err != nil {
				return err
			}
			cats = append(cats, c)
			return nil
		})
	return cats, err
}

func (s *sqlStore) UpdateKBCategory(ctx context.Context, id string, upd KBCategoryUpdate) (*KBCategory, error) {
	sets := []string{"updated_at = ?"}
	args := []any{time.Now()}
	if upd.Name != nil {
		sets = append(sets, "name = ?")
		args = append(args, *upd.Name)
	}
	if upd.Position != nil {
		sets = append(sets, "position = ?")
		args = append(args, *upd.Position)
	}
	args = append(args, id)
	if err := s.execExpectingRow(ctx,
		"UPDATE kb_categories SET "+strings.Join(sets, ", ")+" WHERE id = ?", args...); err != nil {
		return nil, err
	}
	return s.GetKBCategory(ctx, id)
}

func (s *sqlStore) DeleteKBCategory(ctx context.Context, id string) error {
	return s.execExpectingRow(ctx, "DELETE FROM kb_categories WHERE id = ?", id)
}

func (s *sqlStore) CreateKBArticle(ctx context.Context, art *KBArticle) error {
	_, err := s.db.ExecContext(ctx,
		s.q("INSERT INTO kb_articles (id, category_id, title, content, is_published, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?, ?)"),
		art.ID, art.CategoryID, art.Title, art.Content, art.IsPublished, art.CreatedAt, art.UpdatedAt,
	)
	return err
}

func (s *sqlStore) GetKBArticle(ctx context.Context, id string) (*KBArticle, error) {
	var a KBArticle
	err := s.db.QueryRowContext(ctx,
		s.q("SELECT id, category_id, title, content, is_published, created_at, updated_at FROM kb_articles WHERE id = ?"), id,
	).Scan(&a.ID, &a.CategoryID, &a.Title, &a.Content, &a.IsPublished, &a.CreatedAt, &a.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func (s *sqlStore) ListKBArticles(ctx context.Context, categoryID string) ([]KBArticle, error) {
	var arts []KBArticle
	err := s.collectRows(ctx,
		"SELECT id, category_id, title, content, is_published, created_at, updated_at FROM kb_articles WHERE category_id = ? ORDER BY created_at",
		[]any{categoryID},
		func(rows *sql.Rows) error {
			var a KBArticle
			if err := rows.Scan(&a.ID, &a.CategoryID, &a.Title, &a.Content, &a.IsPublished, &a.CreatedAt, &a.UpdatedAt); err != nil {
				return err
			}
			arts = append(arts, a)
			return nil
		})
	return arts, err
}

func (s *sqlStore) UpdateKBArticle(ctx context.Context, id string, upd KBArticleUpdate) (*KBArticle, error) {
	sets := []string{"updated_at = ?"}
	args := []any{time.Now()}
	if upd.Title != nil {
		sets = append(sets, "title = ?")
		args = append(args, *upd.Title)
	}
	if upd.Content != nil {
		sets = append(sets, "content = ?")
		args = append(args, *upd.Content)
	}
	if upd.IsPublished != nil {
		sets = append(sets, "is_published = ?")
		args = append(args, *upd.IsPublished)
	}
	args = append(args, id)
	if err := s.execExpectingRow(ctx,
		"UPDATE kb_articles SET "+strings.Join(sets, ", ")+" WHERE id = ?", args...); err != nil {
		return nil, err
	}
	return s.GetKBArticle(ctx, id)
}

func (s *sqlStore) DeleteKBArticle(ctx context.Context, id string) error {
	return s.execExpectingRow(ctx, "DELETE FROM kb_articles WHERE id = ?", id)
}

// --- Contacts ---

func (s *sqlStore) CreateContact(ctx context.Context, c *Contact) error {
	_, err := s.db.ExecContext(ctx,
		s.q("INSERT INTO contacts (id, agent_id, name, phone, email, crm_contact_id, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?)"),
		c.ID, c.AgentID, c.Name, c.Phone, c.Email, c.CRMContactID, c.CreatedAt, c.UpdatedAt,
	)
	return err
}

func (s *sqlStore) GetContact(ctx context.Context, id string) (*Contact, error) {
	var c Contact
	err := s.db.QueryRowContext(ctx,
		s.q("SELECT id, agent_id, name, phone, email, crm_contact_id, created_at, updated_at FROM contacts WHERE id = ?"), id,
	).Scan(&c.ID, &c.AgentID, &c.Name, &c.Phone, &c.Email, &c.CRMContactID, &c.CreatedAt, &c.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *sqlStore) ListContacts(ctx context.Context, agentID string) ([]Contact, error) {
	var cs []Contact
	err := s.collectRows(ctx,
		"SELECT id, agent_id, name, phone, email, crm_contact_id, created_at, updated_at FROM contacts WHERE agent_id = ? ORDER BY created_at",
		[]any{agentID},
		func(rows *sql.Rows) error {
			var c Contact
			if err := rows.Scan(&c.ID, &c.AgentID, &c.Name, &c.Phone, &c.Email, &c.CRMContactID, &c.CreatedAt, &c.UpdatedAt); err != nil {
				return err
			}
			cs = append(cs, c)
			return nil
		})
	return cs, err
}

func (s *sqlStore) UpdateContact(ctx context.Context, id string, upd ContactUpdate) (*Contact, error) {
	sets := []string{"updated_at = ?"}
	args := []any{time.Now()}
	if upd.Name != nil {
		sets = append(sets, "name = ?")
		args = append(args, *upd.Name)
	}
	if upd.Phone != nil {
		sets = append(sets, "phone = ?")
		args = append(args, *upd.Phone)
	}
	if upd.Email != nil {
		sets = append(sets, "email = ?")
		args = append(args, *upd.Email)
	}
	if upd.CRMContactID != nil {
		sets = append(sets, "crm_contact_id = ?")
		args = append(args, *upd.CRMContactID)
	}
	args = append(args, id)
	if err := s.execExpectingRow(ctx,
		"UPDATE contacts SET "+strings.Join(sets, ", ")+" WHERE id = ?", args...); err != nil {
		return nil, err
	}
	return s.GetContact(ctx, id)
}

func (s *sqlStore) DeleteContact(ctx context.Context, id string) error {
	return s.execExpectingRow(ctx, "DELETE FROM contacts WHERE id = ?", id)
}

// --- Deals ---

func (s *sqlStore) CreateDeal(ctx context.Context, d *Deal) error {
	_, err := s.db.ExecContext(ctx,
		s.q("INSERT INTO deals (id, agent_id, title, price, pipeline_id, stage_id, crm_deal_id, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)"),
		d.ID, d.AgentID, d.Title, d.Price, d.PipelineID, d.StageID, d.CRMDealID, d.CreatedAt, d.UpdatedAt,
	)
	return err
}

func (s *sqlStore) GetDeal(ctx context.Context, id string) (*Deal, error) {
	var d Deal
	err := s.db.QueryRowContext(ctx,
		s.q("SELECT id, agent_id, title, price, pipeline_id, stage_id, crm_deal_id, created_at, updated_at FROM deals WHERE id = ?"), id,
	).Scan(&d.ID, &d.AgentID, &d.Title, &d.Price, &d.PipelineID, &d.StageID, &d.CRMDealID, &d.CreatedAt, &d.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func (s *sqlStore) ListDeals(ctx context.Context, agentID string) ([]Deal, error) {
	var ds []Deal
	err := s.collectRows(ctx,
		"SELECT id, agent_id, title, price, pipeline_id, stage_id, crm_deal_id, created_at, updated_at FROM deals WHERE agent_id = ? ORDER BY created_at",
		[]any{agentID},
		func(rows *sql.Rows) error {
			var d Deal
			if err := rows.Scan(&d.ID, &d.AgentID, &d.Title, &d.Price, &d.PipelineID, &d.StageID, &d.CRMDealID, &d.CreatedAt, &d.UpdatedAt); err != nil {
				return err
			}
			ds = append(ds, d)
			return nil
		})
	return ds, err
}

func (s *sqlStore) UpdateDeal(ctx context.Context, id string, upd DealUpdate) (*Deal, error) {
	sets := []string{"updated_at = ?"}
	args := []any{time.Now()}
	if upd.Title != nil {
		sets = append(sets, "title = ?")
		args = append(args, *upd.Title)
	}
	if upd.Price != nil {
		sets = append(sets, "price = ?")
		args = append(args, *upd.Price)
	}
	if upd.PipelineID != nil {
		sets = append(sets, "pipeline_id = ?")
		args = append(args, *upd.PipelineID)
	}
	if upd.StageID != nil {
		sets = append(sets, "stage_id = ?")
		args = append(args, *upd.StageID)
	}
	if upd.CRMDealID != nil {
		sets = append(sets, "crm_deal_id = ?")
		args = append(args, *upd.CRMDealID)
	}
	args = append(args, id)
	if err := s.execExpectingRow(ctx,
		"UPDATE deals SET "+strings.Join(sets, ", ")+" WHERE id = ?", args...); err != nil {
		return nil, err
	}
	return s.GetDeal(ctx, id)
}

func (s *sqlStore) DeleteDeal(ctx context.Context, id string) error {
	return s.execExpectingRow(ctx, "DELETE FROM deals WHERE id = ?", id)
}

// --- helpers ---

// execExpectingRow runs a statement that must affect at least one row,
// returning ErrNotFound otherwise.
func (s *sqlStore) execExpectingRow(ctx context.Context, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, s.q(query), args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}
