package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/worldwideservice/ai-agent-platform/internal/store"
)

// ownedAgent resolves {agentID} and enforces ownership. A nil return means
// the response has already been written.
func (s *Server) ownedAgent(w http.ResponseWriter, r *http.Request) *store.Agent {
	identity := getIdentityFromContext(r.Context())
	agentID := chi.URLParam(r, "agentID")

	agent, err := s.store.GetAgent(r.Context(), agentID)
	if err != nil {
		s.logger.Error("get agent failed", "error", err)
		writeError(w, http.StatusInternalServerError, "lookup failed")
		return nil
	}
	if agent == nil {
		writeError(w, http.StatusNotFound, "agent not found")
		return nil
	}
	if agent.UserID != identity.UserID && identity.Role != "admin" {
		writeError(w, http.StatusForbidden, "forbidden")
		return nil
	}
	return agent
}

// --- agents ---

func (s *Server) handleListAgents(w http.ResponseWriter, r *http.Request) {
	identity := getIdentityFromContext(r.Context())
	agents, err := s.store.ListAgents(r.Context(), identity.UserID)
	if err != nil {
		s.logger.Error("list agents failed", "error", err)
		writeError(w, http.StatusInternalServerError, "list failed")
		return
	}
	writeJSON(w, http.StatusOK, agents)
}

type agentRequest struct {
	Name              string           `json:"name"`
	IsActive          *bool            `json:"is_active"`
	Model             string           `json:"model"`
	Instructions      string           `json:"instructions"`
	PipelineSettings  *json.RawMessage `json:"pipeline_settings"`
	ChannelSettings   *json.RawMessage `json:"channel_settings"`
	KnowledgeSettings *json.RawMessage `json:"knowledge_settings"`
}

func (s *Server) handleCreateAgent(w http.ResponseWriter, r *http.Request) {
	identity := getIdentityFromContext(r.Context())

	var req agentRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}
	if req.Name == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}

	agent := &store.Agent{
		ID:           uuid.NewString(),
		UserID:       identity.UserID,
		Name:         req.Name,
		Model:        req.Model,
		Instructions: req.Instructions,
	}
	if req.IsActive != nil {
		agent.IsActive = *req.IsActive
	}
	if req.PipelineSettings != nil {
		agent.PipelineSettings = *req.PipelineSettings
	}
	if req.ChannelSettings != nil {
		agent.ChannelSettings = *req.ChannelSettings
	}
	if req.KnowledgeSettings != nil {
		agent.KnowledgeSettings = *req.KnowledgeSettings
	}

	if err := s.store.CreateAgent(r.Context(), agent); err != nil {
		s.logger.Error("create agent failed", "error", err)
		writeError(w, http.StatusInternalServerError, "create failed")
		return
	}
	writeJSON(w, http.StatusCreated, agent)
}

func (s *Server) handleGetAgent(w http.ResponseWriter, r *http.Request) {
	agent := s.ownedAgent(w, r)
	if agent == nil {
		return
	}
	writeJSON(w, http.StatusOK, agent)
}

func (s *Server) handleUpdateAgent(w http.ResponseWriter, r *http.Request) {
	agent := s.ownedAgent(w, r)
	if agent == nil {
		return
	}

	var req struct {
		Name              *string          `json:"name"`
		IsActive          *bool            `json:"is_active"`
		Model             *string          `json:"model"`
		Instructions      *string          `json:"instructions"`
		PipelineSettings  *json.RawMessage `json:"pipeline_settings"`
		ChannelSettings   *json.RawMessage `json:"channel_settings"`
		KnowledgeSettings *json.RawMessage `json:"knowledge_settings"`
	}
	if !s.decodeJSON(w, r, &req) {
		return
	}

	updated, err := s.store.UpdateAgent(r.Context(), agent.ID, store.AgentUpdate{
		Name:              req.Name,
		IsActive:          req.IsActive,
		Model:             req.Model,
		Instructions:      req.Instructions,
		PipelineSettings:  req.PipelineSettings,
		ChannelSettings:   req.ChannelSettings,
		KnowledgeSettings: req.KnowledgeSettings,
	})
	if err != nil {
		s.logger.Error("update agent failed", "error", err)
		writeError(w, http.StatusInternalServerError, "update failed")
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (s *Server) handleDeleteAgent(w http.ResponseWriter, r *http.Request) {
	agent := s.ownedAgent(w, r)
	if agent == nil {
		return
	}
	if err := s.store.DeleteAgent(r.Context(), agent.ID); err != nil {
		s.logger.Error("delete agent failed", "error", err)
		writeError(w, http.StatusInternalServerError, "delete failed")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- triggers ---

type triggerActionRequest struct {
	Type   string          `json:"type"`
	Params json.RawMessage `json:"params"`
}

func (s *Server) handleListTriggers(w http.ResponseWriter, r *http.Request) {
	agent := s.ownedAgent(w, r)
	if agent == nil {
		return
	}
	triggers, err := s.store.ListTriggers(r.Context(), agent.ID)
	if err != nil {
		s.logger.Error("list triggers failed", "error", err)
		writeError(w, http.StatusInternalServerError, "list failed")
		return
	}
	writeJSON(w, http.StatusOK, triggers)
}

func (s *Server) handleCreateTrigger(w http.ResponseWriter, r *http.Request) {
	agent := s.ownedAgent(w, r)
	if agent == nil {
		return
	}

	var req struct {
		Name     string                 `json:"name"`
		Event    string                 `json:"event"`
		IsActive *bool                  `json:"is_active"`
		Actions  []triggerActionRequest `json:"actions"`
	}
	if !s.decodeJSON(w, r, &req) {
		return
	}
	if req.Name == "" || req.Event == "" {
		writeError(w, http.StatusBadRequest, "name and event are required")
		return
	}

	tr := &store.Trigger{
		ID:       uuid.NewString(),
		AgentID:  agent.ID,
		Name:     req.Name,
		Event:    req.Event,
		IsActive: true,
	}
	if req.IsActive != nil {
		tr.IsActive = *req.IsActive
	}
	for i, a := range req.Actions {
		tr.Actions = append(tr.Actions, store.TriggerAction{
			ID:        uuid.NewString(),
			TriggerID: tr.ID,
			Type:      a.Type,
			Position:  i,
			Params:    a.Params,
		})
	}

	if err := s.store.CreateTrigger(r.Context(), tr); err != nil {
		s.logger.Error("create trigger failed", "error", err)
		writeError(w, http.StatusInternalServerError, "create failed")
		return
	}
	writeJSON(w, http.StatusCreated, tr)
}

// ownedTrigger resolves {triggerID} under an already-authorized agent.
func (s *Server) ownedTrigger(w http.ResponseWriter, r *http.Request, agent *store.Agent) *store.Trigger {
	tr, err := s.store.GetTrigger(r.Context(), chi.URLParam(r, "triggerID"))
	if err != nil {
		s.logger.Error("get trigger failed", "error", err)
		writeError(w, http.StatusInternalServerError, "lookup failed")
		return nil
	}
	if tr == nil || tr.AgentID != agent.ID {
		writeError(w, http.StatusNotFound, "trigger not found")
		return nil
	}
	return tr
}

func (s *Server) handleUpdateTrigger(w http.ResponseWriter, r *http.Request) {
	agent := s.ownedAgent(w, r)
	if agent == nil {
		return
	}
	tr := s.ownedTrigger(w, r, agent)
	if tr == nil {
		return
	}

	var req struct {
		Name     *string                `json:"name"`
		Event    *string                `json:"event"`
		IsActive *bool                  `json:"is_active"`
		Actions  []triggerActionRequest `json:"actions"`
	}
	if !s.decodeJSON(w, r, &req) {
		return
	}

	upd := store.TriggerUpdate{Name: req.Name, Event: req.Event, IsActive: req.IsActive}
	if req.Actions != nil {
		// Full replacement of the action list.
		if err := s.store.DeleteTriggerActions(r.Context(), tr.ID); err != nil {
			s.logger.Error("replace trigger actions failed", "error", err)
			writeError(w, http.StatusInternalServerError, "update failed")
			return
		}
		for i, a := range req.Actions {
			upd.AppendActions = append(upd.AppendActions, store.TriggerAction{
				ID:        uuid.NewString(),
				TriggerID: tr.ID,
				Type:      a.Type,
				Position:  i,
				Params:    a.Params,
			})
		}
	}

	updated, err := s.store.UpdateTrigger(r.Context(), tr.ID, upd)
	if err != nil {
		s.logger.Error("update trigger failed", "error", err)
		writeError(w, http.StatusInternalServerError, "update failed")
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (s *Server) handleDeleteTrigger(w http.ResponseWriter, r *http.Request) {
	agent := s.ownedAgent(w, r)
	if agent == nil {
		return
	}
	tr := s.ownedTrigger(w, r, agent)
	if tr == nil {
		return
	}
	if err := s.store.DeleteTrigger(r.Context(), tr.ID); err != nil {
		s.logger.Error("delete trigger failed", "error", err)
		writeError(w, http.StatusInternalServerError, "delete failed")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- chains ---

type chainStepRequest struct {
	Name     string                 `json:"name"`
	DelayMin int                    `json:"delay_min"`
	Actions  []triggerActionRequest `json:"actions"`
}

type chainConditionRequest struct {
	Field    string `json:"field"`
	Operator string `json:"operator"`
	Value    string `json:"value"`
}

type chainScheduleRequest struct {
	Weekday   int    `json:"weekday"`
	StartTime string `json:"start_time"`
	EndTime   string `json:"end_time"`
}

type chainRequest struct {
	Name       *string                 `json:"name"`
	IsActive   *bool                   `json:"is_active"`
	Conditions []chainConditionRequest `json:"conditions"`
	Steps      []chainStepRequest      `json:"steps"`
	Schedules  []chainScheduleRequest  `json:"schedules"`
}

func buildChainChildren(chainID string, req chainRequest) ([]store.ChainCondition, []store.ChainStep, []store.ChainSchedule) {
	var conds []store.ChainCondition
	for _, c := range req.Conditions {
		conds = append(conds, store.ChainCondition{
			ID:       uuid.NewString(),
			ChainID:  chainID,
			Field:    c.Field,
			Operator: c.Operator,
			Value:    c.Value,
		})
	}
	var steps []store.ChainStep
	for i, st := range req.Steps {
		step := store.ChainStep{
			ID:       uuid.NewString(),
			ChainID:  chainID,
			Name:     st.Name,
			Position: i,
			DelayMin: st.DelayMin,
		}
		for j, a := range st.Actions {
			step.Actions = append(step.Actions, store.ChainStepAction{
				ID:       uuid.NewString(),
				StepID:   step.ID,
				Type:     a.Type,
				Position: j,
				Params:   a.Params,
			})
		}
		steps = append(steps, step)
	}
	var scheds []store.ChainSchedule
	for _, sc := range req.Schedules {
		scheds = append(scheds, store.ChainSchedule{
			ID:        uuid.NewString(),
			ChainID:   chainID,
			Weekday:   sc.Weekday,
			StartTime: sc.StartTime,
			EndTime:   sc.EndTime,
		})
	}
	return conds, steps, scheds
}

func (s *Server) handleListChains(w http.ResponseWriter, r *http.Request) {
	agent := s.ownedAgent(w, r)
	if agent == nil {
		return
	}
	chains, err := s.store.ListChains(r.Context(), agent.ID)
	if err != nil {
		s.logger.Error("list chains failed", "error", err)
		writeError(w, http.StatusInternalServerError, "list failed")
		return
	}
	writeJSON(w, http.StatusOK, chains)
}

func (s *Server) handleCreateChain(w http.ResponseWriter, r *http.Request) {
	agent := s.ownedAgent(w, r)
	if agent == nil {
		return
	}

	var req chainRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}
	if req.Name == nil || *req.Name == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}

	ch := &store.Chain{
		ID:       uuid.NewString(),
		AgentID:  agent.ID,
		Name:     *req.Name,
		IsActive: true,
	}
	if req.IsActive != nil {
		ch.IsActive = *req.IsActive
	}
	ch.Conditions, ch.Steps, ch.Schedules = buildChainChildren(ch.ID, req)

	if err := s.store.CreateChain(r.Context(), ch); err != nil {
		s.logger.Error("create chain failed", "error", err)
		writeError(w, http.StatusInternalServerError, "create failed")
		return
	}
	writeJSON(w, http.StatusCreated, ch)
}

func (s *Server) ownedChain(w http.ResponseWriter, r *http.Request, agent *store.Agent) *store.Chain {
	ch, err := s.store.GetChain(r.Context(), chi.URLParam(r, "chainID"))
	if err != nil {
		s.logger.Error("get chain failed", "error", err)
		writeError(w, http.StatusInternalServerError, "lookup failed")
		return nil
	}
	if ch == nil || ch.AgentID != agent.ID {
		writeError(w, http.StatusNotFound, "chain not found")
		return nil
	}
	return ch
}

func (s *Server) handleUpdateChain(w http.ResponseWriter, r *http.Request) {
	agent := s.ownedAgent(w, r)
	if agent == nil {
		return
	}
	ch := s.ownedChain(w, r, agent)
	if ch == nil {
		return
	}

	var req chainRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}

	upd := store.ChainUpdate{Name: req.Name, IsActive: req.IsActive}
	// Each child list present in the body replaces the stored one; omitted
	// lists keep their rows.
	conds, steps, scheds := buildChainChildren(ch.ID, req)
	if req.Conditions != nil {
		if err := s.store.DeleteChainConditions(r.Context(), ch.ID); err != nil {
			s.logger.Error("replace chain conditions failed", "error", err)
			writeError(w, http.StatusInternalServerError, "update failed")
			return
		}
		upd.AppendConditions = conds
	}
	if req.Steps != nil {
		if err := s.store.DeleteChainSteps(r.Context(), ch.ID); err != nil {
			s.logger.Error("replace chain steps failed", "error", err)
			writeError(w, http.StatusInternalServerError, "update failed")
			return
		}
		upd.AppendSteps = steps
	}
	if req.Schedules != nil {
		if err := s.store.DeleteChainSchedules(r.Context(), ch.ID); err != nil {
			s.logger.Error("replace chain schedules failed", "error", err)
			writeError(w, http.StatusInternalServerError, "update failed")
			return
		}
		upd.AppendSchedules = scheds
	}

	updated, err := s.store.UpdateChain(r.Context(), ch.ID, upd)
	if err != nil {
		s.logger.Error("update chain failed", "error", err)
		writeError(w, http.StatusInternalServerError, "update failed")
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (s *Server) handleDeleteChain(w http.ResponseWriter, r *http.Request) {
	agent := s.ownedAgent(w, r)
	if agent == nil {
		return
	}
	ch := s.ownedChain(w, r, agent)
	if ch == nil {
		return
	}
	if err := s.store.DeleteChain(r.Context(), ch.ID); err != nil {
		s.logger.Error("delete chain failed", "error", err)
		writeError(w, http.StatusInternalServerError, "delete failed")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
