package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/worldwideservice/ai-agent-platform/internal/store"
)

// --- contacts ---

func (s *Server) handleListContacts(w http.ResponseWriter, r *http.Request) {
	agent := s.ownedAgent(w, r)
	if agent == nil {
		return
	}
	contacts, err := s.store.ListContacts(r.Context(), agent.ID)
	if err != nil {
		s.logger.Error("list contacts failed", "error", err)
		writeError(w, http.StatusInternalServerError, "list failed")
		return
	}
	writeJSON(w, http.StatusOK, contacts)
}

func (s *Server) handleCreateContact(w http.ResponseWriter, r *http.Request) {
	agent := s.ownedAgent(w, r)
	if agent == nil {
		return
	}

	var req struct {
		Name         string `json:"name"`
		Phone        string `json:"phone"`
		Email        string `json:"email"`
		CRMContactID string `json:"crm_contact_id"`
	}
	if !s.decodeJSON(w, r, &req) {
		return
	}
	if req.Name == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}

	c := &store.Contact{
		ID:           uuid.NewString(),
		AgentID:      agent.ID,
		Name:         req.Name,
		Phone:        req.Phone,
		Email:        req.Email,
		CRMContactID: req.CRMContactID,
	}
	if err := s.store.CreateContact(r.Context(), c); err != nil {
		s.logger.Error("create contact failed", "error", err)
		writeError(w, http.StatusInternalServerError, "create failed")
		return
	}
	writeJSON(w, http.StatusCreated, c)
}

func (s *Server) ownedContact(w http.ResponseWriter, r *http.Request, agent *store.Agent) *store.Contact {
	c, err := s.store.GetContact(r.Context(), chi.URLParam(r, "contactID"))
	if err != nil {
		s.logger.Error("get contact failed", "error", err)
		writeError(w, http.StatusInternalServerError, "lookup failed")
		return nil
	}
	if c == nil || c.AgentID != agent.ID {
		writeError(w, http.StatusNotFound, "contact not found")
		return nil
	}
	return c
}

func (s *Server) handleUpdateContact(w http.ResponseWriter, r *http.Request) {
	agent := s.ownedAgent(w, r)
	if agent == nil {
		return
	}
	c := s.ownedContact(w, r, agent)
	if c == nil {
		return
	}

	var req struct {
		Name         *string `json:"name"`
		Phone        *string `json:"phone"`
		Email        *string `json:"email"`
		CRMContactID *string `json:"crm_contact_id"`
	}
	if !s.decodeJSON(w, r, &req) {
		return
	}

	updated, err := s.store.UpdateContact(r.Context(), c.ID, store.ContactUpdate{
		Name:         req.Name,
		Phone:        req.Phone,
		Email:        req.Email,
		CRMContactID: req.CRMContactID,
	})
	if err != nil {
		s.logger.Error("update contact failed", "error", err)
		writeError(w, http.StatusInternalServerError, "update failed")
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (s *Server) handleDeleteContact(w http.ResponseWriter, r *http.Request) {
	agent := s.ownedAgent(w, r)
	if agent == nil {
		return
	}
	c := s.ownedContact(w, r, agent)
	if c == nil {
		return
	}
	if err := s.store.DeleteContact(r.Context(), c.ID); err != nil {
		s.logger.Error("delete contact failed", "error", err)
		writeError(w, http.StatusInternalServerError, "delete failed")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- deals ---

func (s *Server) handleListDeals(w http.ResponseWriter, r *http.Request) {
	agent := s.ownedAgent(w, r)
	if agent == nil {
		return
	}
	deals, err := s.store.ListDeals(r.Context(), agent.ID)
	if err != nil {
		s.logger.Error("list deals failed", "error", err)
		writeError(w, http.StatusInternalServerError, "list failed")
		return
	}
	writeJSON(w, http.StatusOK, deals)
}

func (s *Server) handleCreateDeal(w http.ResponseWriter, r *http.Request) {
	agent := s.ownedAgent(w, r)
	if agent == nil {
		return
	}

	var req struct {
		Title      string  `json:"title"`
		Price      float64 `json:"price"`
		PipelineID string  `json:"pipeline_id"`
		StageID    string  `json:"stage_id"`
		CRMDealID  string  `json:"crm_deal_id"`
	}
	if !s.decodeJSON(w, r, &req) {
		return
	}
	if req.Title == "" {
		writeError(w, http.StatusBadRequest, "title is required")
		return
	}

	d := &store.Deal{
		ID:         uuid.NewString(),
		AgentID:    agent.ID,
		Title:      req.Title,
		Price:      req.Price,
		PipelineID: req.PipelineID,
		StageID:    req.StageID,
		CRMDealID:  req.CRMDealID,
	}
	if err := s.store.CreateDeal(r.Context(), d); err != nil {
		s.logger.Error("create deal failed", "error", err)
		writeError(w, http.StatusInternalServerError, "create failed")
		return
	}
	writeJSON(w, http.StatusCreated, d)
}

func (s *Server) ownedDeal(w http.ResponseWriter, r *http.Request, agent *store.Agent) *store.Deal {
	d, err := s.store.GetDeal(r.Context(), chi.URLParam(r, "dealID"))
	if err != nil {
		s.logger.Error("get deal failed", "error", err)
		writeError(w, http.StatusInternalServerError, "lookup failed")
		return nil
	}
	if d == nil || d.AgentID != agent.ID {
		writeError(w, http.StatusNotFound, "deal not found")
		return nil
	}
	return d
}

func (s *Server) handleUpdateDeal(w http.ResponseWriter, r *http.Request) {
	agent := s.ownedAgent(w, r)
	if agent == nil {
		return
	}
	d := s.ownedDeal(w, r, agent)
	if d == nil {
		return
	}

	var req struct {
		Title      *string  `json:"title"`
		Price      *float64 `json:"price"`
		PipelineID *string  `json:"pipeline_id"`
		StageID    *string  `json:"stage_id"`
		CRMDealID  *string  `json:"crm_deal_id"`
	}
	if !s.decodeJSON(w, r, &req) {
		return
	}

	updated, err := s.store.UpdateDeal(r.Context(), d.ID, store.DealUpdate{
		Title:      req.Title,
		Price:      req.Price,
		PipelineID: req.PipelineID,
		StageID:    req.StageID,
		CRMDealID:  req.CRMDealID,
	})
	if err != nil {
		s.logger.Error("update deal failed", "error", err)
		writeError(w, http.StatusInternalServerError, "update failed")
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (s *Server) handleDeleteDeal(w http.ResponseWriter, r *http.Request) {
	agent := s.ownedAgent(w, r)
	if agent == nil {
		return
	}
	d := s.ownedDeal(w, r, agent)
	if d == nil {
		return
	}
	if err := s.store.DeleteDeal(r.Context(), d.ID); err != nil {
		s.logger.Error("delete deal failed", "error", err)
		writeError(w, http.StatusInternalServerError, "delete failed")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- knowledge base ---

func (s *Server) handleListKBCategories(w http.ResponseWriter, r *http.Request) {
	identity := getIdentityFromContext(r.Context())
	cats, err := s.store.ListKBCategories(r.Context(), identity.UserID)
	if err != nil {
		s.logger.Error("list kb categories failed", "error", err)
		writeError(w, http.StatusInternalServerError, "list failed")
		return
	}
	writeJSON(w, http.StatusOK, cats)
}

func (s *Server) handleCreateKBCategory(w http.ResponseWriter, r *http.Request) {
	identity := getIdentityFromContext(r.Context())

	var req struct {
		Name     string `json:"name"`
		Position int    `json:"position"`
	}
	if !s.decodeJSON(w, r, &req) {
		return
	}
	if req.Name == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}

	cat := &store.KBCategory{
		ID:       uuid.NewString(),
		UserID:   identity.UserID,
		Name:     req.Name,
		Position: req.Position,
	}
	if err := s.store.CreateKBCategory(r.Context(), cat); err != nil {
		s.logger.Error("create kb category failed", "error", err)
		writeError(w, http.StatusInternalServerError, "create failed")
		return
	}
	writeJSON(w, http.StatusCreated, cat)
}

// ownedKBCategory resolves a category by the given URL parameter and
// enforces ownership.
func (s *Server) ownedKBCategory(w http.ResponseWriter, r *http.Request, param string) *store.KBCategory {
	identity := getIdentityFromContext(r.Context())
	cat, err := s.store.GetKBCategory(r.Context(), chi.URLParam(r, param))
	if err != nil {
		s.logger.Error("get kb category failed", "error", err)
		writeError(w, http.StatusInternalServerError, "lookup failed")
		return nil
	}
	if cat == nil {
		writeError(w, http.StatusNotFound, "category not found")
		return nil
	}
	if cat.UserID != identity.UserID && identity.Role != "admin" {
		writeError(w, http.StatusForbidden, "forbidden")
		return nil
	}
	return cat
}

func (s *Server) handleUpdateKBCategory(w http.ResponseWriter, r *http.Request) {
	cat := s.ownedKBCategory(w, r, "categoryID")
	if cat == nil {
		return
	}

	var req struct {
		Name     *string `json:"name"`
		Position *int    `json:"position"`
	}
	if !s.decodeJSON(w, r, &req) {
		return
	}

	updated, err := s.store.UpdateKBCategory(r.Context(), cat.ID, store.KBCategoryUpdate{
		Name:     req.Name,
		Position: req.Position,
	})
	if err != nil {
		s.logger.Error("update kb category failed", "error", err)
		writeError(w, http.StatusInternalServerError, "update failed")
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (s *Server) handleDeleteKBCategory(w http.ResponseWriter, r *http.Request) {
	cat := s.ownedKBCategory(w, r, "categoryID")
	if cat == nil {
		return
	}
	if err := s.store.DeleteKBCategory(r.Context(), cat.ID); err != nil {
		s.logger.Error("delete kb category failed", "error", err)
		writeError(w, http.StatusInternalServerError, "delete failed")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListKBArticles(w http.ResponseWriter, r *http.Request) {
	cat := s.ownedKBCategory(w, r, "categoryID")
	if cat == nil {
		return
	}
	articles, err := s.store.ListKBArticles(r.Context(), cat.ID)
	if err != nil {
		s.logger.Error("list kb articles failed", "error", err)
		writeError(w, http.StatusInternalServerError, "list failed")
		return
	}
	writeJSON(w, http.StatusOK, articles)
}

func (s *Server) handleCreateKBArticle(w http.ResponseWriter, r *http.Request) {
	cat := s.ownedKBCategory(w, r, "categoryID")
	if cat == nil {
		return
	}

	var req struct {
		Title       string `json:"title"`
		Content     string `json:"content"`
		IsPublished bool   `json:"is_published"`
	}
	if !s.decodeJSON(w, r, &req) {
		return
	}
	if req.Title == "" {
		writeError(w, http.StatusBadRequest, "title is required")
		return
	}

	art := &store.KBArticle{
		ID:          uuid.NewString(),
		CategoryID:  cat.ID,
		Title:       req.Title,
		Content:     req.Content,
		IsPublished: req.IsPublished,
	}
	if err := s.store.CreateKBArticle(r.Context(), art); err != nil {
		s.logger.Error("create kb article failed", "error", err)
		writeError(w, http.StatusInternalServerError, "create failed")
		return
	}
	writeJSON(w, http.StatusCreated, art)
}

// ownedKBArticle resolves {articleID} and checks ownership via its category.
func (s *Server) ownedKBArticle(w http.ResponseWriter, r *http.Request) *store.KBArticle {
	identity := getIdentityFromContext(r.Context())
	art, err := s.store.GetKBArticle(r.Context(), chi.URLParam(r, "articleID"))
	if err != nil {
		s.logger.Error("get kb article failed", "error", err)
		writeError(w, http.StatusInternalServerError, "lookup failed")
		return nil
	}
	if art == nil {
		writeError(w, http.StatusNotFound, "article not found")
		return nil
	}
	cat, err := s.store.GetKBCategory(r.Context(), art.CategoryID)
	if err != nil || cat == nil {
		writeError(w, http.StatusNotFound, "article not found")
		return nil
	}
	if cat.UserID != identity.UserID && identity.Role != "admin" {
		writeError(w, http.StatusForbidden, "forbidden")
		return nil
	}
	return art
}

func (s *Server) handleUpdateKBArticle(w http.ResponseWriter, r *http.Request) {
	art := s.ownedKBArticle(w, r)
	if art == nil {
		return
	}

	var req struct {
		Title       *string `json:"title"`
		Content     *string `json:"content"`
		IsPublished *bool   `json:"is_published"`
	}
	if !s.decodeJSON(w, r, &req) {
		return
	}

	updated, err := s.store.UpdateKBArticle(r.Context(), art.ID, store.KBArticleUpdate{
		Title:       req.Title,
		Content:     req.Content,
		IsPublished: req.IsPublished,
	})
	if err != nil {
		s.logger.Error("update kb article failed", "error", err)
		writeError(w, http.StatusInternalServerError, "update failed")
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (s *Server) handleDeleteKBArticle(w http.ResponseWriter, r *http.Request) {
	art := s.ownedKBArticle(w, r)
	if art == nil {
		return
	}
	if err := s.store.DeleteKBArticle(r.Context(), art.ID); err != nil {
		s.logger.Error("delete kb article failed", "error", err)
		writeError(w, http.StatusInternalServerError, "delete failed")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
