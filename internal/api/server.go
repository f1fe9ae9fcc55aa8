// Package api exposes the platform's HTTP surface: REST endpoints for
// agents, integrations, knowledge base, and CRM sync, plus the WebSocket
// notification stream.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"

	"github.com/worldwideservice/ai-agent-platform/internal/auth"
	"github.com/worldwideservice/ai-agent-platform/internal/config"
	"github.com/worldwideservice/ai-agent-platform/internal/gcal"
	"github.com/worldwideservice/ai-agent-platform/internal/kommo"
	"github.com/worldwideservice/ai-agent-platform/internal/notify"
	"github.com/worldwideservice/ai-agent-platform/internal/store"
)

// Server serves the platform API.
type Server struct {
	logger       *slog.Logger
	store        store.Store
	auth         *auth.Service
	sync         *kommo.SyncService
	kommoClient  *kommo.Client
	gcal         *gcal.Service
	hub          *notify.Hub
	limiter      *rateLimiter
	loginLimiter *rateLimiter
	upgrader     websocket.Upgrader

	staticDir      string
	allowedOrigins []string
	maxBodyBytes   int64
}

// Deps bundles the collaborators the server needs.
type Deps struct {
	Logger      *slog.Logger
	Store       store.Store
	Auth        *auth.Service
	Sync        *kommo.SyncService
	KommoClient *kommo.Client
	GCal        *gcal.Service
	Hub         *notify.Hub
}

// NewServer creates the API server.
func NewServer(cfg config.ServerConfig, rl config.RateLimitConfig, deps Deps) *Server {
	origins := cfg.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	maxBody := cfg.MaxBodyBytes
	if maxBody <= 0 {
		maxBody = 1 << 20
	}

	rps := rl.RequestsPerSecond
	if rps <= 0 {
		rps = 10
	}
	burst := rl.Burst
	if burst <= 0 {
		burst = 20
	}

	allowAll := len(origins) == 1 && origins[0] == "*"
	originSet := make(map[string]bool, len(origins))
	for _, o := range origins {
		originSet[o] = true
	}

	return &Server{
		logger:       deps.Logger,
		store:        deps.Store,
		auth:         deps.Auth,
		sync:         deps.Sync,
		kommoClient:  deps.KommoClient,
		gcal:         deps.GCal,
		hub:          deps.Hub,
		limiter:      newRateLimiter(rps, burst),
		loginLimiter: newRateLimiter(1, 5),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				if allowAll {
					return true
				}
				return originSet[r.Header.Get("Origin")]
			},
		},
		staticDir:      cfg.UIStaticDir,
		allowedOrigins: origins,
		maxBodyBytes:   maxBody,
	}
}

// StartCleanup launches the limiter cleanup loops bound to ctx.
func (s *Server) StartCleanup(ctx context.Context) {
	s.limiter.StartCleanup(ctx, 5*time.Minute, 30*time.Minute)
	s.loginLimiter.StartCleanup(ctx, 5*time.Minute, 30*time.Minute)
}

// Handler builds the routing tree.
func (s *Server) Handler() http.Handler {
	mux := chi.NewRouter()
	mux.Use(chimw.Recoverer)
	mux.Use(chimw.RealIP)
	mux.Use(securityHeadersMiddleware)
	mux.Use(makeCORSMiddleware(s.allowedOrigins))

	mux.Get("/healthz", s.handleHealthz)
	mux.Get("/readyz", s.handleReadyz)

	mux.Group(func(r chi.Router) {
		r.Use(loginIPRateLimitMiddleware(s.loginLimiter))
		r.Post("/api/auth/login", s.handleLogin)
	})

	mux.Get("/ws/notifications", s.handleNotificationsWS)

	// Google redirects the browser here with no Authorization header; the
	// handler authenticates via the signed state parameter instead.
	mux.Get("/api/integrations/google/callback", s.handleGoogleCallback)

	mux.Group(func(r chi.Router) {
		r.Use(s.authMiddleware)
		r.Use(rateLimitMiddleware(s.limiter))

		r.Get("/api/me", s.handleMe)
		r.Get("/api/users", requireAdmin(s.handleListUsers))
		r.Post("/api/users", requireAdmin(s.handleCreateUser))
		r.Delete("/api/users/{userID}", requireAdmin(s.handleDeleteUser))

		r.Route("/api/agents", func(r chi.Router) {
			r.Get("/", s.handleListAgents)
			r.Post("/", s.handleCreateAgent)
			r.Route("/{agentID}", func(r chi.Router) {
				r.Get("/", s.handleGetAgent)
				r.Put("/", s.handleUpdateAgent)
				r.Delete("/", s.handleDeleteAgent)

				r.Get("/triggers", s.handleListTriggers)
				r.Post("/triggers", s.handleCreateTrigger)
				r.Put("/triggers/{triggerID}", s.handleUpdateTrigger)
				r.Delete("/triggers/{triggerID}", s.handleDeleteTrigger)

				r.Get("/chains", s.handleListChains)
				r.Post("/chains", s.handleCreateChain)
				r.Put("/chains/{chainID}", s.handleUpdateChain)
				r.Delete("/chains/{chainID}", s.handleDeleteChain)

				r.Get("/contacts", s.handleListContacts)
				r.Post("/contacts", s.handleCreateContact)
				r.Put("/contacts/{contactID}", s.handleUpdateContact)
				r.Delete("/contacts/{contactID}", s.handleDeleteContact)

				r.Get("/deals", s.handleListDeals)
				r.Post("/deals", s.handleCreateDeal)
				r.Put("/deals/{dealID}", s.handleUpdateDeal)
				r.Delete("/deals/{dealID}", s.handleDeleteDeal)

				r.Get("/integrations", s.handleListIntegrations)
				r.Get("/integrations/kommo/authurl", s.handleKommoAuthURL)
				r.Post("/integrations/kommo/connect", s.handleKommoConnect)
				r.Post("/integrations/kommo/disconnect", s.handleKommoDisconnect)
				r.Post("/integrations/kommo/sync", s.handleKommoSync)
				r.Get("/integrations/kommo/stats", s.handleKommoStats)
				r.Get("/integrations/google/authurl", s.handleGoogleAuthURL)
				r.Post("/integrations/google/disconnect", s.handleGoogleDisconnect)
			})
		})

		r.Route("/api/kb", func(r chi.Router) {
			r.Get("/categories", s.handleListKBCategories)
			r.Post("/categories", s.handleCreateKBCategory)
			r.Put("/categories/{categoryID}", s.handleUpdateKBCategory)
			r.Delete("/categories/{categoryID}", s.handleDeleteKBCategory)
			r.Get("/categories/{categoryID}/articles", s.handleListKBArticles)
			r.Post("/categories/{categoryID}/articles", s.handleCreateKBArticle)
			r.Put("/articles/{articleID}", s.handleUpdateKBArticle)
			r.Delete("/articles/{articleID}", s.handleDeleteKBArticle)
		})
	})

	if s.staticDir != "" {
		mux.NotFound(s.handleStatic)
	}

	return mux
}

// --- health ---

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		writeError(w, http.StatusServiceUnavailable, "store unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// --- auth & users ---

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if !s.decodeJSON(w, r, &req) {
		return
	}

	token, user, err := s.auth.Login(r.Context(), req.Email, req.Password)
	if err != nil {
		if errors.Is(err, auth.ErrInvalidCredentials) {
			writeError(w, http.StatusUnauthorized, "invalid credentials")
			return
		}
		s.logger.Error("login failed", "error", err)
		writeError(w, http.StatusInternalServerError, "login failed")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"token": token,
		"user":  user,
	})
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	identity := getIdentityFromContext(r.Context())
	user, err := s.store.GetUserByID(r.Context(), identity.UserID)
	if err != nil {
		s.logger.Error("get user failed", "error", err)
		writeError(w, http.StatusInternalServerError, "lookup failed")
		return
	}
	if user == nil {
		writeError(w, http.StatusNotFound, "user not found")
		return
	}
	writeJSON(w, http.StatusOK, user)
}

func (s *Server) handleListUsers(w http.ResponseWriter, r *http.Request) {
	users, err := s.store.ListUsers(r.Context())
	if err != nil {
		s.logger.Error("list users failed", "error", err)
		writeError(w, http.StatusInternalServerError, "list failed")
		return
	}
	writeJSON(w, http.StatusOK, users)
}

func (s *Server) handleCreateUser(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email    string `json:"email"`
		Name     string `json:"name"`
		Password string `json:"password"`
	}
	if !s.decodeJSON(w, r, &req) {
		return
	}
	if req.Email == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, "email and password are required")
		return
	}

	user, err := s.auth.Register(r.Context(), req.Email, req.Name, req.Password)
	if err != nil {
		if errors.Is(err, auth.ErrUserExists) {
			writeError(w, http.StatusConflict, "user already exists")
			return
		}
		s.logger.Error("create user failed", "error", err)
		writeError(w, http.StatusInternalServerError, "create failed")
		return
	}
	writeJSON(w, http.StatusCreated, user)
}

func (s *Server) handleDeleteUser(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "userID")
	if err := s.store.DeleteUser(r.Context(), id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "user not found")
			return
		}
		s.logger.Error("delete user failed", "error", err)
		writeError(w, http.StatusInternalServerError, "delete failed")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- websocket notifications ---

// handleNotificationsWS authenticates via the token query parameter since
// browsers cannot set headers on WebSocket dials.
func (s *Server) handleNotificationsWS(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" {
		writeError(w, http.StatusUnauthorized, "missing token")
		return
	}
	identity, err := s.auth.ValidateToken(r.Context(), token)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "invalid token")
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return // Upgrade already wrote the response
	}

	if !s.hub.Subscribe(identity.UserID, conn) {
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "too many connections"),
			time.Now().Add(time.Second))
		conn.Close()
		return
	}

	// Drain the reader so pings and close frames are processed.
	go func() {
		defer func() {
			s.hub.Unsubscribe(identity.UserID, conn)
			conn.Close()
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

// --- static SPA ---

func (s *Server) handleStatic(w http.ResponseWriter, r *http.Request) {
	if strings.HasPrefix(r.URL.Path, "/api/") || strings.HasPrefix(r.URL.Path, "/ws/") {
		writeError(w, http.StatusNotFound, "not found")
		return
	}

	path := filepath.Join(s.staticDir, filepath.Clean("/"+r.URL.Path))
	if info, err := os.Stat(path); err == nil && !info.IsDir() {
		http.ServeFile(w, r, path)
		return
	}
	// Client-side routes fall through to the SPA entry point.
	http.ServeFile(w, r, filepath.Join(s.staticDir, "index.html"))
}

// --- helpers ---

func (s *Server) decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
