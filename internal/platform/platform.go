// Package platform ties the stores and services together into one process.
package platform

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/worldwideservice/ai-agent-platform/internal/api"
	"github.com/worldwideservice/ai-agent-platform/internal/auth"
	"github.com/worldwideservice/ai-agent-platform/internal/config"
	"github.com/worldwideservice/ai-agent-platform/internal/gcal"
	"github.com/worldwideservice/ai-agent-platform/internal/kommo"
	"github.com/worldwideservice/ai-agent-platform/internal/notify"
	"github.com/worldwideservice/ai-agent-platform/internal/store"
)

// Platform is the main server process.
type Platform struct {
	cfg    *config.Config
	store  store.Store
	api    *api.Server
	logger *slog.Logger
}

// New creates a platform from configuration.
func New(cfg *config.Config, logger *slog.Logger) (*Platform, error) {
	db, err := store.New(cfg.Storage.Driver, cfg.Storage.DSN)
	if err != nil {
		return nil, fmt.Errorf("init storage: %w", err)
	}

	authSvc := auth.NewService(db, cfg.Auth)
	if err := authSvc.Bootstrap(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("bootstrap auth: %w", err)
	}

	hub := notify.NewHub(logger)
	kommoClient := kommo.NewClient(db, cfg.Kommo, cfg.Sync, logger)
	syncSvc := kommo.NewSyncService(db, kommoClient, hub, logger)
	gcalSvc := gcal.NewService(db, cfg.Google, logger)

	apiSrv := api.NewServer(cfg.Server, cfg.RateLimit, api.Deps{
		Logger:      logger,
		Store:       db,
		Auth:        authSvc,
		Sync:        syncSvc,
		KommoClient: kommoClient,
		GCal:        gcalSvc,
		Hub:         hub,
	})

	p := &Platform{
		cfg:    cfg,
		store:  db,
		api:    apiSrv,
		logger: logger.With("component", "platform"),
	}

	// Startup validation warnings.
	if cfg.Auth.InitialAdmin != nil &&
		cfg.Auth.InitialAdmin.Email == "admin@example.com" && cfg.Auth.InitialAdmin.Password == "admin" {
		logger.Warn("default admin credentials detected, change immediately in production")
	}
	for _, origin := range cfg.Server.AllowedOrigins {
		if origin == "*" {
			logger.Warn("CORS allowed_origins contains wildcard '*', restrict to specific origins in production")
			break
		}
	}
	if cfg.Kommo.ClientID == "" {
		logger.Warn("kommo.client_id not set, CRM integration is disabled")
	}
	if cfg.Server.UIStaticDir != "" {
		if _, err := os.Stat(cfg.Server.UIStaticDir); os.IsNotExist(err) {
			logger.Warn("UI static directory does not exist", "path", cfg.Server.UIStaticDir)
		}
	}

	return p, nil
}

// Run starts the HTTP server and blocks until the context is canceled.
func (p *Platform) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:    p.cfg.Server.Addr,
		Handler: p.api.Handler(),
	}

	// Rate limiter bucket cleanup.
	p.api.StartCleanup(ctx)

	errCh := make(chan error, 1)
	go func() {
		p.logger.Info("platform listening", "addr", p.cfg.Server.Addr)
		if p.cfg.Server.TLSCert != "" && p.cfg.Server.TLSKey != "" {
			errCh <- srv.ListenAndServeTLS(p.cfg.Server.TLSCert, p.cfg.Server.TLSKey)
		} else {
			p.logger.Warn("TLS not configured, running without encryption (development only)")
			errCh <- srv.ListenAndServe()
		}
	}()

	select {
	case <-ctx.Done():
		p.logger.Info("shutting down gracefully")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			p.logger.Warn("graceful shutdown failed, forcing close", "error", err)
			_ = srv.Close()
		}

		_ = p.store.Close()
		p.logger.Info("shutdown complete")
		return ctx.Err()

	case err := <-errCh:
		_ = p.store.Close()
		return err
	}
}
