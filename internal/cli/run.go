package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/worldwideservice/ai-agent-platform/internal/config"
	"github.com/worldwideservice/ai-agent-platform/internal/platform"
)

func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run [config-file]",
		Short: "Start the platform server (default when no subcommand is given)",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runRun,
	}
}

func runRun(cmd *cobra.Command, args []string) error {
	configPath := resolveConfigPath(cmd, args, "agentd.json")

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("error: %w", err)
	}

	logger := newLogger(cfg.Logging)

	p, err := platform.New(cfg, logger)
	if err != nil {
		logger.Error("failed to initialize platform", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		logger.Info("received signal, shutting down", "signal", sig)
		cancel()
	}()

	logger.Info("agentd starting", "version", version, "config", configPath)

	if err := p.Run(ctx); err != nil && err != context.Canceled {
		logger.Error("platform error", "error", err)
		os.Exit(1)
	}

	logger.Info("agentd stopped")
	return nil
}

func newLogger(cfg config.LoggingConfig) *slog.Logger {
	level := slog.LevelInfo
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.Format == "text" {
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}

// resolveConfigPath returns the config file path from (in priority order):
// 1. Positional argument
// 2. --config / -c flag
// 3. Default value
func resolveConfigPath(cmd *cobra.Command, args []string, defaultPath string) string {
	if len(args) > 0 {
		return args[0]
	}
	if f := cmd.Flag("config"); f != nil && f.Changed {
		return f.Value.String()
	}
	if f := cmd.Root().PersistentFlags().Lookup("config"); f != nil && f.Changed {
		return f.Value.String()
	}
	return defaultPath
}
