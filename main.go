// agentd - session orchestrator for a headless coding agent
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/workspace/agentd/internal/auth"
	"github.com/workspace/agentd/internal/config"
	"github.com/workspace/agentd/internal/logging"
	"github.com/workspace/agentd/internal/persistence"
	"github.com/workspace/agentd/internal/registry"
	"github.com/workspace/agentd/internal/server"
	"github.com/workspace/agentd/internal/workspace"
)

func main() {
	logging.Setup()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	slog.Info("Configuration loaded",
		"port", cfg.Port,
		"agent", cfg.AgentCommand,
		"maxSessions", cfg.MaxConcurrentSessions,
		"workspaceRoot", cfg.WorkspaceRoot)

	// An unusable workspace root means no session can ever be provisioned,
	// so refuse to start.
	workspaces, err := workspace.NewManager(workspace.ManagerConfig{
		Root:        cfg.WorkspaceRoot,
		ArchiveRoot: cfg.WorkspaceArchiveRoot,
	})
	if err != nil {
		slog.Error("Failed to prepare workspace root", "error", err)
		os.Exit(1)
	}

	if err := os.MkdirAll(filepath.Dir(cfg.PersistenceDBPath), 0o755); err != nil {
		slog.Error("Failed to create persistence directory", "error", err)
		os.Exit(1)
	}
	store, err := persistence.Open(cfg.PersistenceDBPath)
	if err != nil {
		slog.Error("Failed to open persistence store", "error", err)
		os.Exit(1)
	}

	reg := registry.New(registry.Config{
		MaxConcurrent:    cfg.MaxConcurrentSessions,
		DefaultGrace:     cfg.DefaultGracePeriod,
		MaxGrace:         cfg.MaxGracePeriod,
		Retention:        cfg.SessionRetention,
		Watchdog:         cfg.WatchdogTimeout,
		EventBufferSize:  cfg.EventBufferSize,
		RetainWorkspaces: cfg.RetainWorkspaces,
		Agent: registry.AgentConfig{
			Command: cfg.AgentCommand,
			Args:    cfg.AgentArgs,
			UsePTY:  cfg.AgentUsePTY,
		},
	}, workspaces, store)

	// Auth is optional: with no JWKS endpoint the API is open, which is
	// the expected deployment behind a trusted reverse proxy.
	var validator *auth.JWTValidator
	if cfg.JWKSEndpoint != "" {
		validator, err = auth.NewJWTValidator(cfg.JWKSEndpoint, cfg.JWTAudience, cfg.JWTIssuer)
		if err != nil {
			slog.Error("Failed to create JWT validator", "error", err)
			os.Exit(1)
		}
		slog.Info("JWT authentication enabled", "issuer", cfg.JWTIssuer, "audience", cfg.JWTAudience)
	}

	srv := server.New(cfg, reg, validator)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	select {
	case err := <-errCh:
		slog.Error("Server error", "error", err)
		store.Close()
		os.Exit(1)
	case sig := <-sigCh:
		slog.Info("Received signal, draining sessions", "signal", sig.String())
	}

	// Drain: cancel every live session and give each the shutdown grace
	// to exit cooperatively before escalating.
	forced := reg.Drain(cfg.ShutdownGrace)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Stop(ctx); err != nil {
		slog.Warn("Error during HTTP shutdown", "error", err)
	}

	if err := store.Close(); err != nil {
		slog.Warn("Failed to close persistence store", "error", err)
	}

	if forced > 0 {
		slog.Warn("Shutdown forced termination of sessions", "count", forced)
		os.Exit(1)
	}
	slog.Info("Shutdown complete")
}
