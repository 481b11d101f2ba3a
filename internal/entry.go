// Package internal provides the main application initialization and runtime logic.
package internal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/sync/errgroup"

	"github.com/starford/heirloom/internal/api"
	"github.com/starford/heirloom/internal/keyring"
	"github.com/starford/heirloom/internal/keywatch"
	"github.com/starford/heirloom/internal/mcpserver"
	"github.com/starford/heirloom/internal/models"
	"github.com/starford/heirloom/internal/notify"
	"github.com/starford/heirloom/internal/securestore"
	"github.com/starford/heirloom/internal/session"
	"github.com/starford/heirloom/internal/store"
	"github.com/starford/heirloom/internal/syncsched"
	"github.com/starford/heirloom/internal/vault"
)

// Run starts the application with the given options.
func Run(ctx context.Context, opts ...Option) error {
	app := &application{}

	for _, opt := range opts {
		opt(app)
	}

	if app.config == nil {
		return fmt.Errorf("config is required")
	}

	cfg := app.config

	// Initialize structured JSON logger. MCP mode logs to stderr so stdout
	// stays reserved for the protocol stream.
	logOut := os.Stdout
	if app.mcpMode {
		logOut = os.Stderr
	}
	logger := slog.New(slog.NewJSONHandler(logOut, &slog.HandlerOptions{
		Level: cfg.App.LogLevel,
	}))
	slog.SetDefault(logger)

	logger.Info("Configuration loaded",
		slog.String("http_address", cfg.App.HTTP.Address()),
		slog.String("sqlite_path", cfg.Data.SQLitePath),
		slog.String("keys_dir", cfg.Keys.Dir),
		slog.String("sync_mode", string(cfg.Sync.Mode)),
		slog.String("log_level", cfg.App.LogLevel.String()))

	// Ensure data directories exist.
	if err := os.MkdirAll(filepath.Dir(cfg.Data.SQLitePath), 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	// Key material store.
	secStore, err := securestore.NewFS(cfg.Keys.Dir)
	if err != nil {
		return fmt.Errorf("init secure store: %w", err)
	}

	// Record database.
	db, err := store.Open(cfg.Data.SQLitePath)
	if err != nil {
		return fmt.Errorf("init store: %w", err)
	}
	defer db.Close()

	// Change feed.
	broker := notify.NewBroker()
	defer broker.Close()

	// Sync scheduler. The trigger hook only announces the request; a
	// companion process watching the change feed performs the transfer.
	var scheduler *syncsched.Scheduler
	scheduler = syncsched.New(cfg.Sync.Interval.Std(), func() {
		broker.Publish(notify.Event{Type: "sync.requested", Data: map[string]string{
			"mode": string(scheduler.Mode()),
		}})
	}, logger)

	audit, err := store.NewAuditLog(db, scheduler.Mode)
	if err != nil {
		return fmt.Errorf("init audit log: %w", err)
	}
	scheduler.SetAuditLog(audit)

	if cfg.Sync.Mode != models.SyncModeLocalOnly {
		if err := scheduler.SetSyncMode(ctx, cfg.Sync.Mode); err != nil {
			return fmt.Errorf("set sync mode: %w", err)
		}
	}

	// Keyring and legacy-key migration.
	keys := keyring.New(secStore, logger)
	if cfg.Keys.AutoUnlock {
		if _, err := keys.GetOrCreateUserKeys(ctx, cfg.Keys.UserID); err != nil {
			return fmt.Errorf("load user keys: %w", err)
		}
		if err := runMigration(ctx, keys, secStore, audit, logger); err != nil {
			logger.Warn("legacy key migration failed", slog.String("error", err.Error()))
		}
	}

	// Vault service.
	svc := vault.New(db, keys, audit, scheduler, broker, logger)

	// Inactivity monitor.
	monitor := session.New(session.Config{
		InactivityThreshold: cfg.Session.InactivityThreshold.Std(),
		CheckInterval:       cfg.Session.CheckInterval.Std(),
	}, keys, scheduler, audit, broker, logger)

	// The background loops below exit on context cancellation, so every
	// terminal path (stdio EOF, HTTP shutdown) must cancel runCtx.
	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()

	g, gCtx := errgroup.WithContext(runCtx)

	g.Go(func() error {
		return monitor.Run(gCtx)
	})
	g.Go(func() error {
		return scheduler.Run(gCtx)
	})
	g.Go(func() error {
		return keywatch.Watch(gCtx, secStore.Dir(), audit, logger)
	})

	if app.mcpMode {
		srv := mcpserver.New(svc, keys, scheduler, audit)
		logger.Info("Starting MCP server on stdio")
		g.Go(func() error {
			defer cancelRun()
			return srv.ServeStdio()
		})
		return g.Wait()
	}

	// Build API handler and router.
	h := api.NewHandler(svc, keys, scheduler, monitor, audit)
	apiRouter := api.NewRouter(h, cfg.Auth.AuthEnabled(), cfg.Auth.Token, monitor, broker)

	// Build chi router.
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	// Health check endpoints (unauthenticated).
	r.Get("/health/live", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Get("/health/ready", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	// Mount API routes under /api.
	r.Mount("/api", apiRouter)

	httpServer := &http.Server{
		Addr:    cfg.App.HTTP.Address(),
		Handler: r,
	}

	logger.Info("Server starting...", slog.String("http_address", cfg.App.HTTP.Address()))

	// Start HTTP server.
	g.Go(func() error {
		logger.Info("Starting HTTP server", slog.String("address", cfg.App.HTTP.Address()))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP server error: %w", err)
		}
		return nil
	})

	// Handle shutdown signals.
	g.Go(func() error {
		defer cancelRun()
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

		select {
		case sig := <-quit:
			logger.Info("Received shutdown signal", slog.String("signal", sig.String()))
		case <-gCtx.Done():
			logger.Info("Context cancelled, initiating shutdown")
		}

		logger.Info("Shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("HTTP server shutdown error", slog.String("error", err.Error()))
		}

		return nil
	})

	if err := g.Wait(); err != nil {
		logger.Error("Application error", slog.String("error", err.Error()))
		return err
	}

	logger.Info("Server stopped successfully")
	return nil
}

// runMigration moves a plaintext legacy key into encrypted storage and, once
// the new record verifies, removes the legacy copy.
func runMigration(ctx context.Context, keys *keyring.Manager, secStore securestore.Store, audit *store.AuditLog, logger *slog.Logger) error {
	migrator := keyring.NewMigrator(keys, secStore, audit, logger)

	needed, err := migrator.IsMigrationNeeded(ctx)
	if err != nil {
		return fmt.Errorf("check migration: %w", err)
	}
	if !needed {
		return nil
	}

	logger.Info("Migrating legacy encryption key")
	ok, err := migrator.Migrate(ctx)
	if err != nil {
		return fmt.Errorf("migrate legacy key: %w", err)
	}
	if !ok {
		return fmt.Errorf("legacy key migration did not complete")
	}

	verified, err := migrator.VerifyMigration(ctx)
	if err != nil {
		return fmt.Errorf("verify migration: %w", err)
	}
	if !verified {
		logger.Warn("Migrated key did not verify, keeping legacy copy")
		return nil
	}

	if err := migrator.Cleanup(ctx); err != nil {
		return fmt.Errorf("cleanup legacy key: %w", err)
	}
	logger.Info("Legacy encryption key migrated and cleaned up")
	return nil
}
