// Ledgerline Session Core
//
// This is the main entry point for sessiond, the daemon that owns the
// authenticated session for Ledgerline client shells on this machine:
//   - Device-bound login, MFA, token rotation, idle logout
//   - Encrypted session persistence across restarts
//   - Cross-client session sync (one logout ends the session everywhere)
//   - Local HTTP/WebSocket API for UI shells
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	_ "github.com/ledgerline/session-core/migrations"

	"github.com/ledgerline/session-core/internal/api"
	"github.com/ledgerline/session-core/internal/audit"
	"github.com/ledgerline/session-core/internal/authapi"
	"github.com/ledgerline/session-core/internal/infrastructure/config"
	"github.com/ledgerline/session-core/internal/infrastructure/database"
	"github.com/ledgerline/session-core/internal/infrastructure/logging"
	"github.com/ledgerline/session-core/internal/infrastructure/syncbus"
	"github.com/ledgerline/session-core/internal/infrastructure/telemetry"
	"github.com/ledgerline/session-core/internal/session"
	"github.com/ledgerline/session-core/internal/vault"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"     // Semantic version (e.g., "1.0.0")
	commit  = "unknown" // Git commit hash
	date    = "unknown" // Build date
)

// Default configuration file path
const defaultConfigPath = "configs/config.yaml"

// sessionScope names the sync-bus scope all clients of this logical
// user session share.
const sessionScope = "primary"

func main() {
	// Cancel on interrupt signals (Ctrl+C, SIGTERM) for graceful shutdown.
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run is the actual application logic, separated from main for testability.
// Returning an error allows main to handle exit codes consistently.
//
// Parameters:
//   - ctx: Context for cancellation and shutdown signals
//
// Returns:
//   - error: nil on clean shutdown, or error describing failure
func run(ctx context.Context) error { //nolint:gocognit,gocyclo,funlen // linear component wiring: each block is one dependency
	// Use default logger until config is loaded
	log := logging.Default()
	log.Info("starting Ledgerline Session Core",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	// Load configuration
	configPath := getConfigPath()
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	log.Info("configuration loaded", "path", configPath)

	// Reinitialise logger with config settings
	log = logging.New(cfg.Logging, version)
	log.Info("logger initialised",
		"level", cfg.Logging.Level,
		"format", cfg.Logging.Format,
	)

	// Open the vault database
	db, err := database.Open(database.Config{
		Path:        cfg.Vault.Path,
		WALMode:     cfg.Vault.WALMode,
		BusyTimeout: cfg.Vault.BusyTimeout,
	})
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer func() {
		log.Info("closing database")
		if closeErr := db.Close(); closeErr != nil {
			log.Error("error closing database", "error", closeErr)
		}
	}()
	log.Info("database connected", "path", cfg.Vault.Path)

	// Run migrations
	if migrateErr := db.Migrate(ctx); migrateErr != nil {
		return fmt.Errorf("running migrations: %w", migrateErr)
	}
	log.Info("database migrations complete")

	// Encrypted session store
	store, err := vault.New(db, cfg.Vault.Passphrase)
	if err != nil {
		return fmt.Errorf("initialising vault: %w", err)
	}
	if purged, purgeErr := store.PurgeExpired(ctx); purgeErr != nil {
		log.Warn("purging expired vault records failed", "error", purgeErr)
	} else if purged > 0 {
		log.Info("purged expired vault records", "count", purged)
	}

	// Audit trail
	auditRepo := audit.NewSQLiteRepository(db.DB)
	recorder := audit.NewRecorder(auditRepo, log)

	// Connect to the sync bus (optional)
	var busClient *syncbus.Client
	if cfg.Sync.Enabled {
		busClient, err = syncbus.Connect(cfg.Sync)
		if err != nil {
			return fmt.Errorf("connecting to sync bus: %w", err)
		}
		defer func() {
			log.Info("disconnecting from sync bus")
			if closeErr := busClient.Close(); closeErr != nil {
				log.Error("error closing sync bus", "error", closeErr)
			}
		}()
		busClient.SetLogger(log)
		busClient.SetOnConnect(func() {
			log.Info("sync bus reconnected")
		})
		busClient.SetOnDisconnect(func(err error) {
			log.Warn("sync bus disconnected", "error", err)
		})
		log.Info("sync bus connected",
			"broker", fmt.Sprintf("%s:%d", cfg.Sync.Broker.Host, cfg.Sync.Broker.Port),
			"client_id", cfg.Sync.Broker.ClientID,
		)
	} else {
		log.Info("sync bus disabled")
	}

	// Connect to security telemetry (optional)
	var telemetryClient *telemetry.Client
	if cfg.Telemetry.Enabled {
		telemetryClient, err = telemetry.Connect(cfg.Telemetry)
		if err != nil {
			return fmt.Errorf("connecting to telemetry: %w", err)
		}
		defer func() {
			log.Info("closing telemetry connection")
			if closeErr := telemetryClient.Close(); closeErr != nil {
				log.Error("error closing telemetry", "error", closeErr)
			}
		}()
		telemetryClient.SetOnError(func(err error) {
			log.Error("telemetry write error", "error", err)
		})
		log.Info("telemetry connected", "url", cfg.Telemetry.URL, "bucket", cfg.Telemetry.Bucket)
	} else {
		log.Info("telemetry disabled")
	}

	// Session controller
	controller, err := session.New(session.Options{
		Backend:   authapi.New(cfg.Backend),
		Vault:     store,
		Timers:    cfg.Security.Timers,
		Logger:    log,
		Telemetry: telemetryClient,
		Audit:     recorder,
	})
	if err != nil {
		return fmt.Errorf("building session controller: %w", err)
	}
	defer controller.Close()

	if busClient != nil {
		if attachErr := controller.AttachBus(busClient, sessionScope, byte(cfg.Sync.QoS)); attachErr != nil {
			return fmt.Errorf("attaching sync bus: %w", attachErr)
		}
	}

	// API server
	server, err := api.New(api.Deps{
		Config:     cfg.API,
		WS:         cfg.WebSocket,
		Security:   cfg.Security,
		Logger:     log,
		Controller: controller,
		AuditRepo:  auditRepo,
		Version:    version,
	})
	if err != nil {
		return fmt.Errorf("building API server: %w", err)
	}
	if startErr := server.Start(ctx); startErr != nil {
		return fmt.Errorf("starting API server: %w", startErr)
	}
	defer func() {
		if closeErr := server.Close(); closeErr != nil {
			log.Error("error closing API server", "error", closeErr)
		}
	}()
	log.Info("API server started", "address", fmt.Sprintf("%s:%d", cfg.API.Host, cfg.API.Port))

	// Attempt to resume a persisted session. Failure to restore is a
	// clean unauthenticated start, not a startup error.
	if restoreErr := controller.Restore(ctx); restoreErr != nil {
		log.Warn("session restore failed closed", "error", restoreErr)
	}
	log.Info("session state settled", "state", controller.Snapshot().State)

	// Verify all connections are healthy
	if err := healthCheck(ctx, db, busClient, telemetryClient); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	log.Info("all health checks passed")

	log.Info("initialisation complete, waiting for shutdown signal")

	// Wait for shutdown signal
	<-ctx.Done()

	log.Info("shutdown signal received, cleaning up")

	// Deferred Close() calls run in reverse order:
	// 1. API server
	// 2. Controller (timers)
	// 3. Telemetry (if enabled)
	// 4. Sync bus (if enabled)
	// 5. Database

	log.Info("Ledgerline Session Core stopped")
	return nil
}

// getConfigPath returns the configuration file path.
// Uses SESSIOND_CONFIG environment variable if set, otherwise default.
func getConfigPath() string {
	if path := os.Getenv("SESSIOND_CONFIG"); path != "" {
		return path
	}
	return defaultConfigPath
}

// healthCheck verifies all infrastructure connections are healthy.
//
// Parameters:
//   - ctx: Context for timeout/cancellation
//   - db: Database connection to check
//   - busClient: Sync bus client to check (may be nil if disabled)
//   - telemetryClient: Telemetry client to check (may be nil if disabled)
//
// Returns:
//   - error: First health check failure, or nil if all healthy
func healthCheck(ctx context.Context, db *database.DB, busClient *syncbus.Client, telemetryClient *telemetry.Client) error {
	if err := db.HealthCheck(ctx); err != nil {
		return fmt.Errorf("database: %w", err)
	}

	if busClient != nil {
		if err := busClient.HealthCheck(ctx); err != nil {
			return fmt.Errorf("sync bus: %w", err)
		}
	}

	if telemetryClient != nil {
		if err := telemetryClient.HealthCheck(ctx); err != nil {
			return fmt.Errorf("telemetry: %w", err)
		}
	}

	return nil
}
