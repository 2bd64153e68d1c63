// discoveryd - network control daemon for Coherent Discovery lasers.
//
// The daemon owns the instrument's serial port, polls its state on a
// fixed interval, and exposes it over HTTP and WebSocket so any number
// of observers and exactly one controlling client can share it.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/opticlab/discovery-core/internal/control"
	"github.com/opticlab/discovery-core/internal/infrastructure/config"
	"github.com/opticlab/discovery-core/internal/infrastructure/logging"
	"github.com/opticlab/discovery-core/internal/laser"
	"github.com/opticlab/discovery-core/internal/telemetry"
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

func main() {
	// Cancel on interrupt signals (Ctrl+C, SIGTERM) for graceful shutdown
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
func run(ctx context.Context) error {
	// Use default logger until config is loaded
	log := logging.Default()
	log.Info("starting discoveryd",
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

	// Connect to the instrument
	ctrl, err := laser.Open(ctx, cfg.Laser, log)
	if err != nil {
		return fmt.Errorf("opening laser: %w", err)
	}
	defer func() {
		log.Info("closing laser connection")
		if closeErr := ctrl.Close(); closeErr != nil {
			log.Error("error closing laser", "error", closeErr)
		}
	}()
	log.Info("laser connected",
		"serial_number", ctrl.SerialNumber(),
		"simulated", cfg.Laser.Simulated,
	)

	// Connect to the telemetry broker (optional)
	var publisher *telemetry.Publisher
	if cfg.Telemetry.Enabled {
		publisher, err = telemetry.Connect(cfg.Telemetry, ctrl.SerialNumber(), log)
		if err != nil {
			return fmt.Errorf("connecting to telemetry broker: %w", err)
		}
		defer func() {
			log.Info("disconnecting from telemetry broker")
			if closeErr := publisher.Close(); closeErr != nil {
				log.Error("error closing telemetry", "error", closeErr)
			}
		}()
	} else {
		log.Info("telemetry disabled")
	}

	// Start the control server
	server, err := control.New(control.Deps{
		Config:         cfg.Server,
		WS:             cfg.WebSocket,
		Logger:         log,
		Laser:          ctrl,
		CommandTimeout: cfg.Laser.CommandTimeout.Std(),
		Version:        version,
	})
	if err != nil {
		return fmt.Errorf("creating control server: %w", err)
	}
	if err := server.Start(ctx); err != nil {
		return fmt.Errorf("starting control server: %w", err)
	}
	defer func() {
		log.Info("stopping control server")
		if closeErr := server.Close(); closeErr != nil {
			log.Error("error closing control server", "error", closeErr)
		}
	}()

	// Start status polling
	var statusPublisher control.StatusPublisher
	if publisher != nil {
		statusPublisher = publisher
	}
	poller := control.NewPoller(cfg.Polling.Interval.Std(), ctrl, server.Hub(), statusPublisher, log)
	poller.Start(ctx)
	defer poller.Stop()

	if err := server.HealthCheck(ctx); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	log.Info("initialisation complete, waiting for shutdown signal",
		"address", fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
	)

	// Wait for shutdown signal
	<-ctx.Done()

	log.Info("shutdown signal received, cleaning up")

	// Deferred Close() calls run in reverse order:
	// 1. Poller
	// 2. Control server
	// 3. Telemetry (if enabled)
	// 4. Laser

	log.Info("discoveryd stopped")
	return nil
}

// getConfigPath returns the configuration file path.
// Uses DISCOVERY_CONFIG environment variable if set, otherwise default.
func getConfigPath() string {
	if path := os.Getenv("DISCOVERY_CONFIG"); path != "" {
		return path
	}
	return defaultConfigPath
}
