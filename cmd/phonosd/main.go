// phonosd - household audio control daemon
//
// phonosd discovers networked audio players on the local network,
// subscribes to their state events, reconciles the household grouping
// topology, and exposes the result over a REST/WebSocket API and an
// optional MQTT mirror.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/nerrad567/phonos/internal/api"
	"github.com/nerrad567/phonos/internal/client"
	"github.com/nerrad567/phonos/internal/infrastructure/config"
	"github.com/nerrad567/phonos/internal/infrastructure/logging"
	"github.com/nerrad567/phonos/internal/infrastructure/mqtt"
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

// shutdownTimeout bounds the best-effort unsubscribe pass on exit.
const shutdownTimeout = 10 * time.Second

func main() {
	// Cancel on interrupt signals (Ctrl+C, SIGTERM) for graceful shutdown
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run is the actual application logic, separated from main for
// testability. Returning an error allows main to handle exit codes
// consistently.
func run(ctx context.Context) error {
	// Use default logger until config is loaded
	log := logging.Default()

	// Each daemon run gets a short instance ID; it suffixes the MQTT
	// client ID so two phonosd instances never evict one another from
	// the broker.
	instance := uuid.NewString()[:8]

	log.Info("starting phonosd",
		"version", version,
		"commit", commit,
		"build_date", date,
		"instance", instance,
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

	// Build the household client
	phonos, err := client.New(client.Options{
		Config: cfg,
		Logger: log,
	})
	if err != nil {
		return fmt.Errorf("creating client: %w", err)
	}

	if err := phonos.Start(ctx); err != nil {
		return fmt.Errorf("starting client: %w", err)
	}
	defer func() {
		log.Info("shutting down client")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		phonos.Shutdown(shutdownCtx)
	}()
	log.Info("client started",
		"household", cfg.Household.ID,
		"callback", fmt.Sprintf("%s:%d", cfg.Callback.Host, cfg.Callback.Port),
	)

	// Connect to MQTT broker (optional)
	if cfg.MQTT.Enabled {
		cfg.MQTT.Broker.ClientID = fmt.Sprintf("%s-%s", cfg.MQTT.Broker.ClientID, instance)

		mqttClient, err := mqtt.Connect(cfg.MQTT)
		if err != nil {
			return fmt.Errorf("connecting to MQTT: %w", err)
		}
		defer func() {
			log.Info("disconnecting from MQTT")
			if closeErr := mqttClient.Close(); closeErr != nil {
				log.Error("error closing MQTT", "error", closeErr)
			}
		}()
		mqttClient.SetLogger(log)
		log.Info("MQTT connected",
			"broker", fmt.Sprintf("%s:%d", cfg.MQTT.Broker.Host, cfg.MQTT.Broker.Port),
			"client_id", cfg.MQTT.Broker.ClientID,
		)

		publisher := mqtt.NewPublisher(mqttClient, log)

		// Mirror every snapshot, and republish the current one after a
		// reconnect so retained topics recover from broker restarts.
		removePublish := phonos.OnTopologyChange(publisher.PublishSnapshot)
		defer removePublish()
		mqttClient.SetOnConnect(func() {
			log.Info("MQTT reconnected, republishing state")
			publisher.PublishSnapshot(phonos.Snapshot())
		})
		mqttClient.SetOnDisconnect(func(err error) {
			log.Warn("MQTT disconnected", "error", err)
		})

		publisher.PublishSnapshot(phonos.Snapshot())
	} else {
		log.Info("MQTT disabled")
	}

	// Start HTTP API server (optional)
	if cfg.API.Enabled {
		apiServer, err := api.New(api.Deps{
			Config:     cfg.API,
			WS:         cfg.WebSocket,
			Logger:     log,
			Controller: phonos,
			Version:    version,
		})
		if err != nil {
			return fmt.Errorf("creating API server: %w", err)
		}
		if err := apiServer.Start(ctx); err != nil {
			return fmt.Errorf("starting API server: %w", err)
		}
		defer func() {
			if closeErr := apiServer.Close(); closeErr != nil {
				log.Error("error closing API server", "error", closeErr)
			}
		}()
		log.Info("API server started", "address", fmt.Sprintf("%s:%d", cfg.API.Host, cfg.API.Port))
	} else {
		log.Info("API server disabled")
	}

	log.Info("initialisation complete, waiting for shutdown signal")

	// Block on the shutdown signal and the event sink. A sink failure
	// is fatal: without the callback listener the daemon is blind to
	// device state.
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		select {
		case err, ok := <-phonos.SinkErrors():
			if ok && err != nil {
				return fmt.Errorf("event sink failed: %w", err)
			}
			return nil
		case <-gctx.Done():
			return nil
		}
	})
	g.Go(func() error {
		<-gctx.Done()
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}

	log.Info("shutdown signal received, cleaning up")

	// Deferred calls run in reverse order:
	// 1. API server
	// 2. MQTT
	// 3. Client (discovery, sink, subscriptions, topology)

	log.Info("phonosd stopped")
	return nil
}

// getConfigPath returns the configuration file path.
// Uses PHONOS_CONFIG environment variable if set, otherwise default.
func getConfigPath() string {
	if path := os.Getenv("PHONOS_CONFIG"); path != "" {
		return path
	}
	return defaultConfigPath
}
