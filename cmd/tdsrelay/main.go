// TDS Relay - sensor and pump state relay
//
// This is the main entry point for the TDS relay. The relay holds the latest
// reading pushed by an ESP32 (TDS probe, voltage, ultrasonic distance) and the
// operator's pump command, and serves both over HTTP. MQTT ingest, an
// InfluxDB mirror and a WebSocket feed are optional adapters around the same
// in-memory store.
package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/nerrad567/tds-relay/internal/api"
	"github.com/nerrad567/tds-relay/internal/bridge"
	"github.com/nerrad567/tds-relay/internal/infrastructure/config"
	"github.com/nerrad567/tds-relay/internal/infrastructure/influxdb"
	"github.com/nerrad567/tds-relay/internal/infrastructure/logging"
	"github.com/nerrad567/tds-relay/internal/infrastructure/mqtt"
	"github.com/nerrad567/tds-relay/internal/relay"
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

// configEnvVar selects the configuration file.
const configEnvVar = "TDSRELAY_CONFIG"

func main() {
	// Create a context that cancels on interrupt signals (Ctrl+C, SIGTERM)
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
	log.Info("starting TDS relay",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	configPath := getConfigPath()
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if configPath == "" {
		log.Info("no config file found, using defaults", "path", defaultConfigPath)
	} else {
		log.Info("configuration loaded", "path", configPath)
	}

	// Reinitialise logger with config settings
	log = logging.New(cfg.Logging, version)
	log.Info("logger initialised",
		"level", cfg.Logging.Level,
		"format", cfg.Logging.Format,
	)

	store := relay.NewStore(relay.Options{MotorOn: cfg.Relay.MotorOnAtStartup})
	log.Info("state store initialised",
		"device_id", cfg.Relay.DeviceID,
		"motor_on", cfg.Relay.MotorOnAtStartup,
	)

	deps := api.Deps{
		Config:   cfg.API,
		WS:       cfg.WebSocket,
		Logger:   log,
		Store:    store,
		Registry: prometheus.NewRegistry(),
		Version:  version,
	}

	// MQTT link (optional)
	if cfg.MQTT.Enabled {
		mqttClient, stop, startErr := startMQTT(ctx, cfg, store, log)
		if startErr != nil {
			return startErr
		}
		defer stop()
		deps.MQTT = mqttClient
	} else {
		log.Info("MQTT disabled")
	}

	// InfluxDB mirror (optional)
	if cfg.InfluxDB.Enabled {
		influxClient, connectErr := influxdb.Connect(ctx, cfg.InfluxDB)
		if connectErr != nil {
			return fmt.Errorf("connecting to InfluxDB: %w", connectErr)
		}
		defer func() {
			log.Info("closing InfluxDB connection")
			if closeErr := influxClient.Close(); closeErr != nil {
				log.Error("error closing InfluxDB", "error", closeErr)
			}
		}()
		log.Info("InfluxDB connected",
			"url", cfg.InfluxDB.URL,
			"org", cfg.InfluxDB.Org,
			"bucket", cfg.InfluxDB.Bucket,
		)

		influxClient.SetOnError(func(err error) {
			log.Error("InfluxDB write error", "error", err)
		})

		unsubscribe := store.Subscribe(influxMirror(influxClient, cfg.Relay.DeviceID))
		defer unsubscribe()
		deps.InfluxDB = influxClient
	} else {
		log.Info("InfluxDB disabled")
	}

	server, err := api.New(deps)
	if err != nil {
		return fmt.Errorf("creating API server: %w", err)
	}
	if err := server.Start(ctx); err != nil {
		return fmt.Errorf("starting API server: %w", err)
	}
	defer func() {
		if closeErr := server.Close(); closeErr != nil {
			log.Error("error closing API server", "error", closeErr)
		}
	}()

	if err := healthCheck(ctx, server, deps.MQTT, deps.InfluxDB); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	log.Info("all health checks passed")

	log.Info("initialisation complete, waiting for shutdown signal")

	// Wait for shutdown signal
	<-ctx.Done()

	log.Info("shutdown signal received, cleaning up")

	// Deferred calls run in reverse order:
	// 1. API server
	// 2. InfluxDB (if enabled)
	// 3. MQTT bridge and client (if enabled)

	log.Info("TDS relay stopped")
	return nil
}

// getConfigPath returns the configuration file path.
//
// TDSRELAY_CONFIG wins when set, and must then name a readable file.
// Otherwise the default path is used if it exists, and "" (built-in defaults)
// if it does not.
func getConfigPath() string {
	if path := os.Getenv(configEnvVar); path != "" {
		return path
	}
	if _, err := os.Stat(defaultConfigPath); errors.Is(err, fs.ErrNotExist) {
		return ""
	}
	return defaultConfigPath
}

// healthCheck verifies the server and every configured adapter.
// nil adapters are not configured and are skipped.
func healthCheck(ctx context.Context, checks ...api.HealthChecker) error {
	for _, c := range checks {
		if c == nil {
			continue
		}
		if err := c.HealthCheck(ctx); err != nil {
			return err
		}
	}
	return nil
}

// startMQTT connects to the broker and starts the bridge.
//
// Parameters:
//   - ctx: Context for the connection attempts and the bridge worker
//   - cfg: Application configuration
//   - store: The relay state the bridge feeds
//   - log: Logger instance
//
// Returns:
//   - *mqtt.Client: Connected client, for health checks
//   - func(): Stops the bridge and closes the connection
//   - error: If the broker is unreachable or subscriptions fail
func startMQTT(ctx context.Context, cfg *config.Config, store *relay.Store, log *logging.Logger) (*mqtt.Client, func(), error) {
	mqttClient, err := mqtt.Connect(ctx, cfg.MQTT)
	if err != nil {
		return nil, nil, fmt.Errorf("connecting to MQTT: %w", err)
	}
	log.Info("MQTT connected",
		"broker", fmt.Sprintf("%s:%d", cfg.MQTT.Broker.Host, cfg.MQTT.Broker.Port),
		"client_id", cfg.MQTT.Broker.ClientID,
	)

	mqttClient.SetLogger(log.With("component", "mqtt"))
	mqttClient.SetOnDisconnect(func(err error) {
		log.Warn("MQTT disconnected", "error", err)
	})

	closeClient := func() {
		log.Info("disconnecting from MQTT")
		if closeErr := mqttClient.Close(); closeErr != nil {
			log.Error("error closing MQTT", "error", closeErr)
		}
	}

	b, err := bridge.New(bridge.Options{
		DeviceID: cfg.Relay.DeviceID,
		QoS:      mqttClient.QoS(),
		Store:    store,
		MQTT:     mqttClient,
		Logger:   log.With("component", "bridge"),
	})
	if err != nil {
		closeClient()
		return nil, nil, fmt.Errorf("creating MQTT bridge: %w", err)
	}

	if err := b.Start(ctx); err != nil {
		closeClient()
		return nil, nil, fmt.Errorf("starting MQTT bridge: %w", err)
	}

	// Retained command and state are republished on every reconnect.
	mqttClient.SetOnConnect(func() {
		log.Info("MQTT reconnected, republishing state")
		b.Resync()
	})

	stop := func() {
		log.Info("stopping MQTT bridge")
		b.Stop()
		closeClient()
	}
	return mqttClient, stop, nil
}
