// hublink - Device Agent for IoT Hub MQTT Connectivity
//
// This is the main entry point for the hublink agent. hublink connects a
// device to an Azure IoT Hub-style broker and keeps the conversation going:
//   - SAS token lifecycle (derive, cache, rotate before expiry)
//   - Device twin synchronization with the cloud-side copy
//   - Direct method dispatch with contained handler failures
//   - Telemetry publishing with optional offline spooling
package main

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/nerrad567/hublink/internal/infrastructure/config"
	"github.com/nerrad567/hublink/internal/infrastructure/influxdb"
	"github.com/nerrad567/hublink/internal/infrastructure/logging"
	"github.com/nerrad567/hublink/internal/infrastructure/mqtt"
	"github.com/nerrad567/hublink/internal/sas"
	"github.com/nerrad567/hublink/internal/session"
	"github.com/nerrad567/hublink/internal/spool"
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

// startupTwinTimeout bounds the initial twin retrieval.
const startupTwinTimeout = 15 * time.Second

func main() {
	// Create a context that cancels on interrupt signals (Ctrl+C, SIGTERM)
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// Run the application
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
	log.Info("starting hublink",
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

	// Build the token signer for the device identity
	signer, err := sas.New(sas.Config{
		HubID:    cfg.Hub.HubID,
		Domain:   cfg.Hub.Domain,
		DeviceID: cfg.Hub.DeviceID,
		Key:      cfg.Hub.Key(),
		KeyName:  cfg.Hub.KeyName,
		Lifetime: cfg.Hub.TokenLifetime(),
	})
	if err != nil {
		return fmt.Errorf("building token signer: %w", err)
	}
	log.Info("token signer ready",
		"resource_uri", signer.ResourceURI(),
		"lifetime_minutes", cfg.Hub.TokenLifetimeMinutes,
	)

	// Open the telemetry spool (optional)
	var sp *spool.Spool
	if cfg.Spool.Enabled {
		sp, err = spool.Open(cfg.Spool)
		if err != nil {
			return fmt.Errorf("opening spool: %w", err)
		}
		defer func() {
			log.Info("closing spool")
			if closeErr := sp.Close(); closeErr != nil {
				log.Error("error closing spool", "error", closeErr)
			}
		}()
		pending, _ := sp.Len()
		log.Info("spool opened", "path", sp.Path(), "pending", pending)
	} else {
		log.Info("spool disabled")
	}

	// Connect to InfluxDB (optional)
	var influxClient *influxdb.Client
	if cfg.InfluxDB.Enabled {
		influxClient, err = influxdb.Connect(cfg.InfluxDB)
		if err != nil {
			return fmt.Errorf("connecting to InfluxDB: %w", err)
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

		// Set up InfluxDB error callback
		influxClient.SetOnError(func(err error) {
			log.Error("InfluxDB write error", "error", err)
		})
	} else {
		log.Info("InfluxDB disabled")
	}

	// Build the session. The dialer keeps a handle on the transport for
	// health checks.
	var transport *mqtt.Client
	sess := session.New(cfg.Hub, cfg.MQTT, func() (session.Transport, error) {
		client, dialErr := mqtt.Connect(cfg.Hub, cfg.MQTT, signer)
		if dialErr != nil {
			return nil, dialErr
		}
		client.SetLogger(log)
		transport = client
		return client, nil
	})
	sess.SetLogger(log)
	if sp != nil {
		sess.SetSpool(sp)
	}

	// publishPeriod holds the current telemetry interval in milliseconds.
	// The cloud adjusts it through the twin's desired publish_period_ms.
	var publishPeriod atomic.Int64
	publishPeriod.Store(int64(cfg.Telemetry.PublishPeriodMS))

	registerHandlers(sess, cfg, log, influxClient, &publishPeriod)

	// Connect and subscribe to all inbound surfaces
	if err := sess.Connect(); err != nil {
		return fmt.Errorf("connecting session: %w", err)
	}
	defer func() {
		log.Info("closing session")
		if closeErr := sess.Close(); closeErr != nil {
			log.Error("error closing session", "error", closeErr)
		}
	}()
	log.Info("session connected",
		"hub", cfg.Hub.Hostname(),
		"device_id", cfg.Hub.DeviceID,
	)
	if influxClient != nil {
		influxClient.WriteConnectionEvent(cfg.Hub.DeviceID, "connected")
	}

	// Synchronize the twin and apply any desired configuration set while
	// the device was offline.
	if err := syncTwin(sess, cfg, log, &publishPeriod); err != nil {
		log.Warn("initial twin synchronization failed", "error", err)
	}

	// Verify all connections are healthy
	if err := healthCheck(ctx, transport, sp, influxClient); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	log.Info("all health checks passed")

	// Start the telemetry loop
	go telemetryLoop(ctx, sess, cfg, log, influxClient, &publishPeriod)

	log.Info("initialisation complete, waiting for shutdown signal")

	// Wait for shutdown signal
	<-ctx.Done()

	log.Info("shutdown signal received, cleaning up")

	// Deferred Close() calls will run in reverse order:
	// 1. Session
	// 2. InfluxDB (if enabled)
	// 3. Spool (if enabled)

	log.Info("hublink stopped")
	return nil
}

// registerHandlers wires the agent's direct methods, twin callback and
// cloud-to-device handler. Registration happens before Connect so nothing
// arrives unhandled.
func registerHandlers(sess *session.Session, cfg *config.Config, log *logging.Logger, influxClient *influxdb.Client, publishPeriod *atomic.Int64) {
	// ping: liveness probe for cloud-side tooling
	sess.OnMethod("ping", func(payload []byte) (int, any) {
		return 200, "pong"
	})

	// reboot: acknowledge, then let the supervisor restart the process
	sess.OnMethod("reboot", func(payload []byte) (int, any) {
		log.Warn("reboot requested by cloud")
		return 200, map[string]any{"rebooting": true}
	})

	// Cloud-to-device messages are logged; this agent has no command surface
	// beyond direct methods.
	sess.OnBound(func(properties map[string]string, payload []byte) {
		log.Info("cloud-to-device message received",
			"properties", properties,
			"bytes", len(payload),
		)
	})

	// Desired publish_period_ms adjusts the telemetry interval; the
	// acknowledgement reports the applied value back.
	sess.OnTwinUpdate(func(desired map[string]any, version int) map[string]any {
		if influxClient != nil {
			influxClient.WriteTwinVersion(cfg.Hub.DeviceID, version)
		}

		period, ok := desired["publish_period_ms"].(float64)
		if !ok || period <= 0 {
			return nil
		}
		publishPeriod.Store(int64(period))
		log.Info("publish period updated from twin",
			"publish_period_ms", int64(period),
			"twin_version", version,
		)
		return map[string]any{"publish_period_ms": period}
	})
}

// syncTwin retrieves the twin at startup, applies desired configuration and
// reports the agent's identity.
func syncTwin(sess *session.Session, cfg *config.Config, log *logging.Logger, publishPeriod *atomic.Int64) error {
	status, doc, err := sess.GetTwin(startupTwinTimeout)
	if err != nil {
		return err
	}
	log.Info("twin synchronized", "status", status, "version", doc.Version)

	if period, ok := doc.Desired["publish_period_ms"].(float64); ok && period > 0 {
		publishPeriod.Store(int64(period))
		log.Info("publish period restored from twin", "publish_period_ms", int64(period))
	}

	// Fire-and-forget: the reported identity is best-effort at startup.
	_, err = sess.ReportTwin(map[string]any{
		"fw_version":        version,
		"publish_period_ms": publishPeriod.Load(),
	}, false, 0)
	return err
}

// telemetryLoop publishes a sampled reading at the configured interval
// until the context is cancelled.
//
// The sample source is a simulated sensor; readings above the configured
// threshold carry the above_th property so cloud-side routing can filter
// without parsing bodies.
func telemetryLoop(ctx context.Context, sess *session.Session, cfg *config.Config, log *logging.Logger, influxClient *influxdb.Client, publishPeriod *atomic.Int64) {
	for {
		period := time.Duration(publishPeriod.Load()) * time.Millisecond
		select {
		case <-ctx.Done():
			return
		case <-time.After(period):
		}

		reading := sampleReading()
		aboveTh := "0"
		if reading > cfg.Telemetry.SampleThreshold {
			aboveTh = "1"
		}

		event := map[string]any{
			"value":      reading,
			"sampled_at": time.Now().UTC().Format(time.RFC3339),
		}
		properties := map[string]string{"above_th": aboveTh}

		if err := sess.PublishEvent(event, properties); err != nil {
			log.Warn("telemetry publish failed", "error", err)
			continue
		}
		if influxClient != nil {
			influxClient.WriteTelemetry(cfg.Hub.DeviceID, map[string]any{"value": reading})
		}
	}
}

// sampleReading returns a simulated sensor value in [0, 10).
func sampleReading() float64 {
	return rand.Float64() * 10 //nolint:gosec // Simulated sensor, not cryptographic
}

// getConfigPath returns the configuration file path.
// Uses HUBLINK_CONFIG environment variable if set, otherwise default.
func getConfigPath() string {
	if path := os.Getenv("HUBLINK_CONFIG"); path != "" {
		return path
	}
	return defaultConfigPath
}

// healthCheck verifies all infrastructure connections are healthy.
//
// Parameters:
//   - ctx: Context for timeout/cancellation
//   - transport: MQTT client to check
//   - sp: Spool to check (may be nil if disabled)
//   - influxClient: InfluxDB client to check (may be nil if disabled)
//
// Returns:
//   - error: First health check failure, or nil if all healthy
func healthCheck(ctx context.Context, transport *mqtt.Client, sp *spool.Spool, influxClient *influxdb.Client) error {
	// Check MQTT
	if transport == nil {
		return mqtt.ErrNotConnected
	}
	if err := transport.HealthCheck(ctx); err != nil {
		return fmt.Errorf("mqtt: %w", err)
	}

	// Check spool (if enabled)
	if sp != nil {
		if err := sp.HealthCheck(ctx); err != nil {
			return fmt.Errorf("spool: %w", err)
		}
	}

	// Check InfluxDB (if enabled)
	if influxClient != nil {
		if err := influxClient.HealthCheck(ctx); err != nil {
			return fmt.Errorf("influxdb: %w", err)
		}
	}

	return nil
}
