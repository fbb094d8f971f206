// Gray Logic Uplink - store-and-forward delivery to a remote MQTT broker.
//
// This is the main entry point for the uplink. Local applications publish
// telemetry and control messages through the uplink service; messages are
// kept in SQLite and delivered when the wide-area link allows, in priority
// order and within a configured rate.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	_ "go.uber.org/automaxprocs"

	_ "github.com/nerrad567/gray-logic-uplink/migrations"

	"github.com/nerrad567/gray-logic-uplink/internal/infrastructure/config"
	"github.com/nerrad567/gray-logic-uplink/internal/infrastructure/database"
	"github.com/nerrad567/gray-logic-uplink/internal/infrastructure/influxdb"
	"github.com/nerrad567/gray-logic-uplink/internal/infrastructure/logging"
	"github.com/nerrad567/gray-logic-uplink/internal/infrastructure/mqtt"
	"github.com/nerrad567/gray-logic-uplink/internal/store"
	"github.com/nerrad567/gray-logic-uplink/internal/uplink"
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

// shutdownTimeout bounds the graceful stop, including the final flush.
const shutdownTimeout = 30 * time.Second

func main() {
	configPath := pflag.String("config", getConfigPath(), "path to the YAML configuration file")
	logLevel := pflag.String("log-level", "", "override the configured log level (debug, info, warn, error)")
	migrateDown := pflag.Bool("migrate-down", false, "roll back the most recent schema migration and exit")
	pflag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, *configPath, *logLevel, *migrateDown); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run is the actual application logic, separated from main for testability.
//
// Parameters:
//   - ctx: Context for cancellation and shutdown signals
//   - configPath: Configuration file to load
//   - logLevel: Log level override; empty keeps the configured level
//   - migrateDown: Roll back the newest migration and return without
//     starting the uplink
//
// Returns:
//   - error: nil on clean shutdown, or error describing failure
func run(ctx context.Context, configPath, logLevel string, migrateDown bool) error {
	log := logging.Default()
	log.Info("starting Gray Logic Uplink",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}

	log = logging.New(cfg.Logging, version)
	log.Info("configuration loaded",
		"path", configPath,
		"site", cfg.Site.ID,
		"level", cfg.Logging.Level,
	)

	db, err := database.Open(database.Config{
		Path:        cfg.Database.Path,
		WALMode:     cfg.Database.WALMode,
		BusyTimeout: cfg.Database.BusyTimeout,
		Synchronous: cfg.Database.Synchronous,
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

	if healthErr := db.HealthCheck(ctx); healthErr != nil {
		return healthErr
	}

	if migrateDown {
		if downErr := db.MigrateDown(ctx); downErr != nil {
			return fmt.Errorf("rolling back migration: %w", downErr)
		}
		log.Info("rolled back most recent migration", "path", cfg.Database.Path)
		return nil
	}

	if migrateErr := db.Migrate(ctx); migrateErr != nil {
		return fmt.Errorf("running migrations: %w", migrateErr)
	}
	log.Info("database ready", "path", cfg.Database.Path)

	messages := store.New(db, cfg.Store.Capacity)

	tr := mqtt.New(cfg.MQTT)
	tr.SetLogger(log.Component("mqtt"))

	// InfluxDB metrics are optional; the uplink runs without them.
	var metrics uplink.MetricsSink
	if cfg.InfluxDB.Enabled {
		influxClient, influxErr := influxdb.Connect(cfg.InfluxDB, cfg.Site.ID)
		if influxErr != nil {
			log.Warn("InfluxDB unavailable, delivery metrics disabled", "error", influxErr)
		} else {
			defer func() {
				log.Info("closing InfluxDB connection")
				if closeErr := influxClient.Close(); closeErr != nil {
					log.Error("error closing InfluxDB", "error", closeErr)
				}
			}()
			influxClient.SetOnError(func(err error) {
				log.Error("InfluxDB write error", "error", err)
			})
			metrics = influxClient
			log.Info("InfluxDB connected", "url", cfg.InfluxDB.URL, "bucket", cfg.InfluxDB.Bucket)
		}
	}

	svc, err := uplink.New(uplink.Options{
		Store:     messages,
		Transport: tr,
		Topics:    tr.Topics(),
		Metrics:   metrics,
		Settings:  uplink.SettingsFromConfig(cfg),
		Logger:    log.Component("uplink"),
	})
	if err != nil {
		return fmt.Errorf("creating uplink: %w", err)
	}

	if startErr := svc.Start(ctx); startErr != nil {
		return fmt.Errorf("starting uplink: %w", startErr)
	}
	log.Info("uplink running",
		"broker", fmt.Sprintf("%s:%d", cfg.MQTT.Broker.Host, cfg.MQTT.Broker.Port),
		"client_id", cfg.MQTT.Broker.ClientID,
		"topic_prefix", tr.Topics().Prefix(),
	)

	<-ctx.Done()
	log.Info("shutdown signal received, stopping uplink")

	stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if stopErr := svc.Stop(stopCtx); stopErr != nil {
		if !errors.Is(stopErr, context.DeadlineExceeded) {
			return fmt.Errorf("stopping uplink: %w", stopErr)
		}
		log.Warn("uplink did not stop in time, undelivered messages remain stored", "timeout", shutdownTimeout)
	}

	log.Info("Gray Logic Uplink stopped")
	return nil
}

// getConfigPath returns the default configuration file path.
// Uses GRAYLOGIC_UPLINK_CONFIG environment variable if set.
func getConfigPath() string {
	if path := os.Getenv("GRAYLOGIC_UPLINK_CONFIG"); path != "" {
		return path
	}
	return defaultConfigPath
}
