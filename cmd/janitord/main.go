// janitord is the janitor core daemon.
//
// It serves the REST API and WebSocket push channel, authorises and
// dispatches relay commands over MQTT, provisions ESP relay
// controllers, and administers the Mosquitto broker's credentials.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/janitor-project/janitor-core/migrations"

	"github.com/janitor-project/janitor-core/internal/api"
	"github.com/janitor-project/janitor-core/internal/auth"
	"github.com/janitor-project/janitor-core/internal/bridge"
	"github.com/janitor-project/janitor-core/internal/broker"
	"github.com/janitor-project/janitor-core/internal/device"
	"github.com/janitor-project/janitor-core/internal/eventlog"
	"github.com/janitor-project/janitor-core/internal/group"
	"github.com/janitor-project/janitor-core/internal/infrastructure/config"
	"github.com/janitor-project/janitor-core/internal/infrastructure/database"
	"github.com/janitor-project/janitor-core/internal/infrastructure/influxdb"
	"github.com/janitor-project/janitor-core/internal/infrastructure/logging"
	"github.com/janitor-project/janitor-core/internal/infrastructure/mqtt"
	"github.com/janitor-project/janitor-core/internal/relay"
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
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run is the actual application logic, separated from main for testability.
func run(ctx context.Context) error {
	// Use default logger until config is loaded
	log := logging.Default()
	log.Info("starting janitor core",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	configPath := getConfigPath()
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	log.Info("configuration loaded", "path", configPath)

	// Reinitialise logger with config settings
	log = logging.New(cfg.Logging, version)

	// Open database and apply migrations
	db, err := database.Open(database.Config{
		Path:        cfg.Database.Path,
		WALMode:     cfg.Database.WALMode,
		BusyTimeout: cfg.Database.BusyTimeout,
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

	if migrateErr := db.Migrate(ctx); migrateErr != nil {
		return fmt.Errorf("running migrations: %w", migrateErr)
	}
	log.Info("database ready", "path", cfg.Database.Path)

	// Repositories
	userRepo := auth.NewUserRepository(db.DB)
	sessionRepo := auth.NewSessionRepository(db.DB)
	groupRepo := group.New(db.DB)
	deviceRepo := device.New(db.DB)
	eventRepo := eventlog.New(db.DB)

	// First boot: mint the root superadmin and print its one-time
	// password to stdout.
	initialPassword, err := auth.SeedSuperadmin(ctx, userRepo, log.Logger)
	if err != nil {
		return fmt.Errorf("seeding superadmin: %w", err)
	}
	if initialPassword != "" {
		fmt.Printf("\n  Initial superadmin account created.\n")
		fmt.Printf("  login:    root\n")
		fmt.Printf("  password: %s\n", initialPassword)
		fmt.Printf("  The password must be changed at first login.\n\n")
	}

	// MQTT is optional: without it triggers are logged but not
	// delivered, and device status arrives only over HTTP heartbeats.
	var mqttClient *mqtt.Client
	if client, connErr := mqtt.Connect(cfg.MQTT); connErr != nil {
		log.Warn("MQTT unavailable, continuing without broker", "error", connErr)
	} else {
		mqttClient = client
		defer func() {
			log.Info("disconnecting from MQTT")
			if closeErr := mqttClient.Close(); closeErr != nil {
				log.Error("error closing MQTT", "error", closeErr)
			}
		}()
		mqttClient.SetLogger(log.Logger)
		mqttClient.SetOnConnect(func() { log.Info("MQTT reconnected") })
		mqttClient.SetOnDisconnect(func(err error) { log.Warn("MQTT disconnected", "error", err) })
		log.Info("MQTT connected",
			"broker", fmt.Sprintf("%s:%d", cfg.MQTT.Broker.Host, cfg.MQTT.Broker.Port),
			"client_id", cfg.MQTT.Broker.ClientID,
		)
	}

	// InfluxDB telemetry is optional
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
		influxClient.SetOnError(func(err error) {
			log.Warn("InfluxDB write failed", "error", err)
		})
		log.Info("InfluxDB connected", "url", cfg.InfluxDB.URL, "bucket", cfg.InfluxDB.Bucket)
	} else {
		log.Info("InfluxDB disabled")
	}

	// Broker admin: real Mosquitto reconfiguration only when the
	// passwd file is configured, no-op otherwise (dev setups).
	var reconfig broker.Reconfigurer = broker.Nop{}
	if cfg.Broker.PasswdFile != "" {
		reconfig = broker.NewMosquitto(cfg.Broker, log.Logger)
		log.Info("mosquitto reconfiguration enabled",
			"passwd_file", cfg.Broker.PasswdFile,
			"acl_file", cfg.Broker.ACLFile,
		)
	}

	// Domain services
	authSvc := auth.NewService(userRepo, sessionRepo,
		cfg.Security.JWT.Secret,
		cfg.Security.JWT.AccessTokenTTL,
		time.Duration(cfg.Security.JWT.RefreshTokenTTL)*24*time.Hour,
	)

	var publisher relay.Publisher
	if mqttClient != nil {
		publisher = mqttClient
	}
	relaySvc := relay.NewService(groupRepo, eventRepo, publisher, log.Logger)
	if influxClient != nil {
		relaySvc.SetTelemetry(influxClient)
	}

	deviceSvc := device.NewService(deviceRepo, groupRepo, eventRepo, reconfig,
		cfg.Broker.AdvertisedHost, cfg.Broker.AdvertisedPort, log.Logger)

	// Realtime fan-out: hub plus MQTT ingestion
	hub := bridge.NewHub(cfg.WebSocket, log.Logger)
	if mqttClient != nil {
		var telemetry bridge.Telemetry
		if influxClient != nil {
			telemetry = influxClient
		}
		ingestor := bridge.NewIngestor(hub, groupRepo, deviceRepo, telemetry, log.Logger)
		if err := ingestor.Start(mqttClient); err != nil {
			return fmt.Errorf("starting MQTT ingestion: %w", err)
		}
		log.Info("MQTT ingestion started")
	}

	// HTTP API
	deps := api.Deps{
		Config:   cfg.API,
		WS:       cfg.WebSocket,
		Security: cfg.Security,
		Logger:   log,
		Auth:     authSvc,
		Users:    userRepo,
		Sessions: sessionRepo,
		Groups:   groupRepo,
		Devices:  deviceSvc,
		DeviceDB: deviceRepo,
		Relay:    relaySvc,
		Events:   eventRepo,
		Hub:      hub,
		Version:  version,
	}
	if influxClient != nil {
		deps.Telemetry = influxClient
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

	// Periodic session sweep keeps the sessions table from
	// accumulating expired rows.
	go sweepSessions(ctx, sessionRepo, log)

	if err := healthCheck(ctx, db, mqttClient, influxClient); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	log.Info("initialisation complete, waiting for shutdown signal")

	<-ctx.Done()

	log.Info("shutdown signal received, cleaning up")
	return nil
}

// sessionSweepInterval is how often expired refresh sessions are purged.
const sessionSweepInterval = time.Hour

// sweepSessions deletes expired refresh sessions on a timer.
func sweepSessions(ctx context.Context, sessions auth.SessionRepository, log *logging.Logger) {
	ticker := time.NewTicker(sessionSweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := sessions.DeleteExpired(ctx)
			if err != nil {
				log.Error("sweeping expired sessions", "error", err)
			} else if n > 0 {
				log.Info("swept expired sessions", "count", n)
			}
		}
	}
}

// getConfigPath returns the configuration file path.
// Uses the JANITOR_CONFIG environment variable if set, otherwise default.
func getConfigPath() string {
	if path := os.Getenv("JANITOR_CONFIG"); path != "" {
		return path
	}
	return defaultConfigPath
}

// healthCheck verifies infrastructure connections. MQTT and InfluxDB
// are optional and skipped when absent.
func healthCheck(ctx context.Context, db *database.DB, mqttClient *mqtt.Client, influxClient *influxdb.Client) error {
	if err := db.HealthCheck(ctx); err != nil {
		return fmt.Errorf("database: %w", err)
	}

	if mqttClient != nil {
		if err := mqttClient.HealthCheck(ctx); err != nil {
			return fmt.Errorf("mqtt: %w", err)
		}
	}

	if influxClient != nil {
		if err := influxClient.HealthCheck(ctx); err != nil {
			return fmt.Errorf("influxdb: %w", err)
		}
	}

	return nil
}
