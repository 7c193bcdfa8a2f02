// Fibaro bridge - connects a Fibaro Home Center hub to the Gray Logic
// MQTT bus.
//
// The bridge polls device state from the hub's REST API, receives push
// notifications on a local HTTP listener, publishes channel state to MQTT
// and executes commands received from MQTT against the hub.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/nerrad567/gray-logic-fibaro/internal/audit"
	"github.com/nerrad567/gray-logic-fibaro/internal/bridges/fibaro"
	"github.com/nerrad567/gray-logic-fibaro/internal/cache"
	"github.com/nerrad567/gray-logic-fibaro/internal/infrastructure/config"
	"github.com/nerrad567/gray-logic-fibaro/internal/infrastructure/database"
	"github.com/nerrad567/gray-logic-fibaro/internal/infrastructure/influxdb"
	"github.com/nerrad567/gray-logic-fibaro/internal/infrastructure/logging"
	"github.com/nerrad567/gray-logic-fibaro/internal/infrastructure/mqtt"
	"github.com/nerrad567/gray-logic-fibaro/migrations"
)

// Set at build time:
//
//	go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

const (
	defaultConfigPath = "configs/fibaro.yaml"
	defaultEnvFile    = ".env"

	startupCheckTimeout = 10 * time.Second
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run wires the bridge together and blocks until ctx is cancelled.
func run(ctx context.Context) error {
	log := logging.Default()
	log.Info("starting Fibaro bridge", "version", version, "commit", commit, "build_date", date)

	if err := config.LoadDotEnv(getEnvFile()); err != nil {
		return fmt.Errorf("loading env file: %w", err)
	}

	configPath := getConfigPath()
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	log = logging.New(cfg.Logging, version)
	log.Info("configuration loaded", "path", configPath, "bridge_id", cfg.Bridge.ID)

	devices, err := fibaro.LoadDevices(cfg.Bridge.DevicesFile)
	if err != nil {
		return fmt.Errorf("loading devices: %w", err)
	}
	log.Info("devices loaded", "path", cfg.Bridge.DevicesFile, "devices", len(devices))

	will, err := healthWill(cfg.Bridge.ID)
	if err != nil {
		return err
	}
	mqttClient, err := mqtt.Connect(cfg.MQTT, will)
	if err != nil {
		return fmt.Errorf("connecting to MQTT: %w", err)
	}
	mqttClient.SetLogger(log.Component("mqtt"))
	defer func() {
		log.Info("disconnecting from MQTT")
		if closeErr := mqttClient.Close(); closeErr != nil {
			log.Error("error closing MQTT", "error", closeErr)
		}
	}()
	log.Info("MQTT connected",
		"broker", fmt.Sprintf("%s:%d", cfg.MQTT.Broker.Host, cfg.MQTT.Broker.Port),
		"client_id", cfg.MQTT.Broker.ClientID,
	)

	hubClient, err := fibaro.NewClient(clientConfig(cfg))
	if err != nil {
		return fmt.Errorf("creating hub client: %w", err)
	}

	checks := map[string]fibaro.HealthCheck{"mqtt": mqttClient.HealthCheck}

	opts := fibaro.BridgeOptions{
		Config:     bridgeConfig(cfg),
		Devices:    devices,
		MQTTClient: mqttClient,
		Client:     hubClient,
		Metrics:    fibaro.NewMetrics(),
		Logger:     log.Component("fibaro"),
	}

	if cfg.InfluxDB.Enabled {
		influxClient, influxErr := influxdb.Connect(cfg.InfluxDB)
		if influxErr != nil {
			return fmt.Errorf("connecting to InfluxDB: %w", influxErr)
		}
		defer func() {
			log.Info("closing InfluxDB connection")
			if closeErr := influxClient.Close(); closeErr != nil {
				log.Error("error closing InfluxDB", "error", closeErr)
			}
		}()
		influxClient.SetOnError(func(err error) {
			log.Warn("InfluxDB write error", "error", err)
		})
		opts.Telemetry = influxClient
		checks["influxdb"] = influxClient.HealthCheck
		log.Info("InfluxDB connected", "url", cfg.InfluxDB.URL, "bucket", cfg.InfluxDB.Bucket)
	} else {
		log.Info("InfluxDB disabled")
	}

	if cfg.Audit.Enabled {
		db, auditErr := openAudit(ctx, cfg.Database)
		if auditErr != nil {
			return auditErr
		}
		defer func() {
			if closeErr := db.Close(); closeErr != nil {
				log.Error("error closing database", "error", closeErr)
			}
		}()
		repo := audit.NewSQLiteRepository(db.DB)
		opts.Auditor = repo
		checks["database"] = db.HealthCheck

		go audit.RunRetention(ctx, repo, audit.RetentionDays(cfg.Audit.RetentionDays),
			audit.DefaultPruneInterval, log.Component("audit"))
		log.Info("command audit enabled", "path", cfg.Database.Path, "retention_days", cfg.Audit.RetentionDays)
	}

	checkCtx, cancelCheck := context.WithTimeout(ctx, startupCheckTimeout)
	err = healthCheck(checkCtx, checks)
	cancelCheck()
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	log.Info("infrastructure health check passed", "checks", len(checks))
	opts.HealthChecks = checks

	bridge, err := fibaro.NewBridge(opts)
	if err != nil {
		return fmt.Errorf("creating bridge: %w", err)
	}
	defer func() {
		log.Info("stopping bridge")
		bridge.Stop()
	}()

	// The broker fires the will on every unclean disconnect, so health
	// has to be re-asserted after each reconnect.
	mqttClient.SetOnConnect(func() {
		log.Info("MQTT reconnected")
		bridge.PublishHealth()
	})
	mqttClient.SetOnDisconnect(func(err error) {
		log.Warn("MQTT disconnected", "error", err)
	})

	if err := bridge.Start(ctx); err != nil {
		return fmt.Errorf("starting bridge: %w", err)
	}
	log.Info("bridge running", "listener", bridge.ListenerAddr(), "hub", cfg.Hub.Address)

	<-ctx.Done()
	log.Info("shutdown signal received, cleaning up")

	// Deferred calls run in reverse: bridge, audit store, InfluxDB, MQTT.
	return nil
}

// getConfigPath returns GRAYLOGIC_FIBARO_CONFIG or the default path.
func getConfigPath() string {
	if path := os.Getenv("GRAYLOGIC_FIBARO_CONFIG"); path != "" {
		return path
	}
	return defaultConfigPath
}

// getEnvFile returns GRAYLOGIC_FIBARO_ENV_FILE or ".env".
func getEnvFile() string {
	if path := os.Getenv("GRAYLOGIC_FIBARO_ENV_FILE"); path != "" {
		return path
	}
	return defaultEnvFile
}

func bridgeConfig(cfg *config.Config) fibaro.BridgeConfig {
	return fibaro.BridgeConfig{
		ID:             cfg.Bridge.ID,
		Version:        version,
		HubAddress:     cfg.Hub.Address,
		HealthInterval: cfg.Bridge.HealthInterval,
		CommandTimeout: cfg.Bridge.CommandTimeout,
		Listener: fibaro.ListenerConfig{
			Host:         cfg.Listener.Host,
			Port:         cfg.Listener.Port,
			ReadTimeout:  cfg.GetReadTimeout(),
			WriteTimeout: cfg.GetWriteTimeout(),
			IdleTimeout:  cfg.GetIdleTimeout(),
		},
	}
}

func clientConfig(cfg *config.Config) fibaro.ClientConfig {
	return fibaro.ClientConfig{
		Address:       cfg.Hub.Address,
		Username:      cfg.Hub.Username,
		Password:      cfg.Hub.Password,
		Timeout:       cfg.Hub.Timeout,
		MaxConcurrent: cfg.Hub.MaxConcurrent,
		Cache: cache.Config{
			TTL:           cfg.Cache.TTL,
			SweepInterval: cfg.Cache.SweepInterval,
			MaxSize:       cfg.Cache.MaxSize,
		},
	}
}

// healthWill builds the Last Will the broker publishes on the health topic
// if the bridge vanishes without a clean disconnect.
func healthWill(bridgeID string) (*mqtt.Will, error) {
	payload, err := json.Marshal(fibaro.NewLWTMessage(bridgeID))
	if err != nil {
		return nil, fmt.Errorf("encoding will message: %w", err)
	}
	return &mqtt.Will{
		Topic:    fibaro.HealthTopic(),
		Payload:  payload,
		QoS:      1,
		Retained: true,
	}, nil
}

// openAudit opens the SQLite store and applies migrations.
func openAudit(ctx context.Context, cfg config.DatabaseConfig) (*database.DB, error) {
	db, err := database.Open(cfg)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	migrateCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := db.Migrate(migrateCtx, migrations.FS); err != nil {
		db.Close() //nolint:errcheck // best effort on the error path
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return db, nil
}

// healthCheck runs every infrastructure check in name order and returns
// the first failure.
func healthCheck(ctx context.Context, checks map[string]fibaro.HealthCheck) error {
	names := make([]string, 0, len(checks))
	for name := range checks {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		if err := checks[name](ctx); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}
	return nil
}
