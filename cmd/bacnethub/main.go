// BACnet Hub - exposes labelled Home Assistant entities as BACnet objects
// and imports remote BACnet points back into Home Assistant.
//
// The process runs one hub per configuration entry. Entries are seeded from
// the optional entries file on first run and live in SQLite afterwards.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	_ "github.com/nerrad567/bacnet-hub/migrations"

	"github.com/nerrad567/bacnet-hub/internal/api"
	"github.com/nerrad567/bacnet-hub/internal/audit"
	"github.com/nerrad567/bacnet-hub/internal/auth"
	"github.com/nerrad567/bacnet-hub/internal/bacnet"
	"github.com/nerrad567/bacnet-hub/internal/homeassistant"
	"github.com/nerrad567/bacnet-hub/internal/infrastructure/config"
	"github.com/nerrad567/bacnet-hub/internal/infrastructure/database"
	"github.com/nerrad567/bacnet-hub/internal/infrastructure/influxdb"
	"github.com/nerrad567/bacnet-hub/internal/infrastructure/logging"
	"github.com/nerrad567/bacnet-hub/internal/infrastructure/mqtt"
	"github.com/nerrad567/bacnet-hub/internal/metrics"
	"github.com/nerrad567/bacnet-hub/internal/store"
	"github.com/nerrad567/bacnet-hub/internal/supervisor"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

// Default configuration file path
const defaultConfigPath = "configs/config.yaml"

func main() {
	configPath := flag.String("config", "", "configuration file (default $BACNETHUB_CONFIG or "+defaultConfigPath+")")
	issue := flag.Bool("issue-token", false, "print a maintenance API token and exit")
	role := flag.String("role", string(auth.RoleViewer), "role of the issued token")
	subject := flag.String("subject", "maintenance", "subject of the issued token")
	flag.Parse()

	if *configPath != "" {
		os.Setenv("BACNETHUB_CONFIG", *configPath) //nolint:errcheck // Setenv only fails on invalid keys
	}

	if *issue {
		if err := issueToken(getConfigPath(), auth.Role(*role), *subject, os.Stdout); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		return
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run wires every component and blocks until shutdown.
//
// Parameters:
//   - ctx: Context for cancellation and shutdown signals
//
// Returns:
//   - error: nil on clean shutdown, or error describing failure
func run(ctx context.Context) error {
	log := logging.Default()
	log.Info("starting BACnet hub",
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

	log = logging.New(cfg.Logging, version)
	log.Info("logger initialised",
		"level", cfg.Logging.Level,
		"format", cfg.Logging.Format,
	)

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

	entryRepo := store.NewSQLiteEntryRepository(db.DB)
	importedRepo := store.NewSQLiteImportedRepository(db.DB)

	seeds, err := cfg.LoadEntries()
	if err != nil {
		return fmt.Errorf("loading entries: %w", err)
	}
	seeded, err := store.SeedEntries(ctx, entryRepo, seeds)
	if err != nil {
		return fmt.Errorf("seeding entries: %w", err)
	}
	log.Info("entries seeded", "new", seeded, "configured", len(seeds))

	checks := map[string]api.HealthChecker{"database": db}

	var publisher supervisor.Publisher
	checks["mqtt"] = nil
	if cfg.MQTT.Enabled {
		mqttClient, mqttErr := mqtt.Connect(cfg.MQTT)
		if mqttErr != nil {
			return fmt.Errorf("connecting to MQTT: %w", mqttErr)
		}
		defer func() {
			log.Info("disconnecting from MQTT")
			if closeErr := mqttClient.Close(); closeErr != nil {
				log.Error("error closing MQTT", "error", closeErr)
			}
		}()
		mqttClient.SetLogger(log.Component("mqtt"))
		mqttClient.SetOnConnect(func() {
			log.Info("MQTT reconnected")
		})
		mqttClient.SetOnDisconnect(func(err error) {
			log.Warn("MQTT disconnected", "error", err)
		})
		log.Info("MQTT connected",
			"broker", fmt.Sprintf("%s:%d", cfg.MQTT.Broker.Host, cfg.MQTT.Broker.Port),
			"client_id", cfg.MQTT.Broker.ClientID,
		)
		publisher = mqttClient
		checks["mqtt"] = mqttClient
	} else {
		log.Info("MQTT disabled")
	}

	opts := supervisor.Options{
		Entries:        entryRepo,
		Imported:       importedRepo,
		NewStack:       newStack,
		Debounce:       cfg.GetDebounce(),
		HealthInterval: cfg.GetHealthInterval(),
		Remote: supervisor.RemoteSettings{
			Enabled:             cfg.Remote.Enabled,
			DiscoveryTimeout:    cfg.GetDiscoveryTimeout(),
			RediscoveryInterval: cfg.GetRediscoveryInterval(),
			PointScanLimit:      cfg.Remote.PointScanLimit,
			Lease:               cfg.GetCOVLease(),
			ResubscribeInitial:  cfg.GetResubscribeInitial(),
			ResubscribeMax:      cfg.GetResubscribeMax(),
		},
		Publisher: publisher,
		Logger:    log.Component("supervisor"),
	}

	checks["influxdb"] = nil
	if cfg.InfluxDB.Enabled {
		influxClient, influxErr := influxdb.Connect(cfg.InfluxDB)
		if influxErr != nil {
			return fmt.Errorf("connecting to InfluxDB: %w", influxErr)
		}
		defer func() {
			stats := influxClient.Stats()
			log.Info("closing InfluxDB connection",
				"written", stats.Written,
				"dropped", stats.Dropped,
				"failed", stats.Failed,
			)
			if closeErr := influxClient.Close(); closeErr != nil {
				log.Error("error closing InfluxDB", "error", closeErr)
			}
		}()
		influxClient.SetOnError(func(err error) {
			log.Error("InfluxDB write error", "error", err)
		})
		log.Info("InfluxDB connected",
			"url", cfg.InfluxDB.URL,
			"org", cfg.InfluxDB.Org,
			"bucket", cfg.InfluxDB.Bucket,
		)
		opts.History = influxClient
		checks["influxdb"] = influxClient
	} else {
		log.Info("InfluxDB disabled")
	}

	haClient, err := homeassistant.Dial(ctx, homeassistant.Config{
		URL:    cfg.HomeAssistant.URL,
		Token:  cfg.HomeAssistant.Token,
		Logger: log.Component("homeassistant"),
	})
	if err != nil {
		return fmt.Errorf("connecting to Home Assistant: %w", err)
	}
	defer func() {
		if closeErr := haClient.Close(); closeErr != nil {
			log.Error("error closing Home Assistant connection", "error", closeErr)
		}
	}()
	log.Info("Home Assistant connected", "url", cfg.HomeAssistant.URL)
	opts.Platform = haClient

	collector := metrics.New()
	opts.Metrics = collector

	wsHub := api.NewHub(cfg.WebSocket, log.Component("websocket"))
	opts.OnChange = wsHub.PublishChange
	opts.OnCycle = wsHub.PublishCycle
	opts.OnSubscription = wsHub.PublishSubscription

	sup, err := supervisor.New(opts)
	if err != nil {
		return fmt.Errorf("creating supervisor: %w", err)
	}
	if err := sup.Start(ctx); err != nil {
		return fmt.Errorf("starting entries: %w", err)
	}
	defer func() {
		log.Info("stopping entries")
		sup.Stop()
	}()

	apiServer, err := api.New(api.Deps{
		Config:      cfg.API,
		WS:          cfg.WebSocket,
		Security:    cfg.Security,
		Logger:      log.Component("api"),
		Controller:  sup,
		Metrics:     collector.Handler(),
		Checks:      checks,
		Audit:       audit.NewSQLiteRepository(db.DB),
		ExternalHub: wsHub,
		Version:     version,
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

	log.Info("initialisation complete, waiting for shutdown signal")

	select {
	case <-ctx.Done():
		log.Info("shutdown signal received, cleaning up")
	case <-haClient.Done():
		return fmt.Errorf("home assistant connection lost: %w", haClient.Err())
	}

	log.Info("BACnet hub stopped")
	return nil
}

// newStack builds the BACnet stack for one entry.
func newStack(_ store.Entry) (bacnet.Stack, error) {
	return bacnet.NewMemoryStack(), nil
}

// getConfigPath returns the configuration file path.
// Uses BACNETHUB_CONFIG environment variable if set, otherwise default.
func getConfigPath() string {
	if path := os.Getenv("BACNETHUB_CONFIG"); path != "" {
		return path
	}
	return defaultConfigPath
}

// issueToken signs a maintenance API token with the configured secret and
// writes it to w.
func issueToken(configPath string, role auth.Role, subject string, w io.Writer) error {
	if !auth.IsValidRole(role) {
		return fmt.Errorf("%w: %q", auth.ErrInvalidRole, role)
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	token, err := auth.GenerateToken(subject, role, cfg.Security.JWT.Secret, cfg.GetTokenTTL())
	if err != nil {
		return fmt.Errorf("signing token: %w", err)
	}
	_, err = fmt.Fprintln(w, token)
	return err
}
