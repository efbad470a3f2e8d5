// Deerma Bridge - cloud water purifier bridge for Home Assistant
//
// This is the main entry point for the bridge. It keeps one shadow record
// per purifier, fed by REST polling and the vendor's MQTT delta stream,
// and exposes it to Home Assistant over a local MQTT broker and to other
// clients over a small REST and WebSocket API.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nerrad567/deerma-bridge/internal/api"
	"github.com/nerrad567/deerma-bridge/internal/cloud"
	"github.com/nerrad567/deerma-bridge/internal/command"
	"github.com/nerrad567/deerma-bridge/internal/infrastructure/config"
	"github.com/nerrad567/deerma-bridge/internal/infrastructure/database"
	"github.com/nerrad567/deerma-bridge/internal/infrastructure/influxdb"
	"github.com/nerrad567/deerma-bridge/internal/infrastructure/logging"
	"github.com/nerrad567/deerma-bridge/internal/infrastructure/mqtt"
	"github.com/nerrad567/deerma-bridge/internal/metrics"
	"github.com/nerrad567/deerma-bridge/internal/poller"
	"github.com/nerrad567/deerma-bridge/internal/registry"
	"github.com/nerrad567/deerma-bridge/internal/session"
	"github.com/nerrad567/deerma-bridge/internal/shadow"
	"github.com/nerrad567/deerma-bridge/internal/subscriber"
	"github.com/nerrad567/deerma-bridge/migrations"
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

const (
	// retention is how long field history and command log rows are kept.
	retention = 30 * 24 * time.Hour

	// pruneInterval is how often old rows are removed.
	pruneInterval = 6 * time.Hour
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run is the actual application logic, separated from main for testability.
// It returns nil on clean shutdown.
func run(ctx context.Context) error {
	log := logging.Default()
	log.Info("starting Deerma bridge",
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

	// Open database
	db, err := database.Open(ctx, database.Config{
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
	log.Info("database connected", "path", cfg.Database.Path)

	if migrateErr := db.Migrate(ctx, migrations.FS); migrateErr != nil {
		return fmt.Errorf("running migrations: %w", migrateErr)
	}
	log.Info("database migrations complete")

	m := metrics.New()

	// Shadow records
	reconciler := shadow.New(
		shadow.WithLogger(log.Component("shadow")),
		shadow.WithObserver(m),
	)
	reconciler.Subscribe(m.Listen)

	// Cloud session
	cloudClient := cloud.New(cloud.OptionsFromConfig(cfg.Cloud))
	cloudClient.SetLogger(log.Component("cloud"))

	sessions, err := startSessions(ctx, cfg, cloudClient, db, m, log)
	if err != nil {
		return err
	}

	// Sync
	poll := poller.New(cloudClient, sessions, reconciler, cfg.GetPollInterval())
	poll.SetLogger(log.Component("poller"))
	poll.SetObserver(m)

	sub := subscriber.New(cloudClient, sessions, reconciler, nil, subscriber.Options{
		ReconnectDelays: cfg.GetReconnectDelays(),
		QueueSize:       cfg.Sync.QueueSize,
		HandoffTimeout:  cfg.GetHandoffTimeout(),
		Resync:          poll.PollNow,
	})
	sub.SetLogger(log.Component("subscriber"))
	sub.SetObserver(m)

	// Optional InfluxDB telemetry
	var influxClient *influxdb.Client
	if cfg.InfluxDB.Enabled {
		influxClient, err = influxdb.Connect(ctx, cfg.InfluxDB)
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
			log.Error("InfluxDB write error", "error", err)
		})
		reconciler.Subscribe(shadow.TelemetryListener(influxClient))
		log.Info("InfluxDB connected",
			"url", cfg.InfluxDB.URL,
			"org", cfg.InfluxDB.Org,
			"bucket", cfg.InfluxDB.Bucket,
		)
	} else {
		log.Info("InfluxDB disabled")
	}

	// Commands
	commandLog := command.NewSQLiteLog(db.DB)
	dispatcher := command.New(sub, reconciler, commandLog, cfg.GetCommandTimeout())
	dispatcher.SetLogger(log.Component("command"))
	dispatcher.SetObserver(commandObservers{m, influxObserver{influxClient}})
	reconciler.Subscribe(dispatcher.Listen)

	// History
	history := shadow.NewSQLiteHistoryRepository(db.DB)
	recorder := shadow.NewHistoryRecorder(history, log.Component("history"))
	reconciler.Subscribe(recorder.Listen)

	// Home Assistant MQTT
	var reg *registry.Registry
	if cfg.MQTT.Enabled {
		var mqttClient *mqtt.Client
		reg, mqttClient, err = startRegistry(cfg, dispatcher, reconciler, log)
		if err != nil {
			return err
		}
		defer func() {
			log.Info("disconnecting from MQTT")
			reg.Stop()
			if closeErr := mqttClient.Close(); closeErr != nil {
				log.Error("error closing MQTT", "error", closeErr)
			}
		}()
		reconciler.Subscribe(reg.Listen)
		dispatcher.OnFailure(reg.CommandFailed)
	} else {
		log.Info("MQTT disabled, Home Assistant integration off")
	}

	// HTTP API
	var srv *api.Server
	if cfg.API.Enabled {
		srv, err = api.New(api.Deps{
			Config:     cfg.API,
			WS:         cfg.WebSocket,
			Logger:     log.Component("api"),
			Shadows:    reconciler,
			Commands:   dispatcher,
			CommandLog: commandLog,
			History:    history,
			Poller:     poll,
			Sessions:   sessions,
			Metrics:    m.Handler(),
			Version:    version,
		})
		if err != nil {
			return fmt.Errorf("creating API server: %w", err)
		}
		reconciler.Subscribe(srv.Hub().Listen)
		dispatcher.OnFailure(srv.Hub().CommandFailed)
		if err := srv.Start(ctx); err != nil {
			return fmt.Errorf("starting API server: %w", err)
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return poll.Run(gctx) })
	g.Go(func() error { return recorder.Run(gctx) })
	g.Go(func() error { return prune(gctx, history, commandLog, db, log) })
	g.Go(func() error {
		devices, ok := discover(gctx, poll, cfg.GetPollInterval(), log)
		if !ok {
			return nil
		}
		if reg != nil {
			if err := reg.Announce(devices); err != nil {
				log.Warn("home assistant discovery failed", "error", err)
			}
		}
		ids := make([]string, 0, len(devices))
		for _, d := range devices {
			ids = append(ids, d.ID)
		}
		return sub.Run(gctx, ids)
	})

	log.Info("initialisation complete, waiting for shutdown signal")
	<-gctx.Done()
	log.Info("shutdown signal received, cleaning up")

	if srv != nil {
		if err := srv.Close(); err != nil {
			log.Error("error closing API server", "error", err)
		}
	}
	dispatcher.Close()

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.Error("background task failed", "error", err)
		return err
	}

	log.Info("Deerma bridge stopped")
	return nil
}

// getConfigPath returns the configuration file path.
// Uses DEERMA_CONFIG environment variable if set, otherwise default.
func getConfigPath() string {
	if path := os.Getenv("DEERMA_CONFIG"); path != "" {
		return path
	}
	return defaultConfigPath
}

// startSessions creates the session manager and loads any persisted session.
func startSessions(ctx context.Context, cfg *config.Config, client *cloud.Client, db *database.DB, m *metrics.Metrics, log *logging.Logger) (*session.Manager, error) {
	mode, err := session.ParseMode(cfg.Account.LoginMode)
	if err != nil {
		return nil, fmt.Errorf("account config: %w", err)
	}

	mgr := session.NewManager(client, session.NewSQLiteStore(db.DB), session.OptionsFromConfig(cfg.Cloud))
	mgr.SetLogger(log.Component("session"))
	mgr.OnChange(m.ObserveSession)
	mgr.SetCredential(mode, cfg.Account.Phone, cfg.Account.Secret)

	if err := mgr.Restore(ctx); err != nil {
		log.Warn("could not restore cloud session", "error", err)
	}
	if cur, ok := mgr.Current(); ok {
		m.ObserveSession(cur)
		return mgr, nil
	}

	// An SMS code is single use, so it is only spent when nothing was
	// restored. Without one the session comes from POST /api/v1/auth/session.
	if mode == session.ModeCode && cfg.Account.Secret != "" {
		if _, err := mgr.Authenticate(ctx, mode, cfg.Account.Phone, cfg.Account.Secret); err != nil {
			log.Warn("sms code login failed", "error", err)
		}
	}
	return mgr, nil
}

// startRegistry connects to the local broker and starts the Home Assistant
// registry. Every (re)connect republishes discovery and state, since the
// broker may have lost retained messages.
func startRegistry(cfg *config.Config, commands registry.Commander, snapshots registry.Snapshots, log *logging.Logger) (*registry.Registry, *mqtt.Client, error) {
	topics := mqtt.Topics{
		Prefix:    cfg.HomeAssistant.TopicPrefix,
		Discovery: cfg.HomeAssistant.DiscoveryPrefix,
	}

	client, err := mqtt.Connect(mqtt.OptionsFromConfig(cfg.MQTT, topics.BridgeStatus()))
	if err != nil {
		return nil, nil, fmt.Errorf("connecting to MQTT: %w", err)
	}
	client.SetLogger(log.Component("mqtt"))
	log.Info("MQTT connected",
		"broker", fmt.Sprintf("%s:%d", cfg.MQTT.Broker.Host, cfg.MQTT.Broker.Port),
		"client_id", cfg.MQTT.Broker.ClientID,
	)

	reg := registry.New(client, commands, snapshots, topics, byte(cfg.MQTT.QoS))
	reg.SetLogger(log.Component("registry"))

	client.SetOnConnect(func() {
		log.Info("MQTT reconnected")
		reg.Republish()
	})
	client.SetOnDisconnect(func(err error) {
		log.Warn("MQTT disconnected", "error", err)
	})

	if err := reg.Start(); err != nil {
		_ = client.Close()
		return nil, nil, fmt.Errorf("starting registry: %w", err)
	}
	return reg, client, nil
}

// discover retries device discovery until it succeeds or ctx ends. In SMS
// mode the first attempt may fail until someone logs in over the API.
func discover(ctx context.Context, p *poller.Poller, retry time.Duration, log *logging.Logger) ([]cloud.Device, bool) {
	for {
		devices, err := p.Discover(ctx)
		if err == nil {
			return devices, true
		}
		log.Warn("device discovery failed, retrying", "error", err, "retry_in", retry)

		t := time.NewTimer(retry)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, false
		case <-t.C:
		}
	}
}

type historyPruner interface {
	Prune(ctx context.Context, olderThan time.Duration) (int64, error)
}

type commandPruner interface {
	Prune(ctx context.Context, cutoff time.Time) (int64, error)
}

type optimizer interface {
	Optimize(ctx context.Context) error
}

// prune removes history and command log rows older than retention, then
// lets SQLite refresh its statistics when anything was removed.
func prune(ctx context.Context, history historyPruner, commands commandPruner, db optimizer, log *logging.Logger) error {
	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()

	for {
		var removed int64
		if n, err := history.Prune(ctx, retention); err != nil {
			log.Warn("pruning field history failed", "error", err)
		} else if n > 0 {
			removed += n
			log.Info("pruned field history", "rows", n)
		}
		if n, err := commands.Prune(ctx, time.Now().Add(-retention)); err != nil {
			log.Warn("pruning command log failed", "error", err)
		} else if n > 0 {
			removed += n
			log.Info("pruned command log", "rows", n)
		}
		if removed > 0 {
			if err := db.Optimize(ctx); err != nil {
				log.Warn("database optimize failed", "error", err)
			}
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// commandObservers fans command transitions out to several observers.
type commandObservers []command.Observer

func (o commandObservers) ObserveCommand(deviceID string, field shadow.Field, state command.State, latency time.Duration) {
	for _, obs := range o {
		obs.ObserveCommand(deviceID, field, state, latency)
	}
}

// influxObserver writes command outcomes to InfluxDB. A nil client is a no-op.
type influxObserver struct {
	client *influxdb.Client
}

func (o influxObserver) ObserveCommand(deviceID string, field shadow.Field, state command.State, latency time.Duration) {
	if o.client == nil || !state.Terminal() {
		return
	}
	o.client.WriteCommandResult(deviceID, string(field), string(state), latency)
}
