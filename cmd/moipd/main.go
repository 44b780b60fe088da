// MoIP Manager daemon.
//
// moipd keeps a live connection to a Binary MoIP controller over both of its
// control planes, mirrors routing and device state into memory, and exposes
// that state through the HTTP API, MQTT and (optionally) InfluxDB.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/bbellwfu/moip-manager/internal/api"
	"github.com/bbellwfu/moip-manager/internal/bridges/moip"
	"github.com/bbellwfu/moip-manager/internal/infrastructure/config"
	"github.com/bbellwfu/moip-manager/internal/infrastructure/database"
	"github.com/bbellwfu/moip-manager/internal/infrastructure/influxdb"
	"github.com/bbellwfu/moip-manager/internal/infrastructure/logging"
	"github.com/bbellwfu/moip-manager/internal/infrastructure/mqtt"
	"github.com/bbellwfu/moip-manager/internal/settings"
	"github.com/bbellwfu/moip-manager/migrations"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

const (
	defaultConfigPath = "configs/config.yaml"

	// subscriptionBuffer is the change buffer given to the recorder.
	subscriptionBuffer = 256

	startupCheckTimeout = 5 * time.Second
)

// options are the command-line flags.
type options struct {
	configPath  string
	logLevel    string
	showVersion bool
}

func main() {
	opts, err := parseFlags(os.Args[1:], os.Stderr)
	if err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(2)
	}
	if opts.showVersion {
		fmt.Printf("moipd %s (commit %s, built %s)\n", version, commit, date)
		return
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, opts); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// parseFlags parses args into options. The config path falls back to
// MOIP_CONFIG and then to defaultConfigPath.
func parseFlags(args []string, output io.Writer) (options, error) {
	var opts options

	flagSet := pflag.NewFlagSet("moipd", pflag.ContinueOnError)
	flagSet.SetOutput(output)
	flagSet.StringVarP(&opts.configPath, "config", "c", "", "path to the YAML configuration file (env: MOIP_CONFIG)")
	flagSet.StringVar(&opts.logLevel, "log-level", "", "override logging.level (debug, info, warn, error)")
	flagSet.BoolVar(&opts.showVersion, "version", false, "print version information and exit")

	if err := flagSet.Parse(args); err != nil {
		return options{}, err
	}
	if rest := flagSet.Args(); len(rest) > 0 {
		return options{}, fmt.Errorf("unexpected argument: %s", rest[0])
	}

	if opts.configPath == "" {
		opts.configPath = getConfigPath()
	}
	return opts, nil
}

// run is the application logic, separated from main for testability.
// It blocks until ctx is cancelled, then tears components down in reverse
// order of startup.
func run(ctx context.Context, opts options) error {
	log := logging.Default()
	log.Info("starting moip manager", "version", version, "commit", commit, "build_date", date)

	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	log = logging.New(cfg.Logging, version)
	if opts.logLevel != "" {
		log.SetLevel(opts.logLevel)
	}
	log.Info("configuration loaded",
		"config", opts.configPath,
		"controller_host", cfg.Controller.Host,
		"database", cfg.Database.Enabled,
		"mqtt", cfg.MQTT.Enabled,
		"influxdb", cfg.InfluxDB.Enabled,
		"api", cfg.API.Enabled,
	)
	if !cfg.Controller.TLS.Verify {
		log.Warn("controller certificate verification is disabled")
	}

	source, closeSettings, err := openSettings(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer closeSettings()

	ctrl := moip.New(controllerOptions(cfg, source, log))
	if err := ctrl.Start(ctx); err != nil {
		return fmt.Errorf("starting controller link: %w", err)
	}
	defer ctrl.Stop()
	log.Info("controller link started")

	var mqttClient *mqtt.Client
	if cfg.MQTT.Enabled {
		var bridge *moip.Bridge
		mqttClient, bridge, err = startMQTT(ctx, cfg, ctrl, log)
		if err != nil {
			return err
		}
		defer func() {
			bridge.Stop()
			if closeErr := mqttClient.Close(); closeErr != nil {
				log.Error("error closing MQTT", "error", closeErr)
			}
		}()
	}

	if cfg.InfluxDB.Enabled {
		influxClient, recorder, influxErr := startRecorder(ctx, cfg, ctrl, log)
		if influxErr != nil {
			return influxErr
		}
		defer func() {
			recorder.Stop()
			if closeErr := influxClient.Close(); closeErr != nil {
				log.Error("error closing InfluxDB", "error", closeErr)
			}
		}()
	}

	if cfg.API.Enabled {
		deps := api.Deps{
			Config:     cfg.API,
			WS:         cfg.WebSocket,
			Logger:     log,
			Controller: ctrl,
			Version:    version,
		}
		if mqttClient != nil {
			deps.MQTT = mqttClient
		}
		server, apiErr := api.New(deps)
		if apiErr != nil {
			return fmt.Errorf("creating API server: %w", apiErr)
		}
		if apiErr = server.Start(ctx); apiErr != nil {
			return fmt.Errorf("starting API server: %w", apiErr)
		}
		defer func() {
			if closeErr := server.Close(); closeErr != nil {
				log.Error("error closing API server", "error", closeErr)
			}
		}()
	}

	log.Info("moip manager started")

	<-ctx.Done()
	log.Info("shutting down")

	return nil
}

// openSettings returns the settings source for the controller link. With the
// database enabled, values stored there take precedence over the config file.
func openSettings(ctx context.Context, cfg *config.Config, log *logging.Logger) (moip.SettingsSource, func(), error) {
	fallback := settings.FromConfig(cfg.Controller)
	if !cfg.Database.Enabled {
		return moip.StaticSettings(fallback), func() {}, nil
	}

	db, err := database.Open(ctx, database.Config{
		Path:        cfg.Database.Path,
		WALMode:     cfg.Database.WALMode,
		BusyTimeout: cfg.Database.BusyTimeout,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("opening database: %w", err)
	}

	applied, err := db.Migrate(ctx, migrations.FS)
	if err != nil {
		db.Close() //nolint:errcheck // already failing
		return nil, nil, fmt.Errorf("running migrations: %w", err)
	}
	log.Info("database ready", "path", db.Path(), "migrations_applied", applied)

	closeFn := func() {
		if closeErr := db.Close(); closeErr != nil {
			log.Error("error closing database", "error", closeErr)
		}
	}
	return settings.NewStore(db.DB, fallback), closeFn, nil
}

// controllerOptions translates configuration into facade options.
func controllerOptions(cfg *config.Config, source moip.SettingsSource, log *logging.Logger) moip.Options {
	cc := cfg.Controller
	return moip.Options{
		Settings: source,
		Line: moip.LineConfig{
			ConnectTimeout: cc.ConnectTimeout(),
		},
		Rest: moip.RestConfig{
			RequestTimeout:  cc.RequestTimeout(),
			TokenMargin:     cc.TokenMargin(),
			EventStreamPath: cc.EventStreamPath,
		},
		Supervisor: moip.SupervisorConfig{
			InitialDelay:      cc.ReconnectInitialDelay(),
			MaxDelay:          cc.ReconnectMaxDelay(),
			Jitter:            cc.Reconnect.Jitter,
			HeartbeatInterval: cc.HeartbeatInterval(),
			HeartbeatMisses:   cc.Timeouts.HeartbeatMisses,
			RequestTimeout:    cc.RequestTimeout(),
		},
		RequestTimeout:   cc.RequestTimeout(),
		EagerSwitchWrite: cc.EagerSwitchWrite,
		DisableREST:      cc.DisableREST,
		Logger:           log.With("component", "moip"),
	}
}

// startMQTT connects to the broker and starts the state bridge.
func startMQTT(ctx context.Context, cfg *config.Config, ctrl *moip.Controller, log *logging.Logger) (*mqtt.Client, *moip.Bridge, error) {
	client, err := mqtt.Connect(cfg.MQTT)
	if err != nil {
		return nil, nil, fmt.Errorf("connecting to MQTT: %w", err)
	}
	client.SetLogger(log)

	checkCtx, cancel := context.WithTimeout(ctx, startupCheckTimeout)
	defer cancel()
	if err := client.HealthCheck(checkCtx); err != nil {
		log.Warn("MQTT not yet connected, continuing", "error", err)
	}

	bridge, err := moip.NewBridge(moip.BridgeOptions{
		Controller:     ctrl,
		MQTTClient:     client,
		QoS:            byte(cfg.MQTT.QoS), //nolint:gosec // validated to 0..2
		HealthInterval: time.Duration(cfg.MQTT.HealthInterval) * time.Second,
		Version:        version,
		Service:        logging.ServiceName,
		Logger:         log.With("component", "mqtt-bridge"),
	})
	if err != nil {
		client.Close() //nolint:errcheck // already failing
		return nil, nil, fmt.Errorf("creating MQTT bridge: %w", err)
	}
	if err := bridge.Start(ctx); err != nil {
		client.Close() //nolint:errcheck // already failing
		return nil, nil, fmt.Errorf("starting MQTT bridge: %w", err)
	}
	log.Info("MQTT bridge started", "broker", cfg.MQTT.Broker.Host)
	return client, bridge, nil
}

// startRecorder connects to InfluxDB and starts recording transitions.
func startRecorder(ctx context.Context, cfg *config.Config, ctrl *moip.Controller, log *logging.Logger) (*influxdb.Client, *moip.Recorder, error) {
	client, err := influxdb.Connect(cfg.InfluxDB)
	if err != nil {
		return nil, nil, fmt.Errorf("connecting to InfluxDB: %w", err)
	}
	client.SetOnError(func(writeErr error) {
		log.Warn("influxdb write failed", "error", writeErr)
	})

	checkCtx, cancel := context.WithTimeout(ctx, startupCheckTimeout)
	defer cancel()
	if err := client.HealthCheck(checkCtx); err != nil {
		log.Warn("InfluxDB health check failed, continuing", "error", err)
	}

	recorder := moip.NewRecorder(client, log.With("component", "recorder"))
	recorder.Start(ctrl.Subscribe(subscriptionBuffer))
	log.Info("telemetry recorder started", "bucket", cfg.InfluxDB.Bucket)
	return client, recorder, nil
}

// getConfigPath returns the configuration file path from the environment,
// or the default.
func getConfigPath() string {
	if path := os.Getenv("MOIP_CONFIG"); path != "" {
		return path
	}
	return defaultConfigPath
}
