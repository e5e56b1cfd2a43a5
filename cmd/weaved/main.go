// weaved - example host daemon embedding the weave device library.
//
// It wires the library's provider interfaces to real platform pieces:
// a SQLite-backed config store, a chi HTTP server, a single-goroutine
// task runner, an outbound HTTP client, and optional MQTT / InfluxDB
// bridges. The demo registers a three-LED flasher and a greeter so a
// fresh device has something to control.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	weave "github.com/weavekit/weave-core"
	"github.com/weavekit/weave-core/auth"
	"github.com/weavekit/weave-core/internal/infrastructure/config"
	"github.com/weavekit/weave-core/internal/infrastructure/httpd"
	"github.com/weavekit/weave-core/internal/infrastructure/influxdb"
	"github.com/weavekit/weave-core/internal/infrastructure/logging"
	"github.com/weavekit/weave-core/internal/infrastructure/mqttbus"
	"github.com/weavekit/weave-core/internal/infrastructure/runner"
	"github.com/weavekit/weave-core/internal/infrastructure/storage"
)

// Version information - set at build time via ldflags.
var (
	version = "dev"
	commit  = "unknown"
)

// Default configuration file path.
const defaultConfigPath = "configs/config.yaml"

// ledCount is the number of simulated LEDs on the demo device.
const ledCount = 3

// options are the parsed command-line arguments.
type options struct {
	help               bool
	forceBootstrapping bool
	disableSecurity    bool
	registrationTicket string
	configPath         string
}

func usage(out *os.File, name string) {
	fmt.Fprintf(out, "\nUsage: %s <option(s)>\n"+
		"Options:\n"+
		"\t-h,--help                    Show this help message\n"+
		"\t-b,--bootstrapping           Force WiFi bootstrapping\n"+
		"\t--disable_security           Disable local-surface security\n"+
		"\t--registration_ticket=TICKET Register device with the given ticket\n"+
		"\t--config=PATH                Configuration file (default %s)\n",
		name, defaultConfigPath)
}

// parseArgs parses the command line. The returned exit code is
// meaningful only when done is true: 0 for --help, 1 for a bad
// argument.
func parseArgs(args []string) (opts options, done bool, exitCode int) {
	opts.configPath = defaultConfigPath
	for _, arg := range args {
		switch {
		case arg == "-h" || arg == "--help":
			opts.help = true
			return opts, true, 0
		case arg == "-b" || arg == "--bootstrapping":
			opts.forceBootstrapping = true
		case arg == "--disable_security":
			opts.disableSecurity = true
		case strings.HasPrefix(arg, "--registration_ticket"):
			value, ok := cutFlagValue(arg)
			if !ok {
				return opts, true, 1
			}
			opts.registrationTicket = value
		case strings.HasPrefix(arg, "--config"):
			value, ok := cutFlagValue(arg)
			if !ok {
				return opts, true, 1
			}
			opts.configPath = value
		default:
			return opts, true, 1
		}
	}
	return opts, false, 0
}

func cutFlagValue(arg string) (string, bool) {
	_, value, ok := strings.Cut(arg, "=")
	if !ok || value == "" {
		return "", false
	}
	return value, true
}

func main() {
	opts, done, code := parseArgs(os.Args[1:])
	if done {
		if code == 0 {
			usage(os.Stdout, os.Args[0])
		} else {
			usage(os.Stderr, os.Args[0])
		}
		os.Exit(code)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, opts); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run is the actual daemon logic, separated from main for testability.
func run(ctx context.Context, opts options) error {
	log := logging.Default()
	log.Info("starting weaved", "version", version, "commit", commit)

	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	log = logging.New(cfg.Logging, version)
	log.Info("configuration loaded", "path", opts.configPath)

	defaults := cfg.DeviceDefaults()
	if opts.disableSecurity {
		// Grants every anonymous local caller full control. Development
		// only.
		defaults.LocalAnonymousAccessRole = auth.RoleOwner
		log.Warn("local-surface security disabled")
	}

	store, err := storage.Open(storage.Config{
		Path:        cfg.Storage.Path,
		BusyTimeout: cfg.Storage.BusyTimeout,
	}, defaults, log.With("component", "storage"))
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer func() {
		log.Info("closing storage")
		if closeErr := store.Close(); closeErr != nil {
			log.Error("error closing storage", "error", closeErr)
		}
	}()

	tasks := runner.New()

	httpServer, err := httpd.New(cfg.API, log.With("component", "httpd"))
	if err != nil {
		return fmt.Errorf("creating http server: %w", err)
	}

	network := newHostNetwork(tasks, opts.forceBootstrapping, log.With("component", "network"))
	network.Start(ctx)

	device, err := weave.Create(weave.Providers{
		ConfigStore: store,
		TaskRunner:  tasks,
		HTTPClient:  newHostHTTPClient(tasks),
		Network:     network,
		DNSSD:       newLoggingDNSSD(log.With("component", "dnssd")),
		HTTPServer:  httpServer,
		Wifi:        newLoggingWifi(log.With("component", "wifi")),
		Logger:      log.With("component", "weave"),
	})
	if err != nil {
		return fmt.Errorf("creating device: %w", err)
	}

	// Optional InfluxDB telemetry.
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
			log.Error("InfluxDB write error", "error", err)
		})
		log.Info("InfluxDB connected", "url", cfg.InfluxDB.URL, "bucket", cfg.InfluxDB.Bucket)
	} else {
		log.Info("InfluxDB disabled")
	}

	demo := newDemoHandler(device, influxClient, log.With("component", "demo"))
	demo.RegisterTraits()

	// Optional local MQTT bridge: commands in, state changes out.
	if cfg.MQTT.Enabled {
		bus, busErr := mqttbus.Connect(cfg.MQTT, func(payload map[string]any) error {
			// Command payloads from the bus run on the task runner like
			// every other surface.
			tasks.PostDelayedTask(func() {
				if _, addErr := device.AddCommand(payload); addErr != nil {
					log.Warn("mqtt command rejected", "error", addErr)
				}
			}, 0)
			return nil
		}, log.With("component", "mqtt"))
		if busErr != nil {
			return fmt.Errorf("connecting to MQTT: %w", busErr)
		}
		defer func() {
			log.Info("disconnecting from MQTT")
			bus.Close()
		}()
		demo.SetBus(bus)
		log.Info("MQTT connected",
			"broker", fmt.Sprintf("%s:%d", cfg.MQTT.Broker.Host, cfg.MQTT.Broker.Port))
	} else {
		log.Info("MQTT disabled")
	}

	if err := httpServer.Start(ctx); err != nil {
		return fmt.Errorf("starting http server: %w", err)
	}
	log.Info("http server listening", "port", httpServer.HTTPPort())

	if opts.registrationTicket != "" {
		device.Register(opts.registrationTicket, func(cloudID string, err error) {
			if err != nil {
				log.Error("device registration failed", "error", err)
				return
			}
			log.Info("device registered", "cloud_id", cloudID)
		})
	}

	log.Info("weaved running", "device_id", device.GetSettings().DeviceID)
	tasks.Run(ctx)
	log.Info("shutting down")
	return nil
}
