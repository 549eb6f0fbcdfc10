// HomeGrow Core - grow-room automation node
//
// This is the main entry point for a HomeGrow node. The node announces its
// REST API, MQTT broker and WebSocket endpoint on the local network via
// multicast DNS, lets clients browse for other HomeGrow nodes, and relays
// discovery state over HTTP, WebSocket and MQTT.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/bitsperity/homegrow-core/internal/api"
	"github.com/bitsperity/homegrow-core/internal/discovery"
	"github.com/bitsperity/homegrow-core/internal/infrastructure/config"
	"github.com/bitsperity/homegrow-core/internal/infrastructure/influxdb"
	"github.com/bitsperity/homegrow-core/internal/infrastructure/logging"
	"github.com/bitsperity/homegrow-core/internal/infrastructure/mqtt"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=3.0.0 -X main.commit=abc123"
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

// errHelp is returned by parseFlags when --help or --version was handled.
var errHelp = errors.New("help requested")

// options holds the parsed command line.
type options struct {
	configPath  string
	showVersion bool
}

func main() {
	// Cancel on Ctrl+C or SIGTERM for graceful shutdown.
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	opts, err := parseFlags(os.Args[1:], os.Stdout)
	if errors.Is(err, errHelp) {
		return
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(2)
	}

	if err := run(ctx, opts); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// parseFlags parses args. --version prints build information to out and
// returns errHelp.
func parseFlags(args []string, out io.Writer) (options, error) {
	var opts options

	fs := pflag.NewFlagSet("homegrow", pflag.ContinueOnError)
	fs.SetOutput(out)
	fs.StringVarP(&opts.configPath, "config", "c", "", "path to config.yaml (default $HOMEGROW_CONFIG or "+config.DefaultPath+")")
	fs.BoolVar(&opts.showVersion, "version", false, "print version and exit")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return opts, errHelp
		}
		return opts, err
	}

	if opts.showVersion {
		fmt.Fprintf(out, "homegrow %s (commit %s, built %s)\n", version, commit, date)
		return opts, errHelp
	}
	return opts, nil
}

// run is the actual application logic, separated from main for testability.
// It blocks until ctx is cancelled, then shuts components down in reverse
// start order.
func run(ctx context.Context, opts options) error {
	log := logging.Default()
	log.Info("starting HomeGrow Core",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	configPath := getConfigPath(opts.configPath)
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

	// MQTT is optional: the node keeps running without a broker.
	mqttClient := connectMQTT(cfg, log)
	if mqttClient != nil {
		defer func() {
			log.Info("disconnecting from MQTT")
			if closeErr := mqttClient.Close(); closeErr != nil {
				log.Error("error closing MQTT", "error", closeErr)
			}
		}()
	}

	influxClient := connectInfluxDB(cfg, log)
	if influxClient != nil {
		defer func() {
			log.Info("closing InfluxDB connection")
			if closeErr := influxClient.Close(); closeErr != nil {
				log.Error("error closing InfluxDB", "error", closeErr)
			}
		}()
	}

	node, err := newDiscoveryNode(cfg, log)
	if err != nil {
		return fmt.Errorf("initialising discovery: %w", err)
	}
	if influxClient != nil {
		node.browser.SetRecorder(influxClient)
	}

	var publisher *mqtt.DiscoveryPublisher
	if mqttClient != nil {
		publisher = mqtt.NewDiscoveryPublisher(mqttClient, byte(cfg.MQTT.QoS), log)
		if subErr := publisher.ServeScanRequests(ctx, node.browser.Browse); subErr != nil {
			log.Warn("scan requests over MQTT unavailable", "error", subErr)
		}
		defer func() {
			if closeErr := publisher.Close(); closeErr != nil {
				log.Warn("unsubscribing scan requests failed", "error", closeErr)
			}
		}()
	}

	deps := api.Deps{
		Config:    cfg.API,
		WS:        cfg.WebSocket,
		Logger:    log,
		Discovery: node.announcer,
		Browser:   node.browser,
		Version:   version,
	}
	if publisher != nil {
		deps.Peers = publisher
	}
	if cfg.MQTT.Enabled {
		// A configured but unreachable broker reports as disconnected.
		deps.MQTT = mqttClient
	}
	if cfg.InfluxDB.Enabled {
		deps.InfluxDB = influxClient
	}
	server, err := api.New(deps)
	if err != nil {
		return fmt.Errorf("creating API server: %w", err)
	}

	node.announcer.SetOnStatusChange(func(st discovery.Status) {
		server.BroadcastStatus(st)
		if publisher != nil {
			if pubErr := publisher.PublishStatus(st); pubErr != nil {
				log.Warn("publishing discovery status failed", "error", pubErr)
			}
		}
		if influxClient != nil {
			influxClient.RecordStatus(st)
		}
	})

	startDone := node.startInBackground(ctx, cfg.Discovery.StartRetryMaxElapsed())
	defer func() {
		<-startDone
		report := node.announcer.Stop()
		log.Info("discovery stopped", "outcome", report.Outcome(), "unpublished", report.Unpublished)
	}()

	if err := server.Start(ctx); err != nil {
		return fmt.Errorf("starting API server: %w", err)
	}
	defer func() {
		if closeErr := server.Close(); closeErr != nil {
			log.Error("error closing API server", "error", closeErr)
		}
	}()
	log.Info("API server started", "address", server.Addr())

	log.Info("initialisation complete, waiting for shutdown signal")
	<-ctx.Done()
	log.Info("shutdown signal received, cleaning up")

	// Deferred calls run in reverse order:
	// 1. API server
	// 2. Discovery (waits for a start in progress, then Stop)
	// 3. MQTT scan request subscription (if enabled)
	// 4. InfluxDB (if enabled)
	// 5. MQTT (if enabled)

	return nil
}

// getConfigPath returns the configuration file path: the flag if set, then
// HOMEGROW_CONFIG, then config.DefaultPath.
func getConfigPath(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	if path := os.Getenv("HOMEGROW_CONFIG"); path != "" {
		return path
	}
	return config.DefaultPath
}

// connectMQTT returns nil when MQTT is disabled or paho rejected the
// connection outright. A broker that does not answer yet still yields a
// client that connects later.
func connectMQTT(cfg *config.Config, log *logging.Logger) *mqtt.Client {
	if !cfg.MQTT.Enabled {
		log.Info("MQTT disabled")
		return nil
	}

	broker := fmt.Sprintf("%s:%d", cfg.MQTT.Broker.Host, cfg.MQTT.Broker.Port)
	client, err := mqtt.Connect(cfg.MQTT)
	switch {
	case errors.Is(err, mqtt.ErrConnectionPending):
		// paho keeps dialling; subscriptions go out on the first connect.
		log.Warn("MQTT broker not reachable yet, retrying in background", "broker", broker, "error", err)
	case err != nil:
		log.Warn("MQTT unavailable, continuing without broker", "error", err)
		return nil
	default:
		log.Info("MQTT connected", "broker", broker, "client_id", cfg.MQTT.Broker.ClientID)
	}
	client.SetLogger(log)
	client.SetOnConnect(func() {
		log.Info("MQTT connected", "broker", broker)
	})
	return client
}

// connectInfluxDB returns nil when InfluxDB is disabled or unreachable.
func connectInfluxDB(cfg *config.Config, log *logging.Logger) *influxdb.Client {
	client, err := influxdb.Connect(cfg.InfluxDB)
	if errors.Is(err, influxdb.ErrDisabled) {
		log.Info("InfluxDB disabled")
		return nil
	}
	if err != nil {
		log.Warn("InfluxDB unavailable, continuing without telemetry", "error", err)
		return nil
	}
	client.SetOnError(func(err error) {
		log.Error("InfluxDB write error", "error", err)
	})
	log.Info("InfluxDB connected",
		"url", cfg.InfluxDB.URL,
		"org", cfg.InfluxDB.Org,
		"bucket", cfg.InfluxDB.Bucket,
	)
	return client
}
