// Package main provides the entry point of the hms-mqtt-publish daemon.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	_ "github.com/joho/godotenv/autoload"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/resident-x/hms-mqtt-publish/internal/api"
	"github.com/resident-x/hms-mqtt-publish/internal/config"
	"github.com/resident-x/hms-mqtt-publish/internal/domain"
	"github.com/resident-x/hms-mqtt-publish/internal/homeassistant"
	"github.com/resident-x/hms-mqtt-publish/internal/inverter"
	"github.com/resident-x/hms-mqtt-publish/internal/pubsub"
	"github.com/resident-x/hms-mqtt-publish/internal/scheduler"
	"github.com/resident-x/hms-mqtt-publish/internal/session"
)

var (
	Version = "unknown" // Default version, can be overridden by build flags
)

// options are the command line flags.
type options struct {
	configFile  string
	fake        bool
	showVersion bool
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout)
	stop()
	os.Exit(code)
}

func parseFlags(args []string, output io.Writer) (options, error) {
	var opts options

	fs := flag.NewFlagSet("hms-mqtt-publish", flag.ContinueOnError)
	fs.SetOutput(output)
	fs.StringVar(&opts.configFile, "config", "config.yaml", "Path to configuration file")
	fs.BoolVar(&opts.fake, "fake", false, "Poll fake inverters instead of real devices")
	fs.BoolVar(&opts.showVersion, "version", false, "Show version information")

	err := fs.Parse(args)
	return opts, err
}

// run starts the daemon and blocks until ctx is cancelled.
func run(ctx context.Context, args []string, stdout io.Writer) int {
	opts, err := parseFlags(args, stdout)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}

	if opts.showVersion {
		fmt.Fprintf(stdout, "hms-mqtt-publish %s\n", Version)
		return 0
	}

	cfg, err := config.Load(opts.configFile)
	if err != nil {
		fmt.Fprintf(stdout, "Failed to load configuration: %v\n", err)
		return 1
	}
	if opts.fake {
		cfg.Fake = true
	}

	initLogger(cfg.LogLevel)

	if err := cfg.Validate(); err != nil {
		log.Error().Err(err).Msg("Invalid configuration")
		return 1
	}

	log.Info().Str("version", Version).Msg("Starting hms-mqtt-publish")
	cfg.Print()

	manager := session.NewSessionManager(session.Config{})
	inverters := buildInverters(cfg, manager)

	sinks, err := buildSinks(ctx, cfg)
	if err != nil {
		log.Error().Err(err).Msg("Failed to initialize sinks")
		return 1
	}

	metrics := scheduler.NewMetrics()
	poller, err := scheduler.NewPollScheduler(inverters, sinks, domain.NewDeviceRegistry(), metrics,
		scheduler.Config{Interval: cfg.Interval()})
	if err != nil {
		log.Error().Err(err).Msg("Failed to create poll scheduler")
		return 1
	}

	var apiServer *api.Server
	if cfg.API.Enabled {
		apiServer = api.NewServer(cfg, poller.Registry(),
			api.WithScheduler(poller),
			api.WithSessions(manager),
			api.WithMetrics(metrics.Registry()),
			api.WithVersion(Version))
		if err := apiServer.Start(ctx); err != nil {
			log.Error().Err(err).Msg("Failed to start API server")
			return 1
		}
	}

	if err := poller.Start(ctx); err != nil {
		log.Error().Err(err).Msg("Failed to start poll scheduler")
		return 1
	}

	<-ctx.Done()
	log.Info().Msg("Shutdown signal received")

	// Create context with timeout for graceful shutdown
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	code := 0
	if err := poller.Stop(); err != nil {
		log.Error().Err(err).Msg("Error stopping poll scheduler")
		code = 1
	}
	if err := poller.Close(); err != nil {
		log.Warn().Err(err).Msg("Error closing sinks")
	}
	if apiServer != nil {
		if err := apiServer.Stop(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Error stopping API server")
			code = 1
		}
	}

	log.Info().Msg("Stopped")
	return code
}

// buildInverters creates one client per configured host. Fake inverters
// report their host as serial.
func buildInverters(cfg *config.Config, manager *session.SessionManager) []inverter.Inverter {
	inverters := make([]inverter.Inverter, 0, len(cfg.InverterHosts))
	for _, host := range cfg.InverterHosts {
		if cfg.Fake {
			inverters = append(inverters, inverter.NewFakeInverter(host, host))
			continue
		}
		inverters = append(inverters, inverter.NewHMSInverter(host, manager.Get(host),
			inverter.Config{StrictFrames: cfg.StrictFrames}))
	}
	return inverters
}

// buildSinks connects one sink per enabled MQTT section. A broker that
// cannot be reached at start is skipped with a warning.
func buildSinks(ctx context.Context, cfg *config.Config) ([]domain.MetricPublisher, error) {
	var sinks []domain.MetricPublisher

	if cfg.MQTT.Enabled {
		if client := connect(ctx, cfg.MQTT, "mqtt"); client != nil {
			sinks = append(sinks, pubsub.NewMetricsPublisher(client, cfg.MQTT.BaseTopic, cfg.MQTT.Aliases()))
		}
	}

	if cfg.SimpleMQTT.Enabled {
		loc, err := cfg.Location()
		if err != nil {
			return nil, err
		}
		if client := connect(ctx, cfg.SimpleMQTT, "simple_mqtt"); client != nil {
			sinks = append(sinks, pubsub.NewSimplePublisher(client, cfg.SimpleMQTT.BaseTopic, loc))
		}
	}

	if cfg.HomeAssistant.Enabled {
		if client := connect(ctx, cfg.HomeAssistant.MQTTConfig, "home_assistant"); client != nil {
			ha, err := homeassistant.New(client, homeassistant.ConfigFrom(cfg.HomeAssistant, Version))
			if err != nil {
				_ = client.Close()
				return nil, err
			}
			sinks = append(sinks, ha)
		}
	}

	if len(sinks) == 0 {
		log.Info().Msg("No MQTT sink available, using noop publisher")
		sinks = append(sinks, pubsub.NewNoopPublisher())
	}

	return sinks, nil
}

func connect(ctx context.Context, cfg config.MQTTConfig, section string) *pubsub.MQTTClient {
	client := pubsub.NewMQTTClient(cfg)
	if err := client.Connect(ctx); err != nil {
		log.Warn().Err(err).Str("sink", section).Msg("Failed to connect to MQTT broker, sink disabled")
		return nil
	}
	log.Info().Str("sink", section).Msg("MQTT sink connected successfully")
	return client
}

// initLogger configures the global zerolog logger.
func initLogger(level string) {
	output := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}

	logLevel, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil || level == "" {
		fmt.Fprintf(os.Stderr, "Invalid log level '%s', defaulting to 'info'\n", level)
		logLevel = zerolog.InfoLevel
	}

	zerolog.SetGlobalLevel(logLevel)
	log.Logger = zerolog.New(output).
		With().
		Timestamp().
		Logger()
}
