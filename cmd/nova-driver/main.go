package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/jkaberg/nova-driver/internal/app"
	"github.com/jkaberg/nova-driver/internal/backend"
	"github.com/jkaberg/nova-driver/internal/bus"
	"github.com/jkaberg/nova-driver/internal/config"
	"github.com/jkaberg/nova-driver/internal/driver"
	"github.com/jkaberg/nova-driver/internal/geofence"
	"github.com/jkaberg/nova-driver/internal/location"
	"github.com/jkaberg/nova-driver/internal/mqtt"
	"github.com/jkaberg/nova-driver/internal/netutil"
	"github.com/jkaberg/nova-driver/internal/notify"
	"github.com/jkaberg/nova-driver/internal/poller"
	"github.com/jkaberg/nova-driver/internal/snapshot"
	"github.com/jkaberg/nova-driver/internal/transmission"
	"github.com/jkaberg/nova-driver/internal/wallet"
	"github.com/sirupsen/logrus"
	"github.com/subosito/gotenv"
)

// version is injected at build time via ldflags
var version = "dev"

func main() {
	// .env is optional; real environment variables win over it, flags win
	// over both.
	envErr := gotenv.Load()

	cfg, cfgErr := parseFlags()
	if cfgErr != nil {
		setupLogger(false).WithError(cfgErr).Fatal("Invalid environment")
	}
	logger := setupLogger(cfg.Verbose)
	if envErr != nil && !errors.Is(envErr, fs.ErrNotExist) {
		logger.WithError(envErr).Warn("Failed to load .env file")
	}
	if err := cfg.Validate(); err != nil {
		logger.WithError(err).Fatal("Invalid configuration")
	}
	setupCustomDNSResolver(logger)

	logger.WithFields(logrus.Fields{
		"version":        version,
		"device_id":      cfg.DeviceID,
		"backend":        cfg.BackendURL,
		"mock":           cfg.MockMode,
		"session_poll":   cfg.SessionPoll,
		"exclusive_poll": cfg.ExclusivePoll,
	}).Info("Starting nova-driver")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sig
		logger.Info("Shutdown signal received")
		cancel()
	}()

	chargers, err := config.LoadChargers(cfg.ChargersFile)
	if err != nil {
		logger.WithError(err).Fatal("Failed to load chargers")
	}
	if len(chargers) == 0 {
		logger.Warn("No chargers configured; the geofence will never report in-radius")
	}

	// Core ----------------------------------------------------------------------
	httpClient := netutil.NewHTTPClient(cfg.GetAPITimeout(), cfg.Insecure, logger)
	api := backend.NewClient(cfg.BackendURL, httpClient, backend.NewStaticToken(cfg.AuthToken), config.ExclusiveCacheTTL, logger)
	events := bus.New()
	defer events.Close()

	machine := driver.New(api, events, driver.Options{MockMode: cfg.MockMode}, logger)
	sessions := poller.New(api, events, cfg.SessionPoll, logger)
	redeemer := wallet.NewRedeemer(api, logger)
	tracker := geofence.NewTracker(chargers, cfg.GeofenceRadiusM)

	// Optional collaborators ----------------------------------------------------
	var opts app.Options

	if cfg.UseDeviceGPS {
		opts.Location = location.NewDumpsysProvider(logger)
	}

	if cfg.SnapshotPath != "" {
		store, err := snapshot.Open(cfg.SnapshotPath)
		if err != nil {
			logger.WithError(err).Warn("Snapshot store unavailable; starting in browse mode")
		} else {
			defer store.Close()
			opts.Snapshot = store
		}
	}

	if cfg.Notifications {
		opts.Notifier = notify.NewTermuxNotifier(logger)
	}

	if cfg.HasMQTT() {
		mqttClient, err := mqtt.NewClient(cfg.MQTTUrl, cfg.DeviceID, logger)
		if err != nil {
			logger.WithError(err).Fatal("Failed to create MQTT client")
		}
		defer mqttClient.Disconnect(250)
		opts.Sink = transmission.NewMQTTTransmitter(mqttClient, cfg.DeviceID, cfg.DiscoveryPrefix, logger)
		opts.Commands = mqttClient
		opts.CommandTopic = mqtt.CommandTopic(cfg.DeviceID)
		logger.Info("MQTT transmitter ready")
	} else {
		logger.Warn("No MQTT broker configured; driver state will only be logged")
	}

	// Run application ------------------------------------------------------------
	a := app.New(cfg, machine, sessions, redeemer, tracker, events, opts, logger)
	a.Bootstrap(ctx, time.Now())
	if err := a.Run(ctx); err != nil {
		logger.WithError(err).Error("app: exited with error")
	}

	logger.Info("nova-driver stopped")
}

// -----------------------------------------------------------------------------
// Helpers & Flags
// -----------------------------------------------------------------------------

func parseFlags() (*config.Config, error) {
	cfg := config.GetDefaultConfig()
	cfg.DeviceID = generateDeviceID()
	if err := cfg.LoadEnv(); err != nil {
		return nil, err
	}

	showVersion := flag.Bool("version", false, "Show version and exit")

	flag.StringVar(&cfg.BackendURL, "backend-url", cfg.BackendURL, "Rewards backend base URL")
	flag.StringVar(&cfg.AuthToken, "auth-token", cfg.AuthToken, "Driver session token")
	flag.IntVar(&cfg.APITimeout, "api-timeout", cfg.APITimeout, "Backend request timeout in seconds")
	flag.BoolVar(&cfg.Insecure, "insecure", cfg.Insecure, "Skip backend TLS verification")
	flag.StringVar(&cfg.MQTTUrl, "mqtt-url", cfg.MQTTUrl, "MQTT URL")
	flag.StringVar(&cfg.DiscoveryPrefix, "discovery-prefix", cfg.DiscoveryPrefix, "HA discovery prefix")
	flag.StringVar(&cfg.DeviceID, "device-id", cfg.DeviceID, "Device identifier")
	flag.BoolVar(&cfg.Verbose, "verbose", cfg.Verbose, "Verbose logging")
	flag.BoolVar(&cfg.MockMode, "mock", cfg.MockMode, "Synthesize exclusives locally")
	flag.StringVar(&cfg.ChargersFile, "chargers", cfg.ChargersFile, "JSON file with known chargers")
	flag.StringVar(&cfg.SnapshotPath, "snapshot", cfg.SnapshotPath, "SQLite file for the last known location (empty disables)")
	flag.Float64Var(&cfg.GeofenceRadiusM, "radius", cfg.GeofenceRadiusM, "Charger geofence radius in meters")
	flag.BoolVar(&cfg.UseDeviceGPS, "device-gps", cfg.UseDeviceGPS, "Read location via dumpsys")
	flag.BoolVar(&cfg.Notifications, "notifications", cfg.Notifications, "Post termux notifications")

	sessionPollStr := flag.String("session-poll", "", "Charging session poll interval (e.g. 10s or 10)")
	exclusivePollStr := flag.String("exclusive-poll", "", "Active exclusive poll interval (e.g. 15s or 15)")

	flag.Parse()

	if *showVersion {
		fmt.Printf("nova-driver %s\n", version)
		os.Exit(0)
	}

	if d, ok := parseInterval(*sessionPollStr); ok {
		cfg.SessionPoll = d
	}
	if d, ok := parseInterval(*exclusivePollStr); ok {
		cfg.ExclusivePoll = d
	}
	return cfg, nil
}

// parseInterval accepts a Go duration ("10s") or bare seconds ("10").
func parseInterval(s string) (time.Duration, bool) {
	if s == "" {
		return 0, false
	}
	if d, err := time.ParseDuration(s); err == nil && d > 0 {
		return d, true
	}
	if v, err := strconv.Atoi(s); err == nil && v > 0 {
		return time.Duration(v) * time.Second, true
	}
	return 0, false
}

func generateDeviceID() string {
	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}
	return "nova_driver"
}

func setupLogger(verbose bool) *logrus.Logger {
	l := logrus.New()
	l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true, TimestampFormat: time.RFC3339})
	if verbose {
		l.SetLevel(logrus.DebugLevel)
	} else {
		l.SetLevel(logrus.InfoLevel)
	}
	return l
}

// setupCustomDNSResolver bypasses Android's resolver, which pure-Go binaries
// under Termux cannot reach.
func setupCustomDNSResolver(logger *logrus.Logger) {
	net.DefaultResolver = &net.Resolver{
		PreferGo: true,
		Dial: func(ctx context.Context, network, address string) (net.Conn, error) {
			d := net.Dialer{Timeout: time.Second}
			return d.DialContext(ctx, network, "1.1.1.1:53")
		},
	}
	logger.Debug("Custom DNS resolver installed (1.1.1.1)")
}
