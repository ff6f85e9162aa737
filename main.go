package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/ops-relay/pkg/client"
	"github.com/ops-relay/pkg/config"
	"github.com/ops-relay/pkg/logging"
	"github.com/ops-relay/pkg/network"
	"github.com/ops-relay/pkg/routing"
	"github.com/ops-relay/pkg/server"
	"github.com/ops-relay/pkg/types"
	"gopkg.in/alecthomas/kingpin.v2"
)

const eventSource = "relay-tunnel"

var (
	configFile    = kingpin.Flag("config.file", "Path to configuration file.").Default("config.yaml").String()
	listenAddress = kingpin.Flag("web.listen-address", "Address to listen on for web interface and telemetry.").String()
	telemetryPath = kingpin.Flag("web.telemetry-path", "Path under which to expose metrics.").String()
	relayURL      = kingpin.Flag("relay.url", "Relay base URL (http, https, ws or wss).").String()
	networkID     = kingpin.Flag("network.id", "Network identifier to register under.").String()
	localPort     = kingpin.Flag("local.port", "Port of the local network server.").Int()

	// Global config
	appConfig *config.Config
)

func main() {
	kingpin.Parse()

	// Load configuration
	var err error
	appConfig, err = config.LoadConfig(*configFile)
	if err != nil {
		// If config file doesn't exist, continue with defaults
		logging.Logf("Warning: Failed to load config file: %v, using defaults", err)
		appConfig = &config.Config{}
		appConfig.SetDefaults()
		appConfig.ApplyEnvOverrides()
	}
	applyFlags(appConfig)

	logging.Configure(appConfig.Log.Level, appConfig.Log.Format)
	logging.SetNetworkID(appConfig.EnsureNetworkID())
	if err := appConfig.Validate(); err != nil {
		logging.Fatalf("Invalid configuration: %v", err)
	}
	logging.Logf("Relay tunnel starting for network %s", appConfig.Relay.NetworkID)

	// Create context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle signals
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigChan
		logging.Log("Received shutdown signal, shutting down gracefully...")
		cancel()
	}()

	if err := runTunnel(ctx); err != nil {
		logging.Fatalf("Tunnel error: %v", err)
	}
	logging.Flush()
}

// applyFlags lets explicitly set flags win over file and environment values
func applyFlags(cfg *config.Config) {
	if *listenAddress != "" {
		cfg.Metrics.ListenAddress = *listenAddress
	}
	if *telemetryPath != "" {
		cfg.Metrics.TelemetryPath = *telemetryPath
	}
	if *relayURL != "" {
		cfg.Relay.URL = *relayURL
	}
	if *networkID != "" {
		cfg.Relay.NetworkID = *networkID
	}
	if *localPort != 0 {
		cfg.Local.Port = *localPort
	}
}

func runTunnel(ctx context.Context) error {
	tunnel := client.New(client.OptionsFromConfig(appConfig))

	statusServer := server.NewStatusServer(tunnel.Connection, tunnel.Collector(), client.NewMetricsCollector())
	go func() {
		if err := statusServer.StartMetricsServer(ctx, appConfig.Metrics.ListenAddress, appConfig.Metrics.TelemetryPath); err != nil {
			logging.Fatalf("Metrics server error: %v", err)
		}
	}()

	target := routing.LocalTarget{Host: appConfig.Local.Host, Port: appConfig.Local.Port, UseHTTPS: appConfig.Local.UseHTTPS}
	local := network.NewClient(target.BaseURL(), 5*time.Second)
	probeLocalNetwork(ctx, local)

	if appConfig.Local.PublishStatusEvents {
		reporter := network.NewStatusReporter(local, eventSource, appConfig.Relay.NetworkID)
		go reporter.Run(ctx)
		defer tunnel.OnStatusChange(reporter.Handle)()
	}

	// Reconnection giving up is the only failure that ends the process
	failed := make(chan struct{})
	var failOnce sync.Once
	defer tunnel.OnStatusChange(func(s types.Status, errMsg string) {
		if s == types.StatusError && errMsg == client.ErrMaxReconnect.Error() {
			failOnce.Do(func() { close(failed) })
		}
	})()

	conn, err := tunnel.Connect(ctx, appConfig.TunnelConfig())
	switch {
	case err == nil:
		logging.Logf("Tunnel ready: %s -> %s (tunnel %s)", conn.PublicURL, target.BaseURL(), conn.TunnelID)
	case errors.Is(err, context.Canceled):
	default:
		logging.Logf("Initial connect failed: %v", err)
	}

	select {
	case <-ctx.Done():
		tunnel.Disconnect()
		return nil
	case <-failed:
		tunnel.Disconnect()
		return client.ErrMaxReconnect
	}
}

// probeLocalNetwork logs whether the local network answers before traffic is forwarded to it
func probeLocalNetwork(ctx context.Context, local *network.Client) {
	probeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	health, err := local.GetNetworkHealth(probeCtx)
	if err != nil {
		logging.Logf("Warning: local network not reachable yet: %v", err)
		return
	}
	logging.Logf("Local network health: %s", health.Status)
}
