// Package main is the entry point for the relay gateway daemon.
package main

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"relay-gateway/internal/config"
	"relay-gateway/internal/dns"
	"relay-gateway/internal/manager"
	"relay-gateway/internal/policy"
	"relay-gateway/internal/server"
	"relay-gateway/internal/telemetry"
	"relay-gateway/internal/web"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gopkg.in/alecthomas/kingpin.v2"
)

// sampleConfigYAML is a template for the configuration file.
const sampleConfigYAML = `# -----------------------------------------------------------------------------
# Global settings for the relay gateway daemon
# -----------------------------------------------------------------------------
log_level: "info" # Options: "debug", "info", "warn", "error"

# The address for the admin API and the /metrics endpoint.
web_address: "127.0.0.1:8081"
telemetry_path: "/metrics"

# Basic-auth credentials for the admin API. Generate password hashes with
# the hash-password tool.
web_auth:
  enabled: false
  users:
    - username: "admin"
      password: "$argon2id$v=19$m=65536,t=1,p=4$REPLACE$REPLACE"

# -----------------------------------------------------------------------------
# Target-host resolver
# -----------------------------------------------------------------------------
dns:
  # Optional upstream DNS servers. When empty, the system resolver is used.
  upstream_servers: []
  # "round_robin" or "random".
  upstream_server_strategy: "round_robin"
  query_timeout: "2s"
  # Custom records for internal hosts, answered before any upstream query.
  custom_records:
    "bedrock.internal": "192.168.1.50"

# -----------------------------------------------------------------------------
# Managed servers
# -----------------------------------------------------------------------------
servers:
  - name: "survival"
    enabled: true
    listen_port: 19132
    target_host: "127.0.0.1"
    target_port: 19134

    # Relay tuning. Durations are Go duration strings.
    stale_timeout: "5m"
    sweep_interval: "30s"
    proxy_protocol_v2: true
    # trust_last_header: false   # flip when the innermost hop is the honest one
    max_connections: 200
    rate_limit_per_second: 300
    socket_reuse: true
    pool_size: 10
    shared_socket_threshold: 50

    # Correlation of console join/leave lines with network activity.
    correlation_max_age: "10s"
    clock_skew_guard: "2m"

    # Managed game server process. Leave executable empty (or set
    # proxy_only) to run the relay standalone.
    executable: "/opt/bedrock/bedrock_server"
    args: []
    work_dir: "/opt/bedrock"
    proxy_only: false

    # Client access rules: first match wins, default allow.
    # default_action: "allow"
    policies:
      - name: "Drop_Scanner_Range"
        action: "deny"
        conditions:
          client_ips: ["203.0.113.0/24"]
          client_patterns: []
`

var (
	configFile     = kingpin.Flag("config.file", "Path to configuration file.").Default("config.yaml").String()
	webAddress     = kingpin.Flag("web.listen-address", "Address for the admin API (overrides config).").Default("").String()
	telemetryPath  = kingpin.Flag("web.telemetry-path", "Path under which to expose metrics.").Default("/metrics").String()
	generateConfig = kingpin.Flag("generate-config", "Print a sample config.yaml and exit.").Bool()
)

func main() {
	kingpin.Parse()

	if *generateConfig {
		fmt.Print(sampleConfigYAML)
		os.Exit(0)
	}

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339})

	initialCfg, err := config.Load(*configFile)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load or validate initial configuration")
	}
	if *webAddress != "" {
		initialCfg.WebAddress = *webAddress
	}
	if initialCfg.TelemetryPath == "" {
		initialCfg.TelemetryPath = *telemetryPath
	}

	configManager := manager.New(initialCfg, *configFile)

	logLevel, err := zerolog.ParseLevel(string(configManager.Get().LogLevel))
	if err != nil {
		logLevel = zerolog.InfoLevel
		log.Warn().Str("configured_level", string(configManager.Get().LogLevel)).Msg("Invalid log level, defaulting to 'info'")
	}
	zerolog.SetGlobalLevel(logLevel)

	resolver, err := dns.NewResolver(configManager.Get().DNS)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize target-host resolver")
	}

	policyEngine := policy.NewEngine(configManager)
	metrics := telemetry.NewDefault()
	registry := server.NewRegistry()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var wg sync.WaitGroup

	wg.Add(1)
	go manageServers(ctx, &wg, configManager, registry, policyEngine, metrics, resolver)

	if configManager.Get().WebAddress != "" {
		webServer := web.NewServer(configManager, registry, configManager.Get().TelemetryPath)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := webServer.Start(); err != nil && err != http.ErrServerClosed {
				log.Error().Err(err).Msg("Admin API server failed")
			}
		}()
		go func() {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := webServer.Shutdown(shutdownCtx); err != nil {
				log.Error().Err(err).Msg("Admin API graceful shutdown failed")
			}
		}()
	}

	<-ctx.Done()
	stop()
	log.Warn().Msg("Shutdown signal received, waiting for all services to stop...")
	wg.Wait()
	log.Info().Msg("All services stopped. Gateway has shut down gracefully.")
}

// getConfigHash generates a SHA256 hash of a server's configuration, used to
// detect changes that require a restart.
func getConfigHash(serverCfg config.ServerConfig) string {
	bytes, err := json.Marshal(serverCfg)
	if err != nil {
		log.Error().Err(err).Str("server_name", serverCfg.Name).Msg("Failed to marshal server config for hashing")
		return ""
	}
	hash := sha256.Sum256(bytes)
	return hex.EncodeToString(hash[:])
}

// manageServers runs a reconciliation loop: the desired server set from the
// live config is diffed against running instances, starting, stopping, and
// restarting them as the config changes.
func manageServers(ctx context.Context, wg *sync.WaitGroup, cm *manager.ConfigManager,
	registry *server.Registry, pe *policy.Engine, metrics *telemetry.Metrics, resolver *dns.Resolver) {
	defer wg.Done()

	runningHashes := make(map[string]string)

	reconcile := func() {
		cfg := cm.Get()

		desired := make(map[string]config.ServerConfig)
		for _, serverCfg := range cfg.Servers {
			if serverCfg.Enabled {
				desired[serverCfg.Name] = serverCfg
			}
		}

		// Stop servers that were removed, disabled, or reconfigured.
		for name, hash := range runningHashes {
			serverCfg, stillDesired := desired[name]
			if stillDesired && getConfigHash(serverCfg) == hash {
				continue
			}
			reason := "config changed"
			if !stillDesired {
				reason = "disabled or removed"
			}
			log.Warn().Str("server_name", name).Msgf("Server %s, stopping", reason)
			if srv, ok := registry.Get(name); ok {
				if err := srv.Stop(); err != nil {
					if code, _ := server.ErrorCode(err); code == server.CodeServerBusy {
						// Try again next tick.
						continue
					}
					log.Error().Err(err).Str("server_name", name).Msg("Failed to stop server")
				}
				registry.Remove(name)
			}
			delete(runningHashes, name)
		}

		// Start servers that should be up but are not.
		for name, serverCfg := range desired {
			if _, running := runningHashes[name]; running {
				continue
			}
			srv := server.New(serverCfg, server.Callbacks{
				OnPlayerJoin: func(ev server.PlayerEvent) {
					log.Info().Str("server_name", ev.Server).Str("player", ev.Player).
						Str("client_ip", ev.IP).Int("client_port", ev.Port).
						Bool("low_confidence", ev.LowConfidence).Msg("player join event")
				},
				OnPlayerLeave: func(ev server.PlayerEvent) {
					log.Info().Str("server_name", ev.Server).Str("player", ev.Player).Msg("player leave event")
				},
				OnStateChange: func(name string, state server.State) {
					log.Info().Str("server_name", name).Str("state", string(state)).Msg("server state changed")
				},
			}, pe, metrics, resolver)

			log.Info().Str("server_name", name).Msg("Starting server")
			if err := srv.Start(ctx); err != nil {
				log.Error().Err(err).Str("server_name", name).Msg("Failed to start server")
				// Leave it out of runningHashes so the next tick retries,
				// but expose the faulted instance through the API.
				registry.Put(srv)
				if stopErr := srv.Stop(); stopErr != nil {
					log.Debug().Err(stopErr).Str("server_name", name).Msg("cleanup stop after failed start")
				}
				continue
			}
			registry.Put(srv)
			runningHashes[name] = getConfigHash(serverCfg)
		}
	}

	reconcile()

	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Warn().Msg("Server manager stopping...")
			for _, srv := range registry.All() {
				if err := srv.Stop(); err != nil {
					if code, _ := server.ErrorCode(err); code != server.CodeServerNotRunning {
						log.Error().Err(err).Str("server_name", srv.Name()).Msg("Failed to stop server during shutdown")
					}
				}
			}
			return
		case <-ticker.C:
			reconcile()
		}
	}
}
