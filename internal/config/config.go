// Package config provides the structure and validation for the relay
// gateway's configuration file.
package config

import (
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"gopkg.in/yaml.v2"
)

// configMutex protects the config file from concurrent read/write operations.
var configMutex sync.Mutex

// LogLevel defines the logging level.
type LogLevel string

const (
	// LogLevelDebug is the debug log level.
	LogLevelDebug LogLevel = "debug"
	// LogLevelInfo is the info log level.
	LogLevelInfo LogLevel = "info"
	// LogLevelWarn is the warn log level.
	LogLevelWarn LogLevel = "warn"
	// LogLevelError is the error log level.
	LogLevelError LogLevel = "error"
)

// Config is the top-level structure mapping to config.yaml.
type Config struct {
	LogLevel      LogLevel       `yaml:"log_level"`
	WebAddress    string         `yaml:"web_address"`
	TelemetryPath string         `yaml:"telemetry_path,omitempty"`
	WebAuth       Auth           `yaml:"web_auth"`
	DNS           DNSConfig      `yaml:"dns"`
	Servers       []ServerConfig `yaml:"servers"`
}

// Auth holds credentials for the admin API.
type Auth struct {
	Enabled bool   `yaml:"enabled,omitempty"`
	Users   []User `yaml:"users"`
}

// User defines a single username/password credential. Passwords are stored
// as argon2id hashes produced by the hash-password tool.
type User struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// DNSConfig holds settings for the target-host resolver.
type DNSConfig struct {
	UpstreamServers        []string          `yaml:"upstream_servers"`
	UpstreamServerStrategy string            `yaml:"upstream_server_strategy"`
	QueryTimeout           string            `yaml:"query_timeout"`
	CustomRecords          map[string]string `yaml:"custom_records"`
}

// ServerConfig defines a single managed game server and its relay.
type ServerConfig struct {
	Name    string `yaml:"name"`
	Enabled bool   `yaml:"enabled"`

	ListenPort int    `yaml:"listen_port"`
	TargetHost string `yaml:"target_host"`
	TargetPort int    `yaml:"target_port"`

	// Relay tunables. Durations are Go duration strings ("30s", "5m").
	StaleTimeout          string `yaml:"stale_timeout,omitempty"`
	SweepInterval         string `yaml:"sweep_interval,omitempty"`
	ProxyProtocolV2       bool   `yaml:"proxy_protocol_v2"`
	TrustLastHeader       bool   `yaml:"trust_last_header,omitempty"`
	MaxConnections        int    `yaml:"max_connections,omitempty"`
	RateLimitPerSecond    int    `yaml:"rate_limit_per_second,omitempty"`
	SocketReuse           bool   `yaml:"socket_reuse"`
	PoolSize              int    `yaml:"pool_size,omitempty"`
	SharedSocketThreshold int    `yaml:"shared_socket_threshold,omitempty"`

	// Correlator tunables.
	CorrelationMaxAge string `yaml:"correlation_max_age,omitempty"`
	ClockSkewGuard    string `yaml:"clock_skew_guard,omitempty"`

	// Managed process. An empty executable with proxy_only set runs the
	// relay standalone.
	Executable string   `yaml:"executable,omitempty"`
	Args       []string `yaml:"args,omitempty"`
	WorkDir    string   `yaml:"work_dir,omitempty"`
	ProxyOnly  bool     `yaml:"proxy_only,omitempty"`

	DefaultAction PolicyAction `yaml:"default_action,omitempty"`
	Policies      []Policy     `yaml:"policies,omitempty"`
}

// PolicyAction defines the action to take when a policy matches.
type PolicyAction string

const (
	// AllowAction allows the client.
	AllowAction PolicyAction = "allow"
	// DenyAction denies the client.
	DenyAction PolicyAction = "deny"
)

// Policy defines a single client access control rule.
type Policy struct {
	Name       string       `yaml:"name"`
	Action     PolicyAction `yaml:"action"`
	Disabled   bool         `yaml:"disabled,omitempty"`
	Conditions Conditions   `yaml:"conditions"`
}

// Conditions specify the criteria for a policy to match.
type Conditions struct {
	ClientIPs      []string `yaml:"client_ips"`
	ClientPatterns []string `yaml:"client_patterns"`
}

// ParseDuration parses an optional duration field, returning fallback when
// the field is empty.
func ParseDuration(value string, fallback time.Duration) (time.Duration, error) {
	if value == "" {
		return fallback, nil
	}
	return time.ParseDuration(value)
}

// Load reads and validates the YAML configuration file from the given path.
func Load(path string) (*Config, error) {
	configMutex.Lock()
	defer configMutex.Unlock()

	configFile, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("could not read config file '%s': %w", path, err)
	}

	var config Config
	err = yaml.Unmarshal(configFile, &config)
	if err != nil {
		return nil, fmt.Errorf("could not parse config file '%s' as YAML: %w", path, err)
	}

	if err := validate(&config); err != nil {
		return nil, err
	}

	return &config, nil
}

// Save writes the provided config struct back to the YAML file atomically.
func Save(path string, cfg *Config) error {
	configMutex.Lock()
	defer configMutex.Unlock()

	if err := validate(cfg); err != nil {
		return fmt.Errorf("validation failed before saving: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("could not marshal config to YAML: %w", err)
	}

	tempFile := path + ".tmp"
	if err := os.WriteFile(tempFile, data, 0644); err != nil {
		return fmt.Errorf("could not write to temporary config file: %w", err)
	}

	if err := os.Rename(tempFile, path); err != nil {
		return fmt.Errorf("could not replace config file: %w", err)
	}

	return nil
}

// validate checks the configuration for logical errors.
func validate(config *Config) error {
	if config.DNS.QueryTimeout != "" {
		if _, err := time.ParseDuration(config.DNS.QueryTimeout); err != nil {
			return fmt.Errorf("dns.query_timeout is not a valid duration: %w", err)
		}
	}
	for host, ipStr := range config.DNS.CustomRecords {
		if net.ParseIP(ipStr) == nil {
			return fmt.Errorf("dns.custom_records['%s'] is not a valid IP: %s", host, ipStr)
		}
	}

	if config.WebAuth.Enabled && len(config.WebAuth.Users) == 0 {
		return fmt.Errorf("web_auth.enabled requires at least one user")
	}

	seen := make(map[string]bool)
	ports := make(map[int]string)
	for i, s := range config.Servers {
		if s.Name == "" {
			return fmt.Errorf("server at index %d is missing a 'name'", i)
		}
		if seen[s.Name] {
			return fmt.Errorf("duplicate server name '%s'", s.Name)
		}
		seen[s.Name] = true

		if s.ListenPort <= 0 || s.ListenPort > 65535 {
			return fmt.Errorf("server '%s' has an invalid 'listen_port': %d", s.Name, s.ListenPort)
		}
		if other, taken := ports[s.ListenPort]; taken && s.Enabled {
			return fmt.Errorf("server '%s' reuses listen_port %d already assigned to '%s'", s.Name, s.ListenPort, other)
		}
		if s.Enabled {
			ports[s.ListenPort] = s.Name
		}
		if s.TargetHost == "" {
			return fmt.Errorf("server '%s' is missing 'target_host'", s.Name)
		}
		if s.TargetPort <= 0 || s.TargetPort > 65535 {
			return fmt.Errorf("server '%s' has an invalid 'target_port': %d", s.Name, s.TargetPort)
		}

		for _, field := range []struct{ name, value string }{
			{"stale_timeout", s.StaleTimeout},
			{"sweep_interval", s.SweepInterval},
			{"correlation_max_age", s.CorrelationMaxAge},
			{"clock_skew_guard", s.ClockSkewGuard},
		} {
			if field.value == "" {
				continue
			}
			if _, err := time.ParseDuration(field.value); err != nil {
				return fmt.Errorf("server '%s' has an invalid '%s' duration: %w", s.Name, field.name, err)
			}
		}

		switch s.DefaultAction {
		case "", AllowAction, DenyAction:
		default:
			return fmt.Errorf("server '%s' has an unknown 'default_action': %s", s.Name, s.DefaultAction)
		}
		for _, p := range s.Policies {
			if p.Name == "" {
				return fmt.Errorf("server '%s' has a policy with no 'name'", s.Name)
			}
			if p.Action != AllowAction && p.Action != DenyAction {
				return fmt.Errorf("policy '%s' on server '%s' has an unknown 'action': %s", p.Name, s.Name, p.Action)
			}
		}
	}
	return nil
}
