package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"gotest.tools/assert"
)

const validYAML = `
log_level: info
web_address: 127.0.0.1:8080
dns:
  upstream_servers:
    - 1.1.1.1:53
  upstream_server_strategy: round_robin
  query_timeout: 3s
  custom_records:
    bedrock.internal: 10.0.0.5
servers:
  - name: lobby
    enabled: true
    listen_port: 19132
    target_host: bedrock.internal
    target_port: 20132
    proxy_protocol_v2: true
    socket_reuse: true
    rate_limit_per_second: 120
    stale_timeout: 5m
    correlation_max_age: 10s
    proxy_only: true
  - name: survival
    enabled: false
    listen_port: 19133
    target_host: 10.0.0.6
    target_port: 20133
    proxy_protocol_v2: false
    socket_reuse: false
    executable: /srv/bedrock/bedrock_server
    default_action: deny
    policies:
      - name: lan-only
        action: allow
        conditions:
          client_ips:
            - 192.168.0.0/16
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	assert.NilError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoadValidConfig(t *testing.T) {
	cfg, err := Load(writeConfig(t, validYAML))
	assert.NilError(t, err)

	assert.Equal(t, cfg.LogLevel, LogLevelInfo)
	assert.Equal(t, cfg.WebAddress, "127.0.0.1:8080")
	assert.Equal(t, cfg.DNS.CustomRecords["bedrock.internal"], "10.0.0.5")
	assert.Equal(t, len(cfg.Servers), 2)

	lobby := cfg.Servers[0]
	assert.Equal(t, lobby.Name, "lobby")
	assert.Assert(t, lobby.ProxyProtocolV2)
	assert.Equal(t, lobby.RateLimitPerSecond, 120)
	assert.Equal(t, lobby.StaleTimeout, "5m")

	survival := cfg.Servers[1]
	assert.Equal(t, survival.DefaultAction, DenyAction)
	assert.Equal(t, len(survival.Policies), 1)
	assert.Equal(t, survival.Policies[0].Conditions.ClientIPs[0], "192.168.0.0/16")
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.ErrorContains(t, err, "could not read config file")
}

func TestLoadRejectsInvalidConfigs(t *testing.T) {
	cases := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{
			name: "missing server name",
			yaml: `
servers:
  - listen_port: 19132
    target_host: 10.0.0.5
    target_port: 20132
`,
			wantErr: "missing a 'name'",
		},
		{
			name: "duplicate server name",
			yaml: `
servers:
  - name: lobby
    listen_port: 19132
    target_host: 10.0.0.5
    target_port: 20132
  - name: lobby
    listen_port: 19133
    target_host: 10.0.0.5
    target_port: 20132
`,
			wantErr: "duplicate server name",
		},
		{
			name: "listen port collision between enabled servers",
			yaml: `
servers:
  - name: lobby
    enabled: true
    listen_port: 19132
    target_host: 10.0.0.5
    target_port: 20132
  - name: survival
    enabled: true
    listen_port: 19132
    target_host: 10.0.0.6
    target_port: 20133
`,
			wantErr: "reuses listen_port",
		},
		{
			name: "invalid listen port",
			yaml: `
servers:
  - name: lobby
    listen_port: 70000
    target_host: 10.0.0.5
    target_port: 20132
`,
			wantErr: "invalid 'listen_port'",
		},
		{
			name: "missing target host",
			yaml: `
servers:
  - name: lobby
    listen_port: 19132
    target_port: 20132
`,
			wantErr: "missing 'target_host'",
		},
		{
			name: "bad duration",
			yaml: `
servers:
  - name: lobby
    listen_port: 19132
    target_host: 10.0.0.5
    target_port: 20132
    stale_timeout: soon
`,
			wantErr: "invalid 'stale_timeout'",
		},
		{
			name: "unknown default action",
			yaml: `
servers:
  - name: lobby
    listen_port: 19132
    target_host: 10.0.0.5
    target_port: 20132
    default_action: maybe
`,
			wantErr: "unknown 'default_action'",
		},
		{
			name: "policy without action",
			yaml: `
servers:
  - name: lobby
    listen_port: 19132
    target_host: 10.0.0.5
    target_port: 20132
    policies:
      - name: broken
`,
			wantErr: "unknown 'action'",
		},
		{
			name: "bad custom dns record",
			yaml: `
dns:
  custom_records:
    bedrock.internal: not-an-ip
`,
			wantErr: "not a valid IP",
		},
		{
			name: "auth enabled without users",
			yaml: `
web_auth:
  enabled: true
`,
			wantErr: "requires at least one user",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tc.yaml))
			assert.ErrorContains(t, err, tc.wantErr)
		})
	}
}

func TestSaveRoundTrip(t *testing.T) {
	path := writeConfig(t, validYAML)
	cfg, err := Load(path)
	assert.NilError(t, err)

	cfg.Servers[0].RateLimitPerSecond = 240
	assert.NilError(t, Save(path, cfg))

	reloaded, err := Load(path)
	assert.NilError(t, err)
	assert.Equal(t, reloaded.Servers[0].RateLimitPerSecond, 240)
}

func TestSaveRejectsInvalidConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	cfg := &Config{Servers: []ServerConfig{{Name: ""}}}
	err := Save(path, cfg)
	assert.ErrorContains(t, err, "validation failed before saving")
	_, statErr := os.Stat(path)
	assert.Assert(t, os.IsNotExist(statErr))
}

func TestParseDuration(t *testing.T) {
	d, err := ParseDuration("", 42)
	assert.NilError(t, err)
	assert.Equal(t, d, time.Duration(42))

	d, err = ParseDuration("5m", 0)
	assert.NilError(t, err)
	assert.Equal(t, d, 5*time.Minute)

	_, err = ParseDuration("soon", 0)
	assert.Assert(t, err != nil)
}
