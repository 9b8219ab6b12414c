package policy

import (
	"net/netip"
	"testing"

	"relay-gateway/internal/config"
	"relay-gateway/internal/manager"

	"gotest.tools/assert"
)

func newTestEngine(serverCfg config.ServerConfig) *Engine {
	cfg := &config.Config{Servers: []config.ServerConfig{serverCfg}}
	return NewEngine(manager.New(cfg, ""))
}

func addr(t *testing.T, s string) netip.Addr {
	t.Helper()
	a, err := netip.ParseAddr(s)
	assert.NilError(t, err)
	return a
}

func TestEvaluateDefaultAllow(t *testing.T) {
	pe := newTestEngine(config.ServerConfig{Name: "lobby"})
	action, rule := pe.Evaluate("lobby", addr(t, "203.0.113.7"))
	assert.Equal(t, action, config.AllowAction)
	assert.Equal(t, rule, "default_allow")
}

func TestEvaluateDefaultDeny(t *testing.T) {
	pe := newTestEngine(config.ServerConfig{Name: "lobby", DefaultAction: config.DenyAction})
	action, rule := pe.Evaluate("lobby", addr(t, "203.0.113.7"))
	assert.Equal(t, action, config.DenyAction)
	assert.Equal(t, rule, "default_deny")
}

func TestEvaluateUnknownServerDenied(t *testing.T) {
	pe := newTestEngine(config.ServerConfig{Name: "lobby"})
	action, rule := pe.Evaluate("no-such-server", addr(t, "203.0.113.7"))
	assert.Equal(t, action, config.DenyAction)
	assert.Equal(t, rule, "server_not_found")
}

func TestEvaluateCIDRRule(t *testing.T) {
	pe := newTestEngine(config.ServerConfig{
		Name: "lobby",
		Policies: []config.Policy{
			{
				Name:       "lan-only",
				Action:     config.AllowAction,
				Conditions: config.Conditions{ClientIPs: []string{"192.168.0.0/16"}},
			},
			{
				Name:   "everyone-else",
				Action: config.DenyAction,
			},
		},
	})

	action, rule := pe.Evaluate("lobby", addr(t, "192.168.4.20"))
	assert.Equal(t, action, config.AllowAction)
	assert.Equal(t, rule, "lan-only")

	action, rule = pe.Evaluate("lobby", addr(t, "203.0.113.7"))
	assert.Equal(t, action, config.DenyAction)
	assert.Equal(t, rule, "everyone-else")
}

func TestEvaluatePatternRule(t *testing.T) {
	pe := newTestEngine(config.ServerConfig{
		Name: "lobby",
		Policies: []config.Policy{
			{
				Name:       "block-prefix",
				Action:     config.DenyAction,
				Conditions: config.Conditions{ClientPatterns: []string{"10.13.*"}},
			},
		},
	})

	action, rule := pe.Evaluate("lobby", addr(t, "10.13.0.9"))
	assert.Equal(t, action, config.DenyAction)
	assert.Equal(t, rule, "block-prefix")

	action, _ = pe.Evaluate("lobby", addr(t, "10.14.0.9"))
	assert.Equal(t, action, config.AllowAction)
}

func TestEvaluateDisabledRuleSkipped(t *testing.T) {
	pe := newTestEngine(config.ServerConfig{
		Name: "lobby",
		Policies: []config.Policy{
			{
				Name:     "paused-block",
				Action:   config.DenyAction,
				Disabled: true,
			},
		},
	})

	action, rule := pe.Evaluate("lobby", addr(t, "203.0.113.7"))
	assert.Equal(t, action, config.AllowAction)
	assert.Equal(t, rule, "default_allow")
}

func TestEvaluateFirstMatchWins(t *testing.T) {
	pe := newTestEngine(config.ServerConfig{
		Name: "lobby",
		Policies: []config.Policy{
			{
				Name:       "allow-admin",
				Action:     config.AllowAction,
				Conditions: config.Conditions{ClientIPs: []string{"198.51.100.1/32"}},
			},
			{
				Name:       "deny-subnet",
				Action:     config.DenyAction,
				Conditions: config.Conditions{ClientIPs: []string{"198.51.100.0/24"}},
			},
		},
	})

	action, rule := pe.Evaluate("lobby", addr(t, "198.51.100.1"))
	assert.Equal(t, action, config.AllowAction)
	assert.Equal(t, rule, "allow-admin")

	action, rule = pe.Evaluate("lobby", addr(t, "198.51.100.2"))
	assert.Equal(t, action, config.DenyAction)
	assert.Equal(t, rule, "deny-subnet")
}

func TestRuntimeBlockOverridesRules(t *testing.T) {
	pe := newTestEngine(config.ServerConfig{Name: "lobby"})
	client := addr(t, "203.0.113.7")

	action, _ := pe.Evaluate("lobby", client)
	assert.Equal(t, action, config.AllowAction)

	pe.Block("lobby", client)
	action, rule := pe.Evaluate("lobby", client)
	assert.Equal(t, action, config.DenyAction)
	assert.Equal(t, rule, "runtime_block")

	// Blocks are scoped per server.
	action, _ = pe.Evaluate("other", client)
	assert.Equal(t, action, config.DenyAction) // other is not configured at all
}
