// Package policy implements the per-server client access control engine.
package policy

import (
	"net"
	"net/netip"
	"sync"

	"relay-gateway/internal/config"
	"relay-gateway/internal/manager"

	"github.com/gobwas/glob"
	"github.com/rs/zerolog/log"
)

// Engine evaluates client source addresses against the live config's
// per-server rules plus runtime blocks added through the admin API.
type Engine struct {
	cm *manager.ConfigManager

	mu      sync.RWMutex
	blocked map[string]map[netip.Addr]struct{} // server name -> blocked addresses
}

// NewEngine creates a policy engine reading from the live config.
func NewEngine(cm *manager.ConfigManager) *Engine {
	return &Engine{
		cm:      cm,
		blocked: make(map[string]map[netip.Addr]struct{}),
	}
}

// Block adds a runtime deny entry for a client address on one server. It
// survives until the daemon restarts; persistent blocks belong in config.
func (pe *Engine) Block(serverName string, addr netip.Addr) {
	pe.mu.Lock()
	defer pe.mu.Unlock()
	set, ok := pe.blocked[serverName]
	if !ok {
		set = make(map[netip.Addr]struct{})
		pe.blocked[serverName] = set
	}
	set[addr.Unmap()] = struct{}{}
}

// Evaluate checks a client address against runtime blocks first, then the
// server's ordered policy rules. The first matching rule wins; when nothing
// matches, the server's default action applies (allow unless configured
// otherwise). It returns the action and the name of the deciding rule.
func (pe *Engine) Evaluate(serverName string, clientAddr netip.Addr) (config.PolicyAction, string) {
	pe.mu.RLock()
	if set, ok := pe.blocked[serverName]; ok {
		if _, hit := set[clientAddr.Unmap()]; hit {
			pe.mu.RUnlock()
			return config.DenyAction, "runtime_block"
		}
	}
	pe.mu.RUnlock()

	cfg := pe.cm.Get()
	var serverCfg config.ServerConfig
	found := false
	for _, s := range cfg.Servers {
		if s.Name == serverName {
			serverCfg = s
			found = true
			break
		}
	}
	if !found {
		return config.DenyAction, "server_not_found"
	}

	clientIP := net.IP(clientAddr.AsSlice())
	for _, rule := range serverCfg.Policies {
		if rule.Disabled {
			continue
		}
		if matches(rule, clientAddr, clientIP) {
			return rule.Action, rule.Name
		}
	}

	if serverCfg.DefaultAction == config.DenyAction {
		return config.DenyAction, "default_deny"
	}
	return config.AllowAction, "default_allow"
}

// matches checks a single rule. A rule with no conditions matches every
// client.
func matches(rule config.Policy, clientAddr netip.Addr, clientIP net.IP) bool {
	if len(rule.Conditions.ClientIPs) > 0 {
		ipMatch := false
		for _, cidrStr := range rule.Conditions.ClientIPs {
			_, ipNet, err := net.ParseCIDR(cidrStr)
			if err == nil && ipNet.Contains(clientIP) {
				ipMatch = true
				break
			}
		}
		if !ipMatch {
			return false
		}
	}

	if len(rule.Conditions.ClientPatterns) > 0 {
		patternMatch := false
		for _, pattern := range rule.Conditions.ClientPatterns {
			g, err := glob.Compile(pattern)
			if err != nil {
				log.Debug().Err(err).Str("pattern", pattern).Msg("invalid client pattern in policy, skipping")
				continue
			}
			if g.Match(clientAddr.String()) {
				patternMatch = true
				break
			}
		}
		if !patternMatch {
			return false
		}
	}

	return true
}
