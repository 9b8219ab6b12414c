// Package dns implements the gateway's target-host resolver: custom records
// for LAN game servers, a TTL cache, and configurable upstream forwarding.
package dns

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"strings"
	"sync"
	"time"

	"relay-gateway/internal/config"

	"github.com/miekg/dns"
	"github.com/rs/zerolog/log"
)

const (
	defaultQueryTimeout     = 5 * time.Second
	maxDNSCacheTTL          = 1 * time.Hour
	roundRobinStrategy      = "round_robin"
	randomStrategy          = "random"
	defaultUpstreamStrategy = roundRobinStrategy
	maxResolveDepth         = 10
)

// Resolver resolves relay target hostnames. Custom records answer first so a
// target_host can name an internal machine without touching real DNS.
type Resolver struct {
	upstreamServers        []string
	upstreamServerStrategy string
	upstreamServerIndex    int
	queryTimeout           time.Duration
	customRecords          map[string]net.IP
	cache                  *sync.Map
	mu                     sync.Mutex
}

type dnsCacheEntry struct {
	ip      net.IP
	expires time.Time
}

// NewResolver creates a new resolver from the provided configuration.
func NewResolver(cfg config.DNSConfig) (*Resolver, error) {
	queryTimeout := defaultQueryTimeout
	if cfg.QueryTimeout != "" {
		d, err := time.ParseDuration(cfg.QueryTimeout)
		if err != nil {
			return nil, fmt.Errorf("invalid DNS query_timeout duration '%s': %w", cfg.QueryTimeout, err)
		}
		queryTimeout = d
	}

	strategy := strings.ToLower(cfg.UpstreamServerStrategy)
	if strategy != roundRobinStrategy && strategy != randomStrategy {
		if cfg.UpstreamServerStrategy != "" {
			log.Warn().Str("strategy", cfg.UpstreamServerStrategy).Msg("Invalid upstream_server_strategy, defaulting to round_robin")
		}
		strategy = defaultUpstreamStrategy
	}

	r := &Resolver{
		upstreamServers:        cfg.UpstreamServers,
		upstreamServerStrategy: strategy,
		queryTimeout:           queryTimeout,
		customRecords:          make(map[string]net.IP),
		cache:                  &sync.Map{},
	}

	for host, ipStr := range cfg.CustomRecords {
		ip := net.ParseIP(ipStr)
		if ip == nil {
			return nil, fmt.Errorf("invalid IP for custom_record '%s'", host)
		}
		r.customRecords[dns.Fqdn(host)] = ip
	}

	r.startCacheCleanup(5 * time.Minute)
	return r, nil
}

// getUpstreamServer selects an upstream server based on the configured strategy.
func (r *Resolver) getUpstreamServer() (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	numServers := len(r.upstreamServers)
	if numServers == 0 {
		return "", errors.New("no upstream DNS servers configured")
	}

	switch r.upstreamServerStrategy {
	case randomStrategy:
		return r.upstreamServers[rand.Intn(numServers)], nil
	case roundRobinStrategy:
		server := r.upstreamServers[r.upstreamServerIndex]
		r.upstreamServerIndex = (r.upstreamServerIndex + 1) % numServers
		return server, nil
	default:
		return r.upstreamServers[0], nil
	}
}

// startCacheCleanup runs a goroutine that periodically removes expired entries.
func (r *Resolver) startCacheCleanup(interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for range ticker.C {
			r.cache.Range(func(key, value interface{}) bool {
				if entry, ok := value.(dnsCacheEntry); ok && time.Now().After(entry.expires) {
					r.cache.Delete(key)
					log.Debug().Str("domain", key.(string)).Msg("DNS cache: removed expired entry")
				}
				return true
			})
		}
	}()
}

// Resolve performs a DNS lookup for a given host, handling CNAMEs and custom
// records. It satisfies the relay's Resolver interface.
func (r *Resolver) Resolve(ctx context.Context, name string) (net.IP, error) {
	return r.resolve(ctx, name, 0)
}

func (r *Resolver) resolve(ctx context.Context, name string, depth int) (net.IP, error) {
	if depth > maxResolveDepth {
		return nil, fmt.Errorf("DNS resolution for %s exceeded max depth of %d", name, maxResolveDepth)
	}

	fqdn := dns.Fqdn(name)
	log.Debug().Str("domain", name).Int("depth", depth).Msg("DNS resolver: resolving target host")

	if ip, ok := r.customRecords[fqdn]; ok {
		log.Debug().Str("domain", name).IPAddr("ip", ip).Msg("DNS resolver: answered from custom records")
		return ip, nil
	}

	if val, ok := r.cache.Load(fqdn); ok {
		if entry, ok := val.(dnsCacheEntry); ok && time.Now().Before(entry.expires) {
			log.Debug().Str("domain", name).IPAddr("ip", entry.ip).Msg("DNS resolver: answered from cache")
			return entry.ip, nil
		}
	}

	if len(r.upstreamServers) == 0 {
		// No upstream configured; defer to the system resolver so plain
		// hostnames still work.
		addrs, err := net.DefaultResolver.LookupIP(ctx, "ip", name)
		if err != nil || len(addrs) == 0 {
			return nil, fmt.Errorf("system DNS lookup for %s failed: %w", name, err)
		}
		return addrs[0], nil
	}

	return r.lookupUpstream(ctx, fqdn, name, depth)
}

// lookupUpstream queries upstream servers for A and AAAA records.
func (r *Resolver) lookupUpstream(ctx context.Context, fqdn, name string, depth int) (net.IP, error) {
	upstreamServer, err := r.getUpstreamServer()
	if err != nil {
		return nil, err
	}

	client := new(dns.Client)

	resultChan := make(chan net.IP, 2)
	errorChan := make(chan error, 2)
	var wg sync.WaitGroup

	queryTypes := []uint16{dns.TypeA, dns.TypeAAAA}
	wg.Add(len(queryTypes))

	for _, qType := range queryTypes {
		go func(qType uint16) {
			defer wg.Done()
			msg := new(dns.Msg)
			msg.SetQuestion(fqdn, qType)

			queryCtx, cancel := context.WithTimeout(ctx, r.queryTimeout)
			defer cancel()

			resp, _, err := client.ExchangeContext(queryCtx, msg, upstreamServer)
			if err != nil {
				errorChan <- fmt.Errorf("upstream DNS query for %s [%s] failed: %w", name, dns.TypeToString[qType], err)
				return
			}

			if ip := parseResponse(resp); ip != nil {
				resultChan <- ip
				return
			}

			for _, answer := range resp.Answer {
				if cname, ok := answer.(*dns.CNAME); ok {
					log.Debug().Str("domain", name).Str("cname", cname.Target).Msg("DNS resolver: found CNAME, resolving recursively")
					ip, err := r.resolve(ctx, cname.Target, depth+1)
					if err == nil && ip != nil {
						resultChan <- ip
						return
					}
				}
			}
		}(qType)
	}

	go func() {
		wg.Wait()
		close(resultChan)
		close(errorChan)
	}()

	select {
	case ip := <-resultChan:
		if ip != nil {
			log.Debug().Str("domain", name).IPAddr("ip", ip).Msg("DNS resolver: answered from upstream")
			r.cache.Store(fqdn, dnsCacheEntry{ip: ip, expires: time.Now().Add(maxDNSCacheTTL)})
			return ip, nil
		}
	case err := <-errorChan:
		log.Warn().Str("domain", name).Err(err).Msg("DNS upstream lookup failed")
		return nil, err
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	return nil, fmt.Errorf("no A or AAAA records found for %s", name)
}

// parseResponse returns the first A or AAAA record in a response.
func parseResponse(resp *dns.Msg) net.IP {
	for _, answer := range resp.Answer {
		switch v := answer.(type) {
		case *dns.A:
			return v.A
		case *dns.AAAA:
			return v.AAAA
		}
	}
	return nil
}
