// Package relay contains the stateful UDP relay engine: pseudo-connection
// tracking, forwarding-socket pooling, rate limiting, stale reaping, and
// PROXY protocol v2 stripping/re-tagging.
package relay

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"relay-gateway/internal/proxyproto"
	"relay-gateway/internal/telemetry"

	"github.com/rs/zerolog/log"
)

// State is the relay lifecycle state.
type State int32

const (
	StateStopped State = iota
	StateStarting
	StateRunning
)

const (
	defaultListenBufferSize    = 4 * 1024 * 1024
	defaultSweepInterval       = 30 * time.Second
	defaultStaleTimeout        = 5 * time.Minute
	defaultPoolSize            = 10
	defaultSharedSockThreshold = 50
	defaultRealClientCacheTTL  = 30 * time.Second
	defaultStatsInterval       = time.Second
	maxDatagramSize            = 64 * 1024
)

// Resolver resolves a target hostname to an IP. The gateway's DNS resolver
// satisfies it; nil falls back to the system resolver.
type Resolver interface {
	Resolve(ctx context.Context, host string) (net.IP, error)
}

// Config holds one relay's tunables. Zero values fall back to the defaults
// above.
type Config struct {
	Name       string
	ListenPort int
	TargetHost string
	TargetPort int

	StaleTimeout  time.Duration
	SweepInterval time.Duration

	ProxyProtocolV2 bool
	// TrustFirstHeader selects which hop of a nested header chain names the
	// original client. The default (true) trusts the outermost header.
	TrustFirstHeader bool

	MaxConnections     int
	RateLimitPerSecond int

	SocketReuse           bool
	PoolSize              int
	SharedSocketThreshold int

	RealClientCacheTTL time.Duration
	ListenBufferSize   int
}

func (c *Config) withDefaults() Config {
	cfg := *c
	if cfg.StaleTimeout <= 0 {
		cfg.StaleTimeout = defaultStaleTimeout
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = defaultSweepInterval
	}
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = defaultPoolSize
	}
	if cfg.SharedSocketThreshold <= 0 {
		cfg.SharedSocketThreshold = defaultSharedSockThreshold
	}
	if cfg.RealClientCacheTTL <= 0 {
		cfg.RealClientCacheTTL = defaultRealClientCacheTTL
	}
	if cfg.ListenBufferSize <= 0 {
		cfg.ListenBufferSize = defaultListenBufferSize
	}
	return cfg
}

// Callbacks are the hooks the orchestration layer wires into a relay. Any of
// them may be nil.
type Callbacks struct {
	// OnActivity fires for every forwarded packet with the resolved client
	// endpoint. The payload slice is only valid for the duration of the call.
	OnActivity func(ip string, port int, payload []byte)
	// OnStats fires roughly once per second while the relay runs.
	OnStats func(Stats)
	// Allow is consulted before a new pseudo-connection is created. nil
	// allows everything.
	Allow func(addr netip.Addr) bool
}

// Stats is an aggregate snapshot of the relay plus per-client summaries.
type Stats struct {
	Running           bool         `json:"running"`
	ActiveConnections int          `json:"active_connections"`
	PacketsForwarded  uint64       `json:"packets_forwarded"`
	PacketsDropped    uint64       `json:"packets_dropped"`
	ResponsesRelayed  uint64       `json:"responses_relayed"`
	BytesForwarded    uint64       `json:"bytes_forwarded"`
	BytesReturned     uint64       `json:"bytes_returned"`
	Clients           []ClientStat `json:"clients,omitempty"`
}

type realClientEntry struct {
	ip     string
	port   int
	seenAt time.Time
}

// Relay is one UDP relay instance bound to a listen port and forwarding to a
// single target.
type Relay struct {
	cfg      Config
	cb       Callbacks
	metrics  *telemetry.Metrics
	resolver Resolver

	mu     sync.Mutex
	state  State
	listen *net.UDPConn
	table  *Table
	pool   *SocketPool
	stopCh chan struct{}
	wg     sync.WaitGroup

	// recently-seen real clients keyed by raw sender address, populated by
	// header-only packets so a following data packet from the same host can
	// still be attributed.
	rcMu        sync.Mutex
	realClients map[netip.Addr]realClientEntry

	packetsForwarded atomic.Uint64
	packetsDropped   atomic.Uint64
	responsesRelayed atomic.Uint64
	bytesForwarded   atomic.Uint64
	bytesReturned    atomic.Uint64
}

// New creates a relay. metrics and resolver may be nil.
func New(cfg Config, cb Callbacks, metrics *telemetry.Metrics, resolver Resolver) *Relay {
	return &Relay{
		cfg:         cfg.withDefaults(),
		cb:          cb,
		metrics:     metrics,
		resolver:    resolver,
		realClients: make(map[netip.Addr]realClientEntry),
	}
}

// State reports the current lifecycle state.
func (r *Relay) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

func (r *Relay) running() bool {
	return r.State() == StateRunning
}

// Start binds the listen socket and brings up the packet, sweep, and stats
// loops. It is an error to start a relay that is not stopped.
func (r *Relay) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.state != StateStopped {
		r.mu.Unlock()
		return fmt.Errorf("relay %s is already started", r.cfg.Name)
	}
	r.state = StateStarting
	r.mu.Unlock()

	target, err := r.resolveTarget(ctx)
	if err != nil {
		r.setState(StateStopped)
		return err
	}

	listen, err := net.ListenUDP("udp", &net.UDPAddr{Port: r.cfg.ListenPort})
	if err != nil {
		r.setState(StateStopped)
		return fmt.Errorf("failed to listen on UDP port %d: %w", r.cfg.ListenPort, err)
	}
	if err := listen.SetReadBuffer(r.cfg.ListenBufferSize); err != nil {
		log.Debug().Err(err).Str("server_name", r.cfg.Name).Msg("could not set listen socket read buffer")
	}
	if err := listen.SetWriteBuffer(r.cfg.ListenBufferSize); err != nil {
		log.Debug().Err(err).Str("server_name", r.cfg.Name).Msg("could not set listen socket write buffer")
	}

	r.mu.Lock()
	r.listen = listen
	r.table = NewTable(r.cfg.MaxConnections)
	r.pool = NewSocketPool(target, r.cfg.PoolSize, r.cfg.SharedSocketThreshold, r.cfg.SocketReuse, r.startReplyLoop)
	r.stopCh = make(chan struct{})
	r.state = StateRunning
	r.mu.Unlock()

	log.Info().
		Str("server_name", r.cfg.Name).
		Int("listen_port", r.cfg.ListenPort).
		Str("target", target.String()).
		Bool("proxy_protocol_v2", r.cfg.ProxyProtocolV2).
		Msg("Starting UDP relay")

	r.wg.Add(2)
	go r.readLoop(listen)
	go r.sweepLoop()
	if r.cb.OnStats != nil {
		r.wg.Add(1)
		go r.statsLoop()
	}
	return nil
}

func (r *Relay) setState(s State) {
	r.mu.Lock()
	r.state = s
	r.mu.Unlock()
}

func (r *Relay) resolveTarget(ctx context.Context) (*net.UDPAddr, error) {
	if ip := net.ParseIP(r.cfg.TargetHost); ip != nil {
		return &net.UDPAddr{IP: ip, Port: r.cfg.TargetPort}, nil
	}
	if r.resolver != nil {
		ip, err := r.resolver.Resolve(ctx, r.cfg.TargetHost)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve target host %q: %w", r.cfg.TargetHost, err)
		}
		return &net.UDPAddr{IP: ip, Port: r.cfg.TargetPort}, nil
	}
	addr, err := net.ResolveUDPAddr("udp", net.JoinHostPort(r.cfg.TargetHost, fmt.Sprint(r.cfg.TargetPort)))
	if err != nil {
		return nil, fmt.Errorf("invalid target address %q: %w", r.cfg.TargetHost, err)
	}
	return addr, nil
}

// ListenAddr reports the bound listen address, or nil when stopped. Useful
// when ListenPort 0 asked the OS to pick a port.
func (r *Relay) ListenAddr() *net.UDPAddr {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.listen == nil {
		return nil
	}
	addr, _ := r.listen.LocalAddr().(*net.UDPAddr)
	return addr
}

// Stop tears the relay down: dedicated sockets are closed per connection,
// the shared socket and pool exactly once, then the listen socket. Packets
// arriving afterwards are ignored.
func (r *Relay) Stop() error {
	r.mu.Lock()
	if r.state != StateRunning {
		r.mu.Unlock()
		return fmt.Errorf("relay %s is not running", r.cfg.Name)
	}
	r.state = StateStopped
	listen := r.listen
	table := r.table
	pool := r.pool
	close(r.stopCh)
	r.listen = nil
	r.mu.Unlock()

	for _, conn := range table.Clear() {
		if conn.dedicated {
			conn.sock.close()
		}
	}
	pool.Close()
	if err := listen.Close(); err != nil {
		log.Debug().Err(err).Str("server_name", r.cfg.Name).Msg("listen socket close raced with teardown")
	}

	r.rcMu.Lock()
	r.realClients = make(map[netip.Addr]realClientEntry)
	r.rcMu.Unlock()

	r.wg.Wait()
	if r.metrics != nil {
		r.metrics.ActiveConnections.WithLabelValues(r.cfg.Name).Set(0)
	}
	log.Info().Str("server_name", r.cfg.Name).Msg("UDP relay stopped")
	return nil
}

func isClosedConnErr(err error) bool {
	return err != nil && strings.Contains(err.Error(), "use of closed network connection")
}

func (r *Relay) readLoop(listen *net.UDPConn) {
	defer r.wg.Done()
	buf := make([]byte, maxDatagramSize)
	for {
		n, clientAddr, err := listen.ReadFromUDP(buf)
		if err != nil {
			if !r.running() || isClosedConnErr(err) {
				return
			}
			log.Error().Err(err).Str("server_name", r.cfg.Name).Msg("UDP read error on listen socket")
			return
		}
		if !r.running() {
			return
		}
		r.handlePacket(buf[:n], clientAddr)
	}
}

func (r *Relay) handlePacket(data []byte, clientAddr *net.UDPAddr) {
	key := KeyFromUDPAddr(clientAddr)
	now := time.Now()

	payload := data
	realIP := ""
	realPort := 0

	if r.cfg.ProxyProtocolV2 && proxyproto.IsV2(data) {
		if chain := proxyproto.ParseChainTrust(data, r.cfg.TrustFirstHeader); chain != nil {
			payload = chain.Payload
			realIP = chain.OriginalClientIP
			realPort = chain.OriginalClientPort
			if r.metrics != nil {
				r.metrics.HeadersStripped.WithLabelValues(r.cfg.Name).Add(float64(len(chain.Headers)))
			}
			if len(payload) == 0 {
				// Header-only meta packet: remember the resolved client for
				// the data packet that follows, forward nothing.
				if realIP != "" {
					r.cacheRealClient(key.Addr, realIP, realPort, now)
				}
				return
			}
		}
	}
	if len(payload) == 0 {
		return
	}
	if realIP == "" {
		// A header-only meta packet from the same host may have announced the
		// real client moments before this bare data packet.
		if ip, port, ok := r.cachedRealClient(key.Addr, now); ok {
			realIP, realPort = ip, port
		}
	}

	if r.cb.OnActivity != nil {
		if realIP != "" {
			r.cb.OnActivity(realIP, realPort, payload)
		} else {
			r.cb.OnActivity(key.Addr.String(), int(key.Port), payload)
		}
	}

	conn, _, err := r.table.GetOrCreate(key, clientAddr, now, func(active int) (*forwardSocket, bool, error) {
		if r.cb.Allow != nil && !r.cb.Allow(key.Addr) {
			return nil, false, fmt.Errorf("client %s denied by policy", key.Addr)
		}
		return r.pool.Acquire(active)
	})
	if err != nil {
		reason := "policy"
		if errors.Is(err, errConnectionLimit) {
			reason = "limit"
		}
		r.dropPacket(reason)
		log.Debug().Err(err).Str("server_name", r.cfg.Name).Str("client", key.String()).Msg("dropping packet, no connection")
		return
	}

	if realIP != "" {
		r.table.SetRealClient(conn, realIP, realPort)
	}

	if !r.table.AllowPacket(conn, now, r.cfg.RateLimitPerSecond) {
		r.dropPacket("rate_limit")
		return
	}
	r.table.Touch(conn, now)

	out := payload
	if ip, port, ok := r.table.RealClient(conn); ok && (ip != key.Addr.String() || port != int(key.Port)) {
		// The next hop learns the genuine origin the same way we did: the
		// real client rides in the dest fields of a fresh header.
		header, err := proxyproto.GenerateHeader(key.Addr.String(), int(key.Port), ip, port)
		if err != nil {
			log.Error().Err(err).Str("server_name", r.cfg.Name).Msg("failed to generate proxy protocol header")
		} else {
			out = append(header, payload...)
		}
	}

	if !conn.dedicated {
		conn.sock.setLastSender(conn)
	}
	if _, err := conn.sock.conn.Write(out); err != nil {
		if isClosedConnErr(err) {
			log.Debug().Err(err).Str("server_name", r.cfg.Name).Msg("send raced with socket teardown")
		} else {
			log.Error().Err(err).Str("server_name", r.cfg.Name).Str("client", key.String()).Msg("UDP send to target failed")
		}
		if r.metrics != nil {
			r.metrics.SendErrors.WithLabelValues(r.cfg.Name).Inc()
		}
		return
	}

	r.packetsForwarded.Add(1)
	r.bytesForwarded.Add(uint64(len(out)))
	if r.metrics != nil {
		r.metrics.PacketsForwarded.WithLabelValues(r.cfg.Name).Inc()
		r.metrics.BytesForwarded.WithLabelValues(r.cfg.Name).Add(float64(len(out)))
		r.metrics.ActiveConnections.WithLabelValues(r.cfg.Name).Set(float64(r.table.Len()))
	}
	if r.table.MarkFirstForward(conn) {
		log.Info().
			Str("server_name", r.cfg.Name).
			Str("client", key.String()).
			Bool("dedicated_socket", conn.dedicated).
			Msg("first packet forwarded for client")
	}
}

func (r *Relay) dropPacket(reason string) {
	r.packetsDropped.Add(1)
	if r.metrics != nil {
		r.metrics.PacketsDropped.WithLabelValues(r.cfg.Name, reason).Inc()
	}
}

// startReplyLoop is the pool's onOpen hook: every forwarding socket gets a
// reader that relays target responses back out the bound listen socket,
// since only that socket carries the source port clients expect replies
// from.
func (r *Relay) startReplyLoop(sock *forwardSocket) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		buf := make([]byte, maxDatagramSize)
		for {
			n, err := sock.conn.Read(buf)
			if err != nil {
				// Expected when the socket is closed at teardown.
				return
			}
			if !r.running() {
				return
			}
			conn := sock.lastSenderConn()
			if conn == nil {
				continue
			}
			r.mu.Lock()
			listen := r.listen
			r.mu.Unlock()
			if listen == nil {
				return
			}
			if _, err := listen.WriteToUDP(buf[:n], conn.rawAddr); err != nil {
				if isClosedConnErr(err) {
					log.Debug().Err(err).Str("server_name", r.cfg.Name).Msg("response send raced with teardown")
					return
				}
				log.Error().Err(err).Str("server_name", r.cfg.Name).Str("client", conn.Key.String()).Msg("failed to relay response to client")
				continue
			}
			r.responsesRelayed.Add(1)
			r.bytesReturned.Add(uint64(n))
			if r.metrics != nil {
				r.metrics.ResponsesRelayed.WithLabelValues(r.cfg.Name).Inc()
				r.metrics.BytesReturned.WithLabelValues(r.cfg.Name).Add(float64(n))
			}
			if r.table.MarkFirstResponse(conn) {
				log.Info().Str("server_name", r.cfg.Name).Str("client", conn.Key.String()).Msg("first response relayed to client")
			}
		}
	}()
}

func (r *Relay) sweepLoop() {
	defer r.wg.Done()
	ticker := time.NewTicker(r.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-r.stopCh:
			return
		case now := <-ticker.C:
			removed := r.table.Sweep(now, r.cfg.StaleTimeout)
			for _, conn := range removed {
				if conn.dedicated {
					conn.sock.close()
				}
			}
			if len(removed) > 0 {
				log.Debug().Str("server_name", r.cfg.Name).Int("reaped", len(removed)).Msg("reaped stale connections")
				if r.metrics != nil {
					r.metrics.ActiveConnections.WithLabelValues(r.cfg.Name).Set(float64(r.table.Len()))
				}
			}
			r.pruneRealClients(now)
		}
	}
}

func (r *Relay) statsLoop() {
	defer r.wg.Done()
	ticker := time.NewTicker(defaultStatsInterval)
	defer ticker.Stop()
	for {
		select {
		case <-r.stopCh:
			return
		case <-ticker.C:
			r.cb.OnStats(r.Stats())
		}
	}
}

// Stats builds a point-in-time snapshot.
func (r *Relay) Stats() Stats {
	s := Stats{
		Running:          r.running(),
		PacketsForwarded: r.packetsForwarded.Load(),
		PacketsDropped:   r.packetsDropped.Load(),
		ResponsesRelayed: r.responsesRelayed.Load(),
		BytesForwarded:   r.bytesForwarded.Load(),
		BytesReturned:    r.bytesReturned.Load(),
	}
	r.mu.Lock()
	table := r.table
	r.mu.Unlock()
	if table != nil {
		s.ActiveConnections = table.Len()
		s.Clients = table.Snapshot()
	}
	return s
}

// BlockClient forcibly evicts every connection whose raw client address
// matches and refuses new ones from it.
func (r *Relay) BlockClient(ip string) error {
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return fmt.Errorf("invalid client address %q: %w", ip, err)
	}
	r.mu.Lock()
	table := r.table
	r.mu.Unlock()
	if table == nil {
		return fmt.Errorf("relay %s is not running", r.cfg.Name)
	}
	evicted := table.Block(addr)
	for _, conn := range evicted {
		if conn.dedicated {
			conn.sock.close()
		}
	}
	log.Warn().Str("server_name", r.cfg.Name).Str("client_ip", ip).Int("evicted", len(evicted)).Msg("client blocked")
	return nil
}

// RealClientInfo returns the resolved original endpoint for a proxy-facing
// tuple, consulting the live connection first and the recently-seen cache
// second.
func (r *Relay) RealClientInfo(ip string, port int) (string, int, bool) {
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return "", 0, false
	}
	addr = addr.Unmap()
	r.mu.Lock()
	table := r.table
	r.mu.Unlock()
	if table != nil {
		if conn, ok := table.Lookup(ClientKey{Addr: addr, Port: uint16(port)}); ok {
			if realIP, realPort, resolved := table.RealClient(conn); resolved {
				return realIP, realPort, true
			}
		}
	}
	return r.cachedRealClient(addr, time.Now())
}

// LastActivities exposes per-connection activity timestamps for the
// correlator's fallback search. Returns nil when the relay is stopped.
func (r *Relay) LastActivities() map[ClientKey]time.Time {
	r.mu.Lock()
	table := r.table
	r.mu.Unlock()
	if table == nil {
		return nil
	}
	return table.LastActivities()
}

func (r *Relay) cacheRealClient(raw netip.Addr, ip string, port int, now time.Time) {
	r.rcMu.Lock()
	r.realClients[raw] = realClientEntry{ip: ip, port: port, seenAt: now}
	r.rcMu.Unlock()
}

func (r *Relay) cachedRealClient(raw netip.Addr, now time.Time) (string, int, bool) {
	r.rcMu.Lock()
	defer r.rcMu.Unlock()
	entry, ok := r.realClients[raw]
	if !ok {
		return "", 0, false
	}
	if now.Sub(entry.seenAt) > r.cfg.RealClientCacheTTL {
		delete(r.realClients, raw)
		return "", 0, false
	}
	return entry.ip, entry.port, true
}

func (r *Relay) pruneRealClients(now time.Time) {
	r.rcMu.Lock()
	for raw, entry := range r.realClients {
		if now.Sub(entry.seenAt) > r.cfg.RealClientCacheTTL {
			delete(r.realClients, raw)
		}
	}
	r.rcMu.Unlock()
}
