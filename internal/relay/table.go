package relay

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
	"sync"
	"time"
)

// Connection is one NAT-like pseudo-connection, keyed by the raw sender
// tuple. All mutable fields are guarded by the owning Table's mutex; rawAddr
// and sock are set once at creation.
type Connection struct {
	Key     ClientKey
	rawAddr *net.UDPAddr

	sock      *forwardSocket
	dedicated bool

	lastActivity time.Time

	// Resolved real client endpoint, when it differs from the raw tuple.
	realIP   string
	realPort int

	// Rolling rate-limit window.
	packetCount int
	windowStart time.Time

	packetsTotal uint64

	firstForwardLogged  bool
	firstResponseLogged bool
}

// ClientStat is a per-connection summary for stats callbacks and the admin
// API.
type ClientStat struct {
	Address      string    `json:"address"`
	RealAddress  string    `json:"real_address,omitempty"`
	LastActivity time.Time `json:"last_activity"`
	Packets      uint64    `json:"packets"`
}

// errConnectionLimit marks GetOrCreate failures caused by table saturation,
// so the relay can count those drops apart from policy denials.
var errConnectionLimit = errors.New("connection limit reached")

// Table tracks every live pseudo-connection for one relay.
type Table struct {
	mu             sync.Mutex
	conns          map[ClientKey]*Connection
	blocked        map[netip.Addr]struct{}
	maxConnections int
}

// NewTable creates an empty connection table. maxConnections <= 0 means
// unlimited.
func NewTable(maxConnections int) *Table {
	return &Table{
		conns:          make(map[ClientKey]*Connection),
		blocked:        make(map[netip.Addr]struct{}),
		maxConnections: maxConnections,
	}
}

// GetOrCreate returns the connection for key, creating it with a socket from
// alloc when none exists. The boolean reports whether a new connection was
// created.
func (t *Table) GetOrCreate(key ClientKey, raw *net.UDPAddr, now time.Time, alloc func(active int) (*forwardSocket, bool, error)) (*Connection, bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if conn, ok := t.conns[key]; ok {
		return conn, false, nil
	}
	if _, blocked := t.blocked[key.Addr]; blocked {
		return nil, false, fmt.Errorf("client %s is blocked", key.Addr)
	}
	if t.maxConnections > 0 && len(t.conns) >= t.maxConnections {
		return nil, false, fmt.Errorf("connection limit of %d reached: %w", t.maxConnections, errConnectionLimit)
	}

	sock, dedicated, err := alloc(len(t.conns))
	if err != nil {
		return nil, false, err
	}
	conn := &Connection{
		Key:          key,
		rawAddr:      raw,
		sock:         sock,
		dedicated:    dedicated,
		lastActivity: now,
		windowStart:  now,
	}
	if dedicated {
		sock.setLastSender(conn)
	}
	t.conns[key] = conn
	return conn, true, nil
}

// Touch records packet activity on the connection.
func (t *Table) Touch(conn *Connection, now time.Time) {
	t.mu.Lock()
	conn.lastActivity = now
	conn.packetsTotal++
	t.mu.Unlock()
}

// AllowPacket applies the rolling 1-second rate-limit window. Packets beyond
// the limit within the current window are dropped silently, preserving UDP
// semantics. limit <= 0 disables limiting.
func (t *Table) AllowPacket(conn *Connection, now time.Time, limit int) bool {
	if limit <= 0 {
		return true
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if now.Sub(conn.windowStart) >= time.Second {
		conn.windowStart = now
		conn.packetCount = 0
	}
	if conn.packetCount >= limit {
		return false
	}
	conn.packetCount++
	return true
}

// SetRealClient records the resolved original endpoint for the connection.
func (t *Table) SetRealClient(conn *Connection, ip string, port int) {
	t.mu.Lock()
	conn.realIP = ip
	conn.realPort = port
	t.mu.Unlock()
}

// RealClient returns the resolved original endpoint, if any.
func (t *Table) RealClient(conn *Connection) (string, int, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return conn.realIP, conn.realPort, conn.realIP != ""
}

// MarkFirstForward flips the one-time forward-diagnostic flag, reporting
// true only on the first call for this connection.
func (t *Table) MarkFirstForward(conn *Connection) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if conn.firstForwardLogged {
		return false
	}
	conn.firstForwardLogged = true
	return true
}

// MarkFirstResponse is the response-path counterpart of MarkFirstForward.
func (t *Table) MarkFirstResponse(conn *Connection) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if conn.firstResponseLogged {
		return false
	}
	conn.firstResponseLogged = true
	return true
}

// Lookup returns the live connection for a raw tuple, if tracked.
func (t *Table) Lookup(key ClientKey) (*Connection, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	conn, ok := t.conns[key]
	return conn, ok
}

// Sweep removes connections idle longer than maxIdle and returns them so the
// caller can close dedicated sockets. Shared and pooled sockets are never
// closed here.
func (t *Table) Sweep(now time.Time, maxIdle time.Duration) []*Connection {
	t.mu.Lock()
	defer t.mu.Unlock()
	var removed []*Connection
	for key, conn := range t.conns {
		if now.Sub(conn.lastActivity) > maxIdle {
			delete(t.conns, key)
			removed = append(removed, conn)
		}
	}
	return removed
}

// Block evicts every connection whose raw client address matches and marks
// the address so no new connection is created for it.
func (t *Table) Block(addr netip.Addr) []*Connection {
	addr = addr.Unmap()
	t.mu.Lock()
	defer t.mu.Unlock()
	t.blocked[addr] = struct{}{}
	var evicted []*Connection
	for key, conn := range t.conns {
		if key.Addr == addr {
			delete(t.conns, key)
			evicted = append(evicted, conn)
		}
	}
	return evicted
}

// Clear empties the table and returns every connection for teardown.
func (t *Table) Clear() []*Connection {
	t.mu.Lock()
	defer t.mu.Unlock()
	all := make([]*Connection, 0, len(t.conns))
	for _, conn := range t.conns {
		all = append(all, conn)
	}
	t.conns = make(map[ClientKey]*Connection)
	return all
}

// Len reports the number of live connections.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.conns)
}

// LastActivities snapshots per-connection activity timestamps for the
// correlator's fallback search.
func (t *Table) LastActivities() map[ClientKey]time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[ClientKey]time.Time, len(t.conns))
	for key, conn := range t.conns {
		out[key] = conn.lastActivity
	}
	return out
}

// Snapshot builds per-connection summaries for stats reporting.
func (t *Table) Snapshot() []ClientStat {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]ClientStat, 0, len(t.conns))
	for _, conn := range t.conns {
		stat := ClientStat{
			Address:      conn.Key.String(),
			LastActivity: conn.lastActivity,
			Packets:      conn.packetsTotal,
		}
		if conn.realIP != "" {
			stat.RealAddress = net.JoinHostPort(conn.realIP, fmt.Sprint(conn.realPort))
		}
		out = append(out, stat)
	}
	return out
}
