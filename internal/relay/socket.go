package relay

import (
	"fmt"
	"net"
	"sync"

	"github.com/rs/zerolog/log"
)

// pooledSocketBufferSize is deliberately smaller than the listen socket's
// buffer: pooled sockets only carry target responses, not client bursts.
const pooledSocketBufferSize = 256 * 1024

// forwardSocket wraps a UDP socket used to reach the target. Shared and
// pooled sockets serve many connections at once and are closed exactly once
// at relay-stop time; dedicated sockets belong to a single connection.
type forwardSocket struct {
	conn   *net.UDPConn
	shared bool

	closeOnce sync.Once

	// lastSender routes responses arriving on a shared socket back to the
	// connection that most recently sent through it. Dedicated sockets set
	// it once at creation.
	mu         sync.Mutex
	lastSender *Connection
}

func (s *forwardSocket) setLastSender(c *Connection) {
	s.mu.Lock()
	s.lastSender = c
	s.mu.Unlock()
}

func (s *forwardSocket) lastSenderConn() *Connection {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSender
}

// close shuts the underlying socket down exactly once. Reply loops racing
// against it observe a read error and exit.
func (s *forwardSocket) close() {
	s.closeOnce.Do(func() {
		if err := s.conn.Close(); err != nil {
			log.Debug().Err(err).Msg("forward socket close raced with teardown")
		}
	})
}

// SocketPool implements the three-tier forwarding-socket policy: one shared
// socket while the connection count stays under the threshold, a fixed
// round-robin pool above it, and dedicated per-connection sockets when reuse
// is disabled entirely.
type SocketPool struct {
	target    *net.UDPAddr
	size      int
	threshold int
	reuse     bool

	// onOpen lets the relay start a reply loop for every socket the pool
	// brings up.
	onOpen func(*forwardSocket)

	mu     sync.Mutex
	shared *forwardSocket
	pool   []*forwardSocket
	next   int
	closed bool
}

// NewSocketPool creates a pool targeting the given address. Sockets are
// dialed lazily on first use.
func NewSocketPool(target *net.UDPAddr, size, threshold int, reuse bool, onOpen func(*forwardSocket)) *SocketPool {
	return &SocketPool{
		target:    target,
		size:      size,
		threshold: threshold,
		reuse:     reuse,
		onOpen:    onOpen,
	}
}

func (p *SocketPool) dial(shared bool) (*forwardSocket, error) {
	conn, err := net.DialUDP("udp", nil, p.target)
	if err != nil {
		return nil, fmt.Errorf("failed to dial UDP target %s: %w", p.target, err)
	}
	if err := conn.SetReadBuffer(pooledSocketBufferSize); err != nil {
		log.Debug().Err(err).Msg("could not set forward socket read buffer")
	}
	if err := conn.SetWriteBuffer(pooledSocketBufferSize); err != nil {
		log.Debug().Err(err).Msg("could not set forward socket write buffer")
	}
	s := &forwardSocket{conn: conn, shared: shared}
	if p.onOpen != nil {
		p.onOpen(s)
	}
	return s, nil
}

// Acquire hands out a forwarding socket for a newly created connection.
// activeConnections is the table size at creation time. The second return
// value reports whether the socket is dedicated to this connection and must
// be closed on its teardown.
func (p *SocketPool) Acquire(activeConnections int) (*forwardSocket, bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		// A packet racing relay teardown must not dial a socket nothing
		// will ever close.
		return nil, false, fmt.Errorf("socket pool is closed")
	}

	if !p.reuse {
		s, err := p.dial(false)
		if err != nil {
			return nil, false, err
		}
		return s, true, nil
	}

	if activeConnections < p.threshold {
		if p.shared == nil {
			s, err := p.dial(true)
			if err != nil {
				return nil, false, err
			}
			p.shared = s
		}
		return p.shared, false, nil
	}

	if len(p.pool) < p.size {
		s, err := p.dial(true)
		if err != nil {
			return nil, false, err
		}
		p.pool = append(p.pool, s)
		return s, false, nil
	}

	s := p.pool[p.next%len(p.pool)]
	p.next++
	return s, false, nil
}

// Close shuts down the shared socket and every pooled socket exactly once.
// Dedicated sockets are owned by their connections and closed separately.
func (p *SocketPool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	if p.shared != nil {
		p.shared.close()
		p.shared = nil
	}
	for _, s := range p.pool {
		s.close()
	}
	p.pool = nil
}
