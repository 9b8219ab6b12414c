// Package server owns the lifecycle of one logical game server: its UDP
// relay, its activity correlator, and optionally a managed external process
// whose console output is translated into domain events.
package server

import (
	"bufio"
	"context"
	"fmt"
	"net/netip"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"relay-gateway/internal/config"
	"relay-gateway/internal/correlate"
	"relay-gateway/internal/policy"
	"relay-gateway/internal/relay"
	"relay-gateway/internal/telemetry"

	ps "github.com/mitchellh/go-ps"
	"github.com/rs/zerolog/log"
)

// State is the server lifecycle state.
type State string

const (
	StateOffline  State = "offline"
	StateStarting State = "starting"
	StateOnline   State = "online"
	StateStopping State = "stopping"
	StateError    State = "error"
)

const (
	defaultCorrelationMaxAge = 10 * time.Second
	processStopGracePeriod   = 5 * time.Second
)

// PlayerEvent is the enriched join/leave domain event. Resolved is false
// when no network identity could be bound to the console event.
type PlayerEvent struct {
	Server        string    `json:"server"`
	Player        string    `json:"player"`
	XUID          string    `json:"xuid"`
	IP            string    `json:"ip,omitempty"`
	Port          int       `json:"port,omitempty"`
	Resolved      bool      `json:"resolved"`
	LowConfidence bool      `json:"low_confidence,omitempty"`
	At            time.Time `json:"at"`
}

// Player is a roster entry for a currently-connected player.
type Player struct {
	Name     string    `json:"name"`
	XUID     string    `json:"xuid"`
	IP       string    `json:"ip,omitempty"`
	Port     int       `json:"port,omitempty"`
	JoinedAt time.Time `json:"joined_at"`
}

// Callbacks are the downstream hooks for domain events. Any may be nil.
type Callbacks struct {
	OnPlayerJoin  func(PlayerEvent)
	OnPlayerLeave func(PlayerEvent)
	OnStateChange func(server string, state State)
	OnStats       func(server string, stats relay.Stats)
}

// Server is the per-logical-server state machine.
type Server struct {
	cfg      config.ServerConfig
	cb       Callbacks
	policy   *policy.Engine
	metrics  *telemetry.Metrics
	resolver relay.Resolver

	correlationMaxAge time.Duration

	mu            sync.Mutex
	state         State
	transitioning bool
	rly           *relay.Relay
	correlator    *correlate.Correlator
	cmd           *exec.Cmd
	procDone      chan struct{}
	roster        map[string]Player
	consoleWG     sync.WaitGroup
}

// New builds a server from its configuration. policy, metrics, and resolver
// may be nil.
func New(cfg config.ServerConfig, cb Callbacks, pe *policy.Engine, metrics *telemetry.Metrics, resolver relay.Resolver) *Server {
	return &Server{
		cfg:      cfg,
		cb:       cb,
		policy:   pe,
		metrics:  metrics,
		resolver: resolver,
		state:    StateOffline,
		roster:   make(map[string]Player),
	}
}

// Name returns the configured server name.
func (s *Server) Name() string { return s.cfg.Name }

// State reports the current lifecycle state.
func (s *Server) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Server) setState(state State) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
	if s.cb.OnStateChange != nil {
		s.cb.OnStateChange(s.cfg.Name, state)
	}
}

// Start validates configuration, brings up the relay with its correlator
// wired in, then launches the managed process. A missing executable in
// proxy-only mode degrades to standalone relay operation instead of failing.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.transitioning {
		s.mu.Unlock()
		return newError(CodeServerBusy, "server %s has a start/stop in flight", s.cfg.Name)
	}
	switch s.state {
	case StateStarting, StateOnline:
		s.mu.Unlock()
		return newError(CodeServerRunning, "server %s is already running", s.cfg.Name)
	case StateStopping:
		s.mu.Unlock()
		return newError(CodeServerBusy, "server %s is stopping", s.cfg.Name)
	case StateError:
		s.mu.Unlock()
		return newError(CodeServerFaulted, "server %s is in the error state, stop it first", s.cfg.Name)
	}
	s.transitioning = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.transitioning = false
		s.mu.Unlock()
	}()

	s.setState(StateStarting)

	relayCfg, correlator, err := s.buildRelayConfig()
	if err != nil {
		s.setState(StateError)
		return err
	}

	rly := relay.New(relayCfg, relay.Callbacks{
		OnActivity: func(ip string, port int, _ []byte) {
			correlator.Record(ip, port, time.Now())
		},
		OnStats: s.statsHook(),
		Allow:   s.allowHook(),
	}, s.metrics, s.resolver)

	// The correlator's fallback search walks the live connection table.
	correlator.SetFallback(func() map[correlate.Key]time.Time {
		activities := rly.LastActivities()
		out := make(map[correlate.Key]time.Time, len(activities))
		for key, ts := range activities {
			out[correlate.Key{IP: key.Addr.String(), Port: int(key.Port)}] = ts
		}
		return out
	})

	if err := rly.Start(ctx); err != nil {
		s.setState(StateError)
		return wrapError(CodeRelayStartFailed, err, "failed to start relay for server %s", s.cfg.Name)
	}

	s.mu.Lock()
	s.rly = rly
	s.correlator = correlator
	s.mu.Unlock()

	if err := s.launchProcess(); err != nil {
		if stopErr := rly.Stop(); stopErr != nil {
			log.Debug().Err(stopErr).Str("server_name", s.cfg.Name).Msg("relay stop during failed start")
		}
		s.mu.Lock()
		s.rly = nil
		s.correlator = nil
		s.mu.Unlock()
		s.setState(StateError)
		return err
	}

	s.setState(StateOnline)
	return nil
}

func (s *Server) buildRelayConfig() (relay.Config, *correlate.Correlator, error) {
	staleTimeout, err := config.ParseDuration(s.cfg.StaleTimeout, 0)
	if err != nil {
		return relay.Config{}, nil, wrapError(CodeConfigInvalid, err, "invalid stale_timeout on server %s", s.cfg.Name)
	}
	sweepInterval, err := config.ParseDuration(s.cfg.SweepInterval, 0)
	if err != nil {
		return relay.Config{}, nil, wrapError(CodeConfigInvalid, err, "invalid sweep_interval on server %s", s.cfg.Name)
	}
	maxAge, err := config.ParseDuration(s.cfg.CorrelationMaxAge, defaultCorrelationMaxAge)
	if err != nil {
		return relay.Config{}, nil, wrapError(CodeConfigInvalid, err, "invalid correlation_max_age on server %s", s.cfg.Name)
	}
	skewGuard, err := config.ParseDuration(s.cfg.ClockSkewGuard, 0)
	if err != nil {
		return relay.Config{}, nil, wrapError(CodeConfigInvalid, err, "invalid clock_skew_guard on server %s", s.cfg.Name)
	}

	s.correlationMaxAge = maxAge
	correlator := correlate.New(skewGuard, nil)

	return relay.Config{
		Name:                  s.cfg.Name,
		ListenPort:            s.cfg.ListenPort,
		TargetHost:            s.cfg.TargetHost,
		TargetPort:            s.cfg.TargetPort,
		StaleTimeout:          staleTimeout,
		SweepInterval:         sweepInterval,
		ProxyProtocolV2:       s.cfg.ProxyProtocolV2,
		TrustFirstHeader:      !s.cfg.TrustLastHeader,
		MaxConnections:        s.cfg.MaxConnections,
		RateLimitPerSecond:    s.cfg.RateLimitPerSecond,
		SocketReuse:           s.cfg.SocketReuse,
		PoolSize:              s.cfg.PoolSize,
		SharedSocketThreshold: s.cfg.SharedSocketThreshold,
	}, correlator, nil
}

func (s *Server) statsHook() func(relay.Stats) {
	if s.cb.OnStats == nil {
		return nil
	}
	return func(stats relay.Stats) {
		s.cb.OnStats(s.cfg.Name, stats)
	}
}

func (s *Server) allowHook() func(netip.Addr) bool {
	if s.policy == nil {
		return nil
	}
	return func(addr netip.Addr) bool {
		action, rule := s.policy.Evaluate(s.cfg.Name, addr)
		if action == config.DenyAction {
			log.Debug().
				Str("server_name", s.cfg.Name).
				Str("client_ip", addr.String()).
				Str("rule_name", rule).
				Msg("client denied by policy")
			return false
		}
		return true
	}
}

// launchProcess starts the managed executable and begins consuming its
// console output. Returns nil in proxy-only fallback cases.
func (s *Server) launchProcess() error {
	if s.cfg.Executable == "" {
		if s.cfg.ProxyOnly {
			log.Info().Str("server_name", s.cfg.Name).Msg("no executable configured, running relay standalone")
			return nil
		}
		return newError(CodeExecutableMissing, "server %s has no executable configured and proxy_only is not set", s.cfg.Name)
	}

	if _, err := os.Stat(s.cfg.Executable); err != nil {
		if s.cfg.ProxyOnly {
			log.Warn().Err(err).Str("server_name", s.cfg.Name).Str("executable", s.cfg.Executable).
				Msg("executable unavailable, falling back to standalone relay operation")
			return nil
		}
		return wrapError(CodeExecutableMissing, err, "executable for server %s not found at %s", s.cfg.Name, s.cfg.Executable)
	}

	s.warnIfAlreadyRunning()

	cmd := exec.Command(s.cfg.Executable, s.cfg.Args...)
	cmd.Dir = s.cfg.WorkDir
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return wrapError(CodeProcessStartFailed, err, "could not attach to console of server %s", s.cfg.Name)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return wrapError(CodeProcessStartFailed, err, "could not attach to stderr of server %s", s.cfg.Name)
	}

	if err := cmd.Start(); err != nil {
		if s.cfg.ProxyOnly {
			log.Warn().Err(err).Str("server_name", s.cfg.Name).
				Msg("executable failed to start, falling back to standalone relay operation")
			return nil
		}
		return wrapError(CodeProcessStartFailed, err, "failed to start executable for server %s", s.cfg.Name)
	}
	log.Info().Str("server_name", s.cfg.Name).Str("executable", s.cfg.Executable).Int("pid", cmd.Process.Pid).
		Msg("managed process started")

	procDone := make(chan struct{})
	s.mu.Lock()
	s.cmd = cmd
	s.procDone = procDone
	s.mu.Unlock()

	s.consoleWG.Add(2)
	go func() {
		defer s.consoleWG.Done()
		scanner := bufio.NewScanner(stdout)
		for scanner.Scan() {
			s.handleConsoleLine(scanner.Text())
		}
	}()
	go func() {
		defer s.consoleWG.Done()
		scanner := bufio.NewScanner(stderr)
		for scanner.Scan() {
			log.Warn().Str("server_name", s.cfg.Name).Str("console", scanner.Text()).Msg("managed process stderr")
		}
	}()

	go s.watchProcess(cmd, procDone)
	return nil
}

// warnIfAlreadyRunning scans the process table for another instance of the
// configured executable. Informational only: two servers may legitimately
// share a binary with different working directories.
func (s *Server) warnIfAlreadyRunning() {
	procs, err := ps.Processes()
	if err != nil {
		log.Debug().Err(err).Msg("could not enumerate processes")
		return
	}
	base := filepath.Base(s.cfg.Executable)
	for _, p := range procs {
		if p.Executable() == base {
			log.Warn().Str("server_name", s.cfg.Name).Int("pid", p.Pid()).Str("executable", base).
				Msg("an instance of the executable appears to be running already")
			return
		}
	}
}

// watchProcess reaps the managed process. It owns cmd.Wait exclusively and
// announces the exit on done so stopProcess never touches cmd state itself.
func (s *Server) watchProcess(cmd *exec.Cmd, done chan struct{}) {
	err := cmd.Wait()
	close(done)
	s.mu.Lock()
	unexpected := s.state == StateOnline && !s.transitioning
	s.mu.Unlock()
	if !unexpected {
		return
	}
	log.Error().Err(err).Str("server_name", s.cfg.Name).Msg("managed process exited unexpectedly")
	s.setState(StateError)
}

// handleConsoleLine translates one console line into a domain event,
// enriching it with the temporally-nearest network identity.
func (s *Server) handleConsoleLine(line string) {
	log.Debug().Str("server_name", s.cfg.Name).Str("console", line).Msg("managed process stdout")

	event, ok := ParseConsoleLine(line, time.Now())
	if !ok {
		return
	}

	s.mu.Lock()
	correlator := s.correlator
	s.mu.Unlock()

	var playerEvent PlayerEvent
	playerEvent.Server = s.cfg.Name
	playerEvent.Player = event.Player
	playerEvent.XUID = event.XUID
	playerEvent.At = event.At
	if correlator != nil {
		if match, found := correlator.Resolve(event.At, s.correlationMaxAge); found {
			playerEvent.IP = match.IP
			playerEvent.Port = match.Port
			playerEvent.Resolved = true
			playerEvent.LowConfidence = match.LowConfidence
		}
	}

	switch event.Kind {
	case PlayerJoined:
		s.mu.Lock()
		s.roster[event.XUID] = Player{
			Name:     event.Player,
			XUID:     event.XUID,
			IP:       playerEvent.IP,
			Port:     playerEvent.Port,
			JoinedAt: event.At,
		}
		s.mu.Unlock()
		log.Info().Str("server_name", s.cfg.Name).Str("player", event.Player).
			Str("client", playerEvent.IP).Bool("resolved", playerEvent.Resolved).
			Msg("player joined")
		if s.cb.OnPlayerJoin != nil {
			s.cb.OnPlayerJoin(playerEvent)
		}
	case PlayerLeft:
		s.mu.Lock()
		delete(s.roster, event.XUID)
		s.mu.Unlock()
		log.Info().Str("server_name", s.cfg.Name).Str("player", event.Player).Msg("player left")
		if s.cb.OnPlayerLeave != nil {
			s.cb.OnPlayerLeave(playerEvent)
		}
	}
}

// Stop tears down the relay and the managed process, tolerating an
// already-dead process, and clears the roster. Stop also recovers a server
// from the error state.
func (s *Server) Stop() error {
	s.mu.Lock()
	if s.transitioning {
		s.mu.Unlock()
		return newError(CodeServerBusy, "server %s has a start/stop in flight", s.cfg.Name)
	}
	if s.state == StateOffline {
		s.mu.Unlock()
		return newError(CodeServerNotRunning, "server %s is not running", s.cfg.Name)
	}
	s.transitioning = true
	cmd := s.cmd
	procDone := s.procDone
	rly := s.rly
	correlator := s.correlator
	s.cmd = nil
	s.procDone = nil
	s.rly = nil
	s.correlator = nil
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.transitioning = false
		s.mu.Unlock()
	}()

	s.setState(StateStopping)

	if rly != nil {
		if err := rly.Stop(); err != nil {
			log.Debug().Err(err).Str("server_name", s.cfg.Name).Msg("relay already stopped")
		}
	}
	if correlator != nil {
		correlator.Clear()
	}

	if cmd != nil && cmd.Process != nil {
		s.stopProcess(cmd, procDone)
	}
	s.consoleWG.Wait()

	s.mu.Lock()
	s.roster = make(map[string]Player)
	s.mu.Unlock()

	s.setState(StateOffline)
	log.Info().Str("server_name", s.cfg.Name).Msg("server stopped")
	return nil
}

// stopProcess asks the process to exit and kills it after a grace period.
// "Already stopped" is non-fatal. done is closed by watchProcess once the
// process has been reaped; stopProcess only ever blocks on it.
func (s *Server) stopProcess(cmd *exec.Cmd, done chan struct{}) {
	if err := cmd.Process.Signal(os.Interrupt); err != nil {
		log.Debug().Err(err).Str("server_name", s.cfg.Name).Msg("managed process already stopped")
		<-done
		return
	}
	select {
	case <-done:
	case <-time.After(processStopGracePeriod):
		if err := cmd.Process.Kill(); err != nil {
			log.Debug().Err(err).Str("server_name", s.cfg.Name).Msg("managed process kill raced with exit")
		}
		<-done
	}
}

// Players snapshots the current roster.
func (s *Server) Players() []Player {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Player, 0, len(s.roster))
	for _, p := range s.roster {
		out = append(out, p)
	}
	return out
}

// Stats returns the relay's current snapshot, or a zero value when offline.
func (s *Server) Stats() relay.Stats {
	s.mu.Lock()
	rly := s.rly
	s.mu.Unlock()
	if rly == nil {
		return relay.Stats{}
	}
	return rly.Stats()
}

// BlockClient evicts a client from the relay and records a runtime deny so
// it cannot reconnect.
func (s *Server) BlockClient(ip string) error {
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return fmt.Errorf("invalid client address %q: %w", ip, err)
	}
	if s.policy != nil {
		s.policy.Block(s.cfg.Name, addr)
	}
	s.mu.Lock()
	rly := s.rly
	s.mu.Unlock()
	if rly == nil {
		return newError(CodeServerNotRunning, "server %s is not running", s.cfg.Name)
	}
	return rly.BlockClient(ip)
}

// RealClientInfo resolves a proxy-facing tuple to the original client.
func (s *Server) RealClientInfo(ip string, port int) (string, int, bool) {
	s.mu.Lock()
	rly := s.rly
	s.mu.Unlock()
	if rly == nil {
		return "", 0, false
	}
	return rly.RealClientInfo(ip, port)
}
