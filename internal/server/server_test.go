package server

import (
	"context"
	"testing"
	"time"

	"relay-gateway/internal/config"

	"go.uber.org/goleak"
	"gotest.tools/assert"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func proxyOnlyConfig(name string) config.ServerConfig {
	return config.ServerConfig{
		Name:        name,
		Enabled:     true,
		ListenPort:  0, // OS-assigned, tests never collide
		TargetHost:  "127.0.0.1",
		TargetPort:  19132,
		SocketReuse: true,
		ProxyOnly:   true,
	}
}

func assertCode(t *testing.T, err error, want Code) {
	t.Helper()
	assert.Assert(t, err != nil)
	code, ok := ErrorCode(err)
	assert.Assert(t, ok, "error %v carries no code", err)
	assert.Equal(t, code, want)
}

func TestServerProxyOnlyLifecycle(t *testing.T) {
	var states []State
	s := New(proxyOnlyConfig("lobby"), Callbacks{
		OnStateChange: func(_ string, state State) { states = append(states, state) },
	}, nil, nil, nil)

	assert.Equal(t, s.State(), StateOffline)
	assert.NilError(t, s.Start(context.Background()))
	assert.Equal(t, s.State(), StateOnline)

	assert.NilError(t, s.Stop())
	assert.Equal(t, s.State(), StateOffline)

	assert.DeepEqual(t, states, []State{StateStarting, StateOnline, StateStopping, StateOffline})
}

func TestServerDoubleStartRejected(t *testing.T) {
	s := New(proxyOnlyConfig("lobby"), Callbacks{}, nil, nil, nil)
	assert.NilError(t, s.Start(context.Background()))
	defer func() { assert.NilError(t, s.Stop()) }()

	assertCode(t, s.Start(context.Background()), CodeServerRunning)
}

func TestServerStopWhileOfflineRejected(t *testing.T) {
	s := New(proxyOnlyConfig("lobby"), Callbacks{}, nil, nil, nil)
	assertCode(t, s.Stop(), CodeServerNotRunning)
}

func TestServerMissingExecutableFaults(t *testing.T) {
	cfg := proxyOnlyConfig("survival")
	cfg.ProxyOnly = false
	cfg.Executable = "/nonexistent/bedrock_server"
	s := New(cfg, Callbacks{}, nil, nil, nil)

	assertCode(t, s.Start(context.Background()), CodeExecutableMissing)
	assert.Equal(t, s.State(), StateError)

	// A faulted server refuses to start until explicitly stopped.
	assertCode(t, s.Start(context.Background()), CodeServerFaulted)

	assert.NilError(t, s.Stop())
	assert.Equal(t, s.State(), StateOffline)
}

func TestServerNoExecutableWithoutProxyOnlyFaults(t *testing.T) {
	cfg := proxyOnlyConfig("survival")
	cfg.ProxyOnly = false
	s := New(cfg, Callbacks{}, nil, nil, nil)

	assertCode(t, s.Start(context.Background()), CodeExecutableMissing)
	assert.Equal(t, s.State(), StateError)
	assert.NilError(t, s.Stop())
}

func TestServerMissingExecutableProxyOnlyDegrades(t *testing.T) {
	cfg := proxyOnlyConfig("lobby")
	cfg.Executable = "/nonexistent/bedrock_server"
	s := New(cfg, Callbacks{}, nil, nil, nil)

	assert.NilError(t, s.Start(context.Background()))
	assert.Equal(t, s.State(), StateOnline)
	assert.NilError(t, s.Stop())
}

func TestServerInvalidDurationRejected(t *testing.T) {
	cfg := proxyOnlyConfig("lobby")
	cfg.StaleTimeout = "soon"
	s := New(cfg, Callbacks{}, nil, nil, nil)

	assertCode(t, s.Start(context.Background()), CodeConfigInvalid)
	assert.Equal(t, s.State(), StateError)
}

func TestServerConsoleEventCorrelation(t *testing.T) {
	joins := make(chan PlayerEvent, 1)
	leaves := make(chan PlayerEvent, 1)
	s := New(proxyOnlyConfig("lobby"), Callbacks{
		OnPlayerJoin:  func(e PlayerEvent) { joins <- e },
		OnPlayerLeave: func(e PlayerEvent) { leaves <- e },
	}, nil, nil, nil)

	assert.NilError(t, s.Start(context.Background()))
	defer func() { assert.NilError(t, s.Stop()) }()

	// Simulate the relay having just seen traffic from the joining client.
	s.mu.Lock()
	correlator := s.correlator
	s.mu.Unlock()
	correlator.Record("5.6.7.8", 9000, time.Now())

	s.handleConsoleLine("Player connected: Steve, xuid: 123")
	select {
	case e := <-joins:
		assert.Equal(t, e.Server, "lobby")
		assert.Equal(t, e.Player, "Steve")
		assert.Equal(t, e.XUID, "123")
		assert.Assert(t, e.Resolved)
		assert.Assert(t, !e.LowConfidence)
		assert.Equal(t, e.IP, "5.6.7.8")
		assert.Equal(t, e.Port, 9000)
	case <-time.After(time.Second):
		t.Fatal("no join event emitted")
	}

	players := s.Players()
	assert.Equal(t, len(players), 1)
	assert.Equal(t, players[0].Name, "Steve")
	assert.Equal(t, players[0].IP, "5.6.7.8")

	s.handleConsoleLine("Player disconnected: Steve, xuid: 123")
	select {
	case e := <-leaves:
		assert.Equal(t, e.XUID, "123")
	case <-time.After(time.Second):
		t.Fatal("no leave event emitted")
	}
	assert.Equal(t, len(s.Players()), 0)
}

func TestServerConsoleEventWithoutActivityUnresolved(t *testing.T) {
	joins := make(chan PlayerEvent, 1)
	s := New(proxyOnlyConfig("lobby"), Callbacks{
		OnPlayerJoin: func(e PlayerEvent) { joins <- e },
	}, nil, nil, nil)

	assert.NilError(t, s.Start(context.Background()))
	defer func() { assert.NilError(t, s.Stop()) }()

	s.handleConsoleLine("Player connected: Ghost, xuid: 999")
	select {
	case e := <-joins:
		assert.Assert(t, !e.Resolved)
		assert.Equal(t, e.IP, "")
	case <-time.After(time.Second):
		t.Fatal("no join event emitted")
	}
}

func TestServerStopClearsCorrelatorAndRoster(t *testing.T) {
	s := New(proxyOnlyConfig("lobby"), Callbacks{}, nil, nil, nil)
	assert.NilError(t, s.Start(context.Background()))

	s.mu.Lock()
	correlator := s.correlator
	s.mu.Unlock()
	correlator.Record("5.6.7.8", 9000, time.Now())
	s.handleConsoleLine("Player connected: Steve, xuid: 123")
	assert.Equal(t, len(s.Players()), 1)
	assert.Equal(t, correlator.Len(), 1)

	assert.NilError(t, s.Stop())
	assert.Equal(t, len(s.Players()), 0)
	assert.Equal(t, correlator.Len(), 0)
}

func TestServerManagedProcessStopsCleanly(t *testing.T) {
	cfg := proxyOnlyConfig("managed")
	cfg.ProxyOnly = false
	cfg.Executable = "/bin/sleep"
	cfg.Args = []string{"60"}
	s := New(cfg, Callbacks{}, nil, nil, nil)

	assert.NilError(t, s.Start(context.Background()))
	assert.Equal(t, s.State(), StateOnline)

	// Stop interrupts the process and must return only after it has been
	// reaped, well inside the kill grace period.
	start := time.Now()
	assert.NilError(t, s.Stop())
	assert.Assert(t, time.Since(start) < processStopGracePeriod)
	assert.Equal(t, s.State(), StateOffline)
}

func TestServerManagedProcessExitFaults(t *testing.T) {
	cfg := proxyOnlyConfig("oneshot")
	cfg.ProxyOnly = false
	cfg.Executable = "/bin/sh"
	cfg.Args = []string{"-c", "sleep 0.2"}
	s := New(cfg, Callbacks{}, nil, nil, nil)

	assert.NilError(t, s.Start(context.Background()))
	assert.Equal(t, s.State(), StateOnline)

	deadline := time.Now().Add(3 * time.Second)
	for s.State() != StateError && time.Now().Before(deadline) {
		time.Sleep(20 * time.Millisecond)
	}
	assert.Equal(t, s.State(), StateError)

	assert.NilError(t, s.Stop())
	assert.Equal(t, s.State(), StateOffline)
}

func TestServerBlockClientOffline(t *testing.T) {
	s := New(proxyOnlyConfig("lobby"), Callbacks{}, nil, nil, nil)
	assertCode(t, s.BlockClient("1.2.3.4"), CodeServerNotRunning)
}

func TestServerStatsOffline(t *testing.T) {
	s := New(proxyOnlyConfig("lobby"), Callbacks{}, nil, nil, nil)
	stats := s.Stats()
	assert.Assert(t, !stats.Running)
	assert.Equal(t, stats.ActiveConnections, 0)
}
