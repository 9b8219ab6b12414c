package server

import (
	"testing"
	"time"

	"gotest.tools/assert"
)

func TestParseConsoleLineJoin(t *testing.T) {
	received := time.Now()
	event, ok := ParseConsoleLine("[2026-08-26 14:03:07:123 INFO] Player connected: Steve, xuid: 2535412345678901", received)
	assert.Assert(t, ok)
	assert.Equal(t, event.Kind, PlayerJoined)
	assert.Equal(t, event.Player, "Steve")
	assert.Equal(t, event.XUID, "2535412345678901")

	want := time.Date(2026, 8, 26, 14, 3, 7, 0, time.Local)
	assert.Assert(t, event.At.Equal(want))
}

func TestParseConsoleLineLeave(t *testing.T) {
	event, ok := ParseConsoleLine("[2026-08-26 14:05:00 INFO] Player disconnected: Alex, xuid: 2535400000000001", time.Now())
	assert.Assert(t, ok)
	assert.Equal(t, event.Kind, PlayerLeft)
	assert.Equal(t, event.Player, "Alex")
	assert.Equal(t, event.XUID, "2535400000000001")
}

func TestParseConsoleLineNameWithSpaces(t *testing.T) {
	event, ok := ParseConsoleLine("Player connected: Cool Player 99, xuid: 1234", time.Now())
	assert.Assert(t, ok)
	assert.Equal(t, event.Player, "Cool Player 99")
	assert.Equal(t, event.XUID, "1234")
}

func TestParseConsoleLineNoTimestampUsesReceiveTime(t *testing.T) {
	received := time.Date(2026, 8, 26, 9, 0, 0, 0, time.Local)
	event, ok := ParseConsoleLine("Player connected: Steve, xuid: 42", received)
	assert.Assert(t, ok)
	assert.Assert(t, event.At.Equal(received))
}

func TestParseConsoleLineIgnoresChatter(t *testing.T) {
	for _, line := range []string{
		"[2026-08-26 14:03:07 INFO] Server started.",
		"Version: 1.21.0.3",
		"",
		"Player connected but in the wrong shape",
	} {
		_, ok := ParseConsoleLine(line, time.Now())
		assert.Assert(t, !ok, "line %q should not parse", line)
	}
}
