package server

import (
	"regexp"
	"time"
)

// ConsoleEventKind distinguishes the identity events the console reports.
type ConsoleEventKind int

const (
	// PlayerJoined is emitted for "Player connected" console lines.
	PlayerJoined ConsoleEventKind = iota
	// PlayerLeft is emitted for "Player disconnected" console lines.
	PlayerLeft
)

// ConsoleEvent is a parsed identity event from the game server's console.
// At is the line's own timestamp when one could be parsed, otherwise the
// local receive time; the correlator's clock-skew guard handles the rest.
type ConsoleEvent struct {
	Kind   ConsoleEventKind
	Player string
	XUID   string
	At     time.Time
}

var (
	playerConnectedPattern    = regexp.MustCompile(`Player connected: ([^,]+), xuid: (\d+)`)
	playerDisconnectedPattern = regexp.MustCompile(`Player disconnected: ([^,]+), xuid: (\d+)`)

	// Console lines open with "[YYYY-MM-DD HH:MM:SS[:mmm] LEVEL]".
	consoleTimestampPattern = regexp.MustCompile(`^\[(\d{4}-\d{2}-\d{2} \d{2}:\d{2}:\d{2})`)
)

const consoleTimestampLayout = "2006-01-02 15:04:05"

// ParseConsoleLine matches a raw console line against the known identity
// patterns. The second return value is false for lines that carry no
// identity event.
func ParseConsoleLine(line string, received time.Time) (ConsoleEvent, bool) {
	at := received
	if m := consoleTimestampPattern.FindStringSubmatch(line); m != nil {
		if parsed, err := time.ParseInLocation(consoleTimestampLayout, m[1], time.Local); err == nil {
			at = parsed
		}
	}

	if m := playerConnectedPattern.FindStringSubmatch(line); m != nil {
		return ConsoleEvent{Kind: PlayerJoined, Player: m[1], XUID: m[2], At: at}, true
	}
	if m := playerDisconnectedPattern.FindStringSubmatch(line); m != nil {
		return ConsoleEvent{Kind: PlayerLeft, Player: m[1], XUID: m[2], At: at}, true
	}
	return ConsoleEvent{}, false
}
