// Package correlate binds text-reported identity events (console join/leave
// lines that only carry a player name) to the temporally-nearest network
// activity the relay observed.
package correlate

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

const defaultClockSkewGuard = 2 * time.Minute

// Key is the endpoint an activity record belongs to.
type Key struct {
	IP   string
	Port int
}

func (k Key) less(other Key) bool {
	if k.IP != other.IP {
		return k.IP < other.IP
	}
	return k.Port < other.Port
}

// Match is the resolved endpoint for an identity event. LowConfidence marks
// the last-resort case where no record fell within the freshness threshold
// but some signal existed.
type Match struct {
	IP            string
	Port          int
	LowConfidence bool
}

// Correlator holds one logical server's activity records. Fallback, when
// set, supplies the relay's per-connection activity timestamps as a second
// search space.
type Correlator struct {
	mu      sync.Mutex
	records map[Key]time.Time

	clockSkewGuard time.Duration
	fallback       func() map[Key]time.Time
	now            func() time.Time
}

// New creates a correlator. clockSkewGuard <= 0 uses the 2-minute default;
// fallback may be nil.
func New(clockSkewGuard time.Duration, fallback func() map[Key]time.Time) *Correlator {
	if clockSkewGuard <= 0 {
		clockSkewGuard = defaultClockSkewGuard
	}
	return &Correlator{
		records:        make(map[Key]time.Time),
		clockSkewGuard: clockSkewGuard,
		fallback:       fallback,
		now:            time.Now,
	}
}

// SetFallback installs the secondary search space after construction, for
// callers that create the correlator before the relay it observes.
func (c *Correlator) SetFallback(fallback func() map[Key]time.Time) {
	c.mu.Lock()
	c.fallback = fallback
	c.mu.Unlock()
}

// Record upserts the activity timestamp for an endpoint.
func (c *Correlator) Record(ip string, port int, at time.Time) {
	c.mu.Lock()
	c.records[Key{IP: ip, Port: port}] = at
	c.mu.Unlock()
}

// Clear drops every record. Called when the owning relay stops.
func (c *Correlator) Clear() {
	c.mu.Lock()
	c.records = make(map[Key]time.Time)
	c.mu.Unlock()
}

// Len reports the current record count.
func (c *Correlator) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.records)
}

// Resolve finds the endpoint whose activity timestamp is nearest to
// referenceTime. A match further away than maxAge in both the correlator's
// own records and the fallback set degrades to the globally most-recent
// record, flagged low-confidence. The boolean is false only when no signal
// exists at all.
func (c *Correlator) Resolve(referenceTime time.Time, maxAge time.Duration) (Match, bool) {
	now := c.now()
	if d := now.Sub(referenceTime); d > c.clockSkewGuard || d < -c.clockSkewGuard {
		// Upstream log timestamps are not trustworthy; fall back to our
		// own clock.
		log.Debug().
			Time("reference_time", referenceTime).
			Dur("skew", d).
			Msg("correlator: reference time outside skew guard, substituting local clock")
		referenceTime = now
	}

	c.mu.Lock()
	primary := make(map[Key]time.Time, len(c.records))
	for k, v := range c.records {
		primary[k] = v
	}
	fallback := c.fallback
	c.mu.Unlock()

	if key, ts, ok := nearest(primary, referenceTime); ok {
		if within(ts, referenceTime, maxAge) {
			return Match{IP: key.IP, Port: key.Port}, true
		}
	}

	var secondary map[Key]time.Time
	if fallback != nil {
		secondary = fallback()
		if key, ts, ok := nearest(secondary, referenceTime); ok {
			if within(ts, referenceTime, maxAge) {
				return Match{IP: key.IP, Port: key.Port}, true
			}
		}
	}

	// Nothing within threshold. Better to surface the freshest signal,
	// clearly marked, than to pretend no client exists.
	key, ts, ok := mostRecent(primary, secondary)
	if !ok {
		return Match{}, false
	}
	log.Warn().
		Str("client", key.IP).
		Int("port", key.Port).
		Time("last_activity", ts).
		Time("reference_time", referenceTime).
		Msg("correlator: no activity within threshold, returning most recent record as low-confidence match")
	return Match{IP: key.IP, Port: key.Port, LowConfidence: true}, true
}

func within(ts, ref time.Time, maxAge time.Duration) bool {
	d := ts.Sub(ref)
	if d < 0 {
		d = -d
	}
	return d <= maxAge
}

// nearest returns the record with the smallest |timestamp - ref|. Ties break
// on the lowest key for reproducibility.
func nearest(records map[Key]time.Time, ref time.Time) (Key, time.Time, bool) {
	var bestKey Key
	var bestTS time.Time
	var bestDist time.Duration
	found := false
	for key, ts := range records {
		d := ts.Sub(ref)
		if d < 0 {
			d = -d
		}
		if !found || d < bestDist || (d == bestDist && key.less(bestKey)) {
			bestKey, bestTS, bestDist = key, ts, d
			found = true
		}
	}
	return bestKey, bestTS, found
}

func mostRecent(sets ...map[Key]time.Time) (Key, time.Time, bool) {
	var bestKey Key
	var bestTS time.Time
	found := false
	for _, records := range sets {
		for key, ts := range records {
			if !found || ts.After(bestTS) || (ts.Equal(bestTS) && key.less(bestKey)) {
				bestKey, bestTS = key, ts
				found = true
			}
		}
	}
	return bestKey, bestTS, found
}
