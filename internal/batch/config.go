// Package batch implements BatchConfig: the per-window damage batching
// policy that decides how long to hold accumulated regions before flushing
// them, and when the recent damage volume is high enough that batching must
// be forced even if the current delay would have allowed immediate sends.
// Constants are grounded on Xpra's DamageBatchConfig
// (original_source/trunk/src/xpra/server/window_source.py).
package batch

import (
	"sync"
	"time"

	"github.com/xpra-go/dampipe/internal/stats"
)

// damageEvent is one timestamped ingress observation, kept only for the
// trailing TimeUnit so ForceBatchFactor can compare recent volume against
// the configured ceilings.
type damageEvent struct {
	at     time.Time
	pixels int
}

// Config tracks one window's batching state: the current delay, a trailing
// window of recent damage events, and rings of recent requested vs actual
// delays used by the Controller to detect when the event loop itself is
// falling behind the requested delay (SPEC_FULL.md §12).
type Config struct {
	mu sync.Mutex

	Always       bool
	MaxEvents    int
	MaxPixels    int
	MinDelayMs   int
	StartDelayMs int
	MaxDelayMs   int
	TimeUnit     time.Duration
	Recalculate  time.Duration

	delayMs   int
	recent    []damageEvent
	lastFlush time.Time

	recentDelays       *stats.DelayRing
	recentActualDelays *stats.DelayRing
}

// Options parameterizes New; zero values fall back to Xpra's defaults
// (MAX_EVENTS=50, MAX_PIXELS=50MiB-equivalent, MIN_DELAY=5,
// START_DELAY=50, MAX_DELAY=15000, TIME_UNIT=1s).
type Options struct {
	Always       bool
	MaxEvents    int
	MaxPixels    int
	MinDelayMs   int
	StartDelayMs int
	MaxDelayMs   int
	TimeUnit     time.Duration
	Recalculate  time.Duration
	RingCapacity int
}

// New builds a Config at its start delay. The requested- and actual-delay
// history rings hold Options.RingCapacity entries (Xpra uses a 64-entry
// maxdeque for both).
func New(o Options) *Config {
	if o.MaxEvents <= 0 {
		o.MaxEvents = 50
	}
	if o.MaxPixels <= 0 {
		o.MaxPixels = 50 * 1024 * 1024
	}
	if o.MinDelayMs <= 0 {
		o.MinDelayMs = 5
	}
	if o.StartDelayMs <= 0 {
		o.StartDelayMs = 50
	}
	if o.MaxDelayMs <= 0 {
		o.MaxDelayMs = 15000
	}
	if o.TimeUnit <= 0 {
		o.TimeUnit = time.Second
	}
	if o.Recalculate <= 0 {
		o.Recalculate = 40 * time.Millisecond
	}
	return &Config{
		Always:             o.Always,
		MaxEvents:          o.MaxEvents,
		MaxPixels:          o.MaxPixels,
		MinDelayMs:         o.MinDelayMs,
		StartDelayMs:       o.StartDelayMs,
		MaxDelayMs:         o.MaxDelayMs,
		TimeUnit:           o.TimeUnit,
		Recalculate:        o.Recalculate,
		delayMs:            o.StartDelayMs,
		recentDelays:       stats.NewDelayRing(o.RingCapacity),
		recentActualDelays: stats.NewDelayRing(o.RingCapacity),
	}
}

// Delay returns the currently configured batch delay.
func (c *Config) Delay() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return time.Duration(c.delayMs) * time.Millisecond
}

// MinDelay and MaxDelay expose the clamp bounds as durations.
func (c *Config) MinDelay() time.Duration { return time.Duration(c.MinDelayMs) * time.Millisecond }
func (c *Config) MaxDelay() time.Duration { return time.Duration(c.MaxDelayMs) * time.Millisecond }

// SetDelay clamps and stores a new delay, recording it on the requested
// ring. The Controller calls this after recalculating based on recent
// statistics; the clamp keeps min_delay <= current_delay <= max_delay at
// all times.
func (c *Config) SetDelay(d time.Duration) {
	ms := int(d / time.Millisecond)
	if ms < c.MinDelayMs {
		ms = c.MinDelayMs
	}
	if ms > c.MaxDelayMs {
		ms = c.MaxDelayMs
	}
	c.mu.Lock()
	c.delayMs = ms
	c.mu.Unlock()
	c.recentDelays.Add(time.Duration(ms) * time.Millisecond)
}

// RecordActualDelay records how long a flush actually waited, which may
// differ from the requested delay if the scheduler was backed up.
func (c *Config) RecordActualDelay(d time.Duration) {
	c.recentActualDelays.Add(d)
}

// AverageRequestedDelay and AverageActualDelay expose the ring averages the
// Controller compares to detect scheduler lag.
func (c *Config) AverageRequestedDelay() time.Duration { return c.recentDelays.Average() }
func (c *Config) AverageActualDelay() time.Duration    { return c.recentActualDelays.Average() }

// RecordDamage accounts for one incoming damage event covering n pixels.
// Events older than TimeUnit are pruned on the way in so the trailing
// window never grows unbounded.
func (c *Config) RecordDamage(pixels int) {
	now := time.Now()
	c.mu.Lock()
	c.recent = append(c.recent, damageEvent{at: now, pixels: pixels})
	c.pruneLocked(now)
	c.mu.Unlock()
}

func (c *Config) pruneLocked(now time.Time) {
	cutoff := now.Add(-c.TimeUnit)
	i := 0
	for i < len(c.recent) && c.recent[i].at.Before(cutoff) {
		i++
	}
	if i > 0 {
		c.recent = append(c.recent[:0], c.recent[i:]...)
	}
}

// ForceBatchFactor inspects the trailing TimeUnit of damage history and
// returns max(event_ratio, pixel_ratio): how far over the configured
// event-count or pixel-volume ceiling the window currently is. A result
// above 1 means the caller must batch, raising the delay to
// min_delay x factor; at or below 1 means volume alone does not force
// batching.
func (c *Config) ForceBatchFactor() float64 {
	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pruneLocked(now)
	events := len(c.recent)
	pixels := 0
	for _, e := range c.recent {
		pixels += e.pixels
	}
	eventRatio := float64(events) / float64(c.MaxEvents)
	pixelRatio := float64(pixels) / float64(c.MaxPixels)
	if eventRatio > pixelRatio {
		return eventRatio
	}
	return pixelRatio
}

// ForceBatchDelay returns the delay to apply when ForceBatchFactor exceeds
// 1: min_delay scaled by the overflow ratio, clamped to max_delay.
func (c *Config) ForceBatchDelay(factor float64) time.Duration {
	d := time.Duration(float64(c.MinDelay()) * factor)
	if d > c.MaxDelay() {
		d = c.MaxDelay()
	}
	if d < c.MinDelay() {
		d = c.MinDelay()
	}
	return d
}

// Flushed records when the pending regions were flushed, for
// ElapsedSinceFlush.
func (c *Config) Flushed() {
	c.mu.Lock()
	c.lastFlush = time.Now()
	c.mu.Unlock()
}

// ElapsedSinceFlush reports how long it has been since the last flush,
// zero if none has happened yet.
func (c *Config) ElapsedSinceFlush() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.lastFlush.IsZero() {
		return 0
	}
	return time.Since(c.lastFlush)
}
