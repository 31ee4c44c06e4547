// Package controller implements the adaptive quality/speed/delay loop
// spec.md §4.2 describes: it watches recent ack latency in a stats.Ring
// and the in-flight packet backlog, derives instantaneous quality/speed
// targets, and publishes time-weighted damped averages of those targets so
// the encoders never see a single spike swing the knobs. The same loop
// retunes the batch delay: it widens while the backlog grows faster than
// it drains and narrows while end-to-end latency sits below target.
package controller

import (
	"sync"
	"time"

	"github.com/xpra-go/dampipe/internal/batch"
	"github.com/xpra-go/dampipe/internal/stats"
)

// Damping constants for the target averages: a fresh instantaneous target
// observation is weighted as if it were at least 0.1s old, decayed at
// power 1.2 (matching calculate_time_weighted_average's min_offset/rpow in
// the original controller).
const (
	dampMinOffset = 0.1
	dampRpow      = 1.2
)

// Targets bundles the two knobs the rest of the pipeline reads: Quality and
// Speed, both 0-100, clamped to the window's configured minimums.
type Targets struct {
	Quality int
	Speed   int
}

// Pins are operator-fixed values that bypass the control loop entirely.
// A value of -1 means unpinned (the loop drives that knob).
type Pins struct {
	FixedQuality int
	FixedSpeed   int
}

// Controller owns one window's adaptive targets. Recalculate is meant to be
// invoked on BatchConfig.Recalculate's cadence (spec.md: at most every
// 40ms, ~25Hz, matching RECALCULATE_DELAY=0.04 in the original).
type Controller struct {
	mu sync.Mutex

	minQuality, minSpeed int
	pins                 Pins

	qualityHist *stats.ValueRing
	speedHist   *stats.ValueRing
	quality     int
	speed       int

	ring  *stats.Ring
	batch *batch.Config

	// backlogFn reports the window's in-flight unacked packet count; nil
	// means backlog pressure is invisible to this controller (tests).
	backlogFn   func() int
	lastBacklog int

	// watermark latencies bound the target band Recalculate steers toward.
	lowWatermark, highWatermark time.Duration
}

// New builds a Controller starting at maximum quality and minimum speed
// (the safest starting point: favor fidelity until congestion proves
// otherwise), matching Xpra's default bias.
func New(minQuality, minSpeed int, ring *stats.Ring, b *batch.Config) *Controller {
	return &Controller{
		minQuality:    minQuality,
		minSpeed:      minSpeed,
		pins:          Pins{FixedQuality: -1, FixedSpeed: -1},
		qualityHist:   stats.NewValueRing(64),
		speedHist:     stats.NewValueRing(64),
		quality:       100,
		speed:         minSpeed,
		ring:          ring,
		batch:         b,
		lowWatermark:  20 * time.Millisecond,
		highWatermark: 80 * time.Millisecond,
	}
}

// SetPins installs operator-fixed quality/speed values (-1 leaves a knob
// adaptive). Pinned values bypass the loop from the next Targets call on.
func (c *Controller) SetPins(p Pins) {
	c.mu.Lock()
	c.pins = p
	c.mu.Unlock()
}

// SetBacklogFn wires in the in-flight packet counter the delay retuner
// reads; typically connsource.Source's per-window pending count.
func (c *Controller) SetBacklogFn(fn func() int) {
	c.mu.Lock()
	c.backlogFn = fn
	c.mu.Unlock()
}

// SetWatermarks overrides the default latency band; callers with a
// higher-latency transport (e.g. a relayed WebRTC path) widen this.
func (c *Controller) SetWatermarks(low, high time.Duration) {
	c.mu.Lock()
	c.lowWatermark, c.highWatermark = low, high
	c.mu.Unlock()
}

// Targets returns the current clamped quality/speed pair; pinned values
// take precedence over the adaptive ones.
func (c *Controller) Targets() Targets {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := Targets{Quality: c.clampQuality(c.quality), Speed: c.clampSpeed(c.speed)}
	if c.pins.FixedQuality >= 0 {
		t.Quality = c.pins.FixedQuality
	}
	if c.pins.FixedSpeed >= 0 {
		t.Speed = c.pins.FixedSpeed
	}
	return t
}

func (c *Controller) clampQuality(q int) int {
	if q < c.minQuality {
		return c.minQuality
	}
	if q > 100 {
		return 100
	}
	return q
}

func (c *Controller) clampSpeed(s int) int {
	if s < c.minSpeed {
		return c.minSpeed
	}
	if s > 100 {
		return 100
	}
	return s
}

// Recalculate derives fresh instantaneous targets from recent latency and
// backlog, folds them into the damped histories, and retunes the batch
// delay. Samples stay in the ring until overwritten, so a call with no new
// acks applies the adjustment those samples indicate again; only with an
// empty ring are the instantaneous targets the current ones and the batch
// delay left alone.
func (c *Controller) Recalculate() Targets {
	samples := c.ring.Snapshot()
	now := time.Now()
	p90 := stats.Percentile(samples, 90)
	avg := stats.TimeWeightedAverage(samples, now, dampMinOffset, dampRpow)

	c.mu.Lock()
	backlog := 0
	if c.backlogFn != nil {
		backlog = c.backlogFn()
	}
	backlogGrowing := backlog > c.lastBacklog
	c.lastBacklog = backlog

	instQ, instS := c.instantTargets(p90, avg, backlog, len(samples))
	c.qualityHist.Add(stats.ValuePoint{At: now, Value: float64(instQ)})
	c.speedHist.Add(stats.ValuePoint{At: now, Value: float64(instS)})
	c.quality = c.clampQuality(int(stats.TimeWeightedValue(c.qualityHist.Snapshot(), now, dampMinOffset, dampRpow)))
	c.speed = c.clampSpeed(int(stats.TimeWeightedValue(c.speedHist.Snapshot(), now, dampMinOffset, dampRpow)))
	targets := Targets{Quality: c.quality, Speed: c.speed}
	low, high := c.lowWatermark, c.highWatermark
	c.mu.Unlock()

	c.retuneDelay(p90, avg, backlog, backlogGrowing, len(samples), low, high)
	return targets
}

// instantTargets maps the current latency picture to one instantaneous
// quality/speed pair, before damping. High latency or a deep backlog pushes
// speed up and quality down; comfortably low latency relaxes both back.
func (c *Controller) instantTargets(p90, avg time.Duration, backlog, sampleCount int) (int, int) {
	if sampleCount == 0 {
		return c.quality, c.speed
	}
	q, s := c.quality, c.speed
	switch {
	case p90 > c.highWatermark || backlog > 2:
		s += 10
		q -= 10
	case avg < c.lowWatermark && backlog == 0:
		q += 5
		s -= 5
	}
	return q, s
}

// retuneDelay raises the batch delay while the in-flight queue is growing
// faster than it drains, and lowers it when recent end-to-end latency sits
// below the low watermark with no backlog, trending the queue toward zero.
func (c *Controller) retuneDelay(p90, avg time.Duration, backlog int, backlogGrowing bool, sampleCount int, low, high time.Duration) {
	if c.batch == nil || sampleCount == 0 {
		return
	}
	current := c.batch.Delay()
	switch {
	case backlogGrowing && backlog > 0:
		c.batch.SetDelay(current + current/2 + 5*time.Millisecond)
	case p90 > high:
		c.batch.SetDelay(current + 10*time.Millisecond)
	case avg < low && backlog == 0:
		c.batch.SetDelay(current - 5*time.Millisecond)
	}
}

// RecordAck feeds one completed round trip into the stats ring, tagged by
// which encoding family produced it.
func (c *Controller) RecordAck(latency time.Duration, pixels int, encoding string) {
	c.ring.Add(stats.Sample{At: time.Now(), Latency: latency, Pixels: pixels, Encoding: encoding})
}
