package controller

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/xpra-go/dampipe/internal/batch"
	"github.com/xpra-go/dampipe/internal/stats"
)

func newTestController() *Controller {
	ring := stats.NewRing(64)
	b := batch.New(batch.Options{
		MaxEvents:    50,
		MinDelayMs:   5,
		StartDelayMs: 50,
		MaxDelayMs:   15000,
		Recalculate:  40 * time.Millisecond,
		RingCapacity: 64,
	})
	return New(10, 0, ring, b)
}

func TestRecalculateWithNoSamplesHoldsTargets(t *testing.T) {
	c := newTestController()
	before := c.Targets()
	after := c.Recalculate()
	require.Equal(t, before, after)
}

func TestHighLatencyShiftsTowardSpeed(t *testing.T) {
	c := newTestController()
	for i := 0; i < 10; i++ {
		c.RecordAck(200*time.Millisecond, 1000, "video")
	}
	before := c.Targets()
	after := c.Recalculate()
	require.Greater(t, after.Speed, before.Speed)
	require.Less(t, after.Quality, before.Quality)
}

func TestLowLatencyShiftsTowardQuality(t *testing.T) {
	c := newTestController()
	c.speed = 50 // start mid-range so a decrease is observable
	for i := 0; i < 10; i++ {
		c.RecordAck(1*time.Millisecond, 1000, "still")
	}
	before := c.Targets()
	after := c.Recalculate()
	require.GreaterOrEqual(t, after.Quality, before.Quality)
	require.LessOrEqual(t, after.Speed, before.Speed)
}

func TestPinnedValuesBypassTheLoop(t *testing.T) {
	c := newTestController()
	c.SetPins(Pins{FixedQuality: 42, FixedSpeed: 77})
	for i := 0; i < 10; i++ {
		c.RecordAck(200*time.Millisecond, 1000, "video")
	}
	c.Recalculate()
	targets := c.Targets()
	require.Equal(t, 42, targets.Quality)
	require.Equal(t, 77, targets.Speed)
}

func TestGrowingBacklogWidensBatchDelay(t *testing.T) {
	ring := stats.NewRing(64)
	b := batch.New(batch.Options{MinDelayMs: 5, StartDelayMs: 50, MaxDelayMs: 15000, RingCapacity: 64})
	c := New(0, 0, ring, b)
	backlog := 0
	c.SetBacklogFn(func() int { return backlog })

	c.RecordAck(30*time.Millisecond, 1000, "still")
	before := b.Delay()
	backlog = 1
	c.Recalculate()
	backlog = 4
	c.Recalculate()
	require.Greater(t, b.Delay(), before)
}

func TestQualityNeverDropsBelowMinimum(t *testing.T) {
	c := newTestController()
	for round := 0; round < 20; round++ {
		for i := 0; i < 5; i++ {
			c.RecordAck(200*time.Millisecond, 1000, "video")
		}
		c.Recalculate()
	}
	require.GreaterOrEqual(t, c.Targets().Quality, 10)
}
