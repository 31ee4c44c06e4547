package config

import "fmt"

// Validate returns every problem found with cfg without stopping at the
// first one, mirroring the agent config's non-fatal accumulate-and-report
// style. Callers decide whether any of these are fatal.
func (c Config) Validate() []error {
	var errs []error

	if c.Batch.MinDelayMs < 0 {
		errs = append(errs, fmt.Errorf("batch.min_delay_ms must be >= 0, got %d", c.Batch.MinDelayMs))
	}
	if c.Batch.MaxDelayMs < c.Batch.MinDelayMs {
		errs = append(errs, fmt.Errorf("batch.max_delay_ms (%d) must be >= batch.min_delay_ms (%d)", c.Batch.MaxDelayMs, c.Batch.MinDelayMs))
	}
	if c.Batch.StartDelayMs < c.Batch.MinDelayMs || c.Batch.StartDelayMs > c.Batch.MaxDelayMs {
		errs = append(errs, fmt.Errorf("batch.start_delay_ms (%d) must be within [min_delay_ms, max_delay_ms]", c.Batch.StartDelayMs))
	}
	if c.Batch.MaxEvents <= 0 {
		errs = append(errs, fmt.Errorf("batch.max_events must be > 0, got %d", c.Batch.MaxEvents))
	}
	if c.Batch.RecalculateEvery <= 0 {
		errs = append(errs, fmt.Errorf("batch.recalculate_every must be > 0"))
	}

	if c.Batch.MaxPixels <= 0 {
		errs = append(errs, fmt.Errorf("batch.max_pixels must be > 0, got %d", c.Batch.MaxPixels))
	}
	if c.Batch.TimeUnit <= 0 {
		errs = append(errs, fmt.Errorf("batch.time_unit must be > 0"))
	}

	for name, v := range map[string]int{
		"encoding.quality":     c.Encoding.Quality,
		"encoding.min_quality": c.Encoding.MinQuality,
		"encoding.speed":       c.Encoding.Speed,
		"encoding.min_speed":   c.Encoding.MinSpeed,
	} {
		if v < -1 || v > 100 {
			errs = append(errs, fmt.Errorf("%s must be -1 or within [0,100], got %d", name, v))
		}
	}

	if c.AutoRefresh.DelayMs < 0 {
		errs = append(errs, fmt.Errorf("auto_refresh.delay_ms must be >= 0, got %d", c.AutoRefresh.DelayMs))
	}
	if c.AutoRefresh.ThresholdPct < 0 || c.AutoRefresh.ThresholdPct > 100 {
		errs = append(errs, fmt.Errorf("auto_refresh.threshold_pct must be within [0,100], got %d", c.AutoRefresh.ThresholdPct))
	}
	if c.AutoRefresh.Quality < 0 || c.AutoRefresh.Quality > 100 {
		errs = append(errs, fmt.Errorf("auto_refresh.quality must be within [0,100], got %d", c.AutoRefresh.Quality))
	}
	if c.AutoRefresh.Speed < 0 || c.AutoRefresh.Speed > 100 {
		errs = append(errs, fmt.Errorf("auto_refresh.speed must be within [0,100], got %d", c.AutoRefresh.Speed))
	}

	if c.NonVideo.MaxPixels <= 0 {
		errs = append(errs, fmt.Errorf("non_video.max_pixels must be > 0, got %d", c.NonVideo.MaxPixels))
	}
	if c.NonVideo.MaxPixelsOrInitial < c.NonVideo.MaxPixels {
		errs = append(errs, fmt.Errorf("non_video.max_pixels_or_initial must be >= non_video.max_pixels"))
	}

	if c.Mmap.Enabled && c.Mmap.SizeBytes <= 0 {
		errs = append(errs, fmt.Errorf("mmap.size_bytes must be > 0 when mmap.enabled"))
	}

	if c.Stats.RingCapacity <= 0 {
		errs = append(errs, fmt.Errorf("stats.ring_capacity must be > 0, got %d", c.Stats.RingCapacity))
	}
	if c.Stats.ActualDelayCapacity <= 0 {
		errs = append(errs, fmt.Errorf("stats.actual_delay_capacity must be > 0, got %d", c.Stats.ActualDelayCapacity))
	}

	return errs
}
