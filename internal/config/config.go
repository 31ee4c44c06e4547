// Package config loads the damage pipeline's runtime configuration from
// defaults, an optional config file, and XPRA_*-prefixed environment
// variables, following the viper/mapstructure layering used by the agent
// config in the retrieval pack.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the top-level, per-process configuration. Fields map 1:1 onto
// the tunables spec.md's EXTERNAL INTERFACES section names as configuration
// keys; defaults match the values confirmed against the original Xpra
// source (window_source.py).
type Config struct {
	LogLevel  string `mapstructure:"log_level"`
	LogPretty bool   `mapstructure:"log_pretty"`

	Batch     BatchConfig     `mapstructure:"batch"`
	Encoding  EncodingConfig  `mapstructure:"encoding"`
	AutoRefresh AutoRefreshConfig `mapstructure:"auto_refresh"`
	NonVideo  NonVideoConfig  `mapstructure:"non_video"`
	Mmap      MmapConfig      `mapstructure:"mmap"`
	Stats     StatsConfig     `mapstructure:"stats"`
}

type BatchConfig struct {
	Always           bool          `mapstructure:"always"`
	MaxEvents        int           `mapstructure:"max_events"`
	MaxPixels        int           `mapstructure:"max_pixels"`
	MinDelayMs       int           `mapstructure:"min_delay_ms"`
	StartDelayMs     int           `mapstructure:"start_delay_ms"`
	MaxDelayMs       int           `mapstructure:"max_delay_ms"`
	TimeUnit         time.Duration `mapstructure:"time_unit"`
	RecalculateEvery time.Duration `mapstructure:"recalculate_every"`
}

// EncodingConfig pins or bounds the adaptive quality/speed knobs: -1 means
// adaptive, anything else is either a floor (Min*) or a fixed override.
type EncodingConfig struct {
	Quality    int `mapstructure:"quality"`
	MinQuality int `mapstructure:"min_quality"`
	Speed      int `mapstructure:"speed"`
	MinSpeed   int `mapstructure:"min_speed"`
}

type AutoRefreshConfig struct {
	DelayMs      int    `mapstructure:"delay_ms"`
	ThresholdPct int    `mapstructure:"threshold_pct"`
	Quality      int    `mapstructure:"quality"`
	Speed        int    `mapstructure:"speed"`
	Encoding     string `mapstructure:"encoding"`
}

type NonVideoConfig struct {
	MaxPixels           int `mapstructure:"max_pixels"`
	MaxPixelsOrInitial  int `mapstructure:"max_pixels_or_initial"`
}

type MmapConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Path     string `mapstructure:"path"`
	SizeBytes int   `mapstructure:"size_bytes"`
}

type StatsConfig struct {
	RingCapacity       int `mapstructure:"ring_capacity"`
	ActualDelayCapacity int `mapstructure:"actual_delay_capacity"`
}

// Defaults mirrors the constants DamageBatchConfig and window_source.py hard
// code: MAX_EVENTS=50, MIN_DELAY=5, START_DELAY=50, MAX_DELAY=15000,
// RECALCULATE_DELAY=0.04s, AUTO_REFRESH_THRESHOLD=90/QUALITY=95/SPEED=0,
// MAX_NONVIDEO_PIXELS=2048, MAX_NONVIDEO_OR_INITIAL_PIXELS=65536,
// ring capacities 100/64.
func Defaults() Config {
	return Config{
		LogLevel:  "info",
		LogPretty: false,
		Batch: BatchConfig{
			Always:           false,
			MaxEvents:        50,
			MaxPixels:        50 * 1024 * 1024,
			MinDelayMs:       5,
			StartDelayMs:     50,
			MaxDelayMs:       15000,
			TimeUnit:         time.Second,
			RecalculateEvery: 40 * time.Millisecond,
		},
		Encoding: EncodingConfig{
			Quality:    -1,
			MinQuality: 0,
			Speed:      -1,
			MinSpeed:   0,
		},
		AutoRefresh: AutoRefreshConfig{
			DelayMs:      0,
			ThresholdPct: 90,
			Quality:      95,
			Speed:        0,
			Encoding:     "",
		},
		NonVideo: NonVideoConfig{
			MaxPixels:          2048,
			MaxPixelsOrInitial: 1024 * 64,
		},
		Mmap: MmapConfig{
			Enabled:   false,
			Path:      "",
			SizeBytes: 16 * 1024 * 1024,
		},
		Stats: StatsConfig{
			RingCapacity:        100,
			ActualDelayCapacity: 64,
		},
	}
}

// Load builds a Config from defaults, an optional file at path (if non-empty
// and present), and XPRA_* environment variables, in that precedence order.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("XPRA")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	def := Defaults()
	setDefaults(v, "", def)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok && !errors.Is(err, fs.ErrNotExist) {
				return Config{}, fmt.Errorf("config: reading %s: %w", path, err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("config: unmarshal: %w", err)
	}
	return cfg, nil
}

// setDefaults seeds viper with every Defaults() field so AutomaticEnv can
// find keys that were never set in a config file.
func setDefaults(v *viper.Viper, prefix string, cfg Config) {
	v.SetDefault("log_level", cfg.LogLevel)
	v.SetDefault("log_pretty", cfg.LogPretty)
	v.SetDefault("batch.always", cfg.Batch.Always)
	v.SetDefault("batch.max_events", cfg.Batch.MaxEvents)
	v.SetDefault("batch.max_pixels", cfg.Batch.MaxPixels)
	v.SetDefault("batch.time_unit", cfg.Batch.TimeUnit)
	v.SetDefault("batch.min_delay_ms", cfg.Batch.MinDelayMs)
	v.SetDefault("batch.start_delay_ms", cfg.Batch.StartDelayMs)
	v.SetDefault("batch.max_delay_ms", cfg.Batch.MaxDelayMs)
	v.SetDefault("batch.recalculate_every", cfg.Batch.RecalculateEvery)
	v.SetDefault("encoding.quality", cfg.Encoding.Quality)
	v.SetDefault("encoding.min_quality", cfg.Encoding.MinQuality)
	v.SetDefault("encoding.speed", cfg.Encoding.Speed)
	v.SetDefault("encoding.min_speed", cfg.Encoding.MinSpeed)
	v.SetDefault("auto_refresh.delay_ms", cfg.AutoRefresh.DelayMs)
	v.SetDefault("auto_refresh.threshold_pct", cfg.AutoRefresh.ThresholdPct)
	v.SetDefault("auto_refresh.encoding", cfg.AutoRefresh.Encoding)
	v.SetDefault("auto_refresh.quality", cfg.AutoRefresh.Quality)
	v.SetDefault("auto_refresh.speed", cfg.AutoRefresh.Speed)
	v.SetDefault("non_video.max_pixels", cfg.NonVideo.MaxPixels)
	v.SetDefault("non_video.max_pixels_or_initial", cfg.NonVideo.MaxPixelsOrInitial)
	v.SetDefault("mmap.enabled", cfg.Mmap.Enabled)
	v.SetDefault("mmap.path", cfg.Mmap.Path)
	v.SetDefault("mmap.size_bytes", cfg.Mmap.SizeBytes)
	v.SetDefault("stats.ring_capacity", cfg.Stats.RingCapacity)
	v.SetDefault("stats.actual_delay_capacity", cfg.Stats.ActualDelayCapacity)
}
