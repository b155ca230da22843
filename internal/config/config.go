// Package config loads node configuration from an optional YAML file and
// MESHSYNC_ environment overrides, and validates it against an embedded
// CUE schema.
//
// Precedence, lowest first: built-in defaults, the YAML file, the
// environment.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"github.com/roach88/meshsync/internal/ir"
)

// Config is the complete node configuration.
type Config struct {
	Store     StoreConfig     `yaml:"store" json:"store"`
	Device    DeviceConfig    `yaml:"device" json:"device"`
	Presence  PresenceConfig  `yaml:"presence" json:"presence"`
	Delivery  DeliveryConfig  `yaml:"delivery" json:"delivery"`
	Reconcile ReconcileConfig `yaml:"reconcile" json:"reconcile"`
	API       APIConfig       `yaml:"api" json:"api"`
	Log       LogConfig       `yaml:"log" json:"log"`
}

type StoreConfig struct {
	Path string `yaml:"path" json:"path" env:"MESHSYNC_STORE_PATH"`
}

// DeviceConfig overrides the local device identity. Empty fields are filled
// in by the store when it opens.
type DeviceConfig struct {
	ID       string `yaml:"id" json:"id" env:"MESHSYNC_DEVICE_ID"`
	Name     string `yaml:"name" json:"name" env:"MESHSYNC_DEVICE_NAME"`
	Platform string `yaml:"platform" json:"platform" env:"MESHSYNC_DEVICE_PLATFORM"`
}

type PresenceConfig struct {
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval" json:"heartbeat_interval" env:"MESHSYNC_PRESENCE_HEARTBEAT_INTERVAL"`
	StaleAfter        time.Duration `yaml:"stale_after" json:"stale_after" env:"MESHSYNC_PRESENCE_STALE_AFTER"`
	RecentWithin      time.Duration `yaml:"recent_within" json:"recent_within" env:"MESHSYNC_PRESENCE_RECENT_WITHIN"`
}

type DeliveryConfig struct {
	RetryDelays []time.Duration `yaml:"retry_delays" json:"retry_delays" env:"MESHSYNC_DELIVERY_RETRY_DELAYS" envSeparator:","`
	PageSize    int             `yaml:"page_size" json:"page_size" env:"MESHSYNC_DELIVERY_PAGE_SIZE"`
}

type ReconcileConfig struct {
	SweepInterval time.Duration `yaml:"sweep_interval" json:"sweep_interval" env:"MESHSYNC_RECONCILE_SWEEP_INTERVAL"`
	CacheTTL      time.Duration `yaml:"cache_ttl" json:"cache_ttl" env:"MESHSYNC_RECONCILE_CACHE_TTL"`
}

// APIConfig configures the HTTP API. An empty Listen address disables it.
type APIConfig struct {
	Listen string `yaml:"listen" json:"listen" env:"MESHSYNC_API_LISTEN"`
}

type LogConfig struct {
	Level  string `yaml:"level" json:"level" env:"MESHSYNC_LOG_LEVEL"`
	Format string `yaml:"format" json:"format" env:"MESHSYNC_LOG_FORMAT"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Store: StoreConfig{Path: "meshsync.db"},
		Presence: PresenceConfig{
			HeartbeatInterval: 30 * time.Second,
			StaleAfter:        5 * time.Minute,
			RecentWithin:      2 * time.Minute,
		},
		Delivery: DeliveryConfig{
			RetryDelays: []time.Duration{5 * time.Second, 15 * time.Second, 30 * time.Second},
			PageSize:    50,
		},
		Reconcile: ReconcileConfig{
			SweepInterval: 30 * time.Second,
			CacheTTL:      10 * time.Minute,
		},
		Log: LogConfig{Level: "info", Format: "text"},
	}
}

// Load builds a configuration from defaults, the YAML file at path (skipped
// when path is empty) and the environment, then validates it.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := cfg.decodeYAML(data); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("config environment: %w", err)
	}

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) decodeYAML(data []byte) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// DeviceInfo returns the configured device identity.
func (c *Config) DeviceInfo() ir.DeviceInfo {
	return ir.DeviceInfo{ID: c.Device.ID, Name: c.Device.Name, Platform: c.Device.Platform}
}

// LogLevel returns the configured slog level. Unknown names map to Info.
func (c *Config) LogLevel() slog.Level {
	switch strings.ToLower(c.Log.Level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewLogger returns a logger writing to w in the configured format. verbose
// forces the debug level.
func (c *Config) NewLogger(w io.Writer, verbose bool) *slog.Logger {
	opts := &slog.HandlerOptions{Level: c.LogLevel()}
	if verbose {
		opts.Level = slog.LevelDebug
	}
	if c.Log.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}
