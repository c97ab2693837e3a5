// Package config loads bridge configuration from an optional YAML file
// with environment variable overrides applied on top.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration that unmarshals from strings like "1500ms"
// in both YAML and environment variables.
type Duration time.Duration

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d *Duration) UnmarshalText(b []byte) error {
	parsed, err := time.ParseDuration(string(b))
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	return d.UnmarshalText([]byte(node.Value))
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Config holds every tunable of the bridge.
type Config struct {
	// Listen is the address of the page-facing websocket surface.
	Listen string `yaml:"listen" env:"BRIDGE_LISTEN"`

	// AllowedOrigins restricts which page origins may reach the bridge.
	AllowedOrigins []string `yaml:"allowed_origins" env:"BRIDGE_ALLOWED_ORIGINS" envSeparator:","`

	// SourceTag is the sender tag in-page messages must carry. Together
	// with the origin check it is the only authentication boundary
	// between the page and the bridge.
	SourceTag string `yaml:"source_tag" env:"BRIDGE_SOURCE_TAG"`

	// SettleDelay is the fixed wait after the target page reports loaded
	// before the payload is delivered, covering the page's own
	// client-side rendering.
	SettleDelay Duration `yaml:"settle_delay" env:"BRIDGE_SETTLE_DELAY"`

	// DeliveryTimeout bounds how long a dispatch may sit in tab_loading
	// before it fails with an observable signal.
	DeliveryTimeout Duration `yaml:"delivery_timeout" env:"BRIDGE_DELIVERY_TIMEOUT"`

	// IndicatorTTL bounds the agent's "preparing" indicator lifetime.
	IndicatorTTL Duration `yaml:"indicator_ttl" env:"BRIDGE_INDICATOR_TTL"`

	// GraceDelay is how long the confirmed surface stays visible before
	// removal.
	GraceDelay Duration `yaml:"grace_delay" env:"BRIDGE_GRACE_DELAY"`

	// Telemetry endpoints: primary (production) and fallback (local dev).
	TelemetryPrimary  string `yaml:"telemetry_primary" env:"BRIDGE_TELEMETRY_PRIMARY"`
	TelemetryFallback string `yaml:"telemetry_fallback" env:"BRIDGE_TELEMETRY_FALLBACK"`

	// StatsSweep is a cron expression for the periodic engagement stats
	// refresh of recently confirmed items. Empty disables the sweep.
	StatsSweep string `yaml:"stats_sweep" env:"BRIDGE_STATS_SWEEP"`

	// StatsWindow bounds how far back the sweep looks for confirmations.
	StatsWindow Duration `yaml:"stats_window" env:"BRIDGE_STATS_WINDOW"`

	// DownloadDir is where privileged asset downloads are stored.
	DownloadDir string `yaml:"download_dir" env:"BRIDGE_DOWNLOAD_DIR"`

	// DataDir holds the draft store and dispatch records.
	DataDir string `yaml:"data_dir" env:"BRIDGE_DATA_DIR"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Listen:          "127.0.0.1:8791",
		AllowedOrigins:  []string{"http://localhost", "http://127.0.0.1", "https://localhost", "https://127.0.0.1"},
		SourceTag:       "outreach-dashboard",
		SettleDelay:     Duration(1500 * time.Millisecond),
		DeliveryTimeout: Duration(30 * time.Second),
		IndicatorTTL:    Duration(10 * time.Second),
		GraceDelay:      Duration(2 * time.Second),
		StatsWindow:     Duration(24 * time.Hour),
		DownloadDir:     "downloads",
		DataDir:         "data",
	}
}

// Load reads the YAML file at path (if it exists) over the defaults and
// then applies environment overrides.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil && !os.IsNotExist(err) {
			return cfg, fmt.Errorf("read config %s: %w", path, err)
		}
		if err == nil {
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return cfg, fmt.Errorf("parse config %s: %w", path, err)
			}
		}
	}

	if err := env.Parse(&cfg); err != nil {
		return cfg, fmt.Errorf("parse env: %w", err)
	}
	return cfg, cfg.validate()
}

func (c Config) validate() error {
	if c.SettleDelay < 0 || c.DeliveryTimeout <= 0 {
		return fmt.Errorf("delivery timing misconfigured")
	}
	if c.SourceTag == "" {
		return fmt.Errorf("source_tag cannot be empty")
	}
	return nil
}
