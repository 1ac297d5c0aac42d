package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Plugin kinds
const (
	KindSlice        = "slice"
	KindLineProfile  = "lineprofile"
	KindLineAnalysis = "lineanalysis"
	KindGeneric      = "generic"
)

// ReservedKeys are bound by the tray monitor itself
var ReservedKeys = map[string]string{
	"q": "quit",
	"t": "trigger",
	"p": "play",
	"f": "lag",
}

// Config represents the traylive configuration
type Config struct {
	Tracker TrackerConfig  `yaml:"tracker"`
	Slice   SliceConfig    `yaml:"slice"`
	Plugins []PluginConfig `yaml:"plugins"`
}

// TrackerConfig sets the activity timing shared by all plugins
type TrackerConfig struct {
	PingInterval  time.Duration `yaml:"ping_interval"`
	Timeout       time.Duration `yaml:"timeout"`
	WatchInterval time.Duration `yaml:"watch_interval"`
}

// SliceConfig configures the slice tool's player and demo axis
type SliceConfig struct {
	PlayInterval time.Duration `yaml:"play_interval"`
	AxisStart    float64       `yaml:"axis_start"`
	AxisStep     float64       `yaml:"axis_step"`
	AxisLength   int           `yaml:"axis_length"`
	Unit         string        `yaml:"unit"`
}

// PluginConfig represents a plugin in the tray
type PluginConfig struct {
	Name           string        `yaml:"name"`
	Kind           string        `yaml:"kind"`
	Key            string        `yaml:"key"`
	SkipIfInactive *bool         `yaml:"skip_if_inactive"`
	Cost           time.Duration `yaml:"cost"`
}

// Skips reports whether the plugin's expensive observers wait for activity
func (p PluginConfig) Skips() bool {
	return p.SkipIfInactive == nil || *p.SkipIfInactive
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	return &Config{
		Tracker: TrackerConfig{
			PingInterval:  200 * time.Millisecond,
			Timeout:       time.Second,
			WatchInterval: 100 * time.Millisecond,
		},
		Slice: SliceConfig{
			PlayInterval: 200 * time.Millisecond,
			AxisStart:    6500,
			AxisStep:     2.5,
			AxisLength:   101,
			Unit:         "Angstrom",
		},
		Plugins: []PluginConfig{
			{Name: "slice", Kind: KindSlice, Key: "s"},
			{Name: "line-profile", Kind: KindLineProfile, Key: "l"},
			{Name: "line-analysis", Kind: KindLineAnalysis, Key: "a"},
			{Name: "moment-map", Kind: KindGeneric, Key: "m", Cost: 300 * time.Millisecond},
		},
	}
}

// ConfigPath returns the path to the config file
func ConfigPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, ".config", "traylive", "config.yaml"), nil
}

// Load loads the configuration from the config file
// If the file doesn't exist, returns the default config
func Load() (*Config, error) {
	path, err := ConfigPath()
	if err != nil {
		return nil, err
	}
	return LoadFrom(path)
}

// LoadFrom loads the configuration from path, falling back to defaults for
// a missing file or missing blocks
func LoadFrom(path string) (*Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return DefaultConfig(), nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	// Parse YAML
	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	_, hasPlugins := raw["plugins"]

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	// Apply defaults for missing fields
	defaults := DefaultConfig()
	if cfg.Tracker.PingInterval == 0 {
		cfg.Tracker.PingInterval = defaults.Tracker.PingInterval
	}
	if cfg.Tracker.Timeout == 0 {
		cfg.Tracker.Timeout = 5 * cfg.Tracker.PingInterval
	}
	if cfg.Tracker.WatchInterval == 0 {
		cfg.Tracker.WatchInterval = cfg.Tracker.PingInterval / 2
	}
	if cfg.Slice.PlayInterval == 0 {
		cfg.Slice.PlayInterval = defaults.Slice.PlayInterval
	}
	if cfg.Slice.AxisLength == 0 {
		cfg.Slice.AxisStart = defaults.Slice.AxisStart
		cfg.Slice.AxisStep = defaults.Slice.AxisStep
		cfg.Slice.AxisLength = defaults.Slice.AxisLength
	}
	if cfg.Slice.Unit == "" {
		cfg.Slice.Unit = defaults.Slice.Unit
	}
	if !hasPlugins {
		cfg.Plugins = defaults.Plugins
	}
	for i := range cfg.Plugins {
		if cfg.Plugins[i].Kind == "" {
			cfg.Plugins[i].Kind = KindGeneric
		}
	}

	// Validate
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Tracker.PingInterval <= 0 {
		return fmt.Errorf("tracker ping_interval must be positive")
	}
	if c.Tracker.Timeout <= c.Tracker.PingInterval {
		return fmt.Errorf("tracker timeout %s must exceed ping_interval %s", c.Tracker.Timeout, c.Tracker.PingInterval)
	}
	if c.Tracker.WatchInterval <= 0 {
		return fmt.Errorf("tracker watch_interval must be positive")
	}
	if c.Slice.PlayInterval <= 0 {
		return fmt.Errorf("slice play_interval must be positive")
	}
	if c.Slice.AxisLength < 0 {
		return fmt.Errorf("slice axis_length must not be negative")
	}

	// Check for duplicate names and keys
	names := make(map[string]bool)
	keys := make(map[string]string)
	slices := 0
	for _, p := range c.Plugins {
		if p.Name == "" {
			return fmt.Errorf("plugin missing name")
		}
		if p.Key == "" {
			return fmt.Errorf("plugin %q missing key", p.Name)
		}
		if action, ok := ReservedKeys[p.Key]; ok {
			return fmt.Errorf("plugin %q key %q is reserved for %s", p.Name, p.Key, action)
		}
		if names[p.Name] {
			return fmt.Errorf("duplicate plugin name %q", p.Name)
		}
		names[p.Name] = true

		if existing, ok := keys[p.Key]; ok {
			return fmt.Errorf("duplicate key %q used by %q and %q", p.Key, existing, p.Name)
		}
		keys[p.Key] = p.Name

		switch p.Kind {
		case KindSlice:
			slices++
		case KindLineProfile, KindLineAnalysis, KindGeneric:
		default:
			return fmt.Errorf("plugin %q has unknown kind %q", p.Name, p.Kind)
		}
		if p.Cost < 0 {
			return fmt.Errorf("plugin %q has negative cost", p.Name)
		}
	}
	if slices > 1 {
		return fmt.Errorf("at most one slice plugin allowed, got %d", slices)
	}

	return nil
}

// Axis returns the demo spectral axis for the slice tool
func (s SliceConfig) Axis() []float64 {
	axis := make([]float64, s.AxisLength)
	for i := range axis {
		axis[i] = s.AxisStart + float64(i)*s.AxisStep
	}
	return axis
}
