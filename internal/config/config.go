// Package config handles configuration loading from YAML files and environment variables.
// Configuration precedence: CLI flags > environment variables > config file > defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration is a wrapper around time.Duration that supports YAML unmarshaling
// from human-readable strings like "60s", "5m", "24h".
type Duration struct {
	time.Duration
}

// UnmarshalYAML implements the yaml.Unmarshaler interface for Duration.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	switch value.Kind {
	case yaml.ScalarNode:
		parsed, err := time.ParseDuration(value.Value)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", value.Value, err)
		}
		d.Duration = parsed
		return nil
	default:
		return fmt.Errorf("unsupported duration format: %v", value.Kind)
	}
}

// MarshalYAML implements the yaml.Marshaler interface for Duration.
func (d Duration) MarshalYAML() (interface{}, error) {
	return d.Duration.String(), nil
}

// Config holds all AutoUAM configuration. It is built once at startup and
// treated as immutable afterwards; components receive it by reference and
// never read configuration from ambient state.
type Config struct {
	Cloudflare CloudflareConfig `yaml:"cloudflare"`
	Monitoring MonitoringConfig `yaml:"monitoring"`
	Security   SecurityConfig   `yaml:"security"`
	State      StateConfig      `yaml:"state"`
	Health     HealthConfig     `yaml:"health"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// CloudflareConfig holds Cloudflare API connection settings.
type CloudflareConfig struct {
	APIToken string `yaml:"api_token"`
	ZoneID   string `yaml:"zone_id"`
	// BaseURL overrides the API endpoint; used by tests and proxies.
	BaseURL string `yaml:"base_url"`
}

// LoadThresholds holds the hysteresis thresholds applied to normalized load.
type LoadThresholds struct {
	Upper float64 `yaml:"upper"`
	Lower float64 `yaml:"lower"`

	// Relative thresholding multiplies the adaptive baseline instead of
	// using the absolute values above.
	UseRelative             bool     `yaml:"use_relative_thresholds"`
	RelativeUpperMultiplier float64  `yaml:"relative_upper_multiplier"`
	RelativeLowerMultiplier float64  `yaml:"relative_lower_multiplier"`
	BaselineWindow          Duration `yaml:"baseline_calculation_window"`
	BaselineUpdateInterval  Duration `yaml:"baseline_update_interval"`
}

// MonitoringConfig holds load sampling and decision settings.
type MonitoringConfig struct {
	CheckInterval  Duration       `yaml:"check_interval"`
	LoadThresholds LoadThresholds `yaml:"load_thresholds"`

	// MinimumUAMDuration is the dwell time: once Under Attack Mode is
	// enabled it stays on at least this long before an automatic disable
	// is considered.
	MinimumUAMDuration Duration `yaml:"minimum_uam_duration"`

	// ManualDisableBypassesDwell lets an operator-initiated disable skip
	// the dwell-time check. Automatic disables always honor it.
	ManualDisableBypassesDwell bool `yaml:"manual_disable_bypasses_dwell"`
}

// SecurityConfig holds the security levels the controller toggles between.
type SecurityConfig struct {
	// RegularMode is the security level restored when UAM is disabled.
	RegularMode string `yaml:"regular_mode"`
}

// StateConfig holds state persistence settings.
type StateConfig struct {
	File string `yaml:"file"`
}

// HealthConfig holds the health-check HTTP endpoint settings.
type HealthConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level string `yaml:"level"`
	File  string `yaml:"file"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Cloudflare: CloudflareConfig{
			BaseURL: "https://api.cloudflare.com/client/v4",
		},
		Monitoring: MonitoringConfig{
			CheckInterval: Duration{60 * time.Second},
			LoadThresholds: LoadThresholds{
				Upper:                   2.0,
				Lower:                   1.0,
				UseRelative:             false,
				RelativeUpperMultiplier: 2.0,
				RelativeLowerMultiplier: 1.5,
				BaselineWindow:          Duration{24 * time.Hour},
				BaselineUpdateInterval:  Duration{time.Hour},
			},
			MinimumUAMDuration:         Duration{300 * time.Second},
			ManualDisableBypassesDwell: false,
		},
		Security: SecurityConfig{
			RegularMode: "medium",
		},
		State: StateConfig{
			File: "/var/lib/autouam/state.json",
		},
		Health: HealthConfig{
			Enabled: false,
			Port:    8080,
		},
		Logging: LoggingConfig{
			Level: "info",
			File:  "",
		},
	}
}

// CLIOverrides holds values from command-line flags.
// Empty strings are treated as "not set" and skipped.
type CLIOverrides struct {
	APIToken  string
	ZoneID    string
	StateFile string
}

// Locate searches standard config file paths and returns the first one found.
// Returns empty string if no config file exists.
func Locate() string {
	for _, p := range configSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// Load reads configuration with the full precedence chain:
// CLI flags > env vars > YAML file > defaults.
//
// An empty path triggers auto-discovery via Locate(); a missing file at a
// discovered path is not an error (defaults + env apply).
func Load(path string, cli CLIOverrides) (*Config, error) {
	cfg := DefaultConfig()

	if path == "" {
		path = Locate()
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("reading config file: %w", err)
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file %s: %w", path, err)
		}
	}

	applyEnvOverrides(cfg)

	if cli.APIToken != "" {
		cfg.Cloudflare.APIToken = cli.APIToken
	}
	if cli.ZoneID != "" {
		cfg.Cloudflare.ZoneID = cli.ZoneID
	}
	if cli.StateFile != "" {
		cfg.State.File = cli.StateFile
	}

	return cfg, nil
}

// WriteConfig serializes the config to a YAML file at the given path.
// Creates parent directories if needed.
func WriteConfig(cfg *Config, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}
	return os.WriteFile(path, data, 0640)
}

// applyEnvOverrides applies environment variable overrides to the configuration.
func applyEnvOverrides(cfg *Config) {
	if token := os.Getenv("AUTOUAM_API_TOKEN"); token != "" {
		cfg.Cloudflare.APIToken = token
	}
	if zone := os.Getenv("AUTOUAM_ZONE_ID"); zone != "" {
		cfg.Cloudflare.ZoneID = zone
	}
	if file := os.Getenv("AUTOUAM_STATE_FILE"); file != "" {
		cfg.State.File = file
	}
	if level := os.Getenv("AUTOUAM_LOG_LEVEL"); level != "" {
		cfg.Logging.Level = level
	}
}

// validSecurityLevels mirrors the levels accepted by the Cloudflare
// security_level zone setting.
var validSecurityLevels = map[string]bool{
	"essentially_off": true,
	"low":             true,
	"medium":          true,
	"high":            true,
	"under_attack":    true,
}

// Validate checks that the configuration is usable for production.
func (c *Config) Validate() error {
	if c.Cloudflare.APIToken == "" {
		return fmt.Errorf("cloudflare.api_token is required")
	}
	if c.Cloudflare.ZoneID == "" {
		return fmt.Errorf("cloudflare.zone_id is required")
	}
	if !validSecurityLevels[c.Security.RegularMode] {
		return fmt.Errorf("security.regular_mode %q is not a valid security level", c.Security.RegularMode)
	}
	if c.Security.RegularMode == "under_attack" {
		return fmt.Errorf("security.regular_mode must not be under_attack")
	}
	t := c.Monitoring.LoadThresholds
	if t.Upper <= t.Lower {
		return fmt.Errorf("load_thresholds.upper (%g) must exceed load_thresholds.lower (%g)", t.Upper, t.Lower)
	}
	if t.UseRelative && t.RelativeUpperMultiplier <= t.RelativeLowerMultiplier {
		return fmt.Errorf("relative_upper_multiplier (%g) must exceed relative_lower_multiplier (%g)",
			t.RelativeUpperMultiplier, t.RelativeLowerMultiplier)
	}
	if c.Monitoring.CheckInterval.Duration <= 0 {
		return fmt.Errorf("monitoring.check_interval must be positive")
	}
	if c.Monitoring.MinimumUAMDuration.Duration < 0 {
		return fmt.Errorf("monitoring.minimum_uam_duration must not be negative")
	}
	if c.Health.Enabled && (c.Health.Port < 1 || c.Health.Port > 65535) {
		return fmt.Errorf("health.port %d is out of range", c.Health.Port)
	}
	return nil
}
