// Package config loads and validates service configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Watch   WatchConfig   `mapstructure:"watch"`
	Logging LoggingConfig `mapstructure:"logging"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// WatchConfig governs the progress watch loop cadence.
type WatchConfig struct {
	RefreshIntervalMs    int `mapstructure:"refresh_interval_ms"`
	AssignmentIntervalMs int `mapstructure:"assignment_interval_ms"`
	AdjustmentGraceMs    int `mapstructure:"adjustment_grace_ms"`
	TargetDelta          int `mapstructure:"target_delta"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("DATAFEEDWATCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("watch.refresh_interval_ms", 250)
	v.SetDefault("watch.assignment_interval_ms", 2000)
	v.SetDefault("watch.adjustment_grace_ms", 2000)
	v.SetDefault("watch.target_delta", 2)
	v.SetDefault("logging.development", true)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Watch.RefreshIntervalMs <= 0 {
		return fmt.Errorf("watch.refresh_interval_ms must be > 0")
	}
	if c.Watch.AssignmentIntervalMs <= 0 {
		return fmt.Errorf("watch.assignment_interval_ms must be > 0")
	}
	if c.Watch.AdjustmentGraceMs < 0 {
		return fmt.Errorf("watch.adjustment_grace_ms must be >= 0")
	}
	if c.Watch.TargetDelta <= 0 {
		return fmt.Errorf("watch.target_delta must be > 0")
	}
	return nil
}

// RefreshInterval returns the configured poll cadence as a duration.
func (c WatchConfig) RefreshInterval() time.Duration {
	return time.Duration(c.RefreshIntervalMs) * time.Millisecond
}

// AssignmentInterval returns the assignment check cadence as a duration.
func (c WatchConfig) AssignmentInterval() time.Duration {
	return time.Duration(c.AssignmentIntervalMs) * time.Millisecond
}

// AdjustmentGrace returns the cadence adjustment grace period as a duration.
func (c WatchConfig) AdjustmentGrace() time.Duration {
	return time.Duration(c.AdjustmentGraceMs) * time.Millisecond
}
