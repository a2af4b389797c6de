// Package config loads the file-based configuration shared by the txcore
// command line tools. Durations are spelled as integers with the unit in
// the field name, so files stay portable across YAML parsers.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/lunoradb/txcore/core/deadlock"
	"github.com/lunoradb/txcore/core/dtc"
	"github.com/lunoradb/txcore/core/patterns"
	"github.com/lunoradb/txcore/pkg/logger"
	"github.com/lunoradb/txcore/pkg/telemetry"
)

// Config aggregates the tunables of every txcore component.
type Config struct {
	Logger      logger.Config     `yaml:"logger"`
	Telemetry   telemetry.Config  `yaml:"telemetry"`
	Retry       RetryConfig       `yaml:"retry"`
	Circuit     CircuitConfig     `yaml:"circuit"`
	Coordinator CoordinatorConfig `yaml:"coordinator"`
	// SignaturesFile optionally points at a TOML overlay for the conflict
	// signature table.
	SignaturesFile string `yaml:"signatures_file"`
}

// RetryConfig is the file form of the deadlock retry policy.
type RetryConfig struct {
	MaxRetries  int `yaml:"max_retries"`
	BaseDelayMS int `yaml:"base_delay_ms"`
}

// Policy converts the file form into the retry handler's policy. Zero
// fields keep the handler's defaults.
func (c RetryConfig) Policy() deadlock.Policy {
	return deadlock.Policy{
		MaxRetries: c.MaxRetries,
		BaseDelay:  time.Duration(c.BaseDelayMS) * time.Millisecond,
	}
}

// CircuitConfig is the file form of the circuit breaker settings.
type CircuitConfig struct {
	FailureThreshold int `yaml:"failure_threshold"`
	CooldownSec      int `yaml:"cooldown_s"`
}

// Breaker converts the file form into the registry's configuration.
func (c CircuitConfig) Breaker() patterns.CircuitConfig {
	return patterns.CircuitConfig{
		FailureThreshold: c.FailureThreshold,
		Cooldown:         time.Duration(c.CooldownSec) * time.Second,
	}
}

// CoordinatorConfig is the file form of the distributed coordinator
// settings.
type CoordinatorConfig struct {
	CoordinatorID      string  `yaml:"coordinator_id"`
	RecoveryProbeRate  float64 `yaml:"recovery_probe_rate"`
	StalenessWindowSec int     `yaml:"staleness_window_s"`
}

// Coordinator converts the file form into the coordinator's configuration.
func (c CoordinatorConfig) Coordinator() dtc.Config {
	return dtc.Config{
		CoordinatorID:     c.CoordinatorID,
		RecoveryProbeRate: c.RecoveryProbeRate,
		StalenessWindow:   time.Duration(c.StalenessWindowSec) * time.Second,
	}
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		Logger: logger.Config{Level: "info", Format: "console"},
	}
}

// Load reads a YAML configuration file over the defaults. Keys missing
// from the file keep their default values.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: reading %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: parsing %s: %w", path, err)
	}
	return cfg, nil
}
