// Package config loads and validates the randsrv TOML configuration,
// following the same load-then-validate shape Katzenpost's own server and
// authority binaries use for their config files.
package config

import (
	"fmt"
	"time"

	"github.com/BurntSushi/toml"
)

// MaxPoints is the maximum number of points accepted in a single
// randomness request.
const MaxPoints = 1024

// InstanceConfig binds one configured instance name to its epoch
// duration. The wire format carries names and durations as two parallel
// lists; Validate joins them into these records so nothing downstream
// has to keep the lists index-aligned.
type InstanceConfig struct {
	Name          string
	EpochDuration CalendarDuration
}

// Config is the full set of externally supplied configuration knobs.
type Config struct {
	Listen string `toml:"listen"`

	InstanceNames  []string `toml:"instance_names"`
	EpochDurations []string `toml:"epoch_durations"`

	FirstEpoch uint8 `toml:"first_epoch"`
	LastEpoch  uint8 `toml:"last_epoch"`

	EpochBaseTime string `toml:"epoch_base_time"`

	EnclaveKeySync        bool   `toml:"enclave_key_sync"`
	NitridingInternalPort uint16 `toml:"nitriding_internal_port"`

	IncreaseNofileLimit bool   `toml:"increase_nofile_limit"`
	MetricsListen       string `toml:"metrics_listen"`

	// parsed/derived fields, populated by Validate.
	baseTime  *time.Time
	instances []InstanceConfig
}

// Load reads and parses a TOML config file, then validates it.
func Load(path string) (*Config, error) {
	cfg := new(Config)
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks every configuration invariant and populates the
// derived fields (BaseTime, Instances) used by the rest of the program.
// It must be called (directly or via Load) before a Config is used to
// build a registry.
func (c *Config) Validate() error {
	if c.Listen == "" {
		return fmt.Errorf("config: listen must not be empty")
	}
	if len(c.InstanceNames) == 0 {
		return fmt.Errorf("config: instance_names must not be empty")
	}
	if len(c.InstanceNames) != len(c.EpochDurations) {
		return fmt.Errorf("config: instance_names and epoch_durations must have the same length (%d != %d)",
			len(c.InstanceNames), len(c.EpochDurations))
	}
	seen := make(map[string]bool, len(c.InstanceNames))
	for _, name := range c.InstanceNames {
		if name == "" {
			return fmt.Errorf("config: instance name must not be empty")
		}
		if seen[name] {
			return fmt.Errorf("config: duplicate instance name %q", name)
		}
		seen[name] = true
	}
	if c.FirstEpoch > c.LastEpoch {
		return fmt.Errorf("config: first_epoch (%d) must be <= last_epoch (%d)", c.FirstEpoch, c.LastEpoch)
	}

	instances := make([]InstanceConfig, len(c.InstanceNames))
	for i, name := range c.InstanceNames {
		dur, err := ParseCalendarDuration(c.EpochDurations[i])
		if err != nil {
			return fmt.Errorf("config: epoch_durations[%d]: %w", i, err)
		}
		if dur.IsZero() {
			return fmt.Errorf("config: epoch_durations[%d] must be non-zero", i)
		}
		instances[i] = InstanceConfig{Name: name, EpochDuration: dur}
	}
	c.instances = instances

	if c.EpochBaseTime != "" {
		t, err := time.Parse(time.RFC3339, c.EpochBaseTime)
		if err != nil {
			return fmt.Errorf("config: epoch_base_time: %w", err)
		}
		t = t.UTC().Truncate(time.Second)
		if t.After(time.Now().UTC()) {
			return fmt.Errorf("config: epoch_base_time must not be in the future")
		}
		c.baseTime = &t
	}

	if c.EnclaveKeySync && c.NitridingInternalPort == 0 {
		return fmt.Errorf("config: nitriding_internal_port is required when enclave_key_sync is enabled")
	}

	return nil
}

// DefaultInstanceName returns the first configured instance name, which
// serves the unprefixed /randomness and /info routes.
func (c *Config) DefaultInstanceName() string {
	return c.InstanceNames[0]
}

// Instances returns the validated, positionally-joined instance configs.
func (c *Config) Instances() []InstanceConfig {
	return c.instances
}

// InstanceDuration returns the configured epoch duration for the given
// instance name, by positional correspondence in instance_names.
func (c *Config) InstanceDuration(name string) (CalendarDuration, bool) {
	for _, inst := range c.instances {
		if inst.Name == name {
			return inst.EpochDuration, true
		}
	}
	return CalendarDuration{}, false
}

// BaseTime returns the configured anchor time, or nil if none was set,
// in which case instances anchor to their own construction time.
func (c *Config) BaseTime() *time.Time {
	return c.baseTime
}
