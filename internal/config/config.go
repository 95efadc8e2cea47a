// Package config loads the scan pass configuration: the device inventory
// and the rule exclusion/source settings. Adapted from the appliance
// daemon's config.go (YAML file, defaults struct, env var overrides);
// trimmed to the keys this core actually consumes.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// ConfigError reports malformed configuration or a missing required
// field. ConfigError is always fatal: the pass never starts.
type ConfigError struct {
	Path string
	Err  error
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config %s: %v", e.Path, e.Err)
}

func (e *ConfigError) Unwrap() error { return e.Err }

// DeviceConfig is one entry in the devices list.
type DeviceConfig struct {
	Address  string `yaml:"address"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// Settings holds the pass-level knobs.
type Settings struct {
	// ExclusionIDs are rule ids skipped for this pass.
	ExclusionIDs []string `yaml:"exclusion_ids"`
	// CheckFiles is the list of rule source paths the seeder loads; the
	// runner does not read this field.
	CheckFiles []string `yaml:"check_files"`
	// MaxInFlight bounds concurrent device workers; 0 means unbounded.
	MaxInFlight int64 `yaml:"max_in_flight"`
	// KnownHostsPath, when set, switches host key verification from
	// accept-any to TOFU backed by the named file.
	KnownHostsPath string `yaml:"known_hosts_path"`
	// CommandTimeoutSeconds overrides sshsession.DefaultCommandTimeout
	// when non-zero.
	CommandTimeoutSeconds int `yaml:"command_timeout_seconds"`
}

// Config is the full configuration file shape.
type Config struct {
	Devices  []DeviceConfig `yaml:"devices"`
	Settings Settings       `yaml:"settings"`
}

// Load reads and parses the YAML file at path. Devices are not validated
// here beyond requiring a non-empty address and username: downstream dial
// failures are reported per-device as ConnectError, not config failures.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &ConfigError{Path: path, Err: fmt.Errorf("read: %w", err)}
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, &ConfigError{Path: path, Err: fmt.Errorf("parse: %w", err)}
	}

	for i, d := range cfg.Devices {
		if d.Address == "" {
			return nil, &ConfigError{Path: path, Err: fmt.Errorf("devices[%d]: address is required", i)}
		}
		if d.Username == "" {
			return nil, &ConfigError{Path: path, Err: fmt.Errorf("devices[%d]: username is required", i)}
		}
	}

	return &cfg, nil
}
