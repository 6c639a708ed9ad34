package core

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config is the on-disk configuration for the UDP plane tooling.
type Config struct {
	// ListenPort is the requested UDP port for both families.
	// 0 asks the OS for any port free on both.
	ListenPort uint16 `yaml:"listen_port,omitempty"`

	// InterfaceLUID is the tunnel interface's own identifier; forwarding
	// entries pointing at it are never used for source resolution.
	InterfaceLUID uint64 `yaml:"interface_luid,omitempty"`

	Log LogConfig `yaml:"log,omitempty"`
}

// DefaultConfig returns the configuration used when no file exists.
func DefaultConfig() *Config {
	return &Config{}
}

// LoadConfig reads and parses a YAML config file. A missing file yields the
// defaults, not an error.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return DefaultConfig(), nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// SaveConfig writes the configuration back to disk.
func SaveConfig(path string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}
