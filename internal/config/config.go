// Package config loads the manager's own settings and the per-instance
// server configuration. The manager config is YAML with environment
// overrides; instance configuration is a JSON file living next to the
// server files, rewritten only when --save-config is passed.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// Config represents the manager configuration.
type Config struct {
	Storage StorageConfig `yaml:"storage" envPrefix:"GSM_STORAGE_"`
	Logging LoggingConfig `yaml:"logging" envPrefix:"GSM_LOG_"`
}

// StorageConfig contains the manager's own storage paths.
type StorageConfig struct {
	// StateDB is the SQLite database recording last-known instance
	// state and the operation journal.
	StateDB string `yaml:"state_db" env:"STATE_DB"`

	// DescriptorDir holds optional YAML server-type descriptors that
	// overlay the built-in catalog.
	DescriptorDir string `yaml:"descriptor_dir" env:"DESCRIPTOR_DIR"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level      string `yaml:"level" env:"LEVEL"`
	Format     string `yaml:"format" env:"FORMAT"`
	File       string `yaml:"file" env:"FILE"`
	MaxSize    int    `yaml:"max_size" env:"MAX_SIZE"`
	MaxBackups int    `yaml:"max_backups" env:"MAX_BACKUPS"`
	MaxAge     int    `yaml:"max_age" env:"MAX_AGE"`
}

// Load reads the manager configuration from path (optional) and applies
// environment overrides on top. Missing file means defaults only.
func Load(path string) (*Config, error) {
	cfg := &Config{
		Storage: StorageConfig{
			StateDB: defaultStateDB(),
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "text",
			MaxSize:    10,
			MaxBackups: 3,
			MaxAge:     28,
		},
	}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to apply environment overrides: %w", err)
	}

	return cfg, nil
}

func defaultStateDB() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".gsm/state.db"
	}
	return filepath.Join(home, ".gsm", "state.db")
}
