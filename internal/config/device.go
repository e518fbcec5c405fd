package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// DefaultConfigDir returns the default config directory (~/.tillgate).
func DefaultConfigDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("get home directory: %w", err)
	}
	return filepath.Join(home, ".tillgate"), nil
}

// DefaultConfigPath returns the default config file path
// (~/.tillgate/config.yml).
func DefaultConfigPath() (string, error) {
	dir, err := DefaultConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.yml"), nil
}

// DeviceConfig holds the device daemon's configuration.
type DeviceConfig struct {
	ServerURL string `yaml:"server_url,omitempty"`
	TenantID  string `yaml:"tenant_id,omitempty"`
	Platform  string `yaml:"platform,omitempty"`
	Label     string `yaml:"label,omitempty"`
	// DataDir overrides the local database location.
	DataDir string `yaml:"data_dir,omitempty"`
}

// Validate checks that the configuration has the fields required to run.
func (c *DeviceConfig) Validate() error {
	if c.ServerURL == "" {
		return errors.New("server_url is required")
	}
	if c.TenantID == "" {
		return errors.New("tenant_id is required")
	}
	return nil
}

// IsConfigured returns true once the device has been pointed at a tenant.
func (c *DeviceConfig) IsConfigured() bool {
	return c.ServerURL != "" && c.TenantID != ""
}

// LoadDevice reads the configuration from the given path. A missing file
// yields an empty config.
func LoadDevice(path string) (*DeviceConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &DeviceConfig{}, nil
		}
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var cfg DeviceConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}
	return &cfg, nil
}

// LoadDeviceDefault loads the configuration from the default path.
func LoadDeviceDefault() (*DeviceConfig, error) {
	path, err := DefaultConfigPath()
	if err != nil {
		return nil, err
	}
	return LoadDevice(path)
}

// Save writes the configuration to the given path, creating directories
// as needed.
func (c *DeviceConfig) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("write config file: %w", err)
	}
	return nil
}

// SaveDefault saves the configuration to the default path.
func (c *DeviceConfig) SaveDefault() error {
	path, err := DefaultConfigPath()
	if err != nil {
		return err
	}
	return c.Save(path)
}
