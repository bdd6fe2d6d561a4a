package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// DefaultAdminConfigDir returns the default admin config directory (~/.custodia).
func DefaultAdminConfigDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("get home directory: %w", err)
	}
	return filepath.Join(home, ".custodia"), nil
}

// DefaultAdminConfigPath returns the default admin config file path (~/.custodia/admin.yml).
func DefaultAdminConfigPath() (string, error) {
	dir, err := DefaultAdminConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "admin.yml"), nil
}

// AdminConfig holds the connection settings of the custodia-admin CLI.
// Command line flags override values read from the file.
type AdminConfig struct {
	DatabaseURL     string `yaml:"database_url,omitempty"`
	EncryptionKey   string `yaml:"encryption_key,omitempty"`
	PartitionDriver string `yaml:"partition_driver,omitempty"`
	PartitionDSN    string `yaml:"partition_dsn,omitempty"`
	PartitionDir    string `yaml:"partition_dir,omitempty"`
}

// Validate checks that the configuration can reach the master registry.
func (c *AdminConfig) Validate() error {
	if c.DatabaseURL == "" {
		return errors.New("database_url is required")
	}
	if c.EncryptionKey == "" {
		return errors.New("encryption_key is required")
	}
	switch c.PartitionDriver {
	case "", PartitionDriverPostgres, PartitionDriverSQLite:
	default:
		return fmt.Errorf("invalid partition driver %q", c.PartitionDriver)
	}
	return nil
}

// Partitions returns the partition driver and DSN, applying defaults.
func (c *AdminConfig) Partitions() (driver, dsn string) {
	driver = c.PartitionDriver
	if driver == "" {
		driver = PartitionDriverPostgres
	}
	dsn = c.PartitionDSN
	if dsn == "" {
		dsn = c.DatabaseURL
	}
	return driver, dsn
}

// LoadAdmin reads the configuration from the given path.
// If the file does not exist, an empty config is returned.
func LoadAdmin(path string) (*AdminConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &AdminConfig{}, nil
		}
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var cfg AdminConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	return &cfg, nil
}

// Save writes the configuration to the given path, creating directories as needed.
func (c *AdminConfig) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	// The file holds the master key.
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("write config file: %w", err)
	}

	return nil
}
