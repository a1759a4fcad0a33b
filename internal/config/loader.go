package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/viper"
)

// Load reads configuration from three sources in priority order:
//  1. Built-in defaults
//  2. Configuration file (TOML), when path is non-empty
//  3. Environment variables (TOKEND_ prefix, dots become underscores)
//
// An empty path runs on defaults and environment alone; a non-empty path
// must name an existing file.
func Load(path string) (*Config, error) {
	v := viper.New()

	// 1. Set defaults first
	setDefaults(v)

	// 2. Load the configuration file
	if path != "" {
		if err := loadConfigFile(v, path); err != nil {
			return nil, fmt.Errorf("failed to load config file: %w", err)
		}
	}

	// 3. Set up environment variable support
	v.SetEnvPrefix("TOKEND")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// 4. Unmarshal into the config struct
	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	config.configPath = path

	// 5. Validate the complete configuration
	if err := ValidateConfig(&config); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

// LoadDefault loads tokend.toml from the working directory when present,
// otherwise runs on defaults and environment.
func LoadDefault() (*Config, error) {
	if _, err := os.Stat(DefaultConfigPath); err == nil {
		return Load(DefaultConfigPath)
	}
	return Load("")
}

// loadConfigFile reads one TOML file into the viper instance.
func loadConfigFile(v *viper.Viper, path string) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return fmt.Errorf("config file does not exist: %s", path)
	}

	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	return nil
}

// SaveExampleConfig writes a commented-out starting point for a deployment.
func SaveExampleConfig(path string) error {
	v := viper.New()
	for key, value := range generateExampleConfig() {
		v.Set(key, value)
	}

	v.SetConfigFile(path)
	if err := v.WriteConfig(); err != nil {
		return fmt.Errorf("failed to write example config: %w", err)
	}
	return nil
}

// generateExampleConfig returns the values SaveExampleConfig writes. It
// covers the settings a deployment typically changes, not every key.
func generateExampleConfig() map[string]interface{} {
	return map[string]interface{}{
		"storage.backend":     "pebble",
		"storage.path":        "/var/lib/tokend/db",
		"storage.compression": "lz4",

		"rpc.addr":        "127.0.0.1:5005",
		"rpc.enable_cors": false,
		"rpc.admin_ips":   []string{"127.0.0.1", "::1"},

		"grpc.enabled": false,
		"grpc.addr":    "127.0.0.1:50051",

		"metrics.enabled": true,
		"metrics.path":    "/metrics",

		"workers.expiry_enabled":  true,
		"workers.expiry_interval": 120,

		"archive.enabled":  false,
		"archive.driver":   "sqlite",
		"archive.database": "/var/lib/tokend/archive.db",

		"logging.level":   "info",
		"logging.console": false,
	}
}
