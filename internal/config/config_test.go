package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfigFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tokend.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadDefaults(t *testing.T) {
	config, err := Load("")
	require.NoError(t, err)
	require.NotNil(t, config)

	assert.Equal(t, "pebble", config.Storage.Backend)
	assert.Equal(t, "TokenRegistry", config.Storage.Table)
	assert.Equal(t, "lz4", config.Storage.Compression)
	assert.Equal(t, 2048, config.Storage.CacheSize)

	assert.False(t, config.Archive.Enabled)
	assert.Equal(t, "sqlite", config.Archive.Driver)
	assert.Equal(t, time.Hour, config.Archive.ConnMaxLifetime)

	assert.Equal(t, "127.0.0.1:5005", config.RPC.Addr)
	assert.Equal(t, []string{"127.0.0.1", "::1"}, config.RPC.AdminIPs)
	assert.Equal(t, 30, config.RPC.WebsocketPingFrequency)

	assert.False(t, config.GRPC.Enabled)
	assert.True(t, config.Metrics.Enabled)
	assert.Equal(t, "/metrics", config.Metrics.Path)

	assert.True(t, config.Workers.ExpiryEnabled)
	assert.Equal(t, 120, config.Workers.ExpiryInterval)
	assert.True(t, config.Workers.PurgeDryRun)
	assert.Equal(t, 730, config.Workers.PurgeOlderThanDays)

	assert.Equal(t, "info", config.Logging.Level)
	assert.Empty(t, config.ConfigPath())
}

func TestLoadFromFile(t *testing.T) {
	path := writeConfigFile(t, `
[storage]
backend = "leveldb"
path = "/tmp/tokend-test/db"
cache_size = 64
compression = "none"

[rpc]
addr = "0.0.0.0:8080"
enable_cors = true

[workers]
expiry_interval = 30
expiry_grace = 5

[archive]
enabled = true
driver = "postgres"
host = "db.internal"
port = 5432
database = "tokend"
username = "tokend"
ssl_mode = "require"
conn_max_lifetime = "15m"

[logging]
level = "debug"
console = true
`)

	config, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "leveldb", config.Storage.Backend)
	assert.Equal(t, "/tmp/tokend-test/db", config.Storage.Path)
	assert.Equal(t, 64, config.Storage.CacheSize)
	assert.Equal(t, "none", config.Storage.Compression)

	assert.True(t, config.RPC.EnableCORS)
	assert.Equal(t, "0.0.0.0:8080", config.RPC.Addr)

	assert.Equal(t, 30, config.Workers.ExpiryInterval)
	assert.Equal(t, 5, config.Workers.ExpiryGrace)
	// Keys absent from the file keep their defaults.
	assert.Equal(t, 25, config.Workers.ExpiryBatch)

	assert.True(t, config.Archive.Enabled)
	assert.Equal(t, "postgres", config.Archive.Driver)
	assert.Equal(t, "db.internal", config.Archive.Host)
	assert.Equal(t, 15*time.Minute, config.Archive.ConnMaxLifetime)

	assert.Equal(t, "debug", config.Logging.Level)
	assert.True(t, config.Logging.Console)
	assert.Equal(t, path, config.ConfigPath())
}

func TestLoadMissingFileFails(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.toml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "does not exist")
}

func TestEnvironmentOverrides(t *testing.T) {
	t.Setenv("TOKEND_STORAGE_BACKEND", "memory")
	t.Setenv("TOKEND_RPC_ADDR", "127.0.0.1:9999")
	t.Setenv("TOKEND_WORKERS_EXPIRY_INTERVAL", "45")

	config, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "memory", config.Storage.Backend)
	assert.Equal(t, "127.0.0.1:9999", config.RPC.Addr)
	assert.Equal(t, 45, config.Workers.ExpiryInterval)
}

func TestEnvironmentBeatsFile(t *testing.T) {
	path := writeConfigFile(t, `
[logging]
level = "warn"
`)
	t.Setenv("TOKEND_LOGGING_LEVEL", "error")

	config, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "error", config.Logging.Level)
}

func TestValidationErrors(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:    "unknown backend",
			mutate:  func(c *Config) { c.Storage.Backend = "rocksdb" },
			wantErr: "unknown storage backend",
		},
		{
			name: "persistent backend needs a path",
			mutate: func(c *Config) {
				c.Storage.Backend = "pebble"
				c.Storage.Path = ""
			},
			wantErr: "storage path is required",
		},
		{
			name:    "empty table",
			mutate:  func(c *Config) { c.Storage.Table = "" },
			wantErr: "table cannot be empty",
		},
		{
			name:    "unknown compression",
			mutate:  func(c *Config) { c.Storage.Compression = "zstd" },
			wantErr: "unknown compression",
		},
		{
			name:    "bad rpc addr",
			mutate:  func(c *Config) { c.RPC.Addr = "not-an-addr" },
			wantErr: "invalid rpc addr",
		},
		{
			name:    "bad admin ip",
			mutate:  func(c *Config) { c.RPC.AdminIPs = []string{"localhost"} },
			wantErr: "invalid admin IP",
		},
		{
			name: "grpc addr required when enabled",
			mutate: func(c *Config) {
				c.GRPC.Enabled = true
				c.GRPC.Addr = ""
			},
			wantErr: "invalid grpc addr",
		},
		{
			name: "grpc addr conflict",
			mutate: func(c *Config) {
				c.GRPC.Enabled = true
				c.GRPC.Addr = c.RPC.Addr
			},
			wantErr: "conflicts with rpc addr",
		},
		{
			name:    "metrics path must be rooted",
			mutate:  func(c *Config) { c.Metrics.Path = "metrics" },
			wantErr: "metrics path",
		},
		{
			name:    "expiry interval must be positive",
			mutate:  func(c *Config) { c.Workers.ExpiryInterval = 0 },
			wantErr: "expiry_interval",
		},
		{
			name: "archiving purge needs the archive",
			mutate: func(c *Config) {
				c.Workers.PurgeEnabled = true
				c.Workers.PurgeArchive = true
				c.Archive.Enabled = false
			},
			wantErr: "requires archive.enabled",
		},
		{
			name: "enabled archive is validated",
			mutate: func(c *Config) {
				c.Archive.Enabled = true
				c.Archive.Driver = "oracle"
			},
			wantErr: "archive config validation failed",
		},
		{
			name:    "unknown log level",
			mutate:  func(c *Config) { c.Logging.Level = "loud" },
			wantErr: "unknown log level",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config, err := Load("")
			require.NoError(t, err)

			tt.mutate(config)
			err = ValidateConfig(config)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestSaveExampleConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "example.toml")
	require.NoError(t, SaveExampleConfig(path))

	// The example must load and validate as-is.
	config, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "pebble", config.Storage.Backend)
	assert.Equal(t, "127.0.0.1:5005", config.RPC.Addr)
}
