// Package config loads and validates the tokend daemon configuration.
//
// Configuration comes from three sources in priority order: built-in
// defaults, an optional TOML file, and TOKEND_-prefixed environment
// variables. The resulting Config is plain data; wiring it into running
// components is the CLI's job.
package config

import (
	"github.com/fanvault/tokend/internal/storage/archive"
)

// Config is the complete tokend configuration.
type Config struct {
	Storage StorageConfig `toml:"storage" mapstructure:"storage"`
	Archive ArchiveConfig `toml:"archive" mapstructure:"archive"`
	RPC     RPCConfig     `toml:"rpc" mapstructure:"rpc"`
	GRPC    GRPCConfig    `toml:"grpc" mapstructure:"grpc"`
	Metrics MetricsConfig `toml:"metrics" mapstructure:"metrics"`
	Workers WorkersConfig `toml:"workers" mapstructure:"workers"`
	Logging LoggingConfig `toml:"logging" mapstructure:"logging"`

	// configPath remembers where the file came from, for reloads and
	// diagnostics. Empty when running on defaults and environment only.
	configPath string `toml:"-" mapstructure:"-"`
}

// StorageConfig selects and tunes the ledger's key-value backend.
type StorageConfig struct {
	// Backend is one of memory, leveldb, pebble.
	Backend string `toml:"backend" mapstructure:"backend"`

	// Path is the on-disk root for persistent backends. Ignored by the
	// memory backend.
	Path string `toml:"path" mapstructure:"path"`

	// Table is the name of the primary ledger table.
	Table string `toml:"table" mapstructure:"table"`

	// CacheSize is the row cache capacity. Zero disables the cache.
	CacheSize int `toml:"cache_size" mapstructure:"cache_size"`

	// Compression is one of none, lz4.
	Compression string `toml:"compression" mapstructure:"compression"`
}

// ArchiveConfig enables the relational archive used by retention purges
// and historical earnings reports.
type ArchiveConfig struct {
	Enabled bool `toml:"enabled" mapstructure:"enabled"`

	archive.Config `mapstructure:",squash"`
}

// RPCConfig configures the JSON-RPC and WebSocket surface.
type RPCConfig struct {
	// Addr is the host:port the HTTP server binds.
	Addr string `toml:"addr" mapstructure:"addr"`

	EnableCORS bool `toml:"enable_cors" mapstructure:"enable_cors"`

	// AdminToken guards admin methods. When empty, admin access is
	// restricted to AdminIPs (loopback by default).
	AdminToken string   `toml:"admin_token" mapstructure:"admin_token"`
	AdminIPs   []string `toml:"admin_ips" mapstructure:"admin_ips"`

	// WebsocketPingFrequency is the keepalive interval in seconds for
	// event stream connections.
	WebsocketPingFrequency int `toml:"websocket_ping_frequency" mapstructure:"websocket_ping_frequency"`

	// SendQueueLimit bounds the per-connection outbound event queue.
	// Connections that fall this far behind are dropped.
	SendQueueLimit int `toml:"send_queue_limit" mapstructure:"send_queue_limit"`
}

// GRPCConfig configures the operational gRPC listener.
type GRPCConfig struct {
	Enabled bool   `toml:"enabled" mapstructure:"enabled"`
	Addr    string `toml:"addr" mapstructure:"addr"`
}

// MetricsConfig configures the Prometheus endpoint, served on the RPC mux.
type MetricsConfig struct {
	Enabled bool   `toml:"enabled" mapstructure:"enabled"`
	Path    string `toml:"path" mapstructure:"path"`
}

// WorkersConfig tunes the background expiry and retention workers.
type WorkersConfig struct {
	// ExpiryEnabled runs the hold expiry sweeper.
	ExpiryEnabled bool `toml:"expiry_enabled" mapstructure:"expiry_enabled"`

	// ExpiryInterval is the sweep cadence in seconds.
	ExpiryInterval int `toml:"expiry_interval" mapstructure:"expiry_interval"`

	// ExpiryGrace keeps holds reserved for this many seconds past their
	// expiry before the sweeper reverses them.
	ExpiryGrace int `toml:"expiry_grace" mapstructure:"expiry_grace"`

	// ExpiryBatch caps how many holds one sweep reverses.
	ExpiryBatch int `toml:"expiry_batch" mapstructure:"expiry_batch"`

	// PurgeEnabled runs the retention purge on a fixed cadence.
	PurgeEnabled  bool `toml:"purge_enabled" mapstructure:"purge_enabled"`
	PurgeInterval int  `toml:"purge_interval" mapstructure:"purge_interval"`

	// PurgeOlderThanDays selects events older than this for removal.
	PurgeOlderThanDays int `toml:"purge_older_than_days" mapstructure:"purge_older_than_days"`

	// PurgeLimit caps candidates per pass.
	PurgeLimit int `toml:"purge_limit" mapstructure:"purge_limit"`

	// PurgeDryRun only counts candidates. On by default; deleting
	// history is opt-in.
	PurgeDryRun bool `toml:"purge_dry_run" mapstructure:"purge_dry_run"`

	// PurgeArchive copies candidates to the relational archive before
	// deletion. Requires archive.enabled.
	PurgeArchive bool `toml:"purge_archive" mapstructure:"purge_archive"`

	// PurgeMaxSeconds is the wall-clock budget for one pass.
	PurgeMaxSeconds int `toml:"purge_max_seconds" mapstructure:"purge_max_seconds"`
}

// LoggingConfig configures the structured logger.
type LoggingConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `toml:"level" mapstructure:"level"`

	// Console switches from JSON output to human-readable output.
	Console bool `toml:"console" mapstructure:"console"`

	// ErrorTailSize bounds the in-memory recent-error buffer exposed by
	// diagnostics. Zero keeps the logger default.
	ErrorTailSize int `toml:"error_tail_size" mapstructure:"error_tail_size"`
}

// DefaultConfigPath is where Load looks when no explicit path is given.
const DefaultConfigPath = "tokend.toml"

// ConfigPath returns the path of the loaded configuration file, or empty
// when the configuration came from defaults and environment only.
func (c *Config) ConfigPath() string {
	return c.configPath
}
