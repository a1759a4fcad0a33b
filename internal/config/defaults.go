package config

import "github.com/spf13/viper"

// setDefaults registers a default for every configuration key. Every key
// needs one: AutomaticEnv only surfaces variables for keys viper already
// knows about.
func setDefaults(v *viper.Viper) {
	// Storage defaults
	v.SetDefault("storage.backend", "pebble")
	v.SetDefault("storage.path", "/var/lib/tokend/db")
	v.SetDefault("storage.table", "TokenRegistry")
	v.SetDefault("storage.cache_size", 2048)
	v.SetDefault("storage.compression", "lz4")

	// Archive defaults (disabled; local SQLite when enabled)
	v.SetDefault("archive.enabled", false)
	v.SetDefault("archive.driver", "sqlite")
	v.SetDefault("archive.connection_string", "")
	v.SetDefault("archive.database", "/var/lib/tokend/archive.db")
	v.SetDefault("archive.host", "")
	v.SetDefault("archive.port", 0)
	v.SetDefault("archive.username", "")
	v.SetDefault("archive.password", "")
	v.SetDefault("archive.ssl_mode", "")
	v.SetDefault("archive.max_open_conns", 1)
	v.SetDefault("archive.max_idle_conns", 1)
	v.SetDefault("archive.conn_max_lifetime", "1h")
	v.SetDefault("archive.default_timeout", "30s")

	// RPC defaults (admin methods reachable from loopback only)
	v.SetDefault("rpc.addr", "127.0.0.1:5005")
	v.SetDefault("rpc.enable_cors", false)
	v.SetDefault("rpc.admin_token", "")
	v.SetDefault("rpc.admin_ips", []string{"127.0.0.1", "::1"})
	v.SetDefault("rpc.websocket_ping_frequency", 30)
	v.SetDefault("rpc.send_queue_limit", 500)

	// gRPC defaults
	v.SetDefault("grpc.enabled", false)
	v.SetDefault("grpc.addr", "127.0.0.1:50051")

	// Metrics defaults
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.path", "/metrics")

	// Worker defaults
	v.SetDefault("workers.expiry_enabled", true)
	v.SetDefault("workers.expiry_interval", 120)
	v.SetDefault("workers.expiry_grace", 0)
	v.SetDefault("workers.expiry_batch", 25)
	v.SetDefault("workers.purge_enabled", false)
	v.SetDefault("workers.purge_interval", 86400)
	v.SetDefault("workers.purge_older_than_days", 730)
	v.SetDefault("workers.purge_limit", 1000)
	v.SetDefault("workers.purge_dry_run", true)
	v.SetDefault("workers.purge_archive", false)
	v.SetDefault("workers.purge_max_seconds", 25)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.console", false)
	v.SetDefault("logging.error_tail_size", 0)
}
