package config

import (
	"fmt"
	"net"
	"strings"
)

// ValidateConfig checks the complete configuration section by section.
func ValidateConfig(config *Config) error {
	if err := config.Storage.Validate(); err != nil {
		return fmt.Errorf("storage config validation failed: %w", err)
	}
	if err := config.Archive.Validate(); err != nil {
		return fmt.Errorf("archive config validation failed: %w", err)
	}
	if err := config.RPC.Validate(); err != nil {
		return fmt.Errorf("rpc config validation failed: %w", err)
	}
	if err := config.GRPC.Validate(); err != nil {
		return fmt.Errorf("grpc config validation failed: %w", err)
	}
	if err := config.Metrics.Validate(); err != nil {
		return fmt.Errorf("metrics config validation failed: %w", err)
	}
	if err := config.Workers.Validate(); err != nil {
		return fmt.Errorf("workers config validation failed: %w", err)
	}
	if err := config.Logging.Validate(); err != nil {
		return fmt.Errorf("logging config validation failed: %w", err)
	}

	if err := validateCrossReferences(config); err != nil {
		return fmt.Errorf("cross-validation failed: %w", err)
	}
	return nil
}

// Validate checks the storage section.
func (s *StorageConfig) Validate() error {
	switch s.Backend {
	case "memory", "leveldb", "pebble":
	default:
		return fmt.Errorf("unknown storage backend %q (expected memory, leveldb or pebble)", s.Backend)
	}

	if s.Backend != "memory" && s.Path == "" {
		return fmt.Errorf("storage path is required for the %s backend", s.Backend)
	}

	if s.Table == "" {
		return fmt.Errorf("storage table cannot be empty")
	}

	if s.CacheSize < 0 {
		return fmt.Errorf("cache_size cannot be negative, got %d", s.CacheSize)
	}

	switch s.Compression {
	case "", "none", "lz4":
	default:
		return fmt.Errorf("unknown compression %q (expected none or lz4)", s.Compression)
	}
	return nil
}

// Validate checks the archive section. A disabled archive is not inspected,
// so an unconfigured section stays valid.
func (a *ArchiveConfig) Validate() error {
	if !a.Enabled {
		return nil
	}
	return a.Config.Validate()
}

// Validate checks the rpc section.
func (r *RPCConfig) Validate() error {
	if err := validateListenAddr(r.Addr); err != nil {
		return fmt.Errorf("invalid rpc addr: %w", err)
	}

	for i, ip := range r.AdminIPs {
		if net.ParseIP(strings.TrimSpace(ip)) == nil {
			return fmt.Errorf("invalid admin IP at index %d: %q", i, ip)
		}
	}

	if r.WebsocketPingFrequency < 0 {
		return fmt.Errorf("websocket_ping_frequency cannot be negative, got %d", r.WebsocketPingFrequency)
	}
	if r.SendQueueLimit < 0 {
		return fmt.Errorf("send_queue_limit cannot be negative, got %d", r.SendQueueLimit)
	}
	return nil
}

// Validate checks the grpc section.
func (g *GRPCConfig) Validate() error {
	if !g.Enabled {
		return nil
	}
	if err := validateListenAddr(g.Addr); err != nil {
		return fmt.Errorf("invalid grpc addr: %w", err)
	}
	return nil
}

// Validate checks the metrics section.
func (m *MetricsConfig) Validate() error {
	if !m.Enabled {
		return nil
	}
	if !strings.HasPrefix(m.Path, "/") {
		return fmt.Errorf("metrics path must start with '/', got %q", m.Path)
	}
	return nil
}

// Validate checks the workers section.
func (w *WorkersConfig) Validate() error {
	if w.ExpiryEnabled && w.ExpiryInterval <= 0 {
		return fmt.Errorf("expiry_interval must be positive, got %d", w.ExpiryInterval)
	}
	if w.ExpiryGrace < 0 {
		return fmt.Errorf("expiry_grace cannot be negative, got %d", w.ExpiryGrace)
	}
	if w.ExpiryBatch < 0 {
		return fmt.Errorf("expiry_batch cannot be negative, got %d", w.ExpiryBatch)
	}

	if w.PurgeEnabled {
		if w.PurgeInterval <= 0 {
			return fmt.Errorf("purge_interval must be positive, got %d", w.PurgeInterval)
		}
		if w.PurgeOlderThanDays < 1 {
			return fmt.Errorf("purge_older_than_days must be at least 1, got %d", w.PurgeOlderThanDays)
		}
		if w.PurgeLimit < 1 {
			return fmt.Errorf("purge_limit must be at least 1, got %d", w.PurgeLimit)
		}
		if w.PurgeMaxSeconds < 1 {
			return fmt.Errorf("purge_max_seconds must be at least 1, got %d", w.PurgeMaxSeconds)
		}
	}
	return nil
}

// Validate checks the logging section.
func (l *LoggingConfig) Validate() error {
	switch l.Level {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unknown log level %q (expected debug, info, warn or error)", l.Level)
	}
	if l.ErrorTailSize < 0 {
		return fmt.Errorf("error_tail_size cannot be negative, got %d", l.ErrorTailSize)
	}
	return nil
}

// validateCrossReferences checks constraints that span sections.
func validateCrossReferences(config *Config) error {
	// An archiving purge needs somewhere to archive to.
	if config.Workers.PurgeEnabled && config.Workers.PurgeArchive && !config.Archive.Enabled {
		return fmt.Errorf("workers.purge_archive requires archive.enabled")
	}

	// The RPC and gRPC listeners cannot share an address.
	if config.GRPC.Enabled && config.GRPC.Addr == config.RPC.Addr {
		return fmt.Errorf("grpc addr %s conflicts with rpc addr", config.GRPC.Addr)
	}
	return nil
}

// validateListenAddr checks a host:port listen address.
func validateListenAddr(addr string) error {
	if addr == "" {
		return fmt.Errorf("address cannot be empty")
	}

	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Errorf("expected host:port, got %q: %w", addr, err)
	}
	if port == "" {
		return fmt.Errorf("port cannot be empty in %q", addr)
	}
	// An empty host means all interfaces, which is fine.
	_ = host
	return nil
}
