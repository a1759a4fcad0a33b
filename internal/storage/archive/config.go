// Package archive persists ledger events removed by retention into a
// relational database and answers aggregate queries over them. SQLite serves
// single-node deployments; PostgreSQL serves shared ones.
package archive

import (
	"fmt"
	"net/url"
	"time"
)

// Config carries the archive database settings.
type Config struct {
	// Driver selects the backing database: sqlite or postgres.
	Driver string `json:"driver" mapstructure:"driver"`

	// ConnectionString overrides DSN construction entirely when set.
	ConnectionString string `json:"connection_string" mapstructure:"connection_string"`

	// SQLite: Database is the file path. Postgres: the database name.
	Database string `json:"database" mapstructure:"database"`
	Host     string `json:"host" mapstructure:"host"`
	Port     int    `json:"port" mapstructure:"port"`
	Username string `json:"username" mapstructure:"username"`
	Password string `json:"password" mapstructure:"password"`
	SSLMode  string `json:"ssl_mode" mapstructure:"ssl_mode"`

	MaxOpenConns    int           `json:"max_open_conns" mapstructure:"max_open_conns"`
	MaxIdleConns    int           `json:"max_idle_conns" mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `json:"conn_max_lifetime" mapstructure:"conn_max_lifetime"`

	// DefaultTimeout bounds connection checks and schema setup.
	DefaultTimeout time.Duration `json:"default_timeout" mapstructure:"default_timeout"`
}

// NewConfig returns defaults for a local SQLite archive.
func NewConfig() *Config {
	return &Config{
		Driver:         "sqlite",
		Database:       "tokend-archive.db",
		MaxOpenConns:   1,
		MaxIdleConns:   1,
		DefaultTimeout: 30 * time.Second,
	}
}

// SQLiteConfig returns a config for the given database file.
func SQLiteConfig(path string) *Config {
	c := NewConfig()
	c.Database = path
	return c
}

// PostgresConfig returns defaults for a PostgreSQL archive.
func PostgresConfig() *Config {
	return &Config{
		Driver:          "postgres",
		Host:            "localhost",
		Port:            5432,
		Database:        "tokend",
		Username:        "tokend",
		SSLMode:         "prefer",
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: time.Hour,
		DefaultTimeout:  30 * time.Second,
	}
}

// Validate normalizes the driver name and checks the settings it requires.
func (c *Config) Validate() error {
	switch c.Driver {
	case "sqlite", "sqlite3":
		c.Driver = "sqlite"
	case "postgres", "postgresql":
		c.Driver = "postgres"
	default:
		return fmt.Errorf("%w: %s", ErrInvalidDriver, c.Driver)
	}

	if c.Driver == "postgres" && c.ConnectionString == "" {
		if c.Host == "" {
			return ErrMissingHost
		}
		if c.Port <= 0 || c.Port > 65535 {
			return ErrInvalidPort
		}
		if c.Database == "" {
			return ErrMissingDatabase
		}
		if c.Username == "" {
			return ErrMissingUsername
		}
		switch c.SSLMode {
		case "disable", "allow", "prefer", "require", "verify-ca", "verify-full":
		default:
			return fmt.Errorf("invalid SSL mode: %s", c.SSLMode)
		}
	}
	if c.Driver == "sqlite" && c.ConnectionString == "" && c.Database == "" {
		return ErrMissingDatabase
	}

	if c.MaxOpenConns < 0 || c.MaxIdleConns < 0 {
		return ErrInvalidPoolSettings
	}
	if c.MaxOpenConns > 0 && c.MaxIdleConns > c.MaxOpenConns {
		return ErrInvalidPoolSettings
	}
	if c.DefaultTimeout <= 0 {
		c.DefaultTimeout = 30 * time.Second
	}
	return nil
}

// BuildConnectionString returns the DSN for the configured driver.
func (c *Config) BuildConnectionString() (string, error) {
	if c.ConnectionString != "" {
		return c.ConnectionString, nil
	}

	switch c.Driver {
	case "sqlite":
		params := url.Values{}
		params.Set("_pragma", "busy_timeout(5000)")
		return "file:" + c.Database + "?" + params.Encode(), nil

	case "postgres":
		u := url.URL{
			Scheme: "postgres",
			Host:   fmt.Sprintf("%s:%d", c.Host, c.Port),
			Path:   "/" + c.Database,
		}
		if c.Username != "" {
			if c.Password != "" {
				u.User = url.UserPassword(c.Username, c.Password)
			} else {
				u.User = url.User(c.Username)
			}
		}
		params := url.Values{}
		params.Set("sslmode", c.SSLMode)
		params.Set("application_name", "tokend-archive")
		u.RawQuery = params.Encode()
		return u.String(), nil

	default:
		return "", fmt.Errorf("%w: %s", ErrInvalidDriver, c.Driver)
	}
}

// String renders the config with the password redacted.
func (c *Config) String() string {
	clone := *c
	if clone.Password != "" {
		clone.Password = "***"
	}
	return fmt.Sprintf("archive.Config{Driver: %s, Database: %s, Host: %s}",
		clone.Driver, clone.Database, clone.Host)
}
