package config

import "time"

// Default configuration values.
const (
	// DefaultBatchSize is the fetch-tier batch size: rows pulled per
	// source round trip.
	DefaultBatchSize = 9000

	// DefaultPageSize is the display-tier page size, deliberately two
	// orders of magnitude below the fetch batch.
	DefaultPageSize = 50

	DefaultMaxRetries = 3
	DefaultRetryBase  = 500 * time.Millisecond
	DefaultRetryCap   = 8 * time.Second
	DefaultTimeout    = 2 * time.Minute

	DefaultMirrorPath = ":memory:"
	DefaultStateFile  = "dataglass.db"
	DefaultServerHost = "127.0.0.1"
	DefaultServerPort = 8950
	DefaultOutput     = "table"
)

// ApplyDefaults fills unset values on a Config.
func ApplyDefaults(c *Config) {
	if c == nil {
		return
	}
	if c.Fetch.BatchSize <= 0 {
		c.Fetch.BatchSize = DefaultBatchSize
	}
	if c.Fetch.MaxRetries <= 0 {
		c.Fetch.MaxRetries = DefaultMaxRetries
	}
	if c.Fetch.RetryBase <= 0 {
		c.Fetch.RetryBase = DefaultRetryBase
	}
	if c.Fetch.RetryCap <= 0 {
		c.Fetch.RetryCap = DefaultRetryCap
	}
	if c.Fetch.Timeout <= 0 {
		c.Fetch.Timeout = DefaultTimeout
	}
	if c.Display.PageSize <= 0 {
		c.Display.PageSize = DefaultPageSize
	}
	if c.Mirror.Path == "" {
		c.Mirror.Path = DefaultMirrorPath
	}
	if c.StatePath == "" {
		c.StatePath = DefaultStateFile
	}
	if c.Server.Host == "" {
		c.Server.Host = DefaultServerHost
	}
	if c.Server.Port == 0 {
		c.Server.Port = DefaultServerPort
	}
	if c.OutputFormat == "" {
		c.OutputFormat = DefaultOutput
	}
}

// ApplyConnectionDefaults fills type-specific defaults on a connection.
func ApplyConnectionDefaults(c *ConnectionConfig) {
	if c == nil {
		return
	}
	switch c.Type {
	case "postgres":
		if c.Host == "" {
			c.Host = "localhost"
		}
		if c.Port == 0 {
			c.Port = 5432
		}
	case "duckdb":
		if c.Path == "" {
			c.Path = ":memory:"
		}
	}
}
