// Package config provides configuration management for Dataglass.
//
// Configuration is layered: defaults, then dataglass.yaml, then
// DATAGLASS_* environment variables, then CLI flags, each overriding
// the previous layer.
package config

import (
	"time"

	"github.com/dataglass-labs/dataglass/pkg/source"
)

// FetchConfig tunes the fetch tier: how rows are pulled from remote
// sources into the local mirror.
type FetchConfig struct {
	// BatchSize is the maximum rows pulled per source round trip.
	BatchSize int `koanf:"batch_size"`

	// Pagination is the master switch; when off, a query is pulled to
	// exhaustion immediately instead of on demand.
	Pagination bool `koanf:"pagination"`

	// MaxRetries bounds automatic retries of transient fetch failures.
	MaxRetries int `koanf:"max_retries"`

	// RetryBase and RetryCap shape the exponential backoff between
	// retries.
	RetryBase time.Duration `koanf:"retry_base"`
	RetryCap  time.Duration `koanf:"retry_cap"`

	// Timeout bounds a single fetch call.
	Timeout time.Duration `koanf:"timeout"`
}

// DisplayConfig tunes the display tier.
type DisplayConfig struct {
	// PageSize is the number of rows per display page, independent of
	// the fetch batch size.
	PageSize int `koanf:"page_size"`
}

// MirrorConfig locates the local analytical store.
type MirrorConfig struct {
	// Path is the DuckDB database file, or ":memory:".
	Path string `koanf:"path"`
}

// ServerConfig holds HTTP API server settings.
type ServerConfig struct {
	Host string `koanf:"host"`
	Port int    `koanf:"port"`
}

// ConnectionConfig describes one configured source connection.
type ConnectionConfig struct {
	Name      string `koanf:"name"`
	Type      string `koanf:"type"`
	Host      string `koanf:"host"`
	Port      int    `koanf:"port"`
	Database  string `koanf:"database"`
	Username  string `koanf:"username"`
	Password  string `koanf:"password"`
	Schema    string `koanf:"schema"`
	Project   string `koanf:"project"`
	Account   string `koanf:"account"`
	Warehouse string `koanf:"warehouse"`
	Role      string `koanf:"role"`
	Token     string `koanf:"token"`
	Path      string `koanf:"path"`

	Options map[string]string `koanf:"options"`
}

// SourceConfig converts a connection entry into the source package's
// config shape.
func (c ConnectionConfig) SourceConfig() source.Config {
	return source.Config{
		Type:      c.Type,
		Path:      c.Path,
		Host:      c.Host,
		Port:      c.Port,
		Database:  c.Database,
		Username:  c.Username,
		Password:  c.Password,
		Schema:    c.Schema,
		Project:   c.Project,
		Account:   c.Account,
		Warehouse: c.Warehouse,
		Role:      c.Role,
		Token:     c.Token,
		Options:   c.Options,
	}
}

// Config holds all Dataglass configuration.
type Config struct {
	Fetch   FetchConfig   `koanf:"fetch"`
	Display DisplayConfig `koanf:"display"`
	Mirror  MirrorConfig  `koanf:"mirror"`
	Server  ServerConfig  `koanf:"server"`

	// StatePath is the sqlite file holding saved connections and query
	// history.
	StatePath string `koanf:"state_path"`

	Verbose      bool   `koanf:"verbose"`
	OutputFormat string `koanf:"output"`

	Connections []ConnectionConfig `koanf:"connections"`
}

// Connection looks up a configured connection by name.
func (c *Config) Connection(name string) (ConnectionConfig, bool) {
	for _, conn := range c.Connections {
		if conn.Name == name {
			return conn, true
		}
	}
	return ConnectionConfig{}, false
}
