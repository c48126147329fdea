// Package config loads the layered TraceDeck configuration.
package config

import (
	"fmt"
	"time"
)

// Config is the TraceDeck configuration tree.
type Config struct {
	Backend  BackendConfig  `mapstructure:"backend"`
	Server   ServerConfig   `mapstructure:"server"`
	Monitor  MonitorConfig  `mapstructure:"monitor"`
	Database DatabaseConfig `mapstructure:"database"`
	Cache    CacheConfig    `mapstructure:"cache"`
	SOP      SOPConfig      `mapstructure:"sop"`
}

// BackendConfig configures the orchestrator connection.
type BackendConfig struct {
	URL            string `mapstructure:"url"`             // Orchestrator base URL
	TimeoutSeconds int    `mapstructure:"timeout_seconds"` // Request timeout (default: 30)
}

// ServerConfig configures the dashboard server.
type ServerConfig struct {
	Port                *int     `mapstructure:"port"` // Listen port: nil = default 8336, 0 is invalid (omit for default)
	AllowedOrigins      []string `mapstructure:"allowed_origins"`
	RefetchPerSecond    float64  `mapstructure:"refetch_per_second"`    // Follower refetch rate limit (default: 2)
	RefetchBurst        int      `mapstructure:"refetch_burst"`         // Follower refetch burst (default: 3)
	DrainTimeoutSeconds int      `mapstructure:"drain_timeout_seconds"` // Graceful shutdown drain (default: 5)
}

// MonitorConfig tunes the live update channel. Zero values fall back to
// the channel defaults; these are the hot-reloadable tunables.
type MonitorConfig struct {
	ReconnectIntervalMS  int `mapstructure:"reconnect_interval_ms"`  // Delay between reconnect attempts (default: 5000)
	MaxReconnectAttempts int `mapstructure:"max_reconnect_attempts"` // Attempts before giving up (default: 5)
	HeartbeatIntervalMS  int `mapstructure:"heartbeat_interval_ms"`  // Expected heartbeat cadence (default: 30000)
}

// DatabaseConfig configures the local SQLite cache database.
type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

// CacheConfig configures snapshot cache retention.
type CacheConfig struct {
	RetentionHours int `mapstructure:"retention_hours"` // Prune snapshots older than this (0 = keep forever)
}

// SOPConfig configures the SOP document library.
type SOPConfig struct {
	Path      string `mapstructure:"path"`       // Library root directory
	GitRemote string `mapstructure:"git_remote"` // Optional git remote for sync (empty = local only)
}

// Server port constants
const (
	DefaultServerPort = 8336 // One above the orchestrator's default 8335
)

// Default backend endpoint, matching the orchestrator's standard port.
const DefaultBackendURL = "http://localhost:8335"

// File system constants
const (
	DefaultDirPermissions  = 0755
	DefaultFilePermissions = 0644
)

// ServerPort returns the configured listen port, or the default.
func (c *Config) ServerPort() int {
	if c.Server.Port == nil || *c.Server.Port == 0 {
		return DefaultServerPort
	}
	return *c.Server.Port
}

// BackendURL returns the orchestrator base URL, or the default.
func (c *Config) BackendURL() string {
	if c.Backend.URL == "" {
		return DefaultBackendURL
	}
	return c.Backend.URL
}

// BackendTimeout returns the orchestrator request timeout.
func (c *Config) BackendTimeout() time.Duration {
	if c.Backend.TimeoutSeconds <= 0 {
		return 30 * time.Second
	}
	return time.Duration(c.Backend.TimeoutSeconds) * time.Second
}

// DatabasePath returns the cache database path, or the default.
func (c *Config) DatabasePath() string {
	if c.Database.Path == "" {
		return "tracedeck.db"
	}
	return c.Database.Path
}

// RetentionAge returns the cache prune age. Zero means keep forever.
func (c *Config) RetentionAge() time.Duration {
	if c.Cache.RetentionHours <= 0 {
		return 0
	}
	return time.Duration(c.Cache.RetentionHours) * time.Hour
}

// AllowedOrigins returns the CORS origin allowlist, or the default.
func (c *Config) AllowedOrigins() []string {
	if len(c.Server.AllowedOrigins) == 0 {
		return []string{
			"http://localhost",
			"https://localhost",
			"http://127.0.0.1",
			"https://127.0.0.1",
		}
	}
	return c.Server.AllowedOrigins
}

// DrainTimeout returns the graceful shutdown drain timeout.
func (c *Config) DrainTimeout() time.Duration {
	if c.Server.DrainTimeoutSeconds <= 0 {
		return 5 * time.Second
	}
	return time.Duration(c.Server.DrainTimeoutSeconds) * time.Second
}

// ReconnectInterval returns the reconnect delay, zero when unset.
func (m MonitorConfig) ReconnectInterval() time.Duration {
	return time.Duration(m.ReconnectIntervalMS) * time.Millisecond
}

// HeartbeatInterval returns the heartbeat cadence, zero when unset.
func (m MonitorConfig) HeartbeatInterval() time.Duration {
	return time.Duration(m.HeartbeatIntervalMS) * time.Millisecond
}

// String returns a string representation of the config
func (c *Config) String() string {
	return fmt.Sprintf("Config{Backend: %s, Server: {Port: %d}, Database: %s}",
		c.BackendURL(), c.ServerPort(), c.DatabasePath())
}
