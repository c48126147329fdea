package config

import (
	"net/url"

	"github.com/ostrane/tracedeck/errors"
)

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	// Server port: 0 is invalid (omit for default), negative is invalid
	if c.Server.Port != nil && *c.Server.Port == 0 {
		return errors.New("server.port cannot be 0 (omit for default port 8336)")
	}
	if c.Server.Port != nil && *c.Server.Port < 0 {
		return errors.Newf("server.port must be positive, got %d", *c.Server.Port)
	}

	// Backend URL must be absolute when set (empty = default)
	if c.Backend.URL != "" {
		u, err := url.Parse(c.Backend.URL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return errors.Newf("backend.url must be an absolute URL, got %q", c.Backend.URL)
		}
	}
	if c.Backend.TimeoutSeconds < 0 {
		return errors.Newf("backend.timeout_seconds must be >= 0, got %d", c.Backend.TimeoutSeconds)
	}

	// Channel tunables: 0 = use channel default, negative = invalid
	if c.Monitor.ReconnectIntervalMS < 0 {
		return errors.Newf("monitor.reconnect_interval_ms must be >= 0, got %d", c.Monitor.ReconnectIntervalMS)
	}
	if c.Monitor.MaxReconnectAttempts < 0 {
		return errors.Newf("monitor.max_reconnect_attempts must be >= 0, got %d", c.Monitor.MaxReconnectAttempts)
	}
	if c.Monitor.HeartbeatIntervalMS < 0 {
		return errors.Newf("monitor.heartbeat_interval_ms must be >= 0, got %d", c.Monitor.HeartbeatIntervalMS)
	}

	// Follower refetch limiter: 0 = unlimited, negative = invalid
	if c.Server.RefetchPerSecond < 0 {
		return errors.Newf("server.refetch_per_second must be >= 0, got %f", c.Server.RefetchPerSecond)
	}
	if c.Server.RefetchBurst < 0 {
		return errors.Newf("server.refetch_burst must be >= 0, got %d", c.Server.RefetchBurst)
	}
	if c.Server.DrainTimeoutSeconds < 0 {
		return errors.Newf("server.drain_timeout_seconds must be >= 0, got %d", c.Server.DrainTimeoutSeconds)
	}

	// Cache retention: 0 = keep forever, negative = invalid
	if c.Cache.RetentionHours < 0 {
		return errors.Newf("cache.retention_hours must be >= 0, got %d", c.Cache.RetentionHours)
	}

	return nil
}
