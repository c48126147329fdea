package config

import (
	"github.com/spf13/viper"
)

// SetDefaults configures default values for all configuration options
func SetDefaults(v *viper.Viper) {
	// Backend defaults
	v.SetDefault("backend.url", DefaultBackendURL)
	v.SetDefault("backend.timeout_seconds", 30)

	// Server defaults
	v.SetDefault("server.port", DefaultServerPort)
	v.SetDefault("server.allowed_origins", []string{
		"http://localhost",
		"https://localhost",
		"http://127.0.0.1",
		"https://127.0.0.1",
	})
	v.SetDefault("server.refetch_per_second", 2.0)
	v.SetDefault("server.refetch_burst", 3)
	v.SetDefault("server.drain_timeout_seconds", 5)

	// Live update channel tunables
	v.SetDefault("monitor.reconnect_interval_ms", 5000)
	v.SetDefault("monitor.max_reconnect_attempts", 5)
	v.SetDefault("monitor.heartbeat_interval_ms", 30000)

	// Database defaults
	v.SetDefault("database.path", "tracedeck.db")

	// Cache defaults: keep snapshots for 30 days
	v.SetDefault("cache.retention_hours", 720)

	// SOP library defaults
	v.SetDefault("sop.path", "sops")
}

// BindEnvOverrides explicitly binds deployment-sensitive configuration to
// environment variables
func BindEnvOverrides(v *viper.Viper) {
	v.BindEnv("backend.url", "TRACEDECK_BACKEND_URL")
	v.BindEnv("database.path", "TRACEDECK_DATABASE_PATH")
	v.BindEnv("sop.path", "TRACEDECK_SOP_PATH")
	v.BindEnv("sop.git_remote", "TRACEDECK_SOP_GIT_REMOTE")
}
