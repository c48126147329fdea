// Package commands implements the tracedeck CLI surface.
package commands

import (
	"context"
	"database/sql"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/ostrane/tracedeck/client"
	"github.com/ostrane/tracedeck/config"
	"github.com/ostrane/tracedeck/db"
	"github.com/ostrane/tracedeck/errors"
	"github.com/ostrane/tracedeck/logger"
)

// loadConfig resolves the effective configuration for a command run: the
// --config file when given, otherwise the layered lookup (system, user,
// project, environment).
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	configPath, _ := cmd.Flags().GetString("config")
	if configPath != "" {
		cfg, err := config.LoadFromFile(configPath)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to load config from %s", configPath)
		}
		return cfg, nil
	}
	cfg, err := config.Load()
	if err != nil {
		return nil, errors.Wrap(err, "failed to load config")
	}
	return cfg, nil
}

// newBackendClient builds an orchestrator client from the effective config.
func newBackendClient(cfg *config.Config) *client.Client {
	return client.New(client.Config{
		BaseURL: cfg.BackendURL(),
		Timeout: cfg.BackendTimeout(),
	})
}

// warnCompat probes the orchestrator's health and version. One-shot
// commands degrade incompatibility and unreachability to warnings; only
// serve treats them as fatal.
func warnCompat(ctx context.Context, backend *client.Client) {
	health, err := backend.Health(ctx)
	if err != nil {
		pterm.Warning.Printf("Orchestrator health check failed: %v\n", err)
		return
	}
	if err := client.CheckCompat(health); err != nil {
		pterm.Warning.Printf("Orchestrator version mismatch: %v\n", err)
	}
}

// openCache opens and migrates the snapshot cache database. An empty path
// falls back to the configured one.
func openCache(cfg *config.Config, dbPath string) (*sql.DB, error) {
	if dbPath == "" {
		dbPath = cfg.DatabasePath()
	}
	database, err := db.OpenWithMigrations(dbPath, logger.Logger)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open snapshot cache at %s", dbPath)
	}
	return database, nil
}

// truncate shortens a string to maxLen characters for table cells.
func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	if maxLen <= 3 {
		return s[:maxLen]
	}
	return s[:maxLen-3] + "..."
}

// firstNonEmpty returns the first non-empty string, for display fallbacks.
func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
