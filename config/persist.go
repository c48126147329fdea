package config

import (
	"os"
	"path/filepath"

	"github.com/pelletier/go-toml/v2"

	"github.com/ostrane/tracedeck/errors"
	"github.com/ostrane/tracedeck/logger"
)

// createBackup creates rotating backups (.back1, .back2, .back3) before
// modifying a config file
func createBackup(configPath string) error {
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return nil // No file to backup
	}

	// Rotate: .back3 -> delete, .back2 -> .back3, .back1 -> .back2, current -> .back1
	back3 := configPath + ".back3"
	back2 := configPath + ".back2"
	back1 := configPath + ".back1"

	if err := os.Remove(back3); err != nil && !os.IsNotExist(err) {
		logger.Warnw("Failed to delete old config backup", "path", back3, "error", err)
	}

	if _, err := os.Stat(back2); err == nil {
		if err := os.Rename(back2, back3); err != nil {
			return errors.Wrap(err, "failed to rotate .back2 to .back3")
		}
	}

	if _, err := os.Stat(back1); err == nil {
		if err := os.Rename(back1, back2); err != nil {
			return errors.Wrap(err, "failed to rotate .back1 to .back2")
		}
	}

	content, err := os.ReadFile(configPath)
	if err != nil {
		return errors.Wrap(err, "failed to read config for backup")
	}

	if err := os.WriteFile(back1, content, DefaultFilePermissions); err != nil {
		return errors.Wrap(err, "failed to create .back1")
	}

	return nil
}

// starterSettings is the content of a freshly initialized config file.
func starterSettings() map[string]interface{} {
	return map[string]interface{}{
		"backend": map[string]interface{}{
			"url":             DefaultBackendURL,
			"timeout_seconds": 30,
		},
		"server": map[string]interface{}{
			"port": DefaultServerPort,
		},
		"monitor": map[string]interface{}{
			"reconnect_interval_ms":  5000,
			"max_reconnect_attempts": 5,
			"heartbeat_interval_ms":  30000,
		},
		"database": map[string]interface{}{
			"path": "tracedeck.db",
		},
		"cache": map[string]interface{}{
			"retention_hours": 720,
		},
		"sop": map[string]interface{}{
			"path": "sops",
		},
	}
}

// WriteStarter writes a starter config file to the given path, backing up
// any existing file first. An empty path targets the user config file.
func WriteStarter(configPath string) (string, error) {
	if configPath == "" {
		configPath = UserConfigPath()
	}
	if configPath == "" {
		return "", errors.New("could not determine home directory for config path")
	}

	if err := os.MkdirAll(filepath.Dir(configPath), DefaultDirPermissions); err != nil {
		return "", errors.Wrap(err, "failed to create config directory")
	}

	if err := createBackup(configPath); err != nil {
		return "", errors.Wrap(err, "failed to create backup")
	}

	data, err := toml.Marshal(starterSettings())
	if err != nil {
		return "", errors.Wrap(err, "failed to marshal starter config")
	}

	// Mark this as our own write to prevent reload loops
	if w := GetGlobalWatcher(); w != nil {
		w.MarkOwnWrite()
	}

	if err := os.WriteFile(configPath, data, DefaultFilePermissions); err != nil {
		return "", errors.Wrap(err, "failed to write config file")
	}

	return configPath, nil
}
