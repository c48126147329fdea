package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestWriteStarter(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "nested", "config.toml")

	written, err := WriteStarter(configPath)
	if err != nil {
		t.Fatalf("WriteStarter() failed: %v", err)
	}
	if written != configPath {
		t.Errorf("expected path %s, got %s", configPath, written)
	}

	// The starter file must load cleanly and carry the defaults
	cfg, err := LoadFromFile(configPath)
	if err != nil {
		t.Fatalf("starter config does not load: %v", err)
	}
	if cfg.BackendURL() != DefaultBackendURL {
		t.Errorf("expected default backend URL, got %q", cfg.BackendURL())
	}
	if cfg.ServerPort() != DefaultServerPort {
		t.Errorf("expected default port, got %d", cfg.ServerPort())
	}
}

func TestWriteStarterBacksUpExisting(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.toml")

	original := []byte("[server]\nport = 9100\n")
	if err := os.WriteFile(configPath, original, DefaultFilePermissions); err != nil {
		t.Fatalf("failed to seed config: %v", err)
	}

	if _, err := WriteStarter(configPath); err != nil {
		t.Fatalf("WriteStarter() failed: %v", err)
	}

	backup, err := os.ReadFile(configPath + ".back1")
	if err != nil {
		t.Fatalf("expected .back1 backup: %v", err)
	}
	if string(backup) != string(original) {
		t.Errorf("backup content mismatch: got %q", string(backup))
	}
}

func TestBackupRotation(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.toml")

	// Four generations of writes: the first content should end up in .back3
	// and the oldest generation beyond that is dropped.
	generations := []string{"gen1", "gen2", "gen3", "gen4"}
	for _, gen := range generations {
		if err := os.WriteFile(configPath, []byte(gen), DefaultFilePermissions); err != nil {
			t.Fatalf("failed to write config: %v", err)
		}
		if err := createBackup(configPath); err != nil {
			t.Fatalf("createBackup() failed: %v", err)
		}
	}

	checks := map[string]string{
		configPath + ".back1": "gen4",
		configPath + ".back2": "gen3",
		configPath + ".back3": "gen2",
	}
	for path, want := range checks {
		content, err := os.ReadFile(path)
		if err != nil {
			t.Fatalf("expected backup %s: %v", path, err)
		}
		if string(content) != want {
			t.Errorf("%s = %q, want %q", filepath.Base(path), string(content), want)
		}
	}
}

func TestIsBackupFile(t *testing.T) {
	if !isBackupFile("/home/u/.tracedeck/config.toml.back1") {
		t.Error("expected .back1 to be a backup file")
	}
	if !isBackupFile("config.toml.back3") {
		t.Error("expected .back3 to be a backup file")
	}
	if isBackupFile("/home/u/.tracedeck/config.toml") {
		t.Error("config.toml is not a backup file")
	}
}
