package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

const currentVersion = 1

// envelope is the versioned on-disk format:
//
//	{"version": 1, "config": { ... }}
type envelope struct {
	Version int     `json:"version"`
	Config  *Config `json:"config"`
}

// Load reads a config file. Fields absent from the file keep their
// Default values. The result is not validated.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config file: %w", err)
	}

	env := envelope{Config: &cfg}
	if err := json.Unmarshal(data, &env); err != nil {
		return Default(), fmt.Errorf("parse config file: %w", err)
	}

	if env.Version == 0 {
		return Default(), errors.New("unversioned config file; wrap it as {\"version\": 1, \"config\": {...}}")
	}
	if env.Version > currentVersion {
		return Default(), fmt.Errorf("config file version %d is newer than supported version %d", env.Version, currentVersion)
	}
	if env.Config == nil {
		return Default(), nil
	}
	return cfg, nil
}

// Save atomically writes cfg to path with round-trip validation.
func Save(path string, cfg Config) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config directory: %w", err)
		}
	}

	data, err := json.MarshalIndent(envelope{Version: currentVersion, Config: &cfg}, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	data = append(data, '\n')

	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0o644); err != nil {
		return fmt.Errorf("write temp file: %w", err)
	}

	check, err := os.ReadFile(tmpPath)
	if err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("read-back temp file: %w", err)
	}
	var verify envelope
	if err := json.Unmarshal(check, &verify); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("round-trip validation failed: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("rename config file: %w", err)
	}
	return nil
}
