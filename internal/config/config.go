// Package config reads and writes the workspace settings in .qoda/config.json.
package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/marcus/qoda/internal/models"
)

const configFile = ".qoda/config.json"

// Defaults for the tunable sync parameters. The debounce delay and
// saved-hold are policy knobs, not contracts.
const (
	DefaultDebounce  = 2 * time.Second
	DefaultSavedHold = 2 * time.Second
	DefaultDiffRatio = 0.8
)

// Load reads the config from disk. A missing file yields an empty config.
func Load(baseDir string) (*models.Config, error) {
	data, err := os.ReadFile(filepath.Join(baseDir, configFile))
	if err != nil {
		if os.IsNotExist(err) {
			return &models.Config{}, nil
		}
		return nil, err
	}

	var cfg models.Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Save writes the config to disk using atomic write (temp file + rename).
func Save(baseDir string, cfg *models.Config) error {
	configPath := filepath.Join(baseDir, configFile)

	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, "config-*.json.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}

	return os.Rename(tmpName, configPath)
}

// Debounce returns the content-edit commit delay.
func Debounce(cfg *models.Config) time.Duration {
	if cfg.DebounceMS > 0 {
		return time.Duration(cfg.DebounceMS) * time.Millisecond
	}
	return DefaultDebounce
}

// SavedHold returns how long the saved state is shown before idle.
func SavedHold(cfg *models.Config) time.Duration {
	if cfg.SavedHoldMS > 0 {
		return time.Duration(cfg.SavedHoldMS) * time.Millisecond
	}
	return DefaultSavedHold
}

// DiffRatio returns the patch-size cutoff for incremental snapshots.
func DiffRatio(cfg *models.Config) float64 {
	if cfg.DiffRatio > 0 {
		return cfg.DiffRatio
	}
	return DefaultDiffRatio
}

// TeamVisible returns the team-visibility setting (default true).
func TeamVisible(cfg *models.Config) bool {
	if cfg.TeamVisibility == nil {
		return true
	}
	return *cfg.TeamVisibility
}
