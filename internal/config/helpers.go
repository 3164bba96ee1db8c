package config

import (
	"os"
	"path/filepath"
)

// Store names, also used as snapshot sub-directories
const (
	StoreNamePosition = "position"
	StoreNameOffset   = "offset"
	StoreNameConfig   = "config"
)

// EnsureDirectories ensures all required directories exist
func (c *Config) EnsureDirectories() error {
	dirs := []string{
		c.Worker.StoreRootDir,
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}

	return nil
}

// PositionPath returns the snapshot file for source task positions
func (c *WorkerConfig) PositionPath() string {
	return filepath.Join(c.StoreRootDir, StoreNamePosition, "positionStore.json")
}

// OffsetPath returns the snapshot file for sink task offsets
func (c *WorkerConfig) OffsetPath() string {
	return filepath.Join(c.StoreRootDir, StoreNameOffset, "offsetStore.json")
}

// ConfigPath returns the snapshot file for connector configurations
func (c *WorkerConfig) ConfigPath() string {
	return filepath.Join(c.StoreRootDir, StoreNameConfig, "configStore.json")
}
