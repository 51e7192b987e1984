package common

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/adrg/xdg"
)

// GetDataHome returns the directory for the engine's persistent data (the
// embedded SQLite event/checkpoint/cache databases), creating it if
// necessary. Overridable with FLOWCORE_DATA_HOME.
func GetDataHome() (string, error) {
	dir := os.Getenv("FLOWCORE_DATA_HOME")
	if dir == "" {
		dir = filepath.Join(xdg.DataHome, "flowcore")
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create flowcore data directory: %w", err)
	}
	return dir, nil
}

// GetReplayCacheFilePath constructs the path used to cache a downloaded
// event tail for offline replay debugging: <cache home>/replays/<instanceId>_events.json.
func GetReplayCacheFilePath(instanceID string) (string, error) {
	cacheDir, err := GetCacheHome()
	if err != nil {
		return "", err
	}
	replayDir := filepath.Join(cacheDir, "replays")
	if err := os.MkdirAll(replayDir, 0755); err != nil {
		return "", fmt.Errorf("failed to create replay cache directory: %w", err)
	}
	return filepath.Join(replayDir, fmt.Sprintf("%s_events.json", instanceID)), nil
}
