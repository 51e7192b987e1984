package common

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/adrg/xdg"
)

// GetCacheHome returns the directory used for regenerable data (such as
// the replay files of GetReplayCacheFilePath), creating it if necessary.
// The embedded-kv Cache Store file lives under GetDataHome, not here.
// Overridable with FLOWCORE_CACHE_HOME.
func GetCacheHome() (string, error) {
	dir := os.Getenv("FLOWCORE_CACHE_HOME")
	if dir == "" {
		dir = filepath.Join(xdg.CacheHome, "flowcore")
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create flowcore cache directory: %w", err)
	}
	return dir, nil
}
