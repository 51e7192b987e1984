package common

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/adrg/xdg"
)

// GetStateHome returns the directory used for the engine's own state
// (rotating log files, trace exports), creating it if necessary.
// Overridable with FLOWCORE_STATE_HOME.
func GetStateHome() (string, error) {
	dir := os.Getenv("FLOWCORE_STATE_HOME")
	if dir == "" {
		dir = filepath.Join(xdg.StateHome, "flowcore")
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create flowcore state directory: %w", err)
	}
	return dir, nil
}
