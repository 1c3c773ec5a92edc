// Package platform resolves per-OS directories for configuration, the job
// database, downloaded datasets and computed disparity maps.
package platform

import (
	"os"
	"path/filepath"
)

// AppName is the application name used for directory naming
const AppName = "stereomatch"

// AppDisplayName is the directory name used on Windows and macOS
const AppDisplayName = "Stereomatch"

// GetDataDir returns the application data directory.
// Windows: %APPDATA%\Stereomatch
// macOS: ~/Library/Application Support/Stereomatch
// Linux: $XDG_DATA_HOME/stereomatch or ~/.local/share/stereomatch
func GetDataDir() string {
	return getDataDir()
}

// GetCacheDir returns the directory for downloaded stereo datasets.
// Windows: %APPDATA%\Stereomatch\cache
// macOS: ~/Library/Caches/stereomatch
// Linux: $XDG_CACHE_HOME/stereomatch or ~/.cache/stereomatch
func GetCacheDir() string {
	return getCacheDir()
}

// GetResultsDir returns the default directory for disparity maps written by
// the job server.
func GetResultsDir() string {
	return filepath.Join(getDataDir(), "results")
}

// UserHomeDir returns the user's home directory with proper fallbacks.
func UserHomeDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return home
}
