//go:build windows

package platform

import (
	"os"
	"path/filepath"
)

func getDataDir() string {
	appDataDir := os.Getenv("APPDATA")
	if appDataDir == "" {
		return filepath.Join(UserHomeDir(), "."+AppName)
	}
	return filepath.Join(appDataDir, AppDisplayName)
}

func getCacheDir() string {
	return filepath.Join(getDataDir(), "cache")
}
