package config

import (
	"os"
	"path/filepath"
	"runtime"
)

// PlatformDataDir returns the platform-specific data directory.
//
// Platform paths:
//   - macOS:   ~/Library/Application Support/rewindd/
//   - Linux:   ~/.local/share/rewindd/
//   - Windows: %APPDATA%\rewindd\
//
// Falls back to ~/.rewindd if platform detection fails.
func PlatformDataDir() string {
	switch runtime.GOOS {
	case "darwin":
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return fallbackDataDir()
		}
		return filepath.Join(homeDir, "Library", "Application Support", "rewindd")
	case "windows":
		appData := os.Getenv("APPDATA")
		if appData == "" {
			return fallbackDataDir()
		}
		return filepath.Join(appData, "rewindd")
	case "linux":
		dataHome := os.Getenv("XDG_DATA_HOME")
		if dataHome == "" {
			homeDir, err := os.UserHomeDir()
			if err != nil {
				return fallbackDataDir()
			}
			dataHome = filepath.Join(homeDir, ".local", "share")
		}
		return filepath.Join(dataHome, "rewindd")
	default:
		return fallbackDataDir()
	}
}

// PlatformConfigPath returns the default config file path.
func PlatformConfigPath() string {
	switch runtime.GOOS {
	case "darwin", "windows":
		return filepath.Join(PlatformDataDir(), "config.toml")
	default:
		configHome := os.Getenv("XDG_CONFIG_HOME")
		if configHome == "" {
			homeDir, err := os.UserHomeDir()
			if err != nil {
				return filepath.Join(fallbackDataDir(), "config.toml")
			}
			configHome = filepath.Join(homeDir, ".config")
		}
		return filepath.Join(configHome, "rewindd", "config.toml")
	}
}

func fallbackDataDir() string {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return ".rewindd"
	}
	return filepath.Join(homeDir, ".rewindd")
}
