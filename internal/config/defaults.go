package config

import (
	"os"
	"path/filepath"
	"runtime"
)

// DataDir returns the nestobserve data directory, honoring the
// NESTOBSERVE_DATA_DIR override.
func DataDir() string {
	if envDir := os.Getenv("NESTOBSERVE_DATA_DIR"); envDir != "" {
		return envDir
	}
	return PlatformDataDir()
}

// PlatformDataDir returns the platform-specific data directory.
//
// Platform paths:
//   - macOS:   ~/Library/Application Support/nestobserve/
//   - Linux:   $XDG_DATA_HOME/nestobserve/ (~/.local/share/nestobserve/)
//   - Windows: %APPDATA%\nestobserve\
func PlatformDataDir() string {
	home, _ := os.UserHomeDir()
	switch runtime.GOOS {
	case "darwin":
		return filepath.Join(home, "Library", "Application Support", "nestobserve")
	case "windows":
		if appData := os.Getenv("APPDATA"); appData != "" {
			return filepath.Join(appData, "nestobserve")
		}
		return filepath.Join(home, "AppData", "Roaming", "nestobserve")
	default:
		if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
			return filepath.Join(xdg, "nestobserve")
		}
		return filepath.Join(home, ".local", "share", "nestobserve")
	}
}

// PlatformConfigDir returns the platform-specific config directory.
func PlatformConfigDir() string {
	switch runtime.GOOS {
	case "darwin", "windows":
		return PlatformDataDir()
	default:
		if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
			return filepath.Join(xdg, "nestobserve")
		}
		home, _ := os.UserHomeDir()
		return filepath.Join(home, ".config", "nestobserve")
	}
}

// PlatformStateDir returns where logs and the event journal go.
func PlatformStateDir() string {
	home, _ := os.UserHomeDir()
	switch runtime.GOOS {
	case "darwin":
		return filepath.Join(home, "Library", "Logs", "nestobserve")
	case "windows":
		if local := os.Getenv("LOCALAPPDATA"); local != "" {
			return filepath.Join(local, "nestobserve", "logs")
		}
		return filepath.Join(PlatformDataDir(), "logs")
	default:
		if xdg := os.Getenv("XDG_STATE_HOME"); xdg != "" {
			return filepath.Join(xdg, "nestobserve")
		}
		return filepath.Join(home, ".local", "state", "nestobserve")
	}
}

// SupportedConfigFormats lists accepted config file extensions.
func SupportedConfigFormats() []string {
	return []string{".toml", ".yaml", ".yml", ".json"}
}

// FindConfigFile looks for config.<ext> in the working directory and
// then the platform config directory. It returns "" when none exists.
func FindConfigFile() string {
	for _, dir := range []string{".", PlatformConfigDir()} {
		for _, ext := range SupportedConfigFormats() {
			path := filepath.Join(dir, "config"+ext)
			if _, err := os.Stat(path); err == nil {
				return path
			}
		}
	}
	return ""
}
