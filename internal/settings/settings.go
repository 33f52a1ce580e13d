package settings

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// Settings holds user preferences that persist across restarts.
type Settings struct {
	CrashReporting bool   `json:"crashReporting"`
	LogLevel       string `json:"logLevel,omitempty"`
}

// ErrInvalidLogLevel is returned for a level name other than debug, info,
// warn or error.
var ErrInvalidLogLevel = errors.New("invalid log level")

var (
	current  *Settings
	mu       sync.RWMutex
	filePath string
)

// DefaultSettings returns the default settings. Crash reporting is opt-in.
func DefaultSettings() *Settings {
	return &Settings{
		CrashReporting: false,
		LogLevel:       "info",
	}
}

// SetPath overrides where settings are stored. An empty path restores the
// per-user config directory. The loaded settings are dropped.
func SetPath(path string) {
	mu.Lock()
	defer mu.Unlock()
	filePath = path
	current = nil
}

// settingsPath returns the path to the settings file. Caller holds mu.
func settingsPath() (string, error) {
	if filePath != "" {
		return filePath, nil
	}
	configDir, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(configDir, "pcsc-sim", "settings.json"), nil
}

// Load reads settings from disk, or returns defaults if the file doesn't exist.
func Load() (*Settings, error) {
	mu.Lock()
	defer mu.Unlock()

	current = DefaultSettings()

	path, err := settingsPath()
	if err != nil {
		return snapshot(), err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return snapshot(), nil
		}
		return snapshot(), err
	}

	s := DefaultSettings()
	if err := json.Unmarshal(data, s); err != nil {
		return snapshot(), err
	}
	current = s
	return snapshot(), nil
}

// snapshot copies current. Caller holds mu.
func snapshot() *Settings {
	s := *current
	return &s
}

// Save writes the current settings to disk.
func Save() error {
	mu.Lock()
	defer mu.Unlock()
	return saveLocked()
}

func saveLocked() error {
	if current == nil {
		current = DefaultSettings()
	}

	path, err := settingsPath()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}

	data, err := json.MarshalIndent(current, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// Get returns a copy of the current settings, loading them on first use.
func Get() *Settings {
	mu.RLock()
	if current != nil {
		defer mu.RUnlock()
		return snapshot()
	}
	mu.RUnlock()

	s, _ := Load()
	return s
}

// SetCrashReporting updates the crash reporting preference and saves.
func SetCrashReporting(enabled bool) error {
	mu.Lock()
	defer mu.Unlock()
	if current == nil {
		current = DefaultSettings()
	}
	current.CrashReporting = enabled
	return saveLocked()
}

// SetLogLevel updates the persisted log level and saves.
func SetLogLevel(level string) error {
	level = strings.ToLower(level)
	switch level {
	case "debug", "info", "warn", "error":
	default:
		return ErrInvalidLogLevel
	}

	mu.Lock()
	defer mu.Unlock()
	if current == nil {
		current = DefaultSettings()
	}
	current.LogLevel = level
	return saveLocked()
}

// IsCrashReportingEnabled returns whether crash reporting is enabled.
func IsCrashReportingEnabled() bool {
	return Get().CrashReporting
}
