// Package config manages user settings and daemon configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
)

const (
	// AppName is the application identifier used for XDG paths.
	AppName = "abeslink"
	// SettingsFileName is the user settings file.
	SettingsFileName = "settings.json"
	// DaemonFileName is the optional daemon configuration file.
	DaemonFileName = "abeslinkd.yaml"
	// HistoryFileName is the SQLite activity history database.
	HistoryFileName = "history.db"
	// SocketFileName is the control socket inside the runtime directory.
	SocketFileName = "abeslink.sock"
)

// Paths holds the resolved configuration, state and runtime locations.
type Paths struct {
	ConfigDir    string
	SettingsFile string
	DaemonFile   string
	StateDir     string
	HistoryFile  string
	RuntimeDir   string
	SocketPath   string
}

// GetPaths returns the paths following the XDG Base Directory spec.
func GetPaths() (*Paths, error) {
	homeDir, homeErr := os.UserHomeDir()

	configHome := os.Getenv("XDG_CONFIG_HOME")
	if configHome == "" {
		if homeErr != nil {
			return nil, fmt.Errorf("failed to get home directory: %w", homeErr)
		}
		configHome = filepath.Join(homeDir, ".config")
	}

	stateHome := os.Getenv("XDG_STATE_HOME")
	if stateHome == "" {
		if homeErr != nil {
			return nil, fmt.Errorf("failed to get home directory: %w", homeErr)
		}
		stateHome = filepath.Join(homeDir, ".local", "state")
	}

	configDir := filepath.Join(configHome, AppName)
	stateDir := filepath.Join(stateHome, AppName)
	runtimeDir := RuntimeDir()

	return &Paths{
		ConfigDir:    configDir,
		SettingsFile: filepath.Join(configDir, SettingsFileName),
		DaemonFile:   filepath.Join(configDir, DaemonFileName),
		StateDir:     stateDir,
		HistoryFile:  filepath.Join(stateDir, HistoryFileName),
		RuntimeDir:   runtimeDir,
		SocketPath:   filepath.Join(runtimeDir, SocketFileName),
	}, nil
}

// RuntimeDir returns $XDG_RUNTIME_DIR/abeslink, falling back to a
// per-user directory under the system temp dir.
func RuntimeDir() string {
	if dir := os.Getenv("XDG_RUNTIME_DIR"); dir != "" {
		return filepath.Join(dir, AppName)
	}
	return filepath.Join(os.TempDir(), fmt.Sprintf("%s-%d", AppName, os.Getuid()))
}

// DefaultSocketPath returns the control socket path clients connect to.
func DefaultSocketPath() string {
	return filepath.Join(RuntimeDir(), SocketFileName)
}

// EnsurePaths creates the config, state and runtime directories.
func (p *Paths) EnsurePaths() error {
	for _, dir := range []string{p.ConfigDir, p.StateDir, p.RuntimeDir} {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}
	return nil
}
