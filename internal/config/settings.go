package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"sync"
	"time"

	"github.com/gdg-abesec/abeslink/internal/fileutil"
	"github.com/gdg-abesec/abeslink/internal/probe"
)

// DefaultProbeIntervalMinutes is the probe interval used until the user picks one.
const DefaultProbeIntervalMinutes = 30

var (
	// ErrInvalidInterval is returned when the probe interval is not an allowed value.
	ErrInvalidInterval = errors.New("probe interval must be 15, 30 or 60 minutes")
	// ErrInvalidProbeURL is returned when the probe URL is not an absolute http(s) URL.
	ErrInvalidProbeURL = errors.New("probe URL must be an absolute http or https URL")
)

// AllowedIntervals returns the probe intervals a user may choose, in minutes.
func AllowedIntervals() []int {
	return []int{15, 30, 60}
}

// Settings are the user-facing engine settings.
type Settings struct {
	ProbeIntervalMinutes int    `json:"probe_interval_minutes"`
	ProbeURL             string `json:"probe_url"`
	AutoLoginEnabled     bool   `json:"auto_login_enabled"`

	// ForegroundServiceEnabled is a stored preference for clients; the
	// daemon always runs as a service and does not act on it.
	ForegroundServiceEnabled bool `json:"foreground_service_enabled"`
}

// DefaultSettings returns the settings of a fresh install.
func DefaultSettings() Settings {
	return Settings{
		ProbeIntervalMinutes:     DefaultProbeIntervalMinutes,
		ProbeURL:                 probe.DefaultURL,
		AutoLoginEnabled:         false,
		ForegroundServiceEnabled: false,
	}
}

// ProbeInterval returns the interval as a duration.
func (s Settings) ProbeInterval() time.Duration {
	return time.Duration(s.ProbeIntervalMinutes) * time.Minute
}

// Validate checks the settings.
func (s Settings) Validate() error {
	allowed := false
	for _, m := range AllowedIntervals() {
		if s.ProbeIntervalMinutes == m {
			allowed = true
			break
		}
	}
	if !allowed {
		return fmt.Errorf("%w: got %d", ErrInvalidInterval, s.ProbeIntervalMinutes)
	}

	u, err := url.Parse(s.ProbeURL)
	if err != nil || !u.IsAbs() || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return fmt.Errorf("%w: %q", ErrInvalidProbeURL, s.ProbeURL)
	}
	return nil
}

// LoadSettings reads settings from path. A missing file yields the
// defaults; fields absent from the file keep their default value.
func LoadSettings(path string) (Settings, error) {
	s := DefaultSettings()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return s, fmt.Errorf("failed to read settings file: %w", err)
	}

	if err := json.Unmarshal(data, &s); err != nil {
		return DefaultSettings(), fmt.Errorf("failed to unmarshal settings: %w", err)
	}
	return s, nil
}

// SaveSettings writes settings to path atomically with mode 0600.
func SaveSettings(path string, s Settings) error {
	if err := fileutil.WriteJSON(path, s, 0600); err != nil {
		return fmt.Errorf("failed to save settings: %w", err)
	}
	return nil
}

// SettingsManager is the persistent settings store.
// It is safe for concurrent use from multiple goroutines.
type SettingsManager struct {
	path     string       // Immutable after construction
	settings Settings     // Protected by mu
	mu       sync.RWMutex // Protects settings only
}

// NewSettingsManager loads settings from path. Invalid stored settings are
// replaced by the defaults rather than failing startup.
func NewSettingsManager(path string) (*SettingsManager, error) {
	s, err := LoadSettings(path)
	if err != nil {
		return nil, err
	}
	if err := s.Validate(); err != nil {
		s = DefaultSettings()
	}
	return &SettingsManager{path: path, settings: s}, nil
}

// Path returns the settings file path.
func (m *SettingsManager) Path() string {
	return m.path
}

// Get returns a snapshot of the current settings.
func (m *SettingsManager) Get() Settings {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.settings
}

// Set validates, stores and persists settings.
func (m *SettingsManager) Set(s Settings) error {
	if err := s.Validate(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if err := SaveSettings(m.path, s); err != nil {
		return err
	}
	m.settings = s
	return nil
}

// UpdateField atomically updates settings using a mutator function.
// If validation or persistence fails, the current settings are preserved.
func (m *SettingsManager) UpdateField(mutator func(s *Settings)) (Settings, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	next := m.settings
	mutator(&next)
	if err := next.Validate(); err != nil {
		return m.settings, err
	}
	if err := SaveSettings(m.path, next); err != nil {
		return m.settings, err
	}
	m.settings = next
	return next, nil
}

// Reset restores and persists the default settings.
func (m *SettingsManager) Reset() (Settings, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	defaults := DefaultSettings()
	if err := SaveSettings(m.path, defaults); err != nil {
		return m.settings, err
	}
	m.settings = defaults
	return defaults, nil
}

// Reload re-reads the settings file. It returns the new settings and
// whether they differ from the ones held before.
func (m *SettingsManager) Reload() (Settings, bool, error) {
	s, err := LoadSettings(m.path)
	if err != nil {
		return m.Get(), false, err
	}
	if err := s.Validate(); err != nil {
		return m.Get(), false, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	changed := s != m.settings
	m.settings = s
	return s, changed, nil
}
