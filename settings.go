package pocketfence

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/spf13/viper"
)

// ProxySettings is the persisted user configuration.
type ProxySettings struct {
	AgeLevel         string `json:"ageLevel" mapstructure:"ageLevel"`
	ChildModeEnabled bool   `json:"childModeEnabled" mapstructure:"childModeEnabled"`
	ProxyPort        int    `json:"proxyPort" mapstructure:"proxyPort"`
	AutoStart        bool   `json:"autoStart" mapstructure:"autoStart"`
}

// DefaultSettings returns the settings written when no file exists.
func DefaultSettings() ProxySettings {
	return ProxySettings{
		AgeLevel:         AgeElementary.String(),
		ChildModeEnabled: true,
		ProxyPort:        8888,
		AutoStart:        true,
	}
}

// Validate checks the age level and port.
func (s ProxySettings) Validate() error {
	if _, err := ParseAgeLevel(s.AgeLevel); err != nil {
		return err
	}
	if s.ProxyPort < 0 || s.ProxyPort > 65535 {
		return fmt.Errorf("invalid proxy port %d", s.ProxyPort)
	}
	return nil
}

// Level returns the parsed age level, or Elementary when invalid.
func (s ProxySettings) Level() AgeLevel {
	l, err := ParseAgeLevel(s.AgeLevel)
	if err != nil {
		return AgeElementary
	}
	return l
}

// SettingsStore loads and saves ProxySettings in a JSON file.
type SettingsStore struct {
	path   string
	logger *slog.Logger

	mu      sync.Mutex
	current ProxySettings
}

// NewSettingsStore creates a store backed by path. Call Load before use.
func NewSettingsStore(path string, logger *slog.Logger) *SettingsStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &SettingsStore{path: path, logger: logger, current: DefaultSettings()}
}

// Path returns the settings file path.
func (s *SettingsStore) Path() string {
	return s.path
}

// Load reads the settings file. A missing file is created with defaults.
// An unreadable, corrupt or invalid file falls back to defaults and is left
// untouched. Only a failure to create the default file is returned.
func (s *SettingsStore) Load() (ProxySettings, error) {
	settings, err := s.read()
	switch {
	case errors.Is(err, fs.ErrNotExist):
		settings = DefaultSettings()
		if err := s.write(settings); err != nil {
			return settings, err
		}
		s.logger.Info("created default settings", "path", s.path)
	case err != nil:
		s.logger.Warn("settings unreadable, using defaults", "path", s.path, "error", err)
		settings = DefaultSettings()
	}

	s.mu.Lock()
	s.current = settings
	s.mu.Unlock()
	return settings, nil
}

// Reload re-reads the file for a running process. Unlike Load, a
// missing, corrupt or invalid file is returned as an error and the
// current settings are kept.
func (s *SettingsStore) Reload() (ProxySettings, error) {
	settings, err := s.read()
	if err != nil {
		return s.Current(), fmt.Errorf("reload settings %s: %w", s.path, err)
	}

	s.mu.Lock()
	s.current = settings
	s.mu.Unlock()
	return settings, nil
}

var errCorruptSettings = errors.New("corrupt settings")

func (s *SettingsStore) read() (ProxySettings, error) {
	if _, err := os.Stat(s.path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return ProxySettings{}, err
		}
		return ProxySettings{}, fmt.Errorf("%w: %v", errCorruptSettings, err)
	}

	v := viper.New()
	v.SetConfigFile(s.path)
	v.SetConfigType("json")

	defaults := DefaultSettings()
	v.SetDefault("ageLevel", defaults.AgeLevel)
	v.SetDefault("childModeEnabled", defaults.ChildModeEnabled)
	v.SetDefault("proxyPort", defaults.ProxyPort)
	v.SetDefault("autoStart", defaults.AutoStart)

	if err := v.ReadInConfig(); err != nil {
		return ProxySettings{}, fmt.Errorf("%w: %v", errCorruptSettings, err)
	}

	var settings ProxySettings
	if err := v.Unmarshal(&settings); err != nil {
		return ProxySettings{}, fmt.Errorf("%w: %v", errCorruptSettings, err)
	}
	if err := settings.Validate(); err != nil {
		return ProxySettings{}, fmt.Errorf("%w: %v", errCorruptSettings, err)
	}
	return settings, nil
}

// Current returns the last loaded or saved settings.
func (s *SettingsStore) Current() ProxySettings {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// Save validates and writes settings.
func (s *SettingsStore) Save(settings ProxySettings) error {
	if err := settings.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.write(settings); err != nil {
		return err
	}
	s.current = settings
	return nil
}

// Update applies fn to a copy of the current settings and saves the result.
func (s *SettingsStore) Update(fn func(*ProxySettings)) (ProxySettings, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.current
	fn(&next)
	if err := next.Validate(); err != nil {
		return s.current, err
	}
	if err := s.write(next); err != nil {
		return s.current, err
	}
	s.current = next
	return next, nil
}

// write replaces the file atomically. Viper lowercases keys when writing,
// so the file is encoded directly to keep the camelCase keys.
func (s *SettingsStore) write(settings ProxySettings) error {
	data, err := json.MarshalIndent(settings, "", "  ")
	if err != nil {
		return fmt.Errorf("encode settings: %w", err)
	}
	data = append(data, '\n')

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create settings directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".settings-*.json")
	if err != nil {
		return fmt.Errorf("create temp settings: %w", err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write settings: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close settings: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		return fmt.Errorf("replace settings: %w", err)
	}
	return nil
}
