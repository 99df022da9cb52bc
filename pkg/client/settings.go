package client

import (
	"log/slog"
	"path/filepath"

	"github.com/spf13/afero"
	"gopkg.in/yaml.v3"
)

// Settings stores terminal client preferences persisted as YAML.
type Settings struct {
	ServerURL      string `yaml:"server_url"`
	Username       string `yaml:"username,omitempty"`
	ShowTimestamps bool   `yaml:"show_timestamps"`
	ShowIDs        bool   `yaml:"show_ids"`
}

// DefaultSettings returns default settings.
func DefaultSettings() *Settings {
	return &Settings{
		ServerURL:      "ws://localhost:3000/ws",
		ShowTimestamps: true,
	}
}

// SettingsPath returns the default settings file location.
func SettingsPath() string {
	return filepath.Join(configDir(), "settings.yaml")
}

// LoadSettings loads settings from path on fs or returns defaults.
func LoadSettings(fs afero.Fs, path string) *Settings {
	s := DefaultSettings()
	data, err := afero.ReadFile(fs, path)
	if err != nil {
		return s
	}
	if err := yaml.Unmarshal(data, s); err != nil {
		slog.Error("parse settings", "path", path, "err", err)
		return DefaultSettings()
	}
	return s
}

// Save writes settings to path on fs.
func (s *Settings) Save(fs afero.Fs, path string) error {
	data, err := yaml.Marshal(s)
	if err != nil {
		return err
	}
	if err := fs.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	return afero.WriteFile(fs, path, data, 0o600)
}
