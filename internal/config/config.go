// Package config loads sectorfs engine settings.
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"sectorfs/internal/artifacts"
	"sectorfs/internal/common"
)

// ErrInvalidSettings is returned by Validate.
var ErrInvalidSettings = errors.New("invalid settings")

// Settings holds the recognized engine options.
type Settings struct {
	CacheCapacity int           `yaml:"cache_capacity"` // Buffer cache slot count (default: 64)
	FlushInterval time.Duration `yaml:"flush_interval"` // Write-behind period (default: 1s)
	ReadAhead     *bool         `yaml:"read_ahead"`     // Prefetch next sector on read hit (default: true)
	LogLevel      string        `yaml:"log_level"`      // Log level: trace, debug, info, warn, off (default: off)
	IORetries     int           `yaml:"io_retries"`     // Flusher attempts per flush (default: 3)
}

// loadDefaultSettings parses default settings from embedded artifact.
func loadDefaultSettings() Settings {
	var settings Settings
	if err := yaml.Unmarshal(artifacts.GlobalSettings, &settings); err != nil {
		panic("failed to parse embedded settings: " + err.Error())
	}
	return settings
}

// Default returns the embedded default settings.
func Default() *Settings {
	s := loadDefaultSettings()
	s.applyEnv()
	return &s
}

// LoadSettings reads settings from path. An empty path means the global
// settings file. Falls back to embedded defaults if the file doesn't exist.
func LoadSettings(path string) (*Settings, error) {
	if path == "" {
		path = common.SettingsPath()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}

	var settings Settings
	if err := yaml.Unmarshal(data, &settings); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	settings.ApplyDefaults()
	settings.applyEnv()
	if err := settings.Validate(); err != nil {
		return nil, err
	}
	return &settings, nil
}

// SaveSettings writes settings to path, creating its directory.
func SaveSettings(path string, settings *Settings) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	data, err := yaml.Marshal(settings)
	if err != nil {
		return err
	}
	header := []byte("# SectorFS engine settings\n# See: sectorfs --help\n\n")
	return os.WriteFile(path, append(header, data...), 0600)
}

// ApplyDefaults fills zero values from the embedded defaults.
func (s *Settings) ApplyDefaults() {
	def := loadDefaultSettings()
	if s.CacheCapacity == 0 {
		s.CacheCapacity = def.CacheCapacity
	}
	if s.FlushInterval == 0 {
		s.FlushInterval = def.FlushInterval
	}
	if s.ReadAhead == nil {
		s.ReadAhead = def.ReadAhead
	}
	if s.LogLevel == "" {
		s.LogLevel = def.LogLevel
	}
	if s.IORetries == 0 {
		s.IORetries = def.IORetries
	}
}

// SECTORFS_READ_AHEAD=0 turns prefetching off regardless of the file.
func (s *Settings) applyEnv() {
	if os.Getenv("SECTORFS_READ_AHEAD") == "0" {
		off := false
		s.ReadAhead = &off
	}
}

// Validate rejects settings the engine cannot run with.
func (s *Settings) Validate() error {
	if s.CacheCapacity <= 0 {
		return fmt.Errorf("%w: cache_capacity must be positive, got %d", ErrInvalidSettings, s.CacheCapacity)
	}
	if s.FlushInterval <= 0 {
		return fmt.Errorf("%w: flush_interval must be positive, got %s", ErrInvalidSettings, s.FlushInterval)
	}
	if s.IORetries < 0 {
		return fmt.Errorf("%w: io_retries must not be negative, got %d", ErrInvalidSettings, s.IORetries)
	}
	return nil
}

// ReadAheadEnabled reports whether prefetching starts enabled.
func (s *Settings) ReadAheadEnabled() bool {
	return s.ReadAhead == nil || *s.ReadAhead
}

// ConfigureLogging sets the logrus level (case insensitive).
// "off", "none" and "" discard all output.
func ConfigureLogging(level string) {
	switch strings.ToLower(level) {
	case "", "off", "none":
		log.SetOutput(io.Discard)
		return
	case "trace":
		log.SetLevel(log.TraceLevel)
	case "debug":
		log.SetLevel(log.DebugLevel)
	case "info":
		log.SetLevel(log.InfoLevel)
	case "warn":
		log.SetLevel(log.WarnLevel)
	default:
		log.SetLevel(log.DebugLevel)
	}
	log.SetOutput(os.Stderr)
}
