// Package settings stores the user's alert preferences. Sessions and alerts read them
// at the start of each operation; a change applies to the next one.
package settings

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/stuartshay/arrival-worker/internal/alert"
)

// AlertType selects which channels an arrival uses
type AlertType string

// Alert types
const (
	AlertAll          AlertType = "all"
	AlertSound        AlertType = "sound"
	AlertVibration    AlertType = "vibration"
	AlertNotification AlertType = "notification"
)

// Settings are the user preferences
type Settings struct {
	AlertRadius        int       `yaml:"alert_radius" validate:"gte=100,lte=10000"`
	AlertType          AlertType `yaml:"alert_type" validate:"oneof=all sound vibration notification"`
	SoundType          string    `yaml:"sound_type" validate:"oneof=classic gentle urgent melody"`
	Volume             int       `yaml:"volume" validate:"gte=0,lte=100"`
	RepeatCount        int       `yaml:"repeat_count" validate:"gte=0,lte=100"`
	RequireInteraction bool      `yaml:"require_interaction"`
	VibrationPatternMs []int     `yaml:"vibration_pattern_ms,omitempty" validate:"max=32,dive,gte=0,lte=10000"`
}

// Defaults returns the settings used when nothing is stored
func Defaults() Settings {
	return Settings{
		AlertRadius: 1000,
		AlertType:   AlertAll,
		SoundType:   alert.DefaultPreset,
		Volume:      alert.DefaultVolume,
		RepeatCount: 3,
	}
}

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

// Validate checks ranges and enumerations
func (s Settings) Validate() error {
	validateOnce.Do(func() { validate = validator.New() })
	if err := validate.Struct(s); err != nil {
		return fmt.Errorf("invalid settings: %w", err)
	}
	return nil
}

// TriggerOptions maps the settings onto an alert for sessionID
func (s Settings) TriggerOptions(sessionID, title, body string) alert.TriggerOptions {
	opts := alert.TriggerOptions{
		Sound:              s.AlertType == AlertAll || s.AlertType == AlertSound,
		Vibration:          s.AlertType == AlertAll || s.AlertType == AlertVibration,
		Notification:       s.AlertType == AlertAll || s.AlertType == AlertNotification,
		Repeats:            s.RepeatCount,
		Title:              title,
		Body:               body,
		SoundPreset:        s.SoundType,
		Volume:             s.Volume,
		RequireInteraction: s.RequireInteraction,
		SessionID:          sessionID,
	}
	for _, ms := range s.VibrationPatternMs {
		opts.VibrationPattern = append(opts.VibrationPattern, time.Duration(ms)*time.Millisecond)
	}
	return opts
}

// Store reads and writes settings
type Store interface {
	Load() (Settings, error)
	Save(Settings) error
}

// FileStore keeps settings in a YAML file. Missing keys take their default value and
// a missing file means all defaults.
type FileStore struct {
	path string
	mu   sync.Mutex
}

// NewFileStore creates a store at path
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// Load reads the file
func (f *FileStore) Load() (Settings, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	s := Defaults()
	data, err := os.ReadFile(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return s, nil
	}
	if err != nil {
		return Settings{}, fmt.Errorf("read settings: %w", err)
	}
	if err := yaml.Unmarshal(data, &s); err != nil {
		return Settings{}, fmt.Errorf("parse settings: %w", err)
	}
	if err := s.Validate(); err != nil {
		return Settings{}, err
	}
	return s, nil
}

// Save validates s and replaces the file atomically
func (f *FileStore) Save(s Settings) error {
	if err := s.Validate(); err != nil {
		return err
	}
	data, err := yaml.Marshal(s)
	if err != nil {
		return fmt.Errorf("encode settings: %w", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(f.path), 0755); err != nil {
		return fmt.Errorf("failed to create settings directory: %w", err)
	}
	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("write settings: %w", err)
	}
	if err := os.Rename(tmp, f.path); err != nil {
		return fmt.Errorf("replace settings: %w", err)
	}
	return nil
}

// MemoryStore keeps settings in memory
type MemoryStore struct {
	mu sync.Mutex
	s  Settings
}

// NewMemoryStore creates a store holding s
func NewMemoryStore(s Settings) *MemoryStore {
	return &MemoryStore{s: s}
}

// Load returns the stored settings
func (m *MemoryStore) Load() (Settings, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.s, nil
}

// Save replaces the stored settings
func (m *MemoryStore) Save(s Settings) error {
	if err := s.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.s = s
	return nil
}
