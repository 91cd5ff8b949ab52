// Package settings persists user-tunable task defaults in a yaml file
// under the daemon's data directory.
package settings

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// Settings are applied to new tasks unless the start request overrides
// them. AutoRejectPatterns are regular expressions matched against
// permission requests; a match rejects the permission without asking.
type Settings struct {
	DefaultModel       string   `yaml:"default_model"`
	RequireCompletion  bool     `yaml:"require_completion"`
	MaxContinuations   int      `yaml:"max_continuations"`
	AutoRejectPatterns []string `yaml:"auto_reject_patterns"`
	RedactPII          bool     `yaml:"redact_pii"`
}

func Defaults() Settings {
	return Settings{
		DefaultModel:     "sonnet",
		MaxContinuations: 0,
	}
}

func (s Settings) clone() Settings {
	out := s
	if s.AutoRejectPatterns != nil {
		out.AutoRejectPatterns = make([]string, len(s.AutoRejectPatterns))
		copy(out.AutoRejectPatterns, s.AutoRejectPatterns)
	}
	return out
}

// Store reads and writes one settings file. Writes go through a temp file
// and a rename so a crash never leaves a half-written file behind.
type Store struct {
	path string

	mu  sync.RWMutex
	cur Settings
}

func NewStore(path string) (*Store, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.New("settings path is required")
	}
	s := &Store{path: path, cur: Defaults()}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) load() error {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read settings %s: %w", s.path, err)
	}
	cfg := Defaults()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return fmt.Errorf("parse settings %s: %w", s.path, err)
	}
	s.cur = normalize(cfg)
	return nil
}

func (s *Store) Get() Settings {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cur.clone()
}

// Update validates, persists, and applies the new settings. The stored
// settings are untouched when validation or the write fails.
func (s *Store) Update(next Settings) (Settings, error) {
	next = normalize(next)
	if err := validate(next); err != nil {
		return Settings{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.write(next); err != nil {
		return Settings{}, err
	}
	s.cur = next
	return next.clone(), nil
}

func (s *Store) write(cfg Settings) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encode settings: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("create settings dir: %w", err)
	}
	tmpPath := s.path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0o600); err != nil {
		return fmt.Errorf("write settings temp file: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("replace settings file: %w", err)
	}
	return nil
}

func normalize(cfg Settings) Settings {
	cfg.DefaultModel = strings.TrimSpace(cfg.DefaultModel)
	if cfg.MaxContinuations < 0 {
		cfg.MaxContinuations = 0
	}
	patterns := cfg.AutoRejectPatterns[:0:0]
	for _, p := range cfg.AutoRejectPatterns {
		p = strings.TrimSpace(p)
		if p != "" {
			patterns = append(patterns, p)
		}
	}
	cfg.AutoRejectPatterns = patterns
	return cfg
}

func validate(cfg Settings) error {
	for _, p := range cfg.AutoRejectPatterns {
		if _, err := regexp.Compile(p); err != nil {
			return fmt.Errorf("invalid auto-reject pattern %q: %w", p, err)
		}
	}
	return nil
}
