// Package prefs stores small user preferences in a YAML file.
package prefs

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/yaml.v3"
)

type values struct {
	SkipIntro bool `yaml:"skip_intro"`
}

// Store is a file-backed preference set.
type Store struct {
	path string

	mu   sync.Mutex
	vals values
}

// Open loads preferences from path. A missing file yields defaults.
func Open(path string) (*Store, error) {
	s := &Store{path: path}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read preferences %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &s.vals); err != nil {
		return nil, fmt.Errorf("failed to parse preferences %s: %w", path, err)
	}
	return s, nil
}

// SkipIntro reports whether the intro banner was dismissed.
func (s *Store) SkipIntro() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.vals.SkipIntro
}

// SetSkipIntro persists the intro flag.
func (s *Store) SetSkipIntro(skip bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.vals
	next.SkipIntro = skip

	data, err := yaml.Marshal(&next)
	if err != nil {
		return fmt.Errorf("failed to encode preferences: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("failed to create %s: %w", filepath.Dir(s.path), err)
	}
	if err := os.WriteFile(s.path, data, 0o600); err != nil {
		return fmt.Errorf("failed to write preferences %s: %w", s.path, err)
	}

	s.vals = next
	return nil
}
