// Package records persists short text records in a YAML file.
package records

import (
	"cmp"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	orderedmap "github.com/wk8/go-ordered-map/v2"
	"gopkg.in/yaml.v3"
)

// Record is one stored text entry.
type Record struct {
	ID        int64     `yaml:"id"`
	Content   string    `yaml:"content"`
	CreatedAt time.Time `yaml:"created_at"`
}

type file struct {
	NextID  int64    `yaml:"next_id"`
	Records []Record `yaml:"records"`
}

// Store keeps records in insertion order and rewrites the backing file on
// every mutation. Listings are returned newest (highest ID) first.
type Store struct {
	path   string
	logger *logrus.Logger

	mu      sync.Mutex
	records *orderedmap.OrderedMap[int64, Record]
	nextID  int64
}

// Open loads the store at path. A missing file yields an empty store.
func Open(path string, logger *logrus.Logger) (*Store, error) {
	if logger == nil {
		logger = logrus.New()
	}

	s := &Store{
		path:    path,
		logger:  logger,
		records: orderedmap.New[int64, Record](),
		nextID:  1,
	}

	data, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
		return s, nil
	case err != nil:
		return nil, fmt.Errorf("failed to read records %s: %w", path, err)
	}

	var f file
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse records %s: %w", path, err)
	}
	for _, r := range f.Records {
		s.records.Set(r.ID, r)
		s.nextID = max(s.nextID, r.ID+1)
	}
	s.nextID = max(s.nextID, f.NextID)

	logger.WithFields(logrus.Fields{
		"path":    path,
		"records": s.records.Len(),
	}).Debug("Loaded records")

	return s, nil
}

// Insert stores r. A zero ID allocates the next one; an existing ID is
// replaced in place. Returns the record ID.
func (s *Store) Insert(r Record) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if r.ID == 0 {
		r.ID = s.nextID
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now()
	}
	s.nextID = max(s.nextID, r.ID+1)

	prev, replaced := s.records.Set(r.ID, r)
	if err := s.saveLocked(); err != nil {
		if replaced {
			s.records.Set(r.ID, prev)
		} else {
			s.records.Delete(r.ID)
		}
		return 0, err
	}
	return r.ID, nil
}

// All returns every record, newest first.
func (s *Store) All() []Record {
	return s.Search("")
}

// Search returns records whose content contains query, ignoring case,
// newest first. An empty query matches everything.
func (s *Store) Search(query string) []Record {
	s.mu.Lock()
	defer s.mu.Unlock()

	query = strings.ToLower(query)
	out := make([]Record, 0, s.records.Len())
	for pair := s.records.Oldest(); pair != nil; pair = pair.Next() {
		if query == "" || strings.Contains(strings.ToLower(pair.Value.Content), query) {
			out = append(out, pair.Value)
		}
	}
	slices.SortFunc(out, func(a, b Record) int { return cmp.Compare(b.ID, a.ID) })
	return out
}

// Delete removes the record with id. Deleting an unknown id is a no-op.
func (s *Store) Delete(id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev, ok := s.records.Delete(id)
	if !ok {
		return nil
	}
	if err := s.saveLocked(); err != nil {
		s.records.Set(id, prev)
		return err
	}
	return nil
}

// DeleteAll removes every record. IDs keep increasing afterwards.
func (s *Store) DeleteAll() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev := s.records
	s.records = orderedmap.New[int64, Record]()
	if err := s.saveLocked(); err != nil {
		s.records = prev
		return err
	}
	return nil
}

// Len returns the number of stored records.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.records.Len()
}

func (s *Store) saveLocked() error {
	f := file{NextID: s.nextID, Records: make([]Record, 0, s.records.Len())}
	for pair := s.records.Oldest(); pair != nil; pair = pair.Next() {
		f.Records = append(f.Records, pair.Value)
	}

	data, err := yaml.Marshal(&f)
	if err != nil {
		return fmt.Errorf("failed to encode records: %w", err)
	}
	return writeFileAtomic(s.path, data)
}

func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write %s: %w", tmp.Name(), err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close %s: %w", tmp.Name(), err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("failed to replace %s: %w", path, err)
	}
	return nil
}
