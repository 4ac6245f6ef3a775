// Package settings persists operator preferences as a single JSON
// document. The server treats the contents as opaque client state; only
// top-level keys are merged on patch.
package settings

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

const settingsFile = "settings.json"

// Store owns settings.json. Writes are serialized behind the mutex and
// use atomic rename.
type Store struct {
	path string
	mu   sync.Mutex
}

// NewStore creates a store under the data dir.
func NewStore(dataDir string) *Store {
	return &Store{path: filepath.Join(dataDir, settingsFile)}
}

// Get returns the current settings document, empty when none exists.
func (s *Store) Get() (map[string]json.RawMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readLocked()
}

// Replace overwrites the whole document.
func (s *Store) Replace(doc map[string]json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeLocked(doc)
}

// Patch merges top-level keys into the document. A null value removes
// the key.
func (s *Store) Patch(patch map[string]json.RawMessage) (map[string]json.RawMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.readLocked()
	if err != nil {
		return nil, err
	}
	for k, v := range patch {
		if string(v) == "null" {
			delete(doc, k)
			continue
		}
		doc[k] = v
	}
	if err := s.writeLocked(doc); err != nil {
		return nil, err
	}
	return doc, nil
}

func (s *Store) readLocked() (map[string]json.RawMessage, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]json.RawMessage{}, nil
		}
		return nil, fmt.Errorf("read settings: %w", err)
	}
	doc := map[string]json.RawMessage{}
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse settings: %w", err)
	}
	return doc, nil
}

func (s *Store) writeLocked(doc map[string]json.RawMessage) error {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("encode settings: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write settings: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("replace settings: %w", err)
	}
	return nil
}
