package configrelay

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// ConfigStore is the local reactive key/value storage the engine both
// reads category data from and writes restored data back through. Writes
// land in a single JSON file with an atomic tmp+rename, which is what the
// storage watcher observes. Restoring a category therefore produces the
// same change notification a user edit does, and the backup queue's
// suppression window is what keeps that from looping.
type ConfigStore struct {
	path string
	mu   sync.Mutex
	data map[string]json.RawMessage
}

func NewConfigStore(path string) (*ConfigStore, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidInput
	}
	s := &ConfigStore{
		path: path,
		data: map[string]json.RawMessage{},
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *ConfigStore) Path() string {
	return s.path
}

// Get unmarshals the value under key into out. The second return reports
// whether the key was present.
func (s *ConfigStore) Get(key string, out any) (bool, error) {
	s.mu.Lock()
	raw, ok := s.data[key]
	s.mu.Unlock()
	if !ok {
		return false, nil
	}
	if out == nil {
		return true, nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return false, err
	}
	return true, nil
}

func (s *ConfigStore) Set(key string, value any) error {
	if strings.TrimSpace(key) == "" {
		return ErrInvalidInput
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[key] = raw
	return s.saveLocked()
}

// Snapshot returns the serialized value per key, used by the storage
// watcher to diff consecutive file states into per-key change events.
func (s *ConfigStore) Snapshot() map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]string, len(s.data))
	for key, raw := range s.data {
		out[key] = string(raw)
	}
	return out
}

// Reload re-reads the backing file, picking up edits made outside this
// process.
func (s *ConfigStore) Reload() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadLocked()
}

func (s *ConfigStore) Keys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := make([]string, 0, len(s.data))
	for key := range s.data {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

func (s *ConfigStore) load() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadLocked()
}

func (s *ConfigStore) loadLocked() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	var snapshot map[string]json.RawMessage
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return err
	}
	if snapshot == nil {
		snapshot = map[string]json.RawMessage{}
	}
	s.data = snapshot
	return nil
}

func (s *ConfigStore) saveLocked() error {
	data, err := json.Marshal(s.data)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return err
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}
