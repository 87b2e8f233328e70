package configrelay

import (
	"encoding/json"
	"strconv"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// StateVersion tags the persisted sync-state schema. A persisted snapshot
// carrying any other version is reset to defaults, keeping only the device
// id.
const StateVersion = 1

type CategoryState struct {
	LastBackupAt         int64   `json:"lastBackupAt,omitempty"`
	LastBackupTrigger    Trigger `json:"lastBackupTrigger,omitempty"`
	LastBackupError      string  `json:"lastBackupError,omitempty"`
	LastBackupErrorAt    int64   `json:"lastBackupErrorAt,omitempty"`
	LastRestoreAt        int64   `json:"lastRestoreAt,omitempty"`
	LastRestoreTrigger   Trigger `json:"lastRestoreTrigger,omitempty"`
	LastRestoreError     string  `json:"lastRestoreError,omitempty"`
	LastRestoreErrorAt   int64   `json:"lastRestoreErrorAt,omitempty"`
	LastRemoteModifiedAt int64   `json:"lastRemoteModifiedAt,omitempty"`
}

// LocalTimestamp is the category's side of the last-writer-wins
// comparison: the newest of its backup, restore, and remote high-water
// clocks.
func (c CategoryState) LocalTimestamp() int64 {
	ts := c.LastBackupAt
	if c.LastRestoreAt > ts {
		ts = c.LastRestoreAt
	}
	if c.LastRemoteModifiedAt > ts {
		ts = c.LastRemoteModifiedAt
	}
	return ts
}

type SyncState struct {
	Version            int                          `json:"version"`
	DeviceID           string                       `json:"deviceId"`
	LastRestoreError   string                       `json:"lastRestoreError,omitempty"`
	LastRestoreErrorAt int64                        `json:"lastRestoreErrorAt,omitempty"`
	Categories         map[CategoryID]CategoryState `json:"categories"`
}

func (s SyncState) clone() SyncState {
	out := s
	out.Categories = make(map[CategoryID]CategoryState, len(s.Categories))
	for id, cs := range s.Categories {
		out.Categories[id] = cs
	}
	return out
}

func defaultSyncState(deviceID string) SyncState {
	if strings.TrimSpace(deviceID) == "" {
		deviceID = uuid.NewString()
	}
	state := SyncState{
		Version:    StateVersion,
		DeviceID:   deviceID,
		Categories: map[CategoryID]CategoryState{},
	}
	for _, id := range KnownCategories() {
		state.Categories[id] = CategoryState{}
	}
	return state
}

// StateStore owns the persisted SyncState. Every read hands out a deep
// copy and every mutation goes through Update, so no other component ever
// holds a live reference.
type StateStore struct {
	mu      sync.Mutex
	backend StateBackend
	cached  *SyncState
}

func NewStateStore(backend StateBackend) *StateStore {
	if backend == nil {
		backend = NewInMemoryStateBackend()
	}
	return &StateStore{backend: backend}
}

// Load returns a copy of the current state, initializing defaults and a
// device id on first use. The initialized state is persisted immediately
// so the device id stays stable across restarts.
func (s *StateStore) Load() (SyncState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	state, err := s.loadLocked()
	if err != nil {
		return SyncState{}, err
	}
	return state.clone(), nil
}

// Update applies mutate to a freshly loaded state, persists the result,
// refreshes the cache, and returns a copy. The store mutex makes each
// read-modify-write a critical section, so concurrent backup and restore
// paths touching the same category never lose updates.
func (s *StateStore) Update(mutate func(*SyncState)) (SyncState, error) {
	if mutate == nil {
		return SyncState{}, ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	state, err := s.loadLocked()
	if err != nil {
		return SyncState{}, err
	}
	next := state.clone()
	mutate(&next)
	next = sanitizeSyncState(mustMarshalState(next))
	if err := s.saveLocked(next); err != nil {
		return SyncState{}, err
	}
	return next.clone(), nil
}

func (s *StateStore) loadLocked() (SyncState, error) {
	if s.cached != nil {
		return *s.cached, nil
	}
	raw, err := s.backend.Load()
	if err != nil {
		return SyncState{}, err
	}
	state := sanitizeSyncState(raw)
	if err := s.saveLocked(state); err != nil {
		return SyncState{}, err
	}
	return state, nil
}

func (s *StateStore) saveLocked(state SyncState) error {
	data, err := json.Marshal(state)
	if err != nil {
		return err
	}
	if err := s.backend.Save(data); err != nil {
		return err
	}
	clone := state.clone()
	s.cached = &clone
	return nil
}

func mustMarshalState(state SyncState) []byte {
	data, err := json.Marshal(state)
	if err != nil {
		return nil
	}
	return data
}

// sanitizeSyncState rebuilds a SyncState from raw persisted bytes. Any
// field failing a type or range check is dropped to its default instead of
// rejecting the whole snapshot; a version mismatch or unparseable input
// resets everything except a recoverable device id.
func sanitizeSyncState(raw []byte) SyncState {
	var loose map[string]any
	if len(raw) == 0 || json.Unmarshal(raw, &loose) != nil || loose == nil {
		return defaultSyncState("")
	}
	deviceID := ""
	if v, ok := loose["deviceId"].(string); ok {
		deviceID = strings.TrimSpace(v)
	}
	version, ok := looseInt(loose["version"])
	if !ok || version != StateVersion {
		return defaultSyncState(deviceID)
	}
	state := defaultSyncState(deviceID)
	if msg, ok := loose["lastRestoreError"].(string); ok {
		state.LastRestoreError = msg
	}
	if ts, ok := looseTimestamp(loose["lastRestoreErrorAt"]); ok {
		state.LastRestoreErrorAt = ts
	}
	rawCategories, ok := loose["categories"].(map[string]any)
	if !ok {
		return state
	}
	for _, id := range KnownCategories() {
		rawCategory, ok := rawCategories[string(id)].(map[string]any)
		if !ok {
			continue
		}
		state.Categories[id] = sanitizeCategoryState(rawCategory)
	}
	return state
}

func sanitizeCategoryState(raw map[string]any) CategoryState {
	var cs CategoryState
	if ts, ok := looseTimestamp(raw["lastBackupAt"]); ok {
		cs.LastBackupAt = ts
	}
	if trigger, ok := looseTrigger(raw["lastBackupTrigger"]); ok {
		cs.LastBackupTrigger = trigger
	}
	if msg, ok := raw["lastBackupError"].(string); ok {
		cs.LastBackupError = msg
	}
	if ts, ok := looseTimestamp(raw["lastBackupErrorAt"]); ok {
		cs.LastBackupErrorAt = ts
	}
	if ts, ok := looseTimestamp(raw["lastRestoreAt"]); ok {
		cs.LastRestoreAt = ts
	}
	if trigger, ok := looseTrigger(raw["lastRestoreTrigger"]); ok {
		cs.LastRestoreTrigger = trigger
	}
	if msg, ok := raw["lastRestoreError"].(string); ok {
		cs.LastRestoreError = msg
	}
	if ts, ok := looseTimestamp(raw["lastRestoreErrorAt"]); ok {
		cs.LastRestoreErrorAt = ts
	}
	if ts, ok := looseTimestamp(raw["lastRemoteModifiedAt"]); ok {
		cs.LastRemoteModifiedAt = ts
	}
	return cs
}

func looseInt(v any) (int, bool) {
	switch value := v.(type) {
	case float64:
		if value != float64(int(value)) {
			return 0, false
		}
		return int(value), true
	case string:
		parsed, err := strconv.Atoi(strings.TrimSpace(value))
		if err != nil {
			return 0, false
		}
		return parsed, true
	default:
		return 0, false
	}
}

// looseTimestamp accepts epoch-millisecond integers or numeric strings;
// anything non-positive is treated as absent.
func looseTimestamp(v any) (int64, bool) {
	switch value := v.(type) {
	case float64:
		if value <= 0 || value != float64(int64(value)) {
			return 0, false
		}
		return int64(value), true
	case string:
		parsed, err := strconv.ParseInt(strings.TrimSpace(value), 10, 64)
		if err != nil || parsed <= 0 {
			return 0, false
		}
		return parsed, true
	default:
		return 0, false
	}
}

func looseTrigger(v any) (Trigger, bool) {
	value, ok := v.(string)
	if !ok {
		return "", false
	}
	trigger := Trigger(strings.TrimSpace(value))
	if !validTrigger(trigger) {
		return "", false
	}
	return trigger, true
}
