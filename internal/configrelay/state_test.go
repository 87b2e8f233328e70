package configrelay

import (
	"encoding/json"
	"testing"
)

func TestCategoryStateLocalTimestamp(t *testing.T) {
	cases := []struct {
		name string
		cs   CategoryState
		want int64
	}{
		{"empty", CategoryState{}, 0},
		{"backup only", CategoryState{LastBackupAt: 10}, 10},
		{"restore wins", CategoryState{LastBackupAt: 10, LastRestoreAt: 20}, 20},
		{"remote high-water wins", CategoryState{LastBackupAt: 10, LastRestoreAt: 20, LastRemoteModifiedAt: 30}, 30},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.cs.LocalTimestamp(); got != tc.want {
				t.Fatalf("LocalTimestamp() = %d, want %d", got, tc.want)
			}
		})
	}
}

func TestStateStoreInitializesAndPersistsDefaults(t *testing.T) {
	backend := NewInMemoryStateBackend()
	store := NewStateStore(backend)
	state, err := store.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if state.Version != StateVersion {
		t.Fatalf("expected version %d, got %d", StateVersion, state.Version)
	}
	if state.DeviceID == "" {
		t.Fatalf("expected a generated device id")
	}
	for _, id := range KnownCategories() {
		if _, ok := state.Categories[id]; !ok {
			t.Fatalf("expected category %s in defaults", id)
		}
	}

	// Defaults must be persisted immediately so the device id survives a
	// process restart.
	raw, err := backend.Load()
	if err != nil {
		t.Fatalf("backend load: %v", err)
	}
	if raw == nil {
		t.Fatalf("expected persisted snapshot after first load")
	}
	second := NewStateStore(backend)
	reloaded, err := second.Load()
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if reloaded.DeviceID != state.DeviceID {
		t.Fatalf("device id changed across restarts: %q vs %q", reloaded.DeviceID, state.DeviceID)
	}
}

func TestStateStoreLoadReturnsCopies(t *testing.T) {
	store := NewStateStore(nil)
	first, err := store.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	cs := first.Categories[CategorySettings]
	cs.LastBackupAt = 999
	first.Categories[CategorySettings] = cs

	second, err := store.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if second.Categories[CategorySettings].LastBackupAt != 0 {
		t.Fatalf("mutating a loaded copy must not leak into the store")
	}
}

func TestStateStoreUpdatePersistsMutation(t *testing.T) {
	backend := NewInMemoryStateBackend()
	store := NewStateStore(backend)
	updated, err := store.Update(func(s *SyncState) {
		cs := s.Categories[CategoryBlocklist]
		cs.LastBackupAt = 4242
		cs.LastBackupTrigger = TriggerStorage
		s.Categories[CategoryBlocklist] = cs
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if updated.Categories[CategoryBlocklist].LastBackupAt != 4242 {
		t.Fatalf("update result missing mutation: %+v", updated.Categories[CategoryBlocklist])
	}

	reloaded, err := NewStateStore(backend).Load()
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	cs := reloaded.Categories[CategoryBlocklist]
	if cs.LastBackupAt != 4242 || cs.LastBackupTrigger != TriggerStorage {
		t.Fatalf("mutation not persisted: %+v", cs)
	}
}

func TestStateStoreUpdateSanitizesResult(t *testing.T) {
	store := NewStateStore(nil)
	updated, err := store.Update(func(s *SyncState) {
		cs := s.Categories[CategorySettings]
		cs.LastBackupAt = -5
		cs.LastBackupTrigger = Trigger("bogus")
		s.Categories[CategorySettings] = cs
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	cs := updated.Categories[CategorySettings]
	if cs.LastBackupAt != 0 || cs.LastBackupTrigger != "" {
		t.Fatalf("expected invalid fields dropped, got %+v", cs)
	}
}

func TestStateStoreUpdateRequiresMutator(t *testing.T) {
	store := NewStateStore(nil)
	if _, err := store.Update(nil); err != ErrInvalidInput {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
}

func TestSanitizeSyncStateVersionMismatchKeepsDeviceID(t *testing.T) {
	backend := NewInMemoryStateBackend()
	snapshot := `{"version":99,"deviceId":"device-abc","categories":{"settings":{"lastBackupAt":123}}}`
	if err := backend.Save([]byte(snapshot)); err != nil {
		t.Fatalf("seed backend: %v", err)
	}
	state, err := NewStateStore(backend).Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if state.Version != StateVersion {
		t.Fatalf("expected reset to current version, got %d", state.Version)
	}
	if state.DeviceID != "device-abc" {
		t.Fatalf("expected preserved device id, got %q", state.DeviceID)
	}
	if state.Categories[CategorySettings].LastBackupAt != 0 {
		t.Fatalf("version mismatch must reset category state")
	}
}

func TestSanitizeSyncStateFieldLevelRecovery(t *testing.T) {
	snapshot := map[string]any{
		"version":            StateVersion,
		"deviceId":           "device-abc",
		"lastRestoreError":   "pass failed",
		"lastRestoreErrorAt": "7777",
		"categories": map[string]any{
			"settings": map[string]any{
				"lastBackupAt":         "12345",
				"lastBackupTrigger":    "storage",
				"lastRestoreAt":        -1,
				"lastRestoreTrigger":   "not-a-trigger",
				"lastRemoteModifiedAt": 5000,
				"lastBackupError":      "boom",
				"lastBackupErrorAt":    true,
			},
			"unknown-category": map[string]any{"lastBackupAt": 1},
		},
	}
	raw, err := json.Marshal(snapshot)
	if err != nil {
		t.Fatalf("marshal snapshot: %v", err)
	}
	state := sanitizeSyncState(raw)
	if state.DeviceID != "device-abc" {
		t.Fatalf("expected device id kept, got %q", state.DeviceID)
	}
	if state.LastRestoreError != "pass failed" || state.LastRestoreErrorAt != 7777 {
		t.Fatalf("expected top-level error recovered, got %+v", state)
	}
	cs := state.Categories[CategorySettings]
	if cs.LastBackupAt != 12345 {
		t.Fatalf("numeric-string timestamp should be accepted, got %d", cs.LastBackupAt)
	}
	if cs.LastBackupTrigger != TriggerStorage {
		t.Fatalf("expected storage trigger, got %q", cs.LastBackupTrigger)
	}
	if cs.LastRestoreAt != 0 || cs.LastRestoreTrigger != "" {
		t.Fatalf("invalid fields should be dropped, got %+v", cs)
	}
	if cs.LastRemoteModifiedAt != 5000 {
		t.Fatalf("expected remote high-water mark kept, got %d", cs.LastRemoteModifiedAt)
	}
	if cs.LastBackupError != "boom" || cs.LastBackupErrorAt != 0 {
		t.Fatalf("expected error message kept and bad timestamp dropped, got %+v", cs)
	}
	if _, ok := state.Categories[CategoryID("unknown-category")]; ok {
		t.Fatalf("unknown categories must not survive sanitization")
	}
}

func TestSanitizeSyncStateGarbageResetsEverything(t *testing.T) {
	for _, raw := range [][]byte{nil, []byte("not json"), []byte(`"just a string"`), []byte(`{"version":"abc"}`)} {
		state := sanitizeSyncState(raw)
		if state.Version != StateVersion || state.DeviceID == "" {
			t.Fatalf("expected fresh defaults for %q, got %+v", raw, state)
		}
	}
}
