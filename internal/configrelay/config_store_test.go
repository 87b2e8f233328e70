package configrelay

import (
	"errors"
	"path/filepath"
	"reflect"
	"testing"
)

func TestConfigStoreRequiresPath(t *testing.T) {
	if _, err := NewConfigStore("  "); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
}

func TestConfigStoreMissingFileStartsEmpty(t *testing.T) {
	store, err := NewConfigStore(filepath.Join(t.TempDir(), "config.json"))
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	var out string
	ok, err := store.Get("anything", &out)
	if err != nil || ok {
		t.Fatalf("expected missing key, got ok=%v err=%v", ok, err)
	}
	if keys := store.Keys(); len(keys) != 0 {
		t.Fatalf("expected no keys, got %v", keys)
	}
}

func TestConfigStoreSetGetPersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	store, err := NewConfigStore(path)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	if err := store.Set("blocklist.hosts", []string{"ads.example"}); err != nil {
		t.Fatalf("set: %v", err)
	}
	var hosts []string
	ok, err := store.Get("blocklist.hosts", &hosts)
	if err != nil || !ok {
		t.Fatalf("get: ok=%v err=%v", ok, err)
	}
	if !reflect.DeepEqual(hosts, []string{"ads.example"}) {
		t.Fatalf("unexpected value: %v", hosts)
	}

	reopened, err := NewConfigStore(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	hosts = nil
	if ok, err := reopened.Get("blocklist.hosts", &hosts); err != nil || !ok {
		t.Fatalf("reopened get: ok=%v err=%v", ok, err)
	}
	if len(hosts) != 1 || hosts[0] != "ads.example" {
		t.Fatalf("value not persisted: %v", hosts)
	}
}

func TestConfigStoreRejectsEmptyKey(t *testing.T) {
	store, err := NewConfigStore(filepath.Join(t.TempDir(), "config.json"))
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	if err := store.Set("  ", "value"); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
}

func TestConfigStoreReloadPicksUpExternalEdits(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	store, err := NewConfigStore(path)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	external, err := NewConfigStore(path)
	if err != nil {
		t.Fatalf("external store: %v", err)
	}
	if err := external.Set("settings", DefaultSettings()); err != nil {
		t.Fatalf("external set: %v", err)
	}

	if ok, _ := store.Get("settings", nil); ok {
		t.Fatalf("value should not appear before reload")
	}
	if err := store.Reload(); err != nil {
		t.Fatalf("reload: %v", err)
	}
	if ok, _ := store.Get("settings", nil); !ok {
		t.Fatalf("value should appear after reload")
	}
}

func TestConfigStoreSnapshotAndKeys(t *testing.T) {
	store, err := NewConfigStore(filepath.Join(t.TempDir(), "config.json"))
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	if err := store.Set("b", 2); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := store.Set("a", 1); err != nil {
		t.Fatalf("set: %v", err)
	}
	snapshot := store.Snapshot()
	if snapshot["a"] != "1" || snapshot["b"] != "2" {
		t.Fatalf("unexpected snapshot: %v", snapshot)
	}
	if keys := store.Keys(); !reflect.DeepEqual(keys, []string{"a", "b"}) {
		t.Fatalf("expected sorted keys, got %v", keys)
	}
}
