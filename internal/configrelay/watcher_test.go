package configrelay

import (
	"testing"
	"time"
)

func TestStorageWatcherRequiresDependencies(t *testing.T) {
	if _, err := NewStorageWatcher(nil, nil, nil, nil); err != ErrInvalidInput {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
}

func TestStorageWatcherDispatchesCategoryBackups(t *testing.T) {
	engine, env := newTestEngine(t, nil)
	watcher, err := NewStorageWatcher(env.store, engine, env.registry, nil)
	if err != nil {
		t.Fatalf("new watcher: %v", err)
	}
	t.Cleanup(func() { _ = watcher.Close() })

	// A second handle on the same file stands in for an external editor;
	// the watcher only sees the file change, not who made it.
	external, err := NewConfigStore(env.store.Path())
	if err != nil {
		t.Fatalf("external store: %v", err)
	}
	if err := external.Set("blocklist.hosts", []string{"ads.example"}); err != nil {
		t.Fatalf("external set: %v", err)
	}

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if env.remote.upsertCount() > 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if env.remote.upsertCount() == 0 {
		t.Fatalf("expected the file change to reach the backup queue")
	}

	payload, _, err := DecodePayload(CategoryBlocklist, env.remote.noteFor("Blocklist"))
	if err != nil {
		t.Fatalf("decode published payload: %v", err)
	}
	if payload.Meta.Trigger != TriggerStorage {
		t.Fatalf("watcher-driven backups must carry the storage trigger, got %q", payload.Meta.Trigger)
	}
}

func TestStorageWatcherIgnoresUnmappedKeys(t *testing.T) {
	engine, env := newTestEngine(t, nil)
	watcher, err := NewStorageWatcher(env.store, engine, env.registry, nil)
	if err != nil {
		t.Fatalf("new watcher: %v", err)
	}
	t.Cleanup(func() { _ = watcher.Close() })

	external, err := NewConfigStore(env.store.Path())
	if err != nil {
		t.Fatalf("external store: %v", err)
	}
	if err := external.Set("ui.windowPosition", []int{10, 20}); err != nil {
		t.Fatalf("external set: %v", err)
	}

	// Give the watcher time to see the event, then confirm nothing was
	// enqueued for a key no category owns.
	time.Sleep(300 * time.Millisecond)
	waitBackupIdle(t, engine)
	if got := env.remote.upsertCount(); got != 0 {
		t.Fatalf("unmapped keys must not trigger backups, got %d passes", got)
	}
}

func TestStorageWatcherCloseIsIdempotent(t *testing.T) {
	engine, env := newTestEngine(t, nil)
	watcher, err := NewStorageWatcher(env.store, engine, env.registry, nil)
	if err != nil {
		t.Fatalf("new watcher: %v", err)
	}
	if err := watcher.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := watcher.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
}
