package configrelay

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestRestoreAllRejectsInvalidTrigger(t *testing.T) {
	engine, _ := newTestEngine(t, nil)
	if err := engine.RestoreAll(context.Background(), Trigger("bogus")); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
}

func TestRestoreAllIsSingleFlight(t *testing.T) {
	engine, env := newTestEngine(t, nil)
	env.remote.ensureGate = make(chan struct{})
	env.remote.ensureEntered = make(chan struct{}, 4)

	errCh := make(chan error, 1)
	go func() {
		errCh <- engine.RestoreAll(context.Background(), TriggerManual)
	}()
	<-env.remote.ensureEntered

	if err := engine.RestoreAll(context.Background(), TriggerAlarm); !errors.Is(err, ErrRestoreInProgress) {
		t.Fatalf("expected ErrRestoreInProgress, got %v", err)
	}
	close(env.remote.ensureGate)
	if err := <-errCh; err != nil {
		t.Fatalf("first restore failed: %v", err)
	}
}

func TestRestoreAppliesNewerRemote(t *testing.T) {
	engine, env := newTestEngine(t, nil)
	seedRemoteItem(t, env.remote, CategorySettings, "Settings", SettingsData{
		Theme:               "dark",
		BadgeEnabled:        true,
		ContextMenuEnabled:  true,
		PollIntervalSeconds: 120,
	}, 5000)

	if err := engine.RestoreAll(context.Background(), TriggerAlarm); err != nil {
		t.Fatalf("restore: %v", err)
	}

	var settings SettingsData
	ok, err := env.store.Get("settings", &settings)
	if err != nil || !ok {
		t.Fatalf("read applied settings: ok=%v err=%v", ok, err)
	}
	if settings.Theme != "dark" || settings.PollIntervalSeconds != 120 {
		t.Fatalf("unexpected applied settings: %+v", settings)
	}
	state, err := env.state.Load()
	if err != nil {
		t.Fatalf("load state: %v", err)
	}
	cs := state.Categories[CategorySettings]
	if cs.LastRestoreAt != env.clock.Now().UnixMilli() {
		t.Fatalf("expected restore timestamp, got %+v", cs)
	}
	if cs.LastRestoreTrigger != TriggerAlarm {
		t.Fatalf("expected alarm trigger, got %q", cs.LastRestoreTrigger)
	}
	if cs.LastRemoteModifiedAt != 5000 {
		t.Fatalf("expected remote high-water mark 5000, got %d", cs.LastRemoteModifiedAt)
	}
}

func TestRestoreSkipsOlderRemote(t *testing.T) {
	engine, env := newTestEngine(t, nil)
	if _, err := env.state.Update(func(s *SyncState) {
		cs := s.Categories[CategorySettings]
		cs.LastBackupAt = 9000
		s.Categories[CategorySettings] = cs
	}); err != nil {
		t.Fatalf("seed state: %v", err)
	}
	seedRemoteItem(t, env.remote, CategorySettings, "Settings", DefaultSettings(), 5000)

	if err := engine.RestoreAll(context.Background(), TriggerAlarm); err != nil {
		t.Fatalf("restore: %v", err)
	}

	if ok, err := env.store.Get("settings", nil); err != nil || ok {
		t.Fatalf("stale remote must not be applied: ok=%v err=%v", ok, err)
	}
	state, err := env.state.Load()
	if err != nil {
		t.Fatalf("load state: %v", err)
	}
	if state.Categories[CategorySettings].LastRestoreAt != 0 {
		t.Fatalf("no restore should be recorded for a skipped category")
	}
}

func TestRestoreEqualClockAppliesOnlyManually(t *testing.T) {
	engine, env := newTestEngine(t, nil)
	if _, err := env.state.Update(func(s *SyncState) {
		cs := s.Categories[CategorySettings]
		cs.LastBackupAt = 5000
		s.Categories[CategorySettings] = cs
	}); err != nil {
		t.Fatalf("seed state: %v", err)
	}
	seedRemoteItem(t, env.remote, CategorySettings, "Settings", DefaultSettings(), 5000)

	if err := engine.RestoreAll(context.Background(), TriggerAlarm); err != nil {
		t.Fatalf("alarm restore: %v", err)
	}
	if ok, _ := env.store.Get("settings", nil); ok {
		t.Fatalf("equal clocks on an automatic trigger must not reapply")
	}

	if err := engine.RestoreAll(context.Background(), TriggerManual); err != nil {
		t.Fatalf("manual restore: %v", err)
	}
	if ok, _ := env.store.Get("settings", nil); !ok {
		t.Fatalf("equal clocks on a manual trigger must apply")
	}
}

func TestRestoreIsolatesCorruptCategory(t *testing.T) {
	engine, env := newTestEngine(t, nil)
	seedRemoteItem(t, env.remote, CategorySettings, "Settings", DefaultSettings(), 5000)
	seedRemoteItem(t, env.remote, CategoryReloads, "Reload Rules", ReloadsData{Rules: []ReloadRule{{Pattern: "*://news.example/*", IntervalSeconds: 120}}}, 5000)
	seedRemoteItem(t, env.remote, CategoryBlocklist, "Blocklist", BlocklistData{Hosts: []string{"ads.example"}}, 5000)
	seedRemoteItem(t, env.remote, CategorySaveLocation, "Save Location", SaveLocationData{Path: "Backups/Sync"}, 5000)
	env.remote.putItem("Profiles", "https://configrelay.local/profiles", "this is not a payload")

	if err := engine.RestoreAll(context.Background(), TriggerManual); err != nil {
		t.Fatalf("restore: %v", err)
	}

	state, err := env.state.Load()
	if err != nil {
		t.Fatalf("load state: %v", err)
	}
	for _, id := range []CategoryID{CategorySettings, CategoryReloads, CategoryBlocklist, CategorySaveLocation} {
		cs := state.Categories[id]
		if cs.LastRestoreAt == 0 || cs.LastRestoreError != "" {
			t.Fatalf("category %s should apply despite corrupt profiles, got %+v", id, cs)
		}
	}
	var hosts []string
	if ok, err := env.store.Get("blocklist.hosts", &hosts); err != nil || !ok {
		t.Fatalf("blocklist should be applied: ok=%v err=%v", ok, err)
	}
	if state.LastRestoreError != "" {
		t.Fatalf("a per-category failure must not set the top-level error, got %q", state.LastRestoreError)
	}
	profiles := state.Categories[CategoryProfiles]
	if profiles.LastRestoreError == "" || profiles.LastRestoreErrorAt == 0 {
		t.Fatalf("expected recorded parse error for profiles, got %+v", profiles)
	}
	if profiles.LastRestoreAt != 0 {
		t.Fatalf("corrupt category must not record a restore success")
	}
}

func TestRestoreTotalFailureRecordsTopLevelError(t *testing.T) {
	engine, env := newTestEngine(t, nil)
	env.remote.ensureErr = errors.New("remote boom")

	if err := engine.RestoreAll(context.Background(), TriggerAlarm); err == nil {
		t.Fatalf("expected restore failure")
	}
	state, err := env.state.Load()
	if err != nil {
		t.Fatalf("load state: %v", err)
	}
	if state.LastRestoreError != "remote boom" || state.LastRestoreErrorAt == 0 {
		t.Fatalf("expected top-level restore error, got %+v", state)
	}
	if got := env.notifier.count(); got != 1 {
		t.Fatalf("expected 1 notification for the whole pass, got %d", got)
	}

	// Repeat inside the cooldown and a manual retry both stay silent.
	if err := engine.RestoreAll(context.Background(), TriggerAlarm); err == nil {
		t.Fatalf("expected restore failure")
	}
	if err := engine.RestoreAll(context.Background(), TriggerManual); err == nil {
		t.Fatalf("expected restore failure")
	}
	if got := env.notifier.count(); got != 1 {
		t.Fatalf("expected throttled notifications, got %d", got)
	}

	env.remote.mu.Lock()
	env.remote.ensureErr = nil
	env.remote.mu.Unlock()
	if err := engine.RestoreAll(context.Background(), TriggerAlarm); err != nil {
		t.Fatalf("restore after recovery: %v", err)
	}
	state, err = env.state.Load()
	if err != nil {
		t.Fatalf("load state: %v", err)
	}
	if state.LastRestoreError != "" || state.LastRestoreErrorAt != 0 {
		t.Fatalf("expected cleared top-level error, got %+v", state)
	}
}

func TestRestoreSuppressesFeedbackBackups(t *testing.T) {
	engine, env := newTestEngine(t, nil)
	seedRemoteItem(t, env.remote, CategorySettings, "Settings", DefaultSettings(), 5000)

	if err := engine.RestoreAll(context.Background(), TriggerManual); err != nil {
		t.Fatalf("restore: %v", err)
	}

	// The applier's own storage write arrives as a storage trigger; inside
	// the suppression window it must vanish instead of echoing back out.
	engine.EnqueueBackup(CategorySettings, TriggerStorage)
	waitBackupIdle(t, engine)
	if got := env.remote.upsertCount(); got != 0 {
		t.Fatalf("expected feedback backup to be dropped, got %d passes", got)
	}

	env.clock.Advance(11 * time.Second)
	engine.EnqueueBackup(CategorySettings, TriggerStorage)
	waitBackupIdle(t, engine)
	if got := env.remote.upsertCount(); got != 1 {
		t.Fatalf("expected backup after window expiry, got %d passes", got)
	}
}

func TestRestoreIgnoresMissingRemoteItem(t *testing.T) {
	engine, env := newTestEngine(t, nil)
	if err := engine.RestoreAll(context.Background(), TriggerAlarm); err != nil {
		t.Fatalf("restore: %v", err)
	}
	state, err := env.state.Load()
	if err != nil {
		t.Fatalf("load state: %v", err)
	}
	for id, cs := range state.Categories {
		if cs.LastRestoreAt != 0 || cs.LastRestoreError != "" {
			t.Fatalf("category %s should be untouched, got %+v", id, cs)
		}
	}
}
