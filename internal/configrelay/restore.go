package configrelay

import "context"

// RestoreAll drives one full-category pull pass. The pass is globally
// single-flight: a call while another restore runs returns
// ErrRestoreInProgress immediately, without contacting the remote store.
func (e *Engine) RestoreAll(ctx context.Context, trigger Trigger) error {
	if !validTrigger(trigger) {
		return ErrInvalidInput
	}
	e.restoreMu.Lock()
	if e.restoring {
		e.restoreMu.Unlock()
		return ErrRestoreInProgress
	}
	e.restoring = true
	e.restoreMu.Unlock()
	defer func() {
		e.restoreMu.Lock()
		e.restoring = false
		e.restoreMu.Unlock()
	}()

	collectionID, err := e.remote.EnsureCollection(ctx, e.collectionTitle)
	var index map[string]RemoteItem
	if err == nil {
		index, err = e.remote.IndexItems(ctx, collectionID)
	}
	if err != nil {
		// Total-adapter failure: one top-level error, at most one
		// notification for the whole pass.
		now := e.now().UnixMilli()
		message := err.Error()
		if _, updateErr := e.state.Update(func(s *SyncState) {
			s.LastRestoreError = message
			s.LastRestoreErrorAt = now
		}); updateErr != nil {
			e.logger.Printf("record restore error failed: %v", updateErr)
		}
		e.logger.Printf("restore (%s) failed: %v", trigger, err)
		if trigger != TriggerManual {
			e.notifyThrottled("restore", "restore", "Restore failed", message, string(trigger))
		}
		return err
	}
	if _, updateErr := e.state.Update(func(s *SyncState) {
		s.LastRestoreError = ""
		s.LastRestoreErrorAt = 0
	}); updateErr != nil {
		e.logger.Printf("clear restore error failed: %v", updateErr)
	}

	// One category's corruption never blocks the others.
	for _, cat := range e.registry.All() {
		e.restoreCategory(ctx, cat, index, trigger)
	}
	return nil
}

func (e *Engine) restoreCategory(ctx context.Context, cat Category, index map[string]RemoteItem, trigger Trigger) {
	id := cat.ID()
	item, ok := index[NormalizeTitle(cat.Title())]
	if !ok {
		return
	}
	payload, remoteTS, err := cat.Parse(item)
	if err != nil {
		e.recordRestoreError(id, trigger, err)
		return
	}
	state, err := e.state.Load()
	if err != nil {
		e.recordRestoreError(id, trigger, err)
		return
	}
	localTS := state.Categories[id].LocalTimestamp()
	if ResolveConflict(remoteTS, localTS, trigger) != DecisionApply {
		return
	}
	// Suppress before applying: the applier writes through the same
	// storage the backup triggers watch.
	e.suppressBackups(id)
	if err := cat.Apply(ctx, *payload); err != nil {
		e.recordRestoreError(id, trigger, err)
		return
	}
	now := e.now().UnixMilli()
	if _, err := e.state.Update(func(s *SyncState) {
		cs := s.Categories[id]
		cs.LastRestoreAt = now
		cs.LastRestoreTrigger = trigger
		cs.LastRestoreError = ""
		cs.LastRestoreErrorAt = 0
		cs.LastRemoteModifiedAt = remoteTS
		s.Categories[id] = cs
	}); err != nil {
		e.logger.Printf("record restore success for %s failed: %v", id, err)
	}
}

func (e *Engine) recordRestoreError(id CategoryID, trigger Trigger, err error) {
	now := e.now().UnixMilli()
	message := err.Error()
	if _, updateErr := e.state.Update(func(s *SyncState) {
		cs := s.Categories[id]
		cs.LastRestoreError = message
		cs.LastRestoreErrorAt = now
		s.Categories[id] = cs
	}); updateErr != nil {
		e.logger.Printf("record restore error for %s failed: %v", id, updateErr)
	}
	e.logger.Printf("restore %s (%s) failed: %v", id, trigger, err)
}
