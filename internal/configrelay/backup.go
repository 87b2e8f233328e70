package configrelay

import (
	"context"
	"errors"
)

// EnqueueBackup records a backup trigger for the category. Inside the
// post-restore suppression window the request is dropped entirely; that
// is what keeps a restore's own storage writes from re-triggering an
// immediate backup. Otherwise the pending slot is overwritten (last
// trigger wins) and a runner is started if none is active, so at most one
// backup execution per category is ever in flight.
func (e *Engine) EnqueueBackup(id CategoryID, trigger Trigger) {
	cat, ok := e.registry.Lookup(id)
	if !ok {
		e.logger.Printf("enqueue backup: %v: %s", ErrUnknownCategory, id)
		return
	}
	if !validTrigger(trigger) {
		e.logger.Printf("enqueue backup %s: invalid trigger %q", id, trigger)
		return
	}
	select {
	case <-e.closed:
		return
	default:
	}
	e.backupMu.Lock()
	if until, suppressed := e.suppressedUntil[id]; suppressed && e.now().Before(until) {
		e.backupMu.Unlock()
		e.logger.Printf("backup %s dropped inside suppression window", id)
		return
	}
	e.pendingTriggers[id] = trigger
	if !e.backupRunning[id] {
		e.backupRunning[id] = true
		e.wg.Add(1)
		go e.backupRunner(cat)
	}
	e.backupMu.Unlock()
}

// backupRunner drains the category's single-slot mailbox: coalesced
// bursts of edits become one network round trip, and the most recent
// trigger reason is never lost.
func (e *Engine) backupRunner(cat Category) {
	defer e.wg.Done()
	id := cat.ID()
	for {
		e.backupMu.Lock()
		trigger, ok := e.pendingTriggers[id]
		if !ok {
			e.backupRunning[id] = false
			e.backupMu.Unlock()
			return
		}
		delete(e.pendingTriggers, id)
		e.backupMu.Unlock()

		select {
		case <-e.closed:
			e.backupMu.Lock()
			e.backupRunning[id] = false
			e.backupMu.Unlock()
			return
		default:
		}
		e.runBackupPass(cat, trigger)
	}
}

func (e *Engine) runBackupPass(cat Category, trigger Trigger) {
	id := cat.ID()
	meta, err := e.newMetadata(trigger)
	if err == nil {
		err = e.pushCategory(e.baseCtx, cat, meta)
	}
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}
		now := e.now().UnixMilli()
		message := err.Error()
		if _, updateErr := e.state.Update(func(s *SyncState) {
			cs := s.Categories[id]
			cs.LastBackupError = message
			cs.LastBackupErrorAt = now
			s.Categories[id] = cs
		}); updateErr != nil {
			e.logger.Printf("record backup error for %s failed: %v", id, updateErr)
		}
		e.logger.Printf("backup %s (%s) failed: %v", id, trigger, err)
		// Manual triggers surface their result directly; only automatic
		// failures go through the throttled notifier.
		if trigger != TriggerManual {
			e.notifyThrottled(string(id), string(id), "Backup failed", message, string(trigger))
		}
		return
	}
	if _, updateErr := e.state.Update(func(s *SyncState) {
		cs := s.Categories[id]
		cs.LastBackupAt = meta.LastModified
		cs.LastBackupTrigger = trigger
		cs.LastBackupError = ""
		cs.LastBackupErrorAt = 0
		s.Categories[id] = cs
	}); updateErr != nil {
		e.logger.Printf("record backup success for %s failed: %v", id, updateErr)
	}
}

// pushCategory is one backup pass: ensure the collection, index its
// items, build the payload, and upsert by normalized title.
func (e *Engine) pushCategory(ctx context.Context, cat Category, meta Metadata) error {
	collectionID, err := e.remote.EnsureCollection(ctx, e.collectionTitle)
	if err != nil {
		return err
	}
	index, err := e.remote.IndexItems(ctx, collectionID)
	if err != nil {
		return err
	}
	payload, err := cat.Build(ctx, meta)
	if err != nil {
		return err
	}
	note, err := EncodePayload(payload)
	if err != nil {
		return err
	}
	var existing *RemoteItem
	if item, ok := index[NormalizeTitle(cat.Title())]; ok {
		existing = &item
	}
	return e.remote.UpsertItem(ctx, collectionID, existing, cat.Title(), cat.Link(), note)
}

// suppressBackups opens the category's suppression window. Called just
// before a restore applies remote data, so the applier's own storage
// writes cannot loop back into the backup queue.
func (e *Engine) suppressBackups(id CategoryID) {
	e.backupMu.Lock()
	e.suppressedUntil[id] = e.now().Add(e.suppressionWindow)
	e.backupMu.Unlock()
}
