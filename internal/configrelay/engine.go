package configrelay

import (
	"context"
	"runtime"
	"strings"
	"sync"
	"time"
)

type EngineOptions struct {
	State    *StateStore
	Remote   RemoteStore
	Registry *Registry
	Notifier Notifier
	Logger   Logger

	// CollectionTitle names the single remote collection holding one item
	// per category.
	CollectionTitle string

	// SuppressionWindow is how long after an applied restore the
	// category's backup enqueues are dropped, breaking the feedback loop
	// between the applier's storage writes and the storage watcher.
	SuppressionWindow time.Duration

	NotifyCooldown  time.Duration
	AlarmPeriod     time.Duration
	FocusMinSpacing time.Duration

	Platform string
	Arch     string

	// DisableScheduler skips the periodic restore goroutine; triggers then
	// only arrive through explicit calls. Used by tests.
	DisableScheduler bool

	Now func() time.Time
}

// Engine owns every mutable map of the synchronization machinery (pending
// triggers, running flags, suppression and cooldown clocks) as instance
// state, so independent engines can coexist in one process.
type Engine struct {
	state           *StateStore
	remote          RemoteStore
	registry        *Registry
	notifier        Notifier
	logger          Logger
	collectionTitle string

	suppressionWindow time.Duration
	alarmPeriod       time.Duration
	focusMinSpacing   time.Duration
	platform          string
	arch              string
	now               func() time.Time
	throttle          *notificationThrottle

	backupMu        sync.Mutex
	pendingTriggers map[CategoryID]Trigger
	backupRunning   map[CategoryID]bool
	suppressedUntil map[CategoryID]time.Time

	restoreMu sync.Mutex
	restoring bool

	focusMu     sync.Mutex
	lastFocusAt time.Time

	baseCtx   context.Context
	cancel    context.CancelFunc
	closed    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

func NewEngine(opts EngineOptions) (*Engine, error) {
	if opts.State == nil || opts.Remote == nil || opts.Registry == nil {
		return nil, ErrInvalidInput
	}
	if opts.Notifier == nil {
		opts.Notifier = NopNotifier{}
	}
	if opts.Logger == nil {
		opts.Logger = nopLogger{}
	}
	collectionTitle := strings.TrimSpace(opts.CollectionTitle)
	if collectionTitle == "" {
		collectionTitle = "Configrelay"
	}
	suppressionWindow := opts.SuppressionWindow
	if suppressionWindow <= 0 {
		suppressionWindow = 10 * time.Second
	}
	alarmPeriod := opts.AlarmPeriod
	if alarmPeriod <= 0 {
		alarmPeriod = 5 * time.Minute
	}
	focusMinSpacing := opts.FocusMinSpacing
	if focusMinSpacing <= 0 {
		focusMinSpacing = 60 * time.Second
	}
	platform := strings.TrimSpace(opts.Platform)
	if platform == "" {
		platform = runtime.GOOS
	}
	arch := strings.TrimSpace(opts.Arch)
	if arch == "" {
		arch = runtime.GOARCH
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	baseCtx, cancel := context.WithCancel(context.Background())

	e := &Engine{
		state:             opts.State,
		remote:            opts.Remote,
		registry:          opts.Registry,
		notifier:          opts.Notifier,
		logger:            opts.Logger,
		collectionTitle:   collectionTitle,
		suppressionWindow: suppressionWindow,
		alarmPeriod:       alarmPeriod,
		focusMinSpacing:   focusMinSpacing,
		platform:          platform,
		arch:              arch,
		now:               now,
		throttle:          newNotificationThrottle(opts.NotifyCooldown, now),
		pendingTriggers:   map[CategoryID]Trigger{},
		backupRunning:     map[CategoryID]bool{},
		suppressedUntil:   map[CategoryID]time.Time{},
		baseCtx:           baseCtx,
		cancel:            cancel,
		closed:            make(chan struct{}),
	}
	if !opts.DisableScheduler {
		e.wg.Add(1)
		go e.runScheduler()
	}
	return e, nil
}

func (e *Engine) Close() {
	e.closeOnce.Do(func() {
		close(e.closed)
		e.cancel()
	})
	e.wg.Wait()
}

type EngineStatus struct {
	State             SyncState `json:"state"`
	RestoreInProgress bool      `json:"restoreInProgress"`
}

// Status returns the current sync bookkeeping, including any recorded
// backup and restore errors.
func (e *Engine) Status() (EngineStatus, error) {
	state, err := e.state.Load()
	if err != nil {
		return EngineStatus{}, err
	}
	e.restoreMu.Lock()
	restoring := e.restoring
	e.restoreMu.Unlock()
	return EngineStatus{State: state, RestoreInProgress: restoring}, nil
}

// SignalFocus reports a foreground/focus event. Restores triggered this
// way keep a minimum spacing; the return value tells whether a restore
// was started.
func (e *Engine) SignalFocus() bool {
	e.focusMu.Lock()
	now := e.now()
	if !e.lastFocusAt.IsZero() && now.Sub(e.lastFocusAt) < e.focusMinSpacing {
		e.focusMu.Unlock()
		return false
	}
	e.lastFocusAt = now
	e.focusMu.Unlock()
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		_ = e.RestoreAll(e.baseCtx, TriggerFocus)
	}()
	return true
}

// ResetDefaults writes the documented default values for every category
// (preserving the device id) and enqueues a backup for each, so the next
// pushes publish the defaults.
func (e *Engine) ResetDefaults(ctx context.Context) error {
	if _, err := e.state.Update(func(s *SyncState) {
		deviceID := s.DeviceID
		*s = defaultSyncState(deviceID)
	}); err != nil {
		return err
	}
	for _, cat := range e.registry.All() {
		if err := cat.Reset(ctx); err != nil {
			return err
		}
		e.EnqueueBackup(cat.ID(), TriggerReset)
	}
	return nil
}

func (e *Engine) runScheduler() {
	defer e.wg.Done()
	ticker := time.NewTicker(e.alarmPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-e.closed:
			return
		case <-ticker.C:
			// Overlap with a running restore just skips this tick.
			_ = e.RestoreAll(e.baseCtx, TriggerAlarm)
		}
	}
}

func (e *Engine) newMetadata(trigger Trigger) (Metadata, error) {
	state, err := e.state.Load()
	if err != nil {
		return Metadata{}, err
	}
	return Metadata{
		Version:      PayloadVersion,
		LastModified: e.now().UnixMilli(),
		Device: DeviceInfo{
			ID:       state.DeviceID,
			Platform: e.platform,
			Arch:     e.arch,
		},
		Trigger: trigger,
	}, nil
}

func (e *Engine) notifyThrottled(key, sourceID, title, message, detail string) {
	if !e.throttle.allow(key) {
		return
	}
	e.notifier.Notify(sourceID, title, message, "", detail)
}
