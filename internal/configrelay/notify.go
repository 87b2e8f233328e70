package configrelay

import (
	"sync"
	"time"
)

// Notifier delivers a user-visible notification. Implementations must be
// fire-and-forget; the engine never waits on them.
type Notifier interface {
	Notify(sourceID, title, message, link, detail string)
}

type NopNotifier struct{}

func (NopNotifier) Notify(sourceID, title, message, link, detail string) {}

// LogNotifier writes notifications to the engine log.
type LogNotifier struct {
	Logger Logger
}

func (n LogNotifier) Notify(sourceID, title, message, link, detail string) {
	logger := n.Logger
	if logger == nil {
		return
	}
	if detail != "" {
		logger.Printf("notify [%s] %s: %s (%s)", sourceID, title, message, detail)
		return
	}
	logger.Printf("notify [%s] %s: %s", sourceID, title, message)
}

// MultiNotifier fans one notification out to several sinks.
type MultiNotifier []Notifier

func (m MultiNotifier) Notify(sourceID, title, message, link, detail string) {
	for _, n := range m {
		if n == nil {
			continue
		}
		n.Notify(sourceID, title, message, link, detail)
	}
}

// notificationThrottle rate-limits notifications per logical key: one send
// per cooldown window, repeats inside the window are suppressed.
type notificationThrottle struct {
	mu       sync.Mutex
	cooldown time.Duration
	lastSent map[string]time.Time
	now      func() time.Time
}

func newNotificationThrottle(cooldown time.Duration, now func() time.Time) *notificationThrottle {
	if cooldown <= 0 {
		cooldown = 10 * time.Minute
	}
	if now == nil {
		now = time.Now
	}
	return &notificationThrottle{
		cooldown: cooldown,
		lastSent: map[string]time.Time{},
		now:      now,
	}
}

func (t *notificationThrottle) allow(key string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.now()
	if last, ok := t.lastSent[key]; ok && now.Sub(last) < t.cooldown {
		return false
	}
	t.lastSent[key] = now
	return true
}
