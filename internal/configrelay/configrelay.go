// Package configrelay keeps a set of local configuration categories
// synchronized with a single remote object store. Each category is pushed
// as one titled item whose note field carries a serialized payload;
// conflicts between devices are resolved last-writer-wins on a
// per-category millisecond clock.
package configrelay

import "errors"

var (
	ErrNotConnected      = errors.New("not connected")
	ErrRemoteUnavailable = errors.New("remote unavailable")
	ErrMalformedPayload  = errors.New("malformed payload")
	ErrRestoreInProgress = errors.New("restore already in progress")
	ErrInvalidInput      = errors.New("invalid input")
	ErrUnknownCategory   = errors.New("unknown category")
	ErrNotImplemented    = errors.New("not implemented")
)

type Trigger string

const (
	TriggerManual  Trigger = "manual"
	TriggerStorage Trigger = "storage"
	TriggerAlarm   Trigger = "alarm"
	TriggerFocus   Trigger = "focus"
	TriggerLogin   Trigger = "login"
	TriggerReset   Trigger = "reset"
)

func validTrigger(t Trigger) bool {
	switch t {
	case TriggerManual, TriggerStorage, TriggerAlarm, TriggerFocus, TriggerLogin, TriggerReset:
		return true
	default:
		return false
	}
}

type CategoryID string

const (
	CategorySettings     CategoryID = "settings"
	CategoryReloads      CategoryID = "reloads"
	CategoryBlocklist    CategoryID = "blocklist"
	CategoryProfiles     CategoryID = "profiles"
	CategorySaveLocation CategoryID = "savelocation"
)

// KnownCategories lists every category the engine synchronizes, in the
// order restore passes visit them. The set is closed.
func KnownCategories() []CategoryID {
	return []CategoryID{
		CategorySettings,
		CategoryReloads,
		CategoryBlocklist,
		CategoryProfiles,
		CategorySaveLocation,
	}
}

type Logger interface {
	Printf(format string, args ...any)
}

type nopLogger struct{}

func (nopLogger) Printf(format string, args ...any) {}
