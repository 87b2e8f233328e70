package configrelay

import (
	"context"
	"strings"
)

// RemoteStore is the adapter over the remote object service: one
// collection holds at most one item per category, keyed by normalized
// title.
type RemoteStore interface {
	// EnsureCollection finds a collection by case-insensitive trimmed
	// title across root and nested collections, creating a non-public one
	// if none matches. Idempotent; safe to call on every operation.
	EnsureCollection(ctx context.Context, title string) (int64, error)
	// IndexItems pages through the collection and returns the first item
	// seen per normalized title; later duplicates are ignored.
	IndexItems(ctx context.Context, collectionID int64) (map[string]RemoteItem, error)
	// UpsertItem updates existing in place when non-nil (preserving remote
	// identity across pushes) and creates a new item otherwise.
	UpsertItem(ctx context.Context, collectionID int64, existing *RemoteItem, title, link, note string) error
}

// NormalizeTitle produces the case-insensitive remote key for an item or
// collection title.
func NormalizeTitle(title string) string {
	return strings.ToLower(strings.TrimSpace(title))
}
