package cache

import (
	"context"
	"errors"
)

var (
	// ErrCacheMiss indicates the requested key was not found in the store
	ErrCacheMiss = errors.New("cache miss")

	// ErrStoreNotFound indicates the named store does not exist
	ErrStoreNotFound = errors.New("store not found")

	// ErrInvalidEntry indicates the stored entry is invalid or corrupted
	ErrInvalidEntry = errors.New("invalid cache entry")
)

// Store is one named container of response snapshots.
// Concurrent writers to the same key are resolved by last-write-wins.
type Store interface {
	// Name returns the store name (the version tag that owns it).
	Name() string

	// Match returns the entry stored for key, or ErrCacheMiss.
	Match(ctx context.Context, key Key, opts MatchOptions) (*Entry, error)

	// Put stores entry under key, replacing any previous entry.
	Put(ctx context.Context, key Key, entry *Entry) error

	// Delete removes the entry for key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key Key) error

	// Keys lists every key held by the store.
	Keys(ctx context.Context) ([]Key, error)
}

// Registry is the namespace of named stores.
type Registry interface {
	// Open returns the store with the given name, creating it if needed.
	Open(ctx context.Context, name string) (Store, error)

	// Has reports whether a store with the given name exists.
	Has(ctx context.Context, name string) (bool, error)

	// List returns every store name in lexical order.
	List(ctx context.Context) ([]string, error)

	// Delete removes a store and all its entries. It reports whether the
	// store existed.
	Delete(ctx context.Context, name string) (bool, error)
}

// matchesIgnoringQuery reports whether candidate addresses the same
// resource as key once both query strings are dropped.
func matchesIgnoringQuery(candidate, key Key) bool {
	return candidate.WithoutQuery() == key.WithoutQuery()
}
