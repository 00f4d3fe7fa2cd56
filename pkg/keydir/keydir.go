// Package keydir maps a store's logical string keys to the id of the
// single page that currently holds each key's pagekv-encoded value, so
// the transaction manager can address a key's page directly instead of
// scanning, and recovery can rebuild that mapping from the WAL without
// a separate on-disk catalog.
package keydir

import (
	"sync"

	"ariesdb/pkg/primitives"
)

// Directory is an in-memory key -> page id map. It carries no durable
// state of its own: a fresh Directory is always repopulated by
// pkg/recovery's analysis/redo scan before the engine accepts writes.
type Directory struct {
	mu    sync.RWMutex
	pages map[string]primitives.PageID
}

// New builds an empty directory.
func New() *Directory {
	return &Directory{pages: make(map[string]primitives.PageID)}
}

// Lookup returns the page id backing key, if any key has ever been
// written to it.
func (d *Directory) Lookup(key string) (primitives.PageID, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	id, ok := d.pages[key]
	return id, ok
}

// Set records (or overwrites) key's backing page id.
func (d *Directory) Set(key string, id primitives.PageID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.pages[key] = id
}

// Len reports the number of keys currently mapped, for metrics/tests.
func (d *Directory) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.pages)
}
