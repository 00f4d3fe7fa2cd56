package engine

import (
	"context"
	"time"

	"ariesdb/pkg/txn"
)

// Tx is the handle a caller holds for the duration of one transaction.
type Tx struct {
	t *txn.Transaction
}

// Begin admits a new transaction at the given isolation level (zero
// value selects the engine's configured default). deadline, if
// non-zero, causes the deadline sweep to abort the transaction if it is
// still active once it elapses.
func (e *Engine) Begin(ctx context.Context, isolation txn.Isolation, deadline time.Duration) (*Tx, error) {
	t, err := e.txns.Begin(ctx, isolation, deadline, 0)
	if err != nil {
		return nil, err
	}
	return &Tx{t: t}, nil
}

// Get reads key as of tx's snapshot (or the latest committed value, for
// isolation levels that don't hold a snapshot).
func (e *Engine) Get(ctx context.Context, tx *Tx, key string) ([]byte, bool, error) {
	return e.txns.Read(ctx, tx.t, key)
}

// Put stages a write to key, visible to other transactions only once tx
// commits.
func (e *Engine) Put(ctx context.Context, tx *Tx, key string, value []byte) error {
	return e.txns.Write(ctx, tx.t, key, value)
}

// Delete stages a deletion of key.
func (e *Engine) Delete(ctx context.Context, tx *Tx, key string) error {
	return e.txns.Delete(ctx, tx.t, key)
}

// Commit validates (where the isolation level requires it) and durably
// commits tx's writes.
func (e *Engine) Commit(ctx context.Context, tx *Tx) error {
	return e.txns.Commit(ctx, tx.t)
}

// Abort discards tx's pending writes.
func (e *Engine) Abort(ctx context.Context, tx *Tx) error {
	return e.txns.Abort(ctx, tx.t)
}

// Prepare durably marks tx ready to commit, for use as the participant
// side of an external two-phase-commit coordinator.
func (e *Engine) Prepare(tx *Tx) error {
	return e.txns.Prepare(tx.t)
}

// CommitPrepared completes a transaction previously prepared.
func (e *Engine) CommitPrepared(ctx context.Context, tx *Tx) error {
	return e.txns.CommitPrepared(ctx, tx.t)
}

// AbortPrepared rolls back a transaction previously prepared.
func (e *Engine) AbortPrepared(ctx context.Context, tx *Tx) error {
	return e.txns.AbortPrepared(ctx, tx.t)
}

// Scan calls fn for every key in keys visible to tx's snapshot, in the
// order given, stopping early if fn returns false. Implemented over a
// caller-supplied keyspace rather than a page-level index scan, since no
// index manager is in scope for this engine.
func (e *Engine) Scan(ctx context.Context, tx *Tx, keys []string, fn func(key string, value []byte) bool) error {
	for _, k := range keys {
		v, ok, err := e.Get(ctx, tx, k)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		if !fn(k, v) {
			break
		}
	}
	return nil
}
