// Package mvcc implements version-chain multi-version concurrency
// control: each key's writes form a singly linked list of immutable
// versions, snapshot reads walk the chain for the newest version
// visible to their timestamp, and incremental GC reclaims versions no
// snapshot can see any longer. Visibility and snapshot reference
// counting are timestamped against pkg/primitives.HLC.
package mvcc

import (
	"sort"
	"sync"
	"sync/atomic"

	"ariesdb/pkg/primitives"
)

// Version is one immutable write in a key's version chain.
type Version struct {
	TxnID    primitives.TransactionID
	CommitTS primitives.HLC // zero value means "not yet committed"
	Value    []byte
	Deleted  bool
	Prev     *Version

	mu        sync.RWMutex
	committed atomic.Bool
}

// NewVersion creates an uncommitted version holding value.
func NewVersion(txnID primitives.TransactionID, value []byte) *Version {
	cp := append([]byte(nil), value...)
	return &Version{TxnID: txnID, Value: cp}
}

// NewTombstone creates an uncommitted version that marks the key deleted.
func NewTombstone(txnID primitives.TransactionID) *Version {
	return &Version{TxnID: txnID, Deleted: true}
}

// Commit stamps the version with its commit timestamp, making it
// visible to snapshots taken at or after ts.
func (v *Version) Commit(ts primitives.HLC) {
	v.mu.Lock()
	v.CommitTS = ts
	v.mu.Unlock()
	v.committed.Store(true)
}

func (v *Version) isCommitted() bool { return v.committed.Load() }

func (v *Version) commitTS() primitives.HLC {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.CommitTS
}

// visibleTo reports whether v should be seen by a reader holding
// snapshot snap, per the standard MVCC visibility rule: a
// transaction sees its own uncommitted writes, and every other
// transaction's writes only once committed at or before the
// snapshot's timestamp and not still in-flight when the snapshot began.
func (v *Version) visibleTo(snap *Snapshot) bool {
	if v.TxnID == snap.TxnID {
		return true
	}
	if !v.isCommitted() {
		return false
	}
	ts := v.commitTS()
	if snap.Ts.Less(ts) {
		return false
	}
	return !snap.wasActive(v.TxnID)
}

// Snapshot is a consistent point-in-time read view: every committed
// version as of Ts, excluding versions written by transactions that
// were still active (uncommitted) at the moment the snapshot was taken.
type Snapshot struct {
	Ts          primitives.HLC
	TxnID       primitives.TransactionID
	activeTxns  []primitives.TransactionID // sorted, excludes TxnID itself
	refCount    atomic.Int32
	released    atomic.Bool
}

// NewSnapshot builds a snapshot owned by txnID, excluding txnID from its
// own active-transaction exclusion list.
func NewSnapshot(ts primitives.HLC, txnID primitives.TransactionID, active []primitives.TransactionID) *Snapshot {
	ids := make([]primitives.TransactionID, 0, len(active))
	for _, id := range active {
		if id != txnID {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	s := &Snapshot{Ts: ts, TxnID: txnID, activeTxns: ids}
	s.refCount.Store(1)
	return s
}

func (s *Snapshot) wasActive(txnID primitives.TransactionID) bool {
	ids := s.activeTxns
	i := sort.Search(len(ids), func(i int) bool { return ids[i] >= txnID })
	return i < len(ids) && ids[i] == txnID
}

// AddRef/Release support sharing one snapshot object across a
// transaction's repeated reads without recomputing the active set.
func (s *Snapshot) AddRef() { s.refCount.Add(1) }

// Release decrements the snapshot's reference count, returning true
// once it has dropped to zero and can no longer hold back GC.
func (s *Snapshot) Release() bool {
	if s.refCount.Add(-1) <= 0 {
		s.released.Store(true)
		return true
	}
	return false
}

func (s *Snapshot) isReleased() bool { return s.released.Load() }
