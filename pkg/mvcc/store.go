package mvcc

import (
	"sync"
	"sync/atomic"

	"ariesdb/internal/dberror"
	"ariesdb/pkg/metrics"
	"ariesdb/pkg/primitives"
)

// chain is one key's version list plus the mutex guarding prepends to it.
type chain struct {
	mu   sync.Mutex
	head *Version
	len  int
}

// commitLogEntry is one committed write recorded in the store's bounded
// write-skew detection window: a fixed-capacity ring buffer rather than
// an unbounded commit history, trading perfect long-transaction
// detection for bounded memory (see DESIGN.md).
type commitLogEntry struct {
	key   string
	ts    primitives.HLC
	txnID primitives.TransactionID
}

// Store holds every key's version chain and the bookkeeping needed to
// hand out consistent snapshots and detect write-skew at commit time.
type Store struct {
	clock *primitives.Clock

	mu     sync.RWMutex
	chains map[string]*chain

	snapMu    sync.Mutex
	snapshots map[primitives.HLC]*Snapshot

	commitMu  sync.Mutex
	commitLog []commitLogEntry
	commitPos int

	maxVersionsPerKey int
	maxVersionsGlobal int
	totalVersions     atomic.Int64
}

// Config carries the MVCC tunables from internal/config.Config without
// importing that package.
type Config struct {
	MaxVersionsPerKey int
	MaxVersionsGlobal int
	CommitLogWindow   int
}

// New builds a Store driven by clock for timestamp assignment.
func New(clock *primitives.Clock, cfg Config) *Store {
	window := cfg.CommitLogWindow
	if window <= 0 {
		window = 4096
	}
	maxPerKey := cfg.MaxVersionsPerKey
	if maxPerKey <= 0 {
		maxPerKey = 1000
	}
	maxGlobal := cfg.MaxVersionsGlobal
	if maxGlobal <= 0 {
		maxGlobal = 10_000_000
	}
	return &Store{
		clock:             clock,
		chains:            make(map[string]*chain),
		snapshots:         make(map[primitives.HLC]*Snapshot),
		commitLog:         make([]commitLogEntry, window),
		maxVersionsPerKey: maxPerKey,
		maxVersionsGlobal: maxGlobal,
	}
}

func (s *Store) chainFor(key string, create bool) *chain {
	s.mu.RLock()
	c, ok := s.chains[key]
	s.mu.RUnlock()
	if ok || !create {
		return c
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok = s.chains[key]; ok {
		return c
	}
	c = &chain{}
	s.chains[key] = c
	return c
}

// BeginSnapshot captures the current HLC and the supplied active
// transaction set as a read view, registering it so GC won't reclaim
// versions it could still need.
func (s *Store) BeginSnapshot(txnID primitives.TransactionID, activeTxns []primitives.TransactionID) *Snapshot {
	ts := s.clock.Now()
	snap := NewSnapshot(ts, txnID, activeTxns)
	s.snapMu.Lock()
	s.snapshots[ts] = snap
	s.snapMu.Unlock()
	return snap
}

// EndSnapshot releases a transaction's hold on its snapshot.
func (s *Store) EndSnapshot(snap *Snapshot) {
	if snap.Release() {
		s.snapMu.Lock()
		delete(s.snapshots, snap.Ts)
		s.snapMu.Unlock()
	}
}

// Read walks key's version chain for the newest version visible to
// snap, returning (nil, false, nil) if no visible version exists or the
// visible version is a tombstone.
func (s *Store) Read(key string, snap *Snapshot) ([]byte, bool, error) {
	c := s.chainFor(key, false)
	if c == nil {
		return nil, false, nil
	}
	c.mu.Lock()
	v := c.head
	c.mu.Unlock()

	for v != nil {
		if v.visibleTo(snap) {
			if v.Deleted {
				return nil, false, nil
			}
			return append([]byte(nil), v.Value...), true, nil
		}
		v = v.Prev
	}
	return nil, false, nil
}

// Write prepends a new uncommitted version for key authored by txnID.
// The caller must later call Commit or Abort for the same (key, txnID).
func (s *Store) Write(key string, txnID primitives.TransactionID, value []byte) error {
	return s.prepend(key, NewVersion(txnID, value))
}

// Delete prepends an uncommitted tombstone for key.
func (s *Store) Delete(key string, txnID primitives.TransactionID) error {
	return s.prepend(key, NewTombstone(txnID))
}

func (s *Store) prepend(key string, v *Version) error {
	c := s.chainFor(key, true)

	c.mu.Lock()
	if c.len >= s.maxVersionsPerKey {
		horizon := s.oldestActiveTimestamp()
		gcChain(c, horizon)
	}
	if c.len >= s.maxVersionsPerKey {
		c.mu.Unlock()
		return dberror.ResourceExhausted("MVCCStore", "versions per key")
	}
	v.Prev = c.head
	c.head = v
	c.len++
	c.mu.Unlock()

	if s.totalVersions.Add(1) > int64(s.maxVersionsGlobal) {
		s.totalVersions.Add(-1)
		c.mu.Lock()
		c.head = v.Prev
		c.len--
		c.mu.Unlock()
		return dberror.ResourceExhausted("MVCCStore", "total version count")
	}
	metrics.VersionCount.Inc()
	return nil
}

// Validate checks txnID's read set against the bounded commit log for
// write-skew: a key this transaction read must not have been committed
// by a different transaction after this transaction's snapshot began.
// Returns a serialization-failure dberror on conflict.
func (s *Store) Validate(txnID primitives.TransactionID, snap *Snapshot, readSet []string) error {
	reads := make(map[string]struct{}, len(readSet))
	for _, k := range readSet {
		reads[k] = struct{}{}
	}

	s.commitMu.Lock()
	defer s.commitMu.Unlock()
	for _, entry := range s.commitLog {
		if entry.txnID == 0 || entry.txnID == txnID {
			continue
		}
		if !snap.Ts.Less(entry.ts) {
			continue // committed at or before our snapshot: not a conflict
		}
		if _, read := reads[entry.key]; read {
			return dberror.SerializationFailure(txnID, "key \""+entry.key+"\" committed by another transaction after this snapshot began")
		}
	}
	return nil
}

// Commit stamps every version this transaction wrote for the given keys
// with commitTS and records them in the write-skew detection window.
func (s *Store) Commit(txnID primitives.TransactionID, keys []string, commitTS primitives.HLC) {
	for _, key := range keys {
		c := s.chainFor(key, false)
		if c == nil {
			continue
		}
		c.mu.Lock()
		v := c.head
		for v != nil && v.TxnID != txnID {
			v = v.Prev
		}
		c.mu.Unlock()
		if v != nil {
			v.Commit(commitTS)
		}

		s.commitMu.Lock()
		s.commitLog[s.commitPos%len(s.commitLog)] = commitLogEntry{key: key, ts: commitTS, txnID: txnID}
		s.commitPos++
		s.commitMu.Unlock()
	}
}

// Abort removes this transaction's uncommitted version from each key's
// chain head (a transaction's own writes are always at the chain head
// relative to its own uncommitted state, since nothing else may write
// through an uncommitted version without first waiting on its lock).
func (s *Store) Abort(txnID primitives.TransactionID, keys []string) {
	for _, key := range keys {
		c := s.chainFor(key, false)
		if c == nil {
			continue
		}
		c.mu.Lock()
		if c.head != nil && c.head.TxnID == txnID && !c.head.isCommitted() {
			c.head = c.head.Prev
			c.len--
		}
		c.mu.Unlock()
	}
}

// oldestActiveTimestamp returns the earliest snapshot timestamp still
// registered, or the current clock reading if none are active.
func (s *Store) oldestActiveTimestamp() primitives.HLC {
	s.snapMu.Lock()
	defer s.snapMu.Unlock()
	var oldest primitives.HLC
	first := true
	for ts, snap := range s.snapshots {
		if snap.isReleased() {
			continue
		}
		if first || ts.Less(oldest) {
			oldest = ts
			first = false
		}
	}
	if first {
		return s.clock.Now()
	}
	return oldest
}

// GC reclaims versions no registered snapshot can see any longer: for
// each key's chain, everything below the newest committed version that
// is still <= the oldest active snapshot's timestamp is unreachable and
// can be dropped. Runs incrementally over at most batch chains per
// call so a single GC pass never stalls the system under a huge
// keyspace.
func (s *Store) GC(batch int) (reclaimed int) {
	horizon := s.oldestActiveTimestamp()

	s.mu.RLock()
	keys := make([]string, 0, len(s.chains))
	for k := range s.chains {
		keys = append(keys, k)
	}
	s.mu.RUnlock()

	if batch <= 0 || batch > len(keys) {
		batch = len(keys)
	}
	for i := 0; i < batch; i++ {
		c := s.chainFor(keys[i], false)
		if c == nil {
			continue
		}
		c.mu.Lock()
		reclaimed += gcChain(c, horizon)
		c.mu.Unlock()
	}
	s.totalVersions.Add(-int64(reclaimed))
	metrics.VersionCount.Set(float64(s.totalVersions.Load()))
	return reclaimed
}

// gcChain drops every version older than the newest one already <=
// horizon, since no live snapshot can ever need to walk past it.
// Caller holds c.mu.
func gcChain(c *chain, horizon primitives.HLC) int {
	v := c.head
	var keepBoundary *Version
	for v != nil {
		if v.isCommitted() && !horizon.Less(v.commitTS()) {
			keepBoundary = v
			break
		}
		v = v.Prev
	}
	if keepBoundary == nil {
		return 0
	}
	removed := 0
	cur := keepBoundary.Prev
	keepBoundary.Prev = nil
	for cur != nil {
		removed++
		cur = cur.Prev
	}
	c.len -= removed
	return removed
}

// Stats reports the store's current size for metrics publication.
type Stats struct {
	Keys            int
	ActiveSnapshots int
	TotalVersions   int64
}

func (s *Store) Stats() Stats {
	s.mu.RLock()
	keys := len(s.chains)
	s.mu.RUnlock()
	s.snapMu.Lock()
	active := 0
	for _, snap := range s.snapshots {
		if !snap.isReleased() {
			active++
		}
	}
	s.snapMu.Unlock()
	return Stats{Keys: keys, ActiveSnapshots: active, TotalVersions: s.totalVersions.Load()}
}
