// Package lockmgr implements a multi-granularity two-phase lock manager:
// IS/IX/S/SIX/X/U compatibility, FIFO-fair waiting with holder-upgrade
// priority, lock escalation, and a bounded global waiter count.
//
// The active-resource map is guarded by a plain mutex, and
// golang.org/x/sync/semaphore caps the lock manager's total waiter count.
package lockmgr

import (
	"container/list"
	"context"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"ariesdb/internal/dberror"
	"ariesdb/pkg/metrics"
	"ariesdb/pkg/primitives"
)

// Mode is a lock granted in one of the six multi-granularity modes.
type Mode uint8

const (
	ModeIS  Mode = iota // intention-shared
	ModeIX              // intention-exclusive
	ModeS               // shared
	ModeSIX             // shared + intention-exclusive
	ModeX               // exclusive
	ModeU               // update: shared now, upgrades to X without a downgrade window
)

func (m Mode) String() string {
	switch m {
	case ModeIS:
		return "IS"
	case ModeIX:
		return "IX"
	case ModeS:
		return "S"
	case ModeSIX:
		return "SIX"
	case ModeX:
		return "X"
	case ModeU:
		return "U"
	default:
		return "?"
	}
}

// compatible[a][b] reports whether a lock held in mode a admits a
// concurrent grant in mode b, per the standard multi-granularity matrix.
var compatible = [6][6]bool{
	//        IS     IX     S      SIX    X      U
	ModeIS:  {true, true, true, true, false, true},
	ModeIX:  {true, true, false, false, false, false},
	ModeS:   {true, false, true, false, false, true},
	ModeSIX: {true, false, false, false, false, false},
	ModeX:   {false, false, false, false, false, false},
	ModeU:   {true, false, true, false, false, false},
}

// Compatible reports whether held and requested may be granted together.
func Compatible(held, requested Mode) bool { return compatible[held][requested] }

// stronger reports whether a subsumes b, used to avoid granting a
// redundant weaker lock to a txn that already holds a covering mode.
func stronger(a, b Mode) bool {
	rank := map[Mode]int{ModeIS: 0, ModeIX: 1, ModeS: 2, ModeU: 2, ModeSIX: 3, ModeX: 4}
	return rank[a] >= rank[b]
}

type waiter struct {
	txnID    primitives.TransactionID
	mode     Mode
	isUpgrade bool
	grant    chan error
}

// resource is one lockable entity's holder set and FIFO wait queue.
type resource struct {
	key     string
	mu      sync.Mutex
	holders map[primitives.TransactionID]Mode
	queue   *list.List // of *waiter
}

func newResource(key string) *resource {
	return &resource{key: key, holders: make(map[primitives.TransactionID]Mode), queue: list.New()}
}

// compatibleWithHolders reports whether mode is compatible with the mode
// of every current holder other than txnID itself.
func (r *resource) compatibleWithHolders(txnID primitives.TransactionID, mode Mode) bool {
	for holder, held := range r.holders {
		if holder == txnID {
			continue
		}
		if !Compatible(held, mode) {
			return false
		}
	}
	return true
}

// Manager grants and tracks locks across an arbitrary set of resource
// keys (callers encode row, page, or table granularity into the key
// string, e.g. "table:orders" or "row:orders:42").
type Manager struct {
	mu        sync.Mutex
	resources map[string]*resource
	byTxn     map[primitives.TransactionID]map[string]Mode

	waiterCap *semaphore.Weighted

	acquireTimeout      time.Duration
	escalationThreshold int
}

// Config carries the lock manager's tunables from internal/config.Config
// without importing that package.
type Config struct {
	AcquireTimeout      time.Duration
	MaxWaiters          int
	EscalationThreshold int
}

func New(cfg Config) *Manager {
	if cfg.AcquireTimeout <= 0 {
		cfg.AcquireTimeout = 5 * time.Second
	}
	if cfg.MaxWaiters <= 0 {
		cfg.MaxWaiters = 10_000
	}
	if cfg.EscalationThreshold <= 0 {
		cfg.EscalationThreshold = 100
	}
	return &Manager{
		resources:           make(map[string]*resource),
		byTxn:                make(map[primitives.TransactionID]map[string]Mode),
		waiterCap:            semaphore.NewWeighted(int64(cfg.MaxWaiters)),
		acquireTimeout:       cfg.AcquireTimeout,
		escalationThreshold:  cfg.EscalationThreshold,
	}
}

func (m *Manager) resourceFor(key string) *resource {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.resources[key]
	if !ok {
		r = newResource(key)
		m.resources[key] = r
	}
	return r
}

// Acquire blocks until txnID is granted mode on key, ctx is cancelled,
// or the configured acquire timeout elapses — whichever comes first. A
// timeout or cancellation surfaces as a dberror.LockTimeout.
func (m *Manager) Acquire(ctx context.Context, txnID primitives.TransactionID, key string, mode Mode) error {
	r := m.resourceFor(key)

	r.mu.Lock()
	if held, ok := r.holders[txnID]; ok {
		if stronger(held, mode) {
			r.mu.Unlock()
			return nil
		}
	}
	canGrant := r.queue.Len() == 0 && r.compatibleWithHolders(txnID, mode)
	if canGrant {
		r.holders[txnID] = upgrade(r.holders[txnID], mode)
		r.mu.Unlock()
		m.trackHeld(txnID, key, r.holders[txnID])
		return nil
	}
	r.mu.Unlock()

	if !m.waiterCap.TryAcquire(1) {
		return dberror.ResourceExhausted("LockManager", "waiter slots")
	}
	defer m.waiterCap.Release(1)

	w := &waiter{txnID: txnID, mode: mode, grant: make(chan error, 1)}
	_, isHolder := func() (Mode, bool) { r.mu.Lock(); defer r.mu.Unlock(); v, ok := r.holders[txnID]; return v, ok }()
	w.isUpgrade = isHolder

	r.mu.Lock()
	var elem *list.Element
	if w.isUpgrade {
		// A transaction upgrading a lock it already holds jumps ahead of
		// plain new waiters to avoid starving it behind its own readers.
		elem = r.queue.PushFront(w)
	} else {
		elem = r.queue.PushBack(w)
	}
	r.mu.Unlock()

	timer := time.NewTimer(m.acquireTimeout)
	defer timer.Stop()

	start := time.Now()
	defer func() { metrics.LockWaitSeconds.Observe(time.Since(start).Seconds()) }()

	select {
	case err := <-w.grant:
		return err
	case <-timer.C:
		m.abandonWait(r, elem)
		return dberror.LockTimeout(txnID)
	case <-ctx.Done():
		m.abandonWait(r, elem)
		return dberror.LockTimeout(txnID)
	}
}

func (m *Manager) abandonWait(r *resource, elem *list.Element) {
	r.mu.Lock()
	r.queue.Remove(elem)
	r.mu.Unlock()
}

func upgrade(current, requested Mode) Mode {
	if stronger(requested, current) {
		return requested
	}
	return current
}

func (m *Manager) trackHeld(txnID primitives.TransactionID, key string, mode Mode) {
	m.mu.Lock()
	defer m.mu.Unlock()
	set, ok := m.byTxn[txnID]
	if !ok {
		set = make(map[string]Mode)
		m.byTxn[txnID] = set
	}
	set[key] = mode
}

// processQueue grants every waiter at the front of r's queue that is now
// compatible with the holder set, in FIFO order, stopping at the first
// waiter that cannot yet be granted. Caller must not hold r.mu.
func (m *Manager) processQueue(r *resource) {
	for {
		r.mu.Lock()
		front := r.queue.Front()
		if front == nil {
			r.mu.Unlock()
			return
		}
		w := front.Value.(*waiter)
		if !r.compatibleWithHolders(w.txnID, w.mode) {
			r.mu.Unlock()
			return
		}
		r.queue.Remove(front)
		newMode := upgrade(r.holders[w.txnID], w.mode)
		r.holders[w.txnID] = newMode
		r.mu.Unlock()

		m.trackHeld(w.txnID, r.key, newMode)
		w.grant <- nil
	}
}

// Release drops txnID's lock on key and wakes any now-grantable waiters.
func (m *Manager) Release(txnID primitives.TransactionID, key string) {
	r := m.resourceFor(key)
	r.mu.Lock()
	delete(r.holders, txnID)
	r.mu.Unlock()

	m.mu.Lock()
	if set, ok := m.byTxn[txnID]; ok {
		delete(set, key)
		if len(set) == 0 {
			delete(m.byTxn, txnID)
		}
	}
	m.mu.Unlock()

	m.processQueue(r)
}

// ReleaseAll drops every lock txnID holds, used at commit/abort. Runs
// under strict two-phase locking: no lock may be released before the
// transaction has reached a terminal state.
func (m *Manager) ReleaseAll(txnID primitives.TransactionID) {
	m.mu.Lock()
	keys := make([]string, 0, len(m.byTxn[txnID]))
	for k := range m.byTxn[txnID] {
		keys = append(keys, k)
	}
	delete(m.byTxn, txnID)
	m.mu.Unlock()

	for _, key := range keys {
		r := m.resourceFor(key)
		r.mu.Lock()
		delete(r.holders, txnID)
		r.mu.Unlock()
		m.processQueue(r)
	}
}

// HeldModes returns a snapshot of every lock txnID currently holds,
// keyed by resource — used by lock escalation to count row locks per
// table.
func (m *Manager) HeldModes(txnID primitives.TransactionID) map[string]Mode {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]Mode, len(m.byTxn[txnID]))
	for k, v := range m.byTxn[txnID] {
		out[k] = v
	}
	return out
}

// Waiters returns the transaction ids each txn is blocked behind,
// per resource, for deadlock detection's wait-for graph construction:
// for every key with a non-empty queue, the waiting txns and the
// txns currently holding the resource.
func (m *Manager) Waiters() map[string]struct {
	Holders []primitives.TransactionID
	Waiting []primitives.TransactionID
} {
	m.mu.Lock()
	keys := make([]string, 0, len(m.resources))
	for k := range m.resources {
		keys = append(keys, k)
	}
	m.mu.Unlock()

	out := make(map[string]struct {
		Holders []primitives.TransactionID
		Waiting []primitives.TransactionID
	})
	for _, key := range keys {
		r := m.resourceFor(key)
		r.mu.Lock()
		if r.queue.Len() == 0 {
			r.mu.Unlock()
			continue
		}
		holders := make([]primitives.TransactionID, 0, len(r.holders))
		for h := range r.holders {
			holders = append(holders, h)
		}
		waiting := make([]primitives.TransactionID, 0, r.queue.Len())
		for e := r.queue.Front(); e != nil; e = e.Next() {
			waiting = append(waiting, e.Value.(*waiter).txnID)
		}
		r.mu.Unlock()
		out[key] = struct {
			Holders []primitives.TransactionID
			Waiting []primitives.TransactionID
		}{Holders: holders, Waiting: waiting}
	}
	return out
}

// ShouldEscalate reports whether txnID's row-lock count on a table
// (identified by tablePrefix, e.g. "row:orders:") has crossed the
// escalation threshold and should be converted to one table-level lock.
func (m *Manager) ShouldEscalate(txnID primitives.TransactionID, tablePrefix string) bool {
	held := m.HeldModes(txnID)
	count := 0
	for k := range held {
		if len(k) >= len(tablePrefix) && k[:len(tablePrefix)] == tablePrefix {
			count++
		}
	}
	return count >= m.escalationThreshold
}

// AbortWaiting wakes txnID's queued waiter on key with a deadlock error,
// used by the deadlock detector to abort a victim that is currently
// blocked rather than running.
func (m *Manager) AbortWaiting(txnID primitives.TransactionID, key string) bool {
	r := m.resourceFor(key)
	r.mu.Lock()
	defer r.mu.Unlock()
	for e := r.queue.Front(); e != nil; e = e.Next() {
		w := e.Value.(*waiter)
		if w.txnID == txnID {
			r.queue.Remove(e)
			w.grant <- dberror.Deadlock(txnID)
			return true
		}
	}
	return false
}
