// Package txn implements the transaction manager: lifecycle state
// machine, isolation-level routing between snapshot- and lock-based
// concurrency control, admission control, and a deadline sweep that
// aborts transactions that overstay their welcome.
//
// Five isolation levels route to key-level read/write sets tracked over
// pkg/mvcc and pkg/lockmgr. Admission control uses
// golang.org/x/sync/semaphore to bound the number of active
// transactions.
//
// Commit does more than update pkg/mvcc: each written key is logged as a
// physiological Insert/Update/Delete record carrying its page's
// before/after image and applied to that page through pkg/buffer before
// the commit record is forced, so pkg/recovery can redo it after a
// crash. pkg/keydir tracks which page backs which key across restarts.
package txn

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"ariesdb/internal/dberror"
	"ariesdb/internal/logging"
	"ariesdb/pkg/buffer"
	"ariesdb/pkg/deadlock"
	"ariesdb/pkg/keydir"
	"ariesdb/pkg/lockmgr"
	"ariesdb/pkg/metrics"
	"ariesdb/pkg/mvcc"
	"ariesdb/pkg/page"
	"ariesdb/pkg/pagekv"
	"ariesdb/pkg/primitives"
	"ariesdb/pkg/record"
	"ariesdb/pkg/wal"
)

// Isolation selects a transaction's concurrency-control routing.
type Isolation string

const (
	ReadUncommitted Isolation = "RU"
	ReadCommitted   Isolation = "RC"
	RepeatableRead  Isolation = "RR"
	SnapshotIso     Isolation = "SI"
	Serializable    Isolation = "SER"
)

// usesSnapshot reports whether this isolation level reads through an
// MVCC snapshot rather than always reading the latest committed value.
func (i Isolation) usesSnapshot() bool {
	return i == RepeatableRead || i == SnapshotIso || i == Serializable
}

// validatesOnCommit reports whether commit must check for write-skew
// against the bounded commit log: serializable and snapshot isolation
// both validate; repeatable read's locking already prevents the anomaly
// snapshot validation targets.
func (i Isolation) validatesOnCommit() bool {
	return i == Serializable || i == SnapshotIso
}

// State is a transaction's position in its lifecycle state machine.
type State int

const (
	StateActive State = iota
	StatePreparing
	StatePrepared
	StateCommitted
	StateAborted
)

func (s State) String() string {
	switch s {
	case StateActive:
		return "Active"
	case StatePreparing:
		return "Preparing"
	case StatePrepared:
		return "Prepared"
	case StateCommitted:
		return "Committed"
	case StateAborted:
		return "Aborted"
	default:
		return "Unknown"
	}
}

// Transaction tracks one unit of work's lifecycle, read/write sets, and
// snapshot.
type Transaction struct {
	ID        primitives.TransactionID
	Isolation Isolation
	StartedAt time.Time
	Deadline  time.Time
	Priority  int
	StartLSN  primitives.LSN

	snapshot *mvcc.Snapshot

	mu        sync.RWMutex
	state     State
	readSet   map[string]struct{}
	writeSet  map[string][]byte // key -> pending value, nil means delete
	pageUndos []pageUndo        // before-images of pages already persisted this commit, oldest first
}

// pageUndo is the before-image needed to roll back one key's page
// mutation if the transaction that made it aborts instead of committing.
type pageUndo struct {
	pageID primitives.PageID
	key    []byte
	before []byte
}

func (t *Transaction) State() State {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.state
}

func (t *Transaction) setState(s State) {
	t.mu.Lock()
	t.state = s
	t.mu.Unlock()
}

func (t *Transaction) recordRead(key string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.readSet[key] = struct{}{}
}

func (t *Transaction) recordWrite(key string, value []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.writeSet[key] = value
}

func (t *Transaction) readKeys() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]string, 0, len(t.readSet))
	for k := range t.readSet {
		out = append(out, k)
	}
	return out
}

func (t *Transaction) writeKeys() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]string, 0, len(t.writeSet))
	for k := range t.writeSet {
		out = append(out, k)
	}
	return out
}

func (t *Transaction) recordPageUndo(u pageUndo) {
	t.mu.Lock()
	t.pageUndos = append(t.pageUndos, u)
	t.mu.Unlock()
}

// pendingPageUndos returns this transaction's recorded before-images in
// reverse (most recent first), the order rollback must undo them in.
func (t *Transaction) pendingPageUndos() []pageUndo {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]pageUndo, len(t.pageUndos))
	for i, u := range t.pageUndos {
		out[len(out)-1-i] = u
	}
	return out
}

// Manager is the engine's single transaction manager: it routes every
// Begin/Read/Write/Commit/Abort through MVCC and/or 2PL depending on
// the transaction's isolation level, and enforces admission control and
// deadline expiry across the whole active set.
type Manager struct {
	wal      *wal.WAL
	store    *mvcc.Store
	locks    *lockmgr.Manager
	detector *deadlock.Detector
	clock    *primitives.Clock
	pool     *buffer.Pool
	dir      *keydir.Directory

	admission *semaphore.Weighted

	mu     sync.RWMutex
	active map[primitives.TransactionID]*Transaction

	defaultIsolation Isolation
	lockTimeout      time.Duration

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// Config carries the transaction manager's tunables from
// internal/config.Config without importing that package.
type Config struct {
	DefaultIsolation      Isolation
	MaxActiveTransactions int
	LockTimeout           time.Duration
	DeadlineSweepInterval time.Duration
}

// New builds a transaction manager wired to the given WAL, MVCC store,
// lock manager, buffer pool, and key directory, and starts its deadline
// sweep. pool and dir are what let a commit's write set turn into
// durable page images instead of only an in-memory MVCC version; New
// does not read dir, but against a non-empty data directory recovery
// must populate it before the first transaction begins.
func New(w *wal.WAL, store *mvcc.Store, locks *lockmgr.Manager, clock *primitives.Clock, detector *deadlock.Detector, pool *buffer.Pool, dir *keydir.Directory, cfg Config) *Manager {
	if cfg.MaxActiveTransactions <= 0 {
		cfg.MaxActiveTransactions = 100_000
	}
	if cfg.DefaultIsolation == "" {
		cfg.DefaultIsolation = RepeatableRead
	}
	if cfg.LockTimeout <= 0 {
		cfg.LockTimeout = 5 * time.Second
	}
	sweep := cfg.DeadlineSweepInterval
	if sweep <= 0 {
		sweep = time.Second
	}

	m := &Manager{
		wal:              w,
		store:            store,
		locks:            locks,
		detector:         detector,
		clock:            clock,
		pool:             pool,
		dir:              dir,
		admission:        semaphore.NewWeighted(int64(cfg.MaxActiveTransactions)),
		active:           make(map[primitives.TransactionID]*Transaction),
		defaultIsolation: cfg.DefaultIsolation,
		lockTimeout:      cfg.LockTimeout,
		stopCh:           make(chan struct{}),
	}
	m.wg.Add(1)
	go m.deadlineSweepLoop(sweep)
	return m
}

// Begin admits a new transaction, blocking if the active-transaction
// budget is exhausted until ctx is cancelled or a slot frees up.
func (m *Manager) Begin(ctx context.Context, isolation Isolation, deadline time.Duration, priority int) (*Transaction, error) {
	if isolation == "" {
		isolation = m.defaultIsolation
	}
	if err := m.admission.Acquire(ctx, 1); err != nil {
		return nil, dberror.Wrap(err, dberror.KindTransient, dberror.CodeResourceExhausted, "Begin", "TxnManager")
	}

	txnID := primitives.NextTransactionID()
	lsn, err := m.wal.Append(&record.Record{Type: record.TypeBegin, TxnID: txnID})
	if err != nil {
		m.admission.Release(1)
		return nil, err
	}

	t := &Transaction{
		ID:        txnID,
		Isolation: isolation,
		StartedAt: time.Now(),
		Priority:  priority,
		StartLSN:  lsn,
		state:     StateActive,
		readSet:   make(map[string]struct{}),
		writeSet:  make(map[string][]byte),
	}
	if deadline > 0 {
		t.Deadline = t.StartedAt.Add(deadline)
	}
	if isolation.usesSnapshot() {
		t.snapshot = m.store.BeginSnapshot(txnID, m.activeIDsLocked())
	}

	m.mu.Lock()
	m.active[txnID] = t
	m.mu.Unlock()

	m.detector.Track(txnID, priority)
	metrics.ActiveTransactions.Inc()
	return t, nil
}

func (m *Manager) activeIDsLocked() []primitives.TransactionID {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]primitives.TransactionID, 0, len(m.active))
	for id := range m.active {
		ids = append(ids, id)
	}
	return ids
}

// Read acquires a shared lock on key (for isolation levels that lock
// reads) and returns the visible value: the transaction's own pending
// write if present, otherwise the newest version its snapshot (or, for
// read-committed/read-uncommitted, the latest committed version) can
// see.
func (m *Manager) Read(ctx context.Context, t *Transaction, key string) ([]byte, bool, error) {
	if t.State() != StateActive {
		return nil, false, dberror.New(dberror.KindProgrammatic, dberror.CodeTxnNotActive, "transaction is not active")
	}
	t.mu.RLock()
	pending, wrote := t.writeSet[key]
	t.mu.RUnlock()
	if wrote {
		return pending, pending != nil, nil
	}

	if t.Isolation != ReadUncommitted && !t.Isolation.validatesOnCommit() {
		mode := lockmgr.ModeS
		if err := m.locks.Acquire(ctx, t.ID, "row:"+key, mode); err != nil {
			return nil, false, err
		}
	}
	t.recordRead(key)
	m.detector.RecordWork(t.ID, 1)

	snap := t.snapshot
	if snap == nil {
		// Read committed / read uncommitted: build a throwaway
		// latest-as-of-now snapshot with no active-set exclusion.
		snap = mvcc.NewSnapshot(m.clock.Now(), t.ID, nil)
	}
	return m.store.Read(key, snap)
}

// Write acquires an exclusive lock on key and stages the write in the
// transaction's private write set; it becomes visible to other
// transactions only at Commit.
func (m *Manager) Write(ctx context.Context, t *Transaction, key string, value []byte) error {
	if t.State() != StateActive {
		return dberror.New(dberror.KindProgrammatic, dberror.CodeTxnNotActive, "transaction is not active")
	}
	if err := m.locks.Acquire(ctx, t.ID, "row:"+key, lockmgr.ModeX); err != nil {
		return err
	}
	t.recordWrite(key, append([]byte(nil), value...))
	m.detector.RecordWork(t.ID, 1)
	return nil
}

// Delete stages a deletion of key, recorded as a nil write-set entry.
func (m *Manager) Delete(ctx context.Context, t *Transaction, key string) error {
	if t.State() != StateActive {
		return dberror.New(dberror.KindProgrammatic, dberror.CodeTxnNotActive, "transaction is not active")
	}
	if err := m.locks.Acquire(ctx, t.ID, "row:"+key, lockmgr.ModeX); err != nil {
		return err
	}
	t.recordWrite(key, nil)
	m.detector.RecordWork(t.ID, 1)
	return nil
}

// Commit validates (for isolation levels that require it), persists the
// transaction's write set as page images behind proper redo log records,
// applies the same writes to the MVCC store, and durably records the
// commit. A crash at any point before the trailing Force returns leaves
// no durable commit record, so recovery rolls back whatever of this
// transaction reached the log; a crash after it guarantees every written
// key survives restart.
func (m *Manager) Commit(ctx context.Context, t *Transaction) error {
	if t.State() != StateActive && t.State() != StatePrepared {
		return dberror.New(dberror.KindProgrammatic, dberror.CodeTxnNotActive, "transaction is not active")
	}

	if t.Isolation.validatesOnCommit() {
		if err := m.store.Validate(t.ID, t.snapshotOrNow(m.clock), t.readKeys()); err != nil {
			m.rollback(ctx, t)
			return err
		}
	}

	writeKeys := t.writeKeys()
	for _, key := range writeKeys {
		t.mu.RLock()
		value := t.writeSet[key]
		t.mu.RUnlock()

		if _, err := m.persistWrite(ctx, t, key, value); err != nil {
			m.rollback(ctx, t)
			return err
		}

		var err error
		if value == nil {
			err = m.store.Delete(key, t.ID)
		} else {
			err = m.store.Write(key, t.ID, value)
		}
		if err != nil {
			m.rollback(ctx, t)
			return err
		}
	}

	lsn, err := m.wal.Append(&record.Record{Type: record.TypeCommit, TxnID: t.ID})
	if err != nil {
		m.rollback(ctx, t)
		return err
	}
	if err := m.wal.Force(lsn); err != nil {
		m.rollback(ctx, t)
		return err
	}

	commitTS := m.clock.Now()
	m.store.Commit(t.ID, writeKeys, commitTS)
	t.setState(StateCommitted)
	m.finish(t)
	return nil
}

// persistWrite durably records key's new value (nil for a delete) as a
// physiological Insert/Update/Delete log record carrying the page's
// before/after image, then applies that image to the page itself
// through the buffer pool. The page is addressed through m.dir, the
// in-memory key directory recovery rebuilds from the WAL on restart, so
// a key already on disk keeps living on the same page across crashes.
func (m *Manager) persistWrite(ctx context.Context, t *Transaction, key string, value []byte) (primitives.LSN, error) {
	capacity := m.pool.PageSize() - page.HeaderSize
	recType := record.TypeUpdate

	pageID, existed := m.dir.Lookup(key)
	if !existed {
		id, err := m.pool.AllocatePage()
		if err != nil {
			return 0, err
		}
		pageID = id
		m.dir.Set(key, pageID)
		recType = record.TypeInsert
	}
	if value == nil {
		recType = record.TypeDelete
	}

	pg, err := m.pool.FetchPage(ctx, pageID, "txn")
	if err != nil {
		return 0, err
	}
	before := append([]byte(nil), pg.Payload()...)

	after := make([]byte, capacity)
	if err := pagekv.Encode(after, value, value == nil); err != nil {
		m.pool.Unpin(pageID, false)
		return 0, err
	}

	rec := &record.Record{
		TxnID:       t.ID,
		Type:        recType,
		PageID:      pageID,
		Key:         []byte(key),
		BeforeImage: before,
		AfterImage:  after,
	}
	lsn, err := m.wal.Append(rec)
	if err != nil {
		m.pool.Unpin(pageID, false)
		return 0, err
	}

	copy(pg.Payload(), after)
	pg.SetLSN(lsn)
	m.pool.Unpin(pageID, true)

	t.recordPageUndo(pageUndo{pageID: pageID, key: rec.Key, before: before})
	return lsn, nil
}

func (t *Transaction) snapshotOrNow(clock *primitives.Clock) *mvcc.Snapshot {
	if t.snapshot != nil {
		return t.snapshot
	}
	return mvcc.NewSnapshot(clock.Now(), t.ID, nil)
}

// Abort discards the transaction's pending writes and releases its
// locks without ever making them visible.
func (m *Manager) Abort(ctx context.Context, t *Transaction) error {
	if t.State() == StateCommitted || t.State() == StateAborted {
		return dberror.New(dberror.KindProgrammatic, dberror.CodeTxnNotActive, "transaction already ended")
	}
	m.rollback(ctx, t)
	return nil
}

// rollback undoes any page images persistWrite already applied for this
// transaction (writing a CLR for each, so a crash mid-rollback still
// undoes correctly on the next recovery), discards its MVCC versions,
// and durably records the abort.
func (m *Manager) rollback(ctx context.Context, t *Transaction) {
	m.store.Abort(t.ID, t.writeKeys())

	for _, u := range t.pendingPageUndos() {
		if err := m.undoPageWrite(ctx, t.ID, u); err != nil {
			logging.WithComponent("txn").Error().Err(err).
				Uint64("txn_id", uint64(t.ID)).
				Msg("failed to undo page write during rollback")
		}
	}

	lsn, err := m.wal.Append(&record.Record{Type: record.TypeAbort, TxnID: t.ID})
	if err == nil {
		_ = m.wal.Force(lsn)
	}
	t.setState(StateAborted)
	m.finish(t)
}

func (m *Manager) undoPageWrite(ctx context.Context, txnID primitives.TransactionID, u pageUndo) error {
	clr := &record.Record{
		TxnID:      txnID,
		Type:       record.TypeCLR,
		PageID:     u.pageID,
		Key:        u.key,
		AfterImage: u.before,
	}
	lsn, err := m.wal.Append(clr)
	if err != nil {
		return err
	}
	pg, err := m.pool.FetchPage(ctx, u.pageID, "txn")
	if err != nil {
		return err
	}
	copy(pg.Payload(), u.before)
	pg.SetLSN(lsn)
	m.pool.Unpin(u.pageID, true)
	return nil
}

func (m *Manager) finish(t *Transaction) {
	m.locks.ReleaseAll(t.ID)
	if t.snapshot != nil {
		m.store.EndSnapshot(t.snapshot)
	}
	m.mu.Lock()
	delete(m.active, t.ID)
	m.mu.Unlock()
	m.detector.Forget(t.ID)
	m.admission.Release(1)
	metrics.ActiveTransactions.Dec()
}

// Prepare durably records this transaction as ready to commit, for use
// as the participant side of an external two-phase commit coordinator.
// A prepared transaction's locks are held until CommitPrepared or
// AbortPrepared resolves it.
func (m *Manager) Prepare(t *Transaction) error {
	if t.State() != StateActive {
		return dberror.New(dberror.KindProgrammatic, dberror.CodeTxnNotActive, "transaction is not active")
	}
	t.setState(StatePreparing)
	lsn, err := m.wal.Append(&record.Record{Type: record.TypePrepare, TxnID: t.ID})
	if err != nil {
		t.setState(StateActive)
		return err
	}
	if err := m.wal.Force(lsn); err != nil {
		t.setState(StateActive)
		return err
	}
	t.setState(StatePrepared)
	return nil
}

// CommitPrepared completes a transaction previously durably prepared.
func (m *Manager) CommitPrepared(ctx context.Context, t *Transaction) error {
	if t.State() != StatePrepared {
		return dberror.New(dberror.KindProgrammatic, dberror.CodeTxnNotActive, "transaction is not prepared")
	}
	return m.Commit(ctx, t)
}

// AbortPrepared rolls back a transaction previously durably prepared.
func (m *Manager) AbortPrepared(ctx context.Context, t *Transaction) error {
	if t.State() != StatePrepared {
		return dberror.New(dberror.KindProgrammatic, dberror.CodeTxnNotActive, "transaction is not prepared")
	}
	return m.Abort(ctx, t)
}

// deadlineSweepLoop aborts any active transaction whose deadline has
// passed, preventing a client that vanished mid-transaction from
// pinning locks and MVCC garbage forever.
func (m *Manager) deadlineSweepLoop(interval time.Duration) {
	defer m.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	log := logging.WithComponent("txn")
	for {
		select {
		case <-m.stopCh:
			return
		case now := <-ticker.C:
			for _, t := range m.expired(now) {
				log.Warn().Uint64("txn_id", uint64(t.ID)).Msg("aborting transaction past its deadline")
				m.rollback(context.Background(), t)
			}
		}
	}
}

func (m *Manager) expired(now time.Time) []*Transaction {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Transaction
	for _, t := range m.active {
		if !t.Deadline.IsZero() && now.After(t.Deadline) && t.State() == StateActive {
			out = append(out, t)
		}
	}
	return out
}

// Stop halts the deadline sweep goroutine.
func (m *Manager) Stop() {
	close(m.stopCh)
	m.wg.Wait()
}

// ActiveCount returns the number of currently active transactions.
func (m *Manager) ActiveCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.active)
}
