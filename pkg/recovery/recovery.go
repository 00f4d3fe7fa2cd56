// Package recovery implements ARIES-style crash recovery: Analysis,
// Redo, Undo over the write-ahead log, using the last fuzzy checkpoint
// as a starting point and compensation log records to make undo itself
// crash-safe. Redo and undo apply real page-level before/after images
// against pkg/buffer, keyed by generic key/before-image/after-image log
// records rather than any fixed tuple format.
package recovery

import (
	"context"
	"fmt"

	"ariesdb/internal/dberror"
	"ariesdb/internal/logging"
	"ariesdb/pkg/buffer"
	"ariesdb/pkg/keydir"
	"ariesdb/pkg/metrics"
	"ariesdb/pkg/mvcc"
	"ariesdb/pkg/pagekv"
	"ariesdb/pkg/primitives"
	"ariesdb/pkg/record"
	"ariesdb/pkg/wal"
)

// txnStatus is a transaction's state as reconstructed during Analysis.
type txnStatus int

const (
	txnActive txnStatus = iota
	txnCommitted
	txnAborted
)

type txnInfo struct {
	status      txnStatus
	firstLSN    primitives.LSN
	lastLSN     primitives.LSN
	undoNextLSN primitives.LSN
}

// Stats reports how much work a recovery pass did, for logging and tests.
type Stats struct {
	RecordsScanned        int
	RedoOperations        int
	UndoOperations         int
	TransactionsRecovered int
	TransactionsUndone    int
	DirtyPagesFound       int
}

// Manager drives the Analysis/Redo/Undo algorithm against a WAL and
// buffer pool pair.
type Manager struct {
	wal   *wal.WAL
	pool  *buffer.Pool
	store *mvcc.Store
	dir   *keydir.Directory
	clock *primitives.Clock
	stats Stats

	dirtyPages map[primitives.PageID]primitives.LSN
	txns       map[primitives.TransactionID]*txnInfo
}

// New builds a recovery manager over the given WAL and buffer pool. store
// and dir are the live MVCC index and key directory the engine serves
// reads from; Recover repopulates both from the WAL's committed records
// so they come back up matching the page state redo restores.
func New(w *wal.WAL, pool *buffer.Pool, store *mvcc.Store, dir *keydir.Directory, clock *primitives.Clock) *Manager {
	return &Manager{wal: w, pool: pool, store: store, dir: dir, clock: clock}
}

// Recover runs the full three-phase algorithm: Analysis rebuilds the
// dirty-page and transaction tables, Redo replays every operation from
// the earliest dirty page forward, and Undo rolls back every
// transaction that was still active at crash time.
func (m *Manager) Recover(ctx context.Context) (Stats, error) {
	log := logging.WithComponent("recovery")
	log.Info().Msg("starting recovery")

	if err := m.analysis(); err != nil {
		return m.stats, fmt.Errorf("analysis phase: %w", err)
	}
	if err := m.redo(ctx); err != nil {
		return m.stats, fmt.Errorf("redo phase: %w", err)
	}
	if err := m.undo(ctx); err != nil {
		return m.stats, fmt.Errorf("undo phase: %w", err)
	}
	if err := m.rebuildStore(); err != nil {
		return m.stats, fmt.Errorf("store rebuild phase: %w", err)
	}

	log.Info().
		Int("records_scanned", m.stats.RecordsScanned).
		Int("redo_ops", m.stats.RedoOperations).
		Int("undo_ops", m.stats.UndoOperations).
		Int("txns_undone", m.stats.TransactionsUndone).
		Msg("recovery complete")
	return m.stats, nil
}

// analysis scans the WAL from the last checkpoint (or the beginning, if
// none exists) to reconstruct which transactions were active and which
// pages were dirty at the moment of the crash.
func (m *Manager) analysis() error {
	m.dirtyPages = make(map[primitives.PageID]primitives.LSN)
	m.txns = make(map[primitives.TransactionID]*txnInfo)

	startLSN := primitives.LSN(0)
	cp, err := m.wal.LastCheckpoint()
	if err == nil && cp != nil {
		for pageID, lsn := range cp.DirtyPages {
			m.dirtyPages[pageID] = lsn
		}
		for txnID, info := range cp.ActiveTxns {
			m.txns[txnID] = &txnInfo{status: txnActive, firstLSN: info.FirstLSN, lastLSN: info.LastLSN, undoNextLSN: info.UndoNextLSN}
		}
		startLSN = cp.LSN
	}

	return m.scan(func(rec *record.Record) error {
		if rec.LSN < startLSN {
			return nil
		}
		m.stats.RecordsScanned++
		return m.analyzeRecord(rec)
	})
}

func (m *Manager) analyzeRecord(rec *record.Record) error {
	switch rec.Type {
	case record.TypeCheckpointBegin, record.TypeCheckpointEnd:
		return nil
	}

	switch rec.Type {
	case record.TypeBegin:
		m.txns[rec.TxnID] = &txnInfo{status: txnActive, firstLSN: rec.LSN, lastLSN: rec.LSN, undoNextLSN: rec.LSN}

	case record.TypeCommit:
		info := m.txnEntry(rec.TxnID, rec.LSN)
		info.status = txnCommitted
		info.lastLSN = rec.LSN

	case record.TypeAbort:
		info := m.txnEntry(rec.TxnID, rec.LSN)
		info.status = txnAborted
		info.lastLSN = rec.LSN

	case record.TypePrepare:
		info := m.txnEntry(rec.TxnID, rec.LSN)
		info.lastLSN = rec.LSN

	case record.TypeUpdate, record.TypeInsert, record.TypeDelete:
		info := m.txnEntry(rec.TxnID, rec.LSN)
		info.lastLSN = rec.LSN
		info.undoNextLSN = rec.PrevLSN
		if _, dirty := m.dirtyPages[rec.PageID]; !dirty {
			m.dirtyPages[rec.PageID] = rec.LSN
		}

	case record.TypeCLR:
		info := m.txnEntry(rec.TxnID, rec.LSN)
		info.lastLSN = rec.LSN
		info.undoNextLSN = rec.UndoNextLSN
		if _, dirty := m.dirtyPages[rec.PageID]; !dirty {
			m.dirtyPages[rec.PageID] = rec.LSN
		}
	}
	return nil
}

func (m *Manager) txnEntry(txnID primitives.TransactionID, lsn primitives.LSN) *txnInfo {
	info, ok := m.txns[txnID]
	if !ok {
		info = &txnInfo{status: txnActive, firstLSN: lsn, lastLSN: lsn, undoNextLSN: lsn}
		m.txns[txnID] = info
	}
	return info
}

// redo replays every redoable record from the earliest-dirtied page
// forward, restoring the state committed transactions had reached before
// the crash (and the partial state of transactions later undone —
// undo will unwind it from there, per ARIES's redo-then-undo design).
func (m *Manager) redo(ctx context.Context) error {
	if len(m.dirtyPages) == 0 {
		return nil
	}
	minLSN := primitives.LSN(^uint64(0))
	for _, lsn := range m.dirtyPages {
		if lsn < minLSN {
			minLSN = lsn
		}
	}
	m.stats.DirtyPagesFound = len(m.dirtyPages)

	return m.scan(func(rec *record.Record) error {
		if rec.LSN < minLSN || !rec.Type.IsRedoable() {
			return nil
		}
		firstLSN, dirty := m.dirtyPages[rec.PageID]
		if !dirty || rec.LSN < firstLSN {
			return nil
		}
		if err := m.applyImage(ctx, rec.PageID, rec.LSN, rec.Key, rec.AfterImage); err != nil {
			return err
		}
		m.stats.RedoOperations++
		metrics.RecoveryRedoOps.Inc()
		return nil
	})
}

// undo rolls back every transaction analysis found still active,
// following each one's undo chain via PrevLSN/UndoNextLSN and writing a
// CLR after each step so a second crash mid-undo does not redo the undo.
func (m *Manager) undo(ctx context.Context) error {
	var active []primitives.TransactionID
	for txnID, info := range m.txns {
		if info.status == txnActive {
			active = append(active, txnID)
		}
	}
	m.stats.TransactionsUndone = len(active)
	if len(active) == 0 {
		return nil
	}

	records, err := m.indexByLSN()
	if err != nil {
		return err
	}

	for _, txnID := range active {
		if err := m.undoTransaction(ctx, txnID, records); err != nil {
			return fmt.Errorf("undo txn %d: %w", txnID, err)
		}
	}
	return nil
}

func (m *Manager) undoTransaction(ctx context.Context, txnID primitives.TransactionID, records map[primitives.LSN]*record.Record) error {
	info := m.txns[txnID]
	cursor := info.lastLSN

	for cursor != 0 {
		rec, ok := records[cursor]
		if !ok {
			break
		}

		if rec.Type == record.TypeCLR {
			cursor = rec.UndoNextLSN
			continue
		}

		if rec.TxnID == txnID && rec.Type.IsUndoable() {
			// The CLR's own LSN, not the original record's, is what
			// must exceed the page's current pageLSN: redo already
			// advanced the page to rec.LSN, so re-applying the
			// before-image has to carry a strictly newer stamp or a
			// second crash mid-undo would skip it as already applied.
			clr := &record.Record{
				TxnID:       txnID,
				Type:        record.TypeCLR,
				PageID:      rec.PageID,
				Key:         rec.Key,
				AfterImage:  rec.BeforeImage,
				UndoNextLSN: rec.PrevLSN,
			}
			clrLSN, err := m.wal.Append(clr)
			if err != nil {
				return fmt.Errorf("write CLR: %w", err)
			}
			if err := m.applyImage(ctx, rec.PageID, clrLSN, rec.Key, rec.BeforeImage); err != nil {
				return err
			}
			m.stats.UndoOperations++
			metrics.RecoveryUndoOps.Inc()
		}

		cursor = rec.PrevLSN
	}

	if _, err := m.wal.Append(&record.Record{Type: record.TypeAbort, TxnID: txnID}); err != nil {
		return fmt.Errorf("log recovery abort: %w", err)
	}
	return nil
}

// applyImage fetches pageID, writes image over the whole payload (each
// page holds exactly one logical key's pagekv-encoded value, so there is
// no offset to decode), and marks the page dirty with its new pageLSN —
// but only if lsn is newer than the page's current pageLSN, the core
// ARIES idempotency check that makes redo and undo replay safe to run
// more than once. A non-empty key also repopulates the in-memory key
// directory, since that index does not otherwise survive a restart.
func (m *Manager) applyImage(ctx context.Context, pageID primitives.PageID, lsn primitives.LSN, key, image []byte) error {
	p, err := m.pool.FetchPage(ctx, pageID, "recovery")
	if err != nil {
		return err
	}
	if p.LSN() >= lsn {
		m.pool.Unpin(pageID, false)
		return nil
	}

	payload := p.Payload()
	if len(image) > len(payload) {
		m.pool.Unpin(pageID, false)
		return dberror.Corruption("Recovery", pageID, "log image exceeds page bounds")
	}
	copy(payload, image)
	p.SetLSN(lsn)
	p.Seal()
	m.pool.Unpin(pageID, true)

	if len(key) > 0 && m.dir != nil {
		m.dir.Set(string(key), pageID)
	}
	return nil
}

// rebuildStore replays every committed Insert/Update/Delete record into
// the in-memory MVCC index, keeping only the highest-LSN record per key
// since later writes supersede earlier ones. Unlike redo, this scan is
// never gated by the dirty-page table: the store starts out completely
// empty after a restart and has to recover every committed key, not just
// the ones whose page survived past the last checkpoint.
func (m *Manager) rebuildStore() error {
	latest := make(map[string]*record.Record)

	committed := make(map[primitives.TransactionID]bool)
	if err := m.scan(func(rec *record.Record) error {
		if rec.Type == record.TypeCommit {
			committed[rec.TxnID] = true
		}
		return nil
	}); err != nil {
		return err
	}

	if err := m.scan(func(rec *record.Record) error {
		switch rec.Type {
		case record.TypeUpdate, record.TypeInsert, record.TypeDelete:
		default:
			return nil
		}
		if !committed[rec.TxnID] {
			return nil
		}
		key := string(rec.Key)
		if cur, ok := latest[key]; !ok || rec.LSN > cur.LSN {
			latest[key] = rec
		}
		return nil
	}); err != nil {
		return err
	}

	commitTS := m.clock.Now()
	for key, rec := range latest {
		value, deleted, err := pagekv.Decode(rec.AfterImage)
		if err != nil {
			return fmt.Errorf("decode recovered value for key %q: %w", key, err)
		}
		if deleted {
			if err := m.store.Delete(key, rec.TxnID); err != nil {
				return fmt.Errorf("replay delete for key %q: %w", key, err)
			}
		} else if err := m.store.Write(key, rec.TxnID, value); err != nil {
			return fmt.Errorf("replay write for key %q: %w", key, err)
		}
		m.store.Commit(rec.TxnID, []string{key}, commitTS)
	}
	return nil
}

// indexByLSN replays the whole WAL into a map keyed by LSN, so undo can
// jump directly from one record to its PrevLSN predecessor without a
// linear rescan per step.
func (m *Manager) indexByLSN() (map[primitives.LSN]*record.Record, error) {
	out := make(map[primitives.LSN]*record.Record)
	err := m.scan(func(rec *record.Record) error {
		out[rec.LSN] = rec
		return nil
	})
	return out, err
}

// scan replays every record in every WAL segment, oldest first, calling
// fn for each.
func (m *Manager) scan(fn func(*record.Record) error) error {
	if err := m.wal.Force(primitives.LSN(^uint64(0))); err != nil {
		return fmt.Errorf("flush WAL before scan: %w", err)
	}

	segs, err := m.wal.Segments()
	if err != nil {
		return err
	}
	for _, seg := range segs {
		if err := m.scanSegment(seg, fn); err != nil {
			return err
		}
	}
	return nil
}

func (m *Manager) scanSegment(path string, fn func(*record.Record) error) error {
	r, err := wal.NewReader(path)
	if err != nil {
		return err
	}
	defer r.Close()

	for {
		rec, err := r.ReadNext()
		if err != nil {
			break
		}
		if err := fn(rec); err != nil {
			return err
		}
	}
	return nil
}

// IsRecoveryNeeded reports whether the WAL contains any Begin record
// with no matching Commit/Abort, i.e. whether a prior run crashed
// mid-transaction.
func IsRecoveryNeeded(w *wal.WAL) (bool, error) {
	if err := w.Force(primitives.LSN(^uint64(0))); err != nil {
		return false, err
	}
	segs, err := w.Segments()
	if err != nil {
		return false, err
	}

	active := make(map[primitives.TransactionID]bool)
	for _, seg := range segs {
		r, err := wal.NewReader(seg)
		if err != nil {
			return false, err
		}
		for {
			rec, err := r.ReadNext()
			if err != nil {
				break
			}
			switch rec.Type {
			case record.TypeBegin:
				active[rec.TxnID] = true
			case record.TypeCommit, record.TypeAbort:
				delete(active, rec.TxnID)
			}
		}
		r.Close()
	}
	return len(active) > 0, nil
}
