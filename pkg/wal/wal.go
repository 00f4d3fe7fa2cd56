// Package wal implements the write-ahead log: durable, strictly ordered,
// monotonically increasing LSN-keyed append, group-commit batching,
// segment rotation, and the fuzzy checkpoint that bounds recovery's redo
// scan.
//
// Checkpoint state lives on the *WAL value itself, never in a
// package-level global, so multiple WAL instances in one process never
// share state.
package wal

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"ariesdb/internal/dberror"
	"ariesdb/internal/logging"
	"ariesdb/pkg/metrics"
	"ariesdb/pkg/primitives"
	"ariesdb/pkg/record"
)

// Config carries the WAL's tunables, mirroring internal/config.Config's
// WAL* fields without importing that package (avoids an import cycle;
// pkg/engine is responsible for translating one into the other).
type Config struct {
	BufferBytes    int
	MaxCommitDelay time.Duration
	SegmentBytes   int64
	GroupCommit    bool
}

// ShippingHook is invoked with every batch of bytes flushed to the
// active segment, after fsync, so a log-shipping replica can tail the
// same bytes this node just made durable.
type ShippingHook func(segmentPath string, offset int64, data []byte)

// WAL append-only-writes committed log records to a sequence of
// fixed-maximum-size segment files under dir.
type WAL struct {
	mu  sync.RWMutex
	dir string
	cfg Config

	active     *os.File
	activeSeq  uint64
	activeSize int64

	nextLSN    atomic.Uint64
	flushedLSN atomic.Uint64

	bufMu     sync.Mutex
	buf       []byte
	bufMaxLSN primitives.LSN // highest LSN currently buffered in buf

	activeTxns map[primitives.TransactionID]*record.TransactionInfo
	dirtyPages map[primitives.PageID]primitives.LSN

	lastCheckpointLSN atomic.Uint64
	lastCheckpointAt  atomic.Int64 // unix nanos

	shipHook ShippingHook

	closed    atomic.Bool
	stopCh    chan struct{}
	commitWg  sync.WaitGroup
}

// Open opens (creating if absent) the WAL rooted at dir, replaying
// segment metadata to resume LSN allocation after restart.
func Open(dir string, cfg Config) (*WAL, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, dberror.Wrap(err, dberror.KindPermanent, dberror.CodeIO, "Open", "WAL")
	}
	segs, err := listSegments(dir)
	if err != nil {
		return nil, err
	}

	w := &WAL{
		dir:        dir,
		cfg:        cfg,
		activeTxns: make(map[primitives.TransactionID]*record.TransactionInfo),
		dirtyPages: make(map[primitives.PageID]primitives.LSN),
		stopCh:     make(chan struct{}),
	}

	var seq uint64
	if len(segs) == 0 {
		seq = 1
	} else {
		seq = segs[len(segs)-1].seq
	}
	f, err := os.OpenFile(segmentPath(dir, seq), os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, dberror.Wrap(err, dberror.KindPermanent, dberror.CodeIO, "Open", "WAL")
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, dberror.Wrap(err, dberror.KindPermanent, dberror.CodeIO, "Open", "WAL")
	}
	w.active = f
	w.activeSeq = seq
	w.activeSize = info.Size()

	maxLSN, err := w.recoverNextLSN(segs, seq)
	if err != nil {
		return nil, err
	}
	w.nextLSN.Store(uint64(maxLSN) + 1)
	w.flushedLSN.Store(uint64(maxLSN))

	if w.cfg.BufferBytes <= 0 {
		w.cfg.BufferBytes = 4 << 20
	}
	if w.cfg.MaxCommitDelay <= 0 {
		w.cfg.MaxCommitDelay = 5 * time.Millisecond
	}
	if w.cfg.SegmentBytes <= 0 {
		w.cfg.SegmentBytes = 64 << 20
	}

	if w.cfg.GroupCommit {
		w.commitWg.Add(1)
		go w.groupCommitLoop()
	}
	return w, nil
}

// recoverNextLSN scans every existing segment to find the highest LSN
// ever written, so Append resumes numbering correctly after a restart.
func (w *WAL) recoverNextLSN(segs []segmentMeta, activeSeq uint64) (primitives.LSN, error) {
	var maxLSN primitives.LSN
	for _, s := range segs {
		r, err := NewReader(s.path)
		if err != nil {
			return 0, err
		}
		for {
			rec, err := r.ReadNext()
			if err == io.EOF {
				break
			}
			if err != nil {
				r.Close()
				return 0, err
			}
			if rec.LSN > maxLSN {
				maxLSN = rec.LSN
			}
		}
		r.Close()
	}
	return maxLSN, nil
}

// SetShippingHook installs (or clears, with nil) a log-shipping callback.
func (w *WAL) SetShippingHook(hook ShippingHook) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.shipHook = hook
}

// Append assigns the next LSN to rec, frames and buffers it, and updates
// the transaction/dirty-page bookkeeping the next checkpoint will
// snapshot. It does not itself guarantee durability — call Force (or
// rely on group commit) before acknowledging the record's effect to a
// client: a record is only durable once its LSN is at or below the WAL's
// flushed LSN.
func (w *WAL) Append(rec *record.Record) (primitives.LSN, error) {
	if w.closed.Load() {
		return 0, dberror.New(dberror.KindPermanent, dberror.CodeEngineReadOnly, "WAL is closed")
	}

	// LSN assignment and buffering happen under the same lock so two
	// concurrent Appends can never buffer their frames out of LSN order,
	// and so flushLocked never has to guess which LSN a drained batch
	// actually reaches.
	w.bufMu.Lock()
	lsn := primitives.LSN(w.nextLSN.Add(1) - 1)
	rec.LSN = lsn

	// Chain the record to its transaction's previous record for undo.
	w.mu.Lock()
	if rec.PrevLSN == primitives.NilLSN && rec.TxnID != primitives.InvalidTransactionID {
		if info, ok := w.activeTxns[rec.TxnID]; ok {
			rec.PrevLSN = info.LastLSN
		}
	}
	w.mu.Unlock()

	frame, err := record.Serialize(rec)
	if err != nil {
		w.bufMu.Unlock()
		return 0, dberror.Wrap(err, dberror.KindPermanent, dberror.CodeInvalidArgument, "Append", "WAL")
	}

	w.mu.Lock()
	w.updateBookkeeping(rec)
	w.mu.Unlock()

	w.buf = append(w.buf, frame...)
	w.bufMaxLSN = lsn
	full := len(w.buf) >= w.cfg.BufferBytes
	w.bufMu.Unlock()

	if full || !w.cfg.GroupCommit {
		if err := w.flushLocked(); err != nil {
			return lsn, err
		}
	}
	return lsn, nil
}

func (w *WAL) updateBookkeeping(rec *record.Record) {
	switch rec.Type {
	case record.TypeCheckpointBegin, record.TypeCheckpointEnd:
		// Not associated with any transaction; only the page/LSN
		// bookkeeping below (which checkpoint records never touch) applies.
	case record.TypeBegin:
		w.activeTxns[rec.TxnID] = &record.TransactionInfo{FirstLSN: rec.LSN, LastLSN: rec.LSN}
	case record.TypeCommit, record.TypeAbort:
		delete(w.activeTxns, rec.TxnID)
	default:
		if info, ok := w.activeTxns[rec.TxnID]; ok {
			info.LastLSN = rec.LSN
			if rec.Type == record.TypeCLR {
				info.UndoNextLSN = rec.UndoNextLSN
			}
		} else {
			w.activeTxns[rec.TxnID] = &record.TransactionInfo{FirstLSN: rec.LSN, LastLSN: rec.LSN}
		}
	}
	if rec.Type.IsRedoable() && rec.PageID != primitives.InvalidPageID {
		if _, dirty := w.dirtyPages[rec.PageID]; !dirty {
			w.dirtyPages[rec.PageID] = rec.LSN
		}
	}
}

// Force blocks until every record up to and including lsn is durable on
// disk. Commit processing must call Force(commitLSN) before reporting a
// transaction committed.
func (w *WAL) Force(lsn primitives.LSN) error {
	if primitives.LSN(w.flushedLSN.Load()) >= lsn {
		return nil
	}
	return w.flushLocked()
}

func (w *WAL) flushLocked() error {
	start := time.Now()
	w.bufMu.Lock()
	if len(w.buf) == 0 {
		w.bufMu.Unlock()
		return nil
	}
	data := w.buf
	maxLSN := w.bufMaxLSN
	w.buf = nil
	w.bufMu.Unlock()

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.activeSize+int64(len(data)) > w.cfg.SegmentBytes {
		if err := w.rotateLocked(); err != nil {
			return err
		}
	}

	offset := w.activeSize
	if _, err := w.active.WriteAt(data, offset); err != nil {
		return dberror.Wrap(err, dberror.KindTransient, dberror.CodeIO, "flush", "WAL")
	}
	if err := w.active.Sync(); err != nil {
		return dberror.Wrap(err, dberror.KindTransient, dberror.CodeIO, "flush", "WAL")
	}
	w.activeSize += int64(len(data))
	// Only the highest LSN actually contained in the batch just fsynced
	// is durable now — never nextLSN-1, which may already have been
	// advanced by a concurrent Append racing ahead of this drain.
	w.flushedLSN.Store(uint64(maxLSN))

	if w.shipHook != nil {
		w.shipHook(w.active.Name(), offset, data)
	}
	metrics.WALCommitLatencySeconds.Observe(time.Since(start).Seconds())
	return nil
}

func (w *WAL) rotateLocked() error {
	if err := w.active.Close(); err != nil {
		return dberror.Wrap(err, dberror.KindTransient, dberror.CodeIO, "rotate", "WAL")
	}
	w.activeSeq++
	f, err := os.OpenFile(segmentPath(w.dir, w.activeSeq), os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return dberror.Wrap(err, dberror.KindTransient, dberror.CodeIO, "rotate", "WAL")
	}
	w.active = f
	w.activeSize = 0
	return nil
}

func (w *WAL) groupCommitLoop() {
	defer w.commitWg.Done()
	ticker := time.NewTicker(w.cfg.MaxCommitDelay)
	defer ticker.Stop()
	log := logging.WithComponent("wal")
	for {
		select {
		case <-w.stopCh:
			return
		case <-ticker.C:
			if err := w.flushLocked(); err != nil {
				log.Error().Err(err).Msg("group commit flush failed")
			}
		}
	}
}

// Close flushes any buffered records and closes the active segment.
func (w *WAL) Close() error {
	if !w.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(w.stopCh)
	w.commitWg.Wait()
	if err := w.flushLocked(); err != nil {
		return err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.active.Close()
}

// DirName returns the WAL's segment directory.
func (w *WAL) DirName() string { return w.dir }

// Segments returns the path of every surviving WAL segment file, oldest
// first, for recovery to scan in order.
func (w *WAL) Segments() ([]string, error) {
	segs, err := listSegments(w.dir)
	if err != nil {
		return nil, err
	}
	paths := make([]string, len(segs))
	for i, s := range segs {
		paths[i] = s.path
	}
	return paths, nil
}

// Reader reads length-framed records sequentially from one segment file.
type Reader struct {
	f *os.File
	r *bufio.Reader
}

func NewReader(path string) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, dberror.Wrap(err, dberror.KindPermanent, dberror.CodeIO, "NewReader", "WAL")
	}
	return &Reader{f: f, r: bufio.NewReader(f)}, nil
}

// ReadNext reads the next record, returning io.EOF once the segment is
// exhausted (including a clean trailing partial frame left by a
// crash mid-append, which is treated as end of valid log, not an error).
func (r *Reader) ReadNext() (*record.Record, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r.r, lenBuf[:]); err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return nil, io.EOF
		}
		return nil, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	data := make([]byte, n)
	if _, err := io.ReadFull(r.r, data); err != nil {
		return nil, io.EOF // truncated trailing frame: stop here
	}
	rec, err := record.Deserialize(data)
	if err != nil {
		return nil, fmt.Errorf("corrupt WAL frame: %w", err)
	}
	return rec, nil
}

func (r *Reader) Close() error { return r.f.Close() }
