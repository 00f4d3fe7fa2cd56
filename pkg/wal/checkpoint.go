package wal

import (
	"os"
	"time"

	"ariesdb/internal/dberror"
	"ariesdb/pkg/metrics"
	"ariesdb/pkg/primitives"
	"ariesdb/pkg/record"
)

// WriteCheckpoint performs a fuzzy checkpoint: it records CheckpointBegin,
// snapshots the active-transaction and dirty-page tables without
// stopping new appends, writes that snapshot to a side file, then
// records CheckpointEnd and forces everything to disk. Checkpoint state
// is kept on *WAL instead of a package-level global so multiple WAL
// instances never share it.
func (w *WAL) WriteCheckpoint() (primitives.LSN, error) {
	beginLSN, err := w.Append(&record.Record{Type: record.TypeCheckpointBegin})
	if err != nil {
		return 0, err
	}

	w.mu.RLock()
	activeTxns := make(map[primitives.TransactionID]*record.TransactionInfo, len(w.activeTxns))
	for tid, info := range w.activeTxns {
		cp := *info
		activeTxns[tid] = &cp
	}
	dirtyPages := make(map[primitives.PageID]primitives.LSN, len(w.dirtyPages))
	for pid, lsn := range w.dirtyPages {
		dirtyPages[pid] = lsn
	}
	w.mu.RUnlock()

	cp := &record.Checkpoint{LSN: beginLSN, ActiveTxns: activeTxns, DirtyPages: dirtyPages}
	data, err := record.SerializeCheckpoint(cp)
	if err != nil {
		return 0, dberror.Wrap(err, dberror.KindPermanent, dberror.CodeInvalidArgument, "WriteCheckpoint", "WAL")
	}
	if err := w.writeCheckpointFile(data); err != nil {
		return 0, err
	}

	endLSN, err := w.Append(&record.Record{Type: record.TypeCheckpointEnd, PrevLSN: beginLSN})
	if err != nil {
		return 0, err
	}
	if err := w.Force(endLSN); err != nil {
		return 0, err
	}

	w.lastCheckpointLSN.Store(uint64(endLSN))
	w.lastCheckpointAt.Store(time.Now().UnixNano())

	metrics.CheckpointsTotal.Inc()
	return endLSN, nil
}

func (w *WAL) checkpointPath() string { return w.dir + "/checkpoint.dat" }

func (w *WAL) writeCheckpointFile(data []byte) error {
	tmp := w.checkpointPath() + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return dberror.Wrap(err, dberror.KindTransient, dberror.CodeIO, "writeCheckpointFile", "WAL")
	}
	if err := os.Rename(tmp, w.checkpointPath()); err != nil {
		os.Remove(tmp)
		return dberror.Wrap(err, dberror.KindTransient, dberror.CodeIO, "writeCheckpointFile", "WAL")
	}
	return nil
}

// LastCheckpoint loads the most recently written checkpoint, or nil if
// none has ever been written.
func (w *WAL) LastCheckpoint() (*record.Checkpoint, error) {
	data, err := os.ReadFile(w.checkpointPath())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, dberror.Wrap(err, dberror.KindPermanent, dberror.CodeIO, "LastCheckpoint", "WAL")
	}
	cp, err := record.DeserializeCheckpoint(data)
	if err != nil {
		return nil, dberror.Wrap(err, dberror.KindPermanent, dberror.CodeCorruption, "LastCheckpoint", "WAL")
	}
	return cp, nil
}

// ShouldCheckpoint reports whether WAL growth or elapsed time since the
// last checkpoint warrants triggering a new one.
func (w *WAL) ShouldCheckpoint(maxSegmentBytes int64, maxInterval time.Duration) bool {
	w.mu.RLock()
	size := w.activeSize
	w.mu.RUnlock()
	if size >= maxSegmentBytes {
		return true
	}
	last := w.lastCheckpointAt.Load()
	if last == 0 {
		return true
	}
	return time.Since(time.Unix(0, last)) >= maxInterval
}

// TruncateBefore deletes every fully-superseded segment file: one whose
// entire LSN range precedes both the checkpoint's LSN and the oldest
// active transaction's/dirty page's first LSN. Segment rotation means
// truncation here is just "delete old segment files" — no record is
// ever copied or rewritten.
func (w *WAL) TruncateBefore(cp *record.Checkpoint) (int, error) {
	if cp == nil {
		return 0, nil
	}
	keepFrom := cp.LSN
	for _, info := range cp.ActiveTxns {
		if info.FirstLSN < keepFrom {
			keepFrom = info.FirstLSN
		}
	}
	for _, lsn := range cp.DirtyPages {
		if lsn < keepFrom {
			keepFrom = lsn
		}
	}

	w.mu.Lock()
	currentSeq := w.activeSeq
	w.mu.Unlock()

	segs, err := listSegments(w.dir)
	if err != nil {
		return 0, err
	}

	removed := 0
	for _, s := range segs {
		if s.seq >= currentSeq {
			continue // never remove the active segment
		}
		maxLSN, err := segmentMaxLSN(s.path)
		if err != nil {
			return removed, err
		}
		if maxLSN < keepFrom {
			if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
				return removed, dberror.Wrap(err, dberror.KindTransient, dberror.CodeIO, "TruncateBefore", "WAL")
			}
			removed++
		}
	}
	return removed, nil
}

func segmentMaxLSN(path string) (primitives.LSN, error) {
	r, err := NewReader(path)
	if err != nil {
		return 0, err
	}
	defer r.Close()
	var max primitives.LSN
	for {
		rec, err := r.ReadNext()
		if err != nil {
			break
		}
		if rec.LSN > max {
			max = rec.LSN
		}
	}
	return max, nil
}
