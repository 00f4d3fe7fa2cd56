// Package engine wires every layer (disk manager, buffer pool, WAL,
// MVCC, lock manager, deadlock detector, transaction manager, recovery)
// into the single entry point an embedder or the ariesdbd CLI opens: a
// KV + transaction API over one data directory.
//
// Every manager is constructed in dependency order in one place and
// handed to the ones that depend on it; golang.org/x/sync/errgroup
// supervises the checkpoint loop and MVCC GC loop as one group, while
// the deadlock detector runs its own goroutine via Start/Stop.
package engine

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"ariesdb/internal/config"
	"ariesdb/internal/dberror"
	"ariesdb/internal/logging"
	"ariesdb/pkg/buffer"
	"ariesdb/pkg/deadlock"
	"ariesdb/pkg/diskmgr"
	"ariesdb/pkg/keydir"
	"ariesdb/pkg/lockmgr"
	"ariesdb/pkg/metrics"
	"ariesdb/pkg/mvcc"
	"ariesdb/pkg/primitives"
	"ariesdb/pkg/recovery"
	"ariesdb/pkg/txn"
	"ariesdb/pkg/wal"
)

// Engine is the top-level handle embedders open: one data directory,
// one buffer pool, one WAL, one transaction manager.
type Engine struct {
	cfg   config.Config
	disk  *diskmgr.Manager
	pool  *buffer.Pool
	log   *wal.WAL
	store *mvcc.Store
	dir   *keydir.Directory
	locks *lockmgr.Manager
	det   *deadlock.Detector
	txns  *txn.Manager
	clock *primitives.Clock

	events *eventQueue

	group  *errgroup.Group
	gctx   context.Context
	cancel context.CancelFunc

	closeOnce sync.Once
}

// Open builds every layer in dependency order, runs crash recovery
// before accepting any transaction, and starts the background tasks:
// the checkpoint loop (which also flushes dirty pages), the MVCC GC
// loop, and the deadlock detector.
func Open(cfg config.Config) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logging.Init(logging.Config{})
	log := logging.WithComponent("engine")

	disk, err := diskmgr.Open(filepath.Join(cfg.DataDir, "data.db"), cfg.PageSize, 16)
	if err != nil {
		return nil, dberror.Wrap(err, dberror.KindPermanent, dberror.CodeIO, "Open", "Engine")
	}

	pool := buffer.New(disk, buffer.Config{
		Frames:        cfg.BufferPoolFrames,
		FlushInterval: 0, // dirty flushing is driven by the checkpoint/flusher task below
	})

	w, err := wal.Open(filepath.Join(cfg.DataDir, "wal"), wal.Config{
		BufferBytes:    cfg.WALBufferBytes,
		MaxCommitDelay: cfg.WALMaxCommitDelay,
		SegmentBytes:   cfg.WALSegmentBytes,
		GroupCommit:    cfg.WALGroupCommit,
	})
	if err != nil {
		disk.Close()
		return nil, dberror.Wrap(err, dberror.KindPermanent, dberror.CodeIO, "Open", "Engine")
	}
	pool.SetWAL(w)

	clock := primitives.NewClock(cfg.NodeID)

	store := mvcc.New(clock, mvcc.Config{
		MaxVersionsPerKey: cfg.MVCCMaxVersionsPerKey,
		MaxVersionsGlobal: cfg.MVCCMaxVersionsGlobal,
	})

	locks := lockmgr.New(lockmgr.Config{
		AcquireTimeout:      cfg.LockAcquireTimeout,
		MaxWaiters:          cfg.LockMaxWaiters,
		EscalationThreshold: cfg.LockEscalationThresh,
	})

	dir := keydir.New()

	gctx, cancel := context.WithCancel(context.Background())
	group, gctx := errgroup.WithContext(gctx)

	e := &Engine{
		cfg:    cfg,
		disk:   disk,
		pool:   pool,
		log:    w,
		store:  store,
		dir:    dir,
		locks:  locks,
		clock:  clock,
		events: newEventQueue(1024),
		group:  group,
		gctx:   gctx,
		cancel: cancel,
	}

	e.det = deadlock.New(locks, deadlock.Config{
		Interval: cfg.DeadlockInterval,
		Policy:   deadlockPolicy(cfg.DeadlockVictimPolicy),
	}, e.onDeadlockVictim)

	e.txns = txn.New(w, store, locks, clock, e.det, pool, dir, txn.Config{
		DefaultIsolation:      isolation(cfg.IsolationDefault),
		MaxActiveTransactions: cfg.MaxActiveTransactions,
		LockTimeout:           cfg.LockAcquireTimeout,
	})

	w.SetShippingHook(func(segmentPath string, offset int64, data []byte) {
		e.events.push(Event{Kind: EventWALShipped, Detail: fmt.Sprintf("%s@%d (%d bytes)", segmentPath, offset, len(data))})
	})

	rec := recovery.New(w, pool, store, dir, clock)
	if _, err := rec.Recover(context.Background()); err != nil {
		w.Close()
		disk.Close()
		cancel()
		return nil, dberror.Wrap(err, dberror.KindPermanent, dberror.CodeRecoveryFailed, "Open", "Engine")
	}

	e.det.Start()
	e.startBackgroundTasks()

	log.Info().Str("data_dir", cfg.DataDir).Msg("engine open")
	return e, nil
}

func isolation(l config.IsolationLevel) txn.Isolation {
	switch l {
	case config.ReadUncommitted:
		return txn.ReadUncommitted
	case config.ReadCommitted:
		return txn.ReadCommitted
	case config.Snapshot:
		return txn.SnapshotIso
	case config.Serializable:
		return txn.Serializable
	default:
		return txn.RepeatableRead
	}
}

func deadlockPolicy(p config.VictimPolicy) deadlock.VictimPolicy {
	switch p {
	case config.VictimOldest:
		return deadlock.PolicyOldest
	case config.VictimLeastWork:
		return deadlock.PolicyLeastWork
	case config.VictimLowestPrio:
		return deadlock.PolicyLowestPriority
	default:
		return deadlock.PolicyYoungest
	}
}

func (e *Engine) onDeadlockVictim(txnID primitives.TransactionID) {
	e.events.push(Event{Kind: EventDeadlockVictim, Detail: fmt.Sprintf("txn %d", txnID)})
}

// startBackgroundTasks launches the checkpoint daemon and MVCC GC loop
// under the engine's errgroup, so Close's group.Wait reliably drains
// every background goroutine before returning.
func (e *Engine) startBackgroundTasks() {
	e.group.Go(func() error { e.checkpointLoop(); return nil })
	e.group.Go(func() error { e.gcLoop(); return nil })
}

func (e *Engine) checkpointLoop() {
	interval := e.cfg.CheckpointInterval
	if interval <= 0 {
		interval = 60 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	log := logging.WithComponent("engine.checkpoint")

	for {
		select {
		case <-e.gctx.Done():
			return
		case <-ticker.C:
			if err := e.log.Force(primitives.LSN(^uint64(0))); err != nil {
				log.Error().Err(err).Msg("WAL force before checkpoint flush failed")
				continue
			}
			if err := e.pool.FlushAll(); err != nil {
				log.Error().Err(err).Msg("flush before checkpoint failed")
				continue
			}
			lsn, err := e.log.WriteCheckpoint()
			if err != nil {
				log.Error().Err(err).Msg("checkpoint failed")
				continue
			}
			cp, err := e.log.LastCheckpoint()
			if err == nil && cp != nil {
				if n, err := e.log.TruncateBefore(cp); err == nil && n > 0 {
					log.Info().Int("segments_removed", n).Msg("WAL truncated")
				}
			}
			log.Info().Uint64("lsn", uint64(lsn)).Msg("checkpoint complete")
		}
	}
}

func (e *Engine) gcLoop() {
	interval := e.cfg.MVCCGCInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	batch := e.cfg.MVCCGCBatch
	if batch <= 0 {
		batch = 1000
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-e.gctx.Done():
			return
		case <-ticker.C:
			e.store.GC(batch)
		}
	}
}

// Close stops every background task, flushes the buffer pool and WAL,
// and releases the on-disk handles. Safe to call more than once.
func (e *Engine) Close() error {
	var err error
	e.closeOnce.Do(func() {
		e.cancel()
		e.det.Stop()
		e.txns.Stop()
		_ = e.group.Wait()

		if ferr := e.pool.FlushAll(); ferr != nil {
			err = ferr
		}
		if ferr := e.pool.Close(); ferr != nil && err == nil {
			err = ferr
		}
		if ferr := e.log.Close(); ferr != nil && err == nil {
			err = ferr
		}
		if ferr := e.disk.Close(); ferr != nil && err == nil {
			err = ferr
		}
	})
	return err
}

// WAL exposes the engine's write-ahead log for callers that need direct
// access to checkpoint/truncation controls (the ariesdbd checkpoint
// subcommand).
func (e *Engine) WAL() *wal.WAL { return e.log }

// Events returns a snapshot of the engine's audit/event ring buffer.
func (e *Engine) Events() ([]Event, int) {
	return e.events.snapshot()
}

// Stats reports a point-in-time summary across the buffer pool, MVCC
// store, and transaction manager, published to pkg/metrics.
func (e *Engine) Stats() Summary {
	e.pool.PublishMetrics()
	return Summary{
		Buffer: e.pool.Stats(),
		MVCC:   e.store.Stats(),
		Active: e.txns.ActiveCount(),
	}
}

// Summary is the engine-wide point-in-time status report.
type Summary struct {
	Buffer buffer.Stats
	MVCC   mvcc.Stats
	Active int
}
