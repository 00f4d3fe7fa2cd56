package txn

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"ariesdb/pkg/buffer"
	"ariesdb/pkg/deadlock"
	"ariesdb/pkg/diskmgr"
	"ariesdb/pkg/keydir"
	"ariesdb/pkg/lockmgr"
	"ariesdb/pkg/mvcc"
	"ariesdb/pkg/primitives"
	"ariesdb/pkg/wal"
)

func newTestManager(t *testing.T, cfg Config) *Manager {
	t.Helper()
	dir := t.TempDir()
	w, err := wal.Open(dir, wal.Config{})
	if err != nil {
		t.Fatalf("wal.Open: %v", err)
	}
	t.Cleanup(func() { w.Close() })

	disk, err := diskmgr.Open(filepath.Join(dir, "data.db"), 4096, 16)
	if err != nil {
		t.Fatalf("diskmgr.Open: %v", err)
	}
	t.Cleanup(func() { disk.Close() })
	pool := buffer.New(disk, buffer.Config{Frames: 64})
	pool.SetWAL(w)

	clock := primitives.NewClock(1)
	store := mvcc.New(clock, mvcc.Config{})
	locks := lockmgr.New(lockmgr.Config{AcquireTimeout: time.Second})
	det := deadlock.New(locks, deadlock.Config{Interval: time.Hour}, func(primitives.TransactionID) {})

	m := New(w, store, locks, clock, det, pool, keydir.New(), cfg)
	t.Cleanup(m.Stop)
	return m
}

func TestBegin_DefaultsToConfiguredIsolation(t *testing.T) {
	m := newTestManager(t, Config{DefaultIsolation: Serializable})
	tx, err := m.Begin(context.Background(), "", 0, 0)
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if tx.Isolation != Serializable {
		t.Errorf("Isolation = %s, want %s", tx.Isolation, Serializable)
	}
	if tx.State() != StateActive {
		t.Errorf("State = %s, want Active", tx.State())
	}
}

func TestReadYourOwnWrite_VisibleBeforeCommit(t *testing.T) {
	m := newTestManager(t, Config{})
	ctx := context.Background()
	tx, err := m.Begin(ctx, RepeatableRead, 0, 0)
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}

	if err := m.Write(ctx, tx, "k", []byte("v1")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	got, ok, err := m.Read(ctx, tx, "k")
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if !ok || string(got) != "v1" {
		t.Fatalf("Read = (%q, %v), want (\"v1\", true)", got, ok)
	}
}

func TestCommit_MakesWritesVisibleToLaterTransactions(t *testing.T) {
	m := newTestManager(t, Config{})
	ctx := context.Background()

	writer, err := m.Begin(ctx, RepeatableRead, 0, 0)
	if err != nil {
		t.Fatalf("Begin writer: %v", err)
	}
	if err := m.Write(ctx, writer, "k", []byte("v1")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := m.Commit(ctx, writer); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if writer.State() != StateCommitted {
		t.Errorf("State after Commit = %s, want Committed", writer.State())
	}

	reader, err := m.Begin(ctx, RepeatableRead, 0, 0)
	if err != nil {
		t.Fatalf("Begin reader: %v", err)
	}
	got, ok, err := m.Read(ctx, reader, "k")
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if !ok || string(got) != "v1" {
		t.Fatalf("reader Read = (%q, %v), want (\"v1\", true)", got, ok)
	}
}

func TestAbort_DiscardsWritesAndReleasesLocks(t *testing.T) {
	m := newTestManager(t, Config{})
	ctx := context.Background()

	tx, err := m.Begin(ctx, RepeatableRead, 0, 0)
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if err := m.Write(ctx, tx, "k", []byte("v1")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := m.Abort(ctx, tx); err != nil {
		t.Fatalf("Abort: %v", err)
	}
	if tx.State() != StateAborted {
		t.Errorf("State = %s, want Aborted", tx.State())
	}

	other, err := m.Begin(ctx, RepeatableRead, 0, 0)
	if err != nil {
		t.Fatalf("Begin other: %v", err)
	}
	// The aborted transaction's exclusive lock must be gone, or this
	// blocks until the lock manager's acquire timeout.
	if err := m.Write(ctx, other, "k", []byte("v2")); err != nil {
		t.Fatalf("Write after abort should not block on a stale lock: %v", err)
	}
}

func TestOperations_RejectInactiveTransaction(t *testing.T) {
	m := newTestManager(t, Config{})
	ctx := context.Background()
	tx, err := m.Begin(ctx, RepeatableRead, 0, 0)
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if err := m.Commit(ctx, tx); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	if _, _, err := m.Read(ctx, tx, "k"); err == nil {
		t.Error("Read on a committed transaction should fail")
	}
	if err := m.Write(ctx, tx, "k", []byte("x")); err == nil {
		t.Error("Write on a committed transaction should fail")
	}
	if err := m.Commit(ctx, tx); err == nil {
		t.Error("double Commit should fail")
	}
}

func TestPrepareCommitPrepared_TwoPhaseFlow(t *testing.T) {
	m := newTestManager(t, Config{})
	ctx := context.Background()
	tx, err := m.Begin(ctx, RepeatableRead, 0, 0)
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if err := m.Write(ctx, tx, "k", []byte("v1")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := m.Prepare(tx); err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	if tx.State() != StatePrepared {
		t.Fatalf("State after Prepare = %s, want Prepared", tx.State())
	}

	if err := m.CommitPrepared(ctx, tx); err != nil {
		t.Fatalf("CommitPrepared: %v", err)
	}
	if tx.State() != StateCommitted {
		t.Fatalf("State after CommitPrepared = %s, want Committed", tx.State())
	}
}

func TestPrepareAbortPrepared_RollsBackPreparedTransaction(t *testing.T) {
	m := newTestManager(t, Config{})
	ctx := context.Background()
	tx, err := m.Begin(ctx, RepeatableRead, 0, 0)
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if err := m.Write(ctx, tx, "k", []byte("v1")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := m.Prepare(tx); err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	if err := m.AbortPrepared(ctx, tx); err != nil {
		t.Fatalf("AbortPrepared: %v", err)
	}
	if tx.State() != StateAborted {
		t.Fatalf("State after AbortPrepared = %s, want Aborted", tx.State())
	}
}

func TestCommitPrepared_RejectsNonPreparedTransaction(t *testing.T) {
	m := newTestManager(t, Config{})
	ctx := context.Background()
	tx, err := m.Begin(ctx, RepeatableRead, 0, 0)
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if err := m.CommitPrepared(ctx, tx); err == nil {
		t.Fatal("CommitPrepared on a plain active transaction should fail")
	}
}

func TestValidate_SerializableDetectsWriteSkewOnCommit(t *testing.T) {
	m := newTestManager(t, Config{})
	ctx := context.Background()

	seed, err := m.Begin(ctx, Serializable, 0, 0)
	if err != nil {
		t.Fatalf("Begin seed: %v", err)
	}
	if err := m.Write(ctx, seed, "k", []byte("v0")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := m.Commit(ctx, seed); err != nil {
		t.Fatalf("Commit seed: %v", err)
	}

	txB, err := m.Begin(ctx, Serializable, 0, 0)
	if err != nil {
		t.Fatalf("Begin txB: %v", err)
	}
	if _, _, err := m.Read(ctx, txB, "k"); err != nil {
		t.Fatalf("Read: %v", err)
	}

	txC, err := m.Begin(ctx, Serializable, 0, 0)
	if err != nil {
		t.Fatalf("Begin txC: %v", err)
	}
	if err := m.Write(ctx, txC, "k", []byte("v1")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := m.Commit(ctx, txC); err != nil {
		t.Fatalf("Commit txC: %v", err)
	}

	if err := m.Commit(ctx, txB); err == nil {
		t.Fatal("expected txB's commit to fail validation against the conflicting commit of txC")
	}
	if txB.State() != StateAborted {
		t.Errorf("txB.State() = %s, want Aborted after a failed validation", txB.State())
	}
}

func TestBegin_AdmissionControlBlocksBeyondCapacity(t *testing.T) {
	m := newTestManager(t, Config{MaxActiveTransactions: 1})
	ctx := context.Background()

	first, err := m.Begin(ctx, RepeatableRead, 0, 0)
	if err != nil {
		t.Fatalf("Begin first: %v", err)
	}

	admitted := make(chan error, 1)
	cctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	go func() {
		_, err := m.Begin(cctx, RepeatableRead, 0, 0)
		admitted <- err
	}()

	select {
	case err := <-admitted:
		if err == nil {
			t.Fatal("second Begin should have blocked on admission control and then timed out")
		}
	case <-time.After(time.Second):
		t.Fatal("second Begin never returned")
	}

	if err := m.Commit(ctx, first); err != nil {
		t.Fatalf("Commit first: %v", err)
	}
	tx, err := m.Begin(context.Background(), RepeatableRead, 0, 0)
	if err != nil {
		t.Fatalf("Begin after slot freed: %v", err)
	}
	_ = tx
}

func TestDeadlineSweep_AbortsExpiredTransaction(t *testing.T) {
	m := newTestManager(t, Config{DeadlineSweepInterval: 20 * time.Millisecond})
	ctx := context.Background()

	tx, err := m.Begin(ctx, RepeatableRead, 10*time.Millisecond, 0)
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if tx.State() == StateAborted {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("deadline sweep never aborted the expired transaction")
}

func TestActiveCount_TracksBeginAndFinish(t *testing.T) {
	m := newTestManager(t, Config{})
	ctx := context.Background()

	if m.ActiveCount() != 0 {
		t.Fatalf("ActiveCount() = %d, want 0", m.ActiveCount())
	}
	tx, err := m.Begin(ctx, RepeatableRead, 0, 0)
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if m.ActiveCount() != 1 {
		t.Fatalf("ActiveCount() = %d, want 1", m.ActiveCount())
	}
	if err := m.Commit(ctx, tx); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if m.ActiveCount() != 0 {
		t.Fatalf("ActiveCount() after Commit = %d, want 0", m.ActiveCount())
	}
}
