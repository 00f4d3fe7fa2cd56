package mvcc

import (
	"testing"

	"ariesdb/pkg/primitives"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	return New(primitives.NewClock(1), Config{})
}

func TestReadWrite_OwnUncommittedWriteVisible(t *testing.T) {
	s := newTestStore(t)
	const txn = primitives.TransactionID(1)

	snap := s.BeginSnapshot(txn, nil)
	defer s.EndSnapshot(snap)

	if err := s.Write("k", txn, []byte("v1")); err != nil {
		t.Fatalf("Write: %v", err)
	}

	got, ok, err := s.Read("k", snap)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if !ok || string(got) != "v1" {
		t.Fatalf("Read = (%q, %v), want (\"v1\", true)", got, ok)
	}
}

func TestRead_SnapshotDoesNotSeeLaterCommit(t *testing.T) {
	s := newTestStore(t)
	const writer = primitives.TransactionID(1)
	const reader = primitives.TransactionID(2)

	readerSnap := s.BeginSnapshot(reader, []primitives.TransactionID{writer})
	defer s.EndSnapshot(readerSnap)

	if err := s.Write("k", writer, []byte("v1")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	s.Commit(writer, []string{"k"}, s.clock.Now())

	got, ok, err := s.Read("k", readerSnap)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if ok {
		t.Fatalf("reader snapshot should not see a commit that happened after it began, got %q", got)
	}
}

func TestRead_SeesCommitBeforeSnapshotBegan(t *testing.T) {
	s := newTestStore(t)
	const writer = primitives.TransactionID(1)
	const reader = primitives.TransactionID(2)

	if err := s.Write("k", writer, []byte("v1")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	s.Commit(writer, []string{"k"}, s.clock.Now())

	readerSnap := s.BeginSnapshot(reader, nil)
	defer s.EndSnapshot(readerSnap)

	got, ok, err := s.Read("k", readerSnap)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if !ok || string(got) != "v1" {
		t.Fatalf("Read = (%q, %v), want (\"v1\", true)", got, ok)
	}
}

func TestDelete_TombstoneHidesValue(t *testing.T) {
	s := newTestStore(t)
	const txn = primitives.TransactionID(1)

	if err := s.Write("k", txn, []byte("v1")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	s.Commit(txn, []string{"k"}, s.clock.Now())

	const deleter = primitives.TransactionID(2)
	if err := s.Delete("k", deleter); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	s.Commit(deleter, []string{"k"}, s.clock.Now())

	snap := s.BeginSnapshot(3, nil)
	defer s.EndSnapshot(snap)

	_, ok, err := s.Read("k", snap)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if ok {
		t.Fatal("expected tombstoned key to read as not-found")
	}
}

func TestAbort_RemovesUncommittedHeadVersion(t *testing.T) {
	s := newTestStore(t)
	const txn = primitives.TransactionID(1)

	if err := s.Write("k", txn, []byte("v1")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	s.Abort(txn, []string{"k"})

	snap := s.BeginSnapshot(2, nil)
	defer s.EndSnapshot(snap)

	_, ok, err := s.Read("k", snap)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if ok {
		t.Fatal("aborted write should not be visible to any snapshot")
	}
}

func TestValidate_DetectsWriteSkewAgainstReadSet(t *testing.T) {
	s := newTestStore(t)
	const txnA = primitives.TransactionID(1)
	const txnB = primitives.TransactionID(2)

	if err := s.Write("k", txnA, []byte("v0")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	s.Commit(txnA, []string{"k"}, s.clock.Now())

	snapB := s.BeginSnapshot(txnB, nil)
	defer s.EndSnapshot(snapB)
	if _, _, err := s.Read("k", snapB); err != nil {
		t.Fatalf("Read: %v", err)
	}

	const txnC = primitives.TransactionID(3)
	if err := s.Write("k", txnC, []byte("v1")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	s.Commit(txnC, []string{"k"}, s.clock.Now())

	if err := s.Validate(txnB, snapB, []string{"k"}); err == nil {
		t.Fatal("expected Validate to report a serialization failure, got nil")
	}
}

func TestValidate_PassesWhenReadSetUntouched(t *testing.T) {
	s := newTestStore(t)
	const txnA = primitives.TransactionID(1)

	if err := s.Write("k", txnA, []byte("v0")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	s.Commit(txnA, []string{"k"}, s.clock.Now())

	const txnB = primitives.TransactionID(2)
	snapB := s.BeginSnapshot(txnB, nil)
	defer s.EndSnapshot(snapB)
	if _, _, err := s.Read("k", snapB); err != nil {
		t.Fatalf("Read: %v", err)
	}

	if err := s.Validate(txnB, snapB, []string{"k"}); err != nil {
		t.Fatalf("Validate should pass with no conflicting commits: %v", err)
	}
}

func TestPrepend_EnforcesPerKeyVersionCap(t *testing.T) {
	s := New(primitives.NewClock(1), Config{MaxVersionsPerKey: 2})

	for i := 0; i < 2; i++ {
		txn := primitives.TransactionID(i + 1)
		if err := s.Write("k", txn, []byte("v")); err != nil {
			t.Fatalf("Write %d: %v", i, err)
		}
		s.Commit(txn, []string{"k"}, s.clock.Now())
	}

	// No snapshot is active, so GC should reclaim everything below the
	// newest committed version, making room for one more write.
	if err := s.Write("k", 3, []byte("v3")); err != nil {
		t.Fatalf("Write after GC should succeed: %v", err)
	}
}

func TestGC_ReclaimsVersionsBelowOldestSnapshot(t *testing.T) {
	s := newTestStore(t)
	const txn1 = primitives.TransactionID(1)
	const txn2 = primitives.TransactionID(2)

	if err := s.Write("k", txn1, []byte("v1")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	s.Commit(txn1, []string{"k"}, s.clock.Now())

	if err := s.Write("k", txn2, []byte("v2")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	s.Commit(txn2, []string{"k"}, s.clock.Now())

	before := s.Stats().TotalVersions
	reclaimed := s.GC(10)
	if reclaimed == 0 {
		t.Fatal("expected GC to reclaim the superseded version with no active snapshots")
	}
	after := s.Stats().TotalVersions
	if after != before-int64(reclaimed) {
		t.Errorf("TotalVersions after GC = %d, want %d", after, before-int64(reclaimed))
	}
}
