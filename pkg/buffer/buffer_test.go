package buffer

import (
	"bytes"
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"sync"
	"testing"

	"ariesdb/pkg/diskmgr"
	"ariesdb/pkg/page"
	"ariesdb/pkg/primitives"
)

const testPageSize = 4096

func newTestDisk(t *testing.T) *diskmgr.Manager {
	t.Helper()
	d, err := diskmgr.Open(filepath.Join(t.TempDir(), "heap.db"), testPageSize, 4)
	if err != nil {
		t.Fatalf("diskmgr.Open: %v", err)
	}
	t.Cleanup(func() { d.Close() })
	return d
}

// writePage allocates a page id and writes it to disk with payload as its
// content, returning the id.
func writePage(t *testing.T, d *diskmgr.Manager, payload string) primitives.PageID {
	t.Helper()
	id, err := d.AllocatePage()
	if err != nil {
		t.Fatalf("AllocatePage: %v", err)
	}
	p := page.New(id, testPageSize)
	copy(p.Payload(), payload)
	if err := d.WritePage(p); err != nil {
		t.Fatalf("WritePage: %v", err)
	}
	return id
}

func newTestPool(t *testing.T, d *diskmgr.Manager, frames int) *Pool {
	t.Helper()
	p := New(d, Config{Frames: frames, ShardCount: 1})
	t.Cleanup(func() { p.Close() })
	return p
}

func TestFetchPage_RoundTripReadsPageWrittenToDisk(t *testing.T) {
	d := newTestDisk(t)
	id := writePage(t, d, "hello")
	p := newTestPool(t, d, 4)
	ctx := context.Background()

	pg, err := p.FetchPage(ctx, id, "reader")
	if err != nil {
		t.Fatalf("FetchPage: %v", err)
	}
	if got := pg.Payload()[:5]; !bytes.Equal(got, []byte("hello")) {
		t.Fatalf("Payload = %q, want %q", got, "hello")
	}
	p.Unpin(id, false)
}

func TestFetchPage_LRUCycleEvictsAndReloadsUnderCapacityOne(t *testing.T) {
	d := newTestDisk(t)
	id1 := writePage(t, d, "page-one")
	id2 := writePage(t, d, "page-two")
	p := newTestPool(t, d, 1)
	ctx := context.Background()

	pg1, err := p.FetchPage(ctx, id1, "")
	if err != nil {
		t.Fatalf("FetchPage id1: %v", err)
	}
	p.Unpin(id1, false)
	if got := p.Stats().Total; got != 1 {
		t.Fatalf("Stats().Total after first fetch = %d, want 1", got)
	}
	_ = pg1

	// id1 is unpinned and the shard is at capacity 1; fetching id2 must
	// evict id1 into the ghost list and resident id2 instead.
	pg2, err := p.FetchPage(ctx, id2, "")
	if err != nil {
		t.Fatalf("FetchPage id2: %v", err)
	}
	if got := pg2.Payload()[:8]; !bytes.Equal(got, []byte("page-two")) {
		t.Fatalf("Payload = %q, want %q", got, "page-two")
	}
	p.Unpin(id2, false)
	if got := p.Stats().Total; got != 1 {
		t.Fatalf("Stats().Total after second fetch = %d, want 1 (capacity enforced)", got)
	}

	// Re-fetching id1 should be a ghost hit (from B1), causing a fresh
	// disk read rather than an error, and evicting id2 in turn.
	pg1again, err := p.FetchPage(ctx, id1, "")
	if err != nil {
		t.Fatalf("FetchPage id1 again: %v", err)
	}
	if got := pg1again.Payload()[:8]; !bytes.Equal(got, []byte("page-one")) {
		t.Fatalf("Payload = %q, want %q", got, "page-one")
	}
	p.Unpin(id1, false)
}

func TestFetchPage_ConcurrentFetchesOfSamePageCoalesce(t *testing.T) {
	d := newTestDisk(t)
	id := writePage(t, d, "shared")
	p := newTestPool(t, d, 8)
	ctx := context.Background()

	const goroutines = 32
	var wg sync.WaitGroup
	errs := make([]error, goroutines)
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			pg, err := p.FetchPage(ctx, id, "")
			if err != nil {
				errs[idx] = err
				return
			}
			if !bytes.Equal(pg.Payload()[:6], []byte("shared")) {
				errs[idx] = fmt.Errorf("unexpected payload %q", pg.Payload()[:6])
				return
			}
			p.Unpin(id, false)
		}(i)
	}
	wg.Wait()
	for i, err := range errs {
		if err != nil {
			t.Fatalf("goroutine %d: %v", i, err)
		}
	}
	if got := p.Stats().Total; got != 1 {
		t.Fatalf("Stats().Total = %d, want 1 (single resident frame for the shared page)", got)
	}
}

func TestUnpinMarkDirty_FlushPageWritesBackToDisk(t *testing.T) {
	d := newTestDisk(t)
	id := writePage(t, d, "original")
	p := newTestPool(t, d, 4)
	ctx := context.Background()

	pg, err := p.FetchPage(ctx, id, "")
	if err != nil {
		t.Fatalf("FetchPage: %v", err)
	}
	copy(pg.Payload(), "mutated!")
	p.Unpin(id, true)

	if got := p.Stats().Dirty; got != 1 {
		t.Fatalf("Stats().Dirty after Unpin(markDirty=true) = %d, want 1", got)
	}

	if err := p.FlushPage(id); err != nil {
		t.Fatalf("FlushPage: %v", err)
	}
	if got := p.Stats().Dirty; got != 0 {
		t.Fatalf("Stats().Dirty after FlushPage = %d, want 0", got)
	}

	onDisk, err := d.ReadPage(id)
	if err != nil {
		t.Fatalf("ReadPage: %v", err)
	}
	if got := onDisk.Payload()[:8]; !bytes.Equal(got, []byte("mutated!")) {
		t.Fatalf("persisted payload = %q, want %q", got, "mutated!")
	}
}

func TestFlushAll_CombinesContiguousDirtyRunsAndClearsDirtyBits(t *testing.T) {
	d := newTestDisk(t)
	// The disk manager extends the file one whole extent at a time, so
	// draining an entire extent yields a contiguous run of page ids
	// regardless of the order AllocatePage happens to hand them back.
	var extent []primitives.PageID
	for i := 0; i < 4; i++ {
		id, err := d.AllocatePage()
		if err != nil {
			t.Fatalf("AllocatePage: %v", err)
		}
		extent = append(extent, id)
	}
	sort.Slice(extent, func(i, j int) bool { return extent[i] < extent[j] })
	id1, id2, id3 := extent[0], extent[1], extent[2]
	if id2 != id1+1 || id3 != id2+1 {
		t.Fatalf("expected contiguous allocation, got %d %d %d", id1, id2, id3)
	}
	for _, id := range []primitives.PageID{id1, id2, id3} {
		pg := page.New(id, testPageSize)
		if err := d.WritePage(pg); err != nil {
			t.Fatalf("WritePage %d: %v", id, err)
		}
	}
	p := newTestPool(t, d, 8)
	ctx := context.Background()

	for i, id := range []primitives.PageID{id1, id2, id3} {
		pg, err := p.FetchPage(ctx, id, "")
		if err != nil {
			t.Fatalf("FetchPage %d: %v", id, err)
		}
		copy(pg.Payload(), []byte{byte('x' + i)})
		p.Unpin(id, true)
	}

	if got := p.Stats().Dirty; got != 3 {
		t.Fatalf("Stats().Dirty before FlushAll = %d, want 3", got)
	}
	if err := p.FlushAll(); err != nil {
		t.Fatalf("FlushAll: %v", err)
	}
	if got := p.Stats().Dirty; got != 0 {
		t.Fatalf("Stats().Dirty after FlushAll = %d, want 0", got)
	}

	for i, id := range []primitives.PageID{id1, id2, id3} {
		onDisk, err := d.ReadPage(id)
		if err != nil {
			t.Fatalf("ReadPage %d: %v", id, err)
		}
		if want := byte('x' + i); onDisk.Payload()[0] != want {
			t.Errorf("page %d payload[0] = %q, want %q", id, onDisk.Payload()[0], want)
		}
	}
}

func TestStats_TracksPinnedAndTotalAcrossFetchAndUnpin(t *testing.T) {
	d := newTestDisk(t)
	id1 := writePage(t, d, "one")
	id2 := writePage(t, d, "two")
	p := newTestPool(t, d, 8)
	ctx := context.Background()

	if _, err := p.FetchPage(ctx, id1, ""); err != nil {
		t.Fatalf("FetchPage id1: %v", err)
	}
	if _, err := p.FetchPage(ctx, id2, ""); err != nil {
		t.Fatalf("FetchPage id2: %v", err)
	}

	s := p.Stats()
	if s.Total != 2 || s.Pinned != 2 {
		t.Fatalf("Stats() = %+v, want Total=2 Pinned=2", s)
	}

	p.Unpin(id1, false)
	s = p.Stats()
	if s.Pinned != 1 {
		t.Fatalf("Stats().Pinned after one Unpin = %d, want 1", s.Pinned)
	}

	p.Unpin(id2, false)
	s = p.Stats()
	if s.Pinned != 0 {
		t.Fatalf("Stats().Pinned after both Unpin = %d, want 0", s.Pinned)
	}
}

func TestClose_FlushesDirtyPagesAndRejectsFurtherFetches(t *testing.T) {
	d := newTestDisk(t)
	id := writePage(t, d, "before")
	p := New(d, Config{Frames: 4, ShardCount: 1})
	ctx := context.Background()

	pg, err := p.FetchPage(ctx, id, "")
	if err != nil {
		t.Fatalf("FetchPage: %v", err)
	}
	copy(pg.Payload(), "flushed!")
	p.Unpin(id, true)

	if err := p.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	onDisk, err := d.ReadPage(id)
	if err != nil {
		t.Fatalf("ReadPage: %v", err)
	}
	if got := onDisk.Payload()[:8]; !bytes.Equal(got, []byte("flushed!")) {
		t.Fatalf("persisted payload after Close = %q, want %q", got, "flushed!")
	}

	if _, err := p.FetchPage(ctx, id, ""); err == nil {
		t.Fatal("FetchPage after Close should fail")
	}
}

func TestRecordAccess_SequentialRunMarksIssuerScanning(t *testing.T) {
	d := newTestDisk(t)
	p := newTestPool(t, d, 8)

	for i := primitives.PageID(1); i <= 5; i++ {
		p.recordAccess("scanner", i)
	}
	if !p.isScanning("scanner") {
		t.Fatal("five strictly-increasing accesses should mark the issuer as scanning")
	}
}

func TestRecordAccess_NonSequentialAccessDoesNotMarkScanning(t *testing.T) {
	d := newTestDisk(t)
	p := newTestPool(t, d, 8)

	ids := []primitives.PageID{5, 1, 9, 2, 7}
	for _, id := range ids {
		p.recordAccess("point-query", id)
	}
	if p.isScanning("point-query") {
		t.Fatal("random access pattern should not be classified as scanning")
	}
}
