// Package buffer implements a fixed-frame page cache in front of
// pkg/diskmgr, replacing pages under an Enhanced ARC policy (adaptive
// T1/T2 resident lists with B1/B2 ghost history, a target split adjusted
// on ghost-list hits, scan resistance, and a sharded page table to spread latch
// contention across cores). Concurrent fetches of the same page coalesce
// onto a single disk read via golang.org/x/sync/singleflight.
//
// Every dirty page write — eviction, an explicit flush, or a periodic
// background flush — forces the attached WAL up to that page's pageLSN
// first, so a page's effects are never visible on disk ahead of the log
// record that produced them.
package buffer

import (
	"context"
	"fmt"
	"hash/fnv"
	"runtime"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/rs/zerolog"

	"ariesdb/internal/dberror"
	"ariesdb/internal/logging"
	"ariesdb/pkg/diskmgr"
	"ariesdb/pkg/metrics"
	"ariesdb/pkg/page"
	"ariesdb/pkg/primitives"
	"ariesdb/pkg/wal"
)

// frame is one resident buffer pool slot.
type frame struct {
	id       primitives.PageID
	page     *page.Page
	pinCount int32 // atomic
	dirty    atomic.Bool
	refBit   atomic.Bool // set on touch, cleared by scan-resistant second-chance eviction
}

func (f *frame) pin()     { atomic.AddInt32(&f.pinCount, 1) }
func (f *frame) unpin()   { atomic.AddInt32(&f.pinCount, -1) }
func (f *frame) pinned() bool { return atomic.LoadInt32(&f.pinCount) > 0 }

// shard owns a disjoint slice of the page id space and runs an independent
// Enhanced ARC instance over its own fraction of total pool capacity,
// so that two goroutines touching unrelated pages never contend on the
// same mutex.
type shard struct {
	mu sync.Mutex

	capacity int // resident frame budget (|T1|+|T2| <= capacity)
	target   int // ARC parameter p: target size of T1

	t1, t2 *residentList
	b1, b2 *ghostList
}

func newShard(capacity int) *shard {
	return &shard{
		capacity: capacity,
		t1:       newResidentList(),
		t2:       newResidentList(),
		b1:       newGhostList(capacity),
		b2:       newGhostList(capacity),
	}
}

// Pool is the engine's buffer pool: a fixed number of frames backed by a
// diskmgr.Manager, replaced under Enhanced ARC.
type Pool struct {
	disk   *diskmgr.Manager
	shards []*shard

	// wal gates every page write behind the WAL-before-data invariant:
	// a dirty page's pageLSN must be durable before the page itself may
	// be written back. nil only in tests that exercise the pool without
	// a log.
	wal atomic.Pointer[wal.WAL]
	log zerolog.Logger

	group singleflight.Group

	prefetchDepth atomic.Int32 // adaptive readahead window, pages
	avgFetchNanos atomic.Int64 // exponential moving average fetch latency

	accessHistory sync.Map // issuer id -> *scanTracker, for sequential-scan detection

	closed atomic.Bool
	stopCh chan struct{}
	wg     sync.WaitGroup

	flushInterval time.Duration
}

// Config carries the pool-sizing knobs the engine's internal/config.Config
// exposes, kept separate from that package to avoid an import cycle.
type Config struct {
	Frames          int
	ShardCount      int // 0 selects next-power-of-two >= 4*NumCPU
	FlushInterval   time.Duration
	PrefetchInitial int
}

// New builds a pool of the given total frame budget split evenly across
// shards.
func New(disk *diskmgr.Manager, cfg Config) *Pool {
	shardCount := cfg.ShardCount
	if shardCount <= 0 {
		shardCount = nextPow2(4 * runtime.NumCPU())
	}
	if cfg.Frames < shardCount {
		shardCount = 1
	}
	perShard := cfg.Frames / shardCount

	p := &Pool{
		disk:          disk,
		shards:        make([]*shard, shardCount),
		log:           logging.WithComponent("buffer"),
		stopCh:        make(chan struct{}),
		flushInterval: cfg.FlushInterval,
	}
	for i := range p.shards {
		p.shards[i] = newShard(perShard)
	}
	initial := cfg.PrefetchInitial
	if initial <= 0 {
		initial = 4
	}
	p.prefetchDepth.Store(int32(initial))

	if p.flushInterval > 0 {
		p.wg.Add(1)
		go p.dirtyFlusherLoop()
	}
	return p
}

func nextPow2(n int) int {
	p := 1
	for p < n {
		p <<= 1
	}
	return p
}

// SetWAL installs the write-ahead log every dirty page write must be
// gated behind. Called once during engine startup, before recovery or
// any transaction runs.
func (p *Pool) SetWAL(w *wal.WAL) { p.wal.Store(w) }

// PageSize returns the fixed page size pages in this pool are sized to.
func (p *Pool) PageSize() int { return p.disk.PageSize() }

// AllocatePage reserves a fresh page id backed by this pool's disk
// manager, for a caller about to write a brand new logical key.
func (p *Pool) AllocatePage() (primitives.PageID, error) {
	return p.disk.AllocatePage()
}

// forceWAL blocks until lsn is durable on the log, the WAL-before-data
// rule every dirty page write must satisfy. A pool with no WAL attached
// (test fixtures exercising the pool in isolation) skips the gate.
func (p *Pool) forceWAL(lsn primitives.LSN) error {
	w := p.wal.Load()
	if w == nil {
		return nil
	}
	return w.Force(lsn)
}

func (p *Pool) shardFor(id primitives.PageID) *shard {
	h := fnv.New64a()
	var b [8]byte
	for i := 0; i < 8; i++ {
		b[i] = byte(uint64(id) >> (8 * i))
	}
	h.Write(b[:])
	return p.shards[h.Sum64()%uint64(len(p.shards))]
}

// FetchPage pins and returns the page for id, reading it from disk on a
// miss. Concurrent fetches of the same page id coalesce into a single
// disk read via singleflight.
func (p *Pool) FetchPage(ctx context.Context, id primitives.PageID, issuer string) (*page.Page, error) {
	if p.closed.Load() {
		return nil, dberror.New(dberror.KindPermanent, dberror.CodeEngineReadOnly, "buffer pool is closed")
	}

	sh := p.shardFor(id)

	sh.mu.Lock()
	if f := sh.t1.remove(id); f != nil {
		f.pin()
		f.refBit.Store(true)
		if p.isScanning(issuer) {
			sh.t1.pushFront(f)
		} else {
			sh.t2.pushFront(f)
		}
		sh.mu.Unlock()
		p.recordAccess(issuer, id)
		return f.page, nil
	}
	if sh.t2.contains(id) {
		f := sh.t2.remove(id)
		f.pin()
		f.refBit.Store(true)
		sh.t2.pushFront(f)
		sh.mu.Unlock()
		p.recordAccess(issuer, id)
		return f.page, nil
	}
	sh.mu.Unlock()

	key := fmt.Sprintf("%d", id)
	v, err, _ := p.group.Do(key, func() (any, error) {
		start := time.Now()
		pg, err := p.loadMiss(sh, id)
		p.observeFetchLatency(time.Since(start))
		return pg, err
	})
	if err != nil {
		return nil, err
	}
	pg := v.(*page.Page)
	p.recordAccess(issuer, id)
	p.maybePrefetch(ctx, issuer, id)
	return pg, nil
}

// loadMiss handles an ARC miss: ghost-list adaptation, eviction to make
// room, then the actual disk read and T1 insertion.
func (p *Pool) loadMiss(sh *shard, id primitives.PageID) (*page.Page, error) {
	sh.mu.Lock()
	// Re-check: another goroutine may have completed the load for a
	// different id in this shard and promoted id's ghost status.
	if f := sh.t1.remove(id); f != nil {
		f.pin()
		sh.t2.pushFront(f)
		sh.mu.Unlock()
		return f.page, nil
	}
	if sh.t2.contains(id) {
		f := sh.t2.remove(id)
		f.pin()
		sh.t2.pushFront(f)
		sh.mu.Unlock()
		return f.page, nil
	}

	inB1 := sh.b1.contains(id)
	inB2 := sh.b2.contains(id)
	switch {
	case inB1:
		delta := 1
		if sh.b2.len() > sh.b1.len() && sh.b1.len() > 0 {
			delta = sh.b2.len() / sh.b1.len()
		}
		sh.target = min(sh.target+delta, sh.capacity)
		sh.b1.remove(id)
		p.replace(sh, true)
	case inB2:
		delta := 1
		if sh.b1.len() > sh.b2.len() && sh.b2.len() > 0 {
			delta = sh.b1.len() / sh.b2.len()
		}
		sh.target = max(sh.target-delta, 0)
		sh.b2.remove(id)
		p.replace(sh, false)
	default:
		if sh.t1.len()+sh.b1.len() >= sh.capacity && sh.capacity > 0 {
			if sh.t1.len() < sh.capacity {
				sh.b1.remove(oldestGhost(sh.b1))
				p.replace(sh, false)
			} else if f := sh.t1.backExcluding(func(f *frame) bool { return f.pinned() }); f != nil {
				if !f.dirty.Load() || p.forceWAL(f.page.LSN()) == nil {
					if f.dirty.Load() {
						_ = p.disk.WritePage(f.page)
					}
					sh.t1.remove(f.id)
					sh.b1.pushFront(f.id)
				}
			}
		} else if sh.t1.len()+sh.t2.len()+sh.b1.len()+sh.b2.len() >= 2*sh.capacity {
			sh.b2.remove(oldestGhost(sh.b2))
			p.replace(sh, false)
		}
	}
	sh.mu.Unlock()

	pg, err := p.disk.ReadPage(id)
	if err != nil {
		return nil, err
	}

	sh.mu.Lock()
	f := &frame{id: id, page: pg}
	f.pin()
	sh.t1.pushFront(f)
	sh.mu.Unlock()
	return pg, nil
}

func oldestGhost(g *ghostList) primitives.PageID {
	if g.order.Len() == 0 {
		return primitives.InvalidPageID
	}
	return g.order.Back().Value.(primitives.PageID)
}

// replace evicts one unpinned frame from T1 or T2 per the ARC rule,
// pushing its id onto the matching ghost list and flushing it first if
// dirty. Caller holds sh.mu.
func (p *Pool) replace(sh *shard, favorT2 bool) {
	var victim *frame
	victimInT1 := false
	fromT1 := sh.t1.len() > 0 && (sh.t1.len() > sh.target || (favorT2 && sh.t1.len() > 0))
	if fromT1 {
		victim = sh.t1.backExcluding(func(f *frame) bool { return f.pinned() })
		if victim != nil {
			victimInT1 = true
			sh.t1.remove(victim.id)
			sh.b1.pushFront(victim.id)
		}
	}
	if victim == nil {
		victim = sh.t2.backExcluding(func(f *frame) bool { return f.pinned() })
		if victim != nil {
			sh.t2.remove(victim.id)
			sh.b2.pushFront(victim.id)
		}
	}
	if victim == nil {
		return // pool fully pinned; caller proceeds over-budget rather than stall
	}
	if victim.dirty.Load() {
		if err := p.forceWAL(victim.page.LSN()); err != nil {
			p.log.Error().Err(err).Msg("WAL force before eviction flush failed; page stays dirty")
			if victimInT1 {
				sh.b1.remove(victim.id)
				sh.t1.pushFront(victim)
			} else {
				sh.b2.remove(victim.id)
				sh.t2.pushFront(victim)
			}
			return
		}
		_ = p.disk.WritePage(victim.page)
	}
}

// Unpin releases a pin acquired by FetchPage. markDirty should be true if
// the caller mutated the page's payload.
func (p *Pool) Unpin(id primitives.PageID, markDirty bool) {
	sh := p.shardFor(id)
	sh.mu.Lock()
	var f *frame
	if elem, ok := sh.t1.index[id]; ok {
		f = elem.Value.(*frame)
	} else if elem, ok := sh.t2.index[id]; ok {
		f = elem.Value.(*frame)
	}
	sh.mu.Unlock()
	if f == nil {
		return
	}
	if markDirty {
		f.dirty.Store(true)
	}
	f.unpin()
}

// FlushPage writes the page back to disk if dirty, clearing the dirty bit.
func (p *Pool) FlushPage(id primitives.PageID) error {
	sh := p.shardFor(id)
	sh.mu.Lock()
	var f *frame
	if elem, ok := sh.t1.index[id]; ok {
		f = elem.Value.(*frame)
	} else if elem, ok := sh.t2.index[id]; ok {
		f = elem.Value.(*frame)
	}
	sh.mu.Unlock()
	if f == nil || !f.dirty.Load() {
		return nil
	}
	if err := p.forceWAL(f.page.LSN()); err != nil {
		return err
	}
	if err := p.disk.WritePage(f.page); err != nil {
		return err
	}
	f.dirty.Store(false)
	return nil
}

// FlushAll writes every dirty resident page to disk, combining
// contiguous page-id runs into single vectored writes.
func (p *Pool) FlushAll() error {
	var dirty []*page.Page
	for _, sh := range p.shards {
		sh.mu.Lock()
		collect := func(l *residentList) {
			for elem := l.order.Front(); elem != nil; elem = elem.Next() {
				f := elem.Value.(*frame)
				if f.dirty.Load() {
					dirty = append(dirty, f.page)
				}
			}
		}
		collect(sh.t1)
		collect(sh.t2)
		sh.mu.Unlock()
	}
	if len(dirty) == 0 {
		return nil
	}
	sort.Slice(dirty, func(i, j int) bool { return dirty[i].ID() < dirty[j].ID() })

	run := dirty[:1]
	flush := func(run []*page.Page) error {
		var maxLSN primitives.LSN
		for _, pg := range run {
			if pg.LSN() > maxLSN {
				maxLSN = pg.LSN()
			}
		}
		if err := p.forceWAL(maxLSN); err != nil {
			return err
		}
		if err := p.disk.WritePages(run); err != nil {
			return err
		}
		for _, pg := range run {
			p.clearDirty(pg.ID())
		}
		return nil
	}
	for i := 1; i < len(dirty); i++ {
		if dirty[i].ID() == dirty[i-1].ID()+1 {
			run = append(run, dirty[i])
			continue
		}
		if err := flush(run); err != nil {
			return err
		}
		run = dirty[i : i+1]
	}
	return flush(run)
}

func (p *Pool) clearDirty(id primitives.PageID) {
	sh := p.shardFor(id)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if elem, ok := sh.t1.index[id]; ok {
		elem.Value.(*frame).dirty.Store(false)
	} else if elem, ok := sh.t2.index[id]; ok {
		elem.Value.(*frame).dirty.Store(false)
	}
}

// OnMemoryPressure reactively evicts up to n unpinned frames per shard,
// ahead of ARC's normal capacity-driven replacement, in response to a
// host-level memory pressure signal.
func (p *Pool) OnMemoryPressure(n int) {
	for _, sh := range p.shards {
		sh.mu.Lock()
		for i := 0; i < n; i++ {
			before := sh.t1.len() + sh.t2.len()
			p.replace(sh, sh.t2.len() > sh.t1.len())
			if sh.t1.len()+sh.t2.len() == before {
				break // nothing left evictable (all pinned)
			}
		}
		sh.mu.Unlock()
	}
}

func (p *Pool) observeFetchLatency(d time.Duration) {
	prev := p.avgFetchNanos.Load()
	next := prev - prev/8 + int64(d)/8 // EWMA, alpha=1/8
	p.avgFetchNanos.Store(next)
}

type scanTracker struct {
	mu       sync.Mutex
	lastPage primitives.PageID
	runLen   int
}

// recordAccess updates the per-issuer sequential access history used for
// scan resistance: a long run of strictly-increasing page ids marks the
// issuer as scanning, so its fetched pages are not promoted into T2 on a
// single touch the way a point-query's repeated access would be.
func (p *Pool) recordAccess(issuer string, id primitives.PageID) {
	if issuer == "" {
		return
	}
	v, _ := p.accessHistory.LoadOrStore(issuer, &scanTracker{})
	t := v.(*scanTracker)
	t.mu.Lock()
	if id == t.lastPage+1 {
		t.runLen++
	} else {
		t.runLen = 0
	}
	t.lastPage = id
	t.mu.Unlock()
}

func (p *Pool) isScanning(issuer string) bool {
	v, ok := p.accessHistory.Load(issuer)
	if !ok {
		return false
	}
	t := v.(*scanTracker)
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.runLen >= 4
}

// maybePrefetch issues asynchronous readahead fetches for the pages
// following id when the issuer's access pattern looks sequential,
// scaling the readahead depth to the pool's recent average fetch
// latency (slower backing storage earns a deeper window).
func (p *Pool) maybePrefetch(ctx context.Context, issuer string, id primitives.PageID) {
	if !p.isScanning(issuer) {
		return
	}
	depth := p.adaptivePrefetchDepth()
	for i := int32(1); i <= depth; i++ {
		next := id + primitives.PageID(i)
		go func(pid primitives.PageID) {
			defer func() { recover() }()
			_, _ = p.FetchPage(ctx, pid, "")
			p.Unpin(pid, false)
		}(next)
	}
}

func (p *Pool) adaptivePrefetchDepth() int32 {
	nanos := p.avgFetchNanos.Load()
	switch {
	case nanos > int64(2*time.Millisecond):
		return 16
	case nanos > int64(500*time.Microsecond):
		return 8
	default:
		return p.prefetchDepth.Load()
	}
}

func (p *Pool) dirtyFlusherLoop() {
	defer p.wg.Done()
	ticker := time.NewTicker(p.flushInterval)
	defer ticker.Stop()
	log := logging.WithComponent("buffer")
	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			if err := p.FlushAll(); err != nil {
				log.Error().Err(err).Msg("periodic dirty flush failed")
			}
		}
	}
}

// Stats reports gauges FetchPage/Unpin callers' operators care about,
// published through pkg/metrics by the caller.
type Stats struct {
	Pinned int
	Total  int
	Dirty  int
}

func (p *Pool) Stats() Stats {
	var s Stats
	for _, sh := range p.shards {
		sh.mu.Lock()
		count := func(l *residentList) {
			for elem := l.order.Front(); elem != nil; elem = elem.Next() {
				f := elem.Value.(*frame)
				s.Total++
				if f.pinned() {
					s.Pinned++
				}
				if f.dirty.Load() {
					s.Dirty++
				}
			}
		}
		count(sh.t1)
		count(sh.t2)
		sh.mu.Unlock()
	}
	return s
}

// PublishMetrics pushes the current pool stats into pkg/metrics' gauges;
// called periodically by the engine's background task set.
func (p *Pool) PublishMetrics() {
	s := p.Stats()
	metrics.PinnedPages.Set(float64(s.Pinned))
	if s.Total > 0 {
		metrics.DirtyRatio.Set(float64(s.Dirty) / float64(s.Total))
	}
}

// Close stops background flushing and flushes all dirty pages one last
// time.
func (p *Pool) Close() error {
	if !p.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(p.stopCh)
	p.wg.Wait()
	return p.FlushAll()
}
