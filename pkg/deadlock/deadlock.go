// Package deadlock implements a wait-for-graph cycle detector: periodic
// construction of a wait-for graph from the lock manager's current
// waiters, bounded-depth cycle search, and pluggable victim selection.
// A mutex-guarded map of waiters is scanned by a background goroutine on
// an adaptive interval.
package deadlock

import (
	"sync"
	"time"

	"ariesdb/internal/logging"
	"ariesdb/pkg/lockmgr"
	"ariesdb/pkg/metrics"
	"ariesdb/pkg/primitives"
)

// VictimPolicy selects which transaction in a detected cycle to abort.
type VictimPolicy string

const (
	PolicyYoungest       VictimPolicy = "youngest"
	PolicyOldest         VictimPolicy = "oldest"
	PolicyLeastWork      VictimPolicy = "leastWork"
	PolicyLowestPriority VictimPolicy = "lowestPriority"
)

// txnMeta is the bookkeeping the detector needs per transaction to
// apply a victim policy, supplied by the transaction manager.
type txnMeta struct {
	startedAt time.Time
	workDone  int64 // e.g. records written; higher means costlier to abort
	priority  int   // higher means more important to preserve
}

// maxDepth bounds the DFS cycle search so one pathological wait chain
// cannot make a detection pass run unboundedly long.
const maxDepth = 64

// Detector periodically scans lockmgr.Manager's waiters for cycles and
// aborts one transaction per cycle found.
type Detector struct {
	lm       *lockmgr.Manager
	interval time.Duration
	minInterval time.Duration
	maxInterval time.Duration
	policy   VictimPolicy

	mu    sync.Mutex
	meta  map[primitives.TransactionID]*txnMeta

	onVictim func(primitives.TransactionID)

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// Config carries the detector's tunables from internal/config.Config
// without importing that package.
type Config struct {
	Interval time.Duration
	Policy   VictimPolicy
}

// New builds a detector. onVictim is invoked (off the detection
// goroutine's critical section) for each transaction chosen as a
// deadlock victim; the caller is expected to abort it.
func New(lm *lockmgr.Manager, cfg Config, onVictim func(primitives.TransactionID)) *Detector {
	interval := cfg.Interval
	if interval <= 0 {
		interval = time.Second
	}
	policy := cfg.Policy
	if policy == "" {
		policy = PolicyYoungest
	}
	return &Detector{
		lm:          lm,
		interval:    interval,
		minInterval: 50 * time.Millisecond,
		maxInterval: 10 * time.Second,
		policy:      policy,
		meta:        make(map[primitives.TransactionID]*txnMeta),
		onVictim:    onVictim,
		stopCh:      make(chan struct{}),
	}
}

// Track registers a transaction's start time and priority so the
// detector can apply its victim policy if it is ever part of a cycle.
func (d *Detector) Track(txnID primitives.TransactionID, priority int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.meta[txnID] = &txnMeta{startedAt: time.Now(), priority: priority}
}

// RecordWork increments a transaction's work counter, consulted by the
// leastWork victim policy.
func (d *Detector) RecordWork(txnID primitives.TransactionID, delta int64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if m, ok := d.meta[txnID]; ok {
		m.workDone += delta
	}
}

// Forget drops a transaction's tracked metadata once it has ended.
func (d *Detector) Forget(txnID primitives.TransactionID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.meta, txnID)
}

// Start launches the background detection loop. The scan interval
// adapts within [minInterval, configured interval]: it halves after a scan
// finds a cycle (contention is worsening, check again sooner) and
// backs off toward the configured interval after a quiet scan.
func (d *Detector) Start() {
	d.wg.Add(1)
	go d.loop()
}

func (d *Detector) loop() {
	defer d.wg.Done()
	log := logging.WithComponent("deadlock")
	current := d.interval
	timer := time.NewTimer(current)
	defer timer.Stop()
	for {
		select {
		case <-d.stopCh:
			return
		case <-timer.C:
			found := d.DetectOnce()
			if found > 0 {
				current = maxDuration(current/2, d.minInterval)
				log.Warn().Int("cycles", found).Msg("deadlock cycles broken")
			} else {
				current = minDuration(current*2, d.maxInterval)
				if current > d.interval {
					current = d.interval
				}
			}
			timer.Reset(current)
		}
	}
}

func maxDuration(a, b time.Duration) time.Duration {
	if a > b {
		return a
	}
	return b
}

func minDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}

// Stop halts the background detection loop.
func (d *Detector) Stop() {
	close(d.stopCh)
	d.wg.Wait()
}

// DetectOnce runs a single detection pass: build the wait-for graph,
// find cycles, abort one victim per cycle. Returns the number of
// cycles broken. Exported so recovery/tests can drive detection
// synchronously without waiting on the timer.
func (d *Detector) DetectOnce() int {
	graph, reverse := d.buildGraph()
	broken := 0
	visited := make(map[primitives.TransactionID]bool)

	for node := range graph {
		if visited[node] {
			continue
		}
		cycle := findCycle(node, graph, visited)
		if len(cycle) == 0 {
			continue
		}
		for _, n := range cycle {
			visited[n] = true
		}
		victim := d.pickVictim(cycle)
		if victim != primitives.InvalidTransactionID {
			d.abort(victim, reverse)
			broken++
		}
	}
	return broken
}

// buildGraph derives the wait-for graph from the lock manager's current
// waiter lists: an edge waiter -> holder means waiter cannot proceed
// until holder releases. The second map lists, per waiting transaction,
// every key it is queued on, used to cancel a victim's pending waits.
func (d *Detector) buildGraph() (map[primitives.TransactionID]map[primitives.TransactionID]bool, map[primitives.TransactionID][]string) {
	graph := make(map[primitives.TransactionID]map[primitives.TransactionID]bool)
	resourceOf := make(map[primitives.TransactionID][]string)

	for key, v := range d.lm.Waiters() {
		for _, waiting := range v.Waiting {
			if graph[waiting] == nil {
				graph[waiting] = make(map[primitives.TransactionID]bool)
			}
			resourceOf[waiting] = append(resourceOf[waiting], key)
			for _, holder := range v.Holders {
				if holder == waiting {
					continue
				}
				graph[waiting][holder] = true
			}
		}
	}
	return graph, resourceOf
}

// findCycle runs an iterative, depth-bounded DFS from start, returning
// the transaction ids forming a cycle if one is reachable, or nil.
// Nodes fully explored without finding a cycle are marked in visited so
// later top-level calls skip them.
func findCycle(start primitives.TransactionID, graph map[primitives.TransactionID]map[primitives.TransactionID]bool, visited map[primitives.TransactionID]bool) []primitives.TransactionID {
	type frame struct {
		node      primitives.TransactionID
		neighbors []primitives.TransactionID
		idx       int
	}
	neighborsOf := func(n primitives.TransactionID) []primitives.TransactionID {
		out := make([]primitives.TransactionID, 0, len(graph[n]))
		for next := range graph[n] {
			out = append(out, next)
		}
		return out
	}

	path := []primitives.TransactionID{start}
	onPath := map[primitives.TransactionID]bool{start: true}
	stack := []frame{{node: start, neighbors: neighborsOf(start)}}

	for len(stack) > 0 {
		f := &stack[len(stack)-1]
		if f.idx >= len(f.neighbors) {
			visited[f.node] = true
			onPath[f.node] = false
			path = path[:len(path)-1]
			stack = stack[:len(stack)-1]
			continue
		}
		next := f.neighbors[f.idx]
		f.idx++

		if onPath[next] {
			for i, n := range path {
				if n == next {
					return append([]primitives.TransactionID(nil), path[i:]...)
				}
			}
		}
		if visited[next] || len(path) >= maxDepth {
			continue
		}
		path = append(path, next)
		onPath[next] = true
		stack = append(stack, frame{node: next, neighbors: neighborsOf(next)})
	}
	return nil
}

func (d *Detector) pickVictim(cycle []primitives.TransactionID) primitives.TransactionID {
	d.mu.Lock()
	defer d.mu.Unlock()

	var victim primitives.TransactionID
	var victimMeta *txnMeta
	for _, txn := range cycle {
		m := d.meta[txn]
		if m == nil {
			return txn // no metadata: safest to abort the unknown one
		}
		if victimMeta == nil || d.moreExpendable(m, victimMeta) {
			victim, victimMeta = txn, m
		}
	}
	return victim
}

// moreExpendable reports whether candidate is a better abort target
// than current under the configured policy.
func (d *Detector) moreExpendable(candidate, current *txnMeta) bool {
	switch d.policy {
	case PolicyOldest:
		return candidate.startedAt.Before(current.startedAt)
	case PolicyLeastWork:
		return candidate.workDone < current.workDone
	case PolicyLowestPriority:
		return candidate.priority < current.priority
	default: // PolicyYoungest
		return candidate.startedAt.After(current.startedAt)
	}
}

func (d *Detector) abort(victim primitives.TransactionID, resourceOf map[primitives.TransactionID][]string) {
	for _, key := range resourceOf[victim] {
		d.lm.AbortWaiting(victim, key)
	}
	metrics.DeadlockVictims.Inc()
	if d.onVictim != nil {
		d.onVictim(victim)
	}
}
