// pkg/cowbtree/epoch.go
package cowbtree

import (
	"turepoch/pkg/epochsys"
)

// treeEpoch adapts epochsys's reservation-table/pending-set reclamation
// (C3/C4/C6) to CowBTree's caller model. Unlike epochsys's usual consumer,
// CowBTree callers don't carry a thread id of their own - Get/Range/Close
// are called from arbitrary goroutines. treeEpoch bridges the gap with a
// bounded pool of leased tids: Enter blocks only when more goroutines are
// concurrently inside the tree than the pool's size, which is the same
// fixed-thread-count assumption the reservation table is built on.
type treeEpoch struct {
	sys  *epochsys.EpochSys
	tids chan int
}

// newTreeEpoch builds a treeEpoch backed by its own EpochSys. CowBTree
// never persists nodes to a chunk store - an in-memory store is wired in
// purely so epochsys's constructor has somewhere to hand PBlks that
// implement the optional Persist hook, which CowNode does not.
func newTreeEpoch(maxReaders int) *treeEpoch {
	if maxReaders <= 0 {
		maxReaders = 64
	}
	cfg := epochsys.DefaultConfig()
	cfg.NThreads = maxReaders
	store := epochsys.NewMemChunkStore(0)
	sys := epochsys.NewEpochSys(cfg, store, epochsys.NewTypeRegistry(), maxReaders)

	tids := make(chan int, maxReaders)
	for i := 0; i < maxReaders; i++ {
		tids <- i
	}
	return &treeEpoch{sys: sys, tids: tids}
}

// TreeGuard represents an active reader session leased from a treeEpoch.
// It must be released with Leave once the caller is done touching nodes
// reachable from the root it observed at Enter time.
type TreeGuard struct {
	e   *treeEpoch
	tid int
}

// Enter leases a tid and opens a read-only op frame in it, pinning the
// current epoch so any node visible through the root snapshot taken right
// after Enter cannot be reclaimed out from under the reader.
func (e *treeEpoch) Enter() *TreeGuard {
	tid := <-e.tids
	if _, err := e.sys.BeginReadOnlyOp(tid); err != nil {
		// BeginReadOnlyOp only fails once the EpochSys is closed, which a
		// live CowBTree never triggers mid-operation.
		e.tids <- tid
		return &TreeGuard{tid: -1}
	}
	return &TreeGuard{e: e, tid: tid}
}

// Leave ends the read-only op frame and returns the tid to the pool.
func (g *TreeGuard) Leave() {
	if g == nil || g.tid < 0 {
		return
	}
	_ = g.e.sys.EndOp(g.tid)
	g.e.tids <- g.tid
	g.tid = -1
}

// Retire schedules node for reclamation once every reader that might still
// observe it has left its epoch - epochsys's pending-set/advance machinery
// stands in for the tree-local retired-node map the node type used to
// maintain by hand.
func (e *treeEpoch) Retire(node *CowNode) {
	e.retireAll([]*CowNode{node})
}

// RetireNodes retires multiple nodes within a single op frame.
func (e *treeEpoch) RetireNodes(nodes []*CowNode) {
	e.retireAll(nodes)
}

func (e *treeEpoch) retireAll(nodes []*CowNode) {
	var live []*CowNode
	for _, n := range nodes {
		if n != nil {
			live = append(live, n)
		}
	}
	if len(live) == 0 {
		return
	}
	tid := <-e.tids
	if _, err := e.sys.BeginOp(tid); err == nil {
		for _, n := range live {
			_ = e.sys.Retire(tid, n)
		}
		_ = e.sys.EndOp(tid)
	}
	e.tids <- tid
}

// Advance forces one epoch-advance attempt, draining and reclaiming
// whatever has become safe. Close loops this until no reservations remain.
func (e *treeEpoch) Advance() {
	e.sys.Flush()
}

// PendingCount returns the number of nodes still waiting on reclamation.
func (e *treeEpoch) PendingCount() int {
	_, retire, construction := e.sys.PendingCounts()
	return retire + construction
}

// ActiveReaderCount reports how many tids are currently checked out -
// an upper bound on concurrently active readers, used by Close to decide
// when it is safe to stop draining.
func (e *treeEpoch) ActiveReaderCount() int {
	return cap(e.tids) - len(e.tids)
}

func (e *treeEpoch) Close() error {
	return e.sys.Close()
}
