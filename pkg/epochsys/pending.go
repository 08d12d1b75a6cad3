package epochsys

import "sync"

// pendingSlot holds one (thread, epoch-mod-4) bucket of PBlks awaiting
// persistence, retirement, or still under construction. Construction and
// the slot's own sets are separated so an aborted op can discard exactly
// the allocations it made without touching anything another thread
// published into the same ring position in an earlier lap.
type pendingSlot struct {
	mu             sync.Mutex
	toPersist      []PBlk
	toRetire       []PBlk
	inConstruction []PBlk
}

// PendingSets is the per-thread, per-epoch-slot collection of PBlks a
// thread has touched during the epoch it currently holds. Indexing is
// [tid][epoch % epochSlots]; the ring wraps every 4 epochs, which is safe
// because the advancer never lets the global epoch outrun a slot's drain by
// more than one lap (AnyReservedAt blocks it).
type PendingSets struct {
	nThreads int
	slots    [][epochSlots]pendingSlot
}

func newPendingSets(nThreads int) *PendingSets {
	return &PendingSets{nThreads: nThreads, slots: make([][epochSlots]pendingSlot, nThreads)}
}

func (p *PendingSets) slot(tid int, e Epoch) *pendingSlot {
	return &p.slots[tid][SlotOf(e)]
}

// AddConstruction records a freshly allocated or copy-on-write-cloned PBlk
// that has not yet been linked from any reader-visible pointer.
func (p *PendingSets) AddConstruction(tid int, e Epoch, blk PBlk) {
	s := p.slot(tid, e)
	s.mu.Lock()
	s.inConstruction = append(s.inConstruction, blk)
	s.mu.Unlock()
}

// AddPersist records a PBlk whose header or payload must be flushed before
// this epoch is allowed to retire.
func (p *PendingSets) AddPersist(tid int, e Epoch, blk PBlk) {
	s := p.slot(tid, e)
	s.mu.Lock()
	s.toPersist = append(s.toPersist, blk)
	s.mu.Unlock()
}

// AddRetire records a PBlk that has been superseded or deleted in this
// epoch and becomes reclaimable once the epoch fully drains.
func (p *PendingSets) AddRetire(tid int, e Epoch, blk PBlk) {
	s := p.slot(tid, e)
	s.mu.Lock()
	s.toRetire = append(s.toRetire, blk)
	s.mu.Unlock()
}

// MergeConstructionIntoPersist is called at a successful EndOp: everything
// still in_construction for this (tid, epoch) has now been linked from a
// reader-visible pointer by the caller and must be persisted before the
// epoch can retire.
func (p *PendingSets) MergeConstructionIntoPersist(tid int, e Epoch) {
	s := p.slot(tid, e)
	s.mu.Lock()
	s.toPersist = append(s.toPersist, s.inConstruction...)
	s.inConstruction = s.inConstruction[:0]
	s.mu.Unlock()
}

// DrainConstructionForAbort discards (returns, for the caller to reclaim)
// everything allocated during an aborted op frame. Nothing in this list was
// ever linked from a reader-visible pointer, so it can be freed immediately
// without waiting for the epoch to drain.
func (p *PendingSets) DrainConstructionForAbort(tid int, e Epoch) []PBlk {
	s := p.slot(tid, e)
	s.mu.Lock()
	out := s.inConstruction
	s.inConstruction = nil
	s.mu.Unlock()
	return out
}

// DrainPersist removes and returns every PBlk pending persistence across
// all threads for the given epoch's slot. Called by the advancer once it
// has confirmed no thread holds a reservation on that epoch.
func (p *PendingSets) DrainPersist(e Epoch) []PBlk {
	var out []PBlk
	for tid := 0; tid < p.nThreads; tid++ {
		s := p.slot(tid, e)
		s.mu.Lock()
		out = append(out, s.toPersist...)
		s.toPersist = nil
		s.mu.Unlock()
	}
	return out
}

// DrainRetire removes and returns every PBlk pending retirement across all
// threads for the given epoch's slot.
func (p *PendingSets) DrainRetire(e Epoch) []PBlk {
	var out []PBlk
	for tid := 0; tid < p.nThreads; tid++ {
		s := p.slot(tid, e)
		s.mu.Lock()
		out = append(out, s.toRetire...)
		s.toRetire = nil
		s.mu.Unlock()
	}
	return out
}

// slotCounts reports the pending counts for a single (tid, epoch) bucket,
// used by EndReadonlyOp to assert nothing was registered during a
// supposedly read-only frame.
func (p *PendingSets) slotCounts(tid int, e Epoch) (persist, retire, construction int) {
	s := p.slot(tid, e)
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.toPersist), len(s.toRetire), len(s.inConstruction)
}

// clearSlot wipes a single (tid, epoch) bucket outright. Used to recover
// from a read-only-frame contract violation without leaking the offending
// entries into a later epoch's drain.
func (p *PendingSets) clearSlot(tid int, e Epoch) {
	s := p.slot(tid, e)
	s.mu.Lock()
	s.toPersist = nil
	s.toRetire = nil
	s.inConstruction = nil
	s.mu.Unlock()
}

// PendingCount reports how many PBlks are currently queued across all three
// sets and all threads, for metrics/diagnostics.
func (p *PendingSets) PendingCount() (persist, retire, construction int) {
	for tid := 0; tid < p.nThreads; tid++ {
		for i := range p.slots[tid] {
			s := &p.slots[tid][i]
			s.mu.Lock()
			persist += len(s.toPersist)
			retire += len(s.toRetire)
			construction += len(s.inConstruction)
			s.mu.Unlock()
		}
	}
	return
}
