package epochsys

import "sync/atomic"

// opFrameState tracks one thread's current op frame: the epoch it reserved
// when the outermost BeginOp ran, its nesting depth (begin_op/end_op may
// nest; only the outermost pair actually reserves/releases an epoch), and
// whether any inner call has requested an abort. writeCopies memoizes the
// copy-on-write clone OpenWrite produced for a given original object's ID
// this epoch, so a second OpenWrite on the same object within one op frame
// returns the same clone instead of cloning (and retiring the original)
// twice - see OpenWrite.
type opFrameState struct {
	depth       int32
	readOnly    bool
	aborted     bool
	epoch       Epoch
	writeCopies map[uint64]PBlk
}

// BeginOp reserves the current epoch for thread tid and returns it. Nested
// calls (a thread already holding an op frame) just bump the nesting depth
// and return the already-reserved epoch - the original Montage API allows
// this so a routine can call another routine that also brackets itself with
// begin_op/end_op without tearing down the outer frame early.
func (e *EpochSys) BeginOp(tid int) (Epoch, error) {
	if e.isClosed() {
		return NullEpoch, ErrClosed
	}
	st := &e.frames[tid]
	if st.depth > 0 {
		st.depth++
		return st.epoch, nil
	}
	epoch := e.reserve(tid)
	st.epoch = epoch
	st.depth = 1
	st.readOnly = false
	st.aborted = false
	st.writeCopies = nil
	return epoch, nil
}

// BeginReadOnlyOp is BeginOp's read-only counterpart: the frame it opens
// must never register a write (RegisterAlloc/RegisterUpdate/Retire), which
// EndReadonlyOp checks before releasing the reservation.
func (e *EpochSys) BeginReadOnlyOp(tid int) (Epoch, error) {
	if e.isClosed() {
		return NullEpoch, ErrClosed
	}
	st := &e.frames[tid]
	if st.depth > 0 {
		st.depth++
		return st.epoch, nil
	}
	epoch := e.reserve(tid)
	st.epoch = epoch
	st.depth = 1
	st.readOnly = true
	st.aborted = false
	st.writeCopies = nil
	return epoch, nil
}

// EndOp closes one level of nesting. At the outermost level it merges the
// thread's in_construction set into to_persist (everything it allocated is
// now assumed linked from a reader-visible pointer by the caller), releases
// the epoch reservation, and notifies the advancer that an op completed.
func (e *EpochSys) EndOp(tid int) error {
	st := &e.frames[tid]
	if st.depth <= 0 {
		return ErrUsageBug
	}
	st.depth--
	if st.depth > 0 {
		return nil
	}
	epoch := st.epoch
	aborted := st.aborted
	st.writeCopies = nil
	if aborted {
		discarded := e.pending.DrainConstructionForAbort(tid, epoch)
		e.reclaimAll(discarded)
		e.release(tid)
		return nil
	}
	e.pending.MergeConstructionIntoPersist(tid, epoch)
	e.release(tid)
	e.advancer.NotifyOpEnd()
	return nil
}

// EndReadonlyOp closes a read-only frame. It is an ErrUsageBug to have
// registered any pending write during a read-only frame; this is caught
// here and the offending entries are dropped rather than silently
// persisted, since persisting them would violate the caller's own
// contract.
func (e *EpochSys) EndReadonlyOp(tid int) error {
	st := &e.frames[tid]
	if st.depth <= 0 {
		return ErrUsageBug
	}
	if !st.readOnly {
		return ErrUsageBug
	}
	st.depth--
	if st.depth > 0 {
		return nil
	}
	epoch := st.epoch
	persist, retire, construction := e.pending.slotCounts(tid, epoch)
	e.release(tid)
	if persist+retire+construction > 0 {
		e.pending.clearSlot(tid, epoch)
		return ErrUsageBug
	}
	return nil
}

// AbortOp immediately ends the calling thread's op frame regardless of
// nesting depth, reclaiming everything it allocated and releasing its
// epoch reservation. Matches the original abort_op semantics: there is no
// partial abort of an inner nesting level.
func (e *EpochSys) AbortOp(tid int) error {
	st := &e.frames[tid]
	if st.depth <= 0 {
		return ErrUsageBug
	}
	epoch := st.epoch
	discarded := e.pending.DrainConstructionForAbort(tid, epoch)
	e.reclaimAll(discarded)
	st.depth = 0
	st.aborted = false
	st.writeCopies = nil
	e.release(tid)
	return nil
}

// requestAbort marks the current (possibly nested) frame for abort; takes
// effect when the outermost EndOp runs. Used by WithOp's retry wrapper so
// an inner failure can unwind through intermediate EndOp calls cleanly.
func (e *EpochSys) requestAbort(tid int) {
	e.frames[tid].aborted = true
}

func (e *EpochSys) reserve(tid int) Epoch {
	if e.liveness == Blocking {
		e.advMu.Lock()
		defer e.advMu.Unlock()
	}
	epoch, races := e.clock.Reserve(tid)
	if races > 0 {
		e.metrics.ReservationRace.Add(float64(races))
	}
	return epoch
}

func (e *EpochSys) release(tid int) {
	if e.liveness == Blocking {
		e.advMu.Lock()
		defer e.advMu.Unlock()
	}
	e.clock.Release(tid)
}

func (e *EpochSys) isClosed() bool {
	return atomic.LoadInt32(&e.closed) != 0
}

// WithOp runs fn inside a BeginOp/EndOp bracket on tid, retrying the whole
// closure if fn returns ErrOldSeesNew or ErrEpochVerify (the two errors
// that mean "the epoch moved, try again in the new one") up to maxRetries
// times. Any other error aborts the frame and is returned to the caller.
func (e *EpochSys) WithOp(tid int, maxRetries int, fn func(epoch Epoch) error) error {
	for attempt := 0; ; attempt++ {
		epoch, err := e.BeginOp(tid)
		if err != nil {
			return err
		}
		err = fn(epoch)
		if err == nil {
			return e.EndOp(tid)
		}
		if (err == ErrOldSeesNew || err == ErrEpochVerify) && attempt < maxRetries {
			_ = e.AbortOp(tid)
			continue
		}
		e.requestAbort(tid)
		_ = e.EndOp(tid)
		return err
	}
}

// WithReadOnlyOp is WithOp's read-only counterpart; it never retries on its
// own since a read-only operation is expected to handle ErrOldSeesNew by
// simply reporting "not found yet" to its own caller, not by looping.
func (e *EpochSys) WithReadOnlyOp(tid int, fn func(epoch Epoch) error) error {
	if _, err := e.BeginReadOnlyOp(tid); err != nil {
		return err
	}
	err := fn(e.frames[tid].epoch)
	if endErr := e.EndReadonlyOp(tid); endErr != nil && err == nil {
		err = endErr
	}
	return err
}
