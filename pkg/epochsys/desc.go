package epochsys

import "sync/atomic"

type descState int32

const (
	descInProgress descState = iota
	descCommitted
	descAborted
)

// SCDesc is a single-compare-and-swap descriptor: the record a CASVerify
// installs into a LinVar so any other thread that trips over it can finish
// the operation on the installer's behalf. Each thread owns exactly one
// SCDesc for its entire lifetime (see EpochSys.descFor) and reuses it for
// every CASVerify it performs - there is never more than one CASVerify in
// flight per thread, since CASVerify can only be called from inside that
// thread's own op frame.
type SCDesc struct {
	ownerOld any
	ownerNew any
	casEpoch Epoch
	state    atomic.Int32
	_        [cacheLinePad - 8]byte
}

// reset reinitializes the descriptor for a fresh CASVerify attempt. Safe to
// call without synchronization because only the owning thread ever calls
// it, and it always happens-before the CompareAndSwap that installs the
// descriptor into a LinVar (making it visible to helpers).
func (d *SCDesc) reset(oldRaw, newRaw any, epoch Epoch) {
	d.ownerOld = oldRaw
	d.ownerNew = newRaw
	d.casEpoch = epoch
	d.state.Store(int32(descInProgress))
}

func (d *SCDesc) committed() bool {
	return descState(d.state.Load()) == descCommitted
}

// tryComplete decides the descriptor's outcome (if not already decided) and
// then attempts to clean it out of slot, replacing it with the plain final
// value. Any number of threads may call this concurrently on the same
// descriptor; exactly one CompareAndSwap on the state and one on the slot
// will succeed, and every caller agrees on the outcome because both races
// are resolved by CAS rather than by who gets there "first".
func (d *SCDesc) tryComplete(e *EpochSys, slot *LinVar) {
	cur := slot.slot.Load()
	if cur.desc != d {
		// Already cleaned up by another helper.
		return
	}
	st := descState(d.state.Load())
	if st == descInProgress {
		if e.clock.CheckEpoch(d.casEpoch) {
			d.state.CompareAndSwap(int32(descInProgress), int32(descCommitted))
		} else {
			d.state.CompareAndSwap(int32(descInProgress), int32(descAborted))
		}
		st = descState(d.state.Load())
	}
	var final any
	if st == descCommitted {
		final = d.ownerNew
	} else {
		final = d.ownerOld
	}
	cur = slot.slot.Load()
	if cur.desc == d {
		nb := &linBox{raw: final, cnt: cur.cnt + 1}
		slot.slot.CompareAndSwap(cur, nb)
	}
}
