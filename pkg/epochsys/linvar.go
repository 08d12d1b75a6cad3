package epochsys

import "sync/atomic"

// linBox is the payload swapped atomically as a unit by LinVar. It plays
// the role of the original's 128-bit {raw, cnt} word: raw is a type-erased
// pointer to whatever the data structure indirects through (a *PBlk, a
// child node, ...), cnt's low two bits distinguish a plain value (00) from
// an installed descriptor (01), and desc is the Go-native way to reach that
// descriptor (the original encoded a pointer into the 64-bit raw field and
// reinterpret_cast it back; Go keeps the pointer typed and GC-visible
// instead, rooted by the descriptor pool in EpochSys rather than by the box
// itself, see desc.go).
type linBox struct {
	raw  any
	cnt  uint64
	desc *SCDesc
}

func isDescBox(b *linBox) bool { return b.cnt&3 == 1 }

// LinVar is the lock-free indirection cell data structures swap to publish
// a new version of an object. Reads (Load, LoadVerify) help along any
// descriptor they find installed before returning. CASVerify installs a
// descriptor, attempts to complete it, and reports whether its own attempt
// was the one that committed; CAS swaps the new value in directly and fails
// if it finds a descriptor installed.
type LinVar struct {
	slot atomic.Pointer[linBox]
}

// NewLinVar creates a LinVar holding raw with counter 0.
func NewLinVar(raw any) *LinVar {
	v := &LinVar{}
	v.slot.Store(&linBox{raw: raw, cnt: 0})
	return v
}

// Load returns the current value, helping along any descriptor it
// encounters until the slot settles on a plain value.
func (v *LinVar) Load(e *EpochSys) any {
	for {
		b := v.slot.Load()
		if isDescBox(b) {
			e.metrics.DescriptorHelps.Add(1)
			b.desc.tryComplete(e, v)
			continue
		}
		return b.raw
	}
}

// LoadVerify returns the current value for a thread inside an op frame.
// With Config.VisibleReads unset (the default, invisible reads) it is
// identical to Load. With VisibleReads set it bumps the box's counter via
// CAS on every read, so a concurrent helper can detect the read raced a
// write, and returns ErrEpochVerify if the calling thread's reserved epoch
// no longer matches the global epoch - meaning whatever the caller does
// next with this value cannot be linearized inside the epoch it thought it
// was reading in.
func (v *LinVar) LoadVerify(e *EpochSys, tid int) (any, error) {
	st := &e.frames[tid]
	if st.depth == 0 {
		return nil, ErrNotInOp
	}
	epoch := st.epoch
	if !e.cfg.VisibleReads {
		return v.Load(e), nil
	}
	if !e.clock.CheckEpoch(epoch) {
		return nil, ErrEpochVerify
	}
	for {
		b := v.slot.Load()
		if !e.clock.CheckEpoch(epoch) {
			return nil, ErrEpochVerify
		}
		if isDescBox(b) {
			e.metrics.DescriptorHelps.Add(1)
			b.desc.tryComplete(e, v)
			continue
		}
		nb := &linBox{raw: b.raw, cnt: b.cnt + 4}
		if v.slot.CompareAndSwap(b, nb) {
			return b.raw, nil
		}
	}
}

// Store unconditionally replaces the value, bumping the counter. Used
// during single-threaded initialization/recovery where no concurrent
// reader can observe a torn state.
func (v *LinVar) Store(raw any) {
	cur := v.slot.Load()
	v.slot.Store(&linBox{raw: raw, cnt: cur.cnt + 4})
}

// CAS performs a plain (epoch-unverified) compare-and-swap against the
// expected raw value and counter. Returns false on any mismatch, including
// finding a descriptor installed (the caller should help it along via Load
// and retry).
func (v *LinVar) CAS(expectedRaw any, expectedCnt uint64, desiredRaw any) bool {
	cur := v.slot.Load()
	if isDescBox(cur) || cur.cnt != expectedCnt || cur.raw != expectedRaw {
		return false
	}
	nb := &linBox{raw: desiredRaw, cnt: expectedCnt + 4}
	return v.slot.CompareAndSwap(cur, nb)
}

// CASVerify is the epoch-aware compare-and-swap: it installs a descriptor
// rather than writing the new value directly, so any other thread that
// observes the descriptor can help complete (or roll back) the operation
// before proceeding with its own. The swap only commits if the calling
// thread's reserved epoch is still current at the moment the descriptor is
// installed; tryComplete re-checks the epoch independently, so the
// descriptor's fate is decided once and agreed on by every helper.
func (v *LinVar) CASVerify(e *EpochSys, tid int, expectedRaw any, expectedCnt uint64, desiredRaw any) (bool, error) {
	st := &e.frames[tid]
	if st.depth == 0 {
		return false, ErrNotInOp
	}
	epoch := st.epoch
	cur := v.slot.Load()
	if isDescBox(cur) {
		e.metrics.DescriptorHelps.Add(1)
		cur.desc.tryComplete(e, v)
		return false, nil
	}
	if cur.cnt != expectedCnt || cur.raw != expectedRaw {
		return false, nil
	}
	d := e.descFor(tid)
	d.reset(expectedRaw, desiredRaw, epoch)
	nb := &linBox{cnt: cur.cnt + 1, desc: d}
	if !v.slot.CompareAndSwap(cur, nb) {
		return false, nil
	}
	d.tryComplete(e, v)
	if !d.committed() {
		e.log.DescriptorAborted(tid, epoch)
		return false, nil
	}
	return true, nil
}
