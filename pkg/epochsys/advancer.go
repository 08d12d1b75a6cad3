package epochsys

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// Advancer owns the epoch-advance protocol: deciding when it is safe to
// move the global epoch forward, draining the outgoing epoch's pending
// sets, and persisting/reclaiming what it drains. Two liveness variants
// share this type - Blocking serializes begin_op/end_op/advance behind the
// caller-supplied mutex (advMu in EpochSys), Nonblocking runs advance
// attempts from a background goroutine and lets begin_op/end_op proceed
// lock-free.
type Advancer struct {
	sys     *EpochSys
	mu      *sync.Mutex // only used (and non-nil) in Blocking mode
	opCount atomic.Uint64
	freqLog2 uint

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func newAdvancer(sys *EpochSys, mu *sync.Mutex, freqLog2 uint) *Advancer {
	return &Advancer{sys: sys, mu: mu, freqLog2: freqLog2}
}

// Start launches the background advance loop. No-op in Blocking mode, where
// advances are driven synchronously from NotifyOpEnd.
func (a *Advancer) Start(ctx context.Context) {
	if a.sys.liveness != Nonblocking {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	a.cancel = cancel
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		t := time.NewTicker(time.Millisecond)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				a.TryAdvance()
			}
		}
	}()
}

// Stop halts the background loop (Nonblocking mode only) and waits for it
// to exit.
func (a *Advancer) Stop() {
	if a.cancel != nil {
		a.cancel()
		a.wg.Wait()
	}
}

// NotifyOpEnd is called by EndOp on every successful completion. In
// Blocking mode it synchronously attempts an advance, under the advance
// mutex, once every 2^freqLog2 completions; in Nonblocking mode it calls
// TryAdvance directly (without that mutex) at the same threshold, in
// addition to the background loop's ticks.
func (a *Advancer) NotifyOpEnd() {
	n := a.opCount.Add(1)
	if n&((1<<a.freqLog2)-1) != 0 {
		return
	}
	if a.sys.liveness == Blocking {
		a.mu.Lock()
		a.TryAdvance()
		a.mu.Unlock()
	} else {
		a.TryAdvance()
	}
}

// TryAdvance is the core of C6: check that no thread holds a reservation on
// the current epoch, CAS the global epoch forward, then drain and persist
// the outgoing epoch's to_persist set and reclaim the set two epochs back
// (by the time an epoch's slot is reused, every thread has long since left
// it, so its retirees are safe to free immediately rather than waiting a
// further epoch).
func (a *Advancer) TryAdvance() bool {
	clock := a.sys.clock
	current := clock.Current()
	if clock.AnyReservedAt(current) {
		// Some thread is still operating inside the current epoch;
		// advancing now could let it publish more writes into a pending
		// slot the drain below is about to empty.
		return false
	}
	if !clock.casAdvance(current) {
		return false
	}
	newEpoch := current + 1
	a.sys.log.EpochAdvanced(current, newEpoch)
	a.sys.metrics.EpochAdvances.Add(1)

	persisted := a.sys.pending.DrainPersist(current)
	a.sys.persistAll(persisted)

	if newEpoch >= 2 {
		retired := a.sys.pending.DrainRetire(newEpoch - 2)
		a.sys.reclaimAll(retired)
	}
	a.sys.refreshPendingMetrics()
	return true
}
