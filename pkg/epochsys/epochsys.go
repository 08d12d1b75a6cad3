package epochsys

import (
	"context"
	"sync"
	"sync/atomic"

	"turepoch/internal/backoffretry"
)

type paddedDesc struct {
	d SCDesc
}

// EpochSys is the persistent epoch subsystem: it ties together the epoch
// clock (C3), per-epoch pending sets (C4), the op frame (C5), the
// advancer (C6), and the chunk store (C1) behind the operation set spec.md
// names (open_read/open_write/register_alloc/retire/reclaim/CAS_verify and
// friends), plus the recovery driver (C9).
type EpochSys struct {
	cfg      Config
	liveness Liveness
	store    ChunkStore
	registry *TypeRegistry

	clock   *Clock
	pending *PendingSets
	frames  []opFrameState
	descs   []paddedDesc

	advancer *Advancer
	advMu    sync.Mutex

	mode   atomic.Int32
	closed int32

	log     *Logger
	metrics *Metrics
}

// NewEpochSys constructs an EpochSys over store with room for nThreads
// concurrent op frames. The TypeRegistry must have every PBlk type the
// caller intends to use registered before Recover is called; registering
// more types later is fine, registering fewer means recovery will fail on
// any chunk of an unregistered type.
func NewEpochSys(cfg Config, store ChunkStore, registry *TypeRegistry, nThreads int) *EpochSys {
	if nThreads <= 0 {
		nThreads = cfg.NThreads
	}
	retry := backoffretry.New(backoffretry.Options{
		InitialInterval: cfg.RetryInitial,
		MaxInterval:     cfg.RetryMax,
	})
	e := &EpochSys{
		cfg:      cfg,
		liveness: cfg.Liveness,
		store:    store,
		registry: registry,
		clock:    newClock(nThreads, retry),
		pending:  newPendingSets(nThreads),
		frames:   make([]opFrameState, nThreads),
		descs:    make([]paddedDesc, nThreads),
		log:      discardLogger(),
		metrics:  noopMetrics(),
	}
	e.mode.Store(int32(ModeOnline))
	e.advancer = newAdvancer(e, &e.advMu, cfg.EpochFreqLog2)
	return e
}

// WithLogger swaps in a real structured logger (NewEpochSys wires a
// discard logger so tests stay quiet by default).
func (e *EpochSys) WithLogger(l *Logger) *EpochSys {
	e.log = l
	return e
}

// WithMetrics swaps in a real Metrics set.
func (e *EpochSys) WithMetrics(m *Metrics) *EpochSys {
	e.metrics = m
	return e
}

// Start launches the background epoch advancer (Nonblocking liveness
// only; a no-op under Blocking, where advances happen synchronously inside
// EndOp).
func (e *EpochSys) Start(ctx context.Context) {
	e.advancer.Start(ctx)
}

// Close stops the background advancer (if any) and closes the chunk
// store. After Close, BeginOp and BeginReadOnlyOp return ErrClosed; a
// second Close does nothing and returns nil.
func (e *EpochSys) Close() error {
	if !atomic.CompareAndSwapInt32(&e.closed, 0, 1) {
		return nil
	}
	e.advancer.Stop()
	return e.store.Close()
}

// ThreadInit (re)initializes the slot for thread tid, clearing any
// leftover reservation/frame/descriptor state. Call this once per
// goroutine before its first BeginOp if tids are being reused from a pool
// (e.g. a worker pool that recycles tid 3 for a different logical thread
// than the one that last used it).
func (e *EpochSys) ThreadInit(tid int) {
	e.clock.Release(tid)
	e.frames[tid] = opFrameState{}
	e.descs[tid].d.state.Store(int32(descCommitted))
}

func (e *EpochSys) descFor(tid int) *SCDesc { return &e.descs[tid].d }

// CheckEpoch reports whether the global epoch still equals e.
func (e *EpochSys) CheckEpoch(epoch Epoch) bool { return e.clock.CheckEpoch(epoch) }

// PendingCounts reports how many PBlks currently sit in each pending set,
// summed across every thread's ring. Useful for diagnostics and for a
// caller deciding whether a Flush is worth forcing.
func (e *EpochSys) PendingCounts() (persist, retire, construction int) {
	return e.pending.PendingCount()
}

// refreshPendingMetrics syncs the PendingPersist/PendingRetire gauges to the
// pending sets' current size. Called after anything that adds to or drains
// those sets, rather than on every single mutation, since the gauges only
// need to be accurate to within a mutation or two for monitoring purposes.
func (e *EpochSys) refreshPendingMetrics() {
	persist, retire, _ := e.pending.PendingCount()
	e.metrics.PendingPersist.Set(float64(persist))
	e.metrics.PendingRetire.Set(float64(retire))
}

// RegisterAlloc marks p as a freshly allocated PBlk, born in the calling
// thread's current epoch, and reserves the chunk its Marshal'd bytes will
// live in. p is not yet linked from any reader-visible pointer; it is the
// caller's responsibility to publish it (typically via a LinVar.CASVerify)
// before its op frame ends.
func (e *EpochSys) RegisterAlloc(tid int, p PBlk) error {
	st := &e.frames[tid]
	if st.depth == 0 {
		return ErrNotInOp
	}
	p.Header().BirthEpoch = st.epoch
	p.Header().RetireEpoch = NullEpoch
	p.Header().Flags |= FlagValid
	if err := e.ensureChunk(p); err != nil {
		return err
	}
	e.pending.AddConstruction(tid, st.epoch, p)
	return nil
}

// RegisterUpdate marks p (already linked) as needing to be persisted
// before the current epoch can retire.
// Used when a PBlk is mutated in place because OpenWrite found it was
// already born in the current epoch; the mutated bytes are rewritten into
// p's chunk now so persistAll only has to flush, not re-marshal.
func (e *EpochSys) RegisterUpdate(tid int, p PBlk) error {
	st := &e.frames[tid]
	if st.depth == 0 {
		return ErrNotInOp
	}
	if err := e.ensureChunk(p); err != nil {
		return err
	}
	e.pending.AddPersist(tid, st.epoch, p)
	e.refreshPendingMetrics()
	return nil
}

// ensureChunk writes p's current Marshal'd bytes into the chunk it already
// owns (reusing the allocation when it is still big enough), or reserves a
// fresh one and records it on p. Per ChunkStore.Alloc's contract the
// returned slice already aliases the store's persistent memory, so this
// call is itself the write - only the durability fence is deferred to
// persistAll, batched across everything an epoch drain pushes out at once.
func (e *EpochSys) ensureChunk(p PBlk) error {
	data := p.Marshal()
	if id := p.ChunkID(); id != 0 {
		if buf, err := e.store.Bytes(id); err == nil && len(buf) >= len(data) {
			copy(buf, data)
			return nil
		}
		_ = e.store.Free(id)
	}
	id, buf, err := e.store.Alloc(len(data))
	if err != nil {
		return err
	}
	copy(buf, data)
	p.SetChunkID(id)
	return nil
}

// Retire tombstones p and schedules it for reclamation once the current
// epoch fully drains.
func (e *EpochSys) Retire(tid int, p PBlk) error {
	st := &e.frames[tid]
	if st.depth == 0 {
		return ErrNotInOp
	}
	p.Header().SetTombstone()
	p.Header().RetireEpoch = st.epoch
	e.pending.AddRetire(tid, st.epoch, p)
	e.refreshPendingMetrics()
	return nil
}

// Reclaim immediately discards p without waiting for any epoch to drain:
// frees its chunk (Go's GC reclaims the Go-side object itself once nothing
// references it). Only safe for PBlks that were never linked from a
// reader-visible pointer - typically an allocation abandoned after an
// allocation or CAS failure, before RegisterAlloc's construction entry was
// ever merged into to_persist, or a tombstone whose retire epoch has fully
// drained.
func (e *EpochSys) Reclaim(p PBlk) error {
	id := p.ChunkID()
	if id == 0 {
		return nil
	}
	p.SetChunkID(0)
	return e.store.Free(id)
}

func (e *EpochSys) reclaimAll(blks []PBlk) {
	for _, b := range blks {
		if err := e.Reclaim(b); err != nil {
			e.log.Errorf(err, "failed to reclaim PBlk chunk")
		}
	}
}

func (e *EpochSys) persistAll(blks []PBlk) {
	for _, b := range blks {
		id := b.ChunkID()
		if id == 0 {
			// RegisterAlloc/RegisterUpdate always reserve a chunk before a
			// PBlk can reach to_persist; a zero id here means the caller
			// bypassed that path, not that there is nothing to flush.
			e.log.Errorf(ErrUsageBug, "PBlk in to_persist with no chunk reserved")
			continue
		}
		if err := e.store.Pflush(id, e.cfg.Pwb); err != nil {
			e.log.Errorf(err, "failed to persist PBlk")
		}
	}
	if err := e.store.Pfence(); err != nil {
		e.log.Errorf(err, "pfence failed after epoch drain")
	}
}

// OpenRead returns p if it is safe for the calling thread to read inside
// its current op frame: p must have been born at or before the thread's
// reserved epoch. Reading a tombstoned PBlk is not itself an error - the
// caller is expected to check p.Header().Tombstoned() the same way it
// would check a nil lookup result.
func (e *EpochSys) OpenRead(tid int, p PBlk) (PBlk, error) {
	if err := e.checkOnline(); err != nil {
		return nil, err
	}
	st := &e.frames[tid]
	if st.depth == 0 {
		return nil, ErrNotInOp
	}
	if p.Header().BirthEpoch > st.epoch {
		e.metrics.OldSeesNew.Add(1)
		return nil, ErrOldSeesNew
	}
	return p, nil
}

// OpenReadUnsafe returns p without any epoch check - used only by
// recovery and diagnostics, never by ordinary data-structure code.
func (e *EpochSys) OpenReadUnsafe(p PBlk) PBlk { return p }

// OpenWrite returns the version of p the calling thread should mutate: if
// p was already born in the thread's current epoch, p itself is returned
// (in-place mutation is safe, since no reader sees a pre-persistence
// snapshot of this epoch anyway); otherwise a Clone of p is registered as
// an in-construction allocation and p is scheduled for retirement, copy-
// on-write style.
func (e *EpochSys) OpenWrite(tid int, p PBlk) (PBlk, error) {
	if err := e.checkOnline(); err != nil {
		return nil, err
	}
	st := &e.frames[tid]
	if st.depth == 0 {
		return nil, ErrNotInOp
	}
	if p.Header().BirthEpoch > st.epoch {
		e.metrics.OldSeesNew.Add(1)
		return nil, ErrOldSeesNew
	}
	if p.Header().BirthEpoch == st.epoch {
		return p, nil
	}
	id := p.Header().ID
	if existing, ok := st.writeCopies[id]; ok {
		// Already copied this object once this epoch (e.g. two calls into
		// OpenWrite for the same row within one op frame) - returning a
		// second independent clone would register the original for retire
		// twice, violating the at-most-one-live-write-copy guarantee.
		return existing, nil
	}
	clone := p.Clone()
	clone.Header().ID = id
	clone.Header().BirthEpoch = st.epoch
	clone.Header().RetireEpoch = NullEpoch
	clone.Header().Flags = (p.Header().Flags &^ FlagTombstone) | FlagCopy
	e.pending.AddConstruction(tid, st.epoch, clone)

	p.Header().RetireEpoch = st.epoch
	e.pending.AddRetire(tid, st.epoch, p)
	e.refreshPendingMetrics()

	if st.writeCopies == nil {
		st.writeCopies = make(map[uint64]PBlk)
	}
	st.writeCopies[id] = clone
	return clone, nil
}

// Flush forces an immediate epoch advance attempt and blocks until any
// pending writes that drain as a result are pushed through Pfence. Useful
// for tests and for a clean shutdown path that wants every write durable
// before Close.
func (e *EpochSys) Flush() {
	e.advMu.Lock()
	e.advancer.TryAdvance()
	e.advMu.Unlock()
	if err := e.store.Pfence(); err != nil {
		e.log.Errorf(err, "pfence failed during Flush")
	}
}

// PersistDurableEpoch flushes, then writes the epoch just below the
// current global epoch (current-1) into the store's superblock, so a subsequent Recover knows everything born at or
// before it is safe to reconstruct. Call this during a controlled
// shutdown; a crash without this call simply means recovery treats the
// last successfully-written superblock's epoch as the durable point,
// exactly as intended.
func (e *EpochSys) PersistDurableEpoch() error {
	e.Flush()
	current := e.clock.Current()
	var durable Epoch
	if current > 0 {
		durable = current - 1
	}
	if err := e.store.PersistDirectory(); err != nil {
		return err
	}
	return writeSuperblock(e.store, durable, len(e.frames))
}
