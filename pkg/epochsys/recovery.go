package epochsys

import (
	"fmt"

	"golang.org/x/sync/errgroup"
)

// Mode distinguishes an EpochSys that is still replaying durable state
// (ModeRecover) from one serving normal traffic (ModeOnline). OpenRead/
// OpenWrite refuse to run in ModeRecover - recovery itself reconstructs
// PBlks directly from the chunk store rather than through the normal
// copy-on-write path.
type Mode int32

const (
	ModeRecover Mode = iota
	ModeOnline
)

// Recover walks every live chunk in the store, decodes its PBlk header and
// hands the header plus payload to the TypeRegistry to reconstruct the
// concrete PBlk, then classifies each by birth/retire epoch against the
// durably recorded epoch (EDurable): anything born strictly after
// EDurable was still in flight when the process stopped and is discarded;
// among the rest, only the highest birth epoch survives per object ID
// (earlier versions of the same ID are superseded). The scan is sharded
// across nThreads goroutines via errgroup, since a large store's chunk
// count can be in the millions and the header decode/dedupe work is
// embarrassingly parallel until the final merge.
//
// On return the EpochSys's clock is seeded to EDurable+1 and Mode is left
// at ModeRecover; callers must call OnlineMode once they've finished
// relinking the returned PBlks into their own data structures. A store
// with no superblock is treated as fresh: the clock is set to 1, Mode to
// ModeOnline, and an empty map is returned.
func (e *EpochSys) Recover(nThreads int) (map[uint64]PBlk, error) {
	if nThreads <= 0 {
		nThreads = 1
	}
	sb, present, err := readSuperblock(e.store)
	if err != nil {
		return nil, err
	}
	if !present {
		// Fresh store: nothing to recover.
		e.clock.global.Store(1)
		e.mode.Store(int32(ModeOnline))
		return map[uint64]PBlk{}, nil
	}

	live, err := e.store.LiveChunks()
	if err != nil {
		return nil, recoveryErrorf("failed to enumerate live chunks", err)
	}

	ids := make([]ChunkID, 0, len(live))
	for id := range live {
		ids = append(ids, id)
	}

	shardResults := make([][]PBlk, nThreads)
	g := new(errgroup.Group)
	shardSize := (len(ids) + nThreads - 1) / nThreads
	if shardSize == 0 {
		shardSize = 1
	}
	for shard := 0; shard < nThreads; shard++ {
		shard := shard
		start := shard * shardSize
		if start >= len(ids) {
			continue
		}
		end := start + shardSize
		if end > len(ids) {
			end = len(ids)
		}
		g.Go(func() error {
			out := make([]PBlk, 0, end-start)
			for _, id := range ids[start:end] {
				buf := live[id]
				if len(buf) < headerEncodedSize {
					continue
				}
				header, err := DecodeHeader(buf[:headerEncodedSize])
				if err != nil {
					return err
				}
				if header.BirthEpoch > sb.EDurable {
					// Still in flight when the crash happened.
					continue
				}
				blk, err := e.registry.Construct(header, buf[headerEncodedSize:])
				if err != nil {
					return err
				}
				out = append(out, blk)
			}
			shardResults[shard] = out
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, recoveryErrorf("chunk scan failed", err)
	}

	accepted := make(map[uint64]PBlk)
	rejected := 0
	for _, shard := range shardResults {
		for _, blk := range shard {
			h := blk.Header()
			if h.RetireEpoch != NullEpoch && h.RetireEpoch <= sb.EDurable {
				// Retired before the crash; a newer version (or a
				// tombstone) already accounts for this object.
				rejected++
				continue
			}
			if existing, ok := accepted[h.ID]; ok {
				switch {
				case existing.Header().BirthEpoch == h.BirthEpoch:
					return nil, recoveryErrorf(
						fmt.Sprintf("duplicate id %d at equal birth epoch %d", h.ID, h.BirthEpoch), nil)
				case existing.Header().BirthEpoch > h.BirthEpoch:
					rejected++
					continue
				default:
					rejected++
				}
			}
			accepted[h.ID] = blk
		}
	}

	e.clock.global.Store(sb.EDurable + 1)
	e.mode.Store(int32(ModeRecover))
	e.log.RecoverySummary(len(ids), len(accepted), rejected, sb.EDurable)
	e.metrics.RecoveredPBlks.Set(float64(len(accepted)))
	return accepted, nil
}

// RecoverMode switches the EpochSys into ModeRecover, refusing OpenRead/
// OpenWrite until OnlineMode is called. Exposed so a caller that wants to
// re-run recovery logic outside of Recover (e.g. a test harness) can
// bracket it explicitly.
func (e *EpochSys) RecoverMode() { e.mode.Store(int32(ModeRecover)) }

// OnlineMode switches the EpochSys into ModeOnline, the normal operating
// mode. It writes nothing to the store; the superblock is only rewritten
// by PersistDurableEpoch.
func (e *EpochSys) OnlineMode() {
	e.mode.Store(int32(ModeOnline))
}

func (e *EpochSys) checkOnline() error {
	if Mode(e.mode.Load()) != ModeOnline {
		return fmt.Errorf("%w: operation requires ModeOnline", ErrUsageBug)
	}
	return nil
}
