// Package epochsys implements a persistent, crash-consistent epoch subsystem
// for building lock-free data structures over non-volatile storage.
//
// Mutation is expressed through PBlk: a copy-on-write, versioned object whose
// birth and retire epochs determine when a reader may see it and when it can
// be reclaimed. Threads bracket their access with BeginOp/EndOp (or the
// WithOp helper); the global epoch clock only advances past an epoch once
// every thread that reserved it has left, at which point that epoch's
// pending writes are persisted and its superseded objects become
// reclaimable. Indirection between an object's identity and its current
// version goes through LinVar, a tagged pointer-and-counter cell that
// supports descriptor-based helping so a stalled thread can never block
// another from completing a CAS_verify.
//
// Recovery walks the chunk store after a crash, classifies every PBlk by its
// birth/retire epoch against the durably persisted epoch, and discards
// anything that was still in flight when the process stopped.
package epochsys
