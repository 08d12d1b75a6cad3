package epochsys

import "errors"

// Sentinel errors returned by epochsys operations. Callers should compare
// with errors.Is rather than equality, since some are wrapped with
// additional context.
var (
	// ErrNotInOp is returned when an operation that requires an active op
	// frame (open_read, open_write, register_alloc, CAS_verify, ...) is
	// called by a thread that has not called BeginOp.
	ErrNotInOp = errors.New("epochsys: called outside an active op frame")

	// ErrOldSeesNew is returned by OpenRead/OpenWrite when the PBlk handed
	// in was born in an epoch after the calling thread's reservation -
	// the thread would otherwise observe a write from the future.
	ErrOldSeesNew = errors.New("epochsys: open_read would observe a write from a future epoch")

	// ErrEpochVerify is returned by LoadVerify in visible-read mode
	// (Config.VisibleReads) when the global epoch moved away from the
	// caller's reserved epoch, invalidating the linearization point the
	// caller was trying to establish. CASVerify reports a lost epoch race
	// as (false, nil) instead.
	ErrEpochVerify = errors.New("epochsys: epoch changed during verified access")

	// ErrAllocFailure is returned when the chunk store cannot satisfy a
	// persistent allocation.
	ErrAllocFailure = errors.New("epochsys: persistent chunk allocation failed")

	// ErrRecoveryCorruption wraps any failure encountered while replaying
	// durable state after a crash.
	ErrRecoveryCorruption = errors.New("epochsys: durable state is corrupt")

	// ErrUsageBug is returned for API misuse that a correct caller never
	// triggers: unbalanced EndOp/AbortOp, or registering a write inside a
	// read-only frame.
	ErrUsageBug = errors.New("epochsys: invalid API usage")

	// ErrClosed is returned by BeginOp and BeginReadOnlyOp after Close.
	ErrClosed = errors.New("epochsys: epoch system is closed")
)

// RecoveryError carries a reason alongside ErrRecoveryCorruption so callers
// can log or report the specific cause without string-matching.
type RecoveryError struct {
	Reason string
	Err    error
}

func (e *RecoveryError) Error() string {
	if e.Err != nil {
		return "epochsys: recovery: " + e.Reason + ": " + e.Err.Error()
	}
	return "epochsys: recovery: " + e.Reason
}

func (e *RecoveryError) Unwrap() error { return ErrRecoveryCorruption }

func recoveryErrorf(reason string, err error) error {
	return &RecoveryError{Reason: reason, Err: err}
}
