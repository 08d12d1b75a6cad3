package epochsys

import (
	"fmt"
	"strconv"
	"time"
)

// Liveness selects how the epoch advancer coordinates with begin_op/end_op.
type Liveness int

const (
	// Blocking serializes begin_op, end_op, and epoch advance behind a
	// single mutex. Simpler, and the default - matches the original
	// Recoverable's fallback when no Liveness override is set.
	Blocking Liveness = iota
	// Nonblocking runs the advancer on a background goroutine and lets
	// begin_op/end_op proceed without taking a shared lock, at the cost
	// of a CAS-retry loop on the global epoch counter.
	Nonblocking
)

func (l Liveness) String() string {
	if l == Nonblocking {
		return "nonblocking"
	}
	return "blocking"
}

// PwbKind selects how persisted writes are pushed out of the cache
// hierarchy. Only PwbFlush is meaningfully different on most platforms
// reachable from Go (no CLWB/CLFLUSHOPT intrinsic without cgo), but the
// three-way knob is kept so Config round-trips the same shape the original
// tunable did.
type PwbKind int

const (
	PwbFlush PwbKind = iota
	PwbFlushOpt
	PwbWriteback
)

// Config controls the tunables of an EpochSys. Zero value is not valid;
// use DefaultConfig.
type Config struct {
	// NThreads bounds the number of concurrently registered worker
	// threads (goroutines participating in begin_op/end_op). Each gets a
	// dedicated, cache-line-padded reservation slot and descriptor.
	NThreads int

	// Liveness selects the advancer variant.
	Liveness Liveness

	// EpochFreqLog2: the advancer attempts to move the global epoch
	// forward once every 2^EpochFreqLog2 op-frame completions (summed
	// across all threads). Smaller values persist more eagerly at the
	// cost of more epoch-advance overhead.
	EpochFreqLog2 uint

	// VisibleReads selects the visible-read variant of LinVar.LoadVerify
	// (an extra CAS per read, bumping the counter, so a concurrent
	// helper can detect a torn read). When false (the default) reads are
	// invisible: LoadVerify is identical to Load.
	VisibleReads bool

	// Pwb selects the persist-write-back strategy used when flushing a
	// chunk store page.
	Pwb PwbKind

	// RetryInitial/RetryMax bound the backoff curve used by the
	// epoch-reservation retry in BeginOp.
	RetryInitial time.Duration
	RetryMax     time.Duration
}

// DefaultConfig returns the tunables epochsys uses when not overridden by
// environment variables.
func DefaultConfig() Config {
	return Config{
		NThreads:      64,
		Liveness:      Blocking,
		EpochFreqLog2: 4,
		VisibleReads:  false,
		Pwb:           PwbFlush,
		RetryInitial:  50 * time.Microsecond,
		RetryMax:      10 * time.Millisecond,
	}
}

// ConfigFromEnv overlays DefaultConfig with overrides read from env, a
// key/value map normally sourced from os.Environ. Recognized keys mirror
// the original implementation's GlobalTestConfig knobs: "EPOCHSYS_LIVENESS"
// ("blocking"|"nonblocking"), "EPOCHSYS_VISIBLE_READS" (bool),
// "EPOCHSYS_EPOCH_FREQ_LOG2" (uint), "EPOCHSYS_NTHREADS" (int).
func ConfigFromEnv(env map[string]string) (Config, error) {
	cfg := DefaultConfig()
	if v, ok := env["EPOCHSYS_LIVENESS"]; ok {
		switch v {
		case "blocking":
			cfg.Liveness = Blocking
		case "nonblocking":
			cfg.Liveness = Nonblocking
		default:
			return Config{}, fmt.Errorf("epochsys: invalid EPOCHSYS_LIVENESS %q", v)
		}
	}
	if v, ok := env["EPOCHSYS_VISIBLE_READS"]; ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return Config{}, fmt.Errorf("epochsys: invalid EPOCHSYS_VISIBLE_READS %q: %w", v, err)
		}
		cfg.VisibleReads = b
	}
	if v, ok := env["EPOCHSYS_EPOCH_FREQ_LOG2"]; ok {
		n, err := strconv.ParseUint(v, 10, 8)
		if err != nil {
			return Config{}, fmt.Errorf("epochsys: invalid EPOCHSYS_EPOCH_FREQ_LOG2 %q: %w", v, err)
		}
		cfg.EpochFreqLog2 = uint(n)
	}
	if v, ok := env["EPOCHSYS_NTHREADS"]; ok {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return Config{}, fmt.Errorf("epochsys: invalid EPOCHSYS_NTHREADS %q", v)
		}
		cfg.NThreads = n
	}
	return cfg, nil
}
