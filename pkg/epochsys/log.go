package epochsys

import (
	"io"
	"os"

	"github.com/rs/zerolog"
)

// Logger wraps a zerolog.Logger with the handful of structured events
// epochsys emits: epoch advances, recovery summaries, and descriptor
// aborts. Kept as a thin named type rather than importing zerolog directly
// at every call site, so call sites read as domain events instead of raw
// log statements.
type Logger struct {
	z zerolog.Logger
}

// NewLogger builds a Logger writing to w at the given level. Pass nil for w
// to default to os.Stderr.
func NewLogger(w io.Writer, level zerolog.Level) *Logger {
	if w == nil {
		w = os.Stderr
	}
	z := zerolog.New(w).Level(level).With().Timestamp().Str("component", "epochsys").Logger()
	return &Logger{z: z}
}

func discardLogger() *Logger {
	return &Logger{z: zerolog.Nop()}
}

// EpochAdvanced logs a successful global epoch advance.
func (l *Logger) EpochAdvanced(from, to Epoch) {
	l.z.Debug().Uint64("from", from).Uint64("to", to).Msg("epoch advanced")
}

// RecoverySummary logs the outcome of a recovery pass.
func (l *Logger) RecoverySummary(scanned, accepted, rejected int, durable Epoch) {
	l.z.Info().
		Int("scanned", scanned).
		Int("accepted", accepted).
		Int("rejected", rejected).
		Uint64("durable_epoch", durable).
		Msg("recovery complete")
}

// DescriptorAborted logs a CASVerify whose descriptor lost the epoch race.
func (l *Logger) DescriptorAborted(tid int, epoch Epoch) {
	l.z.Debug().Int("tid", tid).Uint64("epoch", epoch).Msg("descriptor aborted by epoch change")
}

// Errorf logs an operational error (allocation failure, corrupt chunk, ...).
func (l *Logger) Errorf(err error, msg string) {
	l.z.Error().Err(err).Msg(msg)
}
