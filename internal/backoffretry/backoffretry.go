// Package backoffretry wraps cenkalti/backoff/v4 into the small retry shape
// epochsys needs: bounded exponential backoff for epoch-reservation races,
// without pulling the rest of that library's
// notification/operation API into every call site.
package backoffretry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Retrier hands out increasing backoff durations for a single logical retry
// loop. It is not safe for concurrent use by multiple goroutines; callers
// construct one per loop (e.g. one per CAS attempt sequence).
type Retrier struct {
	b backoff.BackOff
}

// Options configures the backoff curve. Zero value yields sane defaults.
type Options struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	MaxElapsedTime  time.Duration
}

// New builds a Retrier. MaxElapsedTime of zero means retry forever (bounded
// only by ctx, if a caller passes one to Wait).
func New(opts Options) *Retrier {
	eb := backoff.NewExponentialBackOff()
	if opts.InitialInterval > 0 {
		eb.InitialInterval = opts.InitialInterval
	} else {
		eb.InitialInterval = 50 * time.Microsecond
	}
	if opts.MaxInterval > 0 {
		eb.MaxInterval = opts.MaxInterval
	} else {
		eb.MaxInterval = 10 * time.Millisecond
	}
	eb.MaxElapsedTime = opts.MaxElapsedTime
	return &Retrier{b: eb}
}

// NextBackOff returns the next wait duration, or backoff.Stop when the
// curve's elapsed budget has been exhausted.
func (r *Retrier) NextBackOff() time.Duration {
	return r.b.NextBackOff()
}

// Reset restarts the curve from its initial interval. Call this at the top
// of a fresh retry loop so a Retrier can be reused across many loops.
func (r *Retrier) Reset() {
	r.b.Reset()
}

// Wait sleeps for the next backoff interval, or returns false if the curve
// is exhausted or ctx is done.
func (r *Retrier) Wait(ctx context.Context) bool {
	d := r.NextBackOff()
	if d == backoff.Stop {
		return false
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
