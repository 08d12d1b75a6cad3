package epochsys

import (
	"testing"

	"github.com/stretchr/testify/require"
	"turepoch/internal/backoffretry"
)

func newTestClock(nThreads int) *Clock {
	return newClock(nThreads, backoffretry.New(backoffretry.Options{}))
}

func TestClockStartsAtOne(t *testing.T) {
	c := newTestClock(4)
	require.Equal(t, Epoch(1), c.Current())
}

func TestReserveReturnsCurrentEpoch(t *testing.T) {
	c := newTestClock(4)
	e, races := c.Reserve(0)
	require.Equal(t, c.Current(), e)
	require.Equal(t, e, c.ReservationOf(0))
	require.Zero(t, races)
}

func TestReleaseClearsReservation(t *testing.T) {
	c := newTestClock(4)
	c.Reserve(1)
	c.Release(1)
	require.Equal(t, NullEpoch, c.ReservationOf(1))
}

func TestMinReservationIgnoresReleasedThreads(t *testing.T) {
	c := newTestClock(4)
	c.Reserve(0)
	c.casAdvance(c.Current())
	c.Reserve(1)
	c.Release(0)
	require.Equal(t, c.ReservationOf(1), c.MinReservation())
}

func TestMinReservationFallsBackToGlobalWhenNoneHeld(t *testing.T) {
	c := newTestClock(4)
	require.Equal(t, c.Current(), c.MinReservation())
}

func TestCasAdvanceOnlySucceedsFromExpectedEpoch(t *testing.T) {
	c := newTestClock(2)
	start := c.Current()
	require.False(t, c.casAdvance(start+1))
	require.True(t, c.casAdvance(start))
	require.Equal(t, start+1, c.Current())
}
