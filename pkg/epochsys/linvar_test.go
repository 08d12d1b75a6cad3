package epochsys

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLinVarLoadReturnsInitialValue(t *testing.T) {
	v := NewLinVar("a")
	e := newTestEpochSys(t, 1)
	require.Equal(t, "a", v.Load(e))
}

func TestLinVarCASSucceedsOnMatch(t *testing.T) {
	v := NewLinVar("a")
	box := v.slot.Load()
	ok := v.CAS("a", box.cnt, "b")
	require.True(t, ok)
	e := newTestEpochSys(t, 1)
	require.Equal(t, "b", v.Load(e))
}

func TestLinVarCASFailsOnStaleCounter(t *testing.T) {
	v := NewLinVar("a")
	ok := v.CAS("a", 999, "b")
	require.False(t, ok)
}

func TestLinVarCASVerifyCommitsWhenEpochStable(t *testing.T) {
	e := newTestEpochSys(t, 1)
	_, err := e.BeginOp(0)
	require.NoError(t, err)

	v := NewLinVar("a")
	box := v.slot.Load()
	committed, err := v.CASVerify(e, 0, "a", box.cnt, "b")
	require.NoError(t, err)
	require.True(t, committed)
	require.Equal(t, "b", v.Load(e))
	require.NoError(t, e.EndOp(0))
}

func TestLinVarCASVerifyAbortsWhenEpochMovesDuringInstall(t *testing.T) {
	e := newTestEpochSys(t, 1)
	_, err := e.BeginOp(0)
	require.NoError(t, err)

	v := NewLinVar("a")
	box := v.slot.Load()

	d := e.descFor(0)
	d.reset("a", "b", e.clock.Current())
	nb := &linBox{cnt: box.cnt + 1, desc: d}
	require.True(t, v.slot.CompareAndSwap(box, nb))

	e.clock.casAdvance(e.clock.Current())

	d.tryComplete(e, v)
	require.False(t, d.committed())
	require.Equal(t, "a", v.Load(e))
	require.NoError(t, e.EndOp(0))
}

func TestLinVarCASVerifyOutsideOpFrameFails(t *testing.T) {
	e := newTestEpochSys(t, 1)
	v := NewLinVar("a")
	_, err := v.CASVerify(e, 0, "a", 0, "b")
	require.ErrorIs(t, err, ErrNotInOp)
}

func TestLinVarHelpingUnblocksConcurrentReaders(t *testing.T) {
	e := newTestEpochSys(t, 2)
	v := NewLinVar("a")

	box := v.slot.Load()
	d := e.descFor(1)
	d.reset("a", "b", e.clock.Current())
	nb := &linBox{cnt: box.cnt + 1, desc: d}
	require.True(t, v.slot.CompareAndSwap(box, nb))

	var wg sync.WaitGroup
	results := make([]any, 4)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = v.Load(e)
		}(i)
	}
	wg.Wait()

	for _, r := range results {
		require.Equal(t, "b", r)
	}
}
