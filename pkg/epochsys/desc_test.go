package epochsys

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSCDescResetStartsInProgress(t *testing.T) {
	var d SCDesc
	d.reset("old", "new", 5)
	require.Equal(t, descInProgress, descState(d.state.Load()))
	require.False(t, d.committed())
}

func TestSCDescTryCompleteCommitsInstalledDescriptor(t *testing.T) {
	e := newTestEpochSys(t, 1)
	v := NewLinVar("old")
	var d SCDesc
	d.reset("old", "new", e.clock.Current())

	cur := v.slot.Load()
	nb := &linBox{cnt: cur.cnt + 1, desc: &d}
	require.True(t, v.slot.CompareAndSwap(cur, nb))

	d.tryComplete(e, v)
	require.True(t, d.committed())
	require.Equal(t, "new", v.Load(e))

	// A second call after cleanup must be a harmless no-op.
	d.tryComplete(e, v)
	require.True(t, d.committed())
}
