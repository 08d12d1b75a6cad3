package epochsys

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMemChunkStoreAllocGrowsAndReturnsAddressableBytes(t *testing.T) {
	s := NewMemChunkStore(64)
	id, buf, err := s.Alloc(32)
	require.NoError(t, err)
	require.Len(t, buf, 32)

	buf[0] = 0xAB
	got, err := s.Bytes(id)
	require.NoError(t, err)
	require.Equal(t, byte(0xAB), got[0])
}

func TestMemChunkStoreFreeThenReallocReusesExtent(t *testing.T) {
	s := NewMemChunkStore(4096)
	id1, _, err := s.Alloc(128)
	require.NoError(t, err)
	off1 := s.chunks[id1].offset
	require.NoError(t, s.Free(id1))

	_, err = s.Bytes(id1)
	require.Error(t, err)

	id2, buf2, err := s.Alloc(64)
	require.NoError(t, err)
	require.NotEqual(t, id1, id2)
	require.Len(t, buf2, 64)
	require.Equal(t, off1, s.chunks[id2].offset)
}

func TestMemChunkStoreLiveChunksReflectsAllocations(t *testing.T) {
	s := NewMemChunkStore(4096)
	id1, _, _ := s.Alloc(16)
	id2, _, _ := s.Alloc(16)

	live, err := s.LiveChunks()
	require.NoError(t, err)
	require.Len(t, live, 2)
	require.Contains(t, live, id1)
	require.Contains(t, live, id2)
}

func TestMemChunkStoreReservedChunkIsStableAcrossAllocs(t *testing.T) {
	s := NewMemChunkStore(4096)
	reserved, err := s.ReservedChunk(reservedChunkSize)
	require.NoError(t, err)
	reserved[0] = 0x7F

	_, _, err = s.Alloc(256)
	require.NoError(t, err)

	again, err := s.ReservedChunk(reservedChunkSize)
	require.NoError(t, err)
	require.Equal(t, byte(0x7F), again[0])
}

func TestMemChunkStorePflushValidatesChunkIsLive(t *testing.T) {
	s := NewMemChunkStore(4096)
	err := s.Pflush(ChunkID(999), PwbFlush)
	require.Error(t, err)
}

func TestMmapChunkStoreSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chunks.db")

	s, err := OpenMmapChunkStore(path, 4096)
	require.NoError(t, err)

	id1, buf1, err := s.Alloc(32)
	require.NoError(t, err)
	buf1[0] = 0xAB
	id2, buf2, err := s.Alloc(64)
	require.NoError(t, err)
	buf2[0] = 0xCD

	require.NoError(t, writeSuperblock(s, 7, 1))
	require.NoError(t, s.Close())

	reopened, err := OpenMmapChunkStore(path, 0)
	require.NoError(t, err)
	defer reopened.Close()

	sb, present, err := readSuperblock(reopened)
	require.NoError(t, err)
	require.True(t, present)
	require.Equal(t, Epoch(7), sb.EDurable)

	live, err := reopened.LiveChunks()
	require.NoError(t, err)
	require.Len(t, live, 2)
	require.Contains(t, live, id1)
	require.Contains(t, live, id2)
	require.Equal(t, byte(0xAB), live[id1][0])
	require.Equal(t, byte(0xCD), live[id2][0])

	id3, buf3, err := reopened.Alloc(16)
	require.NoError(t, err)
	require.NotEqual(t, id1, id3)
	require.NotEqual(t, id2, id3)
	require.Len(t, buf3, 16)
}

func TestMmapChunkStoreRecoverAfterReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "recover.db")

	store, err := OpenMmapChunkStore(path, 4096)
	require.NoError(t, err)
	e := NewEpochSys(DefaultConfig(), store, newTestRegistry(), 1)

	_, err = e.BeginOp(0)
	require.NoError(t, err)
	c := newDurableCounter(1, 42)
	require.NoError(t, e.RegisterAlloc(0, c))
	require.NoError(t, e.EndOp(0))
	e.Flush()
	require.NoError(t, e.PersistDurableEpoch())
	require.NoError(t, e.Close())

	reopenedStore, err := OpenMmapChunkStore(path, 0)
	require.NoError(t, err)
	recovered := NewEpochSys(DefaultConfig(), reopenedStore, newTestRegistry(), 1)
	defer recovered.Close()

	blks, err := recovered.Recover(1)
	require.NoError(t, err)
	require.Contains(t, blks, uint64(1))
	require.Equal(t, int64(42), blks[1].(*DurableCounter).Value)
}
