package epochsys

// memArena is a heap-backed Arena, adapted from the teacher's
// pkg/pager/storage.go MemoryStorage: same grow-by-copy strategy, but
// Sync/Fence are genuinely no-ops here (there is no durability to model in
// ":memory:" mode, whereas the original MemoryStorage's no-op Sync was
// standing in for a disk it never needed to reach either).
type memArena struct {
	data []byte
}

func newMemArena(initialSize int64) *memArena {
	if initialSize <= 0 {
		initialSize = 64 * 1024
	}
	return &memArena{data: make([]byte, initialSize)}
}

func (m *memArena) Size() int64 { return int64(len(m.data)) }

func (m *memArena) Slice(offset, length int) []byte {
	if offset < 0 || length < 0 || offset+length > len(m.data) {
		return nil
	}
	return m.data[offset : offset+length]
}

func (m *memArena) Sync(PwbKind) error { return nil }
func (m *memArena) Fence() error       { return nil }

func (m *memArena) Grow(newSize int64) error {
	if newSize <= int64(len(m.data)) {
		return nil
	}
	grown := make([]byte, newSize)
	copy(grown, m.data)
	m.data = grown
	return nil
}

func (m *memArena) Close() error {
	m.data = nil
	return nil
}

// MemChunkStore is the heap-backed ChunkStore used for tests and the
// ":memory:" mode: a ChunkStore wired to a memArena instead of an mmap
// file, sharing chunkAllocator's offset/freelist bookkeeping with
// MmapChunkStore.
type MemChunkStore struct {
	*chunkAllocator
}

// NewMemChunkStore returns a MemChunkStore with an initial arena of
// initialSize bytes (grown on demand thereafter).
func NewMemChunkStore(initialSize int64) *MemChunkStore {
	return &MemChunkStore{chunkAllocator: newChunkAllocator(newMemArena(initialSize))}
}
