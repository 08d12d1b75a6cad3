package epochsys

// ChunkID identifies a persistent allocation. Chunk 0 is reserved for the
// durable superblock (see superblock.go) and is never returned by Alloc.
type ChunkID uint64

// ChunkStore is the persistent allocator epochsys's chunk store interface
// (C1) requires of its backing storage: cache-line-granularity allocation,
// byte access to an allocated chunk, and the two durability primitives
// (Pflush/Pfence) that stand in for clflush/sfence on hardware that has no
// such instruction reachable from Go. Implementations: MmapChunkStore
// (default, file-backed) and MemChunkStore (heap-backed, tests and
// ":memory:" mode).
type ChunkStore interface {
	// Alloc reserves a chunk of at least size bytes and returns its id and
	// a byte slice backing it. The slice aliases the store's underlying
	// memory - writes to it are writes to the persistent region.
	Alloc(size int) (ChunkID, []byte, error)

	// Free releases a previously allocated chunk. It must not be called
	// until epochsys has determined (via the pending retire set) that no
	// reader can still observe the chunk.
	Free(id ChunkID) error

	// Bytes returns the byte slice backing a live chunk.
	Bytes(id ChunkID) ([]byte, error)

	// Pflush asynchronously pushes writes to durable storage (msync
	// MS_ASYNC on MmapChunkStore; a no-op on MemChunkStore). kind carries
	// the PwbKind hint; stores that cannot distinguish flush strategies
	// treat every kind the same.
	Pflush(id ChunkID, kind PwbKind) error

	// Pfence blocks until every previously issued Pflush is durable
	// (msync MS_SYNC on MmapChunkStore; a no-op on MemChunkStore).
	Pfence() error

	// LiveChunks returns every currently allocated chunk id and its bytes,
	// for the recovery driver to classify. Order is unspecified.
	LiveChunks() (map[ChunkID][]byte, error)

	// ReservedChunk returns the bytes of the reserved superblock chunk
	// (id 0), the region set aside when the store was opened. It does not
	// grow the store, and fails if size exceeds that region.
	ReservedChunk(size int) ([]byte, error)

	// PersistDirectory durably records the allocator's live-chunk
	// directory (the next-id counter and every live chunk's extent) so a
	// later open can reconstruct LiveChunks without having scanned the
	// whole arena as it was written. Called during a controlled shutdown
	// (Close, PersistDurableEpoch); a crash between two calls just means
	// recovery's chunk scan falls back to whatever directory was last
	// persisted, same as the superblock's own EDurable staleness story.
	PersistDirectory() error

	// Close releases any OS resources (file descriptors, mappings) held
	// by the store.
	Close() error
}
