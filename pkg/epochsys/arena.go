package epochsys

// Arena is the byte-addressable backing region a ChunkStore carves chunks
// out of. It is the same shape as the storage abstraction underneath the
// teacher's page cache, generalized from fixed-size pages to arbitrary
// byte ranges since epochsys allocates PBlks at whatever size their
// payload needs, not in page multiples.
type Arena interface {
	// Size returns the arena's current extent in bytes.
	Size() int64
	// Slice returns the byte range [offset, offset+length), aliasing the
	// arena's backing memory, or nil if the range is out of bounds.
	Slice(offset, length int) []byte
	// Sync flushes outstanding writes. kind is a PwbKind hint.
	Sync(kind PwbKind) error
	// Fence blocks until every previously issued Sync is durable.
	Fence() error
	// Grow extends the arena to at least newSize bytes, preserving
	// existing contents. No-op if newSize <= Size().
	Grow(newSize int64) error
	// Close releases any OS resources held by the arena.
	Close() error
}
