package epochsys

import (
	"encoding/binary"
	"fmt"
	"sync"
)

// reservedChunkSize is the fixed size of chunk 0, the durable superblock.
const reservedChunkSize = 64

// The chunk directory (the allocator's next-id counter, live-chunk extents,
// and tail frontier; the free list is not persisted) lives in a second reserved region immediately after the
// superblock: a fixed-size pointer header at dirHeaderOffset, and a
// variable-length payload wherever that header points. Without this, a
// freshly reopened MmapChunkStore has an empty in-memory chunks map and
// Recover has nothing to scan.
const (
	dirHeaderOffset = reservedChunkSize
	dirHeaderSize   = 32
	dirMagic        = uint32(0x44495243) // "DIRC"
	dirVersion      = uint32(1)
	dataStartOffset = dirHeaderOffset + dirHeaderSize
)

// freeExtent is a single free byte range in the arena, tracked by offset
// and size. No coalescing of adjacent free extents is performed - per the
// component's own design notes (see SPEC_FULL.md Open Questions), the chunk
// store intentionally leaves extent merging out of scope, trading some
// fragmentation for a first-fit allocator simple enough to recover
// deterministically after a crash.
type freeExtent struct {
	offset int64
	size   int64
}

// chunkAllocator implements ChunkStore's allocation bookkeeping
// (first-fit freelist, chunk directory, live-chunk enumeration) over any
// Arena. MmapChunkStore and MemChunkStore both embed one, differing only
// in which Arena backs it - the mmap-backed arena adapted from
// pkg/pager/mmap_unix.go/mmap_windows.go, or the heap-backed one adapted
// from pkg/pager/storage.go's MemoryStorage.
type chunkAllocator struct {
	mu       sync.Mutex
	arena    Arena
	next     ChunkID
	chunks   map[ChunkID]freeExtent // live chunk -> its extent
	free     []freeExtent
	tailUsed int64
}

func newChunkAllocator(arena Arena) *chunkAllocator {
	if arena.Size() < dataStartOffset {
		_ = arena.Grow(dataStartOffset)
	}
	a := &chunkAllocator{arena: arena}
	if !a.loadDirectory() {
		a.next = 1 // chunk 0 is reserved for the superblock
		a.chunks = map[ChunkID]freeExtent{0: {offset: 0, size: reservedChunkSize}}
		a.tailUsed = dataStartOffset
	}
	return a
}

// loadDirectory reconstructs next/chunks/tailUsed (free is left empty -
// fragmentation from before the last persistDirectory is simply not
// reused, the same first-fit-over-coalescing tradeoff the allocator
// already makes) from the directory pointer header and its payload.
// Returns false for a fresh arena (zeroed or pre-directory header), in
// which case the caller initializes empty state.
func (a *chunkAllocator) loadDirectory() bool {
	hdr := a.arena.Slice(dirHeaderOffset, dirHeaderSize)
	if hdr == nil {
		return false
	}
	if binary.LittleEndian.Uint32(hdr[0:4]) != dirMagic {
		return false
	}
	if binary.LittleEndian.Uint32(hdr[4:8]) != dirVersion {
		return false
	}
	dirOffset := int64(binary.LittleEndian.Uint64(hdr[8:16]))
	dirLen := int64(binary.LittleEndian.Uint64(hdr[16:24]))

	buf := a.arena.Slice(int(dirOffset), int(dirLen))
	if buf == nil || len(buf) < 16 {
		return false
	}
	next := ChunkID(binary.LittleEndian.Uint64(buf[0:8]))
	tailUsed := int64(binary.LittleEndian.Uint64(buf[8:16]))
	numChunks := binary.LittleEndian.Uint32(buf[16:20])

	off := 20
	chunks := make(map[ChunkID]freeExtent, numChunks)
	for i := uint32(0); i < numChunks; i++ {
		if off+24 > len(buf) {
			return false
		}
		id := ChunkID(binary.LittleEndian.Uint64(buf[off : off+8]))
		extOff := int64(binary.LittleEndian.Uint64(buf[off+8 : off+16]))
		extSize := int64(binary.LittleEndian.Uint64(buf[off+16 : off+24]))
		chunks[id] = freeExtent{offset: extOff, size: extSize}
		off += 24
	}

	a.next = next
	a.chunks = chunks
	a.tailUsed = tailUsed
	a.free = nil
	return true
}

// PersistDirectory serializes the allocator's next-id counter, live-chunk
// extents, and tail frontier, writes them at the current tail (growing the
// arena to fit), and updates the pointer header to reference them. Safe to
// call repeatedly - each call fully overwrites the previous payload and
// header. Must be called with no concurrent Alloc in flight, since the
// payload is written past tailUsed without reserving it there.
func (a *chunkAllocator) PersistDirectory() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	numChunks := len(a.chunks)
	payload := make([]byte, 20+24*numChunks)
	binary.LittleEndian.PutUint64(payload[0:8], uint64(a.next))
	binary.LittleEndian.PutUint64(payload[8:16], uint64(a.tailUsed))
	binary.LittleEndian.PutUint32(payload[16:20], uint32(numChunks))
	off := 20
	for id, ext := range a.chunks {
		binary.LittleEndian.PutUint64(payload[off:off+8], uint64(id))
		binary.LittleEndian.PutUint64(payload[off+8:off+16], uint64(ext.offset))
		binary.LittleEndian.PutUint64(payload[off+16:off+24], uint64(ext.size))
		off += 24
	}

	dirOffset := a.tailUsed
	needed := dirOffset + int64(len(payload))
	if needed > a.arena.Size() {
		if err := a.arena.Grow(growTarget(needed)); err != nil {
			return fmt.Errorf("%w: %v", ErrAllocFailure, err)
		}
	}

	dst := a.arena.Slice(int(dirOffset), len(payload))
	if dst == nil {
		return fmt.Errorf("%w: directory payload out of arena bounds at offset %d", ErrAllocFailure, dirOffset)
	}
	copy(dst, payload)

	hdr := a.arena.Slice(dirHeaderOffset, dirHeaderSize)
	if hdr == nil {
		return fmt.Errorf("%w: arena too small for directory header", ErrAllocFailure)
	}
	binary.LittleEndian.PutUint32(hdr[0:4], dirMagic)
	binary.LittleEndian.PutUint32(hdr[4:8], dirVersion)
	binary.LittleEndian.PutUint64(hdr[8:16], uint64(dirOffset))
	binary.LittleEndian.PutUint64(hdr[16:24], uint64(len(payload)))

	return a.arena.Fence()
}

func (a *chunkAllocator) Alloc(size int) (ChunkID, []byte, error) {
	if size <= 0 {
		return 0, nil, fmt.Errorf("%w: non-positive chunk size %d", ErrAllocFailure, size)
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	off, ok := a.takeFreeLocked(int64(size))
	if !ok {
		needed := a.tailUsed + int64(size)
		if needed > a.arena.Size() {
			if err := a.arena.Grow(growTarget(needed)); err != nil {
				return 0, nil, fmt.Errorf("%w: %v", ErrAllocFailure, err)
			}
		}
		off = a.tailUsed
		a.tailUsed += int64(size)
	}

	id := a.next
	a.next++
	a.chunks[id] = freeExtent{offset: off, size: int64(size)}
	buf := a.arena.Slice(int(off), size)
	if buf == nil {
		return 0, nil, fmt.Errorf("%w: arena slice out of bounds at offset %d len %d", ErrAllocFailure, off, size)
	}
	return id, buf, nil
}

func (a *chunkAllocator) takeFreeLocked(size int64) (int64, bool) {
	for i, ext := range a.free {
		if ext.size >= size {
			a.free = append(a.free[:i], a.free[i+1:]...)
			if ext.size > size {
				// Keep the unused tail as a smaller free extent rather
				// than discarding it; this is the only "coalescing-ish"
				// behavior retained, and only shrinks one extent instead
				// of merging two.
				a.free = append(a.free, freeExtent{offset: ext.offset + size, size: ext.size - size})
			}
			return ext.offset, true
		}
	}
	return 0, false
}

func growTarget(needed int64) int64 {
	// Double the requested size to amortize repeated small grows, mirroring
	// the common append-growth heuristic used throughout the pack's slice
	// handling.
	target := needed * 2
	if target < 4096 {
		target = 4096
	}
	return target
}

func (a *chunkAllocator) Free(id ChunkID) error {
	if id == 0 {
		return fmt.Errorf("%w: chunk 0 is reserved and can never be freed", ErrUsageBug)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	ext, ok := a.chunks[id]
	if !ok {
		return fmt.Errorf("%w: free of unknown chunk %d", ErrUsageBug, id)
	}
	delete(a.chunks, id)
	a.free = append(a.free, ext)
	return nil
}

func (a *chunkAllocator) Bytes(id ChunkID) ([]byte, error) {
	a.mu.Lock()
	ext, ok := a.chunks[id]
	a.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: chunk %d not live", ErrUsageBug, id)
	}
	buf := a.arena.Slice(int(ext.offset), int(ext.size))
	if buf == nil {
		return nil, fmt.Errorf("%w: chunk %d out of arena bounds", ErrRecoveryCorruption, id)
	}
	return buf, nil
}

func (a *chunkAllocator) Pflush(id ChunkID, kind PwbKind) error {
	_, err := a.Bytes(id) // validates id is live
	if err != nil {
		return err
	}
	return a.arena.Sync(kind)
}

func (a *chunkAllocator) Pfence() error {
	return a.arena.Fence()
}

func (a *chunkAllocator) LiveChunks() (map[ChunkID][]byte, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make(map[ChunkID][]byte, len(a.chunks))
	for id, ext := range a.chunks {
		if id == 0 {
			// The reserved superblock chunk, not a PBlk - excluded so
			// Recover never tries to decode it as one.
			continue
		}
		buf := a.arena.Slice(int(ext.offset), int(ext.size))
		if buf == nil {
			return nil, fmt.Errorf("%w: chunk %d out of arena bounds", ErrRecoveryCorruption, id)
		}
		out[id] = buf
	}
	return out, nil
}

func (a *chunkAllocator) ReservedChunk(size int) ([]byte, error) {
	if size > reservedChunkSize {
		return nil, fmt.Errorf("%w: reserved chunk request %d exceeds fixed size %d", ErrAllocFailure, size, reservedChunkSize)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	buf := a.arena.Slice(0, reservedChunkSize)
	if buf == nil {
		return nil, fmt.Errorf("%w: arena too small for reserved chunk", ErrAllocFailure)
	}
	return buf, nil
}

func (a *chunkAllocator) Close() error {
	if err := a.PersistDirectory(); err != nil {
		return err
	}
	return a.arena.Close()
}

// MmapChunkStore is the default, durable ChunkStore: a chunkAllocator over
// an mmap-backed arena. See mmap_unix.go / mmap_windows.go for the
// platform-specific arena implementation.
type MmapChunkStore struct {
	*chunkAllocator
}

// OpenMmapChunkStore opens or creates path as the backing file for a
// persistent chunk store, growing it to at least initialSize bytes.
func OpenMmapChunkStore(path string, initialSize int64) (*MmapChunkStore, error) {
	arena, err := openMmapArena(path, initialSize)
	if err != nil {
		return nil, err
	}
	return &MmapChunkStore{chunkAllocator: newChunkAllocator(arena)}, nil
}
