// pkg/cowbtree/adapter.go
package cowbtree

import (
	"encoding/binary"
	"errors"
	"sync"

	"turepoch/pkg/epochsys"
)

// PersistentCowBTree wraps a CowBTree and persists its contents through an
// epochsys.ChunkStore - the same persistent-chunk abstraction the rest of
// the epoch subsystem (C1/C2) uses for durability. Rather than a page-based
// format, the whole tree is serialized into one chunk and rewritten on
// Checkpoint; during operation all reads still go through the in-memory
// CoW B+ tree, which remains lock-free.
type PersistentCowBTree struct {
	mu      sync.RWMutex
	tree    *CowBTree
	store   epochsys.ChunkStore
	chunkID epochsys.ChunkID
	dirty   bool
}

var cowTreeMagic = []byte("COWT")

// Chunk layout:
// [0:4]   - Magic "COWT"
// [4:8]   - Version (uint32)
// [8:16]  - Key count (uint64)
// [16:]   - Serialized key-value pairs

const (
	cowTreeHeaderSize = 16
	cowTreeVersion    = 1
)

// CreatePersistent creates a new persistent CoW B+ tree, reserving a fresh
// chunk in store for its serialized snapshot.
func CreatePersistent(store epochsys.ChunkStore) (*PersistentCowBTree, error) {
	id, _, err := store.Alloc(cowTreeHeaderSize)
	if err != nil {
		return nil, err
	}
	pt := &PersistentCowBTree{
		tree:    NewCowBTree(),
		store:   store,
		chunkID: id,
	}
	if err := pt.save(); err != nil {
		return nil, err
	}
	return pt, nil
}

// OpenPersistent reopens a persistent CoW B+ tree whose snapshot was
// written to chunkID by an earlier CreatePersistent/Checkpoint.
func OpenPersistent(store epochsys.ChunkStore, chunkID epochsys.ChunkID) (*PersistentCowBTree, error) {
	pt := &PersistentCowBTree{
		tree:    NewCowBTree(),
		store:   store,
		chunkID: chunkID,
	}
	if err := pt.load(); err != nil {
		return nil, err
	}
	return pt, nil
}

// ChunkID returns the chunk this tree's snapshot is stored under.
func (pt *PersistentCowBTree) ChunkID() epochsys.ChunkID {
	return pt.chunkID
}

// load replays the tree's serialized key-value pairs from its chunk.
func (pt *PersistentCowBTree) load() error {
	data, err := pt.store.Bytes(pt.chunkID)
	if err != nil {
		return err
	}
	if len(data) < cowTreeHeaderSize || string(data[0:4]) != string(cowTreeMagic) {
		// Freshly allocated, never saved: empty tree is fine.
		return nil
	}

	version := binary.LittleEndian.Uint32(data[4:8])
	if version != cowTreeVersion {
		return errors.New("cowbtree: unsupported persistent tree version")
	}

	keyCount := binary.LittleEndian.Uint64(data[8:16])
	offset := cowTreeHeaderSize
	for i := uint64(0); i < keyCount; i++ {
		if offset+8 > len(data) {
			break
		}
		keyLen := binary.LittleEndian.Uint32(data[offset:])
		offset += 4
		valLen := binary.LittleEndian.Uint32(data[offset:])
		offset += 4
		if offset+int(keyLen)+int(valLen) > len(data) {
			break
		}

		key := make([]byte, keyLen)
		copy(key, data[offset:offset+int(keyLen)])
		offset += int(keyLen)

		value := make([]byte, valLen)
		copy(value, data[offset:offset+int(valLen)])
		offset += int(valLen)

		if err := pt.tree.Insert(key, value); err != nil {
			return err
		}
	}
	return nil
}

// save serializes the tree's current contents into a freshly sized chunk,
// replacing the old one. Chunk stores return fixed-size buffers, so a grown
// tree needs a new, larger chunk rather than an in-place resize.
func (pt *PersistentCowBTree) save() error {
	stats := pt.tree.Stats()

	size := cowTreeHeaderSize
	var entries [][2][]byte
	_ = pt.tree.ForEach(func(key, value []byte) bool {
		entries = append(entries, [2][]byte{key, value})
		size += 8 + len(key) + len(value)
		return true
	})

	newID, data, err := pt.store.Alloc(size)
	if err != nil {
		return err
	}

	copy(data[0:4], cowTreeMagic)
	binary.LittleEndian.PutUint32(data[4:8], cowTreeVersion)
	binary.LittleEndian.PutUint64(data[8:16], uint64(stats.KeyCount))

	offset := cowTreeHeaderSize
	for _, kv := range entries {
		key, value := kv[0], kv[1]
		binary.LittleEndian.PutUint32(data[offset:], uint32(len(key)))
		offset += 4
		binary.LittleEndian.PutUint32(data[offset:], uint32(len(value)))
		offset += 4
		copy(data[offset:], key)
		offset += len(key)
		copy(data[offset:], value)
		offset += len(value)
	}

	if err := pt.store.Pflush(newID, epochsys.PwbFlush); err != nil {
		return err
	}
	if err := pt.store.Pfence(); err != nil {
		return err
	}

	oldID := pt.chunkID
	pt.chunkID = newID
	if oldID != newID {
		_ = pt.store.Free(oldID)
	}
	pt.dirty = false
	return nil
}

// Insert inserts or updates a key-value pair.
func (pt *PersistentCowBTree) Insert(key, value []byte) error {
	pt.mu.Lock()
	defer pt.mu.Unlock()

	if err := pt.tree.Insert(key, value); err != nil {
		return err
	}
	pt.dirty = true
	return nil
}

// Get retrieves the value for a key (lock-free read).
func (pt *PersistentCowBTree) Get(key []byte) ([]byte, error) {
	return pt.tree.Get(key)
}

// Delete removes a key from the tree.
func (pt *PersistentCowBTree) Delete(key []byte) error {
	pt.mu.Lock()
	defer pt.mu.Unlock()

	if err := pt.tree.Delete(key); err != nil {
		return err
	}
	pt.dirty = true
	return nil
}

// Cursor creates a new cursor for iteration.
func (pt *PersistentCowBTree) Cursor() *Cursor {
	return pt.tree.Cursor()
}

// Checkpoint persists the current tree state if it has unsaved changes.
func (pt *PersistentCowBTree) Checkpoint() error {
	pt.mu.Lock()
	defer pt.mu.Unlock()

	if !pt.dirty {
		return nil
	}
	return pt.save()
}

// Close checkpoints and releases the in-memory tree's resources.
func (pt *PersistentCowBTree) Close() error {
	pt.mu.Lock()
	defer pt.mu.Unlock()

	if pt.dirty {
		if err := pt.save(); err != nil {
			return err
		}
	}
	return pt.tree.Close()
}

// Depth returns the depth of the tree.
func (pt *PersistentCowBTree) Depth() int {
	return int(pt.tree.Stats().Height)
}

// KeyCount returns the number of keys.
func (pt *PersistentCowBTree) KeyCount() int64 {
	return pt.tree.Stats().KeyCount
}

// Snapshot creates a read-only snapshot.
func (pt *PersistentCowBTree) Snapshot() *CowBTreeSnapshot {
	return pt.tree.Snapshot()
}

// IsDirty returns true if the tree has uncommitted changes.
func (pt *PersistentCowBTree) IsDirty() bool {
	pt.mu.RLock()
	defer pt.mu.RUnlock()
	return pt.dirty
}

// Stats returns statistics about the tree.
func (pt *PersistentCowBTree) Stats() CowBTreeStats {
	return pt.tree.Stats()
}

// Range performs a range scan.
func (pt *PersistentCowBTree) Range(startKey, endKey []byte, fn func(key, value []byte) bool) error {
	return pt.tree.Range(startKey, endKey, fn)
}
