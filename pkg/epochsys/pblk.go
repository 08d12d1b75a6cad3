package epochsys

import (
	"encoding/binary"
	"fmt"
	"sync"
)

// flag bits stored in PBlkHeader.Flags.
const (
	FlagValid uint32 = 1 << iota
	FlagTombstone
	// FlagCopy marks a version OpenWrite produced as the copy-on-write
	// clone of an object born in an earlier epoch, as opposed to a version
	// RegisterAlloc created fresh, so a reader of the chunk can tell "new
	// object" and "new version of an existing object" apart without
	// comparing birth epochs. Recover does not read it.
	FlagCopy
)

// headerEncodedSize is the fixed on-chunk size of an encoded PBlkHeader:
// TypeID(2) + Flags(4) + BirthEpoch(8) + RetireEpoch(8) + ID(8) = 30,
// padded to 32 so payloads start on an 8-byte boundary.
const headerEncodedSize = 32

// PBlkHeader is the durable, copy-on-write metadata every PBlk carries.
// BirthEpoch is the epoch this version became reachable in; RetireEpoch is
// the epoch it was superseded or deleted in (NullEpoch while still live).
type PBlkHeader struct {
	TypeID      uint16
	Flags       uint32
	BirthEpoch  Epoch
	RetireEpoch Epoch
	ID          uint64
}

// Tombstoned reports whether this version represents a deletion.
func (h *PBlkHeader) Tombstoned() bool { return h.Flags&FlagTombstone != 0 }

// SetTombstone marks this version as a deletion marker.
func (h *PBlkHeader) SetTombstone() { h.Flags |= FlagTombstone }

// EncodeHeader serializes a PBlkHeader to its fixed-size durable form.
func EncodeHeader(h PBlkHeader) []byte {
	buf := make([]byte, headerEncodedSize)
	binary.LittleEndian.PutUint16(buf[0:2], h.TypeID)
	binary.LittleEndian.PutUint32(buf[2:6], h.Flags)
	binary.LittleEndian.PutUint64(buf[6:14], h.BirthEpoch)
	binary.LittleEndian.PutUint64(buf[14:22], h.RetireEpoch)
	binary.LittleEndian.PutUint64(buf[22:30], h.ID)
	return buf
}

// DecodeHeader parses a PBlkHeader from its fixed-size durable form.
func DecodeHeader(buf []byte) (PBlkHeader, error) {
	if len(buf) < headerEncodedSize {
		return PBlkHeader{}, fmt.Errorf("%w: short pblk header (%d bytes)", ErrRecoveryCorruption, len(buf))
	}
	return PBlkHeader{
		TypeID:      binary.LittleEndian.Uint16(buf[0:2]),
		Flags:       binary.LittleEndian.Uint32(buf[2:6]),
		BirthEpoch:  binary.LittleEndian.Uint64(buf[6:14]),
		RetireEpoch: binary.LittleEndian.Uint64(buf[14:22]),
		ID:          binary.LittleEndian.Uint64(buf[22:30]),
	}, nil
}

// PBlk is any persistent, copy-on-write object epochsys manages. Concrete
// types embed PBlkBase for the header plumbing and chunk bookkeeping, and
// implement Clone/Marshal for their own payload.
type PBlk interface {
	Header() *PBlkHeader
	// Clone returns a deep copy of the receiver's payload. OpenWrite uses
	// this to produce the new version of an object whose current version
	// was born in an earlier epoch, and then sets the clone's ID,
	// BirthEpoch, RetireEpoch and Flags itself, so whatever header values
	// Clone leaves are overwritten.
	Clone() PBlk
	// Marshal serializes the full durable representation (header +
	// payload) for the chunk store.
	Marshal() []byte
	// ChunkID reports which chunk this version's Marshal'd bytes currently
	// live in, or 0 if it has never been persisted.
	ChunkID() ChunkID
	// SetChunkID records the chunk a persist/reclaim just assigned or
	// released. Callers outside epochsys's own persist/reclaim pipeline
	// should not call this directly.
	SetChunkID(id ChunkID)
}

// PBlkBase implements the Header/ChunkID accessors that every concrete PBlk
// type inherits by embedding it; only Clone and Marshal need writing per type.
type PBlkBase struct {
	PBlkHeader
	chunk ChunkID
}

// Header returns a pointer to the embedded header.
func (b *PBlkBase) Header() *PBlkHeader { return &b.PBlkHeader }

// ChunkID returns the chunk this version was last persisted to, or 0.
func (b *PBlkBase) ChunkID() ChunkID { return b.chunk }

// SetChunkID records the chunk a persist/reclaim just assigned or released.
func (b *PBlkBase) SetChunkID(id ChunkID) { b.chunk = id }

// Constructor builds a PBlk from its durable payload bytes (the bytes
// following the header in a Marshal'd chunk). Implementations are
// registered per TypeID in a TypeRegistry and invoked during recovery.
type Constructor func(header PBlkHeader, payload []byte) (PBlk, error)

// TypeRegistry maps a PBlk's TypeID to the constructor that can rebuild it
// from durable bytes. Recovery uses this to classify and reconstruct every
// chunk it finds in the store.
type TypeRegistry struct {
	mu    sync.RWMutex
	ctors map[uint16]Constructor
}

// NewTypeRegistry returns an empty registry.
func NewTypeRegistry() *TypeRegistry {
	return &TypeRegistry{ctors: make(map[uint16]Constructor)}
}

// Register associates a TypeID with its constructor. Registering the same
// TypeID twice panics - it almost always means two PBlk types collided on
// an ID, a programming error caught at init time rather than at recovery
// time.
func (r *TypeRegistry) Register(typeID uint16, ctor Constructor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.ctors[typeID]; exists {
		panic(fmt.Sprintf("epochsys: duplicate PBlk TypeID %d registered", typeID))
	}
	r.ctors[typeID] = ctor
}

// Construct rebuilds a PBlk from a decoded header and its trailing payload
// bytes.
func (r *TypeRegistry) Construct(header PBlkHeader, payload []byte) (PBlk, error) {
	r.mu.RLock()
	ctor, ok := r.ctors[header.TypeID]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: unregistered PBlk TypeID %d", ErrRecoveryCorruption, header.TypeID)
	}
	return ctor(header, payload)
}
