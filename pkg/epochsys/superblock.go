package epochsys

import (
	"encoding/binary"
	"fmt"
)

// superblockMagic identifies a chunk store's reserved chunk 0 as a valid
// epochsys superblock.
const superblockMagic uint32 = 0x45504f43 // "EPOC"

// superblockVersion is bumped if the on-disk layout changes incompatibly.
const superblockVersion uint32 = 1

// superblock is the durable header written to chunk 0: magic, version, the
// last epoch known to have fully drained (EDurable), and the thread count
// the store was opened with (recorded only; Recover does not read it and
// takes its shard count from its own argument).
type superblock struct {
	Magic    uint32
	Version  uint32
	EDurable Epoch
	NThreads uint32
}

func encodeSuperblock(s superblock) []byte {
	buf := make([]byte, reservedChunkSize)
	binary.LittleEndian.PutUint32(buf[0:4], s.Magic)
	binary.LittleEndian.PutUint32(buf[4:8], s.Version)
	binary.LittleEndian.PutUint64(buf[8:16], s.EDurable)
	binary.LittleEndian.PutUint32(buf[16:20], s.NThreads)
	return buf
}

func decodeSuperblock(buf []byte) (superblock, error) {
	if len(buf) < 20 {
		return superblock{}, fmt.Errorf("%w: superblock too short (%d bytes)", ErrRecoveryCorruption, len(buf))
	}
	s := superblock{
		Magic:    binary.LittleEndian.Uint32(buf[0:4]),
		Version:  binary.LittleEndian.Uint32(buf[4:8]),
		EDurable: binary.LittleEndian.Uint64(buf[8:16]),
		NThreads: binary.LittleEndian.Uint32(buf[16:20]),
	}
	if s.Magic != superblockMagic {
		return superblock{}, fmt.Errorf("%w: bad superblock magic 0x%x", ErrRecoveryCorruption, s.Magic)
	}
	if s.Version != superblockVersion {
		return superblock{}, fmt.Errorf("%w: unsupported superblock version %d", ErrRecoveryCorruption, s.Version)
	}
	return s, nil
}

// writeSuperblock persists the current durable epoch and thread count into
// the store's reserved chunk, flushing it through Pfence so the header
// itself is never torn by a crash mid-write.
func writeSuperblock(store ChunkStore, eDurable Epoch, nThreads int) error {
	buf, err := store.ReservedChunk(reservedChunkSize)
	if err != nil {
		return err
	}
	copy(buf, encodeSuperblock(superblock{
		Magic: superblockMagic, Version: superblockVersion,
		EDurable: eDurable, NThreads: uint32(nThreads),
	}))
	if err := store.Pflush(0, PwbFlush); err != nil {
		return err
	}
	return store.Pfence()
}

// readSuperblock reads and validates the store's reserved chunk. A fresh,
// never-initialized store has a zeroed reserved chunk, which fails magic
// validation - callers use that to distinguish "fresh store" from
// "corrupt store" (see Recover).
func readSuperblock(store ChunkStore) (superblock, bool, error) {
	buf, err := store.ReservedChunk(reservedChunkSize)
	if err != nil {
		return superblock{}, false, err
	}
	allZero := true
	for _, b := range buf {
		if b != 0 {
			allZero = false
			break
		}
	}
	if allZero {
		return superblock{}, false, nil
	}
	s, err := decodeSuperblock(buf)
	if err != nil {
		return superblock{}, false, err
	}
	return s, true, nil
}
