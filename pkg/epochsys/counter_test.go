package epochsys

// DurableCounter is a minimal PBlk used across the test suite to exercise
// copy-on-write, persistence, and recovery without needing a full data
// structure: a single int64 payload plus the PBlk header machinery.
type DurableCounter struct {
	PBlkBase
	Value int64
}

const counterTypeID uint16 = 1

func newDurableCounter(id uint64, value int64) *DurableCounter {
	c := &DurableCounter{Value: value}
	c.ID = id
	c.TypeID = counterTypeID
	return c
}

func (c *DurableCounter) Clone() PBlk {
	return &DurableCounter{PBlkBase: PBlkBase{PBlkHeader: c.PBlkHeader}, Value: c.Value}
}

func (c *DurableCounter) Marshal() []byte {
	buf := EncodeHeader(c.PBlkHeader)
	payload := make([]byte, 8)
	putInt64(payload, c.Value)
	return append(buf, payload...)
}

func constructDurableCounter(header PBlkHeader, payload []byte) (PBlk, error) {
	if len(payload) < 8 {
		return nil, ErrRecoveryCorruption
	}
	c := &DurableCounter{Value: getInt64(payload)}
	c.PBlkHeader = header
	return c, nil
}

func putInt64(b []byte, v int64) {
	u := uint64(v)
	for i := 0; i < 8; i++ {
		b[i] = byte(u >> (8 * i))
	}
}

func getInt64(b []byte) int64 {
	var u uint64
	for i := 0; i < 8; i++ {
		u |= uint64(b[i]) << (8 * i)
	}
	return int64(u)
}

func newTestRegistry() *TypeRegistry {
	r := NewTypeRegistry()
	r.Register(counterTypeID, constructDurableCounter)
	return r
}

// Header sets the stable TypeID before returning, so callers constructing
// a DurableCounter directly (bypassing newDurableCounter) can't forget it.
func (c *DurableCounter) Header() *PBlkHeader {
	c.TypeID = counterTypeID
	return &c.PBlkHeader
}
