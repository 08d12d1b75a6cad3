package epochsys

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHeaderRoundTripsThroughEncodeDecode(t *testing.T) {
	h := PBlkHeader{TypeID: 7, Flags: FlagValid, BirthEpoch: 3, RetireEpoch: 9, ID: 42}
	got, err := DecodeHeader(EncodeHeader(h))
	require.NoError(t, err)
	require.Equal(t, h, got)
}

func TestDecodeHeaderRejectsShortBuffer(t *testing.T) {
	_, err := DecodeHeader([]byte{1, 2, 3})
	require.ErrorIs(t, err, ErrRecoveryCorruption)
}

func TestTombstoneFlag(t *testing.T) {
	h := &PBlkHeader{}
	require.False(t, h.Tombstoned())
	h.SetTombstone()
	require.True(t, h.Tombstoned())
}

func TestTypeRegistryConstructRoundTrip(t *testing.T) {
	r := newTestRegistry()
	c := newDurableCounter(1, 99)
	c.BirthEpoch = 5

	marshaled := c.Marshal()
	header, err := DecodeHeader(marshaled[:headerEncodedSize])
	require.NoError(t, err)
	require.Equal(t, Epoch(5), header.BirthEpoch)

	blk, err := r.Construct(header, marshaled[headerEncodedSize:])
	require.NoError(t, err)
	restored, ok := blk.(*DurableCounter)
	require.True(t, ok)
	require.Equal(t, int64(99), restored.Value)
}

func TestTypeRegistryRejectsUnregisteredType(t *testing.T) {
	r := NewTypeRegistry()
	_, err := r.Construct(PBlkHeader{TypeID: 77}, nil)
	require.ErrorIs(t, err, ErrRecoveryCorruption)
}

func TestTypeRegistryPanicsOnDuplicateRegistration(t *testing.T) {
	r := NewTypeRegistry()
	r.Register(1, constructDurableCounter)
	require.Panics(t, func() {
		r.Register(1, constructDurableCounter)
	})
}
