package bitfield

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetAndHas(t *testing.T) {
	b := New(10)
	assert.False(t, b.Has(3))
	b.Set(3)
	assert.True(t, b.Has(3))
	assert.Equal(t, 1, b.Count())
}

func TestBytesMSBFirst(t *testing.T) {
	b := New(9)
	b.Set(0)
	b.Set(8)
	got := b.Bytes()
	require.Len(t, got, 2)
	assert.Equal(t, byte(0b10000000), got[0])
	assert.Equal(t, byte(0b10000000), got[1])
}

func TestFromBytesRoundTrip(t *testing.T) {
	b := New(12)
	b.Set(0)
	b.Set(5)
	b.Set(11)
	wire := b.Bytes()
	parsed, err := FromBytes(wire, 12)
	require.NoError(t, err)
	assert.True(t, parsed.Has(0))
	assert.True(t, parsed.Has(5))
	assert.True(t, parsed.Has(11))
	assert.False(t, parsed.Has(6))
}

func TestFromBytesRejectsWrongLength(t *testing.T) {
	_, err := FromBytes(make([]byte, 3), 9)
	assert.Error(t, err)
}

func TestFromBytesRejectsNonZeroTrailingBits(t *testing.T) {
	// numPieces=9 means 2 bytes, 7 trailing bits in the last byte must be
	// zero; set one of those bits.
	data := []byte{0x00, 0x40}
	_, err := FromBytes(data, 9)
	assert.Error(t, err)
}
