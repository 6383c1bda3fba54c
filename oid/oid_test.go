package oid

import (
	"testing"

	"github.com/fxamacker/cbor/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStringRoundTrip(t *testing.T) {
	o, err := Random()
	require.NoError(t, err)

	s := o.String()
	assert.Len(t, s, 32)

	o2, err := FromString(s)
	require.NoError(t, err)
	assert.Equal(t, o, o2)

	_, err = FromString("not-an-oid")
	assert.ErrorIs(t, err, ErrorInvalidOidString)

	_, err = FromString("AAAA")
	assert.Error(t, err)
}

func TestCBOREncodesAsByteString(t *testing.T) {
	type wrapper struct {
		ID Oid `cbor:"1,keyasint"`
	}
	in := wrapper{ID: Hash([]byte("node"))}

	enc, err := cbor.Marshal(in)
	require.NoError(t, err)

	// map(1) key 1, byte string of 20 bytes (0x54) followed by the raw bytes
	assert.Equal(t, []byte{0xa1, 0x01, 0x54}, enc[:3])
	assert.Len(t, enc, 3+Size)

	var out wrapper
	require.NoError(t, cbor.Unmarshal(enc, &out))
	assert.Equal(t, in.ID, out.ID)
}

func TestXorDistance(t *testing.T) {
	a := Hash([]byte("a"))
	b := Hash([]byte("b"))

	assert.Equal(t, Oid{}, Xor(a, a))
	assert.Equal(t, Xor(a, b), Xor(b, a))
	assert.True(t, CloserTo(a, a, b))
	assert.False(t, CloserTo(a, b, a))
}

func TestCommonPrefixLen(t *testing.T) {
	var zero Oid
	assert.Equal(t, Bits, CommonPrefixLen(zero, zero))

	other := zero.FlipBit(0)
	assert.Equal(t, 0, CommonPrefixLen(zero, other))

	other = zero.FlipBit(13)
	assert.Equal(t, 13, CommonPrefixLen(zero, other))
	assert.Equal(t, 1, other.Bit(13))
	assert.Equal(t, 0, other.Bit(12))
}

func TestWithPrefix(t *testing.T) {
	var ones Oid
	for i := range ones {
		ones[i] = 0xFF
	}
	var zero Oid

	o := WithPrefix(ones, 12, zero)
	assert.Equal(t, byte(0xFF), o[0])
	assert.Equal(t, byte(0xF0), o[1])
	assert.Equal(t, byte(0x00), o[2])
	assert.Equal(t, 12, CommonPrefixLen(o, ones))

	assert.Equal(t, zero, WithPrefix(ones, 0, zero))
	assert.Equal(t, ones, WithPrefix(ones, Bits, zero))
}
