//go:build test

package channel

import (
	"testing"

	"github.com/srg/stepble/internal/device"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStepCodecRoundTrip(t *testing.T) {
	// GOAL: Verify Decode inverts Encode for every width and byte order
	//
	// TEST SCENARIO: Widths 1..8 in both orders → encode boundary values → decode returns them

	for width := 1; width <= MaxStepWidth; width++ {
		for _, order := range []string{"little", "big"} {
			codec, err := NewStepCodec(width, order)
			require.NoError(t, err)

			for _, v := range []uint64{0, 1, 0xAB, codec.Max() / 3, codec.Max()} {
				payload, err := codec.Encode(v)
				require.NoError(t, err)
				require.Len(t, payload, width)

				got, err := codec.Decode(payload)
				require.NoError(t, err)
				assert.Equal(t, v, got, "width %d %s-endian MUST round-trip %d", width, order, v)
			}
		}
	}
}

func TestStepCodecByteOrder(t *testing.T) {
	le := DefaultStepCodec()
	be := StepCodec{Width: 4, Order: BigEndian}
	payload := []byte{0x10, 0x27, 0x00, 0x00}

	steps, err := le.Decode(payload)
	require.NoError(t, err)
	assert.Equal(t, uint64(10000), steps, "default codec MUST be 4-byte little-endian")

	steps, err = be.Decode(payload)
	require.NoError(t, err)
	assert.Equal(t, uint64(0x10270000), steps)
}

func TestStepCodecNarrowWidthsPadCorrectly(t *testing.T) {
	// GOAL: Verify widths below 8 bytes place payload bytes at the low end of the value
	//
	// TEST SCENARIO: Known 3-byte and 1-byte payloads in both orders → fixed expected values and encodings

	payload := []byte{0x01, 0x02, 0x03}
	le := StepCodec{Width: 3, Order: LittleEndian}
	be := StepCodec{Width: 3, Order: BigEndian}

	steps, err := le.Decode(payload)
	require.NoError(t, err)
	assert.Equal(t, uint64(0x030201), steps, "3-byte little-endian MUST decode low byte first")

	steps, err = be.Decode(payload)
	require.NoError(t, err)
	assert.Equal(t, uint64(0x010203), steps, "3-byte big-endian MUST decode high byte first")

	out, err := be.Encode(0x010203)
	require.NoError(t, err)
	assert.Equal(t, payload, out)

	out, err = le.Encode(0x030201)
	require.NoError(t, err)
	assert.Equal(t, payload, out)

	one := StepCodec{Width: 1, Order: BigEndian}
	steps, err = one.Decode([]byte{0xFE})
	require.NoError(t, err)
	assert.Equal(t, uint64(0xFE), steps)

	_, err = le.Encode(0x01000000)
	assert.Error(t, err, "a value wider than 3 bytes MUST be rejected")
}

func TestStepCodecRejectsMalformedPayloads(t *testing.T) {
	// GOAL: Verify any payload of the wrong length is a DecodeError
	//
	// TEST SCENARIO: Empty, short and long payloads against a 4-byte codec → ErrDecode naming both lengths

	codec := DefaultStepCodec()
	for _, payload := range [][]byte{nil, {}, {1, 2, 3}, {1, 2, 3, 4, 5}} {
		_, err := codec.Decode(payload)
		assert.ErrorIs(t, err, device.ErrDecode, "len %d MUST fail", len(payload))
	}

	_, err := codec.Decode([]byte{1, 2})
	assert.ErrorContains(t, err, "must be 4 bytes, got 2")
}

func TestStepCodecValidation(t *testing.T) {
	_, err := NewStepCodec(0, "little")
	assert.Error(t, err)
	_, err = NewStepCodec(9, "little")
	assert.Error(t, err)
	_, err = NewStepCodec(4, "middle")
	assert.ErrorContains(t, err, "unknown byte order")

	c, err := NewStepCodec(2, "BE")
	require.NoError(t, err)
	assert.Equal(t, BigEndian, c.Order)
	assert.Equal(t, uint64(0xFFFF), c.Max())

	_, err = c.Encode(0x10000)
	assert.Error(t, err, "values above Max MUST NOT encode")

	for _, in := range []string{"", "le", "Little-Endian"} {
		bo, err := ParseByteOrder(in)
		require.NoError(t, err)
		assert.Equal(t, LittleEndian, bo, "%q MUST parse as little-endian", in)
	}
}
