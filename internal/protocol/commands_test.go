package protocol

import (
	"encoding/hex"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChecksumKnownValue(t *testing.T) {
	// CRC-16/MODBUS check value
	assert.Equal(t, uint16(0x4B37), Checksum([]byte("123456789")))
	assert.Equal(t, uint16(0xFFFF), Checksum(nil))
}

func TestEncodeEmptyPayload(t *testing.T) {
	tests := []struct {
		name     string
		sequence uint16
		expected string
	}{
		{"first sequence", 1, "484da3030001ffff000a"},
		{"zero sequence", 0, "484da3030000ffff000a"},
		{"max sequence", 0xFFFF, "484da303ffffffff000a"},
		{"big endian sequence", 0x1234, "484da3031234ffff000a"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			frame, err := Encode(CommandRealData, nil, tt.sequence)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, hex.EncodeToString(frame))
		})
	}
}

func TestEncodeRealDataRequestDefault(t *testing.T) {
	frame, err := EncodeRealDataRequest(RealDataRequest{}, 7)
	require.NoError(t, err)

	assert.Len(t, frame, HeaderLen)
	assert.Equal(t, "484da3030007ffff000a", hex.EncodeToString(frame))
}

func TestEncodeLayout(t *testing.T) {
	payload := []byte("123456789")

	frame, err := Encode(CommandRealData, payload, 0x0102)
	require.NoError(t, err)
	require.Len(t, frame, HeaderLen+len(payload))

	assert.Equal(t, []byte("HM"), frame[0:2])
	assert.Equal(t, []byte{0xA3, 0x03}, frame[2:4])
	assert.Equal(t, []byte{0x01, 0x02}, frame[4:6])
	assert.Equal(t, []byte{0x4B, 0x37}, frame[6:8])
	assert.Equal(t, []byte{0x00, 0x13}, frame[8:10])
	assert.Equal(t, payload, frame[10:])
}

func TestEncodeChecksumCoversPayloadOnly(t *testing.T) {
	payload := []byte{0x0a, 0x04, 0x74, 0x65, 0x73, 0x74}

	a, err := Encode(CommandRealData, payload, 1)
	require.NoError(t, err)
	b, err := Encode(CommandRealData, payload, 2)
	require.NoError(t, err)

	// different sequence, same checksum
	assert.Equal(t, a[6:8], b[6:8])

	for i := range payload {
		corrupted := append([]byte(nil), payload...)
		corrupted[i] ^= 0x01

		c, err := Encode(CommandRealData, corrupted, 1)
		require.NoError(t, err)
		assert.NotEqual(t, a[6:8], c[6:8], "flipping byte %d must change the checksum", i)
	}
}

func TestEncodeSequenceWraps(t *testing.T) {
	var seq uint16 = 0xFFFE
	seen := make([]uint16, 0, 4)

	for i := 0; i < 4; i++ {
		seq++
		frame, err := Encode(CommandRealData, nil, seq)
		require.NoError(t, err)

		h, err := ParseHeader(frame)
		require.NoError(t, err)
		seen = append(seen, h.Sequence)
	}

	assert.Equal(t, []uint16{0xFFFF, 0x0000, 0x0001, 0x0002}, seen)
}

func TestEncodeFrameTooLarge(t *testing.T) {
	_, err := Encode(CommandRealData, make([]byte, MaxPayloadLen+1), 1)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrEncode))
	assert.True(t, errors.Is(err, ErrFrameTooLarge))

	frame, err := Encode(CommandRealData, make([]byte, MaxPayloadLen), 1)
	require.NoError(t, err)
	assert.Equal(t, []byte{0xFF, 0xFF}, frame[8:10])
}

func TestCommandString(t *testing.T) {
	assert.Equal(t, "a303", CommandRealData.String())
}

func TestFormatFrameHex(t *testing.T) {
	assert.Equal(t, "", FormatFrameHex(nil))
	assert.Equal(t, "484d", FormatFrameHex([]byte("HM")))
}
