// Package protocol provides request framing and payload handling for Hoymiles HMS DTU communication.
package protocol

import (
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/sigurn/crc16"
)

// DefaultPort is the fixed TCP port of the DTU.
const DefaultPort = 10081

// HeaderLen is the size of the frame header preceding every payload.
const HeaderLen = 10

// MaxPayloadLen is the largest payload whose total length fits the 16-bit length field.
const MaxPayloadLen = 0xFFFF - HeaderLen

// Magic is the fixed marker opening every frame.
var Magic = [2]byte{'H', 'M'}

// Command is the two byte opcode of a frame.
type Command [2]byte

// Known command codes.
var (
	CommandRealData = Command{0xA3, 0x03} // read real-time data
)

// String returns the hex representation of the command.
func (c Command) String() string {
	return hex.EncodeToString(c[:])
}

var (
	// ErrEncode marks failures to build a request. These are programming
	// errors, not transient network conditions.
	ErrEncode = errors.New("encode request")

	// ErrFrameTooLarge is returned for payloads exceeding MaxPayloadLen.
	ErrFrameTooLarge = errors.New("payload too large for frame")
)

var crcTable = crc16.MakeTable(crc16.CRC16_MODBUS)

// Checksum computes the CRC-16/MODBUS of a payload.
func Checksum(payload []byte) uint16 {
	return crc16.Checksum(payload, crcTable)
}

// Encode frames a payload with the given command and sequence number.
func Encode(cmd Command, payload []byte, sequence uint16) ([]byte, error) {
	if len(payload) > MaxPayloadLen {
		return nil, fmt.Errorf("%w: %w: %d bytes", ErrEncode, ErrFrameTooLarge, len(payload))
	}

	frame := make([]byte, HeaderLen, HeaderLen+len(payload))
	copy(frame[0:2], Magic[:])
	copy(frame[2:4], cmd[:])
	binary.BigEndian.PutUint16(frame[4:6], sequence)
	binary.BigEndian.PutUint16(frame[6:8], Checksum(payload))
	//nolint:gosec // bounded by MaxPayloadLen above
	binary.BigEndian.PutUint16(frame[8:10], uint16(len(payload)+HeaderLen))

	return append(frame, payload...), nil
}

// EncodeRealDataRequest builds a "read real-time data" request frame.
func EncodeRealDataRequest(req RealDataRequest, sequence uint16) ([]byte, error) {
	return Encode(CommandRealData, req.Marshal(), sequence)
}

// FormatFrameHex returns a hex representation of frame data for logging.
func FormatFrameHex(data []byte) string {
	if len(data) == 0 {
		return ""
	}
	return hex.EncodeToString(data)
}
