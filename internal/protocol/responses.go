package protocol

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// DecodeError reports a malformed or truncated frame or payload.
type DecodeError struct {
	Reason string
	Err    error
}

func (e *DecodeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("decode: %s: %v", e.Reason, e.Err)
	}
	return "decode: " + e.Reason
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

func decodeErrorf(format string, args ...interface{}) *DecodeError {
	return &DecodeError{Reason: fmt.Sprintf(format, args...)}
}

// Header is the parsed 10-byte frame header.
type Header struct {
	Magic    [2]byte
	Command  Command
	Sequence uint16
	Checksum uint16
	Length   uint16
}

// ParseHeader reads the header fields of a frame without validating them.
func ParseHeader(frame []byte) (Header, error) {
	if len(frame) < HeaderLen {
		return Header{}, decodeErrorf("frame too short: %d bytes, need at least %d", len(frame), HeaderLen)
	}

	var h Header
	copy(h.Magic[:], frame[0:2])
	copy(h.Command[:], frame[2:4])
	h.Sequence = binary.BigEndian.Uint16(frame[4:6])
	h.Checksum = binary.BigEndian.Uint16(frame[6:8])
	h.Length = binary.BigEndian.Uint16(frame[8:10])
	return h, nil
}

// ParseResponse splits a received frame into header and payload.
//
// In permissive mode only the minimum length is enforced. In strict mode the
// magic marker, the declared total length and the payload checksum must all
// match as well.
func ParseResponse(frame []byte, strict bool) (Header, []byte, error) {
	h, err := ParseHeader(frame)
	if err != nil {
		return Header{}, nil, err
	}

	payload := frame[HeaderLen:]
	if !strict {
		return h, payload, nil
	}

	if !bytes.Equal(h.Magic[:], Magic[:]) {
		return h, nil, decodeErrorf("bad magic %x", h.Magic[:])
	}
	if int(h.Length) != len(frame) {
		return h, nil, decodeErrorf("length mismatch: header says %d, got %d", h.Length, len(frame))
	}
	if crc := Checksum(payload); crc != h.Checksum {
		return h, nil, decodeErrorf("checksum mismatch: header 0x%04X, computed 0x%04X", h.Checksum, crc)
	}

	return h, payload, nil
}
