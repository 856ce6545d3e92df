// Package wire implements the decoder's UART framing protocol: a 4-byte
// magic/opcode/length header, a literal ACK frame, and a per-256-byte ACK
// handshake for payload transfer in either direction.
//
// Grounded on the teacher's internal/cnl handshake (request/response over a
// blocking stream, reader/writer split) and internal/serial.Codec's
// buffer-scanning style, adapted from a CAN/TCP multi-client bridge to a
// single blocking UART request/response cycle.
package wire

import (
	"errors"
)

// Magic is the leading byte of every frame.
const Magic = 0x25 // '%'

// Opcodes.
const (
	OpList    = 'L'
	OpInstall = 'S'
	OpDecode  = 'D'
	OpError   = 'E'
	OpDebug   = 'G'
	OpAck     = 'A'
)

// ChunkSize is the maximum payload carried between ACKs.
const ChunkSize = 256

// AckFrame is the literal 4-byte acknowledgement frame.
var AckFrame = [4]byte{Magic, OpAck, 0x00, 0x00}

// ErrBadMagic and ErrBadOpcode are surfaced to the caller for logging; the
// wire contract treats both identically (diagnostic G message, then return).
var (
	ErrBadMagic  = errors.New("wire: bad magic byte")
	ErrBadOpcode = errors.New("wire: unrecognized opcode")
)

// isKnownOpcode reports whether op is accepted in an incoming header. 'E'
// passes this parse check; the dispatcher rejects it as a request opcode.
func isKnownOpcode(op byte) bool {
	switch op {
	case OpError, OpList, OpInstall, OpDecode, OpAck:
		return true
	default:
		return false
	}
}

// Header is the parsed 4-byte frame header.
type Header struct {
	Opcode byte
	Length uint16
}

// EncodeHeader renders a header to its 4-byte wire form (length little-endian).
func EncodeHeader(opcode byte, length uint16) [4]byte {
	return [4]byte{Magic, opcode, byte(length), byte(length >> 8)}
}

// ParseHeader validates and decodes a raw 4-byte header. It returns
// ErrBadMagic/ErrBadOpcode on malformed input; callers are expected to emit a
// diagnostic and abort the current request on error, never attempting to
// resynchronize within the same call.
func ParseHeader(raw [4]byte) (Header, error) {
	if raw[0] != Magic {
		return Header{}, ErrBadMagic
	}
	if !isKnownOpcode(raw[1]) {
		return Header{}, ErrBadOpcode
	}
	length := uint16(raw[2]) | uint16(raw[3])<<8
	return Header{Opcode: raw[1], Length: length}, nil
}

// NumChunks returns how many ChunkSize-sized pieces a payload of the given
// length is split into (ceil(length/256), at least 1 for any non-zero
// length; 0 chunks for a zero-length payload still requires the trailing ACK
// wait described in Conn.SendWithAck).
func NumChunks(length int) int {
	return (length + ChunkSize - 1) / ChunkSize
}
