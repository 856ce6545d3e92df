package wire

import (
	"io"
)

// Conn drives the framing protocol over a single blocking byte stream (a
// UART port in production, a net.Pipe in tests).
type Conn struct {
	rw io.ReadWriter
}

// NewConn wraps a byte stream with the framing protocol.
func NewConn(rw io.ReadWriter) *Conn {
	return &Conn{rw: rw}
}

func (c *Conn) readFull(buf []byte) error {
	_, err := io.ReadFull(c.rw, buf)
	return err
}

func (c *Conn) readByte() (byte, error) {
	var b [1]byte
	if err := c.readFull(b[:]); err != nil {
		return 0, err
	}
	return b[0], nil
}

// ReadHeader blocks for the next 4-byte frame header and parses it. Framing
// errors (bad magic, unknown opcode) are returned unparsed so the caller can
// decide how to report them; the stream position is never rewound, matching
// the receiver's no-resync contract.
func (c *Conn) ReadHeader() (Header, error) {
	var raw [4]byte
	if err := c.readFull(raw[:]); err != nil {
		return Header{}, err
	}
	return ParseHeader(raw)
}

// ReadRaw reads exactly len(buf) bytes directly off the underlying stream,
// with no framing or acking of its own. Used by callers that need a
// different ack cadence than ReadChunks provides (the install path checks
// integrity and validates the channel between the read and the ack).
func (c *Conn) ReadRaw(buf []byte) error {
	return c.readFull(buf)
}

// Ack writes the literal ACK frame.
func (c *Conn) Ack() error {
	_, err := c.rw.Write(AckFrame[:])
	return err
}

// WaitAck spins reading bytes until it sees the magic byte, then
// unconditionally drains the three bytes that follow (opcode + length),
// without validating them. This mirrors the original firmware's eat_ack: it
// is deliberately lenient so a slow or noisy link can resynchronize on the
// ACK's magic byte alone.
func (c *Conn) WaitAck() error {
	for {
		b, err := c.readByte()
		if err != nil {
			return err
		}
		if b == Magic {
			break
		}
	}
	var rest [3]byte
	return c.readFull(rest[:])
}

// SendRaw writes a header and payload with no ACK handshake at all; this is
// used only for 'G' diagnostic messages, which the firmware fires and
// forgets.
func (c *Conn) SendRaw(opcode byte, payload []byte) error {
	hdr := EncodeHeader(opcode, uint16(len(payload)))
	if _, err := c.rw.Write(hdr[:]); err != nil {
		return err
	}
	if len(payload) == 0 {
		return nil
	}
	_, err := c.rw.Write(payload)
	return err
}

// SendWithAck writes a header, then transfers payload in ChunkSize pieces,
// waiting for an inbound ACK before each chunk, and one final trailing ACK
// wait after the last chunk (an empty payload has no chunks, so it waits for
// the trailing ACK only). This is the sender contract for 'L'/'S'/'D'/'E' replies.
func (c *Conn) SendWithAck(opcode byte, payload []byte) error {
	hdr := EncodeHeader(opcode, uint16(len(payload)))
	if _, err := c.rw.Write(hdr[:]); err != nil {
		return err
	}
	n := NumChunks(len(payload))
	for i := 0; i < n; i++ {
		if err := c.WaitAck(); err != nil {
			return err
		}
		start := i * ChunkSize
		end := start + ChunkSize
		if end > len(payload) {
			end = len(payload)
		}
		if _, err := c.rw.Write(payload[start:end]); err != nil {
			return err
		}
	}
	return c.WaitAck()
}

// ReadChunks reads a length-byte payload in ChunkSize pieces, ACKing after
// each chunk (the receiver's mirror of SendWithAck). The caller is expected
// to have already sent the initial request ACK. Each chunk read is exactly
// min(ChunkSize, remaining) bytes, so a sender that emits a short final
// chunk (rather than padding it to ChunkSize) never deadlocks waiting for
// bytes that were never sent.
func (c *Conn) ReadChunks(length int) ([]byte, error) {
	n := NumChunks(length)
	out := make([]byte, 0, length)
	for i := 0; i < n; i++ {
		start := i * ChunkSize
		end := start + ChunkSize
		if end > length {
			end = length
		}
		chunk := make([]byte, end-start)
		if err := c.readFull(chunk); err != nil {
			return nil, err
		}
		out = append(out, chunk...)
		if err := c.Ack(); err != nil {
			return nil, err
		}
	}
	return out, nil
}
