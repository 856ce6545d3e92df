// Package dispatcher implements the decoder's single-threaded request loop:
// read one frame header, handle it end to end, repeat. It owns the RAM
// subscription table and the monotonic per-channel frame counter, and is
// the only writer of either.
//
// Grounded on the original firmware's decoder/src/console.rs (read_resp,
// decode_subroutine), restructured from one large unsafe match arm into
// per-opcode methods the way the teacher's internal/hub splits its frame
// handling by message type.
package dispatcher

import (
	"encoding/binary"
	"errors"
	"io"

	"github.com/relaygrid/castguard-decoder/internal/integrity"
	"github.com/relaygrid/castguard-decoder/internal/keystore"
	"github.com/relaygrid/castguard-decoder/internal/ladder"
	"github.com/relaygrid/castguard-decoder/internal/logging"
	"github.com/relaygrid/castguard-decoder/internal/metrics"
	"github.com/relaygrid/castguard-decoder/internal/signing"
	"github.com/relaygrid/castguard-decoder/internal/subscription"
	"github.com/relaygrid/castguard-decoder/internal/wire"
)

// decodeRequestSize is the fixed length of a 'D' request payload: 4-byte
// channel, 8-byte timestamp, 64-byte signature, 64-byte ciphertext frame.
const decodeRequestSize = 140

// Dispatcher ties the wire, flash-backed subscription store, key material,
// and integrity checks together into the decoder's event loop.
type Dispatcher struct {
	conn    *wire.Conn
	store   *subscription.Store
	table   subscription.ChannelTable
	keys    ladder.KeyIVSource
	signKey *keystore.SigningKey
	trng    integrity.TRNG
	sleeper integrity.Sleeper
}

// New builds a Dispatcher. signKey may be nil (the boot hash gate failed),
// in which case every decode's signature check fails closed.
func New(conn *wire.Conn, store *subscription.Store, table subscription.ChannelTable, keys ladder.KeyIVSource, signKey *keystore.SigningKey, trng integrity.TRNG, sleeper integrity.Sleeper) *Dispatcher {
	return &Dispatcher{
		conn:    conn,
		store:   store,
		table:   table,
		keys:    keys,
		signKey: signKey,
		trng:    trng,
		sleeper: sleeper,
	}
}

// ServeOne handles exactly one request: read a header, route it, handle it
// end to end. It returns a non-nil error only for unrecoverable I/O
// failures (the underlying stream is gone); malformed headers are logged
// and swallowed so the loop keeps going.
func (d *Dispatcher) ServeOne() error {
	hdr, err := d.conn.ReadHeader()
	if err != nil {
		if errors.Is(err, wire.ErrBadMagic) || errors.Is(err, wire.ErrBadOpcode) {
			metrics.M().WireErrors.Inc()
			d.conn.SendRaw(wire.OpDebug, []byte(err.Error()))
			return nil
		}
		return err
	}

	switch hdr.Opcode {
	case wire.OpList:
		return d.handleList()
	case wire.OpInstall:
		return d.handleInstall(hdr.Length)
	case wire.OpDecode:
		return d.handleDecode(hdr.Length)
	case wire.OpAck:
		return nil
	default:
		// isKnownOpcode already filtered everything but 'E', which is never
		// sent as a request; treat it the same as an unrecognized opcode.
		metrics.M().WireErrors.Inc()
		d.conn.SendRaw(wire.OpDebug, []byte("unexpected request opcode"))
		return nil
	}
}

// Run calls ServeOne forever until it returns an error (the stream closed).
func (d *Dispatcher) Run() error {
	for {
		if err := d.ServeOne(); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
	}
}

func (d *Dispatcher) check() bool {
	return integrity.Check(d.trng, d.sleeper)
}

// sendError emits an 'E' reply through the same chunked-ACK handshake as
// every other reply opcode, matching write_err/write_comm in the original
// firmware: an error still carries the embedded ACK cadence so the host's
// receiver doesn't desync waiting on an ACK that never comes. Only 'G'
// diagnostics skip the handshake.
func (d *Dispatcher) sendError(msg string) error {
	return d.conn.SendWithAck(wire.OpError, []byte(msg))
}

// handleList emits the listing payload: a little-endian count followed by
// (channel, start, end) triples for every occupied non-emergency slot. The
// emergency slot (index 0) is never listed.
func (d *Dispatcher) handleList() error {
	if err := d.conn.Ack(); err != nil {
		return err
	}
	if !d.check() {
		metrics.M().IntegrityFailures.Inc()
		return d.conn.SendWithAck(wire.OpList, []byte{0, 0, 0, 0})
	}

	slots := d.store.Slots()
	var active []*subscription.Record
	for i := 1; i < subscription.NumSlots; i++ {
		if slots[i] != nil {
			active = append(active, slots[i])
		}
	}

	payload := make([]byte, 4+len(active)*20)
	binary.LittleEndian.PutUint32(payload[0:4], uint32(len(active)))
	for i, rec := range active {
		off := 4 + i*20
		binary.LittleEndian.PutUint32(payload[off:off+4], rec.Channel)
		binary.LittleEndian.PutUint64(payload[off+4:off+12], rec.Start)
		binary.LittleEndian.PutUint64(payload[off+12:off+20], rec.End)
	}
	metrics.M().ListRequests.Inc()
	return d.conn.SendWithAck(wire.OpList, payload)
}

// handleInstall reads the install payload chunk by chunk, maps the target
// channel to its flash slot, erases and rewrites the slot, and reparses it
// into the RAM table.
func (d *Dispatcher) handleInstall(length uint16) error {
	if err := d.conn.Ack(); err != nil {
		return err
	}

	n := wire.NumChunks(int(length))
	var channel uint32
	var raw []byte
	for i := 0; i < n; i++ {
		chunkLen := wire.ChunkSize
		remaining := int(length) - i*wire.ChunkSize
		if remaining < chunkLen {
			chunkLen = remaining
		}
		chunk := make([]byte, chunkLen)
		if err := d.conn.ReadRaw(chunk); err != nil {
			return err
		}

		if i == 0 {
			if !d.check() {
				metrics.M().IntegrityFailures.Inc()
				return d.conn.SendWithAck(wire.OpInstall, nil)
			}
			if len(chunk) < 4 {
				return d.sendError("install: short header chunk")
			}
			channel = binary.BigEndian.Uint32(chunk[0:4])
			if channel == 0 {
				return d.sendError("cannot install the emergency subscription")
			}
			if _, ok := d.table.SlotFor(channel); !ok {
				return d.sendError("channel does not exist")
			}
		}

		if !d.check() {
			metrics.M().IntegrityFailures.Inc()
			return d.conn.SendWithAck(wire.OpInstall, nil)
		}
		raw = append(raw, chunk...)
		if err := d.conn.Ack(); err != nil {
			return err
		}
	}

	if err := d.store.Install(channel, raw); err != nil {
		return d.sendError(err.Error())
	}
	metrics.M().InstallRequests.Inc()
	return d.conn.SendWithAck(wire.OpInstall, nil)
}

// handleDecode reads the 140-byte decode request, applies the authorization
// and replay checks in spec order, and emits either the plaintext, a
// "fail" policy reply, or an error.
func (d *Dispatcher) handleDecode(length uint16) error {
	if err := d.conn.Ack(); err != nil {
		return err
	}
	payload, err := d.conn.ReadChunks(int(length))
	if err != nil {
		return err
	}
	if len(payload) != decodeRequestSize {
		return d.sendError("decode: malformed request length")
	}

	if !d.check() {
		metrics.M().IntegrityFailures.Inc()
		return d.conn.SendWithAck(wire.OpDecode, nil)
	}

	channel := binary.BigEndian.Uint32(payload[0:4])
	timestamp := binary.BigEndian.Uint64(payload[4:12])
	signature := payload[12:76]
	var ciphertext [64]byte
	copy(ciphertext[:], payload[76:140])

	rec, ok := d.store.FindByChannel(channel)
	if !ok {
		metrics.M().DecodeDenied.Inc()
		return d.sendError("no subscription for this channel")
	}

	if timestamp < rec.Start {
		metrics.M().DecodeDenied.Inc()
		return d.conn.SendWithAck(wire.OpDecode, []byte("fail"))
	}
	if timestamp >= rec.End {
		metrics.M().DecodeDenied.Inc()
		return d.sendError("timestamp is too late")
	}
	if rec.CurrFrame > timestamp {
		metrics.M().DecodeDenied.Inc()
		return d.conn.SendWithAck(wire.OpDecode, []byte("fail"))
	}
	rec.CurrFrame = timestamp + 1

	if !d.check() {
		metrics.M().IntegrityFailures.Inc()
		return d.conn.SendWithAck(wire.OpDecode, nil)
	}

	keyIndex := d.table.KeyIndexFor(channel)
	plaintext, err := ladder.Decode(rec, keyIndex, d.keys, ciphertext, timestamp)
	if err != nil {
		return d.sendError(err.Error())
	}

	if !d.check() {
		metrics.M().IntegrityFailures.Inc()
		return d.conn.SendWithAck(wire.OpDecode, nil)
	}

	if d.signKey == nil {
		metrics.M().DecodeDenied.Inc()
		return d.sendError("no verifying key loaded")
	}
	if err := signing.Verify(d.signKey, channel, plaintext[:], signature); err != nil {
		metrics.M().DecodeDenied.Inc()
		logging.L().Warn("signature verification failed", "channel", channel)
		return d.sendError("signature verification failed")
	}

	metrics.M().DecodeRequests.Inc()
	return d.conn.SendWithAck(wire.OpDecode, plaintext[:])
}
