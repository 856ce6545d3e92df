// Package subscription implements the fixed-layout subscription record
// (§3 of the spec) and the 9-slot RAM table backed by one flash page per
// non-emergency channel (§4.2).
//
// Grounded on the original firmware's decoder/src/subscription.rs and
// decoder/src/main.rs (load_subscription/load_emergency_subscription),
// translated from unsafe byte-cast parsing into explicit encoding/binary
// reads the way the teacher's internal/serial.Codec parses its own
// fixed-width wire header.
package subscription

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// AnchorSlots is the maximum number of seed-anchor timestamps per direction.
const AnchorSlots = 64

// SeedSize is the size of one encrypted 128-bit seed block.
const SeedSize = 16

// Field offsets within one on-flash record, compatibility-critical.
const (
	offChannel      = 0
	offStart        = 4
	offEnd          = 12
	offInit         = 20 // first byte of the 2-byte reserved bookkeeping field
	offForwardPos   = 22
	offBackwardPos  = 534
	offForwardSeed  = 1280
	offBackwardSeed = 2304
	// RecordSize is the number of bytes written per install; it is exactly
	// 13*256, so installs land on 256-byte chunk boundaries without padding.
	RecordSize = offBackwardSeed + AnchorSlots*SeedSize
)

// Record is a subscription as held in RAM and as laid out on flash.
type Record struct {
	Channel      uint32
	Start        uint64
	End          uint64
	ForwardPos   [AnchorSlots]uint64
	BackwardPos  [AnchorSlots]uint64
	ForwardSeed  [AnchorSlots][SeedSize]byte
	BackwardSeed [AnchorSlots][SeedSize]byte

	// CurrFrame is RAM-only: the highest accepted frame timestamp + 1. It is
	// never persisted and resets to zero on every boot (see DESIGN.md's
	// note on replay-state volatility).
	CurrFrame uint64

	// Location is the flash byte offset backing this record, or 0 for the
	// compiled-in emergency record.
	Location uint32
}

var ErrChannelZero = errors.New("subscription: channel 0 is reserved for the emergency record")

// IsEmptyRecord reports whether a raw on-flash record is unpopulated: its
// initialization byte at offset 20 is 0x00 (zeroed) or 0xFF (erased).
func IsEmptyRecord(raw []byte) bool {
	if len(raw) <= offInit {
		return true
	}
	return raw[offInit] == 0x00 || raw[offInit] == 0xFF
}

// Encode renders a record into its on-flash form. The returned buffer is
// exactly RecordSize bytes, a multiple of 256. Unused trailing anchor slots
// are left at zero, matching the sentinel the parser scans for.
func Encode(r *Record) []byte {
	buf := make([]byte, RecordSize)
	binary.BigEndian.PutUint32(buf[offChannel:], r.Channel)
	binary.BigEndian.PutUint64(buf[offStart:], r.Start)
	binary.BigEndian.PutUint64(buf[offEnd:], r.End)
	buf[offInit] = 0x01 // any non-0x00/0xFF value marks the slot initialized

	for i := 0; i < AnchorSlots; i++ {
		binary.BigEndian.PutUint64(buf[offForwardPos+i*8:], r.ForwardPos[i])
		binary.BigEndian.PutUint64(buf[offBackwardPos+i*8:], r.BackwardPos[i])
		copy(buf[offForwardSeed+i*SeedSize:], r.ForwardSeed[i][:])
		copy(buf[offBackwardSeed+i*SeedSize:], r.BackwardSeed[i][:])
	}
	return buf
}

// Decode parses a raw on-flash record. The caller must have already checked
// IsEmptyRecord. Anchor arrays are filled left-to-right until the first zero
// sentinel at an index greater than zero (index 0 may legitimately be zero).
func Decode(raw []byte, location uint32) (*Record, error) {
	if len(raw) < RecordSize {
		return nil, fmt.Errorf("subscription: record too short: %d < %d", len(raw), RecordSize)
	}
	r := &Record{Location: location}
	r.Channel = binary.BigEndian.Uint32(raw[offChannel:])
	r.Start = binary.BigEndian.Uint64(raw[offStart:])
	r.End = binary.BigEndian.Uint64(raw[offEnd:])

	for i := 0; i < AnchorSlots; i++ {
		v := binary.BigEndian.Uint64(raw[offForwardPos+i*8:])
		if v == 0 && i > 0 {
			break
		}
		r.ForwardPos[i] = v
	}
	for i := 0; i < AnchorSlots; i++ {
		v := binary.BigEndian.Uint64(raw[offBackwardPos+i*8:])
		if v == 0 && i > 0 {
			break
		}
		r.BackwardPos[i] = v
	}
	for i := 0; i < AnchorSlots; i++ {
		copy(r.ForwardSeed[i][:], raw[offForwardSeed+i*SeedSize:offForwardSeed+i*SeedSize+SeedSize])
		copy(r.BackwardSeed[i][:], raw[offBackwardSeed+i*SeedSize:offBackwardSeed+i*SeedSize+SeedSize])
	}
	return r, nil
}
