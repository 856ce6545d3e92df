// Package ladder implements the BLAKE3 key-ladder decode algorithm (§4.5 of
// the spec): walking a stored seed anchor forward to a target timestamp one
// hash round per advancing bit, then expanding the combined forward/backward
// state into a 64-byte mask via BLAKE3's XOF.
//
// Grounded on the original firmware's decoder/src/subscription.rs
// (decode_side, hash, decode, trailing_zeroes_special), translated from
// manual byte-cast arithmetic into math/bits and lukechampine.com/blake3 the
// way the teacher reaches for a library wherever the stdlib alone would
// mean hand-rolling something the ecosystem already does well.
package ladder

import (
	"crypto/aes"
	"crypto/cipher"
	"io"
	"math/bits"

	"github.com/relaygrid/castguard-decoder/internal/subscription"
	"lukechampine.com/blake3"
)

// Tag selects which anchor/seed array a decode step walks.
type Tag uint64

// Direction tags, carried verbatim from the original firmware's compiled
// constants. They are mixed into nothing cryptographic here; they only
// select Forward vs. Backward within DecodeSide's switch.
const (
	Forward  Tag = 0x1f8c25d4b902e785
	Backward Tag = 0xf329d3e6bb90fcc5
)

// BigBytes is the compiled 64-byte constant appended to the combined
// forward/backward state before the final BLAKE3 XOF expansion.
var BigBytes = [64]byte{
	92, 244, 129, 255, 230, 241, 27, 64, 141, 102, 255, 242, 62, 90, 184,
	39, 179, 61, 229, 42, 43, 60, 236, 180, 17, 81, 0, 19, 40, 237, 9, 31, 190, 96, 11, 35, 242, 31,
	191, 50, 123, 176, 19, 168, 38, 117, 144, 128, 85, 72, 55, 123, 175, 222, 187, 108, 70, 122, 249,
	95, 86, 175, 58, 231,
}

// compress applies one hash round: the low 128 bits of BLAKE3(section || s).
func compress(s [16]byte, section byte) [16]byte {
	h := blake3.New()
	h.Write([]byte{section})
	h.Write(s[:])
	sum := h.Sum(nil)
	var out [16]byte
	copy(out[:], sum[16:])
	return out
}

// decryptSeed reverses the AES-128-OFB encryption applied to a stored seed
// block before it was written to flash.
func decryptSeed(key, iv [16]byte, encrypted [16]byte) ([16]byte, error) {
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return [16]byte{}, err
	}
	stream := cipher.NewOFB(block, iv[:])
	var out [16]byte
	stream.XORKeyStream(out[:], encrypted[:])
	return out, nil
}

// KeyIVSource supplies the AES key/IV pair for a channel's keystore index.
type KeyIVSource interface {
	KeyIV(index int) (key, iv [16]byte, err error)
}

// DecodeSide walks one direction's anchor ladder from the stored anchor
// closest to (but not past) target, applying one hash round per set bit of
// target below the anchor's trailing-zero count, and returns the resulting
// 128-bit state zero-extended into the low 16 bytes of a 64-byte block.
func DecodeSide(rec *subscription.Record, keyIndex int, ks KeyIVSource, target uint64, dir Tag) ([64]byte, error) {
	var anchors *[subscription.AnchorSlots]uint64
	var seeds *[subscription.AnchorSlots][subscription.SeedSize]byte
	switch dir {
	case Forward:
		anchors, seeds = &rec.ForwardPos, &rec.ForwardSeed
	case Backward:
		anchors, seeds = &rec.BackwardPos, &rec.BackwardSeed
	default:
		return [64]byte{}, nil
	}

	closestPos := uint64(0)
	closestIdx := 0
	for i, v := range anchors {
		if v > target || (v == 0 && i != 0) {
			break
		}
		if v > closestPos {
			closestPos = v
			closestIdx = i
		}
	}

	key, iv, err := ks.KeyIV(keyIndex)
	if err != nil {
		return [64]byte{}, err
	}
	s, err := decryptSeed(key, iv, seeds[closestIdx])
	if err != nil {
		return [64]byte{}, err
	}

	// k is the trailing-zero count of the anchor (64 if the anchor is 0,
	// via math/bits' documented behavior for TrailingZeros64(0)). Every set
	// bit of target below bit k gets exactly one hash round, walked from
	// bit k-1 down to bit 0. When the anchor
	// is odd (k == 0), idx starts at -1 and the loop below naturally runs
	// zero rounds rather than underflowing, unlike the original's unsigned
	// arithmetic.
	k := bits.TrailingZeros64(closestPos)
	for idx := k - 1; idx >= 0; idx-- {
		if target&(1<<uint(idx)) != 0 {
			s = compress(s, byte(idx))
		}
	}

	var out [64]byte
	copy(out[48:], s[:])
	return out, nil
}

// Decode recovers the 64-byte plaintext block from a 64-byte ciphertext
// block for the given target timestamp: it walks both directions (backward
// on the bitwise complement of the target, per the original ladder's
// symmetric construction), XORs the two resulting states, expands the
// combination plus BigBytes through BLAKE3's XOF, and XORs that mask
// against the ciphertext.
func Decode(rec *subscription.Record, keyIndex int, ks KeyIVSource, ciphertext [64]byte, timestamp uint64) ([64]byte, error) {
	forward, err := DecodeSide(rec, keyIndex, ks, timestamp, Forward)
	if err != nil {
		return [64]byte{}, err
	}
	backward, err := DecodeSide(rec, keyIndex, ks, ^timestamp, Backward)
	if err != nil {
		return [64]byte{}, err
	}

	var guard [64]byte
	for i := range guard {
		guard[i] = forward[i] ^ backward[i]
	}

	h := blake3.New()
	h.Write(guard[:])
	h.Write(BigBytes[:])
	var mask [64]byte
	if _, err := io.ReadFull(h.XOF(), mask[:]); err != nil {
		return [64]byte{}, err
	}

	var plaintext [64]byte
	for i := range plaintext {
		plaintext[i] = ciphertext[i] ^ mask[i]
	}
	return plaintext, nil
}
