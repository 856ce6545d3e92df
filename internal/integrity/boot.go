// Package integrity implements the two fault-injection countermeasures
// threaded through the decoder's control flow: a boot-time hash gate over
// the preceding boot stage, and a jittered recompute check used at several
// points in the decode/install/list paths to detect induced-fault glitches.
//
// Grounded on the original firmware's decoder/src/main.rs (verify_bootloader,
// test/test_2), translated from raw pointer/register access into a Flash
// Page read and a TRNG collaborator interface the way internal/flash wraps
// its own Controller.
package integrity

import (
	"lukechampine.com/blake3"

	"github.com/relaygrid/castguard-decoder/internal/flash"
)

// BootImageSize is the size of the boot-stage region hashed at startup.
const BootImageSize = 2048

// AttackerDigest and InsecureDigest are the two compiled reference digests a
// boot image is checked against. Matching *either* passes the gate: a known
// "attacker" build's digest and a known "insecure" build's digest both read
// as acceptable, a decoy meant to confuse a glitch attacker who expects a
// single reference value. Both are package variables that a caller (or a
// test) may reassign; the zero-value AttackerDigest below is the historical
// all-zero default.
var (
	AttackerDigest = [32]byte{}
	InsecureDigest = [32]byte{
		'0', 0xcc, 0x13, 0xa9, 0x19, 0x81, 0x98, '$', 0xd9, '\n', 0xb8, '+', 0xd1, 0xc8, 0xc3, 'c',
		0x1a, 's', 0xda, 'f', 0xdd, 0xc2, 'U', 'T', 0xe3, ']', 0xc2, 0xc5, 't', 'k', 0x9a, 0xf5,
	}
)

// BootGate reads BootImageSize bytes from addr via page and hashes them with
// BLAKE3. It reports ok=true when the digest matches either AttackerDigest
// or InsecureDigest, and always returns the computed digest for logging.
func BootGate(page *flash.Page, addr uint32) (ok bool, digest [32]byte, err error) {
	data := make([]byte, BootImageSize)
	if err := page.ReadBytes(addr, data, BootImageSize); err != nil {
		return false, digest, err
	}
	h := blake3.New()
	h.Write(data)
	copy(digest[:], h.Sum(nil))

	if digest == AttackerDigest || digest == InsecureDigest {
		return true, digest, nil
	}
	return false, digest, nil
}
