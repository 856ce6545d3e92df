// Package signing verifies the Ed25519ph (prehashed) signature carried on
// decoded frames, using the channel ID as the signing context the way the
// original firmware binds a signature to one channel rather than the
// payload alone.
//
// Grounded on the original firmware's decoder/src/console.rs signature
// check: it hashes the candidate plaintext with SHA-512
// (Sha512::default().chain_update(ret)) and verifies the digest via
// ed25519_dalek's verify_digest, which is the Ed25519ph variant, not plain
// Ed25519ctx. Go's crypto/ed25519 exposes Ed25519ph through
// VerifyWithOptions with Options.Hash set to crypto.SHA512 and the message
// given as the already-computed digest; see DESIGN.md for why no
// third-party signing library was a better fit than crypto/ed25519 here.
package signing

import (
	"crypto"
	"crypto/ed25519"
	"crypto/sha512"
	"errors"

	"github.com/relaygrid/castguard-decoder/internal/keystore"
)

var ErrInvalidSignature = errors.New("signing: signature verification failed")

// Verify checks sig against SHA-512(plaintext) using Ed25519ph, binding the
// signature to channel via the context field (the channel ID encoded as 4
// bytes big-endian, matching the wire encoding of a subscription record's
// channel field).
func Verify(pub *keystore.SigningKey, channel uint32, plaintext, sig []byte) error {
	digest := sha512.Sum512(plaintext)
	opts := &ed25519.Options{
		Hash:    crypto.SHA512,
		Context: string(keystore.ChannelContext(channel)),
	}
	if err := ed25519.VerifyWithOptions(pub.Public[:], digest[:], sig, opts); err != nil {
		return ErrInvalidSignature
	}
	return nil
}
