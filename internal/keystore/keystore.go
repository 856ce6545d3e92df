// Package keystore holds the per-channel AES-128 key/IV material and the
// Ed25519 verification key used by the decoder. In the original firmware
// these were compiled directly into the flash image; here they are loaded
// from a binary blob at startup, the way the teacher loads its serial-port name and baud rate from flag/env config
// rather than a compiled constant.
package keystore

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
)

// KeySize/IVSize are both 16 bytes: AES-128 key and OFB IV.
const (
	KeySize = 16
	IVSize  = 16
	// entrySize is the on-disk layout per channel slot: key || iv.
	entrySize = KeySize + IVSize
)

var (
	ErrShortFile  = errors.New("keystore: key file is shorter than required for the configured channel count")
	ErrIndexRange = errors.New("keystore: key index out of range")
)

// KeyStore is the compiled-in (file-loaded) AES key/IV table, one entry per
// channel-table index (index 0 is the emergency channel).
type KeyStore struct {
	entries [][2][16]byte
}

// Load reads a raw key-file blob (32 bytes per slot: 16-byte key followed by
// a 16-byte IV) and returns a KeyStore with exactly slots entries.
func Load(path string, slots int) (*KeyStore, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("keystore: reading %s: %w", path, err)
	}
	return Parse(raw, slots)
}

// Parse builds a KeyStore directly from an in-memory blob, used by tests and
// by Load.
func Parse(raw []byte, slots int) (*KeyStore, error) {
	if len(raw) < slots*entrySize {
		return nil, ErrShortFile
	}
	ks := &KeyStore{entries: make([][2][16]byte, slots)}
	for i := 0; i < slots; i++ {
		off := i * entrySize
		copy(ks.entries[i][0][:], raw[off:off+KeySize])
		copy(ks.entries[i][1][:], raw[off+KeySize:off+entrySize])
	}
	return ks, nil
}

// KeyIV returns the AES key and OFB IV for the given channel-table index.
func (ks *KeyStore) KeyIV(index int) (key, iv [16]byte, err error) {
	if index < 0 || index >= len(ks.entries) {
		return key, iv, ErrIndexRange
	}
	return ks.entries[index][0], ks.entries[index][1], nil
}

// SigningKey is the compiled Ed25519 public key used to verify decoded
// frames, loaded separately from the AES table since it is shared across
// all channels rather than indexed per-channel.
type SigningKey struct {
	Public [32]byte
}

// LoadSigningKey reads a 32-byte raw Ed25519 public key from path.
func LoadSigningKey(path string) (*SigningKey, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("keystore: reading %s: %w", path, err)
	}
	if len(raw) < 32 {
		return nil, fmt.Errorf("keystore: signing key file must be at least 32 bytes, got %d", len(raw))
	}
	sk := &SigningKey{}
	copy(sk.Public[:], raw[:32])
	return sk, nil
}

// channelContext renders a channel ID as the 4-byte big-endian Ed25519ph
// signing context, matching the wire encoding of Record.Channel.
func channelContext(channel uint32) []byte {
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], channel)
	return buf[:]
}

// ChannelContext exposes channelContext for the signing package.
func ChannelContext(channel uint32) []byte { return channelContext(channel) }
