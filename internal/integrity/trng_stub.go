package integrity

import (
	"crypto/rand"
	"encoding/binary"
	"time"
)

// CryptoRandTRNG implements TRNG over crypto/rand, used where no hardware
// TRNG peripheral is available (bench builds, tests).
type CryptoRandTRNG struct{}

func (CryptoRandTRNG) Uint32() uint32 {
	var buf [4]byte
	if _, err := rand.Read(buf[:]); err != nil {
		// crypto/rand.Read failing indicates a broken host entropy source;
		// there is no safe value to return, so this stub panics rather than
		// silently handing back a predictable one.
		panic(err)
	}
	return binary.BigEndian.Uint32(buf[:])
}

// NullSleeper does not sleep, for fast tests that don't care about jitter.
type NullSleeper struct{}

func (NullSleeper) Sleep(time.Duration) {}
