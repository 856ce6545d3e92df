// Package flash provides typed, erase-before-write page I/O over a raw
// page-addressable flash controller. The controller itself (erase/read/write
// of 128-bit words) is an external collaborator; this package only adds the
// alignment and erase-state discipline a caller depends on.
//
// Grounded on the teacher's internal/serial.Port abstraction (a narrow
// interface wrapping a real peripheral so the layer above stays testable)
// and on the original Rust firmware's decoder/src/flash.rs, whose
// read_bytes/write_bytes error taxonomy is preserved here.
package flash

import (
	"errors"
	"fmt"
)

const (
	// WordSize is the controller's native write granularity (128 bits).
	WordSize = 16
	// PageSize is the size of one erasable flash page.
	PageSize = 8192
)

// Sentinel errors mirroring the original firmware's FlashError taxonomy.
var (
	ErrLowSpace        = errors.New("flash: destination shorter than requested length")
	ErrInvalidAddress  = errors.New("flash: address not 16-byte aligned")
	ErrReadFailed      = errors.New("flash: underlying read failed")
	ErrNeedsErase      = errors.New("flash: destination word is not fully erased")
	ErrAccessViolation = errors.New("flash: access violation")
)

// Controller is the external collaborator: a raw, page-addressable flash
// peripheral that reads/writes 128-bit words and can erase whole pages.
// Bits can be cleared but never set without an erase first.
type Controller interface {
	// Read128 reads one 16-byte word at addr.
	Read128(addr uint32) ([16]byte, error)
	// Write128 writes one 16-byte word at addr. The controller itself does
	// not check erase state; Page enforces NeedsErase before calling this.
	Write128(addr uint32, word [16]byte) error
	// ErasePage erases the whole 8 KiB page containing addr, setting every
	// byte to 0xFF.
	ErasePage(addr uint32) error
	// IsErased reports whether the word at addr is fully erased (all 0xFF),
	// used by Page.WriteBytes to enforce erase-before-write.
	IsErased(addr uint32) (bool, error)
}

// Page wraps a Controller with the alignment and erase-before-write
// discipline required by the subscription store.
type Page struct {
	ctrl Controller
}

// New wraps a raw controller.
func New(ctrl Controller) *Page {
	return &Page{ctrl: ctrl}
}

func aligned(addr uint32) bool {
	return addr%WordSize == 0
}

// ReadBytes reads len bytes (must be a multiple of 16) starting at a
// 16-byte-aligned address `from` into dst (which must be at least len bytes
// and is conventionally 16-byte aligned itself, though Go slices carry no
// alignment guarantee the controller can violate).
func (p *Page) ReadBytes(from uint32, dst []byte, length int) error {
	if len(dst) < length {
		return ErrLowSpace
	}
	if length%WordSize != 0 {
		return fmt.Errorf("%w: length %d not a multiple of %d", ErrInvalidAddress, length, WordSize)
	}
	if !aligned(from) {
		return ErrInvalidAddress
	}
	for i := 0; i < length/WordSize; i++ {
		word, err := p.ctrl.Read128(from + uint32(i*WordSize))
		if err != nil {
			return fmt.Errorf("%w: %v", ErrReadFailed, err)
		}
		copy(dst[i*WordSize:i*WordSize+WordSize], word[:])
	}
	return nil
}

// WriteBytes writes len bytes (a multiple of 16) from `from` to flash
// address `to`. Every destination word must already be fully erased
// (0xFF...FF); callers must ErasePage first when reusing a page.
func (p *Page) WriteBytes(to uint32, from []byte, length int) error {
	if len(from) < length {
		return ErrLowSpace
	}
	if length%WordSize != 0 {
		return fmt.Errorf("%w: length %d not a multiple of %d", ErrInvalidAddress, length, WordSize)
	}
	if !aligned(to) {
		return ErrInvalidAddress
	}
	for i := 0; i < length/WordSize; i++ {
		addr := to + uint32(i*WordSize)
		erased, err := p.ctrl.IsErased(addr)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrAccessViolation, err)
		}
		if !erased {
			return ErrNeedsErase
		}
		var word [16]byte
		copy(word[:], from[i*WordSize:i*WordSize+WordSize])
		if err := p.ctrl.Write128(addr, word); err != nil {
			return fmt.Errorf("%w: %v", ErrAccessViolation, err)
		}
	}
	return nil
}

// ErasePage resets a whole page to 0xFF. Required before any write that
// re-uses a previously written page.
func (p *Page) ErasePage(addr uint32) error {
	return p.ctrl.ErasePage(addr)
}
