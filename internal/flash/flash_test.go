package flash

import (
	"bytes"
	"testing"
)

func TestWriteRequiresErase(t *testing.T) {
	sim := NewSim(2 * PageSize)
	page := New(sim)

	data := bytes.Repeat([]byte{0x42}, WordSize)
	if err := page.WriteBytes(0, data, WordSize); err != nil {
		t.Fatalf("first write on erased page: %v", err)
	}

	// Writing again without erase must fail: flipping 0x42 bits back to 1 is
	// impossible without an erase.
	other := bytes.Repeat([]byte{0x7E}, WordSize)
	if err := page.WriteBytes(0, other, WordSize); err != ErrNeedsErase {
		t.Fatalf("want ErrNeedsErase, got %v", err)
	}

	if err := page.ErasePage(0); err != nil {
		t.Fatalf("erase: %v", err)
	}
	if err := page.WriteBytes(0, other, WordSize); err != nil {
		t.Fatalf("write after erase: %v", err)
	}

	got := make([]byte, WordSize)
	if err := page.ReadBytes(0, got, WordSize); err != nil {
		t.Fatalf("read: %v", err)
	}
	if !bytes.Equal(got, other) {
		t.Fatalf("readback mismatch: got %x want %x", got, other)
	}
}

func TestAlignmentErrors(t *testing.T) {
	sim := NewSim(PageSize)
	page := New(sim)

	if err := page.ReadBytes(1, make([]byte, WordSize), WordSize); err != ErrInvalidAddress {
		t.Fatalf("want ErrInvalidAddress, got %v", err)
	}
	if err := page.WriteBytes(3, make([]byte, WordSize), WordSize); err != ErrInvalidAddress {
		t.Fatalf("want ErrInvalidAddress, got %v", err)
	}
}

func TestReadLowSpace(t *testing.T) {
	sim := NewSim(PageSize)
	page := New(sim)
	if err := page.ReadBytes(0, make([]byte, 8), 16); err != ErrLowSpace {
		t.Fatalf("want ErrLowSpace, got %v", err)
	}
}

func TestErasePageResetsToFF(t *testing.T) {
	sim := NewSim(PageSize)
	page := New(sim)
	data := bytes.Repeat([]byte{0x00}, WordSize)
	if err := page.WriteBytes(0, data, WordSize); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := page.ErasePage(0); err != nil {
		t.Fatalf("erase: %v", err)
	}
	got := make([]byte, WordSize)
	if err := page.ReadBytes(0, got, WordSize); err != nil {
		t.Fatalf("read: %v", err)
	}
	want := bytes.Repeat([]byte{0xFF}, WordSize)
	if !bytes.Equal(got, want) {
		t.Fatalf("page not erased: got %x", got)
	}
}
