package flash

// Sim is an in-memory Controller for tests and for development without real
// flash hardware, tracking erase state the same way the real NOR flash
// would: every byte starts erased (0xFF), writes can only clear bits, and
// ErasePage resets a whole page back to 0xFF.
//
// Grounded on the teacher's internal/socketcan stub pattern: a minimal fake
// standing in for a hardware backend so the layers above stay testable.
type Sim struct {
	mem []byte
}

// NewSim allocates a simulated flash of the given size, fully erased.
func NewSim(size int) *Sim {
	mem := make([]byte, size)
	for i := range mem {
		mem[i] = 0xFF
	}
	return &Sim{mem: mem}
}

func (s *Sim) Read128(addr uint32) ([16]byte, error) {
	var out [16]byte
	copy(out[:], s.mem[addr:addr+WordSize])
	return out, nil
}

func (s *Sim) Write128(addr uint32, word [16]byte) error {
	for i := uint32(0); i < WordSize; i++ {
		s.mem[addr+i] &= word[i]
	}
	return nil
}

func (s *Sim) ErasePage(addr uint32) error {
	base := (addr / PageSize) * PageSize
	for i := uint32(0); i < PageSize; i++ {
		s.mem[base+i] = 0xFF
	}
	return nil
}

func (s *Sim) IsErased(addr uint32) (bool, error) {
	for i := uint32(0); i < WordSize; i++ {
		if s.mem[addr+i] != 0xFF {
			return false, nil
		}
	}
	return true, nil
}

// RawWrite bypasses erase-state checks, used by tests to seed fixture
// records directly (e.g. the compiled-in emergency record) without going
// through the page-write discipline.
func (s *Sim) RawWrite(addr uint32, data []byte) {
	copy(s.mem[addr:], data)
}

// RawRead returns a copy of length bytes at addr, bypassing the Page API.
func (s *Sim) RawRead(addr uint32, length int) []byte {
	out := make([]byte, length)
	copy(out, s.mem[addr:addr+uint32(length)])
	return out
}
