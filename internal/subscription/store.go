package subscription

import (
	"errors"
	"fmt"

	"github.com/relaygrid/castguard-decoder/internal/flash"
)

// NumSlots is the fixed RAM table size: slot 0 is the emergency record,
// slots 1..8 each back one flash page.
const NumSlots = 9

var (
	ErrUnknownChannel = errors.New("subscription: channel not present in the configured channel table")
	ErrNoSuchSlot     = errors.New("subscription: slot index out of range")
)

// ChannelTable maps configured channel IDs to their RAM-slot / AES-key
// index. Index 0 is always the implicit emergency channel (0); indices
// 1..8 are the configured channels in the order given at startup, matching
// the original firmware's get_channels()/get_decrypt_loc_for_channel.
type ChannelTable []uint32

// NewChannelTable builds a table from configured channel IDs (which must not
// include 0; it is inserted automatically), capped at 8 usable slots.
func NewChannelTable(channels []uint32) (ChannelTable, error) {
	if len(channels) > NumSlots-1 {
		return nil, fmt.Errorf("subscription: at most %d configured channels are supported, got %d", NumSlots-1, len(channels))
	}
	table := make(ChannelTable, 0, len(channels)+1)
	table = append(table, 0)
	for _, c := range channels {
		if c == 0 {
			return nil, ErrChannelZero
		}
		table = append(table, c)
	}
	return table, nil
}

// SlotFor returns the slot index (1..8) for a configured channel, or false
// if the channel is not in the table.
func (t ChannelTable) SlotFor(channel uint32) (int, bool) {
	for i := 1; i < len(t); i++ {
		if t[i] == channel {
			return i, true
		}
	}
	return 0, false
}

// KeyIndexFor returns the AES keystore index for a channel: its position in
// the table, 0 for the emergency channel.
func (t ChannelTable) KeyIndexFor(channel uint32) int {
	for i, c := range t {
		if c == channel {
			return i
		}
	}
	return 0
}

// Store owns the 9-slot RAM subscription table, the flash page backing each
// non-emergency slot, and the configured channel table.
type Store struct {
	page  *flash.Page
	base  uint32
	table ChannelTable
	slots [NumSlots]*Record
}

// NewStore wires a Store to its flash page layer, base address, and
// configured channel table.
func NewStore(page *flash.Page, base uint32, table ChannelTable) *Store {
	return &Store{page: page, base: base, table: table}
}

// pageAddr returns the flash address for slot index (1..8).
func (s *Store) pageAddr(slot int) uint32 {
	return s.base + uint32(slot-1)*flash.PageSize
}

// LoadAll populates all 9 slots: the emergency record into slot 0, and
// slots 1..8 from their flash pages. Flash read failures for a given slot
// leave it empty (nil) rather than aborting the whole load, matching the
// original firmware's per-slot error handling.
func (s *Store) LoadAll(emergency *Record) error {
	if emergency.Channel != 0 {
		return ErrChannelZero
	}
	emergencyCopy := *emergency
	emergencyCopy.Location = 0
	s.slots[0] = &emergencyCopy

	for slot := 1; slot < NumSlots; slot++ {
		rec, err := s.loadSlot(slot)
		if err != nil {
			s.slots[slot] = nil
			continue
		}
		s.slots[slot] = rec
	}
	return nil
}

// loadSlot reads and parses one non-emergency slot from flash, returning nil
// (not an error) when the slot is empty.
func (s *Store) loadSlot(slot int) (*Record, error) {
	addr := s.pageAddr(slot)
	raw := make([]byte, RecordSize)
	if err := s.page.ReadBytes(addr, raw, RecordSize); err != nil {
		return nil, err
	}
	if IsEmptyRecord(raw) {
		return nil, nil
	}
	return Decode(raw, addr)
}

// Slot returns the record at the given slot index, or nil if empty.
func (s *Store) Slot(i int) *Record {
	if i < 0 || i >= NumSlots {
		return nil
	}
	return s.slots[i]
}

// Slots returns all 9 slots (some possibly nil), for listing.
func (s *Store) Slots() [NumSlots]*Record {
	return s.slots
}

// FindByChannel scans the RAM table for an active subscription on channel.
func (s *Store) FindByChannel(channel uint32) (*Record, bool) {
	for _, rec := range s.slots {
		if rec != nil && rec.Channel == channel {
			return rec, true
		}
	}
	return nil, false
}

// Install erases the flash page for channel's configured slot, writes raw
// (which must be exactly RecordSize bytes) 256 bytes at a time, and
// reparses the slot from flash into the RAM table. Channel 0 is never a
// valid install destination.
func (s *Store) Install(channel uint32, raw []byte) error {
	if channel == 0 {
		return ErrChannelZero
	}
	slot, ok := s.table.SlotFor(channel)
	if !ok {
		return ErrUnknownChannel
	}
	if len(raw) != RecordSize {
		return fmt.Errorf("subscription: install payload must be %d bytes, got %d", RecordSize, len(raw))
	}

	addr := s.pageAddr(slot)
	if err := s.page.ErasePage(addr); err != nil {
		return err
	}
	const chunk = 256
	for off := 0; off < RecordSize; off += chunk {
		if err := s.page.WriteBytes(addr+uint32(off), raw[off:off+chunk], chunk); err != nil {
			return err
		}
	}

	rec, err := s.loadSlot(slot)
	if err != nil {
		return err
	}
	s.slots[slot] = rec
	if rec == nil {
		return fmt.Errorf("subscription: reload after install produced an empty slot")
	}
	return nil
}
