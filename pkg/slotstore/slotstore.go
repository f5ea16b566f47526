// Package slotstore implements a slot-indexed storage layer on top of two
// memory-mapped files: one holding an array of fixed-size payload records,
// the other a bitmap tracking which slots are occupied.
//
// A Store exposes insert, find, update and delete at the level of a slot
// index and grows itself under a configurable load ratio. It is strictly
// single-writer; concurrent readers are safe only while no writer is active.
package slotstore

import (
	"fmt"
	"sync/atomic"

	"github.com/calvinalkan/shash/pkg/mmfile"
)

// NoSlot is the universal "no such slot" sentinel: chain terminator at the
// hash layer, and the "append at the next write position" argument to Insert.
const NoSlot = ^uint64(0)

// DefaultLoadRatio triggers extension when count/capacity reaches 0.8.
const DefaultLoadRatio = 0.8

// Config carries the construction parameters of a Store.
//
// On open of existing files, ItemSize and ItemCapacity are overridden by the
// values in the data file's header.
type Config struct {
	// DataPath is the payload file; BitPath the occupancy bitmap file.
	DataPath string
	BitPath  string

	// ItemSize is the record size in bytes. Must be >= 1 on first creation.
	ItemSize uint64

	// ItemCapacity is the requested initial slot count.
	ItemCapacity uint64

	// LoadRatio triggers extension when count/capacity reaches it.
	// Zero means DefaultLoadRatio; a ratio >= 1.0 disables extension.
	LoadRatio float64

	// ExtendSize is the number of bytes added per extension of either file.
	// Zero means mmfile.DefaultExtendSize.
	ExtendSize uint64

	// ReadOnly rejects every mutator with ErrReadOnly.
	ReadOnly bool
}

// Store is a slot-indexed record array with an occupancy bitmap, both
// memory-mapped. The zero value is not usable; construct with New and call
// Init before use.
type Store struct {
	cfg Config

	itemSize uint64
	capacity uint64

	// count is atomic so that statistics reads observe a consistent value;
	// it is the only atomic in the store.
	count atomic.Uint64

	nextWritePos uint64
	deletePos    uint64 // most recently freed slot, NoSlot when unset

	data *mmfile.File
	bit  *mmfile.File
	bits []byte // bit file data region; re-fetched after bitmap extension
}

// New records the configuration. No I/O happens until Init.
func New(cfg Config) *Store {
	if cfg.LoadRatio == 0 {
		cfg.LoadRatio = DefaultLoadRatio
	}

	return &Store{cfg: cfg, deletePos: NoSlot}
}

// Init maps both underlying files, creating them on first run, and reloads
// capacity, item size, next write position and item count from the data
// file's header (the on-disk values override the constructor parameters).
func (s *Store) Init() error {
	fileCfg := mmfile.Config{
		ItemSize:     s.cfg.ItemSize,
		ItemCapacity: s.cfg.ItemCapacity,
		ExtendSize:   s.cfg.ExtendSize,
		ReadOnly:     s.cfg.ReadOnly,
	}

	s.data = mmfile.New(fileCfg)

	// One byte per slot on first allocation, so the bitmap can address
	// eight times the initial capacity before it ever needs to grow.
	bitCfg := fileCfg
	bitCfg.ItemSize = 1

	s.bit = mmfile.New(bitCfg)

	if err := s.bit.Map(s.cfg.BitPath); err != nil {
		return fmt.Errorf("map bit file: %w", err)
	}

	if err := s.data.Map(s.cfg.DataPath); err != nil {
		_ = s.bit.Close()

		return fmt.Errorf("map data file: %w", err)
	}

	s.bits = s.bit.Data()
	s.itemSize = s.data.ItemSize()
	s.capacity = s.data.Capacity()
	s.nextWritePos = s.data.NextWritePos()
	s.count.Store(s.data.ItemCount())
	s.deletePos = NoSlot

	return nil
}

// Insert writes rec into a slot and returns the slot index.
//
// With pos == NoSlot the record is appended: at the most recently freed slot
// if one is pending reuse, else at the next write position. With an explicit
// pos the slot must be unoccupied, otherwise ErrExists is returned and
// nothing is mutated. Crossing the load ratio triggers extension.
func (s *Store) Insert(rec []byte, pos uint64) (uint64, error) {
	if pos != NoSlot && pos >= s.capacity {
		return 0, fmt.Errorf("insert at %d, capacity %d: %w", pos, s.capacity, ErrIllegalPos)
	}

	if s.cfg.ReadOnly {
		return 0, ErrReadOnly
	}

	if uint64(len(rec)) != s.itemSize {
		return 0, fmt.Errorf("record is %d bytes, item size %d: %w", len(rec), s.itemSize, ErrRecordSize)
	}

	var slot uint64

	switch {
	case pos == NoSlot && s.deletePos != NoSlot:
		// Reuse the most recently freed slot.
		slot = s.deletePos
		s.deletePos = NoSlot

		if err := s.data.WriteAt(s.offset(slot), rec, false); err != nil {
			return 0, err
		}
	case pos == NoSlot:
		slot = s.nextWritePos

		if _, err := s.data.WriteNext(rec, false); err != nil {
			return 0, err
		}
	default:
		if s.getBit(pos) {
			return 0, ErrExists
		}

		slot = pos

		if err := s.data.WriteAt(s.offset(slot), rec, false); err != nil {
			return 0, err
		}
	}

	s.setBit(slot)
	s.count.Add(1)

	if slot == s.deletePos {
		s.deletePos = NoSlot
	}

	if slot == s.nextWritePos {
		s.nextWritePos = s.idlePos(slot)
	}

	s.writeHeaderInfo()

	if s.cfg.LoadRatio < 1.0 &&
		float64(s.count.Load())/float64(s.capacity) >= s.cfg.LoadRatio {
		if err := s.Extend(); err != nil {
			return 0, err
		}
	}

	return slot, nil
}

// Find copies len(buf) bytes of the record at pos into buf.
// Returns ErrNoResult if the slot is unoccupied.
func (s *Store) Find(pos uint64, buf []byte) error {
	if pos >= s.capacity {
		return fmt.Errorf("find at %d, capacity %d: %w", pos, s.capacity, ErrIllegalPos)
	}

	if !s.getBit(pos) {
		return ErrNoResult
	}

	return s.data.ReadAt(s.offset(pos), buf)
}

// FindPtr returns the record at pos as a slice borrowed from the mapping, or
// nil if the slot is out of range or unoccupied.
//
// The borrow is invalidated by the next mutation: any insert may trigger an
// extension, which remaps the file.
func (s *Store) FindPtr(pos uint64) []byte {
	if pos >= s.capacity || !s.getBit(pos) {
		return nil
	}

	off := s.offset(pos) - mmfile.HeaderSize

	return s.data.Data()[off : off+s.itemSize]
}

// Update overwrites the record at pos in place.
// Returns ErrNoResult if the slot is unoccupied.
func (s *Store) Update(pos uint64, rec []byte) error {
	if pos >= s.capacity {
		return fmt.Errorf("update at %d, capacity %d: %w", pos, s.capacity, ErrIllegalPos)
	}

	if s.cfg.ReadOnly {
		return ErrReadOnly
	}

	if uint64(len(rec)) != s.itemSize {
		return fmt.Errorf("record is %d bytes, item size %d: %w", len(rec), s.itemSize, ErrRecordSize)
	}

	if !s.getBit(pos) {
		return ErrNoResult
	}

	return s.data.WriteAt(s.offset(pos), rec, false)
}

// Upsert updates the record at pos if the slot is occupied, and inserts it
// there otherwise.
func (s *Store) Upsert(pos uint64, rec []byte) error {
	if pos >= s.capacity {
		return fmt.Errorf("upsert at %d, capacity %d: %w", pos, s.capacity, ErrIllegalPos)
	}

	if s.cfg.ReadOnly {
		return ErrReadOnly
	}

	if s.getBit(pos) {
		return s.Update(pos, rec)
	}

	_, err := s.Insert(rec, pos)

	return err
}

// Delete clears the occupancy bit at pos and records the slot as the reuse
// hint for the next append. The payload bytes are not zeroed. Deleting an
// already-empty slot is a no-op.
func (s *Store) Delete(pos uint64) error {
	if pos >= s.capacity {
		return fmt.Errorf("delete at %d, capacity %d: %w", pos, s.capacity, ErrIllegalPos)
	}

	if s.cfg.ReadOnly {
		return ErrReadOnly
	}

	if s.getBit(pos) {
		s.clearBit(pos)
		s.count.Add(^uint64(0))
		s.deletePos = pos
	}

	return nil
}

// Contains reports whether the slot at pos holds a record.
func (s *Store) Contains(pos uint64) bool {
	return pos < s.capacity && s.getBit(pos)
}

// Extend grows the data file and, when the new capacity exceeds what the
// bitmap can address, the bit file as well. All pointers into either mapping
// are invalidated.
//
// If the bit file extension fails after the data file already grew, the two
// files disagree on capacity; the store is unusable and the error is fatal.
func (s *Store) Extend() error {
	if s.cfg.ReadOnly {
		return ErrReadOnly
	}

	if err := s.data.Extend(); err != nil {
		return fmt.Errorf("extend data file: %w", err)
	}

	s.capacity = s.data.Capacity()

	if s.capacity > s.bit.DataSize()*8 {
		if err := s.bit.Extend(); err != nil {
			return fmt.Errorf("extend bit file: %w", err)
		}

		s.bits = s.bit.Data()
	} else {
		_ = s.bit.Flush()
	}

	return nil
}

// Flush writes the in-memory counters into both headers and schedules an
// asynchronous writeback of both mappings.
func (s *Store) Flush() error {
	if s.cfg.ReadOnly {
		return ErrReadOnly
	}

	s.writeHeaderInfo()

	if err := s.bit.Flush(); err != nil {
		return err
	}

	return s.data.Flush()
}

// Close flushes the headers and closes both underlying files.
func (s *Store) Close() error {
	if !s.cfg.ReadOnly && s.data != nil && s.data.Mapped() {
		s.writeHeaderInfo()
	}

	var bitErr error
	if s.bit != nil {
		bitErr = s.bit.Close()
	}

	if s.data != nil {
		if err := s.data.Close(); err != nil {
			return err
		}
	}

	return bitErr
}

// Len returns the number of occupied slots.
func (s *Store) Len() uint64 {
	return s.count.Load()
}

// Capacity returns the number of addressable slots.
func (s *Store) Capacity() uint64 {
	return s.capacity
}

// NextWritePos returns the slot the next append will land on, barring a
// pending reuse hint.
func (s *Store) NextWritePos() uint64 {
	return s.nextWritePos
}

// offset converts a slot index into an absolute byte offset in the data file.
func (s *Store) offset(pos uint64) uint64 {
	return pos*s.itemSize + mmfile.HeaderSize
}

// writeHeaderInfo mirrors the in-memory counters into both file headers.
func (s *Store) writeHeaderInfo() {
	n := s.count.Load()

	s.data.SetItemCount(n)
	s.bit.SetItemCount(n)
	s.data.SetNextWritePos(s.nextWritePos)
	s.bit.SetNextWritePos(s.nextWritePos)
}

// idlePos finds the next unoccupied slot after a write at start: forward
// scan first, then backward from start toward zero with a signed cursor.
// When the store is completely full it returns the old capacity; with a load
// ratio below 1.0 the extension Insert then triggers makes that slot
// addressable, while with extension disabled it stays out of range.
func (s *Store) idlePos(start uint64) uint64 {
	for i := start + 1; i < s.capacity; i++ {
		if !s.getBit(i) {
			return i
		}
	}

	for i := int64(start) - 1; i >= 0; i-- {
		if !s.getBit(uint64(i)) {
			return uint64(i)
		}
	}

	return s.capacity
}

// Bit operations over the mapped bitmap. clearBit flips with XOR and is only
// reachable when the bit is known set.

func (s *Store) getBit(pos uint64) bool {
	return (s.bits[pos/8]>>(pos%8))&1 == 1
}

func (s *Store) setBit(pos uint64) {
	s.bits[pos/8] |= 1 << (pos % 8)
}

func (s *Store) clearBit(pos uint64) {
	s.bits[pos/8] ^= 1 << (pos % 8)
}
