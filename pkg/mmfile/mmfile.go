// Package mmfile implements a block-mapped file container: a single file on
// disk, exposed as a contiguous memory mapping, prefixed by a self-describing
// fixed-size header and followed by an array of fixed-size item slots.
//
// A File supports sequential writes (at the header's next-write position),
// positional writes, reads out of the mapping, asynchronous flushing, and
// in-place growth via Extend. Extend remaps the file, so the base address may
// change; callers must re-fetch Base/Data after any call that can extend.
//
// The on-disk header is little-endian so files are portable across hosts.
package mmfile

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
)

// Error classification codes. Callers classify with errors.Is.
var (
	// ErrReadOnly indicates a mutation was attempted on a read-only mapping.
	ErrReadOnly = errors.New("mmfile: read-only")
	// ErrUnmapped indicates the file is not (or no longer) mapped.
	ErrUnmapped = errors.New("mmfile: not mapped")
	// ErrOutOfRange indicates an offset or length outside the mapping.
	ErrOutOfRange = errors.New("mmfile: offset out of range")
	// ErrNotExist indicates a read-only open of a file that does not exist.
	ErrNotExist = errors.New("mmfile: file does not exist")
)

// Header layout constants.
const (
	// HeaderSize is the fixed size of the on-disk header in bytes.
	HeaderSize = 56

	// HeaderVersion is the format version written into new files.
	HeaderVersion = 100

	// DefaultExtendSize is the number of bytes added per extension.
	DefaultExtendSize = 10 << 20
)

// Header field offsets (bytes from file start). All fields are uint64,
// little-endian.
const (
	offHeaderSize        = 0
	offVersion           = 8
	offItemSize          = 16
	offItemCount         = 24
	offRealCapacity      = 32
	offPreExtendCapacity = 40
	offNextWritePos      = 48
)

// Config carries the construction parameters of a File.
//
// On open of an existing file, ItemSize and ItemCapacity are overridden by
// the on-disk header; the caller's values only matter on first creation.
type Config struct {
	// ItemSize is the size of one data slot in bytes. Must be >= 1.
	ItemSize uint64

	// ItemCapacity is the requested initial number of slots.
	ItemCapacity uint64

	// ExtendSize is the number of bytes added per Extend call.
	// Zero means DefaultExtendSize.
	ExtendSize uint64

	// ReadOnly maps the file PROT_READ and rejects every mutation.
	ReadOnly bool
}

// File owns one on-disk file and its memory mapping.
//
// A File is not safe for concurrent use.
type File struct {
	path string
	cfg  Config

	initSize  uint64
	totalSize uint64

	fd   int
	data []byte // full mapping including header; nil when unmapped
}

// New returns an unmapped File with the given configuration.
// No I/O happens until Map is called.
func New(cfg Config) *File {
	if cfg.ExtendSize == 0 {
		cfg.ExtendSize = DefaultExtendSize
	}

	return &File{cfg: cfg, fd: -1}
}

// Map is the idempotent entry point: it opens and maps path if the file
// exists, and otherwise (read-write mode only) creates it with a freshly
// initialized header. Mapping an already-mapped File is a no-op.
func (f *File) Map(path string) error {
	if f.Mapped() {
		return nil
	}

	f.path = path

	_, err := os.Stat(path)
	if err == nil {
		return f.openAndMap()
	}

	if !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("stat %s: %w", path, err)
	}

	if f.cfg.ReadOnly {
		return fmt.Errorf("%s: %w", path, ErrNotExist)
	}

	return f.createAndMap()
}

// Mapped reports whether the file is currently mapped.
func (f *File) Mapped() bool {
	return f.data != nil
}

// createAndMap creates the file, sizes it to a page boundary, maps it and
// initializes the header. The page-rounding slack is credited to the real
// capacity so slots occupy the entire allocation.
func (f *File) createAndMap() error {
	if f.cfg.ItemSize == 0 {
		return errors.New("mmfile: item size is zero")
	}

	realCapacity := f.cfg.ItemCapacity

	if f.initSize == 0 {
		raw := f.cfg.ItemSize*f.cfg.ItemCapacity + HeaderSize

		page := sysPageSize()
		if rem := raw % page; rem != 0 {
			slack := page - rem
			raw += slack
			realCapacity += slack / f.cfg.ItemSize
		}

		f.initSize = raw
	}

	dir := filepath.Dir(f.path)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return fmt.Errorf("create directory: %w", err)
		}
	}

	fd, err := unix.Open(f.path, unix.O_CREAT|unix.O_RDWR|unix.O_TRUNC, 0o660)
	if err != nil {
		return fmt.Errorf("create %s: %w", f.path, err)
	}

	if err := unix.Ftruncate(fd, int64(f.initSize)); err != nil {
		_ = unix.Close(fd)

		return fmt.Errorf("ftruncate: %w", err)
	}

	f.fd = fd
	f.totalSize = f.initSize

	if err := f.mapFile(); err != nil {
		_ = unix.Close(fd)
		f.fd = -1

		return err
	}

	f.setHeaderU64(offHeaderSize, HeaderSize)
	f.setHeaderU64(offVersion, HeaderVersion)
	f.setHeaderU64(offItemSize, f.cfg.ItemSize)
	f.setHeaderU64(offItemCount, 0)
	f.setHeaderU64(offRealCapacity, realCapacity)
	f.setHeaderU64(offPreExtendCapacity, 0)
	f.setHeaderU64(offNextWritePos, 0)

	return nil
}

// openAndMap maps an existing file and reloads the configuration from the
// on-disk header, overriding the constructor parameters.
func (f *File) openAndMap() error {
	flags := unix.O_RDWR
	if f.cfg.ReadOnly {
		flags = unix.O_RDONLY
	}

	fd, err := unix.Open(f.path, flags, 0)
	if err != nil {
		return fmt.Errorf("open %s: %w", f.path, err)
	}

	var stat unix.Stat_t
	if err := unix.Fstat(fd, &stat); err != nil {
		_ = unix.Close(fd)

		return fmt.Errorf("stat %s: %w", f.path, err)
	}

	if stat.Size < HeaderSize {
		_ = unix.Close(fd)

		return fmt.Errorf("mmfile: %s is smaller than the header (%d bytes)", f.path, stat.Size)
	}

	f.fd = fd
	f.totalSize = uint64(stat.Size)
	f.initSize = f.totalSize

	if err := f.mapFile(); err != nil {
		_ = unix.Close(fd)
		f.fd = -1

		return err
	}

	f.cfg.ItemSize = f.headerU64(offItemSize)
	f.cfg.ItemCapacity = f.headerU64(offRealCapacity)

	return nil
}

// mapFile maps the whole file at its current total size.
func (f *File) mapFile() error {
	prot := unix.PROT_READ | unix.PROT_WRITE
	if f.cfg.ReadOnly {
		prot = unix.PROT_READ
	}

	data, err := unix.Mmap(f.fd, 0, int(f.totalSize), prot, unix.MAP_SHARED)
	if err != nil {
		return fmt.Errorf("mmap %s: %w", f.path, err)
	}

	f.data = data

	return nil
}

// Close flushes, unmaps and closes the descriptor. It is idempotent and is
// the terminal state of a File; Map can be called again afterwards only on a
// fresh path.
func (f *File) Close() error {
	if f.data != nil {
		_ = f.Flush()

		if err := unix.Munmap(f.data); err != nil {
			return fmt.Errorf("munmap %s: %w", f.path, err)
		}

		f.data = nil
	}

	if f.fd >= 0 {
		if err := unix.Close(f.fd); err != nil {
			return fmt.Errorf("close %s: %w", f.path, err)
		}

		f.fd = -1
	}

	return nil
}

// WriteNext copies rec into the slot at the header's next-write position and
// returns that slot index. It does NOT advance the next-write position; the
// caller owns that bookkeeping (it has to update its occupancy bitmap first).
//
// With sync set, the page range covering the written bytes is synchronously
// flushed; otherwise durability is deferred to Flush/Extend/Close.
func (f *File) WriteNext(rec []byte, sync bool) (uint64, error) {
	if len(rec) == 0 {
		return 0, fmt.Errorf("mmfile: empty write: %w", ErrOutOfRange)
	}

	if err := f.writable(); err != nil {
		return 0, err
	}

	pos := f.headerU64(offNextWritePos)
	off := pos*f.cfg.ItemSize + HeaderSize

	if off+uint64(len(rec)) > f.totalSize {
		return 0, fmt.Errorf("mmfile: write at slot %d past end of mapping: %w", pos, ErrOutOfRange)
	}

	copy(f.data[off:], rec)

	if sync {
		if err := f.syncRange(off, uint64(len(rec))); err != nil {
			return 0, err
		}
	}

	return pos, nil
}

// WriteAt copies rec at an absolute byte offset, which must lie at or past
// the end of the header.
func (f *File) WriteAt(off uint64, rec []byte, sync bool) error {
	if len(rec) == 0 || off < HeaderSize {
		return fmt.Errorf("mmfile: write at offset %d: %w", off, ErrOutOfRange)
	}

	if err := f.writable(); err != nil {
		return err
	}

	if off+uint64(len(rec)) > f.totalSize {
		return fmt.Errorf("mmfile: write at offset %d past end of mapping: %w", off, ErrOutOfRange)
	}

	copy(f.data[off:], rec)

	if sync {
		return f.syncRange(off, uint64(len(rec)))
	}

	return nil
}

// ReadAt copies len(buf) bytes out of the mapping starting at the absolute
// byte offset off (which includes the header).
func (f *File) ReadAt(off uint64, buf []byte) error {
	if !f.Mapped() {
		return ErrUnmapped
	}

	if len(buf) == 0 {
		return nil
	}

	if off+uint64(len(buf)) > f.totalSize {
		return fmt.Errorf("mmfile: read at offset %d past end of mapping: %w", off, ErrOutOfRange)
	}

	copy(buf, f.data[off:])

	return nil
}

// Flush schedules an asynchronous writeback of the full mapping.
func (f *File) Flush() error {
	if !f.Mapped() {
		return ErrUnmapped
	}

	if f.cfg.ReadOnly {
		return nil
	}

	if err := unix.Msync(f.data, unix.MS_ASYNC); err != nil {
		return fmt.Errorf("msync %s: %w", f.path, err)
	}

	return nil
}

// Extend grows the file by the configured extend size and remaps it.
//
// The base address may change; callers must re-fetch Base/Data afterwards.
// The header records the capacity before extension in pre_extend_capacity.
// On failure the File is closed and unusable.
func (f *File) Extend() error {
	if err := f.writable(); err != nil {
		return err
	}

	_ = f.Flush()

	if err := unix.Munmap(f.data); err != nil {
		f.data = nil
		_ = f.Close()

		return fmt.Errorf("munmap %s: %w", f.path, err)
	}

	f.data = nil

	newSize := f.totalSize + f.cfg.ExtendSize

	if err := unix.Ftruncate(f.fd, int64(newSize)); err != nil {
		_ = f.Close()

		return fmt.Errorf("ftruncate %s: %w", f.path, err)
	}

	// Materialize the new tail so the pages are backed before use.
	if _, err := unix.Pwrite(f.fd, []byte{0}, int64(newSize-1)); err != nil {
		_ = f.Close()

		return fmt.Errorf("pwrite %s: %w", f.path, err)
	}

	f.totalSize = newSize

	if err := f.mapFile(); err != nil {
		_ = f.Close()

		return err
	}

	f.setHeaderU64(offPreExtendCapacity, f.headerU64(offRealCapacity))
	f.setHeaderU64(offRealCapacity, f.headerU64(offRealCapacity)+f.cfg.ExtendSize/f.cfg.ItemSize)
	f.cfg.ItemCapacity = f.headerU64(offRealCapacity)

	return nil
}

// writable returns the reason a mutation cannot proceed, if any.
func (f *File) writable() error {
	if !f.Mapped() {
		return ErrUnmapped
	}

	if f.cfg.ReadOnly {
		return ErrReadOnly
	}

	return nil
}

// syncRange synchronously flushes the pages covering [off, off+n).
// The sync base is the write offset masked down to a page boundary.
func (f *File) syncRange(off, n uint64) error {
	page := sysPageSize()
	base := off &^ (page - 1)

	end := off + n
	if end > f.totalSize {
		end = f.totalSize
	}

	if err := unix.Msync(f.data[base:end], unix.MS_SYNC); err != nil {
		return fmt.Errorf("msync %s: %w", f.path, err)
	}

	return nil
}

// Base returns the full mapping including the header, or nil when unmapped.
// The slice is invalidated by Extend and Close.
func (f *File) Base() []byte {
	return f.data
}

// Data returns the mapping past the header, or nil when unmapped.
// The slice is invalidated by Extend and Close.
func (f *File) Data() []byte {
	if f.data == nil {
		return nil
	}

	return f.data[HeaderSize:]
}

// DataSize returns the number of data bytes past the header.
func (f *File) DataSize() uint64 {
	if f.data == nil {
		return 0
	}

	return f.totalSize - HeaderSize
}

// ItemSize returns the slot size in bytes (from the header after open).
func (f *File) ItemSize() uint64 {
	return f.cfg.ItemSize
}

// Capacity returns the number of addressable slots recorded in the header.
func (f *File) Capacity() uint64 {
	if !f.Mapped() {
		return 0
	}

	return f.headerU64(offRealCapacity)
}

// PreExtendCapacity returns the capacity immediately before the last
// extension, or zero if the file was never extended.
func (f *File) PreExtendCapacity() uint64 {
	if !f.Mapped() {
		return 0
	}

	return f.headerU64(offPreExtendCapacity)
}

// Version returns the format version recorded in the header.
func (f *File) Version() uint64 {
	if !f.Mapped() {
		return 0
	}

	return f.headerU64(offVersion)
}

// ItemCount returns the advisory occupied-slot count from the header.
func (f *File) ItemCount() uint64 {
	if !f.Mapped() {
		return 0
	}

	return f.headerU64(offItemCount)
}

// SetItemCount writes the advisory occupied-slot count into the header.
// No-op on read-only mappings.
func (f *File) SetItemCount(n uint64) {
	if f.writable() != nil {
		return
	}

	f.setHeaderU64(offItemCount, n)
}

// NextWritePos returns the slot index where the next sequential write lands.
func (f *File) NextWritePos() uint64 {
	if !f.Mapped() {
		return 0
	}

	return f.headerU64(offNextWritePos)
}

// SetNextWritePos writes the next sequential write slot into the header.
// No-op on read-only mappings.
func (f *File) SetNextWritePos(pos uint64) {
	if f.writable() != nil {
		return
	}

	f.setHeaderU64(offNextWritePos, pos)
}

// headerU64 reads a header field straight out of the mapping.
func (f *File) headerU64(off int) uint64 {
	return binary.LittleEndian.Uint64(f.data[off:])
}

// setHeaderU64 writes a header field straight into the mapping.
func (f *File) setHeaderU64(off int, v uint64) {
	binary.LittleEndian.PutUint64(f.data[off:], v)
}
