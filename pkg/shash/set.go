// Package shash implements persistent, memory-mapped hash collections: a
// Set for keyed membership and a Map holding a small score-sorted top-K
// postings list per key, both backed by slot stores in a single directory.
//
// Keys hash into a fixed bucket array; collisions chain through an entry
// store that grows under a load ratio. Contents survive process restarts:
// reads go straight against the mapping, writes mutate it in place, and
// durability is best-effort via Flush/Close. The stores are single-writer;
// a flock on the directory keeps a second writer process out.
package shash

import (
	"errors"
	"fmt"
	"io"
	"path/filepath"

	"github.com/calvinalkan/shash/pkg/fs"
	"github.com/calvinalkan/shash/pkg/slotstore"
)

// File names inside a store directory.
const (
	bucketDataName = "bucket.data"
	bucketBitName  = "bucket.bit"
	entryDataName  = "value.data"
	entryBitName   = "value.bit"
	docDataName    = "doc.data"
	docBitName     = "doc.bit"
)

// bucketLoadRatio disables extension of the bucket store: the bucket array
// is fixed after construction (there is no rehashing).
const bucketLoadRatio = 2.0

// entryCapacityFactor sizes the entry store relative to the bucket count.
const entryCapacityFactor = 3

// openTable reconciles the options against the directory, takes the writer
// lock, and opens the bucket and entry stores. The entry layout is derived
// after reconciliation so manifest-supplied geometry shapes the records.
func openTable(opts *Options, kind string) (*table, *fs.Lock, error) {
	if err := reconcile(opts, kind); err != nil {
		return nil, nil, err
	}

	topK := 0
	if kind == "map" {
		topK = opts.TopK
	}

	var lock *fs.Lock

	if !opts.ReadOnly && !opts.DisableLocking {
		var err error

		lock, err = fs.TryLock(filepath.Join(opts.Dir, LockName))
		if err != nil {
			if errors.Is(err, fs.ErrWouldBlock) {
				return nil, nil, ErrBusy
			}

			return nil, nil, err
		}
	}

	layout := entryLayout{keyLen: opts.MaxKeyLen, topK: topK}

	buckets := slotstore.New(slotstore.Config{
		DataPath:     filepath.Join(opts.Dir, bucketDataName),
		BitPath:      filepath.Join(opts.Dir, bucketBitName),
		ItemSize:     bucketRecordSize,
		ItemCapacity: opts.BucketCount,
		LoadRatio:    bucketLoadRatio,
		ExtendSize:   opts.ExtendSize,
		ReadOnly:     opts.ReadOnly,
	})

	entries := slotstore.New(slotstore.Config{
		DataPath:     filepath.Join(opts.Dir, entryDataName),
		BitPath:      filepath.Join(opts.Dir, entryBitName),
		ItemSize:     layout.size(),
		ItemCapacity: opts.BucketCount * entryCapacityFactor,
		LoadRatio:    opts.LoadRatio,
		ExtendSize:   opts.ExtendSize,
		ReadOnly:     opts.ReadOnly,
	})

	if err := buckets.Init(); err != nil {
		_ = lock.Close()

		return nil, nil, fmt.Errorf("init bucket store: %w", err)
	}

	if err := entries.Init(); err != nil {
		_ = buckets.Close()
		_ = lock.Close()

		return nil, nil, fmt.Errorf("init entry store: %w", err)
	}

	tbl := &table{
		buckets:     buckets,
		entries:     entries,
		layout:      layout,
		bucketCount: buckets.Capacity(),
	}

	return tbl, lock, nil
}

// Set is a persistent hash set of string keys.
//
// A Set is single-writer and not safe for concurrent use.
type Set struct {
	opts Options
	tbl  *table
	lock *fs.Lock
}

// OpenSet opens or creates the set rooted at opts.Dir.
func OpenSet(opts Options) (*Set, error) {
	tbl, lock, err := openTable(&opts, "set")
	if err != nil {
		return nil, err
	}

	return &Set{opts: opts, tbl: tbl, lock: lock}, nil
}

// Insert adds key to the set. Inserting a present key is a no-op.
// Keys longer than the configured maximum are rejected without mutation.
func (s *Set) Insert(key string) error {
	kb := []byte(key)

	if len(kb) > s.opts.MaxKeyLen {
		return fmt.Errorf("key is %d bytes, max %d: %w", len(kb), s.opts.MaxKeyLen, ErrKeyTooLong)
	}

	bucketIdx := s.tbl.bucketIndex(kb)

	if _, _, found := s.tbl.findEntry(kb); found {
		return nil
	}

	_, err := s.tbl.linkNewEntry(s.tbl.layout.newEntry(kb), bucketIdx)

	return err
}

// Has reports whether key is in the set.
func (s *Set) Has(key string) bool {
	kb := []byte(key)

	if len(kb) > s.opts.MaxKeyLen {
		return false
	}

	_, _, found := s.tbl.findEntry(kb)

	return found
}

// Delete removes key. It reports whether the key was present;
// ErrNoBucket means the key's bucket had no chain at all.
func (s *Set) Delete(key string) (bool, error) {
	return s.tbl.deleteKey([]byte(key))
}

// Len returns the number of keys in the set.
func (s *Set) Len() uint64 {
	return s.tbl.entries.Len()
}

// Empty reports whether the set holds no keys.
func (s *Set) Empty() bool {
	return s.tbl.buckets.Len() == 0
}

// LoadFactor returns keys per bucket.
func (s *Set) LoadFactor() float64 {
	return float64(s.Len()) / float64(s.tbl.bucketCount)
}

// Chain returns the keys on the chain of key's bucket, in chain order.
// Nil with no error means the bucket is absent.
func (s *Set) Chain(key string) ([]string, error) {
	return s.tbl.chainTerms([]byte(key))
}

// DumpStatus writes every bucket's chain to w, flagging cycles.
func (s *Set) DumpStatus(w io.Writer) {
	s.tbl.dump(w, func([]byte) string { return "" })
}

// Flush writes the store headers and schedules writeback of the mappings.
func (s *Set) Flush() error {
	return s.tbl.flush()
}

// Close flushes and closes the underlying stores and releases the writer
// lock.
func (s *Set) Close() error {
	err := s.tbl.close()

	if lockErr := s.lock.Close(); err == nil {
		err = lockErr
	}

	return err
}
