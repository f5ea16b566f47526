package shash

import (
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/calvinalkan/shash/pkg/fs"
	"github.com/calvinalkan/shash/pkg/slotstore"
)

// Posting is one resolved {document, score} pair from a key's top-K list.
type Posting struct {
	// Doc is the payload record, borrowed from the doc store's mapping.
	// The borrow is invalidated by the next mutation of the map.
	Doc []byte

	// Slot is the doc store slot the payload lives in.
	Slot uint64

	// Score is the caller-assigned relevance used for top-K ordering.
	Score uint8
}

// Map is a persistent hash map from string keys to a bounded postings list
// sorted by descending score. Payload records live in a separate doc store
// and are referenced from postings by slot.
//
// A Map is single-writer and not safe for concurrent use.
type Map struct {
	opts Options
	tbl  *table
	docs *slotstore.Store
	lock *fs.Lock
}

// OpenMap opens or creates the map rooted at opts.Dir. DocSize is required
// on first creation.
func OpenMap(opts Options) (*Map, error) {
	tbl, lock, err := openTable(&opts, "map")
	if err != nil {
		return nil, err
	}

	docs := slotstore.New(slotstore.Config{
		DataPath:     filepath.Join(opts.Dir, docDataName),
		BitPath:      filepath.Join(opts.Dir, docBitName),
		ItemSize:     opts.DocSize,
		ItemCapacity: opts.BucketCount,
		LoadRatio:    opts.LoadRatio,
		ExtendSize:   opts.ExtendSize,
		ReadOnly:     opts.ReadOnly,
	})

	if err := docs.Init(); err != nil {
		_ = tbl.close()
		_ = lock.Close()

		return nil, fmt.Errorf("init doc store: %w", err)
	}

	return &Map{opts: opts, tbl: tbl, docs: docs, lock: lock}, nil
}

// InsertDoc appends a payload record to the doc store and returns its slot.
// The same slot can then be mapped under any number of keys.
func (m *Map) InsertDoc(doc []byte) (uint64, error) {
	return m.docs.Insert(doc, slotstore.NoSlot)
}

// Doc returns the payload at slot, borrowed from the mapping, or nil if the
// slot holds nothing.
func (m *Map) Doc(slot uint64) []byte {
	return m.docs.FindPtr(slot)
}

// Map associates docSlot with key at the given score.
//
// If key already lists docSlot, nothing is mutated and the call reports
// false ("repeat"). Otherwise the posting is merged into the key's top-K
// list, keeping it sorted by descending score; when the list is full the
// lowest-scored posting is dropped, which may be the new one.
func (m *Map) Map(key string, docSlot uint64, score uint8) (bool, error) {
	kb := []byte(key)

	if len(kb) > m.opts.MaxKeyLen {
		return false, fmt.Errorf("key is %d bytes, max %d: %w", len(kb), m.opts.MaxKeyLen, ErrKeyTooLong)
	}

	bucketIdx := m.tbl.bucketIndex(kb)
	layout := m.tbl.layout

	entrySlot, rec, found := m.tbl.findEntry(kb)
	if !found {
		fresh := layout.newEntry(kb)
		layout.setPosting(fresh, 0, docSlot, score)
		layout.setItemNum(fresh, 1)

		if _, err := m.tbl.linkNewEntry(fresh, bucketIdx); err != nil {
			return false, err
		}

		return true, nil
	}

	topK := layout.topK

	n := layout.itemNum(rec)
	if n > topK {
		n = topK
	}

	for i := 0; i < n; i++ {
		if doc, _ := layout.posting(rec, i); doc == docSlot {
			return false, nil
		}
	}

	// Work on a copy: the borrowed record must not be half-mutated if the
	// update below fails.
	entry := make([]byte, layout.size())
	copy(entry, rec)

	// Walk from the tail of the list toward the head, shifting lower-scored
	// postings right until a posting dominates the new one. Equal zero
	// scores shift too, so the newest zero lands first among the zeros.
	changed := false

	for i := n - 1; i >= 0; i-- {
		_, cur := layout.posting(entry, i)

		if cur < score || (score == 0 && cur == 0) {
			changed = true

			if i < topK-1 {
				layout.copyPosting(entry, i+1, i)
			}

			if i == 0 {
				layout.setPosting(entry, 0, docSlot, score)

				break
			}

			continue
		}

		if i != topK-1 {
			layout.setPosting(entry, i+1, docSlot, score)

			if i == n-1 {
				changed = true
			}
		}

		break
	}

	if !changed {
		return true, nil
	}

	if n < topK {
		layout.setItemNum(entry, n+1)
	}

	if err := m.tbl.entries.Update(entrySlot, entry); err != nil {
		return false, err
	}

	return true, nil
}

// Get returns key's postings in stored order (descending score), resolving
// each doc slot against the doc store and skipping slots that hold nothing.
// Nil means the key is absent.
func (m *Map) Get(key string) []Posting {
	kb := []byte(key)

	if len(kb) > m.opts.MaxKeyLen {
		return nil
	}

	_, rec, found := m.tbl.findEntry(kb)
	if !found {
		return nil
	}

	layout := m.tbl.layout

	n := layout.itemNum(rec)
	if n > layout.topK {
		n = layout.topK
	}

	postings := make([]Posting, 0, n)

	for i := 0; i < n; i++ {
		docSlot, score := layout.posting(rec, i)

		doc := m.docs.FindPtr(docSlot)
		if doc == nil {
			continue
		}

		postings = append(postings, Posting{Doc: doc, Slot: docSlot, Score: score})
	}

	return postings
}

// Has reports whether key has an entry.
func (m *Map) Has(key string) bool {
	kb := []byte(key)

	if len(kb) > m.opts.MaxKeyLen {
		return false
	}

	_, _, found := m.tbl.findEntry(kb)

	return found
}

// Delete removes key's entry from its chain. The referenced doc records are
// left in place: postings under other keys may still point at them.
func (m *Map) Delete(key string) (bool, error) {
	return m.tbl.deleteKey([]byte(key))
}

// Len returns the number of keys in the map.
func (m *Map) Len() uint64 {
	return m.tbl.entries.Len()
}

// DocSize returns the payload record size in bytes.
func (m *Map) DocSize() uint64 {
	return m.opts.DocSize
}

// DocLen returns the number of payload records in the doc store.
func (m *Map) DocLen() uint64 {
	return m.docs.Len()
}

// Empty reports whether the map holds no keys.
func (m *Map) Empty() bool {
	return m.tbl.buckets.Len() == 0
}

// LoadFactor returns keys per bucket.
func (m *Map) LoadFactor() float64 {
	return float64(m.Len()) / float64(m.tbl.bucketCount)
}

// Chain returns the keys on the chain of key's bucket, in chain order.
func (m *Map) Chain(key string) ([]string, error) {
	return m.tbl.chainTerms([]byte(key))
}

// DumpStatus writes every bucket's chain with its postings to w.
func (m *Map) DumpStatus(w io.Writer) {
	layout := m.tbl.layout

	m.tbl.dump(w, func(rec []byte) string {
		n := layout.itemNum(rec)
		if n > layout.topK {
			n = layout.topK
		}

		var b strings.Builder

		for i := 0; i < n; i++ {
			doc, score := layout.posting(rec, i)
			fmt.Fprintf(&b, "|%d@%d", doc, score)
		}

		return b.String()
	})
}

// Flush writes all store headers and schedules writeback of the mappings.
func (m *Map) Flush() error {
	if err := m.tbl.flush(); err != nil {
		return err
	}

	return m.docs.Flush()
}

// Close flushes and closes the underlying stores and releases the writer
// lock.
func (m *Map) Close() error {
	err := m.docs.Close()

	if tblErr := m.tbl.close(); err == nil {
		err = tblErr
	}

	if lockErr := m.lock.Close(); err == nil {
		err = lockErr
	}

	return err
}
