package shash

import (
	"fmt"
	"io"

	"github.com/calvinalkan/shash/pkg/slotstore"
)

// table is the chain machinery shared by Map and Set: a bucket store indexed
// by hash(key) mod bucketCount, and an entry store holding singly-linked
// chains of fixed-size key records terminated by slotstore.NoSlot.
//
// All traversal is by slot index; borrowed record slices are never held
// across a mutation, because an entry insert can extend and remap the files.
type table struct {
	buckets *slotstore.Store
	entries *slotstore.Store

	layout      entryLayout
	bucketCount uint64
}

func (t *table) bucketIndex(key []byte) uint64 {
	return hashCode(key) % t.bucketCount
}

// head returns the chain head for a bucket, or NoSlot when the bucket is
// absent (bit clear means "no chain").
func (t *table) head(bucketIdx uint64) uint64 {
	rec := t.buckets.FindPtr(bucketIdx)
	if rec == nil {
		return slotstore.NoSlot
	}

	return bucketHead(rec)
}

// findEntry walks the chain for key and returns the matching entry's slot
// and a borrowed view of its record. The borrow is valid until the next
// mutation.
func (t *table) findEntry(key []byte) (uint64, []byte, bool) {
	cur := t.head(t.bucketIndex(key))

	for cur != slotstore.NoSlot {
		rec := t.entries.FindPtr(cur)
		if rec == nil {
			break
		}

		if t.layout.termEquals(rec, key) {
			return cur, rec, true
		}

		cur = t.layout.next(rec)
	}

	return 0, nil, false
}

// linkNewEntry inserts rec into the entry store and links it into key's
// bucket: as the head when the bucket has no chain, else appended at the
// chain tail. Returns the entry's slot.
//
// The bucket head is re-read after the insert because the insert may have
// extended the entry store.
func (t *table) linkNewEntry(rec []byte, bucketIdx uint64) (uint64, error) {
	slot, err := t.entries.Insert(rec, slotstore.NoSlot)
	if err != nil {
		return 0, fmt.Errorf("insert entry: %w", err)
	}

	head := t.head(bucketIdx)
	if head == slotstore.NoSlot {
		if err := t.buckets.Upsert(bucketIdx, encodeBucket(slot)); err != nil {
			return 0, fmt.Errorf("write bucket: %w", err)
		}

		return slot, nil
	}

	pre := head

	for {
		cur := t.entries.FindPtr(pre)
		if cur == nil {
			break
		}

		next := t.layout.next(cur)
		if next == slotstore.NoSlot {
			break
		}

		pre = next
	}

	tail := make([]byte, t.layout.size())
	if err := t.entries.Find(pre, tail); err != nil {
		return 0, fmt.Errorf("read chain tail: %w", err)
	}

	t.layout.setNext(tail, slot)

	if err := t.entries.Update(pre, tail); err != nil {
		return 0, fmt.Errorf("link chain tail: %w", err)
	}

	return slot, nil
}

// deleteKey unlinks and frees the entry for key.
//
// Three cases, carrying pre and the successor:
//   - only entry in the chain: free the entry and the bucket;
//   - head of a longer chain: free the entry, repoint the bucket;
//   - mid/tail: repoint pre.next past it, free the entry.
//
// Returns (false, ErrNoBucket) when the bucket has no chain at all, and
// (false, nil) when the chain exists but the key is not on it.
func (t *table) deleteKey(key []byte) (bool, error) {
	bucketIdx := t.bucketIndex(key)

	brec := t.buckets.FindPtr(bucketIdx)
	if brec == nil {
		return false, ErrNoBucket
	}

	cur := bucketHead(brec)
	pre := slotstore.NoSlot

	for cur != slotstore.NoSlot {
		rec := t.entries.FindPtr(cur)
		if rec == nil {
			break
		}

		next := t.layout.next(rec)

		if !t.layout.termEquals(rec, key) {
			pre = cur
			cur = next

			continue
		}

		switch {
		case pre == slotstore.NoSlot && next == slotstore.NoSlot:
			if err := t.entries.Delete(cur); err != nil {
				return false, err
			}

			if err := t.buckets.Delete(bucketIdx); err != nil {
				return false, err
			}
		case pre == slotstore.NoSlot:
			if err := t.entries.Delete(cur); err != nil {
				return false, err
			}

			if err := t.buckets.Update(bucketIdx, encodeBucket(next)); err != nil {
				return false, err
			}
		default:
			preRec := make([]byte, t.layout.size())
			if err := t.entries.Find(pre, preRec); err != nil {
				return false, err
			}

			t.layout.setNext(preRec, next)

			if err := t.entries.Update(pre, preRec); err != nil {
				return false, err
			}

			if err := t.entries.Delete(cur); err != nil {
				return false, err
			}
		}

		return true, nil
	}

	return false, nil
}

// chainTerms returns the keys on the chain of key's bucket, in chain order.
// A cycle is reported as an error; nil means the bucket is absent.
func (t *table) chainTerms(key []byte) ([]string, error) {
	brec := t.buckets.FindPtr(t.bucketIndex(key))
	if brec == nil {
		return nil, nil
	}

	var terms []string

	visited := make(map[uint64]struct{})
	cur := bucketHead(brec)

	for cur != slotstore.NoSlot {
		if _, seen := visited[cur]; seen {
			return terms, fmt.Errorf("shash: cycle in chain at slot %d", cur)
		}

		visited[cur] = struct{}{}

		rec := t.entries.FindPtr(cur)
		if rec == nil {
			return terms, fmt.Errorf("shash: chain link to empty slot %d", cur)
		}

		terms = append(terms, string(t.layout.term(rec)))
		cur = t.layout.next(rec)
	}

	return terms, nil
}

// dump walks every bucket and prints its chain, defensively flagging cycles
// with a visited set. detail renders per-entry extras (postings for maps).
func (t *table) dump(w io.Writer, detail func([]byte) string) {
	fmt.Fprintf(w, "buckets=%d entries=%d load_factor=%.4f\n",
		t.bucketCount, t.entries.Len(), float64(t.entries.Len())/float64(t.bucketCount))

	for i := uint64(0); i < t.bucketCount; i++ {
		brec := t.buckets.FindPtr(i)
		if brec == nil {
			continue
		}

		fmt.Fprintf(w, "bucket %d:", i)

		visited := make(map[uint64]struct{})
		cur := bucketHead(brec)

		for cur != slotstore.NoSlot {
			if _, seen := visited[cur]; seen {
				fmt.Fprint(w, " !cycle")

				break
			}

			visited[cur] = struct{}{}

			rec := t.entries.FindPtr(cur)
			if rec == nil {
				fmt.Fprintf(w, " ->%d(missing)", cur)

				break
			}

			fmt.Fprintf(w, " ->%d,%s%s", cur, t.layout.term(rec), detail(rec))
			cur = t.layout.next(rec)
		}

		fmt.Fprintln(w)
	}
}

// flush writes both stores' headers and schedules writeback.
func (t *table) flush() error {
	if err := t.buckets.Flush(); err != nil {
		return err
	}

	return t.entries.Flush()
}

// close closes both stores, returning the first error.
func (t *table) close() error {
	entriesErr := t.entries.Close()
	bucketsErr := t.buckets.Close()

	if entriesErr != nil {
		return entriesErr
	}

	return bucketsErr
}
