package shash

import (
	"bytes"
	"encoding/binary"

	"github.com/calvinalkan/shash/pkg/slotstore"
)

// On-disk record layouts. All integers are little-endian.
//
// Bucket record:   [ head:8 ]
// Set entry:       [ next:8 | term:keyLen ]
// Map entry:       [ next:8 | item_num:8 | term:keyLen | postings:topK*9 ]
// Posting:         [ doc_slot:8 | score:1 ]
//
// Keys are stored C-string style: the bytes followed by a NUL when shorter
// than the term array. Chain links use slotstore.NoSlot as the terminator.

const (
	bucketRecordSize = 8
	postingSize      = 9
)

func encodeBucket(head uint64) []byte {
	rec := make([]byte, bucketRecordSize)
	binary.LittleEndian.PutUint64(rec, head)

	return rec
}

func bucketHead(rec []byte) uint64 {
	return binary.LittleEndian.Uint64(rec)
}

// entryLayout describes the byte layout of a chain entry record for a given
// geometry. Set entries have topK == 0 and omit the posting count and array.
type entryLayout struct {
	keyLen int
	topK   int
}

// size returns the entry record size in bytes.
func (l entryLayout) size() uint64 {
	if l.topK == 0 {
		return 8 + uint64(l.keyLen)
	}

	return 16 + uint64(l.keyLen) + uint64(l.topK)*postingSize
}

// termOff returns the byte offset of the term array inside an entry.
func (l entryLayout) termOff() int {
	if l.topK == 0 {
		return 8
	}

	return 16
}

func (l entryLayout) postingsOff() int {
	return l.termOff() + l.keyLen
}

func (l entryLayout) next(rec []byte) uint64 {
	return binary.LittleEndian.Uint64(rec)
}

func (l entryLayout) setNext(rec []byte, v uint64) {
	binary.LittleEndian.PutUint64(rec, v)
}

func (l entryLayout) itemNum(rec []byte) int {
	return int(binary.LittleEndian.Uint64(rec[8:]))
}

func (l entryLayout) setItemNum(rec []byte, n int) {
	binary.LittleEndian.PutUint64(rec[8:], uint64(n))
}

// setTerm copies the key into the term array, NUL-padding the remainder.
// The caller has already checked len(key) <= keyLen.
func (l entryLayout) setTerm(rec []byte, key []byte) {
	term := rec[l.termOff() : l.termOff()+l.keyLen]

	n := copy(term, key)
	for i := n; i < len(term); i++ {
		term[i] = 0
	}
}

// termEquals compares the stored NUL-terminated key against key.
func (l entryLayout) termEquals(rec []byte, key []byte) bool {
	if len(key) > l.keyLen {
		return false
	}

	term := rec[l.termOff() : l.termOff()+l.keyLen]

	if !bytes.Equal(term[:len(key)], key) {
		return false
	}

	return len(key) == l.keyLen || term[len(key)] == 0
}

// term returns the stored key bytes up to the first NUL.
func (l entryLayout) term(rec []byte) []byte {
	term := rec[l.termOff() : l.termOff()+l.keyLen]

	if i := bytes.IndexByte(term, 0); i >= 0 {
		return term[:i]
	}

	return term
}

func (l entryLayout) posting(rec []byte, i int) (uint64, uint8) {
	off := l.postingsOff() + i*postingSize

	return binary.LittleEndian.Uint64(rec[off:]), rec[off+8]
}

func (l entryLayout) setPosting(rec []byte, i int, doc uint64, score uint8) {
	off := l.postingsOff() + i*postingSize

	binary.LittleEndian.PutUint64(rec[off:], doc)
	rec[off+8] = score
}

func (l entryLayout) copyPosting(rec []byte, dst, src int) {
	doc, score := l.posting(rec, src)
	l.setPosting(rec, dst, doc, score)
}

// newEntry builds a fresh entry record for key with no successor.
func (l entryLayout) newEntry(key []byte) []byte {
	rec := make([]byte, l.size())
	l.setNext(rec, slotstore.NoSlot)
	l.setTerm(rec, key)

	return rec
}
