package shash

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func Test_HashCode_Matches_Known_Values(t *testing.T) {
	t.Parallel()

	// The constants below are part of the on-disk format: buckets were
	// placed with these values, so they must never change.
	testCases := []struct {
		key  string
		want uint64
	}{
		{"", 0},
		{"a", 97},
		{"Aa", 2112},
		{"BB", 2112}, // classic collision with "Aa"
		{"apple", 93029210},
		// High-bit bytes contribute sign-extended terms: 0x80 is -128, so
		// h = -128*31 + 'A' = -3903, folded to 3903.
		{"\x80A", 3903},
		// UTF-8 multi-byte keys are all high-bit bytes.
		{"é", 1978},   // 0xC3 0xA9 -> -61, -87
		{"中", 29223}, // 0xE4 0xB8 0xAD -> -28, -72, -83
	}

	for _, testCase := range testCases {
		assert.Equal(t, testCase.want, hashCode([]byte(testCase.key)), "key %q", testCase.key)
	}
}

func Test_HashCode_Folds_Negative_Accumulators(t *testing.T) {
	t.Parallel()

	// Long keys overflow the signed 32-bit accumulator; the fold keeps the
	// result non-negative and stable.
	for _, key := range []string{
		strings.Repeat("z", 64),
		strings.Repeat("hash", 33),
		"polynomial-rolling-hash-overflow-case",
	} {
		first := hashCode([]byte(key))
		second := hashCode([]byte(key))

		assert.Equal(t, first, second)
		assert.Less(t, first, uint64(1)<<32, "fold keeps the value in 32-bit range")
	}
}

func Test_EntryLayout_Term_RoundTrip(t *testing.T) {
	t.Parallel()

	for _, layout := range []entryLayout{
		{keyLen: 10, topK: 0},
		{keyLen: 10, topK: 3},
	} {
		rec := layout.newEntry([]byte("abc"))

		assert.EqualValues(t, ^uint64(0), layout.next(rec))
		assert.Equal(t, []byte("abc"), layout.term(rec))
		assert.True(t, layout.termEquals(rec, []byte("abc")))
		assert.False(t, layout.termEquals(rec, []byte("ab")))
		assert.False(t, layout.termEquals(rec, []byte("abcd")))

		full := layout.newEntry([]byte("0123456789"))
		assert.True(t, layout.termEquals(full, []byte("0123456789")))
		assert.Equal(t, []byte("0123456789"), layout.term(full))
	}
}

func Test_EntryLayout_Posting_RoundTrip(t *testing.T) {
	t.Parallel()

	layout := entryLayout{keyLen: 8, topK: 4}
	rec := layout.newEntry([]byte("key"))

	layout.setPosting(rec, 0, 42, 9)
	layout.setPosting(rec, 3, 7, 1)
	layout.setItemNum(rec, 2)

	doc, score := layout.posting(rec, 0)
	assert.EqualValues(t, 42, doc)
	assert.EqualValues(t, 9, score)

	layout.copyPosting(rec, 1, 0)

	doc, score = layout.posting(rec, 1)
	assert.EqualValues(t, 42, doc)
	assert.EqualValues(t, 9, score)

	assert.Equal(t, 2, layout.itemNum(rec))
	assert.EqualValues(t, 16+8+4*9, layout.size())
}
