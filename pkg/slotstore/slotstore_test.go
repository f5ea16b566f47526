package slotstore_test

import (
	"math/rand/v2"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/calvinalkan/shash/pkg/slotstore"
)

// newStore creates and initializes a store in a temp dir. Zero-value config
// fields get small test defaults.
func newStore(t *testing.T, cfg slotstore.Config) *slotstore.Store {
	t.Helper()

	dir := t.TempDir()
	cfg.DataPath = filepath.Join(dir, "test.data")
	cfg.BitPath = filepath.Join(dir, "test.bit")

	if cfg.ItemSize == 0 {
		cfg.ItemSize = 8
	}

	if cfg.ItemCapacity == 0 {
		cfg.ItemCapacity = 64
	}

	store := slotstore.New(cfg)
	require.NoError(t, store.Init())
	t.Cleanup(func() { _ = store.Close() })

	return store
}

// rec8 builds an 8-byte record with a recognizable fill.
func rec8(fill byte) []byte {
	rec := make([]byte, 8)
	for i := range rec {
		rec[i] = fill
	}

	return rec
}

func Test_Insert_Appends_Sequentially(t *testing.T) {
	t.Parallel()

	store := newStore(t, slotstore.Config{})

	for i := byte(0); i < 5; i++ {
		slot, err := store.Insert(rec8('a'+i), slotstore.NoSlot)
		require.NoError(t, err)
		assert.EqualValues(t, i, slot)
	}

	assert.EqualValues(t, 5, store.Len())

	buf := make([]byte, 8)
	require.NoError(t, store.Find(2, buf))
	assert.Equal(t, rec8('c'), buf)
}

func Test_Occupancy_Bit_And_Find_Agree(t *testing.T) {
	t.Parallel()

	store := newStore(t, slotstore.Config{LoadRatio: 1.0})

	// Deterministic random churn, then: for every slot, the occupancy bit
	// and Find must agree.
	rng := rand.New(rand.NewPCG(7, 7))
	live := make(map[uint64][]byte)

	for range 300 {
		if len(live) > 0 && rng.IntN(3) == 0 {
			var victim uint64
			for slot := range live {
				victim = slot

				break
			}

			require.NoError(t, store.Delete(victim))
			delete(live, victim)

			continue
		}

		if uint64(len(live)) == store.Capacity() {
			continue
		}

		rec := rec8(byte(rng.UintN(256)))

		slot, err := store.Insert(rec, slotstore.NoSlot)
		require.NoError(t, err)

		live[slot] = rec
	}

	buf := make([]byte, 8)

	for slot := uint64(0); slot < store.Capacity(); slot++ {
		want, occupied := live[slot]
		err := store.Find(slot, buf)

		if occupied {
			require.NoError(t, err, "slot %d", slot)
			assert.Equal(t, want, buf, "slot %d", slot)
			assert.True(t, store.Contains(slot))
		} else {
			require.ErrorIs(t, err, slotstore.ErrNoResult, "slot %d", slot)
			assert.False(t, store.Contains(slot))
		}
	}

	assert.EqualValues(t, len(live), store.Len())
}

func Test_Positional_Insert_Into_Occupied_Slot_Returns_Exists(t *testing.T) {
	t.Parallel()

	store := newStore(t, slotstore.Config{})

	_, err := store.Insert(rec8('a'), 3)
	require.NoError(t, err)

	_, err = store.Insert(rec8('b'), 3)
	require.ErrorIs(t, err, slotstore.ErrExists)

	// No mutation happened.
	buf := make([]byte, 8)
	require.NoError(t, store.Find(3, buf))
	assert.Equal(t, rec8('a'), buf)
	assert.EqualValues(t, 1, store.Len())
}

func Test_Insert_Reuses_Most_Recently_Freed_Slot(t *testing.T) {
	t.Parallel()

	store := newStore(t, slotstore.Config{})

	for _, fill := range []byte{'a', 'b', 'c'} {
		_, err := store.Insert(rec8(fill), slotstore.NoSlot)
		require.NoError(t, err)
	}

	require.NoError(t, store.Delete(1))

	slot, err := store.Insert(rec8('d'), slotstore.NoSlot)
	require.NoError(t, err)
	assert.EqualValues(t, 1, slot, "append should land on the delete hint")

	buf := make([]byte, 8)
	require.NoError(t, store.Find(1, buf))
	assert.Equal(t, rec8('d'), buf)
}

func Test_Update_Requires_Occupied_Slot(t *testing.T) {
	t.Parallel()

	store := newStore(t, slotstore.Config{})

	require.ErrorIs(t, store.Update(0, rec8('x')), slotstore.ErrNoResult)

	_, err := store.Insert(rec8('a'), slotstore.NoSlot)
	require.NoError(t, err)

	require.NoError(t, store.Update(0, rec8('b')))

	buf := make([]byte, 8)
	require.NoError(t, store.Find(0, buf))
	assert.Equal(t, rec8('b'), buf)
}

func Test_Upsert_Inserts_Then_Updates(t *testing.T) {
	t.Parallel()

	store := newStore(t, slotstore.Config{})

	require.NoError(t, store.Upsert(4, rec8('a')))
	require.NoError(t, store.Upsert(4, rec8('b')))

	buf := make([]byte, 8)
	require.NoError(t, store.Find(4, buf))
	assert.Equal(t, rec8('b'), buf)
	assert.EqualValues(t, 1, store.Len())
}

func Test_Delete_On_Empty_Slot_Is_A_Noop(t *testing.T) {
	t.Parallel()

	store := newStore(t, slotstore.Config{})

	require.NoError(t, store.Delete(5))
	assert.EqualValues(t, 0, store.Len())
}

func Test_Slot_Index_Out_Of_Range_Is_Rejected(t *testing.T) {
	t.Parallel()

	store := newStore(t, slotstore.Config{})
	capacity := store.Capacity()

	_, err := store.Insert(rec8('a'), capacity)
	assert.ErrorIs(t, err, slotstore.ErrIllegalPos)

	assert.ErrorIs(t, store.Find(capacity, make([]byte, 8)), slotstore.ErrIllegalPos)
	assert.ErrorIs(t, store.Update(capacity, rec8('a')), slotstore.ErrIllegalPos)
	assert.ErrorIs(t, store.Delete(capacity), slotstore.ErrIllegalPos)
	assert.Nil(t, store.FindPtr(capacity))
}

func Test_Record_Size_Mismatch_Is_Rejected(t *testing.T) {
	t.Parallel()

	store := newStore(t, slotstore.Config{})

	_, err := store.Insert([]byte("short"), slotstore.NoSlot)
	assert.ErrorIs(t, err, slotstore.ErrRecordSize)
}

func Test_ReadOnly_Store_Rejects_Mutators(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	cfg := slotstore.Config{
		DataPath:     filepath.Join(dir, "test.data"),
		BitPath:      filepath.Join(dir, "test.bit"),
		ItemSize:     8,
		ItemCapacity: 64,
	}

	store := slotstore.New(cfg)
	require.NoError(t, store.Init())

	_, err := store.Insert(rec8('a'), slotstore.NoSlot)
	require.NoError(t, err)
	require.NoError(t, store.Close())

	cfg.ReadOnly = true
	readOnly := slotstore.New(cfg)
	require.NoError(t, readOnly.Init())

	defer readOnly.Close()

	_, err = readOnly.Insert(rec8('b'), slotstore.NoSlot)
	assert.ErrorIs(t, err, slotstore.ErrReadOnly)
	assert.ErrorIs(t, readOnly.Update(0, rec8('b')), slotstore.ErrReadOnly)
	assert.ErrorIs(t, readOnly.Delete(0), slotstore.ErrReadOnly)
	assert.ErrorIs(t, readOnly.Flush(), slotstore.ErrReadOnly)

	// Reads still work.
	buf := make([]byte, 8)
	require.NoError(t, readOnly.Find(0, buf))
	assert.Equal(t, rec8('a'), buf)
}

func Test_Insert_AutoExtends_At_Load_Ratio(t *testing.T) {
	t.Parallel()

	// Page-sized items keep the rounding slack from adding slots, so the
	// capacities below are exact: 10 slots, growing by 10 per extension.
	itemSize := uint64(os.Getpagesize())

	store := newStore(t, slotstore.Config{
		ItemSize:     itemSize,
		ItemCapacity: 10,
		ExtendSize:   10 * itemSize,
		LoadRatio:    0.8,
	})

	require.EqualValues(t, 10, store.Capacity())

	rec := make([]byte, itemSize)

	for i := byte(0); i < 9; i++ {
		rec[0] = 'a' + i
		rec[len(rec)-1] = 'a' + i

		slot, err := store.Insert(rec, slotstore.NoSlot)
		require.NoError(t, err)
		require.EqualValues(t, i, slot)
	}

	// The 8th insert crossed 8/10 >= 0.8 and doubled the slot count.
	assert.EqualValues(t, 20, store.Capacity())

	buf := make([]byte, itemSize)

	for i := byte(0); i < 9; i++ {
		require.NoError(t, store.Find(uint64(i), buf))
		assert.Equal(t, byte('a'+i), buf[0])
		assert.Equal(t, byte('a'+i), buf[len(buf)-1])
	}
}

func Test_Load_Ratio_One_Disables_Extension(t *testing.T) {
	t.Parallel()

	itemSize := uint64(os.Getpagesize())

	store := newStore(t, slotstore.Config{
		ItemSize:     itemSize,
		ItemCapacity: 4,
		ExtendSize:   4 * itemSize,
		LoadRatio:    1.0,
	})

	rec := make([]byte, itemSize)

	for range 4 {
		_, err := store.Insert(rec, slotstore.NoSlot)
		require.NoError(t, err)
	}

	assert.EqualValues(t, 4, store.Capacity())
}

func Test_State_Survives_Close_And_Reopen(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	cfg := slotstore.Config{
		DataPath:     filepath.Join(dir, "test.data"),
		BitPath:      filepath.Join(dir, "test.bit"),
		ItemSize:     8,
		ItemCapacity: 64,
	}

	store := slotstore.New(cfg)
	require.NoError(t, store.Init())

	for _, fill := range []byte{'a', 'b', 'c', 'd'} {
		_, err := store.Insert(rec8(fill), slotstore.NoSlot)
		require.NoError(t, err)
	}

	require.NoError(t, store.Delete(2))
	capacity := store.Capacity()
	require.NoError(t, store.Close())

	reopened := slotstore.New(cfg)
	require.NoError(t, reopened.Init())

	defer reopened.Close()

	assert.EqualValues(t, 3, reopened.Len())
	assert.Equal(t, capacity, reopened.Capacity())

	buf := make([]byte, 8)
	require.NoError(t, reopened.Find(0, buf))
	assert.Equal(t, rec8('a'), buf)
	require.NoError(t, reopened.Find(3, buf))
	assert.Equal(t, rec8('d'), buf)
	require.ErrorIs(t, reopened.Find(2, buf), slotstore.ErrNoResult)
}

func Test_FindPtr_Borrows_The_Record(t *testing.T) {
	t.Parallel()

	store := newStore(t, slotstore.Config{})

	_, err := store.Insert(rec8('a'), slotstore.NoSlot)
	require.NoError(t, err)

	ptr := store.FindPtr(0)
	require.NotNil(t, ptr)
	assert.Equal(t, rec8('a'), ptr)

	// In-place updates are visible through the borrow.
	require.NoError(t, store.Update(0, rec8('b')))
	assert.Equal(t, rec8('b'), ptr)

	assert.Nil(t, store.FindPtr(1))
}

func Test_Contents_Survive_Extension(t *testing.T) {
	t.Parallel()

	itemSize := uint64(os.Getpagesize())

	store := newStore(t, slotstore.Config{
		ItemSize:     itemSize,
		ItemCapacity: 6,
		ExtendSize:   6 * itemSize,
		LoadRatio:    1.0,
	})

	rec := make([]byte, itemSize)
	want := make(map[uint64]byte)

	for i := byte(0); i < 6; i++ {
		rec[0] = i + 1

		slot, err := store.Insert(rec, slotstore.NoSlot)
		require.NoError(t, err)

		want[slot] = i + 1
	}

	require.NoError(t, store.Extend())
	require.EqualValues(t, 12, store.Capacity())

	buf := make([]byte, itemSize)

	for slot, fill := range want {
		require.NoError(t, store.Find(slot, buf))
		assert.Equal(t, fill, buf[0], "slot %d", slot)
	}
}

func Test_Delete_Then_Reuse_Keeps_Count_Consistent(t *testing.T) {
	t.Parallel()

	store := newStore(t, slotstore.Config{})

	for i := 0; i < 10; i++ {
		_, err := store.Insert(rec8(byte(i)), slotstore.NoSlot)
		require.NoError(t, err)
	}

	for _, slot := range []uint64{1, 4, 7} {
		require.NoError(t, store.Delete(slot))
	}

	require.EqualValues(t, 7, store.Len())

	// Only the most recently freed slot is hinted; the next append takes
	// it, later appends continue at the write position.
	slot, err := store.Insert(rec8('x'), slotstore.NoSlot)
	require.NoError(t, err)
	assert.EqualValues(t, 7, slot)

	slot, err = store.Insert(rec8('y'), slotstore.NoSlot)
	require.NoError(t, err)
	assert.EqualValues(t, 10, slot)

	assert.EqualValues(t, 9, store.Len())
}