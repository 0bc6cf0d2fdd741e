package btree

import (
	"cmp"
	"math/rand"
	"slices"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTree(t *testing.T, min, max int) *Tree[uint64, string] {
	t.Helper()
	tr, err := New[uint64, string](cmp.Compare[uint64], Config{MinFanout: min, MaxFanout: max})
	require.NoError(t, err)
	return tr
}

func keys(seq func(func(uint64, string) bool)) []uint64 {
	var out []uint64
	for k := range seq {
		out = append(out, k)
	}
	return out
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		cfg   Config
		valid bool
	}{
		{Config{MinFanout: 2, MaxFanout: 4}, true},
		{Config{MinFanout: 32, MaxFanout: 64}, true},
		{Config{MinFanout: 1, MaxFanout: 4}, false},
		{Config{MinFanout: 3, MaxFanout: 5}, false},
	}
	for _, tt := range tests {
		err := tt.cfg.Validate()
		if tt.valid {
			assert.NoError(t, err)
		} else {
			assert.ErrorIs(t, err, ErrInvalidFanout)
		}
	}
}

func TestTree_InsertLookupDelete(t *testing.T) {
	tr := newTree(t, 2, 4)

	assert.False(t, tr.Insert(5, "five"))
	assert.False(t, tr.Insert(1, "one"))
	assert.True(t, tr.Insert(5, "FIVE"))
	assert.Equal(t, 2, tr.Len())

	v, ok := tr.Lookup(5)
	require.True(t, ok)
	assert.Equal(t, "FIVE", v)
	_, ok = tr.Lookup(2)
	assert.False(t, ok)

	assert.True(t, tr.Delete(1))
	assert.False(t, tr.Delete(1))
	assert.True(t, tr.Delete(5))
	assert.Zero(t, tr.Len())
	assert.Zero(t, tr.Height())
	require.NoError(t, tr.Check())
}

func TestTree_RandomOpsAgainstMap(t *testing.T) {
	for _, cfg := range []Config{{2, 4}, {3, 7}, {4, 8}, {32, 64}} {
		tr := newTree(t, cfg.MinFanout, cfg.MaxFanout)
		ref := make(map[uint64]string)
		r := rand.New(rand.NewSource(int64(cfg.MaxFanout)))

		for i := 0; i < 4000; i++ {
			k := uint64(r.Intn(500))
			if r.Intn(3) == 0 {
				_, want := ref[k]
				assert.Equal(t, want, tr.Delete(k))
				delete(ref, k)
			} else {
				_, want := ref[k]
				v := string(rune('a' + r.Intn(26)))
				assert.Equal(t, want, tr.Insert(k, v))
				ref[k] = v
			}
			if i%97 == 0 {
				require.NoError(t, tr.Check(), "cfg=%v op=%d", cfg, i)
			}
		}
		require.NoError(t, tr.Check())
		require.Equal(t, len(ref), tr.Len())

		want := make([]uint64, 0, len(ref))
		for k := range ref {
			want = append(want, k)
		}
		slices.Sort(want)
		assert.Equal(t, want, keys(tr.Ascend()))
		for k, v := range ref {
			got, ok := tr.Lookup(k)
			require.True(t, ok)
			assert.Equal(t, v, got)
		}
	}
}

func TestTree_DeleteAllShrinksHeight(t *testing.T) {
	tr := newTree(t, 2, 4)
	for i := uint64(0); i < 200; i++ {
		tr.Insert(i, "v")
	}
	assert.Greater(t, tr.Height(), 3)
	require.NoError(t, tr.Check())

	r := rand.New(rand.NewSource(7))
	order := r.Perm(200)
	for i, k := range order {
		require.True(t, tr.Delete(uint64(k)))
		if i%10 == 0 {
			require.NoError(t, tr.Check())
		}
	}
	assert.Zero(t, tr.Len())
	assert.Zero(t, tr.Height())
}

func TestTree_RangeScan(t *testing.T) {
	tr := newTree(t, 2, 4)
	for i := uint64(0); i < 100; i += 2 {
		tr.Insert(i, "v")
	}

	assert.Equal(t, []uint64{10, 12, 14, 16, 18, 20}, keys(tr.RangeScan(10, 20)))
	assert.Equal(t, []uint64{12, 14}, keys(tr.RangeScan(11, 15)))
	assert.Empty(t, keys(tr.RangeScan(21, 21)))
	assert.Empty(t, keys(tr.RangeScan(30, 20)))
	assert.Equal(t, []uint64{96, 98}, keys(tr.AscendFrom(95)))
	assert.Len(t, keys(tr.RangeScan(0, 1000)), 50)

	// Restartable, and early termination is honored.
	seq := tr.RangeScan(0, 50)
	assert.Equal(t, keys(seq), keys(seq))
	var firstThree []uint64
	for k := range seq {
		firstThree = append(firstThree, k)
		if len(firstThree) == 3 {
			break
		}
	}
	assert.Equal(t, []uint64{0, 2, 4}, firstThree)
}

func TestTree_MinMax(t *testing.T) {
	tr := newTree(t, 2, 4)
	_, _, ok := tr.Max()
	assert.False(t, ok)
	for _, k := range []uint64{42, 7, 99, 13} {
		tr.Insert(k, "v")
	}
	k, _, ok := tr.Min()
	require.True(t, ok)
	assert.Equal(t, uint64(7), k)
	k, _, ok = tr.Max()
	require.True(t, ok)
	assert.Equal(t, uint64(99), k)
}

func TestTree_CloneIsolation(t *testing.T) {
	tr := newTree(t, 2, 4)
	for i := uint64(0); i < 50; i++ {
		tr.Insert(i, "old")
	}
	snap := tr.Clone()

	for i := uint64(0); i < 50; i += 2 {
		tr.Delete(i)
	}
	for i := uint64(50); i < 80; i++ {
		tr.Insert(i, "new")
	}
	tr.Insert(1, "changed")
	require.NoError(t, tr.Check())
	require.NoError(t, snap.Check())

	assert.Equal(t, 50, snap.Len())
	for i := uint64(0); i < 50; i++ {
		v, ok := snap.Lookup(i)
		require.True(t, ok)
		assert.Equal(t, "old", v)
	}
	_, ok := snap.Lookup(60)
	assert.False(t, ok)

	v, _ := tr.Lookup(1)
	assert.Equal(t, "changed", v)
	assert.Equal(t, 55, tr.Len())

	// A scan over a snapshot does not observe later writes.
	seq := tr.Clone().Ascend()
	tr.Insert(1000, "late")
	assert.NotContains(t, keys(seq), uint64(1000))
}

func TestTree_BulkInsertEmptyTree(t *testing.T) {
	for _, n := range []int{1, 3, 4, 5, 17, 1000} {
		tr := newTree(t, 2, 4)
		pairs := make([]Pair[uint64, string], n)
		for i := range pairs {
			pairs[i] = Pair[uint64, string]{Key: uint64(i * 10), Value: "b"}
		}
		require.NoError(t, tr.BulkInsert(pairs))
		require.NoError(t, tr.Check(), "n=%d", n)
		assert.Equal(t, n, tr.Len())

		v, ok := tr.Lookup(uint64((n - 1) * 10))
		require.True(t, ok)
		assert.Equal(t, "b", v)
	}
}

func TestTree_BulkInsertIntoExisting(t *testing.T) {
	tr := newTree(t, 3, 6)
	for i := uint64(0); i < 300; i += 3 {
		tr.Insert(i, "a")
	}
	snap := tr.Clone()

	// Small batch: repeated inserts.
	require.NoError(t, tr.BulkInsert([]Pair[uint64, string]{{Key: 1, Value: "s"}, {Key: 3, Value: "s"}}))
	require.NoError(t, tr.Check())
	assert.Equal(t, 101, tr.Len())

	// Large batch: merge and rebuild.
	var pairs []Pair[uint64, string]
	for i := uint64(2); i < 600; i += 3 {
		pairs = append(pairs, Pair[uint64, string]{Key: i, Value: "l"})
	}
	pairs = append([]Pair[uint64, string]{{Key: 0, Value: "l"}}, pairs...)
	require.NoError(t, tr.BulkInsert(pairs))
	require.NoError(t, tr.Check())
	assert.Equal(t, 101+len(pairs)-1, tr.Len())

	v, _ := tr.Lookup(0)
	assert.Equal(t, "l", v)
	v, _ = tr.Lookup(3)
	assert.Equal(t, "s", v)

	assert.Equal(t, 100, snap.Len())
	require.NoError(t, snap.Check())
}

func TestTree_BulkInsertRejectsUnsorted(t *testing.T) {
	tr := newTree(t, 2, 4)
	tr.Insert(1, "x")

	err := tr.BulkInsert([]Pair[uint64, string]{{Key: 5}, {Key: 3}})
	assert.ErrorIs(t, err, ErrUnsortedBatch)
	err = tr.BulkInsert([]Pair[uint64, string]{{Key: 5}, {Key: 5}})
	assert.ErrorIs(t, err, ErrUnsortedBatch)

	assert.Equal(t, 1, tr.Len())
	assert.Equal(t, []uint64{1}, keys(tr.Ascend()))
}

func TestTree_BulkInsertEmptyIsNoop(t *testing.T) {
	tr := newTree(t, 2, 4)
	tr.Insert(1, "x")
	require.NoError(t, tr.BulkInsert(nil))
	assert.Equal(t, 1, tr.Len())
	assert.Equal(t, 1, tr.Height())
}

type compositeKey struct {
	field string
	id    uint64
}

func TestTree_CompositeKeys(t *testing.T) {
	cmpKey := func(a, b compositeKey) int {
		if c := cmp.Compare(a.field, b.field); c != 0 {
			return c
		}
		return cmp.Compare(a.id, b.id)
	}
	tr, err := New[compositeKey, struct{}](cmpKey, Config{MinFanout: 2, MaxFanout: 4})
	require.NoError(t, err)

	for i := uint64(0); i < 30; i++ {
		tr.Insert(compositeKey{field: []string{"a", "b", "c"}[i%3], id: i}, struct{}{})
	}
	var ids []uint64
	for k := range tr.RangeScan(compositeKey{field: "b"}, compositeKey{field: "b", id: ^uint64(0)}) {
		ids = append(ids, k.id)
	}
	assert.Len(t, ids, 10)
	assert.True(t, slices.IsSorted(ids))
}

func BenchmarkTree_Insert(b *testing.B) {
	tr, _ := New[uint64, uint64](cmp.Compare[uint64], DefaultConfig())
	r := rand.New(rand.NewSource(1))
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		tr.Insert(r.Uint64(), uint64(i))
	}
}
