package query

import (
	"context"
	"fmt"
	"iter"
	"math/rand"
	"slices"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/vecbit/internal/bitvec"
	"github.com/hupe1980/vecbit/internal/btree"
	"github.com/hupe1980/vecbit/metadata"
)

type memRecord struct {
	vec []byte
	doc metadata.Document
}

func (r memRecord) Vector() []byte                       { return r.vec }
func (r memRecord) Document() (metadata.Document, error) { return r.doc, nil }

type memSource struct {
	dim     int
	records map[uint64]memRecord
	indexes map[string]*Secondary
}

func newMemSource(t *testing.T, dim int, fields ...string) *memSource {
	t.Helper()
	s := &memSource{dim: dim, records: map[uint64]memRecord{}, indexes: map[string]*Secondary{}}
	for _, f := range fields {
		idx, err := NewSecondary(btree.Config{MinFanout: 2, MaxFanout: 4})
		require.NoError(t, err)
		s.indexes[f] = idx
	}
	return s
}

func (s *memSource) put(id uint64, vec bitvec.BitVector, doc metadata.Document) {
	s.records[id] = memRecord{vec: vec.Data, doc: doc}
	for field, idx := range s.indexes {
		if v, ok := IndexValue(doc, field); ok {
			idx.Insert(IndexKey{Value: v, ID: id}, struct{}{})
		}
	}
}

func (s *memSource) Dimension() int { return s.dim }

func (s *memSource) Live() iter.Seq[uint64] {
	return func(yield func(uint64) bool) {
		ids := make([]uint64, 0, len(s.records))
		for id := range s.records {
			ids = append(ids, id)
		}
		slices.Sort(ids)
		for _, id := range ids {
			if !yield(id) {
				return
			}
		}
	}
}

func (s *memSource) Load(id uint64) (Record, bool, error) {
	r, ok := s.records[id]
	if !ok {
		return nil, false, nil
	}
	return r, true, nil
}

func (s *memSource) Index(field string) (*Secondary, bool) {
	idx, ok := s.indexes[field]
	return idx, ok
}

func randomVector(t *testing.T, rng *rand.Rand, q *bitvec.Quantizer) bitvec.BitVector {
	t.Helper()
	v := make([]float32, q.Dimension())
	for i := range v {
		v[i] = rng.Float32()*2 - 1
	}
	bv, err := q.Encode(v)
	require.NoError(t, err)
	return bv
}

func TestTopKOrdering(t *testing.T) {
	h := newTopK(3)
	for _, it := range []item{
		{id: 5, dist: 2},
		{id: 1, dist: 7},
		{id: 9, dist: 2},
		{id: 3, dist: 2},
		{id: 2, dist: 0},
	} {
		h.push(it)
	}

	got := h.sorted()
	require.Len(t, got, 3)
	assert.Equal(t, []uint64{2, 3, 5}, []uint64{got[0].id, got[1].id, got[2].id})

	h = newTopK(1)
	h.push(item{id: 4, dist: 1})
	assert.False(t, h.accepts(5, 1))
	assert.True(t, h.accepts(3, 1))
	assert.True(t, h.accepts(9, 0))
}

func TestSearchValidation(t *testing.T) {
	src := newMemSource(t, 16)
	ex := NewExecutor(Options{})
	q := bitvec.BitVector{Dim: 16, Data: make([]byte, 2)}

	_, err := ex.Search(context.Background(), src, Request{Query: q, K: 0})
	assert.ErrorIs(t, err, ErrInvalidK)

	_, err = ex.Search(context.Background(), src, Request{Query: q, K: 1, Filter: metadata.And()})
	assert.ErrorIs(t, err, metadata.ErrInvalidFilter)

	_, err = ex.Search(context.Background(), src, Request{Query: bitvec.BitVector{Dim: 8, Data: make([]byte, 1)}, K: 1})
	var dm *bitvec.ErrDimensionMismatch
	require.ErrorAs(t, err, &dm)
	assert.Equal(t, 16, dm.Expected)
	assert.Equal(t, 8, dm.Actual)

	hits, err := ex.Search(context.Background(), src, Request{Query: q, K: 5})
	require.NoError(t, err)
	assert.Empty(t, hits)
}

func TestSearchExactTopK(t *testing.T) {
	src := newMemSource(t, 8)
	ex := NewExecutor(Options{Parallelism: 2})

	// Distances from the zero query equal the popcount of the single byte.
	for id, b := range map[uint64]byte{1: 0xFF, 2: 0x01, 3: 0x03, 4: 0x00, 5: 0x80, 6: 0x07} {
		src.put(id, bitvec.BitVector{Dim: 8, Data: []byte{b}}, metadata.Document{"id": metadata.Int(int64(id))})
	}

	hits, err := ex.Search(context.Background(), src, Request{Query: bitvec.BitVector{Dim: 8, Data: []byte{0}}, K: 4})
	require.NoError(t, err)
	require.Len(t, hits, 4)

	assert.Equal(t, uint64(4), hits[0].ID)
	assert.Equal(t, uint32(0), hits[0].Distance)
	// ids 2 and 5 tie at distance 1; the smaller id wins.
	assert.Equal(t, uint64(2), hits[1].ID)
	assert.Equal(t, uint64(5), hits[2].ID)
	assert.Equal(t, uint64(3), hits[3].ID)
	assert.Equal(t, metadata.Int(3), hits[3].Metadata["id"])
}

func TestSearchIndexedMatchesBruteForce(t *testing.T) {
	const dim = 64
	q, err := bitvec.NewQuantizer(dim)
	require.NoError(t, err)

	rng := rand.New(rand.NewSource(7))
	indexed := newMemSource(t, dim, "category", "price", "meta.rank")
	brute := newMemSource(t, dim)

	categories := []string{"a", "b", "c", "d"}
	for id := uint64(1); id <= 3000; id++ {
		vec := randomVector(t, rng, q)
		doc := metadata.Document{
			"category": metadata.String(categories[id%4]),
			"price":    metadata.Float(float64(id%100) / 2),
			"meta":     metadata.Object(metadata.Document{"rank": metadata.Int(int64(id % 10))}),
		}
		if id%7 == 0 {
			doc["price"] = metadata.Int(int64(id % 50))
		}
		indexed.put(id, vec, doc)
		brute.put(id, vec, doc)
	}

	filters := []*metadata.Filter{
		nil,
		metadata.Eq("category", "b"),
		metadata.In("category", "a", "c"),
		metadata.Gt("price", 20),
		metadata.Lte("price", 10.5),
		metadata.And(metadata.Eq("category", "a"), metadata.Lt("meta.rank", 4)),
		metadata.Or(metadata.Eq("category", "d"), metadata.Gte("meta.rank", 8)),
		metadata.And(metadata.Eq("category", "c"), metadata.Not(metadata.Eq("meta.rank", 2))),
		metadata.Or(metadata.Eq("category", "d"), metadata.Exists("missing")),
		metadata.Eq("category", "zzz"),
	}

	ex := NewExecutor(Options{Parallelism: 4})
	for i, f := range filters {
		t.Run(fmt.Sprintf("filter_%d", i), func(t *testing.T) {
			query := randomVector(t, rng, q)
			req := Request{Query: query, Filter: f, K: 25}

			got, err := ex.Search(context.Background(), indexed, req)
			require.NoError(t, err)
			want, err := ex.Search(context.Background(), brute, req)
			require.NoError(t, err)

			assert.Equal(t, want, got)
			for _, h := range got {
				assert.True(t, f.Matches(h.Metadata))
			}
		})
	}

	plan := ex.Explain(indexed, metadata.Eq("category", "b"))
	assert.True(t, plan.Indexed)
	assert.Equal(t, uint64(750), plan.Candidates)

	plan = ex.Explain(indexed, metadata.Ne("category", "b"))
	assert.False(t, plan.Indexed)
	assert.Equal(t, uint64(3000), plan.Candidates)
}

func TestNarrowRanges(t *testing.T) {
	src := newMemSource(t, 8, "n")
	for id := uint64(1); id <= 10; id++ {
		v := metadata.Int(int64(id))
		if id%2 == 0 {
			v = metadata.Float(float64(id))
		}
		src.put(id, bitvec.BitVector{Dim: 8, Data: []byte{0}}, metadata.Document{"n": v})
	}
	src.put(11, bitvec.BitVector{Dim: 8, Data: []byte{0}}, metadata.Document{"n": metadata.String("x")})

	tests := []struct {
		filter *metadata.Filter
		want   []uint64
	}{
		{metadata.Gt("n", 8), []uint64{9, 10}},
		{metadata.Gte("n", 8.0), []uint64{8, 9, 10}},
		{metadata.Lt("n", 3), []uint64{1, 2}},
		{metadata.Lte("n", 3), []uint64{1, 2, 3}},
		{metadata.Eq("n", 4), []uint64{4}},
		{metadata.In("n", 1, 6.0, "x"), []uint64{1, 6, 11}},
		{metadata.And(metadata.Gt("n", 2), metadata.Lt("n", 5)), []uint64{3, 4}},
	}
	for _, tt := range tests {
		t.Run(tt.filter.String(), func(t *testing.T) {
			bm, ok := narrow(tt.filter, src)
			require.True(t, ok)
			assert.Equal(t, tt.want, bm.ToArray())
		})
	}
}

func TestSearchSkipsUnresolvedCandidates(t *testing.T) {
	src := newMemSource(t, 8, "c")
	src.put(1, bitvec.BitVector{Dim: 8, Data: []byte{0}}, metadata.Document{"c": metadata.String("x")})
	src.put(2, bitvec.BitVector{Dim: 8, Data: []byte{1}}, metadata.Document{"c": metadata.String("x")})
	// Simulate a deletion that left a stale index entry behind.
	delete(src.records, 1)

	hits, err := NewExecutor(Options{}).Search(context.Background(), src, Request{
		Query:  bitvec.BitVector{Dim: 8, Data: []byte{0}},
		Filter: metadata.Eq("c", "x"),
		K:      10,
	})
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, uint64(2), hits[0].ID)
}

func TestSearchHitsOwnTheirMetadata(t *testing.T) {
	src := newMemSource(t, 8, "c")
	src.put(1, bitvec.BitVector{Dim: 8, Data: []byte{0}}, metadata.Document{
		"c":    metadata.String("x"),
		"tags": metadata.Array([]metadata.Value{metadata.String("t1")}),
	})

	for _, filter := range []*metadata.Filter{nil, metadata.Eq("c", "x")} {
		hits, err := NewExecutor(Options{}).Search(context.Background(), src, Request{
			Query:  bitvec.BitVector{Dim: 8, Data: []byte{0}},
			Filter: filter,
			K:      1,
		})
		require.NoError(t, err)
		require.Len(t, hits, 1)

		hits[0].Metadata["c"] = metadata.String("y")
		hits[0].Metadata["tags"].A[0] = metadata.String("t2")

		stored := src.records[1].doc
		assert.Equal(t, metadata.String("x"), stored["c"])
		assert.Equal(t, metadata.String("t1"), stored["tags"].A[0])
	}
}

func TestSearchCanceled(t *testing.T) {
	src := newMemSource(t, 8)
	for id := uint64(1); id <= 5000; id++ {
		src.put(id, bitvec.BitVector{Dim: 8, Data: []byte{byte(id)}}, nil)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := NewExecutor(Options{Parallelism: 2}).Search(ctx, src, Request{
		Query: bitvec.BitVector{Dim: 8, Data: []byte{0}},
		K:     3,
	})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestShardSizes(t *testing.T) {
	ex := NewExecutor(Options{Parallelism: 4})
	ids := make([]uint64, 10_000)
	shards := ex.shard(ids)
	assert.Len(t, shards, 4)

	total := 0
	for _, s := range shards {
		total += len(s)
	}
	assert.Equal(t, len(ids), total)

	assert.Len(t, ex.shard(make([]uint64, 10)), 1)
}
