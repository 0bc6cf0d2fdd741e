package integration_test

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/vecbit"
	"github.com/hupe1980/vecbit/blobstore"
	"github.com/hupe1980/vecbit/metadata"
	"github.com/hupe1980/vecbit/testutil"
)

const dim = 96

type dataset struct {
	codes      [][]byte // codes[id], nil when absent
	embeddings [][]float32
	category   []string
}

func newDataset(rng *testutil.RNG, n int) *dataset {
	ds := &dataset{
		codes:      make([][]byte, n+1),
		embeddings: make([][]float32, n+1),
		category:   make([]string, n+1),
	}
	for i, emb := range rng.ClusteredEmbeddings(n, dim, 6, 0.3) {
		id := i + 1
		ds.embeddings[id] = emb
		ds.codes[id] = testutil.Quantize(emb)
		ds.category[id] = fmt.Sprintf("c%d", rng.Zipf(5, 1.5))
	}
	return ds
}

func (ds *dataset) items(from, to int) []vecbit.Item {
	items := make([]vecbit.Item, 0, to-from+1)
	for id := from; id <= to; id++ {
		items = append(items, vecbit.Item{
			ID:        uint64(id),
			Embedding: ds.embeddings[id],
			Metadata:  metadata.Document{"category": metadata.String(ds.category[id])},
		})
	}
	return items
}

func resultsOf(res []vecbit.Result) []testutil.SearchResult {
	out := make([]testutil.SearchResult, len(res))
	for i, r := range res {
		out[i] = testutil.SearchResult{ID: r.ID, Distance: r.Distance}
	}
	return out
}

// Searches over a mix of sealed segments, unsealed records and tombstones
// return exactly the brute-force answer.
func TestExactnessAcrossTiers(t *testing.T) {
	ctx := context.Background()
	rng := testutil.NewRNG(2)
	ds := newDataset(rng, 600)

	db, err := vecbit.Open(t.TempDir(),
		vecbit.WithDimension(dim),
		vecbit.WithIndexedFields("category"),
		vecbit.WithCheckpointInterval(0),
		vecbit.WithParallelism(4),
	)
	require.NoError(t, err)
	defer db.Close()

	for from := 1; from <= 600; from += 200 {
		require.NoError(t, db.BulkInsert(ctx, ds.items(from, from+199)))
		if from < 401 {
			require.NoError(t, db.Checkpoint(ctx))
		}
	}
	for id := 7; id <= 600; id += 7 {
		require.NoError(t, db.Delete(ctx, uint64(id)))
		ds.codes[id] = nil
	}

	stats := db.Stats()
	assert.Equal(t, 2, stats.Segments)
	assert.Equal(t, 600-600/7, stats.Records)

	for q := range 20 {
		query := rng.Embedding(dim)
		category := fmt.Sprintf("c%d", q%5)
		keep := func(id uint64) bool { return ds.category[id] == category }

		got, err := db.Search(ctx, query, metadata.Eq("category", category), 10)
		require.NoError(t, err)
		want := testutil.BruteForceSearch(ds.codes, testutil.Quantize(query), 10, keep)
		assert.Equal(t, want, resultsOf(got), "query %d", q)

		got, err = db.Search(ctx, query, nil, 10)
		require.NoError(t, err)
		want = testutil.BruteForceSearch(ds.codes, testutil.Quantize(query), 10, nil)
		assert.Equal(t, want, resultsOf(got), "unfiltered query %d", q)
	}
}

// A follower that applies the change stream converges to the leader.
func TestFollowerReplication(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	rng := testutil.NewRNG(3)
	ds := newDataset(rng, 50)

	leader, err := vecbit.Open(t.TempDir(), vecbit.WithDimension(dim), vecbit.WithCheckpointInterval(0))
	require.NoError(t, err)
	defer leader.Close()
	follower, err := vecbit.Open(t.TempDir(), vecbit.WithDimension(dim), vecbit.WithCheckpointInterval(0))
	require.NoError(t, err)
	defer follower.Close()

	require.NoError(t, leader.BulkInsert(ctx, ds.items(1, 40)))
	for id := uint64(1); id <= 10; id++ {
		require.NoError(t, leader.Delete(ctx, id))
	}
	require.NoError(t, leader.BulkInsert(ctx, ds.items(41, 50)))
	require.NoError(t, leader.Insert(ctx, 5, ds.embeddings[6], nil))
	last := leader.Stats().LastSeq

	for c, err := range leader.Changes(ctx, 0) {
		require.NoError(t, err)
		switch c.Op {
		case vecbit.OpInsert:
			require.NoError(t, follower.Insert(ctx, c.ID, testutil.Dequantize(c.Bits, dim), c.Metadata))
		case vecbit.OpDelete:
			require.NoError(t, follower.Delete(ctx, c.ID))
		}
		if c.Seq == last {
			break
		}
	}

	assert.Equal(t, leader.Stats().Records, follower.Stats().Records)
	for id := uint64(1); id <= 50; id++ {
		want, wantErr := leader.Get(ctx, id)
		got, gotErr := follower.Get(ctx, id)
		if wantErr != nil {
			assert.ErrorIs(t, gotErr, vecbit.ErrNotFound, "id %d", id)
			continue
		}
		require.NoError(t, gotErr, "id %d", id)
		assert.Equal(t, want.Bits, got.Bits, "id %d", id)
	}
}

func TestArchiveRestore(t *testing.T) {
	ctx := context.Background()
	rng := testutil.NewRNG(4)
	ds := newDataset(rng, 300)
	archive := blobstore.NewMemoryStore()

	db, err := vecbit.Open(t.TempDir(),
		vecbit.WithDimension(dim),
		vecbit.WithIndexedFields("category"),
		vecbit.WithCompression(vecbit.CompressionZSTD),
		vecbit.WithCheckpointInterval(0),
	)
	require.NoError(t, err)
	defer db.Close()

	require.NoError(t, db.BulkInsert(ctx, ds.items(1, 300)))
	require.NoError(t, db.Checkpoint(ctx))
	stats, err := db.Archive(ctx, archive)
	require.NoError(t, err)
	assert.Positive(t, stats.Segments)

	restored, _, err := vecbit.Restore(ctx, archive, t.TempDir(),
		vecbit.WithDimension(dim),
		vecbit.WithIndexedFields("category"),
		vecbit.WithCheckpointInterval(0),
	)
	require.NoError(t, err)
	defer restored.Close()

	query := rng.Embedding(dim)
	filter := metadata.In("category", "c0", "c2")
	want, err := db.Search(ctx, query, filter, 15)
	require.NoError(t, err)
	got, err := restored.Search(ctx, query, filter, 15)
	require.NoError(t, err)
	assert.Equal(t, resultsOf(want), resultsOf(got))
}
