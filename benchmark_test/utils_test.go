package benchmark_test

import (
	"context"
	"fmt"
	"testing"

	"github.com/hupe1980/vecbit"
	"github.com/hupe1980/vecbit/metadata"
	"github.com/hupe1980/vecbit/testutil"
)

const bucketCount = 100 // enables 1% steps via "bucket < threshold"

func baseOptions(dim, numVecs int) []vecbit.Option {
	return []vecbit.Option{
		vecbit.WithDimension(dim),
		vecbit.WithIndexedFields("bucket"),
		vecbit.WithCheckpointInterval(0),
		vecbit.WithSegmentThreshold(numVecs + 1),
		vecbit.WithSyncMode(vecbit.SyncBatched),
	}
}

// load opens a collection in a temp dir and bulk loads numVecs records.
func load(b *testing.B, dim, numVecs int, opts ...vecbit.Option) *vecbit.DB {
	b.Helper()
	db := loadInto(b, b.TempDir(), dim, numVecs, opts...)
	b.Cleanup(func() { _ = db.Close() })
	return db
}

// loadInto bulk loads numVecs records into dir in batches. Record i gets
// bucket i % bucketCount.
func loadInto(b *testing.B, dir string, dim, numVecs int, opts ...vecbit.Option) *vecbit.DB {
	b.Helper()
	db, err := vecbit.Open(dir, append(baseOptions(dim, numVecs), opts...)...)
	if err != nil {
		b.Fatalf("failed to open: %v", err)
	}

	const batchSize = 1000
	ctx := context.Background()
	rng := testutil.NewRNG(1)
	for start := 0; start < numVecs; start += batchSize {
		end := min(start+batchSize, numVecs)
		items := make([]vecbit.Item, 0, end-start)
		for i := start; i < end; i++ {
			items = append(items, vecbit.Item{
				ID:        uint64(i + 1),
				Embedding: rng.Embedding(dim),
				Metadata:  metadata.Document{"bucket": metadata.Int(int64(i % bucketCount))},
			})
		}
		if err := db.BulkInsert(ctx, items); err != nil {
			b.Fatalf("bulk insert: %v", err)
		}
	}
	return db
}

func sizeName(dim, n int) string {
	return fmt.Sprintf("dim=%d/n=%d", dim, n)
}
