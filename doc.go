// Package vecbit provides an embedded, single-node vector database for
// binary-quantized embeddings.
//
// Each embedding is reduced to one bit per dimension (the sign of the
// component) and compared by Hamming distance. Search is exact: every
// candidate that passes the metadata filter is scored, and secondary indexes
// on metadata fields narrow the candidates first.
//
// # Quick Start
//
//	db, err := vecbit.Open("./data", vecbit.WithDimension(768), vecbit.WithIndexedFields("category"))
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer db.Close()
//
//	doc, _ := metadata.DocumentFromAny(map[string]any{"category": "news", "year": 2024})
//	err = db.Insert(ctx, 42, embedding, doc)
//
//	results, err := db.Search(ctx, query, metadata.Eq("category", "news"), 10)
//	for _, r := range results {
//	    fmt.Println(r.ID, r.Distance)
//	}
//
// The fluent form:
//
//	results, err := db.Query(query).KNN(10).Where(metadata.Gte("year", 2020)).Execute(ctx)
//
// # Durability Model
//
// Every write is appended to a write-ahead log before it becomes visible.
// With SyncEveryWrite (the default) a write returns after its fsync; with
// SyncBatched writes share a periodic fsync. Checkpoints seal unsealed
// records into immutable, memory-mapped segment files, commit a manifest
// and truncate the log. Open replays the log on top of the last checkpoint,
// tolerating a torn final entry.
//
// # Replication and Backup
//
// Changes streams durable mutations in sequence order for followers.
// WithArchive (or Archive) copies each checkpoint to a blobstore.BlobStore
// such as MinIO or S3, and Restore opens a copy of it.
package vecbit
