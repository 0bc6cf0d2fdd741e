// Package testutil provides testing utilities for vecbit.
//
// This package is intended for use in tests and benchmarks only.
// It provides helpers for generating random embeddings, quantizing them the
// way the collection does, and computing exact filtered nearest neighbors.
//
// # Random Embedding Generation
//
//	rng := testutil.NewRNG(seed)
//	emb := rng.Embedding(768)            // uniform [-1, 1)
//	embs := rng.ClusteredEmbeddings(1000, 768, 8, 0.1)
//
// # Exact Search (Ground Truth)
//
//	codes := testutil.QuantizeAll(embs)
//	want := testutil.BruteForceSearch(codes, testutil.Quantize(query), 10, nil)
package testutil
