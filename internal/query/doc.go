// Package query implements exact k-nearest-neighbor search over binary
// vectors with metadata filtering.
//
// A search narrows candidates through secondary indexes when the filter
// allows it, resolves each candidate through the Source, evaluates the full
// predicate, scores by Hamming distance and keeps the k best in a bounded
// heap. Candidates are scanned in parallel shards whose heaps are merged
// under the same (distance, id) ordering, so results are deterministic.
package query
