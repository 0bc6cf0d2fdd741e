// Package engine implements a single collection of the vector database.
//
// The engine orchestrates:
//   - A write-ahead log: every mutation is logged before it is indexed
//   - A primary B+Tree from record id to location (unsealed record or
//     segment offset) and one secondary B+Tree per indexed metadata field
//   - Immutable, memory-mapped segments sealed by checkpoints
//   - Reference counted snapshots, so readers never block on the writer
//   - Background checkpoint and compaction loops
//   - Recovery: committed checkpoint plus replay of later log entries
//
// # Checkpoints
//
// A checkpoint freezes the unsealed records and rotates the log while
// holding the writer lock, writes the new segment without it, swaps the
// sealed locations back in, then commits an index snapshot and manifest and
// purges the log files it covers.
//
// # Directory Layout
//
//	CURRENT                 name of the committed manifest
//	MANIFEST-000007.bin     checkpoint manifest
//	SNAPSHOT-000007.bin     primary index at the checkpoint
//	segments/<id>.vbs       sealed segments
//	wal/<firstSeq>.wal      log files
package engine
