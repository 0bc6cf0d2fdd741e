// Package manifest persists checkpoints of a collection.
//
// # Overview
//
// A checkpoint consists of the sealed segment files, a snapshot of the
// primary index and a manifest that ties them together with the WAL
// sequence number they reflect. Recovery loads the manifest CURRENT points
// to, opens its segments, restores the primary index from the snapshot and
// replays the WAL from CheckpointSeq+1.
//
// # Layout
//
//	CURRENT                    name of the active manifest
//	MANIFEST-NNNNNN.bin        manifest version N
//	SNAPSHOT-NNNNNN.bin        primary index snapshot of version N
//	segments/<id:020d>.vbs     segment files
//	wal/<firstSeq:020d>.wal    log files
//
// # Binary Format
//
// Manifests and snapshots share a frame:
//
//	Header (16 bytes):
//	  Magic    (4 bytes) - "VBMF" for manifests, "VBSN" for snapshots
//	  Version  (4 bytes) - Format version (currently 1)
//	  Checksum (4 bytes) - CRC32C of payload
//	  Length   (4 bytes) - Payload length in bytes
//
// Manifest payloads are fixed-width little-endian fields (see WriteBinary).
// Strings are length-prefixed (2-byte length + bytes). Snapshot payloads are
// zstd-compressed msgpack holding a roaring bitmap of live IDs, run-length
// segment ids and per-record offsets.
//
// # Atomic Protocol
//
// Save writes MANIFEST-NNNNNN.bin and then replaces CURRENT. Both go through
// BlobStore.Put, which is atomic, so a crash leaves CURRENT pointing at either
// the previous or the new complete manifest.
package manifest
