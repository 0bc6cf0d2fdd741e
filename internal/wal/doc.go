// Package wal implements the write-ahead log.
//
// The log is a directory of files named <firstSeq:020d>.wal. Each file starts
// with a 24-byte header
//
//	magic "VBITWAL\x00" | version u32 | checksumAlgo u8 | pad [3] | firstSeq u64
//
// followed by entries
//
//	seq u64 | op u8 | recordID u64 | payloadLen u32 | payload | crc32c u32
//
// where the checksum covers every preceding byte of the entry. Sequence
// numbers are assigned by the log, start at firstSeq and have no gaps, also
// across files.
//
// Append returns once the entry is durable under the configured SyncMode.
// SyncEveryWrite group-commits concurrent appenders behind a single fsync;
// SyncBatched fsyncs on a fixed interval. A checksum or short-read failure on
// the final entry of the last file is a torn write and is truncated away on
// open; any other damage is ErrCorruptLog.
package wal
