// Package segment implements immutable, memory-mapped vector segment files.
//
// A segment holds the records sealed by one checkpoint. Layout (little endian):
//
//	header (64 bytes)
//	  magic "VBS1" | version u16 | checksumAlgo u8 | scheme u8
//	  dimBits u32 | compression u8 | pad [3]
//	  recordCount u64 | createSeq u64 | minID u64 | maxID u64
//	  checksum u32 | reserved [12]
//	records
//	  id u64 | bitvector [ceil(dimBits/8)] | metaLen u32 | meta [metaLen]
//	footer (8 bytes)
//	  checksum u32 | endMagic "VBSE"
//
// The checksum is CRC32C over the record region. With compression enabled
// the meta bytes are a block: [uncompressed u32][compressed u32][data], where
// compressed == 0 means the data is stored raw.
//
// Files are written to a temporary name, fsynced, renamed and the directory
// fsynced before a handle is returned. Readers get zero-copy views into the
// mapping; a Segment is reference counted and unmapped on the last DecRef.
package segment
