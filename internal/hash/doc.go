// Package hash provides the checksums used by every vecbit file format.
//
// All WAL entries, segment record regions, manifests and index snapshots are
// protected with CRC32-Castagnoli (CRC32C). The algorithm id is written into
// each file header so a future scheme can be introduced without guessing at
// the layout of older files.
//
//	checksum := hash.CRC32C(data)
//
//	h := hash.NewCRC32C()
//	h.Write(chunk1)
//	h.Write(chunk2)
//	checksum := h.Sum32()
package hash
