package hash

import (
	"hash"
	"hash/crc32"
)

// Algorithm identifies a checksum scheme in on-disk headers.
type Algorithm uint8

const (
	// AlgorithmCRC32C is CRC32 with the Castagnoli polynomial.
	AlgorithmCRC32C Algorithm = 1
)

var crc32cTable = crc32.MakeTable(crc32.Castagnoli)

// CRC32C computes the CRC32-Castagnoli checksum of data.
func CRC32C(data []byte) uint32 {
	return crc32.Checksum(data, crc32cTable)
}

// UpdateCRC32C extends a running CRC32C with data.
func UpdateCRC32C(crc uint32, data []byte) uint32 {
	return crc32.Update(crc, crc32cTable, data)
}

// NewCRC32C returns a streaming CRC32-Castagnoli hash.Hash32.
func NewCRC32C() hash.Hash32 {
	return crc32.New(crc32cTable)
}

// Supported reports whether a is a checksum algorithm this build can verify.
func Supported(a Algorithm) bool {
	return a == AlgorithmCRC32C
}
