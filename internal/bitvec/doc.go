// Package bitvec implements the binary codec: sign quantization of float32
// embeddings into packed bit vectors and Hamming distance between them.
//
// Bit i of a vector is stored in byte i/8 at bit position i%8 (LSB first).
// Unused high bits of the last byte are always zero.
package bitvec
