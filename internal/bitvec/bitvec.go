package bitvec

import (
	"encoding/binary"
	"fmt"
	"math/bits"
)

// Scheme identifies a quantization scheme. It is persisted in segment headers
// and the manifest so data is never decoded under a different rule.
type Scheme uint8

const (
	// SchemeSignV1 sets bit i iff v[i] >= 0.
	SchemeSignV1 Scheme = 1
)

// ErrDimensionMismatch indicates operands of different bit widths.
type ErrDimensionMismatch struct {
	Expected int
	Actual   int
}

func (e *ErrDimensionMismatch) Error() string {
	return fmt.Sprintf("dimension mismatch: expected %d, got %d", e.Expected, e.Actual)
}

// ByteLen returns the packed size of a vector with dim bits.
func ByteLen(dim int) int {
	return (dim + 7) / 8
}

// BitVector is a packed binary embedding. Data may alias a memory mapping.
type BitVector struct {
	Dim  int
	Data []byte
}

// FromBytes wraps packed bytes without copying.
func FromBytes(dim int, data []byte) (BitVector, error) {
	if len(data) != ByteLen(dim) {
		return BitVector{}, &ErrDimensionMismatch{Expected: ByteLen(dim) * 8, Actual: len(data) * 8}
	}
	return BitVector{Dim: dim, Data: data}, nil
}

// Bit reports whether bit i is set.
func (b BitVector) Bit(i int) bool {
	return b.Data[i>>3]&(1<<(i&7)) != 0
}

// Clone returns a copy that does not alias the receiver's storage.
func (b BitVector) Clone() BitVector {
	out := make([]byte, len(b.Data))
	copy(out, b.Data)
	return BitVector{Dim: b.Dim, Data: out}
}

// Equal reports whether both vectors have the same width and bits.
func (b BitVector) Equal(o BitVector) bool {
	if b.Dim != o.Dim || len(b.Data) != len(o.Data) {
		return false
	}
	for i := range b.Data {
		if b.Data[i] != o.Data[i] {
			return false
		}
	}
	return true
}

// Quantizer encodes float32 embeddings of a fixed dimension.
// It is immutable and safe for concurrent use.
type Quantizer struct {
	dim       int
	threshold float32
}

// NewQuantizer returns a sign quantizer for dim-dimensional embeddings.
func NewQuantizer(dim int) (*Quantizer, error) {
	if dim <= 0 {
		return nil, fmt.Errorf("bitvec: invalid dimension %d", dim)
	}
	return &Quantizer{dim: dim}, nil
}

// Dimension returns the expected embedding dimension.
func (q *Quantizer) Dimension() int { return q.dim }

// Scheme returns the quantization scheme id.
func (q *Quantizer) Scheme() Scheme { return SchemeSignV1 }

// Encode quantizes v. NaN components encode as 0.
func (q *Quantizer) Encode(v []float32) (BitVector, error) {
	if len(v) != q.dim {
		return BitVector{}, &ErrDimensionMismatch{Expected: q.dim, Actual: len(v)}
	}
	out := make([]byte, ByteLen(q.dim))
	for i, x := range v {
		if x >= q.threshold {
			out[i>>3] |= 1 << (i & 7)
		}
	}
	return BitVector{Dim: q.dim, Data: out}, nil
}

// Decode is a lossy reconstruction mapping set bits to +1 and clear bits to -1.
func (q *Quantizer) Decode(b BitVector) ([]float32, error) {
	if b.Dim != q.dim || len(b.Data) != ByteLen(q.dim) {
		return nil, &ErrDimensionMismatch{Expected: q.dim, Actual: b.Dim}
	}
	out := make([]float32, q.dim)
	for i := range out {
		if b.Bit(i) {
			out[i] = 1
		} else {
			out[i] = -1
		}
	}
	return out, nil
}

// Distance returns the Hamming distance between a and b.
func Distance(a, b BitVector) (uint32, error) {
	if a.Dim != b.Dim || len(a.Data) != len(b.Data) {
		return 0, &ErrDimensionMismatch{Expected: a.Dim, Actual: b.Dim}
	}
	return hamming(a.Data, b.Data), nil
}

// hamming XORs 8-byte words and counts set bits; the tail is done per byte.
func hamming(a, b []byte) uint32 {
	var dist int
	i := 0
	for ; i+8 <= len(a); i += 8 {
		dist += bits.OnesCount64(binary.LittleEndian.Uint64(a[i:]) ^ binary.LittleEndian.Uint64(b[i:]))
	}
	for ; i < len(a); i++ {
		dist += bits.OnesCount8(a[i] ^ b[i])
	}
	return uint32(dist)
}
