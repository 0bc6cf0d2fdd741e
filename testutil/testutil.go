package testutil

import (
	"math"
	"math/bits"
	"math/rand"
	"slices"
	"sync"
)

// SearchResult represents a search result.
type SearchResult struct {
	ID       uint64
	Distance uint32
}

// RNG struct encapsulates the random number generator and seed.
// It is thread-safe.
type RNG struct {
	rand *rand.Rand
	seed int64
	mu   sync.Mutex
}

// NewRNG creates a new RNG instance with the specified seed.
func NewRNG(seed int64) *RNG {
	return &RNG{
		rand: rand.New(rand.NewSource(seed)),
		seed: seed,
	}
}

// Reset resets the RNG to its initial seed.
func (r *RNG) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rand.Seed(r.seed)
}

// Seed returns the initial seed.
func (r *RNG) Seed() int64 {
	return r.seed
}

// Intn returns a non-negative pseudo-random number in [0,n).
func (r *RNG) Intn(n int) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rand.Intn(n)
}

// Embedding returns a vector with components uniform in [-1, 1), so each
// quantized bit is set with probability one half.
func (r *RNG) Embedding(dim int) []float32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	v := make([]float32, dim)
	for i := range v {
		v[i] = r.rand.Float32()*2 - 1
	}
	return v
}

// Embeddings generates num embeddings backed by a single array.
func (r *RNG) Embeddings(num, dim int) [][]float32 {
	r.mu.Lock()
	defer r.mu.Unlock()

	data := make([]float32, num*dim)
	out := make([][]float32, num)
	for i := range num {
		vec := data[i*dim : (i+1)*dim]
		for j := range vec {
			vec[j] = r.rand.Float32()*2 - 1
		}
		out[i] = vec
	}
	return out
}

// ClusteredEmbeddings generates num embeddings around the given number of
// random centers. Lower spread gives tighter clusters and therefore smaller
// Hamming distances within a cluster.
func (r *RNG) ClusteredEmbeddings(num, dim, clusters int, spread float32) [][]float32 {
	centers := r.Embeddings(clusters, dim)

	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([][]float32, num)
	for i := range num {
		c := centers[i%clusters]
		vec := make([]float32, dim)
		for j := range vec {
			vec[j] = c[j] + float32(r.rand.NormFloat64())*spread
		}
		out[i] = vec
	}
	return out
}

// Zipf returns a Zipf-distributed value in [0, n) with exponent s > 1.
// Useful for skewed metadata such as a few dominant categories.
func (r *RNG) Zipf(n int, s float64) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	z := rand.NewZipf(r.rand, s, 1, uint64(n-1))
	return int(z.Uint64())
}

// SparseMetadata reports per record whether an optional field is present.
// missingRate is the probability that a field is missing (0.3 = 30% missing).
func (r *RNG) SparseMetadata(n int, missingRate float64) []bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	present := make([]bool, n)
	for i := range n {
		present[i] = r.rand.Float64() >= missingRate
	}
	return present
}

// Quantize packs the sign bits of v, bit i at byte i/8, bit position i%8.
// A component maps to 1 iff it is >= 0; NaN maps to 0.
func Quantize(v []float32) []byte {
	out := make([]byte, (len(v)+7)/8)
	for i, x := range v {
		if x >= 0 && !math.IsNaN(float64(x)) {
			out[i/8] |= 1 << (i % 8)
		}
	}
	return out
}

// QuantizeAll quantizes every embedding.
func QuantizeAll(vs [][]float32) [][]byte {
	out := make([][]byte, len(vs))
	for i, v := range vs {
		out[i] = Quantize(v)
	}
	return out
}

// Hamming returns the number of differing bits of two equally sized codes.
func Hamming(a, b []byte) uint32 {
	var d int
	for i := range a {
		d += bits.OnesCount8(a[i] ^ b[i])
	}
	return uint32(d)
}

// BruteForceSearch performs exact search for ground truth. codes[i] is the
// code of id i. Records for which keep returns false are skipped; a nil keep
// keeps all. Ties are broken by ascending id.
func BruteForceSearch(codes [][]byte, query []byte, k int, keep func(id uint64) bool) []SearchResult {
	results := make([]SearchResult, 0, len(codes))
	for i, c := range codes {
		if c == nil || (keep != nil && !keep(uint64(i))) {
			continue
		}
		results = append(results, SearchResult{ID: uint64(i), Distance: Hamming(query, c)})
	}

	slices.SortFunc(results, func(a, b SearchResult) int {
		if a.Distance != b.Distance {
			return int(a.Distance) - int(b.Distance)
		}
		switch {
		case a.ID < b.ID:
			return -1
		case a.ID > b.ID:
			return 1
		}
		return 0
	})

	if len(results) > k {
		results = results[:k]
	}
	return results
}

// Dequantize returns an embedding that quantizes back to code: +1 for set
// bits and -1 otherwise.
func Dequantize(code []byte, dim int) []float32 {
	v := make([]float32, dim)
	for i := range v {
		if code[i/8]>>(i%8)&1 == 1 {
			v[i] = 1
		} else {
			v[i] = -1
		}
	}
	return v
}
