package query

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"runtime"

	"golang.org/x/sync/errgroup"

	"github.com/hupe1980/vecbit/internal/bitvec"
	"github.com/hupe1980/vecbit/metadata"
)

// ErrInvalidK is returned when k is not positive.
var ErrInvalidK = errors.New("query: k must be positive")

const (
	// minShard is the smallest number of candidates worth a goroutine.
	minShard = 1024
	// checkEvery is how often, in candidates, a shard polls its context.
	checkEvery = 256
)

// Record is a resolved live record.
type Record interface {
	// Vector returns the packed bits. The slice may alias a memory mapping
	// and is only valid while the Source is.
	Vector() []byte
	// Document decodes the metadata. The result may be shared with the
	// Source and must not be modified.
	Document() (metadata.Document, error)
}

// Source is a consistent read-only view of a collection.
type Source interface {
	// Dimension is the bit width of every vector.
	Dimension() int
	// Live yields every live id in ascending order.
	Live() iter.Seq[uint64]
	// Load resolves an id through the primary index. ok is false for ids
	// that are absent or deleted.
	Load(id uint64) (rec Record, ok bool, err error)
	// Index returns the secondary index for a field path.
	Index(field string) (*Secondary, bool)
}

// Request is a k-nearest-neighbor query.
type Request struct {
	Query  bitvec.BitVector
	Filter *metadata.Filter
	K      int
}

// Hit is a search result. Metadata is a private copy.
type Hit struct {
	ID       uint64
	Distance uint32
	Metadata metadata.Document
}

// Options configures an Executor.
type Options struct {
	// Parallelism bounds the number of shards scanned concurrently.
	// Zero uses GOMAXPROCS.
	Parallelism int
	Logger      *slog.Logger
}

// Executor runs exact top-k searches.
type Executor struct {
	parallelism int
	logger      *slog.Logger
}

// NewExecutor creates an executor.
func NewExecutor(opts Options) *Executor {
	p := opts.Parallelism
	if p <= 0 {
		p = runtime.GOMAXPROCS(0)
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Executor{parallelism: p, logger: logger}
}

// Explain reports how the candidates for filter would be produced.
func (e *Executor) Explain(src Source, filter *metadata.Filter) Plan {
	ids, indexed := e.candidates(src, filter)
	return Plan{Indexed: indexed, Candidates: uint64(len(ids))}
}

// Search returns up to k hits ordered by (distance asc, id asc).
//
// Validation (k, filter, query width) happens before any record is read.
func (e *Executor) Search(ctx context.Context, src Source, req Request) ([]Hit, error) {
	if req.K <= 0 {
		return nil, fmt.Errorf("%w: got %d", ErrInvalidK, req.K)
	}
	if err := req.Filter.Validate(); err != nil {
		return nil, err
	}
	if dim := src.Dimension(); req.Query.Dim != dim || len(req.Query.Data) != bitvec.ByteLen(dim) {
		return nil, &bitvec.ErrDimensionMismatch{Expected: dim, Actual: req.Query.Dim}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	ids, indexed := e.candidates(src, req.Filter)
	if len(ids) == 0 {
		return []Hit{}, nil
	}

	shards := e.shard(ids)
	heaps := make([]*topK, len(shards))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.parallelism)
	for i, shard := range shards {
		g.Go(func() error {
			h, err := scanShard(gctx, src, req, shard)
			heaps[i] = h
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	merged := newTopK(req.K)
	for _, h := range heaps {
		for _, it := range h.items {
			merged.push(it)
		}
	}

	best := merged.sorted()
	hits := make([]Hit, len(best))
	for i := range best {
		doc := best[i].doc
		if !best[i].hasDoc {
			var err error
			if doc, err = best[i].rec.Document(); err != nil {
				return nil, fmt.Errorf("query: decode metadata of %d: %w", best[i].id, err)
			}
		}
		hits[i] = Hit{ID: best[i].id, Distance: best[i].dist, Metadata: doc.Clone()}
	}

	e.logger.Debug("search executed",
		"k", req.K,
		"candidates", len(ids),
		"shards", len(shards),
		"indexed", indexed,
		"hits", len(hits),
	)
	return hits, nil
}

func (e *Executor) candidates(src Source, filter *metadata.Filter) ([]uint64, bool) {
	if bm, ok := narrow(filter, src); ok {
		return bm.ToArray(), true
	}
	var ids []uint64
	for id := range src.Live() {
		ids = append(ids, id)
	}
	return ids, false
}

func (e *Executor) shard(ids []uint64) [][]uint64 {
	size := max((len(ids)+e.parallelism-1)/e.parallelism, minShard)
	shards := make([][]uint64, 0, (len(ids)+size-1)/size)
	for start := 0; start < len(ids); start += size {
		shards = append(shards, ids[start:min(start+size, len(ids))])
	}
	return shards
}

func scanShard(ctx context.Context, src Source, req Request, ids []uint64) (*topK, error) {
	h := newTopK(req.K)
	for i, id := range ids {
		if i%checkEvery == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}

		rec, ok, err := src.Load(id)
		if err != nil {
			return nil, fmt.Errorf("query: load %d: %w", id, err)
		}
		if !ok {
			continue
		}

		dist, err := bitvec.Distance(req.Query, bitvec.BitVector{Dim: req.Query.Dim, Data: rec.Vector()})
		if err != nil {
			return nil, err
		}
		if !h.accepts(id, dist) {
			continue
		}

		it := item{id: id, dist: dist, rec: rec}
		if req.Filter != nil {
			doc, err := rec.Document()
			if err != nil {
				return nil, fmt.Errorf("query: decode metadata of %d: %w", id, err)
			}
			if !req.Filter.Matches(doc) {
				continue
			}
			it.doc, it.hasDoc = doc, true
		}
		h.push(it)
	}
	return h, nil
}
