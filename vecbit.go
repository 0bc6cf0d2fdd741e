package vecbit

import (
	"context"
	"iter"
	"slices"
	"sync"
	"time"

	"github.com/hupe1980/vecbit/blobstore"
	"github.com/hupe1980/vecbit/internal/bitvec"
	"github.com/hupe1980/vecbit/internal/engine"
	"github.com/hupe1980/vecbit/internal/query"
	"github.com/hupe1980/vecbit/internal/wal"
	"github.com/hupe1980/vecbit/metadata"
)

// Item is a record for BulkInsert.
type Item struct {
	ID        uint64
	Embedding []float32
	Metadata  metadata.Document
}

// Result is a search hit. Results are ordered by ascending Distance, then
// ascending ID.
type Result struct {
	ID uint64
	// Distance is the Hamming distance between the quantized query and the
	// stored code.
	Distance uint32
	Metadata metadata.Document
}

// Record is a stored record. Bits holds the packed binary code, bit i at
// Bits[i/8]>>(i%8).
type Record struct {
	ID       uint64
	Bits     []byte
	Metadata metadata.Document
}

// Op is the kind of mutation in a Change.
type Op uint8

const (
	OpInsert Op = Op(wal.OpInsert)
	OpDelete Op = Op(wal.OpDelete)
)

func (o Op) String() string { return wal.Op(o).String() }

// Change is a durable mutation read back from the log.
type Change struct {
	Seq uint64
	Op  Op
	ID  uint64
	// Bits and Metadata are set for inserts.
	Bits     []byte
	Metadata metadata.Document
}

// Plan describes how a filter would be evaluated.
type Plan struct {
	// Indexed is true when secondary indexes narrow the candidates.
	Indexed bool
	// Candidates is the number of records that would be scored.
	Candidates uint64
}

// ArchiveStats describes a completed archive or restore.
type ArchiveStats = engine.ArchiveStats

// Stats holds collection statistics.
type Stats struct {
	State           string
	Dimension       int
	Records         int
	Segments        int
	SegmentRecords  uint64
	SegmentBytes    int64
	MemtableRecords int
	MemtableBytes   int64
	WALBytes        int64
	WALFiles        int
	LastSeq         uint64
	DurableSeq      uint64
	CheckpointSeq   uint64
	ManifestID      uint64
	IndexedFields   []string
}

// DB is a binary-quantized vector collection stored in one directory.
//
// Embeddings are quantized by sign: component i maps to bit i, set iff it is
// >= 0. Writes are serialized; reads run against immutable snapshots and
// never wait for writers. All methods are safe for concurrent use.
type DB struct {
	eng       *engine.Engine
	quantizer *bitvec.Quantizer
	logger    *Logger
	metrics   MetricsCollector

	archive      blobstore.BlobStore
	checkpointed chan struct{}
	stop         chan struct{}
	wg           sync.WaitGroup
	closeOnce    sync.Once
	closeErr     error
}

// Open opens the collection in dir, creating it when dir holds none.
// WithDimension is required for a new collection.
//
// Open replays the write-ahead log; a log that is damaged before its tail
// fails with ErrCorruptLog.
func Open(dir string, opts ...Option) (*DB, error) {
	o := applyOptions(opts)
	obs := o.observer()

	eng, err := engine.Open(dir, o.engineOptions(obs)...)
	if err != nil {
		return nil, translateError(err)
	}
	return newDB(eng, o, obs)
}

// Restore copies the checkpoint archived in src into dir and opens it.
// dir must not already hold a collection.
func Restore(ctx context.Context, src blobstore.BlobStore, dir string, opts ...Option) (*DB, ArchiveStats, error) {
	o := applyOptions(opts)
	obs := o.observer()

	eng, stats, err := engine.Restore(ctx, src, dir, o.engineOptions(obs)...)
	if err != nil {
		return nil, stats, translateError(err)
	}
	db, err := newDB(eng, o, obs)
	return db, stats, err
}

func (o *options) observer() *observer {
	obs := &observer{metrics: o.metricsCollector}
	if o.archive != nil {
		obs.checkpointed = make(chan struct{}, 1)
	}
	return obs
}

func newDB(eng *engine.Engine, o options, obs *observer) (*DB, error) {
	q, err := bitvec.NewQuantizer(eng.Dimension())
	if err != nil {
		_ = eng.Close()
		return nil, translateError(err)
	}

	db := &DB{
		eng:          eng,
		quantizer:    q,
		logger:       o.logger,
		metrics:      o.metricsCollector,
		archive:      o.archive,
		checkpointed: obs.checkpointed,
		stop:         make(chan struct{}),
	}
	if db.archive != nil && !eng.ReadOnly() {
		db.wg.Add(1)
		go db.runArchiveLoop()
	}
	return db, nil
}

// Dimension returns the embedding dimension.
func (db *DB) Dimension() int { return db.quantizer.Dimension() }

// Quantize returns the packed binary code of embedding.
func (db *DB) Quantize(embedding []float32) ([]byte, error) {
	bv, err := db.quantizer.Encode(embedding)
	if err != nil {
		return nil, translateError(err)
	}
	return bv.Data, nil
}

// Insert quantizes embedding and stores it under id. An id that is
// currently live is rejected with ErrDuplicateID.
//
// The record is durable when Insert returns nil. ErrTimeout means the
// fsync was not confirmed in time; the record becomes visible only once the
// log confirms it, and is dropped if the log fails instead.
func (db *DB) Insert(ctx context.Context, id uint64, embedding []float32, md metadata.Document) (err error) {
	start := time.Now()
	defer func() {
		db.metrics.RecordInsert(time.Since(start), err)
		db.logger.LogInsert(ctx, id, err)
	}()

	bv, err := db.quantizer.Encode(embedding)
	if err != nil {
		return translateError(err)
	}
	return translateError(db.eng.Insert(ctx, engine.Item{ID: id, Vector: bv, Metadata: md}))
}

// Append stores a record under the next free id and returns it.
func (db *DB) Append(ctx context.Context, embedding []float32, md metadata.Document) (id uint64, err error) {
	start := time.Now()
	defer func() {
		db.metrics.RecordInsert(time.Since(start), err)
		db.logger.LogInsert(ctx, id, err)
	}()

	bv, err := db.quantizer.Encode(embedding)
	if err != nil {
		return 0, translateError(err)
	}
	id, err = db.eng.Append(ctx, bv, md)
	return id, translateError(err)
}

// BulkInsert stores items as one atomic batch: one log write, then a bulk
// load of the index. Items need not be sorted. Duplicate ids within the
// batch, or ids that are live, reject the whole batch. An empty batch is a
// no-op.
func (db *DB) BulkInsert(ctx context.Context, items []Item) (err error) {
	if len(items) == 0 {
		return nil
	}

	start := time.Now()
	defer func() {
		db.metrics.RecordBatchInsert(len(items), time.Since(start), err)
		db.logger.LogBatchInsert(ctx, len(items), err)
	}()

	batch := make([]engine.Item, len(items))
	for i, it := range items {
		bv, err := db.quantizer.Encode(it.Embedding)
		if err != nil {
			return translateError(err)
		}
		batch[i] = engine.Item{ID: it.ID, Vector: bv, Metadata: it.Metadata}
	}
	return translateError(db.eng.BulkInsert(ctx, batch))
}

// Delete removes id. A missing id returns ErrNotFound and writes nothing.
func (db *DB) Delete(ctx context.Context, id uint64) (err error) {
	start := time.Now()
	defer func() {
		db.metrics.RecordDelete(time.Since(start), err)
		db.logger.LogDelete(ctx, id, err)
	}()

	return translateError(db.eng.Delete(ctx, id))
}

// Get returns the record stored under id.
func (db *DB) Get(ctx context.Context, id uint64) (Record, error) {
	rec, err := db.eng.Get(ctx, id)
	if err != nil {
		return Record{}, translateError(err)
	}
	return Record{ID: rec.ID, Bits: rec.Vector.Data, Metadata: rec.Metadata}, nil
}

// Search returns the k records nearest to embedding that match filter.
// A nil filter matches every record. Fewer than k results are returned when
// fewer records match.
func (db *DB) Search(ctx context.Context, embedding []float32, filter *metadata.Filter, k int) (results []Result, err error) {
	start := time.Now()
	defer func() {
		db.metrics.RecordSearch(k, time.Since(start), err)
		db.logger.LogSearch(ctx, k, len(results), err)
	}()

	q, err := db.quantizer.Encode(embedding)
	if err != nil {
		return nil, translateError(err)
	}
	hits, err := db.eng.Search(ctx, q, filter, k)
	if err != nil {
		return nil, translateError(err)
	}
	return toResults(hits), nil
}

// SearchJSON is Search with a filter in JSON form, for example
//
//	{"type":"And","args":[{"type":"Eq","args":["category","a"]},{"type":"Gte","args":["year",2020]}]}
//
// An empty filter matches every record.
func (db *DB) SearchJSON(ctx context.Context, embedding []float32, filterJSON []byte, k int) ([]Result, error) {
	filter, err := metadata.ParseFilter(filterJSON)
	if err != nil {
		return nil, translateError(err)
	}
	return db.Search(ctx, embedding, filter, k)
}

// Explain reports how filter would be evaluated without running a search.
func (db *DB) Explain(filter *metadata.Filter) (Plan, error) {
	p, err := db.eng.Explain(filter)
	if err != nil {
		return Plan{}, translateError(err)
	}
	return Plan{Indexed: p.Indexed, Candidates: p.Candidates}, nil
}

func toResults(hits []query.Hit) []Result {
	out := make([]Result, len(hits))
	for i, h := range hits {
		out[i] = Result{ID: h.ID, Distance: h.Distance, Metadata: h.Metadata}
	}
	return out
}

// Checkpoint seals unsealed records into a segment, commits a new manifest
// and truncates the log. It returns nil when nothing changed.
func (db *DB) Checkpoint(ctx context.Context) error {
	return translateError(db.eng.Checkpoint(ctx))
}

// Compact rewrites segments with many deleted records and reports how many
// segments it removed.
func (db *DB) Compact(ctx context.Context) (int, error) {
	n, err := db.eng.Compact(ctx)
	return n, translateError(err)
}

// Changes streams durable mutations with Seq >= from in sequence order and
// follows new writes until ctx ends or the collection closes. from == 0
// starts at the oldest entry still in the log. A start that a checkpoint
// already truncated yields ErrChangesTruncated.
func (db *DB) Changes(ctx context.Context, from uint64) iter.Seq2[Change, error] {
	return func(yield func(Change, error) bool) {
		for c, err := range db.eng.Changes(ctx, from) {
			if err != nil {
				yield(Change{}, translateError(err))
				return
			}
			if !yield(Change{
				Seq:      c.Seq,
				Op:       Op(c.Op),
				ID:       c.ID,
				Bits:     c.Vector.Data,
				Metadata: c.Metadata,
			}, nil) {
				return
			}
		}
	}
}

// Archive copies the last committed checkpoint to dst. Segments already in
// dst are skipped. The log is not copied.
func (db *DB) Archive(ctx context.Context, dst blobstore.BlobStore) (ArchiveStats, error) {
	stats, err := db.eng.Archive(ctx, dst)
	return stats, translateError(err)
}

// runArchiveLoop archives each committed checkpoint. Checkpoints that land
// during an upload collapse into one follow-up archive.
func (db *DB) runArchiveLoop() {
	defer db.wg.Done()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-db.stop
		cancel()
	}()

	for {
		select {
		case <-db.stop:
			return
		case <-db.checkpointed:
			if _, err := db.eng.Archive(ctx, db.archive); err != nil && ctx.Err() == nil {
				db.logger.Warn("background archive failed", "error", err)
			}
		}
	}
}

// Stats returns the current collection statistics.
func (db *DB) Stats() Stats {
	s := db.eng.Stats()
	return Stats{
		State:           s.State.String(),
		Dimension:       s.Dimension,
		Records:         s.Records,
		Segments:        s.Segments,
		SegmentRecords:  s.SegmentRecords,
		SegmentBytes:    s.SegmentBytes,
		MemtableRecords: s.MemtableRecords,
		MemtableBytes:   s.MemtableBytes,
		WALBytes:        s.WALBytes,
		WALFiles:        s.WALFiles,
		LastSeq:         s.LastSeq,
		DurableSeq:      s.DurableSeq,
		CheckpointSeq:   s.CheckpointSeq,
		ManifestID:      s.ManifestID,
		IndexedFields:   slices.Clone(s.IndexedFields),
	}
}
