package vecbit

import (
	"log/slog"
	"slices"
	"time"

	"github.com/hupe1980/vecbit/blobstore"
	"github.com/hupe1980/vecbit/metadata"
)

// New creates a collection builder for embeddings with the given dimension.
//
// The builder is immutable: each method returns a new builder.
//
// Example:
//
//	db, err := vecbit.New(768).
//	    IndexedFields("category", "year").
//	    SyncBatched(10 * time.Millisecond).
//	    Compression(vecbit.CompressionZSTD).
//	    Open("./data")
func New(dimension int) Builder {
	return Builder{dimension: dimension}
}

// Builder is an immutable fluent builder for opening a DB.
// Each method returns a new builder with the updated configuration.
type Builder struct {
	dimension int
	opts      []Option
}

func (b Builder) with(opt Option) Builder {
	b.opts = append(slices.Clip(b.opts), opt)
	return b
}

// IndexedFields sets the metadata paths that get a secondary index.
func (b Builder) IndexedFields(fields ...string) Builder {
	return b.with(WithIndexedFields(fields...))
}

// SegmentThreshold sets how many unsealed records trigger a checkpoint.
// Default: 65536.
func (b Builder) SegmentThreshold(n int) Builder {
	return b.with(WithSegmentThreshold(n))
}

// Fanout sets the B+Tree node bounds. Default: 32/64.
func (b Builder) Fanout(minFanout, maxFanout int) Builder {
	return b.with(WithFanout(minFanout, maxFanout))
}

// SyncEveryWrite fsyncs the log before each write returns. This is the default.
func (b Builder) SyncEveryWrite() Builder {
	return b.with(WithSyncMode(SyncEveryWrite))
}

// SyncBatched fsyncs the log every interval. Writes still wait for the
// covering fsync, so throughput rises with concurrency.
func (b Builder) SyncBatched(interval time.Duration) Builder {
	return b.with(WithSyncMode(SyncBatched)).with(WithSyncInterval(interval))
}

// AppendTimeout bounds how long a write waits for durability.
func (b Builder) AppendTimeout(d time.Duration) Builder {
	return b.with(WithAppendTimeout(d))
}

// Compression sets the metadata compression of new segments.
func (b Builder) Compression(c Compression) Builder {
	return b.with(WithCompression(c))
}

// Parallelism bounds the goroutines a query scans with.
// Default: GOMAXPROCS.
func (b Builder) Parallelism(n int) Builder {
	return b.with(WithParallelism(n))
}

// CheckpointInterval sets the period of background checkpoints.
// Default: 5 minutes. Zero disables the timer.
func (b Builder) CheckpointInterval(d time.Duration) Builder {
	return b.with(WithCheckpointInterval(d))
}

// CompactionThreshold sets the dead-record ratio above which a segment is
// rewritten. Default: 0.3.
func (b Builder) CompactionThreshold(ratio float64) Builder {
	return b.with(WithCompactionThreshold(ratio))
}

// Schema enforces metadata field types on insert.
func (b Builder) Schema(schema metadata.Schema) Builder {
	return b.with(WithSchema(schema))
}

// MemtableLimit sets the soft memory limit for unsealed records.
func (b Builder) MemtableLimit(bytes int64) Builder {
	return b.with(WithMemtableLimit(bytes))
}

// Archive copies every committed checkpoint to dst.
func (b Builder) Archive(dst blobstore.BlobStore) Builder {
	return b.with(WithArchive(dst))
}

// IOLimit throttles archive and restore transfers.
func (b Builder) IOLimit(bytesPerSec int64) Builder {
	return b.with(WithIOLimit(bytesPerSec))
}

// Logger sets the structured logger for operation tracing.
func (b Builder) Logger(l *Logger) Builder {
	return b.with(WithLogger(l))
}

// LogLevel logs as text to stderr at level.
func (b Builder) LogLevel(level slog.Level) Builder {
	return b.with(WithLogLevel(level))
}

// Metrics sets the metrics collector for monitoring.
func (b Builder) Metrics(mc MetricsCollector) Builder {
	return b.with(WithMetricsCollector(mc))
}

// Options returns the configured options, for use with Open or Restore.
func (b Builder) Options() []Option {
	return append([]Option{WithDimension(b.dimension)}, b.opts...)
}

// Open opens or creates the collection in dir.
func (b Builder) Open(dir string) (*DB, error) {
	return Open(dir, b.Options()...)
}

// MustOpen opens the collection, panicking on error.
func (b Builder) MustOpen(dir string) *DB {
	db, err := b.Open(dir)
	if err != nil {
		panic(err)
	}
	return db
}
