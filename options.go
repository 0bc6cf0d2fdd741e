package vecbit

import (
	"log/slog"
	"slices"
	"time"

	"github.com/hupe1980/vecbit/blobstore"
	"github.com/hupe1980/vecbit/internal/engine"
	"github.com/hupe1980/vecbit/internal/resource"
	"github.com/hupe1980/vecbit/internal/segment"
	"github.com/hupe1980/vecbit/internal/wal"
	"github.com/hupe1980/vecbit/metadata"
)

// SyncMode controls when log writes are fsynced.
type SyncMode int

const (
	// SyncEveryWrite fsyncs before a write returns. Concurrent writers share
	// one fsync.
	SyncEveryWrite SyncMode = iota
	// SyncBatched fsyncs on a timer. A write returns after the fsync that
	// covers it.
	SyncBatched
)

func (m SyncMode) String() string {
	return m.wal().String()
}

func (m SyncMode) wal() wal.SyncMode {
	if m == SyncBatched {
		return wal.SyncBatched
	}
	return wal.SyncEveryWrite
}

// Compression selects how record metadata is stored in sealed segments.
type Compression int

const (
	CompressionNone Compression = iota
	CompressionLZ4
	CompressionZSTD
)

func (c Compression) String() string {
	return c.segment().String()
}

func (c Compression) segment() segment.Compression {
	switch c {
	case CompressionLZ4:
		return segment.CompressionLZ4
	case CompressionZSTD:
		return segment.CompressionZSTD
	default:
		return segment.CompressionNone
	}
}

type options struct {
	engine           []engine.Option
	metricsCollector MetricsCollector
	logger           *Logger
	limits           resource.Config
	archive          blobstore.BlobStore
}

// Option configures Open and Restore.
type Option func(*options)

// WithDimension sets the number of float32 components of every embedding.
// It is required to create a collection; an existing collection keeps its
// stored dimension and rejects a different one.
func WithDimension(dim int) Option {
	return engineOption(engine.WithDimension(dim))
}

// WithSegmentThreshold sets how many unsealed records trigger a checkpoint.
func WithSegmentThreshold(n int) Option {
	return engineOption(engine.WithSegmentThreshold(n))
}

// WithFanout sets the B+Tree node bounds of every index.
func WithFanout(minFanout, maxFanout int) Option {
	return engineOption(engine.WithFanout(minFanout, maxFanout))
}

// WithSyncMode sets the log durability policy. The default is SyncEveryWrite.
func WithSyncMode(m SyncMode) Option {
	return engineOption(engine.WithSyncMode(m.wal()))
}

// WithSyncInterval sets the fsync period of SyncBatched.
func WithSyncInterval(d time.Duration) Option {
	return engineOption(engine.WithSyncInterval(d))
}

// WithAppendTimeout bounds how long a write waits for durability. A write
// that times out reports ErrTimeout and stays invisible until its fsync
// completes.
func WithAppendTimeout(d time.Duration) Option {
	return engineOption(engine.WithAppendTimeout(d))
}

// WithIndexedFields sets the metadata paths that get a secondary index.
// Nested fields use dots, e.g. "author.name". The set is fixed when the
// collection is created.
func WithIndexedFields(fields ...string) Option {
	return engineOption(engine.WithIndexedFields(fields...))
}

// WithCompression sets the metadata compression of new segments.
func WithCompression(c Compression) Option {
	return engineOption(engine.WithCompression(c.segment()))
}

// WithParallelism bounds the number of goroutines a query scans with.
func WithParallelism(n int) Option {
	return engineOption(engine.WithParallelism(n))
}

// WithCheckpointInterval sets the period of background checkpoints. Zero
// disables the timer.
func WithCheckpointInterval(d time.Duration) Option {
	return engineOption(engine.WithCheckpointInterval(d))
}

// WithCompactionThreshold sets the dead-record ratio above which a segment
// is rewritten.
func WithCompactionThreshold(ratio float64) Option {
	return engineOption(engine.WithCompactionThreshold(ratio))
}

// WithReplayUntil opens the collection read-only as of the given sequence
// number. The sequence must not precede the last checkpoint.
func WithReplayUntil(seq uint64) Option {
	return engineOption(engine.WithReplayUntil(seq))
}

// ReadOnly opens the collection without write access.
func ReadOnly() Option {
	return engineOption(engine.ReadOnly())
}

// WithSchema enforces metadata field types on insert.
func WithSchema(schema metadata.Schema) Option {
	return engineOption(engine.WithSchema(schema))
}

// WithMemtableLimit sets the soft memory limit for unsealed records.
// Crossing it triggers an early checkpoint.
func WithMemtableLimit(bytes int64) Option {
	return func(o *options) {
		o.limits.MemtableLimitBytes = bytes
	}
}

// WithIOLimit throttles archive and restore transfers.
func WithIOLimit(bytesPerSec int64) Option {
	return func(o *options) {
		o.limits.IOLimitBytesPerSec = bytesPerSec
	}
}

// WithBackgroundWorkers bounds concurrent checkpoints and compactions.
func WithBackgroundWorkers(n int64) Option {
	return func(o *options) {
		o.limits.MaxBackgroundWorkers = n
	}
}

// WithArchive copies every committed checkpoint to dst in the background.
//
// Example with MinIO:
//
//	store, _ := minio.Dial(ctx, minio.Config{Endpoint: "localhost:9000", Bucket: "backups"})
//	db, _ := vecbit.Open("./data", vecbit.WithDimension(768), vecbit.WithArchive(store))
func WithArchive(dst blobstore.BlobStore) Option {
	return func(o *options) {
		o.archive = dst
	}
}

// WithMetricsCollector configures a metrics collector for monitoring operations.
// Pass nil to disable metrics collection.
//
// Example with BasicMetricsCollector:
//
//	metrics := &vecbit.BasicMetricsCollector{}
//	db, _ := vecbit.Open("./data", vecbit.WithDimension(128), vecbit.WithMetricsCollector(metrics))
//	// ... use db ...
//	stats := metrics.GetStats()
//	fmt.Printf("Inserts: %d, Avg latency: %dns\n", stats.InsertCount, stats.InsertAvgNanos)
func WithMetricsCollector(mc MetricsCollector) Option {
	return func(o *options) {
		o.metricsCollector = mc
	}
}

// WithLogger configures structured logging for operations.
// Pass nil to disable logging.
//
// Example with JSON logging:
//
//	logger := vecbit.NewJSONLogger(slog.LevelInfo)
//	db, _ := vecbit.Open("./data", vecbit.WithDimension(128), vecbit.WithLogger(logger))
func WithLogger(logger *Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithLogLevel is a shorthand for a text logger at level.
func WithLogLevel(level slog.Level) Option {
	return func(o *options) {
		o.logger = NewTextLogger(level)
	}
}

func engineOption(opt engine.Option) Option {
	return func(o *options) {
		o.engine = append(o.engine, opt)
	}
}

func applyOptions(opts []Option) options {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if o.metricsCollector == nil {
		o.metricsCollector = NoopMetricsCollector{}
	}
	if o.logger == nil {
		o.logger = NoopLogger()
	}
	return o
}

// engineOptions appends the ambient options the engine needs.
func (o *options) engineOptions(obs engine.MetricsObserver) []engine.Option {
	return append(slices.Clone(o.engine),
		engine.WithLogger(o.logger.Logger),
		engine.WithMetricsObserver(obs),
		engine.WithResourceController(resource.NewController(o.limits)),
	)
}
