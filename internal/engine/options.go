package engine

import (
	"log/slog"
	"slices"
	"time"

	"github.com/hupe1980/vecbit/internal/btree"
	"github.com/hupe1980/vecbit/internal/fs"
	"github.com/hupe1980/vecbit/internal/resource"
	"github.com/hupe1980/vecbit/internal/segment"
	"github.com/hupe1980/vecbit/internal/wal"
	"github.com/hupe1980/vecbit/metadata"
)

const (
	// DefaultSegmentThreshold is the number of unsealed records that triggers a checkpoint.
	DefaultSegmentThreshold = 64 * 1024
	// DefaultCompactionThreshold is the dead-record ratio at which a segment is rewritten.
	DefaultCompactionThreshold = 0.3
	// DefaultCheckpointInterval bounds how long writes stay unsealed.
	DefaultCheckpointInterval = 5 * time.Minute
)

// config holds the settings applied by Options.
type config struct {
	dim                 int
	segmentThreshold    int
	fanout              btree.Config
	wal                 wal.Options
	indexedFields       []string
	compression         segment.Compression
	parallelism         int
	checkpointInterval  time.Duration
	compactionThreshold float64
	compactionPolicy    CompactionPolicy
	replayUntil         uint64
	readOnly            bool
	schema              metadata.Schema

	fs       fs.FileSystem
	logger   *slog.Logger
	metrics  MetricsObserver
	resource *resource.Controller
}

func defaultConfig() config {
	return config{
		segmentThreshold:    DefaultSegmentThreshold,
		fanout:              btree.DefaultConfig(),
		wal:                 wal.DefaultOptions(),
		compression:         segment.CompressionNone,
		checkpointInterval:  DefaultCheckpointInterval,
		compactionThreshold: DefaultCompactionThreshold,
		fs:                  fs.Default,
		metrics:             &NoopMetricsObserver{},
	}
}

// Option configures the engine.
type Option func(*config)

// WithLogger sets the logger for the engine.
func WithLogger(l *slog.Logger) Option {
	return func(c *config) {
		c.logger = l
	}
}

// WithFileSystem sets the file system used for segments and the log.
func WithFileSystem(fsys fs.FileSystem) Option {
	return func(c *config) {
		if fsys != nil {
			c.fs = fsys
		}
	}
}

// WithDimension sets the bit width of every vector. It is required for a new
// collection and must match the stored one otherwise.
func WithDimension(dim int) Option {
	return func(c *config) {
		c.dim = dim
	}
}

// WithSegmentThreshold sets how many unsealed records trigger a checkpoint.
func WithSegmentThreshold(n int) Option {
	return func(c *config) {
		if n > 0 {
			c.segmentThreshold = n
		}
	}
}

// WithFanout sets the B+Tree fanout bounds of every index.
func WithFanout(minFanout, maxFanout int) Option {
	return func(c *config) {
		c.fanout = btree.Config{MinFanout: minFanout, MaxFanout: maxFanout}
	}
}

// WithSyncMode sets the log durability policy.
func WithSyncMode(m wal.SyncMode) Option {
	return func(c *config) {
		c.wal.SyncMode = m
	}
}

// WithSyncInterval sets the fsync period of wal.SyncBatched.
func WithSyncInterval(d time.Duration) Option {
	return func(c *config) {
		if d > 0 {
			c.wal.SyncInterval = d
		}
	}
}

// WithAppendTimeout bounds how long a write waits for durability.
func WithAppendTimeout(d time.Duration) Option {
	return func(c *config) {
		c.wal.AppendTimeout = d
	}
}

// WithIndexedFields sets the metadata field paths that get a secondary index.
func WithIndexedFields(fields ...string) Option {
	return func(c *config) {
		c.indexedFields = slices.Clone(fields)
	}
}

// WithCompression sets the metadata compression of new segments.
func WithCompression(comp segment.Compression) Option {
	return func(c *config) {
		c.compression = comp
	}
}

// WithParallelism bounds the number of shards a query scans concurrently.
func WithParallelism(n int) Option {
	return func(c *config) {
		c.parallelism = n
	}
}

// WithCheckpointInterval sets the period of background checkpoints. Zero
// disables the timer; size and memory triggers remain.
func WithCheckpointInterval(d time.Duration) Option {
	return func(c *config) {
		c.checkpointInterval = d
	}
}

// WithCompactionThreshold sets the dead-record ratio above which a segment
// is rewritten.
func WithCompactionThreshold(ratio float64) Option {
	return func(c *config) {
		if ratio > 0 && ratio <= 1 {
			c.compactionThreshold = ratio
		}
	}
}

// WithCompactionPolicy replaces the dead-ratio compaction policy.
func WithCompactionPolicy(policy CompactionPolicy) Option {
	return func(c *config) {
		c.compactionPolicy = policy
	}
}

// WithReplayUntil opens the collection read-only with the state as of seq.
func WithReplayUntil(seq uint64) Option {
	return func(c *config) {
		c.replayUntil = seq
		c.readOnly = true
	}
}

// ReadOnly opens the collection without write access.
func ReadOnly() Option {
	return func(c *config) {
		c.readOnly = true
	}
}

// WithSchema enforces metadata field types on insert.
func WithSchema(schema metadata.Schema) Option {
	return func(c *config) {
		c.schema = schema
	}
}

// WithMetricsObserver sets the metrics observer.
func WithMetricsObserver(observer MetricsObserver) Option {
	return func(c *config) {
		if observer != nil {
			c.metrics = observer
		}
	}
}

// WithResourceController bounds background work and memtable memory.
func WithResourceController(rc *resource.Controller) Option {
	return func(c *config) {
		c.resource = rc
	}
}
