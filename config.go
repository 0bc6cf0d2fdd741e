package vecbit

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/hupe1980/vecbit/blobstore"
	"github.com/hupe1980/vecbit/blobstore/minio"
	"github.com/hupe1980/vecbit/blobstore/s3"
	"github.com/hupe1980/vecbit/metadata"
)

// Config is the declarative form of the Open options, loadable from YAML or
// JSON with LoadConfig. Zero values keep the defaults.
//
// Example:
//
//	dir: ./data
//	dimension: 768
//	indexed_fields: [category, year]
//	compression: zstd
//	sync:
//	  mode: batched
//	  interval: 10ms
//	checkpoint:
//	  interval: 1m
//	  segment_threshold: 100000
//	archive:
//	  minio:
//	    endpoint: localhost:9000
//	    bucket: backups
type Config struct {
	Dir           string            `yaml:"dir" json:"dir"`
	Dimension     int               `yaml:"dimension" json:"dimension"`
	IndexedFields []string          `yaml:"indexed_fields" json:"indexed_fields"`
	Schema        map[string]string `yaml:"schema" json:"schema"`
	Compression   string            `yaml:"compression" json:"compression"`
	Parallelism   int               `yaml:"parallelism" json:"parallelism"`
	ReadOnly      bool              `yaml:"read_only" json:"read_only"`
	Fanout        FanoutConfig      `yaml:"fanout" json:"fanout"`
	Sync          SyncConfig        `yaml:"sync" json:"sync"`
	Checkpoint    CheckpointConfig  `yaml:"checkpoint" json:"checkpoint"`
	Compaction    CompactionConfig  `yaml:"compaction" json:"compaction"`
	Limits        LimitsConfig      `yaml:"limits" json:"limits"`
	Log           LogConfig         `yaml:"log" json:"log"`
	Archive       ArchiveConfig     `yaml:"archive" json:"archive"`
}

// FanoutConfig bounds B+Tree node sizes.
type FanoutConfig struct {
	Min int `yaml:"min" json:"min"`
	Max int `yaml:"max" json:"max"`
}

// SyncConfig selects the log durability policy.
type SyncConfig struct {
	// Mode is "every-write" (default) or "batched".
	Mode     string        `yaml:"mode" json:"mode"`
	Interval time.Duration `yaml:"interval" json:"interval"`
	Timeout  time.Duration `yaml:"timeout" json:"timeout"`
}

// CheckpointConfig sets the checkpoint triggers.
type CheckpointConfig struct {
	Interval         time.Duration `yaml:"interval" json:"interval"`
	DisableTimer     bool          `yaml:"disable_timer" json:"disable_timer"`
	SegmentThreshold int           `yaml:"segment_threshold" json:"segment_threshold"`
}

// CompactionConfig sets when segments are rewritten.
type CompactionConfig struct {
	Threshold float64 `yaml:"threshold" json:"threshold"`
}

// LimitsConfig bounds background resource use.
type LimitsConfig struct {
	MemtableBytes     int64 `yaml:"memtable_bytes" json:"memtable_bytes"`
	IOBytesPerSec     int64 `yaml:"io_bytes_per_sec" json:"io_bytes_per_sec"`
	BackgroundWorkers int64 `yaml:"background_workers" json:"background_workers"`
}

// LogConfig configures the logger. An empty Level disables logging.
type LogConfig struct {
	Level  string `yaml:"level" json:"level"`
	Format string `yaml:"format" json:"format"`
}

// ArchiveConfig selects at most one archive target.
type ArchiveConfig struct {
	// Local is a directory.
	Local string        `yaml:"local" json:"local"`
	MinIO *minio.Config `yaml:"minio" json:"minio"`
	S3    *S3Config     `yaml:"s3" json:"s3"`
}

// S3Config describes an S3 archive. With CommitTable set, the CURRENT
// pointer is kept in that DynamoDB table.
type S3Config struct {
	Bucket      string `yaml:"bucket" json:"bucket"`
	Prefix      string `yaml:"prefix" json:"prefix"`
	Region      string `yaml:"region" json:"region"`
	CommitTable string `yaml:"commit_table" json:"commit_table"`
}

// LoadConfig reads a YAML (.yaml, .yml) or JSON (.json) configuration file.
// Unknown keys are rejected.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("%w: read config: %w", ErrInvalidArgument, err)
	}
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml", ".json":
	default:
		return Config{}, fmt.Errorf("%w: unsupported config extension %q", ErrInvalidArgument, ext)
	}
	return ParseConfig(data)
}

// ParseConfig decodes a YAML or JSON configuration document.
func ParseConfig(data []byte) (Config, error) {
	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("%w: parse config: %w", ErrInvalidArgument, err)
	}
	return cfg, nil
}

// Options converts the configuration into Open options. The archive target
// is not included; see OpenArchive.
func (c Config) Options() ([]Option, error) {
	var opts []Option
	add := func(ok bool, opt Option) {
		if ok {
			opts = append(opts, opt)
		}
	}

	add(c.Dimension > 0, WithDimension(c.Dimension))
	add(len(c.IndexedFields) > 0, WithIndexedFields(c.IndexedFields...))
	add(c.Parallelism > 0, WithParallelism(c.Parallelism))
	add(c.ReadOnly, ReadOnly())
	add(c.Fanout.Min > 0 || c.Fanout.Max > 0, WithFanout(c.Fanout.Min, c.Fanout.Max))
	add(c.Sync.Interval > 0, WithSyncInterval(c.Sync.Interval))
	add(c.Sync.Timeout > 0, WithAppendTimeout(c.Sync.Timeout))
	add(c.Checkpoint.Interval > 0, WithCheckpointInterval(c.Checkpoint.Interval))
	add(c.Checkpoint.DisableTimer, WithCheckpointInterval(0))
	add(c.Checkpoint.SegmentThreshold > 0, WithSegmentThreshold(c.Checkpoint.SegmentThreshold))
	add(c.Compaction.Threshold > 0, WithCompactionThreshold(c.Compaction.Threshold))
	add(c.Limits.MemtableBytes > 0, WithMemtableLimit(c.Limits.MemtableBytes))
	add(c.Limits.IOBytesPerSec > 0, WithIOLimit(c.Limits.IOBytesPerSec))
	add(c.Limits.BackgroundWorkers > 0, WithBackgroundWorkers(c.Limits.BackgroundWorkers))

	switch c.Sync.Mode {
	case "", "every-write":
	case "batched":
		opts = append(opts, WithSyncMode(SyncBatched))
	default:
		return nil, fmt.Errorf("%w: sync mode %q", ErrInvalidArgument, c.Sync.Mode)
	}

	switch strings.ToLower(c.Compression) {
	case "", "none":
	case "lz4":
		opts = append(opts, WithCompression(CompressionLZ4))
	case "zstd":
		opts = append(opts, WithCompression(CompressionZSTD))
	default:
		return nil, fmt.Errorf("%w: compression %q", ErrInvalidArgument, c.Compression)
	}

	if len(c.Schema) > 0 {
		schema := make(metadata.Schema, len(c.Schema))
		for field, name := range c.Schema {
			t, err := metadata.ParseFieldType(name)
			if err != nil {
				return nil, fmt.Errorf("%w: schema field %q: %w", ErrInvalidArgument, field, err)
			}
			schema[field] = t
		}
		opts = append(opts, WithSchema(schema))
	}

	logger, err := c.Log.logger()
	if err != nil {
		return nil, err
	}
	add(logger != nil, WithLogger(logger))

	return opts, nil
}

func (l LogConfig) logger() (*Logger, error) {
	if l.Level == "" {
		return nil, nil
	}
	var level slog.Level
	if err := level.UnmarshalText([]byte(l.Level)); err != nil {
		return nil, fmt.Errorf("%w: log level %q", ErrInvalidArgument, l.Level)
	}
	switch l.Format {
	case "", "text":
		return NewTextLogger(level), nil
	case "json":
		return NewJSONLogger(level), nil
	default:
		return nil, fmt.Errorf("%w: log format %q", ErrInvalidArgument, l.Format)
	}
}

// OpenArchive connects to the configured archive target. It returns nil
// when none is configured.
func (c Config) OpenArchive(ctx context.Context) (blobstore.BlobStore, error) {
	a := c.Archive
	targets := 0
	for _, set := range []bool{a.Local != "", a.MinIO != nil, a.S3 != nil} {
		if set {
			targets++
		}
	}
	if targets > 1 {
		return nil, fmt.Errorf("%w: more than one archive target", ErrInvalidArgument)
	}

	switch {
	case a.Local != "":
		return blobstore.NewLocalStore(a.Local), nil
	case a.MinIO != nil:
		store, err := minio.Dial(ctx, *a.MinIO)
		if err != nil {
			return nil, err
		}
		return store, nil
	case a.S3 != nil:
		opts := []s3.Option{s3.WithPrefix(a.S3.Prefix)}
		if a.S3.Region != "" {
			opts = append(opts, s3.WithRegion(a.S3.Region))
		}
		if a.S3.CommitTable != "" {
			store, err := s3.NewWithCommitTable(ctx, a.S3.Bucket, a.S3.CommitTable, opts...)
			if err != nil {
				return nil, err
			}
			return store, nil
		}
		store, err := s3.New(ctx, a.S3.Bucket, opts...)
		if err != nil {
			return nil, err
		}
		return store, nil
	default:
		return nil, nil
	}
}

// OpenConfig loads the configuration file at path and opens the collection
// it describes, archiving to the configured target.
func OpenConfig(ctx context.Context, path string) (*DB, error) {
	cfg, err := LoadConfig(path)
	if err != nil {
		return nil, err
	}
	if cfg.Dir == "" {
		return nil, fmt.Errorf("%w: config has no dir", ErrInvalidArgument)
	}
	opts, err := cfg.Options()
	if err != nil {
		return nil, err
	}
	archive, err := cfg.OpenArchive(ctx)
	if err != nil {
		return nil, err
	}
	if archive != nil {
		opts = append(opts, WithArchive(archive))
	}
	return Open(cfg.Dir, opts...)
}
