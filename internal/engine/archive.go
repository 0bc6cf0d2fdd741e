package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hupe1980/vecbit/blobstore"
	"github.com/hupe1980/vecbit/internal/manifest"
	"github.com/hupe1980/vecbit/internal/resource"
)

// archiveConcurrency bounds parallel segment uploads.
const archiveConcurrency = 4

// ArchiveStats describes a completed archive or restore.
type ArchiveStats struct {
	ManifestID    uint64
	CheckpointSeq uint64
	Segments      int
	// Copied counts the blobs transferred; segments already present at the
	// destination with the same size are skipped.
	Copied int
	Bytes  int64
}

// Archive copies the last committed checkpoint to dst: segment files, the
// index snapshot, the manifest and, last, CURRENT. Log files are not copied,
// so a restored collection starts at the checkpoint.
func (e *Engine) Archive(ctx context.Context, dst blobstore.BlobStore) (ArchiveStats, error) {
	if e.closed.Load() {
		return ArchiveStats{}, ErrClosed
	}
	e.maintMu.Lock()
	defer e.maintMu.Unlock()

	e.mu.Lock()
	m := e.manifest.Clone()
	e.mu.Unlock()

	if m.ID == 0 {
		return ArchiveStats{}, fmt.Errorf("%w: no committed checkpoint", ErrNotFound)
	}

	start := time.Now()
	stats, err := transfer(ctx, dst, e.manifests.Blobs(), m, e.cfg.resource, e.logger)
	e.cfg.metrics.OnThroughput("archive", stats.Bytes)
	if err != nil {
		return stats, fmt.Errorf("archive manifest %d: %w", m.ID, err)
	}

	e.logger.Info("archive complete",
		"manifest", m.ID,
		"seq", m.CheckpointSeq,
		"copied", stats.Copied,
		"bytes", stats.Bytes,
		"duration", time.Since(start),
	)
	return stats, nil
}

// Restore copies the checkpoint that CURRENT names in src into dir and opens
// it. dir must not already hold a collection.
func Restore(ctx context.Context, src blobstore.BlobStore, dir string, opts ...Option) (*Engine, ArchiveStats, error) {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.logger == nil {
		cfg.logger = slog.New(slog.DiscardHandler)
	}

	local := blobstore.NewLocalStoreFS(dir, cfg.fs)
	if b, err := local.Open(ctx, manifest.CurrentFileName); err == nil {
		_ = b.Close()
		return nil, ArchiveStats{}, fmt.Errorf("%w: %s already holds a collection", ErrInvalidArgument, dir)
	}

	m, err := manifest.NewStore(src).Load(ctx)
	if err != nil {
		return nil, ArchiveStats{}, fmt.Errorf("restore: %w", err)
	}

	stats, err := transfer(ctx, local, src, m, cfg.resource, cfg.logger)
	if err != nil {
		return nil, stats, fmt.Errorf("restore manifest %d: %w", m.ID, err)
	}
	cfg.logger.Info("restore complete", "manifest", m.ID, "seq", m.CheckpointSeq, "copied", stats.Copied, "bytes", stats.Bytes)

	e, err := Open(dir, opts...)
	if err != nil {
		return nil, stats, err
	}
	return e, stats, nil
}

// transfer copies the blobs of manifest m from src to dst. CURRENT is
// switched only after everything it depends on is in place.
func transfer(ctx context.Context, dst, src blobstore.BlobStore, m *manifest.Manifest, rc *resource.Controller, logger *slog.Logger) (ArchiveStats, error) {
	stats := ArchiveStats{
		ManifestID:    m.ID,
		CheckpointSeq: m.CheckpointSeq,
		Segments:      len(m.Segments),
	}
	var copied, total atomic.Int64

	throttled := func(r io.Reader) io.Reader {
		return resource.NewRateLimitedReader(ctx, r, rc)
	}
	copyBlob := func(ctx context.Context, name string) error {
		n, err := blobstore.CopyThrough(ctx, dst, src, name, throttled)
		if err != nil {
			return err
		}
		copied.Add(1)
		total.Add(n)
		return nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(archiveConcurrency)
	for _, info := range m.Segments {
		name := info.Path
		if name == "" {
			name = manifest.SegmentPath(info.ID)
		}
		g.Go(func() error {
			if present(gctx, dst, name, info.Size) {
				logger.Debug("segment already archived", "segment", info.ID)
				return nil
			}
			return copyBlob(gctx, name)
		})
	}
	err := g.Wait()
	stats.Copied, stats.Bytes = int(copied.Load()), total.Load()
	if err != nil {
		return stats, err
	}

	if m.Snapshot != "" {
		if err := copyBlob(ctx, m.Snapshot); err != nil {
			return stats, err
		}
	}
	name := manifest.ManifestName(m.ID)
	if err := copyBlob(ctx, name); err != nil {
		return stats, err
	}
	stats.Copied, stats.Bytes = int(copied.Load()), total.Load()

	cur, err := blobstore.ReadAll(ctx, dst, manifest.CurrentFileName)
	switch {
	case err == nil && string(cur) == name:
		return stats, nil
	case err != nil && !errors.Is(err, blobstore.ErrNotFound):
		return stats, fmt.Errorf("read CURRENT: %w", err)
	}
	if err := dst.Put(ctx, manifest.CurrentFileName, []byte(name)); err != nil {
		return stats, fmt.Errorf("switch CURRENT: %w", err)
	}
	return stats, nil
}

// present reports whether dst already holds name with the given size.
func present(ctx context.Context, dst blobstore.BlobStore, name string, size int64) bool {
	b, err := dst.Open(ctx, name)
	if err != nil {
		return false
	}
	defer func() { _ = b.Close() }()
	return b.Size() == size
}
