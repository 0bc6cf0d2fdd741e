package engine

import (
	"bytes"
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"slices"
	"time"

	"github.com/hupe1980/vecbit/blobstore"
	"github.com/hupe1980/vecbit/internal/bitvec"
	"github.com/hupe1980/vecbit/internal/btree"
	"github.com/hupe1980/vecbit/internal/manifest"
	"github.com/hupe1980/vecbit/internal/query"
	"github.com/hupe1980/vecbit/internal/segment"
	"github.com/hupe1980/vecbit/internal/wal"
	"github.com/hupe1980/vecbit/metadata"
)

// Open opens or creates the collection in dir and recovers its state:
// the committed checkpoint is loaded and every later log entry is replayed.
// A corrupt log keeps the collection closed.
func Open(dir string, opts ...Option) (*Engine, error) {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.logger == nil {
		cfg.logger = slog.New(slog.DiscardHandler)
	}
	if err := cfg.fanout.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		dir:       dir,
		cfg:       cfg,
		logger:    cfg.logger,
		segments:  make(map[uint64]*segment.Segment),
		secondary: make(map[string]*query.Secondary),
		executor:  query.NewExecutor(query.Options{Parallelism: cfg.parallelism, Logger: cfg.logger}),
		closeCh:   make(chan struct{}),
		ctx:       ctx,
		cancel:    cancel,
	}
	e.state.Store(int32(StateClosed))

	if err := e.recover(ctx); err != nil {
		cancel()
		e.abandon()
		return nil, err
	}

	if !cfg.readOnly {
		e.checkpointCh = make(chan struct{}, 1)
		e.compactionCh = make(chan struct{}, 1)
		e.inDoubtCh = make(chan struct{}, 1)
		e.wg.Add(3)
		go e.runCheckpointLoop()
		go e.runCompactionLoop()
		go e.runInDoubtLoop()

		e.mu.Lock()
		e.afterWriteLocked()
		e.mu.Unlock()
	}
	return e, nil
}

// abandon releases what a failed recovery acquired.
func (e *Engine) abandon() {
	if snap := e.current.Swap(nil); snap != nil {
		snap.DecRef()
	}
	for _, seg := range e.segments {
		_ = seg.DecRef()
	}
	if e.wal != nil {
		_ = e.wal.Close()
	}
	e.cfg.resource.ReleaseMemory(e.memBytes)
	e.closed.Store(true)
}

func (e *Engine) recover(ctx context.Context) (err error) {
	start := time.Now()
	replayed := 0
	defer func() {
		e.cfg.metrics.OnRecovery(time.Since(start), replayed, err)
	}()

	if !e.cfg.readOnly {
		if err := e.cfg.fs.MkdirAll(e.dir, 0o755); err != nil {
			return fmt.Errorf("%w: mkdir %s: %v", segment.ErrIO, e.dir, err)
		}
	}

	e.manifests = manifest.NewStore(blobstore.NewLocalStoreFS(e.dir, e.cfg.fs))
	if err := e.loadManifest(ctx); err != nil {
		return err
	}

	var throttle segment.Throttle
	if e.cfg.resource != nil {
		throttle = e.cfg.resource
	}
	e.segStore, err = segment.NewStore(filepath.Join(e.dir, manifest.SegmentDir), segment.Options{
		FS:          e.cfg.fs,
		Dim:         e.dim,
		Compression: e.cfg.compression,
		Throttle:    throttle,
		Logger:      e.logger,
	})
	if err != nil {
		return err
	}
	if err := e.openSegments(); err != nil {
		return err
	}

	e.primary, err = btree.New[uint64, location](cmp.Compare[uint64], e.cfg.fanout)
	if err != nil {
		return err
	}
	if err := e.loadIndexSnapshot(ctx); err != nil {
		return err
	}
	if err := e.rebuildSecondaries(); err != nil {
		return err
	}

	walOpts := e.cfg.wal
	walOpts.FS = e.cfg.fs
	walOpts.Logger = e.logger
	walOpts.ReadOnly = e.cfg.readOnly
	walOpts.FirstSeq = e.manifest.CheckpointSeq + 1
	e.wal, err = wal.Open(filepath.Join(e.dir, manifest.WALDir), walOpts)
	if err != nil {
		return err
	}
	if last := e.wal.LastSeq(); last < e.manifest.CheckpointSeq {
		return fmt.Errorf("%w: log ends at %d before checkpoint %d", wal.ErrCorruptLog, last, e.manifest.CheckpointSeq)
	}
	if until := e.cfg.replayUntil; until > 0 && until < e.manifest.CheckpointSeq {
		return fmt.Errorf("%w: seq %d precedes checkpoint %d", ErrChangesTruncated, until, e.manifest.CheckpointSeq)
	}

	e.state.Store(int32(StateReplaying))
	e.applied = e.manifest.CheckpointSeq

	e.mu.Lock()
	defer e.mu.Unlock()

	for ent, rerr := range e.wal.Replay(e.manifest.CheckpointSeq + 1) {
		if rerr != nil {
			if errors.Is(rerr, wal.ErrTruncated) {
				return fmt.Errorf("%w: %v", wal.ErrCorruptLog, rerr)
			}
			return rerr
		}
		if ent.Seq <= e.applied {
			continue
		}
		if e.cfg.replayUntil > 0 && ent.Seq > e.cfg.replayUntil {
			break
		}
		if err := e.applyLocked(ent); err != nil {
			return err
		}
		replayed++
	}

	e.publishLocked()
	e.state.Store(int32(StateReady))

	e.logger.Info("recovery complete",
		"seq", e.applied,
		"checkpointSeq", e.manifest.CheckpointSeq,
		"records", e.primary.Len(),
		"segments", len(e.segments),
		"replayed", replayed,
		"readOnly", e.cfg.readOnly,
		"duration", time.Since(start),
	)
	return nil
}

// loadManifest reads the CURRENT manifest or starts a new collection.
func (e *Engine) loadManifest(ctx context.Context) error {
	m, err := e.manifests.Load(ctx)
	switch {
	case errors.Is(err, manifest.ErrNotFound):
		if e.cfg.dim <= 0 {
			return fmt.Errorf("%w: dimension is required for a new collection", ErrInvalidArgument)
		}
		m = manifest.New(e.cfg.dim, e.cfg.compression, e.cfg.indexedFields)
		if !e.cfg.readOnly {
			// Pin dimension and scheme before the first write is logged.
			if err := e.manifests.Save(ctx, m); err != nil {
				return err
			}
			e.logger.Info("collection created", "dim", m.Dim, "collectionID", m.CollectionID)
		}
	case err != nil:
		return err
	default:
		if e.cfg.dim != 0 && e.cfg.dim != m.Dim {
			return &bitvec.ErrDimensionMismatch{Expected: m.Dim, Actual: e.cfg.dim}
		}
		if m.Scheme != bitvec.SchemeSignV1 {
			return fmt.Errorf("%w: quantization scheme %d", manifest.ErrIncompatibleVersion, m.Scheme)
		}
		if e.cfg.indexedFields != nil && !slices.Equal(e.cfg.indexedFields, m.IndexedFields) {
			e.logger.Info("indexed fields changed", "from", m.IndexedFields, "to", e.cfg.indexedFields)
			m.IndexedFields = slices.Clone(e.cfg.indexedFields)
		}
	}
	e.manifest = m
	e.dim = m.Dim
	e.nextSegmentID = max(m.NextSegmentID, 1)
	for _, info := range m.Segments {
		e.maxID = max(e.maxID, info.MaxID)
		e.nextSegmentID = max(e.nextSegmentID, info.ID+1)
	}
	return nil
}

// openSegments maps every segment of the manifest and removes files that no
// committed checkpoint references.
func (e *Engine) openSegments() error {
	if !e.cfg.readOnly {
		if err := e.segStore.RemoveTemp(); err != nil {
			return err
		}
		ids, err := e.segStore.List()
		if err != nil {
			return err
		}
		for _, id := range ids {
			if _, ok := e.manifest.Segment(id); ok {
				continue
			}
			if err := e.segStore.Remove(id); err != nil {
				return err
			}
			e.logger.Info("removed orphaned segment", "segment", id)
		}
	}

	for _, info := range e.manifest.Segments {
		seg, err := e.segStore.Open(info.ID)
		if err != nil {
			return fmt.Errorf("open segment %d: %w", info.ID, err)
		}
		e.segments[info.ID] = seg
	}
	return nil
}

// loadIndexSnapshot restores the primary index of the checkpoint.
func (e *Engine) loadIndexSnapshot(ctx context.Context) error {
	if e.manifest.Snapshot == "" {
		if len(e.manifest.Segments) > 0 {
			return fmt.Errorf("%w: manifest %d lists segments without an index snapshot", ErrCorrupt, e.manifest.ID)
		}
		return nil
	}
	snap, err := e.manifests.LoadSnapshot(ctx, e.manifest.Snapshot)
	if err != nil {
		return err
	}
	if snap.CheckpointSeq != e.manifest.CheckpointSeq {
		return fmt.Errorf("%w: snapshot at seq %d, manifest at %d", ErrCorrupt, snap.CheckpointSeq, e.manifest.CheckpointSeq)
	}

	pairs := make([]btree.Pair[uint64, location], len(snap.IDs))
	for i, id := range snap.IDs {
		loc := snap.Locations[i]
		if _, ok := e.segments[loc.Segment]; !ok {
			return fmt.Errorf("%w: id %d points to unknown segment %d", ErrCorrupt, id, loc.Segment)
		}
		pairs[i] = btree.Pair[uint64, location]{Key: id, Value: location{segment: loc.Segment, offset: loc.Offset}}
	}
	if err := e.primary.BulkInsert(pairs); err != nil {
		return fmt.Errorf("%w: snapshot ids: %v", ErrCorrupt, err)
	}
	if n := len(snap.IDs); n > 0 {
		e.maxID = max(e.maxID, snap.IDs[n-1])
	}
	return nil
}

// rebuildSecondaries bulk loads one secondary index per indexed field from
// the metadata of every live record.
func (e *Engine) rebuildSecondaries() error {
	keys := make(map[string][]btree.Pair[query.IndexKey, struct{}], len(e.manifest.IndexedFields))
	for _, field := range e.manifest.IndexedFields {
		keys[field] = nil
	}

	if len(keys) > 0 {
		for id, loc := range e.primary.Ascend() {
			doc, err := e.documentLocked(id, loc)
			if err != nil {
				return err
			}
			for field := range keys {
				if v, ok := query.IndexValue(doc, field); ok {
					keys[field] = append(keys[field], btree.Pair[query.IndexKey, struct{}]{Key: query.IndexKey{Value: v, ID: id}})
				}
			}
		}
	}

	for field, pairs := range keys {
		idx, err := query.NewSecondary(e.cfg.fanout)
		if err != nil {
			return err
		}
		slices.SortFunc(pairs, func(a, b btree.Pair[query.IndexKey, struct{}]) int {
			return query.CompareIndexKeys(a.Key, b.Key)
		})
		if err := idx.BulkInsert(pairs); err != nil {
			return err
		}
		e.secondary[field] = idx
	}
	return nil
}

// applyLocked applies a logged mutation exactly like a live write. Deletes
// of ids that are not live are no-ops.
func (e *Engine) applyLocked(ent wal.Entry) error {
	switch ent.Op {
	case wal.OpInsert:
		vec, meta, err := wal.DecodeInsert(ent.Payload)
		if err != nil {
			return fmt.Errorf("seq %d: %w", ent.Seq, err)
		}
		if vec.Dim != e.dim {
			return fmt.Errorf("%w: seq %d: vector of %d bits in a %d-bit collection", wal.ErrCorruptLog, ent.Seq, vec.Dim, e.dim)
		}
		doc, err := metadata.ParseDocument(meta)
		if err != nil {
			return fmt.Errorf("%w: seq %d: %v", wal.ErrCorruptLog, ent.Seq, err)
		}
		e.insertLocked(&memRecord{
			id:   ent.RecordID,
			vec:  vec.Clone(),
			meta: bytes.Clone(meta),
			doc:  doc,
		})
	case wal.OpDelete:
		loc, ok := e.primary.Lookup(ent.RecordID)
		if !ok {
			break
		}
		doc, err := e.documentLocked(ent.RecordID, loc)
		if err != nil {
			return err
		}
		e.removeLocked(ent.RecordID, doc)
	default:
		return fmt.Errorf("%w: seq %d: unknown op %s", wal.ErrCorruptLog, ent.Seq, ent.Op)
	}
	e.applied = ent.Seq
	return nil
}
