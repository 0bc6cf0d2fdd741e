package engine

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"time"

	"github.com/hupe1980/vecbit/internal/btree"
	"github.com/hupe1980/vecbit/internal/manifest"
	"github.com/hupe1980/vecbit/internal/segment"
	"github.com/hupe1980/vecbit/internal/wal"
)

const (
	retryAttempts  = 4
	initialBackoff = 50 * time.Millisecond
)

// Checkpoint seals all unsealed records into a new segment, commits an index
// snapshot and manifest at the last applied sequence number, and purges the
// log files the checkpoint covers. It is a no-op when nothing changed since
// the last checkpoint.
//
// On failure the previous checkpoint stays valid and the log still covers
// every write.
func (e *Engine) Checkpoint(ctx context.Context) error {
	if err := e.checkWritable(); err != nil {
		return err
	}
	e.maintMu.Lock()
	defer e.maintMu.Unlock()

	if e.closed.Load() {
		return ErrClosed
	}
	return e.checkpoint(ctx)
}

// checkpoint runs with maintMu held.
func (e *Engine) checkpoint(ctx context.Context) (err error) {
	start := time.Now()
	var sealedRecords int
	defer func() {
		e.cfg.metrics.OnCheckpoint(time.Since(start), sealedRecords, err)
	}()

	// --- Phase 1: Freeze (holding the writer lock) ---
	e.mu.Lock()
	if e.applied == e.manifest.CheckpointSeq && !e.layoutChanged {
		e.mu.Unlock()
		return nil
	}
	if _, err := e.wal.Rotate(); err != nil {
		e.mu.Unlock()
		return err
	}
	// Rotation synced the log, so every in-doubt write is confirmed now.
	e.settleLocked()
	seq := e.applied
	frozen, frozenBytes := e.memtable, e.memBytes
	e.memtable, e.memBytes = nil, 0
	view := e.primary.Clone()
	segs := maps.Clone(e.segments)

	sealed := sealable(frozen, view)
	var segID uint64
	if len(sealed) > 0 {
		segID = e.nextSegmentID
		e.nextSegmentID++
	}
	e.mu.Unlock()
	// --- End of Phase 1 (writes can proceed) ---

	e.logger.Info("checkpoint started", "seq", seq, "records", len(sealed))

	// --- Phase 2: Write (no lock) ---
	var seg *segment.Segment
	offsets := make(map[uint64]int64, len(sealed))
	if len(sealed) > 0 {
		entries := make([]segment.Entry, len(sealed))
		for i, rec := range sealed {
			entries[i] = segment.Entry{ID: rec.id, Vector: rec.vec, Metadata: rec.meta}
		}
		err = e.retry(ctx, "seal segment", func() error {
			var werr error
			seg, werr = e.segStore.AppendSegment(ctx, segID, seq, entries)
			return werr
		})
		if err != nil {
			e.restoreMemtable(frozen, frozenBytes)
			return fmt.Errorf("seal segment %d: %w", segID, err)
		}
		for off, rec := range seg.Scan() {
			offsets[rec.ID] = off
		}
		segs[segID] = seg
		sealedRecords = len(sealed)
		e.cfg.metrics.OnThroughput("checkpoint_write", seg.Size())
	}

	snap, live, err := buildIndexSnapshot(seq, view, segID, offsets)
	if err != nil {
		if seg != nil {
			seg.MarkObsolete()
			_ = seg.DecRef()
		}
		e.restoreMemtable(frozen, frozenBytes)
		return err
	}

	// --- Phase 3: Swap locations (holding the writer lock) ---
	e.mu.Lock()
	if seg != nil {
		for _, rec := range sealed {
			// Only move ids that still point to the record that was sealed.
			cur, ok := e.primary.Lookup(rec.id)
			if ok && cur.mem == rec {
				e.primary.Insert(rec.id, location{segment: segID, offset: offsets[rec.id]})
			}
		}
		e.segments[segID] = seg
		e.publishLocked()
	}
	e.cfg.resource.ReleaseMemory(frozenBytes)

	m := e.manifest.Clone()
	m.CheckpointSeq = seq
	m.NextSegmentID = e.nextSegmentID
	m.Compression = e.cfg.compression
	m.Segments = segmentInfos(segs, live)
	e.mu.Unlock()

	// --- Phase 4: Commit (no lock) ---
	err = e.retry(ctx, "commit manifest", func() error {
		name, serr := e.manifests.SaveSnapshot(ctx, m.ID+1, snap)
		if serr != nil {
			return serr
		}
		m.Snapshot = name
		return e.manifests.Save(ctx, m)
	})
	if err != nil {
		e.mu.Lock()
		e.layoutChanged = true
		e.mu.Unlock()
		return fmt.Errorf("commit checkpoint at seq %d: %w", seq, err)
	}

	e.mu.Lock()
	e.manifest = m
	e.layoutChanged = false
	e.mu.Unlock()

	purged, perr := e.wal.Purge(seq)
	if perr != nil {
		e.logger.Warn("log purge failed", "seq", seq, "error", perr)
	}
	if _, perr := e.manifests.Prune(ctx, m.ID); perr != nil {
		e.logger.Warn("manifest prune failed", "manifest", m.ID, "error", perr)
	}

	e.logger.Info("checkpoint complete",
		"seq", seq,
		"manifest", m.ID,
		"segment", segID,
		"records", sealedRecords,
		"live", snap.Len(),
		"purgedLogFiles", purged,
		"duration", time.Since(start),
	)

	e.triggerCompaction()
	return nil
}

// sealable returns the frozen records that view still points to, by id.
func sealable(frozen []*memRecord, view *btree.Tree[uint64, location]) []*memRecord {
	out := make([]*memRecord, 0, len(frozen))
	for _, rec := range frozen {
		if loc, ok := view.Lookup(rec.id); ok && loc.mem == rec {
			out = append(out, rec)
		}
	}
	slices.SortFunc(out, func(a, b *memRecord) int { return cmp.Compare(a.id, b.id) })
	return out
}

// buildIndexSnapshot converts view into its persisted form, translating
// unsealed locations into segID offsets. It also counts live records per
// segment.
func buildIndexSnapshot(seq uint64, view *btree.Tree[uint64, location], segID uint64, offsets map[uint64]int64) (*manifest.Snapshot, map[uint64]uint64, error) {
	snap := &manifest.Snapshot{
		CheckpointSeq: seq,
		IDs:           make([]uint64, 0, view.Len()),
		Locations:     make([]manifest.Location, 0, view.Len()),
	}
	live := make(map[uint64]uint64)
	for id, loc := range view.Ascend() {
		ml := manifest.Location{Segment: loc.segment, Offset: loc.offset}
		if !loc.sealed() {
			off, ok := offsets[id]
			if !ok {
				return nil, nil, fmt.Errorf("%w: unsealed id %d missing from checkpoint", ErrCorrupt, id)
			}
			ml = manifest.Location{Segment: segID, Offset: off}
		}
		snap.IDs = append(snap.IDs, id)
		snap.Locations = append(snap.Locations, ml)
		live[ml.Segment]++
	}
	return snap, live, nil
}

func segmentInfos(segs map[uint64]*segment.Segment, live map[uint64]uint64) []manifest.SegmentInfo {
	infos := make([]manifest.SegmentInfo, 0, len(segs))
	for _, id := range slices.Sorted(maps.Keys(segs)) {
		seg := segs[id]
		h := seg.Header()
		infos = append(infos, manifest.SegmentInfo{
			ID:        id,
			Records:   h.RecordCount,
			Live:      live[id],
			Size:      seg.Size(),
			MinID:     h.MinID,
			MaxID:     h.MaxID,
			CreateSeq: h.CreateSeq,
			Path:      manifest.SegmentPath(id),
		})
	}
	return infos
}

// restoreMemtable puts records of a failed checkpoint back in front of the
// records written since.
func (e *Engine) restoreMemtable(frozen []*memRecord, bytes int64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.memtable = append(frozen, e.memtable...)
	e.memBytes += bytes
}

// retry runs fn with exponential backoff until it succeeds, fails with a
// permanent error or the attempts are exhausted.
func (e *Engine) retry(ctx context.Context, op string, fn func() error) error {
	backoff := initialBackoff
	for attempt := 1; ; attempt++ {
		err := fn()
		if err == nil || attempt == retryAttempts || !transient(err) {
			return err
		}
		e.logger.Warn("retrying after error", "op", op, "attempt", attempt, "backoff", backoff, "error", err)

		t := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			t.Stop()
			return errors.Join(err, ctx.Err())
		case <-t.C:
		}
		backoff *= 2
	}
}

func transient(err error) bool {
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return false
	case errors.Is(err, ErrClosed), errors.Is(err, wal.ErrClosed), errors.Is(err, segment.ErrCorrupt):
		return false
	}
	return true
}
