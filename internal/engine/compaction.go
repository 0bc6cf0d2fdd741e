package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/hupe1980/vecbit/internal/segment"
)

// Compact rewrites the live records of segments picked by the compaction
// policy into a single new segment and commits the new layout with a
// checkpoint. It returns the number of segments removed.
func (e *Engine) Compact(ctx context.Context) (int, error) {
	if err := e.checkWritable(); err != nil {
		return 0, err
	}
	e.maintMu.Lock()
	defer e.maintMu.Unlock()

	if e.closed.Load() {
		return 0, ErrClosed
	}
	return e.compact(ctx)
}

// compact runs with maintMu held.
func (e *Engine) compact(ctx context.Context) (removed int, err error) {
	start := time.Now()
	var moved int
	var victims []*segment.Segment
	defer func() {
		if len(victims) > 0 {
			e.cfg.metrics.OnCompaction(time.Since(start), len(victims), moved, err)
		}
	}()

	snap, err := e.loadSnapshot()
	if err != nil {
		return 0, err
	}
	defer snap.DecRef()

	// --- Phase 1: Pick from the current snapshot ---
	live := make(map[uint64]uint64, len(snap.segments))
	for _, loc := range snap.primary.Ascend() {
		if loc.sealed() {
			live[loc.segment]++
		}
	}
	policy := e.cfg.policy()
	picked := policy.Pick(segmentInfos(snap.segments, live))
	if len(picked) == 0 {
		return 0, nil
	}
	victimSet := make(map[uint64]bool, len(picked))
	var createSeq uint64
	for _, id := range picked {
		seg, ok := snap.segments[id]
		if !ok {
			continue
		}
		victimSet[id] = true
		victims = append(victims, seg)
		createSeq = max(createSeq, seg.Header().CreateSeq)
	}
	if len(victims) == 0 {
		return 0, nil
	}

	e.logger.Info("compaction started", "segments", picked)

	// --- Phase 2: Rewrite live records (no lock) ---
	var entries []segment.Entry
	old := make(map[uint64]location)
	for id, loc := range snap.primary.Ascend() {
		if !loc.sealed() || !victimSet[loc.segment] {
			continue
		}
		rec, err := snap.segments[loc.segment].ReadAt(loc.offset)
		if err != nil {
			return 0, fmt.Errorf("compact segment %d: %w", loc.segment, err)
		}
		meta, err := rec.Metadata()
		if err != nil {
			return 0, fmt.Errorf("compact segment %d: %w", loc.segment, err)
		}
		entries = append(entries, segment.Entry{ID: id, Vector: rec.Vector, Metadata: meta})
		old[id] = loc
	}

	var out *segment.Segment
	var outID uint64
	offsets := make(map[uint64]int64, len(entries))
	if len(entries) > 0 {
		e.mu.Lock()
		outID = e.nextSegmentID
		e.nextSegmentID++
		e.mu.Unlock()

		err = e.retry(ctx, "compact segment", func() error {
			var werr error
			out, werr = e.segStore.AppendSegment(ctx, outID, createSeq, entries)
			return werr
		})
		if err != nil {
			return 0, fmt.Errorf("write segment %d: %w", outID, err)
		}
		for off, rec := range out.Scan() {
			offsets[rec.ID] = off
		}
		moved = len(entries)
		e.cfg.metrics.OnThroughput("compaction_write", out.Size())
	}

	// --- Phase 3: Swap locations (holding the writer lock) ---
	e.mu.Lock()
	for id, loc := range old {
		// Ids deleted or replaced meanwhile keep their current location.
		if cur, ok := e.primary.Lookup(id); ok && cur == loc {
			e.primary.Insert(id, location{segment: outID, offset: offsets[id]})
		}
	}
	if out != nil {
		e.segments[outID] = out
	}
	retired := make([]*segment.Segment, 0, len(victims))
	for id := range victimSet {
		retired = append(retired, e.segments[id])
		delete(e.segments, id)
	}
	e.layoutChanged = true
	e.publishLocked()
	e.mu.Unlock()

	// --- Phase 4: Commit the new layout ---
	cerr := e.checkpoint(ctx)
	for _, seg := range retired {
		if cerr == nil {
			// Deleted once the last snapshot referencing it is released.
			seg.MarkObsolete()
		}
		if err := seg.DecRef(); err != nil {
			e.logger.Warn("release segment", "segment", seg.ID(), "error", err)
		}
	}
	if cerr != nil {
		return 0, fmt.Errorf("commit compaction: %w", cerr)
	}

	e.logger.Info("compaction complete",
		"removed", len(retired),
		"segment", outID,
		"records", moved,
		"duration", time.Since(start),
	)
	return len(retired), nil
}

// policy returns the compaction policy of the configuration.
func (c *config) policy() CompactionPolicy {
	if c.compactionPolicy != nil {
		return c.compactionPolicy
	}
	return &DeadRatioPolicy{Threshold: c.compactionThreshold}
}
