package engine

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"runtime"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hupe1980/vecbit/internal/bitvec"
	"github.com/hupe1980/vecbit/internal/btree"
	"github.com/hupe1980/vecbit/internal/manifest"
	"github.com/hupe1980/vecbit/internal/query"
	"github.com/hupe1980/vecbit/internal/segment"
	"github.com/hupe1980/vecbit/internal/wal"
	"github.com/hupe1980/vecbit/metadata"
)

// State is the lifecycle state of an engine.
type State int32

const (
	StateClosed State = iota
	StateReplaying
	StateReady
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateReplaying:
		return "replaying"
	case StateReady:
		return "ready"
	default:
		return "unknown"
	}
}

// Engine manages one collection: a primary index from id to record
// location, secondary indexes over metadata fields, a write-ahead log and an
// ordered list of sealed segments.
//
// Writes are serialized by a single writer lock. Readers load the current
// Snapshot and never block on the writer.
type Engine struct {
	// mu is the writer lock. It guards every field below up to current.
	mu sync.Mutex

	dir    string
	dim    int
	cfg    config
	logger *slog.Logger

	wal       *wal.WAL
	segStore  *segment.Store
	manifests *manifest.Store
	manifest  *manifest.Manifest

	primary       *btree.Tree[uint64, location]
	secondary     map[string]*query.Secondary
	segments      map[uint64]*segment.Segment
	memtable      []*memRecord
	memBytes      int64
	applied       uint64
	maxID         uint64
	nextSegmentID uint64
	// layoutChanged is set when the segment set differs from the committed manifest.
	layoutChanged bool
	// inDoubt holds logged entries whose durability was not confirmed in
	// time, in sequence order. They become visible once the log syncs them.
	inDoubt []wal.Entry

	current  atomic.Pointer[Snapshot]
	executor *query.Executor
	state    atomic.Int32

	// maintMu serializes checkpoint, compaction and archive.
	maintMu sync.Mutex

	checkpointCh chan struct{}
	compactionCh chan struct{}
	inDoubtCh    chan struct{}
	closeCh      chan struct{}
	wg           sync.WaitGroup
	closed       atomic.Bool

	ctx    context.Context
	cancel context.CancelFunc
}

// Dimension returns the bit width of every vector.
func (e *Engine) Dimension() int { return e.dim }

// State returns the lifecycle state.
func (e *Engine) State() State { return State(e.state.Load()) }

// ReadOnly reports whether writes are rejected.
func (e *Engine) ReadOnly() bool { return e.cfg.readOnly }

// loadSnapshot safely loads the current snapshot with an incremented reference count.
// It handles race conditions where the snapshot might be destroyed during load.
func (e *Engine) loadSnapshot() (*Snapshot, error) {
	for {
		if e.closed.Load() {
			return nil, ErrClosed
		}

		snap := e.current.Load()
		if snap == nil {
			return nil, ErrClosed
		}

		if snap.TryIncRef() {
			return snap, nil
		}

		// The writer installs the replacement before releasing the old one.
		runtime.Gosched()
	}
}

// Snapshot returns the current snapshot. Callers must DecRef it.
func (e *Engine) Snapshot() (*Snapshot, error) {
	return e.loadSnapshot()
}

// publishLocked installs a snapshot of the writer state.
func (e *Engine) publishLocked() {
	secondary := make(map[string]*query.Secondary, len(e.secondary))
	for field, idx := range e.secondary {
		secondary[field] = idx.Clone()
	}
	snap := newSnapshot(e.applied, e.dim, e.primary.Clone(), secondary, e.segments, e.logger)
	if old := e.current.Swap(snap); old != nil {
		old.DecRef()
	}
}

func (e *Engine) checkWritable() error {
	if e.closed.Load() {
		return ErrClosed
	}
	if e.cfg.readOnly {
		return ErrReadOnly
	}
	return nil
}

// prepare validates an item and builds its unsealed record.
func (e *Engine) prepare(it Item) (*memRecord, error) {
	if it.Vector.Dim != e.dim {
		return nil, &bitvec.ErrDimensionMismatch{Expected: e.dim, Actual: it.Vector.Dim}
	}
	if e.cfg.schema != nil {
		if err := e.cfg.schema.Validate(it.Metadata); err != nil {
			return nil, err
		}
	}
	meta, err := it.Metadata.Encode()
	if err != nil {
		return nil, fmt.Errorf("%w: encode metadata: %v", ErrInvalidArgument, err)
	}
	return &memRecord{
		id:   it.ID,
		vec:  it.Vector.Clone(),
		meta: meta,
		doc:  it.Metadata.Clone(),
	}, nil
}

// Insert logs and indexes a single record. An id that is currently live is
// rejected with ErrDuplicateID before anything is logged.
//
// If durability is not confirmed in time wal.ErrTimeout is returned and the
// record stays invisible until the log confirms it.
func (e *Engine) Insert(ctx context.Context, it Item) error {
	if err := e.checkWritable(); err != nil {
		return err
	}
	rec, err := e.prepare(it)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed.Load() {
		return ErrClosed
	}
	e.settleLocked()
	if _, ok := e.primary.Lookup(rec.id); ok {
		return fmt.Errorf("%w: %d", ErrDuplicateID, rec.id)
	}

	entries := []wal.Entry{{
		Op:       wal.OpInsert,
		RecordID: rec.id,
		Payload:  wal.EncodeInsert(rec.vec, rec.meta),
	}}
	ack, err := e.logLocked(ctx, entries)
	if err != nil {
		return err
	}

	e.insertLocked(rec)
	e.applied = ack.LastSeq
	e.publishLocked()
	e.afterWriteLocked()
	return nil
}

// Append inserts a record under the id max(id)+1 and returns it.
func (e *Engine) Append(ctx context.Context, vec bitvec.BitVector, doc metadata.Document) (uint64, error) {
	if err := e.checkWritable(); err != nil {
		return 0, err
	}
	rec, err := e.prepare(Item{Vector: vec, Metadata: doc})
	if err != nil {
		return 0, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed.Load() {
		return 0, ErrClosed
	}
	e.settleLocked()
	rec.id = e.maxID + 1
	for _, ent := range e.inDoubt {
		if ent.Op == wal.OpInsert && ent.RecordID >= rec.id {
			rec.id = ent.RecordID + 1
		}
	}

	entries := []wal.Entry{{
		Op:       wal.OpInsert,
		RecordID: rec.id,
		Payload:  wal.EncodeInsert(rec.vec, rec.meta),
	}}
	ack, err := e.logLocked(ctx, entries)
	if err != nil {
		if errors.Is(err, wal.ErrTimeout) {
			return rec.id, err
		}
		return 0, err
	}

	e.insertLocked(rec)
	e.applied = ack.LastSeq
	e.publishLocked()
	e.afterWriteLocked()
	return rec.id, nil
}

// BulkInsert logs items as one batch and indexes them through the B+Tree
// bulk path. Items are sorted by id; an id that is live or repeated in the
// batch fails the whole batch before anything is logged. An empty batch is
// a no-op.
func (e *Engine) BulkInsert(ctx context.Context, items []Item) error {
	if len(items) == 0 {
		return nil
	}
	if err := e.checkWritable(); err != nil {
		return err
	}

	recs := make([]*memRecord, len(items))
	for i, it := range items {
		rec, err := e.prepare(it)
		if err != nil {
			return fmt.Errorf("item %d: %w", it.ID, err)
		}
		recs[i] = rec
	}
	slices.SortFunc(recs, func(a, b *memRecord) int { return cmp.Compare(a.id, b.id) })
	for i := 1; i < len(recs); i++ {
		if recs[i].id == recs[i-1].id {
			return fmt.Errorf("%w: %d repeated in batch", ErrDuplicateID, recs[i].id)
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed.Load() {
		return ErrClosed
	}
	e.settleLocked()
	for _, rec := range recs {
		if _, ok := e.primary.Lookup(rec.id); ok {
			return fmt.Errorf("%w: %d", ErrDuplicateID, rec.id)
		}
	}

	entries := make([]wal.Entry, len(recs))
	for i, rec := range recs {
		entries[i] = wal.Entry{
			Op:       wal.OpInsert,
			RecordID: rec.id,
			Payload:  wal.EncodeInsert(rec.vec, rec.meta),
		}
	}
	ack, err := e.logLocked(ctx, entries)
	if err != nil {
		return err
	}

	// A confirmed in-doubt insert may have made one of the ids live; the
	// bulk path would leave its old secondary keys behind.
	bulk := !slices.ContainsFunc(recs, func(rec *memRecord) bool {
		_, ok := e.primary.Lookup(rec.id)
		return ok
	})
	if bulk {
		if berr := e.bulkInsertLocked(recs); berr != nil {
			e.logger.Warn("bulk index path failed", "error", berr)
			bulk = false
		}
	}
	if !bulk {
		for _, rec := range recs {
			e.insertLocked(rec)
		}
	}
	e.applied = ack.LastSeq
	e.publishLocked()
	e.afterWriteLocked()
	return nil
}

// Delete logs a tombstone for a live id. A missing id returns ErrNotFound
// and leaves the log untouched.
func (e *Engine) Delete(ctx context.Context, id uint64) error {
	if err := e.checkWritable(); err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed.Load() {
		return ErrClosed
	}
	e.settleLocked()
	loc, ok := e.primary.Lookup(id)
	if !ok {
		return fmt.Errorf("%w: %d", ErrNotFound, id)
	}
	doc, err := e.documentLocked(id, loc)
	if err != nil {
		return err
	}

	ack, err := e.logLocked(ctx, []wal.Entry{{Op: wal.OpDelete, RecordID: id}})
	if err != nil {
		return err
	}

	if cur, ok := e.primary.Lookup(id); ok && cur != loc {
		// A confirmed in-doubt insert replaced the record meanwhile.
		if doc, err = e.documentLocked(id, cur); err != nil {
			return err
		}
	}
	e.removeLocked(id, doc)
	e.applied = ack.LastSeq
	e.publishLocked()
	return nil
}

// logLocked appends entries and waits for durability. Entries whose
// durability timed out are parked as in doubt and the error is returned. On
// success every earlier in-doubt entry is durable too and is applied first,
// so visible state follows log order.
func (e *Engine) logLocked(ctx context.Context, entries []wal.Entry) (wal.Ack, error) {
	ack, err := e.wal.AppendBatch(ctx, entries)
	if err != nil {
		if errors.Is(err, wal.ErrTimeout) && ack.LastSeq > 0 {
			e.inDoubt = append(e.inDoubt, entries...)
			select {
			case e.inDoubtCh <- struct{}{}:
			default:
			}
		}
		return ack, err
	}
	e.settleLocked()
	return ack, nil
}

// settleLocked applies the in-doubt entries the log has since made durable.
// When the log failed, the rest were cut from it and are dropped.
func (e *Engine) settleLocked() {
	if len(e.inDoubt) == 0 {
		return
	}
	durable := e.wal.DurableSeq()
	n := 0
	for ; n < len(e.inDoubt) && e.inDoubt[n].Seq <= durable; n++ {
		if err := e.applyLocked(e.inDoubt[n]); err != nil {
			e.logger.Error("apply confirmed entry", "seq", e.inDoubt[n].Seq, "error", err)
		}
	}
	if n < len(e.inDoubt) && e.wal.Err() != nil {
		e.logger.Warn("unconfirmed writes dropped",
			"fromSeq", e.inDoubt[n].Seq, "toSeq", e.inDoubt[len(e.inDoubt)-1].Seq)
		n = len(e.inDoubt)
	}
	e.inDoubt = e.inDoubt[n:]
	if n > 0 {
		e.publishLocked()
		e.afterWriteLocked()
	}
}

// Get returns the live record id.
func (e *Engine) Get(ctx context.Context, id uint64) (Record, error) {
	if err := ctx.Err(); err != nil {
		return Record{}, err
	}
	snap, err := e.loadSnapshot()
	if err != nil {
		return Record{}, err
	}
	defer snap.DecRef()
	return snap.get(id)
}

// Search runs an exact top-k query against the current snapshot.
func (e *Engine) Search(ctx context.Context, q bitvec.BitVector, filter *metadata.Filter, k int) ([]query.Hit, error) {
	snap, err := e.loadSnapshot()
	if err != nil {
		return nil, err
	}
	defer snap.DecRef()
	return e.executor.Search(ctx, snap, query.Request{Query: q, Filter: filter, K: k})
}

// Explain reports how the candidates of filter would be produced.
func (e *Engine) Explain(filter *metadata.Filter) (query.Plan, error) {
	snap, err := e.loadSnapshot()
	if err != nil {
		return query.Plan{}, err
	}
	defer snap.DecRef()
	return e.executor.Explain(snap, filter), nil
}

// insertLocked indexes an unsealed record.
func (e *Engine) insertLocked(rec *memRecord) {
	if old, ok := e.primary.Lookup(rec.id); ok {
		// Replay of an id that is already live: drop the stale secondary keys.
		if doc, err := e.documentLocked(rec.id, old); err == nil {
			e.unindexLocked(rec.id, doc)
		}
	}
	e.primary.Insert(rec.id, location{mem: rec})
	for field, idx := range e.secondary {
		if v, ok := query.IndexValue(rec.doc, field); ok {
			idx.Insert(query.IndexKey{Value: v, ID: rec.id}, struct{}{})
		}
	}
	e.trackLocked(rec)
}

// bulkInsertLocked indexes recs, sorted by id and not live, through the
// bulk path of every tree.
func (e *Engine) bulkInsertLocked(recs []*memRecord) error {
	pairs := make([]btree.Pair[uint64, location], len(recs))
	for i, rec := range recs {
		pairs[i] = btree.Pair[uint64, location]{Key: rec.id, Value: location{mem: rec}}
	}
	if err := e.primary.BulkInsert(pairs); err != nil {
		return err
	}
	for field, idx := range e.secondary {
		var keys []btree.Pair[query.IndexKey, struct{}]
		for _, rec := range recs {
			if v, ok := query.IndexValue(rec.doc, field); ok {
				keys = append(keys, btree.Pair[query.IndexKey, struct{}]{Key: query.IndexKey{Value: v, ID: rec.id}})
			}
		}
		slices.SortFunc(keys, func(a, b btree.Pair[query.IndexKey, struct{}]) int {
			return query.CompareIndexKeys(a.Key, b.Key)
		})
		if err := idx.BulkInsert(keys); err != nil {
			return err
		}
	}
	for _, rec := range recs {
		e.trackLocked(rec)
	}
	return nil
}

func (e *Engine) trackLocked(rec *memRecord) {
	e.memtable = append(e.memtable, rec)
	size := rec.size()
	e.memBytes += size
	if rec.id > e.maxID {
		e.maxID = rec.id
	}
	if e.cfg.resource.AddMemory(size) {
		e.triggerCheckpoint()
	}
}

func (e *Engine) removeLocked(id uint64, doc metadata.Document) {
	e.unindexLocked(id, doc)
	e.primary.Delete(id)
}

func (e *Engine) unindexLocked(id uint64, doc metadata.Document) {
	for field, idx := range e.secondary {
		if v, ok := query.IndexValue(doc, field); ok {
			idx.Delete(query.IndexKey{Value: v, ID: id})
		}
	}
}

// documentLocked decodes the metadata of the record at loc.
func (e *Engine) documentLocked(id uint64, loc location) (metadata.Document, error) {
	if !loc.sealed() {
		return loc.mem.doc, nil
	}
	seg, ok := e.segments[loc.segment]
	if !ok {
		return nil, fmt.Errorf("%w: id %d points to unknown segment %d", ErrCorrupt, id, loc.segment)
	}
	rec, err := seg.ReadAt(loc.offset)
	if err != nil {
		return nil, fmt.Errorf("id %d: %w", id, err)
	}
	return segRecord{rec: rec}.Document()
}

func (e *Engine) afterWriteLocked() {
	if len(e.memtable) >= e.cfg.segmentThreshold {
		e.triggerCheckpoint()
	}
}

func (e *Engine) triggerCheckpoint() {
	if e.checkpointCh == nil {
		return
	}
	select {
	case e.checkpointCh <- struct{}{}:
	default:
	}
}

func (e *Engine) triggerCompaction() {
	if e.compactionCh == nil {
		return
	}
	select {
	case e.compactionCh <- struct{}{}:
	default:
	}
}

// Stats holds collection statistics.
type Stats struct {
	State           State
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

// Stats returns the current collection statistics.
func (e *Engine) Stats() Stats {
	snap, err := e.loadSnapshot()
	if err != nil {
		return Stats{State: StateClosed}
	}
	defer snap.DecRef()

	stats := Stats{
		State:         e.State(),
		Dimension:     snap.dim,
		Records:       snap.Len(),
		Segments:      len(snap.segments),
		LastSeq:       snap.seq,
		WALBytes:      e.wal.Size(),
		WALFiles:      e.wal.Files(),
		DurableSeq:    e.wal.DurableSeq(),
		IndexedFields: slices.Sorted(maps.Keys(snap.secondary)),
	}
	for _, seg := range snap.segments {
		stats.SegmentRecords += uint64(seg.Len())
		stats.SegmentBytes += seg.Size()
	}

	e.mu.Lock()
	stats.MemtableRecords = len(e.memtable)
	stats.MemtableBytes = e.memBytes
	stats.CheckpointSeq = e.manifest.CheckpointSeq
	stats.ManifestID = e.manifest.ID
	e.mu.Unlock()

	return stats
}

// Close stops background work, syncs the log and releases all segments.
// Unsealed records stay in the log and are replayed on the next Open.
func (e *Engine) Close() error {
	if !e.closed.CompareAndSwap(false, true) {
		return ErrClosed
	}

	e.cancel()
	close(e.closeCh)
	e.wg.Wait()

	// Wait for an in-flight checkpoint or compaction.
	e.maintMu.Lock()
	defer e.maintMu.Unlock()

	e.mu.Lock()
	defer e.mu.Unlock()

	e.state.Store(int32(StateClosed))

	var errs []error
	if !e.cfg.readOnly {
		if err := e.wal.Sync(context.Background()); err != nil && !errors.Is(err, wal.ErrClosed) {
			errs = append(errs, err)
		}
	}
	if err := e.wal.Close(); err != nil && !errors.Is(err, wal.ErrClosed) {
		errs = append(errs, err)
	}

	if snap := e.current.Swap(nil); snap != nil {
		snap.DecRef()
	}
	for id, seg := range e.segments {
		if err := seg.DecRef(); err != nil {
			errs = append(errs, fmt.Errorf("release segment %d: %w", id, err))
		}
	}
	e.segments = nil
	e.cfg.resource.ReleaseMemory(e.memBytes)
	e.memBytes = 0

	e.logger.Info("collection closed", "seq", e.applied)
	return errors.Join(errs...)
}

func (e *Engine) runCheckpointLoop() {
	defer e.wg.Done()

	var tick <-chan time.Time
	if e.cfg.checkpointInterval > 0 {
		t := time.NewTicker(e.cfg.checkpointInterval)
		defer t.Stop()
		tick = t.C
	}

	for {
		select {
		case <-e.closeCh:
			return
		case <-e.checkpointCh:
		case <-tick:
		}
		if err := e.backgroundCheckpoint(); err != nil && !errors.Is(err, context.Canceled) {
			e.logger.Error("background checkpoint failed", "error", err)
		}
	}
}

func (e *Engine) backgroundCheckpoint() error {
	if err := e.cfg.resource.AcquireBackground(e.ctx); err != nil {
		return err
	}
	defer e.cfg.resource.ReleaseBackground()
	return e.Checkpoint(e.ctx)
}

// runInDoubtLoop publishes in-doubt writes as soon as the log confirms them.
func (e *Engine) runInDoubtLoop() {
	defer e.wg.Done()
	for {
		select {
		case <-e.closeCh:
			return
		case <-e.inDoubtCh:
		}
		for {
			synced := e.wal.Synced()
			e.mu.Lock()
			e.settleLocked()
			pending := len(e.inDoubt) > 0
			e.mu.Unlock()
			if !pending {
				break
			}
			select {
			case <-e.closeCh:
				return
			case <-synced:
			}
		}
	}
}

func (e *Engine) runCompactionLoop() {
	defer e.wg.Done()
	for {
		select {
		case <-e.closeCh:
			return
		case <-e.compactionCh:
			if err := e.cfg.resource.AcquireBackground(e.ctx); err != nil {
				continue
			}
			if _, err := e.Compact(e.ctx); err != nil && !errors.Is(err, context.Canceled) {
				e.logger.Error("background compaction failed", "error", err)
			}
			e.cfg.resource.ReleaseBackground()
		}
	}
}
