package engine

import (
	"fmt"
	"iter"
	"log/slog"
	"maps"
	"sync/atomic"

	"github.com/hupe1980/vecbit/internal/btree"
	"github.com/hupe1980/vecbit/internal/query"
	"github.com/hupe1980/vecbit/internal/segment"
)

// Snapshot is an immutable, reference counted view of the collection as of
// sequence number seq. Readers hold a reference for the duration of a query;
// segments stay mapped until the last snapshot referencing them is released.
type Snapshot struct {
	refs atomic.Int64

	seq       uint64
	dim       int
	primary   *btree.Tree[uint64, location]
	secondary map[string]*query.Secondary
	segments  map[uint64]*segment.Segment

	logger *slog.Logger
}

// newSnapshot takes a reference on every segment. primary and secondary must
// already be clones owned by the snapshot.
func newSnapshot(seq uint64, dim int, primary *btree.Tree[uint64, location], secondary map[string]*query.Secondary, segments map[uint64]*segment.Segment, logger *slog.Logger) *Snapshot {
	s := &Snapshot{
		seq:       seq,
		dim:       dim,
		primary:   primary,
		secondary: secondary,
		segments:  maps.Clone(segments),
		logger:    logger,
	}
	s.refs.Store(1)
	for _, seg := range s.segments {
		seg.IncRef()
	}
	return s
}

func (s *Snapshot) IncRef() {
	s.refs.Add(1)
}

// TryIncRef attempts to increment the reference count.
// Returns true if successful, false if the snapshot is already destroyed (refs == 0).
func (s *Snapshot) TryIncRef() bool {
	for {
		refs := s.refs.Load()
		if refs <= 0 {
			return false
		}
		if s.refs.CompareAndSwap(refs, refs+1) {
			return true
		}
	}
}

func (s *Snapshot) DecRef() {
	if s.refs.Add(-1) != 0 {
		return
	}
	for id, seg := range s.segments {
		if err := seg.DecRef(); err != nil {
			s.logger.Warn("release segment", "segment", id, "error", err)
		}
	}
}

// Seq returns the last sequence number reflected by the snapshot.
func (s *Snapshot) Seq() uint64 { return s.seq }

// Len returns the number of live records.
func (s *Snapshot) Len() int { return s.primary.Len() }

// Dimension implements query.Source.
func (s *Snapshot) Dimension() int { return s.dim }

// Live implements query.Source.
func (s *Snapshot) Live() iter.Seq[uint64] {
	return func(yield func(uint64) bool) {
		for id := range s.primary.Ascend() {
			if !yield(id) {
				return
			}
		}
	}
}

// Load implements query.Source.
func (s *Snapshot) Load(id uint64) (query.Record, bool, error) {
	loc, ok := s.primary.Lookup(id)
	if !ok {
		return nil, false, nil
	}
	rec, err := s.resolve(id, loc)
	if err != nil {
		return nil, false, err
	}
	return rec, true, nil
}

// Index implements query.Source.
func (s *Snapshot) Index(field string) (*query.Secondary, bool) {
	idx, ok := s.secondary[field]
	return idx, ok
}

func (s *Snapshot) resolve(id uint64, loc location) (query.Record, error) {
	if !loc.sealed() {
		return loc.mem, nil
	}
	seg, ok := s.segments[loc.segment]
	if !ok {
		return nil, fmt.Errorf("%w: id %d points to unknown segment %d", ErrCorrupt, id, loc.segment)
	}
	rec, err := seg.ReadAt(loc.offset)
	if err != nil {
		return nil, fmt.Errorf("id %d: %w", id, err)
	}
	if rec.ID != id {
		return nil, fmt.Errorf("%w: id %d resolved to record %d", ErrCorrupt, id, rec.ID)
	}
	return segRecord{rec: rec}, nil
}

// get returns a copy of the live record id.
func (s *Snapshot) get(id uint64) (Record, error) {
	loc, ok := s.primary.Lookup(id)
	if !ok {
		return Record{}, ErrNotFound
	}
	rec, err := s.resolve(id, loc)
	if err != nil {
		return Record{}, err
	}
	doc, err := rec.Document()
	if err != nil {
		return Record{}, err
	}
	out := Record{ID: id, Metadata: doc.Clone()}
	switch r := rec.(type) {
	case *memRecord:
		out.Vector = r.vec.Clone()
	case segRecord:
		out.Vector = r.rec.Vector.Clone()
	}
	return out, nil
}
