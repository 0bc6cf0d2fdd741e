package engine

import (
	"fmt"

	"github.com/hupe1980/vecbit/internal/bitvec"
	"github.com/hupe1980/vecbit/internal/segment"
	"github.com/hupe1980/vecbit/metadata"
)

// Item is a record to insert.
type Item struct {
	ID       uint64
	Vector   bitvec.BitVector
	Metadata metadata.Document
}

// Record is a resolved live record. Vector is a private copy.
type Record struct {
	ID       uint64
	Vector   bitvec.BitVector
	Metadata metadata.Document
}

// memRecord is an unsealed record. It is immutable once created.
type memRecord struct {
	id   uint64
	vec  bitvec.BitVector
	meta []byte
	doc  metadata.Document
}

func (r *memRecord) Vector() []byte                       { return r.vec.Data }
func (r *memRecord) Document() (metadata.Document, error) { return r.doc, nil }

// size approximates the memory held by the record.
func (r *memRecord) size() int64 {
	return int64(len(r.vec.Data)+len(r.meta)) + 64
}

// location is the primary index value: an unsealed record, or an offset
// within a sealed segment.
type location struct {
	mem     *memRecord
	segment uint64
	offset  int64
}

func (l location) sealed() bool { return l.mem == nil }

// segRecord adapts a sealed record to query.Record.
type segRecord struct {
	rec segment.Record
}

func (r segRecord) Vector() []byte { return r.rec.Vector.Data }

func (r segRecord) Document() (metadata.Document, error) {
	raw, err := r.rec.Metadata()
	if err != nil {
		return nil, err
	}
	doc, err := metadata.ParseDocument(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: record %d: %v", ErrCorrupt, r.rec.ID, err)
	}
	return doc, nil
}
