package query

import (
	"cmp"
	"math"

	"github.com/hupe1980/vecbit/internal/btree"
	"github.com/hupe1980/vecbit/metadata"
)

// IndexKey is the key of a secondary index: the field value, then the record
// id so equal values stay unique and ordered.
type IndexKey struct {
	Value metadata.Value
	ID    uint64
}

// CompareIndexKeys orders keys by value (metadata.Compare), then id.
func CompareIndexKeys(a, b IndexKey) int {
	if c := metadata.Compare(a.Value, b.Value); c != 0 {
		return c
	}
	return cmp.Compare(a.ID, b.ID)
}

// Secondary maps field values to record ids for one field path.
type Secondary = btree.Tree[IndexKey, struct{}]

// NewSecondary creates an empty secondary index.
func NewSecondary(cfg btree.Config) (*Secondary, error) {
	return btree.New[IndexKey, struct{}](CompareIndexKeys, cfg)
}

// IndexValue returns the value of field in doc that a secondary index stores.
func IndexValue(doc metadata.Document, field string) (metadata.Value, bool) {
	v, ok := doc.Lookup(field)
	if !ok || v.Kind == metadata.KindInvalid {
		return metadata.Value{}, false
	}
	return v, true
}

var (
	minNumber = metadata.Float(math.Inf(-1))
	maxNumber = metadata.Float(math.Inf(1))
)

// equalRange yields the ids whose value compares equal to v.
func equalRange(idx *Secondary, v metadata.Value, add func(uint64)) {
	lo := IndexKey{Value: v, ID: 0}
	hi := IndexKey{Value: v, ID: math.MaxUint64}
	for k := range idx.RangeScan(lo, hi) {
		add(k.ID)
	}
}

// numericRange yields the ids whose numeric value satisfies op against v.
func numericRange(idx *Secondary, op metadata.Operator, v metadata.Value, add func(uint64)) {
	var lo, hi IndexKey
	switch op {
	case metadata.OpGreaterThan, metadata.OpGreaterEqual:
		lo = IndexKey{Value: v, ID: 0}
		hi = IndexKey{Value: maxNumber, ID: math.MaxUint64}
	default:
		lo = IndexKey{Value: minNumber, ID: 0}
		hi = IndexKey{Value: v, ID: math.MaxUint64}
	}

	strict := op == metadata.OpGreaterThan || op == metadata.OpLessThan
	for k := range idx.RangeScan(lo, hi) {
		if strict && metadata.Compare(k.Value, v) == 0 {
			continue
		}
		add(k.ID)
	}
}
