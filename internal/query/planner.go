package query

import (
	"github.com/RoaringBitmap/roaring/v2/roaring64"

	"github.com/hupe1980/vecbit/metadata"
)

// Plan describes how candidates for a filter are produced.
type Plan struct {
	// Indexed is true when secondary indexes narrowed the candidates.
	Indexed bool
	// Candidates is the number of ids that will be resolved and scored.
	Candidates uint64
}

// narrow resolves the indexable part of f into a candidate superset.
//
// And intersects its indexable operands and ignores the rest, Or needs every
// operand indexable. Not, Ne and Exists are never indexable. The returned
// bitmap may contain deleted or stale ids; those are dropped at Load time and
// the full predicate is evaluated on every survivor.
func narrow(f *metadata.Filter, src Source) (*roaring64.Bitmap, bool) {
	if f == nil {
		return nil, false
	}

	switch f.Operator {
	case metadata.OpAnd:
		var acc *roaring64.Bitmap
		for _, c := range f.Children {
			bm, ok := narrow(c, src)
			if !ok {
				continue
			}
			if acc == nil {
				acc = bm
				continue
			}
			acc.And(bm)
		}
		return acc, acc != nil

	case metadata.OpOr:
		acc := roaring64.New()
		for _, c := range f.Children {
			bm, ok := narrow(c, src)
			if !ok {
				return nil, false
			}
			acc.Or(bm)
		}
		return acc, true

	case metadata.OpEqual:
		idx, ok := src.Index(f.Key)
		if !ok {
			return nil, false
		}
		bm := roaring64.New()
		equalRange(idx, f.Value, bm.Add)
		return bm, true

	case metadata.OpIn:
		idx, ok := src.Index(f.Key)
		if !ok {
			return nil, false
		}
		bm := roaring64.New()
		for _, v := range f.Value.A {
			equalRange(idx, v, bm.Add)
		}
		return bm, true

	case metadata.OpGreaterThan, metadata.OpGreaterEqual, metadata.OpLessThan, metadata.OpLessEqual:
		idx, ok := src.Index(f.Key)
		if !ok {
			return nil, false
		}
		bm := roaring64.New()
		numericRange(idx, f.Operator, f.Value, bm.Add)
		return bm, true
	}

	return nil, false
}
