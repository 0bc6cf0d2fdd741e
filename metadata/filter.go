package metadata

import (
	"errors"
	"fmt"
)

// ErrInvalidFilter is returned for malformed filter trees and filter JSON.
var ErrInvalidFilter = errors.New("metadata: invalid filter")

// maxDepth bounds the nesting of filter trees.
const maxDepth = 64

// Operator represents a node type in a filter tree.
type Operator string

const (
	// OpAnd matches when every child matches.
	OpAnd Operator = "And"
	// OpOr matches when any child matches.
	OpOr Operator = "Or"
	// OpNot negates its single child.
	OpNot Operator = "Not"
	// OpEqual represents the equality operator.
	OpEqual Operator = "Eq"
	// OpNotEqual represents the inequality operator.
	OpNotEqual Operator = "Ne"
	// OpGreaterThan represents the greater than operator.
	OpGreaterThan Operator = "Gt"
	// OpGreaterEqual represents the greater than or equal operator.
	OpGreaterEqual Operator = "Gte"
	// OpLessThan represents the less than operator.
	OpLessThan Operator = "Lt"
	// OpLessEqual represents the less than or equal operator.
	OpLessEqual Operator = "Lte"
	// OpIn represents the in list operator.
	OpIn Operator = "In"
	// OpExists matches documents that contain the field.
	OpExists Operator = "Exists"
)

// IsLogical reports whether the operator combines child filters.
func (o Operator) IsLogical() bool {
	return o == OpAnd || o == OpOr || o == OpNot
}

// IsRange reports whether the operator is a numeric range comparison.
func (o Operator) IsRange() bool {
	switch o {
	case OpGreaterThan, OpGreaterEqual, OpLessThan, OpLessEqual:
		return true
	}
	return false
}

// Filter is a node in a predicate tree.
//
// Logical nodes (And, Or, Not) use Children. Comparison nodes use Key, a
// dotted field path, and Value. For In, Value is an array of candidates.
// A nil *Filter matches every document.
type Filter struct {
	Operator Operator
	Key      string
	Value    Value
	Children []*Filter
}

// Matches reports whether doc satisfies the filter.
//
// Comparisons against a missing field never match, including Ne. Range
// comparisons only match numbers.
func (f *Filter) Matches(doc Document) bool {
	if f == nil {
		return true
	}

	switch f.Operator {
	case OpAnd:
		for _, c := range f.Children {
			if !c.Matches(doc) {
				return false
			}
		}
		return true
	case OpOr:
		for _, c := range f.Children {
			if c.Matches(doc) {
				return true
			}
		}
		return false
	case OpNot:
		return len(f.Children) == 1 && !f.Children[0].Matches(doc)
	}

	value, exists := doc.Lookup(f.Key)
	if !exists {
		return false
	}

	switch f.Operator {
	case OpExists:
		return true
	case OpEqual:
		return compareEqual(value, f.Value)
	case OpNotEqual:
		return !compareEqual(value, f.Value)
	case OpGreaterThan:
		return compareGreater(value, f.Value)
	case OpGreaterEqual:
		return compareGreater(value, f.Value) || compareEqual(value, f.Value)
	case OpLessThan:
		return compareLess(value, f.Value)
	case OpLessEqual:
		return compareLess(value, f.Value) || compareEqual(value, f.Value)
	case OpIn:
		return compareIn(value, f.Value)
	default:
		return false
	}
}

// Validate checks the structure of the tree. Errors wrap ErrInvalidFilter.
func (f *Filter) Validate() error {
	if f == nil {
		return nil
	}
	return f.validate(0)
}

func (f *Filter) validate(depth int) error {
	if depth > maxDepth {
		return fmt.Errorf("%w: nesting deeper than %d", ErrInvalidFilter, maxDepth)
	}

	switch f.Operator {
	case OpAnd, OpOr:
		if len(f.Children) == 0 {
			return fmt.Errorf("%w: %s requires at least one operand", ErrInvalidFilter, f.Operator)
		}
	case OpNot:
		if len(f.Children) != 1 {
			return fmt.Errorf("%w: Not requires exactly one operand", ErrInvalidFilter)
		}
	case OpEqual, OpNotEqual, OpIn, OpExists,
		OpGreaterThan, OpGreaterEqual, OpLessThan, OpLessEqual:
		if f.Key == "" {
			return fmt.Errorf("%w: %s requires a field", ErrInvalidFilter, f.Operator)
		}
		if len(f.Children) != 0 {
			return fmt.Errorf("%w: %s takes no sub-filters", ErrInvalidFilter, f.Operator)
		}
	default:
		return fmt.Errorf("%w: unknown operator %q", ErrInvalidFilter, f.Operator)
	}

	switch {
	case f.Operator.IsLogical():
		for _, c := range f.Children {
			if c == nil {
				return fmt.Errorf("%w: nil operand in %s", ErrInvalidFilter, f.Operator)
			}
			if err := c.validate(depth + 1); err != nil {
				return err
			}
		}
	case f.Operator == OpExists:
	case f.Operator == OpIn:
		if f.Value.Kind != KindArray {
			return fmt.Errorf("%w: In on %q requires an array, got %s", ErrInvalidFilter, f.Key, f.Value.Kind)
		}
		for _, v := range f.Value.A {
			if v.Kind == KindInvalid {
				return fmt.Errorf("%w: In on %q has an unsupported candidate", ErrInvalidFilter, f.Key)
			}
		}
	case f.Operator.IsRange():
		if !isNumber(f.Value) {
			return fmt.Errorf("%w: %s on %q requires a number, got %s", ErrInvalidFilter, f.Operator, f.Key, f.Value.Kind)
		}
	default:
		if f.Value.Kind == KindInvalid {
			return fmt.Errorf("%w: %s on %q has no value", ErrInvalidFilter, f.Operator, f.Key)
		}
	}
	return nil
}

// String returns the JSON form of the filter.
func (f *Filter) String() string {
	b, err := f.MarshalJSON()
	if err != nil {
		return fmt.Sprintf("<invalid filter: %v>", err)
	}
	return string(b)
}

// And matches when all filters match.
func And(filters ...*Filter) *Filter {
	return &Filter{Operator: OpAnd, Children: filters}
}

// Or matches when any filter matches.
func Or(filters ...*Filter) *Filter {
	return &Filter{Operator: OpOr, Children: filters}
}

// Not negates a filter.
func Not(filter *Filter) *Filter {
	return &Filter{Operator: OpNot, Children: []*Filter{filter}}
}

// Eq matches documents whose field equals v.
func Eq(key string, v any) *Filter { return compare(OpEqual, key, v) }

// Ne matches documents whose field exists and differs from v.
func Ne(key string, v any) *Filter { return compare(OpNotEqual, key, v) }

// Gt matches numeric fields greater than v.
func Gt(key string, v any) *Filter { return compare(OpGreaterThan, key, v) }

// Gte matches numeric fields greater than or equal to v.
func Gte(key string, v any) *Filter { return compare(OpGreaterEqual, key, v) }

// Lt matches numeric fields less than v.
func Lt(key string, v any) *Filter { return compare(OpLessThan, key, v) }

// Lte matches numeric fields less than or equal to v.
func Lte(key string, v any) *Filter { return compare(OpLessEqual, key, v) }

// In matches documents whose field equals one of values.
func In(key string, values ...any) *Filter {
	arr := make([]Value, 0, len(values))
	for _, v := range values {
		vv, err := FromAny(v)
		if err != nil {
			// Leaves an invalid element so Validate reports it.
			vv = Value{}
		}
		arr = append(arr, vv)
	}
	return &Filter{Operator: OpIn, Key: key, Value: Array(arr)}
}

// Exists matches documents that contain the field.
func Exists(key string) *Filter {
	return &Filter{Operator: OpExists, Key: key}
}

// compare builds a comparison node. Unsupported operand types produce an
// invalid value that Validate rejects.
func compare(op Operator, key string, v any) *Filter {
	vv, err := FromAny(v)
	if err != nil {
		vv = Value{}
	}
	return &Filter{Operator: op, Key: key, Value: vv}
}

func compareEqual(a, b Value) bool {
	if a.Kind == KindNull && b.Kind == KindNull {
		return true
	}
	if a.Kind == KindNull || b.Kind == KindNull {
		return false
	}

	if isNumber(a) && isNumber(b) {
		// Prefer exact int compare when possible.
		if a.Kind == KindInt && b.Kind == KindInt {
			return a.I64 == b.I64
		}
		return asFloat64(a) == asFloat64(b)
	}

	if a.Kind != b.Kind {
		return false
	}

	switch a.Kind {
	case KindString:
		return a.s == b.s
	case KindBool:
		return a.B == b.B
	case KindArray:
		if len(a.A) != len(b.A) {
			return false
		}
		for i := range a.A {
			if !compareEqual(a.A[i], b.A[i]) {
				return false
			}
		}
		return true
	case KindObject:
		if len(a.O) != len(b.O) {
			return false
		}
		for k, av := range a.O {
			bv, ok := b.O[k]
			if !ok || !compareEqual(av, bv) {
				return false
			}
		}
		return true
	default:
		return false
	}
}

func compareGreater(a, b Value) bool {
	if !isNumber(a) || !isNumber(b) {
		return false
	}
	if a.Kind == KindInt && b.Kind == KindInt {
		return a.I64 > b.I64
	}
	return asFloat64(a) > asFloat64(b)
}

func compareLess(a, b Value) bool {
	if !isNumber(a) || !isNumber(b) {
		return false
	}
	if a.Kind == KindInt && b.Kind == KindInt {
		return a.I64 < b.I64
	}
	return asFloat64(a) < asFloat64(b)
}

func compareIn(a, b Value) bool {
	if b.Kind != KindArray {
		return false
	}
	for _, item := range b.A {
		if compareEqual(a, item) {
			return true
		}
	}
	return false
}

func isNumber(v Value) bool {
	return v.Kind == KindInt || v.Kind == KindFloat
}

func asFloat64(v Value) float64 {
	switch v.Kind {
	case KindInt:
		return float64(v.I64)
	case KindFloat:
		return v.F64
	default:
		return 0
	}
}
