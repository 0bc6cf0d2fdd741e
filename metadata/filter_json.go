package metadata

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// operators maps lower-cased JSON type names to operators.
var operators = map[string]Operator{
	"and":    OpAnd,
	"or":     OpOr,
	"not":    OpNot,
	"eq":     OpEqual,
	"ne":     OpNotEqual,
	"gt":     OpGreaterThan,
	"gte":    OpGreaterEqual,
	"lt":     OpLessThan,
	"lte":    OpLessEqual,
	"in":     OpIn,
	"exists": OpExists,
}

type filterJSON struct {
	Type string            `json:"type"`
	Args []json.RawMessage `json:"args"`
}

// ParseFilter decodes a JSON filter of the form {"type": T, "args": [...]}.
//
// Logical types take sub-filters as args. Comparisons take a field path and
// an operand: {"type":"Eq","args":["category","news"]}. In takes a field and
// an array, Exists only a field. Empty input, null and {} return a nil
// filter, which matches everything. Errors wrap ErrInvalidFilter.
func ParseFilter(data []byte) (*Filter, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return nil, nil
	}

	var probe map[string]json.RawMessage
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidFilter, err)
	}
	if len(probe) == 0 {
		return nil, nil
	}

	f, err := parseNode(data, 0)
	if err != nil {
		return nil, err
	}
	if err := f.Validate(); err != nil {
		return nil, err
	}
	return f, nil
}

func parseNode(data []byte, depth int) (*Filter, error) {
	if depth > maxDepth {
		return nil, fmt.Errorf("%w: nesting deeper than %d", ErrInvalidFilter, maxDepth)
	}

	var raw filterJSON
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidFilter, err)
	}

	op, ok := operators[strings.ToLower(raw.Type)]
	if !ok {
		return nil, fmt.Errorf("%w: unknown type %q", ErrInvalidFilter, raw.Type)
	}

	if op.IsLogical() {
		children := make([]*Filter, 0, len(raw.Args))
		for i, arg := range raw.Args {
			child, err := parseNode(arg, depth+1)
			if err != nil {
				return nil, fmt.Errorf("%s arg %d: %w", op, i, err)
			}
			children = append(children, child)
		}
		return &Filter{Operator: op, Children: children}, nil
	}

	want := 2
	if op == OpExists {
		want = 1
	}
	if len(raw.Args) != want {
		return nil, fmt.Errorf("%w: %s takes %d args, got %d", ErrInvalidFilter, op, want, len(raw.Args))
	}

	var key string
	if err := json.Unmarshal(raw.Args[0], &key); err != nil {
		return nil, fmt.Errorf("%w: %s field must be a string", ErrInvalidFilter, op)
	}

	f := &Filter{Operator: op, Key: key}
	if want == 2 {
		if err := f.Value.UnmarshalJSON(raw.Args[1]); err != nil {
			return nil, fmt.Errorf("%w: %s operand: %v", ErrInvalidFilter, op, err)
		}
	}
	return f, nil
}

// MarshalJSON encodes the filter in the form accepted by ParseFilter.
func (f *Filter) MarshalJSON() ([]byte, error) {
	if f == nil {
		return []byte("null"), nil
	}

	var args []any
	switch {
	case f.Operator.IsLogical():
		args = make([]any, len(f.Children))
		for i, c := range f.Children {
			args[i] = c
		}
	case f.Operator == OpExists:
		args = []any{f.Key}
	default:
		args = []any{f.Key, f.Value}
	}

	return json.Marshal(struct {
		Type string `json:"type"`
		Args []any  `json:"args"`
	}{Type: string(f.Operator), Args: args})
}
