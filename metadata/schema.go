package metadata

import (
	"errors"
	"fmt"
)

// ErrSchemaViolation is returned when a document does not conform to a Schema.
var ErrSchemaViolation = errors.New("metadata: schema violation")

// FieldType defines the data type of a metadata field.
type FieldType uint8

const (
	FieldTypeAny FieldType = iota
	FieldTypeInt
	FieldTypeFloat
	FieldTypeString
	FieldTypeBool
	FieldTypeArray
	FieldTypeObject
)

// String returns the string representation of the FieldType.
func (t FieldType) String() string {
	switch t {
	case FieldTypeAny:
		return "Any"
	case FieldTypeInt:
		return "Int"
	case FieldTypeFloat:
		return "Float"
	case FieldTypeString:
		return "String"
	case FieldTypeBool:
		return "Bool"
	case FieldTypeArray:
		return "Array"
	case FieldTypeObject:
		return "Object"
	default:
		return "Unknown"
	}
}

// ParseFieldType maps a type name as used in configuration files to a FieldType.
func ParseFieldType(s string) (FieldType, error) {
	switch s {
	case "", "any", "Any":
		return FieldTypeAny, nil
	case "int", "Int":
		return FieldTypeInt, nil
	case "float", "Float":
		return FieldTypeFloat, nil
	case "string", "String":
		return FieldTypeString, nil
	case "bool", "Bool":
		return FieldTypeBool, nil
	case "array", "Array":
		return FieldTypeArray, nil
	case "object", "Object":
		return FieldTypeObject, nil
	}
	return FieldTypeAny, fmt.Errorf("unknown field type %q", s)
}

// Schema maps field paths to their expected types. Fields not listed are
// unconstrained and listed fields may be absent or null.
type Schema map[string]FieldType

// Validate checks if the given metadata document conforms to the schema.
func (s Schema) Validate(doc Document) error {
	for path, expected := range s {
		v, ok := doc.Lookup(path)
		if !ok {
			continue
		}
		if !checkKind(v.Kind, expected) {
			return fmt.Errorf("%w: field %q has type %s, expected %s", ErrSchemaViolation, path, v.Kind, expected)
		}
	}
	return nil
}

func checkKind(k Kind, expected FieldType) bool {
	if k == KindNull {
		return true
	}
	switch expected {
	case FieldTypeAny:
		return true
	case FieldTypeInt:
		return k == KindInt
	case FieldTypeFloat:
		return k == KindFloat || k == KindInt // Allow upgrading Int to Float
	case FieldTypeString:
		return k == KindString
	case FieldTypeBool:
		return k == KindBool
	case FieldTypeArray:
		return k == KindArray
	case FieldTypeObject:
		return k == KindObject
	}
	return false
}
