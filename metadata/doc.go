// Package metadata provides typed metadata documents and predicate filters.
//
// # Documents
//
// A Document is a JSON-like object. Values can be:
//
//   - String: metadata.String("tech")
//   - Int: metadata.Int(2024)
//   - Float: metadata.Float(3.14)
//   - Bool: metadata.Bool(true)
//   - Array: metadata.Array([]metadata.Value{...})
//   - Object: metadata.Object(metadata.Document{...})
//
// Documents decode from and encode to plain JSON (ParseDocument, Encode).
// Untyped maps convert with DocumentFromAny.
//
//	meta := metadata.Document{
//	    "category": metadata.String("tech"),
//	    "year":     metadata.Int(2024),
//	    "author":   metadata.Object(metadata.Document{"name": metadata.String("ada")}),
//	}
//
// # Filters
//
// Filters are predicate trees. Field keys are paths where dots descend into
// nested objects ("author.name").
//
//   - Eq, Ne, Gt, Gte, Lt, Lte: comparisons
//   - In(field, values...): value in set
//   - Exists(field): field present
//   - And, Or, Not: boolean combinators
//
//	filter := metadata.And(
//	    metadata.Eq("category", "tech"),
//	    metadata.Gte("year", 2023),
//	    metadata.Or(
//	        metadata.Eq("status", "published"),
//	        metadata.Eq("status", "featured"),
//	    ),
//	)
//
// The same tree has a JSON form, parsed by ParseFilter:
//
//	{"type": "And", "args": [
//	    {"type": "Eq", "args": ["category", "tech"]},
//	    {"type": "Gte", "args": ["year", 2023]}
//	]}
package metadata
