package manifest

import "errors"

var (
	// ErrIncompatibleVersion is returned when the manifest version is not supported.
	ErrIncompatibleVersion = errors.New("manifest: incompatible version")

	// ErrNotFound is returned when no checkpoint has been committed yet.
	ErrNotFound = errors.New("manifest: not found")

	// ErrCorrupt is returned when a manifest or snapshot fails validation.
	ErrCorrupt = errors.New("manifest: corrupt")
)
