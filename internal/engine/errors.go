package engine

import "errors"

var (
	// ErrClosed is returned when an operation is attempted on a closed engine.
	ErrClosed = errors.New("engine closed")

	// ErrInvalidArgument is returned when an argument is invalid (e.g. missing dimension).
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrCorrupt is returned when the checkpoint state is inconsistent
	// (snapshot pointing at a missing segment, unreadable record).
	ErrCorrupt = errors.New("data corruption detected")

	// ErrNotFound is returned when a requested ID is not live.
	ErrNotFound = errors.New("not found")

	// ErrDuplicateID is returned when inserting an ID that is currently live.
	ErrDuplicateID = errors.New("duplicate id")

	// ErrReadOnly is returned when a write operation is attempted on a read-only engine.
	ErrReadOnly = errors.New("engine is read-only")

	// ErrChangesTruncated is returned when a requested sequence number is no
	// longer retained by the log.
	ErrChangesTruncated = errors.New("changes truncated")
)
