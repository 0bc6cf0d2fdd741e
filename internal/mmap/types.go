package mmap

import "errors"

// AccessPattern is a hint to the kernel about how mapped data is read.
type AccessPattern int

const (
	AccessDefault AccessPattern = iota
	// AccessSequential is used for full segment scans.
	AccessSequential
	// AccessRandom is used for point reads by offset.
	AccessRandom
	AccessWillNeed
	AccessDontNeed
)

var (
	// ErrClosed is returned when accessing a closed mapping.
	ErrClosed = errors.New("mmap: mapping is closed")
	// ErrInvalidSize is returned for negative or oversized files.
	ErrInvalidSize = errors.New("mmap: invalid file size")
	// ErrOutOfBounds is returned when a slice exceeds the mapping.
	ErrOutOfBounds = errors.New("mmap: out of bounds")
	// ErrInvalidOffset is returned for negative offsets.
	ErrInvalidOffset = errors.New("mmap: invalid offset")
)
