// Package mmap maps sealed segment files read-only into memory.
//
//	m, err := mmap.Open(path)
//	if err != nil { ... }
//	defer m.Close()
//
//	rec, err := m.Slice(off, n) // zero-copy view
//
// Unix uses mmap(2) with madvise(2) hints; Windows uses
// CreateFileMapping/MapViewOfFile and ignores hints.
//
// Close is idempotent. Slices returned by Bytes or Slice must not be touched
// after Close; callers keep mappings alive through reference counting.
package mmap
