package blobstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
)

// ErrNotFound is returned when a blob does not exist.
//
// Implementations should return an error that satisfies `errors.Is(err, ErrNotFound)`.
// The default maps to `os.ErrNotExist`.
var ErrNotFound = os.ErrNotExist

// BlobStore is an abstraction over flat, immutable blob storage.
// Implementations must be safe for concurrent use.
type BlobStore interface {
	// Open opens a blob for reading.
	Open(ctx context.Context, name string) (Blob, error)
	// Create creates a blob for streaming writes. The blob becomes visible
	// under name when Close returns nil.
	Create(ctx context.Context, name string) (WritableBlob, error)
	// Put writes a blob atomically.
	Put(ctx context.Context, name string, data []byte) error
	// Delete removes a blob. Deleting a missing blob is not an error.
	Delete(ctx context.Context, name string) error
	// List returns the sorted names of all blobs with the given prefix.
	List(ctx context.Context, prefix string) ([]string, error)
}

// Blob is a read-only handle to a data blob.
type Blob interface {
	io.Closer
	// ReadAt reads len(p) bytes starting at off.
	ReadAt(ctx context.Context, p []byte, off int64) (int, error)
	// ReadRange returns a reader over length bytes starting at off.
	ReadRange(ctx context.Context, off, length int64) (io.ReadCloser, error)
	// Size returns the size of the blob in bytes.
	Size() int64
}

// WritableBlob is a blob being written.
type WritableBlob interface {
	io.WriteCloser
	// Sync flushes written bytes to stable storage where supported.
	Sync() error
}

// Aborter is implemented by writable blobs that can discard a partial write.
type Aborter interface {
	Abort() error
}

// Mappable is an optional interface for Blobs that support memory mapping.
type Mappable interface {
	// Bytes returns the underlying byte slice.
	// The slice is valid until the Blob is closed.
	Bytes() ([]byte, error)
}

// NopReadCloser wraps r with a no-op Close.
func NopReadCloser(r io.Reader) io.ReadCloser {
	return io.NopCloser(r)
}

// ReadAll reads a whole blob.
func ReadAll(ctx context.Context, s BlobStore, name string) ([]byte, error) {
	b, err := s.Open(ctx, name)
	if err != nil {
		return nil, err
	}
	defer func() { _ = b.Close() }()

	if m, ok := b.(Mappable); ok {
		data, err := m.Bytes()
		if err != nil {
			return nil, err
		}
		return append([]byte(nil), data...), nil
	}

	r, err := b.ReadRange(ctx, 0, b.Size())
	if err != nil {
		return nil, err
	}
	defer func() { _ = r.Close() }()
	return io.ReadAll(r)
}

// Copy streams the blob name from src to dst.
func Copy(ctx context.Context, dst, src BlobStore, name string) (int64, error) {
	return CopyThrough(ctx, dst, src, name, nil)
}

// CopyThrough is Copy with the source stream passed through wrap, e.g. to
// rate-limit it. A nil wrap copies directly. A failed copy is aborted so no
// partial blob becomes visible.
func CopyThrough(ctx context.Context, dst, src BlobStore, name string, wrap func(io.Reader) io.Reader) (n int64, err error) {
	in, err := src.Open(ctx, name)
	if err != nil {
		return 0, err
	}
	defer func() { _ = in.Close() }()

	r, err := in.ReadRange(ctx, 0, in.Size())
	if err != nil {
		return 0, err
	}
	defer func() { _ = r.Close() }()

	out, err := dst.Create(ctx, name)
	if err != nil {
		return 0, err
	}

	var from io.Reader = r
	if wrap != nil {
		from = wrap(r)
	}
	n, err = io.Copy(out, from)
	if err != nil {
		if a, ok := out.(Aborter); ok {
			_ = a.Abort()
		} else {
			_ = out.Close()
		}
		return n, fmt.Errorf("copy %s: %w", name, err)
	}
	if err := out.Close(); err != nil {
		return n, fmt.Errorf("copy %s: %w", name, err)
	}
	return n, nil
}

// IsNotFound reports whether err means the blob does not exist.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
