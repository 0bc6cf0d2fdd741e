package vecbit

import (
	"errors"
	"fmt"

	"github.com/hupe1980/vecbit/blobstore"
	"github.com/hupe1980/vecbit/internal/bitvec"
	"github.com/hupe1980/vecbit/internal/btree"
	"github.com/hupe1980/vecbit/internal/engine"
	"github.com/hupe1980/vecbit/internal/manifest"
	"github.com/hupe1980/vecbit/internal/query"
	"github.com/hupe1980/vecbit/internal/segment"
	"github.com/hupe1980/vecbit/internal/wal"
	"github.com/hupe1980/vecbit/metadata"
)

var (
	// ErrNotFound is returned for ids that are absent or deleted.
	ErrNotFound = errors.New("vecbit: not found")
	// ErrDuplicateID is returned when inserting an id that is currently live.
	ErrDuplicateID = errors.New("vecbit: duplicate id")
	// ErrUnsortedBatch is returned when a batch cannot be bulk loaded in order.
	ErrUnsortedBatch = errors.New("vecbit: unsorted batch")
	// ErrInvalidK is returned when k is not positive.
	ErrInvalidK = errors.New("vecbit: k must be positive")
	// ErrInvalidFilter is returned for malformed filters.
	ErrInvalidFilter = errors.New("vecbit: invalid filter")
	// ErrInvalidArgument is returned for invalid options and inputs.
	ErrInvalidArgument = errors.New("vecbit: invalid argument")
	// ErrCorruptLog is returned when the write-ahead log is damaged before
	// its tail. The collection stays closed.
	ErrCorruptLog = errors.New("vecbit: corrupt log")
	// ErrCorrupt is returned when a segment, manifest or index snapshot fails
	// validation.
	ErrCorrupt = errors.New("vecbit: corrupt data")
	// ErrIO is returned for failed file system operations.
	ErrIO = errors.New("vecbit: io error")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("vecbit: closed")
	// ErrReadOnly is returned for writes to a read-only collection.
	ErrReadOnly = errors.New("vecbit: read-only")
	// ErrTimeout is returned when durability was not confirmed in time. The
	// write is applied only once the log confirms it.
	ErrTimeout = errors.New("vecbit: timeout")
	// ErrChangesTruncated is returned when a change stream or point-in-time
	// open starts before the retained log.
	ErrChangesTruncated = errors.New("vecbit: changes truncated")
)

// ErrDimensionMismatch indicates a vector/query dimensionality mismatch.
//
// The original underlying error (if any) can be accessed via errors.Unwrap.
type ErrDimensionMismatch struct {
	Expected int
	Actual   int
	cause    error
}

func (e *ErrDimensionMismatch) Error() string {
	return fmt.Sprintf("dimension mismatch: expected %d, got %d", e.Expected, e.Actual)
}

func (e *ErrDimensionMismatch) Unwrap() error { return e.cause }

// sentinels maps internal errors to their public counterpart. The first
// match wins.
var sentinels = []struct {
	internal []error
	public   error
}{
	{[]error{wal.ErrTimeout}, ErrTimeout},
	{[]error{engine.ErrClosed, wal.ErrClosed, segment.ErrClosed}, ErrClosed},
	{[]error{engine.ErrReadOnly, wal.ErrReadOnly}, ErrReadOnly},
	{[]error{engine.ErrChangesTruncated, wal.ErrTruncated}, ErrChangesTruncated},
	{[]error{wal.ErrCorruptLog}, ErrCorruptLog},
	{[]error{engine.ErrCorrupt, segment.ErrCorrupt, manifest.ErrCorrupt, manifest.ErrIncompatibleVersion}, ErrCorrupt},
	{[]error{engine.ErrDuplicateID}, ErrDuplicateID},
	{[]error{engine.ErrNotFound, manifest.ErrNotFound, blobstore.ErrNotFound}, ErrNotFound},
	{[]error{btree.ErrUnsortedBatch}, ErrUnsortedBatch},
	{[]error{query.ErrInvalidK}, ErrInvalidK},
	{[]error{metadata.ErrInvalidFilter}, ErrInvalidFilter},
	{[]error{engine.ErrInvalidArgument, metadata.ErrSchemaViolation, btree.ErrInvalidFanout, wal.ErrPayloadTooLarge}, ErrInvalidArgument},
	{[]error{wal.ErrIO, segment.ErrIO}, ErrIO},
}

func translateError(err error) error {
	if err == nil {
		return nil
	}

	var dm *bitvec.ErrDimensionMismatch
	if errors.As(err, &dm) {
		return &ErrDimensionMismatch{Expected: dm.Expected, Actual: dm.Actual, cause: err}
	}

	for _, s := range sentinels {
		for _, target := range s.internal {
			if errors.Is(err, target) {
				return fmt.Errorf("%w: %w", s.public, err)
			}
		}
	}
	return err
}
