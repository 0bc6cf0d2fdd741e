package segment

import (
	"encoding/binary"
	"fmt"
	"iter"
	"sync/atomic"

	"github.com/hupe1980/vecbit/internal/hash"
	"github.com/hupe1980/vecbit/internal/mmap"
)

// Segment is an opened, verified, read-only segment file.
type Segment struct {
	id     uint64
	path   string
	header Header
	m      *mmap.Mapping
	region []byte // record region, aliases m

	refs     atomic.Int64
	obsolete atomic.Bool
	remove   func() error
}

// Open maps the file at path and verifies it. dim, when non-zero, must match
// the header's dimension.
func Open(path string, dim int) (*Segment, error) {
	m, err := mmap.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: map %s: %v", ErrIO, path, err)
	}
	seg, err := verify(m, dim)
	if err != nil {
		_ = m.Close()
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	seg.path = path
	seg.refs.Store(1)
	_ = m.Advise(mmap.AccessRandom)
	return seg, nil
}

func verify(m *mmap.Mapping, dim int) (*Segment, error) {
	data := m.Bytes()
	if len(data) < HeaderSize+FooterSize {
		return nil, fmt.Errorf("%w: file too small (%d bytes)", ErrCorrupt, len(data))
	}
	h, err := DecodeHeader(data[:HeaderSize])
	if err != nil {
		return nil, err
	}
	if dim != 0 && int(h.DimBits) != dim {
		return nil, fmt.Errorf("%w: dimension %d, collection expects %d", ErrCorrupt, h.DimBits, dim)
	}

	footer := data[len(data)-FooterSize:]
	if binary.LittleEndian.Uint32(footer[4:]) != EndMagic {
		return nil, fmt.Errorf("%w: bad end magic", ErrCorrupt)
	}
	if binary.LittleEndian.Uint32(footer[0:]) != h.Checksum {
		return nil, fmt.Errorf("%w: header and footer checksums disagree", ErrCorrupt)
	}

	region := data[HeaderSize : len(data)-FooterSize]
	if sum := hash.CRC32C(region); sum != h.Checksum {
		return nil, fmt.Errorf("%w: checksum mismatch (got %#x, want %#x)", ErrCorrupt, sum, h.Checksum)
	}

	// Structural walk: every record in bounds and the count exact.
	var off int64
	for i := uint64(0); i < h.RecordCount; i++ {
		_, next, err := decodeRecord(region, off, int(h.DimBits), h.Compression)
		if err != nil {
			return nil, fmt.Errorf("%w: record %d: %v", ErrCorrupt, i, err)
		}
		off = next
	}
	if off != int64(len(region)) {
		return nil, fmt.Errorf("%w: %d trailing bytes after %d records", ErrCorrupt, int64(len(region))-off, h.RecordCount)
	}

	return &Segment{header: h, m: m, region: region}, nil
}

// ID returns the segment id.
func (s *Segment) ID() uint64 { return s.id }

// Path returns the file path.
func (s *Segment) Path() string { return s.path }

// Header returns the decoded header.
func (s *Segment) Header() Header { return s.header }

// Len returns the number of records.
func (s *Segment) Len() int { return int(s.header.RecordCount) }

// Size returns the file size in bytes.
func (s *Segment) Size() int64 { return int64(s.m.Size()) }

// Scan walks all records in file order, yielding each record's offset.
// It is lazy and may be restarted. Stops early once the segment is released.
func (s *Segment) Scan() iter.Seq2[int64, Record] {
	return func(yield func(int64, Record) bool) {
		if s.refs.Load() <= 0 {
			return
		}
		dim := int(s.header.DimBits)
		var off int64
		for i := uint64(0); i < s.header.RecordCount; i++ {
			rec, next, err := decodeRecord(s.region, off, dim, s.header.Compression)
			if err != nil {
				return
			}
			if !yield(off, rec) {
				return
			}
			off = next
		}
	}
}

// ReadAt returns the record starting at offset (relative to the record region).
func (s *Segment) ReadAt(offset int64) (Record, error) {
	if s.refs.Load() <= 0 {
		return Record{}, ErrClosed
	}
	rec, _, err := decodeRecord(s.region, offset, int(s.header.DimBits), s.header.Compression)
	if err != nil {
		return Record{}, err
	}
	return rec, nil
}

// IncRef adds a reader reference.
func (s *Segment) IncRef() {
	s.refs.Add(1)
}

// TryIncRef adds a reference unless the segment was already released.
func (s *Segment) TryIncRef() bool {
	for {
		n := s.refs.Load()
		if n <= 0 {
			return false
		}
		if s.refs.CompareAndSwap(n, n+1) {
			return true
		}
	}
}

// DecRef drops a reference. The last one unmaps the file and, if the segment
// was marked obsolete, deletes it.
func (s *Segment) DecRef() error {
	if s.refs.Add(-1) != 0 {
		return nil
	}
	err := s.m.Close()
	if s.obsolete.Load() && s.remove != nil {
		if rerr := s.remove(); rerr != nil && err == nil {
			err = rerr
		}
	}
	return err
}

// MarkObsolete schedules file deletion on the final DecRef.
func (s *Segment) MarkObsolete() {
	s.obsolete.Store(true)
}

// Refs returns the current reference count.
func (s *Segment) Refs() int64 { return s.refs.Load() }
