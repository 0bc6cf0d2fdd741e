package segment

import (
	"bufio"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/hupe1980/vecbit/internal/bitvec"
	"github.com/hupe1980/vecbit/internal/fs"
	"github.com/hupe1980/vecbit/internal/hash"
)

const (
	fileExt = ".vbs"
	tmpExt  = ".tmp"

	throttleChunk = 64 * 1024
)

// Throttle rate-limits background writes.
type Throttle interface {
	AcquireIO(ctx context.Context, bytes int) error
}

// Options configures a Store.
type Options struct {
	FS          fs.FileSystem
	Dim         int
	Compression Compression
	Throttle    Throttle
	Logger      *slog.Logger
}

// Store manages the segment files of one collection directory.
type Store struct {
	dir  string
	opts Options
}

// NewStore creates the directory if needed and returns a Store rooted there.
func NewStore(dir string, opts Options) (*Store, error) {
	if opts.FS == nil {
		opts.FS = fs.Default
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}
	if opts.Dim <= 0 {
		return nil, fmt.Errorf("segment: invalid dimension %d", opts.Dim)
	}
	if !opts.Compression.valid() {
		return nil, fmt.Errorf("segment: unsupported compression %d", opts.Compression)
	}
	if err := opts.FS.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("%w: mkdir %s: %v", ErrIO, dir, err)
	}
	return &Store{dir: dir, opts: opts}, nil
}

// Dir returns the directory holding the segment files.
func (s *Store) Dir() string { return s.dir }

// Path returns the file path of segment id.
func (s *Store) Path(id uint64) string {
	return filepath.Join(s.dir, fmt.Sprintf("%020d%s", id, fileExt))
}

// AppendSegment seals entries into a new segment file and opens it.
// The file is durable (fsynced and renamed, directory fsynced) before the
// handle is returned.
func (s *Store) AppendSegment(ctx context.Context, id, createSeq uint64, entries []Entry) (seg *Segment, err error) {
	if len(entries) == 0 {
		return nil, fmt.Errorf("segment: no records to seal")
	}

	final := s.Path(id)
	tmp := final + tmpExt

	f, err := s.opts.FS.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("%w: create %s: %v", ErrIO, tmp, err)
	}
	closed := false
	defer func() {
		if err != nil {
			if !closed {
				_ = f.Close()
			}
			_ = s.opts.FS.Remove(tmp)
		}
	}()

	hdr := Header{
		Version:      Version,
		ChecksumAlgo: hash.AlgorithmCRC32C,
		Scheme:       bitvec.SchemeSignV1,
		DimBits:      uint32(s.opts.Dim),
		Compression:  s.opts.Compression,
		CreateSeq:    createSeq,
	}

	// Placeholder header; rewritten once count, ID range and checksum are known.
	if _, err = f.Write(make([]byte, HeaderSize)); err != nil {
		return nil, fmt.Errorf("%w: write header: %v", ErrIO, err)
	}

	bw := bufio.NewWriterSize(f, 256*1024)
	crc := hash.NewCRC32C()
	w := io.MultiWriter(bw, crc)

	var (
		scratch [8]byte
		pending int
	)
	for i, e := range entries {
		if i%1024 == 0 {
			if err = ctx.Err(); err != nil {
				return nil, err
			}
		}
		if e.Vector.Dim != s.opts.Dim || len(e.Vector.Data) != bitvec.ByteLen(s.opts.Dim) {
			return nil, &bitvec.ErrDimensionMismatch{Expected: s.opts.Dim, Actual: e.Vector.Dim}
		}

		var meta []byte
		meta, err = compressBlock(e.Metadata, s.opts.Compression)
		if err != nil {
			return nil, fmt.Errorf("segment: compress metadata of %d: %w", e.ID, err)
		}

		binary.LittleEndian.PutUint64(scratch[:], e.ID)
		if _, err = w.Write(scratch[:8]); err != nil {
			return nil, fmt.Errorf("%w: write record: %v", ErrIO, err)
		}
		if _, err = w.Write(e.Vector.Data); err != nil {
			return nil, fmt.Errorf("%w: write record: %v", ErrIO, err)
		}
		binary.LittleEndian.PutUint32(scratch[:4], uint32(len(meta)))
		if _, err = w.Write(scratch[:4]); err != nil {
			return nil, fmt.Errorf("%w: write record: %v", ErrIO, err)
		}
		if _, err = w.Write(meta); err != nil {
			return nil, fmt.Errorf("%w: write record: %v", ErrIO, err)
		}

		if i == 0 || e.ID < hdr.MinID {
			hdr.MinID = e.ID
		}
		if i == 0 || e.ID > hdr.MaxID {
			hdr.MaxID = e.ID
		}
		hdr.RecordCount++

		pending += encodedSize(s.opts.Dim, len(meta))
		if pending >= throttleChunk && s.opts.Throttle != nil {
			if err = s.opts.Throttle.AcquireIO(ctx, pending); err != nil {
				return nil, err
			}
			pending = 0
		}
	}

	if err = bw.Flush(); err != nil {
		return nil, fmt.Errorf("%w: flush records: %v", ErrIO, err)
	}
	hdr.Checksum = crc.Sum32()

	if _, err = f.Write(encodeFooter(hdr.Checksum)); err != nil {
		return nil, fmt.Errorf("%w: write footer: %v", ErrIO, err)
	}
	if _, err = f.Seek(0, io.SeekStart); err != nil {
		return nil, fmt.Errorf("%w: seek header: %v", ErrIO, err)
	}
	if _, err = f.Write(hdr.Encode()); err != nil {
		return nil, fmt.Errorf("%w: write header: %v", ErrIO, err)
	}
	if err = f.Sync(); err != nil {
		return nil, fmt.Errorf("%w: sync %s: %v", ErrIO, tmp, err)
	}
	closed = true
	if err = f.Close(); err != nil {
		return nil, fmt.Errorf("%w: close %s: %v", ErrIO, tmp, err)
	}
	if err = s.opts.FS.Rename(tmp, final); err != nil {
		return nil, fmt.Errorf("%w: rename %s: %v", ErrIO, final, err)
	}
	if err = fs.SyncDir(s.opts.FS, s.dir); err != nil {
		return nil, fmt.Errorf("%w: sync dir: %v", ErrIO, err)
	}

	s.opts.Logger.Debug("segment sealed", "segment", id, "records", hdr.RecordCount, "createSeq", createSeq)

	return s.Open(id)
}

// Open maps and verifies segment id.
func (s *Store) Open(id uint64) (*Segment, error) {
	seg, err := Open(s.Path(id), s.opts.Dim)
	if err != nil {
		return nil, err
	}
	seg.id = id
	seg.remove = func() error { return s.opts.FS.Remove(s.Path(id)) }
	return seg, nil
}

// List returns the ids of all sealed segment files in ascending order.
func (s *Store) List() ([]uint64, error) {
	entries, err := s.opts.FS.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("%w: read dir: %v", ErrIO, err)
	}
	var ids []uint64
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, fileExt) {
			continue
		}
		id, err := strconv.ParseUint(strings.TrimSuffix(name, fileExt), 10, 64)
		if err != nil {
			continue
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// RemoveTemp deletes leftovers of interrupted seals.
func (s *Store) RemoveTemp() error {
	entries, err := s.opts.FS.ReadDir(s.dir)
	if err != nil {
		return fmt.Errorf("%w: read dir: %v", ErrIO, err)
	}
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), fileExt+tmpExt) {
			if err := s.opts.FS.Remove(filepath.Join(s.dir, e.Name())); err != nil {
				return fmt.Errorf("%w: remove %s: %v", ErrIO, e.Name(), err)
			}
		}
	}
	return nil
}

// Remove deletes the file of segment id. Callers must ensure it is unreferenced.
func (s *Store) Remove(id uint64) error {
	if err := s.opts.FS.Remove(s.Path(id)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("%w: remove segment %d: %v", ErrIO, id, err)
	}
	return nil
}
