package wal

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"

	"github.com/hupe1980/vecbit/internal/fs"
	"github.com/hupe1980/vecbit/internal/hash"
)

const (
	walMagic      = "VBITWAL\x00"
	walVersion    = 1
	walHeaderSize = 24
	walExt        = ".wal"
)

type fileHeader struct {
	version  uint32
	algo     hash.Algorithm
	firstSeq uint64
}

func (h fileHeader) encode() []byte {
	buf := make([]byte, walHeaderSize)
	copy(buf[0:8], walMagic)
	binary.LittleEndian.PutUint32(buf[8:], h.version)
	buf[12] = byte(h.algo)
	binary.LittleEndian.PutUint64(buf[16:], h.firstSeq)
	return buf
}

func decodeFileHeader(buf []byte) (fileHeader, error) {
	if len(buf) < walHeaderSize {
		return fileHeader{}, fmt.Errorf("%w: short file header", ErrCorruptLog)
	}
	if string(buf[0:8]) != walMagic {
		return fileHeader{}, fmt.Errorf("%w: invalid magic %q", ErrCorruptLog, buf[0:8])
	}
	h := fileHeader{
		version:  binary.LittleEndian.Uint32(buf[8:]),
		algo:     hash.Algorithm(buf[12]),
		firstSeq: binary.LittleEndian.Uint64(buf[16:]),
	}
	if h.version != walVersion {
		return fileHeader{}, fmt.Errorf("%w: unsupported version %d", ErrCorruptLog, h.version)
	}
	if !hash.Supported(h.algo) {
		return fileHeader{}, fmt.Errorf("%w: unsupported checksum algorithm %d", ErrCorruptLog, h.algo)
	}
	return h, nil
}

func fileName(firstSeq uint64) string {
	return fmt.Sprintf("%020d%s", firstSeq, walExt)
}

// listFiles returns the firstSeq of every log file in dir, ascending.
func listFiles(fsys fs.FileSystem, dir string) ([]uint64, error) {
	entries, err := fsys.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var seqs []uint64
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, walExt) {
			continue
		}
		seq, err := strconv.ParseUint(strings.TrimSuffix(name, walExt), 10, 64)
		if err != nil {
			continue
		}
		seqs = append(seqs, seq)
	}
	slices.Sort(seqs)
	return seqs, nil
}

// createFile atomically creates an empty log file starting at firstSeq.
func createFile(fsys fs.FileSystem, dir string, firstSeq uint64) (fs.File, error) {
	path := filepath.Join(dir, fileName(firstSeq))
	if err := fs.WriteFileAtomic(fsys, path, fileHeader{version: walVersion, algo: hash.AlgorithmCRC32C, firstSeq: firstSeq}.encode()); err != nil {
		return nil, err
	}
	f, err := fsys.OpenFile(path, os.O_RDWR, 0o644)
	if err != nil {
		return nil, err
	}
	if _, err := f.Seek(walHeaderSize, io.SeekStart); err != nil {
		_ = f.Close()
		return nil, err
	}
	return f, nil
}

// fileReader walks the entries of one log file.
type fileReader struct {
	f    fs.File
	r    *bufio.Reader
	hdr  fileHeader
	off  int64
	size int64
}

func openFileReader(fsys fs.FileSystem, path string) (*fileReader, error) {
	f, err := fsys.OpenFile(path, os.O_RDONLY, 0)
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %v", ErrIO, path, err)
	}
	st, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("%w: stat %s: %v", ErrIO, path, err)
	}
	r := bufio.NewReaderSize(f, 64*1024)
	buf := make([]byte, walHeaderSize)
	if _, err := io.ReadFull(r, buf); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("%w: %s: short file header", ErrCorruptLog, path)
	}
	hdr, err := decodeFileHeader(buf)
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return &fileReader{f: f, r: r, hdr: hdr, off: walHeaderSize, size: st.Size()}, nil
}

// next returns the next entry, io.EOF at a clean end, errTorn for a damaged
// tail or an ErrCorruptLog error.
func (fr *fileReader) next() (Entry, error) {
	if fr.off == fr.size {
		return Entry{}, io.EOF
	}
	e, n, err := decodeEntry(fr.r, fr.size-fr.off)
	if err != nil {
		return Entry{}, err
	}
	fr.off += n
	return e, nil
}

func (fr *fileReader) close() error { return fr.f.Close() }
