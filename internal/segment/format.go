package segment

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/hupe1980/vecbit/internal/bitvec"
	"github.com/hupe1980/vecbit/internal/hash"
)

const (
	Magic    uint32 = 0x31534256 // "VBS1"
	EndMagic uint32 = 0x45534256 // "VBSE"
	Version  uint16 = 1

	HeaderSize = 64
	FooterSize = 8

	// recordFixed is id u64 + metaLen u32.
	recordFixed = 8 + 4
)

var (
	// ErrCorrupt is returned when a segment fails structural or checksum validation.
	ErrCorrupt = errors.New("segment: corrupt")
	// ErrIO wraps write failures while sealing a segment.
	ErrIO = errors.New("segment: io error")
	// ErrOutOfRange is returned by ReadAt for offsets outside the record region.
	ErrOutOfRange = errors.New("segment: offset out of range")
	// ErrClosed is returned when reading a released segment.
	ErrClosed = errors.New("segment: closed")
)

// Header is the fixed-size segment header.
type Header struct {
	Version      uint16
	ChecksumAlgo hash.Algorithm
	Scheme       bitvec.Scheme
	DimBits      uint32
	Compression  Compression
	RecordCount  uint64
	CreateSeq    uint64
	MinID        uint64
	MaxID        uint64
	Checksum     uint32
}

// Encode serializes the header into a HeaderSize buffer.
func (h *Header) Encode() []byte {
	buf := make([]byte, HeaderSize)
	binary.LittleEndian.PutUint32(buf[0:], Magic)
	binary.LittleEndian.PutUint16(buf[4:], h.Version)
	buf[6] = byte(h.ChecksumAlgo)
	buf[7] = byte(h.Scheme)
	binary.LittleEndian.PutUint32(buf[8:], h.DimBits)
	buf[12] = byte(h.Compression)
	// pad [13:16]
	binary.LittleEndian.PutUint64(buf[16:], h.RecordCount)
	binary.LittleEndian.PutUint64(buf[24:], h.CreateSeq)
	binary.LittleEndian.PutUint64(buf[32:], h.MinID)
	binary.LittleEndian.PutUint64(buf[40:], h.MaxID)
	binary.LittleEndian.PutUint32(buf[48:], h.Checksum)
	// reserved [52:64]
	return buf
}

// DecodeHeader parses and validates the static fields of a header.
func DecodeHeader(buf []byte) (Header, error) {
	if len(buf) < HeaderSize {
		return Header{}, fmt.Errorf("%w: short header", ErrCorrupt)
	}
	if m := binary.LittleEndian.Uint32(buf[0:]); m != Magic {
		return Header{}, fmt.Errorf("%w: bad magic %#x", ErrCorrupt, m)
	}
	h := Header{
		Version:      binary.LittleEndian.Uint16(buf[4:]),
		ChecksumAlgo: hash.Algorithm(buf[6]),
		Scheme:       bitvec.Scheme(buf[7]),
		DimBits:      binary.LittleEndian.Uint32(buf[8:]),
		Compression:  Compression(buf[12]),
		RecordCount:  binary.LittleEndian.Uint64(buf[16:]),
		CreateSeq:    binary.LittleEndian.Uint64(buf[24:]),
		MinID:        binary.LittleEndian.Uint64(buf[32:]),
		MaxID:        binary.LittleEndian.Uint64(buf[40:]),
		Checksum:     binary.LittleEndian.Uint32(buf[48:]),
	}
	if h.Version != Version {
		return Header{}, fmt.Errorf("%w: unsupported version %d", ErrCorrupt, h.Version)
	}
	if !hash.Supported(h.ChecksumAlgo) {
		return Header{}, fmt.Errorf("%w: unsupported checksum algorithm %d", ErrCorrupt, h.ChecksumAlgo)
	}
	if h.Scheme != bitvec.SchemeSignV1 {
		return Header{}, fmt.Errorf("%w: unsupported quantization scheme %d", ErrCorrupt, h.Scheme)
	}
	if !h.Compression.valid() {
		return Header{}, fmt.Errorf("%w: unsupported compression %d", ErrCorrupt, h.Compression)
	}
	if h.DimBits == 0 {
		return Header{}, fmt.Errorf("%w: zero dimension", ErrCorrupt)
	}
	return h, nil
}

func encodeFooter(checksum uint32) []byte {
	buf := make([]byte, FooterSize)
	binary.LittleEndian.PutUint32(buf[0:], checksum)
	binary.LittleEndian.PutUint32(buf[4:], EndMagic)
	return buf
}

// Entry is a record to be sealed. Metadata holds the uncompressed JSON document.
type Entry struct {
	ID       uint64
	Vector   bitvec.BitVector
	Metadata []byte
}

// Record is a zero-copy view of a sealed record. Vector and the raw metadata
// alias the mapping and are valid while the owning Segment is referenced.
type Record struct {
	ID     uint64
	Vector bitvec.BitVector

	meta        []byte
	compression Compression
}

// Metadata returns the decoded JSON metadata. Uncompressed records return a
// view into the mapping; compressed ones a fresh buffer.
func (r Record) Metadata() ([]byte, error) {
	if r.compression == CompressionNone || len(r.meta) == 0 {
		return r.meta, nil
	}
	out, err := decompressBlock(r.meta, r.compression)
	if err != nil {
		return nil, fmt.Errorf("%w: metadata block: %v", ErrCorrupt, err)
	}
	return out, nil
}

// decodeRecord parses the record at off within data. It returns the record
// and the offset of the next one.
func decodeRecord(data []byte, off int64, dim int, c Compression) (Record, int64, error) {
	vecLen := int64(bitvec.ByteLen(dim))
	if off < 0 || off+8+vecLen+4 > int64(len(data)) {
		return Record{}, 0, ErrOutOfRange
	}
	id := binary.LittleEndian.Uint64(data[off:])
	vecStart := off + 8
	vecEnd := vecStart + vecLen
	metaLen := int64(binary.LittleEndian.Uint32(data[vecEnd:]))
	metaStart := vecEnd + 4
	metaEnd := metaStart + metaLen
	if metaEnd > int64(len(data)) {
		return Record{}, 0, fmt.Errorf("%w: record at %d overruns region", ErrCorrupt, off)
	}
	return Record{
		ID:          id,
		Vector:      bitvec.BitVector{Dim: dim, Data: data[vecStart:vecEnd:vecEnd]},
		meta:        data[metaStart:metaEnd:metaEnd],
		compression: c,
	}, metaEnd, nil
}

// encodedSize returns the on-disk size of a record with the given stored meta length.
func encodedSize(dim int, metaLen int) int {
	return recordFixed + bitvec.ByteLen(dim) + metaLen
}
