package manifest

import (
	"encoding/binary"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"

	"github.com/hupe1980/vecbit/internal/bitvec"
	"github.com/hupe1980/vecbit/internal/hash"
	"github.com/hupe1980/vecbit/internal/segment"
)

const (
	binaryMagic   = 0x464d4256 // "VBMF"
	binaryVersion = 1

	frameHeaderSize = 16
	maxFrameSize    = 1 << 30
)

// WriteBinary writes the manifest in binary format.
// Format:
// Magic (4 bytes)
// Version (4 bytes)
// Checksum (4 bytes) - CRC32C of payload
// PayloadLength (4 bytes)
// Payload:
//
//	ID (8 bytes)
//	CollectionID (16 bytes)
//	CreatedAt (8 bytes) - UnixNano
//	Dim (4 bytes)
//	Scheme (1 byte)
//	Compression (1 byte)
//	CheckpointSeq (8 bytes)
//	NextSegmentID (8 bytes)
//	NumSegments (4 bytes)
//	Segments...
//	  ID, Records, Live (8 bytes each)
//	  Size (8 bytes)
//	  MinID, MaxID, CreateSeq (8 bytes each)
//	  Path (string)
//	Snapshot (string)
//	NumIndexedFields (4 bytes)
//	IndexedFields... (string)
func (m *Manifest) WriteBinary(w io.Writer) error {
	pb := newPayloadBuffer(make([]byte, 0, 96+len(m.Segments)*96))

	pb.writeUint64(m.ID)
	pb.writeBytes(m.CollectionID[:])
	pb.writeUint64(uint64(m.CreatedAt.UnixNano()))
	pb.writeUint32(uint32(m.Dim))
	pb.writeUint8(uint8(m.Scheme))
	pb.writeUint8(uint8(m.Compression))
	pb.writeUint64(m.CheckpointSeq)
	pb.writeUint64(m.NextSegmentID)
	pb.writeUint32(uint32(len(m.Segments)))

	for _, s := range m.Segments {
		pb.writeUint64(s.ID)
		pb.writeUint64(s.Records)
		pb.writeUint64(s.Live)
		pb.writeUint64(uint64(s.Size))
		pb.writeUint64(s.MinID)
		pb.writeUint64(s.MaxID)
		pb.writeUint64(s.CreateSeq)
		pb.writeString(s.Path)
	}

	pb.writeString(m.Snapshot)
	pb.writeUint32(uint32(len(m.IndexedFields)))
	for _, f := range m.IndexedFields {
		pb.writeString(f)
	}

	if pb.err != nil {
		return pb.err
	}
	return writeFrame(w, binaryMagic, binaryVersion, pb.buf)
}

// ReadBinary reads the manifest from binary format.
func ReadBinary(r io.Reader) (*Manifest, error) {
	version, payload, err := readFrame(r, binaryMagic)
	if err != nil {
		return nil, err
	}
	if version != binaryVersion {
		return nil, fmt.Errorf("%w: %d", ErrIncompatibleVersion, version)
	}

	pb := newPayloadBuffer(payload)
	m := &Manifest{Version: int(version)}

	m.ID = pb.readUint64()
	copy(m.CollectionID[:], pb.readBytes(len(uuid.UUID{})))
	m.CreatedAt = time.Unix(0, int64(pb.readUint64()))
	m.Dim = int(pb.readUint32())
	m.Scheme = bitvec.Scheme(pb.readUint8())
	m.Compression = segment.Compression(pb.readUint8())
	m.CheckpointSeq = pb.readUint64()
	m.NextSegmentID = pb.readUint64()

	numSegments := pb.readUint32()
	if pb.err == nil && int(numSegments) > len(payload) {
		return nil, fmt.Errorf("%w: %d segments in %d bytes", ErrCorrupt, numSegments, len(payload))
	}
	m.Segments = make([]SegmentInfo, numSegments)
	for i := range m.Segments {
		s := &m.Segments[i]
		s.ID = pb.readUint64()
		s.Records = pb.readUint64()
		s.Live = pb.readUint64()
		s.Size = int64(pb.readUint64())
		s.MinID = pb.readUint64()
		s.MaxID = pb.readUint64()
		s.CreateSeq = pb.readUint64()
		s.Path = pb.readString()
	}

	m.Snapshot = pb.readString()
	numFields := pb.readUint32()
	if pb.err == nil && int(numFields) > len(payload) {
		return nil, fmt.Errorf("%w: %d indexed fields in %d bytes", ErrCorrupt, numFields, len(payload))
	}
	for range numFields {
		m.IndexedFields = append(m.IndexedFields, pb.readString())
	}

	if pb.err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, pb.err)
	}
	if pb.pos != len(payload) {
		return nil, fmt.Errorf("%w: %d trailing bytes", ErrCorrupt, len(payload)-pb.pos)
	}
	return m, nil
}

// writeFrame writes magic | version | crc32c | length followed by payload.
func writeFrame(w io.Writer, magic, version uint32, payload []byte) error {
	if len(payload) > maxFrameSize {
		return fmt.Errorf("manifest: payload too large: %d bytes", len(payload))
	}
	var header [frameHeaderSize]byte
	binary.LittleEndian.PutUint32(header[0:4], magic)
	binary.LittleEndian.PutUint32(header[4:8], version)
	binary.LittleEndian.PutUint32(header[8:12], hash.CRC32C(payload))
	binary.LittleEndian.PutUint32(header[12:16], uint32(len(payload)))

	if _, err := w.Write(header[:]); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}

func readFrame(r io.Reader, magic uint32) (uint32, []byte, error) {
	var header [frameHeaderSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return 0, nil, fmt.Errorf("%w: short header: %v", ErrCorrupt, err)
	}
	if got := binary.LittleEndian.Uint32(header[0:4]); got != magic {
		return 0, nil, fmt.Errorf("%w: invalid magic %#x", ErrCorrupt, got)
	}
	version := binary.LittleEndian.Uint32(header[4:8])
	checksum := binary.LittleEndian.Uint32(header[8:12])
	length := binary.LittleEndian.Uint32(header[12:16])
	if length > maxFrameSize {
		return 0, nil, fmt.Errorf("%w: payload length %d", ErrCorrupt, length)
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return 0, nil, fmt.Errorf("%w: short payload: %v", ErrCorrupt, err)
	}
	if hash.CRC32C(payload) != checksum {
		return 0, nil, fmt.Errorf("%w: checksum mismatch", ErrCorrupt)
	}
	return version, payload, nil
}

type payloadBuffer struct {
	buf []byte
	pos int
	err error
}

func newPayloadBuffer(b []byte) *payloadBuffer {
	return &payloadBuffer{buf: b}
}

func (p *payloadBuffer) writeUint64(v uint64) {
	if p.err != nil {
		return
	}
	p.buf = binary.LittleEndian.AppendUint64(p.buf, v)
}

func (p *payloadBuffer) writeUint32(v uint32) {
	if p.err != nil {
		return
	}
	p.buf = binary.LittleEndian.AppendUint32(p.buf, v)
}

func (p *payloadBuffer) writeUint8(v uint8) {
	if p.err != nil {
		return
	}
	p.buf = append(p.buf, v)
}

func (p *payloadBuffer) writeBytes(b []byte) {
	if p.err != nil {
		return
	}
	p.buf = append(p.buf, b...)
}

func (p *payloadBuffer) writeString(s string) {
	if p.err != nil {
		return
	}
	if len(s) > 65535 {
		p.err = fmt.Errorf("manifest: string too long: %d", len(s))
		return
	}
	p.buf = binary.LittleEndian.AppendUint16(p.buf, uint16(len(s)))
	p.buf = append(p.buf, s...)
}

func (p *payloadBuffer) need(n int) bool {
	if p.err != nil {
		return false
	}
	if p.pos+n > len(p.buf) {
		p.err = io.ErrUnexpectedEOF
		return false
	}
	return true
}

func (p *payloadBuffer) readUint64() uint64 {
	if !p.need(8) {
		return 0
	}
	v := binary.LittleEndian.Uint64(p.buf[p.pos:])
	p.pos += 8
	return v
}

func (p *payloadBuffer) readUint32() uint32 {
	if !p.need(4) {
		return 0
	}
	v := binary.LittleEndian.Uint32(p.buf[p.pos:])
	p.pos += 4
	return v
}

func (p *payloadBuffer) readUint8() uint8 {
	if !p.need(1) {
		return 0
	}
	v := p.buf[p.pos]
	p.pos++
	return v
}

func (p *payloadBuffer) readBytes(n int) []byte {
	if !p.need(n) {
		return nil
	}
	b := p.buf[p.pos : p.pos+n]
	p.pos += n
	return b
}

func (p *payloadBuffer) readString() string {
	if !p.need(2) {
		return ""
	}
	l := int(binary.LittleEndian.Uint16(p.buf[p.pos:]))
	p.pos += 2
	return string(p.readBytes(l))
}
