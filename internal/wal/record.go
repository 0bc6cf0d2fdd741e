package wal

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/hupe1980/vecbit/internal/bitvec"
	"github.com/hupe1980/vecbit/internal/hash"
)

// Op identifies the mutation recorded by an entry.
type Op uint8

const (
	OpInsert Op = 1
	OpDelete Op = 2
)

func (o Op) String() string {
	switch o {
	case OpInsert:
		return "insert"
	case OpDelete:
		return "delete"
	default:
		return fmt.Sprintf("op(%d)", uint8(o))
	}
}

const (
	entryHeaderSize  = 8 + 1 + 8 + 4
	entryTrailerSize = 4

	// MaxPayload bounds a single entry payload.
	MaxPayload = 64 << 20
)

var (
	// ErrPayloadTooLarge is returned for payloads above MaxPayload.
	ErrPayloadTooLarge = errors.New("wal: payload too large")

	errTorn = errors.New("wal: torn entry")
)

// Entry is one logged mutation.
type Entry struct {
	Seq      uint64
	Op       Op
	RecordID uint64
	Payload  []byte
}

// Size returns the encoded size of the entry.
func (e *Entry) Size() int {
	return entryHeaderSize + len(e.Payload) + entryTrailerSize
}

// AppendTo appends the encoded entry to dst.
func (e *Entry) AppendTo(dst []byte) []byte {
	start := len(dst)
	dst = binary.LittleEndian.AppendUint64(dst, e.Seq)
	dst = append(dst, byte(e.Op))
	dst = binary.LittleEndian.AppendUint64(dst, e.RecordID)
	dst = binary.LittleEndian.AppendUint32(dst, uint32(len(e.Payload)))
	dst = append(dst, e.Payload...)
	return binary.LittleEndian.AppendUint32(dst, hash.CRC32C(dst[start:]))
}

// decodeEntry reads one entry. remaining is the number of file bytes left
// from the entry start; it separates torn tails from mid-log damage.
func decodeEntry(r *bufio.Reader, remaining int64) (Entry, int64, error) {
	if remaining < entryHeaderSize+entryTrailerSize {
		return Entry{}, 0, errTorn
	}
	var hdr [entryHeaderSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return Entry{}, 0, errTorn
	}
	seq := binary.LittleEndian.Uint64(hdr[0:])
	payloadLen := int64(binary.LittleEndian.Uint32(hdr[17:]))
	if payloadLen > MaxPayload {
		return Entry{}, 0, fmt.Errorf("%w: payload length %d at seq %d", ErrCorruptLog, payloadLen, seq)
	}
	size := entryHeaderSize + payloadLen + entryTrailerSize
	if size > remaining {
		// A torn append leaves nothing valid behind it. A damaged length
		// field in the middle of the log does.
		rest := make([]byte, remaining-entryHeaderSize)
		if _, err := io.ReadFull(r, rest); err != nil {
			return Entry{}, 0, errTorn
		}
		if containsEntry(rest, seq+1) {
			return Entry{}, 0, fmt.Errorf("%w: length of seq %d overruns the entries after it", ErrCorruptLog, seq)
		}
		return Entry{}, 0, errTorn
	}

	body := make([]byte, payloadLen+entryTrailerSize)
	if _, err := io.ReadFull(r, body); err != nil {
		return Entry{}, 0, errTorn
	}
	payload := body[:payloadLen]
	want := binary.LittleEndian.Uint32(body[payloadLen:])
	got := hash.UpdateCRC32C(hash.CRC32C(hdr[:]), payload)
	if got != want {
		if size == remaining {
			return Entry{}, 0, errTorn
		}
		return Entry{}, 0, fmt.Errorf("%w: checksum mismatch", ErrCorruptLog)
	}

	e := Entry{
		Seq:      seq,
		Op:       Op(hdr[8]),
		RecordID: binary.LittleEndian.Uint64(hdr[9:]),
		Payload:  payload,
	}
	if e.Op != OpInsert && e.Op != OpDelete {
		return Entry{}, 0, fmt.Errorf("%w: unknown op %d at seq %d", ErrCorruptLog, hdr[8], e.Seq)
	}
	return e, size, nil
}

// containsEntry reports whether buf holds a complete, checksummed entry
// with the given sequence number at any offset.
func containsEntry(buf []byte, seq uint64) bool {
	var want [8]byte
	binary.LittleEndian.PutUint64(want[:], seq)
	for off := 0; off < len(buf); {
		i := bytes.Index(buf[off:], want[:])
		if i < 0 {
			return false
		}
		if validEntryAt(buf[off+i:]) {
			return true
		}
		off += i + 1
	}
	return false
}

func validEntryAt(b []byte) bool {
	if len(b) < entryHeaderSize+entryTrailerSize {
		return false
	}
	n := int64(binary.LittleEndian.Uint32(b[17:]))
	if n > MaxPayload || entryHeaderSize+n+entryTrailerSize > int64(len(b)) {
		return false
	}
	end := entryHeaderSize + n
	return binary.LittleEndian.Uint32(b[end:]) == hash.CRC32C(b[:end])
}

// EncodeInsert builds an insert payload: dimBits u32 | bitvector | metaLen u32 | meta.
func EncodeInsert(vec bitvec.BitVector, meta []byte) []byte {
	buf := make([]byte, 0, 4+len(vec.Data)+4+len(meta))
	buf = binary.LittleEndian.AppendUint32(buf, uint32(vec.Dim))
	buf = append(buf, vec.Data...)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(meta)))
	return append(buf, meta...)
}

// DecodeInsert parses an insert payload. The results alias payload.
func DecodeInsert(payload []byte) (bitvec.BitVector, []byte, error) {
	if len(payload) < 4 {
		return bitvec.BitVector{}, nil, fmt.Errorf("%w: short insert payload", ErrCorruptLog)
	}
	dim := int(binary.LittleEndian.Uint32(payload))
	n := bitvec.ByteLen(dim)
	if dim <= 0 || len(payload) < 4+n+4 {
		return bitvec.BitVector{}, nil, fmt.Errorf("%w: short insert payload", ErrCorruptLog)
	}
	vec := bitvec.BitVector{Dim: dim, Data: payload[4 : 4+n]}
	metaLen := int(binary.LittleEndian.Uint32(payload[4+n:]))
	if len(payload) != 4+n+4+metaLen {
		return bitvec.BitVector{}, nil, fmt.Errorf("%w: insert payload length mismatch", ErrCorruptLog)
	}
	return vec, payload[8+n:], nil
}
