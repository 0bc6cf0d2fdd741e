package manifest

import (
	"bytes"
	"context"
	"fmt"

	"github.com/RoaringBitmap/roaring/v2/roaring64"
	"github.com/klauspost/compress/zstd"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/hupe1980/vecbit/blobstore"
)

const (
	snapshotMagic   = 0x4e534256 // "VBSN"
	snapshotVersion = 1
)

var (
	zstdEncoder, _ = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	zstdDecoder, _ = zstd.NewReader(nil, zstd.WithDecoderConcurrency(0))
)

// Location addresses a sealed record.
type Location struct {
	Segment uint64
	Offset  int64
}

// Snapshot is the persisted primary index of a checkpoint: every live ID in
// ascending order and where its record lives.
type Snapshot struct {
	CheckpointSeq uint64
	IDs           []uint64
	Locations     []Location
}

// Len returns the number of live records.
func (s *Snapshot) Len() int { return len(s.IDs) }

type segmentRun struct {
	Segment uint64 `msgpack:"s"`
	Count   uint64 `msgpack:"n"`
}

type snapshotWire struct {
	Seq     uint64       `msgpack:"seq"`
	Live    []byte       `msgpack:"live"`
	Runs    []segmentRun `msgpack:"runs"`
	Offsets []int64      `msgpack:"offsets"`
}

// EncodeSnapshot serializes s as a framed, zstd-compressed msgpack document.
// The ID set is stored as a roaring bitmap and segment ids as runs.
func EncodeSnapshot(s *Snapshot) ([]byte, error) {
	if len(s.IDs) != len(s.Locations) {
		return nil, fmt.Errorf("manifest: snapshot has %d ids and %d locations", len(s.IDs), len(s.Locations))
	}

	live := roaring64.New()
	wire := snapshotWire{Seq: s.CheckpointSeq, Offsets: make([]int64, len(s.IDs))}
	for i, id := range s.IDs {
		if i > 0 && id <= s.IDs[i-1] {
			return nil, fmt.Errorf("manifest: snapshot ids not ascending at %d", i)
		}
		live.Add(id)

		loc := s.Locations[i]
		if n := len(wire.Runs); n > 0 && wire.Runs[n-1].Segment == loc.Segment {
			wire.Runs[n-1].Count++
		} else {
			wire.Runs = append(wire.Runs, segmentRun{Segment: loc.Segment, Count: 1})
		}
		wire.Offsets[i] = loc.Offset
	}
	live.RunOptimize()

	var err error
	if wire.Live, err = live.MarshalBinary(); err != nil {
		return nil, fmt.Errorf("manifest: encode live set: %w", err)
	}
	raw, err := msgpack.Marshal(&wire)
	if err != nil {
		return nil, fmt.Errorf("manifest: encode snapshot: %w", err)
	}

	var buf bytes.Buffer
	if err := writeFrame(&buf, snapshotMagic, snapshotVersion, zstdEncoder.EncodeAll(raw, nil)); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// DecodeSnapshot parses the output of EncodeSnapshot.
func DecodeSnapshot(data []byte) (*Snapshot, error) {
	version, payload, err := readFrame(bytes.NewReader(data), snapshotMagic)
	if err != nil {
		return nil, err
	}
	if version != snapshotVersion {
		return nil, fmt.Errorf("%w: snapshot version %d", ErrIncompatibleVersion, version)
	}

	raw, err := zstdDecoder.DecodeAll(payload, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: decompress snapshot: %v", ErrCorrupt, err)
	}
	var wire snapshotWire
	if err := msgpack.Unmarshal(raw, &wire); err != nil {
		return nil, fmt.Errorf("%w: decode snapshot: %v", ErrCorrupt, err)
	}

	live := roaring64.New()
	if err := live.UnmarshalBinary(wire.Live); err != nil {
		return nil, fmt.Errorf("%w: decode live set: %v", ErrCorrupt, err)
	}

	n := live.GetCardinality()
	var total uint64
	for _, r := range wire.Runs {
		if r.Count > n {
			return nil, fmt.Errorf("%w: segment run of %d exceeds %d ids", ErrCorrupt, r.Count, n)
		}
		total += r.Count
	}
	if total != n || uint64(len(wire.Offsets)) != n {
		return nil, fmt.Errorf("%w: snapshot has %d ids, %d run entries, %d offsets", ErrCorrupt, n, total, len(wire.Offsets))
	}

	s := &Snapshot{
		CheckpointSeq: wire.Seq,
		IDs:           live.ToArray(),
		Locations:     make([]Location, 0, n),
	}
	for _, r := range wire.Runs {
		for range r.Count {
			s.Locations = append(s.Locations, Location{Segment: r.Segment, Offset: wire.Offsets[len(s.Locations)]})
		}
	}
	return s, nil
}

// SaveSnapshot writes the snapshot of manifest version id and returns its name.
func (s *Store) SaveSnapshot(ctx context.Context, id uint64, snap *Snapshot) (string, error) {
	data, err := EncodeSnapshot(snap)
	if err != nil {
		return "", err
	}
	name := SnapshotName(id)
	if err := s.store.Put(ctx, name, data); err != nil {
		return "", fmt.Errorf("manifest: write %s: %w", name, err)
	}
	return name, nil
}

// LoadSnapshot reads a snapshot blob.
func (s *Store) LoadSnapshot(ctx context.Context, name string) (*Snapshot, error) {
	data, err := blobstore.ReadAll(ctx, s.store, name)
	if err != nil {
		return nil, fmt.Errorf("manifest: read %s: %w", name, err)
	}
	snap, err := DecodeSnapshot(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	return snap, nil
}
