package manifest

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hupe1980/vecbit/blobstore"
	"github.com/hupe1980/vecbit/internal/bitvec"
	"github.com/hupe1980/vecbit/internal/segment"
)

const (
	ManifestPrefix  = "MANIFEST-"
	SnapshotPrefix  = "SNAPSHOT-"
	CurrentFileName = "CURRENT"
	// SegmentDir is the directory of segment files, relative to the collection root.
	SegmentDir = "segments"
	// WALDir is the directory of log files, relative to the collection root.
	WALDir = "wal"

	// CurrentVersion is the version of the manifest format.
	CurrentVersion = 1
)

// ManifestName returns the blob name of manifest version id.
func ManifestName(id uint64) string {
	return fmt.Sprintf("%s%06d.bin", ManifestPrefix, id)
}

// SnapshotName returns the blob name of the index snapshot of version id.
func SnapshotName(id uint64) string {
	return fmt.Sprintf("%s%06d.bin", SnapshotPrefix, id)
}

// SegmentPath returns the collection-relative path of segment id.
func SegmentPath(id uint64) string {
	return fmt.Sprintf("%s/%020d.vbs", SegmentDir, id)
}

// versionOf parses the numeric suffix of a MANIFEST- or SNAPSHOT- name.
func versionOf(name, prefix string) (uint64, bool) {
	if !strings.HasPrefix(name, prefix) || !strings.HasSuffix(name, ".bin") {
		return 0, false
	}
	v, err := strconv.ParseUint(strings.TrimSuffix(strings.TrimPrefix(name, prefix), ".bin"), 10, 64)
	return v, err == nil
}

// Manifest describes a committed checkpoint of a collection.
type Manifest struct {
	Version      int
	ID           uint64
	CollectionID uuid.UUID
	CreatedAt    time.Time

	Dim         int
	Scheme      bitvec.Scheme
	Compression segment.Compression

	// CheckpointSeq is the last WAL sequence number reflected by the
	// segments and the snapshot. Replay starts after it.
	CheckpointSeq uint64
	NextSegmentID uint64
	Segments      []SegmentInfo
	// Snapshot names the primary index snapshot blob.
	Snapshot      string
	IndexedFields []string
}

// New creates a new empty manifest.
func New(dim int, compression segment.Compression, indexed []string) *Manifest {
	return &Manifest{
		Version:       CurrentVersion,
		CollectionID:  uuid.New(),
		CreatedAt:     time.Now(),
		Dim:           dim,
		Scheme:        bitvec.SchemeSignV1,
		Compression:   compression,
		NextSegmentID: 1,
		IndexedFields: slices.Clone(indexed),
	}
}

// Clone returns a deep copy.
func (m *Manifest) Clone() *Manifest {
	c := *m
	c.Segments = slices.Clone(m.Segments)
	c.IndexedFields = slices.Clone(m.IndexedFields)
	return &c
}

// Segment returns the info of segment id.
func (m *Manifest) Segment(id uint64) (SegmentInfo, bool) {
	for _, s := range m.Segments {
		if s.ID == id {
			return s, true
		}
	}
	return SegmentInfo{}, false
}

// SegmentInfo describes a single segment.
type SegmentInfo struct {
	ID uint64
	// Records is the number of records in the file; Live is how many of them
	// the primary index still points to.
	Records   uint64
	Live      uint64
	Size      int64
	MinID     uint64
	MaxID     uint64
	CreateSeq uint64
	// Path is relative to the collection root.
	Path string
}

// DeadRatio returns the fraction of records no longer referenced.
func (s SegmentInfo) DeadRatio() float64 {
	if s.Records == 0 {
		return 0
	}
	return float64(s.Records-min(s.Live, s.Records)) / float64(s.Records)
}

// Store manages manifest versions and the CURRENT pointer in a blob store.
type Store struct {
	store blobstore.BlobStore
	mu    sync.Mutex
}

// NewStore creates a new manifest store.
func NewStore(store blobstore.BlobStore) *Store {
	return &Store{store: store}
}

// Blobs returns the underlying blob store.
func (s *Store) Blobs() blobstore.BlobStore { return s.store }

// Load loads the current manifest.
func (s *Store) Load(ctx context.Context) (*Manifest, error) {
	return s.LoadVersion(ctx, 0)
}

// LoadVersion loads a specific version ID. 0 means the one CURRENT points to.
func (s *Store) LoadVersion(ctx context.Context, versionID uint64) (*Manifest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	name := ManifestName(versionID)
	if versionID == 0 {
		content, err := blobstore.ReadAll(ctx, s.store, CurrentFileName)
		if err != nil {
			if blobstore.IsNotFound(err) {
				return nil, ErrNotFound
			}
			return nil, err
		}
		name = strings.TrimSpace(string(content))
		if _, ok := versionOf(name, ManifestPrefix); !ok {
			return nil, fmt.Errorf("%w: CURRENT names %q", ErrCorrupt, name)
		}
	}

	data, err := blobstore.ReadAll(ctx, s.store, name)
	if err != nil {
		return nil, fmt.Errorf("manifest: read %s: %w", name, err)
	}
	m, err := ReadBinary(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	return m, nil
}

// ListVersions returns the ids of all stored manifests in ascending order.
func (s *Store) ListVersions(ctx context.Context) ([]uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	names, err := s.store.List(ctx, ManifestPrefix)
	if err != nil {
		return nil, err
	}
	var ids []uint64
	for _, n := range names {
		if id, ok := versionOf(n, ManifestPrefix); ok {
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)
	return ids, nil
}

// Save atomically publishes m as a new version: the manifest blob is written
// first, then CURRENT is switched to it. m.ID is advanced on success.
func (s *Store) Save(ctx context.Context, m *Manifest) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := *m
	next.Version = CurrentVersion
	next.ID = m.ID + 1
	next.CreatedAt = time.Now()

	var buf bytes.Buffer
	if err := next.WriteBinary(&buf); err != nil {
		return err
	}

	name := ManifestName(next.ID)
	if err := s.store.Put(ctx, name, buf.Bytes()); err != nil {
		return fmt.Errorf("manifest: write %s: %w", name, err)
	}
	if err := s.store.Put(ctx, CurrentFileName, []byte(name)); err != nil {
		return fmt.Errorf("manifest: switch CURRENT: %w", err)
	}

	m.Version, m.ID, m.CreatedAt = next.Version, next.ID, next.CreatedAt
	return nil
}

// DeleteVersion deletes the manifest and snapshot of the given version.
func (s *Store) DeleteVersion(ctx context.Context, versionID uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return errors.Join(
		s.store.Delete(ctx, ManifestName(versionID)),
		s.store.Delete(ctx, SnapshotName(versionID)),
	)
}

// Prune deletes every manifest and snapshot older than keepFrom.
func (s *Store) Prune(ctx context.Context, keepFrom uint64) (int, error) {
	s.mu.Lock()
	names, err := s.store.List(ctx, "")
	s.mu.Unlock()
	if err != nil {
		return 0, err
	}

	n := 0
	for _, name := range names {
		id, ok := versionOf(name, ManifestPrefix)
		if !ok {
			id, ok = versionOf(name, SnapshotPrefix)
		}
		if !ok || id >= keepFrom {
			continue
		}
		if err := s.store.Delete(ctx, name); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}
