package manifest

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/vecbit/blobstore"
	"github.com/hupe1980/vecbit/internal/fs"
	"github.com/hupe1980/vecbit/internal/segment"
)

func TestStore(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	store := NewStore(blobstore.NewLocalStore(dir))

	// 1. Load on empty
	_, err := store.Load(ctx)
	require.ErrorIs(t, err, ErrNotFound)

	// 2. Save (increments ID)
	m := New(128, segment.CompressionLZ4, []string{"category"})
	m.NextSegmentID = 100
	m.CheckpointSeq = 42
	require.NoError(t, store.Save(ctx, m))
	assert.Equal(t, uint64(1), m.ID)

	// 3. Load updated
	m2, err := store.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), m2.ID)
	assert.Equal(t, uint64(100), m2.NextSegmentID)
	assert.Equal(t, uint64(42), m2.CheckpointSeq)
	assert.Equal(t, m.CollectionID, m2.CollectionID)
	assert.Equal(t, []string{"category"}, m2.IndexedFields)

	// 4. Verify file structure
	current, err := os.ReadFile(filepath.Join(dir, CurrentFileName))
	require.NoError(t, err)
	assert.Equal(t, "MANIFEST-000001.bin", string(current))

	// 5. Save another one
	require.NoError(t, store.Save(ctx, m))
	assert.Equal(t, uint64(2), m.ID)

	m3, err := store.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), m3.ID)

	versions, err := store.ListVersions(ctx)
	require.NoError(t, err)
	assert.Equal(t, []uint64{1, 2}, versions)

	old, err := store.LoadVersion(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), old.ID)
}

func TestStore_LoadErrors(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	store := NewStore(blobstore.NewLocalStore(dir))

	t.Run("dangling CURRENT", func(t *testing.T) {
		require.NoError(t, os.WriteFile(filepath.Join(dir, CurrentFileName), []byte("MANIFEST-999999.bin"), 0o644))
		_, err := store.Load(ctx)
		assert.Error(t, err)
		assert.NotErrorIs(t, err, ErrNotFound)
	})

	t.Run("garbage CURRENT", func(t *testing.T) {
		require.NoError(t, os.WriteFile(filepath.Join(dir, CurrentFileName), []byte("../etc/passwd"), 0o644))
		_, err := store.Load(ctx)
		assert.ErrorIs(t, err, ErrCorrupt)
	})

	t.Run("corrupt manifest", func(t *testing.T) {
		m := New(64, segment.CompressionNone, nil)
		require.NoError(t, store.Save(ctx, m))

		path := filepath.Join(dir, ManifestName(m.ID))
		data, err := os.ReadFile(path)
		require.NoError(t, err)
		data[len(data)-1] ^= 0xFF
		require.NoError(t, os.WriteFile(path, data, 0o644))

		_, err = store.Load(ctx)
		assert.ErrorIs(t, err, ErrCorrupt)
	})
}

func TestStore_FailedSwitchKeepsPrevious(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	faulty := fs.NewFaultyFS(nil)
	store := NewStore(blobstore.NewLocalStoreFS(dir, faulty))

	m := New(64, segment.CompressionNone, nil)
	m.CheckpointSeq = 10
	require.NoError(t, store.Save(ctx, m))

	faulty.AddRule(CurrentFileName, fs.Fault{FailAfterBytes: -1, FailOnRename: true})
	m.CheckpointSeq = 20
	require.Error(t, store.Save(ctx, m))
	assert.Equal(t, uint64(1), m.ID, "ID only advances on success")
	faulty.ClearRules()

	loaded, err := store.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), loaded.ID)
	assert.Equal(t, uint64(10), loaded.CheckpointSeq)
}

func TestStore_PruneAndDelete(t *testing.T) {
	ctx := context.Background()
	mem := blobstore.NewMemoryStore()
	store := NewStore(mem)

	m := New(8, segment.CompressionNone, nil)
	for range 3 {
		_, err := store.SaveSnapshot(ctx, m.ID+1, &Snapshot{})
		require.NoError(t, err)
		require.NoError(t, store.Save(ctx, m))
	}
	require.NoError(t, mem.Put(ctx, SegmentPath(1), []byte("seg")))

	n, err := store.Prune(ctx, 3)
	require.NoError(t, err)
	assert.Equal(t, 4, n)

	names, err := mem.List(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, []string{CurrentFileName, ManifestName(3), SnapshotName(3), SegmentPath(1)}, names)

	require.NoError(t, store.DeleteVersion(ctx, 3))
	versions, err := store.ListVersions(ctx)
	require.NoError(t, err)
	assert.Empty(t, versions)
}

func TestSegmentInfo_DeadRatio(t *testing.T) {
	assert.Equal(t, 0.0, SegmentInfo{}.DeadRatio())
	assert.Equal(t, 0.25, SegmentInfo{Records: 4, Live: 3}.DeadRatio())
	assert.Equal(t, 1.0, SegmentInfo{Records: 4}.DeadRatio())
}
