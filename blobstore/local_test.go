package blobstore

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/vecbit/internal/fs"
)

func TestLocalStore_Lifecycle(t *testing.T) {
	tmpDir := t.TempDir()
	store := NewLocalStore(tmpDir)
	ctx := context.Background()

	data := []byte("hello world, this is a test blob")

	w, err := store.Create(ctx, "segments/data-001.bin")
	require.NoError(t, err)
	n, err := w.Write(data)
	require.NoError(t, err)
	require.Equal(t, len(data), n)

	// Not visible before Close.
	_, err = os.Stat(filepath.Join(tmpDir, "segments", "data-001.bin"))
	require.ErrorIs(t, err, os.ErrNotExist)

	require.NoError(t, w.Close())

	blob, err := store.Open(ctx, "segments/data-001.bin")
	require.NoError(t, err)
	defer blob.Close()
	require.Equal(t, int64(len(data)), blob.Size())

	buf := make([]byte, 5)
	n, err = blob.ReadAt(ctx, buf, 6)
	require.NoError(t, err)
	require.Equal(t, 5, n)
	assert.Equal(t, "world", string(buf))

	r, err := blob.ReadRange(ctx, 0, 5)
	require.NoError(t, err)
	got, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(got))

	require.NoError(t, store.Put(ctx, "CURRENT", []byte("MANIFEST-000001.bin")))

	names, err := store.List(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, []string{"CURRENT", "segments/data-001.bin"}, names)

	names, err = store.List(ctx, "segments/")
	require.NoError(t, err)
	assert.Equal(t, []string{"segments/data-001.bin"}, names)

	require.NoError(t, store.Delete(ctx, "CURRENT"))
	require.NoError(t, store.Delete(ctx, "CURRENT"))

	_, err = store.Open(ctx, "CURRENT")
	assert.True(t, IsNotFound(err))
}

func TestLocalStore_AbortLeavesNothing(t *testing.T) {
	tmpDir := t.TempDir()
	store := NewLocalStore(tmpDir)
	ctx := context.Background()

	w, err := store.Create(ctx, "partial")
	require.NoError(t, err)
	_, err = w.Write([]byte("abc"))
	require.NoError(t, err)
	require.NoError(t, w.(Aborter).Abort())

	names, err := store.List(ctx, "")
	require.NoError(t, err)
	assert.Empty(t, names)
}

func TestLocalStore_PutFailureKeepsOldBlob(t *testing.T) {
	tmpDir := t.TempDir()
	faulty := fs.NewFaultyFS(nil)
	store := NewLocalStoreFS(tmpDir, faulty)
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, "CURRENT", []byte("old")))

	faulty.AddRule("CURRENT", fs.Fault{FailAfterBytes: -1, FailOnRename: true})
	err := store.Put(ctx, "CURRENT", []byte("new"))
	require.Error(t, err)
	faulty.ClearRules()

	got, err := ReadAll(ctx, store, "CURRENT")
	require.NoError(t, err)
	assert.Equal(t, "old", string(got))
}

func TestMemoryStore(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	require.NoError(t, store.Put(ctx, "b", []byte("2")))
	require.NoError(t, store.Put(ctx, "a", []byte("1")))

	names, err := store.List(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, names)

	_, err = store.Open(ctx, "missing")
	assert.True(t, errors.Is(err, ErrNotFound))

	w, err := store.Create(ctx, "c")
	require.NoError(t, err)
	_, _ = w.Write([]byte("x"))
	require.NoError(t, w.(Aborter).Abort())
	require.NoError(t, w.Close())
	assert.Equal(t, 2, store.Len())
}

func TestCopy(t *testing.T) {
	ctx := context.Background()
	src := NewMemoryStore()
	dst := NewLocalStore(t.TempDir())

	payload := make([]byte, 1<<16)
	for i := range payload {
		payload[i] = byte(i * 7)
	}
	require.NoError(t, src.Put(ctx, "seg/1.vbs", payload))

	n, err := Copy(ctx, dst, src, "seg/1.vbs")
	require.NoError(t, err)
	assert.Equal(t, int64(len(payload)), n)

	got, err := ReadAll(ctx, dst, "seg/1.vbs")
	require.NoError(t, err)
	assert.Equal(t, payload, got)

	_, err = Copy(ctx, dst, src, "missing")
	assert.True(t, IsNotFound(err))
}
