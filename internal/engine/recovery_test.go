package engine

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/vecbit/internal/bitvec"
	"github.com/hupe1980/vecbit/internal/fs"
	"github.com/hupe1980/vecbit/internal/manifest"
	"github.com/hupe1980/vecbit/internal/wal"
)

// state captures everything observable about a collection.
type state struct {
	records map[uint64]Record
	seq     uint64
}

func captureState(t *testing.T, e *Engine) state {
	t.Helper()
	snap, err := e.Snapshot()
	require.NoError(t, err)
	defer snap.DecRef()

	s := state{records: make(map[uint64]Record), seq: snap.Seq()}
	for id := range snap.Live() {
		rec, err := snap.get(id)
		require.NoError(t, err)
		s.records[id] = rec
	}
	return s
}

func walFiles(t *testing.T, dir string) []string {
	t.Helper()
	files, err := filepath.Glob(filepath.Join(dir, manifest.WALDir, "*.wal"))
	require.NoError(t, err)
	return files
}

func TestRecovery_ReplaysLog(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	r := rand.New(rand.NewSource(20))

	e := openTestEngine(t, dir, WithIndexedFields("category"))
	require.NoError(t, e.BulkInsert(ctx, testItems(r, 1, 30)))
	require.NoError(t, e.Delete(ctx, 4))
	require.NoError(t, e.Insert(ctx, testItem(r, 100, "z", 1999)))
	want := captureState(t, e)
	require.NoError(t, e.Close())

	e = openTestEngine(t, dir)
	assert.Equal(t, want, captureState(t, e))
	assert.Equal(t, StateReady, e.State())

	// Indexed fields persist with the collection.
	assert.Equal(t, []string{"category"}, e.Stats().IndexedFields)
	hits, err := e.Search(ctx, randomVector(r), nil, 100)
	require.NoError(t, err)
	assert.Len(t, hits, 30)
}

func TestRecovery_CheckpointAndLog(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	r := rand.New(rand.NewSource(21))

	e := openTestEngine(t, dir, WithIndexedFields("category"))
	require.NoError(t, e.BulkInsert(ctx, testItems(r, 1, 50)))
	require.NoError(t, e.Checkpoint(ctx))
	cs := e.Stats().CheckpointSeq

	require.NoError(t, e.BulkInsert(ctx, testItems(r, 51, 10)))
	require.NoError(t, e.Delete(ctx, 2))  // sealed
	require.NoError(t, e.Delete(ctx, 55)) // unsealed
	want := captureState(t, e)
	require.NoError(t, e.Close())

	e = openTestEngine(t, dir)
	assert.Equal(t, want, captureState(t, e))
	s := e.Stats()
	assert.Equal(t, cs, s.CheckpointSeq)
	assert.Equal(t, 1, s.Segments)
	assert.Equal(t, 10, s.MemtableRecords) // the deleted id stays until the next checkpoint

	hits, err := e.Search(ctx, randomVector(r), nil, 100)
	require.NoError(t, err)
	assert.Len(t, hits, 58)
}

func TestRecovery_Idempotent(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	r := rand.New(rand.NewSource(22))

	e := openTestEngine(t, dir)
	require.NoError(t, e.BulkInsert(ctx, testItems(r, 1, 20)))
	require.NoError(t, e.Checkpoint(ctx))
	require.NoError(t, e.BulkInsert(ctx, testItems(r, 21, 20)))
	want := captureState(t, e)
	require.NoError(t, e.Close())

	for range 3 {
		e, err := Open(dir, testOptions()...)
		require.NoError(t, err)
		assert.Equal(t, want, captureState(t, e))
		require.NoError(t, e.Close())
	}
}

func TestRecovery_TornTail(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	r := rand.New(rand.NewSource(23))

	e := openTestEngine(t, dir)
	require.NoError(t, e.BulkInsert(ctx, testItems(r, 1, 5)))
	want := captureState(t, e)
	require.NoError(t, e.Close())

	files := walFiles(t, dir)
	require.NotEmpty(t, files)
	f, err := os.OpenFile(files[len(files)-1], os.O_WRONLY|os.O_APPEND, 0o644)
	require.NoError(t, err)
	_, err = f.Write([]byte{0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07})
	require.NoError(t, err)
	require.NoError(t, f.Close())

	e = openTestEngine(t, dir)
	assert.Equal(t, want, captureState(t, e))

	// The torn bytes are gone; new writes follow the last good entry.
	require.NoError(t, e.Insert(ctx, testItem(r, 6, "a", 2000)))
	assert.Equal(t, want.seq+1, e.Stats().LastSeq)
}

func TestRecovery_CorruptLogKeepsCollectionClosed(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	r := rand.New(rand.NewSource(24))

	e := openTestEngine(t, dir)
	require.NoError(t, e.BulkInsert(ctx, testItems(r, 1, 5)))
	require.NoError(t, e.Close())

	files := walFiles(t, dir)
	require.NotEmpty(t, files)
	f, err := os.OpenFile(files[0], os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteAt([]byte("GARBAGE!"), 0)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	_, err = Open(dir, testOptions()...)
	assert.ErrorIs(t, err, wal.ErrCorruptLog)
}

func TestRecovery_RemovesOrphanSegments(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	r := rand.New(rand.NewSource(25))

	e := openTestEngine(t, dir)
	require.NoError(t, e.BulkInsert(ctx, testItems(r, 1, 10)))
	require.NoError(t, e.Checkpoint(ctx))
	want := captureState(t, e)
	require.NoError(t, e.Close())

	orphan := filepath.Join(dir, manifest.SegmentDir, fmt.Sprintf("%020d.vbs", 99))
	temp := filepath.Join(dir, manifest.SegmentDir, fmt.Sprintf("%020d.vbs.tmp", 98))
	require.NoError(t, os.WriteFile(orphan, []byte("not a segment"), 0o644))
	require.NoError(t, os.WriteFile(temp, []byte("partial"), 0o644))

	e = openTestEngine(t, dir)
	assert.Equal(t, want, captureState(t, e))
	assert.NoFileExists(t, orphan)
	assert.NoFileExists(t, temp)
}

func TestRecovery_ReplayUntil(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	r := rand.New(rand.NewSource(26))

	e := openTestEngine(t, dir)
	require.NoError(t, e.BulkInsert(ctx, testItems(r, 1, 4))) // seq 1..4
	require.NoError(t, e.Checkpoint(ctx))
	for _, it := range testItems(r, 5, 6) { // seq 5..10
		require.NoError(t, e.Insert(ctx, it))
	}
	require.NoError(t, e.Delete(ctx, 1)) // seq 11
	require.NoError(t, e.Close())

	t.Run("state as of seq", func(t *testing.T) {
		pit := openTestEngine(t, dir, WithReplayUntil(7))
		s := captureState(t, pit)
		assert.Equal(t, uint64(7), s.seq)
		assert.Len(t, s.records, 7)
		assert.Contains(t, s.records, uint64(1))
		assert.NotContains(t, s.records, uint64(8))
		assert.ErrorIs(t, pit.Insert(ctx, testItem(r, 50, "a", 2000)), ErrReadOnly)
	})

	t.Run("before checkpoint", func(t *testing.T) {
		_, err := Open(dir, testOptions(WithReplayUntil(2))...)
		assert.ErrorIs(t, err, ErrChangesTruncated)
	})

	t.Run("log untouched", func(t *testing.T) {
		e := openTestEngine(t, dir)
		s := captureState(t, e)
		assert.Equal(t, uint64(11), s.seq)
		assert.Len(t, s.records, 9)
	})
}

func TestRecovery_Dimension(t *testing.T) {
	dir := t.TempDir()

	_, err := Open(dir, WithCheckpointInterval(0))
	assert.ErrorIs(t, err, ErrInvalidArgument)

	e := openTestEngine(t, dir)
	require.NoError(t, e.Close())

	_, err = Open(dir, WithDimension(testDim*2))
	var dm *bitvec.ErrDimensionMismatch
	require.True(t, errors.As(err, &dm))
	assert.Equal(t, testDim, dm.Expected)

	// The stored dimension applies when none is given.
	e, err = Open(dir, WithCheckpointInterval(0))
	require.NoError(t, err)
	defer func() { _ = e.Close() }()
	assert.Equal(t, testDim, e.Dimension())
}

func TestRecovery_MetricsObserver(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	r := rand.New(rand.NewSource(27))

	e := openTestEngine(t, dir)
	require.NoError(t, e.BulkInsert(ctx, testItems(r, 1, 3)))
	require.NoError(t, e.Insert(ctx, testItem(r, 4, "a", 2000)))
	require.NoError(t, e.Close())

	obs := &recordingObserver{}
	e = openTestEngine(t, dir, WithMetricsObserver(obs))
	obs.mu.Lock()
	defer obs.mu.Unlock()
	require.Len(t, obs.recoveries, 1)
	assert.Equal(t, 4, obs.recoveries[0])
}

func TestRecovery_FailedWriteIsNotApplied(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	r := rand.New(rand.NewSource(28))
	first, second := testItem(r, 1, "a", 2000), testItem(r, 2, "b", 2001)

	meta, err := first.Metadata.Encode()
	require.NoError(t, err)
	ent := wal.Entry{Op: wal.OpInsert, RecordID: first.ID, Payload: wal.EncodeInsert(first.Vector, meta)}

	// The disk fills up in the middle of the second entry.
	faulty := fs.NewFaultyFS(nil)
	faulty.AddRule(".wal", fs.Fault{FailAfterBytes: int64(ent.Size()) + 8})

	e := openTestEngine(t, dir, WithFileSystem(faulty))
	require.NoError(t, e.Insert(ctx, first))
	err = e.Insert(ctx, second)
	require.ErrorIs(t, err, wal.ErrIO)
	_, err = e.Get(ctx, second.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, uint64(1), e.Stats().LastSeq)
	require.NoError(t, e.Close())

	faulty.ClearRules()
	e = openTestEngine(t, dir)
	_, err = e.Get(ctx, first.ID)
	require.NoError(t, err)
	_, err = e.Get(ctx, second.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, uint64(1), e.Stats().LastSeq)

	// The sequence continues without a gap.
	require.NoError(t, e.Insert(ctx, second))
	assert.Equal(t, uint64(2), e.Stats().LastSeq)
}
