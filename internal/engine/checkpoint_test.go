package engine

import (
	"context"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/vecbit/internal/fs"
	"github.com/hupe1980/vecbit/internal/resource"
)

type recordingObserver struct {
	NoopMetricsObserver

	mu          sync.Mutex
	checkpoints []int
	failures    int
	compactions []int
	recoveries  []int
}

func (o *recordingObserver) OnCheckpoint(_ time.Duration, records int, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if err != nil {
		o.failures++
		return
	}
	o.checkpoints = append(o.checkpoints, records)
}

func (o *recordingObserver) OnCompaction(_ time.Duration, inputSegments, _ int, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if err == nil {
		o.compactions = append(o.compactions, inputSegments)
	}
}

func (o *recordingObserver) OnRecovery(_ time.Duration, replayed int, _ error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.recoveries = append(o.recoveries, replayed)
}

func TestCheckpoint_SealsAndPurges(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	r := rand.New(rand.NewSource(30))
	obs := &recordingObserver{}

	e := openTestEngine(t, dir, WithMetricsObserver(obs))
	require.NoError(t, e.BulkInsert(ctx, testItems(r, 1, 25)))
	require.NoError(t, e.Delete(ctx, 3))
	walBefore := e.Stats().WALBytes

	require.NoError(t, e.Checkpoint(ctx))

	s := e.Stats()
	assert.Equal(t, uint64(26), s.CheckpointSeq)
	assert.Equal(t, 1, s.Segments)
	assert.Equal(t, uint64(24), s.SegmentRecords)
	assert.Equal(t, 0, s.MemtableRecords)
	assert.Equal(t, 1, s.WALFiles)
	assert.Less(t, s.WALBytes, walBefore)

	// Nothing changed: the second checkpoint is a no-op.
	require.NoError(t, e.Checkpoint(ctx))
	assert.Equal(t, s.ManifestID, e.Stats().ManifestID)

	obs.mu.Lock()
	assert.Equal(t, []int{24}, obs.checkpoints)
	obs.mu.Unlock()

	rec, err := e.Get(ctx, 4)
	require.NoError(t, err)
	assert.Equal(t, uint64(4), rec.ID)
	_, err = e.Get(ctx, 3)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCheckpoint_DeletesOnlyIsCommitted(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	r := rand.New(rand.NewSource(31))

	e := openTestEngine(t, dir)
	require.NoError(t, e.BulkInsert(ctx, testItems(r, 1, 10)))
	require.NoError(t, e.Checkpoint(ctx))
	require.NoError(t, e.Delete(ctx, 5))
	require.NoError(t, e.Checkpoint(ctx))

	s := e.Stats()
	assert.Equal(t, uint64(11), s.CheckpointSeq)
	assert.Equal(t, 1, s.Segments)
	want := captureState(t, e)
	require.NoError(t, e.Close())

	e = openTestEngine(t, dir)
	assert.Equal(t, want, captureState(t, e))
	assert.Equal(t, 0, e.Stats().MemtableRecords)
}

func TestCheckpoint_FailureKeepsPreviousCheckpoint(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	r := rand.New(rand.NewSource(32))
	faulty := fs.NewFaultyFS(nil)
	obs := &recordingObserver{}

	e := openTestEngine(t, dir, WithFileSystem(faulty), WithMetricsObserver(obs))
	require.NoError(t, e.BulkInsert(ctx, testItems(r, 1, 10)))
	require.NoError(t, e.Checkpoint(ctx))
	before := e.Stats()

	require.NoError(t, e.BulkInsert(ctx, testItems(r, 11, 10)))
	faulty.AddRule(".vbs.tmp", fs.Fault{FailAfterBytes: -1, FailOnOpen: true})
	err := e.Checkpoint(ctx)
	require.Error(t, err)

	s := e.Stats()
	assert.Equal(t, before.CheckpointSeq, s.CheckpointSeq)
	assert.Equal(t, before.ManifestID, s.ManifestID)
	assert.Equal(t, 10, s.MemtableRecords)
	assert.Equal(t, 20, s.Records)

	obs.mu.Lock()
	assert.Equal(t, 1, obs.failures)
	obs.mu.Unlock()

	// Writes continue and the log still covers every unsealed record.
	require.NoError(t, e.Insert(ctx, testItem(r, 21, "a", 2000)))
	want := captureState(t, e)
	require.NoError(t, e.Close())

	faulty.ClearRules()
	e = openTestEngine(t, dir, WithFileSystem(faulty))
	assert.Equal(t, want, captureState(t, e))

	require.NoError(t, e.Checkpoint(ctx))
	assert.Equal(t, 0, e.Stats().MemtableRecords)
	assert.Equal(t, 2, e.Stats().Segments)
}

func TestCheckpoint_ManifestFailureLeavesOrphan(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	r := rand.New(rand.NewSource(33))
	faulty := fs.NewFaultyFS(nil)

	e := openTestEngine(t, dir, WithFileSystem(faulty))
	require.NoError(t, e.BulkInsert(ctx, testItems(r, 1, 10)))
	faulty.AddRule("MANIFEST-", fs.Fault{FailAfterBytes: -1, FailOnOpen: true})
	require.Error(t, e.Checkpoint(ctx))
	assert.Equal(t, uint64(0), e.Stats().CheckpointSeq)
	want := captureState(t, e)
	require.NoError(t, e.Close())

	// The sealed segment was never committed and is removed on open.
	faulty.ClearRules()
	e = openTestEngine(t, dir)
	assert.Equal(t, want, captureState(t, e))
	s := e.Stats()
	assert.Equal(t, 0, s.Segments)
	assert.Equal(t, 10, s.MemtableRecords)
}

func TestCheckpoint_SegmentThresholdTriggers(t *testing.T) {
	ctx := context.Background()
	r := rand.New(rand.NewSource(34))

	e := openTestEngine(t, t.TempDir(), WithSegmentThreshold(16))
	for _, it := range testItems(r, 1, 40) {
		require.NoError(t, e.Insert(ctx, it))
	}

	assert.Eventually(t, func() bool {
		return e.Stats().Segments > 0
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, 40, e.Stats().Records)
}

func TestCheckpoint_ConcurrentWrites(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	e := openTestEngine(t, dir)
	items := testItems(rand.New(rand.NewSource(35)), 1, 400)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for _, it := range items {
			if err := e.Insert(ctx, it); err != nil {
				t.Errorf("insert %d: %v", it.ID, err)
				return
			}
			if it.ID%5 == 0 {
				if err := e.Delete(ctx, it.ID-1); err != nil {
					t.Errorf("delete %d: %v", it.ID-1, err)
					return
				}
			}
		}
	}()
	for range 10 {
		require.NoError(t, e.Checkpoint(ctx))
		time.Sleep(2 * time.Millisecond)
	}
	wg.Wait()
	require.NoError(t, e.Checkpoint(ctx))

	want := captureState(t, e)
	assert.Len(t, want.records, 320)
	require.NoError(t, e.Close())

	e = openTestEngine(t, dir)
	assert.Equal(t, want, captureState(t, e))
}

func TestCheckpoint_MemoryLimitTriggers(t *testing.T) {
	ctx := context.Background()
	r := rand.New(rand.NewSource(36))
	rc := resource.NewController(resource.Config{MemtableLimitBytes: 1024})

	e := openTestEngine(t, t.TempDir(), WithResourceController(rc))
	require.NoError(t, e.BulkInsert(ctx, testItems(r, 1, 50)))

	assert.Eventually(t, func() bool {
		s := e.Stats()
		return s.Segments > 0 && s.MemtableRecords == 0
	}, 5*time.Second, 10*time.Millisecond)
	assert.Eventually(t, func() bool {
		return rc.MemoryUsage() == 0
	}, 5*time.Second, 10*time.Millisecond)
}
