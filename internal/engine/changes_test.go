package engine

import (
	"context"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/vecbit/internal/wal"
)

func TestChanges_ReadsDurableMutations(t *testing.T) {
	e := openTestEngine(t, t.TempDir())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r := rand.New(rand.NewSource(50))

	items := testItems(r, 1, 3)
	require.NoError(t, e.BulkInsert(ctx, items))
	require.NoError(t, e.Delete(ctx, 2))

	var got []Change
	for c, err := range e.Changes(ctx, 0) {
		require.NoError(t, err)
		got = append(got, c)
		if len(got) == 4 {
			break
		}
	}

	require.Len(t, got, 4)
	for i, c := range got[:3] {
		assert.Equal(t, uint64(i+1), c.Seq)
		assert.Equal(t, wal.OpInsert, c.Op)
		assert.Equal(t, items[i].ID, c.ID)
		assert.True(t, items[i].Vector.Equal(c.Vector))
		assert.Equal(t, items[i].Metadata, c.Metadata)
	}
	assert.Equal(t, Change{Seq: 4, Op: wal.OpDelete, ID: 2}, got[3])
}

func TestChanges_FollowsNewWrites(t *testing.T) {
	e := openTestEngine(t, t.TempDir())
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	r := rand.New(rand.NewSource(51))
	require.NoError(t, e.Insert(ctx, testItem(r, 1, "a", 2000)))

	seen := make(chan uint64, 8)
	done := make(chan error, 1)
	go func() {
		for c, err := range e.Changes(ctx, 2) {
			if err != nil {
				done <- err
				return
			}
			seen <- c.ID
			if c.Seq == 3 {
				done <- nil
				return
			}
		}
		done <- ctx.Err()
	}()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, e.Insert(ctx, testItem(r, 2, "a", 2000)))
	require.NoError(t, e.Insert(ctx, testItem(r, 3, "a", 2000)))

	require.NoError(t, <-done)
	close(seen)
	var ids []uint64
	for id := range seen {
		ids = append(ids, id)
	}
	assert.Equal(t, []uint64{2, 3}, ids)
}

func TestChanges_Truncated(t *testing.T) {
	e := openTestEngine(t, t.TempDir())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r := rand.New(rand.NewSource(52))

	require.NoError(t, e.BulkInsert(ctx, testItems(r, 1, 5)))
	require.NoError(t, e.Checkpoint(ctx))
	require.NoError(t, e.Insert(ctx, testItem(r, 6, "a", 2000)))

	for _, err := range e.Changes(ctx, 1) {
		assert.ErrorIs(t, err, ErrChangesTruncated)
		break
	}

	for c, err := range e.Changes(ctx, 6) {
		require.NoError(t, err)
		assert.Equal(t, uint64(6), c.ID)
		break
	}
}

func TestChanges_EndsOnClose(t *testing.T) {
	dir := t.TempDir()
	e, err := Open(dir, testOptions()...)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		for _, err := range e.Changes(context.Background(), 1) {
			if err != nil {
				done <- err
				return
			}
		}
		done <- nil
	}()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, e.Close())
	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrClosed)
	case <-time.After(5 * time.Second):
		t.Fatal("changes stream did not end")
	}
}
