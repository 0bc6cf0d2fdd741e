package resource

import (
	"bytes"
	"context"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestController_Memory(t *testing.T) {
	c := NewController(Config{MemtableLimitBytes: 100})

	assert.False(t, c.AddMemory(50))
	assert.Equal(t, int64(50), c.MemoryUsage())

	assert.False(t, c.AddMemory(50))
	assert.True(t, c.AddMemory(1), "crossing the limit is reported")
	assert.Equal(t, int64(101), c.MemoryUsage())

	c.ReleaseMemory(101)
	assert.Equal(t, int64(0), c.MemoryUsage())
	assert.Equal(t, int64(100), c.MemoryLimit())

	// Non-positive values are ignored.
	assert.False(t, c.AddMemory(-5))
	c.ReleaseMemory(-5)
	assert.Equal(t, int64(0), c.MemoryUsage())
}

func TestController_UnlimitedMemory(t *testing.T) {
	c := NewController(Config{})

	assert.False(t, c.AddMemory(1000))
	assert.Equal(t, int64(1000), c.MemoryUsage())

	c.ReleaseMemory(500)
	assert.Equal(t, int64(500), c.MemoryUsage())
	assert.Equal(t, int64(0), c.MemoryLimit())
}

func TestController_NilChecks(t *testing.T) {
	var c *Controller
	assert.False(t, c.AddMemory(10))
	c.ReleaseMemory(10)
	assert.Zero(t, c.MemoryUsage())
	assert.NoError(t, c.AcquireBackground(context.Background()))
	assert.True(t, c.TryAcquireBackground())
	c.ReleaseBackground()
	assert.NoError(t, c.AcquireIO(context.Background(), 1<<30))
}

func TestController_Background(t *testing.T) {
	c := NewController(Config{MaxBackgroundWorkers: 2})

	require.NoError(t, c.AcquireBackground(t.Context()))
	require.NoError(t, c.AcquireBackground(t.Context()))
	assert.False(t, c.TryAcquireBackground())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, c.AcquireBackground(ctx), context.DeadlineExceeded)

	c.ReleaseBackground()
	assert.True(t, c.TryAcquireBackground())
}

func TestController_IO(t *testing.T) {
	ctx := context.Background()

	c := NewController(Config{IOLimitBytesPerSec: 1 << 20})
	// Larger than the burst is split rather than rejected.
	start := time.Now()
	require.NoError(t, c.AcquireIO(ctx, 1<<20+1024))
	assert.Less(t, time.Since(start), 5*time.Second)

	canceled, cancel := context.WithCancel(ctx)
	cancel()
	assert.Error(t, c.AcquireIO(canceled, 1<<21))

	unlimited := NewController(Config{})
	require.NoError(t, unlimited.AcquireIO(ctx, 1<<30))
}

func TestRateLimitedReader(t *testing.T) {
	c := NewController(Config{IOLimitBytesPerSec: 1 << 20})
	src := bytes.Repeat([]byte("x"), 64*1024)

	got, err := io.ReadAll(NewRateLimitedReader(context.Background(), bytes.NewReader(src), c))
	require.NoError(t, err)
	assert.Equal(t, src, got)

	got, err = io.ReadAll(NewRateLimitedReader(context.Background(), bytes.NewReader(src), nil))
	require.NoError(t, err)
	assert.Len(t, got, len(src))
}
