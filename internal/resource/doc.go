// Package resource bounds the background work of a collection.
//
// A Controller manages three things:
//
//   - Memtable memory: tracked with atomic counters; crossing the soft limit
//     is reported so the owner can checkpoint early
//   - Concurrency: a weighted semaphore limits background jobs
//     (checkpoint, compaction, archive)
//   - IO: a token bucket throttles background writes and uploads so they do
//     not starve foreground queries
//
// # Background Worker Limits
//
//	rc := resource.NewController(resource.Config{
//	    MaxBackgroundWorkers: 2,
//	})
//
//	if err := rc.AcquireBackground(ctx); err != nil {
//	    return err
//	}
//	defer rc.ReleaseBackground()
//
// # IO Rate Limiting
//
//	rc := resource.NewController(resource.Config{
//	    IOLimitBytesPerSec: 64 << 20,
//	})
//
//	if err := rc.AcquireIO(ctx, n); err != nil {
//	    return err
//	}
//
//	r := resource.NewRateLimitedReader(ctx, file, rc)
//
// # Nil Safety
//
// All methods handle a nil Controller gracefully; they become no-ops.
package resource
