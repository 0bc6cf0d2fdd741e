package vecbit

import (
	"sync/atomic"
	"time"

	"github.com/hupe1980/vecbit/internal/engine"
)

// MetricsCollector defines an interface for collecting operational metrics.
// Implement this interface to integrate with monitoring systems like Prometheus.
//
// Checkpoint, compaction and recovery callbacks run on background
// goroutines and must not block.
type MetricsCollector interface {
	// RecordInsert is called after each insert or append.
	RecordInsert(duration time.Duration, err error)

	// RecordBatchInsert is called after each bulk insert.
	// count is the number of items attempted.
	RecordBatchInsert(count int, duration time.Duration, err error)

	// RecordSearch is called after each search operation.
	// k is the number of neighbors requested.
	RecordSearch(k int, duration time.Duration, err error)

	// RecordDelete is called after each delete operation.
	RecordDelete(duration time.Duration, err error)

	// RecordCheckpoint is called after each checkpoint. records is the number
	// of records sealed into the new segment.
	RecordCheckpoint(records int, duration time.Duration, err error)

	// RecordCompaction is called after each compaction.
	RecordCompaction(inputSegments, outputRecords int, duration time.Duration, err error)

	// RecordRecovery is called once per Open with the number of log entries
	// replayed.
	RecordRecovery(replayed int, duration time.Duration, err error)
}

// NoopMetricsCollector is a no-op implementation of MetricsCollector.
// Use this when metrics collection is not needed.
type NoopMetricsCollector struct{}

func (NoopMetricsCollector) RecordInsert(time.Duration, error)               {}
func (NoopMetricsCollector) RecordBatchInsert(int, time.Duration, error)     {}
func (NoopMetricsCollector) RecordSearch(int, time.Duration, error)          {}
func (NoopMetricsCollector) RecordDelete(time.Duration, error)               {}
func (NoopMetricsCollector) RecordCheckpoint(int, time.Duration, error)      {}
func (NoopMetricsCollector) RecordCompaction(int, int, time.Duration, error) {}
func (NoopMetricsCollector) RecordRecovery(int, time.Duration, error)        {}

// BasicMetricsCollector provides simple in-memory metrics collection.
// Useful for debugging and basic monitoring without external dependencies.
type BasicMetricsCollector struct {
	InsertCount       atomic.Int64
	InsertErrors      atomic.Int64
	InsertTotalNanos  atomic.Int64
	BatchInsertCount  atomic.Int64
	BatchInsertItems  atomic.Int64
	BatchInsertErrors atomic.Int64
	SearchCount       atomic.Int64
	SearchErrors      atomic.Int64
	SearchTotalNanos  atomic.Int64
	DeleteCount       atomic.Int64
	DeleteErrors      atomic.Int64
	CheckpointCount   atomic.Int64
	CheckpointErrors  atomic.Int64
	SealedRecords     atomic.Int64
	CompactionCount   atomic.Int64
	CompactionErrors  atomic.Int64
	RecoveryReplayed  atomic.Int64
}

// RecordInsert implements MetricsCollector.
func (b *BasicMetricsCollector) RecordInsert(duration time.Duration, err error) {
	b.InsertCount.Add(1)
	b.InsertTotalNanos.Add(duration.Nanoseconds())
	if err != nil {
		b.InsertErrors.Add(1)
	}
}

// RecordBatchInsert implements MetricsCollector.
func (b *BasicMetricsCollector) RecordBatchInsert(count int, _ time.Duration, err error) {
	b.BatchInsertCount.Add(1)
	if err != nil {
		b.BatchInsertErrors.Add(1)
		return
	}
	b.BatchInsertItems.Add(int64(count))
}

// RecordSearch implements MetricsCollector.
func (b *BasicMetricsCollector) RecordSearch(_ int, duration time.Duration, err error) {
	b.SearchCount.Add(1)
	b.SearchTotalNanos.Add(duration.Nanoseconds())
	if err != nil {
		b.SearchErrors.Add(1)
	}
}

// RecordDelete implements MetricsCollector.
func (b *BasicMetricsCollector) RecordDelete(_ time.Duration, err error) {
	b.DeleteCount.Add(1)
	if err != nil {
		b.DeleteErrors.Add(1)
	}
}

// RecordCheckpoint implements MetricsCollector.
func (b *BasicMetricsCollector) RecordCheckpoint(records int, _ time.Duration, err error) {
	if err != nil {
		b.CheckpointErrors.Add(1)
		return
	}
	b.CheckpointCount.Add(1)
	b.SealedRecords.Add(int64(records))
}

// RecordCompaction implements MetricsCollector.
func (b *BasicMetricsCollector) RecordCompaction(_, _ int, _ time.Duration, err error) {
	if err != nil {
		b.CompactionErrors.Add(1)
		return
	}
	b.CompactionCount.Add(1)
}

// RecordRecovery implements MetricsCollector.
func (b *BasicMetricsCollector) RecordRecovery(replayed int, _ time.Duration, _ error) {
	b.RecoveryReplayed.Add(int64(replayed))
}

// GetStats returns a snapshot of current metrics.
func (b *BasicMetricsCollector) GetStats() BasicMetricsStats {
	return BasicMetricsStats{
		InsertCount:       b.InsertCount.Load(),
		InsertErrors:      b.InsertErrors.Load(),
		InsertAvgNanos:    avg(b.InsertTotalNanos.Load(), b.InsertCount.Load()),
		BatchInsertCount:  b.BatchInsertCount.Load(),
		BatchInsertItems:  b.BatchInsertItems.Load(),
		BatchInsertErrors: b.BatchInsertErrors.Load(),
		SearchCount:       b.SearchCount.Load(),
		SearchErrors:      b.SearchErrors.Load(),
		SearchAvgNanos:    avg(b.SearchTotalNanos.Load(), b.SearchCount.Load()),
		DeleteCount:       b.DeleteCount.Load(),
		DeleteErrors:      b.DeleteErrors.Load(),
		CheckpointCount:   b.CheckpointCount.Load(),
		CheckpointErrors:  b.CheckpointErrors.Load(),
		SealedRecords:     b.SealedRecords.Load(),
		CompactionCount:   b.CompactionCount.Load(),
		CompactionErrors:  b.CompactionErrors.Load(),
		RecoveryReplayed:  b.RecoveryReplayed.Load(),
	}
}

func avg(total, count int64) int64 {
	if count == 0 {
		return 0
	}
	return total / count
}

// BasicMetricsStats is a snapshot of BasicMetricsCollector state.
type BasicMetricsStats struct {
	InsertCount       int64
	InsertErrors      int64
	InsertAvgNanos    int64
	BatchInsertCount  int64
	BatchInsertItems  int64
	BatchInsertErrors int64
	SearchCount       int64
	SearchErrors      int64
	SearchAvgNanos    int64
	DeleteCount       int64
	DeleteErrors      int64
	CheckpointCount   int64
	CheckpointErrors  int64
	SealedRecords     int64
	CompactionCount   int64
	CompactionErrors  int64
	RecoveryReplayed  int64
}

// observer forwards engine events to the collector. A successful
// checkpoint also wakes the archive loop.
type observer struct {
	metrics      MetricsCollector
	checkpointed chan struct{}
}

var _ engine.MetricsObserver = (*observer)(nil)

func (o *observer) OnCheckpoint(d time.Duration, records int, err error) {
	o.metrics.RecordCheckpoint(records, d, err)
	if err == nil && o.checkpointed != nil {
		select {
		case o.checkpointed <- struct{}{}:
		default:
		}
	}
}

func (o *observer) OnCompaction(d time.Duration, inputSegments, outputRecords int, err error) {
	o.metrics.RecordCompaction(inputSegments, outputRecords, d, err)
}

func (o *observer) OnRecovery(d time.Duration, replayed int, err error) {
	o.metrics.RecordRecovery(replayed, d, err)
}

func (o *observer) OnThroughput(string, int64) {}
