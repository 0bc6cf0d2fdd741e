package engine

import "time"

// MetricsObserver defines the interface for observing background engine events.
type MetricsObserver interface {
	// OnCheckpoint is called when a checkpoint completes.
	OnCheckpoint(duration time.Duration, records int, err error)

	// OnCompaction is called when a compaction completes.
	OnCompaction(duration time.Duration, inputSegments int, outputRecords int, err error)

	// OnRecovery is called once Open has replayed the log.
	OnRecovery(duration time.Duration, replayed int, err error)

	// OnThroughput reports bytes processed.
	OnThroughput(name string, bytes int64)
}

// NoopMetricsObserver is a no-op implementation of MetricsObserver.
type NoopMetricsObserver struct{}

func (o *NoopMetricsObserver) OnCheckpoint(duration time.Duration, records int, err error) {}
func (o *NoopMetricsObserver) OnCompaction(duration time.Duration, inputSegments int, outputRecords int, err error) {
}
func (o *NoopMetricsObserver) OnRecovery(duration time.Duration, replayed int, err error) {}
func (o *NoopMetricsObserver) OnThroughput(name string, bytes int64)                    {}
