package engine

import (
	"github.com/hupe1980/vecbit/internal/manifest"
)

// CompactionPolicy determines which segments should be compacted.
type CompactionPolicy interface {
	// Pick selects the segments to rewrite into one.
	// Returns nil if no compaction is needed.
	Pick(segments []manifest.SegmentInfo) []uint64
}

// DeadRatioPolicy rewrites every segment whose fraction of records no longer
// referenced by the primary index reaches Threshold.
type DeadRatioPolicy struct {
	Threshold float64
}

func (p *DeadRatioPolicy) Pick(segments []manifest.SegmentInfo) []uint64 {
	var ids []uint64
	for _, s := range segments {
		if s.Records > 0 && s.DeadRatio() >= p.Threshold {
			ids = append(ids, s.ID)
		}
	}
	return ids
}
