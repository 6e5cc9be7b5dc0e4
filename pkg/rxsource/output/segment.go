package output

import (
	"sync/atomic"

	"github.com/norasector/turbine-common/types"
)

// SegmentOutput republishes segments on a channel for in-process consumers.
// Segments are dropped rather than stalling acquisition when the consumer
// falls behind.
type SegmentOutput struct {
	out     chan *types.SegmentComplex64
	dropped atomic.Int64
}

func NewSegmentOutput(buffer int) *SegmentOutput {
	return &SegmentOutput{out: make(chan *types.SegmentComplex64, buffer)}
}

func (s *SegmentOutput) Name() string { return "segments" }

func (s *SegmentOutput) Segments() <-chan *types.SegmentComplex64 {
	return s.out
}

// Dropped returns how many segments found the channel full.
func (s *SegmentOutput) Dropped() int64 {
	return s.dropped.Load()
}

func (s *SegmentOutput) Write(seg *types.SegmentComplex64) error {
	cp := &types.SegmentComplex64{
		SampleRate:    seg.SampleRate,
		Frequency:     seg.Frequency,
		SegmentNumber: seg.SegmentNumber,
		Data:          make([]complex64, len(seg.Data)),
	}
	copy(cp.Data, seg.Data)

	select {
	case s.out <- cp:
	default:
		s.dropped.Add(1)
	}
	return nil
}
