package rxsource

import (
	"fmt"

	"github.com/norasector/rxsource/pkg/rxsource/device"
	"github.com/norasector/rxsource/pkg/util"
)

const maxCandidates = 4096

// CandidateList is the discrete set of values offered for a tunable quantity.
type CandidateList struct {
	Values []uint32
	Labels []string
}

func (c CandidateList) Len() int { return len(c.Values) }

// IndexOf returns the index of v, or -1.
func (c CandidateList) IndexOf(v uint32) int {
	for i, val := range c.Values {
		if val == v {
			return i
		}
	}
	return -1
}

func (c *CandidateList) add(v uint32) {
	c.Values = append(c.Values, v)
	c.Labels = append(c.Labels, util.ScaledLabel(float64(v)))
}

// SampleRateCandidates derives sample rates in steps of ten times the
// hardware minimum: min*10, min*20, ... for max/(min*10) entries. A range too
// narrow to produce any entry yields just the minimum.
func SampleRateCandidates(r device.Range) (CandidateList, error) {
	var ret CandidateList
	if r.Min == 0 || r.Max < r.Min {
		return ret, fmt.Errorf("%w: sample rate %d-%d", ErrInvalidRange, r.Min, r.Max)
	}
	min := uint64(r.Min)
	count := uint64(r.Max) / (min * 10)
	for i := uint64(0); i < count && i < maxCandidates; i++ {
		ret.add(uint32((min + min*i) * 10))
	}
	if ret.Len() == 0 {
		ret.add(r.Min)
	}
	return ret, nil
}

// BandwidthCandidates derives bandwidths in steps of the hardware minimum:
// min, min*2, ... up to max.
func BandwidthCandidates(r device.Range) (CandidateList, error) {
	var ret CandidateList
	if r.Min == 0 || r.Max < r.Min {
		return ret, fmt.Errorf("%w: bandwidth %d-%d", ErrInvalidRange, r.Min, r.Max)
	}
	for v := uint64(r.Min); v <= uint64(r.Max) && ret.Len() < maxCandidates; v += uint64(r.Min) {
		ret.add(uint32(v))
	}
	return ret, nil
}

// ProbeRanges opens a short-lived handle on serial, reads its sample rate and
// bandwidth ranges, and closes it again.
func ProbeRanges(backend device.Backend, serial string, ch device.Channel) (sampleRate, bandwidth device.Range, err error) {
	h, err := backend.Open(serial)
	if err != nil {
		return sampleRate, bandwidth, &OpenError{Serial: serial, Err: err}
	}
	defer h.Close()

	if sampleRate, err = h.SampleRateRange(ch); err != nil {
		return sampleRate, bandwidth, fmt.Errorf("error reading sample rate range: %w", err)
	}
	if bandwidth, err = h.BandwidthRange(ch); err != nil {
		return sampleRate, bandwidth, fmt.Errorf("error reading bandwidth range: %w", err)
	}
	return sampleRate, bandwidth, nil
}
