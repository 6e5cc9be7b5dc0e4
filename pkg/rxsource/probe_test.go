package rxsource

import (
	"errors"
	"reflect"
	"testing"

	"github.com/norasector/rxsource/pkg/rxsource/device"
	"github.com/norasector/rxsource/pkg/rxsource/device/mock"
)

func TestSampleRateCandidates(t *testing.T) {
	tests := []struct {
		name string
		r    device.Range
		want []uint32
	}{
		{"single", device.Range{Min: 200000, Max: 2000000}, []uint32{2000000}},
		{"three", device.Range{Min: 100000, Max: 3500000}, []uint32{1000000, 2000000, 3000000}},
		{"narrow range", device.Range{Min: 200000, Max: 1000000}, []uint32{200000}},
		{"equal bounds", device.Range{Min: 500000, Max: 500000}, []uint32{500000}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := SampleRateCandidates(tt.r)
			if err != nil {
				t.Fatal(err)
			}
			if !reflect.DeepEqual(got.Values, tt.want) {
				t.Errorf("SampleRateCandidates() = %v, want %v", got.Values, tt.want)
			}
			if len(got.Labels) != len(got.Values) {
				t.Errorf("labels %d != values %d", len(got.Labels), len(got.Values))
			}
		})
	}
}

func TestSampleRateCandidatesProperties(t *testing.T) {
	for _, r := range []device.Range{
		{Min: 160000, Max: 40000000},
		{Min: 1, Max: 1000},
		{Min: 3, Max: 7},
		{Min: 250000, Max: 3200000},
	} {
		got, err := SampleRateCandidates(r)
		if err != nil {
			t.Fatal(err)
		}
		if got.Len() == 0 {
			t.Fatalf("%v: empty list", r)
		}
		for i := 1; i < got.Len(); i++ {
			if got.Values[i] <= got.Values[i-1] {
				t.Errorf("%v: not strictly increasing at %d: %v", r, i, got.Values)
			}
		}
		if uint64(r.Max)/(uint64(r.Min)*10) > 0 {
			for i, v := range got.Values {
				if want := r.Min * 10 * uint32(i+1); v != want {
					t.Errorf("%v: value %d = %d, want %d", r, i, v, want)
				}
			}
		}
	}
}

func TestBandwidthCandidates(t *testing.T) {
	got, err := BandwidthCandidates(device.Range{Min: 1500000, Max: 7000000})
	if err != nil {
		t.Fatal(err)
	}
	want := []uint32{1500000, 3000000, 4500000, 6000000}
	if !reflect.DeepEqual(got.Values, want) {
		t.Errorf("BandwidthCandidates() = %v, want %v", got.Values, want)
	}
	wantLabels := []string{"1.5MHz", "3.0MHz", "4.5MHz", "6.0MHz"}
	if !reflect.DeepEqual(got.Labels, wantLabels) {
		t.Errorf("labels = %v, want %v", got.Labels, wantLabels)
	}

	for _, r := range []device.Range{{Min: 1, Max: 1}, {Min: 7, Max: 100}, {Min: 1500000, Max: 28000000}} {
		got, err := BandwidthCandidates(r)
		if err != nil {
			t.Fatal(err)
		}
		if got.Len() == 0 || got.Values[0] != r.Min {
			t.Errorf("%v: list %v does not start at min", r, got.Values)
		}
		for i, v := range got.Values {
			if v > r.Max {
				t.Errorf("%v: %d exceeds max", r, v)
			}
			if i > 0 && v <= got.Values[i-1] {
				t.Errorf("%v: not increasing", r)
			}
		}
	}
}

func TestCandidatesInvalidRange(t *testing.T) {
	if _, err := SampleRateCandidates(device.Range{}); !errors.Is(err, ErrInvalidRange) {
		t.Errorf("sample rate err = %v", err)
	}
	if _, err := BandwidthCandidates(device.Range{Min: 10, Max: 5}); !errors.Is(err, ErrInvalidRange) {
		t.Errorf("bandwidth err = %v", err)
	}
}

func TestProbeRanges(t *testing.T) {
	b := mock.NewBackend(mock.DefaultUnit("a"))
	sr, bw, err := ProbeRanges(b, "a", device.ChannelRX0)
	if err != nil {
		t.Fatal(err)
	}
	if sr.Min != 160000 || bw.Max != 28000000 {
		t.Errorf("ranges = %v %v", sr, bw)
	}
	if n := b.OpenHandles("a"); n != 0 {
		t.Errorf("probe left %d handles open", n)
	}

	b.Fail(mock.OpOpen, nil)
	_, _, err = ProbeRanges(b, "a", device.ChannelRX0)
	if !errors.Is(err, ErrOpenFailed) {
		t.Errorf("err = %v, want ErrOpenFailed", err)
	}
}
