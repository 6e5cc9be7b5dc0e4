package device

import (
	"errors"
	"fmt"
	"time"
)

// ErrNotSupported is returned by backends for operations their hardware lacks.
var ErrNotSupported = errors.New("operation not supported by device")

// Channel selects an RX channel on the device. Only single-channel RX is used.
type Channel int

const ChannelRX0 Channel = 0

// Gain stage names understood by Handle.SetGainStage.
const (
	GainStageLNA    = "lna"
	GainStageRXVGA1 = "rxvga1"
	GainStageRXVGA2 = "rxvga2"
)

// Info describes one attached unit as reported by enumeration.
type Info struct {
	Serial      string `json:"serial"`
	Description string `json:"description,omitempty"`
}

// Range is an inclusive hardware-reported range for a tunable quantity.
type Range struct {
	Min uint32 `json:"min"`
	Max uint32 `json:"max"`
}

type Layout int

const (
	LayoutRXX1 Layout = iota
)

// Format is the wire format of the samples returned by SyncRX.
type Format int

const (
	// FormatSC16Q11 carries 12 significant bits in each int16.
	FormatSC16Q11 Format = iota
	// FormatSC16 uses the full int16 range.
	FormatSC16
)

// FullScale returns the divisor that maps a raw sample onto a normalized float.
func (f Format) FullScale() float32 {
	switch f {
	case FormatSC16:
		return 65536
	default:
		return 4096
	}
}

func (f Format) String() string {
	switch f {
	case FormatSC16:
		return "sc16"
	default:
		return "sc16q11"
	}
}

// ParseFormat maps a config string onto a Format.
func ParseFormat(s string) (Format, error) {
	switch s {
	case "", "sc16q11", "sc16_q11":
		return FormatSC16Q11, nil
	case "sc16":
		return FormatSC16, nil
	}
	return FormatSC16Q11, fmt.Errorf("unknown sample format %q", s)
}

// StreamConfig configures synchronous streaming on an open handle.
type StreamConfig struct {
	Layout       Layout
	Format       Format
	NumBuffers   int
	BufferSize   int
	NumTransfers int
	Timeout      time.Duration
}

// XBMode selects the expansion board attached to the device.
type XBMode string

const (
	XBModeNone XBMode = "none"
	XBMode100  XBMode = "xb100"
	XBMode200  XBMode = "xb200"
	XBMode300  XBMode = "xb300"
)

// XBModes lists the selectable expansion modes in menu order.
var XBModes = []XBMode{XBModeNone, XBMode100, XBMode200, XBMode300}

// XBFilter selects the filter bank of the expansion board.
type XBFilter string

const (
	XBFilter50M     XBFilter = "50m"
	XBFilter144M    XBFilter = "144m"
	XBFilter222M    XBFilter = "222m"
	XBFilterCustom  XBFilter = "custom"
	XBFilterAuto1dB XBFilter = "auto_1db"
	XBFilterAuto3dB XBFilter = "auto_3db"
)

var XBFilters = []XBFilter{XBFilterAuto1dB, XBFilterAuto3dB, XBFilter50M, XBFilter144M, XBFilter222M, XBFilterCustom}

// XBPath routes the signal through (mix) or around (bypass) the expansion board.
type XBPath int

const (
	XBPathBypass XBPath = iota
	XBPathMix
)

func ValidXBMode(m XBMode) bool {
	for _, v := range XBModes {
		if v == m {
			return true
		}
	}
	return false
}

func ValidXBFilter(f XBFilter) bool {
	for _, v := range XBFilters {
		if v == f {
			return true
		}
	}
	return false
}

// Backend enumerates and opens units of one hardware family.
type Backend interface {
	Name() string
	List() ([]Info, error)
	Open(serial string) (Handle, error)
}

// Handle is an open unit. Implementations need not be safe for concurrent use;
// callers serialize access.
type Handle interface {
	SampleRateRange(ch Channel) (Range, error)
	BandwidthRange(ch Channel) (Range, error)

	LoadFPGA(path string) error
	FPGAConfigured() (bool, error)

	// SetSampleRate returns the rate the hardware actually achieved.
	SetSampleRate(ch Channel, rate uint32) (uint32, error)
	SetBandwidth(ch Channel, bw uint32) (uint32, error)
	SetFrequency(ch Channel, freq uint64) error

	SyncConfig(cfg StreamConfig) error
	EnableModule(ch Channel, enable bool) error
	SetGainStage(ch Channel, stage string, gain int) error

	ExpansionAttach(mode XBMode) error
	SetXBPath(path XBPath) error
	SetXBFilterBank(filter XBFilter) error

	// SyncRX fills buf with numSamples interleaved I/Q pairs.
	SyncRX(buf []int16, numSamples int, timeout time.Duration) error

	Close() error
}
