package rtlsdr

import (
	"fmt"
	"strconv"
	"sync"
	"time"

	gsdr "github.com/jpoirier/gortlsdr"

	"github.com/norasector/rxsource/pkg/rxsource/device"
)

// The dongle accepts 900001-3200000 Hz. The reported minimum is chosen so the
// derived candidates land on 1 and 2 MHz.
const (
	minSampleRate = 100e3
	maxSampleRate = 2.4e6
	minBandwidth  = 500e3
	maxBandwidth  = 8e6
)

type Backend struct {
	mu sync.Mutex
	// FreqCorrection is applied in ppm on every open.
	FreqCorrection int
}

func NewBackend(freqCorrection int) *Backend {
	return &Backend{FreqCorrection: freqCorrection}
}

func (b *Backend) Name() string { return "rtlsdr" }

func (b *Backend) List() ([]device.Info, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	count := gsdr.GetDeviceCount()
	ret := make([]device.Info, 0, count)
	for i := 0; i < count; i++ {
		manufact, product, serial, err := gsdr.GetDeviceUsbStrings(i)
		if err != nil || serial == "" {
			serial = strconv.Itoa(i)
		}
		ret = append(ret, device.Info{
			Serial:      serial,
			Description: fmt.Sprintf("%s %s", manufact, product),
		})
	}
	return ret, nil
}

func (b *Backend) Open(serial string) (device.Handle, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	idx, err := gsdr.GetIndexBySerial(serial)
	if err != nil {
		// Units without a serial string are listed by index.
		if idx, err = strconv.Atoi(serial); err != nil {
			return nil, fmt.Errorf("no rtlsdr with serial %q", serial)
		}
	}

	dev, err := gsdr.Open(idx)
	if err != nil {
		return nil, err
	}
	if b.FreqCorrection != 0 {
		if err := dev.SetFreqCorrection(b.FreqCorrection); err != nil {
			dev.Close()
			return nil, err
		}
	}
	return &handle{device: dev, gains: make(map[string]int)}, nil
}

type handle struct {
	device    *gsdr.Context
	gains     map[string]int
	manual    bool
	raw       []byte
	closed    bool
	streaming bool
}

func (h *handle) SampleRateRange(device.Channel) (device.Range, error) {
	return device.Range{Min: minSampleRate, Max: maxSampleRate}, nil
}

func (h *handle) BandwidthRange(device.Channel) (device.Range, error) {
	return device.Range{Min: minBandwidth, Max: maxBandwidth}, nil
}

// The dongle has no FPGA.
func (h *handle) LoadFPGA(string) error { return device.ErrNotSupported }

func (h *handle) FPGAConfigured() (bool, error) { return true, nil }

func (h *handle) SetSampleRate(_ device.Channel, rate uint32) (uint32, error) {
	if err := h.device.SetSampleRate(int(rate)); err != nil {
		return 0, err
	}
	return uint32(h.device.GetSampleRate()), nil
}

func (h *handle) SetBandwidth(_ device.Channel, bw uint32) (uint32, error) {
	if err := h.device.SetTunerBw(int(bw)); err != nil {
		return 0, err
	}
	return bw, nil
}

func (h *handle) SetFrequency(_ device.Channel, freq uint64) error {
	return h.device.SetCenterFreq(int(freq))
}

func (h *handle) SyncConfig(cfg device.StreamConfig) error {
	h.raw = make([]byte, cfg.BufferSize*2)
	return nil
}

func (h *handle) EnableModule(_ device.Channel, enable bool) error {
	h.streaming = enable
	if !enable {
		return nil
	}
	return h.device.ResetBuffer()
}

// SetGainStage sums the stages into a single manual tuner gain, which the
// driver takes in tenths of a dB.
func (h *handle) SetGainStage(_ device.Channel, stage string, gain int) error {
	if !h.manual {
		if err := h.device.SetTunerGainMode(true); err != nil {
			return err
		}
		h.manual = true
	}
	h.gains[stage] = gain
	total := 0
	for _, g := range h.gains {
		total += g
	}
	return h.device.SetTunerGain(total * 10)
}

func (h *handle) ExpansionAttach(device.XBMode) error { return device.ErrNotSupported }

func (h *handle) SetXBPath(path device.XBPath) error {
	if path == device.XBPathBypass {
		return nil
	}
	return device.ErrNotSupported
}

func (h *handle) SetXBFilterBank(device.XBFilter) error { return device.ErrNotSupported }

// SyncRX reads unsigned 8-bit pairs and scales them into the 12-bit range.
// The driver applies its own USB timeout.
func (h *handle) SyncRX(buf []int16, numSamples int, _ time.Duration) error {
	if !h.streaming {
		return fmt.Errorf("rx not enabled")
	}
	want := numSamples * 2
	if len(h.raw) < want {
		h.raw = make([]byte, want)
	}
	n, err := h.device.ReadSync(h.raw[:want], want)
	if err != nil {
		return err
	}
	if n < want {
		return fmt.Errorf("short read: %d of %d bytes", n, want)
	}
	for i, b := range h.raw[:want] {
		buf[i] = (int16(b) - 128) << 4
	}
	return nil
}

func (h *handle) Close() error {
	if h.closed {
		return nil
	}
	h.closed = true
	return h.device.Close()
}
