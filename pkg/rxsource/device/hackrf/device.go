package hackrf

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/samuel/go-hackrf/hackrf"

	"github.com/norasector/rxsource/pkg/rxsource/device"
)

// Serial identifies the single HackRF the library can open.
const Serial = "hackrf"

const (
	minSampleRate = 2e6
	maxSampleRate = 20e6
	minBandwidth  = 1.75e6
	maxBandwidth  = 28e6
)

// Backend exposes one HackRF. The caller owns hackrf.Init and hackrf.Exit.
type Backend struct {
	mu   sync.Mutex
	open bool
}

func NewBackend() *Backend {
	return &Backend{}
}

func (b *Backend) Name() string { return "hackrf" }

// List probes for the board by opening it, unless it is already open.
func (b *Backend) List() ([]device.Info, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.open {
		dev, err := hackrf.Open()
		if err != nil {
			return nil, nil
		}
		dev.Close()
	}
	return []device.Info{{Serial: Serial, Description: "HackRF One"}}, nil
}

func (b *Backend) Open(serial string) (device.Handle, error) {
	if serial != Serial {
		return nil, fmt.Errorf("no hackrf with serial %q", serial)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.open {
		return nil, errors.New("hackrf already open")
	}
	dev, err := hackrf.Open()
	if err != nil {
		return nil, err
	}
	b.open = true
	return &handle{backend: b, device: dev}, nil
}

func (b *Backend) release() {
	b.mu.Lock()
	b.open = false
	b.mu.Unlock()
}

type handle struct {
	backend *Backend
	device  *hackrf.Device

	blocks  chan []byte
	pending []byte
	running bool
	closed  bool

	mu      sync.Mutex
	dropped int
}

func (h *handle) SampleRateRange(device.Channel) (device.Range, error) {
	return device.Range{Min: minSampleRate, Max: maxSampleRate}, nil
}

func (h *handle) BandwidthRange(device.Channel) (device.Range, error) {
	return device.Range{Min: minBandwidth, Max: maxBandwidth}, nil
}

func (h *handle) LoadFPGA(string) error { return device.ErrNotSupported }

func (h *handle) FPGAConfigured() (bool, error) { return true, nil }

func (h *handle) SetSampleRate(_ device.Channel, rate uint32) (uint32, error) {
	if err := h.device.SetSampleRateManual(int(rate)*2, 2); err != nil {
		return 0, err
	}
	return rate, nil
}

func (h *handle) SetBandwidth(_ device.Channel, bw uint32) (uint32, error) {
	if err := h.device.SetBasebandFilterBandwidth(int(bw)); err != nil {
		return 0, err
	}
	return bw, nil
}

func (h *handle) SetFrequency(_ device.Channel, freq uint64) error {
	return h.device.SetFreq(freq)
}

func (h *handle) SyncConfig(cfg device.StreamConfig) error {
	n := cfg.NumBuffers
	if n < 1 {
		n = 1
	}
	h.blocks = make(chan []byte, n*4)
	return nil
}

func (h *handle) callback(buf []byte) error {
	data := make([]byte, len(buf))
	copy(data, buf)
	select {
	case h.blocks <- data:
	default:
		h.mu.Lock()
		h.dropped++
		h.mu.Unlock()
	}
	return nil
}

func (h *handle) EnableModule(_ device.Channel, enable bool) error {
	if enable == h.running {
		return nil
	}
	if enable {
		if h.blocks == nil {
			return errors.New("stream not configured")
		}
		if err := h.device.StartRX(h.callback); err != nil {
			return err
		}
		h.running = true
		return nil
	}
	h.running = false
	return h.device.StopRX()
}

// SetGainStage maps the three stages onto the RF amp, the IF LNA and the
// baseband VGA.
func (h *handle) SetGainStage(_ device.Channel, stage string, gain int) error {
	switch stage {
	case device.GainStageLNA:
		return h.device.SetAmpEnable(gain > 0)
	case device.GainStageRXVGA1:
		return h.device.SetLNAGain(gain)
	case device.GainStageRXVGA2:
		return h.device.SetVGAGain(gain)
	}
	return fmt.Errorf("unknown gain stage %q", stage)
}

func (h *handle) ExpansionAttach(device.XBMode) error { return device.ErrNotSupported }

func (h *handle) SetXBPath(path device.XBPath) error {
	if path == device.XBPathBypass {
		return nil
	}
	return device.ErrNotSupported
}

func (h *handle) SetXBFilterBank(device.XBFilter) error { return device.ErrNotSupported }

// SyncRX assembles numSamples signed 8-bit pairs from the transfers delivered
// by the RX callback.
func (h *handle) SyncRX(buf []int16, numSamples int, timeout time.Duration) error {
	if !h.running {
		return errors.New("rx not enabled")
	}
	want := numSamples * 2
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for i := 0; i < want; {
		if len(h.pending) == 0 {
			select {
			case h.pending = <-h.blocks:
			case <-timer.C:
				return fmt.Errorf("timed out after %s with %d of %d samples", timeout, i/2, numSamples)
			}
		}
		n := copy8(buf[i:want], h.pending)
		h.pending = h.pending[n:]
		i += n
	}
	return nil
}

func copy8(dst []int16, src []byte) int {
	n := len(dst)
	if len(src) < n {
		n = len(src)
	}
	for i := 0; i < n; i++ {
		dst[i] = int16(int8(src[i])) << 4
	}
	return n
}

func (h *handle) Close() error {
	if h.closed {
		return nil
	}
	h.closed = true
	if h.running {
		h.running = false
		h.device.StopRX()
	}
	defer h.backend.release()
	return h.device.Close()
}
