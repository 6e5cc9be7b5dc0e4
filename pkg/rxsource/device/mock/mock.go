// Package mock provides an in-memory receiver backend. Every handle call is
// recorded and any operation can be made to fail, which makes it the backend
// of choice for tests and for running the binary without hardware.
package mock

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/norasector/rxsource/pkg/rxsource/device"
)

// Operation names accepted by Backend.Fail.
const (
	OpOpen           = "open"
	OpSampleRate     = "sample_rate"
	OpBandwidth      = "bandwidth"
	OpFrequency      = "frequency"
	OpSyncConfig     = "sync_config"
	OpEnableModule   = "enable_module"
	OpFPGALoad       = "fpga_load"
	OpFPGAConfigured = "fpga_configured"
	OpXBAttach       = "xb_attach"
	OpXBPath         = "xb_path"
	OpXBFilter       = "xb_filter"
	OpSyncRX         = "sync_rx"
)

// OpGain returns the failure key for a single gain stage.
func OpGain(stage string) string {
	return "gain:" + stage
}

var ErrInjected = errors.New("injected failure")

// Unit describes one simulated device.
type Unit struct {
	Serial          string
	SampleRateRange device.Range
	BandwidthRange  device.Range

	// RateQuantum rounds requested sample rates down to a multiple of itself,
	// emulating clock-divider quantization. Zero means exact.
	RateQuantum uint32

	// FPGAPreloaded reports the logic as configured even without LoadFPGA.
	FPGAPreloaded bool

	// ReadDelay is how long each SyncRX takes.
	ReadDelay time.Duration
}

type failure struct {
	err   error
	count int // <0 means always
}

type Backend struct {
	mu       sync.Mutex
	units    []Unit
	failures map[string]*failure
	calls    []string
	open     map[string]int
	reads    int
}

func NewBackend(units ...Unit) *Backend {
	return &Backend{
		units:    units,
		failures: make(map[string]*failure),
		open:     make(map[string]int),
	}
}

// DefaultUnit resembles a first generation bladeRF.
func DefaultUnit(serial string) Unit {
	return Unit{
		Serial:          serial,
		SampleRateRange: device.Range{Min: 160000, Max: 40000000},
		BandwidthRange:  device.Range{Min: 1500000, Max: 28000000},
		FPGAPreloaded:   true,
		ReadDelay:       time.Millisecond,
	}
}

func (b *Backend) Name() string { return "mock" }

// SetUnits replaces the attached units, as if devices were plugged or unplugged.
func (b *Backend) SetUnits(units ...Unit) {
	b.mu.Lock()
	b.units = units
	b.mu.Unlock()
}

// Fail makes op return err on every call until Clear is called.
func (b *Backend) Fail(op string, err error) {
	b.FailN(op, -1, err)
}

// FailN makes op return err for the next n calls.
func (b *Backend) FailN(op string, n int, err error) {
	if err == nil {
		err = ErrInjected
	}
	b.mu.Lock()
	b.failures[op] = &failure{err: err, count: n}
	b.mu.Unlock()
}

func (b *Backend) Clear() {
	b.mu.Lock()
	b.failures = make(map[string]*failure)
	b.mu.Unlock()
}

// Calls returns every recorded handle call in order.
func (b *Backend) Calls() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.calls...)
}

func (b *Backend) ResetCalls() {
	b.mu.Lock()
	b.calls = nil
	b.mu.Unlock()
}

// OpenHandles returns the number of handles currently open for serial.
func (b *Backend) OpenHandles(serial string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.open[serial]
}

// Reads returns the number of successful SyncRX calls.
func (b *Backend) Reads() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.reads
}

func (b *Backend) record(op string, args ...interface{}) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	call := op
	for _, a := range args {
		call += fmt.Sprintf(":%v", a)
	}
	b.calls = append(b.calls, call)

	f, ok := b.failures[op]
	if !ok {
		return nil
	}
	if f.count == 0 {
		return nil
	}
	if f.count > 0 {
		f.count--
	}
	return f.err
}

func (b *Backend) List() ([]device.Info, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ret := make([]device.Info, 0, len(b.units))
	for _, u := range b.units {
		ret = append(ret, device.Info{Serial: u.Serial, Description: "simulated receiver"})
	}
	return ret, nil
}

func (b *Backend) Open(serial string) (device.Handle, error) {
	if err := b.record(OpOpen, serial); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, u := range b.units {
		if u.Serial == serial {
			b.open[serial]++
			return &handle{backend: b, unit: u, fpga: u.FPGAPreloaded}, nil
		}
	}
	return nil, fmt.Errorf("no device with serial %q", serial)
}

type handle struct {
	backend *Backend
	unit    Unit
	fpga    bool
	enabled bool
	closed  bool
	cfg     device.StreamConfig
	counter int
}

func (h *handle) SampleRateRange(ch device.Channel) (device.Range, error) {
	return h.unit.SampleRateRange, nil
}

func (h *handle) BandwidthRange(ch device.Channel) (device.Range, error) {
	return h.unit.BandwidthRange, nil
}

func (h *handle) LoadFPGA(path string) error {
	if err := h.backend.record(OpFPGALoad, path); err != nil {
		return err
	}
	h.fpga = true
	return nil
}

func (h *handle) FPGAConfigured() (bool, error) {
	if err := h.backend.record(OpFPGAConfigured); err != nil {
		return false, err
	}
	return h.fpga, nil
}

func (h *handle) SetSampleRate(ch device.Channel, rate uint32) (uint32, error) {
	if err := h.backend.record(OpSampleRate, rate); err != nil {
		return 0, err
	}
	if q := h.unit.RateQuantum; q > 0 {
		rate -= rate % q
	}
	return rate, nil
}

func (h *handle) SetBandwidth(ch device.Channel, bw uint32) (uint32, error) {
	if err := h.backend.record(OpBandwidth, bw); err != nil {
		return 0, err
	}
	return bw, nil
}

func (h *handle) SetFrequency(ch device.Channel, freq uint64) error {
	return h.backend.record(OpFrequency, freq)
}

func (h *handle) SyncConfig(cfg device.StreamConfig) error {
	if err := h.backend.record(OpSyncConfig, cfg.BufferSize); err != nil {
		return err
	}
	h.cfg = cfg
	return nil
}

func (h *handle) EnableModule(ch device.Channel, enable bool) error {
	if err := h.backend.record(OpEnableModule, enable); err != nil {
		return err
	}
	h.enabled = enable
	return nil
}

func (h *handle) SetGainStage(ch device.Channel, stage string, gain int) error {
	return h.backend.record(OpGain(stage), gain)
}

func (h *handle) ExpansionAttach(mode device.XBMode) error {
	return h.backend.record(OpXBAttach, mode)
}

func (h *handle) SetXBPath(path device.XBPath) error {
	name := "bypass"
	if path == device.XBPathMix {
		name = "mix"
	}
	return h.backend.record(OpXBPath, name)
}

func (h *handle) SetXBFilterBank(filter device.XBFilter) error {
	return h.backend.record(OpXBFilter, filter)
}

// SyncRX fills buf with a ramp so tests can check ordering and scaling.
func (h *handle) SyncRX(buf []int16, numSamples int, timeout time.Duration) error {
	if h.closed {
		return errors.New("read on closed handle")
	}
	if !h.enabled {
		return errors.New("rx module not enabled")
	}
	delay := h.unit.ReadDelay
	if delay > timeout {
		time.Sleep(timeout)
		return errors.New("sync rx timed out")
	}
	if delay > 0 {
		time.Sleep(delay)
	}

	b := h.backend
	b.mu.Lock()
	f, ok := b.failures[OpSyncRX]
	if ok && f.count != 0 {
		if f.count > 0 {
			f.count--
		}
		b.mu.Unlock()
		return f.err
	}
	b.reads++
	b.mu.Unlock()

	if len(buf) < numSamples*2 {
		return fmt.Errorf("buffer too small: %d < %d", len(buf), numSamples*2)
	}
	for i := 0; i < numSamples; i++ {
		v := int16(h.counter % 2048)
		buf[i*2] = v
		buf[i*2+1] = -v
		h.counter++
	}
	return nil
}

func (h *handle) Close() error {
	if h.closed {
		return nil
	}
	h.closed = true
	h.enabled = false
	h.backend.mu.Lock()
	h.backend.calls = append(h.backend.calls, "close:"+h.unit.Serial)
	h.backend.open[h.unit.Serial]--
	h.backend.mu.Unlock()
	return nil
}
