// Package file plays back recorded I/Q captures as if they came from a
// receiver, paced to the configured sample rate.
package file

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"time"

	"github.com/norasector/rxsource/pkg/rxsource/device"
)

// Encoding of the samples in a capture.
type Encoding string

const (
	// EncodingCS8 is signed 8-bit I/Q as written by a HackRF recording.
	EncodingCS8 Encoding = "cs8"
	// EncodingCF32 is little endian complex64 as written by the recording output.
	EncodingCF32 Encoding = "cf32"
)

func ParseEncoding(s string) (Encoding, error) {
	switch Encoding(s) {
	case "", EncodingCS8:
		return EncodingCS8, nil
	case EncodingCF32:
		return EncodingCF32, nil
	}
	return "", fmt.Errorf("unknown capture encoding %q", s)
}

func (e Encoding) sampleSize() int {
	if e == EncodingCF32 {
		return 8
	}
	return 2
}

type Backend struct {
	path     string
	encoding Encoding
	rates    device.Range
}

// NewBackend plays back path. rates is reported as the device sample rate
// range; playback runs at whichever rate is then selected.
func NewBackend(path string, encoding Encoding, rates device.Range) *Backend {
	return &Backend{path: path, encoding: encoding, rates: rates}
}

func (b *Backend) Name() string { return "file" }

func (b *Backend) serial() string { return filepath.Base(b.path) }

func (b *Backend) List() ([]device.Info, error) {
	if _, err := os.Stat(b.path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	return []device.Info{{Serial: b.serial(), Description: b.path}}, nil
}

func (b *Backend) Open(serial string) (device.Handle, error) {
	if serial != b.serial() {
		return nil, fmt.Errorf("no capture named %q", serial)
	}
	f, err := os.Open(b.path)
	if err != nil {
		return nil, err
	}
	return &handle{
		backend:  b,
		readFile: f,
		reader:   bufio.NewReaderSize(f, 1<<18),
	}, nil
}

type handle struct {
	backend  *Backend
	readFile *os.File
	reader   *bufio.Reader

	sampleRate uint32
	raw        []byte
	next       time.Time
	enabled    bool
}

func (h *handle) SampleRateRange(device.Channel) (device.Range, error) {
	return h.backend.rates, nil
}

// Bandwidth has no effect on playback.
func (h *handle) BandwidthRange(device.Channel) (device.Range, error) {
	return device.Range{Min: 1500000, Max: 28000000}, nil
}

func (h *handle) LoadFPGA(string) error { return device.ErrNotSupported }

func (h *handle) FPGAConfigured() (bool, error) { return true, nil }

func (h *handle) SetSampleRate(_ device.Channel, rate uint32) (uint32, error) {
	if rate == 0 {
		return 0, errors.New("zero sample rate")
	}
	h.sampleRate = rate
	return rate, nil
}

func (h *handle) SetBandwidth(_ device.Channel, bw uint32) (uint32, error) { return bw, nil }

func (h *handle) SetFrequency(device.Channel, uint64) error { return nil }

func (h *handle) SyncConfig(cfg device.StreamConfig) error {
	h.raw = make([]byte, cfg.BufferSize*h.backend.encoding.sampleSize())
	return nil
}

func (h *handle) EnableModule(_ device.Channel, enable bool) error {
	h.enabled = enable
	h.next = time.Now()
	return nil
}

func (h *handle) SetGainStage(device.Channel, string, int) error { return nil }

func (h *handle) ExpansionAttach(device.XBMode) error { return device.ErrNotSupported }

func (h *handle) SetXBPath(path device.XBPath) error {
	if path == device.XBPathBypass {
		return nil
	}
	return device.ErrNotSupported
}

func (h *handle) SetXBFilterBank(device.XBFilter) error { return device.ErrNotSupported }

// SyncRX returns the next block of the capture, rewinding at the end of the
// file, and sleeps so blocks arrive no faster than the sample rate.
func (h *handle) SyncRX(buf []int16, numSamples int, timeout time.Duration) error {
	if !h.enabled {
		return errors.New("rx not enabled")
	}
	want := numSamples * h.backend.encoding.sampleSize()
	if len(h.raw) < want {
		h.raw = make([]byte, want)
	}
	if err := h.fill(h.raw[:want]); err != nil {
		return err
	}

	switch h.backend.encoding {
	case EncodingCF32:
		for i := 0; i < numSamples*2; i++ {
			v := math.Float32frombits(binary.LittleEndian.Uint32(h.raw[i*4:]))
			buf[i] = int16(v * 2048)
		}
	default:
		for i := 0; i < numSamples*2; i++ {
			buf[i] = int16(int8(h.raw[i])) << 4
		}
	}

	h.next = h.next.Add(time.Duration(numSamples) * time.Second / time.Duration(h.sampleRate))
	wait := time.Until(h.next)
	if wait > timeout {
		wait = timeout
	}
	if wait > 0 {
		time.Sleep(wait)
	} else {
		h.next = time.Now()
	}
	return nil
}

func (h *handle) fill(p []byte) error {
	rewound := false
	for off := 0; off < len(p); {
		n, err := io.ReadFull(h.reader, p[off:])
		off += n
		if err == nil {
			continue
		}
		if !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
			return err
		}
		if rewound && n == 0 {
			return errors.New("capture is empty")
		}
		if _, err := h.readFile.Seek(0, io.SeekStart); err != nil {
			return err
		}
		h.reader.Reset(h.readFile)
		rewound = true
	}
	return nil
}

func (h *handle) Close() error {
	return h.readFile.Close()
}
