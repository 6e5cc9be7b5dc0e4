package rxsource

import (
	"fmt"

	"github.com/rs/zerolog"

	"github.com/norasector/rxsource/pkg/rxsource/device"
	"github.com/norasector/rxsource/pkg/rxsource/store"
)

const (
	DefaultSampleRate = 800000
	DefaultBandwidth  = 1500000
	DefaultLNAGain    = 0
	DefaultRXVGA1     = 5
	DefaultRXVGA2     = 0
	DefaultFrequency  = 100000000
)

// Gain limits in dB.
var (
	LNAGainSteps = []int{0, 3, 6}
	RXVGA1Range  = [2]int{5, 30}
	RXVGA2Range  = [2]int{0, 30}
)

// DeviceConfig is the selected configuration of one device.
type DeviceConfig struct {
	Serial          string          `json:"serial"`
	SampleRateIndex int             `json:"sample_rate_index"`
	SampleRate      uint32          `json:"sample_rate"`
	BandwidthIndex  int             `json:"bandwidth_index"`
	Bandwidth       uint32          `json:"bandwidth"`
	LNAGain         int             `json:"lna_gain"`
	RXVGA1          int             `json:"rxvga1"`
	RXVGA2          int             `json:"rxvga2"`
	XBMode          device.XBMode   `json:"xb_mode"`
	XBFilter        device.XBFilter `json:"xb_filter"`
	FPGAImage       string          `json:"fpga_image,omitempty"`
	Frequency       uint64          `json:"frequency"`
}

// DefaultDeviceConfig returns the settings used the first time serial is seen.
func DefaultDeviceConfig(serial string) DeviceConfig {
	return DeviceConfig{
		Serial:     serial,
		SampleRate: DefaultSampleRate,
		Bandwidth:  DefaultBandwidth,
		LNAGain:    DefaultLNAGain,
		RXVGA1:     DefaultRXVGA1,
		RXVGA2:     DefaultRXVGA2,
		XBMode:     device.XBModeNone,
		XBFilter:   device.XBFilterAuto1dB,
		Frequency:  DefaultFrequency,
	}
}

// ValidateGain checks a gain value against the limits of its stage.
func ValidateGain(stage string, gain int) error {
	switch stage {
	case device.GainStageLNA:
		for _, v := range LNAGainSteps {
			if v == gain {
				return nil
			}
		}
		return fmt.Errorf("%w: lna gain %d not in %v", ErrInvalidGain, gain, LNAGainSteps)
	case device.GainStageRXVGA1:
		if gain < RXVGA1Range[0] || gain > RXVGA1Range[1] {
			return fmt.Errorf("%w: rxvga1 gain %d not in %v", ErrInvalidGain, gain, RXVGA1Range)
		}
	case device.GainStageRXVGA2:
		if gain < RXVGA2Range[0] || gain > RXVGA2Range[1] {
			return fmt.Errorf("%w: rxvga2 gain %d not in %v", ErrInvalidGain, gain, RXVGA2Range)
		}
	default:
		return fmt.Errorf("%w: unknown gain stage %q", ErrInvalidGain, stage)
	}
	return nil
}

// ParameterStore reconciles device configurations against the persisted
// store. Every mutation is written through immediately.
type ParameterStore struct {
	store  *store.Store
	logger zerolog.Logger
}

func NewParameterStore(s *store.Store, logger zerolog.Logger) *ParameterStore {
	return &ParameterStore{store: s, logger: logger}
}

// Load returns the configuration for serial. A device seen for the first time
// gets a persisted record of defaults; otherwise every field missing from the
// record falls back to its default on its own.
func (p *ParameterStore) Load(serial string) (DeviceConfig, error) {
	cfg := DefaultDeviceConfig(serial)
	err := p.store.Update(func(doc *store.Document) bool {
		rec, created := doc.Record(serial)
		if created {
			writeRecord(rec, cfg)
			p.logger.Info().Str("serial", serial).Msg("created default device configuration")
			return true
		}

		if rec.SampleRate != nil {
			cfg.SampleRate = *rec.SampleRate
		}
		if rec.Bandwidth != nil {
			cfg.Bandwidth = *rec.Bandwidth
		}
		p.loadGain(serial, device.GainStageLNA, rec.LNAGain, &cfg.LNAGain)
		p.loadGain(serial, device.GainStageRXVGA1, rec.RXVGA1, &cfg.RXVGA1)
		p.loadGain(serial, device.GainStageRXVGA2, rec.RXVGA2, &cfg.RXVGA2)
		if rec.XBMode != nil && device.ValidXBMode(device.XBMode(*rec.XBMode)) {
			cfg.XBMode = device.XBMode(*rec.XBMode)
		}
		if rec.XBFilter != nil && device.ValidXBFilter(device.XBFilter(*rec.XBFilter)) {
			cfg.XBFilter = device.XBFilter(*rec.XBFilter)
		}
		if rec.FPGAImage != nil {
			cfg.FPGAImage = *rec.FPGAImage
		}
		if rec.Frequency != nil {
			cfg.Frequency = *rec.Frequency
		}
		return false
	})
	return cfg, err
}

// loadGain copies a stored gain into dst unless it is out of range for stage,
// in which case dst keeps its default.
func (p *ParameterStore) loadGain(serial, stage string, stored *int, dst *int) {
	if stored == nil {
		return
	}
	if err := ValidateGain(stage, *stored); err != nil {
		p.logger.Warn().Err(err).Str("serial", serial).Int("default", *dst).Msg("ignoring stored gain")
		return
	}
	*dst = *stored
}

// Reconcile resolves the candidate indices of cfg. Values missing from the
// freshly computed lists are reset to index 0 and written back.
func (p *ParameterStore) Reconcile(cfg DeviceConfig, rates, bandwidths CandidateList) (DeviceConfig, error) {
	if rates.Len() == 0 || bandwidths.Len() == 0 {
		return cfg, fmt.Errorf("%w: empty candidate list", ErrInvalidRange)
	}

	changed := false
	if idx := rates.IndexOf(cfg.SampleRate); idx >= 0 {
		cfg.SampleRateIndex = idx
	} else {
		p.logger.Info().
			Str("serial", cfg.Serial).
			Uint32("stored", cfg.SampleRate).
			Uint32("selected", rates.Values[0]).
			Msg("stored sample rate not supported, resetting")
		cfg.SampleRateIndex = 0
		cfg.SampleRate = rates.Values[0]
		changed = true
	}

	if idx := bandwidths.IndexOf(cfg.Bandwidth); idx >= 0 {
		cfg.BandwidthIndex = idx
	} else {
		p.logger.Info().
			Str("serial", cfg.Serial).
			Uint32("stored", cfg.Bandwidth).
			Uint32("selected", bandwidths.Values[0]).
			Msg("stored bandwidth not supported, resetting")
		cfg.BandwidthIndex = 0
		cfg.Bandwidth = bandwidths.Values[0]
		changed = true
	}

	if !changed {
		return cfg, nil
	}
	return cfg, p.update(cfg.Serial, func(rec *store.DeviceRecord) {
		rec.SampleRate = uint32Ptr(cfg.SampleRate)
		rec.Bandwidth = uint32Ptr(cfg.Bandwidth)
	})
}

func (p *ParameterStore) SetSampleRate(serial string, rate uint32) error {
	return p.update(serial, func(rec *store.DeviceRecord) { rec.SampleRate = uint32Ptr(rate) })
}

func (p *ParameterStore) SetBandwidth(serial string, bw uint32) error {
	return p.update(serial, func(rec *store.DeviceRecord) { rec.Bandwidth = uint32Ptr(bw) })
}

func (p *ParameterStore) SetGain(serial, stage string, gain int) error {
	return p.update(serial, func(rec *store.DeviceRecord) {
		switch stage {
		case device.GainStageLNA:
			rec.LNAGain = &gain
		case device.GainStageRXVGA1:
			rec.RXVGA1 = &gain
		case device.GainStageRXVGA2:
			rec.RXVGA2 = &gain
		}
	})
}

func (p *ParameterStore) SetExpansion(serial string, mode device.XBMode, filter device.XBFilter) error {
	return p.update(serial, func(rec *store.DeviceRecord) {
		m, f := string(mode), string(filter)
		rec.XBMode = &m
		rec.XBFilter = &f
	})
}

func (p *ParameterStore) SetFPGAImage(serial, path string) error {
	return p.update(serial, func(rec *store.DeviceRecord) { rec.FPGAImage = &path })
}

func (p *ParameterStore) SetFrequency(serial string, freq uint64) error {
	return p.update(serial, func(rec *store.DeviceRecord) { rec.Frequency = &freq })
}

// Selected returns the last selected serial.
func (p *ParameterStore) Selected() string {
	var serial string
	p.store.View(func(doc *store.Document) { serial = doc.Device })
	return serial
}

func (p *ParameterStore) SetSelected(serial string) error {
	return p.store.Update(func(doc *store.Document) bool {
		if doc.Device == serial {
			return false
		}
		doc.Device = serial
		return true
	})
}

func (p *ParameterStore) update(serial string, fn func(rec *store.DeviceRecord)) error {
	if serial == "" {
		return nil
	}
	return p.store.Update(func(doc *store.Document) bool {
		rec, _ := doc.Record(serial)
		fn(rec)
		return true
	})
}

func writeRecord(rec *store.DeviceRecord, cfg DeviceConfig) {
	m, f := string(cfg.XBMode), string(cfg.XBFilter)
	rec.SampleRate = uint32Ptr(cfg.SampleRate)
	rec.Bandwidth = uint32Ptr(cfg.Bandwidth)
	rec.LNAGain = intPtr(cfg.LNAGain)
	rec.RXVGA1 = intPtr(cfg.RXVGA1)
	rec.RXVGA2 = intPtr(cfg.RXVGA2)
	rec.XBMode = &m
	rec.XBFilter = &f
	rec.Frequency = &cfg.Frequency
}

func uint32Ptr(v uint32) *uint32 { return &v }
func intPtr(v int) *int          { return &v }
