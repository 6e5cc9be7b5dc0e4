package rxsource

import (
	"errors"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/norasector/rxsource/pkg/rxsource/device"
	"github.com/norasector/rxsource/pkg/util"
)

const (
	streamNumBuffers   = 8
	streamNumTransfers = 4
	streamTimeout      = 3500 * time.Millisecond
	// Blocks hold roughly 5 ms of samples, aligned to 1024.
	blocksPerSecond = 200
	blockAlignment  = 1024
)

// StreamParamsFor derives the synchronous streaming parameters for an
// achieved sample rate.
func StreamParamsFor(achievedRate uint32, format device.Format) device.StreamConfig {
	size := int(math.Round(float64(achievedRate)/blocksPerSecond/blockAlignment)) * blockAlignment
	if size < blockAlignment {
		size = blockAlignment
	}
	return device.StreamConfig{
		Layout:       device.LayoutRXX1,
		Format:       format,
		NumBuffers:   streamNumBuffers,
		BufferSize:   size,
		NumTransfers: streamNumTransfers,
		Timeout:      streamTimeout,
	}
}

// Session owns an open device handle. Every handle call goes through the
// session mutex, so configuration from the controller and reads from the
// acquisition loop never overlap.
type Session struct {
	mu      sync.Mutex
	serial  string
	channel device.Channel
	handle  device.Handle
	logger  zerolog.Logger

	params       device.StreamConfig
	achievedRate uint32
	rxEnabled    bool
	closed       bool
}

// OpenSession opens serial on backend.
func OpenSession(backend device.Backend, serial string, ch device.Channel, logger zerolog.Logger) (*Session, error) {
	h, err := backend.Open(serial)
	if err != nil {
		return nil, &OpenError{Serial: serial, Err: err}
	}
	return &Session{
		serial:  serial,
		channel: ch,
		handle:  h,
		logger:  logger.With().Str("serial", serial).Logger(),
	}, nil
}

// Apply configures the device for streaming. On any failure the session is
// closed before the error is returned.
func (s *Session) Apply(cfg DeviceConfig, format device.Format) (err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.New("session closed")
	}

	defer func() {
		if err != nil {
			s.logger.Error().Err(err).Msg("configuration failed, closing device")
			s.closeLocked()
		}
	}()

	if cfg.FPGAImage != "" {
		if err := s.handle.LoadFPGA(cfg.FPGAImage); err != nil {
			return configErr(StageFPGALoad, err)
		}
		configured, err := s.handle.FPGAConfigured()
		if err != nil {
			return configErr(StageFPGAVerify, err)
		}
		if !configured {
			return configErr(StageFPGAVerify, ErrFPGANotConfigured)
		}
		s.logger.Info().Str("image", cfg.FPGAImage).Msg("fpga loaded")
	}

	achieved, err := s.handle.SetSampleRate(s.channel, cfg.SampleRate)
	if err != nil {
		return configErr(StageSampleRate, err)
	}
	s.achievedRate = achieved
	s.logger.Info().
		Uint32("requested", cfg.SampleRate).
		Uint32("achieved", achieved).
		Msg("sample rate set")

	if _, err := s.handle.SetBandwidth(s.channel, cfg.Bandwidth); err != nil {
		return configErr(StageBandwidth, err)
	}

	if err := s.handle.SetFrequency(s.channel, cfg.Frequency); err != nil {
		return configErr(StageFrequency, err)
	}

	s.params = StreamParamsFor(achieved, format)
	if err := s.handle.SyncConfig(s.params); err != nil {
		return configErr(StageSyncConfig, err)
	}

	if err := s.handle.EnableModule(s.channel, true); err != nil {
		return configErr(StageEnableRX, err)
	}
	s.rxEnabled = true

	for _, g := range []struct {
		stage string
		err   Stage
		value int
	}{
		{device.GainStageLNA, StageGainLNA, cfg.LNAGain},
		{device.GainStageRXVGA1, StageGainRXVGA1, cfg.RXVGA1},
		{device.GainStageRXVGA2, StageGainRXVGA2, cfg.RXVGA2},
	} {
		if err := s.handle.SetGainStage(s.channel, g.stage, g.value); err != nil {
			return configErr(g.err, err)
		}
	}

	if err := s.applyExpansionLocked(cfg.XBMode, cfg.XBFilter); err != nil {
		return configErr(StageExpansion, err)
	}

	s.logger.Info().
		Str("frequency", util.MHzToString(cfg.Frequency)).
		Int("buffer_size", s.params.BufferSize).
		Msg("device configured")
	return nil
}

// A mode other than none attaches the board and routes through it; none
// explicitly selects bypass so no routing survives from an earlier session.
func (s *Session) applyExpansionLocked(mode device.XBMode, filter device.XBFilter) error {
	if mode == "" || mode == device.XBModeNone {
		return s.handle.SetXBPath(device.XBPathBypass)
	}
	if err := s.handle.ExpansionAttach(mode); err != nil {
		return err
	}
	if err := s.handle.SetXBPath(device.XBPathMix); err != nil {
		return err
	}
	return s.handle.SetXBFilterBank(filter)
}

func (s *Session) SetFrequency(freq uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.New("session closed")
	}
	return s.handle.SetFrequency(s.channel, freq)
}

func (s *Session) SetBandwidth(bw uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.New("session closed")
	}
	_, err := s.handle.SetBandwidth(s.channel, bw)
	return err
}

func (s *Session) SetGain(stage string, gain int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.New("session closed")
	}
	return s.handle.SetGainStage(s.channel, stage, gain)
}

func (s *Session) SetExpansion(mode device.XBMode, filter device.XBFilter) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.New("session closed")
	}
	return s.applyExpansionLocked(mode, filter)
}

// Read fills buf with numSamples interleaved I/Q pairs.
func (s *Session) Read(buf []int16, numSamples int, timeout time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.New("session closed")
	}
	return s.handle.SyncRX(buf, numSamples, timeout)
}

// Params returns the streaming parameters computed by the last Apply.
func (s *Session) Params() device.StreamConfig {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.params
}

// AchievedRate returns the sample rate reported by the hardware.
func (s *Session) AchievedRate() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.achievedRate
}

func (s *Session) Serial() string { return s.serial }

// Close disables RX if needed and releases the handle. It is safe to call
// more than once.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeLocked()
}

func (s *Session) closeLocked() error {
	if s.closed {
		return nil
	}
	s.closed = true
	if s.rxEnabled {
		if err := s.handle.EnableModule(s.channel, false); err != nil {
			s.logger.Warn().Err(err).Msg("error disabling rx")
		}
		s.rxEnabled = false
	}
	return s.handle.Close()
}
