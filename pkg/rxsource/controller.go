package rxsource

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	influxdb2 "github.com/influxdata/influxdb-client-go"
	"github.com/influxdata/influxdb-client-go/api"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/norasector/rxsource/pkg/rxsource/device"
	"github.com/norasector/rxsource/pkg/util"
)

// Controller drives one receiver through selection, configuration and
// streaming. All methods are safe for concurrent use.
type Controller struct {
	name      string
	backend   device.Backend
	params    *ParameterStore
	stream    *Stream
	channel   device.Channel
	format    device.Format
	logger    zerolog.Logger
	writeAPI  api.WriteAPI
	listeners []Listener

	mu          sync.Mutex
	devices     []device.Info
	selected    string
	pending     string
	sampleRates CandidateList
	bandwidths  CandidateList
	cfg         DeviceConfig

	state        State
	session      *Session
	cancel       context.CancelFunc
	eg           *errgroup.Group
	sessionID    string
	achievedRate uint32
	bufferSize   int
	hwFrequency  uint64
	freqInSync   bool

	blocks     atomic.Int64
	readErrors atomic.Int64
}

type ControllerOption func(c *Controller) error

func WithLogger(logger zerolog.Logger) ControllerOption {
	return func(c *Controller) error {
		c.logger = logger
		return nil
	}
}

func WithInfluxDB(writeAPI api.WriteAPI) ControllerOption {
	return func(c *Controller) error {
		c.writeAPI = writeAPI
		return nil
	}
}

func WithListener(l Listener) ControllerOption {
	return func(c *Controller) error {
		c.listeners = append(c.listeners, l)
		return nil
	}
}

func WithFormat(format device.Format) ControllerOption {
	return func(c *Controller) error {
		c.format = format
		return nil
	}
}

// WithStream makes the controller publish into s, so readers can be set up
// before the controller exists.
func WithStream(s *Stream) ControllerOption {
	return func(c *Controller) error {
		c.stream = s
		return nil
	}
}

func WithName(name string) ControllerOption {
	return func(c *Controller) error {
		if name == "" {
			return errors.New("empty source name")
		}
		c.name = name
		return nil
	}
}

// NewController enumerates attached devices and selects the last used one if
// present, otherwise the first.
func NewController(backend device.Backend, params *ParameterStore, opts ...ControllerOption) (*Controller, error) {
	c := &Controller{
		name:       backend.Name(),
		backend:    backend,
		params:     params,
		stream:     NewStream(),
		channel:    device.ChannelRX0,
		format:     device.FormatSC16Q11,
		logger:     log.Logger,
		writeAPI:   &util.MockWriteAPI{}, // overwritten with option
		freqInSync: true,
	}

	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, err
		}
	}
	c.logger = c.logger.With().Str("source", c.name).Logger()
	c.cfg.Frequency = DefaultFrequency

	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.refreshLocked(); err != nil {
		c.logger.Error().Err(err).Msg("error listing devices")
		return c, nil
	}

	if last := params.Selected(); last != "" && c.attachedLocked(last) {
		if err := c.selectLocked(last); err == nil {
			return c, nil
		}
	}
	c.selectFirstLocked()
	return c, nil
}

// Stream returns the buffer that receives converted samples.
func (c *Controller) Stream() *Stream {
	return c.stream
}

// Refresh re-enumerates devices. While idle, a selected device that is no
// longer attached is replaced by the first one found.
func (c *Controller) Refresh() ([]device.Info, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.refreshLocked(); err != nil {
		return nil, err
	}
	if c.state == StateIdle && !c.attachedLocked(c.selected) {
		c.selectFirstLocked()
	}
	return append([]device.Info(nil), c.devices...), nil
}

func (c *Controller) refreshLocked() error {
	devices, err := c.backend.List()
	if err != nil {
		return fmt.Errorf("error listing devices: %w", err)
	}
	c.devices = devices
	if len(devices) == 0 {
		c.logger.Warn().Msg("no devices found")
	}
	return nil
}

func (c *Controller) attachedLocked(serial string) bool {
	for _, d := range c.devices {
		if d.Serial == serial {
			return true
		}
	}
	return false
}

// SelectFirst selects the first enumerated device.
func (c *Controller) SelectFirst() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.selectFirstLocked()
}

func (c *Controller) selectFirstLocked() error {
	if len(c.devices) == 0 {
		return nil
	}
	return c.selectLocked(c.devices[0].Serial)
}

// SelectDevice makes serial the device used by the next Start. While
// streaming, the live session is left alone and the selection is applied when
// the stream stops.
func (c *Controller) SelectDevice(serial string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.selectLocked(serial)
}

func (c *Controller) selectLocked(serial string) error {
	if c.state == StateStreaming {
		if serial == c.selected {
			c.pending = ""
			return nil
		}
		c.pending = serial
		c.logger.Info().Str("serial", serial).Msg("device selected while streaming, applying after stop")
		return nil
	}

	c.setStateLocked(StateConfiguring)
	defer c.setStateLocked(StateIdle)

	srRange, bwRange, err := ProbeRanges(c.backend, serial, c.channel)
	if err != nil {
		c.logger.Error().Err(err).Str("serial", serial).Msg("could not probe device")
		return err
	}
	rates, err := SampleRateCandidates(srRange)
	if err != nil {
		return err
	}
	bandwidths, err := BandwidthCandidates(bwRange)
	if err != nil {
		return err
	}

	cfg, err := c.params.Load(serial)
	if err != nil {
		return fmt.Errorf("error loading device configuration: %w", err)
	}
	if cfg, err = c.params.Reconcile(cfg, rates, bandwidths); err != nil {
		return fmt.Errorf("error reconciling device configuration: %w", err)
	}

	c.selected = serial
	c.sampleRates = rates
	c.bandwidths = bandwidths
	c.cfg = cfg
	if err := c.params.SetSelected(serial); err != nil {
		c.logger.Warn().Err(err).Msg("error persisting selected device")
	}

	c.logger.Info().
		Str("serial", serial).
		Int("sample_rates", rates.Len()).
		Int("bandwidths", bandwidths.Len()).
		Uint32("sample_rate", cfg.SampleRate).
		Msg("device selected")

	for _, l := range c.listeners {
		l.SampleRateChanged(cfg.SampleRate)
	}
	return nil
}

// Start opens and configures the selected device and starts acquisition.
// Calling Start while streaming does nothing.
func (c *Controller) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.startLocked()
}

func (c *Controller) startLocked() error {
	if c.state == StateStreaming {
		return nil
	}
	if c.selected == "" {
		c.logger.Error().Msg("tried to start with no device selected")
		return ErrNoDeviceSelected
	}

	c.setStateLocked(StateConfiguring)
	start := time.Now()

	session, err := OpenSession(c.backend, c.selected, c.channel, c.logger)
	if err == nil {
		err = session.Apply(c.cfg, c.format)
	}
	if err != nil {
		c.setStateLocked(StateIdle)
		c.writeSessionPoint("start_failed", err, start)
		c.logger.Error().Err(err).Str("serial", c.selected).Msg("could not start device")
		return err
	}

	params := session.Params()
	c.session = session
	c.sessionID = uuid.New().String()
	c.achievedRate = session.AchievedRate()
	c.bufferSize = params.BufferSize
	c.hwFrequency = c.cfg.Frequency
	c.freqInSync = true
	c.blocks.Store(0)
	c.readErrors.Store(0)

	ctx, cancel := context.WithCancel(context.Background())
	eg, ctx := errgroup.WithContext(ctx)
	c.cancel = cancel
	c.eg = eg

	acq := &acquisition{
		session:    session,
		stream:     c.stream,
		params:     params,
		sessionID:  c.sessionID,
		logger:     c.logger.With().Str("session", c.sessionID).Logger(),
		writeAPI:   c.writeAPI,
		errLimiter: rate.NewLimiter(rate.Every(time.Second), 5),
		blocks:     &c.blocks,
		readErrors: &c.readErrors,
	}
	eg.Go(func() error {
		return acq.run(ctx)
	})

	c.setStateLocked(StateStreaming)
	c.writeSessionPoint("started", nil, start)
	for _, l := range c.listeners {
		l.SampleRateChanged(c.achievedRate)
		l.FrequencyChanged(c.hwFrequency)
	}

	c.logger.Info().
		Str("serial", c.selected).
		Str("session", c.sessionID).
		Uint32("sample_rate", c.achievedRate).
		Int("buffer_size", c.bufferSize).
		Str("center_freq", util.MHzToString(c.hwFrequency)).
		Msg("started")
	return nil
}

// Stop halts acquisition, waits for the loop to exit and closes the device.
// Calling Stop while idle does nothing.
func (c *Controller) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stopLocked()
}

func (c *Controller) stopLocked() error {
	if c.state != StateStreaming {
		return nil
	}
	err := c.stopStreamLocked()

	if pending := c.pending; pending != "" {
		c.pending = ""
		if err := c.selectLocked(pending); err != nil {
			c.logger.Error().Err(err).Str("serial", pending).Msg("could not apply pending selection")
		}
	}
	return err
}

// stopStreamLocked tears down the running session but leaves any pending
// selection in place, so a restart comes back on the same device.
func (c *Controller) stopStreamLocked() error {
	c.stream.StopWriter()
	c.cancel()
	loopErr := c.eg.Wait()

	closeErr := c.session.Close()
	c.session = nil
	c.cancel = nil
	c.eg = nil
	c.stream.ClearWriteStop()
	c.setStateLocked(StateIdle)
	c.writeSessionPoint("stopped", nil, time.Now())

	c.logger.Info().
		Str("session", c.sessionID).
		Int64("blocks", c.blocks.Load()).
		Int64("read_errors", c.readErrors.Load()).
		Msg("stopped")

	if loopErr != nil {
		return loopErr
	}
	return closeErr
}

// Tune sets the target frequency. While streaming the device is retuned
// immediately; if that fails the stream keeps running on the old frequency
// and Status reports the frequency as out of sync until a later Tune or Start
// succeeds.
func (c *Controller) Tune(freq uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.cfg.Frequency = freq
	if err := c.params.SetFrequency(c.selected, freq); err != nil {
		c.logger.Warn().Err(err).Msg("error persisting frequency")
	}

	if c.state != StateStreaming {
		return nil
	}

	if err := c.session.SetFrequency(freq); err != nil {
		c.freqInSync = false
		c.logger.Error().
			Err(err).
			Str("target", util.MHzToString(freq)).
			Str("hardware", util.MHzToString(c.hwFrequency)).
			Msg("could not tune device")
		return fmt.Errorf("error tuning to %d: %w", freq, err)
	}
	c.hwFrequency = freq
	c.freqInSync = true
	for _, l := range c.listeners {
		l.FrequencyChanged(freq)
	}
	c.logger.Debug().Str("frequency", util.MHzToString(freq)).Msg("tuned")
	return nil
}

// SetSampleRateIndex selects a sample rate candidate. While streaming the
// stream is restarted so buffers are sized for the new rate.
func (c *Controller) SetSampleRateIndex(idx int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.selected == "" {
		return ErrNoDeviceSelected
	}
	if idx < 0 || idx >= c.sampleRates.Len() {
		return fmt.Errorf("%w: sample rate index %d", ErrInvalidIndex, idx)
	}

	c.cfg.SampleRateIndex = idx
	c.cfg.SampleRate = c.sampleRates.Values[idx]
	if err := c.params.SetSampleRate(c.selected, c.cfg.SampleRate); err != nil {
		c.logger.Warn().Err(err).Msg("error persisting sample rate")
	}

	if c.state != StateStreaming {
		for _, l := range c.listeners {
			l.SampleRateChanged(c.cfg.SampleRate)
		}
		return nil
	}

	if err := c.stopStreamLocked(); err != nil {
		c.logger.Warn().Err(err).Msg("error stopping for sample rate change")
	}
	return c.startLocked()
}

func (c *Controller) SetBandwidthIndex(idx int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.selected == "" {
		return ErrNoDeviceSelected
	}
	if idx < 0 || idx >= c.bandwidths.Len() {
		return fmt.Errorf("%w: bandwidth index %d", ErrInvalidIndex, idx)
	}

	c.cfg.BandwidthIndex = idx
	c.cfg.Bandwidth = c.bandwidths.Values[idx]
	if err := c.params.SetBandwidth(c.selected, c.cfg.Bandwidth); err != nil {
		c.logger.Warn().Err(err).Msg("error persisting bandwidth")
	}
	return c.applyLiveLocked(StageBandwidth, func(s *Session) error {
		return s.SetBandwidth(c.cfg.Bandwidth)
	})
}

func (c *Controller) SetGain(stage string, gain int) error {
	if err := ValidateGain(stage, gain); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	var errStage Stage
	switch stage {
	case device.GainStageLNA:
		c.cfg.LNAGain = gain
		errStage = StageGainLNA
	case device.GainStageRXVGA1:
		c.cfg.RXVGA1 = gain
		errStage = StageGainRXVGA1
	case device.GainStageRXVGA2:
		c.cfg.RXVGA2 = gain
		errStage = StageGainRXVGA2
	}
	if err := c.params.SetGain(c.selected, stage, gain); err != nil {
		c.logger.Warn().Err(err).Msg("error persisting gain")
	}
	return c.applyLiveLocked(errStage, func(s *Session) error {
		return s.SetGain(stage, gain)
	})
}

func (c *Controller) SetExpansionMode(mode device.XBMode) error {
	if !device.ValidXBMode(mode) {
		return fmt.Errorf("unknown expansion mode %q", mode)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cfg.XBMode = mode
	return c.persistExpansionLocked()
}

func (c *Controller) SetExpansionFilter(filter device.XBFilter) error {
	if !device.ValidXBFilter(filter) {
		return fmt.Errorf("unknown expansion filter %q", filter)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cfg.XBFilter = filter
	return c.persistExpansionLocked()
}

func (c *Controller) persistExpansionLocked() error {
	if err := c.params.SetExpansion(c.selected, c.cfg.XBMode, c.cfg.XBFilter); err != nil {
		c.logger.Warn().Err(err).Msg("error persisting expansion mode")
	}
	mode, filter := c.cfg.XBMode, c.cfg.XBFilter
	return c.applyLiveLocked(StageExpansion, func(s *Session) error {
		return s.SetExpansion(mode, filter)
	})
}

// SetFPGAImage sets the image loaded on the next Start. An empty path skips
// loading.
func (c *Controller) SetFPGAImage(path string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cfg.FPGAImage = path
	return c.params.SetFPGAImage(c.selected, path)
}

func (c *Controller) applyLiveLocked(stage Stage, fn func(s *Session) error) error {
	if c.state != StateStreaming {
		return nil
	}
	if err := fn(c.session); err != nil {
		c.logger.Error().Err(err).Str("stage", string(stage)).Msg("could not apply setting to running device")
		return &ConfigError{Stage: stage, Err: err}
	}
	return nil
}

func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()

	st := Status{
		Name:              c.name,
		State:             c.state,
		Running:           c.state == StateStreaming,
		Devices:           append([]device.Info(nil), c.devices...),
		Selected:          c.selected,
		Pending:           c.pending,
		Config:            c.cfg,
		SampleRates:       append([]string(nil), c.sampleRates.Labels...),
		Bandwidths:        append([]string(nil), c.bandwidths.Labels...),
		FrequencyInSync:   c.freqInSync,
		HardwareFrequency: c.hwFrequency,
		Blocks:            c.blocks.Load(),
		ReadErrors:        c.readErrors.Load(),
	}
	for _, m := range device.XBModes {
		st.XBModes = append(st.XBModes, string(m))
	}
	for _, f := range device.XBFilters {
		st.XBFilters = append(st.XBFilters, string(f))
	}
	if st.Running {
		st.SessionID = c.sessionID
		st.AchievedRate = c.achievedRate
		st.BufferSize = c.bufferSize
	}
	return st
}

func (c *Controller) setStateLocked(state State) {
	if c.state == state {
		return
	}
	c.state = state
	for _, l := range c.listeners {
		l.StateChanged(state)
	}
}

func (c *Controller) writeSessionPoint(event string, err error, ts time.Time) {
	tags := map[string]string{
		"serial": c.selected,
		"event":  event,
	}
	var cerr *ConfigError
	if errors.As(err, &cerr) {
		tags["stage"] = string(cerr.Stage)
	}
	go c.writeAPI.WritePoint(influxdb2.NewPoint("rx.session",
		tags,
		map[string]interface{}{
			"sample_rate": int64(c.achievedRate),
			"duration":    time.Since(ts).Microseconds(),
		}, ts))
}

// SourceHandler implementation.

func (c *Controller) OnSelect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, l := range c.listeners {
		l.SampleRateChanged(c.cfg.SampleRate)
	}
	c.logger.Info().Msg("source selected")
}

func (c *Controller) OnDeselect() {
	c.logger.Info().Msg("source deselected")
}

func (c *Controller) OnRenderControls() Status { return c.Status() }

func (c *Controller) OnStart() error { return c.Start() }

func (c *Controller) OnStop() error { return c.Stop() }

func (c *Controller) OnTune(freq uint64) error { return c.Tune(freq) }

var _ SourceHandler = (*Controller)(nil)
