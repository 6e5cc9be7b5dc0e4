package rxsource

import (
	"errors"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/norasector/rxsource/pkg/rxsource/device"
	"github.com/norasector/rxsource/pkg/rxsource/device/mock"
	"github.com/norasector/rxsource/pkg/rxsource/store"
	"github.com/norasector/rxsource/pkg/util"
)

type recorder struct {
	mu     sync.Mutex
	rates  []uint32
	freqs  []uint64
	states []State
}

func (r *recorder) SampleRateChanged(rate uint32) {
	r.mu.Lock()
	r.rates = append(r.rates, rate)
	r.mu.Unlock()
}

func (r *recorder) FrequencyChanged(freq uint64) {
	r.mu.Lock()
	r.freqs = append(r.freqs, freq)
	r.mu.Unlock()
}

func (r *recorder) StateChanged(state State) {
	r.mu.Lock()
	r.states = append(r.states, state)
	r.mu.Unlock()
}

func (r *recorder) lastFreq() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.freqs) == 0 {
		return 0
	}
	return r.freqs[len(r.freqs)-1]
}

func newTestController(t *testing.T, b *mock.Backend, s *store.Store, opts ...ControllerOption) *Controller {
	t.Helper()
	if s == nil {
		s = store.NewMemory()
	}
	opts = append([]ControllerOption{
		WithLogger(zerolog.Nop()),
		WithInfluxDB(&util.MockWriteAPI{}),
	}, opts...)
	c, err := NewController(b, NewParameterStore(s, zerolog.Nop()), opts...)
	if err != nil {
		t.Fatal(err)
	}
	return c
}

// drain consumes blocks until stopped and records their sizes.
type drain struct {
	mu    sync.Mutex
	sizes []int
	done  chan struct{}
	s     *Stream
}

func startDrain(s *Stream) *drain {
	d := &drain{s: s, done: make(chan struct{})}
	go func() {
		defer close(d.done)
		for {
			n := s.Read()
			if n < 0 {
				return
			}
			d.mu.Lock()
			d.sizes = append(d.sizes, len(s.ReadBuf()))
			d.mu.Unlock()
			s.Flush()
		}
	}()
	return d
}

func (d *drain) stop() {
	d.s.StopReader()
	<-d.done
	d.s.ClearReadStop()
}

func (d *drain) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.sizes)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestNewControllerSelectsFirstDevice(t *testing.T) {
	b := mock.NewBackend(mock.DefaultUnit("a"), mock.DefaultUnit("b"))
	c := newTestController(t, b, nil)

	st := c.Status()
	if st.Selected != "a" {
		t.Errorf("selected = %q, want a", st.Selected)
	}
	if st.State != StateIdle || st.Running {
		t.Errorf("state = %s running=%v, want idle", st.State, st.Running)
	}
	if len(st.SampleRates) == 0 || st.SampleRates[0] != "1.6MHz" {
		t.Errorf("sample rates = %v", st.SampleRates)
	}
	if st.Config.SampleRate != 1600000 || st.Config.SampleRateIndex != 0 {
		t.Errorf("unsupported default not reconciled: %+v", st.Config)
	}
	if b.OpenHandles("a") != 0 {
		t.Error("probe left the device open")
	}
}

func TestNewControllerRestoresStoredSelection(t *testing.T) {
	s := store.NewMemory()
	if err := s.Update(func(doc *store.Document) bool {
		doc.Device = "b"
		return true
	}); err != nil {
		t.Fatal(err)
	}
	b := mock.NewBackend(mock.DefaultUnit("a"), mock.DefaultUnit("b"))
	c := newTestController(t, b, s)
	if got := c.Status().Selected; got != "b" {
		t.Errorf("selected = %q, want b", got)
	}
}

func TestStartWithoutDevice(t *testing.T) {
	c := newTestController(t, mock.NewBackend(), nil)
	if err := c.Start(); !errors.Is(err, ErrNoDeviceSelected) {
		t.Fatalf("Start() = %v, want ErrNoDeviceSelected", err)
	}
	if st := c.Status(); st.State != StateIdle {
		t.Errorf("state = %s, want idle", st.State)
	}
}

func TestStartFailureLeavesIdle(t *testing.T) {
	b := mock.NewBackend(mock.DefaultUnit("a"))
	c := newTestController(t, b, nil)
	b.Fail(mock.OpGain(device.GainStageRXVGA2), nil)

	err := c.Start()
	var cerr *ConfigError
	if !errors.As(err, &cerr) || cerr.Stage != StageGainRXVGA2 {
		t.Fatalf("Start() = %v, want rxvga2 config error", err)
	}
	if st := c.Status(); st.State != StateIdle || st.Running {
		t.Errorf("state = %s, want idle", st.State)
	}
	if n := b.OpenHandles("a"); n != 0 {
		t.Errorf("%d handles left open", n)
	}

	b.Clear()
	if err := c.Start(); err != nil {
		t.Fatalf("retry Start() = %v", err)
	}
	if err := c.Stop(); err != nil {
		t.Fatal(err)
	}
}

func TestStartOpenFailure(t *testing.T) {
	b := mock.NewBackend(mock.DefaultUnit("a"))
	c := newTestController(t, b, nil)
	b.Fail(mock.OpOpen, nil)
	if err := c.Start(); !errors.Is(err, ErrOpenFailed) {
		t.Fatalf("Start() = %v, want ErrOpenFailed", err)
	}
}

func TestTuneWhileIdle(t *testing.T) {
	b := mock.NewBackend(mock.DefaultUnit("a"))
	c := newTestController(t, b, nil)
	b.ResetCalls()

	if err := c.Tune(162550000); err != nil {
		t.Fatal(err)
	}
	if calls := b.Calls(); len(calls) != 0 {
		t.Errorf("idle tune touched hardware: %v", calls)
	}
	if got := c.Status().Config.Frequency; got != 162550000 {
		t.Errorf("frequency = %d, want 162550000", got)
	}

	if err := c.Start(); err != nil {
		t.Fatal(err)
	}
	defer c.Stop()
	found := false
	for _, call := range b.Calls() {
		if call == "frequency:162550000" {
			found = true
		}
	}
	if !found {
		t.Errorf("start did not use stored frequency: %v", b.Calls())
	}
}

func TestStreamingLifecycle(t *testing.T) {
	b := mock.NewBackend(mock.DefaultUnit("a"))
	rec := &recorder{}
	c := newTestController(t, b, nil, WithListener(rec))
	d := startDrain(c.Stream())
	defer d.stop()

	if err := c.Start(); err != nil {
		t.Fatal(err)
	}
	first := c.Status()
	if !first.Running || first.State != StateStreaming {
		t.Fatalf("not streaming: %+v", first)
	}
	if first.BufferSize != 8192 || first.AchievedRate != 1600000 {
		t.Errorf("stream params = %d @ %d", first.BufferSize, first.AchievedRate)
	}
	waitFor(t, "blocks", func() bool { return d.count() >= 3 })

	// A second Start is a no-op.
	if err := c.Start(); err != nil {
		t.Fatal(err)
	}
	if got := c.Status().SessionID; got != first.SessionID {
		t.Errorf("second start replaced session %s with %s", first.SessionID, got)
	}

	if err := c.Stop(); err != nil {
		t.Fatal(err)
	}
	if b.OpenHandles("a") != 0 {
		t.Error("device left open after stop")
	}
	stopped := d.count()
	time.Sleep(20 * time.Millisecond)
	if got := d.count(); got > stopped+1 {
		t.Errorf("blocks kept arriving after stop: %d -> %d", stopped, got)
	}
	if err := c.Stop(); err != nil {
		t.Errorf("second Stop() = %v", err)
	}

	if err := c.Start(); err != nil {
		t.Fatal(err)
	}
	second := c.Status()
	if second.AchievedRate != first.AchievedRate || second.BufferSize != first.BufferSize {
		t.Errorf("restart changed params: %d/%d -> %d/%d",
			first.AchievedRate, first.BufferSize, second.AchievedRate, second.BufferSize)
	}
	if second.SessionID == first.SessionID {
		t.Error("restart reused session id")
	}
	waitFor(t, "blocks after restart", func() bool { return d.count() >= stopped+3 })
	if err := c.Stop(); err != nil {
		t.Fatal(err)
	}

	d.mu.Lock()
	for i, n := range d.sizes {
		if n < first.BufferSize {
			t.Errorf("block %d has %d samples, want >= %d", i, n, first.BufferSize)
		}
	}
	d.mu.Unlock()
}

func TestReadErrorsDoNotStopStream(t *testing.T) {
	b := mock.NewBackend(mock.DefaultUnit("a"))
	c := newTestController(t, b, nil)
	d := startDrain(c.Stream())
	defer d.stop()

	b.FailN(mock.OpSyncRX, 3, nil)
	if err := c.Start(); err != nil {
		t.Fatal(err)
	}
	defer c.Stop()

	waitFor(t, "blocks after read errors", func() bool { return d.count() >= 2 })
	st := c.Status()
	if st.ReadErrors != 3 {
		t.Errorf("read errors = %d, want 3", st.ReadErrors)
	}
	if !st.Running {
		t.Error("stream stopped after read errors")
	}
}

func TestTuneWhileStreaming(t *testing.T) {
	b := mock.NewBackend(mock.DefaultUnit("a"))
	rec := &recorder{}
	c := newTestController(t, b, nil, WithListener(rec))
	d := startDrain(c.Stream())
	defer d.stop()

	if err := c.Start(); err != nil {
		t.Fatal(err)
	}
	defer c.Stop()

	if err := c.Tune(144390000); err != nil {
		t.Fatal(err)
	}
	st := c.Status()
	if st.HardwareFrequency != 144390000 || !st.FrequencyInSync {
		t.Errorf("after tune: hw=%d in sync=%v", st.HardwareFrequency, st.FrequencyInSync)
	}
	if got := rec.lastFreq(); got != 144390000 {
		t.Errorf("listener frequency = %d", got)
	}

	b.Fail(mock.OpFrequency, nil)
	if err := c.Tune(145000000); err == nil {
		t.Fatal("expected tune failure")
	}
	st = c.Status()
	if st.Config.Frequency != 145000000 {
		t.Errorf("target = %d, want 145000000", st.Config.Frequency)
	}
	if st.HardwareFrequency != 144390000 || st.FrequencyInSync {
		t.Errorf("after failed tune: hw=%d in sync=%v", st.HardwareFrequency, st.FrequencyInSync)
	}
	if !st.Running {
		t.Error("failed tune stopped the stream")
	}
	if got := rec.lastFreq(); got != 144390000 {
		t.Errorf("listener told about failed tune: %d", got)
	}
}

func TestSampleRateChangeRestartsStream(t *testing.T) {
	b := mock.NewBackend(mock.DefaultUnit("a"))
	c := newTestController(t, b, nil)
	d := startDrain(c.Stream())
	defer d.stop()

	if err := c.Start(); err != nil {
		t.Fatal(err)
	}
	defer c.Stop()
	before := c.Status()

	if err := c.SetSampleRateIndex(1); err != nil {
		t.Fatal(err)
	}
	after := c.Status()
	if !after.Running {
		t.Fatal("stream not restarted")
	}
	if after.AchievedRate != 3200000 || after.BufferSize != 16384 {
		t.Errorf("after change: %d @ %d", after.BufferSize, after.AchievedRate)
	}
	if after.SessionID == before.SessionID {
		t.Error("sample rate change did not restart the session")
	}
	if err := c.SetSampleRateIndex(after.Config.SampleRateIndex + 1000); !errors.Is(err, ErrInvalidIndex) {
		t.Errorf("out of range index = %v", err)
	}
}

func TestSampleRateChangeKeepsPendingSelection(t *testing.T) {
	b := mock.NewBackend(mock.DefaultUnit("a"), mock.DefaultUnit("b"))
	c := newTestController(t, b, nil)
	d := startDrain(c.Stream())
	defer d.stop()

	if err := c.Start(); err != nil {
		t.Fatal(err)
	}
	if err := c.SelectDevice("b"); err != nil {
		t.Fatal(err)
	}
	if err := c.SetSampleRateIndex(1); err != nil {
		t.Fatal(err)
	}

	st := c.Status()
	if st.Selected != "a" || st.Pending != "b" || !st.Running {
		t.Errorf("restart switched devices: selected=%q pending=%q running=%v", st.Selected, st.Pending, st.Running)
	}
	if st.AchievedRate != 3200000 {
		t.Errorf("achieved rate = %d, want 3200000", st.AchievedRate)
	}
	if b.OpenHandles("a") != 1 || b.OpenHandles("b") != 0 {
		t.Errorf("open handles a=%d b=%d", b.OpenHandles("a"), b.OpenHandles("b"))
	}

	if err := c.Stop(); err != nil {
		t.Fatal(err)
	}
	if got := c.Status().Selected; got != "b" {
		t.Errorf("selected after stop = %q, want b", got)
	}
}

func TestSelectWhileStreamingIsDeferred(t *testing.T) {
	b := mock.NewBackend(mock.DefaultUnit("a"), mock.DefaultUnit("b"))
	c := newTestController(t, b, nil)
	d := startDrain(c.Stream())
	defer d.stop()

	if err := c.Start(); err != nil {
		t.Fatal(err)
	}
	if err := c.SelectDevice("b"); err != nil {
		t.Fatal(err)
	}
	st := c.Status()
	if st.Selected != "a" || st.Pending != "b" || !st.Running {
		t.Errorf("selection applied while streaming: %+v", st)
	}
	if b.OpenHandles("a") != 1 {
		t.Error("live session disturbed")
	}

	if err := c.Stop(); err != nil {
		t.Fatal(err)
	}
	st = c.Status()
	if st.Selected != "b" || st.Pending != "" {
		t.Errorf("pending selection not applied: selected=%q pending=%q", st.Selected, st.Pending)
	}
}

func TestSettingsWhileIdlePersist(t *testing.T) {
	s := store.NewMemory()
	b := mock.NewBackend(mock.DefaultUnit("a"))
	c := newTestController(t, b, s)
	b.ResetCalls()

	if err := c.SetGain(device.GainStageRXVGA2, 12); err != nil {
		t.Fatal(err)
	}
	if err := c.SetGain(device.GainStageRXVGA2, 99); !errors.Is(err, ErrInvalidGain) {
		t.Errorf("SetGain(99) = %v, want ErrInvalidGain", err)
	}
	if err := c.SetBandwidthIndex(1); err != nil {
		t.Fatal(err)
	}
	if err := c.SetExpansionMode(device.XBMode200); err != nil {
		t.Fatal(err)
	}
	if err := c.SetExpansionMode("xb999"); err == nil {
		t.Error("unknown expansion mode accepted")
	}
	if calls := b.Calls(); len(calls) != 0 {
		t.Errorf("idle settings touched hardware: %v", calls)
	}

	cfg, err := NewParameterStore(s, zerolog.Nop()).Load("a")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.RXVGA2 != 12 || cfg.Bandwidth != 3000000 || cfg.XBMode != device.XBMode200 {
		t.Errorf("not persisted: %+v", cfg)
	}
}

func TestRefreshReselectsMissingDevice(t *testing.T) {
	b := mock.NewBackend(mock.DefaultUnit("a"), mock.DefaultUnit("b"))
	c := newTestController(t, b, nil)

	b.SetUnits(mock.DefaultUnit("b"))
	devices, err := c.Refresh()
	if err != nil {
		t.Fatal(err)
	}
	if len(devices) != 1 || devices[0].Serial != "b" {
		t.Fatalf("devices = %v", devices)
	}
	if got := c.Status().Selected; got != "b" {
		t.Errorf("selected = %q, want b", got)
	}
}

func contains(calls []string, want string) bool {
	for _, c := range calls {
		if c == want {
			return true
		}
	}
	return false
}

func TestSettingsWhileStreamingReachHardware(t *testing.T) {
	b := mock.NewBackend(mock.DefaultUnit("a"))
	c := newTestController(t, b, nil)
	d := startDrain(c.Stream())
	defer d.stop()

	if err := c.Start(); err != nil {
		t.Fatal(err)
	}
	defer c.Stop()
	session := c.Status().SessionID
	b.ResetCalls()

	tests := []struct {
		name  string
		apply func() error
		want  []string
	}{
		{"gain", func() error { return c.SetGain(device.GainStageRXVGA2, 12) }, []string{"gain:rxvga2:12"}},
		{"bandwidth", func() error { return c.SetBandwidthIndex(1) }, []string{"bandwidth:3000000"}},
		{"expansion", func() error { return c.SetExpansionMode(device.XBMode200) },
			[]string{"xb_attach:xb200", "xb_path:mix", "xb_filter:auto_1db"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.apply(); err != nil {
				t.Fatal(err)
			}
			calls := b.Calls()
			for _, w := range tt.want {
				if !contains(calls, w) {
					t.Errorf("missing %q in %v", w, calls)
				}
			}
		})
	}

	b.Fail(mock.OpGain(device.GainStageRXVGA1), nil)
	err := c.SetGain(device.GainStageRXVGA1, 20)
	var cerr *ConfigError
	if !errors.As(err, &cerr) || cerr.Stage != StageGainRXVGA1 {
		t.Fatalf("SetGain() = %v, want rxvga1 config error", err)
	}
	st := c.Status()
	if !st.Running || st.SessionID != session {
		t.Errorf("failed live change disturbed the stream: running=%v session=%s", st.Running, st.SessionID)
	}
	if st.Config.RXVGA1 != 20 {
		t.Errorf("rxvga1 target = %d, want 20", st.Config.RXVGA1)
	}
	blocks := d.count()
	waitFor(t, "blocks after failed change", func() bool { return d.count() > blocks })
}

func TestRefreshWhileStreamingKeepsSession(t *testing.T) {
	b := mock.NewBackend(mock.DefaultUnit("a"))
	c := newTestController(t, b, nil)
	d := startDrain(c.Stream())
	defer d.stop()

	if err := c.Start(); err != nil {
		t.Fatal(err)
	}
	defer c.Stop()
	before := c.Status()
	b.ResetCalls()

	b.SetUnits(mock.DefaultUnit("a"), mock.DefaultUnit("b"))
	devices, err := c.Refresh()
	if err != nil {
		t.Fatal(err)
	}
	if len(devices) != 2 {
		t.Errorf("devices = %v", devices)
	}
	for _, call := range b.Calls() {
		if len(call) >= 5 && call[:5] == "open:" {
			t.Errorf("refresh opened a device: %v", b.Calls())
		}
	}
	if n := b.OpenHandles("a"); n != 1 {
		t.Errorf("open handles = %d, want 1", n)
	}
	after := c.Status()
	if !after.Running || after.SessionID != before.SessionID || after.Selected != "a" {
		t.Errorf("refresh disturbed the stream: %+v", after)
	}
}

func TestInstantReadFailuresStayBounded(t *testing.T) {
	unit := mock.DefaultUnit("a")
	unit.ReadDelay = 0
	b := mock.NewBackend(unit)
	writeAPI := &util.MockWriteAPI{}
	c := newTestController(t, b, nil, WithInfluxDB(writeAPI))
	b.Fail(mock.OpSyncRX, nil)

	goroutines := runtime.NumGoroutine()
	if err := c.Start(); err != nil {
		t.Fatal(err)
	}
	time.Sleep(100 * time.Millisecond)

	if n := runtime.NumGoroutine(); n > goroutines+50 {
		t.Errorf("goroutines grew from %d to %d", goroutines, n)
	}
	st := c.Status()
	if st.ReadErrors == 0 || !st.Running {
		t.Errorf("read errors = %d running=%v", st.ReadErrors, st.Running)
	}
	if st.ReadErrors > 50 {
		t.Errorf("read loop spun: %d errors in 100ms", st.ReadErrors)
	}
	if n := writeAPI.Points("rx.acquisition"); n > 20 {
		t.Errorf("%d acquisition points for failed reads", n)
	}
	if err := c.Stop(); err != nil {
		t.Fatal(err)
	}
}

func TestConvertSamples(t *testing.T) {
	src := []int16{2048, -2048, 0, 4096}
	dst := make([]complex64, 2)
	convertSamples(dst, src, device.FormatSC16Q11.FullScale())
	if dst[0] != complex(0.5, -0.5) || dst[1] != complex(0, 1) {
		t.Errorf("convertSamples = %v", dst)
	}
}

func TestMetricsWritten(t *testing.T) {
	b := mock.NewBackend(mock.DefaultUnit("a"))
	writeAPI := &util.MockWriteAPI{}
	c := newTestController(t, b, nil, WithInfluxDB(writeAPI))
	d := startDrain(c.Stream())
	defer d.stop()

	if err := c.Start(); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "blocks", func() bool { return d.count() >= 2 })
	if err := c.Stop(); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "session points", func() bool { return writeAPI.Points("rx.session") >= 2 })
	waitFor(t, "acquisition points", func() bool { return writeAPI.Points("rx.acquisition") >= 2 })
}
