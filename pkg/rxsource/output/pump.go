package output

import (
	"context"
	"sync"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go"
	"github.com/influxdata/influxdb-client-go/api"
	"github.com/norasector/turbine-common/types"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/norasector/rxsource/pkg/rxsource"
	"github.com/norasector/rxsource/pkg/util"
)

// Sink consumes sample segments. A segment is only valid for the duration of
// the call.
type Sink interface {
	Name() string
	Write(seg *types.SegmentComplex64) error
}

// Pump is the single reader of a rxsource.Stream. It tags each block with the
// current rate and frequency and hands it to every sink.
type Pump struct {
	stream   *rxsource.Stream
	sinks    []Sink
	logger   zerolog.Logger
	writeAPI api.WriteAPI

	mu         sync.Mutex
	sampleRate int
	frequency  int
	segNum     int
}

type PumpOption func(p *Pump)

func WithLogger(logger zerolog.Logger) PumpOption {
	return func(p *Pump) {
		p.logger = logger
	}
}

func WithInfluxDB(writeAPI api.WriteAPI) PumpOption {
	return func(p *Pump) {
		p.writeAPI = writeAPI
	}
}

func NewPump(stream *rxsource.Stream, sinks []Sink, opts ...PumpOption) *Pump {
	p := &Pump{
		stream:   stream,
		sinks:    sinks,
		logger:   log.Logger,
		writeAPI: &util.MockWriteAPI{},
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *Pump) SampleRateChanged(rate uint32) {
	p.mu.Lock()
	p.sampleRate = int(rate)
	p.mu.Unlock()
}

func (p *Pump) FrequencyChanged(freq uint64) {
	p.mu.Lock()
	p.frequency = int(freq)
	p.mu.Unlock()
}

func (p *Pump) StateChanged(rxsource.State) {}

// Run reads blocks until ctx is cancelled.
func (p *Pump) Run(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		p.stream.StopReader()
	}()

	seg := &types.SegmentComplex64{}
	for {
		n := p.stream.Read()
		if n < 0 {
			p.stream.ClearReadStop()
			return nil
		}
		start := time.Now()

		p.mu.Lock()
		p.segNum++
		seg.SampleRate = p.sampleRate
		seg.Frequency = p.frequency
		seg.SegmentNumber = p.segNum
		p.mu.Unlock()
		seg.Data = p.stream.ReadBuf()

		failed := 0
		for _, s := range p.sinks {
			if err := s.Write(seg); err != nil {
				failed++
				p.logger.Error().Err(err).Str("sink", s.Name()).Msg("error writing segment")
			}
		}
		p.stream.Flush()

		go p.writeAPI.WritePoint(influxdb2.NewPoint("rx.output",
			map[string]string{
				"frequency": util.MHzToString(uint64(seg.Frequency)),
			},
			map[string]interface{}{
				"samples":      n,
				"failed_sinks": failed,
				"duration":     time.Since(start).Microseconds(),
			}, start))
	}
}
