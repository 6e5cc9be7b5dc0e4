package rxsource

import (
	"context"
	"sync/atomic"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go"
	"github.com/influxdata/influxdb-client-go/api"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/norasector/rxsource/pkg/rxsource/device"
	"github.com/norasector/rxsource/pkg/util"
)

// readErrorPause is the shortest time one failed read may take.
const readErrorPause = 10 * time.Millisecond

// acquisition pulls blocks from a session and publishes them to a stream
// until the stream's writer is stopped or its context is cancelled.
type acquisition struct {
	session   *Session
	stream    *Stream
	params    device.StreamConfig
	sessionID string
	logger    zerolog.Logger
	writeAPI  api.WriteAPI

	errLimiter *rate.Limiter
	blocks     *atomic.Int64
	readErrors *atomic.Int64
}

// convertSamples normalizes interleaved I/Q pairs into complex samples.
func convertSamples(dst []complex64, src []int16, fullScale float32) {
	for i := range dst {
		dst[i] = complex(float32(src[i*2])/fullScale, float32(src[i*2+1])/fullScale)
	}
}

func (a *acquisition) run(ctx context.Context) error {
	n := a.params.BufferSize
	raw := make([]int16, 2*n)
	fullScale := a.params.Format.FullScale()

	a.logger.Debug().Int("buffer_size", n).Msg("acquisition started")
	defer a.logger.Debug().Msg("acquisition stopped")

	var pendingErrors int
	for {
		if ctx.Err() != nil {
			return nil
		}

		start := time.Now()
		readUs, err := util.TimeOperationError(func() error {
			return a.session.Read(raw, n, a.params.Timeout)
		})
		if err != nil {
			total := a.readErrors.Add(1)
			pendingErrors++
			if a.errLimiter.Allow() {
				a.logger.Error().Err(err).Int64("read_errors", total).Msg("sample read failed")
				a.writeErrorPoint(pendingErrors, start)
				pendingErrors = 0
			}
			// a read that fails instantly would otherwise spin the loop
			if wait := readErrorPause - time.Since(start); wait > 0 {
				timer := time.NewTimer(wait)
				select {
				case <-ctx.Done():
					timer.Stop()
					return nil
				case <-timer.C:
				}
			}
			continue
		}

		convertUs := util.TimeOperationMicroseconds(func() {
			convertSamples(a.stream.WriteBuf(n), raw, fullScale)
		})
		if !a.stream.Swap(n) {
			return nil
		}
		a.blocks.Add(1)

		fields := map[string]interface{}{
			"samples":          n,
			"read_duration":    readUs,
			"convert_duration": convertUs,
			"duration":         time.Since(start).Microseconds(),
		}
		if pendingErrors > 0 {
			fields["read_errors"] = pendingErrors
			pendingErrors = 0
		}
		go a.writeAPI.WritePoint(influxdb2.NewPoint("rx.acquisition",
			map[string]string{
				"serial":  a.session.Serial(),
				"session": a.sessionID,
			}, fields, start))
	}
}

func (a *acquisition) writeErrorPoint(count int, ts time.Time) {
	go a.writeAPI.WritePoint(influxdb2.NewPoint("rx.acquisition",
		map[string]string{
			"serial":  a.session.Serial(),
			"session": a.sessionID,
		},
		map[string]interface{}{
			"read_errors": count,
		}, ts))
}
