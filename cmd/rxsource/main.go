package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go"
	"github.com/influxdata/influxdb-client-go/api"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/samuel/go-hackrf/hackrf"
	flag "github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/norasector/rxsource/pkg/rxsource"
	"github.com/norasector/rxsource/pkg/rxsource/config"
	"github.com/norasector/rxsource/pkg/rxsource/control"
	"github.com/norasector/rxsource/pkg/rxsource/device"
	"github.com/norasector/rxsource/pkg/rxsource/device/file"
	hackrfDevice "github.com/norasector/rxsource/pkg/rxsource/device/hackrf"
	"github.com/norasector/rxsource/pkg/rxsource/device/mock"
	"github.com/norasector/rxsource/pkg/rxsource/device/rtlsdr"
	"github.com/norasector/rxsource/pkg/rxsource/events"
	"github.com/norasector/rxsource/pkg/rxsource/output"
	"github.com/norasector/rxsource/pkg/rxsource/store"
	"github.com/norasector/rxsource/pkg/util"
)

func main() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr}).Level(zerolog.InfoLevel)
	configFile := flag.StringP("config", "c", "rxsource.yaml", "YAML config file")
	debug := flag.Bool("debug", false, "enable debug logging")
	start := flag.Bool("start", false, "start streaming immediately")
	flag.Parse()

	opts, err := config.Load(*configFile)
	if err != nil {
		log.Fatal().Err(err).Str("config", *configFile).Msg("invalid config")
	}

	level, err := zerolog.ParseLevel(opts.LogLevel)
	if err != nil {
		log.Fatal().Err(err).Msg("invalid log level")
	}
	if *debug {
		level = zerolog.DebugLevel
	}
	log.Logger = log.Logger.Level(level)

	format, err := device.ParseFormat(opts.SampleFormat)
	if err != nil {
		log.Fatal().Err(err).Msg("invalid sample format")
	}

	var backend device.Backend
	switch opts.Device {
	case "sim":
		log.Info().Str("device", "sim").Msg("initializing device...")
		backend = mock.NewBackend(mock.DefaultUnit("sim0"))
	case "rtlsdr":
		log.Info().Str("device", "rtlsdr").Msg("initializing device...")
		backend = rtlsdr.NewBackend(opts.RTLSDRFreqCorrection)
	case "file":
		log.Info().Str("device", "file").Str("playback", opts.PlaybackLocation).Msg("initializing device...")
		enc, err := file.ParseEncoding(opts.PlaybackEncoding)
		if err != nil {
			log.Fatal().Err(err).Msg("invalid playback encoding")
		}
		backend = file.NewBackend(opts.PlaybackLocation, enc,
			device.Range{Min: opts.PlaybackRate.Min, Max: opts.PlaybackRate.Max})
	default:
		log.Info().Str("device", "hackrf").Msg("initializing device...")
		if err := hackrf.Init(); err != nil {
			log.Fatal().Str("device", "hackrf").Err(err).Msg("failed to initialize hackRF")
		}
		defer hackrf.Exit()
		backend = hackrfDevice.NewBackend()
	}

	st, err := store.Open(opts.StorePath)
	if err != nil {
		log.Fatal().Err(err).Str("path", opts.StorePath).Msg("error opening device store")
	}

	var influxWriteAPI api.WriteAPI = &util.MockWriteAPI{}
	if opts.InfluxDB.Host != "" {
		influxClient := influxdb2.NewClient(opts.InfluxDB.Host, opts.InfluxDB.Token)
		defer influxClient.Close()
		influxWriteAPI = influxClient.WriteAPI(opts.InfluxDB.Organization, opts.InfluxDB.Bucket)
	}

	segments := output.NewSegmentOutput(opts.SegmentBuffer)
	sinks := []output.Sink{segments}
	if opts.RecordLocation != "" {
		recording, err := output.NewFileRecordingOutput(opts.RecordLocation)
		if err != nil {
			log.Fatal().Err(err).Str("path", opts.RecordLocation).Msg("failed to create recording file")
		}
		defer recording.Close()
		sinks = append(sinks, recording)
	}

	stream := rxsource.NewStream()
	pump := output.NewPump(stream, sinks,
		output.WithLogger(log.Logger),
		output.WithInfluxDB(influxWriteAPI))

	controllerOpts := []rxsource.ControllerOption{
		rxsource.WithName(opts.Name),
		rxsource.WithStream(stream),
		rxsource.WithFormat(format),
		rxsource.WithListener(pump),
		rxsource.WithInfluxDB(influxWriteAPI),
		rxsource.WithLogger(log.Logger),
	}
	if opts.MQTT.Broker != "" {
		publisher := events.Connect(events.Config{
			Broker:      opts.MQTT.Broker,
			ClientID:    opts.MQTT.ClientID,
			Username:    opts.MQTT.Username,
			Password:    opts.MQTT.Password,
			TopicPrefix: opts.MQTT.TopicPrefix,
			QoS:         opts.MQTT.QoS,
			Timeout:     opts.MQTT.Timeout,
		}, opts.Name, log.Logger)
		defer publisher.Close()
		controllerOpts = append(controllerOpts, rxsource.WithListener(publisher))
	}

	controller, err := rxsource.NewController(backend,
		rxsource.NewParameterStore(st, log.Logger),
		controllerOpts...)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create receiver")
	}
	if opts.Serial != "" {
		if err := controller.SelectDevice(opts.Serial); err != nil {
			log.Fatal().Err(err).Str("serial", opts.Serial).Msg("failed to select device")
		}
	}

	controlServer := control.NewServer(opts.ControlServer.Port, controller, control.WithLogger(log.Logger))

	eg, ctx := errgroup.WithContext(context.Background())

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	eg.Go(func() error {
		select {
		case <-sigChan:
		case <-ctx.Done():
		}
		return context.Canceled
	})

	eg.Go(func() error {
		return pump.Run(ctx)
	})

	eg.Go(func() error {
		return controlServer.Run(ctx)
	})

	eg.Go(func() error {
		return monitorSegments(ctx, segments)
	})

	controller.OnSelect()
	if opts.AutoStart || *start {
		if err := controller.Start(); err != nil {
			log.Error().Err(err).Msg("failed to start streaming")
		}
	}

	err = eg.Wait()
	if stopErr := controller.Stop(); stopErr != nil {
		log.Error().Err(stopErr).Msg("error stopping receiver")
	}
	if err != nil && err != context.Canceled {
		log.Fatal().Err(err).Msg("exited program")
	}
}

// monitorSegments consumes published segments and logs throughput.
func monitorSegments(ctx context.Context, segments *output.SegmentOutput) error {
	tick := time.NewTicker(10 * time.Second)
	defer tick.Stop()

	var samples, count int
	var last int
	for {
		select {
		case <-ctx.Done():
			return nil
		case seg := <-segments.Segments():
			count++
			samples += len(seg.Data)
			last = seg.SegmentNumber
		case <-tick.C:
			if count == 0 {
				continue
			}
			log.Debug().
				Int("segments", count).
				Int("samples", samples).
				Int("last_segment", last).
				Int64("dropped", segments.Dropped()).
				Msg("segments received")
			count, samples = 0, 0
		}
	}
}
