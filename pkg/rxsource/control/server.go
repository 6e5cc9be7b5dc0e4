// Package control exposes a receiver controller over HTTP.
package control

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/julienschmidt/httprouter"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/norasector/rxsource/pkg/rxsource"
	"github.com/norasector/rxsource/pkg/rxsource/device"
)

// Source is the part of rxsource.Controller the server drives.
type Source interface {
	Status() rxsource.Status
	Refresh() ([]device.Info, error)
	SelectDevice(serial string) error
	Start() error
	Stop() error
	Tune(freq uint64) error
	SetSampleRateIndex(idx int) error
	SetBandwidthIndex(idx int) error
	SetGain(stage string, gain int) error
	SetExpansionMode(mode device.XBMode) error
	SetExpansionFilter(filter device.XBFilter) error
	SetFPGAImage(path string) error
}

type Server struct {
	source Source
	srv    *http.Server
	logger zerolog.Logger
}

type ServerOption func(s *Server)

func WithLogger(logger zerolog.Logger) ServerOption {
	return func(s *Server) {
		s.logger = logger
	}
}

func NewServer(port int, source Source, opts ...ServerOption) *Server {
	s := &Server{
		source: source,
		srv:    &http.Server{Addr: fmt.Sprintf(":%d", port)},
		logger: log.Logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.srv.Handler = s.Handler()
	return s
}

func (s *Server) Handler() http.Handler {
	handler := httprouter.New()

	handler.GET("/status", func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		writeJSON(w, http.StatusOK, s.source.Status())
	})
	handler.GET("/controls", func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		writeJSON(w, http.StatusOK, s.source.Status())
	})
	handler.GET("/devices", func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		writeJSON(w, http.StatusOK, s.source.Status().Devices)
	})
	handler.POST("/refresh", func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		devices, err := s.source.Refresh()
		if err != nil {
			s.writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, devices)
	})
	handler.POST("/select/:serial", s.action(func(p httprouter.Params) error {
		return s.source.SelectDevice(p.ByName("serial"))
	}))
	handler.POST("/start", s.action(func(httprouter.Params) error {
		return s.source.Start()
	}))
	handler.POST("/stop", s.action(func(httprouter.Params) error {
		return s.source.Stop()
	}))
	handler.POST("/tune/:freq", s.action(func(p httprouter.Params) error {
		freq, err := strconv.ParseUint(p.ByName("freq"), 10, 64)
		if err != nil {
			return badRequest(err)
		}
		return s.source.Tune(freq)
	}))
	handler.PUT("/samplerate/:index", s.action(func(p httprouter.Params) error {
		idx, err := strconv.Atoi(p.ByName("index"))
		if err != nil {
			return badRequest(err)
		}
		return s.source.SetSampleRateIndex(idx)
	}))
	handler.PUT("/bandwidth/:index", s.action(func(p httprouter.Params) error {
		idx, err := strconv.Atoi(p.ByName("index"))
		if err != nil {
			return badRequest(err)
		}
		return s.source.SetBandwidthIndex(idx)
	}))
	handler.PUT("/gain/:stage/:value", s.action(func(p httprouter.Params) error {
		gain, err := strconv.Atoi(p.ByName("value"))
		if err != nil {
			return badRequest(err)
		}
		return s.source.SetGain(p.ByName("stage"), gain)
	}))
	handler.PUT("/xb/mode/:mode", s.action(func(p httprouter.Params) error {
		mode := device.XBMode(p.ByName("mode"))
		if !device.ValidXBMode(mode) {
			return badRequest(fmt.Errorf("unknown expansion mode %q", mode))
		}
		return s.source.SetExpansionMode(mode)
	}))
	handler.PUT("/xb/filter/:filter", s.action(func(p httprouter.Params) error {
		filter := device.XBFilter(p.ByName("filter"))
		if !device.ValidXBFilter(filter) {
			return badRequest(fmt.Errorf("unknown expansion filter %q", filter))
		}
		return s.source.SetExpansionFilter(filter)
	}))
	handler.PUT("/fpga", func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		var body struct {
			Path string `json:"path"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			s.writeError(w, badRequest(err))
			return
		}
		if err := s.source.SetFPGAImage(body.Path); err != nil {
			s.writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, s.source.Status())
	})

	return handler
}

// action runs fn and answers with the resulting status.
func (s *Server) action(fn func(p httprouter.Params) error) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
		if err := fn(params); err != nil {
			s.writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, s.source.Status())
	}
}

type requestError struct{ error }

func (e requestError) Unwrap() error { return e.error }

func badRequest(err error) error { return requestError{err} }

func statusFor(err error) int {
	var reqErr requestError
	var cfgErr *rxsource.ConfigError
	switch {
	case errors.As(err, &reqErr),
		errors.Is(err, rxsource.ErrInvalidIndex),
		errors.Is(err, rxsource.ErrInvalidGain):
		return http.StatusBadRequest
	case errors.Is(err, rxsource.ErrNoDeviceSelected):
		return http.StatusConflict
	case errors.Is(err, rxsource.ErrOpenFailed):
		return http.StatusServiceUnavailable
	case errors.As(err, &cfgErr):
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	code := statusFor(err)
	if code >= http.StatusInternalServerError {
		s.logger.Error().Err(err).Int("code", code).Msg("control request failed")
	}
	writeJSON(w, code, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func (s *Server) Stop(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

func (s *Server) Run(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		s.srv.Shutdown(context.Background())
	}()

	s.logger.Info().Str("addr", s.srv.Addr).Msg("control server listening")
	err := s.srv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}
