package rxsource

import (
	"errors"
	"fmt"
)

var (
	ErrNoDeviceSelected  = errors.New("no device selected")
	ErrOpenFailed        = errors.New("could not open device")
	ErrFPGANotConfigured = errors.New("fpga not configured after load")
	ErrInvalidRange      = errors.New("invalid range")
	ErrInvalidIndex      = errors.New("index out of range")
	ErrInvalidGain       = errors.New("gain out of range")
	ErrNotStreaming      = errors.New("not streaming")
)

// OpenError reports that a device could not be opened.
type OpenError struct {
	Serial string
	Err    error
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("could not open device %s: %v", e.Serial, e.Err)
}

func (e *OpenError) Unwrap() error { return e.Err }

func (e *OpenError) Is(target error) bool { return target == ErrOpenFailed }

// Stage identifies the configuration step that failed.
type Stage string

const (
	StageFPGALoad   Stage = "fpga_load"
	StageFPGAVerify Stage = "fpga_verify"
	StageSampleRate Stage = "sample_rate"
	StageBandwidth  Stage = "bandwidth"
	StageFrequency  Stage = "frequency"
	StageSyncConfig Stage = "sync_config"
	StageEnableRX   Stage = "enable_rx"
	StageGainLNA    Stage = "gain_lna"
	StageGainRXVGA1 Stage = "gain_rxvga1"
	StageGainRXVGA2 Stage = "gain_rxvga2"
	StageExpansion  Stage = "expansion"
)

// ConfigError reports a failed configuration step.
type ConfigError struct {
	Stage Stage
	Err   error
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("configuration failed at %s: %v", e.Stage, e.Err)
}

func (e *ConfigError) Unwrap() error { return e.Err }

func configErr(stage Stage, err error) error {
	if err == nil {
		return nil
	}
	return &ConfigError{Stage: stage, Err: err}
}
