package rxsource

import (
	"fmt"

	"github.com/norasector/rxsource/pkg/rxsource/device"
)

// SourceHandler is the set of events a host delivers to a sample source.
type SourceHandler interface {
	// OnSelect is called when the host makes this the active source.
	OnSelect()
	// OnDeselect is called when another source becomes active.
	OnDeselect()
	// OnRenderControls returns everything a control surface needs to draw.
	OnRenderControls() Status
	OnStart() error
	OnStop() error
	OnTune(freq uint64) error
}

// Listener receives notifications from a Controller. Callbacks run with the
// controller locked and must not call back into it.
type Listener interface {
	SampleRateChanged(rate uint32)
	FrequencyChanged(freq uint64)
	StateChanged(state State)
}

type State int

const (
	StateIdle State = iota
	StateConfiguring
	StateStreaming
)

func (s State) String() string {
	switch s {
	case StateConfiguring:
		return "configuring"
	case StateStreaming:
		return "streaming"
	default:
		return "idle"
	}
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *State) UnmarshalText(text []byte) error {
	switch string(text) {
	case "idle":
		*s = StateIdle
	case "configuring":
		*s = StateConfiguring
	case "streaming":
		*s = StateStreaming
	default:
		return fmt.Errorf("unknown state %q", text)
	}
	return nil
}

// Status is a snapshot of the controller for control surfaces.
type Status struct {
	Name     string        `json:"name"`
	State    State         `json:"state"`
	Running  bool          `json:"running"`
	Devices  []device.Info `json:"devices"`
	Selected string        `json:"selected"`
	// Pending is a device selected while streaming, used from the next start.
	Pending string `json:"pending,omitempty"`

	Config      DeviceConfig `json:"config"`
	SampleRates []string     `json:"sample_rates"`
	Bandwidths  []string     `json:"bandwidths"`
	XBModes     []string     `json:"xb_modes"`
	XBFilters   []string     `json:"xb_filters"`

	SessionID         string `json:"session_id,omitempty"`
	AchievedRate      uint32 `json:"achieved_rate"`
	BufferSize        int    `json:"buffer_size"`
	HardwareFrequency uint64 `json:"hardware_frequency"`
	FrequencyInSync   bool   `json:"frequency_in_sync"`
	Blocks            int64  `json:"blocks"`
	ReadErrors        int64  `json:"read_errors"`
}
