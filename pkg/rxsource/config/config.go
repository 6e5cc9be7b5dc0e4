package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"
)

type Config struct {
	Name         string `yaml:"name"`
	Device       string `yaml:"device"`
	Serial       string `yaml:"serial"`
	StorePath    string `yaml:"store_path"`
	AutoStart    bool   `yaml:"auto_start"`
	SampleFormat string `yaml:"sample_format"`
	LogLevel     string `yaml:"log_level"`

	RecordLocation   string `yaml:"record_location"`
	PlaybackLocation string `yaml:"playback_location"`
	PlaybackEncoding string `yaml:"playback_encoding"`
	PlaybackRate     struct {
		Min uint32 `yaml:"min"`
		Max uint32 `yaml:"max"`
	} `yaml:"playback_rate"`

	RTLSDRFreqCorrection int `yaml:"rtlsdr_freq_correction"`

	SegmentBuffer int `yaml:"segment_buffer"`

	ControlServer struct {
		Port int `yaml:"port"`
	} `yaml:"control_server"`
	InfluxDB struct {
		Host         string `yaml:"host"`
		Token        string `yaml:"token"`
		Organization string `yaml:"organization"`
		Bucket       string `yaml:"bucket"`
	} `yaml:"influxdb"`
	MQTT struct {
		Broker      string        `yaml:"broker"`
		ClientID    string        `yaml:"client_id"`
		Username    string        `yaml:"username"`
		Password    string        `yaml:"password"`
		TopicPrefix string        `yaml:"topic_prefix"`
		QoS         byte          `yaml:"qos"`
		Timeout     time.Duration `yaml:"timeout"`
	} `yaml:"mqtt"`
}

// Default returns the configuration used for fields the file leaves unset.
func Default() Config {
	var c Config
	c.Name = "rxsource"
	c.Device = "hackrf"
	c.StorePath = "rxsource-devices.yaml"
	c.SampleFormat = "sc16q11"
	c.LogLevel = "info"
	c.PlaybackEncoding = "cs8"
	c.PlaybackRate.Min = 200000
	c.PlaybackRate.Max = 20000000
	c.SegmentBuffer = 16
	c.ControlServer.Port = 8088
	c.MQTT.TopicPrefix = "rxsource"
	c.MQTT.Timeout = 10 * time.Second
	return c
}

// Load reads a YAML config file on top of Default.
func Load(path string) (Config, error) {
	cfg := Default()
	contents, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("error reading config file: %w", err)
	}
	if err := yaml.Unmarshal(contents, &cfg); err != nil {
		return cfg, fmt.Errorf("error unmarshaling yaml file: %w", err)
	}
	if cfg.PlaybackLocation != "" {
		cfg.Device = "file"
	}
	return cfg, cfg.Validate()
}

func (c Config) Validate() error {
	switch c.Device {
	case "sim", "rtlsdr", "hackrf", "file":
	default:
		return fmt.Errorf("unknown device %q", c.Device)
	}
	if c.Device == "file" && c.PlaybackLocation == "" {
		return fmt.Errorf("device file needs playback_location")
	}
	if c.PlaybackRate.Min == 0 || c.PlaybackRate.Max < c.PlaybackRate.Min {
		return fmt.Errorf("invalid playback_rate %d-%d", c.PlaybackRate.Min, c.PlaybackRate.Max)
	}
	if c.ControlServer.Port < 0 || c.ControlServer.Port > 65535 {
		return fmt.Errorf("invalid control server port %d", c.ControlServer.Port)
	}
	return nil
}
