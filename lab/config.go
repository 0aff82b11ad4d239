package lab

import (
	"github.com/pkg/errors"

	"github.com/fcichos/lab-control/control"
)

// CameraConfig selects and presets the camera
type CameraConfig struct {
	// Type is the camera driver; only "mock" is built in
	Type string `yaml:"Type" koanf:"Type"`

	// Index selects among several cameras of one type
	Index int `yaml:"Index" koanf:"Index"`

	// DefaultExposure is applied on connect, in milliseconds
	DefaultExposure float64 `yaml:"DefaultExposure" koanf:"DefaultExposure"`

	// DefaultGain is applied on connect
	DefaultGain int `yaml:"DefaultGain" koanf:"DefaultGain"`

	// TargetTemperature is the cooling setpoint applied on connect, Celsius
	TargetTemperature float64 `yaml:"TargetTemperature" koanf:"TargetTemperature"`
}

// BoardConfig selects the output board
type BoardConfig struct {
	// Type is "mock" or "ascii"
	Type string `yaml:"Type" koanf:"Type"`

	// Addr is host:port, or a serial port name if Serial is true
	Addr string `yaml:"Addr" koanf:"Addr"`

	// Serial selects RS-232 instead of TCP
	Serial bool `yaml:"Serial" koanf:"Serial"`

	// Channel is the parameter laser power is written to
	Channel int `yaml:"Channel" koanf:"Channel"`
}

// ProcessingConfig configures the image pipeline
type ProcessingConfig struct {
	// Pipeline lists processing steps in order
	Pipeline []string `yaml:"Pipeline" koanf:"Pipeline"`

	// Sigma is the Gaussian filter width in pixels
	Sigma float64 `yaml:"Sigma" koanf:"Sigma"`

	// Threshold is the normalized spot detection level, 0 to 1
	Threshold float64 `yaml:"Threshold" koanf:"Threshold"`
}

// ControlConfig configures the feedback loop
type ControlConfig struct {
	// LoopRateHz is the cycle frequency
	LoopRateHz float64 `yaml:"LoopRateHz" koanf:"LoopRateHz"`

	// PID holds the initial gains
	PID control.Gains `yaml:"PID" koanf:"PID"`

	// OutputLimits is [min, max] laser power in percent
	OutputLimits []float64 `yaml:"OutputLimits" koanf:"OutputLimits"`

	// Setpoint is the initial target
	Setpoint control.Setpoint `yaml:"Setpoint" koanf:"Setpoint"`
}

// RecorderConfig configures automatic saving of frames
type RecorderConfig struct {
	Root    string `yaml:"Root" koanf:"Root"`
	Prefix  string `yaml:"Prefix" koanf:"Prefix"`
	Enabled bool   `yaml:"Enabled" koanf:"Enabled"`
}

// Config is the complete application configuration
type Config struct {
	Camera     CameraConfig     `yaml:"Camera" koanf:"Camera"`
	Board      BoardConfig      `yaml:"Board" koanf:"Board"`
	Processing ProcessingConfig `yaml:"Processing" koanf:"Processing"`
	Control    ControlConfig    `yaml:"Control" koanf:"Control"`
	Recorder   RecorderConfig   `yaml:"Recorder" koanf:"Recorder"`

	// Addr is the HTTP listen address
	Addr string `yaml:"Addr" koanf:"Addr"`

	// Debug selects a development logger at debug level
	Debug bool `yaml:"Debug" koanf:"Debug"`
}

// DefaultConfig returns the configuration used when no file is present
func DefaultConfig() Config {
	return Config{
		Camera: CameraConfig{
			Type:              "mock",
			DefaultExposure:   100,
			DefaultGain:       1,
			TargetTemperature: -70,
		},
		Board: BoardConfig{
			Type:    "mock",
			Channel: 1,
		},
		Processing: ProcessingConfig{
			Pipeline:  []string{"background_subtraction", "gaussian_filter", "find_centroids"},
			Sigma:     1,
			Threshold: 0.5,
		},
		Control: ControlConfig{
			LoopRateHz:   10,
			PID:          control.Gains{Kp: 1, Ki: 0.1, Kd: 0.01},
			OutputLimits: []float64{0, 100},
			Setpoint:     control.Setpoint{Target: 256, Tolerance: 5, Parameter: "centroid_x"},
		},
		Recorder: RecorderConfig{
			Prefix: "frame",
		},
		Addr: ":8000",
	}
}

// Bounds returns the output limits as controller bounds
func (c ControlConfig) Bounds() control.Bounds {
	return control.Bounds{Min: c.OutputLimits[0], Max: c.OutputLimits[1]}
}

// Validate checks the values the application cannot run without
func (c Config) Validate() error {
	if c.Control.LoopRateHz <= 0 {
		return errors.Errorf("Control.LoopRateHz must be positive, got %g", c.Control.LoopRateHz)
	}
	if len(c.Control.OutputLimits) != 2 {
		return errors.Errorf("Control.OutputLimits must be [min, max], got %v", c.Control.OutputLimits)
	}
	if c.Control.Setpoint.Parameter == "" {
		return errors.New("Control.Setpoint.Parameter must not be empty")
	}
	if c.Processing.Threshold < 0 || c.Processing.Threshold > 1 {
		return errors.Errorf("Processing.Threshold must be within [0, 1], got %g", c.Processing.Threshold)
	}
	return nil
}
