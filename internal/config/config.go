package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the complete pipeline configuration. It is loaded once at start-up
// and handed to every stage by value; nothing mutates it afterwards.
type Config struct {
	Capture    CaptureConfig    `yaml:"capture"`
	Processing ProcessingConfig `yaml:"processing"`
	Inference  InferenceConfig  `yaml:"inference"`
	Composite  CompositeConfig  `yaml:"composite"`
	Pipeline   PipelineConfig   `yaml:"pipeline"`
	Viewer     ViewerConfig     `yaml:"viewer"`
	Output     OutputConfig     `yaml:"output"`
	Telemetry  TelemetryConfig  `yaml:"telemetry"`
}

// CaptureConfig contains camera settings
type CaptureConfig struct {
	Device               int    `yaml:"device"`                 // /dev/video<N>
	Width                int    `yaml:"width"`                  // requested capture width
	Height               int    `yaml:"height"`                 // requested capture height
	FPS                  int    `yaml:"fps"`                    // requested frame rate
	Format               string `yaml:"format"`                 // fourcc, only MJPG is decodable
	Buffers              int    `yaml:"buffers"`                // mmap buffer pool size
	WaitFactor           int    `yaml:"wait_factor"`            // read timeout in frame intervals
	MaxConsecutiveErrors int    `yaml:"max_consecutive_errors"` // transient errors before the device is considered gone
}

// ProcessingConfig describes the two canonical resolutions.
type ProcessingConfig struct {
	Width        int    `yaml:"width"`         // inference (low-res) width
	Height       int    `yaml:"height"`        // inference (low-res) height
	Layout       string `yaml:"layout"`        // packed layout of the high-res frame: rgba, rgb
	ResizeFilter string `yaml:"resize_filter"` // nearest, linear
}

// InferenceConfig contains model and scheduling settings
type InferenceConfig struct {
	SkipInterval           uint32        `yaml:"skip_interval"` // 0 runs the model for every frame
	MaxConsecutiveFailures int           `yaml:"max_consecutive_failures"`
	Backend                string        `yaml:"backend"` // onnx, subprocess
	ModelPath              string        `yaml:"model_path"`
	LibraryPath            string        `yaml:"library_path"` // onnxruntime shared library, optional
	Provider               string        `yaml:"provider"`     // auto, cuda, cpu
	DeviceID               int           `yaml:"device_id"`
	InputName              string        `yaml:"input_name"`
	OutputName             string        `yaml:"output_name"`
	Command                []string      `yaml:"command"` // subprocess backend argv
	Timeout                time.Duration `yaml:"timeout"`
}

// CompositeConfig controls how a mask is applied to the display frame.
type CompositeConfig struct {
	Mode       string   `yaml:"mode"`       // threshold, alpha
	Threshold  uint8    `yaml:"threshold"`  // threshold mode: mask values above are foreground
	Background [4]uint8 `yaml:"background"` // RGBA replacement for background pixels
}

// PipelineConfig sizes the channels between stages.
type PipelineConfig struct {
	QueueDepth int `yaml:"queue_depth"`
}

// ViewerConfig contains preview server settings
type ViewerConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Addr        string  `yaml:"addr"`
	Scale       float64 `yaml:"scale"`
	JPEGQuality int     `yaml:"jpeg_quality"`
}

// OutputConfig contains virtual camera settings
type OutputConfig struct {
	Enabled        bool          `yaml:"enabled"`
	Device         string        `yaml:"device"`
	FourCC         string        `yaml:"fourcc"`
	ReopenInterval time.Duration `yaml:"reopen_interval"`
}

// TelemetryConfig controls periodic stats reporting.
type TelemetryConfig struct {
	Interval time.Duration `yaml:"interval"`
	MQTT     MQTTConfig    `yaml:"mqtt"`
}

// MQTTConfig contains MQTT broker settings. An empty broker disables publishing.
type MQTTConfig struct {
	Broker   string `yaml:"broker"`
	Topic    string `yaml:"topic"`
	ClientID string `yaml:"client_id"`
	QoS      byte   `yaml:"qos"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		Capture: CaptureConfig{
			Device:               0,
			Width:                1920,
			Height:               1080,
			FPS:                  30,
			Format:               "MJPG",
			Buffers:              4,
			WaitFactor:           10,
			MaxConsecutiveErrors: 30,
		},
		Processing: ProcessingConfig{
			Width:        512,
			Height:       512,
			Layout:       "rgba",
			ResizeFilter: "linear",
		},
		Inference: InferenceConfig{
			SkipInterval:           0,
			MaxConsecutiveFailures: 5,
			Backend:                "onnx",
			ModelPath:              "models/model.onnx",
			Provider:               "auto",
			InputName:              "input",
			OutputName:             "output",
			Timeout:                2 * time.Second,
		},
		Composite: CompositeConfig{
			Mode:       "threshold",
			Threshold:  235,
			Background: [4]uint8{0, 0, 0, 0},
		},
		Pipeline: PipelineConfig{
			QueueDepth: 2,
		},
		Viewer: ViewerConfig{
			Enabled:     true,
			Addr:        ":8080",
			Scale:       0.5,
			JPEGQuality: 80,
		},
		Output: OutputConfig{
			Enabled:        true,
			Device:         "/dev/video3",
			FourCC:         "BGR4",
			ReopenInterval: time.Second,
		},
		Telemetry: TelemetryConfig{
			Interval: 5 * time.Second,
			MQTT: MQTTConfig{
				Topic:    "segcam/stats",
				ClientID: "segcam",
			},
		},
	}
}

// Load reads a YAML configuration file on top of Default and validates it.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := Validate(&cfg); err != nil {
		return Config{}, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// FrameInterval is the nominal time between two captured frames.
func (c CaptureConfig) FrameInterval() time.Duration {
	if c.FPS <= 0 {
		return 0
	}
	return time.Second / time.Duration(c.FPS)
}

// DevicePath returns the V4L2 node for the configured device index.
func (c CaptureConfig) DevicePath() string {
	return fmt.Sprintf("/dev/video%d", c.Device)
}
