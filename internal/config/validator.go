package config

import (
	"fmt"
	"strings"
)

var (
	layouts       = map[string]bool{"rgba": true, "rgb": true}
	resizeFilters = map[string]bool{"nearest": true, "linear": true}
	backends      = map[string]bool{"onnx": true, "subprocess": true}
	providers     = map[string]bool{"auto": true, "cuda": true, "cpu": true}
	compositeMode = map[string]bool{"threshold": true, "alpha": true}
	outputFourCCs = map[string]bool{"BGR4": true, "RGB3": true, "BGR3": true}
)

// Validate checks the configuration, normalising enumerations to their
// canonical case and filling zero values that have a sensible default.
func Validate(cfg *Config) error {
	if err := validateCapture(&cfg.Capture); err != nil {
		return fmt.Errorf("capture: %w", err)
	}
	if err := validateProcessing(&cfg.Processing); err != nil {
		return fmt.Errorf("processing: %w", err)
	}
	if err := validateInference(&cfg.Inference); err != nil {
		return fmt.Errorf("inference: %w", err)
	}

	cfg.Composite.Mode = strings.ToLower(cfg.Composite.Mode)
	if !compositeMode[cfg.Composite.Mode] {
		return fmt.Errorf("composite.mode must be 'threshold' or 'alpha', got %q", cfg.Composite.Mode)
	}

	if cfg.Pipeline.QueueDepth <= 0 {
		cfg.Pipeline.QueueDepth = 2
	}

	if cfg.Viewer.Enabled {
		if cfg.Viewer.Addr == "" {
			return fmt.Errorf("viewer.addr is required when the viewer is enabled")
		}
		if cfg.Viewer.Scale <= 0 || cfg.Viewer.Scale > 1 {
			return fmt.Errorf("viewer.scale must be in (0, 1], got %v", cfg.Viewer.Scale)
		}
		if cfg.Viewer.JPEGQuality <= 0 || cfg.Viewer.JPEGQuality > 100 {
			cfg.Viewer.JPEGQuality = 80
		}
	}

	if cfg.Output.Enabled {
		if cfg.Output.Device == "" {
			return fmt.Errorf("output.device is required when the output is enabled")
		}
		cfg.Output.FourCC = strings.ToUpper(cfg.Output.FourCC)
		if !outputFourCCs[cfg.Output.FourCC] {
			return fmt.Errorf("output.fourcc %q is not supported (BGR4, RGB3, BGR3)", cfg.Output.FourCC)
		}
	}

	if cfg.Telemetry.MQTT.Broker != "" && cfg.Telemetry.MQTT.Topic == "" {
		cfg.Telemetry.MQTT.Topic = "segcam/stats"
	}
	if cfg.Telemetry.MQTT.QoS > 2 {
		return fmt.Errorf("telemetry.mqtt.qos must be 0, 1 or 2, got %d", cfg.Telemetry.MQTT.QoS)
	}

	return nil
}

func validateCapture(c *CaptureConfig) error {
	if c.Device < 0 {
		return fmt.Errorf("device index must be >= 0, got %d", c.Device)
	}
	if c.Width <= 0 || c.Height <= 0 {
		return fmt.Errorf("resolution must be positive, got %dx%d", c.Width, c.Height)
	}
	if c.FPS <= 0 {
		return fmt.Errorf("fps must be > 0")
	}
	c.Format = strings.ToUpper(c.Format)
	if c.Format != "MJPG" {
		return fmt.Errorf("format %q is not supported, only MJPG", c.Format)
	}
	if c.Buffers <= 0 {
		c.Buffers = 4
	}
	if c.WaitFactor <= 0 {
		c.WaitFactor = 10
	}
	if c.MaxConsecutiveErrors <= 0 {
		c.MaxConsecutiveErrors = 30
	}
	return nil
}

func validateProcessing(p *ProcessingConfig) error {
	if p.Width <= 0 || p.Height <= 0 {
		return fmt.Errorf("resolution must be positive, got %dx%d", p.Width, p.Height)
	}
	p.Layout = strings.ToLower(p.Layout)
	if !layouts[p.Layout] {
		return fmt.Errorf("layout must be 'rgba' or 'rgb', got %q", p.Layout)
	}
	p.ResizeFilter = strings.ToLower(p.ResizeFilter)
	if !resizeFilters[p.ResizeFilter] {
		return fmt.Errorf("resize_filter must be 'nearest' or 'linear', got %q", p.ResizeFilter)
	}
	return nil
}

func validateInference(i *InferenceConfig) error {
	if i.MaxConsecutiveFailures <= 0 {
		i.MaxConsecutiveFailures = 5
	}
	i.Backend = strings.ToLower(i.Backend)
	if !backends[i.Backend] {
		return fmt.Errorf("backend must be 'onnx' or 'subprocess', got %q", i.Backend)
	}
	switch i.Backend {
	case "onnx":
		if i.ModelPath == "" {
			return fmt.Errorf("model_path is required for the onnx backend")
		}
		i.Provider = strings.ToLower(i.Provider)
		if i.Provider == "" {
			i.Provider = "auto"
		}
		if !providers[i.Provider] {
			return fmt.Errorf("provider must be 'auto', 'cuda' or 'cpu', got %q", i.Provider)
		}
		if i.InputName == "" {
			i.InputName = "input"
		}
		if i.OutputName == "" {
			i.OutputName = "output"
		}
	case "subprocess":
		if len(i.Command) == 0 {
			return fmt.Errorf("command is required for the subprocess backend")
		}
	}
	if i.Timeout <= 0 {
		return fmt.Errorf("timeout must be > 0")
	}
	return nil
}
