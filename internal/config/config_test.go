package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "segcam.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, Validate(&cfg))
	assert.Equal(t, Default(), cfg)
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
capture:
  device: 2
  width: 1280
  height: 720
  format: mjpg
processing:
  width: 256
  height: 144
  resize_filter: Nearest
inference:
  skip_interval: 3
  timeout: 750ms
composite:
  background: [0, 255, 0, 255]
telemetry:
  interval: 10s
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 2, cfg.Capture.Device)
	assert.Equal(t, "/dev/video2", cfg.Capture.DevicePath())
	assert.Equal(t, "MJPG", cfg.Capture.Format)
	assert.Equal(t, 30, cfg.Capture.FPS, "untouched fields keep their default")
	assert.Equal(t, 256, cfg.Processing.Width)
	assert.Equal(t, "nearest", cfg.Processing.ResizeFilter)
	assert.Equal(t, uint32(3), cfg.Inference.SkipInterval)
	assert.Equal(t, 750*time.Millisecond, cfg.Inference.Timeout)
	assert.Equal(t, [4]uint8{0, 255, 0, 255}, cfg.Composite.Background)
	assert.Equal(t, 10*time.Second, cfg.Telemetry.Interval)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestValidateRejects(t *testing.T) {
	tests := map[string]func(*Config){
		"negative device":      func(c *Config) { c.Capture.Device = -1 },
		"zero capture width":   func(c *Config) { c.Capture.Width = 0 },
		"zero fps":             func(c *Config) { c.Capture.FPS = 0 },
		"yuyv capture":         func(c *Config) { c.Capture.Format = "YUYV" },
		"zero inference size":  func(c *Config) { c.Processing.Height = 0 },
		"gray layout":          func(c *Config) { c.Processing.Layout = "gray" },
		"cubic filter":         func(c *Config) { c.Processing.ResizeFilter = "cubic" },
		"unknown backend":      func(c *Config) { c.Inference.Backend = "tensorrt" },
		"no model":             func(c *Config) { c.Inference.ModelPath = "" },
		"subprocess w/o argv":  func(c *Config) { c.Inference.Backend = "subprocess" },
		"unknown provider":     func(c *Config) { c.Inference.Provider = "rocm" },
		"zero timeout":         func(c *Config) { c.Inference.Timeout = 0 },
		"unknown mode":         func(c *Config) { c.Composite.Mode = "blur" },
		"viewer scale":         func(c *Config) { c.Viewer.Scale = 2 },
		"output without node":  func(c *Config) { c.Output.Device = "" },
		"unsupported fourcc":   func(c *Config) { c.Output.FourCC = "NV12" },
		"qos out of range":     func(c *Config) { c.Telemetry.MQTT.QoS = 3 },
	}

	for name, mutate := range tests {
		t.Run(name, func(t *testing.T) {
			cfg := Default()
			mutate(&cfg)
			assert.Error(t, Validate(&cfg))
		})
	}
}

func TestValidateFillsDefaults(t *testing.T) {
	cfg := Default()
	cfg.Capture.Buffers = 0
	cfg.Capture.MaxConsecutiveErrors = 0
	cfg.Inference.MaxConsecutiveFailures = 0
	cfg.Pipeline.QueueDepth = 0
	cfg.Viewer.JPEGQuality = 0

	require.NoError(t, Validate(&cfg))
	assert.Equal(t, 4, cfg.Capture.Buffers)
	assert.Equal(t, 30, cfg.Capture.MaxConsecutiveErrors)
	assert.Equal(t, 5, cfg.Inference.MaxConsecutiveFailures)
	assert.Equal(t, 2, cfg.Pipeline.QueueDepth)
	assert.Equal(t, 80, cfg.Viewer.JPEGQuality)
}

func TestFrameInterval(t *testing.T) {
	c := CaptureConfig{FPS: 25}
	assert.Equal(t, 40*time.Millisecond, c.FrameInterval())
	assert.Zero(t, CaptureConfig{}.FrameInterval())
}

func TestShippedConfigMatchesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join("..", "..", "config", "segcam.yaml"))
	require.NoError(t, err)

	want := Default()
	require.NoError(t, Validate(&want))
	assert.Equal(t, want, cfg)
}
