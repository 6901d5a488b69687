package capture

import (
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/blackjack/webcam"

	"github.com/Brownie44l1/segcam/internal/config"
)

// FourCC returns the four character code of a V4L2 pixel format.
func FourCC(f webcam.PixelFormat) string {
	return string([]byte{byte(f), byte(f >> 8), byte(f >> 16), byte(f >> 24)})
}

// PixelFormat is the inverse of FourCC.
func PixelFormat(code string) (webcam.PixelFormat, error) {
	if len(code) != 4 {
		return 0, fmt.Errorf("fourcc must be 4 characters, got %q", code)
	}
	return webcam.PixelFormat(uint32(code[0]) | uint32(code[1])<<8 | uint32(code[2])<<16 | uint32(code[3])<<24), nil
}

// Open opens and negotiates the V4L2 device named by cfg and starts streaming.
// Any failure here is fatal for the pipeline.
func Open(cfg config.CaptureConfig, logger *slog.Logger) (*Camera, error) {
	path := cfg.DevicePath()
	cam, err := webcam.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %v", ErrDeviceUnavailable, path, err)
	}

	ok := false
	defer func() {
		if !ok {
			cam.Close()
		}
	}()

	want, err := PixelFormat(cfg.Format)
	if err != nil {
		return nil, err
	}

	supported := cam.GetSupportedFormats()
	names := make([]string, 0, len(supported))
	for pf, desc := range supported {
		names = append(names, FourCC(pf)+" ("+desc+")")
	}
	sort.Strings(names)
	logger.Info("camera opened", "device", path, "formats", names)

	if _, found := supported[want]; !found {
		return nil, fmt.Errorf("%w: %s does not offer %s", ErrDeviceUnavailable, path, cfg.Format)
	}

	got, w, h, err := cam.SetImageFormat(want, uint32(cfg.Width), uint32(cfg.Height))
	if err != nil {
		return nil, fmt.Errorf("%w: set format: %v", ErrDeviceUnavailable, err)
	}
	if w != uint32(cfg.Width) || h != uint32(cfg.Height) {
		logger.Warn("camera negotiated a different resolution",
			"requested", fmt.Sprintf("%dx%d", cfg.Width, cfg.Height),
			"negotiated", fmt.Sprintf("%dx%d", w, h))
	}

	if err := cam.SetBufferCount(uint32(cfg.Buffers)); err != nil {
		return nil, fmt.Errorf("%w: set buffer count: %v", ErrDeviceUnavailable, err)
	}
	if err := cam.SetFramerate(float32(cfg.FPS)); err != nil {
		// Not every driver implements VIDIOC_S_PARM.
		logger.Warn("camera rejected frame rate", "fps", cfg.FPS, "error", err)
	}
	if err := cam.StartStreaming(); err != nil {
		return nil, fmt.Errorf("%w: start streaming: %v", ErrDeviceUnavailable, err)
	}

	ok = true
	logger.Info("camera streaming",
		"format", FourCC(got), "width", w, "height", h, "buffers", cfg.Buffers)

	return NewCamera(cam, CameraOptions{
		Format:    FourCC(got),
		Width:     int(w),
		Height:    int(h),
		Wait:      cfg.FrameInterval() * time.Duration(cfg.WaitFactor),
		MaxErrors: cfg.MaxConsecutiveErrors,
		Logger:    logger,
	}), nil
}
