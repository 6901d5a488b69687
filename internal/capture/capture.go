// Package capture reads compressed frames from a camera.
package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/blackjack/webcam"

	"github.com/Brownie44l1/segcam/internal/frame"
)

var (
	// ErrDeviceUnavailable means the camera cannot deliver frames any more.
	ErrDeviceUnavailable = errors.New("capture device unavailable")
	// ErrTransientRead means this read produced nothing; the next call may succeed.
	ErrTransientRead = errors.New("transient capture read error")
)

// Source yields compressed frames. Next blocks for at most a bounded time
// derived from the frame interval. Returned data is owned by the caller.
type Source interface {
	Next(ctx context.Context) (frame.Compressed, error)
	Close() error
}

// Device is the part of a V4L2 handle the camera loop needs. *webcam.Webcam
// implements it.
type Device interface {
	WaitForFrame(timeoutSeconds uint32) error
	ReadFrame() ([]byte, error)
	Close() error
}

// Camera turns a streaming Device into a Source. It copies every frame out of
// the driver's buffer pool, stamps it and escalates a run of read failures to
// ErrDeviceUnavailable.
type Camera struct {
	dev       Device
	format    string
	width     int
	height    int
	wait      uint32
	maxErrors int
	now       func() time.Time
	log       *slog.Logger

	seq         uint64
	consecutive int
}

// CameraOptions describes a device that has already been negotiated.
type CameraOptions struct {
	Format    string
	Width     int
	Height    int
	Wait      time.Duration // bounded wait per Next call
	MaxErrors int           // consecutive failures tolerated before giving up
	Logger    *slog.Logger
}

func NewCamera(dev Device, opts CameraOptions) *Camera {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.MaxErrors <= 0 {
		opts.MaxErrors = 1
	}
	return &Camera{
		dev:       dev,
		format:    opts.Format,
		width:     opts.Width,
		height:    opts.Height,
		wait:      waitSeconds(opts.Wait),
		maxErrors: opts.MaxErrors,
		now:       time.Now,
		log:       opts.Logger,
	}
}

// waitSeconds converts the wait budget into the whole-second timeout the
// V4L2 poll call accepts, rounding up and never below one second.
func waitSeconds(d time.Duration) uint32 {
	s := math.Ceil(d.Seconds())
	if s < 1 {
		return 1
	}
	return uint32(s)
}

// Format returns the negotiated fourcc and frame size.
func (c *Camera) Format() (string, int, int) { return c.format, c.width, c.height }

func (c *Camera) Next(ctx context.Context) (frame.Compressed, error) {
	if err := ctx.Err(); err != nil {
		return frame.Compressed{}, err
	}

	data, err := c.read()
	if err != nil {
		c.consecutive++
		if c.consecutive > c.maxErrors {
			return frame.Compressed{}, fmt.Errorf("%w: %d consecutive read failures, last: %v",
				ErrDeviceUnavailable, c.consecutive, err)
		}
		return frame.Compressed{}, fmt.Errorf("%w: %v", ErrTransientRead, err)
	}
	c.consecutive = 0
	c.seq++

	return frame.Compressed{
		Seq:       c.seq,
		Timestamp: c.now(),
		Format:    c.format,
		Data:      data,
	}, nil
}

func (c *Camera) read() ([]byte, error) {
	if err := c.dev.WaitForFrame(c.wait); err != nil {
		var timeout *webcam.Timeout
		if errors.As(err, &timeout) {
			return nil, fmt.Errorf("no frame within %ds", c.wait)
		}
		return nil, fmt.Errorf("wait for frame: %w", err)
	}

	buf, err := c.dev.ReadFrame()
	if err != nil {
		return nil, fmt.Errorf("read frame: %w", err)
	}
	if len(buf) == 0 {
		return nil, errors.New("empty frame")
	}

	// buf points into an mmap'd driver buffer that is requeued on the next read.
	return append([]byte(nil), buf...), nil
}

func (c *Camera) Close() error {
	return c.dev.Close()
}
