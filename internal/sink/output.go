package sink

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/Brownie44l1/segcam/internal/config"
	"github.com/Brownie44l1/segcam/internal/frame"
)

// V4L2 constants from linux/videodev2.h.
const (
	vidiocSFmt         = 0xC0D05605 // _IOWR('V', 5, struct v4l2_format)
	bufTypeVideoOutput = 2
	fieldNone          = 1
	colorspaceSRGB     = 8
)

type v4l2PixFormat struct {
	Width        uint32
	Height       uint32
	PixelFormat  uint32
	Field        uint32
	BytesPerLine uint32
	SizeImage    uint32
	Colorspace   uint32
	Priv         uint32
	Flags        uint32
	YcbcrEnc     uint32
	Quantization uint32
	XferFunc     uint32
}

// v4l2Format mirrors struct v4l2_format on 64-bit Linux (208 bytes).
type v4l2Format struct {
	Type uint32
	_    uint32
	Pix  v4l2PixFormat
	_    [152]byte
}

// Opener opens the output device configured for frames of the given size.
type Opener func(path string, width, height int, fourcc string) (io.WriteCloser, error)

// Output writes composites to a v4l2loopback device. A failed open or write
// closes the device; it is reopened on a later frame, at most once per reopen
// interval. A change of frame size reopens it immediately.
type Output struct {
	path   string
	fourcc string
	reopen time.Duration
	open   Opener
	now    func() time.Time
	log    *slog.Logger

	mu       sync.Mutex
	dev      io.WriteCloser
	width    int
	height   int
	failedAt time.Time // last failed open or write, zero while healthy
	closed   bool
}

func NewOutput(cfg config.OutputConfig, logger *slog.Logger) *Output {
	return newOutput(cfg, OpenLoopback, logger)
}

func newOutput(cfg config.OutputConfig, open Opener, logger *slog.Logger) *Output {
	return &Output{
		path:   cfg.Device,
		fourcc: cfg.FourCC,
		reopen: cfg.ReopenInterval,
		open:   open,
		now:    time.Now,
		log:    logger.With("device", cfg.Device),
	}
}

func (o *Output) Name() string { return "output" }

func (o *Output) Consume(c frame.Composite) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.closed {
		return ErrSinkClosed
	}

	f := c.Frame
	if o.dev != nil && (o.width != f.Width() || o.height != f.Height()) {
		o.dev.Close()
		o.dev = nil
	}
	if o.dev == nil {
		if err := o.connect(f.Width(), f.Height()); err != nil {
			return err
		}
	}

	buf, err := Encode(f, o.fourcc)
	if err != nil {
		return err
	}
	if _, err := o.dev.Write(buf); err != nil {
		o.dev.Close()
		o.dev = nil
		o.failedAt = o.now()
		return fmt.Errorf("write %s: %w", o.path, err)
	}
	return nil
}

func (o *Output) connect(width, height int) error {
	now := o.now()
	if !o.failedAt.IsZero() && now.Sub(o.failedAt) < o.reopen {
		return fmt.Errorf("%s not open, next attempt in %s", o.path, o.reopen-now.Sub(o.failedAt))
	}

	dev, err := o.open(o.path, width, height, o.fourcc)
	if err != nil {
		o.failedAt = now
		return fmt.Errorf("open %s: %w", o.path, err)
	}
	o.dev, o.width, o.height = dev, width, height
	o.failedAt = time.Time{}
	o.log.Info("virtual camera opened", "width", width, "height", height, "fourcc", o.fourcc)
	return nil
}

func (o *Output) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.closed = true
	if o.dev == nil {
		return nil
	}
	err := o.dev.Close()
	o.dev = nil
	return err
}

// Encode converts f into the byte layout of a V4L2 fourcc.
func Encode(f frame.Frame, fourcc string) ([]byte, error) {
	switch fourcc {
	case "BGR4":
		return f.BGRA(), nil
	case "RGB3":
		return f.Convert(frame.RGB).Pix(), nil
	case "BGR3":
		return f.BGR(), nil
	}
	return nil, fmt.Errorf("unsupported output fourcc %q", fourcc)
}

func bytesPerPixel(fourcc string) int {
	if fourcc == "BGR4" {
		return 4
	}
	return 3
}

func fourccCode(s string) uint32 {
	return uint32(s[0]) | uint32(s[1])<<8 | uint32(s[2])<<16 | uint32(s[3])<<24
}

// OpenLoopback opens a v4l2loopback node for writing and sets its format.
func OpenLoopback(path string, width, height int, fourcc string) (io.WriteCloser, error) {
	if len(fourcc) != 4 {
		return nil, fmt.Errorf("invalid fourcc %q", fourcc)
	}
	f, err := os.OpenFile(path, os.O_WRONLY, 0)
	if err != nil {
		return nil, err
	}

	bpl := width * bytesPerPixel(fourcc)
	format := v4l2Format{
		Type: bufTypeVideoOutput,
		Pix: v4l2PixFormat{
			Width:        uint32(width),
			Height:       uint32(height),
			PixelFormat:  fourccCode(fourcc),
			Field:        fieldNone,
			BytesPerLine: uint32(bpl),
			SizeImage:    uint32(bpl * height),
			Colorspace:   colorspaceSRGB,
		},
	}
	if _, _, errno := unix.Syscall(unix.SYS_IOCTL, f.Fd(), vidiocSFmt, uintptr(unsafe.Pointer(&format))); errno != 0 {
		f.Close()
		return nil, fmt.Errorf("VIDIOC_S_FMT: %w", errno)
	}
	return f, nil
}
