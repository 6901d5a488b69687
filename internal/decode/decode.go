// Package decode turns compressed camera frames into dual-resolution pairs.
package decode

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/jpeg"

	"github.com/Brownie44l1/segcam/internal/config"
	"github.com/Brownie44l1/segcam/internal/frame"
)

var (
	// ErrCorruptFrame marks a single undecodable frame. The frame is dropped.
	ErrCorruptFrame = errors.New("corrupt frame")
	// ErrUnsupportedFormat means the stream format cannot be decoded at all.
	ErrUnsupportedFormat = errors.New("unsupported frame format")
)

// Decompressor expands one compressed frame into an image. Implementations
// must be stateless per call.
type Decompressor interface {
	Decompress(data []byte) (image.Image, error)
}

// JPEG decompresses baseline and progressive JPEG (MJPEG frames).
type JPEG struct{}

func (JPEG) Decompress(data []byte) (image.Image, error) {
	return jpeg.Decode(bytes.NewReader(data))
}

// Decoder produces a frame.Pair per compressed frame: the high-res frame in
// the display layout at capture resolution and the low-res frame at the
// processing resolution, both carrying the capture timestamp.
type Decoder struct {
	dc     Decompressor
	layout frame.Layout
	filter frame.Filter
	width  int // high-res
	height int
	lowW   int
	lowH   int
}

func New(capture config.CaptureConfig, proc config.ProcessingConfig, dc Decompressor) (*Decoder, error) {
	if err := Supported(capture.Format); err != nil {
		return nil, err
	}
	layout, err := frame.ParseLayout(proc.Layout)
	if err != nil {
		return nil, err
	}
	filter, err := frame.ParseFilter(proc.ResizeFilter)
	if err != nil {
		return nil, err
	}
	if dc == nil {
		dc = JPEG{}
	}
	return &Decoder{
		dc:     dc,
		layout: layout,
		filter: filter,
		width:  capture.Width,
		height: capture.Height,
		lowW:   proc.Width,
		lowH:   proc.Height,
	}, nil
}

// Supported reports whether a stream in the given fourcc can be decoded.
func Supported(format string) error {
	if format != "MJPG" {
		return fmt.Errorf("%w: %q", ErrUnsupportedFormat, format)
	}
	return nil
}

// Filter is the resize filter used for the low-res frame.
func (d *Decoder) Filter() frame.Filter { return d.filter }

func (d *Decoder) Decode(c frame.Compressed) (frame.Pair, error) {
	if err := Supported(c.Format); err != nil {
		return frame.Pair{}, err
	}
	if err := Validate(c.Data); err != nil {
		return frame.Pair{}, err
	}

	img, err := d.dc.Decompress(c.Data)
	if err != nil {
		return frame.Pair{}, fmt.Errorf("%w: seq %d: %v", ErrCorruptFrame, c.Seq, err)
	}

	high := frame.FromImage(img, d.layout, c.Timestamp)
	if high.Width() != d.width || high.Height() != d.height {
		high = high.Resize(d.width, d.height, d.filter)
	}
	low := high.Resize(d.lowW, d.lowH, d.filter)

	return frame.Pair{
		Seq:       c.Seq,
		Timestamp: c.Timestamp,
		High:      high,
		Low:       low,
	}, nil
}
