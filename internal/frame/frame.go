// Package frame holds the value types that travel between pipeline stages.
//
// A Frame is immutable once built: stages hand frames to each other by value
// and only ever read the pixel buffer. Any transformation (resize, layout
// conversion, compositing) allocates a new buffer.
package frame

import (
	"errors"
	"fmt"
	"image"
	"image/draw"
	"time"
)

// Layout describes how pixels are stored in a Frame buffer.
type Layout int

const (
	// RGBA is packed interleaved 8-bit R, G, B, A.
	RGBA Layout = iota
	// RGB is packed interleaved 8-bit R, G, B.
	RGB
	// Gray is single-channel 8-bit, used for masks.
	Gray
)

// ErrBufferSize is returned when a pixel buffer does not match its declared geometry.
var ErrBufferSize = errors.New("pixel buffer size does not match geometry")

// Channels returns the number of bytes per pixel.
func (l Layout) Channels() int {
	switch l {
	case RGBA:
		return 4
	case RGB:
		return 3
	case Gray:
		return 1
	default:
		return 0
	}
}

func (l Layout) String() string {
	switch l {
	case RGBA:
		return "rgba"
	case RGB:
		return "rgb"
	case Gray:
		return "gray"
	default:
		return fmt.Sprintf("layout(%d)", int(l))
	}
}

// ParseLayout maps a configuration name to a Layout.
func ParseLayout(name string) (Layout, error) {
	switch name {
	case "rgba":
		return RGBA, nil
	case "rgb":
		return RGB, nil
	case "gray":
		return Gray, nil
	}
	return 0, fmt.Errorf("unknown pixel layout %q", name)
}

// Frame is an owned pixel buffer with fixed geometry and a capture timestamp.
// The zero Frame is empty and reports IsZero.
type Frame struct {
	width     int
	height    int
	layout    Layout
	pix       []byte
	timestamp time.Time
}

// New wraps pix as a Frame. The caller hands ownership of pix to the Frame and
// must not write to it afterwards.
func New(width, height int, layout Layout, pix []byte, ts time.Time) (Frame, error) {
	if width <= 0 || height <= 0 {
		return Frame{}, fmt.Errorf("invalid frame size %dx%d", width, height)
	}
	if want := width * height * layout.Channels(); len(pix) != want || want == 0 {
		return Frame{}, fmt.Errorf("%w: %dx%d %s needs %d bytes, got %d",
			ErrBufferSize, width, height, layout, want, len(pix))
	}
	return Frame{width: width, height: height, layout: layout, pix: pix, timestamp: ts}, nil
}

// Blank allocates a zero-filled frame.
func Blank(width, height int, layout Layout, ts time.Time) Frame {
	return Frame{
		width:     width,
		height:    height,
		layout:    layout,
		pix:       make([]byte, width*height*layout.Channels()),
		timestamp: ts,
	}
}

func (f Frame) Width() int           { return f.width }
func (f Frame) Height() int          { return f.height }
func (f Frame) Layout() Layout       { return f.layout }
func (f Frame) Timestamp() time.Time { return f.timestamp }
func (f Frame) IsZero() bool         { return f.pix == nil }

// Pix exposes the pixel buffer. Only the creator of a Blank frame may write
// to it, and only before the frame is handed to another stage.
func (f Frame) Pix() []byte { return f.pix }

// Size returns the frame geometry as a point.
func (f Frame) Size() image.Point { return image.Pt(f.width, f.height) }

// Clone returns a deep copy with its own buffer.
func (f Frame) Clone() Frame {
	if f.pix == nil {
		return f
	}
	c := f
	c.pix = append([]byte(nil), f.pix...)
	return c
}

// WithTimestamp returns the same pixels stamped with ts.
func (f Frame) WithTimestamp(ts time.Time) Frame {
	f.timestamp = ts
	return f
}

// Image returns a read-only image.Image view over the frame buffer. RGB
// frames have no stdlib image type and are expanded into a new RGBA buffer.
func (f Frame) Image() image.Image {
	r := image.Rect(0, 0, f.width, f.height)
	switch f.layout {
	case RGBA:
		return &image.RGBA{Pix: f.pix, Stride: f.width * 4, Rect: r}
	case Gray:
		return &image.Gray{Pix: f.pix, Stride: f.width, Rect: r}
	default:
		return &image.RGBA{Pix: f.Convert(RGBA).pix, Stride: f.width * 4, Rect: r}
	}
}

// FromImage copies img into a new frame of the requested packed layout.
func FromImage(img image.Image, layout Layout, ts time.Time) Frame {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()

	switch layout {
	case Gray:
		if g, ok := img.(*image.Gray); ok {
			return Frame{width: w, height: h, layout: Gray, pix: copyRows(g.Pix, g.Stride, w, h), timestamp: ts}
		}
		dst := image.NewGray(image.Rect(0, 0, w, h))
		draw.Draw(dst, dst.Rect, img, b.Min, draw.Src)
		return Frame{width: w, height: h, layout: Gray, pix: dst.Pix, timestamp: ts}
	default:
		var pix []byte
		if rgba, ok := img.(*image.RGBA); ok && b.Min == (image.Point{}) {
			pix = copyRows(rgba.Pix, rgba.Stride, w*4, h)
		} else {
			dst := image.NewRGBA(image.Rect(0, 0, w, h))
			draw.Draw(dst, dst.Rect, img, b.Min, draw.Src)
			pix = dst.Pix
		}
		f := Frame{width: w, height: h, layout: RGBA, pix: pix, timestamp: ts}
		if layout == RGB {
			return f.Convert(RGB)
		}
		return f
	}
}

func copyRows(src []byte, stride, rowBytes, rows int) []byte {
	out := make([]byte, rowBytes*rows)
	for y := 0; y < rows; y++ {
		copy(out[y*rowBytes:(y+1)*rowBytes], src[y*stride:y*stride+rowBytes])
	}
	return out
}

// Convert returns the frame in another packed layout. Converting to Gray
// keeps the first channel; converting from Gray replicates the value.
// Alpha is set to 255 when it has to be invented.
func (f Frame) Convert(layout Layout) Frame {
	if f.layout == layout {
		return f
	}
	n := f.width * f.height
	src, sc := f.pix, f.layout.Channels()
	dc := layout.Channels()
	out := make([]byte, n*dc)

	for i := 0; i < n; i++ {
		s := src[i*sc : i*sc+sc]
		d := out[i*dc : i*dc+dc]
		switch {
		case sc == 1:
			for c := range d {
				d[c] = s[0]
			}
			if dc == 4 {
				d[3] = 255
			}
		case dc == 1:
			d[0] = s[0]
		default:
			d[0], d[1], d[2] = s[0], s[1], s[2]
			if dc == 4 {
				d[3] = 255
				if sc == 4 {
					d[3] = s[3]
				}
			}
		}
	}

	return Frame{width: f.width, height: f.height, layout: layout, pix: out, timestamp: f.timestamp}
}

// BGRA returns the pixels in B, G, R, A byte order, the layout virtual
// camera devices expect for the BGR4 fourcc.
func (f Frame) BGRA() []byte {
	rgba := f.Convert(RGBA).pix
	out := make([]byte, len(rgba))
	for i := 0; i < len(rgba); i += 4 {
		out[i], out[i+1], out[i+2], out[i+3] = rgba[i+2], rgba[i+1], rgba[i], rgba[i+3]
	}
	return out
}

// BGR returns the pixels in packed B, G, R byte order.
func (f Frame) BGR() []byte {
	rgb := f.Convert(RGB).pix
	out := make([]byte, len(rgb))
	for i := 0; i < len(rgb); i += 3 {
		out[i], out[i+1], out[i+2] = rgb[i+2], rgb[i+1], rgb[i]
	}
	return out
}
