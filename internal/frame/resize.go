package frame

import (
	"fmt"
	"image"

	"github.com/nfnt/resize"
)

// Filter selects the resampling kernel. The same filter must be used by the
// decoder and the compositor so that masks line up with display pixels.
type Filter int

const (
	Nearest Filter = iota
	Linear
)

// ParseFilter maps a configuration name to a Filter.
func ParseFilter(name string) (Filter, error) {
	switch name {
	case "nearest":
		return Nearest, nil
	case "linear":
		return Linear, nil
	}
	return 0, fmt.Errorf("unknown resize filter %q", name)
}

func (f Filter) interpolation() resize.InterpolationFunction {
	if f == Nearest {
		return resize.NearestNeighbor
	}
	return resize.Bilinear
}

// Resize returns a new frame of exactly width x height pixels in the same
// layout and with the same timestamp. The result only depends on the input
// pixels, the target size and the filter.
func (f Frame) Resize(width, height int, filter Filter) Frame {
	if f.width == width && f.height == height {
		return f
	}

	src := f
	if f.layout == RGB {
		src = f.Convert(RGBA)
	}

	scaled := resize.Resize(uint(width), uint(height), src.Image(), filter.interpolation())

	var out Frame
	switch img := scaled.(type) {
	case *image.Gray:
		out = Frame{width: width, height: height, layout: Gray, pix: copyRows(img.Pix, img.Stride, width, height)}
	case *image.RGBA:
		out = Frame{width: width, height: height, layout: RGBA, pix: copyRows(img.Pix, img.Stride, width*4, height)}
	default:
		layout := RGBA
		if f.layout == Gray {
			layout = Gray
		}
		out = FromImage(scaled, layout, f.timestamp)
	}

	out.timestamp = f.timestamp
	if f.layout == RGB {
		return out.Convert(RGB)
	}
	return out
}
